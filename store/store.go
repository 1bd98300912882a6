// Package store implements the client-side event and content storage
// engine: a transactional state machine over LMDB that ingests signed
// events from any number of concurrent sources, maintains per-author DAG
// heads, tracks payload state with reference-counted deduplication, applies
// per-kind side effects exactly once, and schedules retrieval of missing
// payloads with backoff.
package store

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/PowerDNS/lmdb-go/lmdb"
	"github.com/rs/zerolog"
)

const (
	// HeadsCap bounds the number of heads returned to callers.
	HeadsCap = 10

	mapSize = 1 << 34 // 16GB
	maxDBs  = 20
)

// Database is the durable store. It owns all persisted state; every
// ingestion call runs as a single write transaction and read views are
// snapshots.
type Database struct {
	env  *lmdb.Env
	path string
	log  zerolog.Logger

	// one DBI per logical table
	events               lmdb.DBI // event_id -> envelope
	eventsByAuthorTime   lmdb.DBI // author+ts+event_id -> nil
	heads                lmdb.DBI // author+event_id -> nil
	eventsMissing        lmdb.DBI // event_id -> author + deleted_by (possibly absent)
	eventsContentMissing lmdb.DBI // next_attempt+event_id -> nil
	eventsContentState   lmdb.DBI // event_id -> content state
	contentStore         lmdb.DBI // content_hash -> bytes
	contentRC            lmdb.DBI // content_hash -> u64
	followState          lmdb.DBI // author+followee -> follow record
	followers            lmdb.DBI // followee+follower -> nil
	unfollowed           lmdb.DBI // author+followee -> timestamp
	profiles             lmdb.DBI // author -> profile record
	socialPosts          lmdb.DBI // event_id -> reply count
	notifications        lmdb.DBI // recipient+ts+seq -> event_id
	timelineNetwork      lmdb.DBI // ts+event_id -> nil
	eventsSelf           lmdb.DBI // event_id -> nil
	meta                 lmdb.DBI // name -> u64

	headsHub    *hub
	contentHub  *hub
	fetcherWake chan struct{}

	closeOnce sync.Once
}

// Option configures a Database on Open.
type Option func(*Database)

// WithLogger sets the logger. The default discards everything.
func WithLogger(log zerolog.Logger) Option {
	return func(db *Database) { db.log = log }
}

// Open opens (creating if necessary) the store under dir. A crash between
// two commits leaves exactly the state of the last committed transaction;
// no recovery step is needed beyond reopening.
func Open(dir string, opts ...Option) (*Database, error) {
	db := &Database{
		path:        dir,
		log:         zerolog.Nop(),
		headsHub:    newHub(),
		contentHub:  newHub(),
		fetcherWake: make(chan struct{}, 1),
	}
	for _, opt := range opts {
		opt(db)
	}

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create store directory: %w", err)
	}

	env, err := lmdb.NewEnv()
	if err != nil {
		return nil, fmt.Errorf("failed to create lmdb env: %w", err)
	}
	if err := env.SetMaxDBs(maxDBs); err != nil {
		return nil, err
	}
	if err := env.SetMapSize(mapSize); err != nil {
		return nil, err
	}
	if err := env.Open(dir, lmdb.NoTLS, 0o644); err != nil {
		return nil, fmt.Errorf("failed to open lmdb env at %s: %w", dir, err)
	}
	db.env = env

	if err := env.Update(func(txn *lmdb.Txn) error {
		for _, table := range []struct {
			name string
			dbi  *lmdb.DBI
		}{
			{"events", &db.events},
			{"events_by_author_time", &db.eventsByAuthorTime},
			{"heads", &db.heads},
			{"events_missing", &db.eventsMissing},
			{"events_content_missing", &db.eventsContentMissing},
			{"events_content_state", &db.eventsContentState},
			{"content_store", &db.contentStore},
			{"content_rc", &db.contentRC},
			{"follow_state", &db.followState},
			{"followers", &db.followers},
			{"unfollowed", &db.unfollowed},
			{"profiles", &db.profiles},
			{"social_posts", &db.socialPosts},
			{"notifications", &db.notifications},
			{"timeline_network", &db.timelineNetwork},
			{"events_self", &db.eventsSelf},
			{"meta", &db.meta},
		} {
			dbi, err := txn.OpenDBI(table.name, lmdb.Create)
			if err != nil {
				return fmt.Errorf("failed to open table %s: %w", table.name, err)
			}
			*table.dbi = dbi
		}
		return nil
	}); err != nil {
		env.Close()
		return nil, err
	}

	db.log.Debug().Str("dir", dir).Msg("store opened")
	return db, nil
}

// Close must be called after you're done using the store.
func (db *Database) Close() {
	db.closeOnce.Do(func() {
		db.env.Close()
	})
}

func (db *Database) String() string {
	return fmt.Sprintf("<rostra store at %s>", filepath.Clean(db.path))
}

// writeTx wraps a write transaction and collects hooks to run after the
// commit succeeds. The transaction itself is built synchronously in memory
// and committed atomically; hooks never run on abort.
type writeTx struct {
	txn      *lmdb.Txn
	onCommit []func()
}

func (tx *writeTx) afterCommit(f func()) {
	tx.onCommit = append(tx.onCommit, f)
}

func (db *Database) update(f func(tx *writeTx) error) error {
	var hooks []func()
	err := db.env.Update(func(txn *lmdb.Txn) error {
		tx := &writeTx{txn: txn}
		if err := f(tx); err != nil {
			return err
		}
		hooks = tx.onCommit
		return nil
	})
	if err != nil {
		return err
	}
	for _, hook := range hooks {
		hook()
	}
	return nil
}

func (db *Database) view(f func(txn *lmdb.Txn) error) error {
	return db.env.View(func(txn *lmdb.Txn) error {
		txn.RawRead = true
		return f(txn)
	})
}

// nextSerial hands out a durable monotonic counter value from the meta
// table, used to disambiguate notification ordering.
func (db *Database) nextSerial(txn *lmdb.Txn, name string) (uint64, error) {
	var serial uint64
	v, err := txn.Get(db.meta, []byte(name))
	if err == nil {
		serial = getUint64(v)
	} else if !lmdb.IsNotFound(err) {
		return 0, err
	}
	serial++
	if err := txn.Put(db.meta, []byte(name), putUint64(serial), 0); err != nil {
		return 0, err
	}
	return serial, nil
}

// wakeFetcher nudges the fetcher task without blocking.
func (db *Database) wakeFetcher() {
	select {
	case db.fetcherWake <- struct{}{}:
	default:
	}
}
