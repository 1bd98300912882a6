package store

import (
	"fmt"

	"github.com/PowerDNS/lmdb-go/lmdb"

	"github.com/dpc/rostra"
)

// InsertOutcome reports what InsertEvent did.
type InsertOutcome struct {
	// Inserted is false when the event was already present (a no-op).
	Inserted bool
	// WasMissing: some accepted event already referenced this one as a
	// parent, so it does not become a head.
	WasMissing bool
	// BornDeleted: the event's content was deleted before the event itself
	// arrived; no payload is tracked or fetched for it.
	BornDeleted bool
	// MissingParents lists parents referenced by this event that have not
	// been ingested yet.
	MissingParents []rostra.EventID
}

// InsertEvent is the central ingestion operation. The envelope is verified,
// then all DAG and content accounting happens in one write transaction:
// idempotent re-insertion, heads update, missing-parent tracking,
// refcounting and content state, and deletion handling for events flagged
// as deleting their aux parent's content.
//
// Side effects of the payload are NOT applied here; that happens in
// ProcessEventContent once the bytes are available.
func (db *Database) InsertEvent(evt *rostra.SignedEvent) (InsertOutcome, error) {
	if !evt.VerifySignature() {
		return InsertOutcome{}, rostra.ErrBadSignature
	}
	if evt.ContentLen == 0 && evt.ContentHash != rostra.EmptyContentHash {
		return InsertOutcome{}, ErrEmptyContentHashMismatch
	}

	var outcome InsertOutcome
	err := db.update(func(tx *writeTx) error {
		var err error
		outcome, err = db.insertEventTx(tx, evt, false)
		return err
	})
	return outcome, err
}

func (db *Database) insertEventTx(tx *writeTx, evt *rostra.SignedEvent, isSelf bool) (InsertOutcome, error) {
	txn := tx.txn
	eventID := evt.ID
	author := evt.Author

	if _, err := txn.Get(db.events, eventID[:]); err == nil {
		return InsertOutcome{}, nil
	} else if !lmdb.IsNotFound(err) {
		return InsertOutcome{}, err
	}

	outcome := InsertOutcome{Inserted: true}

	// An event that something already referenced is not a head; one that
	// was referenced by a delete is born deleted.
	if v, err := txn.Get(db.eventsMissing, eventID[:]); err == nil {
		rec, err := decodeMissingRecord(v)
		if err != nil {
			return outcome, err
		}
		outcome.WasMissing = true
		if !rec.deletedBy.IsZero() {
			outcome.BornDeleted = true
			state := contentState{kind: stateDeleted, deletedBy: rec.deletedBy}
			if err := txn.Put(db.eventsContentState, eventID[:], state.encode(), 0); err != nil {
				return outcome, err
			}
		}
		if err := txn.Del(db.eventsMissing, eventID[:], nil); err != nil {
			return outcome, err
		}
	} else if !lmdb.IsNotFound(err) {
		return outcome, err
	}

	if err := txn.Put(db.events, eventID[:], evt.Serialize(), 0); err != nil {
		return outcome, err
	}
	if err := txn.Put(db.eventsByAuthorTime, authorTimeKey(author, evt.Timestamp, eventID), nil, 0); err != nil {
		return outcome, err
	}
	if !outcome.WasMissing {
		if err := txn.Put(db.heads, authorEventKey(author, eventID), nil, 0); err != nil {
			return outcome, err
		}
	}

	// When both parent pointers name the same event, process it once, as
	// the aux: the aux pointer is the one a deletion acts through.
	type parentRef struct {
		id    rostra.EventID
		isAux bool
	}
	var parents []parentRef
	if evt.AuxParent == evt.Parent {
		parents = []parentRef{{evt.AuxParent, true}}
	} else {
		parents = []parentRef{{evt.AuxParent, true}, {evt.Parent, false}}
	}

	for _, parent := range parents {
		if parent.id.IsZero() {
			continue
		}

		deletesParent := evt.IsDeleteAuxContent() && parent.isAux

		if _, err := txn.Get(db.events, parent.id[:]); err == nil {
			if deletesParent {
				if err := db.deleteContentTx(tx, parent.id, eventID); err != nil {
					return outcome, fmt.Errorf("failed to delete content of %s: %w", parent.id, err)
				}
			}
		} else if lmdb.IsNotFound(err) {
			rec := missingRecord{author: author}
			if v, err := txn.Get(db.eventsMissing, parent.id[:]); err == nil {
				if rec, err = decodeMissingRecord(v); err != nil {
					return outcome, err
				}
			} else if !lmdb.IsNotFound(err) {
				return outcome, err
			}
			if deletesParent && rec.deletedBy.IsZero() {
				rec.deletedBy = eventID
			}
			if err := txn.Put(db.eventsMissing, parent.id[:], rec.encode(), 0); err != nil {
				return outcome, err
			}
			outcome.MissingParents = append(outcome.MissingParents, parent.id)
		} else {
			return outcome, err
		}

		// The parent has a child now, so it is not a head.
		if err := txn.Del(db.heads, authorEventKey(author, parent.id), nil); err != nil && !lmdb.IsNotFound(err) {
			return outcome, err
		}
	}

	if err := db.trackContentTx(tx, evt, outcome.BornDeleted); err != nil {
		return outcome, err
	}

	if isSelf {
		if err := txn.Put(db.eventsSelf, eventID[:], nil, 0); err != nil {
			return outcome, err
		}
	}

	db.log.Debug().
		Stringer("event_id", eventID).
		Stringer("author", author).
		Stringer("kind", evt.Kind).
		Bool("born_deleted", outcome.BornDeleted).
		Msg("new event inserted")

	authorKey := string(author[:])
	tx.afterCommit(func() { db.headsHub.notify(authorKey) })

	return outcome, nil
}

// trackContentTx does the content half of event insertion: refcount,
// per-event state, and either immediate processing (bytes already in the
// store from another event) or a fetch schedule entry.
func (db *Database) trackContentTx(tx *writeTx, evt *rostra.SignedEvent, bornDeleted bool) error {
	txn := tx.txn
	eventID := evt.ID

	if bornDeleted {
		// No claim is ever taken on the hash, nothing to fetch.
		return nil
	}

	if evt.ContentLen == 0 {
		if _, err := txn.Get(db.contentStore, evt.ContentHash[:]); lmdb.IsNotFound(err) {
			if err := txn.Put(db.contentStore, evt.ContentHash[:], []byte{}, 0); err != nil {
				return err
			}
		} else if err != nil {
			return err
		}
		// Immediately processed; no state entry.
		return db.incrementRCTx(txn, evt.ContentHash)
	}

	if err := db.incrementRCTx(txn, evt.ContentHash); err != nil {
		return err
	}

	state := contentState{kind: stateMissing}
	if err := txn.Put(db.eventsContentState, eventID[:], state.encode(), 0); err != nil {
		return err
	}

	if bytes, err := txn.Get(db.contentStore, evt.ContentHash[:]); err == nil {
		// Bytes are already here from another event with the same hash;
		// process right after commit.
		content := make([]byte, len(bytes))
		copy(content, bytes)
		tx.afterCommit(func() {
			if err := db.ProcessEventContent(eventID, content); err != nil && err != ErrAlreadyProcessed {
				db.log.Warn().Err(err).
					Stringer("event_id", eventID).
					Msg("failed to process already-stored content")
			}
		})
		return nil
	} else if !lmdb.IsNotFound(err) {
		return err
	}

	if err := txn.Put(db.eventsContentMissing, contentMissingKey(0, eventID), nil, 0); err != nil {
		return err
	}
	tx.afterCommit(db.wakeFetcher)
	return nil
}

func (db *Database) incrementRCTx(txn *lmdb.Txn, hash rostra.ContentHash) error {
	var rc uint64
	if v, err := txn.Get(db.contentRC, hash[:]); err == nil {
		rc = getUint64(v)
	} else if !lmdb.IsNotFound(err) {
		return err
	}
	return txn.Put(db.contentRC, hash[:], putUint64(rc+1), 0)
}

func (db *Database) decrementRCTx(txn *lmdb.Txn, hash rostra.ContentHash) error {
	v, err := txn.Get(db.contentRC, hash[:])
	if lmdb.IsNotFound(err) {
		db.log.Error().Stringer("content_hash", hash).
			Msg("decrementing refcount with no entry, possible bug")
		return nil
	}
	if err != nil {
		return err
	}
	rc := getUint64(v)
	if rc <= 1 {
		return txn.Del(db.contentRC, hash[:], nil)
	}
	return txn.Put(db.contentRC, hash[:], putUint64(rc-1), 0)
}

func (db *Database) getEventTx(txn *lmdb.Txn, id rostra.EventID) (*rostra.SignedEvent, error) {
	v, err := txn.Get(db.events, id[:])
	if lmdb.IsNotFound(err) {
		return nil, ErrUnknownEvent
	}
	if err != nil {
		return nil, err
	}
	evt, err := rostra.ParseEvent(v)
	if err != nil {
		return nil, fmt.Errorf("%w: undecodable stored event %s: %s", ErrStoreCorrupted, id, err)
	}
	return evt, nil
}

func (db *Database) getContentStateTx(txn *lmdb.Txn, id rostra.EventID) (*contentState, error) {
	v, err := txn.Get(db.eventsContentState, id[:])
	if lmdb.IsNotFound(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	state, err := decodeContentState(v)
	if err != nil {
		return nil, err
	}
	return &state, nil
}
