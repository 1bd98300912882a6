package store

import (
	"context"
	"errors"
	"time"

	"github.com/PowerDNS/lmdb-go/lmdb"
	"github.com/puzpuzpuz/xsync/v3"
	"golang.org/x/sync/semaphore"

	"github.com/dpc/rostra"
)

// ContentFetcher is the transport collaborator the fetcher issues requests
// through. Implementations stream and verify the bytes (BAO discipline);
// the engine only ever sees fully verified payloads or an error.
type ContentFetcher interface {
	FetchContent(ctx context.Context, author rostra.RostraID, eventID rostra.EventID, contentHash rostra.ContentHash, contentLen uint32) ([]byte, error)
}

const (
	fetcherFanOut     = 8
	fetcherAuthorCap  = 4
	fetcherIdlePeriod = time.Minute
)

// fetchJob is one due entry of events_content_missing.
type fetchJob struct {
	eventID     rostra.EventID
	author      rostra.RostraID
	contentHash rostra.ContentHash
	contentLen  uint32
}

// RunFetcher drives retrieval of missing payloads until ctx is cancelled.
// It drains events_content_missing in (next_attempt, event_id) order with a
// small fan-out over distinct events, serializing attempts per event and
// capping concurrent fetches per author. Transactions that schedule new
// entries wake it through the post-commit hook.
func (db *Database) RunFetcher(ctx context.Context, transport ContentFetcher) error {
	sem := semaphore.NewWeighted(fetcherFanOut)
	inflight := xsync.NewMapOf[rostra.EventID, struct{}]()
	perAuthor := xsync.NewMapOf[rostra.RostraID, int]()

	timer := time.NewTimer(fetcherIdlePeriod)
	defer timer.Stop()

	for {
		jobs, nextDue, err := db.dueFetches(inflight, perAuthor)
		if err != nil {
			return err
		}

		for _, job := range jobs {
			if err := sem.Acquire(ctx, 1); err != nil {
				return err
			}
			inflight.Store(job.eventID, struct{}{})
			perAuthor.Compute(job.author, func(n int, _ bool) (int, bool) { return n + 1, false })

			go func(job fetchJob) {
				defer sem.Release(1)
				defer inflight.Delete(job.eventID)
				defer perAuthor.Compute(job.author, func(n int, _ bool) (int, bool) { return n - 1, n <= 1 })
				defer db.wakeFetcher()

				db.runFetch(ctx, transport, job)
			}(job)
		}
		if len(jobs) > 0 {
			// More entries may already be due.
			continue
		}

		wait := fetcherIdlePeriod
		if nextDue != nil {
			until := time.Until(nextDue.Time())
			if until < 0 {
				until = 0
			}
			if until < wait {
				wait = until
			}
		}
		if !timer.Stop() {
			select {
			case <-timer.C:
			default:
			}
		}
		timer.Reset(wait)

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-db.fetcherWake:
		case <-timer.C:
		}
	}
}

func (db *Database) runFetch(ctx context.Context, transport ContentFetcher, job fetchJob) {
	content, err := transport.FetchContent(ctx, job.author, job.eventID, job.contentHash, job.contentLen)
	if err != nil {
		if ctx.Err() != nil {
			// Cancellation is not a failure; the entry stays scheduled as
			// it was.
			return
		}
		db.log.Debug().Err(err).
			Stringer("event_id", job.eventID).
			Stringer("author", job.author).
			Msg("content fetch failed")
		if rerr := db.RecordFailedContentFetch(job.eventID, rostra.Now()); rerr != nil && !errors.Is(rerr, ErrUnknownEvent) {
			db.log.Error().Err(rerr).
				Stringer("event_id", job.eventID).
				Msg("failed to record fetch failure")
		}
		return
	}

	if err := db.ProcessEventContent(job.eventID, content); err != nil {
		switch {
		case errors.Is(err, ErrAlreadyProcessed):
		case errors.Is(err, ErrHashMismatch), errors.Is(err, ErrInvalidContent):
			db.log.Warn().Err(err).
				Stringer("event_id", job.eventID).
				Msg("fetched content rejected")
		default:
			db.log.Error().Err(err).
				Stringer("event_id", job.eventID).
				Msg("failed to process fetched content")
		}
	}
}

// dueFetches collects schedule entries that are due now, skipping events
// with an attempt already in flight and authors at their fan-out cap.
// When nothing is due it reports the earliest future next_attempt.
func (db *Database) dueFetches(inflight *xsync.MapOf[rostra.EventID, struct{}], perAuthor *xsync.MapOf[rostra.RostraID, int]) ([]fetchJob, *rostra.Timestamp, error) {
	now := rostra.Now()
	var jobs []fetchJob
	var nextDue *rostra.Timestamp

	err := db.view(func(txn *lmdb.Txn) error {
		cur, err := txn.OpenCursor(db.eventsContentMissing)
		if err != nil {
			return err
		}
		defer cur.Close()

		k, _, err := cur.Get(nil, nil, lmdb.First)
		for err == nil && len(jobs) < fetcherFanOut {
			nextAttempt, eventID := splitContentMissingKey(k)
			if nextAttempt > now {
				nextDue = &nextAttempt
				break
			}

			if _, busy := inflight.Load(eventID); !busy {
				evt, gerr := db.getEventTx(txn, eventID)
				if gerr != nil {
					return gerr
				}
				if n, _ := perAuthor.Load(evt.Author); n < fetcherAuthorCap {
					jobs = append(jobs, fetchJob{
						eventID:     eventID,
						author:      evt.Author,
						contentHash: evt.ContentHash,
						contentLen:  evt.ContentLen,
					})
				}
			}
			k, _, err = cur.Get(nil, nil, lmdb.Next)
		}
		if err != nil && !lmdb.IsNotFound(err) {
			return err
		}
		return nil
	})
	if err != nil {
		return nil, nil, err
	}
	return jobs, nextDue, nil
}
