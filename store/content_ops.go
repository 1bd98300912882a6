package store

import (
	"fmt"
	"math"

	"github.com/PowerDNS/lmdb-go/lmdb"

	"github.com/dpc/rostra"
)

// Backoff for failed content fetches: 60s base, factor 1.5, capped at 24h.
const (
	backoffBase = 60
	backoffCap  = 86400
)

func backoffDelay(attemptCount uint32) rostra.Timestamp {
	delay := backoffBase * math.Pow(1.5, float64(attemptCount))
	if delay > backoffCap {
		delay = backoffCap
	}
	return rostra.Timestamp(delay)
}

// ProcessEventContent runs when an event's payload bytes become available,
// locally or from a fetch. Hash verification, kind side effects, byte
// storage and state cleanup all commit atomically; the Missing state guards
// side effects so they run at most once per event no matter how many
// sources race to deliver the same bytes.
//
// A rejected payload (ErrHashMismatch, ErrInvalidContent) still commits the
// Invalid transition; only storage failures abort the transaction.
func (db *Database) ProcessEventContent(eventID rostra.EventID, content []byte) error {
	var outcome error
	err := db.update(func(tx *writeTx) error {
		var err error
		outcome, err = db.processEventContentTx(tx, eventID, content)
		return err
	})
	if err != nil {
		return err
	}
	return outcome
}

// processEventContentTx returns the caller-visible outcome separately from
// storage errors: outcomes like Invalid must commit, storage errors abort.
func (db *Database) processEventContentTx(tx *writeTx, eventID rostra.EventID, content []byte) (error, error) {
	txn := tx.txn

	evt, err := db.getEventTx(txn, eventID)
	if err == ErrUnknownEvent {
		db.log.Warn().Stringer("event_id", eventID).
			Msg("content for an event that was never ingested")
		debugAssert(false, "content for unknown event %s", eventID)
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	state, err := db.getContentStateTx(txn, eventID)
	if err != nil {
		return nil, err
	}
	if state == nil || state.kind != stateMissing {
		return ErrAlreadyProcessed, nil
	}

	if uint32(len(content)) != evt.ContentLen || rostra.HashContent(content) != evt.ContentHash {
		return ErrHashMismatch, db.markInvalidTx(txn, evt, state)
	}

	// Decode first, mutate after: a payload the kind handler refuses is
	// recorded as Invalid without any partially applied indices.
	apply, err := db.decodeSideEffects(tx, evt, content)
	if err != nil {
		db.log.Debug().Err(err).
			Stringer("event_id", eventID).
			Stringer("kind", evt.Kind).
			Msg("ignoring malformed payload")
		return ErrInvalidContent, db.markInvalidTx(txn, evt, state)
	}
	if apply != nil {
		if err := apply(); err != nil {
			return nil, err
		}
	}

	if _, err := txn.Get(db.contentStore, evt.ContentHash[:]); lmdb.IsNotFound(err) {
		if err := txn.Put(db.contentStore, evt.ContentHash[:], content, 0); err != nil {
			return nil, err
		}
	} else if err != nil {
		return nil, err
	}

	if err := txn.Del(db.eventsContentState, eventID[:], nil); err != nil {
		return nil, err
	}
	if err := txn.Del(db.eventsContentMissing, contentMissingKey(state.nextAttempt, eventID), nil); err != nil && !lmdb.IsNotFound(err) {
		return nil, err
	}

	db.log.Debug().
		Stringer("event_id", eventID).
		Stringer("kind", evt.Kind).
		Msg("event content processed")

	eventKey := string(eventID[:])
	tx.afterCommit(func() { db.contentHub.notify(eventKey) })
	return nil, nil
}

// markInvalidTx records a payload that failed verification or parsing: the
// claim on the hash is dropped, the fetch schedule entry removed, and the
// bytes are never stored.
func (db *Database) markInvalidTx(txn *lmdb.Txn, evt *rostra.SignedEvent, state *contentState) error {
	if err := db.decrementRCTx(txn, evt.ContentHash); err != nil {
		return err
	}
	if err := txn.Del(db.eventsContentMissing, contentMissingKey(state.nextAttempt, evt.ID), nil); err != nil && !lmdb.IsNotFound(err) {
		return err
	}
	invalid := contentState{kind: stateInvalid}
	return txn.Put(db.eventsContentState, evt.ID[:], invalid.encode(), 0)
}

// RecordFailedContentFetch reschedules a missing payload after a failed
// fetch attempt. Pure bookkeeping: no refcount change, and successive
// failures push next_attempt out exponentially.
func (db *Database) RecordFailedContentFetch(eventID rostra.EventID, attemptedAt rostra.Timestamp) error {
	return db.update(func(tx *writeTx) error {
		txn := tx.txn

		state, err := db.getContentStateTx(txn, eventID)
		if err != nil {
			return err
		}
		if state == nil || state.kind != stateMissing {
			return ErrUnknownEvent
		}

		if err := txn.Del(db.eventsContentMissing, contentMissingKey(state.nextAttempt, eventID), nil); err != nil && !lmdb.IsNotFound(err) {
			return err
		}

		next := attemptedAt + backoffDelay(state.attemptCount)
		updated := contentState{
			kind:         stateMissing,
			lastAttempt:  attemptedAt,
			attemptCount: state.attemptCount + 1,
			nextAttempt:  next,
		}
		if err := txn.Put(db.eventsContentState, eventID[:], updated.encode(), 0); err != nil {
			return err
		}
		return txn.Put(db.eventsContentMissing, contentMissingKey(next, eventID), nil, 0)
	})
}

// DeleteContent applies a deletion of the target event's content, recording
// which event deleted it. When the target has not been ingested yet the
// intent is remembered in events_missing so the target arrives born
// deleted.
func (db *Database) DeleteContent(target rostra.EventID, deletedBy rostra.EventID) error {
	return db.update(func(tx *writeTx) error {
		author := rostra.ZeroID
		if deleter, err := db.getEventTx(tx.txn, deletedBy); err == nil {
			author = deleter.Author
		} else if err != ErrUnknownEvent {
			return err
		}
		return db.deleteContentOrMarkMissingTx(tx, target, deletedBy, author)
	})
}

func (db *Database) deleteContentOrMarkMissingTx(tx *writeTx, target rostra.EventID, deletedBy rostra.EventID, author rostra.RostraID) error {
	txn := tx.txn
	if _, err := txn.Get(db.events, target[:]); err == nil {
		return db.deleteContentTx(tx, target, deletedBy)
	} else if !lmdb.IsNotFound(err) {
		return err
	}

	rec := missingRecord{author: author}
	if v, err := txn.Get(db.eventsMissing, target[:]); err == nil {
		var derr error
		if rec, derr = decodeMissingRecord(v); derr != nil {
			return derr
		}
	} else if !lmdb.IsNotFound(err) {
		return err
	}
	if rec.deletedBy.IsZero() {
		rec.deletedBy = deletedBy
	}
	return txn.Put(db.eventsMissing, target[:], rec.encode(), 0)
}

// deleteContentTx transitions an ingested event's content to Deleted.
//
//	Missing   -> Deleted  rc-1, schedule entry dropped
//	Processed -> Deleted  rc-1, previously applied side effects reverted
//	Pruned    -> Deleted  rc unchanged
//	Invalid   -> Deleted  rc unchanged
//	Deleted   -> no change (the first deleter wins)
func (db *Database) deleteContentTx(tx *writeTx, target rostra.EventID, deletedBy rostra.EventID) error {
	txn := tx.txn

	evt, err := db.getEventTx(txn, target)
	if err != nil {
		return err
	}

	state, err := db.getContentStateTx(txn, target)
	if err != nil {
		return err
	}

	switch {
	case state == nil:
		// Processed: drop the claim and undo what processing indexed.
		if err := db.decrementRCTx(txn, evt.ContentHash); err != nil {
			return err
		}
		if content, err := txn.Get(db.contentStore, evt.ContentHash[:]); err == nil {
			if err := db.revertSideEffectsTx(txn, evt, content); err != nil {
				return err
			}
		} else if !lmdb.IsNotFound(err) {
			return err
		}
	case state.kind == stateMissing:
		if err := db.decrementRCTx(txn, evt.ContentHash); err != nil {
			return err
		}
		if err := txn.Del(db.eventsContentMissing, contentMissingKey(state.nextAttempt, target), nil); err != nil && !lmdb.IsNotFound(err) {
			return err
		}
	case state.kind == stateDeleted:
		return nil
	case state.kind == statePruned, state.kind == stateInvalid:
		// Refcount was already given up on the earlier transition.
	}

	deleted := contentState{kind: stateDeleted, deletedBy: deletedBy}
	if err := txn.Put(db.eventsContentState, target[:], deleted.encode(), 0); err != nil {
		return err
	}

	db.log.Debug().
		Stringer("event_id", target).
		Stringer("deleted_by", deletedBy).
		Msg("event content deleted")
	return nil
}

// PruneContent locally discards an event's claim on its payload to save
// space. Only a Processed event can be pruned; the return value reports
// whether the prune happened.
func (db *Database) PruneContent(eventID rostra.EventID) (bool, error) {
	var pruned bool
	err := db.update(func(tx *writeTx) error {
		txn := tx.txn

		evt, err := db.getEventTx(txn, eventID)
		if err != nil {
			return err
		}
		state, err := db.getContentStateTx(txn, eventID)
		if err != nil {
			return err
		}
		if state != nil {
			return nil
		}

		if err := db.decrementRCTx(txn, evt.ContentHash); err != nil {
			return err
		}
		record := contentState{kind: statePruned}
		if err := txn.Put(db.eventsContentState, eventID[:], record.encode(), 0); err != nil {
			return err
		}
		pruned = true
		return nil
	})
	return pruned, err
}

// ContentRC returns the current reference count of a content hash.
func (db *Database) ContentRC(hash rostra.ContentHash) (uint64, error) {
	var rc uint64
	err := db.view(func(txn *lmdb.Txn) error {
		v, err := txn.Get(db.contentRC, hash[:])
		if lmdb.IsNotFound(err) {
			return nil
		}
		if err != nil {
			return err
		}
		rc = getUint64(v)
		return nil
	})
	return rc, err
}

func debugAssert(cond bool, format string, args ...any) {
	if debugAssertEnabled && !cond {
		panic(fmt.Sprintf(format, args...))
	}
}

var debugAssertEnabled = false
