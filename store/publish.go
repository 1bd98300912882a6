package store

import (
	"fmt"

	"github.com/dpc/rostra"
)

// PublishResult reports a locally published event and the heads after it.
type PublishResult struct {
	EventID rostra.EventID
	Heads   []rostra.EventID
}

// PublishSocialPost builds, signs and ingests a new social post whose
// parent is parentHead. The head check and the insertion share one write
// transaction, so a concurrent publish from another device session cannot
// slip in between: the loser gets ErrStaleHead and retries after re-reading
// heads.
//
// parentHead may be zero only while the identity has no heads (the first
// post).
func (db *Database) PublishSocialPost(sec rostra.IDSecret, parentHead rostra.EventID, post rostra.SocialPost) (PublishResult, error) {
	return db.publish(sec, rostra.KindSocialPost, rostra.AuxKeyFromString(post.PersonaTag), &parentHead, post)
}

// PublishProfileUpdate publishes onto the identity's current head.
func (db *Database) PublishProfileUpdate(sec rostra.IDSecret, profile rostra.ProfileUpdate) (PublishResult, error) {
	return db.publish(sec, rostra.KindProfileUpdate, rostra.ZeroAuxKey, nil, profile)
}

// PublishFollow publishes onto the identity's current head.
func (db *Database) PublishFollow(sec rostra.IDSecret, follow rostra.Follow) (PublishResult, error) {
	return db.publish(sec, rostra.KindFollow, rostra.ZeroAuxKey, nil, follow)
}

// PublishUnfollow publishes onto the identity's current head.
func (db *Database) PublishUnfollow(sec rostra.IDSecret, unfollow rostra.Unfollow) (PublishResult, error) {
	return db.publish(sec, rostra.KindUnfollow, rostra.ZeroAuxKey, nil, unfollow)
}

// PublishContentDelete publishes a deletion of one of the identity's
// earlier events' content.
func (db *Database) PublishContentDelete(sec rostra.IDSecret, target rostra.EventID) (PublishResult, error) {
	return db.publish(sec, rostra.KindContentDelete, rostra.ZeroAuxKey, nil, rostra.ContentDelete{Target: target})
}

// publish runs the head check, envelope construction, insertion and
// content processing in a single write transaction. With explicitParent
// nil the current first head is used (managed publish); otherwise the
// named head must be current.
func (db *Database) publish(sec rostra.IDSecret, kind rostra.Kind, auxKey rostra.AuxKey, explicitParent *rostra.EventID, payload any) (PublishResult, error) {
	author := sec.RostraID()

	content, err := rostra.MarshalContent(payload)
	if err != nil {
		return PublishResult{}, fmt.Errorf("failed to encode payload: %w", err)
	}

	var result PublishResult
	err = db.update(func(tx *writeTx) error {
		heads, err := db.headsTx(tx.txn, author, 0)
		if err != nil {
			return err
		}

		var parent, aux rostra.EventID
		if explicitParent != nil {
			parent = *explicitParent
			if len(heads) == 0 {
				if !parent.IsZero() {
					return ErrStaleHead
				}
			} else if !containsEventID(heads, parent) {
				return ErrStaleHead
			}
		} else if len(heads) > 0 {
			parent = heads[0]
		}

		// A second current head gets merged in through the aux pointer.
		for _, head := range heads {
			if head != parent {
				aux = head
				break
			}
		}

		// Assert a timestamp past both parents so latest-wins records from
		// several same-second publishes resolve in chain order.
		ts := rostra.Now()
		for _, head := range []rostra.EventID{parent, aux} {
			if head.IsZero() {
				continue
			}
			headEvt, err := db.getEventTx(tx.txn, head)
			if err != nil {
				return err
			}
			if headEvt.Timestamp >= ts {
				ts = headEvt.Timestamp + 1
			}
		}

		evt := &rostra.SignedEvent{
			Event: rostra.Event{
				Kind:        kind,
				Timestamp:   ts,
				Parent:      parent,
				AuxParent:   aux,
				ContentHash: rostra.HashContent(content),
				ContentLen:  uint32(len(content)),
				AuxKey:      auxKey,
			},
		}
		if err := evt.Sign(sec); err != nil {
			return err
		}

		if _, err := db.insertEventTx(tx, evt, true); err != nil {
			return err
		}
		outcome, err := db.processEventContentTx(tx, evt.ID, content)
		if err != nil {
			return err
		}
		if outcome != nil {
			return fmt.Errorf("failed to process own payload: %w", outcome)
		}

		newHeads, err := db.headsTx(tx.txn, author, HeadsCap)
		if err != nil {
			return err
		}
		result = PublishResult{EventID: evt.ID, Heads: newHeads}
		return nil
	})
	return result, err
}

func containsEventID(ids []rostra.EventID, id rostra.EventID) bool {
	for _, cur := range ids {
		if cur == id {
			return true
		}
	}
	return false
}
