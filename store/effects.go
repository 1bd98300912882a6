package store

import (
	"fmt"

	"github.com/PowerDNS/lmdb-go/lmdb"

	"github.com/dpc/rostra"
)

// decodeSideEffects parses the payload for the event's kind and returns a
// closure applying its indices. Parsing happens before any mutation, so a
// refused payload turns into the Invalid state without partially applied
// side effects. Unknown kinds are opaque: stored and forwardable, no
// indices.
func (db *Database) decodeSideEffects(tx *writeTx, evt *rostra.SignedEvent, content []byte) (func() error, error) {
	switch evt.Kind {
	case rostra.KindSocialPost:
		var post rostra.SocialPost
		if err := rostra.UnmarshalContent(content, &post); err != nil {
			return nil, err
		}
		return func() error { return db.applySocialPostTx(tx, evt, &post) }, nil

	case rostra.KindContentDelete:
		var del rostra.ContentDelete
		if err := rostra.UnmarshalContent(content, &del); err != nil {
			return nil, err
		}
		if del.Target.IsZero() {
			return nil, fmt.Errorf("content delete without a target")
		}
		if del.Target == evt.ID {
			return nil, fmt.Errorf("content delete targeting itself")
		}
		if target, err := db.getEventTx(tx.txn, del.Target); err == nil {
			if target.Author != evt.Author {
				return nil, fmt.Errorf("content delete targeting another author's event")
			}
		} else if err != ErrUnknownEvent {
			return nil, err
		}
		return func() error {
			return db.deleteContentOrMarkMissingTx(tx, del.Target, evt.ID, evt.Author)
		}, nil

	case rostra.KindFollow:
		var follow rostra.Follow
		if err := rostra.UnmarshalContent(content, &follow); err != nil {
			return nil, err
		}
		if follow.Followee == rostra.ZeroID {
			return nil, fmt.Errorf("follow without a followee")
		}
		if !follow.Mode.Valid() {
			return nil, fmt.Errorf("unknown follow mode %q", follow.Mode)
		}
		return func() error { return db.applyFollowTx(tx.txn, evt, &follow) }, nil

	case rostra.KindUnfollow:
		var unfollow rostra.Unfollow
		if err := rostra.UnmarshalContent(content, &unfollow); err != nil {
			return nil, err
		}
		if unfollow.Followee == rostra.ZeroID {
			return nil, fmt.Errorf("unfollow without a followee")
		}
		return func() error { return db.applyUnfollowTx(tx.txn, evt, unfollow.Followee) }, nil

	case rostra.KindProfileUpdate:
		var profile rostra.ProfileUpdate
		if err := rostra.UnmarshalContent(content, &profile); err != nil {
			return nil, err
		}
		return func() error { return db.applyProfileUpdateTx(tx.txn, evt, &profile) }, nil

	default:
		return nil, nil
	}
}

func (db *Database) applySocialPostTx(tx *writeTx, evt *rostra.SignedEvent, post *rostra.SocialPost) error {
	txn := tx.txn

	if err := txn.Put(db.timelineNetwork, timelineKey(evt.Timestamp, evt.ID), nil, 0); err != nil {
		return err
	}

	if post.ReplyTo != nil {
		var count uint64
		if v, err := txn.Get(db.socialPosts, post.ReplyTo.EventID[:]); err == nil {
			count = getUint64(v)
		} else if !lmdb.IsNotFound(err) {
			return err
		}
		if err := txn.Put(db.socialPosts, post.ReplyTo.EventID[:], putUint64(count+1), 0); err != nil {
			return err
		}
		if post.ReplyTo.Author != evt.Author {
			if err := db.insertNotificationTx(txn, post.ReplyTo.Author, evt); err != nil {
				return err
			}
		}
	}

	for _, mentioned := range rostra.ExtractMentions(post.Content) {
		if mentioned == evt.Author {
			continue
		}
		if post.ReplyTo != nil && mentioned == post.ReplyTo.Author {
			// Already notified through the reply.
			continue
		}
		if err := db.insertNotificationTx(txn, mentioned, evt); err != nil {
			return err
		}
	}

	return nil
}

func (db *Database) insertNotificationTx(txn *lmdb.Txn, recipient rostra.RostraID, evt *rostra.SignedEvent) error {
	seq, err := db.nextSerial(txn, "notification_seq")
	if err != nil {
		return err
	}
	return txn.Put(db.notifications, notificationKey(recipient, evt.Timestamp, seq), evt.ID[:], 0)
}

// applyFollowTx upserts a follow edge, unless a newer follow or unfollow by
// the same author already landed: events commit in arrival order while
// author timestamps decide which state wins.
func (db *Database) applyFollowTx(txn *lmdb.Txn, evt *rostra.SignedEvent, follow *rostra.Follow) error {
	key := authorPairKey(evt.Author, follow.Followee)

	if v, err := txn.Get(db.followState, key); err == nil {
		var existing followRecord
		if err := json.Unmarshal(v, &existing); err != nil {
			return fmt.Errorf("%w: bad follow record: %s", ErrStoreCorrupted, err)
		}
		if evt.Timestamp <= existing.Ts {
			return nil
		}
	} else if !lmdb.IsNotFound(err) {
		return err
	}
	if v, err := txn.Get(db.unfollowed, key); err == nil {
		if evt.Timestamp <= rostra.Timestamp(getUint64(v)) {
			return nil
		}
	} else if !lmdb.IsNotFound(err) {
		return err
	}

	if err := txn.Del(db.unfollowed, key, nil); err != nil && !lmdb.IsNotFound(err) {
		return err
	}
	record, err := json.Marshal(followRecord{
		Ts:   evt.Timestamp,
		Mode: follow.Mode,
		Tags: follow.Tags,
	})
	if err != nil {
		return err
	}
	if err := txn.Put(db.followState, key, record, 0); err != nil {
		return err
	}
	if err := txn.Put(db.followers, authorPairKey(follow.Followee, evt.Author), nil, 0); err != nil {
		return err
	}

	db.log.Debug().
		Stringer("follower", evt.Author).
		Stringer("followee", follow.Followee).
		Msg("follow update")
	return nil
}

func (db *Database) applyUnfollowTx(txn *lmdb.Txn, evt *rostra.SignedEvent, followee rostra.RostraID) error {
	key := authorPairKey(evt.Author, followee)

	if v, err := txn.Get(db.followState, key); err == nil {
		var existing followRecord
		if err := json.Unmarshal(v, &existing); err != nil {
			return fmt.Errorf("%w: bad follow record: %s", ErrStoreCorrupted, err)
		}
		if evt.Timestamp <= existing.Ts {
			return nil
		}
	} else if !lmdb.IsNotFound(err) {
		return err
	}
	if v, err := txn.Get(db.unfollowed, key); err == nil {
		if evt.Timestamp <= rostra.Timestamp(getUint64(v)) {
			return nil
		}
	} else if !lmdb.IsNotFound(err) {
		return err
	}

	if err := txn.Del(db.followState, key, nil); err != nil && !lmdb.IsNotFound(err) {
		return err
	}
	if err := txn.Del(db.followers, authorPairKey(followee, evt.Author), nil); err != nil && !lmdb.IsNotFound(err) {
		return err
	}
	if err := txn.Put(db.unfollowed, key, putUint64(uint64(evt.Timestamp)), 0); err != nil {
		return err
	}

	db.log.Debug().
		Stringer("follower", evt.Author).
		Stringer("followee", followee).
		Msg("unfollow update")
	return nil
}

// applyProfileUpdateTx replaces the author's profile snapshot unless a
// newer one is already recorded.
func (db *Database) applyProfileUpdateTx(txn *lmdb.Txn, evt *rostra.SignedEvent, profile *rostra.ProfileUpdate) error {
	if v, err := txn.Get(db.profiles, evt.Author[:]); err == nil {
		var existing profileRecord
		if err := json.Unmarshal(v, &existing); err != nil {
			return fmt.Errorf("%w: bad profile record: %s", ErrStoreCorrupted, err)
		}
		if evt.Timestamp <= existing.Ts {
			return nil
		}
	} else if !lmdb.IsNotFound(err) {
		return err
	}

	record, err := json.Marshal(profileRecord{
		Ts:          evt.Timestamp,
		EventID:     evt.ID,
		DisplayName: profile.DisplayName,
		Bio:         profile.Bio,
		Avatar:      profile.Avatar,
	})
	if err != nil {
		return err
	}
	return txn.Put(db.profiles, evt.Author[:], record, 0)
}

// revertSideEffectsTx undoes part of what a processed social post indexed,
// for when its content gets deleted afterwards: its network timeline entry
// is removed and the reply count it added is taken back. Notifications it
// produced are kept. Only posts are reverted; other kinds keep their
// latest-wins records.
func (db *Database) revertSideEffectsTx(txn *lmdb.Txn, evt *rostra.SignedEvent, content []byte) error {
	if evt.Kind != rostra.KindSocialPost {
		return nil
	}

	var post rostra.SocialPost
	if err := rostra.UnmarshalContent(content, &post); err != nil {
		// Never processed as a post, nothing was indexed.
		return nil
	}

	if err := txn.Del(db.timelineNetwork, timelineKey(evt.Timestamp, evt.ID), nil); err != nil && !lmdb.IsNotFound(err) {
		return err
	}

	if post.ReplyTo != nil {
		if v, err := txn.Get(db.socialPosts, post.ReplyTo.EventID[:]); err == nil {
			count := getUint64(v)
			if count > 0 {
				count--
			}
			if err := txn.Put(db.socialPosts, post.ReplyTo.EventID[:], putUint64(count), 0); err != nil {
				return err
			}
		} else if !lmdb.IsNotFound(err) {
			return err
		}
	}

	return nil
}
