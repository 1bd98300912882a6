package store

import (
	"bytes"
	"crypto/rand"
	"fmt"
	"slices"
	"sort"

	"github.com/PowerDNS/lmdb-go/lmdb"

	"github.com/dpc/rostra"
)

// ContentStatus is the externally visible payload state of an event.
type ContentStatus uint8

const (
	ContentProcessed ContentStatus = iota
	ContentMissing
	ContentInvalid
	ContentDeleted
	ContentPruned
)

func (s ContentStatus) String() string {
	switch s {
	case ContentProcessed:
		return "processed"
	case ContentMissing:
		return "missing"
	case ContentInvalid:
		return "invalid"
	case ContentDeleted:
		return "deleted"
	case ContentPruned:
		return "pruned"
	default:
		return "unknown"
	}
}

// ContentInfo is a snapshot of an event's payload state.
type ContentInfo struct {
	Status       ContentStatus
	DeletedBy    rostra.EventID
	AttemptCount uint32
	NextAttempt  rostra.Timestamp
	// Bytes is the payload, present only when Status is ContentProcessed.
	Bytes []byte
}

// GetEvent returns the stored envelope.
func (db *Database) GetEvent(id rostra.EventID) (*rostra.SignedEvent, error) {
	var evt *rostra.SignedEvent
	err := db.view(func(txn *lmdb.Txn) error {
		var err error
		evt, err = db.getEventTx(txn, id)
		return err
	})
	return evt, err
}

// HasEvent reports whether the event was ingested.
func (db *Database) HasEvent(id rostra.EventID) (bool, error) {
	err := db.view(func(txn *lmdb.Txn) error {
		_, err := txn.Get(db.events, id[:])
		return err
	})
	if lmdb.IsNotFound(err) {
		return false, nil
	}
	return err == nil, err
}

// EventContent returns the payload state snapshot of an ingested event.
func (db *Database) EventContent(id rostra.EventID) (*ContentInfo, error) {
	info := &ContentInfo{}
	err := db.view(func(txn *lmdb.Txn) error {
		evt, err := db.getEventTx(txn, id)
		if err != nil {
			return err
		}
		state, err := db.getContentStateTx(txn, id)
		if err != nil {
			return err
		}
		if state == nil {
			info.Status = ContentProcessed
			if v, err := txn.Get(db.contentStore, evt.ContentHash[:]); err == nil {
				info.Bytes = bytes.Clone(v)
			} else if !lmdb.IsNotFound(err) {
				return err
			}
			return nil
		}
		switch state.kind {
		case stateMissing:
			info.Status = ContentMissing
			info.AttemptCount = state.attemptCount
			info.NextAttempt = state.nextAttempt
		case stateInvalid:
			info.Status = ContentInvalid
		case stateDeleted:
			info.Status = ContentDeleted
			info.DeletedBy = state.deletedBy
		case statePruned:
			info.Status = ContentPruned
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return info, nil
}

// headsTx collects the author's heads in key (lexicographic) order. A limit
// of 0 means unlimited; correctness checks like publish want the full set.
func (db *Database) headsTx(txn *lmdb.Txn, author rostra.RostraID, limit int) ([]rostra.EventID, error) {
	cur, err := txn.OpenCursor(db.heads)
	if err != nil {
		return nil, err
	}
	defer cur.Close()

	var ids []rostra.EventID
	k, _, err := cur.Get(author[:], nil, lmdb.SetRange)
	for err == nil {
		if len(k) != 48 || !bytes.HasPrefix(k, author[:]) {
			break
		}
		ids = append(ids, rostra.EventID(k[32:48]))
		if limit > 0 && len(ids) == limit {
			break
		}
		k, _, err = cur.Get(nil, nil, lmdb.Next)
	}
	if err != nil && !lmdb.IsNotFound(err) {
		return nil, err
	}
	return ids, nil
}

// Heads returns the author's current DAG heads, sorted lexicographically
// and capped at HeadsCap to bound response size.
func (db *Database) Heads(author rostra.RostraID) ([]rostra.EventID, error) {
	var ids []rostra.EventID
	err := db.view(func(txn *lmdb.Txn) error {
		var err error
		ids, err = db.headsTx(txn, author, HeadsCap)
		return err
	})
	return ids, err
}

// Followee is one entry of an author's follow list.
type Followee struct {
	ID   rostra.RostraID   `json:"id"`
	Mode rostra.FollowMode `json:"mode"`
	Tags []string          `json:"tags,omitempty"`
}

// Followees returns whom the author follows.
func (db *Database) Followees(author rostra.RostraID) ([]Followee, error) {
	var followees []Followee
	err := db.view(func(txn *lmdb.Txn) error {
		cur, err := txn.OpenCursor(db.followState)
		if err != nil {
			return err
		}
		defer cur.Close()

		k, v, err := cur.Get(author[:], nil, lmdb.SetRange)
		for err == nil {
			if len(k) != 64 || !bytes.HasPrefix(k, author[:]) {
				break
			}
			var record followRecord
			if jerr := json.Unmarshal(v, &record); jerr != nil {
				return fmt.Errorf("%w: bad follow record: %s", ErrStoreCorrupted, jerr)
			}
			followees = append(followees, Followee{
				ID:   rostra.RostraID(k[32:64]),
				Mode: record.Mode,
				Tags: record.Tags,
			})
			k, v, err = cur.Get(nil, nil, lmdb.Next)
		}
		if err != nil && !lmdb.IsNotFound(err) {
			return err
		}
		return nil
	})
	return followees, err
}

// Followers returns who follows the author.
func (db *Database) Followers(author rostra.RostraID) ([]rostra.RostraID, error) {
	var ids []rostra.RostraID
	err := db.view(func(txn *lmdb.Txn) error {
		cur, err := txn.OpenCursor(db.followers)
		if err != nil {
			return err
		}
		defer cur.Close()

		k, _, err := cur.Get(author[:], nil, lmdb.SetRange)
		for err == nil {
			if len(k) != 64 || !bytes.HasPrefix(k, author[:]) {
				break
			}
			ids = append(ids, rostra.RostraID(k[32:64]))
			k, _, err = cur.Get(nil, nil, lmdb.Next)
		}
		if err != nil && !lmdb.IsNotFound(err) {
			return err
		}
		return nil
	})
	return ids, err
}

// Profile is the latest social profile snapshot of an author.
type Profile struct {
	EventID     rostra.EventID `json:"event_id"`
	DisplayName string         `json:"display_name"`
	Bio         string         `json:"bio"`
	Avatar      *rostra.Avatar `json:"avatar,omitempty"`
}

// Profile returns the author's profile, or nil when none was published.
func (db *Database) Profile(author rostra.RostraID) (*Profile, error) {
	var profile *Profile
	err := db.view(func(txn *lmdb.Txn) error {
		v, err := txn.Get(db.profiles, author[:])
		if lmdb.IsNotFound(err) {
			return nil
		}
		if err != nil {
			return err
		}
		var record profileRecord
		if err := json.Unmarshal(v, &record); err != nil {
			return fmt.Errorf("%w: bad profile record: %s", ErrStoreCorrupted, err)
		}
		profile = &Profile{
			EventID:     record.EventID,
			DisplayName: record.DisplayName,
			Bio:         record.Bio,
			Avatar:      record.Avatar,
		}
		return nil
	})
	return profile, err
}

// TimelineCursor paginates timelines, newest first.
type TimelineCursor struct {
	Ts      rostra.Timestamp `json:"ts"`
	EventID rostra.EventID   `json:"event_id"`
}

// TimelineItem is one post reference in a timeline snapshot.
type TimelineItem struct {
	EventID    rostra.EventID   `json:"event_id"`
	Author     rostra.RostraID  `json:"author"`
	Timestamp  rostra.Timestamp `json:"timestamp"`
	PersonaTag string           `json:"persona_tag,omitempty"`
	ReplyCount uint64           `json:"reply_count"`
}

// seekBelow positions the cursor at the greatest key strictly below bound.
func seekBelow(cur *lmdb.Cursor, bound []byte) (k, v []byte, err error) {
	if _, _, err := cur.Get(bound, nil, lmdb.SetRange); err != nil {
		if lmdb.IsNotFound(err) {
			return cur.Get(nil, nil, lmdb.Last)
		}
		return nil, nil, err
	}
	return cur.Get(nil, nil, lmdb.Prev)
}

// upperBoundFor builds a bound above every key with the given prefix.
func upperBoundFor(prefix []byte, rest int) []byte {
	bound := make([]byte, len(prefix)+rest+1)
	copy(bound, prefix)
	for i := len(prefix); i < len(bound); i++ {
		bound[i] = 0xff
	}
	return bound
}

// TimelineNetwork scans every processed social post known to the store,
// newest first, excluding the asking author's own.
func (db *Database) TimelineNetwork(exclude rostra.RostraID, cursor *TimelineCursor, limit int) ([]TimelineItem, *TimelineCursor, error) {
	var items []TimelineItem
	var next *TimelineCursor
	err := db.view(func(txn *lmdb.Txn) error {
		cur, err := txn.OpenCursor(db.timelineNetwork)
		if err != nil {
			return err
		}
		defer cur.Close()

		bound := upperBoundFor(nil, 24)
		if cursor != nil {
			bound = timelineKey(cursor.Ts, cursor.EventID)
		}

		k, _, err := seekBelow(cur, bound)
		for err == nil && len(items) < limit {
			if len(k) != 24 {
				return fmt.Errorf("%w: bad timeline key size %d", ErrStoreCorrupted, len(k))
			}
			ts, eventID := splitTimelineKey(k)
			evt, gerr := db.getEventTx(txn, eventID)
			if gerr != nil {
				return gerr
			}
			if evt.Author != exclude {
				item, ierr := db.timelineItemTx(txn, evt, ts)
				if ierr != nil {
					return ierr
				}
				items = append(items, item)
				next = &TimelineCursor{Ts: ts, EventID: eventID}
			}
			k, _, err = cur.Get(nil, nil, lmdb.Prev)
		}
		if err != nil && !lmdb.IsNotFound(err) {
			return err
		}
		if err != nil || len(items) < limit {
			next = nil
		}
		return nil
	})
	return items, next, err
}

func (db *Database) timelineItemTx(txn *lmdb.Txn, evt *rostra.SignedEvent, ts rostra.Timestamp) (TimelineItem, error) {
	item := TimelineItem{
		EventID:    evt.ID,
		Author:     evt.Author,
		Timestamp:  ts,
		PersonaTag: evt.AuxKey.String(),
	}
	if v, err := txn.Get(db.socialPosts, evt.ID[:]); err == nil {
		item.ReplyCount = getUint64(v)
	} else if !lmdb.IsNotFound(err) {
		return item, err
	}
	return item, nil
}

// TimelineFollowing streams the posts of the author and everyone they
// follow, filtered by the follow mode and persona tags, newest first.
func (db *Database) TimelineFollowing(author rostra.RostraID, cursor *TimelineCursor, limit int) ([]TimelineItem, *TimelineCursor, error) {
	followees, err := db.Followees(author)
	if err != nil {
		return nil, nil, err
	}
	sources := []Followee{{ID: author}}
	for _, followee := range followees {
		if followee.ID != author {
			sources = append(sources, followee)
		}
	}

	var items []TimelineItem
	err = db.view(func(txn *lmdb.Txn) error {
		for _, source := range sources {
			sourceItems, err := db.scanAuthorPostsTx(txn, source, cursor, limit)
			if err != nil {
				return err
			}
			items = append(items, sourceItems...)
		}
		return nil
	})
	if err != nil {
		return nil, nil, err
	}

	sort.Slice(items, func(i, j int) bool {
		if items[i].Timestamp != items[j].Timestamp {
			return items[i].Timestamp > items[j].Timestamp
		}
		return bytes.Compare(items[i].EventID[:], items[j].EventID[:]) > 0
	})
	var next *TimelineCursor
	if len(items) > limit {
		items = items[:limit]
	}
	if len(items) == limit && limit > 0 {
		last := items[len(items)-1]
		next = &TimelineCursor{Ts: last.Timestamp, EventID: last.EventID}
	}
	return items, next, nil
}

// scanAuthorPostsTx walks one author's events_by_author_time backwards from
// the cursor, keeping processed social posts the follow filter admits.
func (db *Database) scanAuthorPostsTx(txn *lmdb.Txn, source Followee, cursor *TimelineCursor, limit int) ([]TimelineItem, error) {
	cur, err := txn.OpenCursor(db.eventsByAuthorTime)
	if err != nil {
		return nil, err
	}
	defer cur.Close()

	bound := upperBoundFor(source.ID[:], 24)
	if cursor != nil {
		bound = authorTimeKey(source.ID, cursor.Ts, cursor.EventID)
	}

	var items []TimelineItem
	k, _, err := seekBelow(cur, bound)
	for err == nil && len(items) < limit {
		if len(k) != 56 || !bytes.HasPrefix(k, source.ID[:]) {
			break
		}
		ts, eventID := splitAuthorTimeKey(k)

		evt, gerr := db.getEventTx(txn, eventID)
		if gerr != nil {
			return nil, gerr
		}
		ok, cerr := db.isPostVisibleTx(txn, evt, source)
		if cerr != nil {
			return nil, cerr
		}
		if ok {
			item, ierr := db.timelineItemTx(txn, evt, ts)
			if ierr != nil {
				return nil, ierr
			}
			items = append(items, item)
		}
		k, _, err = cur.Get(nil, nil, lmdb.Prev)
	}
	if err != nil && !lmdb.IsNotFound(err) {
		return nil, err
	}
	return items, nil
}

func (db *Database) isPostVisibleTx(txn *lmdb.Txn, evt *rostra.SignedEvent, source Followee) (bool, error) {
	if evt.Kind != rostra.KindSocialPost {
		return false, nil
	}
	state, err := db.getContentStateTx(txn, evt.ID)
	if err != nil {
		return false, err
	}
	if state != nil {
		// Missing, invalid, deleted or pruned: nothing to show.
		return false, nil
	}
	return followFilterAllows(source.Mode, source.Tags, evt.AuxKey.String()), nil
}

func followFilterAllows(mode rostra.FollowMode, tags []string, persona string) bool {
	switch mode {
	case rostra.FollowModeOnly:
		return slices.Contains(tags, persona)
	case rostra.FollowModeExcept:
		return !slices.Contains(tags, persona)
	default:
		return true
	}
}

// NotificationCursor paginates notifications, newest first.
type NotificationCursor struct {
	Ts  rostra.Timestamp `json:"ts"`
	Seq uint64           `json:"seq"`
}

// Notification is a reply or mention addressed at a recipient.
type Notification struct {
	EventID   rostra.EventID   `json:"event_id"`
	Author    rostra.RostraID  `json:"author"`
	Timestamp rostra.Timestamp `json:"timestamp"`
	Seq       uint64           `json:"seq"`
}

// Notifications scans the recipient's notifications, newest first.
func (db *Database) Notifications(recipient rostra.RostraID, cursor *NotificationCursor, limit int) ([]Notification, *NotificationCursor, error) {
	var items []Notification
	var next *NotificationCursor
	err := db.view(func(txn *lmdb.Txn) error {
		cur, err := txn.OpenCursor(db.notifications)
		if err != nil {
			return err
		}
		defer cur.Close()

		bound := upperBoundFor(recipient[:], 16)
		if cursor != nil {
			bound = notificationKey(recipient, cursor.Ts, cursor.Seq)
		}

		k, v, err := seekBelow(cur, bound)
		for err == nil && len(items) < limit {
			if len(k) != 48 || !bytes.HasPrefix(k, recipient[:]) {
				break
			}
			ts, seq := splitNotificationKey(k)
			eventID := rostra.EventID(v[0:16])
			evt, gerr := db.getEventTx(txn, eventID)
			if gerr != nil {
				return gerr
			}
			items = append(items, Notification{
				EventID:   eventID,
				Author:    evt.Author,
				Timestamp: ts,
				Seq:       seq,
			})
			next = &NotificationCursor{Ts: ts, Seq: seq}
			k, v, err = cur.Get(nil, nil, lmdb.Prev)
		}
		if err != nil && !lmdb.IsNotFound(err) {
			return err
		}
		if err != nil || len(items) < limit {
			next = nil
		}
		return nil
	})
	return items, next, err
}

// MissingEvents lists events of the author that other accepted events
// reference but that have not arrived yet.
func (db *Database) MissingEvents(author rostra.RostraID) ([]rostra.EventID, error) {
	var ids []rostra.EventID
	err := db.view(func(txn *lmdb.Txn) error {
		cur, err := txn.OpenCursor(db.eventsMissing)
		if err != nil {
			return err
		}
		defer cur.Close()

		k, v, err := cur.Get(nil, nil, lmdb.First)
		for err == nil {
			rec, derr := decodeMissingRecord(v)
			if derr != nil {
				return derr
			}
			if rec.author == author {
				ids = append(ids, rostra.EventID(k[0:16]))
			}
			k, v, err = cur.Get(nil, nil, lmdb.Next)
		}
		if err != nil && !lmdb.IsNotFound(err) {
			return err
		}
		return nil
	})
	return ids, err
}

// RandomSelfEvent picks one locally published event, approximately
// uniformly: peers re-announcing their own history start from an arbitrary
// point instead of hammering the same events. Returns the zero id when
// nothing was published from this store.
func (db *Database) RandomSelfEvent() (rostra.EventID, error) {
	var pivot rostra.EventID
	if _, err := rand.Read(pivot[:]); err != nil {
		return rostra.ZeroEventID, err
	}

	var picked rostra.EventID
	err := db.view(func(txn *lmdb.Txn) error {
		cur, err := txn.OpenCursor(db.eventsSelf)
		if err != nil {
			return err
		}
		defer cur.Close()

		k, _, err := cur.Get(pivot[:], nil, lmdb.SetRange)
		if lmdb.IsNotFound(err) {
			k, _, err = cur.Get(nil, nil, lmdb.First)
		}
		if lmdb.IsNotFound(err) {
			return nil
		}
		if err != nil {
			return err
		}
		picked = rostra.EventID(k[0:16])
		return nil
	})
	return picked, err
}

// SubscribeHeads delivers a wakeup whenever the author's heads change.
func (db *Database) SubscribeHeads(author rostra.RostraID) (<-chan struct{}, func()) {
	return db.headsHub.subscribe(string(author[:]))
}

// SubscribeContent delivers a wakeup when the event's content gets
// processed.
func (db *Database) SubscribeContent(id rostra.EventID) (<-chan struct{}, func()) {
	return db.contentHub.subscribe(string(id[:]))
}
