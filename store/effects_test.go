package store

import (
	"fmt"
	"testing"

	"github.com/PowerDNS/lmdb-go/lmdb"
	"github.com/stretchr/testify/require"

	"github.com/dpc/rostra"
)

func contentMissingCount(t *testing.T, db *Database) int {
	t.Helper()
	count := 0
	err := db.view(func(txn *lmdb.Txn) error {
		cur, err := txn.OpenCursor(db.eventsContentMissing)
		if err != nil {
			return err
		}
		defer cur.Close()
		_, _, err = cur.Get(nil, nil, lmdb.First)
		for err == nil {
			count++
			_, _, err = cur.Get(nil, nil, lmdb.Next)
		}
		if lmdb.IsNotFound(err) {
			return nil
		}
		return err
	})
	require.NoError(t, err)
	return count
}

func postEvent(t *testing.T, sec rostra.IDSecret, ts rostra.Timestamp, parent rostra.EventID, post rostra.SocialPost) (*rostra.SignedEvent, []byte) {
	t.Helper()
	content, err := rostra.MarshalContent(post)
	require.NoError(t, err)
	evt := signedEvent(t, sec, eventSpec{
		kind: rostra.KindSocialPost, ts: ts, parent: parent,
		auxKey: rostra.AuxKeyFromString(post.PersonaTag), content: content,
	})
	return evt, content
}

func TestSocialPostIndexesAndNotifies(t *testing.T) {
	db := newTestDB(t)
	alice := newTestSecret()
	bob := newTestSecret()

	post, postContent := postEvent(t, alice, 100, rostra.ZeroEventID, rostra.SocialPost{Content: "hello world"})
	mustInsert(t, db, post)
	require.NoError(t, db.ProcessEventContent(post.ID, postContent))

	reply, replyContent := postEvent(t, bob, 200, rostra.ZeroEventID, rostra.SocialPost{
		Content: "hi back",
		ReplyTo: &rostra.ReplyTo{Author: alice.RostraID(), EventID: post.ID},
	})
	mustInsert(t, db, reply)
	require.NoError(t, db.ProcessEventContent(reply.ID, replyContent))

	// the network timeline carries both, newest first, minus the asker's own
	items, next, err := db.TimelineNetwork(rostra.ZeroID, nil, 10)
	require.NoError(t, err)
	require.Nil(t, next)
	require.Len(t, items, 2)
	require.Equal(t, reply.ID, items[0].EventID)
	require.Equal(t, post.ID, items[1].EventID)
	require.EqualValues(t, 1, items[1].ReplyCount)

	items, _, err = db.TimelineNetwork(alice.RostraID(), nil, 10)
	require.NoError(t, err)
	require.Len(t, items, 1)
	require.Equal(t, reply.ID, items[0].EventID)

	// the reply notified alice
	notifs, _, err := db.Notifications(alice.RostraID(), nil, 10)
	require.NoError(t, err)
	require.Len(t, notifs, 1)
	require.Equal(t, reply.ID, notifs[0].EventID)
	require.Equal(t, bob.RostraID(), notifs[0].Author)
}

func TestMentionNotifies(t *testing.T) {
	db := newTestDB(t)
	alice := newTestSecret()
	bob := newTestSecret()

	body := fmt.Sprintf("have you seen <rostra:%s>?", alice.RostraID())
	post, content := postEvent(t, bob, 100, rostra.ZeroEventID, rostra.SocialPost{Content: body})
	mustInsert(t, db, post)
	require.NoError(t, db.ProcessEventContent(post.ID, content))

	notifs, _, err := db.Notifications(alice.RostraID(), nil, 10)
	require.NoError(t, err)
	require.Len(t, notifs, 1)
	require.Equal(t, post.ID, notifs[0].EventID)

	// self mentions are not notifications
	selfBody := fmt.Sprintf("note to <rostra:%s>", bob.RostraID())
	selfPost, selfContent := postEvent(t, bob, 101, post.ID, rostra.SocialPost{Content: selfBody})
	mustInsert(t, db, selfPost)
	require.NoError(t, db.ProcessEventContent(selfPost.ID, selfContent))

	notifs, _, err = db.Notifications(bob.RostraID(), nil, 10)
	require.NoError(t, err)
	require.Empty(t, notifs)
}

func TestSideEffectsExactlyOnce(t *testing.T) {
	db := newTestDB(t)
	alice := newTestSecret()
	bob := newTestSecret()

	post, postContent := postEvent(t, alice, 100, rostra.ZeroEventID, rostra.SocialPost{Content: "root"})
	mustInsert(t, db, post)
	require.NoError(t, db.ProcessEventContent(post.ID, postContent))

	reply, replyContent := postEvent(t, bob, 200, rostra.ZeroEventID, rostra.SocialPost{
		Content: "reply",
		ReplyTo: &rostra.ReplyTo{Author: alice.RostraID(), EventID: post.ID},
	})
	mustInsert(t, db, reply)
	require.NoError(t, db.ProcessEventContent(reply.ID, replyContent))
	require.ErrorIs(t, db.ProcessEventContent(reply.ID, replyContent), ErrAlreadyProcessed)

	notifs, _, err := db.Notifications(alice.RostraID(), nil, 10)
	require.NoError(t, err)
	require.Len(t, notifs, 1)

	items, _, err := db.TimelineNetwork(rostra.ZeroID, nil, 10)
	require.NoError(t, err)
	require.EqualValues(t, 1, items[1].ReplyCount)
}

func TestContentDeleteKind(t *testing.T) {
	db := newTestDB(t)
	sec := newTestSecret()

	target, targetContent := postEvent(t, sec, 100, rostra.ZeroEventID, rostra.SocialPost{Content: "regret"})
	mustInsert(t, db, target)
	require.NoError(t, db.ProcessEventContent(target.ID, targetContent))

	deleteContent, err := rostra.MarshalContent(rostra.ContentDelete{Target: target.ID})
	require.NoError(t, err)
	deleter := signedEvent(t, sec, eventSpec{
		kind: rostra.KindContentDelete, ts: 101, parent: target.ID, content: deleteContent,
	})
	mustInsert(t, db, deleter)
	require.NoError(t, db.ProcessEventContent(deleter.ID, deleteContent))

	info := requireStatus(t, db, target.ID, ContentDeleted)
	require.Equal(t, deleter.ID, info.DeletedBy)
	requireRC(t, db, target.ContentHash, 0)

	// the deleted post's timeline entry is reverted
	items, _, err := db.TimelineNetwork(rostra.ZeroID, nil, 10)
	require.NoError(t, err)
	require.Empty(t, items)
}

func TestContentDeleteKindUnknownTarget(t *testing.T) {
	db := newTestDB(t)
	sec := newTestSecret()

	genesis := signedEvent(t, sec, eventSpec{ts: 99})
	mustInsert(t, db, genesis)

	target, _ := postEvent(t, sec, 100, genesis.ID, rostra.SocialPost{Content: "never seen"})

	deleteContent, err := rostra.MarshalContent(rostra.ContentDelete{Target: target.ID})
	require.NoError(t, err)
	deleter := signedEvent(t, sec, eventSpec{
		kind: rostra.KindContentDelete, ts: 101, parent: genesis.ID, content: deleteContent,
	})
	mustInsert(t, db, deleter)
	require.NoError(t, db.ProcessEventContent(deleter.ID, deleteContent))

	// the intent is remembered: the target arrives born deleted
	outcome := mustInsert(t, db, target)
	require.True(t, outcome.BornDeleted)
	info := requireStatus(t, db, target.ID, ContentDeleted)
	require.Equal(t, deleter.ID, info.DeletedBy)
	requireRC(t, db, target.ContentHash, 0)
	require.Zero(t, contentMissingCount(t, db))
}

func TestContentDeleteRefusesForeignTarget(t *testing.T) {
	db := newTestDB(t)
	alice := newTestSecret()
	mallory := newTestSecret()

	post, postContent := postEvent(t, alice, 100, rostra.ZeroEventID, rostra.SocialPost{Content: "mine"})
	mustInsert(t, db, post)
	require.NoError(t, db.ProcessEventContent(post.ID, postContent))

	deleteContent, err := rostra.MarshalContent(rostra.ContentDelete{Target: post.ID})
	require.NoError(t, err)
	deleter := signedEvent(t, mallory, eventSpec{
		kind: rostra.KindContentDelete, ts: 101, content: deleteContent,
	})
	mustInsert(t, db, deleter)
	require.ErrorIs(t, db.ProcessEventContent(deleter.ID, deleteContent), ErrInvalidContent)

	requireStatus(t, db, post.ID, ContentProcessed)
}

func followEvent(t *testing.T, sec rostra.IDSecret, ts rostra.Timestamp, follow rostra.Follow) (*rostra.SignedEvent, []byte) {
	t.Helper()
	content, err := rostra.MarshalContent(follow)
	require.NoError(t, err)
	evt := signedEvent(t, sec, eventSpec{kind: rostra.KindFollow, ts: ts, content: content})
	return evt, content
}

func unfollowEvent(t *testing.T, sec rostra.IDSecret, ts rostra.Timestamp, followee rostra.RostraID) (*rostra.SignedEvent, []byte) {
	t.Helper()
	content, err := rostra.MarshalContent(rostra.Unfollow{Followee: followee})
	require.NoError(t, err)
	evt := signedEvent(t, sec, eventSpec{kind: rostra.KindUnfollow, ts: ts, content: content})
	return evt, content
}

func TestFollowUnfollow(t *testing.T) {
	db := newTestDB(t)
	alice := newTestSecret()
	bob := newTestSecret()

	follow, followContent := followEvent(t, alice, 100, rostra.Follow{
		Followee: bob.RostraID(), Mode: rostra.FollowModeExcept, Tags: []string{"work"},
	})
	mustInsert(t, db, follow)
	require.NoError(t, db.ProcessEventContent(follow.ID, followContent))

	followees, err := db.Followees(alice.RostraID())
	require.NoError(t, err)
	require.Equal(t, []Followee{{ID: bob.RostraID(), Mode: rostra.FollowModeExcept, Tags: []string{"work"}}}, followees)

	followers, err := db.Followers(bob.RostraID())
	require.NoError(t, err)
	require.Equal(t, []rostra.RostraID{alice.RostraID()}, followers)

	unfollow, unfollowContent := unfollowEvent(t, alice, 200, bob.RostraID())
	mustInsert(t, db, unfollow)
	require.NoError(t, db.ProcessEventContent(unfollow.ID, unfollowContent))

	followees, err = db.Followees(alice.RostraID())
	require.NoError(t, err)
	require.Empty(t, followees)
	followers, err = db.Followers(bob.RostraID())
	require.NoError(t, err)
	require.Empty(t, followers)
}

func TestStaleFollowDoesNotResurrect(t *testing.T) {
	db := newTestDB(t)
	alice := newTestSecret()
	bob := newTestSecret()

	// the unfollow (authored later) arrives first
	unfollow, unfollowContent := unfollowEvent(t, alice, 200, bob.RostraID())
	mustInsert(t, db, unfollow)
	require.NoError(t, db.ProcessEventContent(unfollow.ID, unfollowContent))

	follow, followContent := followEvent(t, alice, 100, rostra.Follow{
		Followee: bob.RostraID(), Mode: rostra.FollowModeExcept,
	})
	mustInsert(t, db, follow)
	require.NoError(t, db.ProcessEventContent(follow.ID, followContent))

	followees, err := db.Followees(alice.RostraID())
	require.NoError(t, err)
	require.Empty(t, followees)
}

func TestProfileLatestWins(t *testing.T) {
	db := newTestDB(t)
	sec := newTestSecret()

	newer, newerContent := profileEvent(t, sec, 200, rostra.ProfileUpdate{DisplayName: "new name", Bio: "bio"})
	older, olderContent := profileEvent(t, sec, 100, rostra.ProfileUpdate{DisplayName: "old name"})

	mustInsert(t, db, newer)
	require.NoError(t, db.ProcessEventContent(newer.ID, newerContent))
	mustInsert(t, db, older)
	require.NoError(t, db.ProcessEventContent(older.ID, olderContent))

	profile, err := db.Profile(sec.RostraID())
	require.NoError(t, err)
	require.NotNil(t, profile)
	require.Equal(t, "new name", profile.DisplayName)
	require.Equal(t, newer.ID, profile.EventID)
}

func profileEvent(t *testing.T, sec rostra.IDSecret, ts rostra.Timestamp, update rostra.ProfileUpdate) (*rostra.SignedEvent, []byte) {
	t.Helper()
	content, err := rostra.MarshalContent(update)
	require.NoError(t, err)
	evt := signedEvent(t, sec, eventSpec{kind: rostra.KindProfileUpdate, ts: ts, content: content})
	return evt, content
}
