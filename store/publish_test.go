package store

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/dpc/rostra"
)

func TestPublishChainsHeads(t *testing.T) {
	db := newTestDB(t)
	sec := newTestSecret()
	author := sec.RostraID()

	first, err := db.PublishSocialPost(sec, rostra.ZeroEventID, rostra.SocialPost{Content: "one"})
	require.NoError(t, err)
	require.Equal(t, []rostra.EventID{first.EventID}, first.Heads)

	second, err := db.PublishSocialPost(sec, first.EventID, rostra.SocialPost{Content: "two"})
	require.NoError(t, err)
	require.Equal(t, []rostra.EventID{second.EventID}, second.Heads)

	evt, err := db.GetEvent(second.EventID)
	require.NoError(t, err)
	require.Equal(t, first.EventID, evt.Parent)
	require.Equal(t, author, evt.Author)

	// published content is processed in the same transaction
	requireStatus(t, db, second.EventID, ContentProcessed)
	require.Zero(t, contentMissingCount(t, db))
}

func TestPublishMergesDivergedHeads(t *testing.T) {
	db := newTestDB(t)
	sec := newTestSecret()

	base, err := db.PublishSocialPost(sec, rostra.ZeroEventID, rostra.SocialPost{Content: "base"})
	require.NoError(t, err)

	// this device builds on base...
	_, err = db.PublishSocialPost(sec, base.EventID, rostra.SocialPost{Content: "local"})
	require.NoError(t, err)

	// ...while another device diverged from the same base
	other := signedEvent(t, sec, eventSpec{ts: rostra.Now(), parent: base.EventID})
	mustInsert(t, db, other)

	heads, err := db.Heads(sec.RostraID())
	require.NoError(t, err)
	require.Len(t, heads, 2)

	merged, err := db.PublishSocialPost(sec, heads[0], rostra.SocialPost{Content: "merge"})
	require.NoError(t, err)
	require.Equal(t, []rostra.EventID{merged.EventID}, merged.Heads)

	evt, err := db.GetEvent(merged.EventID)
	require.NoError(t, err)
	require.Equal(t, heads[0], evt.Parent)
	require.Equal(t, heads[1], evt.AuxParent)
}

func TestPublishManagedFollowAndProfile(t *testing.T) {
	db := newTestDB(t)
	alice := newTestSecret()
	bob := newTestSecret()

	_, err := db.PublishProfileUpdate(alice, rostra.ProfileUpdate{DisplayName: "alice"})
	require.NoError(t, err)

	followResult, err := db.PublishFollow(alice, rostra.Follow{
		Followee: bob.RostraID(), Mode: rostra.FollowModeOnly, Tags: []string{"art"},
	})
	require.NoError(t, err)
	require.Len(t, followResult.Heads, 1)

	profile, err := db.Profile(alice.RostraID())
	require.NoError(t, err)
	require.Equal(t, "alice", profile.DisplayName)

	followees, err := db.Followees(alice.RostraID())
	require.NoError(t, err)
	require.Len(t, followees, 1)
	require.Equal(t, rostra.FollowModeOnly, followees[0].Mode)

	_, err = db.PublishUnfollow(alice, rostra.Unfollow{Followee: bob.RostraID()})
	require.NoError(t, err)
	followees, err = db.Followees(alice.RostraID())
	require.NoError(t, err)
	require.Empty(t, followees)
}

func TestPublishContentDelete(t *testing.T) {
	db := newTestDB(t)
	sec := newTestSecret()

	post, err := db.PublishSocialPost(sec, rostra.ZeroEventID, rostra.SocialPost{Content: "oops"})
	require.NoError(t, err)

	_, err = db.PublishContentDelete(sec, post.EventID)
	require.NoError(t, err)

	info := requireStatus(t, db, post.EventID, ContentDeleted)
	require.False(t, info.DeletedBy.IsZero())
}

func TestRandomSelfEvent(t *testing.T) {
	db := newTestDB(t)
	sec := newTestSecret()

	picked, err := db.RandomSelfEvent()
	require.NoError(t, err)
	require.True(t, picked.IsZero())

	first, err := db.PublishSocialPost(sec, rostra.ZeroEventID, rostra.SocialPost{Content: "one"})
	require.NoError(t, err)
	second, err := db.PublishSocialPost(sec, first.EventID, rostra.SocialPost{Content: "two"})
	require.NoError(t, err)

	picked, err = db.RandomSelfEvent()
	require.NoError(t, err)
	require.Contains(t, []rostra.EventID{first.EventID, second.EventID}, picked)

	// remotely ingested events are not self events
	other := newTestSecret()
	evt := signedEvent(t, other, eventSpec{ts: 100})
	mustInsert(t, db, evt)
	picked, err = db.RandomSelfEvent()
	require.NoError(t, err)
	require.NotEqual(t, evt.ID, picked)
}

func TestTimelineFollowingFiltersPersonas(t *testing.T) {
	db := newTestDB(t)
	reader := newTestSecret()
	poster := newTestSecret()

	_, err := db.PublishFollow(reader, rostra.Follow{
		Followee: poster.RostraID(), Mode: rostra.FollowModeOnly, Tags: []string{"art"},
	})
	require.NoError(t, err)

	artPost, artContent := postEvent(t, poster, 100, rostra.ZeroEventID, rostra.SocialPost{
		Content: "a painting", PersonaTag: "art",
	})
	mustInsert(t, db, artPost)
	require.NoError(t, db.ProcessEventContent(artPost.ID, artContent))

	workPost, workContent := postEvent(t, poster, 200, artPost.ID, rostra.SocialPost{
		Content: "a spreadsheet", PersonaTag: "work",
	})
	mustInsert(t, db, workPost)
	require.NoError(t, db.ProcessEventContent(workPost.ID, workContent))

	items, _, err := db.TimelineFollowing(reader.RostraID(), nil, 10)
	require.NoError(t, err)
	require.Len(t, items, 1)
	require.Equal(t, artPost.ID, items[0].EventID)
	require.Equal(t, "art", items[0].PersonaTag)

	// flip to except-mode: only the non-art persona shows
	_, err = db.PublishFollow(reader, rostra.Follow{
		Followee: poster.RostraID(), Mode: rostra.FollowModeExcept, Tags: []string{"art"},
	})
	require.NoError(t, err)

	items, _, err = db.TimelineFollowing(reader.RostraID(), nil, 10)
	require.NoError(t, err)
	require.Len(t, items, 1)
	require.Equal(t, workPost.ID, items[0].EventID)
}

func TestTimelineFollowingIncludesSelf(t *testing.T) {
	db := newTestDB(t)
	sec := newTestSecret()

	post, err := db.PublishSocialPost(sec, rostra.ZeroEventID, rostra.SocialPost{Content: "me"})
	require.NoError(t, err)

	items, _, err := db.TimelineFollowing(sec.RostraID(), nil, 10)
	require.NoError(t, err)
	require.Len(t, items, 1)
	require.Equal(t, post.EventID, items[0].EventID)
}

func TestTimelinePagination(t *testing.T) {
	db := newTestDB(t)
	poster := newTestSecret()

	var parent rostra.EventID
	var ids []rostra.EventID
	for i := 0; i < 5; i++ {
		evt, content := postEvent(t, poster, rostra.Timestamp(100+i), parent, rostra.SocialPost{Content: fmt.Sprintf("post %d", i)})
		mustInsert(t, db, evt)
		require.NoError(t, db.ProcessEventContent(evt.ID, content))
		parent = evt.ID
		ids = append(ids, evt.ID)
	}

	items, next, err := db.TimelineNetwork(rostra.ZeroID, nil, 2)
	require.NoError(t, err)
	require.NotNil(t, next)
	require.Len(t, items, 2)
	require.Equal(t, ids[4], items[0].EventID)
	require.Equal(t, ids[3], items[1].EventID)

	items, next, err = db.TimelineNetwork(rostra.ZeroID, next, 2)
	require.NoError(t, err)
	require.Len(t, items, 2)
	require.Equal(t, ids[2], items[0].EventID)
	require.Equal(t, ids[1], items[1].EventID)

	items, next, err = db.TimelineNetwork(rostra.ZeroID, next, 2)
	require.NoError(t, err)
	require.Len(t, items, 1)
	require.Nil(t, next)
	require.Equal(t, ids[0], items[0].EventID)
}

func TestNotificationPagination(t *testing.T) {
	db := newTestDB(t)
	alice := newTestSecret()
	bob := newTestSecret()

	root, rootContent := postEvent(t, alice, 50, rostra.ZeroEventID, rostra.SocialPost{Content: "root"})
	mustInsert(t, db, root)
	require.NoError(t, db.ProcessEventContent(root.ID, rootContent))

	var parent rostra.EventID
	for i := 0; i < 3; i++ {
		reply, replyContent := postEvent(t, bob, rostra.Timestamp(100+i), parent, rostra.SocialPost{
			Content: fmt.Sprintf("reply %d", i),
			ReplyTo: &rostra.ReplyTo{Author: alice.RostraID(), EventID: root.ID},
		})
		mustInsert(t, db, reply)
		require.NoError(t, db.ProcessEventContent(reply.ID, replyContent))
		parent = reply.ID
	}

	notifs, next, err := db.Notifications(alice.RostraID(), nil, 2)
	require.NoError(t, err)
	require.Len(t, notifs, 2)
	require.NotNil(t, next)
	require.EqualValues(t, 102, notifs[0].Timestamp)

	notifs, next, err = db.Notifications(alice.RostraID(), next, 2)
	require.NoError(t, err)
	require.Len(t, notifs, 1)
	require.Nil(t, next)
	require.EqualValues(t, 100, notifs[0].Timestamp)
}

func TestHeadsAreCapped(t *testing.T) {
	db := newTestDB(t)
	sec := newTestSecret()

	genesis := signedEvent(t, sec, eventSpec{ts: 1})
	mustInsert(t, db, genesis)
	for i := 0; i < HeadsCap+5; i++ {
		child := signedEvent(t, sec, eventSpec{ts: rostra.Timestamp(10 + i), parent: genesis.ID})
		mustInsert(t, db, child)
	}

	heads, err := db.Heads(sec.RostraID())
	require.NoError(t, err)
	require.Len(t, heads, HeadsCap)
	for i := 1; i < len(heads); i++ {
		require.Less(t, heads[i-1].String(), heads[i].String())
	}
}
