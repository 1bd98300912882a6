package rostra

import (
	"fmt"
	"strings"

	jsoniter "github.com/json-iterator/go"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// ReplyTo references the post an event replies to. The reply edge lives in
// the payload so it can be indexed when the content is processed; it does
// not participate in DAG head accounting.
type ReplyTo struct {
	Author  RostraID `json:"author"`
	EventID EventID  `json:"event_id"`
}

// SocialPost is the payload of KindSocialPost.
type SocialPost struct {
	PersonaTag string   `json:"persona_tag,omitempty"`
	Content    string   `json:"content"`
	ReplyTo    *ReplyTo `json:"reply_to,omitempty"`
}

// FollowMode selects how the follower filters the followee's personas.
type FollowMode string

const (
	// FollowModeExcept includes every persona except the listed tags.
	FollowModeExcept FollowMode = "except"
	// FollowModeOnly includes only the listed tags.
	FollowModeOnly FollowMode = "only"
)

func (m FollowMode) Valid() bool {
	return m == FollowModeExcept || m == FollowModeOnly
}

// Follow is the payload of KindFollow.
type Follow struct {
	Followee RostraID   `json:"followee"`
	Mode     FollowMode `json:"mode"`
	Tags     []string   `json:"tags,omitempty"`
}

// Unfollow is the payload of KindUnfollow.
type Unfollow struct {
	Followee RostraID `json:"followee"`
}

// Avatar is an inline profile image.
type Avatar struct {
	MimeType string `json:"mime_type"`
	Data     []byte `json:"data"`
}

// ProfileUpdate is the payload of KindProfileUpdate.
type ProfileUpdate struct {
	DisplayName string  `json:"display_name"`
	Bio         string  `json:"bio"`
	Avatar      *Avatar `json:"avatar,omitempty"`
}

// ContentDelete is the payload of KindContentDelete, declaring the author's
// intent to delete the content of one of their earlier events.
type ContentDelete struct {
	Target EventID `json:"target"`
}

// MarshalContent encodes a payload for inclusion in an event.
func MarshalContent(v any) ([]byte, error) {
	return json.Marshal(v)
}

// UnmarshalContent decodes a payload of the schema selected by the kind.
func UnmarshalContent(b []byte, v any) error {
	if err := json.Unmarshal(b, v); err != nil {
		return fmt.Errorf("failed to parse payload: %w", err)
	}
	return nil
}

const mentionPrefix = "rostra:"

// ExtractMentions scans a post body for <rostra:ID> mentions and returns the
// mentioned identities, deduplicated in order of first appearance.
func ExtractMentions(content string) []RostraID {
	var found []RostraID
	seen := map[RostraID]struct{}{}

	rest := content
	for {
		i := strings.Index(rest, mentionPrefix)
		if i < 0 {
			return found
		}
		rest = rest[i+len(mentionPrefix):]

		end := 0
		for end < len(rest) && isBech32Char(rest[end]) {
			end++
		}
		id, err := RostraIDFromString(rest[:end])
		if err != nil {
			continue
		}
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		found = append(found, id)
	}
}

func isBech32Char(c byte) bool {
	return c >= '0' && c <= '9' || c >= 'a' && c <= 'z' || c >= 'A' && c <= 'Z'
}
