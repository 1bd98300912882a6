package rostra

import "strconv"

// Kind selects the payload schema and the side-effect handler of an event.
// Kinds form a closed set: unknown kinds are stored and forwarded but
// contribute no indices.
type Kind uint16

const (
	// KindRaw is unspecified binary data.
	KindRaw Kind = 0x00

	KindFollow        Kind = 0x01
	KindUnfollow      Kind = 0x02
	KindProfileUpdate Kind = 0x03
	KindContentDelete Kind = 0x04

	// KindSocialPost is the textual post, backbone of the social network.
	KindSocialPost Kind = 0x10
)

func (kind Kind) Num() uint16    { return uint16(kind) }
func (kind Kind) String() string { return "kind::" + kind.Name() + "<" + strconv.Itoa(int(kind)) + ">" }
func (kind Kind) Name() string {
	switch kind {
	case KindRaw:
		return "Raw"
	case KindFollow:
		return "Follow"
	case KindUnfollow:
		return "Unfollow"
	case KindProfileUpdate:
		return "ProfileUpdate"
	case KindContentDelete:
		return "ContentDelete"
	case KindSocialPost:
		return "SocialPost"
	default:
		return "Unknown"
	}
}
