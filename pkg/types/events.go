package types

import (
	"encoding/json"
	"fmt"
)

// Kind identifies a mutation event. The numeric codes are part of the
// wire contract and of the persisted replay log; never renumber them.
type Kind uint8

const (
	KindInvalid Kind = 0

	// Replayable kinds: appended to the thread history and counted
	// by the history counter.
	KindInsertPost    Kind = 2
	KindAppendPost    Kind = 3
	KindFinishPost    Kind = 4
	KindInsertImage   Kind = 6
	KindSpoilerImages Kind = 7
	KindDeleteImages  Kind = 8
	KindDeletePosts   Kind = 9
	KindDeleteThread  Kind = 10
	KindLockThread    Kind = 11
	KindUnlockThread  Kind = 12
	KindReportPost    Kind = 13

	// Live-only kinds: published but never logged. Replay consumers
	// already reflect their effect by other means.
	KindPing         Kind = 30
	KindImageStatus  Kind = 31
	KindSynchronize  Kind = 32
	KindMoveThread   Kind = 34
	KindUpdateBanner Kind = 35
)

// Replayable reports whether events of this kind are written to the
// per-thread history and bump the history counter.
func (k Kind) Replayable() bool {
	return k > KindInvalid && k < KindPing
}

func (k Kind) String() string {
	switch k {
	case KindInvalid:
		return "invalid"
	case KindInsertPost:
		return "insert_post"
	case KindAppendPost:
		return "append_post"
	case KindFinishPost:
		return "finish_post"
	case KindInsertImage:
		return "insert_image"
	case KindSpoilerImages:
		return "spoiler_images"
	case KindDeleteImages:
		return "delete_images"
	case KindDeletePosts:
		return "delete_posts"
	case KindDeleteThread:
		return "delete_thread"
	case KindLockThread:
		return "lock_thread"
	case KindUnlockThread:
		return "unlock_thread"
	case KindReportPost:
		return "report_post"
	case KindPing:
		return "ping"
	case KindImageStatus:
		return "image_status"
	case KindSynchronize:
		return "synchronize"
	case KindMoveThread:
		return "move_thread"
	case KindUpdateBanner:
		return "update_banner"
	default:
		return fmt.Sprintf("kind(%d)", uint8(k))
	}
}

// InsertPostPayload announces a new post. View is the denormalized
// post as other viewers should render it. IP is only ever present on
// the moderator overlay, never in the public stream or the log.
type InsertPostPayload struct {
	Num  uint64 `json:"num"`
	View Post   `json:"view"`
	IP   string `json:"ip,omitempty"`
}

// AppendPostPayload grows an open post's body.
type AppendPostPayload struct {
	Num  uint64 `json:"num"`
	Tail string `json:"tail"`
}

// FinishPostPayload seals an open post; its body is immutable after.
type FinishPostPayload struct {
	Num uint64 `json:"num"`
}

// InsertImagePayload attaches a finished image to an existing post.
type InsertImagePayload struct {
	Num   uint64 `json:"num"`
	Image Image  `json:"image"`
}

// SpoilerImagesPayload marks the images of the given posts spoilered.
type SpoilerImagesPayload struct {
	Nums []uint64 `json:"nums"`
}

// DeleteImagesPayload removes the images of the given posts.
type DeleteImagesPayload struct {
	Nums []uint64 `json:"nums"`
}

// DeletePostsPayload soft-deletes the given replies.
type DeletePostsPayload struct {
	Nums []uint64 `json:"nums"`
}

// DeleteThreadPayload soft-deletes a whole thread. The thread num is
// carried by the event envelope.
type DeleteThreadPayload struct{}

// LockThreadPayload and UnlockThreadPayload toggle posting.
type LockThreadPayload struct{}
type UnlockThreadPayload struct{}

// ReportPostPayload forwards a report to staff. Policy is external.
type ReportPostPayload struct {
	Num    uint64 `json:"num"`
	Reason string `json:"reason,omitempty"`
}

// MoveThreadPayload rehomes a thread onto another board.
type MoveThreadPayload struct {
	Tag string `json:"tag"`
}

// UpdateBannerPayload replaces the board banner message.
type UpdateBannerPayload struct {
	Message string `json:"message"`
}

// DecodePayload unmarshals the payload for the given kind into its
// typed form. The switch is exhaustive over the closed kind set; an
// unknown kind is an error, never a silent fall-through.
func DecodePayload(kind Kind, raw json.RawMessage) (any, error) {
	var v any
	switch kind {
	case KindInsertPost:
		v = &InsertPostPayload{}
	case KindAppendPost:
		v = &AppendPostPayload{}
	case KindFinishPost:
		v = &FinishPostPayload{}
	case KindInsertImage:
		v = &InsertImagePayload{}
	case KindSpoilerImages:
		v = &SpoilerImagesPayload{}
	case KindDeleteImages:
		v = &DeleteImagesPayload{}
	case KindDeletePosts:
		v = &DeletePostsPayload{}
	case KindDeleteThread:
		v = &DeleteThreadPayload{}
	case KindLockThread:
		v = &LockThreadPayload{}
	case KindUnlockThread:
		v = &UnlockThreadPayload{}
	case KindReportPost:
		v = &ReportPostPayload{}
	case KindMoveThread:
		v = &MoveThreadPayload{}
	case KindUpdateBanner:
		v = &UpdateBannerPayload{}
	case KindPing, KindImageStatus, KindSynchronize, KindInvalid:
		return nil, fmt.Errorf("kind %s carries no loggable payload", kind)
	default:
		return nil, fmt.Errorf("unknown event kind %d", uint8(kind))
	}
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, v); err != nil {
			return nil, fmt.Errorf("decode %s payload: %w", kind, err)
		}
	}
	return v, nil
}
