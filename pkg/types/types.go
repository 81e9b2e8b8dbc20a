package types

import (
	"time"
)

// Thread represents a root post plus its ordered replies.
// Its Num equals the root post's Num.
type Thread struct {
	Num      uint64
	Tags     []string // board memberships; first tag is the owning board
	Subject  string
	Locked   bool
	Hidden   bool     // soft-deleted; visible only to moderators
	Immortal bool     // never expires (staff board threads)
	Replies  []uint64 // reply post nums in insertion order
	ImageCtr int
	// BumpCtrs records the thread's current position in each board
	// index it belongs to.
	BumpCtrs  map[string]uint64
	CreatedAt time.Time
}

// HasTag reports whether the thread belongs to the given board.
func (t *Thread) HasTag(tag string) bool {
	for _, tg := range t.Tags {
		if tg == tag {
			return true
		}
	}
	return false
}

// Post belongs to exactly one thread (its own num if it is the root).
type Post struct {
	Num     uint64
	OP      uint64 // owning thread num; == Num for the root post
	Time    time.Time
	Name    string
	Trip    string
	Email   string
	Auth    string // staff capcode, if any
	Subject string
	Body    string
	Editing bool   // still open; body is append-only until finished
	Hidden  bool   // soft-deleted
	Priv    string // privilege channel; "" means public
	Image   *Image
}

// IsRoot reports whether the post opens its thread.
func (p *Post) IsRoot() bool {
	return p.Num == p.OP
}

// Image is a finished attachment descriptor. Processing is external;
// only the result is carried in event payloads.
type Image struct {
	Src     string
	Thumb   string
	Ext     string
	Dims    [4]int
	Size    int64
	MD5     string
	Spoiler bool
	Audio   bool
	Video   bool
}

// Ident is the capability object attached to every mutation and
// snapshot read. Policy decisions are made by an external checker;
// the core only consumes the resulting flags.
type Ident struct {
	IP        string
	ReadOnly  bool
	Moderator bool   // may see dead content and the auth overlay
	Admin     bool   // may see privileged reply membership
	Priv      string // privilege channel token, if any
}

// PrivChannel maps a post or event privilege token to its overlay
// channel name. The staff token is its own channel.
func PrivChannel(priv string) string {
	if priv == "" || priv == "auth" {
		return priv
	}
	return "priv:" + priv
}

// Channel returns the privileged overlay channel for this identity,
// or "" for public-only visibility.
func (id Ident) Channel() string {
	if id.Priv != "" {
		return PrivChannel(id.Priv)
	}
	if id.Moderator {
		return "auth"
	}
	return ""
}

// CanSeePriv reports whether the identity may see a post restricted
// to the given privilege channel.
func (id Ident) CanSeePriv(priv string) bool {
	if priv == "" {
		return true
	}
	if priv == "auth" {
		return id.Moderator || id.Admin
	}
	if id.Admin {
		return true
	}
	return priv == id.Priv
}
