// Package session keeps a short, expiring conversation history per user.
package session

import (
	"context"
	"fmt"
	"time"
)

type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// ParseRole validates a role read from outside the process.
func ParseRole(s string) (Role, error) {
	switch Role(s) {
	case RoleUser, RoleAssistant:
		return Role(s), nil
	default:
		return "", fmt.Errorf("unknown session role %q", s)
	}
}

// Key names the session of a user on a platform. User ids are only unique
// within their platform.
func Key(platform, userID string) string {
	return platform + ":" + userID
}

// Turn is one message in a conversation.
type Turn struct {
	Role    Role   `json:"role" cbor:"1,keyasint"`
	Content string `json:"content" cbor:"2,keyasint"`
}

// Store is per-user conversation memory. Implementations keep at most
// Window turns per user and forget users idle for longer than TTL.
type Store interface {
	// Context returns the user's turns oldest first, or an empty slice when
	// the user has no live session. It never fails.
	Context(ctx context.Context, userID string) []Turn
	// Add appends a turn, keeps the most recent Window turns and restarts
	// the expiry timer.
	Add(ctx context.Context, userID string, role Role, content string) error
	// Clear forgets the user. Clearing an unknown user is not an error.
	Clear(ctx context.Context, userID string) error
}

const (
	DefaultWindow   = 10
	DefaultTTL      = 30 * time.Minute
	DefaultCapacity = 1000
)

type Options struct {
	Window   int
	TTL      time.Duration
	Capacity int // memory backend only
}

func (o Options) withDefaults() Options {
	if o.Window <= 0 {
		o.Window = DefaultWindow
	}
	if o.TTL <= 0 {
		o.TTL = DefaultTTL
	}
	if o.Capacity <= 0 {
		o.Capacity = DefaultCapacity
	}
	return o
}

// Clock abstracts time for testability.
type Clock interface {
	Now() time.Time
}

type realClock struct{}

func (realClock) Now() time.Time { return time.Now() }

func expired(lastTouched, now time.Time, ttl time.Duration) bool {
	return !now.Before(lastTouched.Add(ttl))
}

func truncate(turns []Turn, window int) []Turn {
	if len(turns) <= window {
		return turns
	}
	out := make([]Turn, window)
	copy(out, turns[len(turns)-window:])
	return out
}
