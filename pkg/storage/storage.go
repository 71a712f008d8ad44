// Package storage persists chat history, authentication sessions,
// moderation state and server settings.
package storage

import (
	"errors"
	"time"
)

// ErrMessageNotFound is returned when a message id does not exist.
var ErrMessageNotFound = errors.New("message not found")

// BanState is the moderation state of an external identity.
type BanState int

const (
	// BanNone means the identity is in good standing.
	BanNone BanState = iota
	// BanShadow lets the identity post, but only it sees its own
	// messages.
	BanShadow
	// BanFull refuses service entirely.
	BanFull
)

func (b BanState) String() string {
	switch b {
	case BanShadow:
		return "shadow"
	case BanFull:
		return "full"
	default:
		return "none"
	}
}

// ParseBanState maps the admin-facing action words to a ban state.
func ParseBanState(s string) (BanState, bool) {
	switch s {
	case "none":
		return BanNone, true
	case "shadow":
		return BanShadow, true
	case "full":
		return BanFull, true
	default:
		return BanNone, false
	}
}

// Message is one stored chat message.
type Message struct {
	ID        int64
	Login     string
	Name      string
	Color     string
	Text      string
	Visible   bool
	Timestamp time.Time
}

// BanEntry is one row of the moderation list.
type BanEntry struct {
	Login   string
	State   BanState
	Comment string
}

// Store is the persistence collaborator the chat core talks to. All
// methods are safe for concurrent use.
type Store interface {
	// ResolveToken maps an authentication token to an external
	// identity. It returns "" for unknown or deactivated tokens.
	ResolveToken(token string) (string, error)

	// MiscInfo returns the free-form auxiliary field attached to an
	// identity's auth record, or "" when there is none.
	MiscInfo(login string) (string, error)

	// KillAuthSession deactivates an authentication token.
	KillAuthSession(token string) error

	// BanState reports the moderation state of an identity.
	// Identities without an entry are in good standing.
	BanState(login string) (BanState, error)

	// SetBan records a moderation decision for an identity.
	SetBan(login string, state BanState, comment string) error

	// Bans lists all identities whose state is not BanNone.
	Bans() ([]BanEntry, error)

	// IsAdmin reports whether an identity is on the admin white list.
	IsAdmin(login string) (bool, error)

	// AppendMessage stores a chat message and returns its id.
	AppendMessage(login, text, name, color string, visible bool) (int64, error)

	// Message fetches a single message by id. Returns
	// ErrMessageNotFound when the id does not exist.
	Message(id int64) (Message, error)

	// Messages returns up to amount messages with id >= from in
	// ascending id order. When from <= 0 the window ends at the
	// newest message. Invisible messages are included only when
	// authored by viewer.
	Messages(amount, from int, viewer string) ([]Message, error)

	// LastMessageID returns the id of the newest stored message, or
	// 0 when the log is empty.
	LastMessageID() int64

	// SetMessageVisible hides or restores a message.
	SetMessageVisible(id int64, visible bool) error

	// UserNames lists the distinct display names an identity has
	// posted under.
	UserNames(login string) ([]string, error)

	// Config returns all stored server settings as key/value pairs.
	Config() (map[string]string, error)

	// SetConfig inserts or replaces one server setting.
	SetConfig(key, value string) error

	Close() error
}
