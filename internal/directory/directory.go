// Package directory stores users, slaves and subscriptions.
package directory

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"errors"
	"time"
)

var (
	ErrNotFound = errors.New("not found")
	ErrExists   = errors.New("already exists")
)

// Subscriber is a chat user that receives status messages.
type Subscriber struct {
	// ID is the chat platform user id; status messages live in the private
	// chat with the same id.
	ID       int64
	FullName string
}

// Subscription binds a subscriber to a slave. Handle is the id of the
// status message that dispatch edits in place.
type Subscription struct {
	Subscriber int64
	Slave      string
	Handle     int
	Since      time.Time
}

type Slave struct {
	Nickname string
	// PasswordHash is the lowercase hex md5 of the slave password.
	PasswordHash string
	IP           string
	Owner        int64
	CreatedAt    time.Time
}

// Directory is the full store API used by the bot and CLI. Runtime
// components depend on narrower interfaces of their own.
type Directory interface {
	ListSubscribers(ctx context.Context) ([]Subscriber, error)
	ListSubscriptions(ctx context.Context, subscriber int64) ([]Subscription, error)
	SlaveCredential(ctx context.Context, nickname string) (string, error)

	AddUser(ctx context.Context, u Subscriber) error
	AddSlave(ctx context.Context, s Slave) error
	GetSlave(ctx context.Context, nickname string) (Slave, error)
	SetSlavePassword(ctx context.Context, nickname, passwordHash string) error
	RemoveSlave(ctx context.Context, nickname string) error
	ListSlaves(ctx context.Context) ([]Slave, error)
	Subscribe(ctx context.Context, subscriber int64, nickname string, handle int) error
	Unsubscribe(ctx context.Context, subscriber int64, nickname string) (bool, error)

	Close() error
}

// HashPassword is the credential hash stored for slaves: unsalted md5 in
// lowercase hex. Existing slave fleets authenticate against it.
func HashPassword(password string) string {
	sum := md5.Sum([]byte(password))
	return hex.EncodeToString(sum[:])
}

// CheckPassword reports whether password matches stored. An empty password
// never matches.
func CheckPassword(stored, password string) bool {
	return password != "" && stored == HashPassword(password)
}
