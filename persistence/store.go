package persistence

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"time"

	"github.com/google/uuid"

	"github.com/lexcodex/promptloop/framework"
)

// ErrSessionNotFound is returned when loading an unknown session.
var ErrSessionNotFound = errors.New("session not found")

var sessionIDPattern = regexp.MustCompile(`^[A-Za-z0-9_-]{1,128}$`)

// Session describes a stored conversation.
type Session struct {
	ID        string    `json:"id"`
	Entries   int       `json:"entries"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// ChatlogStore persists chat histories per session so a conversation can be
// resumed by the CLI or the API server.
type ChatlogStore interface {
	Append(ctx context.Context, sessionID string, entries ...framework.ChatEntry) error
	Load(ctx context.Context, sessionID string) (framework.Chatlog, error)
	List(ctx context.Context) ([]Session, error)
	Delete(ctx context.Context, sessionID string) error
	Close() error
}

// NewSessionID returns a fresh random session id.
func NewSessionID() string {
	return uuid.NewString()
}

// ValidateSessionID rejects ids that are empty or unsafe as file names.
func ValidateSessionID(id string) error {
	if !sessionIDPattern.MatchString(id) {
		return fmt.Errorf("invalid session id %q", id)
	}
	return nil
}

// Open returns the store for driver ("file" or "sqlite") at path.
func Open(driver, path string) (ChatlogStore, error) {
	switch driver {
	case "", "file":
		return NewFileChatlogStore(nil, path)
	case "sqlite", "sqlite3":
		return NewSQLiteChatlogStore(path)
	default:
		return nil, fmt.Errorf("unknown store driver %q", driver)
	}
}

func checkContext(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
		return nil
	}
}
