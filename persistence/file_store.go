package persistence

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/spf13/afero"

	"github.com/lexcodex/promptloop/framework"
)

const chatlogSuffix = ".chatlog.json"

// FileChatlogStore keeps one JSON file per session.
type FileChatlogStore struct {
	fs   afero.Fs
	root string
	mu   sync.RWMutex
	now  func() time.Time
}

type chatlogFile struct {
	ID        string            `json:"id"`
	CreatedAt time.Time         `json:"created_at"`
	UpdatedAt time.Time         `json:"updated_at"`
	Entries   framework.Chatlog `json:"entries"`
}

// NewFileChatlogStore builds a store rooted at root. A nil fs selects the
// host filesystem.
func NewFileChatlogStore(fs afero.Fs, root string) (*FileChatlogStore, error) {
	if root == "" {
		return nil, errors.New("chatlog store root required")
	}
	if fs == nil {
		fs = afero.NewOsFs()
	}
	if err := fs.MkdirAll(root, 0o755); err != nil {
		return nil, err
	}
	return &FileChatlogStore{fs: fs, root: root, now: time.Now}, nil
}

func (s *FileChatlogStore) pathFor(id string) string {
	return filepath.Join(s.root, id+chatlogSuffix)
}

// Append stores entries for a session, creating it on first use. The
// resulting history must still validate.
func (s *FileChatlogStore) Append(ctx context.Context, sessionID string, entries ...framework.ChatEntry) error {
	if err := checkContext(ctx); err != nil {
		return err
	}
	if err := ValidateSessionID(sessionID); err != nil {
		return err
	}
	if len(entries) == 0 {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	file, err := s.read(sessionID)
	if errors.Is(err, ErrSessionNotFound) {
		file = &chatlogFile{ID: sessionID, CreatedAt: s.now().UTC()}
	} else if err != nil {
		return err
	}
	merged := file.Entries.Concat(entries)
	if err := merged.Validate(); err != nil {
		return err
	}
	file.Entries = merged
	file.UpdatedAt = s.now().UTC()
	data, err := json.MarshalIndent(file, "", "  ")
	if err != nil {
		return err
	}
	return afero.WriteFile(s.fs, s.pathFor(sessionID), data, 0o644)
}

// Load returns the session history.
func (s *FileChatlogStore) Load(ctx context.Context, sessionID string) (framework.Chatlog, error) {
	if err := checkContext(ctx); err != nil {
		return nil, err
	}
	if err := ValidateSessionID(sessionID); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	file, err := s.read(sessionID)
	if err != nil {
		return nil, err
	}
	return file.Entries, nil
}

// List returns stored sessions, most recently updated first.
func (s *FileChatlogStore) List(ctx context.Context) ([]Session, error) {
	if err := checkContext(ctx); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	infos, err := afero.ReadDir(s.fs, s.root)
	if err != nil {
		return nil, err
	}
	var sessions []Session
	for _, info := range infos {
		name := info.Name()
		if info.IsDir() || !strings.HasSuffix(name, chatlogSuffix) {
			continue
		}
		file, err := s.read(strings.TrimSuffix(name, chatlogSuffix))
		if err != nil {
			return nil, err
		}
		sessions = append(sessions, Session{
			ID:        file.ID,
			Entries:   len(file.Entries),
			CreatedAt: file.CreatedAt,
			UpdatedAt: file.UpdatedAt,
		})
	}
	sort.SliceStable(sessions, func(i, j int) bool {
		return sessions[i].UpdatedAt.After(sessions[j].UpdatedAt)
	})
	return sessions, nil
}

// Delete removes a session.
func (s *FileChatlogStore) Delete(ctx context.Context, sessionID string) error {
	if err := checkContext(ctx); err != nil {
		return err
	}
	if err := ValidateSessionID(sessionID); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	err := s.fs.Remove(s.pathFor(sessionID))
	if errors.Is(err, os.ErrNotExist) {
		return ErrSessionNotFound
	}
	return err
}

// Close is a no-op.
func (s *FileChatlogStore) Close() error { return nil }

func (s *FileChatlogStore) read(sessionID string) (*chatlogFile, error) {
	data, err := afero.ReadFile(s.fs, s.pathFor(sessionID))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, ErrSessionNotFound
		}
		return nil, err
	}
	var file chatlogFile
	if err := json.Unmarshal(data, &file); err != nil {
		return nil, err
	}
	return &file, nil
}
