package persistence

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lexcodex/promptloop/framework"
)

type tickingClock struct {
	t time.Time
}

func (c *tickingClock) now() time.Time {
	c.t = c.t.Add(time.Second)
	return c.t
}

func newFileStore(t *testing.T) ChatlogStore {
	t.Helper()
	store, err := NewFileChatlogStore(afero.NewMemMapFs(), "/sessions")
	require.NoError(t, err)
	store.now = (&tickingClock{t: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)}).now
	return store
}

func newSQLiteStore(t *testing.T) ChatlogStore {
	t.Helper()
	store, err := NewSQLiteChatlogStore(filepath.Join(t.TempDir(), "chat.db"))
	require.NoError(t, err)
	store.now = (&tickingClock{t: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)}).now
	t.Cleanup(func() { store.Close() })
	return store
}

var contentCmp = cmp.Comparer(func(a, b framework.Content) bool {
	return a.IsParts() == b.IsParts() && a.String() == b.String() && cmp.Equal(a.PartList(), b.PartList(), cmpopts.EquateEmpty())
})

func TestChatlogStores(t *testing.T) {
	stores := map[string]func(*testing.T) ChatlogStore{
		"file":   newFileStore,
		"sqlite": newSQLiteStore,
	}
	for name, open := range stores {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			store := open(t)

			_, err := store.Load(ctx, "missing")
			assert.True(t, errors.Is(err, ErrSessionNotFound))

			first := framework.Chatlog{
				framework.SystemEntry("be brief"),
				{Role: framework.RoleUser, Content: framework.Parts(
					framework.TextPart("what is this"),
					framework.ImageURLPart("data:image/png;base64,AQI="),
				)},
				{Role: framework.RoleAssistant, ToolCalls: []framework.ToolCall{{ID: "c1", Name: "echo", Arguments: `{"value":"x"}`}}},
			}
			require.NoError(t, store.Append(ctx, "alpha", first...))
			require.NoError(t, store.Append(ctx, "alpha", framework.ToolResultEntry("c1", "x"), framework.AssistantEntry("a cat")))
			require.NoError(t, store.Append(ctx, "beta", framework.UserEntry("hi")))

			got, err := store.Load(ctx, "alpha")
			require.NoError(t, err)
			want := first.Concat(framework.Chatlog{framework.ToolResultEntry("c1", "x"), framework.AssistantEntry("a cat")})
			if diff := cmp.Diff(want, got, contentCmp); diff != "" {
				t.Fatalf("chatlog mismatch (-want +got):\n%s", diff)
			}

			err = store.Append(ctx, "beta", framework.ToolResultEntry("nope", "orphan"))
			assert.Error(t, err, "tool results must answer an earlier call")
			beta, err := store.Load(ctx, "beta")
			require.NoError(t, err)
			assert.Len(t, beta, 1)

			sessions, err := store.List(ctx)
			require.NoError(t, err)
			require.Len(t, sessions, 2)
			assert.Equal(t, "beta", sessions[0].ID)
			assert.Equal(t, 1, sessions[0].Entries)
			assert.Equal(t, "alpha", sessions[1].ID)
			assert.Equal(t, 5, sessions[1].Entries)

			require.NoError(t, store.Delete(ctx, "alpha"))
			assert.True(t, errors.Is(store.Delete(ctx, "alpha"), ErrSessionNotFound))
			_, err = store.Load(ctx, "alpha")
			assert.True(t, errors.Is(err, ErrSessionNotFound))

			assert.Error(t, store.Append(ctx, "../escape", framework.UserEntry("x")))
		})
	}
}

func TestSQLiteStoreReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "chat.db")
	store, err := NewSQLiteChatlogStore(path)
	require.NoError(t, err)
	require.NoError(t, store.Append(context.Background(), "s1", framework.UserEntry("persist me")))
	require.NoError(t, store.Close())

	reopened, err := NewSQLiteChatlogStore(path)
	require.NoError(t, err)
	defer reopened.Close()
	log, err := reopened.Load(context.Background(), "s1")
	require.NoError(t, err)
	require.Len(t, log, 1)
	assert.Equal(t, "persist me", log[0].Content.String())
}

func TestOpen(t *testing.T) {
	store, err := Open("file", t.TempDir())
	require.NoError(t, err)
	assert.IsType(t, &FileChatlogStore{}, store)

	store, err = Open("sqlite", filepath.Join(t.TempDir(), "x.db"))
	require.NoError(t, err)
	assert.IsType(t, &SQLiteChatlogStore{}, store)
	store.Close()

	_, err = Open("postgres", "")
	assert.Error(t, err)
}

func TestSessionIDs(t *testing.T) {
	id := NewSessionID()
	assert.NoError(t, ValidateSessionID(id))
	assert.NotEqual(t, id, NewSessionID())
	for _, bad := range []string{"", "a/b", "..", "has space"} {
		assert.Error(t, ValidateSessionID(bad), bad)
	}
}
