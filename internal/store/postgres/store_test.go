package postgres_test

import (
	"context"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zhouzirui/webchat/backend/internal/model/user"
	"github.com/zhouzirui/webchat/backend/internal/store"
	"github.com/zhouzirui/webchat/backend/internal/store/postgres"
)

// openStore connects to TEST_DATABASE_URL, migrating it first. Tests skip
// when the variable is unset.
func openStore(t *testing.T) *postgres.Store {
	t.Helper()

	url := os.Getenv("TEST_DATABASE_URL")
	if url == "" {
		t.Skip("TEST_DATABASE_URL not set")
	}

	require.NoError(t, postgres.RunMigrations(url))

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	pool, err := postgres.NewPool(ctx, url, postgres.PoolOptions{MaxConns: 4})
	require.NoError(t, err)

	s := postgres.New(pool)
	t.Cleanup(s.Close)
	return s
}

func uniqueName(prefix string) string {
	return fmt.Sprintf("%s-%d", prefix, time.Now().UnixNano())
}

func TestPostgresSessionLifecycle(t *testing.T) {
	s := openStore(t)
	ctx := context.Background()

	owner, err := s.CreateUser(ctx, uniqueName("owner"), "hash")
	require.NoError(t, err)
	other, err := s.CreateUser(ctx, uniqueName("other"), "hash")
	require.NoError(t, err)

	session, err := s.CreateSession(ctx, owner.ID, "")
	require.NoError(t, err)

	_, err = s.GetSession(ctx, session.ID, other.ID)
	assert.ErrorIs(t, err, store.ErrSessionNotFound)
	_, err = s.GetSession(ctx, "not-a-uuid", owner.ID)
	assert.ErrorIs(t, err, store.ErrSessionNotFound)

	renamed, err := s.UpdateTitle(ctx, session.ID, owner.ID, "Renamed")
	require.NoError(t, err)
	assert.Equal(t, "Renamed", renamed.Title)

	var lastID int64
	for i := 0; i < 12; i++ {
		msg, err := s.AppendMessage(ctx, session.ID, fmt.Sprintf("m%d", i), i%2 == 0)
		require.NoError(t, err)
		lastID = msg.ID
	}

	all, err := s.ListMessages(ctx, session.ID)
	require.NoError(t, err)
	require.Len(t, all, 12)
	for i := 1; i < len(all); i++ {
		assert.False(t, all[i].CreatedAt.Before(all[i-1].CreatedAt))
	}

	recent, err := s.RecentMessages(ctx, session.ID, 5, lastID)
	require.NoError(t, err)
	require.Len(t, recent, 5)
	assert.Equal(t, "m6", recent[0].Content)
	assert.Equal(t, "m10", recent[4].Content)
}

func TestPostgresUsersAndLogins(t *testing.T) {
	s := openStore(t)
	ctx := context.Background()

	name := uniqueName("Carol")
	u, err := s.CreateUser(ctx, name, "hash")
	require.NoError(t, err)

	_, err = s.CreateUser(ctx, name, "hash")
	assert.ErrorIs(t, err, store.ErrUsernameTaken)

	key := uniqueName("key")
	require.NoError(t, s.CreateLoginSession(ctx, user.LoginSession{Key: key, UserID: u.ID, ExpiresAt: time.Now().Add(time.Hour)}))

	got, err := s.GetLoginSession(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, u.ID, got.UserID)

	require.NoError(t, s.DeleteLoginSession(ctx, key))
	_, err = s.GetLoginSession(ctx, key)
	assert.ErrorIs(t, err, store.ErrLoginSessionNotFound)
}
