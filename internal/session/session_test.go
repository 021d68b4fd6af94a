package session

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTemp(t *testing.T) (*Store, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "session.db")
	s, err := Open(path)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s, path
}

func TestStore_SaveLoadClear(t *testing.T) {
	ctx := context.Background()
	s, _ := openTemp(t)

	_, err := s.Load(ctx)
	assert.ErrorIs(t, err, ErrNoSession)

	exp := time.Date(2025, 9, 30, 0, 0, 0, 0, time.UTC)
	want := Identity{UserID: "u1", Username: "parent1", Role: "parent", Token: "tok", ExpiresAt: exp}
	require.NoError(t, s.Save(ctx, want))

	got, err := s.Load(ctx)
	require.NoError(t, err)
	assert.Equal(t, want, *got)

	require.NoError(t, s.Save(ctx, Identity{UserID: "u2", Token: "tok2"}))
	got, err = s.Load(ctx)
	require.NoError(t, err)
	assert.Equal(t, Identity{UserID: "u2", Token: "tok2"}, *got)

	require.NoError(t, s.Clear(ctx))
	_, err = s.Load(ctx)
	assert.ErrorIs(t, err, ErrNoSession)
}

func TestStore_SurvivesReopen(t *testing.T) {
	ctx := context.Background()
	s, path := openTemp(t)
	require.NoError(t, s.Save(ctx, Identity{UserID: "u1", Token: "tok"}))
	require.NoError(t, s.Close())

	reopened, err := Open(path)
	require.NoError(t, err)
	defer reopened.Close()
	got, err := reopened.Load(ctx)
	require.NoError(t, err)
	assert.Equal(t, "u1", got.UserID)
}

func TestIdentity_Expired(t *testing.T) {
	now := time.Date(2025, 9, 29, 12, 0, 0, 0, time.UTC)
	assert.False(t, Identity{}.Expired(now))
	assert.False(t, Identity{ExpiresAt: now.Add(time.Minute)}.Expired(now))
	assert.True(t, Identity{ExpiresAt: now}.Expired(now))
}
