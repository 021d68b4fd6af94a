package hub

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ukydev/schoolbus-dispatch/internal/apperr"
	"github.com/ukydev/schoolbus-dispatch/internal/models"
)

func TestRegistry_SubscribeRequiresAuthentication(t *testing.T) {
	r := NewRegistry()
	r.Register("c1")

	_, err := r.Subscribe("c1", "T")
	assert.ErrorIs(t, err, apperr.ErrNotAuthenticated)
	assert.Empty(t, r.Subscribers("T"))
}

func TestRegistry_AuthenticateOnce(t *testing.T) {
	r := NewRegistry()
	r.Register("c1")

	require.NoError(t, r.Authenticate("c1", Principal{UserID: "u1", Role: models.RoleParent}))
	err := r.Authenticate("c1", Principal{UserID: "u2", Role: models.RoleAdmin})
	assert.ErrorIs(t, err, apperr.ErrAlreadyAuthenticated)

	p, ok := r.Principal("c1")
	require.True(t, ok)
	assert.Equal(t, "u1", p.UserID)
}

func TestRegistry_SubscribeIsIdempotent(t *testing.T) {
	r := NewRegistry()
	r.Register("c1")
	require.NoError(t, r.Authenticate("c1", Principal{UserID: "u1"}))

	added, err := r.Subscribe("c1", "T")
	require.NoError(t, err)
	assert.True(t, added)
	added, err = r.Subscribe("c1", "T")
	require.NoError(t, err)
	assert.False(t, added)

	assert.Equal(t, []string{"c1"}, r.Subscribers("T"))
	assert.Equal(t, []string{"T"}, r.Subscriptions("c1"))
}

func TestRegistry_UnsubscribeReportsRemaining(t *testing.T) {
	r := NewRegistry()
	r.Register("c1")
	require.NoError(t, r.Authenticate("c1", Principal{UserID: "u1"}))
	_, _ = r.Subscribe("c1", "T")
	_, _ = r.Subscribe("c1", "U")

	removed, remaining := r.Unsubscribe("c1", "T")
	assert.True(t, removed)
	assert.Equal(t, 1, remaining)

	removed, remaining = r.Unsubscribe("c1", "T")
	assert.False(t, removed)
	assert.Equal(t, 1, remaining)

	_, remaining = r.Unsubscribe("c1", "U")
	assert.Equal(t, 0, remaining)
	assert.Empty(t, r.Subscribers("U"))
}

func TestRegistry_CloseTripReleasesSubscriptions(t *testing.T) {
	r := NewRegistry()
	for _, id := range []string{"c1", "c2"} {
		r.Register(id)
		require.NoError(t, r.Authenticate(id, Principal{UserID: id}))
		_, err := r.Subscribe(id, "T")
		require.NoError(t, err)
	}

	assert.Equal(t, []string{"c1", "c2"}, r.CloseTrip("T"))
	assert.Empty(t, r.Subscribers("T"))
	assert.Empty(t, r.Subscriptions("c1"))
	assert.True(t, r.IsClosed("T"))

	_, err := r.Subscribe("c1", "T")
	assert.ErrorIs(t, err, apperr.ErrTripClosed)

	r.OpenTrip("T")
	_, err = r.Subscribe("c1", "T")
	assert.NoError(t, err)
}

func TestRegistry_RemoveForgetsConnection(t *testing.T) {
	r := NewRegistry()
	r.Register("c1")
	require.NoError(t, r.Authenticate("c1", Principal{UserID: "u1"}))
	_, _ = r.Subscribe("c1", "T")

	assert.Equal(t, []string{"T"}, r.Remove("c1"))
	assert.Empty(t, r.Subscribers("T"))
	assert.Equal(t, 0, r.Len())
	_, ok := r.Principal("c1")
	assert.False(t, ok)
}

func TestRegistry_Match(t *testing.T) {
	r := NewRegistry()
	r.Register("admin")
	r.Register("parent")
	r.Register("anon")
	require.NoError(t, r.Authenticate("admin", Principal{UserID: "a", Role: models.RoleAdmin}))
	require.NoError(t, r.Authenticate("parent", Principal{UserID: "p", Role: models.RoleParent}))

	aud := Audience{Roles: []models.Role{models.RoleAdmin}, UserIDs: []string{"p"}}
	assert.Equal(t, []string{"admin", "parent"}, r.Match(aud.Includes))
}
