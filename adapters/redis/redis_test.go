package redis

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"authflow/adapters"
)

func setupTestStore(t *testing.T) (*miniredis.Miniredis, *Store) {
	t.Helper()

	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)

	store, err := New(Config{Client: redis.NewClient(&redis.Options{Addr: mr.Addr()})})
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return mr, store
}

func TestNewRequiresClient(t *testing.T) {
	_, err := New(Config{})
	assert.Error(t, err)
}

func TestStore_Users(t *testing.T) {
	ctx := context.Background()

	t.Run("create and lookup", func(t *testing.T) {
		mr, store := setupTestStore(t)

		user, err := store.CreateUser(ctx, adapters.User{Email: "Alice@Example.com", Name: "Alice"})
		require.NoError(t, err)
		assert.NotEmpty(t, user.ID)
		assert.True(t, mr.Exists(DefaultKeyPrefix+"user:"+user.ID))

		byEmail, err := store.GetUserByEmail(ctx, "alice@example.com")
		require.NoError(t, err)
		assert.Equal(t, user, byEmail)
	})

	t.Run("missing user", func(t *testing.T) {
		_, store := setupTestStore(t)

		_, err := store.GetUser(ctx, "nope")
		assert.ErrorIs(t, err, adapters.ErrNotFound)
		_, err = store.GetUserByEmail(ctx, "nobody@example.com")
		assert.ErrorIs(t, err, adapters.ErrNotFound)
	})

	t.Run("update moves email index", func(t *testing.T) {
		_, store := setupTestStore(t)

		user, err := store.CreateUser(ctx, adapters.User{Email: "old@example.com"})
		require.NoError(t, err)
		user.Email = "new@example.com"
		_, err = store.UpdateUser(ctx, user)
		require.NoError(t, err)

		_, err = store.GetUserByEmail(ctx, "old@example.com")
		assert.ErrorIs(t, err, adapters.ErrNotFound)
		got, err := store.GetUserByEmail(ctx, "new@example.com")
		require.NoError(t, err)
		assert.Equal(t, user.ID, got.ID)
	})

	t.Run("linked account", func(t *testing.T) {
		_, store := setupTestStore(t)

		user, err := store.CreateUser(ctx, adapters.User{Name: "Gh"})
		require.NoError(t, err)
		require.NoError(t, store.LinkAccount(ctx, adapters.Account{
			UserID: user.ID, Type: "oauth", Provider: "github", ProviderAccountID: "42",
		}))

		got, err := store.GetUserByAccount(ctx, "github", "42")
		require.NoError(t, err)
		assert.Equal(t, user.ID, got.ID)

		_, err = store.GetUserByAccount(ctx, "github", "7")
		assert.ErrorIs(t, err, adapters.ErrNotFound)
	})
}

func TestStore_Sessions(t *testing.T) {
	ctx := context.Background()

	t.Run("lifecycle", func(t *testing.T) {
		mr, store := setupTestStore(t)

		user, err := store.CreateUser(ctx, adapters.User{Email: "bob@example.com"})
		require.NoError(t, err)
		expires := time.Now().Add(time.Hour).Truncate(time.Second)
		sess, err := store.CreateSession(ctx, adapters.Session{UserID: user.ID, Expires: expires})
		require.NoError(t, err)
		assert.NotEmpty(t, sess.SessionToken)

		ttl := mr.TTL(DefaultKeyPrefix + "session:" + sess.SessionToken)
		assert.InDelta(t, time.Hour.Seconds(), ttl.Seconds(), 5)

		gotSess, gotUser, err := store.GetSessionAndUser(ctx, sess.SessionToken)
		require.NoError(t, err)
		assert.Equal(t, user.ID, gotSess.UserID)
		assert.True(t, expires.Equal(gotSess.Expires))
		assert.Equal(t, "bob@example.com", gotUser.Email)

		sess.Expires = expires.Add(time.Hour)
		_, err = store.UpdateSession(ctx, sess)
		require.NoError(t, err)

		require.NoError(t, store.DeleteSession(ctx, sess.SessionToken))
		_, _, err = store.GetSessionAndUser(ctx, sess.SessionToken)
		assert.ErrorIs(t, err, adapters.ErrNotFound)
	})

	t.Run("update missing session", func(t *testing.T) {
		_, store := setupTestStore(t)

		_, err := store.UpdateSession(ctx, adapters.Session{SessionToken: "missing", Expires: time.Now().Add(time.Hour)})
		assert.ErrorIs(t, err, adapters.ErrNotFound)
	})

	t.Run("evicted on ttl", func(t *testing.T) {
		mr, store := setupTestStore(t)

		user, err := store.CreateUser(ctx, adapters.User{})
		require.NoError(t, err)
		sess, err := store.CreateSession(ctx, adapters.Session{UserID: user.ID, Expires: time.Now().Add(time.Minute)})
		require.NoError(t, err)

		mr.FastForward(2 * time.Minute)
		_, _, err = store.GetSessionAndUser(ctx, sess.SessionToken)
		assert.ErrorIs(t, err, adapters.ErrNotFound)
	})
}

func TestStore_VerificationTokens(t *testing.T) {
	ctx := context.Background()
	_, store := setupTestStore(t)

	vt := adapters.VerificationToken{Identifier: "a@b.c", Token: "hash", Expires: time.Now().Add(time.Hour)}
	require.NoError(t, store.CreateVerificationToken(ctx, vt))

	got, err := store.UseVerificationToken(ctx, "a@b.c", "hash")
	require.NoError(t, err)
	assert.Equal(t, "hash", got.Token)
	assert.Equal(t, "a@b.c", got.Identifier)

	_, err = store.UseVerificationToken(ctx, "a@b.c", "hash")
	assert.ErrorIs(t, err, adapters.ErrNotFound)
}

func TestStore_Ping(t *testing.T) {
	_, store := setupTestStore(t)
	assert.NoError(t, store.Ping(context.Background()))
}
