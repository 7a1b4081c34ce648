package repository

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/felipepmaragno/token-gateway/internal/domain"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// testStore runs the behaviour every Store backend must share.
func testStore(t *testing.T, newStore func(t *testing.T) Store) {
	t.Run("create starts with zero balance", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		user := newTestUser()

		require.NoError(t, s.Create(ctx, user))

		balance, err := s.GetBalance(ctx, user.ID)
		require.NoError(t, err)
		assert.Equal(t, int64(0), balance)

		got, err := s.GetByID(ctx, user.ID)
		require.NoError(t, err)
		assert.Equal(t, user.Email, got.Email)
		assert.Equal(t, user.Name, got.Name)
		assert.Equal(t, user.PasswordHash, got.PasswordHash)
		assert.Equal(t, user.IsSuperuser, got.IsSuperuser)
		assert.True(t, got.IsActive)
		assert.Equal(t, user.CreatedAt.Unix(), got.CreatedAt.Unix())

		byEmail, err := s.GetByEmail(ctx, user.Email)
		require.NoError(t, err)
		assert.Equal(t, user.ID, byEmail.ID)
	})

	t.Run("duplicate email is rejected", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		first := newTestUser()
		require.NoError(t, s.Create(ctx, first))

		second := newTestUser()
		second.Email = first.Email

		err := s.Create(ctx, second)
		assert.ErrorIs(t, err, domain.ErrEmailTaken)

		_, err = s.GetByID(ctx, second.ID)
		assert.ErrorIs(t, err, domain.ErrUserNotFound)
	})

	t.Run("unknown user", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		id := uuid.NewString()

		_, err := s.GetByID(ctx, id)
		assert.ErrorIs(t, err, domain.ErrUserNotFound)
		_, err = s.GetByEmail(ctx, id+"@nowhere.test")
		assert.ErrorIs(t, err, domain.ErrUserNotFound)
		_, err = s.GetBalance(ctx, id)
		assert.ErrorIs(t, err, domain.ErrUserNotFound)
		_, err = s.TryDeduct(ctx, id, 1)
		assert.ErrorIs(t, err, domain.ErrUserNotFound)
		_, err = s.Deduct(ctx, id, 1)
		assert.ErrorIs(t, err, domain.ErrUserNotFound)
		assert.ErrorIs(t, s.Credit(ctx, id, 1), domain.ErrUserNotFound)
		assert.ErrorIs(t, s.ForceSetBalance(ctx, id, 1), domain.ErrUserNotFound)
		assert.ErrorIs(t, s.Delete(ctx, id), domain.ErrUserNotFound)
	})

	t.Run("try deduct only when covered", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		user := createWithBalance(t, s, 50)

		ok, err := s.TryDeduct(ctx, user.ID, 40)
		require.NoError(t, err)
		assert.True(t, ok)
		assertBalance(t, s, user.ID, 10)

		ok, err = s.TryDeduct(ctx, user.ID, 11)
		require.NoError(t, err)
		assert.False(t, ok)
		assertBalance(t, s, user.ID, 10)

		ok, err = s.TryDeduct(ctx, user.ID, 10)
		require.NoError(t, err)
		assert.True(t, ok)
		assertBalance(t, s, user.ID, 0)
	})

	t.Run("deduct floors at zero and reports shortfall", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		user := createWithBalance(t, s, 10)

		shortfall, err := s.Deduct(ctx, user.ID, 8)
		require.NoError(t, err)
		assert.Equal(t, int64(0), shortfall)
		assertBalance(t, s, user.ID, 2)

		shortfall, err = s.Deduct(ctx, user.ID, 5)
		require.NoError(t, err)
		assert.Equal(t, int64(3), shortfall)
		assertBalance(t, s, user.ID, 0)
	})

	t.Run("credit and force set", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		user := createWithBalance(t, s, 10)

		require.NoError(t, s.Credit(ctx, user.ID, 15))
		assertBalance(t, s, user.ID, 25)

		require.NoError(t, s.ForceSetBalance(ctx, user.ID, 0))
		assertBalance(t, s, user.ID, 0)
	})

	t.Run("negative amounts are rejected", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		user := createWithBalance(t, s, 10)

		_, err := s.TryDeduct(ctx, user.ID, -1)
		assert.ErrorIs(t, err, domain.ErrNegativeAmount)
		_, err = s.Deduct(ctx, user.ID, -1)
		assert.ErrorIs(t, err, domain.ErrNegativeAmount)
		assert.ErrorIs(t, s.Credit(ctx, user.ID, -1), domain.ErrNegativeAmount)
		assert.ErrorIs(t, s.ForceSetBalance(ctx, user.ID, -1), domain.ErrNegativeAmount)
		assertBalance(t, s, user.ID, 10)
	})

	t.Run("delete removes user and balance", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		user := createWithBalance(t, s, 10)

		require.NoError(t, s.Delete(ctx, user.ID))

		_, err := s.GetByID(ctx, user.ID)
		assert.ErrorIs(t, err, domain.ErrUserNotFound)
		_, err = s.GetBalance(ctx, user.ID)
		assert.ErrorIs(t, err, domain.ErrUserNotFound)

		// The email is free again.
		again := newTestUser()
		again.Email = user.Email
		assert.NoError(t, s.Create(ctx, again))
	})

	t.Run("concurrent try deduct never overspends", func(t *testing.T) {
		s := newStore(t)
		user := createWithBalance(t, s, 100)

		var wg sync.WaitGroup
		var accepted atomic.Int64
		for i := 0; i < 50; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				ok, err := s.TryDeduct(context.Background(), user.ID, 7)
				if err != nil {
					t.Errorf("TryDeduct: %v", err)
					return
				}
				if ok {
					accepted.Add(1)
				}
			}()
		}
		wg.Wait()

		assert.Equal(t, int64(14), accepted.Load())
		assertBalance(t, s, user.ID, 2)
	})

	t.Run("concurrent deduct sums exactly", func(t *testing.T) {
		s := newStore(t)
		user := createWithBalance(t, s, 1_000)

		var wg sync.WaitGroup
		for i := 0; i < 20; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				if _, err := s.Deduct(context.Background(), user.ID, 3); err != nil {
					t.Errorf("Deduct: %v", err)
				}
			}()
		}
		wg.Wait()

		assertBalance(t, s, user.ID, 940)
	})
}

func newTestUser() *domain.User {
	id := uuid.NewString()
	return &domain.User{
		ID:           id,
		Email:        id + "@example.com",
		Name:         "Test User",
		PasswordHash: "$2a$10$hash",
		IsActive:     true,
		CreatedAt:    time.Now().UTC().Truncate(time.Second),
	}
}

func createWithBalance(t *testing.T, s Store, amount int64) *domain.User {
	t.Helper()

	user := newTestUser()
	require.NoError(t, s.Create(context.Background(), user))
	require.NoError(t, s.ForceSetBalance(context.Background(), user.ID, amount))
	return user
}

func assertBalance(t *testing.T, s Store, userID string, want int64) {
	t.Helper()

	got, err := s.GetBalance(context.Background(), userID)
	require.NoError(t, err)
	assert.Equal(t, want, got)
}
