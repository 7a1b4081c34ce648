// Package repository stores users and their prepaid token balances.
//
// Every backend creates a user and its zero balance in one atomic operation
// and deletes them together, so a user never exists without a balance.
package repository

import (
	"context"

	"github.com/felipepmaragno/token-gateway/internal/domain"
)

type UserRepository interface {
	// Create persists the user together with a zero balance.
	Create(ctx context.Context, user *domain.User) error
	GetByID(ctx context.Context, id string) (*domain.User, error)
	GetByEmail(ctx context.Context, email string) (*domain.User, error)
	// Delete removes the user and its balance.
	Delete(ctx context.Context, id string) error
}

// BalanceStore is the only shared mutable state on the request path. Each
// method is atomic per user.
type BalanceStore interface {
	GetBalance(ctx context.Context, userID string) (int64, error)

	// TryDeduct decrements the balance by amount only if the balance covers
	// it, and reports whether it did.
	TryDeduct(ctx context.Context, userID string, amount int64) (bool, error)

	// Deduct decrements without checking. The balance never goes below zero:
	// the part that could not be collected is returned as shortfall.
	Deduct(ctx context.Context, userID string, amount int64) (shortfall int64, err error)

	// Credit returns a previously reserved amount.
	Credit(ctx context.Context, userID string, amount int64) error

	// ForceSetBalance overwrites the balance. Administrative use only.
	ForceSetBalance(ctx context.Context, userID string, amount int64) error
}

type Store interface {
	UserRepository
	BalanceStore
}

func checkAmount(amount int64) error {
	if amount < 0 {
		return domain.ErrNegativeAmount
	}
	return nil
}
