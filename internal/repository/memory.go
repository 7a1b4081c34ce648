package repository

import (
	"context"
	"sync"

	"github.com/felipepmaragno/token-gateway/internal/domain"
)

// InMemoryRepository keeps users and balances behind a single mutex.
// Suitable for single-instance deployments and tests.
type InMemoryRepository struct {
	mu       sync.RWMutex
	users    map[string]*domain.User
	byEmail  map[string]string
	balances map[string]int64
}

func NewInMemoryRepository() *InMemoryRepository {
	return &InMemoryRepository{
		users:    make(map[string]*domain.User),
		byEmail:  make(map[string]string),
		balances: make(map[string]int64),
	}
}

func (r *InMemoryRepository) Create(ctx context.Context, user *domain.User) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.byEmail[user.Email]; ok {
		return domain.ErrEmailTaken
	}

	stored := *user
	r.users[user.ID] = &stored
	r.byEmail[user.Email] = user.ID
	r.balances[user.ID] = 0

	return nil
}

func (r *InMemoryRepository) GetByID(ctx context.Context, id string) (*domain.User, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	user, ok := r.users[id]
	if !ok {
		return nil, domain.ErrUserNotFound
	}

	u := *user
	return &u, nil
}

func (r *InMemoryRepository) GetByEmail(ctx context.Context, email string) (*domain.User, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	id, ok := r.byEmail[email]
	if !ok {
		return nil, domain.ErrUserNotFound
	}

	u := *r.users[id]
	return &u, nil
}

func (r *InMemoryRepository) Delete(ctx context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	user, ok := r.users[id]
	if !ok {
		return domain.ErrUserNotFound
	}

	delete(r.byEmail, user.Email)
	delete(r.users, id)
	delete(r.balances, id)

	return nil
}

func (r *InMemoryRepository) GetBalance(ctx context.Context, userID string) (int64, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	amount, ok := r.balances[userID]
	if !ok {
		return 0, domain.ErrUserNotFound
	}
	return amount, nil
}

func (r *InMemoryRepository) TryDeduct(ctx context.Context, userID string, amount int64) (bool, error) {
	if err := checkAmount(amount); err != nil {
		return false, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	balance, ok := r.balances[userID]
	if !ok {
		return false, domain.ErrUserNotFound
	}
	if balance < amount {
		return false, nil
	}

	r.balances[userID] = balance - amount
	return true, nil
}

func (r *InMemoryRepository) Deduct(ctx context.Context, userID string, amount int64) (int64, error) {
	if err := checkAmount(amount); err != nil {
		return 0, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	balance, ok := r.balances[userID]
	if !ok {
		return 0, domain.ErrUserNotFound
	}
	if balance < amount {
		r.balances[userID] = 0
		return amount - balance, nil
	}

	r.balances[userID] = balance - amount
	return 0, nil
}

func (r *InMemoryRepository) Credit(ctx context.Context, userID string, amount int64) error {
	if err := checkAmount(amount); err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.balances[userID]; !ok {
		return domain.ErrUserNotFound
	}
	r.balances[userID] += amount
	return nil
}

func (r *InMemoryRepository) ForceSetBalance(ctx context.Context, userID string, amount int64) error {
	if err := checkAmount(amount); err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.balances[userID]; !ok {
		return domain.ErrUserNotFound
	}
	r.balances[userID] = amount
	return nil
}
