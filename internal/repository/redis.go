package repository

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/felipepmaragno/token-gateway/internal/domain"
	"github.com/redis/go-redis/v9"
)

// Each script touches every key it needs in one round trip, so Redis runs it
// atomically with respect to other clients.

// createUserScript stores the user hash, the email index and a zero balance.
// Keys: [user_key, email_key, balance_key]
// Args: [id, email, name, password_hash, is_superuser, is_active, created_at]
// Returns: 1 on success, 0 if the email is taken
var createUserScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[2]) == 1 then
    return 0
end

redis.call('HSET', KEYS[1],
    'id', ARGV[1],
    'email', ARGV[2],
    'name', ARGV[3],
    'password_hash', ARGV[4],
    'is_superuser', ARGV[5],
    'is_active', ARGV[6],
    'created_at', ARGV[7])
redis.call('SET', KEYS[2], ARGV[1])
redis.call('SET', KEYS[3], '0')
return 1
`)

// deleteUserScript removes the user, its email index and its balance.
// Keys: [user_key, email_key, balance_key]
// Returns: number of user hashes removed
var deleteUserScript = redis.NewScript(`
local removed = redis.call('DEL', KEYS[1])
redis.call('DEL', KEYS[2], KEYS[3])
return removed
`)

// tryDeductScript decrements only when the balance covers the amount.
// Keys: [balance_key]
// Args: [amount]
// Returns: 1 if deducted, 0 if insufficient, -1 if the user does not exist
var tryDeductScript = redis.NewScript(`
local balance = redis.call('GET', KEYS[1])
if not balance then
    return -1
end

local amount = tonumber(ARGV[1])
if tonumber(balance) < amount then
    return 0
end

redis.call('DECRBY', KEYS[1], amount)
return 1
`)

// deductScript decrements unconditionally, flooring at zero.
// Keys: [balance_key]
// Args: [amount]
// Returns: the shortfall, or -1 if the user does not exist
var deductScript = redis.NewScript(`
local balance = redis.call('GET', KEYS[1])
if not balance then
    return -1
end

balance = tonumber(balance)
local amount = tonumber(ARGV[1])
if balance < amount then
    redis.call('SET', KEYS[1], '0')
    return amount - balance
end

redis.call('DECRBY', KEYS[1], amount)
return 0
`)

// creditScript increments an existing balance.
// Keys: [balance_key]
// Args: [amount]
// Returns: 1 on success, -1 if the user does not exist
var creditScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 0 then
    return -1
end
redis.call('INCRBY', KEYS[1], ARGV[1])
return 1
`)

// setBalanceScript overwrites an existing balance.
// Keys: [balance_key]
// Args: [amount]
// Returns: 1 on success, -1 if the user does not exist
var setBalanceScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 0 then
    return -1
end
redis.call('SET', KEYS[1], ARGV[1])
return 1
`)

const defaultKeyPrefix = "tokengateway:"

// RedisRepository implements Store on Redis so that several gateway
// instances can share balances.
type RedisRepository struct {
	client *redis.Client
	prefix string
}

func NewRedisRepository(redisURL string) (*RedisRepository, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("invalid redis URL: %w", err)
	}

	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("redis connection failed: %w", err)
	}

	return NewRedisRepositoryWithClient(client, defaultKeyPrefix), nil
}

func NewRedisRepositoryWithClient(client *redis.Client, prefix string) *RedisRepository {
	return &RedisRepository{client: client, prefix: prefix}
}

func (r *RedisRepository) Client() *redis.Client {
	return r.client
}

func (r *RedisRepository) Close() error {
	return r.client.Close()
}

func (r *RedisRepository) userKey(id string) string {
	return r.prefix + "user:" + id
}

func (r *RedisRepository) emailKey(email string) string {
	return r.prefix + "user:email:" + email
}

func (r *RedisRepository) balanceKey(id string) string {
	return r.prefix + "balance:" + id
}

func (r *RedisRepository) Create(ctx context.Context, user *domain.User) error {
	keys := []string{r.userKey(user.ID), r.emailKey(user.Email), r.balanceKey(user.ID)}

	created, err := createUserScript.Run(ctx, r.client, keys,
		user.ID,
		user.Email,
		user.Name,
		user.PasswordHash,
		formatBool(user.IsSuperuser),
		formatBool(user.IsActive),
		user.CreatedAt.Unix(),
	).Int()
	if err != nil {
		return fmt.Errorf("create user: %w", err)
	}
	if created == 0 {
		return domain.ErrEmailTaken
	}
	return nil
}

func (r *RedisRepository) GetByID(ctx context.Context, id string) (*domain.User, error) {
	fields, err := r.client.HGetAll(ctx, r.userKey(id)).Result()
	if err != nil {
		return nil, fmt.Errorf("get user: %w", err)
	}
	if len(fields) == 0 {
		return nil, domain.ErrUserNotFound
	}
	return parseUser(fields)
}

func (r *RedisRepository) GetByEmail(ctx context.Context, email string) (*domain.User, error) {
	id, err := r.client.Get(ctx, r.emailKey(email)).Result()
	if errors.Is(err, redis.Nil) {
		return nil, domain.ErrUserNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get user by email: %w", err)
	}
	return r.GetByID(ctx, id)
}

func (r *RedisRepository) Delete(ctx context.Context, id string) error {
	user, err := r.GetByID(ctx, id)
	if err != nil {
		return err
	}

	keys := []string{r.userKey(id), r.emailKey(user.Email), r.balanceKey(id)}
	removed, err := deleteUserScript.Run(ctx, r.client, keys).Int()
	if err != nil {
		return fmt.Errorf("delete user: %w", err)
	}
	if removed == 0 {
		return domain.ErrUserNotFound
	}
	return nil
}

func (r *RedisRepository) GetBalance(ctx context.Context, userID string) (int64, error) {
	amount, err := r.client.Get(ctx, r.balanceKey(userID)).Int64()
	if errors.Is(err, redis.Nil) {
		return 0, domain.ErrUserNotFound
	}
	if err != nil {
		return 0, fmt.Errorf("get balance: %w", err)
	}
	return amount, nil
}

func (r *RedisRepository) TryDeduct(ctx context.Context, userID string, amount int64) (bool, error) {
	if err := checkAmount(amount); err != nil {
		return false, err
	}

	result, err := tryDeductScript.Run(ctx, r.client, []string{r.balanceKey(userID)}, amount).Int64()
	if err != nil {
		return false, fmt.Errorf("try deduct: %w", err)
	}
	if result < 0 {
		return false, domain.ErrUserNotFound
	}
	return result == 1, nil
}

func (r *RedisRepository) Deduct(ctx context.Context, userID string, amount int64) (int64, error) {
	if err := checkAmount(amount); err != nil {
		return 0, err
	}

	shortfall, err := deductScript.Run(ctx, r.client, []string{r.balanceKey(userID)}, amount).Int64()
	if err != nil {
		return 0, fmt.Errorf("deduct: %w", err)
	}
	if shortfall < 0 {
		return 0, domain.ErrUserNotFound
	}
	return shortfall, nil
}

func (r *RedisRepository) Credit(ctx context.Context, userID string, amount int64) error {
	if err := checkAmount(amount); err != nil {
		return err
	}
	return r.runBalanceScript(ctx, creditScript, userID, amount)
}

func (r *RedisRepository) ForceSetBalance(ctx context.Context, userID string, amount int64) error {
	if err := checkAmount(amount); err != nil {
		return err
	}
	return r.runBalanceScript(ctx, setBalanceScript, userID, amount)
}

func (r *RedisRepository) runBalanceScript(ctx context.Context, script *redis.Script, userID string, amount int64) error {
	result, err := script.Run(ctx, r.client, []string{r.balanceKey(userID)}, amount).Int64()
	if err != nil {
		return fmt.Errorf("update balance: %w", err)
	}
	if result < 0 {
		return domain.ErrUserNotFound
	}
	return nil
}

func parseUser(fields map[string]string) (*domain.User, error) {
	createdAt, err := strconv.ParseInt(fields["created_at"], 10, 64)
	if err != nil {
		return nil, fmt.Errorf("parse created_at: %w", err)
	}

	return &domain.User{
		ID:           fields["id"],
		Email:        fields["email"],
		Name:         fields["name"],
		PasswordHash: fields["password_hash"],
		IsSuperuser:  fields["is_superuser"] == "1",
		IsActive:     fields["is_active"] == "1",
		CreatedAt:    time.Unix(createdAt, 0).UTC(),
	}, nil
}

func formatBool(b bool) string {
	if b {
		return "1"
	}
	return "0"
}
