package store

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/go-redis/redis/v8"
)

const balanceKeyPrefix = "gasstation:balance:"

// debitScript subtracts ARGV[1] only when the balance covers it. Lua numbers
// are doubles, so the check is done by DECRBY and rolled back with INCRBY
// instead of comparing in Lua. Balances are returned as strings read back
// with GET. It returns {1, new balance} on success and {0, current balance}
// otherwise.
var debitScript = redis.NewScript(`
if ARGV[1] == '0' then
  return {1, redis.call('GET', KEYS[1]) or '0'}
end
if redis.call('EXISTS', KEYS[1]) == 0 then
  return {0, '0'}
end
local left = redis.call('DECRBY', KEYS[1], ARGV[1])
if left < 0 then
  redis.call('INCRBY', KEYS[1], ARGV[1])
  return {0, redis.call('GET', KEYS[1])}
end
return {1, redis.call('GET', KEYS[1])}
`)

// RedisLedger keeps client balances in Redis. Debits run as one Lua script,
// so they are atomic per token.
type RedisLedger struct {
	client redis.UniversalClient
}

var _ LedgerStore = (*RedisLedger)(nil)

// NewRedisLedger creates a ledger on client.
func NewRedisLedger(client redis.UniversalClient) *RedisLedger {
	return &RedisLedger{client: client}
}

func balanceKey(token string) string {
	return balanceKeyPrefix + token
}

func (l *RedisLedger) Balance(ctx context.Context, token string) (int64, error) {
	v, err := l.client.Get(ctx, balanceKey(token)).Int64()
	if errors.Is(err, redis.Nil) {
		return 0, ErrNotFound
	}
	if err != nil {
		return 0, fmt.Errorf("get balance: %w", err)
	}
	return v, nil
}

func (l *RedisLedger) Debit(ctx context.Context, token string, amount int64) (int64, error) {
	if amount < 0 {
		return 0, ErrInvalidAmount
	}
	res, err := debitScript.Run(ctx, l.client, []string{balanceKey(token)}, amount).Slice()
	if err != nil {
		return 0, fmt.Errorf("debit balance: %w", err)
	}
	if len(res) != 2 {
		return 0, fmt.Errorf("debit balance: unexpected script reply %v", res)
	}
	ok, _ := res[0].(int64)
	raw, _ := res[1].(string)
	balance, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("debit balance: bad balance %q: %w", raw, err)
	}
	if ok != 1 {
		return balance, ErrInsufficientBalance
	}
	return balance, nil
}

func (l *RedisLedger) Credit(ctx context.Context, token string, amount int64) (int64, error) {
	if amount < 0 {
		return 0, ErrInvalidAmount
	}
	v, err := l.client.IncrBy(ctx, balanceKey(token), amount).Result()
	if err != nil && strings.Contains(err.Error(), "overflow") {
		return 0, ErrBalanceOverflow
	}
	if err != nil {
		return 0, fmt.Errorf("credit balance: %w", err)
	}
	return v, nil
}
