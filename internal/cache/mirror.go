// Package cache mirrors account balances into Redis.
//
// PostgreSQL stays the source of truth for every balance; Redis only holds
// a read-through copy so dashboard and polling traffic never touches the
// primary. The mirror can be stale, but only briefly: every committed
// ledger mutation pushes the new balance through a hook, and a periodic
// resync walks all accounts to correct anything missed (manual DB
// adjustments, Redis evictions, a dropped write).
//
// Nothing reads the mirror to make a correctness decision. If Redis
// disagrees with PostgreSQL, PostgreSQL wins and the resync fixes Redis.
package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/rs/zerolog"

	"github.com/mockforge/engine/internal/ledger"
)

func balanceKey(accountID string) string {
	return fmt.Sprintf("account:balance:%s", accountID)
}

// Mirror keeps Redis in step with the ledger store.
type Mirror struct {
	redis  *redis.Client
	store  ledger.Store
	log    zerolog.Logger
	stopCh chan struct{}
}

// NewMirror creates a Mirror. Attach it to a ledger with
// ledger.OnBalanceChange(m.Push).
func NewMirror(rdb *redis.Client, store ledger.Store, logger zerolog.Logger) *Mirror {
	return &Mirror{
		redis:  rdb,
		store:  store,
		log:    logger.With().Str("component", "balance_mirror").Logger(),
		stopCh: make(chan struct{}),
	}
}

// Push writes one balance to Redis. Registered as a ledger hook; runs on
// the mutation path, so failures are logged and swallowed rather than
// failing the mutation.
func (m *Mirror) Push(accountID string, b ledger.Balance) {
	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()

	payload, err := json.Marshal(b)
	if err != nil {
		m.log.Error().Err(err).Str("account_id", accountID).Msg("marshal balance failed")
		return
	}

	if err := m.redis.Set(ctx, balanceKey(accountID), payload, 0).Err(); err != nil {
		m.log.Warn().Err(err).Str("account_id", accountID).Msg("balance push failed, resync will correct")
	}
}

// Get reads a mirrored balance. Returns false when the account is not in
// Redis; callers fall back to the store.
func (m *Mirror) Get(ctx context.Context, accountID string) (ledger.Balance, bool) {
	raw, err := m.redis.Get(ctx, balanceKey(accountID)).Bytes()
	if err == redis.Nil {
		return ledger.Balance{}, false
	}
	if err != nil {
		m.log.Warn().Err(err).Str("account_id", accountID).Msg("balance read failed")
		return ledger.Balance{}, false
	}

	var b ledger.Balance
	if err := json.Unmarshal(raw, &b); err != nil {
		m.log.Warn().Err(err).Str("account_id", accountID).Msg("corrupt mirrored balance")
		return ledger.Balance{}, false
	}
	return b, true
}

// Warm performs a full resync of every account's balance into Redis.
// Called at startup before the server accepts traffic, and periodically
// after that.
//
// Uses a pipeline in batches so warming tens of thousands of accounts
// stays a sub-second operation.
func (m *Mirror) Warm(ctx context.Context) error {
	start := time.Now()

	ids, err := m.store.ListAccountIDs(ctx)
	if err != nil {
		return fmt.Errorf("list accounts: %w", err)
	}

	pipe := m.redis.Pipeline()
	count := 0
	for _, id := range ids {
		acct, err := m.store.GetAccount(ctx, id)
		if err != nil {
			m.log.Error().Err(err).Str("account_id", id).Msg("skipping account during warm")
			continue
		}

		payload, err := json.Marshal(acct.Balance)
		if err != nil {
			continue
		}
		pipe.Set(ctx, balanceKey(id), payload, 0)
		count++

		if count%1000 == 0 {
			if _, err := pipe.Exec(ctx); err != nil {
				return fmt.Errorf("pipeline exec failed at %d: %w", count, err)
			}
			pipe = m.redis.Pipeline()
		}
	}

	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("final pipeline exec failed: %w", err)
	}

	m.log.Info().
		Int("account_count", count).
		Dur("duration", time.Since(start)).
		Msg("balance mirror warmed")
	return nil
}

// StartPeriodicResync corrects drift on an interval. Default 5 minutes.
func (m *Mirror) StartPeriodicResync(interval time.Duration) {
	if interval == 0 {
		interval = 5 * time.Minute
	}

	m.log.Info().Dur("interval", interval).Msg("starting periodic balance resync")
	ticker := time.NewTicker(interval)

	go func() {
		for {
			select {
			case <-ticker.C:
				ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
				if err := m.Warm(ctx); err != nil {
					m.log.Error().Err(err).Msg("periodic resync failed")
				}
				cancel()

			case <-m.stopCh:
				ticker.Stop()
				m.log.Info().Msg("periodic resync stopped")
				return
			}
		}
	}()
}

// Stop halts the periodic resync goroutine.
func (m *Mirror) Stop() {
	close(m.stopCh)
}
