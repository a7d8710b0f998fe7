package billing

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/redis/go-redis/v9"

	"github.com/atendebem/go-atende/internal/infrastructure/postgres"
)

// Sequencer hands out per-tenant counters. Next is a single atomic
// increment; callers never read then write.
type Sequencer interface {
	Next(ctx context.Context, tenantID, name string) (int64, error)
}

// PGSequencer keeps counters in tenant_sequences.
type PGSequencer struct {
	db postgres.TxStarter
}

func NewPGSequencer(db postgres.TxStarter) *PGSequencer {
	return &PGSequencer{db: db}
}

func (s *PGSequencer) Next(ctx context.Context, tenantID, name string) (int64, error) {
	var value int64
	err := postgres.InTenantTx(ctx, s.db, tenantID, func(tx pgx.Tx) error {
		return tx.QueryRow(ctx, `
			INSERT INTO tenant_sequences (tenant_id, name, value)
			VALUES ($1, $2, 1)
			ON CONFLICT (tenant_id, name) DO UPDATE SET value = tenant_sequences.value + 1
			RETURNING value`, tenantID, name,
		).Scan(&value)
	})
	if err != nil {
		return 0, fmt.Errorf("next %s sequence: %w", name, err)
	}
	return value, nil
}

// incrementer is the part of redis.Cmdable the sequencer needs.
type incrementer interface {
	Incr(ctx context.Context, key string) *redis.IntCmd
}

// RedisSequencer uses INCR on seq:{tenant}:{name}.
type RedisSequencer struct {
	client incrementer
}

func NewRedisSequencer(client redis.Cmdable) *RedisSequencer {
	return &RedisSequencer{client: client}
}

func (s *RedisSequencer) Next(ctx context.Context, tenantID, name string) (int64, error) {
	value, err := s.client.Incr(ctx, sequenceKey(tenantID, name)).Result()
	if err != nil {
		return 0, fmt.Errorf("next %s sequence: %w", name, err)
	}
	return value, nil
}

func sequenceKey(tenantID, name string) string {
	return "seq:" + tenantID + ":" + name
}
