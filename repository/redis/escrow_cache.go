package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	redislib "github.com/redis/go-redis/v9"

	"github.com/fastygo/escrow/domain"
	"github.com/fastygo/escrow/repository"
)

type escrowCache struct {
	client *redislib.Client
	prefix string
	ttl    time.Duration
}

// NewEscrowCache creates a Redis-backed read-through cache for escrow snapshots.
func NewEscrowCache(client *redislib.Client, ttl time.Duration) repository.EscrowCache {
	if ttl <= 0 {
		ttl = time.Minute
	}
	return &escrowCache{
		client: client,
		prefix: "escrow:",
		ttl:    ttl,
	}
}

func (c *escrowCache) Get(ctx context.Context, id string) (*domain.Escrow, error) {
	result, err := c.client.Get(ctx, c.key(id)).Bytes()
	if err != nil {
		if errors.Is(err, redislib.Nil) {
			return nil, domain.ErrEscrowNotFound
		}
		return nil, err
	}

	var escrow domain.Escrow
	if err := json.Unmarshal(result, &escrow); err != nil {
		return nil, err
	}
	return &escrow, nil
}

func (c *escrowCache) Set(ctx context.Context, escrow *domain.Escrow, ttl time.Duration) error {
	if escrow == nil || escrow.ID == "" {
		return domain.ErrInvalidPayload
	}
	if ttl <= 0 {
		ttl = c.ttl
	}

	payload, err := json.Marshal(escrow)
	if err != nil {
		return err
	}
	return c.client.Set(ctx, c.key(escrow.ID), payload, ttl).Err()
}

func (c *escrowCache) Invalidate(ctx context.Context, id string) error {
	return c.client.Del(ctx, c.key(id)).Err()
}

func (c *escrowCache) key(id string) string {
	return fmt.Sprintf("%s%s", c.prefix, id)
}
