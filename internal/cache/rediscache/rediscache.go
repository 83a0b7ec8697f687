package rediscache

import (
	"context"
	"time"

	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"
)

func NewClient(addr, password string, db int) *redis.Client {
	return redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
}

// DeliveredSet remembers message ids that a channel sender already accepted.
type DeliveredSet struct {
	c      *redis.Client
	prefix string
}

func NewDeliveredSet(c *redis.Client, prefix string) *DeliveredSet {
	if prefix == "" {
		prefix = "notify:delivered:"
	}
	return &DeliveredSet{c: c, prefix: prefix}
}

func (d *DeliveredSet) IsDelivered(ctx context.Context, messageID string) (bool, error) {
	n, err := d.c.Exists(ctx, d.prefix+messageID).Result()
	if err != nil {
		return false, errors.Wrap(err, "redis exists")
	}
	return n > 0, nil
}

// MarkDelivered returns false when the id was already marked.
func (d *DeliveredSet) MarkDelivered(ctx context.Context, messageID string, ttl time.Duration) (bool, error) {
	ok, err := d.c.SetNX(ctx, d.prefix+messageID, time.Now().UTC().Format(time.RFC3339), ttl).Result()
	if err != nil {
		return false, errors.Wrap(err, "redis setnx")
	}
	return ok, nil
}

func (d *DeliveredSet) Ping(ctx context.Context) error {
	return errors.Wrap(d.c.Ping(ctx).Err(), "redis ping")
}
