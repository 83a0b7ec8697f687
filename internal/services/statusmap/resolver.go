package statusmap

import (
	"context"
	"time"

	"github.com/BearBump/TrackSync/internal/logging"
	"github.com/BearBump/TrackSync/internal/models"
	"github.com/patrickmn/go-cache"
	"github.com/pkg/errors"
)

type Repository interface {
	ListStatusMappings(ctx context.Context, platform string) ([]models.StatusMapping, error)
}

const snapshotKey = "snapshot"

// Resolver maps a provider's raw status to the canonical one.
// Lookups are served from an in-memory snapshot and never touch the database.
type Resolver struct {
	repo     Repository
	platform string
	c        *cache.Cache
	log      *logging.Logger
}

// New loads the first snapshot and fails when it cannot.
func New(ctx context.Context, repo Repository, platform string, log *logging.Logger) (*Resolver, error) {
	if log == nil {
		log = logging.Default()
	}
	r := &Resolver{
		repo:     repo,
		platform: platform,
		c:        cache.New(cache.NoExpiration, 0),
		log:      log,
	}
	if err := r.Load(ctx); err != nil {
		return nil, err
	}
	return r, nil
}

// Load replaces the snapshot. On error the previous one stays in place.
func (r *Resolver) Load(ctx context.Context) error {
	rows, err := r.repo.ListStatusMappings(ctx, r.platform)
	if err != nil {
		return errors.Wrap(err, "load status mappings")
	}
	snap := make(map[string]models.Status, len(rows))
	for _, m := range rows {
		st, ok := models.ParseStatus(string(m.NormalizedStatus))
		if !ok {
			r.log.Warn("status mapping skipped: unknown normalized status",
				"platform", m.Platform, "raw_status", m.RawStatus, "normalized_status", string(m.NormalizedStatus))
			continue
		}
		snap[m.RawStatus] = st
	}
	r.c.Set(snapshotKey, snap, cache.NoExpiration)
	return nil
}

// Resolve is total: anything without a mapping is UNKNOWN.
func (r *Resolver) Resolve(raw string) models.Status {
	v, ok := r.c.Get(snapshotKey)
	if !ok {
		return models.StatusUnknown
	}
	if st, ok := v.(map[string]models.Status)[raw]; ok {
		return st
	}
	return models.StatusUnknown
}

func (r *Resolver) Len() int {
	v, ok := r.c.Get(snapshotKey)
	if !ok {
		return 0
	}
	return len(v.(map[string]models.Status))
}

// Run refreshes the snapshot until ctx is done.
func (r *Resolver) Run(ctx context.Context, every time.Duration) {
	if every <= 0 {
		return
	}
	t := time.NewTicker(every)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			if err := r.Load(ctx); err != nil {
				r.log.Warn("status mapping refresh failed, keeping previous snapshot", "error", err)
			}
		}
	}
}
