package snapshot

import (
	"context"
	"fmt"
	"time"

	"github.com/jellydator/ttlcache/v3"

	"github.com/gigapi/gigapi-lakehouse/core"
	"github.com/gigapi/gigapi-lakehouse/deltalog"
)

const (
	defaultCacheTTL      = 5 * time.Minute
	defaultCacheCapacity = 64
)

type Option func(*builderOptions)

type builderOptions struct {
	ttl      time.Duration
	capacity uint64
}

func WithCacheTTL(ttl time.Duration) Option {
	return func(o *builderOptions) {
		if ttl > 0 {
			o.ttl = ttl
		}
	}
}

func WithCacheCapacity(n int) Option {
	return func(o *builderOptions) {
		if n > 0 {
			o.capacity = uint64(n)
		}
	}
}

// Builder materializes snapshots by folding the log of one table.
type Builder struct {
	store deltalog.Store
	cache *ttlcache.Cache[int64, *Snapshot]
}

func NewBuilder(store deltalog.Store, opts ...Option) *Builder {
	o := builderOptions{ttl: defaultCacheTTL, capacity: defaultCacheCapacity}
	for _, opt := range opts {
		opt(&o)
	}
	return &Builder{
		store: store,
		cache: ttlcache.New[int64, *Snapshot](
			ttlcache.WithTTL[int64, *Snapshot](o.ttl),
			ttlcache.WithCapacity[int64, *Snapshot](o.capacity),
			ttlcache.WithDisableTouchOnHit[int64, *Snapshot](),
		),
	}
}

// Build returns the snapshot at version upTo, or at the latest version when
// upTo is negative. An empty log or a version past the end is ErrNotFound.
func (b *Builder) Build(ctx context.Context, upTo int64) (*Snapshot, error) {
	latest, err := b.store.Latest(ctx)
	if err != nil {
		return nil, err
	}
	if latest < 0 {
		return nil, fmt.Errorf("%w: table has no commits", deltalog.ErrNotFound)
	}
	if upTo < 0 {
		upTo = latest
	}
	if upTo > latest {
		return nil, fmt.Errorf("%w: version %d (latest is %d)", deltalog.ErrNotFound, upTo, latest)
	}
	if item := b.cache.Get(upTo); item != nil {
		return item.Value(), nil
	}

	var base *Snapshot
	if cp, ok := b.store.(deltalog.Checkpointer); ok {
		c, err := cp.LatestCheckpoint(ctx, upTo)
		if err != nil {
			core.Warnf(ctx, "ignoring checkpoints: %v", err)
		} else if c != nil {
			base = fromCheckpoint(c)
		}
	}
	return b.fold(ctx, base, upTo)
}

// Advance folds the versions after base up to upTo (latest when negative).
func (b *Builder) Advance(ctx context.Context, base *Snapshot, upTo int64) (*Snapshot, error) {
	if base == nil {
		return b.Build(ctx, upTo)
	}
	if upTo < 0 {
		latest, err := b.store.Latest(ctx)
		if err != nil {
			return nil, err
		}
		upTo = latest
	}
	switch {
	case upTo == base.version:
		return base, nil
	case upTo < base.version:
		return b.Build(ctx, upTo)
	}
	if item := b.cache.Get(upTo); item != nil {
		return item.Value(), nil
	}
	return b.fold(ctx, base, upTo)
}

func (b *Builder) fold(ctx context.Context, base *Snapshot, upTo int64) (*Snapshot, error) {
	var snap *Snapshot
	if base == nil {
		snap = empty()
	} else {
		snap = base.clone()
	}
	if snap.version < upTo {
		it := b.store.Read(ctx, snap.version+1, upTo)
		defer func() { _ = it.Close() }()
		for it.Next() {
			if err := snap.apply(it.Record()); err != nil {
				return nil, err
			}
		}
		if err := it.Err(); err != nil {
			return nil, err
		}
	}
	if snap.version != upTo {
		return nil, &deltalog.InvalidLogError{Version: upTo, Reason: "log ended early"}
	}
	if snap.metadata == nil || snap.schema == nil {
		return nil, &deltalog.InvalidLogError{Version: upTo, Reason: "table has no metadata or schema"}
	}
	b.cache.Set(upTo, snap, ttlcache.DefaultTTL)
	return snap, nil
}

// Invalidate drops cached snapshots.
func (b *Builder) Invalidate() {
	b.cache.DeleteAll()
}
