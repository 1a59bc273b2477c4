package txn

import (
	"context"
	"time"

	"github.com/gigapi/gigapi-lakehouse/deltalog"
	"github.com/gigapi/gigapi-lakehouse/snapshot"
)

type Options struct {
	MaxRetries  int
	BaseBackoff time.Duration
	MaxBackoff  time.Duration
}

func DefaultOptions() Options {
	return Options{
		MaxRetries:  10,
		BaseBackoff: 10 * time.Millisecond,
		MaxBackoff:  time.Second,
	}
}

// CommitHook runs after every successful commit.
type CommitHook func(ctx context.Context, rec *deltalog.LogRecord)

// Coordinator commits transactions against one table log.
type Coordinator struct {
	store   deltalog.Store
	builder *snapshot.Builder
	opts    Options
	hooks   []CommitHook
}

func NewCoordinator(store deltalog.Store, builder *snapshot.Builder, opts Options) *Coordinator {
	if opts.MaxRetries < 0 {
		opts.MaxRetries = 0
	}
	if opts.MaxBackoff < opts.BaseBackoff {
		opts.MaxBackoff = opts.BaseBackoff
	}
	return &Coordinator{store: store, builder: builder, opts: opts}
}

func (c *Coordinator) OnCommit(h CommitHook) {
	c.hooks = append(c.hooks, h)
}

// Begin starts a transaction on the latest snapshot.
func (c *Coordinator) Begin(ctx context.Context) (*Transaction, error) {
	snap, err := c.builder.Build(ctx, -1)
	if err != nil {
		return nil, err
	}
	return newTransaction(c, snap), nil
}

// BeginAt starts a transaction reading an existing snapshot.
func (c *Coordinator) BeginAt(snap *snapshot.Snapshot) *Transaction {
	return newTransaction(c, snap)
}

// BeginCreate starts the transaction that writes version 0 of a new table.
func (c *Coordinator) BeginCreate() *Transaction {
	return newTransaction(c, snapshot.Empty())
}

func (c *Coordinator) committed(ctx context.Context, rec *deltalog.LogRecord) {
	for _, h := range c.hooks {
		h(ctx, rec)
	}
}
