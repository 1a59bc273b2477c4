package deltalog

import (
	"context"
	"errors"
	"fmt"
)

type recordSource interface {
	Get(ctx context.Context, version int64) (*LogRecord, error)
	Latest(ctx context.Context) (int64, error)
}

// Iterator walks committed versions lazily. It only ever decodes published
// commit files, so it never waits on writers.
type Iterator struct {
	ctx    context.Context
	src    recordSource
	from   int64
	to     int64
	next   int64
	cur    *LogRecord
	err    error
	closed bool
}

// NewIterator reads versions from..to of src; to < 0 stops at the last
// version present when the iterator gets there.
func NewIterator(ctx context.Context, src recordSource, from, to int64) *Iterator {
	if from < 0 {
		from = 0
	}
	return &Iterator{ctx: ctx, src: src, from: from, to: to, next: from}
}

// Next advances to the next version. It stops at the end of the log or at
// the first error, which Err returns.
func (it *Iterator) Next() bool {
	if it.err != nil || it.closed {
		return false
	}
	if it.to >= 0 && it.next > it.to {
		return false
	}
	rec, err := it.src.Get(it.ctx, it.next)
	if errors.Is(err, ErrNotFound) {
		it.err = it.missing()
		return false
	}
	if err != nil {
		it.err = err
		return false
	}
	it.cur = rec
	it.next++
	return true
}

// missing decides whether a missing version is the end of the log or a hole.
func (it *Iterator) missing() error {
	latest, err := it.src.Latest(it.ctx)
	if err != nil {
		return err
	}
	if latest >= it.next {
		return &InvalidLogError{Version: it.next, Reason: "missing commit file"}
	}
	if it.to >= 0 {
		return fmt.Errorf("%w: version %d (latest is %d)", ErrNotFound, it.next, latest)
	}
	return nil
}

func (it *Iterator) Record() *LogRecord {
	return it.cur
}

// Err is nil when the iteration reached the end of the log.
func (it *Iterator) Err() error {
	return it.err
}

// Reset restarts the iteration at version from.
func (it *Iterator) Reset(from int64) {
	if from < 0 {
		from = 0
	}
	it.from, it.next, it.cur, it.err, it.closed = from, from, nil, nil, false
}

func (it *Iterator) Close() error {
	it.closed = true
	return nil
}
