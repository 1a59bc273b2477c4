package txn

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"time"

	mapset "github.com/deckarep/golang-set/v2"
	"github.com/oklog/ulid/v2"

	"github.com/gigapi/gigapi-lakehouse/core"
	"github.com/gigapi/gigapi-lakehouse/datafile"
	"github.com/gigapi/gigapi-lakehouse/deltalog"
	"github.com/gigapi/gigapi-lakehouse/snapshot"
)

// ErrInvalidState is returned when a transaction is driven out of order.
var ErrInvalidState = errors.New("invalid transaction state")

type State int

const (
	StateStarted State = iota
	StateStaged
	StateCommitted
	StateAborted
)

func (s State) String() string {
	switch s {
	case StateStarted:
		return "started"
	case StateStaged:
		return "staged"
	case StateCommitted:
		return "committed"
	case StateAborted:
		return "aborted"
	}
	return fmt.Sprintf("state(%d)", int(s))
}

// ConcurrentModificationError aborts a transaction that a concurrent commit
// invalidated, or that ran out of retries.
type ConcurrentModificationError struct {
	ReadVersion     int64
	ConflictVersion int64
	Winner          *deltalog.LogRecord
	Reason          string
}

func (e *ConcurrentModificationError) Error() string {
	return fmt.Sprintf("concurrent modification: %s (read version %d, conflicting version %d)",
		e.Reason, e.ReadVersion, e.ConflictVersion)
}

func (e *ConcurrentModificationError) Unwrap() error {
	return deltalog.ErrConcurrentModification
}

// Operation describes what a transaction does, for the commit info.
type Operation struct {
	Name       string
	Parameters map[string]string
	Metrics    map[string]int64
	// Sources are COPY INTO inputs recorded as loaded by this commit.
	Sources []string
}

// Transaction is one optimistic change to a table, anchored on a snapshot.
type Transaction struct {
	c           *Coordinator
	id          string
	state       State
	snap        *snapshot.Snapshot
	readVersion int64

	readAll        bool
	readFiles      mapset.Set[string]
	readPartitions []map[string]string

	op       Operation
	actions  []deltalog.Action
	removes  mapset.Set[string]
	record   *deltalog.LogRecord
	attempts int
}

func newTransaction(c *Coordinator, snap *snapshot.Snapshot) *Transaction {
	return &Transaction{
		c:           c,
		id:          ulid.Make().String(),
		state:       StateStarted,
		snap:        snap,
		readVersion: snap.Version(),
		readFiles:   mapset.NewThreadUnsafeSet[string](),
		removes:     mapset.NewThreadUnsafeSet[string](),
	}
}

func (t *Transaction) ID() string {
	return t.id
}

func (t *Transaction) State() State {
	return t.state
}

// Snapshot is the view the transaction reads. It moves forward when a
// commit attempt is reconciled with concurrent winners.
func (t *Transaction) Snapshot() *snapshot.Snapshot {
	return t.snap
}

func (t *Transaction) ReadVersion() int64 {
	return t.readVersion
}

// Record is the committed log record, nil before a successful commit.
func (t *Transaction) Record() *deltalog.LogRecord {
	return t.record
}

// Attempts is the number of appends tried by Commit.
func (t *Transaction) Attempts() int {
	return t.attempts
}

// ReadFiles declares files whose rows the transaction depends on.
func (t *Transaction) ReadFiles(paths ...string) {
	for _, p := range paths {
		t.readFiles.Add(p)
	}
}

// ReadPartitions declares a dependency on every row of the matching
// partition, including rows appended concurrently.
func (t *Transaction) ReadPartitions(filter map[string]string) {
	t.readPartitions = append(t.readPartitions, filter)
}

func (t *Transaction) ReadWholeTable() {
	t.readAll = true
}

// blindAppend holds when the commit only adds files and depends on no rows.
func (t *Transaction) blindAppend() bool {
	return !t.readAll && len(t.readPartitions) == 0 && t.readFiles.Cardinality() == 0 &&
		t.removes.Cardinality() == 0 && !t.changesTable()
}

func (t *Transaction) changesTable() bool {
	for _, a := range t.actions {
		if a.Schema != nil || a.Metadata != nil {
			return true
		}
	}
	return false
}

// Stage validates the change against the transaction snapshot.
func (t *Transaction) Stage(op Operation, actions ...deltalog.Action) error {
	if t.state != StateStarted {
		return fmt.Errorf("%w: cannot stage a %s transaction", ErrInvalidState, t.state)
	}
	if op.Name == "" {
		return fmt.Errorf("operation name is required")
	}
	if err := validate(t.snap, actions); err != nil {
		return err
	}
	t.op = op
	t.actions = actions
	for _, a := range actions {
		if a.Remove != nil {
			t.removes.Add(a.Remove.Path)
			t.readFiles.Add(a.Remove.Path)
		}
	}
	t.state = StateStaged
	return nil
}

func validate(snap *snapshot.Snapshot, actions []deltalog.Action) error {
	partCols := snap.PartitionColumns()
	schema := snap.Schema()
	for _, a := range actions {
		if a.Metadata != nil {
			partCols = a.Metadata.PartitionColumns
		}
		if a.Schema != nil {
			if err := a.Schema.Validate(); err != nil {
				return fmt.Errorf("invalid schema: %w", err)
			}
			if snap.Version() >= 0 && len(snap.Schema().Fields) > 0 {
				if err := snap.Schema().CanEvolveTo(*a.Schema); err != nil {
					return fmt.Errorf("incompatible schema change: %w", err)
				}
			}
			schema = *a.Schema
		}
	}
	for _, pc := range partCols {
		if _, ok := schema.Field(pc); !ok && len(schema.Fields) > 0 {
			return fmt.Errorf("partition column %q is not in the schema", pc)
		}
	}

	added := make(map[string]bool)
	removed := make(map[string]bool)
	for i, a := range actions {
		switch a.Kind() {
		case deltalog.ActionAdd:
			if a.Add.Path == "" {
				return fmt.Errorf("action %d adds a file without a path", i)
			}
			if added[a.Add.Path] || snap.IsLive(a.Add.Path) {
				return fmt.Errorf("file %s is already part of the table", a.Add.Path)
			}
			added[a.Add.Path] = true
			if len(a.Add.PartitionValues) != len(partCols) {
				return fmt.Errorf("file %s has partition values %v, table is partitioned by %v",
					a.Add.Path, a.Add.PartitionValues, partCols)
			}
			for _, pc := range partCols {
				if _, ok := a.Add.PartitionValues[pc]; !ok {
					return fmt.Errorf("file %s lacks partition value %q", a.Add.Path, pc)
				}
			}
		case deltalog.ActionRemove:
			if removed[a.Remove.Path] {
				return fmt.Errorf("file %s is removed twice", a.Remove.Path)
			}
			removed[a.Remove.Path] = true
			if !snap.IsLive(a.Remove.Path) {
				return fmt.Errorf("%w: file %s is not live at version %d", deltalog.ErrNotFound, a.Remove.Path, snap.Version())
			}
		case deltalog.ActionSchema, deltalog.ActionMetadata:
		default:
			return fmt.Errorf("action %d sets no or several kinds", i)
		}
	}
	return nil
}

// Commit appends the staged change. Lost races are reconciled against the
// winning records and retried; a winner that invalidates the change aborts
// the transaction with *ConcurrentModificationError.
func (t *Transaction) Commit(ctx context.Context) (int64, error) {
	if t.state != StateStaged {
		return -1, fmt.Errorf("%w: cannot commit a %s transaction", ErrInvalidState, t.state)
	}
	rec := &deltalog.LogRecord{
		Operation:           t.op.Name,
		OperationParameters: t.op.Parameters,
		OperationMetrics:    t.op.Metrics,
		ReadVersion:         t.readVersion,
		IsBlindAppend:       t.blindAppend(),
		Sources:             t.op.Sources,
		Actions:             t.actions,
	}
	opts := t.c.opts
	expected := t.snap.Version()
	for {
		if err := ctx.Err(); err != nil {
			t.abort(ctx)
			return -1, err
		}
		t.attempts++
		rec.Timestamp = 0
		rec.AttemptID = ulid.Make().String()
		v, err := t.c.store.Append(ctx, rec, expected)
		if err == nil {
			t.state = StateCommitted
			t.record = rec
			commitCounter.Add(ctx, 1, opAttr(t.op.Name))
			core.Debugf(ctx, "txn %s committed %s at version %d after %d attempt(s)", t.id, t.op.Name, v, t.attempts)
			t.c.committed(ctx, rec)
			return v, nil
		}
		var conflict *deltalog.ConflictError
		if !errors.As(err, &conflict) {
			t.abort(ctx)
			return -1, err
		}
		conflictCounter.Add(ctx, 1, opAttr(t.op.Name))
		if t.attempts > opts.MaxRetries {
			t.abort(ctx)
			return -1, &ConcurrentModificationError{
				ReadVersion:     t.readVersion,
				ConflictVersion: conflict.Actual,
				Winner:          conflict.Winner,
				Reason:          fmt.Sprintf("gave up after %d attempts", t.attempts),
			}
		}
		if err := t.reconcile(ctx, expected, conflict.Actual); err != nil {
			t.abort(ctx)
			return -1, err
		}
		expected = t.snap.Version()
		retryCounter.Add(ctx, 1, opAttr(t.op.Name))
		core.Debugf(ctx, "txn %s lost version %d, retrying at %d", t.id, conflict.Expected+1, expected+1)
		if err := sleep(ctx, opts.backoff(t.attempts)); err != nil {
			t.abort(ctx)
			return -1, err
		}
	}
}

// reconcile checks the winners in (from, to] against this transaction and
// moves its snapshot to to.
func (t *Transaction) reconcile(ctx context.Context, from, to int64) error {
	it := t.c.store.Read(ctx, from+1, to)
	defer func() { _ = it.Close() }()
	for it.Next() {
		if err := t.checkWinner(it.Record()); err != nil {
			return err
		}
	}
	if err := it.Err(); err != nil {
		return err
	}
	next, err := t.c.builder.Advance(ctx, t.snap, to)
	if err != nil {
		return err
	}
	if err := validate(next, t.actions); err != nil {
		return &ConcurrentModificationError{
			ReadVersion:     t.readVersion,
			ConflictVersion: to,
			Reason:          err.Error(),
		}
	}
	t.snap = next
	return nil
}

func (t *Transaction) checkWinner(w *deltalog.LogRecord) error {
	conflict := func(reason string) error {
		return &ConcurrentModificationError{
			ReadVersion:     t.readVersion,
			ConflictVersion: w.Version,
			Winner:          w,
			Reason:          reason,
		}
	}
	if w.ChangesTable() {
		return conflict("table metadata or schema changed")
	}
	for _, r := range w.Removes() {
		if t.readFiles.Contains(r.Path) || t.removes.Contains(r.Path) {
			return conflict(fmt.Sprintf("file %s was removed concurrently", r.Path))
		}
	}
	if len(t.op.Sources) > 0 && len(w.Sources) > 0 {
		mine := mapset.NewThreadUnsafeSet(t.op.Sources...)
		if theirs := mapset.NewThreadUnsafeSet(w.Sources...); mine.Intersect(theirs).Cardinality() > 0 {
			return conflict("source files were loaded concurrently")
		}
	}
	if t.blindAppend() {
		return nil
	}
	for _, add := range w.Adds() {
		if t.readAll {
			return conflict(fmt.Sprintf("file %s was appended concurrently", add.Path))
		}
		for _, filter := range t.readPartitions {
			if partitionMatches(filter, add.PartitionValues) {
				return conflict(fmt.Sprintf("file %s was appended to a partition read by this transaction", add.Path))
			}
		}
	}
	return nil
}

func partitionMatches(filter, values map[string]string) bool {
	for k, v := range filter {
		if values[k] != v {
			return false
		}
	}
	return true
}

// Abort ends a transaction that has not committed.
func (t *Transaction) Abort() {
	if t.state == StateCommitted || t.state == StateAborted {
		return
	}
	t.abort(context.Background())
}

func (t *Transaction) abort(ctx context.Context) {
	t.state = StateAborted
	abortCounter.Add(ctx, 1, opAttr(t.op.Name))
}

// Adds returns the files the staged change adds.
func (t *Transaction) Adds() []datafile.DataFile {
	var out []datafile.DataFile
	for _, a := range t.actions {
		if a.Add != nil {
			out = append(out, *a.Add)
		}
	}
	return out
}

func (o Options) backoff(attempt int) time.Duration {
	d := o.BaseBackoff
	for i := 1; i < attempt && d < o.MaxBackoff; i++ {
		d *= 2
	}
	if d > o.MaxBackoff {
		d = o.MaxBackoff
	}
	if d <= 0 {
		return 0
	}
	half := d / 2
	return half + time.Duration(rand.Int64N(int64(half)+1))
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
