package table

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/spf13/afero"

	"github.com/gigapi/gigapi-lakehouse/core"
)

const dataDirName = "data"

// DefaultRetention protects removed files from VACUUM for a week.
const DefaultRetention = 7 * 24 * time.Hour

// ErrRetentionTooShort is returned by a VACUUM that would delete files
// younger than Options.MinVacuumRetention, such as files a running writer
// has not committed yet.
var ErrRetentionTooShort = errors.New("vacuum retention is shorter than the minimum")

type VacuumResult struct {
	Files  []string
	Bytes  int64
	DryRun bool
}

// Vacuum deletes data files no snapshot newer than the retention window can
// reference: files removed before the window, and files under data/ that were
// never committed and are older than the window. Only a dry run may use a
// retention below Options.MinVacuumRetention.
func (t *Table) Vacuum(ctx context.Context, retention time.Duration, dryRun bool) (*VacuumResult, error) {
	if err := t.writable(); err != nil {
		return nil, err
	}
	if !dryRun && retention < t.opts.MinVacuumRetention {
		return nil, fmt.Errorf("%w: %s < %s", ErrRetentionTooShort, retention, t.opts.MinVacuumRetention)
	}
	snap, err := t.Snapshot(ctx)
	if err != nil {
		return nil, err
	}
	cutoff := time.Now().Add(-retention)
	candidates := make(map[string]int64)
	tombstoned := make(map[string]bool)
	for _, r := range snap.Tombstones() {
		tombstoned[r.Path] = true
		if !snap.IsLive(r.Path) && time.UnixMilli(r.DeletionTimestamp).Before(cutoff) {
			candidates[r.Path] = r.Size
		}
	}

	dataDir := filepath.Join(t.location, dataDirName)
	err = afero.Walk(t.fs, dataDir, func(p string, info fs.FileInfo, err error) error {
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return nil
			}
			return err
		}
		if info.IsDir() || !strings.HasSuffix(info.Name(), ".parquet") {
			return nil
		}
		rel, err := filepath.Rel(t.location, p)
		if err != nil {
			return err
		}
		rel = filepath.ToSlash(rel)
		if snap.IsLive(rel) || tombstoned[rel] {
			return nil
		}
		if info.ModTime().Before(cutoff) {
			candidates[rel] = info.Size()
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list data files: %w", err)
	}

	res := &VacuumResult{DryRun: dryRun}
	for p, size := range candidates {
		res.Files = append(res.Files, p)
		res.Bytes += size
	}
	sort.Strings(res.Files)
	if dryRun {
		return res, nil
	}

	var result *multierror.Error
	for _, p := range res.Files {
		if err := ctx.Err(); err != nil {
			result = multierror.Append(result, err)
			break
		}
		if err := t.fs.Remove(filepath.Join(t.location, filepath.FromSlash(p))); err != nil && !errors.Is(err, fs.ErrNotExist) {
			result = multierror.Append(result, fmt.Errorf("failed to delete %s: %w", p, err))
		}
	}
	core.Infof(ctx, "vacuum of %s deleted %d file(s), %d bytes", t.location, len(res.Files), res.Bytes)
	return res, result.ErrorOrNil()
}
