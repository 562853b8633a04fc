package retention

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"mercator-hq/ledger/pkg/ledger"
	"mercator-hq/ledger/pkg/ledger/storage"
)

// DefaultArchiveBatch is the page size used when reading events to archive.
const DefaultArchiveBatch = 1000

// Config contains configuration for the audit pruner.
type Config struct {
	// RetentionDays is the number of days to keep audit events.
	// 0 keeps events forever; Prune is then a no-op.
	RetentionDays int

	// PruneSchedule is a cron expression for scheduled pruning.
	// Example: "0 3 * * *" (daily at 3 AM). Empty disables the scheduler.
	PruneSchedule string

	// ArchivePath is the directory archived events are written to before
	// deletion. Empty deletes without archiving.
	ArchivePath string

	// ArchiveBatch is the page size for reading events to archive.
	// Default: 1000
	ArchiveBatch int
}

// Result describes one pruning pass.
type Result struct {
	Cutoff      time.Time `json:"cutoff"`
	Archived    int       `json:"archived"`
	ArchiveFile string    `json:"archive_file,omitempty"`
	Deleted     int64     `json:"deleted"`
}

// Pruner enforces the audit retention period.
type Pruner struct {
	store     storage.Store
	config    Config
	logger    *slog.Logger
	scheduler *Scheduler
	now       func() time.Time
}

// NewPruner creates a pruner over store.
func NewPruner(store storage.Store, cfg Config) *Pruner {
	if cfg.ArchiveBatch <= 0 {
		cfg.ArchiveBatch = DefaultArchiveBatch
	}
	p := &Pruner{
		store:  store,
		config: cfg,
		logger: slog.Default().With("component", "ledger.retention"),
		now:    time.Now,
	}
	p.scheduler = NewScheduler(p)
	return p
}

// Prune deletes audit events older than the retention period.
func (p *Pruner) Prune(ctx context.Context) (Result, error) {
	if p.config.RetentionDays <= 0 {
		p.logger.Debug("audit retention disabled")
		return Result{}, nil
	}
	return p.PruneBefore(ctx, p.now().AddDate(0, 0, -p.config.RetentionDays))
}

// PruneBefore archives (when configured) and deletes audit events created
// before cutoff.
func (p *Pruner) PruneBefore(ctx context.Context, cutoff time.Time) (Result, error) {
	result := Result{Cutoff: cutoff.UTC()}

	if p.config.ArchivePath != "" {
		file, n, err := p.archive(ctx, cutoff)
		if err != nil {
			return result, fmt.Errorf("archive failed: %w", err)
		}
		result.ArchiveFile, result.Archived = file, n
	}

	deleted, err := p.store.PruneAudit(ctx, cutoff)
	if err != nil {
		return result, fmt.Errorf("prune failed: %w", err)
	}
	result.Deleted = deleted

	if deleted > 0 {
		p.logger.Info("audit events pruned",
			"cutoff", result.Cutoff,
			"deleted_count", deleted,
			"archived_count", result.Archived,
			"archive_file", result.ArchiveFile,
		)
	} else {
		p.logger.Debug("no audit events pruned", "cutoff", result.Cutoff)
	}
	return result, nil
}

// archive writes every event created before cutoff to a new JSON lines file,
// newest first. It returns the file name and event count; no file is left
// behind when there is nothing to archive.
func (p *Pruner) archive(ctx context.Context, cutoff time.Time) (string, int, error) {
	if err := os.MkdirAll(p.config.ArchivePath, 0o750); err != nil {
		return "", 0, fmt.Errorf("failed to create archive directory: %w", err)
	}
	name := filepath.Join(p.config.ArchivePath,
		fmt.Sprintf("audit-%s-%s.jsonl", cutoff.UTC().Format("20060102"), p.now().UTC().Format("20060102T150405")))

	f, err := os.OpenFile(name, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o640)
	if err != nil {
		return "", 0, fmt.Errorf("failed to create archive file: %w", err)
	}
	w := bufio.NewWriter(f)

	n, err := p.writeEvents(ctx, cutoff, json.NewEncoder(w))
	if err == nil {
		err = w.Flush()
	}
	if err == nil {
		err = f.Sync()
	}
	if closeErr := f.Close(); err == nil {
		err = closeErr
	}
	if err != nil || n == 0 {
		_ = os.Remove(name)
		return "", 0, err
	}
	return name, n, nil
}

// writeEvents pages backwards from cutoff. A page may end partway through a
// run of events sharing one timestamp, so the oldest timestamp of each full
// page is re-read on its own before paging past it.
func (p *Pruner) writeEvents(ctx context.Context, cutoff time.Time, enc *json.Encoder) (int, error) {
	written := 0
	write := func(events []ledger.AuditEvent) error {
		for _, e := range events {
			if err := enc.Encode(e); err != nil {
				return err
			}
			written++
		}
		return nil
	}

	until := cutoff
	for {
		if err := ctx.Err(); err != nil {
			return written, err
		}
		page, err := p.store.ListAudit(ctx, storage.AuditQuery{Until: until, Limit: p.config.ArchiveBatch})
		if err != nil {
			return written, err
		}
		if len(page) < p.config.ArchiveBatch {
			err := write(page)
			return written, err
		}

		last := page[len(page)-1].CreatedAt
		newer := page
		for len(newer) > 0 && newer[len(newer)-1].CreatedAt.Equal(last) {
			newer = newer[:len(newer)-1]
		}
		if err := write(newer); err != nil {
			return written, err
		}

		ties, err := p.store.ListAudit(ctx, storage.AuditQuery{
			Since: last,
			Until: last.Add(time.Nanosecond),
			Limit: p.config.ArchiveBatch + 1,
		})
		if err != nil {
			return written, err
		}
		if len(ties) > p.config.ArchiveBatch {
			return written, errors.New("more audit events share one timestamp than fit in an archive batch")
		}
		if err := write(ties); err != nil {
			return written, err
		}
		until = last
	}
}

// Start starts the pruning scheduler.
func (p *Pruner) Start(ctx context.Context) error {
	return p.scheduler.Start(ctx)
}

// Stop stops the pruning scheduler.
func (p *Pruner) Stop() {
	p.scheduler.Stop()
}

// NextPruning returns the time of the next scheduled pruning.
func (p *Pruner) NextPruning() *time.Time {
	return p.scheduler.NextRun()
}
