package backup

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/lib/pq"
	"github.com/robfig/cron/v3"

	"strandmarkt/internal/metrics"
)

const (
	dirPrefix  = "backup_"
	dateLayout = "2006-01-02"
	schemaName = "market"
)

// Copier streams one table as CSV.
type Copier interface {
	CopyTable(ctx context.Context, table string, w io.Writer) (int64, error)
}

// Reporter announces the outcome of a run, e.g. in a log channel.
type Reporter interface {
	Report(ctx context.Context, rep Report) error
}

type TableResult struct {
	Name string
	Rows int64
}

type Report struct {
	Date     string
	Dir      string
	Tables   []TableResult
	Pruned   []string
	Duration time.Duration
	Err      error
}

func (r Report) Rows() int64 {
	var n int64
	for _, t := range r.Tables {
		n += t.Rows
	}
	return n
}

// PgCopier exports tables of the market schema with COPY ... TO STDOUT.
type PgCopier struct {
	pool *pgxpool.Pool
}

func NewPgCopier(pool *pgxpool.Pool) *PgCopier {
	return &PgCopier{pool: pool}
}

func (c *PgCopier) CopyTable(ctx context.Context, table string, w io.Writer) (int64, error) {
	conn, err := c.pool.Acquire(ctx)
	if err != nil {
		return 0, err
	}
	defer conn.Release()

	sql := fmt.Sprintf("COPY %s.%s TO STDOUT WITH (FORMAT csv, HEADER true)", pq.QuoteIdentifier(schemaName), pq.QuoteIdentifier(table))
	tag, err := conn.Conn().PgConn().CopyTo(ctx, w, sql)
	if err != nil {
		return 0, fmt.Errorf("copy %s: %w", table, err)
	}
	return tag.RowsAffected(), nil
}

type Config struct {
	Dir      string
	Tables   []string
	Location *time.Location
}

type Runner struct {
	cfg      Config
	copier   Copier
	reporter Reporter
	log      *slog.Logger
	metrics  *metrics.Metrics
	now      func() time.Time
}

// NewRunner builds a backup runner. reporter may be nil.
func NewRunner(cfg Config, copier Copier, reporter Reporter, logger *slog.Logger, m *metrics.Metrics) *Runner {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Location == nil {
		cfg.Location = time.UTC
	}
	return &Runner{
		cfg:      cfg,
		copier:   copier,
		reporter: reporter,
		log:      logger.With("component", "backup"),
		metrics:  m,
		now:      time.Now,
	}
}

// RunOnce writes one CSV file per table into backup_<date> and removes the
// previous day's snapshot once the new one is complete.
func (r *Runner) RunOnce(ctx context.Context) (Report, error) {
	start := r.now()
	day := start.In(r.cfg.Location)
	rep := Report{
		Date: day.Format(dateLayout),
		Dir:  filepath.Join(r.cfg.Dir, dirPrefix+day.Format(dateLayout)),
	}

	rep.Err = r.snapshot(ctx, &rep)
	if rep.Err == nil {
		rep.Pruned = r.prune(day)
	}
	rep.Duration = r.now().Sub(start)

	if rep.Err != nil {
		r.metrics.Backup("failed")
		r.log.Error("backup failed", "dir", rep.Dir, "err", rep.Err)
	} else {
		r.metrics.Backup("ok")
		r.log.Info("backup written", "dir", rep.Dir, "tables", len(rep.Tables), "rows", rep.Rows(), "pruned", rep.Pruned)
	}
	if r.reporter != nil {
		if err := r.reporter.Report(ctx, rep); err != nil {
			r.log.Warn("backup report failed", "err", err)
		}
	}
	return rep, rep.Err
}

func (r *Runner) snapshot(ctx context.Context, rep *Report) error {
	if err := os.MkdirAll(rep.Dir, 0o750); err != nil {
		return fmt.Errorf("create backup dir: %w", err)
	}
	for _, table := range r.cfg.Tables {
		n, err := r.copyTable(ctx, rep.Dir, table)
		if err != nil {
			return err
		}
		rep.Tables = append(rep.Tables, TableResult{Name: table, Rows: n})
	}
	return nil
}

func (r *Runner) copyTable(ctx context.Context, dir, table string) (rows int64, err error) {
	f, err := os.Create(filepath.Join(dir, table+".csv"))
	if err != nil {
		return 0, fmt.Errorf("create %s.csv: %w", table, err)
	}
	defer func() {
		err = errors.Join(err, f.Close())
	}()
	return r.copier.CopyTable(ctx, table, f)
}

func (r *Runner) prune(day time.Time) []string {
	prev := filepath.Join(r.cfg.Dir, dirPrefix+day.AddDate(0, 0, -1).Format(dateLayout))
	if _, err := os.Stat(prev); err != nil {
		return nil
	}
	if err := os.RemoveAll(prev); err != nil {
		r.log.Warn("prune old backup failed", "dir", prev, "err", err)
		return nil
	}
	return []string{prev}
}

// Schedule runs RunOnce on the cron spec in the runner's location until ctx
// is done.
func (r *Runner) Schedule(ctx context.Context, spec string) error {
	c := cron.New(cron.WithLocation(r.cfg.Location))
	_, err := c.AddFunc(spec, func() {
		// RunOnce logs and reports its own outcome.
		_, _ = r.RunOnce(ctx)
	})
	if err != nil {
		return fmt.Errorf("backup schedule %q: %w", spec, err)
	}
	c.Start()
	r.log.Info("backup scheduled", "spec", spec, "timezone", r.cfg.Location.String())
	<-ctx.Done()
	<-c.Stop().Done()
	return nil
}
