package storage

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"

	logx "jobd/pkg/logx"
)

//go:embed schema_sqlite.sql schema_postgres.sql
var schemaFS embed.FS

type dialect int

const (
	dialectSQLite dialect = iota
	dialectPostgres
)

const defaultRunsLimit = 10

// sqlStore implements Store for both drivers. Queries are written with '?'
// placeholders and rebound per driver by sqlx.
type sqlStore struct {
	db      *sqlx.DB
	log     logx.Logger
	dialect dialect

	now func() time.Time
}

type jobRow struct {
	ID           int64          `db:"id"`
	WorktreePath string         `db:"worktree_path"`
	Name         string         `db:"name"`
	Command      string         `db:"command"`
	Cron         sql.NullString `db:"cron"`
	Status       string         `db:"status"`
	LastRun      sql.NullInt64  `db:"last_run"`
	NextRun      sql.NullInt64  `db:"next_run"`
	CreatedAt    int64          `db:"created_at"`
	UpdatedAt    int64          `db:"updated_at"`
}

type runRow struct {
	ID         int64         `db:"id"`
	JobID      int64         `db:"job_id"`
	StartedAt  int64         `db:"started_at"`
	FinishedAt sql.NullInt64 `db:"finished_at"`
	ExitCode   sql.NullInt64 `db:"exit_code"`
	Stdout     string        `db:"stdout"`
	Stderr     string        `db:"stderr"`
	Status     string        `db:"status"`
}

const (
	jobColumns = `id, worktree_path, name, command, cron, status, last_run, next_run, created_at, updated_at`
	runColumns = `id, job_id, started_at, finished_at, exit_code, stdout, stderr, status`
)

func (s *sqlStore) migrate(ctx context.Context) error {
	name := "schema_sqlite.sql"
	if s.dialect == dialectPostgres {
		name = "schema_postgres.sql"
	}
	b, err := schemaFS.ReadFile(name)
	if err != nil {
		return err
	}
	if _, err := s.db.ExecContext(ctx, string(b)); err != nil {
		return fmt.Errorf("migrate: %w", err)
	}
	return nil
}

func (s *sqlStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *sqlStore) clock() time.Time {
	if s.now != nil {
		return s.now()
	}
	return time.Now()
}

// ---- jobs ----

func (s *sqlStore) CreateJob(ctx context.Context, in NewJob) (Job, error) {
	status := JobPending
	if strings.TrimSpace(in.Cron) != "" {
		status = JobScheduled
	}
	now := s.clock().UnixMilli()
	q := s.db.Rebind(`INSERT INTO jobs (worktree_path, name, command, cron, status, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?) RETURNING id`)
	var id int64
	if err := s.db.QueryRowxContext(ctx, q, in.WorktreePath, in.Name, in.Command, nullString(in.Cron), status, now, now).Scan(&id); err != nil {
		return Job{}, fmt.Errorf("create job: %w", err)
	}
	return s.GetJob(ctx, id)
}

func (s *sqlStore) GetJob(ctx context.Context, id int64) (Job, error) {
	var r jobRow
	err := s.db.GetContext(ctx, &r, s.db.Rebind(`SELECT `+jobColumns+` FROM jobs WHERE id = ?`), id)
	if errors.Is(err, sql.ErrNoRows) {
		return Job{}, fmt.Errorf("job %d: %w", id, ErrNotFound)
	}
	if err != nil {
		return Job{}, fmt.Errorf("get job %d: %w", id, err)
	}
	return r.toJob(), nil
}

func (s *sqlStore) ListJobs(ctx context.Context, f JobFilter) ([]Job, error) {
	var (
		where []string
		args  []any
	)
	if p := strings.TrimSpace(f.WorktreePath); p != "" {
		where = append(where, "worktree_path = ?")
		args = append(args, p)
	}
	if f.WithCron {
		where = append(where, "cron IS NOT NULL AND cron <> ''")
	}
	q := `SELECT ` + jobColumns + ` FROM jobs`
	if len(where) > 0 {
		q += ` WHERE ` + strings.Join(where, " AND ")
	}
	q += ` ORDER BY created_at DESC, id DESC`

	var rows []jobRow
	if err := s.db.SelectContext(ctx, &rows, s.db.Rebind(q), args...); err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}
	out := make([]Job, 0, len(rows))
	for _, r := range rows {
		out = append(out, r.toJob())
	}
	return out, nil
}

func (s *sqlStore) UpdateJob(ctx context.Context, id int64, p JobPatch) (Job, error) {
	sets := []string{"updated_at = ?"}
	args := []any{s.clock().UnixMilli()}
	if p.Status.IsSet() {
		sets = append(sets, "status = ?")
		args = append(args, string(p.Status.Value()))
	}
	if p.LastRun.IsSet() {
		sets = append(sets, "last_run = ?")
		args = append(args, nullMillis(p.LastRun.Value()))
	}
	if p.NextRun.IsSet() {
		sets = append(sets, "next_run = ?")
		args = append(args, nullMillis(p.NextRun.Value()))
	}
	args = append(args, id)

	q := s.db.Rebind(`UPDATE jobs SET ` + strings.Join(sets, ", ") + ` WHERE id = ?`)
	res, err := s.db.ExecContext(ctx, q, args...)
	if err != nil {
		return Job{}, fmt.Errorf("update job %d: %w", id, err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return Job{}, fmt.Errorf("job %d: %w", id, ErrNotFound)
	}
	return s.GetJob(ctx, id)
}

// DeleteJob removes the job and every run it owns in one transaction.
func (s *sqlStore) DeleteJob(ctx context.Context, id int64) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, tx.Rebind(`DELETE FROM job_runs WHERE job_id = ?`), id); err != nil {
		return fmt.Errorf("delete runs of job %d: %w", id, err)
	}
	res, err := tx.ExecContext(ctx, tx.Rebind(`DELETE FROM jobs WHERE id = ?`), id)
	if err != nil {
		return fmt.Errorf("delete job %d: %w", id, err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("job %d: %w", id, ErrNotFound)
	}
	return tx.Commit()
}

// ---- runs ----

func (s *sqlStore) CreateJobRun(ctx context.Context, jobID int64) (JobRun, error) {
	q := s.db.Rebind(`INSERT INTO job_runs (job_id, started_at, status) VALUES (?, ?, ?) RETURNING id`)
	var id int64
	err := s.db.QueryRowxContext(ctx, q, jobID, s.clock().UnixMilli(), string(RunRunning)).Scan(&id)
	if err != nil {
		if isForeignKeyViolation(err) {
			return JobRun{}, fmt.Errorf("job %d: %w", jobID, ErrNotFound)
		}
		return JobRun{}, fmt.Errorf("create run for job %d: %w", jobID, err)
	}
	return s.GetJobRun(ctx, id)
}

func (s *sqlStore) GetJobRun(ctx context.Context, id int64) (JobRun, error) {
	return getRun(ctx, s.db, id)
}

func (s *sqlStore) UpdateJobRun(ctx context.Context, id int64, p RunPatch) (JobRun, error) {
	if p.empty() {
		return JobRun{}, ErrEmptyPatch
	}
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return JobRun{}, err
	}
	defer func() { _ = tx.Rollback() }()

	cur, err := getRun(ctx, tx, id)
	if err != nil {
		return JobRun{}, err
	}
	if cur.Status.Terminal() && (p.Status.IsSet() || p.FinishedAt.IsSet()) {
		return JobRun{}, fmt.Errorf("run %d: %w", id, ErrRunFinalized)
	}

	var (
		sets []string
		args []any
	)
	if p.Stdout.IsSet() {
		sets = append(sets, "stdout = ?")
		args = append(args, p.Stdout.Value())
	}
	if p.Stderr.IsSet() {
		sets = append(sets, "stderr = ?")
		args = append(args, p.Stderr.Value())
	}
	if p.ExitCode.IsSet() {
		sets = append(sets, "exit_code = ?")
		args = append(args, nullInt(p.ExitCode.Value()))
	}
	if p.Status.IsSet() {
		sets = append(sets, "status = ?")
		args = append(args, string(p.Status.Value()))
	}
	switch {
	case p.FinishedAt.IsSet():
		sets = append(sets, "finished_at = ?")
		args = append(args, nullMillis(p.FinishedAt.Value()))
	case p.Status.IsSet() && p.Status.Value().Terminal():
		sets = append(sets, "finished_at = ?")
		args = append(args, s.clock().UnixMilli())
	}
	args = append(args, id)

	q := tx.Rebind(`UPDATE job_runs SET ` + strings.Join(sets, ", ") + ` WHERE id = ?`)
	if _, err := tx.ExecContext(ctx, q, args...); err != nil {
		return JobRun{}, fmt.Errorf("update run %d: %w", id, err)
	}
	out, err := getRun(ctx, tx, id)
	if err != nil {
		return JobRun{}, err
	}
	if err := tx.Commit(); err != nil {
		return JobRun{}, err
	}
	return out, nil
}

func (s *sqlStore) GetJobRuns(ctx context.Context, jobID int64, limit int) ([]JobRun, error) {
	if limit <= 0 {
		limit = defaultRunsLimit
	}
	q := s.db.Rebind(`SELECT ` + runColumns + ` FROM job_runs WHERE job_id = ? ORDER BY started_at DESC, id DESC LIMIT ?`)
	return s.selectRuns(ctx, q, jobID, limit)
}

func (s *sqlStore) ListRunningRuns(ctx context.Context) ([]JobRun, error) {
	q := s.db.Rebind(`SELECT ` + runColumns + ` FROM job_runs WHERE status = ? ORDER BY id`)
	return s.selectRuns(ctx, q, string(RunRunning))
}

func (s *sqlStore) selectRuns(ctx context.Context, q string, args ...any) ([]JobRun, error) {
	var rows []runRow
	if err := s.db.SelectContext(ctx, &rows, q, args...); err != nil {
		return nil, fmt.Errorf("select runs: %w", err)
	}
	out := make([]JobRun, 0, len(rows))
	for _, r := range rows {
		out = append(out, r.toRun())
	}
	return out, nil
}

// getRun works on both *sqlx.DB and *sqlx.Tx.
func getRun(ctx context.Context, q sqlx.ExtContext, id int64) (JobRun, error) {
	var r runRow
	err := sqlx.GetContext(ctx, q, &r, q.Rebind(`SELECT `+runColumns+` FROM job_runs WHERE id = ?`), id)
	if errors.Is(err, sql.ErrNoRows) {
		return JobRun{}, fmt.Errorf("run %d: %w", id, ErrNotFound)
	}
	if err != nil {
		return JobRun{}, fmt.Errorf("get run %d: %w", id, err)
	}
	return r.toRun(), nil
}

// ---- row mapping ----

func (r jobRow) toJob() Job {
	j := Job{
		ID:           r.ID,
		WorktreePath: r.WorktreePath,
		Name:         r.Name,
		Command:      r.Command,
		Status:       JobStatus(r.Status),
		LastRun:      millisPtr(r.LastRun),
		NextRun:      millisPtr(r.NextRun),
		CreatedAt:    time.UnixMilli(r.CreatedAt),
		UpdatedAt:    time.UnixMilli(r.UpdatedAt),
	}
	if r.Cron.Valid {
		j.Cron = r.Cron.String
	}
	return j
}

func (r runRow) toRun() JobRun {
	run := JobRun{
		ID:         r.ID,
		JobID:      r.JobID,
		StartedAt:  time.UnixMilli(r.StartedAt),
		FinishedAt: millisPtr(r.FinishedAt),
		Stdout:     r.Stdout,
		Stderr:     r.Stderr,
		Status:     RunStatus(r.Status),
	}
	if r.ExitCode.Valid {
		code := int(r.ExitCode.Int64)
		run.ExitCode = &code
	}
	return run
}

func millisPtr(v sql.NullInt64) *time.Time {
	if !v.Valid {
		return nil
	}
	t := time.UnixMilli(v.Int64)
	return &t
}

func nullMillis(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UnixMilli()
}

func nullInt(v *int) any {
	if v == nil {
		return nil
	}
	return int64(*v)
}

func nullString(v string) any {
	if strings.TrimSpace(v) == "" {
		return nil
	}
	return v
}

func isForeignKeyViolation(err error) bool {
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "foreign key")
}
