package store

import (
	"context"
	"errors"
	"fmt"
	"math/big"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"segment-coordinator/internal/models"
)

// Postgres wraps pgxpool for Postgres persistence.
type Postgres struct {
	pool *pgxpool.Pool
}

// NewPostgres creates a pooled connection to Postgres.
func NewPostgres(ctx context.Context, dsn string) (*Postgres, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	return &Postgres{pool: pool}, nil
}

func (s *Postgres) Close() {
	if s.pool != nil {
		s.pool.Close()
	}
}

// InTx runs fn inside a read-committed transaction. Exclusivity comes from the
// row locks taken by LockJob and LockTicket.
func (s *Postgres) InTx(ctx context.Context, fn func(tx Tx) error) error {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.ReadCommitted})
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx) // safe no-op on commit

	if err := fn(&pgTx{tx: tx}); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

type pgTx struct {
	tx pgx.Tx
}

const jobColumns = `id, start_date, seed_url, seed_count, seed_chunk, seed_length, target_length, ticket_timeout`

func scanJob(row pgx.Row) (models.Job, error) {
	var j models.Job
	err := row.Scan(&j.ID, &j.StartDate, &j.SeedURL, &j.SeedCount, &j.SeedChunk, &j.SeedLength, &j.TargetLength, &j.TicketTimeout)
	return j, err
}

func (t *pgTx) CreateJob(ctx context.Context, j models.Job) error {
	tag, err := t.tx.Exec(ctx, `
		INSERT INTO jobs (`+jobColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (id) DO NOTHING
	`, j.ID, j.StartDate, j.SeedURL, j.SeedCount, j.SeedChunk, j.SeedLength, j.TargetLength, j.TicketTimeout)
	if err != nil {
		return fmt.Errorf("insert job: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("job %s: %w", j.ID, ErrConflict)
	}
	return nil
}

func (t *pgTx) GetJob(ctx context.Context, id string) (models.Job, error) {
	job, err := scanJob(t.tx.QueryRow(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return models.Job{}, fmt.Errorf("job %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return models.Job{}, fmt.Errorf("scan job: %w", err)
	}
	return job, nil
}

func (t *pgTx) LockJob(ctx context.Context, id string) (models.Job, error) {
	job, err := scanJob(t.tx.QueryRow(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id = $1 FOR UPDATE`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return models.Job{}, fmt.Errorf("job %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return models.Job{}, fmt.Errorf("lock job: %w", err)
	}
	return job, nil
}

func (t *pgTx) ListJobs(ctx context.Context) ([]models.Job, error) {
	rows, err := t.tx.Query(ctx, `SELECT `+jobColumns+` FROM jobs ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("query jobs: %w", err)
	}
	defer rows.Close()
	out := make([]models.Job, 0)
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("scan job: %w", err)
		}
		out = append(out, job)
	}
	return out, rows.Err()
}

func (t *pgTx) UpdateJob(ctx context.Context, j models.Job) error {
	tag, err := t.tx.Exec(ctx, `
		UPDATE jobs
		SET start_date = $2, seed_url = $3, seed_count = $4, seed_chunk = $5,
		    seed_length = $6, target_length = $7, ticket_timeout = $8
		WHERE id = $1
	`, j.ID, j.StartDate, j.SeedURL, j.SeedCount, j.SeedChunk, j.SeedLength, j.TargetLength, j.TicketTimeout)
	if err != nil {
		return fmt.Errorf("update job: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("job %s: %w", j.ID, ErrNotFound)
	}
	return nil
}

// DeleteJob relies on ON DELETE CASCADE for dependent rows.
func (t *pgTx) DeleteJob(ctx context.Context, id string) error {
	tag, err := t.tx.Exec(ctx, `DELETE FROM jobs WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete job: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("job %s: %w", id, ErrNotFound)
	}
	return nil
}

func (t *pgTx) ReplaceSegments(ctx context.Context, jobID string, indices []int64) error {
	if _, err := t.tx.Exec(ctx, `DELETE FROM job_segments WHERE job_id = $1`, jobID); err != nil {
		return fmt.Errorf("clear segments: %w", err)
	}
	if len(indices) == 0 {
		return nil
	}
	_, err := t.tx.CopyFrom(ctx,
		pgx.Identifier{"job_segments"},
		[]string{"job_id", "seed_index"},
		pgx.CopyFromSlice(len(indices), func(i int) ([]any, error) {
			return []any{jobID, indices[i]}, nil
		}),
	)
	if err != nil {
		return fmt.Errorf("copy segments: %w", err)
	}
	return nil
}

func (t *pgTx) NextEligibleSegment(ctx context.Context, jobID string, cutoff int64) (int64, bool, error) {
	var idx int64
	err := t.tx.QueryRow(ctx, `
		SELECT seg.seed_index
		FROM job_segments seg
		WHERE seg.job_id = $1
		AND NOT EXISTS (
			SELECT 1 FROM tickets t
			WHERE t.job_id = seg.job_id AND t.seed_index = seg.seed_index AND t.issue_date > $2)
		AND NOT EXISTS (
			SELECT 1 FROM submissions s
			WHERE s.job_id = seg.job_id AND s.seed_index = seg.seed_index AND s.status = $3)
		ORDER BY seg.seed_index ASC
		LIMIT 1
	`, jobID, cutoff, int(models.StatusPrimary)).Scan(&idx)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("select eligible segment: %w", err)
	}
	return idx, true, nil
}

func (t *pgTx) InsertTicket(ctx context.Context, tk models.Ticket) (models.Ticket, error) {
	err := t.tx.QueryRow(ctx, `
		INSERT INTO tickets (job_id, seed_index, token, issue_date, issuer_address)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING id
	`, tk.JobID, tk.SeedIndex, tk.Token, tk.IssueDate, tk.IssuerAddress).Scan(&tk.ID)
	if err != nil {
		return models.Ticket{}, fmt.Errorf("insert ticket: %w", err)
	}
	return tk, nil
}

func (t *pgTx) LockTicket(ctx context.Context, id int64) (models.Ticket, error) {
	var tk models.Ticket
	err := t.tx.QueryRow(ctx, `
		SELECT id, job_id, seed_index, token, issue_date, issuer_address
		FROM tickets WHERE id = $1 FOR UPDATE
	`, id).Scan(&tk.ID, &tk.JobID, &tk.SeedIndex, &tk.Token, &tk.IssueDate, &tk.IssuerAddress)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.Ticket{}, fmt.Errorf("ticket %d: %w", id, ErrNotFound)
	}
	if err != nil {
		return models.Ticket{}, fmt.Errorf("lock ticket: %w", err)
	}
	return tk, nil
}

func (t *pgTx) DeleteTicket(ctx context.Context, id int64) error {
	tag, err := t.tx.Exec(ctx, `DELETE FROM tickets WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete ticket: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("ticket %d: %w", id, ErrNotFound)
	}
	return nil
}

func (t *pgTx) HasPrimary(ctx context.Context, jobID string, seedIndex int64) (bool, error) {
	var exists bool
	err := t.tx.QueryRow(ctx, `
		SELECT EXISTS (SELECT 1 FROM submissions WHERE job_id = $1 AND seed_index = $2 AND status = $3)
	`, jobID, seedIndex, int(models.StatusPrimary)).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("query primary submission: %w", err)
	}
	return exists, nil
}

func (t *pgTx) InsertSubmission(ctx context.Context, sub models.Submission) (models.Submission, error) {
	err := t.tx.QueryRow(ctx, `
		INSERT INTO submissions (job_id, seed_index, contributor, seconds_elapsed, source_address, receive_date, status)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING id
	`, sub.JobID, sub.SeedIndex, sub.Contributor, sub.SecondsElapsed, sub.SourceAddress, sub.ReceiveDate, int(sub.Status)).Scan(&sub.ID)
	if err != nil {
		return models.Submission{}, fmt.Errorf("insert submission: %w", err)
	}
	if len(sub.Results) == 0 {
		return sub, nil
	}
	_, err = t.tx.CopyFrom(ctx,
		pgx.Identifier{"results"},
		[]string{"submission_id", "result_length", "result_value"},
		pgx.CopyFromSlice(len(sub.Results), func(i int) ([]any, error) {
			return []any{sub.ID, sub.Results[i].Length, sub.Results[i].Value}, nil
		}),
	)
	if err != nil {
		return models.Submission{}, fmt.Errorf("copy results: %w", err)
	}
	return sub, nil
}

const submissionColumns = `id, job_id, seed_index, contributor, seconds_elapsed, source_address, receive_date, status`

func scanSubmission(row pgx.Row) (models.Submission, error) {
	var sub models.Submission
	var status int
	err := row.Scan(&sub.ID, &sub.JobID, &sub.SeedIndex, &sub.Contributor, &sub.SecondsElapsed, &sub.SourceAddress, &sub.ReceiveDate, &status)
	sub.Status = models.SubmissionStatus(status)
	return sub, err
}

func (t *pgTx) GetSubmission(ctx context.Context, jobID string, id int64) (models.Submission, error) {
	sub, err := scanSubmission(t.tx.QueryRow(ctx, `
		SELECT `+submissionColumns+` FROM submissions WHERE id = $1 AND job_id = $2
	`, id, jobID))
	if errors.Is(err, pgx.ErrNoRows) {
		return models.Submission{}, fmt.Errorf("submission %d: %w", id, ErrNotFound)
	}
	if err != nil {
		return models.Submission{}, fmt.Errorf("scan submission: %w", err)
	}
	byID, err := t.loadResults(ctx, []int64{sub.ID})
	if err != nil {
		return models.Submission{}, err
	}
	sub.Results = byID[sub.ID]
	return sub, nil
}

func (t *pgTx) ListSubmissions(ctx context.Context, jobID string, seedIndex int64) ([]models.Submission, error) {
	rows, err := t.tx.Query(ctx, `
		SELECT `+submissionColumns+` FROM submissions
		WHERE job_id = $1 AND seed_index = $2
		ORDER BY id
	`, jobID, seedIndex)
	if err != nil {
		return nil, fmt.Errorf("query submissions: %w", err)
	}
	out := make([]models.Submission, 0)
	ids := make([]int64, 0)
	for rows.Next() {
		sub, err := scanSubmission(rows)
		if err != nil {
			rows.Close()
			return nil, fmt.Errorf("scan submission: %w", err)
		}
		out = append(out, sub)
		ids = append(ids, sub.ID)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate submissions: %w", err)
	}

	byID, err := t.loadResults(ctx, ids)
	if err != nil {
		return nil, err
	}
	for i := range out {
		out[i].Results = byID[out[i].ID]
	}
	return out, nil
}

func (t *pgTx) loadResults(ctx context.Context, submissionIDs []int64) (map[int64][]models.Result, error) {
	out := make(map[int64][]models.Result, len(submissionIDs))
	if len(submissionIDs) == 0 {
		return out, nil
	}
	rows, err := t.tx.Query(ctx, `
		SELECT id, submission_id, result_length, result_value
		FROM results WHERE submission_id = ANY($1)
		ORDER BY submission_id, result_length
	`, submissionIDs)
	if err != nil {
		return nil, fmt.Errorf("query results: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var r models.Result
		var subID int64
		if err := rows.Scan(&r.ID, &subID, &r.Length, &r.Value); err != nil {
			return nil, fmt.Errorf("scan result: %w", err)
		}
		out[subID] = append(out[subID], r)
	}
	return out, rows.Err()
}

func (t *pgTx) UpdateSubmission(ctx context.Context, jobID string, id int64, status models.SubmissionStatus, contributor string) (models.Submission, error) {
	tag, err := t.tx.Exec(ctx, `
		UPDATE submissions SET status = $3, contributor = $4
		WHERE id = $1 AND job_id = $2
	`, id, jobID, int(status), contributor)
	if err != nil {
		return models.Submission{}, fmt.Errorf("update submission: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return models.Submission{}, fmt.Errorf("submission %d: %w", id, ErrNotFound)
	}
	return t.GetSubmission(ctx, jobID, id)
}

func (t *pgTx) SumPrimaryResults(ctx context.Context, jobID string, length int) (models.Summary, error) {
	var value string
	var sum models.Summary
	err := t.tx.QueryRow(ctx, `
		SELECT
		  COALESCE(SUM(rs.result_value), 0)::text
		, COALESCE(SUM(sub.seconds_elapsed), 0)::bigint
		, COUNT(rs.id)
		FROM results rs
		INNER JOIN submissions sub
		ON rs.submission_id = sub.id
		WHERE sub.job_id = $1
		AND sub.status = $2
		AND rs.result_length = $3
	`, jobID, int(models.StatusPrimary), length).Scan(&value, &sum.Seconds, &sum.ResultCount)
	if err != nil {
		return models.Summary{}, fmt.Errorf("sum results: %w", err)
	}
	v, ok := new(big.Int).SetString(value, 10)
	if !ok {
		return models.Summary{}, fmt.Errorf("parse result sum %q", value)
	}
	sum.Value = v
	return sum, nil
}

func (t *pgTx) ResultsByLength(ctx context.Context, jobID string, length int) (models.ResultSeries, error) {
	rows, err := t.tx.Query(ctx, `
		SELECT sub.seed_index, rs.result_value
		FROM results rs
		INNER JOIN submissions sub
		ON rs.submission_id = sub.id
		WHERE rs.result_length = $2
		AND sub.job_id = $1
		AND sub.status = $3
		ORDER BY sub.seed_index, sub.id
	`, jobID, length, int(models.StatusPrimary))
	if err != nil {
		return models.ResultSeries{}, fmt.Errorf("query results by length: %w", err)
	}
	defer rows.Close()
	series := models.ResultSeries{SeedIndices: []int64{}, Values: []int64{}}
	for rows.Next() {
		var seed, value int64
		if err := rows.Scan(&seed, &value); err != nil {
			return models.ResultSeries{}, fmt.Errorf("scan result: %w", err)
		}
		series.SeedIndices = append(series.SeedIndices, seed)
		series.Values = append(series.Values, value)
	}
	return series, rows.Err()
}

// AppendAudit adds an audit row stamped with the caller's clock.
func (t *pgTx) AppendAudit(ctx context.Context, jobID, event, detail string, recordedAt int64) error {
	_, err := t.tx.Exec(ctx, `
		INSERT INTO audit_logs (job_id, event, detail, ts)
		VALUES ($1, $2, $3, to_timestamp($4))
	`, jobID, event, detail, recordedAt)
	if err != nil {
		return fmt.Errorf("append audit: %w", err)
	}
	return nil
}
