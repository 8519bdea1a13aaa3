package store

import (
	"context"
	"fmt"
	"math/big"
	"sort"
	"sync"

	"segment-coordinator/internal/models"
)

// Memory is an in-process Store. Transactions are fully serialized and work on
// a private copy of the state that replaces the shared one on commit.
type Memory struct {
	mu    sync.Mutex
	state *memState
}

type memState struct {
	jobs         map[string]models.Job
	segments     map[string][]int64
	tickets      map[int64]models.Ticket
	submissions  map[int64]models.Submission
	audit        []models.AuditLog
	nextTicket   int64
	nextSub      int64
	nextResultID int64
}

// NewMemory returns an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{state: &memState{
		jobs:        make(map[string]models.Job),
		segments:    make(map[string][]int64),
		tickets:     make(map[int64]models.Ticket),
		submissions: make(map[int64]models.Submission),
	}}
}

func (m *Memory) Close() {}

// InTx runs fn with exclusive access to a copy of the state.
func (m *Memory) InTx(ctx context.Context, fn func(tx Tx) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := ctx.Err(); err != nil {
		return err
	}
	work := m.state.clone()
	if err := fn(&memTx{s: work}); err != nil {
		return err
	}
	m.state = work
	return nil
}

// Audit returns a copy of the recorded audit events.
func (m *Memory) Audit() []models.AuditLog {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]models.AuditLog(nil), m.state.audit...)
}

// Submission rows are never mutated in place, so their Results slices are shared.
func (s *memState) clone() *memState {
	c := &memState{
		jobs:         make(map[string]models.Job, len(s.jobs)),
		segments:     make(map[string][]int64, len(s.segments)),
		tickets:      make(map[int64]models.Ticket, len(s.tickets)),
		submissions:  make(map[int64]models.Submission, len(s.submissions)),
		audit:        s.audit[:len(s.audit):len(s.audit)],
		nextTicket:   s.nextTicket,
		nextSub:      s.nextSub,
		nextResultID: s.nextResultID,
	}
	for k, v := range s.jobs {
		c.jobs[k] = v
	}
	for k, v := range s.segments {
		c.segments[k] = v
	}
	for k, v := range s.tickets {
		c.tickets[k] = v
	}
	for k, v := range s.submissions {
		c.submissions[k] = v
	}
	return c
}

type memTx struct {
	s *memState
}

func (t *memTx) CreateJob(_ context.Context, job models.Job) error {
	if _, ok := t.s.jobs[job.ID]; ok {
		return fmt.Errorf("job %s: %w", job.ID, ErrConflict)
	}
	t.s.jobs[job.ID] = job
	return nil
}

func (t *memTx) GetJob(_ context.Context, id string) (models.Job, error) {
	job, ok := t.s.jobs[id]
	if !ok {
		return models.Job{}, fmt.Errorf("job %s: %w", id, ErrNotFound)
	}
	return job, nil
}

func (t *memTx) LockJob(ctx context.Context, id string) (models.Job, error) {
	return t.GetJob(ctx, id)
}

func (t *memTx) ListJobs(_ context.Context) ([]models.Job, error) {
	out := make([]models.Job, 0, len(t.s.jobs))
	for _, j := range t.s.jobs {
		out = append(out, j)
	}
	sort.Slice(out, func(i, k int) bool { return out[i].ID < out[k].ID })
	return out, nil
}

func (t *memTx) UpdateJob(_ context.Context, job models.Job) error {
	if _, ok := t.s.jobs[job.ID]; !ok {
		return fmt.Errorf("job %s: %w", job.ID, ErrNotFound)
	}
	t.s.jobs[job.ID] = job
	return nil
}

func (t *memTx) DeleteJob(_ context.Context, id string) error {
	if _, ok := t.s.jobs[id]; !ok {
		return fmt.Errorf("job %s: %w", id, ErrNotFound)
	}
	delete(t.s.jobs, id)
	delete(t.s.segments, id)
	for k, tk := range t.s.tickets {
		if tk.JobID == id {
			delete(t.s.tickets, k)
		}
	}
	for k, sub := range t.s.submissions {
		if sub.JobID == id {
			delete(t.s.submissions, k)
		}
	}
	return nil
}

func (t *memTx) ReplaceSegments(_ context.Context, jobID string, indices []int64) error {
	t.s.segments[jobID] = append([]int64(nil), indices...)
	return nil
}

func (t *memTx) NextEligibleSegment(_ context.Context, jobID string, cutoff int64) (int64, bool, error) {
	blocked := make(map[int64]struct{})
	for _, tk := range t.s.tickets {
		if tk.JobID == jobID && tk.IssueDate > cutoff {
			blocked[tk.SeedIndex] = struct{}{}
		}
	}
	for _, sub := range t.s.submissions {
		if sub.JobID == jobID && sub.Status == models.StatusPrimary {
			blocked[sub.SeedIndex] = struct{}{}
		}
	}
	// The ledger is stored in ascending order.
	for _, idx := range t.s.segments[jobID] {
		if _, ok := blocked[idx]; !ok {
			return idx, true, nil
		}
	}
	return 0, false, nil
}

func (t *memTx) InsertTicket(_ context.Context, tk models.Ticket) (models.Ticket, error) {
	t.s.nextTicket++
	tk.ID = t.s.nextTicket
	t.s.tickets[tk.ID] = tk
	return tk, nil
}

func (t *memTx) LockTicket(_ context.Context, id int64) (models.Ticket, error) {
	tk, ok := t.s.tickets[id]
	if !ok {
		return models.Ticket{}, fmt.Errorf("ticket %d: %w", id, ErrNotFound)
	}
	return tk, nil
}

func (t *memTx) DeleteTicket(_ context.Context, id int64) error {
	if _, ok := t.s.tickets[id]; !ok {
		return fmt.Errorf("ticket %d: %w", id, ErrNotFound)
	}
	delete(t.s.tickets, id)
	return nil
}

func (t *memTx) HasPrimary(_ context.Context, jobID string, seedIndex int64) (bool, error) {
	for _, sub := range t.s.submissions {
		if sub.JobID == jobID && sub.SeedIndex == seedIndex && sub.Status == models.StatusPrimary {
			return true, nil
		}
	}
	return false, nil
}

func (t *memTx) InsertSubmission(_ context.Context, sub models.Submission) (models.Submission, error) {
	t.s.nextSub++
	sub.ID = t.s.nextSub
	results := make([]models.Result, len(sub.Results))
	for i, r := range sub.Results {
		t.s.nextResultID++
		r.ID = t.s.nextResultID
		results[i] = r
	}
	sub.Results = results
	t.s.submissions[sub.ID] = sub
	return sub, nil
}

func (t *memTx) GetSubmission(_ context.Context, jobID string, id int64) (models.Submission, error) {
	sub, ok := t.s.submissions[id]
	if !ok || sub.JobID != jobID {
		return models.Submission{}, fmt.Errorf("submission %d: %w", id, ErrNotFound)
	}
	return sub, nil
}

func (t *memTx) ListSubmissions(_ context.Context, jobID string, seedIndex int64) ([]models.Submission, error) {
	out := make([]models.Submission, 0)
	for _, sub := range t.s.submissions {
		if sub.JobID == jobID && sub.SeedIndex == seedIndex {
			out = append(out, sub)
		}
	}
	sort.Slice(out, func(i, k int) bool { return out[i].ID < out[k].ID })
	return out, nil
}

func (t *memTx) UpdateSubmission(ctx context.Context, jobID string, id int64, status models.SubmissionStatus, contributor string) (models.Submission, error) {
	sub, err := t.GetSubmission(ctx, jobID, id)
	if err != nil {
		return models.Submission{}, err
	}
	sub.Status = status
	sub.Contributor = contributor
	t.s.submissions[id] = sub
	return sub, nil
}

func (t *memTx) SumPrimaryResults(_ context.Context, jobID string, length int) (models.Summary, error) {
	sum := models.Summary{Value: new(big.Int)}
	for _, sub := range t.s.submissions {
		if sub.JobID != jobID || sub.Status != models.StatusPrimary {
			continue
		}
		for _, r := range sub.Results {
			if r.Length != length {
				continue
			}
			sum.Value.Add(sum.Value, big.NewInt(r.Value))
			sum.Seconds += sub.SecondsElapsed
			sum.ResultCount++
		}
	}
	return sum, nil
}

func (t *memTx) ResultsByLength(_ context.Context, jobID string, length int) (models.ResultSeries, error) {
	type row struct{ seed, id, value int64 }
	rows := make([]row, 0)
	for _, sub := range t.s.submissions {
		if sub.JobID != jobID || sub.Status != models.StatusPrimary {
			continue
		}
		for _, r := range sub.Results {
			if r.Length == length {
				rows = append(rows, row{sub.SeedIndex, sub.ID, r.Value})
			}
		}
	}
	sort.Slice(rows, func(i, k int) bool {
		if rows[i].seed != rows[k].seed {
			return rows[i].seed < rows[k].seed
		}
		return rows[i].id < rows[k].id
	})
	series := models.ResultSeries{SeedIndices: make([]int64, 0, len(rows)), Values: make([]int64, 0, len(rows))}
	for _, r := range rows {
		series.SeedIndices = append(series.SeedIndices, r.seed)
		series.Values = append(series.Values, r.value)
	}
	return series, nil
}

func (t *memTx) AppendAudit(_ context.Context, jobID, event, detail string, recordedAt int64) error {
	t.s.audit = append(t.s.audit, models.AuditLog{JobID: jobID, Event: event, Detail: detail, Recorded: recordedAt})
	return nil
}
