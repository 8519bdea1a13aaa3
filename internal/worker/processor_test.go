package worker

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"math/rand"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"segment-coordinator/internal/config"
	"segment-coordinator/internal/coordinator"
	"segment-coordinator/internal/models"
)

func TestBackoffWithJitter(t *testing.T) {
	rand.Seed(1)
	base := time.Second
	max := 8 * time.Second

	b1 := backoffWithJitter(base, max, 1)
	if b1 < base/2 || b1 > max {
		t.Fatalf("backoff out of range: %s", b1)
	}

	b3 := backoffWithJitter(base, max, 3)
	if b3 < base || b3 > max {
		t.Fatalf("backoff out of range for attempt 3: %s", b3)
	}

	if b := backoffWithJitter(base, max, 200); b < max/2 || b > max {
		t.Fatalf("backoff not capped: %s", b)
	}
	if b := backoffWithJitter(0, max, 3); b != 0 {
		t.Fatalf("zero base should not wait: %s", b)
	}
}

type fakeSeeds struct{ path string }

func (f fakeSeeds) Fetch(context.Context, string) (string, error) { return f.path, nil }

// fakeCoordinator serves the ticket endpoints for job "pi" with a fixed pool of segments.
type fakeCoordinator struct {
	mu        sync.Mutex
	pool      []int64
	issued    map[int64]models.TicketView
	submitted []coordinator.TicketSubmission
	requests  atomic.Int32
	reject    string
}

func newFakeCoordinator(pool ...int64) *fakeCoordinator {
	return &fakeCoordinator{pool: pool, issued: make(map[int64]models.TicketView)}
}

func (f *fakeCoordinator) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if r.URL.Path != "/jobs/pi/job-tickets" {
		http.NotFound(w, r)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	switch r.Method {
	case http.MethodPost:
		f.requests.Add(1)
		if len(f.pool) == 0 {
			w.WriteHeader(http.StatusConflict)
			_, _ = w.Write([]byte(`{"error":"No tickets to make","reason":"no_eligible_segment"}`))
			return
		}
		view := models.TicketView{
			TicketID:     int64(len(f.issued) + 1),
			JobID:        "pi",
			Token:        "tok",
			SeedIndex:    f.pool[0],
			SeedChunk:    10,
			SeedURL:      "https://seeds.example/pi.bin",
			TargetLength: 2,
		}
		f.pool = f.pool[1:]
		f.issued[view.TicketID] = view
		w.WriteHeader(http.StatusCreated)
		_ = json.NewEncoder(w).Encode(view)
	case http.MethodPut:
		var sub coordinator.TicketSubmission
		if err := json.NewDecoder(r.Body).Decode(&sub); err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		if f.reject != "" {
			w.WriteHeader(http.StatusBadRequest)
			_ = json.NewEncoder(w).Encode(map[string]string{"error": "rejected", "reason": f.reject})
			return
		}
		f.submitted = append(f.submitted, sub)
		_ = json.NewEncoder(w).Encode(models.Submission{ID: int64(len(f.submitted)), JobID: "pi", SeedIndex: sub.SeedIndex})
	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

func (f *fakeCoordinator) submissions() []coordinator.TicketSubmission {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]coordinator.TicketSubmission(nil), f.submitted...)
}

func quietLogger() *logrus.Logger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}

func newTestRunner(t *testing.T, fc *fakeCoordinator, compute Compute) *Runner {
	t.Helper()
	srv := httptest.NewServer(fc)
	t.Cleanup(srv.Close)
	cfg := config.Config{
		WorkerJob:      "pi",
		BackoffInitial: time.Millisecond,
		BackoffMax:     5 * time.Millisecond,
	}
	return NewRunner(cfg, NewClient(srv.URL, "test-worker", srv.Client()), fakeSeeds{path: "/tmp/seed"}, compute, "alice", quietLogger())
}

func fixedCompute(calls *[]Task) Compute {
	var mu sync.Mutex
	return func(_ context.Context, task Task) ([]models.Result, error) {
		mu.Lock()
		*calls = append(*calls, task)
		mu.Unlock()
		return []models.Result{{Length: 1, Value: task.SeedIndex + 1}, {Length: 2, Value: task.SeedIndex + 2}}, nil
	}
}

func TestRunOnceSubmitsComputedResults(t *testing.T) {
	fc := newFakeCoordinator(20)
	var calls []Task
	r := newTestRunner(t, fc, fixedCompute(&calls))

	require.NoError(t, r.RunOnce(context.Background()))

	require.Len(t, calls, 1)
	assert.Equal(t, Task{SeedFile: "/tmp/seed", SeedIndex: 20, SeedChunk: 10, TargetLength: 2}, calls[0])

	subs := fc.submissions()
	require.Len(t, subs, 1)
	assert.Equal(t, int64(1), subs[0].TicketID)
	assert.Equal(t, "tok", subs[0].Token)
	assert.Equal(t, "alice", subs[0].Contributor)
	assert.Equal(t, int64(20), subs[0].SeedIndex)
	assert.Equal(t, []models.Result{{Length: 1, Value: 21}, {Length: 2, Value: 22}}, subs[0].Results)

	assert.ErrorIs(t, r.RunOnce(context.Background()), ErrNoWork)
}

func TestRunOnceReportsRejection(t *testing.T) {
	fc := newFakeCoordinator(0)
	fc.reject = "too_fast"
	var calls []Task
	r := newTestRunner(t, fc, fixedCompute(&calls))

	err := r.RunOnce(context.Background())
	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusBadRequest, apiErr.Status)
	assert.Equal(t, "too_fast", apiErr.Reason)
}

func TestRunOnceComputeFailure(t *testing.T) {
	fc := newFakeCoordinator(0)
	boom := errors.New("boom")
	r := newTestRunner(t, fc, func(context.Context, Task) ([]models.Result, error) { return nil, boom })

	assert.ErrorIs(t, r.RunOnce(context.Background()), boom)
	assert.Empty(t, fc.submissions())
}

func TestRunOnceWaitsForMinimumLeaseAge(t *testing.T) {
	fc := newFakeCoordinator(0)
	var calls []Task
	r := newTestRunner(t, fc, fixedCompute(&calls))
	clock := clockwork.NewFakeClock()
	r.clock = clock
	r.cfg.MinSubmitElapsed = 10 * time.Second

	done := make(chan error, 1)
	go func() { done <- r.RunOnce(context.Background()) }()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, clock.BlockUntilContext(ctx, 1))
	assert.Empty(t, fc.submissions())

	clock.Advance(11 * time.Second)
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("runner did not submit after the wait elapsed")
	}
	subs := fc.submissions()
	require.Len(t, subs, 1)
	assert.Equal(t, int64(0), subs[0].SecondsElapsed)
}

func TestRunDrainsPoolThenBacksOff(t *testing.T) {
	fc := newFakeCoordinator(0, 10, 20)
	var calls []Task
	r := newTestRunner(t, fc, fixedCompute(&calls))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- r.Run(ctx) }()

	require.Eventually(t, func() bool { return fc.requests.Load() >= 6 }, 5*time.Second, 5*time.Millisecond)
	cancel()
	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(5 * time.Second):
		t.Fatal("runner did not stop")
	}

	subs := fc.submissions()
	require.Len(t, subs, 3)
	for i, want := range []int64{0, 10, 20} {
		assert.Equal(t, want, subs[i].SeedIndex)
	}
}
