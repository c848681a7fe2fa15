package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/adnotifier/internal/config"
	"github.com/JakeFAU/adnotifier/internal/monitor"
	"github.com/JakeFAU/adnotifier/internal/registry"
	"github.com/JakeFAU/adnotifier/internal/scheduler"
	"github.com/JakeFAU/adnotifier/internal/storage/memory"
	"github.com/JakeFAU/adnotifier/internal/worker"
)

const jobID = "check_adv_count"

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(time.Second)
	return c.now
}

type seqIDs struct {
	mu sync.Mutex
	n  int
}

func (s *seqIDs) NewID() (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.n++
	return fmt.Sprintf("id-%d", s.n), nil
}

type stubObserver struct {
	mu  sync.Mutex
	obs monitor.Observation
	err error
}

func (s *stubObserver) set(count int, hash string, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.obs = monitor.Observation{Extraction: monitor.Extraction{Count: count}, Fingerprint: hash}
	s.err = err
}

func (s *stubObserver) Observe(context.Context, string, string) (monitor.Observation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.obs, s.err
}

type nopDispatcher struct{}

func (nopDispatcher) Dispatch(context.Context, []monitor.UserBatch) monitor.DispatchReport {
	return monitor.DispatchReport{}
}

type testEnv struct {
	server   *Server
	sched    *scheduler.Scheduler
	observer *stubObserver
	runs     *atomic.Int32
	release  chan struct{}
}

func newTestEnv(t *testing.T, cfg config.Config) *testEnv {
	t.Helper()

	clock := &fakeClock{now: time.Date(2026, 6, 1, 0, 0, 0, 0, time.UTC)}
	store := memory.NewStore()
	observer := &stubObserver{}
	observer.set(1, "h1", nil)
	reg := registry.New(store, observer, &seqIDs{}, clock, nil)
	w := worker.New(store, observer, nopDispatcher{}, clock, worker.Config{}, nil)

	sched := scheduler.New(clock, zap.NewNop())
	t.Cleanup(sched.Stop)

	env := &testEnv{sched: sched, observer: observer, runs: &atomic.Int32{}, release: make(chan struct{})}
	job := func(ctx context.Context) error {
		env.runs.Add(1)
		select {
		case <-env.release:
		case <-ctx.Done():
		}
		return nil
	}
	require.NoError(t, sched.Register(jobID, time.Hour, job))
	sched.Start()

	env.server = NewServer(Deps{
		Cycles:      sched,
		JobID:       jobID,
		Job:         job,
		Registry:    reg,
		Revalidator: w,
	}, cfg, zap.NewNop())
	return env
}

func (e *testEnv) do(t *testing.T, method, path, body string, header ...string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, bytes.NewReader([]byte(body)))
	for i := 0; i+1 < len(header); i += 2 {
		req.Header.Set(header[i], header[i+1])
	}
	rec := httptest.NewRecorder()
	e.server.Handler().ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var out T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out), rec.Body.String())
	return out
}

func TestServer_Healthz(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, config.Config{})
	rec := env.do(t, http.MethodGet, "/healthz", "")
	require.Equal(t, http.StatusOK, rec.Code)
	require.NotEmpty(t, rec.Header().Get("X-Request-ID"))
}

func TestServer_Metrics(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, config.Config{})
	env.do(t, http.MethodGet, "/healthz", "")
	rec := env.do(t, http.MethodGet, "/metrics", "")
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), "adnotifier_http_requests_total")
}

func TestServer_APIKeyGuardsV1Only(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, config.Config{Auth: config.AuthConfig{Enabled: true, APIKey: "secret"}})
	require.Equal(t, http.StatusUnauthorized, env.do(t, http.MethodGet, "/v1/cycle", "").Code)
	require.Equal(t, http.StatusUnauthorized, env.do(t, http.MethodGet, "/v1/cycle", "", "X-API-Key", "wrong").Code)
	require.Equal(t, http.StatusOK, env.do(t, http.MethodGet, "/v1/cycle", "", "X-API-Key", "secret").Code)
	require.Equal(t, http.StatusOK, env.do(t, http.MethodGet, "/healthz", "").Code)
}

func TestServer_CycleLifecycle(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, config.Config{})

	status := decode[scheduler.Status](t, env.do(t, http.MethodGet, "/v1/cycle", ""))
	require.True(t, status.Registered)
	require.Equal(t, time.Hour, status.Interval)

	rec := env.do(t, http.MethodPost, "/v1/cycle", "")
	require.Equal(t, http.StatusAccepted, rec.Code)
	require.Eventually(t, func() bool {
		s, _ := env.sched.Status(jobID)
		return s.Running
	}, time.Second, 5*time.Millisecond)

	// A second trigger while running is skipped.
	require.Equal(t, http.StatusConflict, env.do(t, http.MethodPost, "/v1/cycle", "").Code)
	close(env.release)
	require.Eventually(t, func() bool {
		s, _ := env.sched.Status(jobID)
		return !s.Running && s.Runs == 1
	}, time.Second, 5*time.Millisecond)

	canceled := decode[map[string]any](t, env.do(t, http.MethodDelete, "/v1/cycle", ""))
	require.Equal(t, true, canceled["canceled"])
	canceled = decode[map[string]any](t, env.do(t, http.MethodDelete, "/v1/cycle", ""))
	require.Equal(t, false, canceled["canceled"])

	status = decode[scheduler.Status](t, env.do(t, http.MethodGet, "/v1/cycle", ""))
	require.False(t, status.Registered)
	require.Equal(t, http.StatusNotFound, env.do(t, http.MethodPost, "/v1/cycle", "").Code)
}

func TestServer_ScheduleCycle(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, config.Config{})
	rec := env.do(t, http.MethodPost, "/v1/cycle/schedule", `{"interval":"10s"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	status := decode[scheduler.Status](t, rec)
	require.Equal(t, 10*time.Second, status.Interval)

	require.Equal(t, http.StatusBadRequest, env.do(t, http.MethodPost, "/v1/cycle/schedule", `{"interval":"soon"}`).Code)
	require.Equal(t, http.StatusBadRequest, env.do(t, http.MethodPost, "/v1/cycle/schedule", `{"interval":"-1s"}`).Code)
	require.Equal(t, http.StatusBadRequest, env.do(t, http.MethodPost, "/v1/cycle/schedule", `{"every":"1s"}`).Code)
}

func TestServer_UserAndEntryLifecycle(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, config.Config{})

	rec := env.do(t, http.MethodPost, "/v1/users", `{"full_name":"Nino","email":"nino@example.com"}`)
	require.Equal(t, http.StatusCreated, rec.Code)
	user := decode[monitor.User](t, rec)
	require.NotEmpty(t, user.ID)

	rec = env.do(t, http.MethodPost, "/v1/users/"+user.ID+"/entries",
		`{"title":"Flat","query_str":"12345","url":"https://ads.example/list"}`)
	require.Equal(t, http.StatusCreated, rec.Code)
	entry := decode[monitor.MonitoredEntry](t, rec)
	require.Equal(t, 1, entry.OccurrenceCount)
	require.Equal(t, "h1", entry.PageContentHash)

	list := decode[map[string][]monitor.MonitoredEntry](t, env.do(t, http.MethodGet, "/v1/users/"+user.ID+"/entries", ""))
	require.Len(t, list["entries"], 1)

	env.observer.set(4, "h2", nil)
	rec = env.do(t, http.MethodPost, "/v1/entries/"+entry.ID+"/revalidate", "")
	require.Equal(t, http.StatusOK, rec.Code)
	reval := decode[revalidateResponse](t, rec)
	require.Equal(t, monitor.CountChanged, reval.Kind)
	require.Equal(t, 4, reval.Entry.OccurrenceCount)
	require.NotNil(t, reval.Record)
	require.Equal(t, 4, reval.Record.AdvCount)

	require.Equal(t, http.StatusNoContent, env.do(t, http.MethodDelete, "/v1/entries/"+entry.ID, "").Code)
	require.Equal(t, http.StatusNotFound, env.do(t, http.MethodDelete, "/v1/entries/"+entry.ID, "").Code)
	require.Equal(t, http.StatusNoContent, env.do(t, http.MethodDelete, "/v1/users/"+user.ID, "").Code)
	require.Equal(t, http.StatusNotFound, env.do(t, http.MethodGet, "/v1/users/"+user.ID+"/entries", "").Code)
}

func TestServer_RegisterEntryErrors(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, config.Config{})
	user := decode[monitor.User](t, env.do(t, http.MethodPost, "/v1/users", `{"full_name":"A","email":"a@example.com"}`))
	path := "/v1/users/" + user.ID + "/entries"

	require.Equal(t, http.StatusBadRequest, env.do(t, http.MethodPost, path, `{invalid`).Code)
	require.Equal(t, http.StatusBadRequest, env.do(t, http.MethodPost, path, `{"title":"t","url":"https://a.example"}`).Code)
	require.Equal(t, http.StatusNotFound, env.do(t, http.MethodPost, "/v1/users/ghost/entries",
		`{"title":"t","query_str":"1","url":"https://a.example"}`).Code)

	env.observer.set(0, "", fmt.Errorf("%w: status 503", monitor.ErrFetch))
	rec := env.do(t, http.MethodPost, path, `{"title":"t","query_str":"1","url":"https://a.example"}`)
	require.Equal(t, http.StatusUnprocessableEntity, rec.Code)
	require.Contains(t, rec.Body.String(), "fetch failed")
}

func TestServer_RevalidateUnreachable(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, config.Config{})
	user := decode[monitor.User](t, env.do(t, http.MethodPost, "/v1/users", `{"full_name":"A","email":"a@example.com"}`))
	entry := decode[monitor.MonitoredEntry](t, env.do(t, http.MethodPost, "/v1/users/"+user.ID+"/entries",
		`{"title":"t","query_str":"1","url":"https://a.example"}`))

	env.observer.set(0, "", fmt.Errorf("%w: dial tcp: timeout", monitor.ErrFetch))
	rec := env.do(t, http.MethodPost, "/v1/entries/"+entry.ID+"/revalidate", "")
	require.Equal(t, http.StatusOK, rec.Code)
	reval := decode[revalidateResponse](t, rec)
	require.Equal(t, monitor.Unreachable, reval.Kind)
	require.Nil(t, reval.Record)
	require.Contains(t, reval.Error, "timeout")
	require.Equal(t, 1, reval.Entry.OccurrenceCount)

	require.Equal(t, http.StatusNotFound, env.do(t, http.MethodPost, "/v1/entries/ghost/revalidate", "").Code)
}

func TestServer_RecoversFromPanic(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, config.Config{})
	env.server.deps.Registry = nil
	rec := env.do(t, http.MethodPost, "/v1/users", `{"full_name":"A","email":"a@example.com"}`)
	require.Equal(t, http.StatusInternalServerError, rec.Code)
}

func TestStatusFor(t *testing.T) {
	t.Parallel()

	cases := map[error]int{
		monitor.ErrInvalidEntry:  http.StatusBadRequest,
		monitor.ErrNotFound:      http.StatusNotFound,
		monitor.ErrFetch:         http.StatusUnprocessableEntity,
		scheduler.ErrSkipped:     http.StatusConflict,
		scheduler.ErrStopped:     http.StatusServiceUnavailable,
		monitor.ErrPersistence:   http.StatusInternalServerError,
		context.DeadlineExceeded: http.StatusGatewayTimeout,
	}
	for err, want := range cases {
		require.Equal(t, want, statusFor(fmt.Errorf("wrapped: %w", err)), err.Error())
	}
}
