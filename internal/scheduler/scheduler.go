// Package scheduler runs registered jobs on fixed intervals without overlap.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/adnotifier/internal/metrics"
	"github.com/JakeFAU/adnotifier/internal/monitor"
)

// DefaultInterval is the detection cycle period when none is configured.
const DefaultInterval = 48 * time.Hour

var (
	// ErrSkipped is returned when a trigger finds the job already running.
	ErrSkipped = errors.New("job already running")
	// ErrStopped is returned after Stop.
	ErrStopped = errors.New("scheduler stopped")
)

// Job is one unit of scheduled work. It must return promptly once ctx is canceled.
type Job func(ctx context.Context) error

// Status is a point-in-time view of one registration.
type Status struct {
	ID          string        `json:"id"`
	Registered  bool          `json:"registered"`
	Interval    time.Duration `json:"interval"`
	NextRunTime time.Time     `json:"next_run_time"`
	Running     bool          `json:"running"`
	LastRun     time.Time     `json:"last_run"`
	LastError   string        `json:"last_error,omitempty"`
	Runs        int64         `json:"runs"`
	Skipped     int64         `json:"skipped"`
}

// RegisterOption customizes a registration.
type RegisterOption func(*registration)

// RunImmediately runs the job once as soon as the registration starts.
func RunImmediately() RegisterOption {
	return func(r *registration) {
		r.runOnStart = true
	}
}

type registration struct {
	id         string
	interval   time.Duration
	job        Job
	runOnStart bool

	// ctx scopes the runs; canceling it also stops the ticker loop.
	ctx    context.Context
	cancel context.CancelFunc
	// stopLoop ends only the ticker loop, letting an in-flight run finish.
	stopLoop chan struct{}
	stopOnce sync.Once

	runMu sync.Mutex

	statsMu sync.Mutex
	running bool
	nextRun time.Time
	lastRun time.Time
	lastErr string
	runs    int64
	skipped int64
}

func (r *registration) halt() {
	r.stopOnce.Do(func() { close(r.stopLoop) })
}

// Scheduler owns the registrations. It is an explicit instance; there is no global.
type Scheduler struct {
	mu      sync.Mutex
	regs    map[string]*registration
	started bool
	stopped bool

	root       context.Context
	rootCancel context.CancelFunc
	wg         sync.WaitGroup

	now    func() time.Time
	logger *zap.Logger
}

// New builds a Scheduler. A nil clock uses time.Now.
func New(clock monitor.Clock, logger *zap.Logger) *Scheduler {
	if logger == nil {
		logger = zap.NewNop()
	}
	now := time.Now
	if clock != nil {
		now = clock.Now
	}
	root, cancel := context.WithCancel(context.Background())
	return &Scheduler{
		regs:       make(map[string]*registration),
		root:       root,
		rootCancel: cancel,
		now:        now,
		logger:     logger,
	}
}

// Register adds job under id, replacing any previous registration of the same id.
// The replaced registration's ticker stops at once; its in-flight run, if any, completes.
func (s *Scheduler) Register(id string, interval time.Duration, job Job, opts ...RegisterOption) error {
	if id == "" {
		return fmt.Errorf("job id is required")
	}
	if interval <= 0 {
		return fmt.Errorf("interval must be positive, got %s", interval)
	}
	if job == nil {
		return fmt.Errorf("job is required")
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return ErrStopped
	}

	reg := &registration{
		id:       id,
		interval: interval,
		job:      job,
		stopLoop: make(chan struct{}),
	}
	for _, opt := range opts {
		opt(reg)
	}
	reg.ctx, reg.cancel = context.WithCancel(s.root)

	if old, ok := s.regs[id]; ok {
		old.halt()
		s.logger.Info("replacing job registration", zap.String("job_id", id), zap.Duration("interval", interval))
	}
	s.regs[id] = reg
	if s.started {
		s.launch(reg)
	}
	return nil
}

// Start begins ticking every registration. Calling it twice is a no-op.
func (s *Scheduler) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started || s.stopped {
		return
	}
	s.started = true
	for _, reg := range s.regs {
		s.launch(reg)
	}
}

// Stop cancels every registration and waits for in-flight runs to return.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return
	}
	s.stopped = true
	for _, reg := range s.regs {
		reg.halt()
	}
	s.mu.Unlock()

	s.rootCancel()
	s.wg.Wait()
}

// Cancel removes the registration for id and cancels its in-flight run.
// It reports whether a registration existed; an unknown id is not an error.
func (s *Scheduler) Cancel(id string) bool {
	s.mu.Lock()
	reg, ok := s.regs[id]
	if ok {
		delete(s.regs, id)
	}
	s.mu.Unlock()
	if !ok {
		return false
	}
	reg.halt()
	reg.cancel()
	s.logger.Info("job registration canceled", zap.String("job_id", id))
	return true
}

// Status reports the state of id.
func (s *Scheduler) Status(id string) (Status, bool) {
	s.mu.Lock()
	reg, ok := s.regs[id]
	s.mu.Unlock()
	if !ok {
		return Status{ID: id}, false
	}
	reg.statsMu.Lock()
	defer reg.statsMu.Unlock()
	return Status{
		ID:          id,
		Registered:  true,
		Interval:    reg.interval,
		NextRunTime: reg.nextRun,
		Running:     reg.running,
		LastRun:     reg.lastRun,
		LastError:   reg.lastErr,
		Runs:        reg.runs,
		Skipped:     reg.skipped,
	}, true
}

// TriggerNow runs id on the calling goroutine. It returns ErrSkipped if a run is in progress.
func (s *Scheduler) TriggerNow(ctx context.Context, id string) error {
	reg, err := s.acquire(id)
	if err != nil {
		return err
	}
	defer s.wg.Done()

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	stop := context.AfterFunc(reg.ctx, cancel)
	defer stop()

	return s.run(runCtx, reg)
}

// Trigger starts a run of id in the background. It returns ErrSkipped if a run is in progress.
func (s *Scheduler) Trigger(id string) error {
	reg, err := s.acquire(id)
	if err != nil {
		return err
	}
	go func() {
		defer s.wg.Done()
		_ = s.run(reg.ctx, reg)
	}()
	return nil
}

// acquire takes the run lock of id and counts the run in s.wg.
func (s *Scheduler) acquire(id string) (*registration, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return nil, ErrStopped
	}
	reg, ok := s.regs[id]
	if !ok {
		return nil, fmt.Errorf("job %s: %w", id, monitor.ErrNotFound)
	}
	if !reg.runMu.TryLock() {
		s.skip(reg, "manual")
		return nil, ErrSkipped
	}
	s.wg.Add(1)
	return reg, nil
}

// launch must be called with s.mu held.
func (s *Scheduler) launch(reg *registration) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.loop(reg)
	}()
}

func (s *Scheduler) loop(reg *registration) {
	ticker := time.NewTicker(reg.interval)
	defer ticker.Stop()
	s.setNextRun(reg, s.now().Add(reg.interval))

	if reg.runOnStart {
		s.tick(reg)
	}
	for {
		select {
		case <-reg.stopLoop:
			return
		case <-reg.ctx.Done():
			return
		case <-ticker.C:
			s.setNextRun(reg, s.now().Add(reg.interval))
			s.tick(reg)
		}
	}
}

func (s *Scheduler) tick(reg *registration) {
	if !reg.runMu.TryLock() {
		s.skip(reg, "interval")
		return
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		_ = s.run(reg.ctx, reg)
	}()
}

// run executes the job; reg.runMu must be held and is released here.
func (s *Scheduler) run(ctx context.Context, reg *registration) error {
	defer reg.runMu.Unlock()

	reg.statsMu.Lock()
	reg.running = true
	reg.statsMu.Unlock()

	start := s.now()
	err := reg.job(ctx)

	reg.statsMu.Lock()
	reg.running = false
	reg.lastRun = start
	reg.runs++
	reg.lastErr = ""
	if err != nil {
		reg.lastErr = err.Error()
	}
	reg.statsMu.Unlock()

	if err != nil {
		s.logger.Error("scheduled job failed", zap.String("job_id", reg.id), zap.Error(err))
	}
	return err
}

func (s *Scheduler) skip(reg *registration, source string) {
	reg.statsMu.Lock()
	reg.skipped++
	reg.statsMu.Unlock()
	metrics.ObserveCycle("skipped", 0)
	s.logger.Warn("job still running, trigger skipped",
		zap.String("job_id", reg.id),
		zap.String("source", source),
	)
}

func (s *Scheduler) setNextRun(reg *registration, at time.Time) {
	reg.statsMu.Lock()
	reg.nextRun = at
	reg.statsMu.Unlock()
}
