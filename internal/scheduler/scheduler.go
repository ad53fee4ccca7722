// Package scheduler runs the station's periodic routines on robfig/cron. A
// routine never overlaps with itself: a tick that fires while the previous
// run is still going is skipped.
package scheduler

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/R3E-Network/gasstation/internal/logging"
	"github.com/R3E-Network/gasstation/internal/metrics"
)

// Routine is a unit of periodic work.
type Routine interface {
	Name() string
	Run(ctx context.Context) error
}

// RunInfo describes the most recent run of a routine.
type RunInfo struct {
	Started  time.Time     `json:"started"`
	Duration time.Duration `json:"duration"`
	Err      string        `json:"error,omitempty"`
	Runs     int64         `json:"runs"`
}

// Scheduler owns the cron driver and the shared last-run map.
type Scheduler struct {
	cron    *cron.Cron
	log     *logging.Logger
	metrics *metrics.Metrics

	mu      sync.Mutex
	ctx     context.Context
	cancel  context.CancelFunc
	running bool
	entries map[string]cron.EntryID
	lastRun map[string]RunInfo
}

// New creates a scheduler. m may be nil.
func New(log *logging.Logger, m *metrics.Metrics) *Scheduler {
	if log == nil {
		log = logging.NewDefault("scheduler")
	}
	cronLog := cron.PrintfLogger(log)
	return &Scheduler{
		cron: cron.New(cron.WithChain(
			cron.Recover(cronLog),
			cron.SkipIfStillRunning(cronLog),
		)),
		log:     log,
		metrics: m,
		ctx:     context.Background(),
		entries: make(map[string]cron.EntryID),
		lastRun: make(map[string]RunInfo),
	}
}

// Register schedules r every interval. Names must be unique.
func (s *Scheduler) Register(r Routine, interval time.Duration) error {
	if interval <= 0 {
		return fmt.Errorf("routine %s: interval must be positive", r.Name())
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.entries[r.Name()]; exists {
		return fmt.Errorf("routine %s already registered", r.Name())
	}
	id := s.cron.Schedule(cron.Every(interval), cron.FuncJob(func() { s.run(r) }))
	s.entries[r.Name()] = id
	s.log.WithFields(map[string]interface{}{
		"routine":  r.Name(),
		"interval": interval.String(),
	}).Info("routine registered")
	return nil
}

func (s *Scheduler) run(r Routine) {
	s.mu.Lock()
	ctx := s.ctx
	s.mu.Unlock()

	start := time.Now()
	err := r.Run(ctx)
	duration := time.Since(start)

	s.mu.Lock()
	info := s.lastRun[r.Name()]
	info.Started = start
	info.Duration = duration
	info.Err = ""
	if err != nil {
		info.Err = err.Error()
	}
	info.Runs++
	s.lastRun[r.Name()] = info
	s.mu.Unlock()

	if s.metrics != nil {
		s.metrics.RecordRoutine(r.Name(), err == nil, duration)
	}
	if err != nil {
		s.log.WithContext(ctx).WithError(err).WithField("routine", r.Name()).Warn("routine run failed")
	}
}

// Trigger runs a registered routine now, through the same skip-if-running
// guard as scheduled ticks. It blocks until the run finishes or is skipped.
func (s *Scheduler) Trigger(name string) error {
	s.mu.Lock()
	id, ok := s.entries[name]
	s.mu.Unlock()
	if !ok {
		return fmt.Errorf("routine %s not registered", name)
	}
	s.cron.Entry(id).WrappedJob.Run()
	return nil
}

// TriggerAll runs every registered routine once, in name order.
func (s *Scheduler) TriggerAll() {
	for _, name := range s.Names() {
		_ = s.Trigger(name)
	}
}

// Names returns the registered routine names.
func (s *Scheduler) Names() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	names := make([]string, 0, len(s.entries))
	for name := range s.entries {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// LastRun returns the most recent run of a routine.
func (s *Scheduler) LastRun(name string) (RunInfo, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	info, ok := s.lastRun[name]
	return info, ok
}

// LastRuns returns a copy of the last-run map.
func (s *Scheduler) LastRuns() map[string]RunInfo {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]RunInfo, len(s.lastRun))
	for k, v := range s.lastRun {
		out[k] = v
	}
	return out
}

func (s *Scheduler) Name() string { return "scheduler" }

// Start begins firing routines. Runs receive a context derived from ctx that
// is cancelled by Stop.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return nil
	}
	s.ctx, s.cancel = context.WithCancel(ctx)
	s.running = true
	s.cron.Start()
	s.log.WithField("routines", len(s.entries)).Info("scheduler started")
	return nil
}

// Stop halts the scheduler and waits for in-flight runs or ctx.
func (s *Scheduler) Stop(ctx context.Context) error {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return nil
	}
	s.running = false
	cancel := s.cancel
	s.mu.Unlock()

	cancel()
	done := s.cron.Stop()
	select {
	case <-done.Done():
		s.log.Info("scheduler stopped")
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
