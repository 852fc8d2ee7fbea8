// Package cron runs the bot's periodic maintenance jobs (catalog refresh)
// and records the outcome of each run.
package cron

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	rcron "github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/stellarlinkco/intentclaw/internal/logging"
)

// Schedules accept an optional seconds field and descriptors like
// "@every 6h" or "@daily".
var parser = rcron.NewParser(
	rcron.SecondOptional | rcron.Minute | rcron.Hour | rcron.Dom | rcron.Month | rcron.Dow | rcron.Descriptor,
)

// RunFunc is one job body.
type RunFunc func(ctx context.Context) error

// JobState is persisted after every run.
type JobState struct {
	Schedule    string `json:"schedule"`
	LastRunAtMs int64  `json:"lastRunAtMs,omitempty"`
	LastStatus  string `json:"lastStatus,omitempty"`
	LastError   string `json:"lastError,omitempty"`
	Runs        int    `json:"runs"`
}

type job struct {
	name     string
	schedule string
	run      RunFunc
	entry    rcron.EntryID
}

type Service struct {
	storePath string
	logger    *zap.Logger

	// OnResult, when set, is called after every run.
	OnResult func(name string, err error)

	mu     sync.Mutex
	jobs   map[string]*job
	states map[string]JobState
	cron   *rcron.Cron
	ctx    context.Context
	cancel context.CancelFunc
	stopCh chan struct{}
}

// NewService returns a scheduler persisting job state to storePath; an
// empty path keeps state in memory only.
func NewService(storePath string, logger *zap.Logger) *Service {
	return &Service{
		storePath: storePath,
		logger:    logging.OrNop(logger).Named("cron"),
		jobs:      make(map[string]*job),
		states:    make(map[string]JobState),
	}
}

// Add registers a job. It may be called before or after Start.
func (s *Service) Add(name, schedule string, run RunFunc) error {
	if _, err := parser.Parse(schedule); err != nil {
		return fmt.Errorf("parse schedule %q for job %s: %w", schedule, name, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.jobs[name]; exists {
		return fmt.Errorf("job %s already registered", name)
	}
	j := &job{name: name, schedule: schedule, run: run}
	s.jobs[name] = j
	st := s.states[name]
	st.Schedule = schedule
	s.states[name] = st
	if s.cron != nil {
		return s.register(j)
	}
	return nil
}

func (s *Service) Start(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)
	stopCh := make(chan struct{})

	if err := s.load(); err != nil {
		s.logger.Warn("failed to load job state", zap.String("path", s.storePath), zap.Error(err))
	}

	s.mu.Lock()
	s.ctx = runCtx
	s.cancel = cancel
	s.stopCh = stopCh
	s.cron = rcron.New(rcron.WithParser(parser))
	for _, j := range s.jobs {
		if err := s.register(j); err != nil {
			s.mu.Unlock()
			cancel()
			return err
		}
	}
	n := len(s.jobs)
	s.mu.Unlock()

	s.cron.Start()
	s.logger.Info("started", zap.Int("jobs", n))

	go func() {
		select {
		case <-ctx.Done():
			s.Stop()
		case <-stopCh:
		}
	}()
	return nil
}

func (s *Service) register(j *job) error {
	id, err := s.cron.AddFunc(j.schedule, func() { s.execute(j) })
	if err != nil {
		return fmt.Errorf("register job %s (%s): %w", j.name, j.schedule, err)
	}
	j.entry = id
	return nil
}

// RunNow executes the named job synchronously, outside its schedule.
func (s *Service) RunNow(ctx context.Context, name string) error {
	s.mu.Lock()
	j, ok := s.jobs[name]
	s.mu.Unlock()
	if !ok {
		return fmt.Errorf("job %s not found", name)
	}
	return s.runJob(ctx, j)
}

func (s *Service) execute(j *job) {
	s.mu.Lock()
	ctx := s.ctx
	s.mu.Unlock()
	if ctx == nil {
		ctx = context.Background()
	}
	_ = s.runJob(ctx, j)
}

func (s *Service) runJob(ctx context.Context, j *job) error {
	s.logger.Debug("executing job", zap.String("job", j.name))
	start := time.Now()
	err := j.run(ctx)

	s.mu.Lock()
	st := s.states[j.name]
	st.Schedule = j.schedule
	st.LastRunAtMs = start.UnixMilli()
	st.Runs++
	if err != nil {
		st.LastStatus = "error"
		st.LastError = err.Error()
		s.logger.Warn("job failed", zap.String("job", j.name), zap.Error(err))
	} else {
		st.LastStatus = "ok"
		st.LastError = ""
		s.logger.Info("job finished", zap.String("job", j.name), zap.Duration("elapsed", time.Since(start)))
	}
	s.states[j.name] = st
	if saveErr := s.save(); saveErr != nil {
		s.logger.Warn("failed to save job state", zap.Error(saveErr))
	}
	s.mu.Unlock()

	if s.OnResult != nil {
		s.OnResult(j.name, err)
	}
	return err
}

func (s *Service) Stop() {
	s.mu.Lock()
	cancel := s.cancel
	stopCh := s.stopCh
	c := s.cron
	s.cancel = nil
	s.stopCh = nil
	s.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	if stopCh != nil {
		close(stopCh)
	}

	if c != nil {
		stopCtx := c.Stop()
		select {
		case <-stopCtx.Done():
		case <-time.After(5 * time.Second):
			s.logger.Warn("stop timeout waiting for running jobs")
		}
	}
	s.logger.Info("stopped")
}

// States returns a copy of every known job state, keyed by job name.
func (s *Service) States() map[string]JobState {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]JobState, len(s.states))
	for k, v := range s.states {
		out[k] = v
	}
	return out
}

// Names lists registered jobs, sorted.
func (s *Service) Names() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.jobs))
	for name := range s.jobs {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// LoadStates reads a state file written by a Service.
func LoadStates(path string) (map[string]JobState, error) {
	states := map[string]JobState{}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return states, nil
		}
		return nil, err
	}
	if err := json.Unmarshal(data, &states); err != nil {
		return nil, fmt.Errorf("parse job state: %w", err)
	}
	return states, nil
}

func (s *Service) load() error {
	if s.storePath == "" {
		return nil
	}
	states, err := LoadStates(s.storePath)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for name, st := range states {
		if cur, ok := s.states[name]; ok {
			st.Schedule = cur.Schedule
		}
		if _, ok := s.jobs[name]; ok {
			s.states[name] = st
		}
	}
	return nil
}

// save must be called with s.mu held.
func (s *Service) save() error {
	if s.storePath == "" {
		return nil
	}
	if err := os.MkdirAll(filepath.Dir(s.storePath), 0755); err != nil {
		return err
	}
	data, err := json.MarshalIndent(s.states, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(s.storePath, data, 0644)
}
