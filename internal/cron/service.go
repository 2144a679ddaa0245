package cron

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	rcron "github.com/robfig/cron/v3"
	"go.uber.org/zap"
)

var (
	ErrUnknownJob   = errors.New("cron: unknown job")
	ErrDuplicateJob = errors.New("cron: job already registered")
)

const stopTimeout = 5 * time.Second

// parser accepts six-field expressions with a leading seconds field as
// well as descriptors like @every 15m.
var parser = rcron.NewParser(rcron.Second | rcron.Minute | rcron.Hour | rcron.Dom | rcron.Month | rcron.Dow | rcron.Descriptor)

// RunFunc is a scheduled unit of work. The returned string is a short
// status for logs.
type RunFunc func(ctx context.Context) (string, error)

type Job struct {
	Name string
	Expr string
	Run  RunFunc
}

// JobState is the persisted outcome of a job's last run.
type JobState struct {
	Name        string `json:"name"`
	Expr        string `json:"expr"`
	LastRunAtMs int64  `json:"lastRunAtMs,omitempty"`
	LastStatus  string `json:"lastStatus,omitempty"`
	LastResult  string `json:"lastResult,omitempty"`
	LastError   string `json:"lastError,omitempty"`
	Runs        int    `json:"runs"`
}

// Service runs registered jobs on their schedules and records the result of
// each run to storePath. A job never overlaps itself.
type Service struct {
	storePath string
	log       *zap.Logger
	now       func() time.Time

	mu      sync.Mutex
	jobs    map[string]*entry
	cron    *rcron.Cron
	runCtx  context.Context
	cancel  context.CancelFunc
	running bool
}

type entry struct {
	job   Job
	state JobState
	busy  sync.Mutex
}

func NewService(storePath string, log *zap.Logger) *Service {
	if log == nil {
		log = zap.NewNop()
	}
	return &Service{
		storePath: storePath,
		log:       log,
		now:       time.Now,
		jobs:      make(map[string]*entry),
	}
}

// ValidateExpr reports whether expr is a schedule the service accepts.
func ValidateExpr(expr string) error {
	if _, err := parser.Parse(expr); err != nil {
		return fmt.Errorf("parse schedule %q: %w", expr, err)
	}
	return nil
}

// Add registers a job. Jobs added after Start are scheduled immediately.
func (s *Service) Add(job Job) error {
	if job.Name == "" {
		return errors.New("cron: job name is required")
	}
	if job.Run == nil {
		return fmt.Errorf("cron: job %s has no run func", job.Name)
	}
	if err := ValidateExpr(job.Expr); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.jobs[job.Name]; ok {
		return fmt.Errorf("%w: %s", ErrDuplicateJob, job.Name)
	}
	e := &entry{job: job, state: JobState{Name: job.Name, Expr: job.Expr}}
	s.jobs[job.Name] = e
	if s.cron != nil {
		if err := s.schedule(e); err != nil {
			delete(s.jobs, job.Name)
			return err
		}
	}
	return nil
}

func (s *Service) schedule(e *entry) error {
	name := e.job.Name
	_, err := s.cron.AddFunc(e.job.Expr, func() {
		s.mu.Lock()
		ctx := s.runCtx
		s.mu.Unlock()
		if ctx == nil {
			return
		}
		if _, err := s.RunNow(ctx, name); err != nil && !errors.Is(err, errJobBusy) {
			s.log.Debug("scheduled run failed", zap.String("job", name), zap.Error(err))
		}
	})
	if err != nil {
		return fmt.Errorf("register job %s: %w", name, err)
	}
	return nil
}

func (s *Service) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return errors.New("cron: already started")
	}
	s.runCtx, s.cancel = context.WithCancel(ctx)
	s.cron = rcron.New(rcron.WithParser(parser))
	for _, e := range s.jobs {
		if err := s.schedule(e); err != nil {
			s.cancel()
			s.cron = nil
			s.mu.Unlock()
			return err
		}
	}
	s.running = true
	c := s.cron
	n := len(s.jobs)
	s.mu.Unlock()

	c.Start()
	s.log.Info("cron started", zap.Int("jobs", n))
	return nil
}

// Stop halts scheduling and waits briefly for running jobs.
func (s *Service) Stop() {
	s.mu.Lock()
	c := s.cron
	cancel := s.cancel
	wasRunning := s.running
	s.cron = nil
	s.cancel = nil
	s.runCtx = nil
	s.running = false
	s.mu.Unlock()
	if !wasRunning {
		return
	}

	if cancel != nil {
		cancel()
	}
	stopCtx := c.Stop()
	select {
	case <-stopCtx.Done():
	case <-time.After(stopTimeout):
		s.log.Warn("cron stop timed out waiting for running jobs")
	}
	s.log.Info("cron stopped")
}

var errJobBusy = errors.New("cron: job already running")

// RunNow executes the named job synchronously and records the outcome.
func (s *Service) RunNow(ctx context.Context, name string) (string, error) {
	s.mu.Lock()
	e, ok := s.jobs[name]
	s.mu.Unlock()
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrUnknownJob, name)
	}
	if !e.busy.TryLock() {
		s.log.Warn("skipping overlapping run", zap.String("job", name))
		return "", errJobBusy
	}
	defer e.busy.Unlock()

	s.log.Info("running job", zap.String("job", name))
	result, err := e.job.Run(ctx)

	s.mu.Lock()
	e.state.Runs++
	e.state.LastRunAtMs = s.now().UnixMilli()
	if err != nil {
		e.state.LastStatus = "error"
		e.state.LastError = err.Error()
		e.state.LastResult = ""
	} else {
		e.state.LastStatus = "ok"
		e.state.LastError = ""
		e.state.LastResult = truncate(result, 200)
	}
	saveErr := s.save()
	s.mu.Unlock()

	if err != nil {
		s.log.Warn("job failed", zap.String("job", name), zap.Error(err))
	} else {
		s.log.Info("job done", zap.String("job", name), zap.String("result", truncate(result, 100)))
	}
	if saveErr != nil {
		s.log.Warn("save job state failed", zap.String("path", s.storePath), zap.Error(saveErr))
	}
	return result, err
}

// States returns the current state of every job, sorted by name.
func (s *Service) States() []JobState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.statesLocked()
}

func (s *Service) statesLocked() []JobState {
	out := make([]JobState, 0, len(s.jobs))
	for _, e := range s.jobs {
		out = append(out, e.state)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

func (s *Service) save() error {
	if s.storePath == "" {
		return nil
	}
	if err := os.MkdirAll(filepath.Dir(s.storePath), 0755); err != nil {
		return err
	}
	data, err := json.MarshalIndent(s.statesLocked(), "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(s.storePath, data, 0644)
}

// LoadStates reads job states written by a running service. A missing file
// yields no states.
func LoadStates(path string) ([]JobState, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	var states []JobState
	if err := json.Unmarshal(data, &states); err != nil {
		return nil, fmt.Errorf("parse job states: %w", err)
	}
	return states, nil
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n]) + "..."
}
