// Package planner owns the allocation lifecycle: it keeps the current
// task set in storage, runs the allocator over it, archives superseded
// sets, and optionally re-plans on a cron trigger and exports the weekly
// calendar file.
package planner

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"weekplan/internal/ics"
	"weekplan/internal/schedule"
	"weekplan/internal/storage"
	logx "weekplan/pkg/logx"
	"weekplan/pkg/weektime"
)

// ErrNoTasks is returned when an allocation is requested before any task
// set has been submitted.
var ErrNoTasks = errors.New("no task set submitted")

type Config struct {
	Grid schedule.GridConfig

	Lateness    bool
	ReplanSpec  string // cron spec; empty disables the trigger
	ExportPath  string // weekly .ics output; empty disables export
	Timezone    string // IANA TZ for the trigger and calendar anchor
	HistorySize int
}

// Result is one completed allocation run.
type Result struct {
	RanAt     time.Time
	WeekStart time.Time
	Tasks     TaskSet
	Report    *schedule.Report
}

type Service struct {
	mu  sync.Mutex // serializes allocation runs and lifecycle changes
	log logx.Logger
	cfg Config

	store storage.Store

	parser cron.Parser
	c      *cron.Cron

	resMu  sync.RWMutex
	latest *Result
}

func New(cfg Config, store storage.Store, log logx.Logger) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Service{
		cfg:    cfg,
		store:  store,
		log:    log,
		parser: cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor),
	}
}

func (s *Service) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.startCronLocked()
}

func (s *Service) Stop(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stopCronLocked(ctx)
}

// Apply updates tunables in place and restarts the cron trigger when its
// spec or timezone changed.
func (s *Service) Apply(cfg Config) {
	s.mu.Lock()
	defer s.mu.Unlock()
	specChanged := s.cfg.ReplanSpec != cfg.ReplanSpec || s.cfg.Timezone != cfg.Timezone
	s.cfg = cfg
	if specChanged && s.c != nil {
		s.stopCronLocked(context.Background())
		s.startCronLocked()
	}
}

func (s *Service) startCronLocked() {
	spec := strings.TrimSpace(s.cfg.ReplanSpec)
	if spec == "" || s.c != nil {
		return
	}
	loc := s.locationLocked()
	c := cron.New(cron.WithParser(s.parser), cron.WithLocation(loc))
	_, err := c.AddFunc(spec, func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
		defer cancel()
		if _, err := s.Replan(ctx); err != nil && !errors.Is(err, ErrNoTasks) {
			s.log.Warn("scheduled replan failed", logx.Err(err))
		}
	})
	if err != nil {
		s.log.Warn("invalid replan spec", logx.String("spec", spec), logx.Err(err))
		return
	}
	c.Start()
	s.c = c
	s.log.Info("replan trigger started", logx.String("spec", spec), logx.String("tz", loc.String()))
}

func (s *Service) stopCronLocked(ctx context.Context) {
	if s.c == nil {
		return
	}
	stopped := s.c.Stop()
	select {
	case <-stopped.Done():
	case <-ctx.Done():
	}
	s.c = nil
}

func (s *Service) locationLocked() *time.Location {
	tz := strings.TrimSpace(s.cfg.Timezone)
	if tz == "" {
		return time.Local
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		s.log.Warn("invalid timezone, using local", logx.String("tz", tz), logx.Err(err))
		return time.Local
	}
	return loc
}

// Submit installs a new task set: the previous set is archived, the new
// one becomes current, and an allocation run is executed immediately.
func (s *Service) Submit(ctx context.Context, raw json.RawMessage) (*Result, error) {
	set, err := DecodeTaskSet(raw)
	if err != nil {
		return nil, err
	}
	if len(set) == 0 {
		return nil, fmt.Errorf("task set is empty")
	}
	// Reject unschedulable structures before touching storage.
	if _, err := set.ToSchedule(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.store.ReplaceTaskSet(ctx, raw); err != nil {
		return nil, err
	}
	if s.cfg.HistorySize > 0 {
		if err := s.store.PruneHistory(ctx, s.cfg.HistorySize); err != nil {
			s.log.Warn("history prune failed", logx.Err(err))
		}
	}
	return s.allocateLocked(ctx, set)
}

// Replan re-runs the allocator over the stored current task set.
func (s *Service) Replan(ctx context.Context) (*Result, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	raw, err := s.store.CurrentTaskSet(ctx)
	if err != nil {
		return nil, err
	}
	if raw == nil {
		return nil, ErrNoTasks
	}
	set, err := DecodeTaskSet(raw)
	if err != nil {
		return nil, err
	}
	return s.allocateLocked(ctx, set)
}

// Latest returns the most recent allocation result, or nil if none ran yet.
func (s *Service) Latest() *Result {
	s.resMu.RLock()
	defer s.resMu.RUnlock()
	return s.latest
}

// History lists archived task sets, newest first.
func (s *Service) History(ctx context.Context, limit int) ([]storage.Archive, error) {
	return s.store.History(ctx, limit)
}

func (s *Service) allocateLocked(ctx context.Context, set TaskSet) (*Result, error) {
	tasks, err := set.ToSchedule()
	if err != nil {
		return nil, err
	}

	started := time.Now()
	rep, err := schedule.Allocate(tasks, s.cfg.Grid, schedule.Options{
		Lateness: s.cfg.Lateness,
		Log:      s.log,
	})
	if err != nil {
		return nil, err
	}

	weekStart := weekStartIn(s.locationLocked())
	res := &Result{
		RanAt:     started,
		WeekStart: weekStart,
		Tasks:     FromSchedule(set, weekStart, rep.Placed),
		Report:    rep,
	}

	s.log.Info("allocation run finished",
		logx.Int("placed", len(rep.Placed)),
		logx.Int("unplaced", len(rep.Unplaced)),
		logx.Duration("took", time.Since(started)))

	if err := s.persistResult(ctx, res); err != nil {
		s.log.Warn("persisting allocation report failed", logx.Err(err))
	}
	if path := s.cfg.ExportPath; path != "" {
		if err := ics.WriteFile(path, weekStart, rep.Placed); err != nil {
			s.log.Warn("calendar export failed", logx.String("path", path), logx.Err(err))
		}
	}

	s.resMu.Lock()
	s.latest = res
	s.resMu.Unlock()
	return res, nil
}

// storedReport is the schema for the persisted latest report.
type storedReport struct {
	RanAt    time.Time          `json:"ran_at"`
	Placed   TaskSet            `json:"placed"`
	Unplaced []schedule.Failure `json:"unplaced"`
}

func (s *Service) persistResult(ctx context.Context, res *Result) error {
	b, err := json.Marshal(storedReport{
		RanAt:    res.RanAt,
		Placed:   res.Tasks,
		Unplaced: res.Report.Unplaced,
	})
	if err != nil {
		return err
	}
	return s.store.SaveReport(ctx, b)
}

func weekStartIn(loc *time.Location) time.Time {
	return weektime.WeekStart(time.Now().In(loc))
}
