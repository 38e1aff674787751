package planner

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"weekplan/internal/schedule"
	"weekplan/internal/storage"
	logx "weekplan/pkg/logx"
	"weekplan/pkg/weektime"
)

func newTestService(t *testing.T, mutate func(*Config)) *Service {
	t.Helper()
	st, err := storage.Open(storage.Config{
		Driver: "file",
		Path:   filepath.Join(t.TempDir(), "store"),
	}, logx.Nop())
	if err != nil {
		t.Fatalf("storage.Open: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })

	cfg := Config{
		Grid:        schedule.GridConfig{WorkStart: 540, WorkEnd: 1020},
		HistorySize: 5,
	}
	if mutate != nil {
		mutate(&cfg)
	}
	return New(cfg, st, logx.Nop())
}

func TestSubmitAllocatesAndPersists(t *testing.T) {
	t.Parallel()
	s := newTestService(t, nil)
	ctx := context.Background()

	res, err := s.Submit(ctx, json.RawMessage(samplePayload))
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if len(res.Report.Unplaced) != 0 {
		t.Fatalf("Unplaced = %v, want none", res.Report.Unplaced)
	}

	t1, ok := res.Tasks["task1"]
	if !ok || t1.StartTime == nil {
		t.Fatalf("task1 not placed: %+v", t1)
	}
	// task2 (priority 5) depends on task1, so task1 inherits priority 5
	// and is placed first thing Monday.
	if t1.Priority != 5 {
		t.Fatalf("task1 priority = %d, want 5", t1.Priority)
	}
	if m, err := weektime.ParseTimestamp(*t1.StartTime); err != nil || m != 540 {
		t.Fatalf("task1 start minute = %d, %v; want 540", m, err)
	}
	t2 := res.Tasks["task2"]
	if m, err := weektime.ParseTimestamp(*t2.StartTime); err != nil || m != 600 {
		t.Fatalf("task2 start minute = %d, %v; want 600 (after task1)", m, err)
	}
	if t2.Title != "Sample Task 2" || t2.Location != "Office" {
		t.Fatalf("original task2 fields lost: %+v", t2)
	}

	if s.Latest() != res {
		t.Fatalf("Latest() does not return the run result")
	}

	// The report went to storage too.
	raw, err := s.store.LatestReport(ctx)
	if err != nil || raw == nil {
		t.Fatalf("LatestReport = %s, %v", raw, err)
	}
	var stored storedReport
	if err := json.Unmarshal(raw, &stored); err != nil {
		t.Fatalf("stored report does not decode: %v", err)
	}
	if len(stored.Placed) != 2 || len(stored.Unplaced) != 0 {
		t.Fatalf("stored report = %+v", stored)
	}
}

func TestSubmitArchivesPrevious(t *testing.T) {
	t.Parallel()
	s := newTestService(t, nil)
	ctx := context.Background()

	if _, err := s.Submit(ctx, json.RawMessage(samplePayload)); err != nil {
		t.Fatalf("first Submit: %v", err)
	}
	second := `{"solo": {"title": "Solo", "priority": 1, "dependencies": [],
		"startTime": null, "endTime": null, "deadline": null,
		"movable": true, "details": "", "estimatedTime": "30 minutes"}}`
	if _, err := s.Submit(ctx, json.RawMessage(second)); err != nil {
		t.Fatalf("second Submit: %v", err)
	}

	hist, err := s.History(ctx, 0)
	if err != nil {
		t.Fatalf("History: %v", err)
	}
	if len(hist) != 1 {
		t.Fatalf("history entries = %d, want 1", len(hist))
	}
	if !strings.Contains(string(hist[0].Tasks), "Sample Task 1") {
		t.Fatalf("archived set is not the first payload")
	}
}

func TestSubmitRejectsBadPayloads(t *testing.T) {
	t.Parallel()
	s := newTestService(t, nil)
	ctx := context.Background()

	cases := []struct {
		name string
		raw  string
	}{
		{"empty set", `{}`},
		{"not a map", `[1,2,3]`},
		{"bad estimate", `{"t": {"estimatedTime": "a while", "priority": 1, "movable": true,
			"dependencies": [], "startTime": null, "endTime": null, "deadline": null,
			"title": "", "details": ""}}`},
	}
	for _, tc := range cases {
		if _, err := s.Submit(ctx, json.RawMessage(tc.raw)); err == nil {
			t.Errorf("%s accepted", tc.name)
		}
	}
	// A rejected payload must not replace the stored set.
	if cur, _ := s.store.CurrentTaskSet(ctx); cur != nil {
		t.Fatalf("rejected payload reached storage: %s", cur)
	}
}

func TestReplanWithoutTasks(t *testing.T) {
	t.Parallel()
	s := newTestService(t, nil)
	if _, err := s.Replan(context.Background()); !errors.Is(err, ErrNoTasks) {
		t.Fatalf("err = %v, want ErrNoTasks", err)
	}
}

func TestReplanReusesStoredSet(t *testing.T) {
	t.Parallel()
	s := newTestService(t, nil)
	ctx := context.Background()
	if _, err := s.Submit(ctx, json.RawMessage(samplePayload)); err != nil {
		t.Fatalf("Submit: %v", err)
	}
	res, err := s.Replan(ctx)
	if err != nil {
		t.Fatalf("Replan: %v", err)
	}
	if len(res.Tasks) != 2 || len(res.Report.Unplaced) != 0 {
		t.Fatalf("replan result = %d tasks, %d unplaced", len(res.Tasks), len(res.Report.Unplaced))
	}
}

func TestSubmitExportsCalendar(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	path := filepath.Join(dir, "week.ics")
	s := newTestService(t, func(c *Config) { c.ExportPath = path })

	if _, err := s.Submit(context.Background(), json.RawMessage(samplePayload)); err != nil {
		t.Fatalf("Submit: %v", err)
	}
	b, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("calendar file not written: %v", err)
	}
	if !strings.Contains(string(b), "BEGIN:VCALENDAR") {
		t.Fatalf("export is not a calendar:\n%s", b)
	}
}

func TestApplyRestartsTrigger(t *testing.T) {
	t.Parallel()
	s := newTestService(t, func(c *Config) { c.ReplanSpec = "@every 1h" })
	ctx := context.Background()
	s.Start(ctx)
	defer s.Stop(ctx)
	if s.c == nil {
		t.Fatalf("cron not started")
	}
	old := s.c
	cfg := s.cfg
	cfg.ReplanSpec = "@every 2h"
	s.Apply(cfg)
	if s.c == nil || s.c == old {
		t.Fatalf("cron not restarted on spec change")
	}
	// Unchanged spec leaves the runner alone.
	cur := s.c
	s.Apply(cfg)
	if s.c != cur {
		t.Fatalf("cron restarted without a spec change")
	}
}
