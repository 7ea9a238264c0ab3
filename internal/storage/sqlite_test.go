package storage

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	logx "sitepulse/pkg/logx"
)

func openTestStore(t *testing.T) Store {
	t.Helper()
	st, err := Open(Config{Path: filepath.Join(t.TempDir(), "test.db")}, logx.Nop())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })
	return st
}

func testSchedule() *Schedule {
	return &Schedule{
		Name:     "homepage",
		URLs:     []string{"https://example.com/", "https://example.com/pricing"},
		Strategy: "mobile",
		CronExpr: "0 6 * * *",
		Enabled:  true,
	}
}

func TestScheduleRoundTrip(t *testing.T) {
	st := openTestStore(t)
	ctx := context.Background()

	sc := testSchedule()
	if err := st.CreateSchedule(ctx, sc); err != nil {
		t.Fatalf("CreateSchedule: %v", err)
	}
	if sc.ID == "" {
		t.Fatal("CreateSchedule did not assign an id")
	}

	got, err := st.GetSchedule(ctx, sc.ID)
	if err != nil {
		t.Fatalf("GetSchedule: %v", err)
	}
	if got.Name != sc.Name || got.Strategy != sc.Strategy || got.CronExpr != sc.CronExpr {
		t.Errorf("round trip mismatch: %+v", got)
	}
	if len(got.URLs) != 2 || got.URLs[1] != "https://example.com/pricing" {
		t.Errorf("URLs = %v", got.URLs)
	}
	if got.TotalRuns != 0 || got.LastRun != nil {
		t.Errorf("fresh schedule has run state: %+v", got)
	}
}

func TestUpdateSchedulepartial(t *testing.T) {
	st := openTestStore(t)
	ctx := context.Background()

	sc := testSchedule()
	if err := st.CreateSchedule(ctx, sc); err != nil {
		t.Fatalf("CreateSchedule: %v", err)
	}

	name := "homepage-v2"
	enabled := false
	if err := st.UpdateSchedule(ctx, sc.ID, SchedulePatch{Name: &name, Enabled: &enabled}); err != nil {
		t.Fatalf("UpdateSchedule: %v", err)
	}

	got, err := st.GetSchedule(ctx, sc.ID)
	if err != nil {
		t.Fatalf("GetSchedule: %v", err)
	}
	if got.Name != name || got.Enabled {
		t.Errorf("patch not applied: %+v", got)
	}
	// Untouched fields survive.
	if got.CronExpr != sc.CronExpr || len(got.URLs) != 2 {
		t.Errorf("patch clobbered other fields: %+v", got)
	}

	if err := st.UpdateSchedule(ctx, "no-such-id", SchedulePatch{Name: &name}); !errors.Is(err, ErrNotFound) {
		t.Errorf("UpdateSchedule(missing) = %v, want ErrNotFound", err)
	}
}

func TestListEnabledSchedules(t *testing.T) {
	st := openTestStore(t)
	ctx := context.Background()

	on := testSchedule()
	off := testSchedule()
	off.Name = "disabled"
	off.Enabled = false
	if err := st.CreateSchedule(ctx, on); err != nil {
		t.Fatalf("CreateSchedule: %v", err)
	}
	if err := st.CreateSchedule(ctx, off); err != nil {
		t.Fatalf("CreateSchedule: %v", err)
	}

	list, err := st.ListEnabledSchedules(ctx)
	if err != nil {
		t.Fatalf("ListEnabledSchedules: %v", err)
	}
	if len(list) != 1 || list[0].ID != on.ID {
		t.Errorf("ListEnabledSchedules = %v", list)
	}

	all, err := st.ListSchedules(ctx)
	if err != nil {
		t.Fatalf("ListSchedules: %v", err)
	}
	if len(all) != 2 {
		t.Errorf("ListSchedules len = %d, want 2", len(all))
	}
}

func TestRecordRunOutcomeKeepsCounterInvariant(t *testing.T) {
	st := openTestStore(t)
	ctx := context.Background()

	sc := testSchedule()
	if err := st.CreateSchedule(ctx, sc); err != nil {
		t.Fatalf("CreateSchedule: %v", err)
	}

	outcomes := []bool{true, true, false, true, false}
	for i, ok := range outcomes {
		next := time.Now().Add(24 * time.Hour)
		if err := st.RecordRunOutcome(ctx, sc.ID, time.Now(), &next, ok); err != nil {
			t.Fatalf("RecordRunOutcome #%d: %v", i, err)
		}
	}

	got, err := st.GetSchedule(ctx, sc.ID)
	if err != nil {
		t.Fatalf("GetSchedule: %v", err)
	}
	if got.TotalRuns != int64(len(outcomes)) {
		t.Errorf("TotalRuns = %d, want %d", got.TotalRuns, len(outcomes))
	}
	if got.SuccessfulRuns != 3 || got.FailedRuns != 2 {
		t.Errorf("runs = %d ok / %d failed, want 3/2", got.SuccessfulRuns, got.FailedRuns)
	}
	if got.TotalRuns != got.SuccessfulRuns+got.FailedRuns {
		t.Errorf("invariant broken: %d != %d + %d", got.TotalRuns, got.SuccessfulRuns, got.FailedRuns)
	}
	if got.LastRun == nil || got.NextRun == nil {
		t.Error("lastRun/nextRun not stamped")
	}
}

func TestExecutionLifecycle(t *testing.T) {
	st := openTestStore(t)
	ctx := context.Background()

	sc := testSchedule()
	if err := st.CreateSchedule(ctx, sc); err != nil {
		t.Fatalf("CreateSchedule: %v", err)
	}

	id, err := st.RecordExecutionStart(ctx, sc.ID)
	if err != nil {
		t.Fatalf("RecordExecutionStart: %v", err)
	}

	e, err := st.GetExecution(ctx, id)
	if err != nil {
		t.Fatalf("GetExecution: %v", err)
	}
	if e.Status != ExecutionRunning || e.FinishedAt != nil {
		t.Errorf("fresh execution = %+v", e)
	}

	status := ExecutionCompleted
	finished := time.Now()
	processed, ok, failed := 3, 2, 1
	dur := 42 * time.Second
	err = st.UpdateExecution(ctx, id, ExecutionPatch{
		Status:        &status,
		FinishedAt:    &finished,
		URLsProcessed: &processed,
		URLsSucceeded: &ok,
		URLsFailed:    &failed,
		Duration:      &dur,
	})
	if err != nil {
		t.Fatalf("UpdateExecution: %v", err)
	}

	e, err = st.GetExecution(ctx, id)
	if err != nil {
		t.Fatalf("GetExecution: %v", err)
	}
	if e.Status != ExecutionCompleted || e.URLsSucceeded != 2 || e.URLsFailed != 1 || e.Duration != dur {
		t.Errorf("finalized execution = %+v", e)
	}

	list, err := st.ListExecutions(ctx, sc.ID, 10)
	if err != nil {
		t.Fatalf("ListExecutions: %v", err)
	}
	if len(list) != 1 || list[0].ID != id {
		t.Errorf("ListExecutions = %v", list)
	}
}

func TestMarkInterruptedExecutions(t *testing.T) {
	st := openTestStore(t)
	ctx := context.Background()

	sc := testSchedule()
	if err := st.CreateSchedule(ctx, sc); err != nil {
		t.Fatalf("CreateSchedule: %v", err)
	}
	stale, err := st.RecordExecutionStart(ctx, sc.ID)
	if err != nil {
		t.Fatalf("RecordExecutionStart: %v", err)
	}

	n, err := st.MarkInterruptedExecutions(ctx, time.Now().Add(time.Minute), "interrupted by restart")
	if err != nil {
		t.Fatalf("MarkInterruptedExecutions: %v", err)
	}
	if n != 1 {
		t.Errorf("marked = %d, want 1", n)
	}

	e, err := st.GetExecution(ctx, stale)
	if err != nil {
		t.Fatalf("GetExecution: %v", err)
	}
	if e.Status != ExecutionFailed || e.Error != "interrupted by restart" {
		t.Errorf("swept execution = %+v", e)
	}

	// Fresh running executions are left alone.
	fresh, err := st.RecordExecutionStart(ctx, sc.ID)
	if err != nil {
		t.Fatalf("RecordExecutionStart: %v", err)
	}
	if _, err := st.MarkInterruptedExecutions(ctx, time.Now().Add(-time.Hour), "interrupted"); err != nil {
		t.Fatalf("MarkInterruptedExecutions: %v", err)
	}
	e, err = st.GetExecution(ctx, fresh)
	if err != nil {
		t.Fatalf("GetExecution: %v", err)
	}
	if e.Status != ExecutionRunning {
		t.Errorf("fresh execution swept: %+v", e)
	}
}

func TestResultRowsUpsert(t *testing.T) {
	st := openTestStore(t)
	ctx := context.Background()

	at := time.Now().Truncate(time.Millisecond)
	if err := st.PutResult(ctx, "https://example.com/", "mobile", []byte(`{"v":1}`), at); err != nil {
		t.Fatalf("PutResult: %v", err)
	}

	payload, produced, ok, err := st.GetResult(ctx, "https://example.com/", "mobile")
	if err != nil || !ok {
		t.Fatalf("GetResult: ok=%v err=%v", ok, err)
	}
	if string(payload) != `{"v":1}` {
		t.Errorf("payload = %s", payload)
	}
	if !produced.Equal(at) {
		t.Errorf("producedAt = %v, want %v", produced, at)
	}

	// Different strategy is a different key.
	_, _, ok, err = st.GetResult(ctx, "https://example.com/", "desktop")
	if err != nil || ok {
		t.Fatalf("GetResult(desktop): ok=%v err=%v", ok, err)
	}

	// Overwrite.
	at2 := at.Add(time.Hour)
	if err := st.PutResult(ctx, "https://example.com/", "mobile", []byte(`{"v":2}`), at2); err != nil {
		t.Fatalf("PutResult overwrite: %v", err)
	}
	payload, produced, ok, err = st.GetResult(ctx, "https://example.com/", "mobile")
	if err != nil || !ok {
		t.Fatalf("GetResult after overwrite: ok=%v err=%v", ok, err)
	}
	if string(payload) != `{"v":2}` || !produced.Equal(at2) {
		t.Errorf("overwrite not applied: %s at %v", payload, produced)
	}
}

func TestDeleteSchedule(t *testing.T) {
	st := openTestStore(t)
	ctx := context.Background()

	sc := testSchedule()
	if err := st.CreateSchedule(ctx, sc); err != nil {
		t.Fatalf("CreateSchedule: %v", err)
	}
	if err := st.DeleteSchedule(ctx, sc.ID); err != nil {
		t.Fatalf("DeleteSchedule: %v", err)
	}
	if _, err := st.GetSchedule(ctx, sc.ID); !errors.Is(err, ErrNotFound) {
		t.Errorf("GetSchedule after delete = %v, want ErrNotFound", err)
	}
	if err := st.DeleteSchedule(ctx, sc.ID); !errors.Is(err, ErrNotFound) {
		t.Errorf("double delete = %v, want ErrNotFound", err)
	}
}
