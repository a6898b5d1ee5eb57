package cleanup

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"
)

type mockPurger struct {
	mu      sync.Mutex
	calls   int
	gotNow  time.Time
	deleted int64
	err     error
}

func (m *mockPurger) DeleteExpired(_ context.Context, now time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls++
	m.gotNow = now
	return m.deleted, m.err
}

func (m *mockPurger) callCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls
}

type mockReconciler struct {
	calls   int
	updated int64
	err     error
}

func (m *mockReconciler) ReconcileCounts(context.Context) (int64, error) {
	m.calls++
	return m.updated, m.err
}

type mockRecorder struct {
	purged     []int64
	reconciled []int64
}

func (m *mockRecorder) RecordSessionsPurged(count int64)   { m.purged = append(m.purged, count) }
func (m *mockRecorder) RecordCountsReconciled(count int64) { m.reconciled = append(m.reconciled, count) }

func newTestLogger(buf *bytes.Buffer) *slog.Logger {
	return slog.New(slog.NewJSONHandler(buf, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
}

func TestCleanupJob_Run_PurgesAndReconciles(t *testing.T) {
	var buf bytes.Buffer
	purger := &mockPurger{deleted: 3}
	reconciler := &mockReconciler{updated: 2}
	recorder := &mockRecorder{}
	job := NewCleanupJob(purger, reconciler, recorder, newTestLogger(&buf))

	fixed := time.Date(2026, 10, 1, 12, 0, 0, 0, time.UTC)
	job.nowFunc = func() time.Time { return fixed }

	if err := job.Run(context.Background()); err != nil {
		t.Fatalf("Run() error = %v", err)
	}

	if !purger.gotNow.Equal(fixed) {
		t.Errorf("DeleteExpired now = %v, want %v", purger.gotNow, fixed)
	}
	if reconciler.calls != 1 {
		t.Errorf("ReconcileCounts calls = %d, want 1", reconciler.calls)
	}
	if len(recorder.purged) != 1 || recorder.purged[0] != 3 {
		t.Errorf("recorded purged = %v, want [3]", recorder.purged)
	}
	if len(recorder.reconciled) != 1 || recorder.reconciled[0] != 2 {
		t.Errorf("recorded reconciled = %v, want [2]", recorder.reconciled)
	}

	var entry map[string]any
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("log is not JSON: %v", err)
	}
	if entry["purged_sessions"] != float64(3) || entry["reconciled_posts"] != float64(2) {
		t.Errorf("unexpected log entry: %v", entry)
	}
}

func TestCleanupJob_Run_ContinuesAfterFailure(t *testing.T) {
	tests := []struct {
		name           string
		purgeErr       error
		reconcileErr   error
		wantInError    []string
		wantPurged     int
		wantReconciled int
	}{
		{
			name:           "purge fails",
			purgeErr:       errors.New("connection refused"),
			wantInError:    []string{"connection refused"},
			wantReconciled: 1,
		},
		{
			name:         "reconcile fails",
			reconcileErr: errors.New("deadlock detected"),
			wantInError:  []string{"deadlock detected"},
			wantPurged:   1,
		},
		{
			name:         "both fail",
			purgeErr:     errors.New("purge boom"),
			reconcileErr: errors.New("reconcile boom"),
			wantInError:  []string{"purge boom", "reconcile boom"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var buf bytes.Buffer
			purger := &mockPurger{err: tt.purgeErr}
			reconciler := &mockReconciler{err: tt.reconcileErr}
			recorder := &mockRecorder{}
			job := NewCleanupJob(purger, reconciler, recorder, newTestLogger(&buf))

			err := job.Run(context.Background())

			if err == nil {
				t.Fatal("Run() should return an error")
			}
			for _, want := range tt.wantInError {
				if !strings.Contains(err.Error(), want) {
					t.Errorf("error %q should contain %q", err, want)
				}
			}
			if tt.purgeErr != nil && !errors.Is(err, tt.purgeErr) {
				t.Error("error should wrap the purge failure")
			}
			if reconciler.calls != 1 {
				t.Error("reconcile should run even when purge fails")
			}
			if len(recorder.purged) != tt.wantPurged || len(recorder.reconciled) != tt.wantReconciled {
				t.Errorf("recorded purged=%v reconciled=%v", recorder.purged, recorder.reconciled)
			}
		})
	}
}

func TestCleanupJob_Run_NilRecorder(t *testing.T) {
	var buf bytes.Buffer
	job := NewCleanupJob(&mockPurger{}, &mockReconciler{}, nil, newTestLogger(&buf))

	if err := job.Run(context.Background()); err != nil {
		t.Fatalf("Run() error = %v", err)
	}
}

func TestCleanupJob_Start_RunsImmediatelyAndStops(t *testing.T) {
	var buf bytes.Buffer
	purger := &mockPurger{}
	job := NewCleanupJob(purger, &mockReconciler{}, nil, newTestLogger(&buf))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		job.Start(ctx, time.Hour)
		close(done)
	}()

	deadline := time.Now().Add(2 * time.Second)
	for purger.callCount() == 0 {
		if time.Now().After(deadline) {
			t.Fatal("Start should run the job immediately")
		}
		time.Sleep(5 * time.Millisecond)
	}

	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Start should return after context cancellation")
	}
}
