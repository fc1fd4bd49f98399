package shutdown

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/MacJediWizard/keldris-scheduler/internal/backup"
	"github.com/rs/zerolog"
)

type mockScheduler struct {
	mu      sync.Mutex
	stopped int
	running []string
}

func (m *mockScheduler) Shutdown() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.stopped++
}

func (m *mockScheduler) RunningJobs() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.running...)
}

func (m *mockScheduler) stopCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.stopped
}

func TestManager_NewManager(t *testing.T) {
	m := NewManager(DefaultConfig(), &mockScheduler{}, backup.NewRepoLocks(), zerolog.Nop())

	if m.GetState() != StateRunning {
		t.Errorf("expected state %s, got %s", StateRunning, m.GetState())
	}
	if !m.IsAcceptingJobs() {
		t.Error("expected manager to accept jobs initially")
	}

	status := m.GetStatus()
	if status.Message != "Scheduler is running normally" {
		t.Errorf("unexpected message %q", status.Message)
	}
	if status.StartedAt != nil {
		t.Error("expected no start time before shutdown")
	}
	if len(status.HeldLocks) != 0 || len(status.RunningJobs) != 0 {
		t.Errorf("expected empty lists, got %+v", status)
	}
}

func TestManager_ShutdownIdle(t *testing.T) {
	sched := &mockScheduler{}
	locks := backup.NewRepoLocks()
	m := NewManager(Config{Timeout: time.Second}, sched, locks, zerolog.Nop())

	if err := m.Shutdown(context.Background()); err != nil {
		t.Fatalf("Shutdown() error = %v", err)
	}

	if sched.stopCount() != 1 {
		t.Errorf("expected scheduler stopped once, got %d", sched.stopCount())
	}
	if m.GetState() != StateComplete {
		t.Errorf("expected state %s, got %s", StateComplete, m.GetState())
	}
	if m.IsAcceptingJobs() {
		t.Error("expected manager to refuse jobs after shutdown")
	}
	if !locks.Draining() {
		t.Error("expected lock registry to be draining")
	}

	select {
	case <-m.Done():
	default:
		t.Error("expected done channel to be closed")
	}
}

func TestManager_ShutdownWaitsForHeldLock(t *testing.T) {
	locks := backup.NewRepoLocks()
	release, err := locks.Acquire(context.Background(), "r1")
	if err != nil {
		t.Fatalf("Acquire() error = %v", err)
	}

	m := NewManager(Config{Timeout: 5 * time.Second, ProgressInterval: 10 * time.Millisecond},
		&mockScheduler{}, locks, zerolog.Nop())

	errCh := make(chan error, 1)
	go func() {
		errCh <- m.Shutdown(context.Background())
	}()

	deadline := time.Now().Add(2 * time.Second)
	for m.GetState() != StateDraining {
		if time.Now().After(deadline) {
			t.Fatal("manager never entered draining state")
		}
		time.Sleep(5 * time.Millisecond)
	}

	status := m.GetStatus()
	if len(status.HeldLocks) != 1 || status.HeldLocks[0] != "r1" {
		t.Errorf("expected held lock r1, got %v", status.HeldLocks)
	}
	if status.TimeRemaining <= 0 {
		t.Error("expected positive time remaining while draining")
	}

	if _, err := locks.Acquire(context.Background(), "r2"); !errors.Is(err, backup.ErrShuttingDown) {
		t.Errorf("expected ErrShuttingDown for new acquisition, got %v", err)
	}

	select {
	case err := <-errCh:
		t.Fatalf("Shutdown returned before the lock was released: %v", err)
	case <-time.After(50 * time.Millisecond):
	}

	release()

	select {
	case err := <-errCh:
		if err != nil {
			t.Errorf("Shutdown() error = %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Shutdown did not return after the lock was released")
	}
	if m.GetState() != StateComplete {
		t.Errorf("expected state %s, got %s", StateComplete, m.GetState())
	}
}

func TestManager_ShutdownTimeout(t *testing.T) {
	locks := backup.NewRepoLocks()
	release, err := locks.Acquire(context.Background(), "r1")
	if err != nil {
		t.Fatalf("Acquire() error = %v", err)
	}
	defer release()

	m := NewManager(Config{Timeout: 50 * time.Millisecond}, &mockScheduler{}, locks, zerolog.Nop())

	start := time.Now()
	err = m.Shutdown(context.Background())
	if !errors.Is(err, ErrDrainTimeout) {
		t.Fatalf("expected ErrDrainTimeout, got %v", err)
	}
	if elapsed := time.Since(start); elapsed > 2*time.Second {
		t.Errorf("shutdown took too long: %v", elapsed)
	}
	if m.GetState() != StateComplete {
		t.Errorf("expected state %s, got %s", StateComplete, m.GetState())
	}
}

func TestManager_ShutdownContextCancelled(t *testing.T) {
	locks := backup.NewRepoLocks()
	release, err := locks.Acquire(context.Background(), "r1")
	if err != nil {
		t.Fatalf("Acquire() error = %v", err)
	}
	defer release()

	m := NewManager(Config{Timeout: time.Minute}, &mockScheduler{}, locks, zerolog.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if err := m.Shutdown(ctx); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}

func TestManager_ShutdownOnce(t *testing.T) {
	sched := &mockScheduler{}
	m := NewManager(Config{Timeout: time.Second}, sched, backup.NewRepoLocks(), zerolog.Nop())

	var wg sync.WaitGroup
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = m.Shutdown(context.Background())
		}()
	}
	wg.Wait()

	if sched.stopCount() != 1 {
		t.Errorf("expected scheduler stopped once, got %d", sched.stopCount())
	}
	m.WaitForShutdown()
}

func TestManager_NilDependencies(t *testing.T) {
	m := NewManager(DefaultConfig(), nil, nil, zerolog.Nop())

	status := m.GetStatus()
	if status.RunningJobs == nil || status.HeldLocks == nil {
		t.Error("expected non-nil lists in status")
	}
	if err := m.Shutdown(context.Background()); err != nil {
		t.Fatalf("Shutdown() error = %v", err)
	}
	if m.GetStatus().Message != "Shutdown complete" {
		t.Errorf("unexpected message %q", m.GetStatus().Message)
	}
}

func TestManager_WithScheduler(t *testing.T) {
	locks := backup.NewRepoLocks()
	rt := &backup.Runtime{Locks: locks}
	sched := backup.NewScheduler(nil, rt, zerolog.Nop())
	sched.Start()

	m := NewManager(Config{Timeout: time.Second}, sched, locks, zerolog.Nop())
	if err := m.Shutdown(context.Background()); err != nil {
		t.Fatalf("Shutdown() error = %v", err)
	}
	if sched.IsStarted() {
		t.Error("expected scheduler to be stopped")
	}
}
