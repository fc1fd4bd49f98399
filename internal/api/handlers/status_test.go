package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/MacJediWizard/keldris-scheduler/internal/backup"
	"github.com/gin-gonic/gin"
)

type staticRunning []string

func (s staticRunning) RunningJobs() []string { return s }

func TestStatusGet(t *testing.T) {
	gin.SetMode(gin.TestMode)

	board := backup.NewStatusBoard()
	board.OnStateChange(backup.StateRunning)
	board.OnStatus("Progress: 50% - 1/2 files, 1/2 MB")

	locks := backup.NewRepoLocks()
	release, err := locks.Acquire(context.Background(), "r1")
	if err != nil {
		t.Fatalf("Acquire() error = %v", err)
	}
	defer release()

	r := gin.New()
	NewStatusHandler(board, locks, staticRunning{"daily"}).RegisterRoutes(r.Group("/api/v1"))

	w := httptest.NewRecorder()
	req, _ := http.NewRequest("GET", "/api/v1/status", nil)
	r.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", w.Code)
	}

	var resp StatusResponse
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("failed to parse response: %v", err)
	}
	if resp.State != backup.StateRunning {
		t.Errorf("expected running state, got %s", resp.State)
	}
	if resp.Text != "Progress: 50% - 1/2 files, 1/2 MB" {
		t.Errorf("unexpected text %q", resp.Text)
	}
	if len(resp.RunningJobs) != 1 || resp.RunningJobs[0] != "daily" {
		t.Errorf("unexpected running jobs %v", resp.RunningJobs)
	}
	if len(resp.HeldLocks) != 1 || resp.HeldLocks[0] != "r1" {
		t.Errorf("unexpected held locks %v", resp.HeldLocks)
	}
}

func TestStatusGetNoSources(t *testing.T) {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	NewStatusHandler(nil, nil, nil).RegisterRoutes(r.Group("/api/v1"))

	w := httptest.NewRecorder()
	req, _ := http.NewRequest("GET", "/api/v1/status", nil)
	r.ServeHTTP(w, req)

	var resp StatusResponse
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("failed to parse response: %v", err)
	}
	if resp.State != backup.StateIdle || resp.RunningJobs == nil || resp.HeldLocks == nil {
		t.Errorf("unexpected response %+v", resp)
	}
}
