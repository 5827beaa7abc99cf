package main

import (
	"context"
	"net/http"
	"path/filepath"
	"testing"
	"time"
)

func TestRunIntegration(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}

	// Point every writable path at a throwaway tree and pick a port that
	// won't collide with a locally running daemon.
	tmp := t.TempDir()
	t.Setenv("HOME", tmp)
	t.Setenv("SERVER_HTTP_PORT", "8784")
	t.Setenv("WORKSPACE_ROOT", filepath.Join(tmp, "workspaces"))
	t.Setenv("EPISODIC_PATH", filepath.Join(tmp, "episodic.db"))

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	errCh := make(chan error, 1)
	go func() {
		errCh <- run(ctx, "")
	}()

	// The embedded NATS server and sqlite migration make startup time
	// variable; poll instead of sleeping a fixed interval.
	var resp *http.Response
	var err error
	deadline := time.Now().Add(10 * time.Second)
	for time.Now().Before(deadline) {
		resp, err = http.Get("http://localhost:8784/health")
		if err == nil {
			break
		}
		select {
		case startErr := <-errCh:
			t.Fatalf("run() exited during startup: %v", startErr)
		case <-time.After(100 * time.Millisecond):
		}
	}
	if err != nil {
		t.Fatalf("GET /health failed: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Errorf("GET /health status = %d, want %d", resp.StatusCode, http.StatusOK)
	}

	// The read-model endpoints must be live even with no session running.
	statusResp, err := http.Get("http://localhost:8784/v1/status")
	if err != nil {
		t.Fatalf("GET /v1/status failed: %v", err)
	}
	statusResp.Body.Close()
	if statusResp.StatusCode != http.StatusOK {
		t.Errorf("GET /v1/status status = %d, want %d", statusResp.StatusCode, http.StatusOK)
	}

	// Cancel context to shut the daemon down
	cancel()

	select {
	case err := <-errCh:
		if err != nil && err != http.ErrServerClosed {
			t.Errorf("run() error = %v", err)
		}
	case <-time.After(10 * time.Second):
		t.Fatal("daemon did not shut down in time")
	}
}
