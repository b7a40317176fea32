package alert

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeScript(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "hook.sh")
	if err := os.WriteFile(path, []byte("#!/bin/sh\n"+body), 0o755); err != nil {
		t.Fatalf("write script: %v", err)
	}
	return path
}

func TestFirePassesEnvironment(t *testing.T) {
	out := filepath.Join(t.TempDir(), "out.txt")
	script := writeScript(t, `printf '%s %s %s' "$TASKER_RUN_ID" "$TASKER_TASK_FILE" "$TASKER_EXIT_CODE" > `+out)

	err := Fire(context.Background(), script, Context{RunID: "r1", TaskFile: "job.tasks", ExitCode: 7})
	if err != nil {
		t.Fatalf("Fire: %v", err)
	}

	data, err := os.ReadFile(out)
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	if string(data) != "r1 job.tasks 7" {
		t.Errorf("got %q", string(data))
	}
}

func TestFireIgnoresNonzeroExit(t *testing.T) {
	script := writeScript(t, "exit 1")
	if err := Fire(context.Background(), script, Context{}); err != nil {
		t.Errorf("a nonzero hook exit should not be an error, got %v", err)
	}
}

func TestFireTimesOutLongRunningHook(t *testing.T) {
	script := writeScript(t, "sleep 5")

	done := make(chan error, 1)
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
		defer cancel()
		done <- fireWithTimeout(ctx, script)
	}()

	select {
	case err := <-done:
		if err == nil {
			t.Error("expected the hook to be killed by the outer context deadline")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Fire did not return promptly after its context expired")
	}
}

// fireWithTimeout runs Fire with ctx as the parent, exercising the same
// code path as Fire with a tighter deadline than the package's own
// Timeout constant so the test does not take 30 real seconds.
func fireWithTimeout(ctx context.Context, script string) error {
	return Fire(ctx, script, Context{})
}
