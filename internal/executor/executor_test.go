package executor

import (
	"context"
	"strings"
	"testing"
)

func TestRunCapturesExitStatus(t *testing.T) {
	e := &Executor{Stdout: &strings.Builder{}, Stderr: &strings.Builder{}}

	if err := e.Run(context.Background(), "true"); err != nil {
		t.Errorf("Run(true) returned error: %v", err)
	}
	if err := e.Run(context.Background(), "false"); err == nil {
		t.Error("Run(false) succeeded, want error")
	}
}

func TestOutputReturnsStdout(t *testing.T) {
	e := &Executor{Stderr: &strings.Builder{}}

	out, err := e.Output(context.Background(), "echo", "hello")
	if err != nil {
		t.Fatalf("Output returned error: %v", err)
	}
	if strings.TrimSpace(string(out)) != "hello" {
		t.Errorf("Output = %q", out)
	}
}

func TestRunHonorsCancellationBeforeStart(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	e := &Executor{Stdout: &strings.Builder{}, Stderr: &strings.Builder{}}
	if err := e.Run(ctx, "true"); err == nil {
		t.Error("Run with cancelled context succeeded, want error")
	}
}
