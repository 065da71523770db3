package eval

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os/exec"
	"strings"
	"time"
)

// JobResult is one job's record in the external evaluator's output: either a
// buildable derivation or a per-job error string.
type JobResult struct {
	Error              string            `json:"error,omitempty"`
	NixName            string            `json:"nixName,omitempty"`
	System             string            `json:"system,omitempty"`
	DrvPath            string            `json:"drvPath,omitempty"`
	Outputs            map[string]string `json:"outputs,omitempty"`
	Description        string            `json:"description,omitempty"`
	License            string            `json:"license,omitempty"`
	Homepage           string            `json:"homepage,omitempty"`
	Maintainers        string            `json:"maintainers,omitempty"`
	MaxSilent          int               `json:"maxSilent,omitempty"`
	Timeout            int               `json:"timeout,omitempty"`
	SchedulingPriority int               `json:"schedulingPriority,omitempty"`
	IsChannel          bool              `json:"isChannel,omitempty"`
	Constituents       []string          `json:"constituents,omitempty"`
}

// Invocation describes one external evaluator run: either a locked flake
// reference, or an expression file plus serialized input arguments.
type Invocation struct {
	FlakeRef string
	ExprPath string
	Args     []string
}

// Argv returns the full argument vector passed to the evaluator binary.
func (inv *Invocation) Argv() []string {
	if inv.FlakeRef != "" {
		return []string{"--flake", inv.FlakeRef}
	}
	return append([]string{inv.ExprPath}, inv.Args...)
}

// Runner invokes the external expression evaluator.
type Runner interface {
	// ResolveFlake resolves a flake reference to its locked form.
	ResolveFlake(ctx context.Context, ref string) (string, error)
	// Evaluate runs the evaluator and returns the job graph, one entry per
	// job name.
	Evaluate(ctx context.Context, inv *Invocation) (map[string]JobResult, error)
}

// ExecRunner runs the evaluator binary as a subprocess.
type ExecRunner struct {
	bin     string
	timeout time.Duration
	trace   bool
	logger  *slog.Logger
}

// NewExecRunner creates a subprocess-backed Runner.
func NewExecRunner(bin string, timeout time.Duration, trace bool, logger *slog.Logger) *ExecRunner {
	if logger == nil {
		logger = slog.Default()
	}
	return &ExecRunner{
		bin:     bin,
		timeout: timeout,
		trace:   trace,
		logger:  logger,
	}
}

// maxDiagnostic bounds the stderr tail carried inside an invocation error.
const maxDiagnostic = 8 * 1024

// Evaluate runs the evaluator with a bounded wall-clock timeout. A nonzero
// exit, signal termination, or malformed payload is an InvocationError
// carrying the captured diagnostic output.
func (r *ExecRunner) Evaluate(ctx context.Context, inv *Invocation) (map[string]JobResult, error) {
	runCtx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	argv := inv.Argv()
	if r.trace {
		r.logger.Info("invoking evaluator",
			"bin", r.bin,
			"argv", strings.Join(argv, " "),
		)
	}

	cmd := exec.CommandContext(runCtx, r.bin, argv...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	// Killing the evaluator does not kill grandchildren it may have spawned;
	// without a wait delay any of them holding the pipes would block Wait past
	// the deadline.
	cmd.WaitDelay = time.Second

	start := time.Now()
	err := cmd.Run()
	elapsed := time.Since(start)

	if err != nil {
		reason := err.Error()
		if errors.Is(runCtx.Err(), context.DeadlineExceeded) {
			reason = fmt.Sprintf("timed out after %s", r.timeout)
		}
		return nil, &InvocationError{
			Reason: reason,
			Output: diagnosticTail(stderr.String()),
			Err:    err,
		}
	}

	var jobs map[string]JobResult
	if err := json.Unmarshal(stdout.Bytes(), &jobs); err != nil {
		return nil, &InvocationError{
			Reason: fmt.Sprintf("malformed result payload: %v", err),
			Output: diagnosticTail(stderr.String()),
			Err:    err,
		}
	}

	r.logger.Debug("evaluator finished",
		"jobs", len(jobs),
		"elapsed", elapsed,
	)
	return jobs, nil
}

// ResolveFlake resolves a flake reference to its locked URL.
func (r *ExecRunner) ResolveFlake(ctx context.Context, ref string) (string, error) {
	runCtx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	cmd := exec.CommandContext(runCtx, "nix", "flake", "metadata",
		"--extra-experimental-features", "nix-command flakes",
		"--refresh", "--json", ref)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	cmd.WaitDelay = time.Second

	if err := cmd.Run(); err != nil {
		return "", &InvocationError{
			Reason: fmt.Sprintf("resolving flake %s: %v", ref, err),
			Output: diagnosticTail(stderr.String()),
			Err:    err,
		}
	}

	var metadata struct {
		URL string `json:"url"`
	}
	if err := json.Unmarshal(stdout.Bytes(), &metadata); err != nil {
		return "", &InvocationError{
			Reason: fmt.Sprintf("malformed flake metadata for %s: %v", ref, err),
			Err:    err,
		}
	}
	if metadata.URL == "" {
		return "", &InvocationError{Reason: fmt.Sprintf("flake metadata for %s has no locked url", ref)}
	}
	return metadata.URL, nil
}

// diagnosticTail returns the last maxDiagnostic bytes of captured output.
func diagnosticTail(s string) string {
	s = strings.TrimSpace(s)
	if len(s) > maxDiagnostic {
		s = s[len(s)-maxDiagnostic:]
	}
	return s
}
