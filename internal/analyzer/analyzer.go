// Package analyzer invokes the external LLM analyzer subprocess per the
// contract in spec.md §6: a prompt piped on stdin, session file, segment
// boundaries and skills passed as command-line flags, one JSON object
// expected on stdout. This package only runs the process and classifies how it failed;
// parsing and validating its stdout is the worker pipeline's job.
package analyzer

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"strings"
	"time"

	"github.com/pi-brain/pi-brain/internal/config"
	"github.com/pi-brain/pi-brain/internal/errs"
)

// Request is the job-derived context the analyzer subprocess needs.
type Request struct {
	Prompt       string
	Skills       []string
	SessionFile  string
	SegmentStart string
	SegmentEnd   string
}

// Output is everything captured from one subprocess invocation.
type Output struct {
	Stdout     string
	Stderr     string
	ExitCode   int
	DurationMs int64
}

// Invoke spawns the analyzer binary, pipes req.Prompt on stdin, and waits
// up to cfg.Timeout. A non-nil error is always an *errs.ClassifiedError:
// TransientError("timeout") on deadline exceeded, TransientError("rate_limit")
// when stderr mentions a rate limit, TransientError("analyzer_failed") for
// any other non-zero exit. The worker promotes repeated analyzer_failed
// errors to permanent once the job's retry budget is exhausted — Invoke
// itself has no notion of retry count.
func Invoke(ctx context.Context, cfg config.AnalyzerConfig, req Request) (*Output, error) {
	ctx, cancel := context.WithTimeout(ctx, cfg.Timeout)
	defer cancel()

	args := []string{
		"--session-file", req.SessionFile,
		"--segment-start", req.SegmentStart,
		"--segment-end", req.SegmentEnd,
	}
	if len(req.Skills) > 0 {
		args = append(args, "--skills", strings.Join(req.Skills, ","))
	}

	// #nosec G204 -- cfg.Analyzer.Binary is operator-configured, not user input.
	cmd := exec.CommandContext(ctx, cfg.Binary, args...)
	cmd.Stdin = strings.NewReader(req.Prompt)

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	start := time.Now()
	runErr := cmd.Run()
	duration := time.Since(start)

	out := &Output{
		Stdout:     stdout.String(),
		Stderr:     stderr.String(),
		DurationMs: duration.Milliseconds(),
	}
	if cmd.ProcessState != nil {
		out.ExitCode = cmd.ProcessState.ExitCode()
	}

	if ctx.Err() != nil {
		return out, errs.TransientError(errs.ReasonTimeout, "analyzer: %s timed out after %s", cfg.Binary, cfg.Timeout)
	}
	if runErr == nil {
		return out, nil
	}

	if strings.Contains(strings.ToLower(out.Stderr), "rate limit") {
		return out, errs.TransientError(errs.ReasonRateLimit, "analyzer: rate limited: %s", firstLine(out.Stderr))
	}
	return out, errs.TransientError(errs.ReasonAnalyzerFailed, "analyzer: exit %d: %s", out.ExitCode, firstLine(out.Stderr))
}

func firstLine(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		s = s[:i]
	}
	if s == "" {
		return "(no stderr output)"
	}
	return s
}

// CheckEnvironment verifies the analyzer binary resolves on PATH and that
// every required skill is present in optional+required union the caller
// supplies. It returns a PermanentError("environment") per spec.md §4.5
// step 1, never a transient one: a missing binary or skill will not resolve
// itself by retrying the same job.
func CheckEnvironment(cfg config.AnalyzerConfig, availableSkills map[string]bool) error {
	if _, err := exec.LookPath(cfg.Binary); err != nil {
		return errs.PermanentError(errs.ReasonEnvironment, "analyzer binary %q not found on PATH: %v", cfg.Binary, err)
	}
	for _, skill := range cfg.RequiredSkills {
		if !availableSkills[skill] {
			return errs.PermanentError(errs.ReasonEnvironment, "required skill %q not available", skill)
		}
	}
	return nil
}

// Validate checks that the request has everything the subprocess contract
// requires before spawning a process that would inevitably fail.
func (r Request) Validate() error {
	if r.Prompt == "" {
		return fmt.Errorf("analyzer: prompt must not be empty")
	}
	if r.SessionFile == "" {
		return fmt.Errorf("analyzer: sessionFile must not be empty")
	}
	return nil
}
