package runner

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os/exec"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/ashokvn/mlpipe/pkg/models"
)

// ExecResult captures one invocation of the external pipeline process.
// ExitCode is meaningful only when the process actually ran.
type ExecResult struct {
	ExitCode int
	Stdout   string
	Stderr   string
}

// Executor invokes the external pipeline. Implementations return an error
// only when the process could not be started or was killed by ctx; a process
// that ran and exited non-zero is reported through ExitCode. The execution
// mechanism is swappable without touching the job state machine.
type Executor interface {
	Execute(ctx context.Context, pipelineName string, params models.Params) (*ExecResult, error)
}

// ProcessExecutor runs pipelines by shelling out to the pipeline CLI, e.g.
//
//	kedro run --pipeline data_loading --params '{"data_loading":{...}}'
//
// in the configured project directory. Stdout and stderr are captured in
// full; nothing is streamed to callers.
type ProcessExecutor struct {
	// Command is the executable to invoke, e.g. "kedro".
	Command string
	// ProjectDir is the working directory for the invocation.
	ProjectDir string

	// waitDelay bounds how long a killed process's inherited pipes can keep
	// Run blocked. Grandchildren spawned by the pipeline survive the kill and
	// hold stdout/stderr open.
	waitDelay time.Duration
}

const defaultWaitDelay = 5 * time.Second

// NewProcessExecutor creates a ProcessExecutor.
func NewProcessExecutor(command, projectDir string) *ProcessExecutor {
	return &ProcessExecutor{
		Command:    command,
		ProjectDir: projectDir,
		waitDelay:  defaultWaitDelay,
	}
}

func (e *ProcessExecutor) Execute(ctx context.Context, pipelineName string, params models.Params) (*ExecResult, error) {
	args := []string{"run", "--pipeline", pipelineName}
	if len(params) > 0 {
		encoded, err := json.Marshal(params)
		if err != nil {
			return nil, fmt.Errorf("encode parameters: %w", err)
		}
		args = append(args, "--params", string(encoded))
	}

	cmd := exec.CommandContext(ctx, e.Command, args...)
	cmd.Dir = e.ProjectDir
	cmd.WaitDelay = e.waitDelay
	if cmd.WaitDelay == 0 {
		cmd.WaitDelay = defaultWaitDelay
	}

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()

	// A ctx kill (timeout or shutdown) outranks whatever exit status the
	// dying process reported.
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}

	res := &ExecResult{
		Stdout: stdout.String(),
		Stderr: stderr.String(),
	}

	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			res.ExitCode = exitErr.ExitCode()
			return res, nil
		}
		// The process never started (binary missing, permissions, ...).
		return nil, fmt.Errorf("start pipeline process: %w", err)
	}

	res.ExitCode = 0
	return res, nil
}

// parseResult turns captured stdout into the job's result payload. The
// pipeline wrapper prints its outputs as a JSON object on the final line;
// non-JSON output is wrapped, and no output at all becomes an explicit empty
// object rather than a missing value.
func parseResult(stdout string) models.Params {
	trimmed := strings.TrimSpace(stdout)
	if trimmed == "" {
		return models.Params{}
	}

	lines := strings.Split(trimmed, "\n")
	for i := len(lines) - 1; i >= 0; i-- {
		line := strings.TrimSpace(lines[i])
		if !strings.HasPrefix(line, "{") {
			continue
		}
		var out models.Params
		if err := json.Unmarshal([]byte(line), &out); err == nil {
			return out
		}
	}
	return models.Params{"output": truncate(trimmed, maxResultBytes)}
}

// diagnostic builds the error message for a failed process, preferring
// stderr and falling back to stdout.
func diagnostic(res *ExecResult) string {
	msg := strings.TrimSpace(res.Stderr)
	if msg == "" {
		msg = strings.TrimSpace(res.Stdout)
	}
	if msg == "" {
		msg = fmt.Sprintf("pipeline process exited with status %d", res.ExitCode)
	}
	return truncate(msg, maxErrorBytes)
}

const (
	maxResultBytes = 4000
	maxErrorBytes  = 2000
)

// truncate shortens s to maxBytes without splitting UTF-8 runes.
func truncate(s string, maxBytes int) string {
	if len(s) <= maxBytes {
		return s
	}
	for maxBytes > 0 && !utf8.RuneStart(s[maxBytes]) {
		maxBytes--
	}
	return s[:maxBytes]
}
