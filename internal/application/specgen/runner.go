package specgen

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"strings"
)

// Generator runs one spec-generation attempt in an isolated working
// directory and reports the terminal event.
type Generator interface {
	Generate(ctx context.Context, workDir, description string) (*Event, error)
}

// CommandRunner invokes the external spec-generator binary. The description
// arrives on stdin; events arrive line-delimited on stdout. The child is
// killed when ctx is cancelled or times out.
type CommandRunner struct {
	// Command is the generator argv; {workDir} placeholders are replaced
	// with the scratch directory.
	Command []string
}

// NewCommandRunner creates a runner for the given generator command line.
func NewCommandRunner(command []string) *CommandRunner {
	return &CommandRunner{Command: command}
}

// Generate runs one attempt. A non-zero exit without a terminal failed
// event is reported as an error so the manager retries it.
func (r *CommandRunner) Generate(ctx context.Context, workDir, description string) (*Event, error) {
	if len(r.Command) == 0 {
		return nil, fmt.Errorf("spec generator command not configured")
	}

	argv := make([]string, len(r.Command))
	for i, arg := range r.Command {
		argv[i] = strings.ReplaceAll(arg, "{workDir}", workDir)
	}

	cmd := exec.CommandContext(ctx, argv[0], argv[1:]...)
	cmd.Dir = workDir
	cmd.Stdin = strings.NewReader(description)
	cmd.Stderr = os.Stderr
	cmd.Env = append(os.Environ(), "WORK_DIR="+workDir)

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("failed to open generator stdout: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("failed to start generator: %w", err)
	}

	result, readErr := ReadResult(stdout)
	waitErr := cmd.Wait()

	if ctx.Err() != nil {
		return nil, ctx.Err()
	}
	if readErr != nil {
		return nil, readErr
	}
	if result.Type == EventFailed {
		return result, nil
	}
	if waitErr != nil {
		return nil, fmt.Errorf("generator exited uncleanly: %w", waitErr)
	}
	return result, nil
}
