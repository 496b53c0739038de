package executor

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"

	"github.com/fengsecao/nexus-cli/internal/worker/constants"
)

// ErrProverOutOfMemory marks a prover subprocess that was likely OOM-killed
var ErrProverOutOfMemory = errors.New("prover likely ran out of memory")

// ProverExitError is returned when the prover subprocess exits non-zero
type ProverExitError struct {
	Code   int
	Stderr string
}

func (e *ProverExitError) Error() string {
	switch e.Code {
	case constants.SubprocessSuspectedOOMCode:
		return fmt.Sprintf("prover exited with code %d (suspected OOM)", e.Code)
	case constants.SubprocessInternalErrorCode:
		return fmt.Sprintf("prover internal error (code %d): %s", e.Code, e.Stderr)
	default:
		return fmt.Sprintf("prover exited with code %d: %s", e.Code, e.Stderr)
	}
}

// CommandProver runs an external prover binary per task. The task's public
// inputs are written to stdin and the proof is read from stdout.
type CommandProver struct {
	Path string
	Args []string
}

// NewCommandProver creates a prover that executes path with args
func NewCommandProver(path string, args ...string) *CommandProver {
	return &CommandProver{Path: path, Args: args}
}

// Prove runs the prover subprocess for task
func (p *CommandProver) Prove(ctx context.Context, task Task) ([]byte, error) {
	cmd := exec.CommandContext(ctx, p.Path, p.Args...)
	cmd.Env = append(cmd.Environ(),
		"NEXUS_TASK_ID="+task.ID,
		"NEXUS_PROGRAM_ID="+task.ProgramID,
	)
	cmd.Stdin = bytes.NewReader(task.PublicInputs)

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) && exitErr.ExitCode() > 0 {
			return nil, &ProverExitError{
				Code:   exitErr.ExitCode(),
				Stderr: strings.TrimSpace(stderr.String()),
			}
		}
		return nil, fmt.Errorf("failed to run prover: %w", err)
	}

	if stdout.Len() == 0 {
		return nil, fmt.Errorf("prover produced an empty proof")
	}
	return stdout.Bytes(), nil
}

// classifyProverError tags suspected OOM failures so they stand out in logs
func classifyProverError(err error) error {
	var exitErr *ProverExitError
	if errors.As(err, &exitErr) && exitErr.Code == constants.SubprocessSuspectedOOMCode {
		return fmt.Errorf("%w (projected requirement %d bytes): %w",
			ErrProverOutOfMemory, constants.ProjectedMemoryRequirement, err)
	}
	return fmt.Errorf("proof generation failed: %w", err)
}
