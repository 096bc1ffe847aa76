package execute

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os/exec"

	"github.com/dnat-protocol/tee-asset-execution-backend/interfaces"
)

// Input is the envelope handed to the application on stdin. The dataset and
// application bytes exist in plaintext only inside the execution stage.
type Input struct {
	Application []byte         `json:"application"`
	Dataset     []byte         `json:"dataset"`
	Parameters  map[string]any `json:"parameters,omitempty"`
}

// Runtime runs a decrypted application over a decrypted dataset and returns
// the application's output. Implementations must confine the application:
// no ambient credentials, no network identity of the stage, no filesystem
// persistence of the inputs.
type Runtime interface {
	Run(ctx context.Context, input *Input) ([]byte, error)
}

// RuntimeFunc adapts a function to the Runtime interface.
type RuntimeFunc func(ctx context.Context, input *Input) ([]byte, error)

// Run implements Runtime.
func (f RuntimeFunc) Run(ctx context.Context, input *Input) ([]byte, error) {
	return f(ctx, input)
}

// SubprocessRuntime executes the application through a sandbox launcher
// subprocess. The input envelope goes to the launcher's stdin as JSON and
// the launcher's stdout is the execution output. The subprocess starts with
// an empty environment so no host secret leaks into the sandbox.
type SubprocessRuntime struct {
	Command []string
	Log     *slog.Logger
}

// Run implements Runtime.
func (r *SubprocessRuntime) Run(ctx context.Context, input *Input) ([]byte, error) {
	if len(r.Command) == 0 {
		return nil, fmt.Errorf("%w: no runtime command configured", interfaces.ErrInvalidInput)
	}

	encoded, err := json.Marshal(input)
	if err != nil {
		return nil, fmt.Errorf("failed to encode execution input: %w", err)
	}

	cmd := exec.CommandContext(ctx, r.Command[0], r.Command[1:]...)
	cmd.Env = []string{}
	cmd.Stdin = bytes.NewReader(encoded)

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	runErr := cmd.Run()

	// The encoded envelope holds plaintext; scrub it before surfacing
	// any error.
	for i := range encoded {
		encoded[i] = 0
	}

	if ctx.Err() != nil {
		return nil, ctx.Err()
	}
	if runErr != nil {
		var exitErr *exec.ExitError
		if errors.As(runErr, &exitErr) {
			r.Log.Warn("Application exited with error",
				slog.Int("exit_code", exitErr.ExitCode()),
				slog.String("stderr", truncate(stderr.String(), 512)))
			return nil, fmt.Errorf("%w: exit code %d", interfaces.ErrApplicationFailed, exitErr.ExitCode())
		}
		return nil, fmt.Errorf("%w: %v", interfaces.ErrApplicationFailed, runErr)
	}

	return stdout.Bytes(), nil
}

func truncate(s string, limit int) string {
	if len(s) <= limit {
		return s
	}
	return s[:limit]
}
