// Package execrelay runs a command inside an instance through a
// create/start/inspect exec API, relaying its output to a logger and
// returning the exit code.
package execrelay

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/charmbracelet/log"
)

var ErrInvalidArgument = errors.New("invalid argument")

type ExecConfig struct {
	Cmd        []string
	WorkingDir string
	TTY        bool
}

type ExecState struct {
	Running  bool
	ExitCode int
}

// Triad is the three-call exec surface every backend exposes. StartExec
// returns the merged output stream, which is closed by the caller.
type Triad interface {
	CreateExec(ctx context.Context, instanceID string, cfg ExecConfig) (string, error)
	StartExec(ctx context.Context, execID string) (io.ReadCloser, error)
	InspectExec(ctx context.Context, execID string) (ExecState, error)
}

var (
	settleAttempts = 10
	settleInterval = 100 * time.Millisecond
)

// Run executes cmd in dir and blocks until the output stream is drained.
// A non-zero exit code is returned as data, not as an error.
func Run(ctx context.Context, api Triad, instanceID string, cmd []string, dir string, sink *log.Logger) (int, error) {
	if len(cmd) == 0 {
		return 0, fmt.Errorf("%w: empty command", ErrInvalidArgument)
	}
	if sink == nil {
		sink = log.New(io.Discard)
	}

	execID, err := api.CreateExec(ctx, instanceID, ExecConfig{Cmd: cmd, WorkingDir: dir, TTY: true})
	if err != nil {
		return 0, fmt.Errorf("create exec %q: %w", strings.Join(cmd, " "), err)
	}
	sink.Debug("exec created", "exec_id", execID, "command", strings.Join(cmd, " "), "dir", dir)

	stream, err := api.StartExec(ctx, execID)
	if err != nil {
		return 0, fmt.Errorf("start exec %s: %w", execID, err)
	}
	drainErr := Relay(stream, sink)
	closeErr := stream.Close()
	if drainErr != nil {
		return 0, fmt.Errorf("read output of exec %s: %w", execID, drainErr)
	}
	if closeErr != nil {
		return 0, fmt.Errorf("close output of exec %s: %w", execID, closeErr)
	}

	state, err := api.InspectExec(ctx, execID)
	for attempt := 0; err == nil && state.Running && attempt < settleAttempts; attempt++ {
		// The engine can report the process as running for a moment after
		// its output closes.
		select {
		case <-ctx.Done():
			return 0, ctx.Err()
		case <-time.After(settleInterval):
		}
		state, err = api.InspectExec(ctx, execID)
	}
	if err != nil {
		return 0, fmt.Errorf("inspect exec %s: %w", execID, err)
	}
	if state.Running {
		return 0, fmt.Errorf("exec %s still running after its output closed", execID)
	}
	sink.Debug("exec finished", "exec_id", execID, "exit_code", state.ExitCode)
	return state.ExitCode, nil
}

// Relay forwards r to sink one line at a time at debug level until EOF.
func Relay(r io.Reader, sink *log.Logger) error {
	br := bufio.NewReader(r)
	for {
		line, err := br.ReadString('\n')
		if line != "" {
			sink.Debug(strings.TrimRight(line, "\r\n"))
		}
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return err
		}
	}
}
