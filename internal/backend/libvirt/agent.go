package libvirt

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"time"
)

const (
	agentTimeout      = 60 * time.Second
	execPollInterval  = 500 * time.Millisecond
	fileReadChunkSize = 1 << 20
)

// agent speaks the qemu guest agent protocol through libvirt.
type agent struct {
	dom      domain
	timeout  time.Duration
	interval time.Duration
	sleep    func(ctx context.Context, d time.Duration) error
}

type agentRequest struct {
	Execute   string `json:"execute"`
	Arguments any    `json:"arguments,omitempty"`
}

type agentResponse struct {
	Return json.RawMessage `json:"return"`
}

type execArgs struct {
	Path          string   `json:"path"`
	Arg           []string `json:"arg,omitempty"`
	Env           []string `json:"env,omitempty"`
	CaptureOutput bool     `json:"capture-output"`
}

type execStatus struct {
	Exited       bool   `json:"exited"`
	ExitCode     *int   `json:"exitcode,omitempty"`
	Signal       *int   `json:"signal,omitempty"`
	OutData      string `json:"out-data,omitempty"`
	OutTruncated bool   `json:"out-truncated,omitempty"`
}

// Code follows the shell convention of 128+n for a signalled process.
func (s execStatus) Code() int {
	switch {
	case s.ExitCode != nil:
		return *s.ExitCode
	case s.Signal != nil:
		return 128 + *s.Signal
	default:
		return 0
	}
}

func (s execStatus) Output() ([]byte, error) {
	if s.OutData == "" {
		return nil, nil
	}
	out, err := base64.StdEncoding.DecodeString(s.OutData)
	if err != nil {
		return nil, fmt.Errorf("decode guest output: %w", err)
	}
	if s.OutTruncated {
		out = append(out, "\n[output truncated by guest agent]\n"...)
	}
	return out, nil
}

type fileRead struct {
	Count  int    `json:"count"`
	BufB64 string `json:"buf-b64"`
	EOF    bool   `json:"eof"`
}

func (a *agent) call(ctx context.Context, execute string, args, result any) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	payload, err := json.Marshal(agentRequest{Execute: execute, Arguments: args})
	if err != nil {
		return fmt.Errorf("marshal %s: %w", execute, err)
	}
	resp, err := a.dom.AgentCommand(string(payload), a.timeout)
	if err != nil {
		return fmt.Errorf("%s: %w", execute, err)
	}
	if result == nil {
		return nil
	}
	var envelope agentResponse
	if err := json.Unmarshal([]byte(resp), &envelope); err != nil {
		return fmt.Errorf("decode %s response: %w", execute, err)
	}
	if err := json.Unmarshal(envelope.Return, result); err != nil {
		return fmt.Errorf("decode %s result: %w", execute, err)
	}
	return nil
}

func (a *agent) ping(ctx context.Context) error {
	return a.call(ctx, "guest-ping", nil, nil)
}

func (a *agent) exec(ctx context.Context, args execArgs) (int, error) {
	var started struct {
		PID int `json:"pid"`
	}
	if err := a.call(ctx, "guest-exec", args, &started); err != nil {
		return 0, err
	}
	if started.PID <= 0 {
		return 0, errors.New("guest-exec returned no pid")
	}
	return started.PID, nil
}

// wait polls guest-exec-status until the process exits.
func (a *agent) wait(ctx context.Context, pid int) (execStatus, error) {
	for {
		var status execStatus
		if err := a.call(ctx, "guest-exec-status", map[string]int{"pid": pid}, &status); err != nil {
			return execStatus{}, err
		}
		if status.Exited {
			return status, nil
		}
		if err := a.sleep(ctx, a.interval); err != nil {
			return execStatus{}, err
		}
	}
}

// readFile copies a guest file to w in base64 chunks.
func (a *agent) readFile(ctx context.Context, path string, w io.Writer) (err error) {
	var handle int
	if err := a.call(ctx, "guest-file-open", map[string]string{"path": path, "mode": "r"}, &handle); err != nil {
		return err
	}
	defer func() {
		closeErr := a.call(context.WithoutCancel(ctx), "guest-file-close", map[string]int{"handle": handle}, nil)
		if err == nil {
			err = closeErr
		}
	}()

	for {
		var chunk fileRead
		if err := a.call(ctx, "guest-file-read", map[string]int{"handle": handle, "count": fileReadChunkSize}, &chunk); err != nil {
			return err
		}
		if chunk.BufB64 != "" {
			data, err := base64.StdEncoding.DecodeString(chunk.BufB64)
			if err != nil {
				return fmt.Errorf("decode %s chunk: %w", path, err)
			}
			if _, err := w.Write(data); err != nil {
				return err
			}
		}
		if chunk.EOF || chunk.Count == 0 {
			return nil
		}
	}
}

func sleepContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
