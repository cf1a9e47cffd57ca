package main

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"os/exec"
	"sort"
	"strings"

	"github.com/buildkite/cleanbuild/internal/archive"
	"github.com/buildkite/cleanbuild/internal/vsockexec"
)

// handler serves one request per connection.
type handler struct {
	seed func([]byte) error
}

func (h *handler) serve(conn io.ReadWriter) {
	dec := vsockexec.NewDecoder(conn)
	enc := vsockexec.NewEncoder(conn)

	req, err := dec.Request()
	if err != nil {
		_ = enc.Frame(vsockexec.Frame{Type: vsockexec.FrameError, Error: err.Error()})
		return
	}
	if len(req.EntropySeed) > 0 && h.seed != nil {
		_ = h.seed(req.EntropySeed)
	}

	switch req.Op {
	case vsockexec.OpExec:
		err = runExec(enc, req)
	case vsockexec.OpPutArchive:
		err = putArchive(dec, enc, req.Path)
	case vsockexec.OpGetArchive:
		err = getArchive(enc, req.Path)
	case vsockexec.OpStat:
		err = statPath(enc, req.Path)
	}
	if err != nil {
		_ = enc.Frame(vsockexec.Frame{
			Type:     vsockexec.FrameError,
			Error:    err.Error(),
			NotFound: errors.Is(err, fs.ErrNotExist),
		})
	}
}

func runExec(enc *vsockexec.Encoder, req vsockexec.Request) error {
	cmd := exec.Command(req.Command[0], req.Command[1:]...)
	cmd.Dir = req.Dir
	cmd.Env = buildCommandEnv(req.Env)
	if req.TTY {
		cmd.Env = ensureTTYTERM(cmd.Env)
	}
	out := enc.Writer(vsockexec.FrameOutput)
	cmd.Stdout = out
	cmd.Stderr = out

	code := 0
	if err := cmd.Run(); err != nil {
		var exitErr *exec.ExitError
		switch {
		case errors.As(err, &exitErr):
			code = exitErr.ExitCode()
		case errors.Is(err, exec.ErrNotFound), errors.Is(err, fs.ErrNotExist):
			fmt.Fprintf(out, "%s: command not found\n", req.Command[0])
			code = 127
		default:
			fmt.Fprintf(out, "%s: %v\n", req.Command[0], err)
			code = 126
		}
	}
	return enc.Frame(vsockexec.Frame{Type: vsockexec.FrameExit, ExitCode: code})
}

func putArchive(dec *vsockexec.Decoder, enc *vsockexec.Encoder, dir string) error {
	info, err := os.Stat(dir)
	if err != nil {
		return err
	}
	if !info.IsDir() {
		return fmt.Errorf("%s: %w", dir, archive.ErrNotADirectory)
	}
	ar, err := dec.ArchiveReader()
	if err != nil {
		return err
	}
	defer ar.Close()
	if err := archive.Unpack(ar, dir); err != nil {
		return err
	}
	if err := ar.Finish(); err != nil {
		return err
	}
	return enc.Frame(vsockexec.Frame{Type: vsockexec.FrameExit})
}

func getArchive(enc *vsockexec.Encoder, p string) error {
	if _, err := os.Lstat(p); err != nil {
		return err
	}
	pr, pw := io.Pipe()
	go func() {
		pw.CloseWithError(archive.WritePath(pw, p))
	}()
	err := enc.WriteArchive(pr)
	_ = pr.Close()
	return err
}

func statPath(enc *vsockexec.Encoder, p string) error {
	_, err := os.Lstat(p)
	switch {
	case err == nil:
		return enc.Frame(vsockexec.Frame{Type: vsockexec.FrameStat, Exists: true})
	case errors.Is(err, fs.ErrNotExist):
		return enc.Frame(vsockexec.Frame{Type: vsockexec.FrameStat})
	default:
		return err
	}
}

func buildCommandEnv(requestEnv []string) []string {
	base := map[string]string{}
	for _, entry := range os.Environ() {
		if key, value, ok := splitEnvEntry(entry); ok {
			base[key] = value
		}
	}
	for _, entry := range requestEnv {
		if key, value, ok := splitEnvEntry(entry); ok {
			base[key] = value
		}
	}

	if strings.TrimSpace(base["HOME"]) == "" {
		base["HOME"] = "/root"
	}
	if strings.TrimSpace(base["PATH"]) == "" {
		base["PATH"] = "/usr/local/sbin:/usr/local/bin:/usr/sbin:/usr/bin:/sbin:/bin"
	}

	out := make([]string, 0, len(base))
	for key, value := range base {
		out = append(out, key+"="+value)
	}
	sort.Strings(out)
	return out
}

// ensureTTYTERM gives colcon and apt a terminal type that supports colour
// when the caller asked for a TTY.
func ensureTTYTERM(env []string) []string {
	for i, entry := range env {
		key, value, ok := splitEnvEntry(entry)
		if !ok || key != "TERM" {
			continue
		}
		switch strings.TrimSpace(value) {
		case "", "dumb", "linux":
			env[i] = "TERM=xterm-256color"
		}
		return env
	}
	return append(env, "TERM=xterm-256color")
}

func splitEnvEntry(entry string) (string, string, bool) {
	key, value, _ := strings.Cut(entry, "=")
	if key == "" {
		return "", "", false
	}
	return key, value, true
}
