package main

import (
	"bytes"
	"errors"
	"io"
	"net"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/buildkite/cleanbuild/internal/archive"
	"github.com/buildkite/cleanbuild/internal/vsockexec"
)

func dialHandler(t *testing.T, h *handler) net.Conn {
	t.Helper()
	client, server := net.Pipe()
	go func() {
		defer server.Close()
		h.serve(server)
	}()
	t.Cleanup(func() { _ = client.Close() })
	return client
}

func TestServeExecStreamsOutputAndExitCode(t *testing.T) {
	t.Parallel()

	conn := dialHandler(t, &handler{})
	if err := vsockexec.NewEncoder(conn).Request(vsockexec.Request{
		Op:      vsockexec.OpExec,
		Command: []string{"/bin/sh", "-c", "echo out; echo err >&2; exit 3"},
		Dir:     t.TempDir(),
		TTY:     true,
	}); err != nil {
		t.Fatalf("send request: %v", err)
	}

	stream := vsockexec.NewDecoder(conn).Stream(vsockexec.FrameOutput)
	out, err := io.ReadAll(stream)
	if err != nil {
		t.Fatalf("read output: %v", err)
	}
	if !strings.Contains(string(out), "out\n") || !strings.Contains(string(out), "err\n") {
		t.Fatalf("expected merged output, got %q", out)
	}
	frame, ok := stream.Terminal()
	if !ok || frame.Type != vsockexec.FrameExit {
		t.Fatalf("expected exit frame, got %+v", frame)
	}
	if got, want := frame.ExitCode, 3; got != want {
		t.Fatalf("unexpected exit code: got %d want %d", got, want)
	}
}

func TestServeExecMissingBinary(t *testing.T) {
	t.Parallel()

	conn := dialHandler(t, &handler{})
	if err := vsockexec.NewEncoder(conn).Request(vsockexec.Request{
		Op:      vsockexec.OpExec,
		Command: []string{"/nonexistent/colcon"},
	}); err != nil {
		t.Fatalf("send request: %v", err)
	}

	stream := vsockexec.NewDecoder(conn).Stream(vsockexec.FrameOutput)
	if err := stream.Drain(); err != nil {
		t.Fatalf("drain output: %v", err)
	}
	frame, _ := stream.Terminal()
	if got, want := frame.ExitCode, 127; got != want {
		t.Fatalf("unexpected exit code: got %d want %d", got, want)
	}
}

func TestServePutArchiveUnpacksIntoDir(t *testing.T) {
	t.Parallel()

	dest := t.TempDir()
	payload, err := archive.PackFile("script", "#!/bin/bash\ntrue\n")
	if err != nil {
		t.Fatalf("PackFile returned error: %v", err)
	}

	conn := dialHandler(t, &handler{})
	enc := vsockexec.NewEncoder(conn)
	if err := enc.Request(vsockexec.Request{Op: vsockexec.OpPutArchive, Path: dest}); err != nil {
		t.Fatalf("send request: %v", err)
	}
	if err := enc.WriteArchive(bytes.NewReader(payload)); err != nil {
		t.Fatalf("WriteArchive returned error: %v", err)
	}
	frame, err := vsockexec.NewDecoder(conn).Frame()
	if err != nil {
		t.Fatalf("read frame: %v", err)
	}
	if frame.Type != vsockexec.FrameExit {
		t.Fatalf("expected exit frame, got %+v", frame)
	}
	got, err := os.ReadFile(filepath.Join(dest, "script"))
	if err != nil {
		t.Fatalf("read unpacked script: %v", err)
	}
	if string(got) != "#!/bin/bash\ntrue\n" {
		t.Fatalf("unexpected script content: %q", got)
	}
}

func TestServeGetArchive(t *testing.T) {
	t.Parallel()

	src := filepath.Join(t.TempDir(), "install")
	if err := os.MkdirAll(src, 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.WriteFile(filepath.Join(src, "setup.bash"), []byte("export X=1\n"), 0o644); err != nil {
		t.Fatalf("write file: %v", err)
	}

	conn := dialHandler(t, &handler{})
	if err := vsockexec.NewEncoder(conn).Request(vsockexec.Request{Op: vsockexec.OpGetArchive, Path: src}); err != nil {
		t.Fatalf("send request: %v", err)
	}
	ar, err := vsockexec.NewDecoder(conn).ArchiveReader()
	if err != nil {
		t.Fatalf("ArchiveReader returned error: %v", err)
	}
	defer ar.Close()

	dest := t.TempDir()
	if err := archive.Unpack(ar, dest); err != nil {
		t.Fatalf("Unpack returned error: %v", err)
	}
	if err := ar.Finish(); err != nil {
		t.Fatalf("Finish returned error: %v", err)
	}
	if _, err := os.Stat(filepath.Join(dest, "install", "setup.bash")); err != nil {
		t.Fatalf("expected downloaded file: %v", err)
	}
}

func TestServeGetArchiveMissingPath(t *testing.T) {
	t.Parallel()

	conn := dialHandler(t, &handler{})
	if err := vsockexec.NewEncoder(conn).Request(vsockexec.Request{Op: vsockexec.OpGetArchive, Path: "/nonexistent/install"}); err != nil {
		t.Fatalf("send request: %v", err)
	}
	frame, err := vsockexec.NewDecoder(conn).Frame()
	if err != nil {
		t.Fatalf("read frame: %v", err)
	}
	if frame.Type != vsockexec.FrameError || !frame.NotFound {
		t.Fatalf("expected not-found error frame, got %+v", frame)
	}
}

func TestServeStat(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	for path, want := range map[string]bool{
		dir:                          true,
		filepath.Join(dir, "absent"): false,
	} {
		conn := dialHandler(t, &handler{})
		if err := vsockexec.NewEncoder(conn).Request(vsockexec.Request{Op: vsockexec.OpStat, Path: path}); err != nil {
			t.Fatalf("send request: %v", err)
		}
		frame, err := vsockexec.NewDecoder(conn).Frame()
		if err != nil {
			t.Fatalf("read frame: %v", err)
		}
		if frame.Type != vsockexec.FrameStat || frame.Exists != want {
			t.Fatalf("stat %s: got %+v want exists=%v", path, frame, want)
		}
	}
}

func TestServeSeedsEntropy(t *testing.T) {
	t.Parallel()

	seeded := make(chan []byte, 1)
	conn := dialHandler(t, &handler{seed: func(b []byte) error {
		seeded <- b
		return errors.New("no /dev/random in test")
	}})
	if err := vsockexec.NewEncoder(conn).Request(vsockexec.Request{
		Op:          vsockexec.OpStat,
		Path:        "/",
		EntropySeed: []byte{1, 2, 3},
	}); err != nil {
		t.Fatalf("send request: %v", err)
	}
	if _, err := vsockexec.NewDecoder(conn).Frame(); err != nil {
		t.Fatalf("read frame: %v", err)
	}
	if got := <-seeded; !bytes.Equal(got, []byte{1, 2, 3}) {
		t.Fatalf("unexpected seed: %v", got)
	}
}
