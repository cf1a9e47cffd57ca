package vsockexec

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/klauspost/compress/zstd"
)

const DefaultPort uint32 = 10700

const (
	OpExec       = "exec"
	OpPutArchive = "put_archive"
	OpGetArchive = "get_archive"
	OpStat       = "stat"
)

const (
	FrameOutput = "output" // merged stdout/stderr of an exec
	FrameData   = "data"   // zstd-compressed tar bytes
	FrameEOF    = "eof"    // end of an archive stream
	FrameExit   = "exit"   // exec or put_archive finished
	FrameStat   = "stat"
	FrameError  = "error"
)

// Request is the first message on every connection. One connection carries
// exactly one request.
type Request struct {
	Op          string   `json:"op"`
	Command     []string `json:"command,omitempty"`
	Dir         string   `json:"dir,omitempty"`
	Path        string   `json:"path,omitempty"`
	Env         []string `json:"env,omitempty"`
	TTY         bool     `json:"tty,omitempty"`
	EntropySeed []byte   `json:"entropy_seed,omitempty"`
}

type Frame struct {
	Type     string `json:"type"`
	Data     []byte `json:"data,omitempty"`
	ExitCode int    `json:"exit_code,omitempty"`
	Exists   bool   `json:"exists,omitempty"`
	NotFound bool   `json:"not_found,omitempty"`
	Error    string `json:"error,omitempty"`
}

// ErrNotFound is returned when the guest reports a missing path.
var ErrNotFound = errors.New("path not found in guest")

// RemoteError carries an error frame sent by the peer.
type RemoteError struct {
	Message  string
	NotFound bool
}

func (e *RemoteError) Error() string { return "guest: " + e.Message }

func (e *RemoteError) Is(target error) bool {
	return e.NotFound && target == ErrNotFound
}

func validate(req Request) (Request, error) {
	req.Op = strings.ToLower(strings.TrimSpace(req.Op))
	if req.Op == "" {
		req.Op = OpExec
	}
	switch req.Op {
	case OpExec:
		if len(req.Command) == 0 {
			return Request{}, errors.New("missing command")
		}
		req.Command[0] = strings.TrimSpace(req.Command[0])
		if req.Command[0] == "" {
			return Request{}, errors.New("missing command executable")
		}
	case OpPutArchive, OpGetArchive, OpStat:
		if strings.TrimSpace(req.Path) == "" {
			return Request{}, fmt.Errorf("%s: missing path", req.Op)
		}
	default:
		return Request{}, fmt.Errorf("unknown op %q", req.Op)
	}
	return req, nil
}

// Decoder reads the request and frames of one connection. A single Decoder
// must be used per connection since it buffers ahead.
type Decoder struct {
	dec *json.Decoder
}

func NewDecoder(r io.Reader) *Decoder {
	return &Decoder{dec: json.NewDecoder(r)}
}

func (d *Decoder) Request() (Request, error) {
	var req Request
	if err := d.dec.Decode(&req); err != nil {
		return Request{}, err
	}
	return validate(req)
}

func (d *Decoder) Frame() (Frame, error) {
	var frame Frame
	if err := d.dec.Decode(&frame); err != nil {
		return Frame{}, err
	}
	frame.Type = strings.ToLower(strings.TrimSpace(frame.Type))
	return frame, nil
}

// Encoder writes the request and frames of one connection. It is safe for
// concurrent use.
type Encoder struct {
	mu  sync.Mutex
	enc *json.Encoder
}

func NewEncoder(w io.Writer) *Encoder {
	return &Encoder{enc: json.NewEncoder(w)}
}

func (e *Encoder) Request(req Request) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.enc.Encode(req)
}

func (e *Encoder) Frame(frame Frame) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.enc.Encode(frame)
}

// Writer sends every Write as one frame of the given type.
func (e *Encoder) Writer(kind string) io.Writer {
	return frameWriter{enc: e, kind: kind}
}

// WriteArchive compresses tarStream and sends it as data frames followed by
// an eof frame.
func (e *Encoder) WriteArchive(tarStream io.Reader) error {
	zw, err := zstd.NewWriter(e.Writer(FrameData))
	if err != nil {
		return fmt.Errorf("create zstd writer: %w", err)
	}
	if _, err := io.Copy(zw, tarStream); err != nil {
		_ = zw.Close()
		return fmt.Errorf("compress archive: %w", err)
	}
	if err := zw.Close(); err != nil {
		return fmt.Errorf("flush archive: %w", err)
	}
	return e.Frame(Frame{Type: FrameEOF})
}

type frameWriter struct {
	enc  *Encoder
	kind string
}

func (w frameWriter) Write(p []byte) (int, error) {
	if len(p) == 0 {
		return 0, nil
	}
	if err := w.enc.Frame(Frame{Type: w.kind, Data: append([]byte(nil), p...)}); err != nil {
		return 0, err
	}
	return len(p), nil
}

// FrameReader yields the payload of consecutive frames of one type and stops
// at the first frame of any other type, which it keeps as the terminal frame.
type FrameReader struct {
	dec      *Decoder
	kind     string
	buf      []byte
	terminal *Frame
	err      error
}

func (d *Decoder) Stream(kind string) *FrameReader {
	return &FrameReader{dec: d, kind: kind}
}

func (r *FrameReader) Read(p []byte) (int, error) {
	for len(r.buf) == 0 {
		if r.err != nil {
			return 0, r.err
		}
		frame, err := r.dec.Frame()
		if err != nil {
			if errors.Is(err, io.EOF) {
				err = io.ErrUnexpectedEOF
			}
			r.err = err
			continue
		}
		switch frame.Type {
		case r.kind:
			r.buf = frame.Data
		case FrameError:
			r.terminal = &frame
			r.err = &RemoteError{Message: frame.Error, NotFound: frame.NotFound}
		default:
			r.terminal = &frame
			r.err = io.EOF
		}
	}
	n := copy(p, r.buf)
	r.buf = r.buf[n:]
	return n, nil
}

// Terminal returns the frame that ended the stream, if one was read.
func (r *FrameReader) Terminal() (Frame, bool) {
	if r.terminal == nil {
		return Frame{}, false
	}
	return *r.terminal, true
}

// Drain consumes the rest of the stream up to its terminal frame.
func (r *FrameReader) Drain() error {
	_, err := io.Copy(io.Discard, r)
	return err
}

// ArchiveReader decompresses the archive carried by data frames up to the
// eof frame.
func (d *Decoder) ArchiveReader() (*ArchiveReader, error) {
	frames := d.Stream(FrameData)
	zr, err := zstd.NewReader(nil, zstd.WithDecoderConcurrency(1))
	if err != nil {
		return nil, fmt.Errorf("create zstd reader: %w", err)
	}
	if err := zr.Reset(frames); err != nil {
		zr.Close()
		return nil, frames.cause(err)
	}
	return &ArchiveReader{frames: frames, zr: zr}, nil
}

// cause prefers an error frame from the peer over the decompressor's view of
// the same failure.
func (r *FrameReader) cause(err error) error {
	var remote *RemoteError
	if errors.As(r.err, &remote) {
		return remote
	}
	return err
}

type ArchiveReader struct {
	frames *FrameReader
	zr     *zstd.Decoder
}

func (a *ArchiveReader) Read(p []byte) (int, error) {
	n, err := a.zr.Read(p)
	if err != nil {
		err = a.frames.cause(err)
	}
	return n, err
}

// Finish drains the stream and reports whether it ended with eof.
func (a *ArchiveReader) Finish() error {
	if _, err := io.Copy(io.Discard, a); err != nil {
		return err
	}
	if err := a.frames.Drain(); err != nil {
		return err
	}
	if frame, ok := a.frames.Terminal(); !ok || frame.Type != FrameEOF {
		return fmt.Errorf("archive stream ended with %q frame", frame.Type)
	}
	return nil
}

func (a *ArchiveReader) Close() {
	a.zr.Close()
}
