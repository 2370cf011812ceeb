package transport

import (
	"bufio"
	"context"
	"io"
	"os"
	"os/exec"
	"runtime"
	"sync"
	"syscall"
	"time"

	"github.com/stacklok/mcp-proxy/pkg/perrors"
	"go.uber.org/zap"
)

// StdioConfig describes a child process backend, per the // stdio{command,args,env,cwd} descriptor.
type StdioConfig struct {
	Command string
	Args    []string
	Env     map[string]string
	Cwd     string
}

// StdioTransport spawns StdioConfig.Command on Connect, per this design.
type StdioTransport struct {
	Config StdioConfig
	Logger *zap.SugaredLogger
}

// Connect starts the child process and wires piped stdin/stdout/stderr.
func (t *StdioTransport) Connect(ctx context.Context) (Connection, error) {
	cmd := exec.CommandContext(ctx, t.Config.Command, t.Config.Args...)
	if t.Config.Cwd != "" {
		cmd.Dir = t.Config.Cwd
	}
	cmd.Env = os.Environ()
	for k, v := range t.Config.Env {
		cmd.Env = append(cmd.Env, k+"="+v)
	}
	// Prevent exec.CommandContext's default of killing via SIGKILL on
	// context cancellation; Close() implements the graceful
	// SIGTERM-then-SIGKILL sequence itself.
	cmd.Cancel = func() error { return nil }

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, perrors.NewTransportConnectionFailedError("stdin pipe", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, perrors.NewTransportConnectionFailedError("stdout pipe", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, perrors.NewTransportConnectionFailedError("stderr pipe", err)
	}

	if err := cmd.Start(); err != nil {
		return nil, perrors.NewTransportConnectionFailedError("spawn "+t.Config.Command, err)
	}

	c := &stdioConnection{
		cmd:    cmd,
		stdin:  stdin,
		reader: bufio.NewReaderSize(stdout, MaxFrameSize),
		log:    t.Logger,
	}
	c.wg.Add(1)
	go c.forwardStderr(stderr)

	return c, nil
}

type stdioConnection struct {
	cmd    *exec.Cmd
	stdin  io.WriteCloser
	reader *bufio.Reader
	log    *zap.SugaredLogger

	writeMu sync.Mutex
	readMu  sync.Mutex
	wg      sync.WaitGroup

	closedMu sync.Mutex
	closed   bool
}

// forwardStderr is the background reader of this design: every stderr line
// is purely informational and goes to the backend's logger.
func (c *stdioConnection) forwardStderr(r io.Reader) {
	defer c.wg.Done()
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 4096), MaxFrameSize)
	for scanner.Scan() {
		if c.log != nil {
			c.log.Debugw(scanner.Text(), "stream", "stderr")
		}
	}
}

func (c *stdioConnection) Send(_ context.Context, data []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if c.IsClosed() {
		return perrors.NewTransportSendFailedError("connection closed", nil)
	}
	if _, err := c.stdin.Write(data); err != nil {
		c.markClosed()
		return perrors.NewTransportSendFailedError("write to child stdin", err)
	}
	if len(data) == 0 || data[len(data)-1] != '\n' {
		if _, err := c.stdin.Write([]byte("\n")); err != nil {
			c.markClosed()
			return perrors.NewTransportSendFailedError("write newline", err)
		}
	}
	return nil
}

// Recv reads one newline-terminated frame, enforcing the 1 MiB cap of
// this design incrementally: ReadSlice only ever returns up to one
// buffer's worth (the reader is sized at MaxFrameSize) per call, so a
// frame that never terminates in '\n' is rejected after a bounded number
// of buffer's worth of bytes rather than after growing an unbounded slice
// in memory the way ReadBytes would.
func (c *stdioConnection) Recv(_ context.Context) ([]byte, error) {
	c.readMu.Lock()
	defer c.readMu.Unlock()

	var line []byte
	for {
		chunk, err := c.reader.ReadSlice('\n')
		line = append(line, chunk...)
		if len(line) > MaxFrameSize {
			c.markClosed()
			return nil, perrors.NewTransportInvalidFormatError("frame exceeds 1 MiB", nil)
		}
		if err == nil {
			break
		}
		if err == bufio.ErrBufferFull {
			continue
		}
		c.markClosed()
		return nil, perrors.NewTransportReceiveFailedError("read from child stdout", err)
	}

	// Trim the trailing newline (and preceding \r for CRLF-framed children).
	line = line[:len(line)-1]
	if len(line) > 0 && line[len(line)-1] == '\r' {
		line = line[:len(line)-1]
	}
	return line, nil
}

func (c *stdioConnection) IsClosed() bool {
	c.closedMu.Lock()
	defer c.closedMu.Unlock()
	return c.closed
}

func (c *stdioConnection) markClosed() {
	c.closedMu.Lock()
	c.closed = true
	c.closedMu.Unlock()
}

// Close implements the graceful shutdown: SIGTERM on Unix, wait
// up to 5s, then SIGKILL; always Wait() the child afterward.
func (c *stdioConnection) Close() error {
	c.markClosed()
	_ = c.stdin.Close()

	if c.cmd.Process != nil {
		if runtime.GOOS != "windows" {
			_ = c.cmd.Process.Signal(syscall.SIGTERM)
		} else {
			_ = c.cmd.Process.Kill()
		}
	}

	done := make(chan error, 1)
	go func() { done <- c.cmd.Wait() }()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		if c.cmd.Process != nil {
			_ = c.cmd.Process.Kill()
		}
		<-done
	}

	c.wg.Wait()
	return nil
}
