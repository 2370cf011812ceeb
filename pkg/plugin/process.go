package plugin

import (
	"bufio"
	"context"
	"encoding/json"
	"os/exec"
	"sync"

	"github.com/stacklok/mcp-proxy/pkg/perrors"
)

// worker is one long-lived plugin process obeying the // line-delimited JSON duplex: write one input line to stdin, read exactly
// one output line from stdout.
type worker struct {
	cmd    *exec.Cmd
	stdin  *bufio.Writer
	stdinC interface{ Close() error }
	reader *bufio.Reader

	mu       sync.Mutex
	killOnce sync.Once
}

// spawnWorker starts nodeExecutable (or the plugin binary directly, if
// nodeExecutable is empty) against scriptPath, piping stdin/stdout.
func spawnWorker(ctx context.Context, nodeExecutable, scriptPath string) (*worker, error) {
	var cmd *exec.Cmd
	if nodeExecutable != "" {
		cmd = exec.CommandContext(ctx, nodeExecutable, scriptPath)
	} else {
		cmd = exec.CommandContext(ctx, scriptPath)
	}
	cmd.Cancel = func() error { return nil }

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, perrors.NewInternalError("plugin stdin pipe", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, perrors.NewInternalError("plugin stdout pipe", err)
	}
	if err := cmd.Start(); err != nil {
		return nil, perrors.NewInternalError("spawn plugin "+scriptPath, err)
	}

	return &worker{
		cmd:    cmd,
		stdin:  bufio.NewWriter(stdin),
		stdinC: stdin,
		reader: bufio.NewReaderSize(stdout, 1<<20),
	}, nil
}

// execute writes one Input line and reads back one Output line. The
// caller is responsible for enforcing the timeout and calling kill() on
// timeout or error, per the "a worker that errors or times out
// is killed (kill()), not returned [to the pool]."
func (w *worker) execute(input Input) (Output, error) {
	data, err := json.Marshal(input)
	if err != nil {
		return Output{}, perrors.NewInternalError("marshal plugin input", err)
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	if _, err := w.stdin.Write(data); err != nil {
		return Output{}, perrors.NewTransportSendFailedError("write plugin stdin", err)
	}
	if err := w.stdin.WriteByte('\n'); err != nil {
		return Output{}, perrors.NewTransportSendFailedError("write plugin stdin newline", err)
	}
	if err := w.stdin.Flush(); err != nil {
		return Output{}, perrors.NewTransportSendFailedError("flush plugin stdin", err)
	}

	line, err := w.reader.ReadBytes('\n')
	if err != nil {
		return Output{}, perrors.NewTransportReceiveFailedError("read plugin stdout", err)
	}

	var out Output
	if err := json.Unmarshal(line, &out); err != nil {
		return Output{}, perrors.NewTransportInvalidFormatError("malformed plugin output", err)
	}
	return out, nil
}

// kill terminates the worker process unconditionally; callers never
// return a killed worker to the pool. It does not wait for an in-flight
// execute, so a timed-out worker is stopped at once.
func (w *worker) kill() {
	w.killOnce.Do(func() {
		_ = w.stdinC.Close()
		if w.cmd.Process != nil {
			_ = w.cmd.Process.Kill()
		}
		_ = w.cmd.Wait()
	})
}
