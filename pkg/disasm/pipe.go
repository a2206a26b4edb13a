package disasm

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os/exec"
	"time"
)

// CommandRunner executes analysis commands against one opened binary. The
// external tool is not thread-safe, so a runner must only be used by one
// goroutine; each job gets its own instance.
type CommandRunner interface {
	// Run executes a single command and returns its raw output.
	Run(ctx context.Context, cmd string) ([]byte, error)
	Close() error
}

// RunnerFactory opens a runner for the binary at path. Tests substitute a
// fake; production uses NewPipe.
type RunnerFactory func(ctx context.Context, path string) (CommandRunner, error)

// Pipe drives a radare2-compatible tool in quiet pipe mode: commands go to
// stdin one per line, replies come back NUL-terminated.
type Pipe struct {
	cmd    *exec.Cmd
	stdin  io.WriteCloser
	stdout *bufio.Reader

	stepTimeout time.Duration
}

// NewPipe spawns the tool against the given file. The stepTimeout bounds
// each individual command on top of whatever deadline the context carries.
func NewPipe(ctx context.Context, binary, path string, stepTimeout time.Duration) (*Pipe, error) {
	// -q0: quiet, NUL-framed replies; -2: silence stderr noise.
	cmd := exec.CommandContext(ctx, binary, "-q0", "-2", path)

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("failed to open tool stdin: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("failed to open tool stdout: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("disassembler unavailable: %w", err)
	}

	p := &Pipe{
		cmd:         cmd,
		stdin:       stdin,
		stdout:      bufio.NewReader(stdout),
		stepTimeout: stepTimeout,
	}

	// The tool emits one NUL once the file is loaded; consume it so the
	// first command's reply is not prefixed with it.
	if _, err := p.readReply(ctx); err != nil {
		p.Close()
		return nil, fmt.Errorf("disassembler handshake failed: %w", err)
	}
	return p, nil
}

// Run writes one command and reads its NUL-terminated reply.
func (p *Pipe) Run(ctx context.Context, cmd string) ([]byte, error) {
	stepCtx := ctx
	if p.stepTimeout > 0 {
		var cancel context.CancelFunc
		stepCtx, cancel = context.WithTimeout(ctx, p.stepTimeout)
		defer cancel()
	}

	if _, err := io.WriteString(p.stdin, cmd+"\n"); err != nil {
		return nil, fmt.Errorf("failed to send command %q: %w", cmd, err)
	}
	out, err := p.readReply(stepCtx)
	if err != nil {
		if stepCtx.Err() != nil {
			return nil, fmt.Errorf("command %q timed out: %w", cmd, stepCtx.Err())
		}
		return nil, fmt.Errorf("failed to read reply for %q: %w", cmd, err)
	}
	return out, nil
}

// readReply reads bytes until the NUL frame terminator, honoring the
// context by reading on a separate goroutine.
func (p *Pipe) readReply(ctx context.Context) ([]byte, error) {
	type result struct {
		data []byte
		err  error
	}
	ch := make(chan result, 1)
	go func() {
		data, err := p.stdout.ReadBytes(0x00)
		if len(data) > 0 && data[len(data)-1] == 0x00 {
			data = data[:len(data)-1]
		}
		ch <- result{data: data, err: err}
	}()

	select {
	case res := <-ch:
		return res.data, res.err
	case <-ctx.Done():
		// Abandon the pipe; the caller kills the process via Close.
		return nil, ctx.Err()
	}
}

// Close terminates the subprocess.
func (p *Pipe) Close() error {
	p.stdin.Close()
	if p.cmd.Process != nil {
		_ = p.cmd.Process.Kill()
	}
	return p.cmd.Wait()
}
