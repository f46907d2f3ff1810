package dispatch

import (
	"bufio"
	"context"
	"io"
	"sync"

	"github.com/haasonsaas/enclave/internal/hostcall"
	"github.com/haasonsaas/enclave/internal/stream"
)

func execSpec(req hostcall.Request) (ProcessSpec, error) {
	command, ok := payloadString(req.Payload, "command")
	if !ok || command == "" {
		return ProcessSpec{}, hostcall.NewError(hostcall.CodeInvalidRequest, "exec requires a command")
	}
	return ProcessSpec{
		Command: command,
		Args:    payloadStrings(req.Payload, "args"),
		Env:     payloadStringMap(req.Payload, "env"),
		Cwd:     func() string { s, _ := payloadString(req.Payload, "cwd"); return s }(),
	}, nil
}

// handleExec runs a process to completion and returns aggregated output with
// exit status.
func (d *Dispatcher) handleExec(ctx context.Context, req hostcall.Request) (any, error) {
	spec, err := execSpec(req)
	if err != nil {
		return nil, err
	}
	proc, err := d.cfg.Launcher.Launch(ctx, spec)
	if err != nil {
		return nil, hostcall.NewError(hostcall.CodeIO, "spawn %s: %v", spec.Command, err)
	}

	var (
		wg             sync.WaitGroup
		stdout, stderr []byte
	)
	wg.Add(2)
	go func() { defer wg.Done(); stdout, _ = io.ReadAll(proc.Stdout()) }()
	go func() { defer wg.Done(); stderr, _ = io.ReadAll(proc.Stderr()) }()
	wg.Wait()

	exit, err := proc.Wait(ctx)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, hostcall.NewError(hostcall.CodeIO, "wait %s: %v", spec.Command, err)
	}
	return map[string]any{
		"stdout":    string(stdout),
		"stderr":    string(stderr),
		"exit_code": exit,
	}, nil
}

// streamExec runs a process delivering stdout and stderr chunks as they
// arrive. The final chunk carries the exit status. Two pipe readers feed one
// merge point so the stream keeps its single producer.
func (d *Dispatcher) streamExec(ctx context.Context, st *stream.Stream, req hostcall.Request) error {
	spec, err := execSpec(req)
	if err != nil {
		return err
	}
	proc, err := d.cfg.Launcher.Launch(ctx, spec)
	if err != nil {
		return hostcall.NewError(hostcall.CodeIO, "spawn %s: %v", spec.Command, err)
	}
	defer proc.Kill()

	type piece struct {
		source string
		data   string
	}
	merged := make(chan piece, 4)

	var readers sync.WaitGroup
	readPipe := func(source string, r io.Reader) {
		defer readers.Done()
		scanner := bufio.NewScanner(r)
		scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
		for scanner.Scan() {
			select {
			case merged <- piece{source: source, data: scanner.Text()}:
			case <-ctx.Done():
				return
			}
		}
	}
	readers.Add(2)
	go readPipe("stdout", proc.Stdout())
	go readPipe("stderr", proc.Stderr())
	go func() {
		readers.Wait()
		close(merged)
	}()

	for p := range merged {
		err := st.Send(ctx, map[string]any{"stream": p.source, "data": p.data})
		if err != nil {
			// Cancel or stall already finalized the stream; stop the process
			// rather than keep producing into the void.
			proc.Kill()
			drainMerged(merged)
			if err == stream.ErrStalled || err == stream.ErrClosed {
				return nil
			}
			return err
		}
	}

	exit, err := proc.Wait(ctx)
	if err != nil {
		if ctx.Err() != nil {
			return nil // cancellation sentinel already handled by the stream
		}
		return hostcall.NewError(hostcall.CodeIO, "wait %s: %v", spec.Command, err)
	}
	st.Close(map[string]any{"exit_code": exit})
	return nil
}

func drainMerged[T any](ch <-chan T) {
	for range ch {
	}
}
