// Package engine embeds one single-threaded script engine per extension and
// bridges it to the host: macrotask delivery in, host-calls out. Engine state
// is never shared between extensions; all interaction with the underlying
// runtime happens on the scheduler's thread of control.
package engine

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dop251/goja"

	"github.com/haasonsaas/enclave/internal/dispatch"
	"github.com/haasonsaas/enclave/internal/events"
	"github.com/haasonsaas/enclave/internal/hostcall"
	"github.com/haasonsaas/enclave/internal/modules"
	"github.com/haasonsaas/enclave/internal/observability"
	"github.com/haasonsaas/enclave/internal/region"
	"github.com/haasonsaas/enclave/internal/scheduler"
	"github.com/haasonsaas/enclave/internal/tools"
	"github.com/haasonsaas/enclave/internal/transpile"
)

// Config wires one engine.
type Config struct {
	ExtensionID string
	Root        string
	Entry       string

	Region     *region.Region
	Scheduler  *scheduler.Scheduler
	Dispatcher *dispatch.Dispatcher
	Modules    *modules.Registry
	Transpile  *transpile.Cache
	Bus        *events.Bus
	Logger     *observability.Logger

	// Tools, when set, receives the extension's registerTool registrations
	// so they become reachable through the tool host-call.
	Tools *tools.Registry
}

// Engine hosts one extension's script runtime.
type Engine struct {
	cfg    Config
	rt     *goja.Runtime
	logger *observability.Logger

	ids     hostcall.IDSource
	pending map[uint64]*pendingCall
	streams map[uint64]*streamIter

	moduleCache  map[string]goja.Value
	shims        map[string]goja.Value
	regs         *Registrations
	toolRegistry *tools.Registry

	// onLoop is true while the scheduler is executing engine code. Host-side
	// callers (tool executions, event publishes from region tasks) check it
	// to decide between direct invocation and marshalling a macrotask.
	onLoop atomic.Bool

	mu     sync.Mutex
	closed bool

	makeStream goja.Callable
	awaitValue goja.Callable
}

type pendingCall struct {
	resolve func(any) error
	reject  func(any) error
}

// New creates an engine for one extension. The caller owns teardown through
// the region: closing the region orphans the engine, and Close releases it.
func New(cfg Config) (*Engine, error) {
	if cfg.Region == nil || cfg.Scheduler == nil || cfg.Dispatcher == nil {
		return nil, fmt.Errorf("engine: region, scheduler, and dispatcher are required")
	}
	if cfg.Logger == nil {
		cfg.Logger = observability.NewLogger(observability.LogConfig{})
	}
	e := &Engine{
		cfg:          cfg,
		rt:           goja.New(),
		logger:       cfg.Logger.WithFields("component", "engine", "extension_id", cfg.ExtensionID),
		pending:      make(map[uint64]*pendingCall),
		streams:      make(map[uint64]*streamIter),
		moduleCache:  make(map[string]goja.Value),
		shims:        make(map[string]goja.Value),
		regs:         newRegistrations(),
		toolRegistry: cfg.Tools,
	}
	e.rt.SetFieldNameMapper(goja.TagFieldNameMapper("json", true))
	if err := e.bootstrap(); err != nil {
		return nil, err
	}
	return e, nil
}

// Registrations returns the host registries this engine's extension filled
// during activation.
func (e *Engine) Registrations() *Registrations { return e.regs }

// enter marks the scheduler thread as inside engine code.
func (e *Engine) enter() func() {
	e.onLoop.Store(true)
	return func() { e.onLoop.Store(false) }
}

// Activate loads the entrypoint module and calls its activation function
// with the extension API surface. Must run on the scheduler thread; the
// manager enqueues it as a macrotask.
func (e *Engine) Activate() error {
	defer e.enter()()

	entry := e.cfg.Entry
	if entry == "" {
		entry = "index.ts"
	}
	res, err := e.cfg.Modules.Resolve("./"+filepath.ToSlash(entry), "")
	if err != nil {
		return err
	}
	exports, err := e.loadLocal(res)
	if err != nil {
		return err
	}

	activation := e.findActivation(exports)
	if activation == nil {
		return hostcall.NewError(hostcall.CodeInvalidRequest,
			"extension %s exports no activation function", e.cfg.ExtensionID)
	}

	api := e.buildAPI()
	if _, err := activation(goja.Undefined(), api); err != nil {
		return scriptErrorWithCode(err)
	}
	return nil
}

// findActivation accepts module.exports as a function, or its activate or
// default properties.
func (e *Engine) findActivation(exports goja.Value) goja.Callable {
	if fn, ok := goja.AssertFunction(exports); ok {
		return fn
	}
	obj := exports.ToObject(e.rt)
	if obj == nil {
		return nil
	}
	for _, key := range []string{"activate", "default"} {
		if v := obj.Get(key); v != nil {
			if fn, ok := goja.AssertFunction(v); ok {
				return fn
			}
		}
	}
	return nil
}

// submit allocates a call ID, records the pending promise, and synthesizes
// an EnqueueHostCall macrotask. Runs on the scheduler thread (called from
// script through a native function).
func (e *Engine) submit(req hostcall.Request) goja.Value {
	req.CallID = e.ids.Next()

	promise, resolve, reject := e.rt.NewPromise()
	if req.Stream {
		iter := newStreamIter(e, req.CallID)
		e.mu.Lock()
		e.streams[req.CallID] = iter
		e.mu.Unlock()
		resolve(iter.handle())
	} else {
		e.mu.Lock()
		e.pending[req.CallID] = &pendingCall{resolve: resolve, reject: reject}
		e.mu.Unlock()
	}

	reg := e.cfg.Region
	e.cfg.Scheduler.Enqueue(scheduler.KindEnqueueHostCall, req.CallID, func() {
		e.cfg.Dispatcher.Submit(reg, e.cfg.ExtensionID, req, (*engineCompleter)(e))
	})
	return e.rt.ToValue(promise)
}

// engineCompleter delivers dispatcher outcomes back into the engine as
// scheduler macrotasks, preserving the happens-before edge between handler
// completion and script observation.
type engineCompleter Engine

func (c *engineCompleter) Complete(callID uint64, outcome hostcall.Outcome) {
	e := (*Engine)(c)
	e.cfg.Scheduler.Enqueue(scheduler.KindHostcallComplete, callID, func() {
		e.completePending(callID, outcome)
	})
}

func (c *engineCompleter) Chunk(callID uint64, outcome hostcall.Outcome) {
	e := (*Engine)(c)
	e.cfg.Scheduler.Enqueue(scheduler.KindStreamChunk, callID, func() {
		e.deliverChunk(callID, outcome)
	})
}

// completePending resolves or rejects the promise for callID. Runs on the
// scheduler thread; resolving drains the engine's job queue to a fixpoint
// before the macrotask returns.
func (e *Engine) completePending(callID uint64, outcome hostcall.Outcome) {
	e.mu.Lock()
	call := e.pending[callID]
	delete(e.pending, callID)
	closed := e.closed
	e.mu.Unlock()
	if call == nil || closed {
		return
	}

	defer e.enter()()
	if outcome.IsError() {
		call.reject(e.outcomeError(outcome))
		return
	}
	call.resolve(e.rt.ToValue(outcome.Value))
}

// deliverChunk feeds one streaming outcome into the call's iterator.
func (e *Engine) deliverChunk(callID uint64, outcome hostcall.Outcome) {
	e.mu.Lock()
	iter := e.streams[callID]
	closed := e.closed
	if outcome.IsError() || outcome.IsFinal {
		delete(e.streams, callID)
	}
	e.mu.Unlock()
	if iter == nil || closed {
		return
	}

	defer e.enter()()
	iter.push(outcome)
}

// outcomeError builds a JS Error with a code property from an error outcome.
func (e *Engine) outcomeError(outcome hostcall.Outcome) goja.Value {
	obj, err := e.rt.New(e.rt.Get("Error"), e.rt.ToValue(outcome.Message))
	if err != nil {
		return e.rt.ToValue(outcome.Code + ": " + outcome.Message)
	}
	obj.Set("code", outcome.Code)
	return obj
}

// cancelStream cancels a streaming call from script.
func (e *Engine) cancelStream(callID uint64) bool {
	return e.cfg.Dispatcher.CancelStream(e.cfg.Region, callID)
}

// RunOnLoop executes fn on the scheduler thread and returns its error. When
// already on the loop, fn runs inline; otherwise it is enqueued as a
// macrotask and awaited.
func (e *Engine) RunOnLoop(ctx context.Context, kind scheduler.Kind, fn func() error) error {
	if e.onLoop.Load() {
		return fn()
	}
	done := make(chan error, 1)
	e.cfg.Scheduler.Enqueue(kind, e.cfg.ExtensionID, func() {
		done <- fn()
	})
	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// CallFunction invokes a script callable with the given arguments, from any
// goroutine. The result is the exported Go value.
func (e *Engine) CallFunction(ctx context.Context, fn goja.Callable, args ...any) (any, error) {
	var out any
	err := e.RunOnLoop(ctx, scheduler.KindEngineEval, func() error {
		defer e.enter()()
		values := make([]goja.Value, len(args))
		for i, a := range args {
			values[i] = e.rt.ToValue(a)
		}
		res, err := fn(goja.Undefined(), values...)
		if err != nil {
			return scriptError(err)
		}
		out = res.Export()
		return nil
	})
	return out, err
}

// awaitCallable invokes a script callable that may return a promise, and
// delivers the settled result to cb once the promise resolves. Must run on
// the scheduler thread.
func (e *Engine) awaitCallable(fn goja.Callable, arg goja.Value, cb func(result goja.Value, failure goja.Value)) {
	res, err := fn(goja.Undefined(), arg)
	if err != nil {
		cb(nil, e.rt.ToValue(scriptError(err).Error()))
		return
	}
	callback := e.rt.ToValue(func(call goja.FunctionCall) goja.Value {
		failure := call.Argument(0)
		value := call.Argument(1)
		if goja.IsUndefined(failure) || goja.IsNull(failure) {
			cb(value, nil)
		} else {
			cb(nil, failure)
		}
		return goja.Undefined()
	})
	if _, err := e.awaitValue(goja.Undefined(), res, callback); err != nil {
		cb(nil, e.rt.ToValue(scriptError(err).Error()))
	}
}

// Close tears the engine down. Pending promises are dropped; the region has
// already delivered CANCELLED or sentinel outcomes for in-flight calls.
func (e *Engine) Close() {
	e.mu.Lock()
	e.closed = true
	e.pending = map[uint64]*pendingCall{}
	e.streams = map[uint64]*streamIter{}
	e.mu.Unlock()
	e.rt.Interrupt("engine closed")
}

// scriptError normalizes a goja exception into a typed host error.
func scriptError(err error) error {
	if err == nil {
		return nil
	}
	if ex, ok := err.(*goja.Exception); ok {
		return hostcall.NewError(hostcall.CodeInternal, "%s", ex.Error())
	}
	if _, ok := err.(*hostcall.Error); ok {
		return err
	}
	return hostcall.NewError(hostcall.CodeInternal, "%v", err)
}

// waitSettled is a helper for host-side callers that need a script promise
// result with a deadline.
func waitSettled(ctx context.Context, ch <-chan settled, budget time.Duration) (settled, error) {
	if budget > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, budget)
		defer cancel()
	}
	select {
	case s := <-ch:
		return s, nil
	case <-ctx.Done():
		return settled{}, ctx.Err()
	}
}

type settled struct {
	value   any
	failure string
}
