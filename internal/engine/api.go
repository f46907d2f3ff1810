package engine

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/dop251/goja"

	"github.com/haasonsaas/enclave/internal/events"
	"github.com/haasonsaas/enclave/internal/hostcall"
	"github.com/haasonsaas/enclave/internal/scheduler"
	"github.com/haasonsaas/enclave/internal/tools"
)

// buildAPI constructs the single object handed to the activation function.
// Every entry point that performs a privileged operation synthesizes an
// EnqueueHostCall macrotask through submit.
func (e *Engine) buildAPI() goja.Value {
	rt := e.rt
	api := rt.NewObject()

	api.Set("registerTool", func(call goja.FunctionCall) goja.Value {
		spec := e.exportObject(call.Argument(0))
		name, _ := spec["name"].(string)
		if name == "" {
			panic(rt.NewTypeError("registerTool requires a name"))
		}
		run, ok := goja.AssertFunction(call.Argument(0).ToObject(rt).Get("run"))
		if !ok {
			panic(rt.NewTypeError("registerTool requires a run function"))
		}
		desc, _ := spec["description"].(string)
		schema, _ := spec["schema"].(map[string]any)
		reg := ToolRegistration{Name: name, Description: desc, Schema: schema, Run: run}
		e.regs.addTool(reg)
		if e.toolRegistry != nil {
			if err := e.toolRegistry.Register(&scriptTool{eng: e, reg: reg}); err != nil {
				e.logger.Warn(e.cfg.Region.Context(), "script tool registration rejected",
					"tool", name, "error", err)
			}
		}
		return goja.Undefined()
	})

	api.Set("slashCommand", func(call goja.FunctionCall) goja.Value {
		spec := e.exportObject(call.Argument(0))
		name, _ := spec["name"].(string)
		if name == "" {
			panic(rt.NewTypeError("slashCommand requires a name"))
		}
		run, _ := goja.AssertFunction(call.Argument(0).ToObject(rt).Get("run"))
		desc, _ := spec["description"].(string)
		e.regs.addCommand(CommandRegistration{Name: name, Description: desc, Run: run})
		return goja.Undefined()
	})

	api.Set("shortcut", func(call goja.FunctionCall) goja.Value {
		spec := e.exportObject(call.Argument(0))
		name, _ := spec["name"].(string)
		key, _ := spec["key"].(string)
		if name == "" || key == "" {
			panic(rt.NewTypeError("shortcut requires name and key"))
		}
		run, _ := goja.AssertFunction(call.Argument(0).ToObject(rt).Get("run"))
		e.regs.addShortcut(ShortcutRegistration{Name: name, Key: key, Run: run})
		return goja.Undefined()
	})

	api.Set("registerProvider", func(call goja.FunctionCall) goja.Value {
		spec := e.exportObject(call.Argument(0))
		name, _ := spec["name"].(string)
		if name == "" {
			panic(rt.NewTypeError("registerProvider requires a name"))
		}
		var modelNames []string
		if raw, ok := spec["models"].([]any); ok {
			for _, m := range raw {
				if s, ok := m.(string); ok {
					modelNames = append(modelNames, s)
				}
			}
		}
		streamSimple, _ := goja.AssertFunction(call.Argument(0).ToObject(rt).Get("streamSimple"))
		e.regs.addProvider(ProviderRegistration{Name: name, Models: modelNames, StreamSimple: streamSimple})
		return goja.Undefined()
	})

	api.Set("flag", func(call goja.FunctionCall) goja.Value {
		spec := e.exportObject(call.Argument(0))
		name, _ := spec["name"].(string)
		if name == "" {
			panic(rt.NewTypeError("flag requires a name"))
		}
		desc, _ := spec["description"].(string)
		e.regs.addFlag(FlagRegistration{Name: name, Description: desc, Default: spec["default"]})
		return call.Argument(0).ToObject(rt).Get("default")
	})

	api.Set("on", func(call goja.FunctionCall) goja.Value {
		eventName := call.Argument(0).String()
		handler, ok := goja.AssertFunction(call.Argument(1))
		if !ok {
			panic(rt.NewTypeError("on requires a handler function"))
		}
		e.regs.addEvent(eventName)
		id := e.cfg.Bus.Subscribe(eventName, e.cfg.ExtensionID, e.cfg.Region, e.wrapHandler(handler))
		return rt.ToValue(id)
	})

	// session: typed operations, all routed through the session host-call.
	session := rt.NewObject()
	sessionOp := func(op string, extra func(call goja.FunctionCall, payload map[string]any)) func(goja.FunctionCall) goja.Value {
		return func(call goja.FunctionCall) goja.Value {
			payload := map[string]any{"op": op}
			if extra != nil {
				extra(call, payload)
			}
			return e.submit(hostcall.Request{Kind: hostcall.KindSession, Payload: payload})
		}
	}
	session.Set("getState", sessionOp("get_state", nil))
	session.Set("getMessages", sessionOp("get_messages", func(call goja.FunctionCall, p map[string]any) {
		if !goja.IsUndefined(call.Argument(0)) {
			p["limit"] = call.Argument(0).ToInteger()
		}
	}))
	session.Set("getName", sessionOp("get_name", nil))
	session.Set("setName", sessionOp("set_name", func(call goja.FunctionCall, p map[string]any) {
		p["name"] = call.Argument(0).String()
	}))
	session.Set("getModel", sessionOp("get_model", nil))
	session.Set("setModel", sessionOp("set_model", func(call goja.FunctionCall, p map[string]any) {
		p["model"] = call.Argument(0).String()
	}))
	session.Set("setLabel", sessionOp("set_label", func(call goja.FunctionCall, p map[string]any) {
		p["key"] = call.Argument(0).String()
		p["value"] = call.Argument(1).String()
	}))
	session.Set("getThinkingLevel", sessionOp("get_thinking_level", nil))
	session.Set("setThinkingLevel", sessionOp("set_thinking_level", func(call goja.FunctionCall, p map[string]any) {
		p["level"] = call.Argument(0).String()
	}))
	api.Set("session", session)

	api.Set("tool", func(call goja.FunctionCall) goja.Value {
		name := call.Argument(0).String()
		payload := map[string]any{"name": name}
		if input := e.exportObject(call.Argument(1)); input != nil {
			payload["input"] = input
		}
		return e.submit(hostcall.Request{Kind: hostcall.KindTool, Payload: payload})
	})

	api.Set("exec", func(call goja.FunctionCall) goja.Value {
		command := call.Argument(0).String()
		if command == "" {
			panic(rt.NewTypeError("exec requires a command"))
		}
		payload := map[string]any{"command": command}
		if args := call.Argument(1); !goja.IsUndefined(args) && !goja.IsNull(args) {
			payload["args"] = args.Export()
		}
		req := hostcall.Request{Kind: hostcall.KindExec, Payload: payload}
		e.applyOptions(&req, e.exportObject(call.Argument(2)))
		for _, key := range []string{"env", "cwd"} {
			if opts := e.exportObject(call.Argument(2)); opts != nil {
				if v, ok := opts[key]; ok {
					payload[key] = v
				}
			}
		}
		return e.submit(req)
	})

	api.Set("http", func(call goja.FunctionCall) goja.Value {
		reqObj := e.exportObject(call.Argument(0))
		if reqObj == nil {
			panic(rt.NewTypeError("http requires a request object"))
		}
		req := hostcall.Request{Kind: hostcall.KindHTTP, Payload: reqObj}
		e.applyOptions(&req, reqObj)
		return e.submit(req)
	})

	api.Set("log", func(call goja.FunctionCall) goja.Value {
		entry := e.exportObject(call.Argument(0))
		if entry == nil {
			panic(rt.NewTypeError("log requires an entry object"))
		}
		return e.submit(hostcall.Request{Kind: hostcall.KindLog, Payload: entry})
	})

	api.Set("events", func(call goja.FunctionCall) goja.Value {
		op := call.Argument(0).String()
		payload := map[string]any{"op": op}
		if extra := e.exportObject(call.Argument(1)); extra != nil {
			for k, v := range extra {
				payload[k] = v
			}
		}
		return e.submit(hostcall.Request{Kind: hostcall.KindEvents, Payload: payload})
	})

	api.Set("cancelStream", func(call goja.FunctionCall) goja.Value {
		id := uint64(call.Argument(0).ToInteger())
		return rt.ToValue(e.cancelStream(id))
	})

	return api
}

// applyOptions maps the shared streaming/timeout options from an options or
// request object onto the envelope. An explicit stall_ms of zero disables
// stall detection, so its presence is recorded in the payload.
func (e *Engine) applyOptions(req *hostcall.Request, opts map[string]any) {
	if opts == nil {
		return
	}
	if v, ok := opts["stream"].(bool); ok {
		req.Stream = v
	}
	if v, ok := numeric(opts["buffer_size"]); ok {
		req.BufferSize = uint32(v)
	}
	if raw, present := opts["stall_ms"]; present {
		if req.Payload == nil {
			req.Payload = map[string]any{}
		}
		req.Payload["stall_ms"] = raw
		if v, ok := numeric(raw); ok {
			req.StallMS = uint32(v)
		}
	}
	if v, ok := numeric(opts["timeout_ms"]); ok {
		req.TimeoutMS = uint32(v)
	}
}

func numeric(v any) (int64, bool) {
	switch n := v.(type) {
	case int64:
		return n, true
	case int:
		return int64(n), true
	case float64:
		return int64(n), true
	}
	return 0, false
}

// exportObject exports a script value as a JSON-ish map.
func (e *Engine) exportObject(v goja.Value) map[string]any {
	if v == nil || goja.IsUndefined(v) || goja.IsNull(v) {
		return nil
	}
	if m, ok := v.Export().(map[string]any); ok {
		return m
	}
	return nil
}

// wrapHandler adapts a script event handler for the bus. Publishes reach
// the bus only from within a macrotask (the manager and the dispatcher both
// marshal), so the handler always runs on the scheduler's thread of control
// and may touch the runtime directly. Asynchronous rejections are logged;
// synchronous exceptions surface to the bus for isolation accounting.
func (e *Engine) wrapHandler(handler goja.Callable) events.Handler {
	return func(_ context.Context, ev *events.Event) error {
		defer e.enter()()
		payload := e.rt.NewObject()
		payload.Set("name", ev.Name)
		payload.Set("payload", e.rt.ToValue(ev.Payload))
		if ev.Source != "" {
			payload.Set("source", ev.Source)
		}
		res, err := handler(goja.Undefined(), payload)
		if err != nil {
			return scriptError(err)
		}
		// A returned promise settles in later macrotasks; its failure is
		// logged when it arrives.
		if p, ok := res.Export().(*goja.Promise); ok && p != nil {
			e.watchRejection(ev.Name, res)
		}
		return nil
	}
}

// watchRejection attaches a settle callback that logs async handler
// failures.
func (e *Engine) watchRejection(eventName string, promised goja.Value) {
	e.awaitCallable(func(_ goja.Value, _ ...goja.Value) (goja.Value, error) {
		return promised, nil
	}, goja.Undefined(), func(_ goja.Value, failure goja.Value) {
		if failure != nil {
			e.logger.Warn(e.cfg.Region.Context(), "async event handler failed",
				"event", eventName, "error", failure.String())
		}
	})
}

// scriptTool adapts a registerTool registration into the host tool registry
// so the extension's own tools are reachable through the tool host-call.
type scriptTool struct {
	eng *Engine
	reg ToolRegistration
}

func (t *scriptTool) Name() string        { return t.reg.Name }
func (t *scriptTool) Description() string { return t.reg.Description }

func (t *scriptTool) Schema() json.RawMessage {
	if t.reg.Schema == nil {
		return json.RawMessage(`{"type":"object"}`)
	}
	payload, err := json.Marshal(t.reg.Schema)
	if err != nil {
		return json.RawMessage(`{"type":"object"}`)
	}
	return payload
}

// Execute marshals the invocation onto the scheduler thread and waits for
// the script's result, which may be a promise. Requires a driven scheduler.
func (t *scriptTool) Execute(ctx context.Context, params json.RawMessage) (*tools.Result, error) {
	var input map[string]any
	if len(params) > 0 {
		if err := json.Unmarshal(params, &input); err != nil {
			return nil, hostcall.NewError(hostcall.CodeInvalidRequest, "tool input: %v", err)
		}
	}

	ch := make(chan settled, 1)
	t.eng.cfg.Scheduler.Enqueue(scheduler.KindEngineEval, t.reg.Name, func() {
		defer t.eng.enter()()
		t.eng.awaitCallable(t.reg.Run, t.eng.rt.ToValue(input), func(result goja.Value, failure goja.Value) {
			if failure != nil {
				ch <- settled{failure: failure.String()}
				return
			}
			ch <- settled{value: result.Export()}
		})
	})

	s, err := waitSettled(ctx, ch, 0)
	if err != nil {
		return nil, hostcall.NewError(hostcall.CodeTimeout, "tool %s did not settle: %v", t.reg.Name, err)
	}
	if s.failure != "" {
		return &tools.Result{Content: s.failure, IsError: true}, nil
	}
	switch v := s.value.(type) {
	case string:
		return &tools.Result{Content: v}, nil
	case map[string]any:
		content, _ := v["content"].(string)
		isErr, _ := v["is_error"].(bool)
		return &tools.Result{Content: content, IsError: isErr}, nil
	case nil:
		return &tools.Result{}, nil
	default:
		return &tools.Result{Content: fmt.Sprintf("%v", v)}, nil
	}
}
