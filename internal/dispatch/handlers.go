package dispatch

import (
	"context"
	"fmt"

	"github.com/haasonsaas/enclave/internal/events"
	"github.com/haasonsaas/enclave/internal/hostcall"
	"github.com/haasonsaas/enclave/internal/observability"
	"github.com/haasonsaas/enclave/internal/region"
	"github.com/haasonsaas/enclave/internal/scheduler"
	"github.com/haasonsaas/enclave/pkg/models"
)

// payload helpers. Host-call payloads arrive as decoded JSON objects; the
// engine guarantees map[string]any but nothing about value types.

func payloadString(p map[string]any, key string) (string, bool) {
	v, ok := p[key].(string)
	return v, ok
}

func payloadInt(p map[string]any, key string) (int, bool) {
	switch v := p[key].(type) {
	case float64:
		return int(v), true
	case int:
		return v, true
	case int64:
		return int(v), true
	}
	return 0, false
}

func payloadMap(p map[string]any, key string) map[string]any {
	if v, ok := p[key].(map[string]any); ok {
		return v
	}
	return nil
}

func payloadStringMap(p map[string]any, key string) map[string]string {
	raw := payloadMap(p, key)
	if raw == nil {
		return nil
	}
	out := make(map[string]string, len(raw))
	for k, v := range raw {
		if s, ok := v.(string); ok {
			out[k] = s
		}
	}
	return out
}

func payloadStrings(p map[string]any, key string) []string {
	raw, ok := p[key].([]any)
	if !ok {
		return nil
	}
	out := make([]string, 0, len(raw))
	for _, v := range raw {
		if s, ok := v.(string); ok {
			out = append(out, s)
		}
	}
	return out
}

// handleTool forwards {name, input} to the tool executor.
func (d *Dispatcher) handleTool(ctx context.Context, req hostcall.Request) (any, error) {
	name, ok := payloadString(req.Payload, "name")
	if !ok || name == "" {
		return nil, hostcall.NewError(hostcall.CodeInvalidRequest, "tool call requires a name")
	}
	if d.cfg.Tools == nil {
		return nil, hostcall.NewError(hostcall.CodeInternal, "no tool executor configured")
	}
	input := payloadMap(req.Payload, "input")
	res, err := d.cfg.Tools.Execute(ctx, name, input)
	if err != nil {
		return nil, err
	}
	return map[string]any{"content": res.Content, "is_error": res.IsError}, nil
}

// handleSession executes one typed session operation. Writes use the
// region's reserve/commit pair: the reserve is cancellable, the commit is
// atomic, and a cancellation between the two releases the reserve cleanly.
func (d *Dispatcher) handleSession(ctx context.Context, reg *region.Region, req hostcall.Request, write bool) (any, error) {
	if d.cfg.Sessions == nil {
		return nil, hostcall.NewError(hostcall.CodeInternal, "no session handle configured")
	}
	op, ok := payloadString(req.Payload, "op")
	if !ok {
		return nil, hostcall.NewError(hostcall.CodeInvalidRequest, "session call requires an op")
	}
	h := d.cfg.Sessions

	if !write {
		switch op {
		case "get_state":
			state, err := h.State(ctx)
			if err != nil {
				return nil, err
			}
			return state, nil
		case "get_messages":
			limit, _ := payloadInt(req.Payload, "limit")
			msgs, err := h.Messages(ctx, limit)
			if err != nil {
				return nil, err
			}
			return msgs, nil
		case "get_name":
			state, err := h.State(ctx)
			if err != nil {
				return nil, err
			}
			return state.Name, nil
		case "get_model":
			state, err := h.State(ctx)
			if err != nil {
				return nil, err
			}
			return state.Model, nil
		case "get_thinking_level":
			state, err := h.State(ctx)
			if err != nil {
				return nil, err
			}
			return string(state.ThinkingLevel), nil
		}
		return nil, hostcall.NewError(hostcall.CodeInvalidRequest, "unknown session op %q", op)
	}

	var commit func() error
	switch op {
	case "set_name":
		name, ok := payloadString(req.Payload, "name")
		if !ok {
			return nil, hostcall.NewError(hostcall.CodeInvalidRequest, "set_name requires name")
		}
		commit = func() error { return h.SetName(ctx, name) }
	case "set_model":
		model, ok := payloadString(req.Payload, "model")
		if !ok {
			return nil, hostcall.NewError(hostcall.CodeInvalidRequest, "set_model requires model")
		}
		commit = func() error { return h.SetModel(ctx, model) }
	case "set_label":
		key, ok := payloadString(req.Payload, "key")
		if !ok || key == "" {
			return nil, hostcall.NewError(hostcall.CodeInvalidRequest, "set_label requires key")
		}
		value, _ := payloadString(req.Payload, "value")
		commit = func() error { return h.SetLabel(ctx, key, value) }
	case "set_thinking_level":
		level, ok := payloadString(req.Payload, "level")
		if !ok || !models.ValidThinkingLevel(level) {
			return nil, hostcall.NewError(hostcall.CodeInvalidRequest, "set_thinking_level requires a valid level")
		}
		commit = func() error { return h.SetThinkingLevel(ctx, models.ThinkingLevel(level)) }
	case "append_message":
		content, ok := payloadString(req.Payload, "content")
		if !ok {
			return nil, hostcall.NewError(hostcall.CodeInvalidRequest, "append_message requires content")
		}
		role, _ := payloadString(req.Payload, "role")
		if role == "" {
			role = string(models.RoleAssistant)
		}
		commit = func() error {
			return h.Append(ctx, &models.Message{Role: models.Role(role), Content: content})
		}
	default:
		return nil, hostcall.NewError(hostcall.CodeInvalidRequest, "unknown session op %q", op)
	}

	res, err := reg.Reserve("session")
	if err != nil {
		return nil, hostcall.NewError(hostcall.CodeCancelled, "session write cancelled before reserve")
	}
	if err := res.Commit(commit); err != nil {
		if err == region.ErrReservationRevoked {
			return nil, hostcall.NewError(hostcall.CodeCancelled, "session write cancelled")
		}
		return nil, hostcall.NewError(hostcall.CodeIO, "session %s: %v", op, err)
	}
	return map[string]any{"ok": true}, nil
}

// handleUI produces a text, widget, or overlay update. UI is write-only.
func (d *Dispatcher) handleUI(ctx context.Context, extensionID string, req hostcall.Request) (any, error) {
	kind, _ := payloadString(req.Payload, "kind")
	switch kind {
	case "text", "widget", "overlay":
	default:
		return nil, hostcall.NewError(hostcall.CodeInvalidRequest, "ui kind must be text, widget, or overlay")
	}
	update := UIUpdate{
		Kind:        kind,
		ExtensionID: extensionID,
		Content:     payloadMap(req.Payload, "content"),
	}
	if err := d.cfg.UI.Show(ctx, update); err != nil {
		return nil, hostcall.NewError(hostcall.CodeIO, "ui update: %v", err)
	}
	return map[string]any{"ok": true}, nil
}

// handleEvents lets an extension emit a typed event. Subscribers are
// resolved at dispatch time inside the bus.
func (d *Dispatcher) handleEvents(ctx context.Context, extensionID string, req hostcall.Request) (any, error) {
	op, _ := payloadString(req.Payload, "op")
	if op != "emit" {
		return nil, hostcall.NewError(hostcall.CodeInvalidRequest, "unknown events op %q", op)
	}
	name, ok := payloadString(req.Payload, "name")
	if !ok || name == "" {
		return nil, hostcall.NewError(hostcall.CodeInvalidRequest, "events emit requires a name")
	}
	if d.cfg.Bus == nil {
		return nil, hostcall.NewError(hostcall.CodeInternal, "no event bus configured")
	}
	ev := &events.Event{
		Name:    name,
		Payload: payloadMap(req.Payload, "payload"),
		Source:  extensionID,
	}
	var deliveries []events.Delivery
	if d.cfg.Inline || d.cfg.Sched == nil {
		// Already on the scheduler thread (inline handlers run inside the
		// EnqueueHostCall macrotask).
		deliveries = d.cfg.Bus.Publish(ctx, ev)
	} else {
		// Marshal onto the scheduler so script subscribers run on its
		// thread of control; this region task just waits for the result.
		done := make(chan []events.Delivery, 1)
		d.cfg.Sched.Enqueue(scheduler.KindEventDispatch, ev.Name, func() {
			done <- d.cfg.Bus.Publish(ctx, ev)
		})
		select {
		case deliveries = <-done:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	failed := 0
	for _, del := range deliveries {
		if del.Err != nil {
			failed++
		}
	}
	return map[string]any{"delivered": len(deliveries), "failed": failed}, nil
}

// handleLog records a structured log line with extension context.
func (d *Dispatcher) handleLog(ctx context.Context, req hostcall.Request) (any, error) {
	level, _ := payloadString(req.Payload, "level")
	event, _ := payloadString(req.Payload, "event")
	message, _ := payloadString(req.Payload, "message")
	if event == "" {
		return nil, hostcall.NewError(hostcall.CodeInvalidRequest, "log requires an event name")
	}
	fields := payloadMap(req.Payload, "fields")

	args := []any{"event", event}
	for k, v := range fields {
		args = append(args, fmt.Sprintf("field_%s", k), v)
	}
	switch level {
	case "debug":
		d.logger.Debug(ctx, message, args...)
	case "warn":
		d.logger.Warn(ctx, message, args...)
	case "error":
		d.logger.Error(ctx, message, args...)
	default:
		level = "info"
		d.logger.Info(ctx, message, args...)
	}
	if d.cfg.EventLog != nil {
		d.cfg.EventLog.Record(ctx, observability.RuntimeEvent{
			Level:   level,
			Event:   event,
			Message: message,
			Fields:  fields,
		})
	}
	return map[string]any{"ok": true}, nil
}
