package engine

import (
	"github.com/dop251/goja"

	"github.com/haasonsaas/enclave/internal/hostcall"
)

// streamIter adapts a streaming call's chunk macrotasks into the async
// sequence the script consumes. All methods run on the scheduler thread, so
// no locking is needed beyond the engine's own.
//
// The sequence yields every chunk, including the final sentinel, then
// reports done. An error outcome rejects the pending (or next) pull.
type streamIter struct {
	eng    *Engine
	callID uint64

	buffered []hostcall.Outcome
	waiting  []*pendingCall
	done     bool
}

func newStreamIter(e *Engine, callID uint64) *streamIter {
	return &streamIter{eng: e, callID: callID}
}

// handle builds the script-visible stream object: next(), cancel(), and an
// async-iterator wrapper installed by the bootstrap helper.
func (it *streamIter) handle() goja.Value {
	rt := it.eng.rt
	obj := rt.NewObject()
	obj.Set("callId", it.callID)
	obj.Set("next", func(call goja.FunctionCall) goja.Value {
		return it.next()
	})
	obj.Set("cancel", func(call goja.FunctionCall) goja.Value {
		it.eng.cancelStream(it.callID)
		return goja.Undefined()
	})
	wrapped, err := it.eng.makeStream(goja.Undefined(), obj)
	if err != nil {
		return obj
	}
	return wrapped
}

// next returns a promise for the next element.
func (it *streamIter) next() goja.Value {
	rt := it.eng.rt
	promise, resolve, reject := rt.NewPromise()

	if len(it.buffered) > 0 {
		outcome := it.buffered[0]
		it.buffered = it.buffered[1:]
		it.settle(&pendingCall{resolve: resolve, reject: reject}, outcome)
	} else if it.done {
		resolve(it.iterResult(goja.Undefined(), true))
	} else {
		it.waiting = append(it.waiting, &pendingCall{resolve: resolve, reject: reject})
	}
	return rt.ToValue(promise)
}

// push feeds one outcome from a StreamChunk macrotask.
func (it *streamIter) push(outcome hostcall.Outcome) {
	if it.done {
		return
	}
	if len(it.waiting) > 0 {
		w := it.waiting[0]
		it.waiting = it.waiting[1:]
		it.settle(w, outcome)
	} else {
		it.buffered = append(it.buffered, outcome)
	}

	if outcome.IsError() || (outcome.Stream && outcome.IsFinal) {
		it.done = true
		// Pulls beyond the terminal element report done.
		for _, w := range it.waiting {
			w.resolve(it.iterResult(goja.Undefined(), true))
		}
		it.waiting = nil
	}
}

func (it *streamIter) settle(w *pendingCall, outcome hostcall.Outcome) {
	if outcome.IsError() {
		w.reject(it.eng.outcomeError(outcome))
		return
	}
	rt := it.eng.rt
	chunk := rt.NewObject()
	chunk.Set("sequence", outcome.Sequence)
	chunk.Set("chunk", rt.ToValue(outcome.Chunk))
	chunk.Set("isFinal", outcome.IsFinal)
	w.resolve(it.iterResult(chunk, false))
}

func (it *streamIter) iterResult(value goja.Value, done bool) goja.Value {
	rt := it.eng.rt
	obj := rt.NewObject()
	obj.Set("value", value)
	obj.Set("done", done)
	return obj
}
