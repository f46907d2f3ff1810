package engine

import (
	"crypto/md5"
	"crypto/sha1"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"hash"
	"net/url"
	"os"
	"path/filepath"
	"runtime"
	"strings"

	"github.com/dop251/goja"
	"github.com/google/uuid"

	"github.com/haasonsaas/enclave/internal/hostcall"
	"github.com/haasonsaas/enclave/internal/observability"
	"github.com/haasonsaas/enclave/internal/tools"
)

// eventEmitterJS backs the events shim. A small in-engine implementation is
// simpler and more faithful than bridging emitter state through Go.
const eventEmitterJS = `(function () {
  class EventEmitter {
    constructor() { this._handlers = {}; }
    on(name, fn) { (this._handlers[name] = this._handlers[name] || []).push(fn); return this; }
    once(name, fn) {
      const self = this;
      const wrapper = function (...args) { self.off(name, wrapper); fn(...args); };
      return this.on(name, wrapper);
    }
    off(name, fn) {
      const list = this._handlers[name];
      if (list) { const i = list.indexOf(fn); if (i >= 0) list.splice(i, 1); }
      return this;
    }
    emit(name, ...args) {
      const list = (this._handlers[name] || []).slice();
      for (const fn of list) fn(...args);
      return list.length > 0;
    }
    removeAllListeners(name) {
      if (name) delete this._handlers[name]; else this._handlers = {};
      return this;
    }
    listenerCount(name) { return (this._handlers[name] || []).length; }
  }
  return { EventEmitter: EventEmitter, default: EventEmitter };
})()`

const streamJS = `(function () {
  class Stream {}
  class Readable extends Stream {}
  class Writable extends Stream {}
  class Duplex extends Readable {}
  class PassThrough extends Duplex {}
  return { Stream, Readable, Writable, Duplex, PassThrough };
})()`

// builtinShim returns (building on first use) the host value set for one
// built-in specifier.
func (e *Engine) builtinShim(name string) goja.Value {
	if v, ok := e.shims[name]; ok {
		return v
	}
	v := e.buildShim(name)
	e.shims[name] = v
	return v
}

func (e *Engine) buildShim(name string) goja.Value {
	rt := e.rt
	switch name {
	case "path":
		return e.pathShim()
	case "os":
		return e.osShim()
	case "crypto":
		return e.cryptoShim()
	case "buffer":
		return e.bufferShim()
	case "events":
		v, err := rt.RunString(eventEmitterJS)
		if err != nil {
			panic(e.throwable(hostcall.NewError(hostcall.CodeInternal, "events shim: %v", err)))
		}
		return v
	case "stream":
		v, err := rt.RunString(streamJS)
		if err != nil {
			panic(e.throwable(hostcall.NewError(hostcall.CodeInternal, "stream shim: %v", err)))
		}
		return v
	case "stream/promises":
		obj := rt.NewObject()
		obj.Set("pipeline", e.unavailable("stream/promises.pipeline", "api.exec or api.http"))
		obj.Set("finished", e.unavailable("stream/promises.finished", "api.exec or api.http"))
		return obj
	case "util":
		return e.utilShim()
	case "url":
		return e.urlShim()
	case "querystring":
		return e.querystringShim()
	case "assert":
		return e.assertShim()
	case "string_decoder":
		return e.stringDecoderShim()
	case "process":
		return e.processShim()
	case "fs":
		return e.fsShim(false)
	case "fs/promises":
		return e.fsShim(true)
	case "child_process":
		obj := rt.NewObject()
		for _, fn := range []string{"spawn", "exec", "execSync", "spawnSync", "fork"} {
			obj.Set(fn, e.unavailable("child_process."+fn, "api.exec"))
		}
		return obj
	case "http", "https":
		obj := rt.NewObject()
		obj.Set("request", e.unavailable(name+".request", "api.http"))
		obj.Set("get", e.unavailable(name+".get", "api.http"))
		return obj
	case "module":
		obj := rt.NewObject()
		obj.Set("createRequire", func(call goja.FunctionCall) goja.Value {
			return e.requireFor(call.Argument(0).String())
		})
		return obj
	}
	panic(e.throwable(hostcall.NewError(hostcall.CodeModuleNotFound, "cannot resolve module %q", name)))
}

// unavailable returns a function that fails with a pointer at the sanctioned
// API when invoked. Loading the shim succeeds; using it does not.
func (e *Engine) unavailable(what, instead string) func(goja.FunctionCall) goja.Value {
	return func(goja.FunctionCall) goja.Value {
		panic(e.throwable(hostcall.NewError(hostcall.CodeInvalidRequest,
			"%s is not available in the sandbox; use %s", what, instead)))
	}
}

func (e *Engine) pathShim() goja.Value {
	rt := e.rt
	obj := rt.NewObject()
	obj.Set("sep", string(filepath.Separator))
	obj.Set("join", func(call goja.FunctionCall) goja.Value {
		parts := make([]string, len(call.Arguments))
		for i, a := range call.Arguments {
			parts[i] = a.String()
		}
		return rt.ToValue(filepath.Join(parts...))
	})
	obj.Set("dirname", func(call goja.FunctionCall) goja.Value {
		return rt.ToValue(filepath.Dir(call.Argument(0).String()))
	})
	obj.Set("basename", func(call goja.FunctionCall) goja.Value {
		return rt.ToValue(filepath.Base(call.Argument(0).String()))
	})
	obj.Set("extname", func(call goja.FunctionCall) goja.Value {
		return rt.ToValue(filepath.Ext(call.Argument(0).String()))
	})
	obj.Set("resolve", func(call goja.FunctionCall) goja.Value {
		parts := []string{e.cfg.Root}
		for _, a := range call.Arguments {
			parts = append(parts, a.String())
		}
		return rt.ToValue(filepath.Join(parts...))
	})
	obj.Set("relative", func(call goja.FunctionCall) goja.Value {
		rel, err := filepath.Rel(call.Argument(0).String(), call.Argument(1).String())
		if err != nil {
			panic(e.throwable(hostcall.NewError(hostcall.CodeInvalidRequest, "path.relative: %v", err)))
		}
		return rt.ToValue(rel)
	})
	obj.Set("isAbsolute", func(call goja.FunctionCall) goja.Value {
		return rt.ToValue(filepath.IsAbs(call.Argument(0).String()))
	})
	return obj
}

func (e *Engine) osShim() goja.Value {
	rt := e.rt
	obj := rt.NewObject()
	obj.Set("platform", func(goja.FunctionCall) goja.Value { return rt.ToValue(runtime.GOOS) })
	obj.Set("arch", func(goja.FunctionCall) goja.Value { return rt.ToValue(runtime.GOARCH) })
	obj.Set("tmpdir", func(goja.FunctionCall) goja.Value { return rt.ToValue(os.TempDir()) })
	obj.Set("homedir", func(goja.FunctionCall) goja.Value {
		home, err := os.UserHomeDir()
		if err != nil {
			return rt.ToValue("")
		}
		return rt.ToValue(home)
	})
	obj.Set("EOL", "\n")
	return obj
}

func (e *Engine) cryptoShim() goja.Value {
	rt := e.rt
	obj := rt.NewObject()
	obj.Set("randomUUID", func(goja.FunctionCall) goja.Value {
		return rt.ToValue(uuid.New().String())
	})
	obj.Set("createHash", func(call goja.FunctionCall) goja.Value {
		algo := call.Argument(0).String()
		var h hash.Hash
		switch algo {
		case "sha256":
			h = sha256.New()
		case "sha1":
			h = sha1.New()
		case "md5":
			h = md5.New()
		default:
			panic(e.throwable(hostcall.NewError(hostcall.CodeInvalidRequest, "unsupported hash %q", algo)))
		}
		hasher := rt.NewObject()
		hasher.Set("update", func(call goja.FunctionCall) goja.Value {
			h.Write([]byte(call.Argument(0).String()))
			return hasher
		})
		hasher.Set("digest", func(call goja.FunctionCall) goja.Value {
			sum := h.Sum(nil)
			if call.Argument(0).String() == "base64" {
				return rt.ToValue(base64.StdEncoding.EncodeToString(sum))
			}
			return rt.ToValue(hex.EncodeToString(sum))
		})
		return hasher
	})
	return obj
}

func (e *Engine) bufferShim() goja.Value {
	rt := e.rt
	makeBuffer := func(data []byte) goja.Value {
		buf := rt.NewObject()
		buf.Set("length", len(data))
		buf.Set("toString", func(call goja.FunctionCall) goja.Value {
			switch call.Argument(0).String() {
			case "base64":
				return rt.ToValue(base64.StdEncoding.EncodeToString(data))
			case "hex":
				return rt.ToValue(hex.EncodeToString(data))
			default:
				return rt.ToValue(string(data))
			}
		})
		return buf
	}
	bufferCls := rt.NewObject()
	bufferCls.Set("from", func(call goja.FunctionCall) goja.Value {
		raw := call.Argument(0).String()
		switch call.Argument(1).String() {
		case "base64":
			decoded, err := base64.StdEncoding.DecodeString(raw)
			if err != nil {
				panic(e.throwable(hostcall.NewError(hostcall.CodeInvalidRequest, "Buffer.from: %v", err)))
			}
			return makeBuffer(decoded)
		case "hex":
			decoded, err := hex.DecodeString(raw)
			if err != nil {
				panic(e.throwable(hostcall.NewError(hostcall.CodeInvalidRequest, "Buffer.from: %v", err)))
			}
			return makeBuffer(decoded)
		default:
			return makeBuffer([]byte(raw))
		}
	})
	obj := rt.NewObject()
	obj.Set("Buffer", bufferCls)
	return obj
}

func (e *Engine) utilShim() goja.Value {
	rt := e.rt
	obj := rt.NewObject()
	obj.Set("format", func(call goja.FunctionCall) goja.Value {
		if len(call.Arguments) == 0 {
			return rt.ToValue("")
		}
		format := call.Argument(0).String()
		args := call.Arguments[1:]
		var b strings.Builder
		argIdx := 0
		for i := 0; i < len(format); i++ {
			if format[i] == '%' && i+1 < len(format) && argIdx < len(args) {
				switch format[i+1] {
				case 's', 'd', 'i', 'f':
					b.WriteString(args[argIdx].String())
					argIdx++
					i++
					continue
				case 'j':
					encoded, _ := json.Marshal(args[argIdx].Export())
					b.Write(encoded)
					argIdx++
					i++
					continue
				}
			}
			b.WriteByte(format[i])
		}
		for ; argIdx < len(args); argIdx++ {
			b.WriteByte(' ')
			b.WriteString(args[argIdx].String())
		}
		return rt.ToValue(b.String())
	})
	obj.Set("inspect", func(call goja.FunctionCall) goja.Value {
		encoded, err := json.Marshal(call.Argument(0).Export())
		if err != nil {
			return rt.ToValue(fmt.Sprintf("%v", call.Argument(0).Export()))
		}
		return rt.ToValue(string(encoded))
	})
	return obj
}

func (e *Engine) urlShim() goja.Value {
	rt := e.rt
	obj := rt.NewObject()
	parse := func(raw string) goja.Value {
		u, err := url.Parse(raw)
		if err != nil {
			panic(e.throwable(hostcall.NewError(hostcall.CodeInvalidRequest, "url.parse: %v", err)))
		}
		out := rt.NewObject()
		out.Set("protocol", u.Scheme+":")
		out.Set("host", u.Host)
		out.Set("hostname", u.Hostname())
		out.Set("port", u.Port())
		out.Set("pathname", u.Path)
		out.Set("search", func() string {
			if u.RawQuery == "" {
				return ""
			}
			return "?" + u.RawQuery
		}())
		out.Set("hash", u.Fragment)
		out.Set("href", u.String())
		return out
	}
	obj.Set("parse", func(call goja.FunctionCall) goja.Value {
		return parse(call.Argument(0).String())
	})
	obj.Set("URL", func(call goja.FunctionCall) goja.Value {
		return parse(call.Argument(0).String())
	})
	return obj
}

func (e *Engine) querystringShim() goja.Value {
	rt := e.rt
	obj := rt.NewObject()
	obj.Set("parse", func(call goja.FunctionCall) goja.Value {
		values, err := url.ParseQuery(call.Argument(0).String())
		if err != nil {
			panic(e.throwable(hostcall.NewError(hostcall.CodeInvalidRequest, "querystring.parse: %v", err)))
		}
		out := rt.NewObject()
		for k, v := range values {
			if len(v) == 1 {
				out.Set(k, v[0])
			} else {
				out.Set(k, v)
			}
		}
		return out
	})
	obj.Set("stringify", func(call goja.FunctionCall) goja.Value {
		m := e.exportObject(call.Argument(0))
		values := url.Values{}
		for k, v := range m {
			values.Set(k, fmt.Sprintf("%v", v))
		}
		return rt.ToValue(values.Encode())
	})
	return obj
}

func (e *Engine) assertShim() goja.Value {
	rt := e.rt
	fail := func(msg goja.Value, fallback string) {
		text := fallback
		if msg != nil && !goja.IsUndefined(msg) {
			text = msg.String()
		}
		panic(e.throwable(hostcall.NewError(hostcall.CodeInternal, "assertion failed: %s", text)))
	}
	assertFn := func(call goja.FunctionCall) goja.Value {
		if !call.Argument(0).ToBoolean() {
			fail(call.Argument(1), "expected truthy value")
		}
		return goja.Undefined()
	}
	obj := rt.ToValue(assertFn).ToObject(rt)
	obj.Set("ok", assertFn)
	obj.Set("equal", func(call goja.FunctionCall) goja.Value {
		if call.Argument(0).String() != call.Argument(1).String() {
			fail(call.Argument(2), fmt.Sprintf("%s != %s", call.Argument(0), call.Argument(1)))
		}
		return goja.Undefined()
	})
	obj.Set("deepEqual", func(call goja.FunctionCall) goja.Value {
		a, _ := json.Marshal(call.Argument(0).Export())
		b, _ := json.Marshal(call.Argument(1).Export())
		if string(a) != string(b) {
			fail(call.Argument(2), fmt.Sprintf("%s != %s", a, b))
		}
		return goja.Undefined()
	})
	return obj
}

func (e *Engine) stringDecoderShim() goja.Value {
	rt := e.rt
	obj := rt.NewObject()
	obj.Set("StringDecoder", func(call goja.FunctionCall) goja.Value {
		dec := rt.NewObject()
		dec.Set("write", func(call goja.FunctionCall) goja.Value {
			return rt.ToValue(call.Argument(0).String())
		})
		dec.Set("end", func(call goja.FunctionCall) goja.Value {
			return rt.ToValue("")
		})
		return dec
	})
	return obj
}

// processShim exposes a reduced process object. Reading env is gated by the
// Env capability; a denial surfaces as a thrown DENIED error.
func (e *Engine) processShim() goja.Value {
	rt := e.rt
	obj := rt.NewObject()
	obj.Set("platform", runtime.GOOS)
	obj.Set("pid", os.Getpid())
	obj.Set("cwd", func(goja.FunctionCall) goja.Value { return rt.ToValue(e.cfg.Root) })
	obj.Set("env", e.envProxy())
	obj.Set("exit", e.unavailable("process.exit", "returning from the activation function"))
	return obj
}

// envProxy materializes the environment on first access, after the policy
// check.
func (e *Engine) envProxy() goja.Value {
	rt := e.rt
	obj := rt.NewObject()
	obj.Set("get", func(call goja.FunctionCall) goja.Value {
		ctx := observability.AddExtensionID(e.cfg.Region.Context(), e.cfg.ExtensionID)
		if err := e.cfg.Dispatcher.CheckEnv(ctx, e.cfg.ExtensionID); err != nil {
			panic(e.throwable(err))
		}
		return rt.ToValue(os.Getenv(call.Argument(0).String()))
	})
	return obj
}

// fsShim provides the file-system surface, confined by the Read/Write
// capability split: reads inside the extension root pass under every
// profile, reads outside go through the outside-root policy row, and writes
// are always confined to the root.
func (e *Engine) fsShim(promises bool) goja.Value {
	rt := e.rt
	resolver := tools.Resolver{Root: e.cfg.Root}

	readFile := func(raw string) string {
		c := observability.AddExtensionID(e.cfg.Region.Context(), e.cfg.ExtensionID)
		abs, outside, err := resolver.Locate(raw)
		if err != nil {
			panic(e.throwable(hostcall.NewError(hostcall.CodeInvalidRequest, "fs: %v", err)))
		}
		if err := e.cfg.Dispatcher.CheckRead(c, e.cfg.ExtensionID, outside); err != nil {
			panic(e.throwable(err))
		}
		data, err := os.ReadFile(abs)
		if err != nil {
			panic(e.throwable(hostcall.NewError(hostcall.CodeIO, "fs.readFile: %v", err)))
		}
		return string(data)
	}
	writeFile := func(raw, content string) {
		c := observability.AddExtensionID(e.cfg.Region.Context(), e.cfg.ExtensionID)
		if err := e.cfg.Dispatcher.CheckWrite(c, e.cfg.ExtensionID); err != nil {
			panic(e.throwable(err))
		}
		abs, err := resolver.Resolve(raw)
		if err != nil {
			panic(e.throwable(hostcall.NewError(hostcall.CodeInvalidRequest, "fs: %v", err)))
		}
		if err := os.WriteFile(abs, []byte(content), 0o644); err != nil {
			panic(e.throwable(hostcall.NewError(hostcall.CodeIO, "fs.writeFile: %v", err)))
		}
	}
	readdir := func(raw string) []string {
		c := observability.AddExtensionID(e.cfg.Region.Context(), e.cfg.ExtensionID)
		abs, outside, err := resolver.Locate(raw)
		if err != nil {
			panic(e.throwable(hostcall.NewError(hostcall.CodeInvalidRequest, "fs: %v", err)))
		}
		if err := e.cfg.Dispatcher.CheckRead(c, e.cfg.ExtensionID, outside); err != nil {
			panic(e.throwable(err))
		}
		entries, err := os.ReadDir(abs)
		if err != nil {
			panic(e.throwable(hostcall.NewError(hostcall.CodeIO, "fs.readdir: %v", err)))
		}
		names := make([]string, len(entries))
		for i, entry := range entries {
			names[i] = entry.Name()
		}
		return names
	}
	exists := func(raw string) bool {
		abs, outside, err := resolver.Locate(raw)
		if err != nil || outside {
			return false
		}
		_, statErr := os.Stat(abs)
		return statErr == nil
	}

	obj := rt.NewObject()
	if promises {
		resolved := func(fn func(call goja.FunctionCall) goja.Value) func(goja.FunctionCall) goja.Value {
			return func(call goja.FunctionCall) goja.Value {
				promise, resolve, reject := rt.NewPromise()
				func() {
					defer func() {
						if p := recover(); p != nil {
							if v, ok := p.(goja.Value); ok {
								reject(v)
								return
							}
							reject(rt.ToValue(fmt.Sprintf("%v", p)))
						}
					}()
					resolve(fn(call))
				}()
				return rt.ToValue(promise)
			}
		}
		obj.Set("readFile", resolved(func(call goja.FunctionCall) goja.Value {
			return rt.ToValue(readFile(call.Argument(0).String()))
		}))
		obj.Set("writeFile", resolved(func(call goja.FunctionCall) goja.Value {
			writeFile(call.Argument(0).String(), call.Argument(1).String())
			return goja.Undefined()
		}))
		obj.Set("readdir", resolved(func(call goja.FunctionCall) goja.Value {
			return rt.ToValue(readdir(call.Argument(0).String()))
		}))
		return obj
	}

	obj.Set("readFileSync", func(call goja.FunctionCall) goja.Value {
		return rt.ToValue(readFile(call.Argument(0).String()))
	})
	obj.Set("writeFileSync", func(call goja.FunctionCall) goja.Value {
		writeFile(call.Argument(0).String(), call.Argument(1).String())
		return goja.Undefined()
	})
	obj.Set("readdirSync", func(call goja.FunctionCall) goja.Value {
		return rt.ToValue(readdir(call.Argument(0).String()))
	})
	obj.Set("existsSync", func(call goja.FunctionCall) goja.Value {
		return rt.ToValue(exists(call.Argument(0).String()))
	})
	obj.Set("mkdirSync", func(call goja.FunctionCall) goja.Value {
		c := observability.AddExtensionID(e.cfg.Region.Context(), e.cfg.ExtensionID)
		if err := e.cfg.Dispatcher.CheckWrite(c, e.cfg.ExtensionID); err != nil {
			panic(e.throwable(err))
		}
		abs, err := resolver.Resolve(call.Argument(0).String())
		if err != nil {
			panic(e.throwable(hostcall.NewError(hostcall.CodeInvalidRequest, "fs: %v", err)))
		}
		if err := os.MkdirAll(abs, 0o755); err != nil {
			panic(e.throwable(hostcall.NewError(hostcall.CodeIO, "fs.mkdir: %v", err)))
		}
		return goja.Undefined()
	})
	return obj
}

// stubModule returns an inert stand-in for a known package: an object whose
// __stub property names the package and whose default is the object itself.
// No other properties are defined, so any other access yields undefined.
func (e *Engine) stubModule(name string) goja.Value {
	rt := e.rt
	obj := rt.NewObject()
	obj.Set("__stub", name)
	obj.Set("default", obj)
	return obj
}
