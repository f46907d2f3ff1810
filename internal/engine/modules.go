package engine

import (
	"path/filepath"

	"github.com/dop251/goja"

	"github.com/haasonsaas/enclave/internal/hostcall"
	"github.com/haasonsaas/enclave/internal/modules"
)

// bootstrapJS installs the small helpers the host needs on the script side:
// the async-iterator wrapper for stream handles and a settle-to-callback
// bridge for promises returned by extension code.
const bootstrapJS = `
(function () {
  globalThis.__enclave = {
    makeStream: function (handle) {
      handle[Symbol.asyncIterator] = function () {
        return {
          next: function () { return handle.next(); },
          return: function () {
            handle.cancel();
            return Promise.resolve({ value: undefined, done: true });
          }
        };
      };
      return handle;
    },
    settle: function (p, cb) {
      Promise.resolve(p).then(
        function (v) { cb(null, v); },
        function (err) { cb(err === undefined || err === null ? new Error("rejected") : err, null); }
      );
    }
  };
})();
`

func (e *Engine) bootstrap() error {
	if _, err := e.rt.RunString(bootstrapJS); err != nil {
		return hostcall.NewError(hostcall.CodeInternal, "engine bootstrap: %v", err)
	}
	root := e.rt.Get("__enclave").ToObject(e.rt)
	mk, ok := goja.AssertFunction(root.Get("makeStream"))
	if !ok {
		return hostcall.NewError(hostcall.CodeInternal, "engine bootstrap: makeStream missing")
	}
	settle, ok := goja.AssertFunction(root.Get("settle"))
	if !ok {
		return hostcall.NewError(hostcall.CodeInternal, "engine bootstrap: settle missing")
	}
	e.makeStream = mk
	e.awaitValue = settle
	return nil
}

// loadLocal loads, transpiles, and executes one local module, returning its
// exports. Modules are cached by path; a module participating in a cycle
// observes the partial exports, CommonJS-style.
func (e *Engine) loadLocal(res modules.Resolution) (goja.Value, error) {
	if cached, ok := e.moduleCache[res.Path]; ok {
		return cached, nil
	}

	source, err := e.cfg.Modules.Load(res)
	if err != nil {
		return nil, err
	}
	code, err := e.cfg.Transpile.Transform(filepath.Base(res.Path), source)
	if err != nil {
		return nil, err
	}

	prog, err := goja.Compile(res.Path,
		"(function (module, exports, require, __filename, __dirname) {\n"+code+"\n})", false)
	if err != nil {
		return nil, hostcall.NewError(hostcall.CodeInvalidRequest, "compile %s: %v", res.Path, err)
	}
	wrapper, err := e.rt.RunProgram(prog)
	if err != nil {
		return nil, scriptError(err)
	}
	fn, ok := goja.AssertFunction(wrapper)
	if !ok {
		return nil, hostcall.NewError(hostcall.CodeInternal, "module wrapper for %s is not callable", res.Path)
	}

	moduleObj := e.rt.NewObject()
	exportsObj := e.rt.NewObject()
	moduleObj.Set("exports", exportsObj)
	e.moduleCache[res.Path] = exportsObj

	_, err = fn(goja.Undefined(),
		moduleObj,
		exportsObj,
		e.requireFor(res.Path),
		e.rt.ToValue(res.Path),
		e.rt.ToValue(filepath.Dir(res.Path)),
	)
	if err != nil {
		delete(e.moduleCache, res.Path)
		return nil, scriptErrorWithCode(err)
	}

	exports := moduleObj.Get("exports")
	e.moduleCache[res.Path] = exports
	return exports, nil
}

// requireFor builds the require function visible to the module at referrer.
func (e *Engine) requireFor(referrer string) goja.Value {
	return e.rt.ToValue(func(call goja.FunctionCall) goja.Value {
		specifier := call.Argument(0).String()
		res, err := e.cfg.Modules.Resolve(specifier, referrer)
		if err != nil {
			panic(e.throwable(err))
		}
		switch res.Kind {
		case modules.KindBuiltin:
			return e.builtinShim(res.Name)
		case modules.KindStub:
			return e.stubModule(res.Name)
		default:
			exports, err := e.loadLocal(res)
			if err != nil {
				panic(e.throwable(err))
			}
			return exports
		}
	})
}

// throwable converts a typed host error into a JS exception value whose code
// property survives back through scriptErrorWithCode.
func (e *Engine) throwable(err error) goja.Value {
	herr, ok := err.(*hostcall.Error)
	if !ok {
		herr = hostcall.NewError(hostcall.CodeInternal, "%v", err)
	}
	obj, newErr := e.rt.New(e.rt.Get("Error"), e.rt.ToValue(herr.Message))
	if newErr != nil {
		return e.rt.ToValue(herr.Error())
	}
	obj.Set("code", herr.Code)
	return obj
}

// scriptErrorWithCode recovers a typed code (MODULE_NOT_FOUND in particular)
// from an exception raised by throwable; other exceptions collapse to
// INTERNAL.
func scriptErrorWithCode(err error) error {
	ex, ok := err.(*goja.Exception)
	if !ok {
		return scriptError(err)
	}
	if obj, ok := ex.Value().(*goja.Object); ok {
		if codeVal := obj.Get("code"); codeVal != nil {
			code := codeVal.String()
			switch code {
			case hostcall.CodeModuleNotFound, hostcall.CodeDenied, hostcall.CodeInvalidRequest,
				hostcall.CodeIO, hostcall.CodeTimeout, hostcall.CodeCancelled, hostcall.CodeInternal:
				msg := ""
				if m := obj.Get("message"); m != nil {
					msg = m.String()
				}
				return hostcall.NewError(code, "%s", msg)
			}
		}
	}
	return scriptError(err)
}
