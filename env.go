package scripthost

import (
	"fmt"
	"reflect"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	v8 "github.com/tommie/v8go"
)

// envKind discriminates the global environment variant. The variant is
// selected at host construction and never changes.
type envKind int

const (
	// windowGlobal makes the capability object bound under the
	// distinguished name be the environment's actual global object:
	// its operations become bare global identifiers.
	windowGlobal envKind = iota

	// plainGlobal installs every bound name, the window included, as an
	// ordinary global property.
	plainGlobal
)

// windowBindName is the distinguished binding of the window-backed
// environment variant.
const windowBindName = "window"

// Namespace is an imported host namespace: a named set of values made
// visible to script as one global lookup root. The namespace list is
// fixed at host construction.
type Namespace struct {
	Name   string
	Values map[string]any
}

// globalEnv is the script-visible namespace: the fixed imported
// namespaces, the growable mapping of bound names, and, in the
// window-backed variant, the Window capability whose operations are
// installed as bare globals.
//
// The environment itself is plain Go state; its contents reach a
// context only through install, which always runs on the goroutine
// owning that context. A generation counter tells contexts when a new
// binding needs installing.
type globalEnv struct {
	kind       envKind
	namespaces []Namespace

	mu       sync.Mutex
	bindings map[string]any
	window   Window

	gen atomic.Uint64
}

func newGlobalEnv(kind envKind, namespaces []Namespace) *globalEnv {
	env := &globalEnv{
		kind:       kind,
		namespaces: namespaces,
		bindings:   make(map[string]any),
	}
	env.gen.Store(1)
	return env
}

func (env *globalEnv) generation() uint64 {
	return env.gen.Load()
}

// bind registers a host value under a global name. In the window-backed
// variant the distinguished name must carry a Window, which becomes the
// global object itself; every other name becomes an ordinary property.
// Values that the wrapping policy cannot express are rejected here,
// before any context sees them.
func (env *globalEnv) bind(name string, value any) error {
	if env.kind == windowGlobal && name == windowBindName {
		w, ok := value.(Window)
		if !ok {
			return fmt.Errorf("binding %q requires a Window, got %T", name, value)
		}
		env.mu.Lock()
		env.window = w
		env.mu.Unlock()
		env.gen.Add(1)
		return nil
	}

	if !bindable(value) {
		return fmt.Errorf("cannot convert %T to a script value", value)
	}
	env.mu.Lock()
	env.bindings[name] = value
	env.mu.Unlock()
	env.gen.Add(1)
	return nil
}

// bindable reports whether the wrapping policy can express the value.
func bindable(value any) bool {
	switch value.(type) {
	case nil, *v8.Value, NativeFunc, string, bool, error,
		int, int8, int16, int32, int64,
		uint, uint8, uint16, uint32, uint64,
		float32, float64:
		return true
	default:
		// Composite values go through JSON; reject what the encoder
		// cannot handle so the failure surfaces at bind time.
		switch reflect.ValueOf(value).Kind() {
		case reflect.Chan, reflect.Func, reflect.UnsafePointer, reflect.Complex64, reflect.Complex128:
			return false
		}
		return true
	}
}

// install writes the environment into a context: namespaces first, then
// bound names, then the window operations. Runs on the context's owning
// goroutine only.
func (env *globalEnv) install(h *Host, ec *execContext) error {
	env.mu.Lock()
	bindings := make(map[string]any, len(env.bindings))
	for name, value := range env.bindings {
		bindings[name] = value
	}
	window := env.window
	env.mu.Unlock()

	for _, ns := range env.namespaces {
		if err := installNamespace(ec, ns); err != nil {
			return err
		}
	}

	names := make([]string, 0, len(bindings))
	for name := range bindings {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		if err := installBinding(ec, name, bindings[name]); err != nil {
			return err
		}
	}

	if window != nil && env.kind == windowGlobal {
		return installWindow(h, ec, window)
	}
	return nil
}

func installBinding(ec *execContext, name string, value any) error {
	if fn, ok := value.(NativeFunc); ok {
		return ec.ctx.Global().Set(name, nativeFunction(ec, fn).GetFunction(ec.ctx))
	}
	jv, err := jsValue(ec, value)
	if err != nil {
		return fmt.Errorf("binding %q: %w", name, err)
	}
	return ec.ctx.Global().Set(name, jv)
}

func installNamespace(ec *execContext, ns Namespace) error {
	obj, err := newJSObject(ec)
	if err != nil {
		return fmt.Errorf("namespace %q: %w", ns.Name, err)
	}
	names := make([]string, 0, len(ns.Values))
	for name := range ns.Values {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		value := ns.Values[name]
		if fn, ok := value.(NativeFunc); ok {
			if err := obj.Set(name, nativeFunction(ec, fn).GetFunction(ec.ctx)); err != nil {
				return fmt.Errorf("namespace %q member %q: %w", ns.Name, name, err)
			}
			continue
		}
		jv, err := jsValue(ec, value)
		if err != nil {
			return fmt.Errorf("namespace %q member %q: %w", ns.Name, name, err)
		}
		if err := obj.Set(name, jv); err != nil {
			return fmt.Errorf("namespace %q member %q: %w", ns.Name, name, err)
		}
	}
	return ec.ctx.Global().Set(ns.Name, obj)
}

// installWindow makes the window capability's operations bare globals
// and aliases the distinguished name to the global object itself, so
// top-level script declarations and the window's members share one
// namespace.
func installWindow(h *Host, ec *execContext, w Window) error {
	type member struct {
		name string
		fn   func(info *v8.FunctionCallbackInfo) *v8.Value
	}
	members := []member{
		{"setTimeout", func(info *v8.FunctionCallbackInfo) *v8.Value {
			return scheduleTimer(h, ec, info, w.SetTimeout, w.SetTimeoutFunc)
		}},
		{"setInterval", func(info *v8.FunctionCallbackInfo) *v8.Value {
			return scheduleTimer(h, ec, info, w.SetInterval, w.SetIntervalFunc)
		}},
		{"clearTimeout", func(info *v8.FunctionCallbackInfo) *v8.Value {
			cancelTimer(h, ec, info, w.ClearTimeout)
			return v8.Undefined(ec.iso)
		}},
		{"clearInterval", func(info *v8.FunctionCallbackInfo) *v8.Value {
			cancelTimer(h, ec, info, w.ClearInterval)
			return v8.Undefined(ec.iso)
		}},
		{"alert", func(info *v8.FunctionCallbackInfo) *v8.Value {
			w.Alert(stringArg(info, 0))
			return v8.Undefined(ec.iso)
		}},
		{"confirm", func(info *v8.FunctionCallbackInfo) *v8.Value {
			jv, err := jsValue(ec, w.Confirm(stringArg(info, 0)))
			if err != nil {
				return throwHostError(ec, err)
			}
			return jv
		}},
		{"prompt", func(info *v8.FunctionCallbackInfo) *v8.Value {
			value, ok := w.Prompt(stringArg(info, 0), stringArg(info, 1))
			if !ok {
				return v8.Null(ec.iso)
			}
			jv, err := jsValue(ec, value)
			if err != nil {
				return throwHostError(ec, err)
			}
			return jv
		}},
		{"parseMarkup", func(info *v8.FunctionCallbackInfo) *v8.Value {
			res := w.ParseMarkup(stringArg(info, 0))
			if res == nil {
				return v8.Null(ec.iso)
			}
			jv, err := jsValue(ec, res)
			if err != nil {
				return throwHostError(ec, err)
			}
			return jv
		}},
		{"fetch", func(info *v8.FunctionCallbackInfo) *v8.Value {
			return windowFetch(h, ec, info, w)
		}},
	}

	global := ec.ctx.Global()
	for _, m := range members {
		ft := v8.NewFunctionTemplate(ec.iso, m.fn)
		if err := global.Set(m.name, ft.GetFunction(ec.ctx)); err != nil {
			return fmt.Errorf("window member %q: %w", m.name, err)
		}
	}

	if doc := w.Document(); doc != nil {
		jv, err := jsValue(ec, doc)
		if err != nil {
			return fmt.Errorf("window document: %w", err)
		}
		if err := global.Set("document", jv); err != nil {
			return fmt.Errorf("window document: %w", err)
		}
	}

	// The window IS the global object: window.foo and foo resolve to
	// the same property.
	return global.Set(windowBindName, global)
}

// scheduleTimer dispatches setTimeout/setInterval. A function argument
// is invoked through the callback bridge; a string argument is handed
// to the window for deferred evaluation. The opaque handle the window
// returns is mapped to the integer script sees.
func scheduleTimer(h *Host, ec *execContext, info *v8.FunctionCallbackInfo,
	schedule func(string, time.Duration) any,
	scheduleFn func(func(), time.Duration) any) *v8.Value {

	args := info.Args()
	if len(args) == 0 {
		return throwHostError(ec, fmt.Errorf("scheduling requires a handler"))
	}
	delay := time.Duration(0)
	if len(args) > 1 {
		delay = time.Duration(args[1].Integer()) * time.Millisecond
	}

	var handle any
	if args[0].IsFunction() {
		fn, err := args[0].AsFunction()
		if err != nil {
			return throwHostError(ec, err)
		}
		ec.adopt(fn)
		handle = scheduleFn(func() { _ = h.CallFunction(fn) }, delay)
	} else {
		handle = schedule(args[0].String(), delay)
	}

	id, err := jsValue(ec, h.timers.put(handle))
	if err != nil {
		return throwHostError(ec, err)
	}
	return id
}

// cancelTimer resolves the script-side integer back to the window's
// opaque handle. Unknown handles are ignored, as the timer contract
// expects.
func cancelTimer(h *Host, ec *execContext, info *v8.FunctionCallbackInfo, clear func(any)) {
	args := info.Args()
	if len(args) == 0 {
		return
	}
	if handle, ok := h.timers.take(int32(args[0].Integer())); ok {
		clear(handle)
	}
}

// windowFetch wires script's fetch(uri, onDone[, enc]) to the window
// capability. The completion callback re-enters the host through the
// callback bridge, on whichever goroutine the window completes on.
func windowFetch(h *Host, ec *execContext, info *v8.FunctionCallbackInfo, w Window) *v8.Value {
	args := info.Args()
	if len(args) < 2 || !args[1].IsFunction() {
		return throwHostError(ec, fmt.Errorf("fetch requires a URI and a completion callback"))
	}
	uri := args[0].String()
	done, err := args[1].AsFunction()
	if err != nil {
		return throwHostError(ec, err)
	}
	ec.adopt(done)
	var enc []string
	if len(args) > 2 && args[2].IsString() {
		enc = append(enc, args[2].String())
	}

	w.Fetch(uri, func(success bool, mime string, content string) {
		_ = h.CallFunctionWith(done, func() []any {
			return []any{success, mime, content}
		})
	}, enc...)
	return v8.Undefined(ec.iso)
}

func stringArg(info *v8.FunctionCallbackInfo, i int) string {
	args := info.Args()
	if i >= len(args) || args[i].IsUndefined() || args[i].IsNull() {
		return ""
	}
	return args[i].String()
}

// timerTable maps the integer handles script sees to the opaque values
// the window implementation returned.
type timerTable struct {
	mu   sync.Mutex
	next int32
	byID map[int32]any
}

func (t *timerTable) put(handle any) int32 {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.byID == nil {
		t.byID = make(map[int32]any)
	}
	t.next++
	t.byID[t.next] = handle
	return t.next
}

func (t *timerTable) take(id int32) (any, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	handle, ok := t.byID[id]
	if ok {
		delete(t.byID, id)
	}
	return handle, ok
}
