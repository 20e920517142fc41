package scripthost

import (
	v8 "github.com/tommie/v8go"
)

// ArgumentsBuilder produces a call's arguments immediately before the
// invocation proceeds, so callers that decide not to invoke (say, no
// listener is present) never pay the marshaling cost.
type ArgumentsBuilder func() []any

// CallFunction invokes a script-defined function from a host-initiated
// event. Host events arrive on arbitrary goroutines; the invocation and
// all argument marshaling happen in the execution context that owns the
// function, never the caller's. Arguments go through the host's
// wrapping policy; values that are already *v8.Value pass through
// unmarshaled. The global object is the receiver. Failures are
// normalized to *EvaluationError.
func (h *Host) CallFunction(fn *v8.Function, args ...any) error {
	home, err := h.enterHome(fn)
	if err != nil {
		return err
	}
	defer h.manager.release(home)

	return h.invoke(home, fn, args)
}

// CallFunctionWith is CallFunction with lazily built arguments: build
// runs immediately before the invocation.
func (h *Host) CallFunctionWith(fn *v8.Function, build ArgumentsBuilder) error {
	home, err := h.enterHome(fn)
	if err != nil {
		return err
	}
	defer h.manager.release(home)

	var args []any
	if build != nil {
		args = build()
	}
	return h.invoke(home, fn, args)
}

// CallMethod invokes a named method on a script object, building the
// arguments lazily. The invocation happens in the context that owns the
// object; an object the host never handed out runs in the caller's own
// context. A missing or non-function method is a script-shape problem,
// reported as a runtime error.
func (h *Host) CallMethod(owner *v8.Object, method string, build ArgumentsBuilder) error {
	home, ok := h.manager.homeOf(owner)
	if ok {
		if !h.manager.retain(home) {
			return internalFault("script host disposed", nil)
		}
	} else {
		var err error
		home, err = h.enter()
		if err != nil {
			return err
		}
	}
	defer h.manager.release(home)

	val, gerr := owner.Get(method)
	if gerr != nil {
		return normalizeRun(gerr, nil, false)
	}
	fn, ferr := val.AsFunction()
	if ferr != nil {
		return &EvaluationError{
			Kind:    ScriptRuntimeError,
			Message: "method " + method + " is not a function",
			Line:    UnknownPosition,
			Column:  UnknownPosition,
			Cause:   ferr,
		}
	}

	var args []any
	if build != nil {
		args = build()
	}
	jsArgs, merr := jsValues(home, args)
	if merr != nil {
		return internalFault(merr.Error(), merr)
	}
	if _, cerr := fn.Call(owner, jsArgs...); cerr != nil {
		return normalizeRun(cerr, home.takeHostErr(), false)
	}
	home.takeHostErr()
	return nil
}

// enterHome pins the context that owns fn. Every function the host
// hands across the boundary is adopted by its context; a function with
// no home either belongs to another host or its context has already
// been reclaimed by disposal.
func (h *Host) enterHome(fn *v8.Function) (*execContext, error) {
	home, ok := h.manager.homeOf(fn)
	if !ok {
		return nil, internalFault("function does not belong to a live context of this host", nil)
	}
	if !h.manager.retain(home) {
		return nil, internalFault("script host disposed", nil)
	}
	return home, nil
}

func (h *Host) invoke(home *execContext, fn *v8.Function, args []any) error {
	jsArgs, err := jsValues(home, args)
	if err != nil {
		return internalFault(err.Error(), err)
	}
	if _, cerr := fn.Call(home.ctx.Global(), jsArgs...); cerr != nil {
		return normalizeRun(cerr, home.takeHostErr(), false)
	}
	home.takeHostErr()
	return nil
}
