// Package scripthost embeds an ECMAScript engine behind a small
// evaluate/bind/dispose surface for documents that carry executable
// script. It compiles and caches script bodies, keeps one engine
// context per calling goroutine, enforces an origin-derived security
// boundary, and bridges host-initiated events into script callbacks.
//
// The host provides no built-in timeout or preemption: user script is
// an opaque, untimed operation. Callers needing bounded execution time
// must run Evaluate on an abandonable worker of their own.
package scripthost

import (
	"fmt"
	"io"
	"strings"
	"sync"
	"sync/atomic"

	v8 "github.com/tommie/v8go"
)

// sourceNameDocument describes script evaluated from a document when
// the caller gives no description of its own.
const sourceNameDocument = "<document>"

// Host is the embedding surface: one security domain, one global
// environment, one compiled script cache, and a set of per-goroutine
// execution contexts. Any number of goroutines may call it
// concurrently.
type Host struct {
	domain  *SecurityDomain
	env     *globalEnv
	cache   *scriptCache
	manager *contextManager
	timers  timerTable

	// compiles counts full compilations, making cache behavior
	// observable.
	compiles atomic.Int64

	disposed atomic.Bool

	consoleMu    sync.Mutex
	consoleLines []string
}

// Option configures a Host at construction.
type Option func(*hostOptions)

type hostOptions struct {
	kind       envKind
	namespaces []Namespace
}

// WithPlainGlobal selects the plain-global environment variant: every
// bound name, the window included, becomes an ordinary global property.
// The default is the window-backed variant.
func WithPlainGlobal() Option {
	return func(o *hostOptions) { o.kind = plainGlobal }
}

// WithNamespaces replaces the imported host namespaces installed in
// every execution context. The default is the console namespace alone.
func WithNamespaces(ns ...Namespace) Option {
	return func(o *hostOptions) { o.namespaces = ns }
}

// New constructs a Host whose security domain is derived from the URL
// the document was loaded from.
func New(documentURL string, opts ...Option) (*Host, error) {
	domain, err := NewSecurityDomain(documentURL)
	if err != nil {
		return nil, err
	}

	o := hostOptions{kind: windowGlobal}
	for _, opt := range opts {
		opt(&o)
	}

	h := &Host{
		domain:  domain,
		cache:   newScriptCache(),
		manager: newContextManager(),
	}
	if o.namespaces == nil {
		o.namespaces = []Namespace{h.consoleNamespace()}
	}
	h.env = newGlobalEnv(o.kind, o.namespaces)
	return h, nil
}

// SecurityDomain returns the host's immutable security domain.
func (h *Host) SecurityDomain() *SecurityDomain {
	return h.domain
}

// BindObject registers a host value in the global environment. In the
// window-backed variant, binding a Window under "window" installs it as
// the environment's actual global object; every other name becomes an
// ordinary global property after conversion into the script-native
// representation.
func (h *Host) BindObject(name string, value any) error {
	if h.disposed.Load() {
		return internalFault("script host disposed", nil)
	}
	return h.env.bind(name, value)
}

// Evaluate compiles and runs the source text, reusing the compiled form
// on repeat evaluations of the exact same text. The result is the value
// of the last expression, converted to Go. Failures surface as
// *EvaluationError.
func (h *Host) Evaluate(source string) (any, error) {
	return h.EvaluateWithDescription(source, sourceNameDocument)
}

// EvaluateWithDescription is Evaluate with a caller-chosen description
// used in error messages.
func (h *Host) EvaluateWithDescription(source, description string) (any, error) {
	ec, err := h.enter()
	if err != nil {
		return nil, err
	}
	defer h.manager.release(ec)

	script, cerr := h.compiledFor(ec, source, description)
	if cerr != nil {
		return nil, cerr
	}
	return h.run(ec, script, false)
}

// EvaluateReader compiles and runs a one-shot source stream. The
// compiled form is discarded, never cached, and may carry real source
// positions in errors. A description ending in ".ts" marks the source
// as TypeScript, which is lowered before compilation. Read failures
// propagate as typed CompileErrors rather than being treated as
// unreachable.
func (h *Host) EvaluateReader(r io.Reader, description string) (any, error) {
	raw, err := io.ReadAll(r)
	if err != nil {
		return nil, &EvaluationError{
			Kind:    CompileError,
			Message: fmt.Sprintf("reading source: %s", err),
			Line:    UnknownPosition,
			Column:  UnknownPosition,
			Cause:   err,
		}
	}
	source := string(raw)
	if strings.HasSuffix(description, ".ts") {
		source, err = TransformTS(source)
		if err != nil {
			return nil, &EvaluationError{
				Kind:    CompileError,
				Message: err.Error(),
				Line:    UnknownPosition,
				Column:  UnknownPosition,
				Cause:   err,
			}
		}
	}

	ec, enterErr := h.enter()
	if enterErr != nil {
		return nil, enterErr
	}
	defer h.manager.release(ec)

	h.compiles.Add(1)
	script, err := ec.iso.CompileUnboundScript(source, description, v8.CompileOptions{})
	if err != nil {
		return nil, normalizeCompile(err, true)
	}
	return h.run(ec, script, true)
}

// Dispose releases the host's engine resources. Idempotent, and safe to
// call while other goroutines hold in-flight evaluations: their
// contexts are reclaimed by the outermost release once no references
// remain.
func (h *Host) Dispose() {
	if !h.disposed.CompareAndSwap(false, true) {
		return
	}
	h.manager.dispose()
}

// Compilations reports how many full compilations the host has
// performed. Repeat evaluations of identical source text do not add to
// the count.
func (h *Host) Compilations() int64 {
	return h.compiles.Load()
}

// enter acquires the calling goroutine's execution context.
func (h *Host) enter() (*execContext, error) {
	ec, ok := h.manager.acquire(h)
	if !ok {
		return nil, internalFault("script host disposed", nil)
	}
	if ec.envErr != nil {
		err := ec.envErr
		h.manager.release(ec)
		return nil, internalFault(err.Error(), err)
	}
	return ec, nil
}

// compiledFor returns a runnable script for the exact source text,
// consulting the cache first. A hit rebuilds the script from the
// serialized code cache, promoting the entry; a miss compiles and
// inserts, evicting the least-recently-used entry when the cache is
// over capacity. A script that later fails during execution stays
// cached: cached never means known good.
func (h *Host) compiledFor(ec *execContext, source, description string) (*v8.UnboundScript, *EvaluationError) {
	if entry, ok := h.cache.lookup(source); ok {
		script, err := ec.iso.CompileUnboundScript(source, description, v8.CompileOptions{
			CachedData: entry.cached,
		})
		if err == nil {
			return script, nil
		}
		// The engine rejected the cached data; fall through to a full
		// compile and replace the entry.
	}

	h.compiles.Add(1)
	script, err := ec.iso.CompileUnboundScript(source, description, v8.CompileOptions{})
	if err != nil {
		return nil, normalizeCompile(err, false)
	}
	h.cache.insert(source, &compiledScript{
		source: source,
		cached: script.CreateCodeCache(),
	})
	return script, nil
}

// run executes a compiled script in the context and converts the result
// to Go, normalizing any failure. Execution happens inside the security
// domain attached to the context; privileged operations reached through
// bound host objects check that domain explicitly.
func (h *Host) run(ec *execContext, script *v8.UnboundScript, withPosition bool) (result any, err error) {
	defer func() {
		if r := recover(); r != nil {
			result = nil
			err = internalFault(fmt.Sprint(r), nil)
		}
	}()

	val, runErr := script.Run(ec.ctx)
	hostErr := ec.takeHostErr()
	if runErr != nil {
		return nil, normalizeRun(runErr, hostErr, withPosition)
	}
	gv, convErr := goValue(ec, val)
	if convErr != nil {
		return nil, internalFault(convErr.Error(), convErr)
	}
	return gv, nil
}
