package scripthost

import (
	"runtime"
	"strconv"
	"strings"
	"sync"

	v8 "github.com/tommie/v8go"
)

// execContext is the engine-level evaluation state owned by one
// goroutine: a dedicated isolate and context, configured once with the
// security domain and global environment, then reused for every
// operation that goroutine performs until the host is disposed.
// Contexts are never migrated across goroutines; a host event arriving
// on another goroutine reaches a context's script values only through
// the callback bridge, which pins and re-enters the owning context.
type execContext struct {
	iso    *v8.Isolate
	ctx    *v8.Context
	domain *SecurityDomain

	// gid is the owning goroutine, the context's key in the manager.
	gid int64

	// depth counts live references: nested acquisitions on the owning
	// goroutine plus pinned cross-goroutine invocations. Only the final
	// release may free the context.
	depth int

	// envGen is the global-environment generation last installed into
	// this context. Bindings added after creation are picked up on the
	// next acquire, always on the owning goroutine.
	envGen uint64

	// envErr records a failed environment installation; the next enter
	// surfaces it instead of running script in a half-built context.
	envErr error

	mu sync.Mutex

	// hostErr records a host-level failure a bound object raised during
	// the current operation, so the normalizer can unwrap it from the
	// script exception that carried it. Guarded by mu: the failure may
	// be taken by a cross-goroutine invocation.
	hostErr error

	// owned tracks the script values this context created and handed
	// across the host boundary, so the callback bridge can route an
	// invocation back to the isolate the value belongs to.
	owned map[any]struct{}
}

func (ec *execContext) close() {
	ec.ctx.Close()
	ec.iso.Dispose()
}

// adopt records a script value as belonging to this context.
func (ec *execContext) adopt(v any) {
	ec.mu.Lock()
	defer ec.mu.Unlock()
	if ec.owned == nil {
		ec.owned = make(map[any]struct{})
	}
	ec.owned[v] = struct{}{}
}

func (ec *execContext) owns(v any) bool {
	ec.mu.Lock()
	defer ec.mu.Unlock()
	_, ok := ec.owned[v]
	return ok
}

func (ec *execContext) setHostErr(err error) {
	ec.mu.Lock()
	ec.hostErr = err
	ec.mu.Unlock()
}

// takeHostErr returns and clears the recorded host failure.
func (ec *execContext) takeHostErr() error {
	ec.mu.Lock()
	defer ec.mu.Unlock()
	err := ec.hostErr
	ec.hostErr = nil
	return err
}

// contextManager hands out one execContext per calling goroutine,
// creating it lazily on first use. Creation cannot fail: the engine's
// context-entry primitive does not fail under normal memory conditions.
type contextManager struct {
	mu       sync.Mutex
	contexts map[int64]*execContext
	disposed bool
}

func newContextManager() *contextManager {
	return &contextManager{contexts: make(map[int64]*execContext)}
}

// acquire returns the calling goroutine's context, creating and
// configuring it on first use. After disposal only nested acquisitions
// by goroutines with an in-flight operation succeed.
func (m *contextManager) acquire(h *Host) (*execContext, bool) {
	gid := goroutineID()

	m.mu.Lock()
	ec := m.contexts[gid]
	if ec == nil {
		if m.disposed {
			m.mu.Unlock()
			return nil, false
		}
		iso := v8.NewIsolate()
		ec = &execContext{
			iso:    iso,
			ctx:    v8.NewContext(iso),
			domain: h.domain,
			gid:    gid,
		}
		m.contexts[gid] = ec
	}
	ec.depth++
	outermost := ec.depth == 1
	m.mu.Unlock()

	if outermost {
		ec.setHostErr(nil)
	}

	// Install any environment changes since the last acquire. This runs
	// on the owning goroutine, so touching the isolate is safe. The
	// generation check keeps reconfiguration from repeating on reuse.
	if gen := h.env.generation(); ec.envGen != gen {
		ec.envErr = h.env.install(h, ec)
		ec.envGen = gen
	}
	return ec, true
}

// retain pins an already-existing context against disposal, without
// making it the calling goroutine's own. Used by the callback bridge
// when a host event invokes script owned by another goroutine's
// context. Fails once the context has been reclaimed.
func (m *contextManager) retain(ec *execContext) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.contexts[ec.gid] != ec {
		return false
	}
	ec.depth++
	return true
}

// release undoes one acquire or retain. The context survives for its
// goroutine's lifetime; it is freed only by the final release after the
// host has been disposed.
func (m *contextManager) release(ec *execContext) {
	m.mu.Lock()
	ec.depth--
	if ec.depth > 0 || !m.disposed {
		m.mu.Unlock()
		return
	}
	delete(m.contexts, ec.gid)
	m.mu.Unlock()

	ec.close()
}

// homeOf finds the context that created a script value. Contexts adopt
// the functions and objects they hand across the host boundary, so an
// invocation can be routed back to the isolate the value belongs to.
func (m *contextManager) homeOf(v any) (*execContext, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, ec := range m.contexts {
		if ec.owns(v) {
			return ec, true
		}
	}
	return nil, false
}

// dispose frees every context with no live references. Contexts held by
// an in-flight operation are freed by that goroutine's final release,
// so disposal never invalidates another goroutine's evaluation.
func (m *contextManager) dispose() {
	m.mu.Lock()
	if m.disposed {
		m.mu.Unlock()
		return
	}
	m.disposed = true
	var idle []*execContext
	for gid, ec := range m.contexts {
		if ec.depth == 0 {
			idle = append(idle, ec)
			delete(m.contexts, gid)
		}
	}
	m.mu.Unlock()

	for _, ec := range idle {
		ec.close()
	}
}

// live reports how many contexts the manager currently tracks.
func (m *contextManager) live() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.contexts)
}

// goroutineID parses the current goroutine's ID from the stack header
// ("goroutine <id> [...]"). Go does not expose goroutine identity
// directly. IDs are never reused within a process.
func goroutineID() int64 {
	var buf [64]byte
	n := runtime.Stack(buf[:], false)
	s := strings.TrimPrefix(string(buf[:n]), "goroutine ")
	if idx := strings.Index(s, " "); idx > 0 {
		s = s[:idx]
	}
	id, _ := strconv.ParseInt(s, 10, 64)
	return id
}
