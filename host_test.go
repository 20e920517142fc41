package scripthost

import (
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"golang.org/x/text/language"
)

// ---------------------------------------------------------------------------
// mock window

type scheduledScript struct {
	script string
	delay  time.Duration
}

type mockWindow struct {
	mu sync.Mutex

	alerts        []string
	confirmResult bool
	promptValue   string
	promptOK      bool
	doc           any

	timeouts    []scheduledScript
	timeoutFns  []func()
	intervals   []scheduledScript
	intervalFns []func()
	cleared     []any

	fetchContent string
}

func (w *mockWindow) SetInterval(script string, interval time.Duration) any {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.intervals = append(w.intervals, scheduledScript{script, interval})
	return fmt.Sprintf("i%d", len(w.intervals))
}

func (w *mockWindow) SetIntervalFunc(fn func(), interval time.Duration) any {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.intervalFns = append(w.intervalFns, fn)
	return fmt.Sprintf("if%d", len(w.intervalFns))
}

func (w *mockWindow) ClearInterval(handle any) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.cleared = append(w.cleared, handle)
}

func (w *mockWindow) SetTimeout(script string, delay time.Duration) any {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.timeouts = append(w.timeouts, scheduledScript{script, delay})
	return fmt.Sprintf("t%d", len(w.timeouts))
}

func (w *mockWindow) SetTimeoutFunc(fn func(), delay time.Duration) any {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.timeoutFns = append(w.timeoutFns, fn)
	return fmt.Sprintf("tf%d", len(w.timeoutFns))
}

func (w *mockWindow) ClearTimeout(handle any) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.cleared = append(w.cleared, handle)
}

func (w *mockWindow) ParseMarkup(text string) any {
	if text == "" {
		return nil
	}
	return map[string]any{"markup": text}
}

// Fetch completes synchronously so tests observe the callback's effect
// as soon as the call returns.
func (w *mockWindow) Fetch(uri string, done FetchHandler, enc ...string) {
	done(true, "text/plain", w.fetchContent)
}

func (w *mockWindow) Alert(message string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.alerts = append(w.alerts, message)
}

func (w *mockWindow) Confirm(message string) bool { return w.confirmResult }

func (w *mockWindow) Prompt(message, defaultValue string) (string, bool) {
	return w.promptValue, w.promptOK
}

func (w *mockWindow) Document() any { return w.doc }

func bindTestWindow(t *testing.T, h *Host, w *mockWindow) {
	t.Helper()
	if err := h.BindObject("window", w); err != nil {
		t.Fatalf("BindObject(window): %v", err)
	}
}

func mustEvaluate(t *testing.T, h *Host, source string) any {
	t.Helper()
	val, err := h.Evaluate(source)
	if err != nil {
		t.Fatalf("Evaluate(%q): %v", source, err)
	}
	return val
}

// ---------------------------------------------------------------------------
// evaluation basics

func TestHost_EvaluateExpression(t *testing.T) {
	h := newTestHost(t)

	tests := []struct {
		source string
		want   any
	}{
		{"6 * 7", int64(42)},
		{"1.5 + 1", 2.5},
		{"'a' + 'b'", "ab"},
		{"1 === 1", true},
		{"null", nil},
	}
	for _, tt := range tests {
		got := mustEvaluate(t, h, tt.source)
		if got != tt.want {
			t.Errorf("Evaluate(%q) = %v (%T), want %v", tt.source, got, got, tt.want)
		}
	}
}

func TestHost_EvaluateObjectResult(t *testing.T) {
	h := newTestHost(t)

	got := mustEvaluate(t, h, `({name: "doc", count: 3})`)
	m, ok := got.(map[string]any)
	if !ok {
		t.Fatalf("result = %T, want map", got)
	}
	if m["name"] != "doc" || m["count"] != float64(3) {
		t.Errorf("result = %v", m)
	}
}

func TestHost_StatePersistsAcrossEvaluations(t *testing.T) {
	h := newTestHost(t)

	mustEvaluate(t, h, "var counter = 1")
	if got := mustEvaluate(t, h, "counter += 1; counter"); got != int64(2) {
		t.Errorf("counter = %v, want 2", got)
	}
}

// ---------------------------------------------------------------------------
// compiled script reuse

func TestHost_CompilesEachTextOnce(t *testing.T) {
	h := newTestHost(t)

	for i := 0; i < 3; i++ {
		mustEvaluate(t, h, "1 + 1")
	}
	if n := h.Compilations(); n != 1 {
		t.Errorf("Compilations = %d, want 1 after repeat evaluations", n)
	}

	mustEvaluate(t, h, "1 + 2")
	if n := h.Compilations(); n != 2 {
		t.Errorf("Compilations = %d, want 2 after a distinct text", n)
	}
}

func TestHost_EvictedTextRecompiles(t *testing.T) {
	h := newTestHost(t)

	sources := make([]string, maxCachedScripts+1)
	for i := range sources {
		sources[i] = fmt.Sprintf("%d + 0", i)
		mustEvaluate(t, h, sources[i])
	}
	if n := h.Compilations(); n != int64(len(sources)) {
		t.Fatalf("Compilations = %d, want %d", n, len(sources))
	}
	if h.cache.contains(sources[0]) {
		t.Fatal("oldest source should have been evicted")
	}

	mustEvaluate(t, h, sources[0])
	if n := h.Compilations(); n != int64(len(sources))+1 {
		t.Errorf("Compilations = %d, want recompile after eviction", n)
	}
}

func TestHost_FailingScriptStaysCached(t *testing.T) {
	h := newTestHost(t)

	const src = "undefinedFn()"
	if _, err := h.Evaluate(src); err == nil {
		t.Fatal("evaluation should fail")
	}
	if _, err := h.Evaluate(src); err == nil {
		t.Fatal("evaluation should fail again")
	}
	if n := h.Compilations(); n != 1 {
		t.Errorf("Compilations = %d, want 1: a runtime failure is not a cache miss", n)
	}
}

// ---------------------------------------------------------------------------
// error reporting

func TestHost_CompileError(t *testing.T) {
	h := newTestHost(t)

	_, err := h.Evaluate("function (")
	var e *EvaluationError
	if !errors.As(err, &e) {
		t.Fatalf("err = %v, want *EvaluationError", err)
	}
	if e.Kind != CompileError {
		t.Errorf("Kind = %v, want CompileError", e.Kind)
	}
	if e.Line != UnknownPosition || e.Column != UnknownPosition {
		t.Errorf("position = %d,%d, want sentinels on the cached path", e.Line, e.Column)
	}
}

func TestHost_RuntimeError(t *testing.T) {
	h := newTestHost(t)

	_, err := h.Evaluate("undefinedFn()")
	var e *EvaluationError
	if !errors.As(err, &e) {
		t.Fatalf("err = %v, want *EvaluationError", err)
	}
	if e.Kind != ScriptRuntimeError {
		t.Errorf("Kind = %v, want ScriptRuntimeError", e.Kind)
	}
	if !strings.Contains(e.Message, "not defined") {
		t.Errorf("message = %q", e.Message)
	}
	if e.Line != UnknownPosition {
		t.Errorf("Line = %d, want sentinel on the cached path", e.Line)
	}
}

func TestHost_ScriptThrowKeepsTextualForm(t *testing.T) {
	h := newTestHost(t)

	_, err := h.Evaluate(`throw new Error("bad thing happened")`)
	var e *EvaluationError
	if !errors.As(err, &e) {
		t.Fatalf("err = %v, want *EvaluationError", err)
	}
	if e.Kind != ScriptRuntimeError || !strings.Contains(e.Message, "bad thing happened") {
		t.Errorf("error = %v", e)
	}
}

func TestHost_HostFailureUnwrapped(t *testing.T) {
	h := newTestHost(t)
	errBoom := errors.New("boom: backing store gone")
	if err := h.BindObject("explode", NativeFunc(func([]any) (any, error) {
		return nil, errBoom
	})); err != nil {
		t.Fatalf("BindObject: %v", err)
	}

	_, err := h.Evaluate("explode()")
	var e *EvaluationError
	if !errors.As(err, &e) {
		t.Fatalf("err = %v, want *EvaluationError", err)
	}
	if e.Kind != ScriptRuntimeError {
		t.Errorf("Kind = %v, want ScriptRuntimeError", e.Kind)
	}
	if e.Message != errBoom.Error() {
		t.Errorf("message = %q, want the host failure's own message", e.Message)
	}
	if !errors.Is(err, errBoom) {
		t.Error("host failure should be reachable through the error chain")
	}
}

func TestHost_HostFailureCaughtByScript(t *testing.T) {
	h := newTestHost(t)
	if err := h.BindObject("explode", NativeFunc(func([]any) (any, error) {
		return nil, errors.New("boom")
	})); err != nil {
		t.Fatalf("BindObject: %v", err)
	}

	got := mustEvaluate(t, h, `
		var caught = "";
		try { explode(); } catch (e) { caught = "" + e; }
		caught`)
	if s, ok := got.(string); !ok || !strings.Contains(s, "boom") {
		t.Errorf("caught = %v, want the host failure's message visible to script", got)
	}

	// A caught throw must not leak into the next failure's cause.
	_, err := h.Evaluate("undefinedFn2()")
	var e *EvaluationError
	if !errors.As(err, &e) {
		t.Fatalf("err = %v, want *EvaluationError", err)
	}
	if !strings.Contains(e.Message, "not defined") {
		t.Errorf("message = %q, want the new failure, not the caught one", e.Message)
	}
}

// ---------------------------------------------------------------------------
// streaming evaluation

func TestHost_EvaluateReader(t *testing.T) {
	h := newTestHost(t)

	got, err := h.EvaluateReader(strings.NewReader("40 + 2"), "inline.js")
	if err != nil {
		t.Fatalf("EvaluateReader: %v", err)
	}
	if got != int64(42) {
		t.Errorf("result = %v, want 42", got)
	}
	if h.cache.len() != 0 {
		t.Error("streamed sources should never enter the cache")
	}
}

func TestHost_EvaluateReaderReportsPositions(t *testing.T) {
	h := newTestHost(t)

	_, err := h.EvaluateReader(strings.NewReader("\n\nundefinedFn()"), "doc.js")
	var e *EvaluationError
	if !errors.As(err, &e) {
		t.Fatalf("err = %v, want *EvaluationError", err)
	}
	if e.Kind != ScriptRuntimeError {
		t.Errorf("Kind = %v, want ScriptRuntimeError", e.Kind)
	}
	if e.Line != 3 {
		t.Errorf("Line = %d, want 3 from the stream's own coordinates", e.Line)
	}
}

func TestHost_EvaluateReaderTypeScript(t *testing.T) {
	h := newTestHost(t)

	got, err := h.EvaluateReader(strings.NewReader("let x: number = 20;\nx * 2"), "calc.ts")
	if err != nil {
		t.Fatalf("EvaluateReader: %v", err)
	}
	if got != int64(40) {
		t.Errorf("result = %v, want 40", got)
	}
}

type failingReader struct{ err error }

func (r failingReader) Read([]byte) (int, error) { return 0, r.err }

func TestHost_EvaluateReaderReadFailure(t *testing.T) {
	h := newTestHost(t)
	errRead := errors.New("stream reset")

	_, err := h.EvaluateReader(failingReader{errRead}, "doc.js")
	var e *EvaluationError
	if !errors.As(err, &e) {
		t.Fatalf("err = %v, want *EvaluationError", err)
	}
	if e.Kind != CompileError {
		t.Errorf("Kind = %v, want CompileError for a source read failure", e.Kind)
	}
	if !errors.Is(err, errRead) {
		t.Error("the read failure should be the error's cause")
	}
}

// ---------------------------------------------------------------------------
// global environment

func TestHost_BindPrimitiveAndComposite(t *testing.T) {
	h := newTestHost(t)

	if err := h.BindObject("limit", 640); err != nil {
		t.Fatalf("BindObject(limit): %v", err)
	}
	if err := h.BindObject("config", map[string]any{"depth": 3, "name": "x"}); err != nil {
		t.Fatalf("BindObject(config): %v", err)
	}

	if got := mustEvaluate(t, h, "limit"); got != int64(640) {
		t.Errorf("limit = %v", got)
	}
	if got := mustEvaluate(t, h, "config.depth + ':' + config.name"); got != "3:x" {
		t.Errorf("config = %v", got)
	}
}

func TestHost_BindVisibleAfterPriorEvaluation(t *testing.T) {
	h := newTestHost(t)

	mustEvaluate(t, h, "1")
	if err := h.BindObject("later", 7); err != nil {
		t.Fatalf("BindObject: %v", err)
	}
	if got := mustEvaluate(t, h, "later"); got != int64(7) {
		t.Errorf("later = %v, want 7", got)
	}
}

func TestHost_BindRejectsInexpressibleValue(t *testing.T) {
	h := newTestHost(t)

	if err := h.BindObject("ch", make(chan int)); err == nil {
		t.Error("binding a channel should fail at bind time")
	}
}

func TestHost_WindowBindRequiresWindow(t *testing.T) {
	h := newTestHost(t)

	if err := h.BindObject("window", 42); err == nil {
		t.Error("the distinguished name should only accept a Window")
	}
}

func TestHost_WindowMembersAreBareGlobals(t *testing.T) {
	h := newTestHost(t)
	w := &mockWindow{doc: map[string]any{"title": "Doc"}}
	bindTestWindow(t, h, w)

	for _, name := range []string{
		"setTimeout", "setInterval", "clearTimeout", "clearInterval",
		"alert", "confirm", "prompt", "parseMarkup", "fetch",
	} {
		if got := mustEvaluate(t, h, "typeof "+name); got != "function" {
			t.Errorf("typeof %s = %v, want function", name, got)
		}
	}

	// The window and the global scope are one namespace.
	if got := mustEvaluate(t, h, "window.setTimeout === setTimeout"); got != true {
		t.Error("window members and bare globals should be the same properties")
	}
	if got := mustEvaluate(t, h, "var topLevel = 5; window.topLevel"); got != int64(5) {
		t.Errorf("window.topLevel = %v, want top-level declarations visible", got)
	}
	if got := mustEvaluate(t, h, "document.title"); got != "Doc" {
		t.Errorf("document.title = %v", got)
	}
}

func TestHost_WindowDialogs(t *testing.T) {
	h := newTestHost(t)
	w := &mockWindow{confirmResult: true, promptValue: "typed", promptOK: true}
	bindTestWindow(t, h, w)

	mustEvaluate(t, h, `alert("hello there")`)
	if len(w.alerts) != 1 || w.alerts[0] != "hello there" {
		t.Errorf("alerts = %v", w.alerts)
	}
	if got := mustEvaluate(t, h, `confirm("sure?")`); got != true {
		t.Errorf("confirm = %v", got)
	}
	if got := mustEvaluate(t, h, `prompt("name?", "anon")`); got != "typed" {
		t.Errorf("prompt = %v", got)
	}

	w.promptOK = false
	if got := mustEvaluate(t, h, `prompt("name?") === null`); got != true {
		t.Errorf("cancelled prompt should yield null, got %v", got)
	}
}

func TestHost_WindowTimers(t *testing.T) {
	h := newTestHost(t)
	w := &mockWindow{}
	bindTestWindow(t, h, w)

	handle := mustEvaluate(t, h, `setTimeout("tick()", 40)`)
	if handle != int64(1) {
		t.Errorf("handle = %v, want 1", handle)
	}
	if len(w.timeouts) != 1 || w.timeouts[0].script != "tick()" || w.timeouts[0].delay != 40*time.Millisecond {
		t.Errorf("timeouts = %+v", w.timeouts)
	}

	mustEvaluate(t, h, fmt.Sprintf("clearTimeout(%d)", handle))
	if len(w.cleared) != 1 || w.cleared[0] != "t1" {
		t.Errorf("cleared = %v, want the window's own handle", w.cleared)
	}

	// Clearing an unknown handle is a no-op.
	mustEvaluate(t, h, "clearTimeout(99)")
	if len(w.cleared) != 1 {
		t.Errorf("cleared = %v, want unknown handle ignored", w.cleared)
	}

	mustEvaluate(t, h, `setInterval("tock()", 250)`)
	if len(w.intervals) != 1 || w.intervals[0].delay != 250*time.Millisecond {
		t.Errorf("intervals = %+v", w.intervals)
	}
}

func TestHost_WindowTimerFunction(t *testing.T) {
	h := newTestHost(t)
	w := &mockWindow{}
	bindTestWindow(t, h, w)

	mustEvaluate(t, h, `var fired = false; setTimeout(function() { fired = true; }, 10)`)
	if len(w.timeoutFns) != 1 {
		t.Fatalf("timeoutFns = %d, want 1", len(w.timeoutFns))
	}

	// The window firing the timer re-enters the host through the
	// callback bridge.
	w.timeoutFns[0]()
	if got := mustEvaluate(t, h, "fired"); got != true {
		t.Error("timer function should have run in the script's context")
	}
}

func TestHost_WindowFetchCallback(t *testing.T) {
	h := newTestHost(t)
	w := &mockWindow{fetchContent: "payload"}
	bindTestWindow(t, h, w)

	got := mustEvaluate(t, h, `
		var body = null;
		fetch("data.txt", function(ok, mime, content) {
			if (ok) { body = mime + "/" + content; }
		});
		body`)
	if got != "text/plain/payload" {
		t.Errorf("body = %v, want the completion callback's effect", got)
	}
}

func TestHost_WindowParseMarkup(t *testing.T) {
	h := newTestHost(t)
	bindTestWindow(t, h, &mockWindow{})

	if got := mustEvaluate(t, h, `parseMarkup("<p/>").markup`); got != "<p/>" {
		t.Errorf("parseMarkup = %v", got)
	}
	if got := mustEvaluate(t, h, `parseMarkup("") === null`); got != true {
		t.Error("malformed markup should yield null")
	}
}

func TestHost_PlainGlobalVariant(t *testing.T) {
	h := newTestHost(t, WithPlainGlobal())

	if err := h.BindObject("window", map[string]any{"width": 640}); err != nil {
		t.Fatalf("BindObject: %v", err)
	}
	if got := mustEvaluate(t, h, "typeof setTimeout"); got != "undefined" {
		t.Errorf("typeof setTimeout = %v, want undefined in the plain variant", got)
	}
	if got := mustEvaluate(t, h, "window.width"); got != int64(640) {
		t.Errorf("window.width = %v", got)
	}
}

// ---------------------------------------------------------------------------
// re-entrancy

func TestHost_ReentrantEvaluation(t *testing.T) {
	h := newTestHost(t)
	if err := h.BindObject("runNested", NativeFunc(func([]any) (any, error) {
		got, err := h.Evaluate("6 * 7")
		if err != nil {
			return nil, err
		}
		return float64(got.(int64)), nil
	})); err != nil {
		t.Fatalf("BindObject: %v", err)
	}

	if got := mustEvaluate(t, h, "runNested()"); got != int64(42) {
		t.Errorf("nested result = %v, want 42", got)
	}
}

// ---------------------------------------------------------------------------
// console namespace

func TestHost_ConsoleCapture(t *testing.T) {
	h := newTestHost(t)

	mustEvaluate(t, h, `console.log("hi", 1); console.warn("careful")`)
	lines := h.ConsoleLines()
	if len(lines) != 2 || lines[0] != "log: hi 1" || lines[1] != "warn: careful" {
		t.Errorf("lines = %v", lines)
	}
	if rest := h.ConsoleLines(); len(rest) != 0 {
		t.Errorf("second drain = %v, want empty", rest)
	}
}

func TestHost_CustomNamespaces(t *testing.T) {
	h := newTestHost(t, WithNamespaces(Namespace{
		Name: "host",
		Values: map[string]any{
			"version": "1.2",
			"double":  NativeFunc(func(args []any) (any, error) { return float64(args[0].(int64) * 2), nil }),
		},
	}))

	if got := mustEvaluate(t, h, "host.version"); got != "1.2" {
		t.Errorf("host.version = %v", got)
	}
	if got := mustEvaluate(t, h, "host.double(21)"); got != int64(42) {
		t.Errorf("host.double = %v", got)
	}
	if got := mustEvaluate(t, h, "typeof console"); got != "undefined" {
		t.Error("custom namespaces should replace the default console")
	}
}

// ---------------------------------------------------------------------------
// concurrency

func TestHost_ConcurrentEvaluation(t *testing.T) {
	h := newTestHost(t)

	var wg sync.WaitGroup
	errs := make(chan error, 2)
	for i := 0; i < 2; i++ {
		src := fmt.Sprintf("%d + %d", i, i)
		want := int64(2 * i)
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 20; j++ {
				got, err := h.Evaluate(src)
				if err != nil {
					errs <- err
					return
				}
				if got != want {
					errs <- fmt.Errorf("Evaluate(%q) = %v, want %d", src, got, want)
					return
				}
			}
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Error(err)
	}

	if h.cache.len() != 2 {
		t.Errorf("cache len = %d, want one shared entry per text", h.cache.len())
	}
	if n := h.Compilations(); n != 2 {
		t.Errorf("Compilations = %d, want 2 across both goroutines", n)
	}
}

// ---------------------------------------------------------------------------
// lifecycle and accessors

func TestHost_Dispose(t *testing.T) {
	h, err := New("http://example.org/doc.svg")
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if _, err := h.Evaluate("1"); err != nil {
		t.Fatalf("Evaluate: %v", err)
	}

	h.Dispose()
	h.Dispose() // idempotent

	if _, err := h.Evaluate("1"); err == nil {
		t.Error("Evaluate after Dispose should fail")
	}
	if err := h.BindObject("x", 1); err == nil {
		t.Error("BindObject after Dispose should fail")
	}
}

func TestHost_SecurityDomainFromDocumentURL(t *testing.T) {
	h := newTestHost(t)
	if got := h.SecurityDomain().Origin(); got != "http://example.org:80" {
		t.Errorf("Origin = %q", got)
	}
}

func TestHost_IndependentDomainsPerHost(t *testing.T) {
	a := newTestHost(t)
	b, err := New("https://other.example.com/doc.svg")
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(b.Dispose)

	target := mustParse(t, "http://example.org/data.json")
	if err := a.SecurityDomain().CheckFetch(target); err != nil {
		t.Errorf("host A should reach its own origin: %v", err)
	}
	if err := b.SecurityDomain().CheckFetch(target); err == nil {
		t.Error("host B should not reach host A's origin")
	}
}

func TestHost_Locale(t *testing.T) {
	h := newTestHost(t)
	prev := h.Locale()
	defer h.SetLocale(prev)

	h.SetLocale(language.French)
	if got := h.Locale(); got != language.French {
		t.Errorf("Locale = %v, want fr", got)
	}

	// The locale is process-wide: a second host observes it.
	other := newTestHost(t)
	if got := other.Locale(); got != language.French {
		t.Errorf("other host Locale = %v, want fr", got)
	}
}
