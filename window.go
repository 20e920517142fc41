package scripthost

import "time"

// Window is the capability object a document viewer binds under the
// environment's distinguished global name. The host never implements
// these operations; it wires the concrete object in so that, in the
// window-backed environment, every operation is reachable from script
// as a bare global identifier.
//
// Scheduling operations must not stall the caller: the evaluation is
// scheduled and the script continues.
type Window interface {
	// SetInterval schedules repeated evaluation of script. The returned
	// handle cancels the interval via ClearInterval.
	SetInterval(script string, interval time.Duration) any

	// SetIntervalFunc schedules repeated invocation of fn.
	SetIntervalFunc(fn func(), interval time.Duration) any

	// ClearInterval cancels an interval created by SetInterval or
	// SetIntervalFunc.
	ClearInterval(handle any)

	// SetTimeout schedules one evaluation of script after delay.
	SetTimeout(script string, delay time.Duration) any

	// SetTimeoutFunc schedules one invocation of fn after delay.
	SetTimeoutFunc(fn func(), delay time.Duration) any

	// ClearTimeout cancels a timeout created by SetTimeout or
	// SetTimeoutFunc.
	ClearTimeout(handle any)

	// ParseMarkup parses text into a fragment of the hosting document.
	// Returns nil on malformed input.
	ParseMarkup(text string) any

	// Fetch retrieves uri asynchronously and reports the outcome
	// through done before the retrieval completes. enc optionally names
	// the content's character encoding. Fetch never blocks the caller.
	Fetch(uri string, done FetchHandler, enc ...string)

	// Alert displays an alert dialog.
	Alert(message string)

	// Confirm displays a confirm dialog.
	Confirm(message string) bool

	// Prompt displays an input dialog. ok is false when the dialog was
	// cancelled.
	Prompt(message, defaultValue string) (value string, ok bool)

	// Document returns the hosting document context, already in a
	// script-expressible form, or nil.
	Document() any
}

// FetchHandler receives the outcome of a Window.Fetch call.
type FetchHandler func(success bool, mime string, content string)
