package scripthost

import (
	"fmt"
	"strings"
)

// consoleNamespace builds the Go-backed console imported into every
// execution context: log/info/warn/error/debug capture their arguments
// into the host's line buffer.
func (h *Host) consoleNamespace() Namespace {
	levels := []string{"log", "info", "warn", "error", "debug"}
	values := make(map[string]any, len(levels))
	for _, level := range levels {
		lvl := level // capture for closure
		values[lvl] = NativeFunc(func(args []any) (any, error) {
			parts := make([]string, 0, len(args))
			for _, arg := range args {
				parts = append(parts, fmt.Sprint(arg))
			}
			h.addConsoleLine(lvl + ": " + strings.Join(parts, " "))
			return nil, nil
		})
	}
	return Namespace{Name: "console", Values: values}
}

func (h *Host) addConsoleLine(line string) {
	h.consoleMu.Lock()
	defer h.consoleMu.Unlock()
	h.consoleLines = append(h.consoleLines, line)
}

// ConsoleLines drains and returns the console output captured since the
// last drain.
func (h *Host) ConsoleLines() []string {
	h.consoleMu.Lock()
	defer h.consoleMu.Unlock()
	lines := h.consoleLines
	h.consoleLines = nil
	return lines
}
