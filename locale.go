package scripthost

import (
	"sync"

	"golang.org/x/text/language"
)

// The locale is one process-wide value, not scoped per evaluation or
// per host; the host methods pass through to it.
var (
	localeMu      sync.RWMutex
	processLocale = language.Und
)

// Locale returns the process-wide locale, language.Und when none has
// been set.
func (h *Host) Locale() language.Tag {
	localeMu.RLock()
	defer localeMu.RUnlock()
	return processLocale
}

// SetLocale overrides the process-wide locale.
func (h *Host) SetLocale(tag language.Tag) {
	localeMu.Lock()
	defer localeMu.Unlock()
	processLocale = tag
}
