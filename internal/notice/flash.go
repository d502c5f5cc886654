// Package notice holds transient user-facing notices. A notice auto-expires
// after its duration; the host view polls Get when rendering.
package notice

import (
	"sync"
	"time"
)

// DefaultDuration is how long an error notice stays visible before it
// auto-dismisses.
const DefaultDuration = 5 * time.Second

// Flash holds a single transient notification message.
type Flash struct {
	mu      sync.RWMutex
	message string
	expires time.Time
}

// Set stores a message that expires after d.
func (f *Flash) Set(msg string, d time.Duration) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.message = msg
	f.expires = time.Now().Add(d)
}

// Error stores an error notice with the default auto-dismiss duration.
func (f *Flash) Error(msg string) {
	f.Set(msg, DefaultDuration)
}

// Get returns the current message, or empty if it has expired.
func (f *Flash) Get() string {
	f.mu.RLock()
	defer f.mu.RUnlock()
	if time.Now().After(f.expires) {
		return ""
	}
	return f.message
}

// Clear dismisses the current message immediately.
func (f *Flash) Clear() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.message = ""
	f.expires = time.Time{}
}
