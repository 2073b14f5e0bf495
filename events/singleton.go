package events

import "sync"

// Global bus instance and initialization guard.
var (
	globalBus  *Bus
	globalOnce sync.Once
)

// Global returns the process-wide bus instance, creating it on first call.
// Components should prefer an injected bus; the singleton exists for
// cross-module ergonomics at the process edge.
func Global() *Bus {
	globalOnce.Do(func() {
		globalBus = New()
	})
	return globalBus
}

// InitGlobal installs a custom bus as the process-wide instance.
// Must be called before any call to Global() to take effect.
// Safe for concurrent use but only the first call has any effect.
func InitGlobal(b *Bus) {
	globalOnce.Do(func() {
		globalBus = b
	})
}

// ResetGlobal resets the global bus for testing purposes.
// This is NOT thread-safe and should only be used in tests.
func ResetGlobal() {
	globalOnce = sync.Once{}
	globalBus = nil
}
