package broadcast

import "sync"

// One presentation session per process: every editor panel and display
// surface observes the same Machine.
var global struct {
	mu      sync.RWMutex
	machine *Machine
}

// Install makes m the process-wide Machine and returns the one it
// replaced, if any. The caller owns closing the previous Machine.
func Install(m *Machine) *Machine {
	global.mu.Lock()
	defer global.mu.Unlock()
	prev := global.machine
	global.machine = m
	return prev
}

// Default returns the process-wide Machine, or nil before Install.
func Default() *Machine {
	global.mu.RLock()
	defer global.mu.RUnlock()
	return global.machine
}

// Teardown closes and removes the process-wide Machine.
func Teardown() error {
	global.mu.Lock()
	m := global.machine
	global.machine = nil
	global.mu.Unlock()
	if m == nil {
		return nil
	}
	return m.Close()
}
