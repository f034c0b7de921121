package routing

import "sync"

var (
	routablesMu sync.RWMutex
	routables   []string
	routableSet = map[string]struct{}{}
)

// record appends name to the process registry unless already present.
func record(name string) {
	if name == "" {
		return
	}
	routablesMu.Lock()
	defer routablesMu.Unlock()
	if _, ok := routableSet[name]; ok {
		return
	}
	routableSet[name] = struct{}{}
	routables = append(routables, name)
}

// Routables returns every handler name registered in this process, in
// order of first registration.
func Routables() []string {
	routablesMu.RLock()
	defer routablesMu.RUnlock()
	out := make([]string, len(routables))
	copy(out, routables)
	return out
}
