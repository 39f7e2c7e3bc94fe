package media

import (
	"sort"
	"strings"
	"time"
)

// DefaultSlotNames is used when no slots are configured.
var DefaultSlotNames = []string{"background", "lower-third", "logo", "video"}

// Slots holds one Resolver per configured media slot. All slots share the
// mode and bridge, and the set is fixed at construction.
type Slots struct {
	mode      Mode
	resolvers map[string]*Resolver
	names     []string
}

func NewSlots(mode Mode, bridge Bridge, timeout time.Duration, names []string) *Slots {
	if len(names) == 0 {
		names = DefaultSlotNames
	}
	s := &Slots{mode: mode, resolvers: map[string]*Resolver{}}
	for _, name := range names {
		name = strings.TrimSpace(name)
		if name == "" {
			continue
		}
		if _, ok := s.resolvers[name]; ok {
			continue
		}
		s.resolvers[name] = NewResolver(mode, bridge, timeout)
		s.names = append(s.names, name)
	}
	sort.Strings(s.names)
	return s
}

func (s *Slots) Lookup(name string) (*Resolver, bool) {
	r, ok := s.resolvers[name]
	return r, ok
}

func (s *Slots) Names() []string {
	return append([]string(nil), s.names...)
}

func (s *Slots) Mode() Mode {
	return s.mode
}
