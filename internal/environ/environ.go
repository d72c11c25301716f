// Package environ implements the Environ policy from spec.md section
// 4.3: a mapping from variable name to one of {set(value), unset,
// inherit}, with deterministic serialization for exec.
package environ

import "sort"

type state int

const (
	stateSet state = iota
	stateUnset
)

type entry struct {
	state state
	value string
}

// Policy is a mapping from variable name to {set(value), unset,
// inherit}. Construct one with New or Empty: the zero value has no
// map, so Set and Unset on it panic.
type Policy struct {
	entries map[string]entry
}

// New builds a Policy seeded from a process environment snapshot (each
// "VAR=VAL" becomes set(VAL)); callers then layer Set/Unset on top.
func New(processEnviron []string) *Policy {
	p := &Policy{entries: make(map[string]entry)}
	for _, kv := range processEnviron {
		for i := 0; i < len(kv); i++ {
			if kv[i] == '=' {
				p.entries[kv[:i]] = entry{state: stateSet, value: kv[i+1:]}
				break
			}
		}
	}
	return p
}

// Empty builds a Policy with no explicit entries (everything inherits
// until Set/Unset is called).
func Empty() *Policy {
	return &Policy{entries: make(map[string]entry)}
}

// Set marks name as set(value). An empty value is a legitimate set, not
// equivalent to Unset.
func (p *Policy) Set(name, value string) {
	p.entries[name] = entry{state: stateSet, value: value}
}

// Unset marks name as forced-unset.
func (p *Policy) Unset(name string) {
	p.entries[name] = entry{state: stateUnset}
}

// SetOrUnsetIfEmpty sets name to value, unless value is empty, in which
// case name is forced-unset. This is the boundary behavior spec.md
// section 8 requires for LD_PRELOAD/LD_AUDIT: an empty computed search
// path must not become "set to empty string".
func (p *Policy) SetOrUnsetIfEmpty(name, value string) {
	if value == "" {
		p.Unset(name)
		return
	}
	p.Set(name, value)
}

// Inherit removes any explicit entry for name, so it reverts to
// inherited-from-parent-environment.
func (p *Policy) Inherit(name string) {
	delete(p.entries, name)
}

// Lookup reports whether name is explicitly set, and if so, its value.
func (p *Policy) Lookup(name string) (value string, isSet bool) {
	e, ok := p.entries[name]
	if !ok || e.state != stateSet {
		return "", false
	}
	return e.value, true
}

// IsUnset reports whether name is explicitly forced-unset.
func (p *Policy) IsUnset(name string) bool {
	e, ok := p.entries[name]
	return ok && e.state == stateUnset
}

// ExplicitNames returns the sorted list of variable names that have an
// explicit set or forced-unset entry (i.e. excludes inherited names,
// which by definition have no entry).
func (p *Policy) ExplicitNames() []string {
	names := make([]string, 0, len(p.entries))
	for name := range p.entries {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Resolve returns the final "VAR=VAL" list to hand to exec: the union
// of inherited variables (those absent from the policy, taken from
// base) and explicitly-set entries, omitting forced-unset ones. Order
// is deterministic (sorted by name) for testability, per spec.md
// section 4.3.
func (p *Policy) Resolve(base []string) []string {
	merged := make(map[string]string)
	for _, kv := range base {
		for i := 0; i < len(kv); i++ {
			if kv[i] == '=' {
				name := kv[:i]
				if !p.IsUnset(name) {
					if v, ok := p.Lookup(name); ok {
						merged[name] = v
					} else {
						merged[name] = kv[i+1:]
					}
				}
				break
			}
		}
	}
	for name := range p.entries {
		if v, ok := p.Lookup(name); ok {
			merged[name] = v
		} else {
			delete(merged, name)
		}
	}

	names := make([]string, 0, len(merged))
	for name := range merged {
		names = append(names, name)
	}
	sort.Strings(names)

	out := make([]string, 0, len(names))
	for _, name := range names {
		out = append(out, name+"="+merged[name])
	}
	return out
}
