package session

import "sort"

// Scope names in resolution order.
const (
	ScopeLocals    = "locals"
	ScopeNamespace = "namespace"
	ScopeGlobals   = "globals"
)

var scopeRank = map[string]int{
	ScopeLocals:    0,
	ScopeNamespace: 1,
	ScopeGlobals:   2,
}

// Scope is one layer of engine working memory.
type Scope struct {
	Name   string         `json:"name"`
	Values map[string]any `json:"values"`
}

// Memory is engine working memory ordered most-local first.
type Memory []Scope

// NewMemory orders scopes locals, namespace, globals. Unknown scopes follow
// in the order they were given.
func NewMemory(scopes ...Scope) Memory {
	out := append(Memory(nil), scopes...)
	sort.SliceStable(out, func(i, j int) bool {
		return rank(out[i].Name) < rank(out[j].Name)
	})
	return out
}

func rank(name string) int {
	if r, ok := scopeRank[name]; ok {
		return r
	}
	return len(scopeRank)
}

// ReadNamed returns the most-local value for each name present.
func (m Memory) ReadNamed(names ...string) map[string]any {
	out := make(map[string]any, len(names))
	for _, name := range names {
		for _, s := range m {
			if v, ok := s.Values[name]; ok {
				out[name] = v
				break
			}
		}
	}
	return out
}

// Values returns every value in resolution order. Names shadowed by a more
// local scope are skipped.
func (m Memory) Values() []any {
	seen := map[string]bool{}
	var out []any
	for _, s := range m {
		keys := make([]string, 0, len(s.Values))
		for k := range s.Values {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			if seen[k] {
				continue
			}
			seen[k] = true
			out = append(out, s.Values[k])
		}
	}
	return out
}
