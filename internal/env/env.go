package env

import (
	"os"
	"sort"
	"strings"
)

type Var map[string]string

// Env composes the environment handed to spawned services.
// Env values are immutable once shared: WithSet returns a copy.
type Env struct {
	Var  Var // global variables (K->V)
	base Var // cached base from OS environment; nil until first use
	noOS bool
}

func New() *Env {
	return &Env{Var: make(Var)}
}

// Isolated returns an Env that does not inherit the OS environment.
func Isolated() *Env {
	return &Env{Var: make(Var), base: make(Var), noOS: true}
}

// FromOS caches the current process environment as the base.
func (e *Env) FromOS() {
	if e.noOS {
		return
	}
	e.base = ParsePairs(os.Environ())
}

// WithSet returns a copy of e with K=V applied.
func (e *Env) WithSet(k, v string) *Env {
	n := &Env{Var: make(Var, len(e.Var)+1), base: e.base, noOS: e.noOS}
	for kk, vv := range e.Var {
		n.Var[kk] = vv
	}
	if k != "" {
		n.Var[k] = v
	}
	return n
}

// WithPairs returns a copy of e with every "K=V" entry applied in order.
func (e *Env) WithPairs(kvs []string) *Env {
	n := e.WithSet("", "")
	for k, v := range ParsePairs(kvs) {
		n.Var[k] = v
	}
	return n
}

// Merge composes the final environment list applying order:
// base = OS env (or cached)
// then apply global e.Var overrides
// then apply the per-service overrides
// ${VAR} references are expanded against the composed map (single pass).
// The result is sorted by key.
func (e *Env) Merge(overrides map[string]string) []string {
	if e.base == nil {
		e.FromOS()
	}
	m := make(Var, len(e.base)+len(e.Var)+len(overrides))
	for k, v := range e.base {
		m[k] = v
	}
	for k, v := range e.Var {
		if k == "" {
			continue
		}
		m[k] = v
	}
	for k, v := range overrides {
		if k == "" {
			continue
		}
		m[k] = v
	}
	expanded := make(Var, len(m))
	for k, v := range m {
		expanded[k] = expand(v, m)
	}
	keys := make([]string, 0, len(expanded))
	for k := range expanded {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := make([]string, 0, len(keys))
	for _, k := range keys {
		out = append(out, k+"="+expanded[k])
	}
	return out
}

// ParsePairs turns "K=V" entries into a map, skipping malformed ones.
// Later entries win.
func ParsePairs(kvs []string) Var {
	m := make(Var, len(kvs))
	for _, kv := range kvs {
		i := strings.IndexByte(kv, '=')
		if i <= 0 {
			continue
		}
		m[kv[:i]] = kv[i+1:]
	}
	return m
}

func expand(s string, m Var) string {
	if !strings.Contains(s, "${") {
		return s
	}
	return os.Expand(s, func(k string) string {
		if v, ok := m[k]; ok {
			return v
		}
		return "${" + k + "}"
	})
}
