// Package rtconfig is the runtime's dynamic configuration seam.
//
// It is intentionally thin: a flat bag of scalars loaded from YAML,
// looked up by dotted key with a typed default, and reloadable at
// runtime with listeners notified of the old/new value. It does not
// model a business configuration schema; it exists so the runtime core
// has somewhere concrete to read
// coroutine.stack_size, tcp.connect.timeout, and
// tcp_server.read_timeout from.
package rtconfig

import (
	"fmt"
	"sync"
	"sync/atomic"

	"gopkg.in/yaml.v3"
)

// listener is one registered change callback, keyed so it can be removed.
type listener struct {
	id int64
	fn func(oldVal, newVal string)
}

// entry is a single lookup-or-create configuration variable.
type entry struct {
	mu        sync.Mutex
	value     atomic.Pointer[string]
	listeners []listener
}

// Config holds a snapshot of flat scalar values plus the set of
// variables ever looked up against it, mirroring the lookup-or-create
// registry pattern (a name is defined once, with a default, the first
// time it's asked for).
type Config struct {
	mu       sync.RWMutex
	raw      map[string]string
	entries  map[string]*entry
	nextID   atomic.Int64
}

// New returns an empty Config with no loaded document.
func New() *Config {
	return &Config{
		raw:     make(map[string]string),
		entries: make(map[string]*entry),
	}
}

// Load decodes a flat YAML mapping of scalars (nested mappings are
// flattened using "." as the separator, e.g. `tcp: {connect: {timeout:
// 200}}` becomes the key "tcp.connect.timeout") and replaces the
// current document, firing listeners for every key whose resolved
// value changed.
func (c *Config) Load(data []byte) error {
	var doc map[string]any
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return fmt.Errorf("rtconfig: decode: %w", err)
	}
	flat := make(map[string]string)
	flatten("", doc, flat)

	c.mu.Lock()
	c.raw = flat
	names := make([]string, 0, len(c.entries))
	for name := range c.entries {
		names = append(names, name)
	}
	c.mu.Unlock()

	for _, name := range names {
		c.refresh(name)
	}
	return nil
}

func flatten(prefix string, m map[string]any, out map[string]string) {
	for k, v := range m {
		key := k
		if prefix != "" {
			key = prefix + "." + k
		}
		switch vv := v.(type) {
		case map[string]any:
			flatten(key, vv, out)
		default:
			out[key] = fmt.Sprintf("%v", vv)
		}
	}
}

// lookup returns the entry for name, creating it (with default applied
// if the raw document has no value) on first access.
func (c *Config) lookup(name, def string) *entry {
	c.mu.RLock()
	e, ok := c.entries[name]
	c.mu.RUnlock()
	if ok {
		return e
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if e, ok = c.entries[name]; ok {
		return e
	}
	e = &entry{}
	v, ok := c.raw[name]
	if !ok {
		v = def
	}
	e.value.Store(&v)
	c.entries[name] = e
	return e
}

func (c *Config) refresh(name string) {
	c.mu.RLock()
	e, ok := c.entries[name]
	v, hasRaw := c.raw[name]
	c.mu.RUnlock()
	if !ok || !hasRaw {
		return
	}

	e.mu.Lock()
	old := e.value.Load()
	if old != nil && *old == v {
		e.mu.Unlock()
		return
	}
	oldVal := ""
	if old != nil {
		oldVal = *old
	}
	e.value.Store(&v)
	fns := append([]func(string, string){}, fnSlice(e.listeners)...)
	e.mu.Unlock()

	for _, fn := range fns {
		fn(oldVal, v)
	}
}

func fnSlice(ls []listener) []func(string, string) {
	out := make([]func(string, string), len(ls))
	for i, l := range ls {
		out[i] = l.fn
	}
	return out
}

// String looks up name, returning def if it was never present in the
// loaded document.
func (c *Config) String(name, def string) string {
	e := c.lookup(name, def)
	v := e.value.Load()
	if v == nil {
		return def
	}
	return *v
}

// Int64 looks up name as a base-10 integer, returning def on a missing
// or unparsable value.
func (c *Config) Int64(name string, def int64) int64 {
	e := c.lookup(name, fmt.Sprintf("%d", def))
	v := e.value.Load()
	if v == nil {
		return def
	}
	var out int64
	if _, err := fmt.Sscanf(*v, "%d", &out); err != nil {
		return def
	}
	return out
}

// Bool looks up name as a boolean, returning def on a missing or
// unparsable value.
func (c *Config) Bool(name string, def bool) bool {
	e := c.lookup(name, fmt.Sprintf("%t", def))
	v := e.value.Load()
	if v == nil {
		return def
	}
	switch *v {
	case "true", "1", "yes":
		return true
	case "false", "0", "no":
		return false
	default:
		return def
	}
}

// Watch registers fn to be called whenever name's resolved value
// changes as a result of Load. It returns an ID that can be passed to
// Unwatch. fn is never called synchronously from Watch itself.
func (c *Config) Watch(name, def string, fn func(oldVal, newVal string)) int64 {
	e := c.lookup(name, def)
	id := c.nextID.Add(1)

	e.mu.Lock()
	e.listeners = append(e.listeners, listener{id: id, fn: fn})
	e.mu.Unlock()
	return id
}

// Unwatch removes a listener previously registered with Watch.
func (c *Config) Unwatch(name string, id int64) {
	c.mu.RLock()
	e, ok := c.entries[name]
	c.mu.RUnlock()
	if !ok {
		return
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	for i, l := range e.listeners {
		if l.id == id {
			e.listeners = append(e.listeners[:i], e.listeners[i+1:]...)
			return
		}
	}
}
