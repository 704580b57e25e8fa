package cruise

import (
	"bytes"
	"encoding/json"
	"slices"
	"strings"
)

// Separator joins a cruise id and a logger id into a composite key.
// Cruise ids never contain it.
const Separator = ":"

// Key returns the composite "cruise:logger" key used by cross-cruise listings.
func Key(cruiseID, loggerID string) string { return cruiseID + Separator + loggerID }

// SplitKey undoes Key. It cuts at the first separator, so logger ids may
// themselves contain one.
func SplitKey(key string) (cruiseID, loggerID string, ok bool) {
	return strings.Cut(key, Separator)
}

// Info is the "cruise" block of a definition.
type Info struct {
	ID    string `json:"id,omitempty"`
	Start string `json:"start,omitempty"`
	End   string `json:"end,omitempty"`
}

// LoggerSpec lists the configurations a logger may run and, optionally,
// the host it is pinned to.
type LoggerSpec struct {
	Configs []string `json:"configs"`
	Host    string   `json:"host,omitempty"`
}

// Allows reports whether name is one of the logger's valid configurations.
func (l LoggerSpec) Allows(name string) bool { return slices.Contains(l.Configs, name) }

func (l LoggerSpec) clone() LoggerSpec {
	l.Configs = append(make([]string, 0, len(l.Configs)), l.Configs...)
	return l
}

// Definition is the complete, persisted description of one cruise.
type Definition struct {
	Cruise      Info                         `json:"cruise"`
	Loggers     map[string]LoggerSpec        `json:"loggers"`
	Modes       map[string]map[string]string `json:"modes"`
	DefaultMode string                       `json:"default_mode,omitempty"`
	Configs     map[string]json.RawMessage   `json:"configs"`
}

// Config is a named configuration. Spec is opaque and handed to the runner
// as-is; it is nil for names a logger declares without a table entry.
type Config struct {
	Name string          `json:"name"`
	Spec json.RawMessage `json:"spec,omitempty"`
}

// IsZero reports an unassigned slot.
func (c Config) IsZero() bool { return c.Name == "" }

// Clone returns a deep copy.
func (d *Definition) Clone() *Definition {
	if d == nil {
		return nil
	}
	out := &Definition{
		Cruise:      d.Cruise,
		DefaultMode: d.DefaultMode,
		Loggers:     make(map[string]LoggerSpec, len(d.Loggers)),
		Modes:       make(map[string]map[string]string, len(d.Modes)),
		Configs:     make(map[string]json.RawMessage, len(d.Configs)),
	}
	for id, l := range d.Loggers {
		out.Loggers[id] = l.clone()
	}
	for name, m := range d.Modes {
		out.Modes[name] = cloneMapping(m)
	}
	for name, spec := range d.Configs {
		out.Configs[name] = cloneRaw(spec)
	}
	return out
}

// Normalize puts d into its stored form: every table allocated and every
// config spec compacted, with a JSON null spec stored as nil. Storage
// backends compare and persist this form.
func (d *Definition) Normalize() {
	if d.Loggers == nil {
		d.Loggers = map[string]LoggerSpec{}
	}
	if d.Modes == nil {
		d.Modes = map[string]map[string]string{}
	}
	if d.Configs == nil {
		d.Configs = map[string]json.RawMessage{}
	}
	for id, l := range d.Loggers {
		if l.Configs == nil {
			l.Configs = []string{}
			d.Loggers[id] = l
		}
	}
	for name, m := range d.Modes {
		if m == nil {
			d.Modes[name] = map[string]string{}
		}
	}
	for name, spec := range d.Configs {
		d.Configs[name] = compactRaw(spec)
	}
}

// ModeNames returns the defined modes in sorted order.
func (d *Definition) ModeNames() []string {
	out := make([]string, 0, len(d.Modes))
	for name := range d.Modes {
		out = append(out, name)
	}
	slices.Sort(out)
	return out
}

// knowsConfig reports whether name is in the config table or declared by
// any logger.
func (d *Definition) knowsConfig(name string) bool {
	if _, ok := d.Configs[name]; ok {
		return true
	}
	for _, l := range d.Loggers {
		if l.Allows(name) {
			return true
		}
	}
	return false
}

func (d *Definition) config(name string) Config {
	return Config{Name: name, Spec: cloneRaw(d.Configs[name])}
}

func cloneMapping(m map[string]string) map[string]string {
	out := make(map[string]string, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

func cloneRaw(b json.RawMessage) json.RawMessage {
	if b == nil {
		return nil
	}
	return append(json.RawMessage(nil), b...)
}

func compactRaw(b json.RawMessage) json.RawMessage {
	if len(b) == 0 {
		return b
	}
	var buf bytes.Buffer
	if err := json.Compact(&buf, b); err != nil {
		return b
	}
	if bytes.Equal(buf.Bytes(), []byte("null")) {
		return nil
	}
	return json.RawMessage(buf.Bytes())
}
