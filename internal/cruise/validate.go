package cruise

import (
	"fmt"
	"slices"
	"strings"
)

// ResolveID returns the id a definition is stored under: cruise.id when set,
// otherwise the first free "cruise_<n>" counting up from len(taken).
func ResolveID(def *Definition, taken []string) string {
	if def != nil {
		if id := strings.TrimSpace(def.Cruise.ID); id != "" {
			return id
		}
	}
	for n := len(taken); ; n++ {
		id := fmt.Sprintf("cruise_%d", n)
		if !slices.Contains(taken, id) {
			return id
		}
	}
}

// ValidateID rejects empty ids and ids containing the composite-key separator.
func ValidateID(id string) error {
	if strings.TrimSpace(id) == "" {
		return Invalidf("empty cruise id")
	}
	if strings.Contains(id, Separator) {
		return Invalidf("illegal character %q in cruise id %q", Separator, id)
	}
	return nil
}

// Validate checks every cross reference in d:
//   - mode entries name existing loggers
//   - every config a mode assigns is in that logger's valid set
//   - default_mode, when set, names an existing mode
//
// Config names need no entry in the config table.
func (d *Definition) Validate() error {
	if d == nil {
		return Invalidf("nil cruise definition")
	}
	for id := range d.Loggers {
		if strings.TrimSpace(id) == "" {
			return Invalidf("empty logger id")
		}
	}
	for name := range d.Configs {
		if strings.TrimSpace(name) == "" {
			return Invalidf("empty config name")
		}
	}
	for _, mode := range d.ModeNames() {
		if strings.TrimSpace(mode) == "" {
			return Invalidf("empty mode name")
		}
		for logger, cfg := range d.Modes[mode] {
			spec, ok := d.Loggers[logger]
			if !ok {
				return Invalidf("mode %q references unknown logger %q", mode, logger)
			}
			if cfg == "" {
				return Invalidf("mode %q assigns an empty config to logger %q", mode, logger)
			}
			if !spec.Allows(cfg) {
				return Invalidf("mode %q assigns config %q, which is not valid for logger %q", mode, cfg, logger)
			}
		}
	}
	if d.DefaultMode != "" {
		if _, ok := d.Modes[d.DefaultMode]; !ok {
			return Invalidf("default_mode %q is not a defined mode", d.DefaultMode)
		}
	}
	return nil
}
