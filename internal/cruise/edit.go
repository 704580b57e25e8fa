package cruise

import (
	"encoding/json"
	"slices"
	"strings"
)

// NewEmpty builds a cruise with no loggers, modes or configs.
func NewEmpty(id, start, end string) (*State, error) {
	def := &Definition{Cruise: Info{ID: id, Start: start, End: end}}
	def.Normalize()
	return NewState(id, def)
}

// AddMode defines an empty mode.
func (s *State) AddMode(mode string) error {
	if strings.TrimSpace(mode) == "" {
		return Invalidf("empty mode name")
	}
	if _, ok := s.Definition.Modes[mode]; ok {
		return Invalidf("mode %q already exists in cruise %q", mode, s.ID)
	}
	s.Definition.Modes[mode] = map[string]string{}
	return nil
}

// DeleteMode removes mode. Deleting the default mode clears default_mode.
// Deleting the current mode switches the cruise to its default mode when one
// remains; otherwise the current mode becomes unset and the assignments stay.
func (s *State) DeleteMode(mode string) error {
	if _, ok := s.Definition.Modes[mode]; !ok {
		return notFound(KindMode, s.ID, mode)
	}
	delete(s.Definition.Modes, mode)
	if s.Definition.DefaultMode == mode {
		s.Definition.DefaultMode = ""
	}
	if s.Mode != mode {
		return nil
	}
	if def := s.Definition.DefaultMode; def != "" {
		return s.SetMode(def)
	}
	s.Mode = ""
	return nil
}

// AddLogger defines a new logger.
func (s *State) AddLogger(id string, spec LoggerSpec) error {
	if strings.TrimSpace(id) == "" {
		return Invalidf("empty logger id")
	}
	if _, ok := s.Definition.Loggers[id]; ok {
		return Invalidf("logger %q already exists in cruise %q", id, s.ID)
	}
	spec = spec.clone()
	s.Definition.Loggers[id] = spec
	return nil
}

// DeleteLogger removes a logger from the cruise, every mode and the
// assignment table.
func (s *State) DeleteLogger(id string) error {
	if _, ok := s.Definition.Loggers[id]; !ok {
		return notFound(KindLogger, s.ID, id)
	}
	delete(s.Definition.Loggers, id)
	for _, m := range s.Definition.Modes {
		delete(m, id)
	}
	delete(s.Assigned, id)
	return nil
}

// AddConfig adds a named config to the config table. spec must be valid JSON
// or empty.
func (s *State) AddConfig(name string, spec json.RawMessage) error {
	if strings.TrimSpace(name) == "" {
		return Invalidf("empty config name")
	}
	if _, ok := s.Definition.Configs[name]; ok {
		return Invalidf("config %q already exists in cruise %q", name, s.ID)
	}
	if len(spec) > 0 && !json.Valid(spec) {
		return Invalidf("config %q: spec is not valid JSON", name)
	}
	s.Definition.Configs[name] = compactRaw(cloneRaw(spec))
	return nil
}

// AddConfigToLogger appends config to a logger's valid set. Adding a name
// that is already there is a no-op.
func (s *State) AddConfigToLogger(config, logger string) error {
	spec, ok := s.Definition.Loggers[logger]
	if !ok {
		return notFound(KindLogger, s.ID, logger)
	}
	if !s.Definition.knowsConfig(config) {
		return notFound(KindConfig, s.ID, config)
	}
	if spec.Allows(config) {
		return nil
	}
	spec = spec.clone()
	spec.Configs = append(spec.Configs, config)
	s.Definition.Loggers[logger] = spec
	return nil
}

// AddConfigToMode sets the config mode assigns to logger. Current
// assignments are not touched, even when mode is current.
func (s *State) AddConfigToMode(config, logger, mode string) error {
	mapping, ok := s.Definition.Modes[mode]
	if !ok {
		return notFound(KindMode, s.ID, mode)
	}
	spec, ok := s.Definition.Loggers[logger]
	if !ok {
		return notFound(KindLogger, s.ID, logger)
	}
	if !spec.Allows(config) {
		return Invalidf("config %q is not valid for logger %q in cruise %q", config, logger, s.ID)
	}
	mapping[logger] = config
	return nil
}

// DeleteConfig removes config from the config table, every logger's valid
// set and every mode, and clears assignments that pointed at it.
func (s *State) DeleteConfig(config string) error {
	if !s.Definition.knowsConfig(config) {
		return notFound(KindConfig, s.ID, config)
	}
	delete(s.Definition.Configs, config)
	for id, spec := range s.Definition.Loggers {
		if !spec.Allows(config) {
			continue
		}
		spec = spec.clone()
		spec.Configs = slices.DeleteFunc(spec.Configs, func(n string) bool { return n == config })
		s.Definition.Loggers[id] = spec
	}
	for _, m := range s.Definition.Modes {
		for logger, name := range m {
			if name == config {
				delete(m, logger)
			}
		}
	}
	for logger, name := range s.Assigned {
		if name == config {
			delete(s.Assigned, logger)
		}
	}
	return nil
}
