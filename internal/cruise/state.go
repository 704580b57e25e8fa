package cruise

import "slices"

// State is one cruise as the store holds it: the definition plus the live
// pointers derived from it.
//
// State methods validate before they mutate. A method that returns an error
// leaves the receiver untouched, so backends may apply them in place inside
// their own atomic boundary.
type State struct {
	ID         string            `json:"id"`
	Definition Definition        `json:"definition"`
	Mode       string            `json:"mode,omitempty"`
	Assigned   map[string]string `json:"assigned"`
}

// NewState validates def and builds the state for cruise id. When the
// definition names a default mode the cruise starts in it.
func NewState(id string, def *Definition) (*State, error) {
	if err := ValidateID(id); err != nil {
		return nil, err
	}
	if err := def.Validate(); err != nil {
		return nil, err
	}
	st := &State{ID: id, Definition: *def.Clone(), Assigned: map[string]string{}}
	st.Definition.Normalize()
	if mode := st.Definition.DefaultMode; mode != "" {
		if err := st.SetMode(mode); err != nil {
			return nil, err
		}
	}
	return st, nil
}

// Clone returns a deep copy.
func (s *State) Clone() *State {
	if s == nil {
		return nil
	}
	return &State{
		ID:         s.ID,
		Definition: *s.Definition.Clone(),
		Mode:       s.Mode,
		Assigned:   cloneMapping(s.Assigned),
	}
}

// Normalize restores the stored form after decoding.
func (s *State) Normalize() {
	s.Definition.Normalize()
	if s.Assigned == nil {
		s.Assigned = map[string]string{}
	}
}

// SetMode makes mode current and replaces every logger's assignment with
// the mode's mapping. Manual overrides do not survive it. Calling it again
// with the same mode is a no-op.
func (s *State) SetMode(mode string) error {
	mapping, ok := s.Definition.Modes[mode]
	if !ok {
		return notFound(KindMode, s.ID, mode)
	}
	s.Mode = mode
	s.Assigned = cloneMapping(mapping)
	return nil
}

// SetLoggerConfig assigns one logger outside of a mode switch. The current
// mode and every other logger are left as they are.
func (s *State) SetLoggerConfig(logger, config string) error {
	spec, ok := s.Definition.Loggers[logger]
	if !ok {
		return notFound(KindLogger, s.ID, logger)
	}
	if !spec.Allows(config) {
		if !s.Definition.knowsConfig(config) {
			return Invalidf("config %q is not defined in cruise %q and not valid for logger %q", config, s.ID, logger)
		}
		return Invalidf("config %q is not valid for logger %q in cruise %q", config, logger, s.ID)
	}
	s.Assigned[logger] = config
	return nil
}

// Logger returns one logger's spec.
func (s *State) Logger(id string) (LoggerSpec, error) {
	spec, ok := s.Definition.Loggers[id]
	if !ok {
		return LoggerSpec{}, notFound(KindLogger, s.ID, id)
	}
	return spec.clone(), nil
}

// Loggers returns a copy of the logger table.
func (s *State) Loggers() map[string]LoggerSpec {
	out := make(map[string]LoggerSpec, len(s.Definition.Loggers))
	for id, l := range s.Definition.Loggers {
		out[id] = l.clone()
	}
	return out
}

// LoggerIDs returns the logger ids in sorted order.
func (s *State) LoggerIDs() []string {
	out := make([]string, 0, len(s.Definition.Loggers))
	for id := range s.Definition.Loggers {
		out = append(out, id)
	}
	slices.Sort(out)
	return out
}

// ModeConfigs returns the nominal logger->config mapping of mode.
func (s *State) ModeConfigs(mode string) (map[string]Config, error) {
	mapping, ok := s.Definition.Modes[mode]
	if !ok {
		return nil, notFound(KindMode, s.ID, mode)
	}
	out := make(map[string]Config, len(mapping))
	for logger, name := range mapping {
		out[logger] = s.Definition.config(name)
	}
	return out, nil
}

// LiveConfigs returns every logger's current assignment. A logger with
// nothing assigned maps to the zero Config.
func (s *State) LiveConfigs() map[string]Config {
	out := make(map[string]Config, len(s.Definition.Loggers))
	for logger := range s.Definition.Loggers {
		name := s.Assigned[logger]
		if name == "" {
			out[logger] = Config{}
			continue
		}
		out[logger] = s.Definition.config(name)
	}
	return out
}

// ConfigFor resolves one logger's config. With mode == "" it is the current
// assignment, otherwise the config the mode specifies. ok is false when
// nothing is assigned or the mode defines nothing for the logger.
func (s *State) ConfigFor(logger, mode string) (cfg Config, ok bool, err error) {
	if _, exists := s.Definition.Loggers[logger]; !exists {
		return Config{}, false, notFound(KindLogger, s.ID, logger)
	}
	var name string
	if mode == "" {
		name = s.Assigned[logger]
	} else {
		mapping, exists := s.Definition.Modes[mode]
		if !exists {
			return Config{}, false, notFound(KindMode, s.ID, mode)
		}
		name = mapping[logger]
	}
	if name == "" {
		return Config{}, false, nil
	}
	return s.Definition.config(name), true, nil
}
