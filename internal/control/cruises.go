package control

import (
	"context"
	"strings"

	"cruisectl/internal/cruise"
	"cruisectl/internal/eventbus"
	logx "cruisectl/pkg/logx"
)

// LoadCruise validates def and installs it, replacing any cruise with the
// same id. A cruise with a default mode is stored already switched into it,
// in the same atomic write. It returns the id the cruise was stored under.
func (s *Server) LoadCruise(ctx context.Context, def *cruise.Definition) (string, error) {
	if def == nil {
		return "", s.fail(cruise.Invalidf("nil cruise definition"))
	}

	s.loadMu.Lock()
	defer s.loadMu.Unlock()

	var taken []string
	if strings.TrimSpace(def.Cruise.ID) == "" {
		ids, err := s.store.List(ctx)
		if err != nil {
			return "", err
		}
		taken = ids
	}
	id := cruise.ResolveID(def, taken)

	st, err := cruise.NewState(id, def)
	if err != nil {
		return "", s.fail(err)
	}
	replaced, err := s.store.Put(ctx, st)
	if err != nil {
		return "", err
	}

	s.metrics.IncCruiseLoaded()
	s.log.Info("cruise loaded",
		logx.String("cruise", id),
		logx.String("mode", st.Mode),
		logx.Int("loggers", len(st.Definition.Loggers)),
		logx.Int("modes", len(st.Definition.Modes)),
		logx.Bool("replaced", replaced),
	)
	s.publish(eventbus.TypeCruiseLoaded, id, map[string]any{"mode": st.Mode, "replaced": replaced})
	return id, nil
}

// DeleteCruise removes a cruise, its derived state and its cruise-scoped
// observers. Deleting an unknown cruise is logged and is not an error.
// Observers registered for id while the delete runs go with the cruise; a
// LoadCruise of the same id waits until they are gone.
func (s *Server) DeleteCruise(ctx context.Context, id string) error {
	s.loadMu.Lock()
	defer s.loadMu.Unlock()

	existed, err := s.store.Delete(ctx, id)
	if err != nil {
		return err
	}
	dropped := s.hub.Forget(id)
	if !existed {
		s.log.Warn("trying to delete undefined cruise", logx.String("cruise", id))
		return nil
	}

	s.metrics.IncCruiseDeleted()
	s.log.Info("cruise deleted", logx.String("cruise", id), logx.Int("observers_dropped", dropped))
	s.publish(eventbus.TypeCruiseDeleted, id, nil)
	return nil
}

// Cruises returns every known cruise id, sorted.
func (s *Server) Cruises(ctx context.Context) ([]string, error) {
	return s.store.List(ctx)
}

func (s *Server) CruiseDefinition(ctx context.Context, id string) (*cruise.Definition, error) {
	var out *cruise.Definition
	err := s.store.View(ctx, id, func(st *cruise.State) error {
		out = st.Definition.Clone()
		return nil
	})
	return out, s.fail(err)
}

// Mode returns the current mode, or "" when none is set.
func (s *Server) Mode(ctx context.Context, id string) (string, error) {
	var mode string
	err := s.store.View(ctx, id, func(st *cruise.State) error {
		mode = st.Mode
		return nil
	})
	return mode, s.fail(err)
}

// Modes returns the defined mode names, sorted.
func (s *Server) Modes(ctx context.Context, id string) ([]string, error) {
	var out []string
	err := s.store.View(ctx, id, func(st *cruise.State) error {
		out = st.Definition.ModeNames()
		return nil
	})
	return out, s.fail(err)
}

func (s *Server) DefaultMode(ctx context.Context, id string) (string, error) {
	var mode string
	err := s.store.View(ctx, id, func(st *cruise.State) error {
		mode = st.Definition.DefaultMode
		return nil
	})
	return mode, s.fail(err)
}

// Loggers returns the logger table of one cruise. With id == "" it returns
// the loggers of every cruise keyed "cruise:logger".
func (s *Server) Loggers(ctx context.Context, id string) (map[string]cruise.LoggerSpec, error) {
	out := map[string]cruise.LoggerSpec{}
	if id == "" {
		err := s.store.ViewAll(ctx, func(st *cruise.State) error {
			for logger, spec := range st.Loggers() {
				out[cruise.Key(st.ID, logger)] = spec
			}
			return nil
		})
		return out, err
	}
	err := s.store.View(ctx, id, func(st *cruise.State) error {
		out = st.Loggers()
		return nil
	})
	return out, s.fail(err)
}

func (s *Server) Logger(ctx context.Context, id, logger string) (cruise.LoggerSpec, error) {
	var spec cruise.LoggerSpec
	err := s.store.View(ctx, id, func(st *cruise.State) error {
		var err error
		spec, err = st.Logger(logger)
		return err
	})
	return spec, s.fail(err)
}

// Configs returns a logger->config view.
//
//   - id and mode set: the mode's nominal mapping
//   - id set, mode empty: each logger's current assignment
//   - id empty: current assignments of every cruise, keyed "cruise:logger"
//
// In the live views a logger with nothing assigned maps to the zero Config.
func (s *Server) Configs(ctx context.Context, id, mode string) (map[string]cruise.Config, error) {
	if id == "" {
		if mode != "" {
			return nil, s.fail(cruise.Invalidf("mode %q given without a cruise id", mode))
		}
		out := map[string]cruise.Config{}
		err := s.store.ViewAll(ctx, func(st *cruise.State) error {
			for logger, cfg := range st.LiveConfigs() {
				out[cruise.Key(st.ID, logger)] = cfg
			}
			return nil
		})
		return out, err
	}

	var out map[string]cruise.Config
	err := s.store.View(ctx, id, func(st *cruise.State) error {
		if mode == "" {
			out = st.LiveConfigs()
			return nil
		}
		var err error
		out, err = st.ModeConfigs(mode)
		return err
	})
	return out, s.fail(err)
}

// Config resolves one logger's config: the current assignment when mode is
// empty, otherwise what mode specifies. ok is false when nothing is
// assigned or the mode defines nothing for the logger.
func (s *Server) Config(ctx context.Context, id, logger, mode string) (cruise.Config, bool, error) {
	var (
		cfg cruise.Config
		ok  bool
	)
	err := s.store.View(ctx, id, func(st *cruise.State) error {
		var err error
		cfg, ok, err = st.ConfigFor(logger, mode)
		return err
	})
	return cfg, ok, s.fail(err)
}
