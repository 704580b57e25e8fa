package control

import (
	"context"
	"encoding/json"

	"cruisectl/internal/cruise"
	"cruisectl/internal/eventbus"
	logx "cruisectl/pkg/logx"
)

// AddCruise creates an empty cruise. It fails if the id is taken.
func (s *Server) AddCruise(ctx context.Context, id, start, end string) error {
	st, err := cruise.NewEmpty(id, start, end)
	if err != nil {
		return s.fail(err)
	}
	if err := s.store.Create(ctx, st); err != nil {
		return s.fail(err)
	}
	s.metrics.IncEdit()
	s.log.Info("cruise added", logx.String("cruise", id))
	s.publish(eventbus.TypeCruiseLoaded, id, map[string]any{"empty": true})
	return nil
}

func (s *Server) AddMode(ctx context.Context, id, mode string) error {
	return s.edit(ctx, id, "add_mode", func(st *cruise.State) error { return st.AddMode(mode) },
		logx.String("mode", mode))
}

// DeleteMode removes a mode. If it was current the cruise falls back to
// its default mode, when one remains.
func (s *Server) DeleteMode(ctx context.Context, id, mode string) error {
	return s.edit(ctx, id, "delete_mode", func(st *cruise.State) error { return st.DeleteMode(mode) },
		logx.String("mode", mode))
}

func (s *Server) AddLogger(ctx context.Context, id, logger string, spec cruise.LoggerSpec) error {
	return s.edit(ctx, id, "add_logger", func(st *cruise.State) error { return st.AddLogger(logger, spec) },
		logx.String("logger", logger))
}

func (s *Server) DeleteLogger(ctx context.Context, id, logger string) error {
	return s.edit(ctx, id, "delete_logger", func(st *cruise.State) error { return st.DeleteLogger(logger) },
		logx.String("logger", logger))
}

func (s *Server) AddConfig(ctx context.Context, id, name string, spec json.RawMessage) error {
	return s.edit(ctx, id, "add_config", func(st *cruise.State) error { return st.AddConfig(name, spec) },
		logx.String("config", name))
}

func (s *Server) AddConfigToLogger(ctx context.Context, id, config, logger string) error {
	return s.edit(ctx, id, "add_config_to_logger", func(st *cruise.State) error { return st.AddConfigToLogger(config, logger) },
		logx.String("config", config), logx.String("logger", logger))
}

func (s *Server) AddConfigToMode(ctx context.Context, id, config, logger, mode string) error {
	return s.edit(ctx, id, "add_config_to_mode", func(st *cruise.State) error { return st.AddConfigToMode(config, logger, mode) },
		logx.String("config", config), logx.String("logger", logger), logx.String("mode", mode))
}

// DeleteConfig removes a config from the table, every logger and every
// mode, and clears assignments that referenced it.
func (s *Server) DeleteConfig(ctx context.Context, id, config string) error {
	return s.edit(ctx, id, "delete_config", func(st *cruise.State) error { return st.DeleteConfig(config) },
		logx.String("config", config))
}

func (s *Server) edit(ctx context.Context, id, op string, fn func(st *cruise.State) error, fields ...logx.Field) error {
	if err := s.store.Update(ctx, id, fn); err != nil {
		return s.fail(err)
	}
	s.metrics.IncEdit()
	s.log.Info("cruise edited", append([]logx.Field{logx.String("cruise", id), logx.String("op", op)}, fields...)...)
	return nil
}
