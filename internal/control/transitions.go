package control

import (
	"context"

	"cruisectl/internal/cruise"
	"cruisectl/internal/eventbus"
	logx "cruisectl/pkg/logx"
)

// SetMode switches a cruise into mode. The current mode and every logger's
// assignment change together; manual overrides are dropped. Observers are
// not notified.
func (s *Server) SetMode(ctx context.Context, id, mode string) error {
	var prev string
	err := s.store.Update(ctx, id, func(st *cruise.State) error {
		prev = st.Mode
		return st.SetMode(mode)
	})
	if err != nil {
		return s.fail(err)
	}

	s.metrics.IncModeSwitch()
	s.log.Info("mode changed",
		logx.String("cruise", id),
		logx.String("from", prev),
		logx.String("to", mode),
	)
	s.publish(eventbus.TypeModeChanged, id, map[string]string{"from": prev, "to": mode})
	return nil
}

// SetLoggerConfig assigns one logger a config outside of a mode switch.
// Observers are not notified.
func (s *Server) SetLoggerConfig(ctx context.Context, id, logger, config string) error {
	var prev string
	err := s.store.Update(ctx, id, func(st *cruise.State) error {
		prev = st.Assigned[logger]
		return st.SetLoggerConfig(logger, config)
	})
	if err != nil {
		return s.fail(err)
	}

	s.metrics.IncLoggerOverride()
	s.log.Info("logger config set",
		logx.String("cruise", id),
		logx.String("logger", logger),
		logx.String("from", prev),
		logx.String("to", config),
	)
	return nil
}
