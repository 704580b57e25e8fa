// Package control is the cruise control plane API: cruise lifecycle, state
// reads, mode and logger transitions, update notification and status
// ingestion, over any storage.Backend.
package control

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"cruisectl/internal/cruise"
	"cruisectl/internal/diag"
	"cruisectl/internal/eventbus"
	"cruisectl/internal/notify"
	"cruisectl/internal/storage"
	logx "cruisectl/pkg/logx"
)

// API is the full control-plane contract. Mutations never notify observers
// by themselves; callers batch their changes and then call SignalUpdate.
type API interface {
	LoadCruise(ctx context.Context, def *cruise.Definition) (string, error)
	DeleteCruise(ctx context.Context, id string) error

	Cruises(ctx context.Context) ([]string, error)
	CruiseDefinition(ctx context.Context, id string) (*cruise.Definition, error)
	Mode(ctx context.Context, id string) (string, error)
	Modes(ctx context.Context, id string) ([]string, error)
	DefaultMode(ctx context.Context, id string) (string, error)
	Loggers(ctx context.Context, id string) (map[string]cruise.LoggerSpec, error)
	Logger(ctx context.Context, id, logger string) (cruise.LoggerSpec, error)
	Configs(ctx context.Context, id, mode string) (map[string]cruise.Config, error)
	Config(ctx context.Context, id, logger, mode string) (cruise.Config, bool, error)

	SetMode(ctx context.Context, id, mode string) error
	SetLoggerConfig(ctx context.Context, id, logger, config string) error

	AddCruise(ctx context.Context, id, start, end string) error
	AddMode(ctx context.Context, id, mode string) error
	DeleteMode(ctx context.Context, id, mode string) error
	AddLogger(ctx context.Context, id, logger string, spec cruise.LoggerSpec) error
	DeleteLogger(ctx context.Context, id, logger string) error
	AddConfig(ctx context.Context, id, name string, spec json.RawMessage) error
	AddConfigToLogger(ctx context.Context, id, config, logger string) error
	AddConfigToMode(ctx context.Context, id, config, logger, mode string) error
	DeleteConfig(ctx context.Context, id, config string) error

	OnUpdate(cruiseID string, fn notify.Callback, args map[string]any) notify.Registration
	SignalUpdate(ctx context.Context, cruiseID string) int

	UpdateStatus(ctx context.Context, payload json.RawMessage) (storage.StatusRecord, error)
	Statuses(ctx context.Context, limit int) ([]storage.StatusRecord, error)
}

var _ API = (*Server)(nil)

// Server implements API.
type Server struct {
	store   storage.Backend
	hub     *notify.Hub
	log     logx.Logger
	bus     eventbus.Bus
	metrics *diag.Metrics

	now   func() time.Time
	newID func() string

	statusMu  sync.Mutex
	statusLog *rate.Limiter

	// serializes cruise installs and removals, which keeps id derivation
	// and the delete+forget pair free of interleaved loads
	loadMu sync.Mutex
}

type Option func(*Server)

func WithBus(b eventbus.Bus) Option { return func(s *Server) { s.bus = b } }
func WithMetrics(m *diag.Metrics) Option { return func(s *Server) { s.metrics = m } }
func WithClock(now func() time.Time) Option { return func(s *Server) { s.now = now } }
func WithIDs(newID func() string) Option { return func(s *Server) { s.newID = newID } }
func WithStatusLogRate(perSec int) Option { return func(s *Server) { s.SetStatusLogRate(perSec) } }
func WithHub(h *notify.Hub) Option { return func(s *Server) { s.hub = h } }
func WithLogger(log logx.Logger) Option { return func(s *Server) { s.log = log } }

// DefaultStatusLogRate is how many status reports per second are logged at
// info level; the rest go to debug.
const DefaultStatusLogRate = 2

// New builds a Server over store. Without WithHub it creates its own hub.
func New(store storage.Backend, opts ...Option) *Server {
	s := &Server{
		store:     store,
		log:       logx.Nop(),
		now:       time.Now,
		newID:     uuid.NewString,
		statusLog: rate.NewLimiter(rate.Limit(DefaultStatusLogRate), DefaultStatusLogRate),
	}
	for _, o := range opts {
		if o != nil {
			o(s)
		}
	}
	if s.hub == nil {
		s.hub = notify.New(s.log.With(logx.String("comp", "notify")), notify.WithBus(s.bus))
	}
	return s
}

// Hub returns the notification hub the server signals through.
func (s *Server) Hub() *notify.Hub { return s.hub }

// SetStatusLogRate changes how many status reports per second are logged
// at info level. perSec <= 0 restores the default.
func (s *Server) SetStatusLogRate(perSec int) {
	if perSec <= 0 {
		perSec = DefaultStatusLogRate
	}
	s.statusMu.Lock()
	s.statusLog = rate.NewLimiter(rate.Limit(perSec), perSec)
	s.statusMu.Unlock()
}

func (s *Server) OnUpdate(cruiseID string, fn notify.Callback, args map[string]any) notify.Registration {
	return s.hub.OnUpdate(cruiseID, fn, args)
}

func (s *Server) SignalUpdate(ctx context.Context, cruiseID string) int {
	return s.hub.SignalUpdate(ctx, cruiseID)
}

func (s *Server) publish(typ, cruiseID string, data any) {
	if s.bus == nil {
		return
	}
	s.bus.Publish(eventbus.Event{Type: typ, Cruise: cruiseID, Time: s.now(), Data: data})
}

// fail counts err by kind and returns it unchanged.
func (s *Server) fail(err error) error {
	switch {
	case err == nil:
	case errors.Is(err, cruise.ErrInvalid):
		s.metrics.IncValidationError()
	case errors.Is(err, cruise.ErrNotFound):
		s.metrics.IncNotFoundError()
	}
	return err
}

// Unregister removes an observer added with OnUpdate.
func (s *Server) Unregister(r notify.Registration) bool {
	return s.hub.Remove(r)
}
