package runner

import (
	"context"
	"encoding/json"
	"io"
	"sync"

	"cruisectl/internal/record"
	logx "cruisectl/pkg/logx"
)

// Announcement is the record written for every applied change.
type Announcement struct {
	Cruise string `json:"cruise"`
	Logger string `json:"logger"`
	From   string `json:"from,omitempty"`
	To     string `json:"to,omitempty"`
	Stop   bool   `json:"stop,omitempty"`
}

// Announcer wraps an Applier and, after each successful change, pushes an
// Announcement through a record pipeline. Announcing is best effort: a
// failed write is logged and the change still counts as applied.
type Announcer struct {
	next Applier
	log  logx.Logger

	mu   sync.Mutex
	pipe *record.Pipeline
}

func NewAnnouncer(next Applier, log logx.Logger) *Announcer {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Announcer{next: next, log: log}
}

// SetPipeline swaps the pipeline. nil turns announcing off. The previous
// writer is closed if it is an io.Closer.
func (a *Announcer) SetPipeline(p *record.Pipeline) {
	a.mu.Lock()
	old := a.pipe
	a.pipe = p
	a.mu.Unlock()
	closeWriter(old, a.log)
}

func (a *Announcer) Apply(ctx context.Context, c Change) error {
	if err := a.next.Apply(ctx, c); err != nil {
		return err
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	if a.pipe == nil {
		return nil
	}
	rec, _ := json.Marshal(Announcement{
		Cruise: c.Cruise,
		Logger: c.Logger,
		From:   c.From.Name,
		To:     c.To.Name,
		Stop:   c.Stop,
	})
	rec = append(rec, '\n')
	if _, err := a.pipe.Process(ctx, rec); err != nil {
		a.log.Warn("announce failed", logx.String("logger", c.Key), logx.Err(err))
	}
	return nil
}

// Close turns announcing off and releases the writer.
func (a *Announcer) Close() error {
	a.SetPipeline(nil)
	return nil
}

func closeWriter(p *record.Pipeline, log logx.Logger) {
	if p == nil {
		return
	}
	if c, ok := p.Writer.(io.Closer); ok {
		if err := c.Close(); err != nil {
			log.Debug("announce writer close", logx.Err(err))
		}
	}
}
