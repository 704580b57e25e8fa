package control

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"

	"cruisectl/internal/cruise"
	"cruisectl/internal/eventbus"
	"cruisectl/internal/storage"
	logx "cruisectl/pkg/logx"
)

// UpdateStatus appends a status report stamped with the current time. The
// payload is opaque; it only has to be JSON. An empty payload is stored as
// null.
func (s *Server) UpdateStatus(ctx context.Context, payload json.RawMessage) (storage.StatusRecord, error) {
	if len(bytes.TrimSpace(payload)) == 0 {
		payload = json.RawMessage("null")
	} else if !json.Valid(payload) {
		return storage.StatusRecord{}, s.fail(cruise.Invalidf("status payload is not valid JSON"))
	}

	rec := storage.StatusRecord{
		ID:      s.newID(),
		At:      s.now(),
		Payload: append(json.RawMessage(nil), payload...),
	}
	if err := s.store.AppendStatus(ctx, rec); err != nil {
		return storage.StatusRecord{}, err
	}

	s.metrics.IncStatusReport()
	s.statusMu.Lock()
	info := s.statusLog.Allow()
	s.statusMu.Unlock()
	fields := []logx.Field{logx.String("id", rec.ID), logx.Int("bytes", len(rec.Payload))}
	if info {
		s.log.Info("got status", fields...)
	} else {
		s.log.Debug("got status", fields...)
	}
	s.publish(eventbus.TypeStatusReported, "", rec.ID)
	return rec, nil
}

// ReportStatus marshals v as JSON and appends it as a status report.
func (s *Server) ReportStatus(ctx context.Context, v any) (storage.StatusRecord, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return storage.StatusRecord{}, fmt.Errorf("encode status: %w", err)
	}
	return s.UpdateStatus(ctx, b)
}

// Statuses returns up to limit status reports, most recent first.
func (s *Server) Statuses(ctx context.Context, limit int) ([]storage.StatusRecord, error) {
	return s.store.Statuses(ctx, limit)
}
