package scheduler

import "time"

type ScheduleInfo struct {
	Name   string
	Cruise string
	Mode   string
	Spec   string
	Spread time.Duration
	Next   time.Time
	Prev   time.Time
}

type Snapshot struct {
	Enabled   bool
	Running   bool
	Timezone  string
	Schedules []ScheduleInfo
	// History holds the most recent runs, oldest first.
	History []Run
}

func (s *Service) Snapshot() Snapshot {
	s.mu.Lock()
	enabled := s.cfg.Enabled
	tz := s.cfg.Timezone
	defs := make([]scheduleDef, len(s.defs))
	copy(defs, s.defs)
	c := s.c
	loc := s.loc
	s.mu.Unlock()

	if tz == "" && loc != nil {
		tz = loc.String()
	}

	items := make([]ScheduleInfo, 0, len(defs))
	for _, d := range defs {
		it := ScheduleInfo{Name: d.Name, Cruise: d.Cruise, Mode: d.Mode, Spec: d.parsed.CronSpec(), Spread: d.spread}
		if c != nil && d.entryID != 0 {
			e := c.Entry(d.entryID)
			it.Next = e.Next
			it.Prev = e.Prev
		}
		items = append(items, it)
	}

	s.histMu.Lock()
	hist := append([]Run(nil), s.history...)
	s.histMu.Unlock()

	return Snapshot{
		Enabled:   enabled,
		Running:   c != nil,
		Timezone:  tz,
		Schedules: items,
		History:   hist,
	}
}
