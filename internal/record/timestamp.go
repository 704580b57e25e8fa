package record

import "time"

// DefaultTimeFormat is the timestamp layout Timestamp uses when none is given.
const DefaultTimeFormat = "2006-01-02T15:04:05.000000Z07:00"

// Timestamp prepends "<time> " to every record.
type Timestamp struct {
	Format string
	Now    func() time.Time
}

func (t Timestamp) Transform(rec []byte) ([]byte, bool) {
	format := t.Format
	if format == "" {
		format = DefaultTimeFormat
	}
	now := time.Now
	if t.Now != nil {
		now = t.Now
	}
	out := now().UTC().AppendFormat(make([]byte, 0, len(format)+1+len(rec)), format)
	out = append(out, ' ')
	return append(out, rec...), true
}
