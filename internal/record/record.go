// Package record defines the collaborators a logger process is assembled
// from: transforms that rewrite or drop records and writers that deliver
// them. Logger configs name them by class; the control plane itself runs a
// pipeline only to announce applied changes.
package record

import (
	"context"
	"errors"
	"fmt"
)

// Transform rewrites one record. ok == false drops the record.
type Transform interface {
	Transform(rec []byte) (out []byte, ok bool)
}

// TransformFunc adapts a function to Transform.
type TransformFunc func(rec []byte) ([]byte, bool)

func (f TransformFunc) Transform(rec []byte) ([]byte, bool) { return f(rec) }

// Writer delivers one record. Retries, if any, happen inside the writer.
type Writer interface {
	Write(ctx context.Context, rec []byte) (int, error)
}

// ErrShortWrite is returned when a writer gives up before sending the whole
// record.
var ErrShortWrite = errors.New("record: short write")

// Pipeline runs transforms in order, then hands the result to the writer.
type Pipeline struct {
	Transforms []Transform
	Writer     Writer
}

// Process pushes one record through the pipeline. written is 0 and err is
// nil when a transform dropped the record.
func (p *Pipeline) Process(ctx context.Context, rec []byte) (written int, err error) {
	for i, t := range p.Transforms {
		var ok bool
		rec, ok = t.Transform(rec)
		if !ok {
			return 0, nil
		}
		if rec == nil {
			return 0, fmt.Errorf("transform %d returned nil record", i)
		}
	}
	if p.Writer == nil {
		return 0, errors.New("pipeline has no writer")
	}
	return p.Writer.Write(ctx, rec)
}
