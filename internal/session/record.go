package session

import (
	"context"
	"errors"
	"fmt"
)

// RecordSink receives the final record of every ended session.
type RecordSink interface {
	Persist(ctx context.Context, record Record) error
}

// RecordSinkFunc adapts a function to RecordSink.
type RecordSinkFunc func(ctx context.Context, record Record) error

// Persist implements RecordSink.
func (f RecordSinkFunc) Persist(ctx context.Context, record Record) error { return f(ctx, record) }

// NamedSink labels a sink for error reporting.
type NamedSink struct {
	Name string
	Sink RecordSink
}

// MultiSink fans a record out to every sink and joins their failures.
type MultiSink []NamedSink

// Persist implements RecordSink.
func (m MultiSink) Persist(ctx context.Context, record Record) error {
	var errs []error
	for _, named := range m {
		if named.Sink == nil {
			continue
		}
		if err := named.Sink.Persist(ctx, record); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", named.Name, err))
		}
	}
	return errors.Join(errs...)
}

type discardSink struct{}

func (discardSink) Persist(context.Context, Record) error { return nil }
