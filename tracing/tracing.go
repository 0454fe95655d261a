// Package tracing puts the aeonis tracer behind a small interface so
// services can open spans without depending on the SDK directly.
package tracing

import (
	"context"

	tracer "github.com/dhawal-pandya/aeonis/packages/tracer-sdk/go"
)

type Span interface {
	End()
	SetAttributes(attrs map[string]interface{})
	SetError(msg string)
}

type Tracer interface {
	StartSpan(ctx context.Context, name string) (context.Context, Span)
}

type noopSpan struct{}

func (noopSpan) End()                                 {}
func (noopSpan) SetAttributes(map[string]interface{}) {}
func (noopSpan) SetError(string)                      {}

type noopTracer struct{}

func (noopTracer) StartSpan(ctx context.Context, _ string) (context.Context, Span) {
	return ctx, noopSpan{}
}

// Noop returns a tracer that records nothing.
func Noop() Tracer { return noopTracer{} }

type funcSpan struct {
	end   func()
	attrs func(map[string]interface{})
	fail  func(string)
}

func (s funcSpan) End()                                       { s.end() }
func (s funcSpan) SetAttributes(attrs map[string]interface{}) { s.attrs(attrs) }
func (s funcSpan) SetError(msg string)                        { s.fail(msg) }

// TracerFunc adapts a function to the Tracer interface.
type TracerFunc func(ctx context.Context, name string) (context.Context, Span)

func (f TracerFunc) StartSpan(ctx context.Context, name string) (context.Context, Span) {
	return f(ctx, name)
}

// Setup creates the aeonis tracer. Without an API key tracing is disabled and
// the returned shutdown func does nothing.
func Setup(serviceName, endpoint, apiKey string) (Tracer, func()) {
	if apiKey == "" {
		return Noop(), func() {}
	}
	t := tracer.NewTracer(serviceName, endpoint, apiKey, tracer.NewPIISanitizer())
	start := TracerFunc(func(ctx context.Context, name string) (context.Context, Span) {
		ctx, span := t.StartSpan(ctx, name)
		return ctx, funcSpan{
			end:   func() { span.End() },
			attrs: func(attrs map[string]interface{}) { span.SetAttributes(attrs) },
			fail:  func(msg string) { span.SetError(msg, "") },
		}
	})
	return start, func() { t.Shutdown() }
}

// OrNoop returns t, or a no-op tracer when t is nil.
func OrNoop(t Tracer) Tracer {
	if t == nil {
		return Noop()
	}
	return t
}
