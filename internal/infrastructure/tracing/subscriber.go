package tracing

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/smilemakc/cascaded/internal/bus"
)

// EventSubscriber turns cascade runner lifecycle events into OpenTelemetry
// spans: one root span per session (cascade.started..cascade.completed/
// error) and one child span per cell dispatch (cell.started..cell.completed/
// failed/skipped), so a session's full dispatch tree is visible in any
// OTLP-compatible trace backend without the runner importing OTel directly.
type EventSubscriber struct {
	tracer trace.Tracer

	mu       sync.Mutex
	sessions map[string]spanCtx
	cells    map[string]spanCtx // key: sessionID + "/" + cellName
}

type spanCtx struct {
	ctx  context.Context
	span trace.Span
}

// NewEventSubscriber builds a bus.Subscriber that records spans through p.
// A nil Provider still works: Provider.Tracer() degrades to a no-op tracer.
func NewEventSubscriber(p *Provider) *EventSubscriber {
	return &EventSubscriber{
		tracer:   p.Tracer(),
		sessions: make(map[string]spanCtx),
		cells:    make(map[string]spanCtx),
	}
}

func (s *EventSubscriber) Name() string { return "tracing" }

func (s *EventSubscriber) Filter() bus.Filter { return nil }

func (s *EventSubscriber) OnEvent(_ context.Context, event bus.Event) error {
	switch event.Type {
	case bus.EventCascadeStarted:
		s.startSession(event)
	case bus.EventCascadeCompleted:
		s.endSession(event, codes.Ok, "")
	case bus.EventCascadeError:
		s.endSession(event, codes.Error, errMessage(event))
	case bus.EventCellStarted:
		s.startCell(event)
	case bus.EventCellCompleted:
		s.endCell(event, codes.Ok, "")
	case bus.EventCellFailed:
		s.endCell(event, codes.Error, errMessage(event))
	case bus.EventCellSkipped:
		s.endCell(event, codes.Unset, "")
	case bus.EventWardResult, bus.EventCostUpdate, bus.EventToolCall, bus.EventToolResult:
		s.addEvent(event)
	}
	return nil
}

func (s *EventSubscriber) startSession(event bus.Event) {
	ctx, span := s.tracer.Start(context.Background(), "cascade.session",
		trace.WithAttributes(attribute.String("session_id", event.SessionID)))
	s.mu.Lock()
	s.sessions[event.SessionID] = spanCtx{ctx: ctx, span: span}
	s.mu.Unlock()
}

func (s *EventSubscriber) endSession(event bus.Event, code codes.Code, errMsg string) {
	s.mu.Lock()
	sc, ok := s.sessions[event.SessionID]
	delete(s.sessions, event.SessionID)
	s.mu.Unlock()
	if !ok {
		return
	}
	if errMsg != "" {
		sc.span.SetStatus(code, errMsg)
	} else {
		sc.span.SetStatus(code, "")
	}
	sc.span.End()
}

func (s *EventSubscriber) startCell(event bus.Event) {
	s.mu.Lock()
	parent, ok := s.sessions[event.SessionID]
	s.mu.Unlock()
	parentCtx := context.Background()
	if ok {
		parentCtx = parent.ctx
	}

	ctx, span := s.tracer.Start(parentCtx, "cell."+event.CellName,
		trace.WithAttributes(
			attribute.String("session_id", event.SessionID),
			attribute.String("cell_name", event.CellName),
		))
	s.mu.Lock()
	s.cells[cellKey(event)] = spanCtx{ctx: ctx, span: span}
	s.mu.Unlock()
}

func (s *EventSubscriber) endCell(event bus.Event, code codes.Code, errMsg string) {
	key := cellKey(event)
	s.mu.Lock()
	sc, ok := s.cells[key]
	delete(s.cells, key)
	s.mu.Unlock()
	if !ok {
		return
	}
	if errMsg != "" {
		sc.span.SetStatus(code, errMsg)
	} else {
		sc.span.SetStatus(code, "")
	}
	sc.span.End()
}

func (s *EventSubscriber) addEvent(event bus.Event) {
	key := cellKey(event)
	s.mu.Lock()
	sc, ok := s.cells[key]
	if !ok {
		sc, ok = s.sessions[event.SessionID]
	}
	s.mu.Unlock()
	if !ok {
		return
	}
	AddSpanEvent(sc.ctx, string(event.Type))
}

func cellKey(event bus.Event) string {
	return event.SessionID + "/" + event.CellName
}

func errMessage(event bus.Event) string {
	if event.Data == nil {
		return "error"
	}
	if msg, ok := event.Data["error"].(string); ok && msg != "" {
		return msg
	}
	return "error"
}
