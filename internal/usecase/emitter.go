package usecase

import (
	"time"

	"kb-chat/internal/domain"
)

// EventSink receives the events of one turn. Send returns an error once the
// caller is gone.
type EventSink interface {
	Send(ev domain.Event) error
}

// emitter enforces the stream order: start first, tokens, at most one
// metadata, then exactly one terminal event. Out of order events are dropped.
type emitter struct {
	sink EventSink
	now  func() time.Time

	started  bool
	metadata bool
	terminal bool
	sendErr  error
}

func newEmitter(sink EventSink, now func() time.Time) *emitter {
	return &emitter{sink: sink, now: now}
}

func (e *emitter) send(ev domain.Event) bool {
	if e.terminal || e.sendErr != nil {
		return false
	}
	switch ev.Type {
	case domain.EventStart:
		if e.started {
			return false
		}
	case domain.EventToken:
		if !e.started || e.metadata {
			return false
		}
	case domain.EventMetadata:
		if !e.started || e.metadata {
			return false
		}
		e.metadata = true
	default:
		if !e.started {
			return false
		}
	}
	if ev.Type == domain.EventStart {
		e.started = true
	}
	if ev.Type.Terminal() {
		e.terminal = true
	}
	if err := e.sink.Send(ev); err != nil {
		e.sendErr = err
		return false
	}
	return true
}

func (e *emitter) timestamp() string {
	return e.now().UTC().Format(time.RFC3339Nano)
}

func (e *emitter) start(conversationID string) bool {
	return e.send(domain.Event{Type: domain.EventStart, Data: domain.StartPayload{
		ConversationID: conversationID,
		Timestamp:      e.timestamp(),
	}})
}

func (e *emitter) token(content string) bool {
	return e.send(domain.Event{Type: domain.EventToken, Data: domain.TokenPayload{Content: content}})
}

func (e *emitter) sources(src []domain.Source) bool {
	return e.send(domain.Event{Type: domain.EventMetadata, Data: domain.MetadataPayload{Sources: src}})
}

func (e *emitter) done(p domain.DonePayload) bool {
	return e.send(domain.Event{Type: domain.EventDone, Data: p})
}

func (e *emitter) fail(code ErrorCode, message string) bool {
	return e.send(domain.Event{Type: domain.EventError, Data: domain.ErrorPayload{
		ErrorKind: string(code),
		Message:   message,
		Timestamp: e.timestamp(),
	}})
}

// gone reports whether the sink rejected an event.
func (e *emitter) gone() bool {
	return e.sendErr != nil
}
