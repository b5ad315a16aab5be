// Package alert fans out operational alerts (fallback entered, recovery
// completed, batches parked) to pluggable sinks. A misbehaving sink must
// never disturb the caller or the other sinks.
package alert

import (
	"sync"
	"time"

	"go.uber.org/zap"
)

// Level is the alert severity.
type Level string

const (
	Info     Level = "info"
	Warning  Level = "warning"
	Critical Level = "critical"
)

// Alert is one operational event.
type Alert struct {
	Level     Level          `json:"level"`
	Component string         `json:"component"`
	Message   string         `json:"message"`
	Fields    map[string]any `json:"fields,omitempty"`
	At        time.Time      `json:"at"`
}

// Handler receives alerts. Handlers run synchronously on the emitting
// goroutine and should return quickly.
type Handler func(Alert)

// Notifier is the fan-out point for alerts.
type Notifier struct {
	logger *zap.Logger

	mu       sync.Mutex
	handlers map[int]Handler
	nextID   int
}

// New creates a Notifier that also mirrors every alert to the logger.
func New(logger *zap.Logger) *Notifier {
	return &Notifier{
		logger:   logger,
		handlers: make(map[int]Handler),
	}
}

// Register adds a handler and returns a function that removes it.
func (n *Notifier) Register(h Handler) func() {
	n.mu.Lock()
	id := n.nextID
	n.nextID++
	n.handlers[id] = h
	n.mu.Unlock()

	return func() {
		n.mu.Lock()
		delete(n.handlers, id)
		n.mu.Unlock()
	}
}

// Emit builds and dispatches an alert.
func (n *Notifier) Emit(level Level, component, message string, fields map[string]any) {
	n.Notify(Alert{
		Level:     level,
		Component: component,
		Message:   message,
		Fields:    fields,
		At:        time.Now().UTC(),
	})
}

// Notify dispatches an alert to every registered handler. A panicking
// handler is logged and skipped; the remaining handlers still run.
func (n *Notifier) Notify(a Alert) {
	n.log(a)

	n.mu.Lock()
	handlers := make([]Handler, 0, len(n.handlers))
	for _, h := range n.handlers {
		handlers = append(handlers, h)
	}
	n.mu.Unlock()

	for _, h := range handlers {
		n.dispatch(h, a)
	}
}

func (n *Notifier) dispatch(h Handler, a Alert) {
	defer func() {
		if r := recover(); r != nil {
			n.logger.Error("alert handler panicked",
				zap.String("component", a.Component),
				zap.Any("panic", r))
		}
	}()
	h(a)
}

func (n *Notifier) log(a Alert) {
	fields := []zap.Field{zap.String("component", a.Component)}
	for k, v := range a.Fields {
		fields = append(fields, zap.Any(k, v))
	}
	switch a.Level {
	case Critical:
		n.logger.Error(a.Message, fields...)
	case Warning:
		n.logger.Warn(a.Message, fields...)
	default:
		n.logger.Info(a.Message, fields...)
	}
}
