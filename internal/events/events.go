// Package events emits the append-only thinking-event stream: one JSON line
// per pipeline stage transition. The stream is write-only from the engine's
// point of view; nothing in the pipeline reads it back.
package events

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Event is one stage transition.
type Event struct {
	TraceID    string         `json:"trace_id"`
	Stage      string         `json:"stage"`
	Status     string         `json:"status"`
	Confidence float64        `json:"confidence,omitempty"`
	DurationMS int64          `json:"duration_ms,omitempty"`
	Details    map[string]any `json:"details,omitempty"`
}

// Stage status values.
const (
	StatusStarted   = "started"
	StatusCompleted = "completed"
	StatusFailed    = "failed"
	StatusRetrying  = "retrying"
)

// Sink appends events to a JSONL file through a zap core.
type Sink struct {
	logger *zap.Logger
}

// NewSink opens (or creates) the event stream at path.
func NewSink(path string) (*Sink, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("event stream dir: %w", err)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
	if err != nil {
		return nil, fmt.Errorf("open event stream: %w", err)
	}

	encCfg := zapcore.EncoderConfig{
		TimeKey:        "ts",
		MessageKey:     "stage",
		EncodeTime:     zapcore.ISO8601TimeEncoder,
		EncodeDuration: zapcore.MillisDurationEncoder,
	}
	core := zapcore.NewCore(zapcore.NewJSONEncoder(encCfg), zapcore.AddSync(f), zapcore.InfoLevel)
	return &Sink{logger: zap.New(core)}, nil
}

// Nop returns a sink that discards everything. Tests and CLI subcommands
// that never run the pipeline use it.
func Nop() *Sink {
	return &Sink{logger: zap.NewNop()}
}

// Emit appends one event.
func (s *Sink) Emit(ev Event) {
	fields := []zap.Field{
		zap.String("trace_id", ev.TraceID),
		zap.String("status", ev.Status),
	}
	if ev.Confidence > 0 {
		fields = append(fields, zap.Float64("confidence", ev.Confidence))
	}
	if ev.DurationMS > 0 {
		fields = append(fields, zap.Int64("duration_ms", ev.DurationMS))
	}
	if len(ev.Details) > 0 {
		fields = append(fields, zap.Any("details", ev.Details))
	}
	s.logger.Info(ev.Stage, fields...)
}

// Stage emits a started event and returns a closure that emits the matching
// terminal event with the elapsed duration.
func (s *Sink) Stage(traceID, stage string) func(status string, confidence float64) {
	start := time.Now()
	s.Emit(Event{TraceID: traceID, Stage: stage, Status: StatusStarted})
	return func(status string, confidence float64) {
		s.Emit(Event{
			TraceID:    traceID,
			Stage:      stage,
			Status:     status,
			Confidence: confidence,
			DurationMS: time.Since(start).Milliseconds(),
		})
	}
}

// Close flushes the stream.
func (s *Sink) Close() error {
	return s.logger.Sync()
}
