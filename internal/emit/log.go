package emit

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
)

// LogEmitter writes events to a writer, one line per event, in either
// a human-readable key=value form or JSONL.
type LogEmitter struct {
	writer   io.Writer
	jsonMode bool
}

// NewLogEmitter builds a LogEmitter writing to writer (os.Stdout if
// nil). jsonMode selects JSONL output over the text form.
func NewLogEmitter(writer io.Writer, jsonMode bool) *LogEmitter {
	if writer == nil {
		writer = os.Stdout
	}
	return &LogEmitter{writer: writer, jsonMode: jsonMode}
}

func (l *LogEmitter) Emit(event Event) {
	if l.jsonMode {
		l.emitJSON(event)
	} else {
		l.emitText(event)
	}
}

func (l *LogEmitter) emitJSON(event Event) {
	data, err := json.Marshal(struct {
		WorkflowID string                 `json:"workflow_id"`
		EventType  string                 `json:"event_type"`
		StepID     string                 `json:"step_id,omitempty"`
		Attempt    int                    `json:"attempt,omitempty"`
		Meta       map[string]interface{} `json:"meta,omitempty"`
	}{event.WorkflowID, event.EventType, event.StepID, event.Attempt, event.Meta})
	if err != nil {
		_, _ = fmt.Fprintf(l.writer, "{\"error\":\"emit: marshal event: %v\"}\n", err)
		return
	}
	_, _ = fmt.Fprintf(l.writer, "%s\n", data)
}

func (l *LogEmitter) emitText(event Event) {
	_, _ = fmt.Fprintf(l.writer, "[%s] workflow=%s", event.EventType, event.WorkflowID)
	if event.StepID != "" {
		_, _ = fmt.Fprintf(l.writer, " step=%s", event.StepID)
	}
	if event.Attempt > 0 {
		_, _ = fmt.Fprintf(l.writer, " attempt=%d", event.Attempt)
	}
	if len(event.Meta) > 0 {
		if metaJSON, err := json.Marshal(event.Meta); err == nil {
			_, _ = fmt.Fprintf(l.writer, " meta=%s", metaJSON)
		} else {
			_, _ = fmt.Fprintf(l.writer, " meta=%v", event.Meta)
		}
	}
	_, _ = fmt.Fprint(l.writer, "\n")
}

// EmitBatch writes every event in order; a LogEmitter has no
// cross-event batching to do beyond that.
func (l *LogEmitter) EmitBatch(_ context.Context, events []Event) error {
	for _, event := range events {
		l.Emit(event)
	}
	return nil
}

// Flush is a no-op: writes go straight to the underlying writer.
func (l *LogEmitter) Flush(_ context.Context) error {
	return nil
}
