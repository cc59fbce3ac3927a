package worker

import (
	"context"
	"fmt"
	"strconv"

	"github.com/danielsht11/riley/internal/events"
)

// StatusRecorder persists provider call status callbacks.
type StatusRecorder interface {
	UpdateCallStatus(ctx context.Context, callSID, status string, durationSeconds int) error
}

// CallStatusHandler writes call_status events to the call log.
type CallStatusHandler struct {
	Recorder StatusRecorder
}

func (h *CallStatusHandler) EventType() events.Type { return events.TypeCallStatus }

func (h *CallStatusHandler) Handle(ctx context.Context, env events.Envelope) error {
	sid := env.String("call_sid")
	if sid == "" {
		sid = env.CallID
	}
	if sid == "" {
		return fmt.Errorf("call_status %s: call_sid missing", env.EventID)
	}
	return h.Recorder.UpdateCallStatus(ctx, sid, env.String("call_status"), duration(env.Data["call_duration"]))
}

func duration(v interface{}) int {
	switch d := v.(type) {
	case float64:
		return int(d)
	case string:
		n, err := strconv.Atoi(d)
		if err != nil {
			return 0
		}
		return n
	default:
		return 0
	}
}
