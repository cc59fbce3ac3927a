package worker

import (
	"github.com/danielsht11/riley/internal/notify"
)

// NotificationRegistry registers every notification handler plus the call
// status recorder when one is given.
func NotificationRegistry(opts notify.HandlerOptions, recorder StatusRecorder) (*Registry, error) {
	reg, err := NewRegistry()
	if err != nil {
		return nil, err
	}
	for _, h := range notify.Handlers(opts) {
		if err := reg.Register(h); err != nil {
			return nil, err
		}
	}
	if recorder != nil {
		if err := reg.Register(&CallStatusHandler{Recorder: recorder}); err != nil {
			return nil, err
		}
	}
	return reg, nil
}
