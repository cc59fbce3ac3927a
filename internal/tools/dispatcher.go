// Package tools turns model function calls into acknowledgements and events.
package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"strings"

	"github.com/danielsht11/riley/internal/events"
	"github.com/danielsht11/riley/internal/logutil"
	"github.com/danielsht11/riley/internal/metrics"
)

// Call is a completed function invocation issued by the model.
type Call struct {
	Name      string
	CallID    string
	Arguments string
}

// SessionContext identifies the call a function invocation belongs to.
type SessionContext struct {
	StreamID string
	CallID   string
}

// Definition is the tool schema advertised to the model.
type Definition struct {
	Type        string                 `json:"type"`
	Name        string                 `json:"name"`
	Description string                 `json:"description"`
	Parameters  map[string]interface{} `json:"parameters"`
}

// Result is what a function produces for one invocation.
type Result struct {
	Ack       map[string]interface{}
	Event     events.Type
	EventData map[string]interface{}
	Terminate bool
}

// Function is one model-callable tool.
type Function interface {
	Definition() Definition
	Invoke(ctx context.Context, args map[string]interface{}, sc SessionContext) Result
}

// Publisher is the slice of the event bus the dispatcher needs.
type Publisher interface {
	Publish(ctx context.Context, t events.Type, data map[string]interface{}, corr events.Correlation) bool
}

// Outcome is the dispatcher's answer for one call.
type Outcome struct {
	Ack       map[string]interface{}
	Emitted   events.Type
	Published bool
	Terminate bool
}

// Output renders the acknowledgement as the function_call_output string.
func (o Outcome) Output() string {
	b, err := json.Marshal(o.Ack)
	if err != nil {
		return `{"status":"error","message":"unencodable acknowledgement"}`
	}
	return string(b)
}

// Dispatcher routes calls to the registered functions.
type Dispatcher struct {
	publisher Publisher
	logger    *log.Logger
	order     []string
	functions map[string]Function
}

// Options configure the dispatcher.
type Options struct {
	Publisher Publisher
	Logger    *log.Logger
	Functions []Function
}

// NewDispatcher builds the function registry. Duplicate or empty names are rejected.
func NewDispatcher(opts Options) (*Dispatcher, error) {
	if opts.Logger == nil {
		opts.Logger = log.Default()
	}
	d := &Dispatcher{
		publisher: opts.Publisher,
		logger:    opts.Logger,
		functions: make(map[string]Function, len(opts.Functions)),
	}
	for _, fn := range opts.Functions {
		name := fn.Definition().Name
		if name == "" {
			return nil, fmt.Errorf("tools: function with empty name")
		}
		if _, dup := d.functions[name]; dup {
			return nil, fmt.Errorf("tools: duplicate function %q", name)
		}
		d.functions[name] = fn
		d.order = append(d.order, name)
	}
	return d, nil
}

// Definitions lists the registered tool schemas in registration order.
func (d *Dispatcher) Definitions() []Definition {
	out := make([]Definition, 0, len(d.order))
	for _, name := range d.order {
		out = append(out, d.functions[name].Definition())
	}
	return out
}

// Dispatch runs the named function. It never fails: unknown names and bad
// arguments become error acknowledgements, and publish failures are only logged.
func (d *Dispatcher) Dispatch(ctx context.Context, call Call, sc SessionContext) Outcome {
	fn, ok := d.functions[call.Name]
	if !ok {
		metrics.ObserveFunctionCall("unknown", "error")
		d.logger.Printf("tools: unknown function %q", call.Name)
		return Outcome{Ack: map[string]interface{}{"status": "error", "message": "Unknown function"}}
	}

	args, err := parseArguments(call.Arguments)
	if err != nil {
		metrics.ObserveFunctionCall(call.Name, "error")
		d.logger.Printf("tools: %s: %v", call.Name, err)
		return Outcome{Ack: map[string]interface{}{"status": "error", "message": "invalid arguments: " + err.Error()}}
	}

	res := fn.Invoke(ctx, args, sc)
	out := Outcome{Ack: res.Ack, Emitted: res.Event, Terminate: res.Terminate}
	if res.Event != "" && d.publisher != nil {
		out.Published = d.publisher.Publish(ctx, res.Event, res.EventData, events.Correlation{StreamID: sc.StreamID, CallID: sc.CallID})
	}

	status, _ := res.Ack["status"].(string)
	metrics.ObserveFunctionCall(call.Name, status)
	logutil.Info("function_call_dispatched", map[string]interface{}{
		"function":  call.Name,
		"call_id":   call.CallID,
		"stream_id": sc.StreamID,
		"status":    status,
		"event":     string(res.Event),
		"published": out.Published,
		"terminate": res.Terminate,
	})
	return out
}

func parseArguments(raw string) (map[string]interface{}, error) {
	if strings.TrimSpace(raw) == "" {
		return map[string]interface{}{}, nil
	}
	var v interface{}
	if err := json.Unmarshal([]byte(raw), &v); err != nil {
		return nil, err
	}
	args, ok := v.(map[string]interface{})
	if !ok {
		return nil, fmt.Errorf("expected a JSON object")
	}
	return args, nil
}
