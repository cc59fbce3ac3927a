// Package worker routes bus events to their handlers.
package worker

import (
	"context"
	"errors"
	"fmt"
	"log"
	"runtime/debug"
	"time"

	"github.com/danielsht11/riley/internal/events"
	"github.com/danielsht11/riley/internal/logutil"
	"github.com/danielsht11/riley/internal/metrics"
)

// Subscriber opens a subscription. *events.Bus satisfies it.
type Subscriber interface {
	Subscribe(ctx context.Context, channels ...string) (events.Subscription, error)
}

// Options configure the router loop.
type Options struct {
	Subscriber   Subscriber
	Registry     *Registry
	Channels     []string
	Logger       *log.Logger
	PollTimeout  time.Duration
	ErrorBackoff time.Duration
}

// Runner is the single sequential event router.
type Runner struct {
	subscriber   Subscriber
	registry     *Registry
	channels     []string
	logger       *log.Logger
	pollTimeout  time.Duration
	errorBackoff time.Duration
}

// New creates a Runner. Channels default to every routed channel.
func New(opts Options) *Runner {
	if opts.Logger == nil {
		opts.Logger = log.Default()
	}
	if opts.PollTimeout <= 0 {
		opts.PollTimeout = time.Second
	}
	if opts.ErrorBackoff <= 0 {
		opts.ErrorBackoff = 2 * time.Second
	}
	if len(opts.Channels) == 0 {
		opts.Channels = events.RoutedChannels()
	}
	if opts.Registry == nil {
		opts.Registry, _ = NewRegistry()
	}
	return &Runner{
		subscriber:   opts.Subscriber,
		registry:     opts.Registry,
		channels:     opts.Channels,
		logger:       opts.Logger,
		pollTimeout:  opts.PollTimeout,
		errorBackoff: opts.ErrorBackoff,
	}
}

// Run consumes until ctx is cancelled and then returns ctx.Err().
func (r *Runner) Run(ctx context.Context) error {
	if r.subscriber == nil {
		return errors.New("worker: subscriber required")
	}
	sub, err := r.subscriber.Subscribe(ctx, r.channels...)
	if err != nil {
		return fmt.Errorf("worker: subscribe: %w", err)
	}
	defer sub.Close()

	logutil.Info("router_started", map[string]interface{}{
		"channels": r.channels,
		"handlers": len(r.registry.Types()),
	})

	for {
		if err := ctx.Err(); err != nil {
			r.logger.Println("router shutting down")
			return err
		}
		msg, err := sub.Poll(ctx, r.pollTimeout)
		if err != nil {
			if ctx.Err() != nil {
				continue
			}
			logutil.Error("router_poll_failed", err, nil)
			select {
			case <-ctx.Done():
			case <-time.After(r.errorBackoff):
			}
			continue
		}
		if msg == nil {
			continue
		}
		r.Dispatch(ctx, msg)
	}
}

// Dispatch decodes and handles one message. It never panics and never returns
// an error; every outcome is logged and counted.
func (r *Runner) Dispatch(ctx context.Context, msg *events.Message) {
	env, err := events.Decode(msg.Payload)
	if err != nil {
		metrics.ObserveRouted("", "decode_error")
		logutil.Error("router_decode_failed", err, map[string]interface{}{"channel": msg.Channel})
		return
	}
	fields := map[string]interface{}{
		"channel":    msg.Channel,
		"event_id":   env.EventID,
		"event_type": string(env.EventType),
	}

	h, ok := r.registry.Resolve(env.EventType, msg.Channel)
	if !ok {
		metrics.ObserveRouted(string(env.EventType), "unhandled")
		logutil.Warn("router_unknown_event", fields)
		return
	}

	if err := r.invoke(ctx, h, env); err != nil {
		metrics.ObserveRouted(string(env.EventType), "failed")
		logutil.Error("router_handler_failed", err, fields)
		return
	}
	metrics.ObserveRouted(string(env.EventType), "handled")
	r.logger.Printf("router: handled %s from %s", env.EventType, msg.Channel)
}

func (r *Runner) invoke(ctx context.Context, h Handler, env events.Envelope) (err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("handler panic: %v", p)
			r.logger.Printf("router: panic in %s handler: %v\n%s", env.EventType, p, debug.Stack())
		}
	}()
	return h.Handle(ctx, env)
}
