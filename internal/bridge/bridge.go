// Package bridge relays audio between a Twilio media stream and a realtime
// speech model session, handling barge-in, playback marks and function calls.
package bridge

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"golang.org/x/sync/errgroup"

	"github.com/danielsht11/riley/internal/logutil"
	"github.com/danielsht11/riley/internal/metrics"
	"github.com/danielsht11/riley/internal/store"
	"github.com/danielsht11/riley/internal/tools"
	"github.com/danielsht11/riley/internal/twilio"
)

const (
	legTelephony = "telephony"
	legModel     = "model"

	defaultLookupTimeout = 5 * time.Second
	defaultHangupTimeout = 10 * time.Second
)

var (
	errTelephonyClosed = errors.New("telephony leg closed")
	errModelClosed     = errors.New("model leg closed")
	errStreamStopped   = errors.New("telephony stream stopped")
	errTerminated      = errors.New("call terminated by function call")
)

// Conn is one side of the bridge. *websocket.Conn satisfies it.
type Conn interface {
	ReadMessage() (messageType int, p []byte, err error)
	WriteMessage(messageType int, data []byte) error
	Close() error
}

// lockedConn serializes writes; gorilla allows a single concurrent writer.
type lockedConn struct {
	conn      Conn
	mu        sync.Mutex
	closeOnce sync.Once
	closeErr  error
}

func (c *lockedConn) ReadMessage() (int, []byte, error) {
	return c.conn.ReadMessage()
}

func (c *lockedConn) writeJSON(v interface{}) error {
	payload, err := json.Marshal(v)
	if err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn.WriteMessage(websocket.TextMessage, payload)
}

func (c *lockedConn) Close() error {
	c.closeOnce.Do(func() {
		c.closeErr = c.conn.Close()
	})
	return c.closeErr
}

// Dispatcher runs model function calls.
type Dispatcher interface {
	Definitions() []tools.Definition
	Dispatch(ctx context.Context, call tools.Call, sc tools.SessionContext) tools.Outcome
}

// Telephony is the provider API used to look up and end calls.
type Telephony interface {
	FetchCall(ctx context.Context, callSID string) (*twilio.Call, error)
	Hangup(ctx context.Context, callSID string) error
}

// Directory resolves the business a call is answered for.
type Directory interface {
	CallContext(ctx context.Context, phone string) (*store.CallContext, error)
}

// CallLog records bridged calls.
type CallLog interface {
	StartCall(ctx context.Context, call *store.Call) error
	FinishCall(ctx context.Context, callSID, outcome string, endedAt time.Time) error
}

// Options configure a Bridge. Telephony, Directory and CallLog are optional.
type Options struct {
	Dispatcher   Dispatcher
	Instructions *Instructions
	Telephony    Telephony
	Directory    Directory
	CallLog      CallLog
	Logger       *log.Logger

	LookupTimeout time.Duration
	HangupTimeout time.Duration
}

// Bridge serves call sessions. One Bridge is shared by all calls.
type Bridge struct {
	dispatcher    Dispatcher
	instructions  *Instructions
	telephony     Telephony
	directory     Directory
	callLog       CallLog
	logger        *log.Logger
	lookupTimeout time.Duration
	hangupTimeout time.Duration
}

// New validates the options and builds a Bridge.
func New(opts Options) (*Bridge, error) {
	if opts.Dispatcher == nil {
		return nil, errors.New("bridge: dispatcher required")
	}
	if opts.Instructions == nil {
		ins, err := NewInstructions(DefaultProfile())
		if err != nil {
			return nil, err
		}
		opts.Instructions = ins
	}
	if opts.Logger == nil {
		opts.Logger = log.Default()
	}
	if opts.LookupTimeout <= 0 {
		opts.LookupTimeout = defaultLookupTimeout
	}
	if opts.HangupTimeout <= 0 {
		opts.HangupTimeout = defaultHangupTimeout
	}
	return &Bridge{
		dispatcher:    opts.Dispatcher,
		instructions:  opts.Instructions,
		telephony:     opts.Telephony,
		directory:     opts.Directory,
		callLog:       opts.CallLog,
		logger:        opts.Logger,
		lookupTimeout: opts.LookupTimeout,
		hangupTimeout: opts.HangupTimeout,
	}, nil
}

// Serve bridges one call until either leg closes. Both connections are closed
// when it returns.
func (b *Bridge) Serve(ctx context.Context, telephonyConn, modelConn Conn) error {
	return b.serve(ctx, NewCallSession(), telephonyConn, modelConn)
}

func (b *Bridge) serve(ctx context.Context, s *CallSession, telephonyConn, modelConn Conn) error {
	tel := &lockedConn{conn: telephonyConn}
	mdl := &lockedConn{conn: modelConn}
	metrics.SessionStarted()

	if err := mdl.writeJSON(newSessionUpdate(b.instructions.Profile(), b.instructions.Default(), b.dispatcher.Definitions())); err != nil {
		_ = tel.Close()
		_ = mdl.Close()
		s.setState(StateClosed)
		metrics.SessionFinished("setup_failed", s.Duration())
		return fmt.Errorf("initialize model session: %w", err)
	}
	s.setState(StateAwaitingStart)

	g, gctx := errgroup.WithContext(ctx)
	go func() {
		<-gctx.Done()
		_ = tel.Close()
		_ = mdl.Close()
	}()
	g.Go(func() error { return b.telephonyPump(gctx, s, tel, mdl) })
	g.Go(func() error { return b.modelPump(gctx, s, tel, mdl) })
	err := g.Wait()

	if s.State() != StateClosing {
		s.setState(StateClosing)
	}
	outcome := classify(err)
	streamID, callID := s.IDs()

	if s.Terminated() && callID != "" && b.telephony != nil {
		hctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), b.hangupTimeout)
		if herr := b.telephony.Hangup(hctx, callID); herr != nil {
			logutil.Error("call_hangup_failed", herr, map[string]interface{}{"call_id": callID, "stream_id": streamID})
		}
		cancel()
	}
	if b.callLog != nil && callID != "" {
		lctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), b.lookupTimeout)
		if lerr := b.callLog.FinishCall(lctx, callID, outcome, time.Now()); lerr != nil && !errors.Is(lerr, store.ErrNotFound) {
			b.logger.Printf("bridge: failed to finish call log for %s: %v", callID, lerr)
		}
		cancel()
	}

	s.setState(StateClosed)
	metrics.SessionFinished(outcome, s.Duration())
	logutil.Info("call_session_closed", map[string]interface{}{
		"stream_id": streamID,
		"call_id":   callID,
		"outcome":   outcome,
		"duration":  s.Duration().String(),
	})

	if outcome == "error" {
		return err
	}
	return nil
}

func classify(err error) string {
	switch {
	case err == nil:
		return "closed"
	case errors.Is(err, errTerminated):
		return "terminated"
	case errors.Is(err, errStreamStopped):
		return "stopped"
	case errors.Is(err, errTelephonyClosed):
		return "telephony_closed"
	case errors.Is(err, errModelClosed):
		return "model_closed"
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return "canceled"
	default:
		return "error"
	}
}

func (b *Bridge) telephonyPump(ctx context.Context, s *CallSession, tel, mdl *lockedConn) error {
	for {
		_, data, err := tel.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("%w: %v", errTelephonyClosed, err)
		}
		frame, err := decodeTelephonyFrame(data)
		if err != nil {
			metrics.ObserveDroppedFrame(legTelephony)
			b.logger.Printf("bridge: dropping telephony frame: %v", err)
			continue
		}
		metrics.ObserveFrame(legTelephony, frame.Event)

		switch frame.Event {
		case frameConnected:
			b.logger.Printf("bridge: telephony stream connected")
		case frameStart:
			if err := b.handleStart(ctx, s, frame, mdl); err != nil {
				return err
			}
		case frameMedia:
			if frame.Media == nil {
				metrics.ObserveDroppedFrame(legTelephony)
				continue
			}
			s.ObserveMedia(int64(frame.Media.Timestamp))
			if err := mdl.writeJSON(audioAppend{Type: evAudioAppend, Audio: frame.Media.Payload}); err != nil {
				return fmt.Errorf("%w: %v", errModelClosed, err)
			}
		case frameMark:
			s.PopMark()
		case frameStop:
			return errStreamStopped
		}
	}
}

func (b *Bridge) handleStart(ctx context.Context, s *CallSession, frame telephonyFrame, mdl *lockedConn) error {
	streamID, callID := frame.StreamSID, ""
	if frame.Start != nil {
		if frame.Start.StreamSID != "" {
			streamID = frame.Start.StreamSID
		}
		callID = frame.Start.CallSID
	}
	s.Bind(streamID, callID)
	logutil.Info("call_stream_started", map[string]interface{}{"stream_id": streamID, "call_id": callID})

	lctx, cancel := context.WithTimeout(ctx, b.lookupTimeout)
	defer cancel()
	call, cc := b.resolve(lctx, callID)

	if b.callLog != nil && callID != "" {
		entry := &store.Call{CallSID: callID, StreamSID: streamID}
		if call != nil {
			entry.From, entry.To, entry.ForwardedFrom = call.From, call.To, call.ForwardedFrom
		}
		if cc != nil {
			entry.BusinessID = cc.Business.ID
		}
		if err := b.callLog.StartCall(lctx, entry); err != nil {
			b.logger.Printf("bridge: failed to record call %s: %v", callID, err)
		}
	}

	if cc == nil {
		return nil
	}
	instructions, err := b.instructions.Render(cc)
	if err != nil {
		b.logger.Printf("bridge: %v", err)
		return nil
	}
	if err := mdl.writeJSON(newSessionUpdate(b.instructions.Profile(), instructions, b.dispatcher.Definitions())); err != nil {
		return fmt.Errorf("%w: %v", errModelClosed, err)
	}
	return nil
}

// resolve finds the business behind a call. Failures are logged and yield nil.
func (b *Bridge) resolve(ctx context.Context, callID string) (*twilio.Call, *store.CallContext) {
	if b.directory == nil {
		return nil, nil
	}
	var call *twilio.Call
	if b.telephony != nil && callID != "" {
		c, err := b.telephony.FetchCall(ctx, callID)
		if err != nil {
			b.logger.Printf("bridge: call lookup for %s failed: %v", callID, err)
		} else {
			call = c
		}
	}
	phone := BusinessNumber(call, b.instructions.Profile().FallbackNumber)
	if phone == "" {
		return call, nil
	}
	cc, err := b.directory.CallContext(ctx, phone)
	if err != nil {
		if !errors.Is(err, store.ErrNotFound) {
			b.logger.Printf("bridge: directory lookup for %s failed: %v", phone, err)
		} else {
			b.logger.Printf("bridge: no business registered for %s", phone)
		}
		return call, nil
	}
	return call, cc
}

// BusinessNumber picks the number a call was placed to on behalf of a
// business: the forwarding number when it differs from the dialed number,
// then the configured fallback, then the dialed number.
func BusinessNumber(call *twilio.Call, fallback string) string {
	if call != nil && call.ForwardedFrom != "" && call.ForwardedFrom != call.To {
		return call.ForwardedFrom
	}
	if fallback != "" {
		return fallback
	}
	if call != nil {
		return call.To
	}
	return ""
}

func (b *Bridge) modelPump(ctx context.Context, s *CallSession, tel, mdl *lockedConn) error {
	for {
		_, data, err := mdl.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("%w: %v", errModelClosed, err)
		}
		ev, err := decodeModelEvent(data)
		if err != nil {
			metrics.ObserveDroppedFrame(legModel)
			b.logger.Printf("bridge: dropping model event: %v", err)
			continue
		}
		metrics.ObserveFrame(legModel, ev.Type)

		switch ev.Type {
		case evAudioDelta:
			if err := b.relayAudio(s, tel, ev); err != nil {
				return err
			}
		case evSpeechStarted:
			if err := b.interrupt(s, tel, mdl); err != nil {
				return err
			}
		case evFunctionArgumentsDone:
			if err := b.relayFunctionCall(ctx, s, mdl, ev); err != nil {
				return err
			}
		case evError:
			fields := map[string]interface{}{}
			if ev.Error != nil {
				fields["type"], fields["code"] = ev.Error.Type, ev.Error.Code
			}
			streamID, _ := s.IDs()
			fields["stream_id"] = streamID
			msg := "unspecified model error"
			if ev.Error != nil && ev.Error.Message != "" {
				msg = ev.Error.Message
			}
			logutil.Error("model_error", errors.New(msg), fields)
		default:
			if loggedModelEvents[ev.Type] {
				b.logger.Printf("bridge: model event %s", ev.Type)
			}
		}
	}
}

func (b *Bridge) relayAudio(s *CallSession, tel *lockedConn, ev modelEvent) error {
	if ev.Delta == "" {
		return nil
	}
	streamID, _ := s.IDs()
	if err := tel.writeJSON(mediaFrame(streamID, ev.Delta)); err != nil {
		return fmt.Errorf("%w: %v", errTelephonyClosed, err)
	}
	s.BeginPlayback(ev.ItemID)
	if streamID == "" {
		return nil
	}
	s.PushMark(markName)
	if err := tel.writeJSON(markFrame(streamID, markName)); err != nil {
		return fmt.Errorf("%w: %v", errTelephonyClosed, err)
	}
	return nil
}

func (b *Bridge) interrupt(s *CallSession, tel, mdl *lockedConn) error {
	tr, ok := s.Interrupt()
	if !ok {
		return nil
	}
	metrics.ObserveBargeIn()
	if err := mdl.writeJSON(itemTruncate{Type: evItemTruncate, ItemID: tr.ItemID, AudioEndMS: tr.AudioEndMS}); err != nil {
		return fmt.Errorf("%w: %v", errModelClosed, err)
	}
	streamID, _ := s.IDs()
	if streamID != "" {
		if err := tel.writeJSON(clearFrame(streamID)); err != nil {
			return fmt.Errorf("%w: %v", errTelephonyClosed, err)
		}
	}
	s.Resume()
	return nil
}

func (b *Bridge) relayFunctionCall(ctx context.Context, s *CallSession, mdl *lockedConn, ev modelEvent) error {
	streamID, callID := s.IDs()
	out := b.dispatcher.Dispatch(ctx, tools.Call{Name: ev.Name, CallID: ev.CallID, Arguments: ev.Arguments},
		tools.SessionContext{StreamID: streamID, CallID: callID})

	if err := mdl.writeJSON(functionOutput(ev.CallID, out.Output())); err != nil {
		return fmt.Errorf("%w: %v", errModelClosed, err)
	}
	if out.Terminate {
		s.Terminate()
		return errTerminated
	}
	if err := mdl.writeJSON(responseCreate{Type: evResponseCreate}); err != nil {
		return fmt.Errorf("%w: %v", errModelClosed, err)
	}
	return nil
}
