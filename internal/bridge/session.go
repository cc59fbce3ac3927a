package bridge

import (
	"sync"
	"time"
)

// State is the lifecycle stage of a call session.
type State int

const (
	StateConnecting State = iota
	StateAwaitingStart
	StateStreaming
	StateInterrupted
	StateClosing
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateAwaitingStart:
		return "awaiting_start"
	case StateStreaming:
		return "streaming"
	case StateInterrupted:
		return "interrupted"
	case StateClosing:
		return "closing"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// markName is the tag attached to every playback mark sent downstream.
const markName = "responsePart"

// Truncation tells the model how much of an utterance the caller heard.
type Truncation struct {
	ItemID     string
	AudioEndMS int64
}

// CallSession is the mutable state shared by the two pumps of one call.
// responseStart and lastItem are always set or unset together.
type CallSession struct {
	mu sync.Mutex

	state      State
	streamID   string
	callID     string
	startedAt  time.Time
	terminated bool

	latestMediaTS    int64
	responseStart    int64
	hasResponseStart bool
	lastItem         string
	marks            []string
}

// NewCallSession returns a session in the Connecting state.
func NewCallSession() *CallSession {
	return &CallSession{state: StateConnecting, startedAt: time.Now()}
}

// SessionState is a point-in-time copy of a CallSession.
type SessionState struct {
	State                  State
	StreamID               string
	CallID                 string
	LatestMediaTimestamp   int64
	ResponseStartTimestamp *int64
	LastAssistantItem      string
	Marks                  []string
	Terminated             bool
}

// Snapshot copies the session fields.
func (s *CallSession) Snapshot() SessionState {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := SessionState{
		State:                s.state,
		StreamID:             s.streamID,
		CallID:               s.callID,
		LatestMediaTimestamp: s.latestMediaTS,
		LastAssistantItem:    s.lastItem,
		Marks:                append([]string(nil), s.marks...),
		Terminated:           s.terminated,
	}
	if s.hasResponseStart {
		start := s.responseStart
		out.ResponseStartTimestamp = &start
	}
	return out
}

func (s *CallSession) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *CallSession) setState(state State) {
	s.mu.Lock()
	s.state = state
	s.mu.Unlock()
}

// IDs returns the stream and call identifiers bound by the start frame.
func (s *CallSession) IDs() (streamID, callID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.streamID, s.callID
}

// Bind records the identifiers from the start frame and resets playback timing.
func (s *CallSession) Bind(streamID, callID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.streamID = streamID
	s.callID = callID
	s.latestMediaTS = 0
	s.responseStart = 0
	s.hasResponseStart = false
	s.lastItem = ""
	s.state = StateStreaming
}

// ObserveMedia advances the caller-side media clock.
func (s *CallSession) ObserveMedia(ts int64) {
	s.mu.Lock()
	s.latestMediaTS = ts
	s.mu.Unlock()
}

// BeginPlayback notes that audio for itemID is being played. The first delta of
// an utterance anchors the response start at the latest media timestamp. A
// delta for a different item re-anchors even when a start is already set.
func (s *CallSession) BeginPlayback(itemID string) {
	if itemID == "" {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.hasResponseStart && s.lastItem == itemID {
		return
	}
	s.responseStart = s.latestMediaTS
	s.hasResponseStart = true
	s.lastItem = itemID
}

// PushMark appends a playback mark tag.
func (s *CallSession) PushMark(name string) {
	s.mu.Lock()
	s.marks = append(s.marks, name)
	s.mu.Unlock()
}

// PopMark removes the oldest mark. An empty queue is a no-op.
func (s *CallSession) PopMark() (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.marks) == 0 {
		return "", false
	}
	name := s.marks[0]
	s.marks = s.marks[1:]
	return name, true
}

// Interrupt handles caller speech. When an utterance is in flight it returns
// the truncation to send, clears the marks and unsets playback tracking.
// Otherwise nothing changes and ok is false.
func (s *CallSession) Interrupt() (tr Truncation, ok bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.lastItem == "" {
		return Truncation{}, false
	}
	elapsed := s.latestMediaTS - s.responseStart
	if elapsed < 0 {
		elapsed = 0
	}
	tr = Truncation{ItemID: s.lastItem, AudioEndMS: elapsed}
	s.marks = nil
	s.lastItem = ""
	s.responseStart = 0
	s.hasResponseStart = false
	s.state = StateInterrupted
	return tr, true
}

// Resume returns an interrupted session to Streaming.
func (s *CallSession) Resume() {
	s.mu.Lock()
	if s.state == StateInterrupted {
		s.state = StateStreaming
	}
	s.mu.Unlock()
}

// Terminate records that a function call asked to end the call.
func (s *CallSession) Terminate() {
	s.mu.Lock()
	s.terminated = true
	s.state = StateClosing
	s.mu.Unlock()
}

func (s *CallSession) Terminated() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.terminated
}

// Duration reports how long the session has been open.
func (s *CallSession) Duration() time.Duration {
	return time.Since(s.startedAt)
}
