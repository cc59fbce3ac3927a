package bridge

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
)

// Telephony (Twilio Media Streams) frame types.
const (
	frameConnected = "connected"
	frameStart     = "start"
	frameMedia     = "media"
	frameMark      = "mark"
	frameStop      = "stop"
	frameClear     = "clear"
)

type telephonyFrame struct {
	Event     string          `json:"event"`
	StreamSID string          `json:"streamSid,omitempty"`
	Start     *telephonyStart `json:"start,omitempty"`
	Media     *telephonyMedia `json:"media,omitempty"`
	Mark      *telephonyMark  `json:"mark,omitempty"`
}

type telephonyStart struct {
	StreamSID        string            `json:"streamSid"`
	CallSID          string            `json:"callSid"`
	AccountSID       string            `json:"accountSid,omitempty"`
	CustomParameters map[string]string `json:"customParameters,omitempty"`
}

type telephonyMedia struct {
	Track     string `json:"track,omitempty"`
	Timestamp millis `json:"timestamp"`
	Payload   string `json:"payload"`
}

type telephonyMark struct {
	Name string `json:"name"`
}

// millis is a media timestamp. Twilio sends it as a decimal string.
type millis int64

func (m *millis) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if len(b) == 0 || bytes.Equal(b, []byte("null")) {
		*m = 0
		return nil
	}
	if b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		if s == "" {
			*m = 0
			return nil
		}
		b = []byte(s)
	}
	v, err := strconv.ParseInt(string(b), 10, 64)
	if err != nil {
		return fmt.Errorf("media timestamp %q: %w", string(b), err)
	}
	*m = millis(v)
	return nil
}

func decodeTelephonyFrame(data []byte) (telephonyFrame, error) {
	var f telephonyFrame
	if err := json.Unmarshal(data, &f); err != nil {
		return f, err
	}
	if f.Event == "" {
		return f, fmt.Errorf("frame without event")
	}
	return f, nil
}

func mediaFrame(streamSID, payload string) telephonyFrame {
	return telephonyFrame{Event: frameMedia, StreamSID: streamSID, Media: &telephonyMedia{Payload: payload}}
}

func markFrame(streamSID, name string) telephonyFrame {
	return telephonyFrame{Event: frameMark, StreamSID: streamSID, Mark: &telephonyMark{Name: name}}
}

func clearFrame(streamSID string) telephonyFrame {
	return telephonyFrame{Event: frameClear, StreamSID: streamSID}
}

// MarshalJSON drops the inbound-only timestamp from outbound media frames.
func (m telephonyMedia) MarshalJSON() ([]byte, error) {
	return json.Marshal(struct {
		Payload string `json:"payload"`
	}{Payload: m.Payload})
}
