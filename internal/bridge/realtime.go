package bridge

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/danielsht11/riley/internal/tools"
)

// DefaultModelURL is the realtime speech model endpoint.
const DefaultModelURL = "wss://api.openai.com/v1/realtime?model=gpt-4o-realtime-preview-2025-06-03"

// Model event types.
const (
	evSessionUpdate         = "session.update"
	evAudioAppend           = "input_audio_buffer.append"
	evItemTruncate          = "conversation.item.truncate"
	evItemCreate            = "conversation.item.create"
	evResponseCreate        = "response.create"
	evAudioDelta            = "response.audio.delta"
	evFunctionArgumentsDone = "response.function_call_arguments.done"
	evSpeechStarted         = "input_audio_buffer.speech_started"
	evError                 = "error"
)

// informational model events worth a log line.
var loggedModelEvents = map[string]bool{
	"response.content.done":             true,
	"rate_limits.updated":               true,
	"response.done":                     true,
	"input_audio_buffer.committed":      true,
	"input_audio_buffer.speech_stopped": true,
	"session.created":                   true,
}

const audioFormat = "g711_ulaw"

type modelEvent struct {
	Type      string      `json:"type"`
	EventID   string      `json:"event_id,omitempty"`
	Delta     string      `json:"delta,omitempty"`
	ItemID    string      `json:"item_id,omitempty"`
	Name      string      `json:"name,omitempty"`
	CallID    string      `json:"call_id,omitempty"`
	Arguments string      `json:"arguments,omitempty"`
	Error     *modelError `json:"error,omitempty"`
}

type modelError struct {
	Type    string `json:"type,omitempty"`
	Code    string `json:"code,omitempty"`
	Message string `json:"message,omitempty"`
}

func decodeModelEvent(data []byte) (modelEvent, error) {
	var ev modelEvent
	if err := json.Unmarshal(data, &ev); err != nil {
		return ev, err
	}
	if ev.Type == "" {
		return ev, fmt.Errorf("event without type")
	}
	return ev, nil
}

type sessionUpdate struct {
	Type    string        `json:"type"`
	Session sessionConfig `json:"session"`
}

type sessionConfig struct {
	TurnDetection     turnDetection      `json:"turn_detection"`
	InputAudioFormat  string             `json:"input_audio_format"`
	OutputAudioFormat string             `json:"output_audio_format"`
	Voice             string             `json:"voice"`
	Instructions      string             `json:"instructions"`
	Modalities        []string           `json:"modalities"`
	Temperature       float64            `json:"temperature"`
	Tools             []tools.Definition `json:"tools"`
	ToolChoice        string             `json:"tool_choice,omitempty"`
}

type turnDetection struct {
	Type string `json:"type"`
}

type audioAppend struct {
	Type  string `json:"type"`
	Audio string `json:"audio"`
}

type itemTruncate struct {
	Type         string `json:"type"`
	ItemID       string `json:"item_id"`
	ContentIndex int    `json:"content_index"`
	AudioEndMS   int64  `json:"audio_end_ms"`
}

type itemCreate struct {
	Type string       `json:"type"`
	Item functionItem `json:"item"`
}

type functionItem struct {
	Type   string `json:"type"`
	CallID string `json:"call_id"`
	Output string `json:"output"`
}

type responseCreate struct {
	Type string `json:"type"`
}

func newSessionUpdate(p Profile, instructions string, defs []tools.Definition) sessionUpdate {
	return sessionUpdate{
		Type: evSessionUpdate,
		Session: sessionConfig{
			TurnDetection:     turnDetection{Type: "server_vad"},
			InputAudioFormat:  audioFormat,
			OutputAudioFormat: audioFormat,
			Voice:             p.Voice,
			Instructions:      instructions,
			Modalities:        []string{"text", "audio"},
			Temperature:       p.Temperature,
			Tools:             defs,
			ToolChoice:        "auto",
		},
	}
}

func functionOutput(callID, output string) itemCreate {
	return itemCreate{
		Type: evItemCreate,
		Item: functionItem{Type: "function_call_output", CallID: callID, Output: output},
	}
}

// DialModel opens the model session socket.
func DialModel(ctx context.Context, url, apiKey string) (*websocket.Conn, error) {
	if url == "" {
		url = DefaultModelURL
	}
	header := http.Header{}
	header.Set("Authorization", "Bearer "+apiKey)
	header.Set("OpenAI-Beta", "realtime=v1")

	dialer := *websocket.DefaultDialer
	dialer.HandshakeTimeout = 15 * time.Second
	conn, resp, err := dialer.DialContext(ctx, url, header)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("dial model: %w (status %d)", err, resp.StatusCode)
		}
		return nil, fmt.Errorf("dial model: %w", err)
	}
	return conn, nil
}
