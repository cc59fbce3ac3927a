// Package twilio wraps the Twilio REST SDK for the call and messaging
// operations the voice agent uses, and renders TwiML.
package twilio

import (
	"context"
	"errors"

	twiliosdk "github.com/twilio/twilio-go"
	openapi "github.com/twilio/twilio-go/rest/api/v2010"
)

// Call statuses reported by the provider.
const (
	CallStatusQueued     = "queued"
	CallStatusRinging    = "ringing"
	CallStatusInProgress = "in-progress"
	CallStatusCompleted  = "completed"
	CallStatusBusy       = "busy"
	CallStatusFailed     = "failed"
	CallStatusNoAnswer   = "no-answer"
	CallStatusCanceled   = "canceled"
)

// ErrNotConfigured is returned when account credentials are missing.
var ErrNotConfigured = errors.New("twilio credentials not configured")

// Call is the subset of the call resource the bridge reads.
type Call struct {
	SID           string `json:"sid"`
	From          string `json:"from"`
	To            string `json:"to"`
	ForwardedFrom string `json:"forwarded_from"`
	Status        string `json:"status"`
	Direction     string `json:"direction"`
}

// restAPI is the part of the 2010-04-01 API service the client calls.
type restAPI interface {
	FetchCall(sid string, params *openapi.FetchCallParams) (*openapi.ApiV2010Call, error)
	UpdateCall(sid string, params *openapi.UpdateCallParams) (*openapi.ApiV2010Call, error)
	CreateMessage(params *openapi.CreateMessageParams) (*openapi.ApiV2010Message, error)
}

// Client talks to the Twilio REST API.
type Client struct {
	AccountSID string
	AuthToken  string

	api restAPI
}

// NewClient builds a client backed by the Twilio SDK.
func NewClient(accountSID, authToken string) *Client {
	rest := twiliosdk.NewRestClientWithParams(twiliosdk.ClientParams{
		Username: accountSID,
		Password: authToken,
	})
	return newClient(accountSID, authToken, rest.Api)
}

func newClient(accountSID, authToken string, api restAPI) *Client {
	return &Client{AccountSID: accountSID, AuthToken: authToken, api: api}
}

// Configured reports whether credentials are present.
func (c *Client) Configured() bool {
	return c != nil && c.AccountSID != "" && c.AuthToken != ""
}

// FetchCall loads a call resource.
func (c *Client) FetchCall(ctx context.Context, callSID string) (*Call, error) {
	if callSID == "" {
		return nil, errors.New("call sid required")
	}
	var resource *openapi.ApiV2010Call
	err := c.run(ctx, func() error {
		var err error
		resource, err = c.api.FetchCall(callSID, &openapi.FetchCallParams{})
		return err
	})
	if err != nil {
		return nil, err
	}
	return &Call{
		SID:           deref(resource.Sid),
		From:          deref(resource.From),
		To:            deref(resource.To),
		ForwardedFrom: deref(resource.ForwardedFrom),
		Status:        deref(resource.Status),
		Direction:     deref(resource.Direction),
	}, nil
}

// Hangup ends an in-progress call.
func (c *Client) Hangup(ctx context.Context, callSID string) error {
	if callSID == "" {
		return errors.New("call sid required")
	}
	params := &openapi.UpdateCallParams{}
	params.SetStatus(CallStatusCompleted)
	return c.run(ctx, func() error {
		_, err := c.api.UpdateCall(callSID, params)
		return err
	})
}

// SendMessage sends a text message and returns its SID. WhatsApp numbers are
// prefixed with "whatsapp:" by the caller.
func (c *Client) SendMessage(ctx context.Context, from, to, body string) (string, error) {
	if to == "" {
		return "", errors.New("message recipient required")
	}
	params := &openapi.CreateMessageParams{}
	params.SetFrom(from)
	params.SetTo(to)
	params.SetBody(body)
	var msg *openapi.ApiV2010Message
	err := c.run(ctx, func() error {
		var err error
		msg, err = c.api.CreateMessage(params)
		return err
	})
	if err != nil {
		return "", err
	}
	return deref(msg.Sid), nil
}

// run calls the SDK, which takes no context, and stops waiting once ctx ends.
func (c *Client) run(ctx context.Context, call func() error) error {
	if !c.Configured() || c.api == nil {
		return ErrNotConfigured
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	done := make(chan error, 1)
	go func() {
		done <- call()
	}()
	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
