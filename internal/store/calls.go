package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// Call is one row of the call log.
type Call struct {
	CallSID         string     `json:"callSid"`
	StreamSID       string     `json:"streamSid,omitempty"`
	From            string     `json:"from,omitempty"`
	To              string     `json:"to,omitempty"`
	ForwardedFrom   string     `json:"forwardedFrom,omitempty"`
	BusinessID      int64      `json:"businessId,omitempty"`
	Status          string     `json:"status,omitempty"`
	Outcome         string     `json:"outcome,omitempty"`
	DurationSeconds int        `json:"durationSeconds,omitempty"`
	StartedAt       time.Time  `json:"startedAt"`
	EndedAt         *time.Time `json:"endedAt,omitempty"`
	UpdatedAt       time.Time  `json:"updatedAt"`
}

// Delivery is one notification attempt.
type Delivery struct {
	ID        int64     `json:"id"`
	Channel   string    `json:"channel"`
	Template  string    `json:"template"`
	Recipient string    `json:"recipient,omitempty"`
	Subject   string    `json:"subject,omitempty"`
	EventID   string    `json:"eventId,omitempty"`
	Success   bool      `json:"success"`
	Error     string    `json:"error,omitempty"`
	CreatedAt time.Time `json:"createdAt"`
}

// PurgeResult counts the rows removed by PurgeBefore.
type PurgeResult struct {
	Calls      int64 `json:"calls"`
	Snapshots  int64 `json:"snapshots"`
	Deliveries int64 `json:"deliveries"`
}

// StartCall records that the bridge picked up a call stream.
func (s *Store) StartCall(ctx context.Context, call *Call) error {
	if call.CallSID == "" {
		return errors.New("call sid required")
	}
	now := time.Now().UTC()
	if call.StartedAt.IsZero() {
		call.StartedAt = now
	}
	call.StartedAt = call.StartedAt.UTC()
	call.UpdatedAt = now
	if call.Status == "" {
		call.Status = "in-progress"
	}
	var businessID interface{}
	if call.BusinessID != 0 {
		businessID = call.BusinessID
	}
	_, err := s.exec(ctx, `INSERT INTO calls (call_sid, stream_sid, from_number, to_number, forwarded_from, business_id, status, started_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (call_sid) DO UPDATE SET
			stream_sid=excluded.stream_sid, from_number=excluded.from_number, to_number=excluded.to_number,
			forwarded_from=excluded.forwarded_from, business_id=excluded.business_id, status=excluded.status,
			updated_at=excluded.updated_at`,
		call.CallSID, call.StreamSID, call.From, call.To, call.ForwardedFrom, businessID, call.Status, call.StartedAt, call.UpdatedAt,
	)
	return err
}

// FinishCall stamps the end of a bridged call with how it ended.
func (s *Store) FinishCall(ctx context.Context, callSID, outcome string, endedAt time.Time) error {
	endedAt = endedAt.UTC()
	res, err := s.exec(ctx, `UPDATE calls SET outcome=?, ended_at=?, updated_at=? WHERE call_sid=?`,
		outcome, endedAt, endedAt, callSID)
	if err != nil {
		return err
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return ErrNotFound
	}
	return nil
}

// UpdateCallStatus applies a provider status callback. Unknown calls are inserted.
func (s *Store) UpdateCallStatus(ctx context.Context, callSID, status string, durationSeconds int) error {
	if callSID == "" {
		return errors.New("call sid required")
	}
	now := time.Now().UTC()
	_, err := s.exec(ctx, `INSERT INTO calls (call_sid, status, duration_seconds, started_at, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (call_sid) DO UPDATE SET
			status=excluded.status, duration_seconds=excluded.duration_seconds, updated_at=excluded.updated_at`,
		callSID, status, durationSeconds, now, now,
	)
	return err
}

// ListCalls returns the newest calls first.
func (s *Store) ListCalls(ctx context.Context, limit int) ([]Call, error) {
	rows, err := s.query(ctx, `SELECT call_sid, stream_sid, from_number, to_number, forwarded_from, business_id,
		status, outcome, duration_seconds, started_at, ended_at, updated_at
		FROM calls ORDER BY started_at DESC`+limitClause(limit))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var calls []Call
	for rows.Next() {
		var (
			c                                      Call
			stream, from, to, fwd, status, outcome sql.NullString
			businessID, duration                   sql.NullInt64
			ended                                  sql.NullTime
		)
		if err := rows.Scan(&c.CallSID, &stream, &from, &to, &fwd, &businessID,
			&status, &outcome, &duration, &c.StartedAt, &ended, &c.UpdatedAt); err != nil {
			return nil, err
		}
		c.StreamSID, c.From, c.To, c.ForwardedFrom = stream.String, from.String, to.String, fwd.String
		c.Status, c.Outcome = status.String, outcome.String
		c.BusinessID = businessID.Int64
		c.DurationSeconds = int(duration.Int64)
		if ended.Valid {
			t := ended.Time
			c.EndedAt = &t
		}
		calls = append(calls, c)
	}
	return calls, rows.Err()
}

// SaveSnapshot stores the latest session snapshot for a stream.
func (s *Store) SaveSnapshot(ctx context.Context, streamSID, callSID string, snapshot map[string]interface{}) error {
	if streamSID == "" {
		return errors.New("stream sid required")
	}
	payload, err := json.Marshal(snapshot)
	if err != nil {
		return err
	}
	_, err = s.exec(ctx, `INSERT INTO session_snapshots (stream_sid, call_sid, payload, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT (stream_sid) DO UPDATE SET
			call_sid=excluded.call_sid, payload=excluded.payload, updated_at=excluded.updated_at`,
		streamSID, callSID, string(payload), time.Now().UTC(),
	)
	return err
}

// GetSnapshot loads the latest snapshot for a stream.
func (s *Store) GetSnapshot(ctx context.Context, streamSID string) (map[string]interface{}, error) {
	var payload string
	err := s.queryRow(ctx, `SELECT payload FROM session_snapshots WHERE stream_sid=?`, streamSID).Scan(&payload)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	var snapshot map[string]interface{}
	if err := json.Unmarshal([]byte(payload), &snapshot); err != nil {
		return nil, fmt.Errorf("decode snapshot: %w", err)
	}
	return snapshot, nil
}

// RecordDelivery appends a notification attempt to the audit log.
func (s *Store) RecordDelivery(ctx context.Context, d *Delivery) error {
	if d.CreatedAt.IsZero() {
		d.CreatedAt = time.Now()
	}
	d.CreatedAt = d.CreatedAt.UTC()
	return s.queryRow(ctx, `INSERT INTO deliveries (channel, template, recipient, subject, event_id, success, error, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?) RETURNING id`,
		d.Channel, d.Template, d.Recipient, d.Subject, d.EventID, d.Success, d.Error, d.CreatedAt,
	).Scan(&d.ID)
}

// ListDeliveries returns the newest delivery attempts first.
func (s *Store) ListDeliveries(ctx context.Context, limit int) ([]Delivery, error) {
	rows, err := s.query(ctx, `SELECT id, channel, template, recipient, subject, event_id, success, error, created_at
		FROM deliveries ORDER BY id DESC`+limitClause(limit))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Delivery
	for rows.Next() {
		var d Delivery
		var recipient, subject, eventID, errText sql.NullString
		if err := rows.Scan(&d.ID, &d.Channel, &d.Template, &recipient, &subject, &eventID, &d.Success, &errText, &d.CreatedAt); err != nil {
			return nil, err
		}
		d.Recipient, d.Subject, d.EventID, d.Error = recipient.String, subject.String, eventID.String, errText.String
		out = append(out, d)
	}
	return out, rows.Err()
}

// PurgeBefore deletes call log rows, snapshots and deliveries older than cutoff.
func (s *Store) PurgeBefore(ctx context.Context, cutoff time.Time) (PurgeResult, error) {
	cutoff = cutoff.UTC()
	var res PurgeResult
	steps := []struct {
		query string
		count *int64
	}{
		{`DELETE FROM calls WHERE updated_at < ?`, &res.Calls},
		{`DELETE FROM session_snapshots WHERE updated_at < ?`, &res.Snapshots},
		{`DELETE FROM deliveries WHERE created_at < ?`, &res.Deliveries},
	}
	for _, step := range steps {
		r, err := s.exec(ctx, step.query, cutoff)
		if err != nil {
			return res, err
		}
		if n, err := r.RowsAffected(); err == nil {
			*step.count = n
		}
	}
	return res, nil
}
