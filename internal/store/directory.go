package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Owner is the person a business's calls are answered for.
type Owner struct {
	ID        int64     `json:"id"`
	Name      string    `json:"name"`
	Email     string    `json:"email,omitempty"`
	Phone     string    `json:"phone,omitempty"`
	Status    string    `json:"status,omitempty"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// Business is a directory entry, keyed by the number its calls are forwarded from.
type Business struct {
	ID             int64    `json:"id"`
	OwnerID        int64    `json:"ownerId"`
	Name           string   `json:"name"`
	Email          string   `json:"email,omitempty"`
	Scope          string   `json:"scope,omitempty"`
	Hours          string   `json:"hours,omitempty"`
	CalloutPhone   string   `json:"calloutPhone"`
	WebpageURL     string   `json:"webpageUrl,omitempty"`
	Description    string   `json:"description,omitempty"`
	Tagline        string   `json:"tagline,omitempty"`
	Address        string   `json:"address,omitempty"`
	City           string   `json:"city,omitempty"`
	State          string   `json:"state,omitempty"`
	Country        string   `json:"country,omitempty"`
	WhatsAppNumber string   `json:"whatsappNumber,omitempty"`
	Services       []string `json:"services,omitempty"`
	ActivityAreas  []string `json:"activityAreas,omitempty"`
}

// CallContext is what the bridge needs to personalize a call.
type CallContext struct {
	Business Business `json:"business"`
	Owner    Owner    `json:"owner"`
}

// UpsertOwner inserts the owner, or updates the existing row with the same email.
func (s *Store) UpsertOwner(ctx context.Context, owner *Owner) error {
	if strings.TrimSpace(owner.Name) == "" {
		return errors.New("owner name required")
	}
	now := time.Now().UTC()
	owner.UpdatedAt = now

	if owner.ID == 0 && owner.Email != "" {
		var id int64
		err := s.queryRow(ctx, `SELECT id FROM owners WHERE email=? ORDER BY id LIMIT 1`, owner.Email).Scan(&id)
		switch {
		case err == nil:
			owner.ID = id
		case !errors.Is(err, sql.ErrNoRows):
			return fmt.Errorf("lookup owner: %w", err)
		}
	}

	if owner.ID != 0 {
		_, err := s.exec(ctx, `UPDATE owners SET name=?, email=?, phone=?, status=?, updated_at=? WHERE id=?`,
			owner.Name, owner.Email, owner.Phone, owner.Status, owner.UpdatedAt, owner.ID)
		return err
	}

	owner.CreatedAt = now
	return s.queryRow(ctx, `INSERT INTO owners (name, email, phone, status, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?) RETURNING id`,
		owner.Name, owner.Email, owner.Phone, owner.Status, owner.CreatedAt, owner.UpdatedAt,
	).Scan(&owner.ID)
}

// GetOwner loads an owner by id.
func (s *Store) GetOwner(ctx context.Context, id int64) (*Owner, error) {
	var o Owner
	var email, phone, status sql.NullString
	err := s.queryRow(ctx, `SELECT id, name, email, phone, status, created_at, updated_at FROM owners WHERE id=?`, id).
		Scan(&o.ID, &o.Name, &email, &phone, &status, &o.CreatedAt, &o.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	o.Email, o.Phone, o.Status = email.String, phone.String, status.String
	return &o, nil
}

// UpsertBusiness writes the business keyed by callout phone, replacing its
// services and activity areas.
func (s *Store) UpsertBusiness(ctx context.Context, b *Business) error {
	if b.OwnerID == 0 {
		return errors.New("business owner id required")
	}
	if strings.TrimSpace(b.CalloutPhone) == "" {
		return errors.New("business callout phone required")
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	err = tx.QueryRowContext(ctx, s.rebind(`INSERT INTO businesses
		(owner_id, name, email, scope, hours, callout_phone, webpage_url, description, tagline, address, city, state, country, whatsapp_number)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (callout_phone) DO UPDATE SET
			owner_id=excluded.owner_id, name=excluded.name, email=excluded.email, scope=excluded.scope,
			hours=excluded.hours, webpage_url=excluded.webpage_url, description=excluded.description,
			tagline=excluded.tagline, address=excluded.address, city=excluded.city, state=excluded.state,
			country=excluded.country, whatsapp_number=excluded.whatsapp_number
		RETURNING id`),
		b.OwnerID, b.Name, b.Email, b.Scope, b.Hours, b.CalloutPhone, b.WebpageURL, b.Description,
		b.Tagline, b.Address, b.City, b.State, b.Country, b.WhatsAppNumber,
	).Scan(&b.ID)
	if err != nil {
		return fmt.Errorf("upsert business: %w", err)
	}

	if _, err := tx.ExecContext(ctx, s.rebind(`DELETE FROM business_services WHERE business_id=?`), b.ID); err != nil {
		return err
	}
	for _, svc := range b.Services {
		if _, err := tx.ExecContext(ctx, s.rebind(`INSERT INTO business_services (business_id, service) VALUES (?, ?)`), b.ID, svc); err != nil {
			return err
		}
	}
	if _, err := tx.ExecContext(ctx, s.rebind(`DELETE FROM business_activity_areas WHERE business_id=?`), b.ID); err != nil {
		return err
	}
	for _, area := range b.ActivityAreas {
		if _, err := tx.ExecContext(ctx, s.rebind(`INSERT INTO business_activity_areas (business_id, activity_area) VALUES (?, ?)`), b.ID, area); err != nil {
			return err
		}
	}
	return tx.Commit()
}

// BusinessByPhone finds the business whose callout phone matches.
func (s *Store) BusinessByPhone(ctx context.Context, phone string) (*Business, error) {
	phone = strings.TrimSpace(phone)
	if phone == "" {
		return nil, ErrNotFound
	}
	var (
		b                                                   Business
		email, scope, hours, web, desc, tagline, addr, city sql.NullString
		state, country, whatsapp                            sql.NullString
	)
	err := s.queryRow(ctx, `SELECT id, owner_id, name, email, scope, hours, callout_phone, webpage_url, description,
		tagline, address, city, state, country, whatsapp_number FROM businesses WHERE callout_phone=?`, phone).
		Scan(&b.ID, &b.OwnerID, &b.Name, &email, &scope, &hours, &b.CalloutPhone, &web, &desc,
			&tagline, &addr, &city, &state, &country, &whatsapp)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	b.Email, b.Scope, b.Hours, b.WebpageURL = email.String, scope.String, hours.String, web.String
	b.Description, b.Tagline, b.Address, b.City = desc.String, tagline.String, addr.String, city.String
	b.State, b.Country, b.WhatsAppNumber = state.String, country.String, whatsapp.String

	if b.Services, err = s.stringColumn(ctx, `SELECT service FROM business_services WHERE business_id=? ORDER BY service`, b.ID); err != nil {
		return nil, err
	}
	if b.ActivityAreas, err = s.stringColumn(ctx, `SELECT activity_area FROM business_activity_areas WHERE business_id=? ORDER BY activity_area`, b.ID); err != nil {
		return nil, err
	}
	return &b, nil
}

// CallContext resolves the business and owner for a forwarded-from number.
func (s *Store) CallContext(ctx context.Context, phone string) (*CallContext, error) {
	b, err := s.BusinessByPhone(ctx, phone)
	if err != nil {
		return nil, err
	}
	o, err := s.GetOwner(ctx, b.OwnerID)
	if err != nil {
		return nil, fmt.Errorf("owner of business %d: %w", b.ID, err)
	}
	return &CallContext{Business: *b, Owner: *o}, nil
}

// KnownBusinessEmail reports whether email belongs to a listed business or owner.
func (s *Store) KnownBusinessEmail(ctx context.Context, email string) (bool, error) {
	email = strings.ToLower(strings.TrimSpace(email))
	if email == "" {
		return false, nil
	}
	var n int
	err := s.queryRow(ctx, `SELECT
		(SELECT COUNT(*) FROM businesses WHERE LOWER(email)=?) +
		(SELECT COUNT(*) FROM owners WHERE LOWER(email)=?)`, email, email).Scan(&n)
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func (s *Store) stringColumn(ctx context.Context, query string, args ...interface{}) ([]string, error) {
	rows, err := s.query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []string
	for rows.Next() {
		var v string
		if err := rows.Scan(&v); err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, rows.Err()
}
