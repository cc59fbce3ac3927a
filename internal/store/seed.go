package store

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"sigs.k8s.io/yaml"
)

// Seed is the directory file format: owners, each with the businesses they run.
type Seed struct {
	Owners []SeedOwner `json:"owners"`
}

// SeedOwner is one owner entry in a seed file.
type SeedOwner struct {
	Name       string     `json:"name"`
	Email      string     `json:"email,omitempty"`
	Phone      string     `json:"phone,omitempty"`
	Status     string     `json:"status,omitempty"`
	Businesses []Business `json:"businesses,omitempty"`
}

// LoadSeed parses a YAML (or JSON) directory seed file.
func LoadSeed(path string) (*Seed, error) {
	data, err := os.ReadFile(filepath.Clean(path))
	if err != nil {
		return nil, fmt.Errorf("failed to read seed file: %w", err)
	}
	var seed Seed
	if err := yaml.UnmarshalStrict(data, &seed); err != nil {
		return nil, fmt.Errorf("failed to parse seed file: %w", err)
	}
	return &seed, nil
}

// ApplySeed upserts every owner and business in the seed. It returns the
// number of businesses written.
func (s *Store) ApplySeed(ctx context.Context, seed *Seed) (int, error) {
	if seed == nil {
		return 0, nil
	}
	written := 0
	for _, so := range seed.Owners {
		owner := &Owner{Name: so.Name, Email: so.Email, Phone: so.Phone, Status: so.Status}
		if err := s.UpsertOwner(ctx, owner); err != nil {
			return written, fmt.Errorf("seed owner %q: %w", so.Name, err)
		}
		for i := range so.Businesses {
			b := so.Businesses[i]
			b.ID = 0
			b.OwnerID = owner.ID
			if err := s.UpsertBusiness(ctx, &b); err != nil {
				return written, fmt.Errorf("seed business %q: %w", b.Name, err)
			}
			written++
		}
	}
	return written, nil
}
