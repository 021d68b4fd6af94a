package db

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"

	log "github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"

	"github.com/ukydev/schoolbus-dispatch/internal/apperr"
	"github.com/ukydev/schoolbus-dispatch/internal/models"
)

// SeedUser is an account with a plaintext password, hashed on Apply.
type SeedUser struct {
	Username  string      `json:"username"`
	Password  string      `json:"password"`
	Email     string      `json:"email"`
	Role      models.Role `json:"role"`
	FirstName string      `json:"first_name"`
	LastName  string      `json:"last_name"`
}

// Seed is fixture data for development runs. Keys follow the JSON field names.
type Seed struct {
	Users      []SeedUser                `json:"users"`
	Drivers    []models.Driver           `json:"drivers"`
	Routes     []models.Route            `json:"routes"`
	Trips      []models.Trip             `json:"trips"`
	Attendance []models.AttendanceRecord `json:"attendance"`
}

// LoadSeed reads a YAML seed file.
func LoadSeed(path string) (*Seed, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read seed file: %w", err)
	}
	return ParseSeed(data)
}

// ParseSeed decodes YAML seed data.
func ParseSeed(data []byte) (*Seed, error) {
	var raw map[string]any
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("parse seed: %w", err)
	}
	// models carry JSON tags only, so go through JSON to reuse them
	b, err := json.Marshal(raw)
	if err != nil {
		return nil, fmt.Errorf("convert seed: %w", err)
	}
	var seed Seed
	if err := json.Unmarshal(b, &seed); err != nil {
		return nil, fmt.Errorf("decode seed: %w", err)
	}
	for _, u := range seed.Users {
		if !models.IsValidRole(u.Role) {
			return nil, fmt.Errorf("seed user %s: invalid role %q", u.Username, u.Role)
		}
	}
	return &seed, nil
}

// Apply loads the domain fixtures into mem (when not nil) and creates missing users.
func (s *Seed) Apply(ctx context.Context, mem *MemoryStore, users UserCollection, hash func(string) (string, error)) error {
	if mem != nil {
		mem.PutDriver(s.Drivers...)
		for _, r := range s.Routes {
			mem.PutRoute(r)
		}
		mem.PutTrip(s.Trips...)
		mem.PutAttendance(s.Attendance...)
	}

	created := 0
	for _, u := range s.Users {
		_, err := users.FindUserByUsername(ctx, u.Username)
		if err == nil {
			continue
		}
		if !errors.Is(err, apperr.ErrNotFound) {
			return err
		}
		pw, err := hash(u.Password)
		if err != nil {
			return err
		}
		if err := users.InsertUser(ctx, models.User{
			Username:     u.Username,
			Email:        u.Email,
			PasswordHash: pw,
			Role:         u.Role,
			FirstName:    u.FirstName,
			LastName:     u.LastName,
		}); err != nil {
			return fmt.Errorf("seed user %s: %w", u.Username, err)
		}
		created++
	}
	log.WithFields(log.Fields{
		"trips":   len(s.Trips),
		"routes":  len(s.Routes),
		"drivers": len(s.Drivers),
		"users":   created,
	}).Info("Seed data applied")
	return nil
}
