// Package users keeps the people bookings are made for in a JSON file.
package users

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/rs/zerolog"

	"github.com/example/slot-scheduler/internal/auth"
	"github.com/example/slot-scheduler/internal/domain/user"
)

var ErrNotFound = errors.New("user not found")

// record is the on-disk shape of one user.
type record struct {
	ID       int64  `json:"id"`
	Name     string `json:"name"`
	Email    string `json:"email"`
	Password string `json:"password"`
}

type Store struct {
	path   string
	sealer *auth.Sealer
	log    zerolog.Logger

	mu sync.Mutex
}

// New returns a store backed by path. sealer may be nil, in which case
// passwords are stored as given.
func New(path string, sealer *auth.Sealer, log zerolog.Logger) *Store {
	return &Store{path: path, sealer: sealer, log: log.With().Str("component", "users").Logger()}
}

// GetAll reads the file on every call so edits made while the server runs are picked up.
func (s *Store) GetAll(ctx context.Context) ([]user.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	recs, err := s.load()
	if err != nil {
		return nil, err
	}
	out := make([]user.User, 0, len(recs))
	for _, r := range recs {
		u, err := s.toUser(r)
		if err != nil {
			return nil, err
		}
		out = append(out, u)
	}
	return out, nil
}

func (s *Store) GetByID(ctx context.Context, id int64) (user.User, error) {
	all, err := s.GetAll(ctx)
	if err != nil {
		return user.User{}, err
	}
	for _, u := range all {
		if u.ID == id {
			return u, nil
		}
	}
	return user.User{}, fmt.Errorf("%w: %d", ErrNotFound, id)
}

// Add appends u with the next free id and returns it.
func (s *Store) Add(ctx context.Context, u user.User) (user.User, error) {
	if err := u.Validate(); err != nil {
		return user.User{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	recs, err := s.load()
	if err != nil {
		return user.User{}, err
	}
	var maxID int64
	for _, r := range recs {
		if r.ID > maxID {
			maxID = r.ID
		}
	}
	u.ID = maxID + 1

	pw := u.Credentials.Password
	if s.sealer != nil {
		if pw, err = s.sealer.Seal(sealName(u.Credentials.Email), pw); err != nil {
			return user.User{}, fmt.Errorf("seal password: %w", err)
		}
	}
	recs = append(recs, record{ID: u.ID, Name: u.Name, Email: u.Credentials.Email, Password: pw})
	if err := s.save(recs); err != nil {
		return user.User{}, err
	}
	s.log.Info().Int64("user_id", u.ID).Str("user", u.Name).Msg("user added")
	return u, nil
}

func (s *Store) toUser(r record) (user.User, error) {
	pw := r.Password
	if auth.IsSealed(pw) {
		if s.sealer == nil {
			return user.User{}, fmt.Errorf("user %d: password is sealed but no credential keys are configured", r.ID)
		}
		var err error
		if pw, err = s.sealer.Open(sealName(r.Email), pw); err != nil {
			return user.User{}, fmt.Errorf("user %d: open password: %w", r.ID, err)
		}
	}
	return user.User{
		ID:          r.ID,
		Name:        r.Name,
		Credentials: user.Credentials{Email: r.Email, Password: pw},
	}, nil
}

func (s *Store) load() ([]record, error) {
	b, err := os.ReadFile(s.path)
	if errors.Is(err, os.ErrNotExist) {
		s.log.Warn().Str("path", s.path).Msg("users file not found, creating an empty one")
		if err := s.save(nil); err != nil {
			return nil, err
		}
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	var recs []record
	if err := json.Unmarshal(b, &recs); err != nil {
		return nil, fmt.Errorf("parse %s: %w", s.path, err)
	}
	// entries written by hand may omit ids; they are numbered after the
	// largest explicit one
	seen := make(map[int64]bool, len(recs))
	var maxID int64
	for _, r := range recs {
		if r.ID == 0 {
			continue
		}
		if r.ID < 0 || seen[r.ID] {
			return nil, fmt.Errorf("parse %s: duplicate or invalid user id %d", s.path, r.ID)
		}
		seen[r.ID] = true
		maxID = max(maxID, r.ID)
	}
	for i := range recs {
		if recs[i].ID == 0 {
			maxID++
			recs[i].ID = maxID
		}
	}
	return recs, nil
}

func (s *Store) save(recs []record) error {
	if recs == nil {
		recs = []record{}
	}
	b, err := json.MarshalIndent(recs, "", "  ")
	if err != nil {
		return err
	}
	if dir := filepath.Dir(s.path); dir != "." {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return err
		}
	}
	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, b, 0o600); err != nil {
		return err
	}
	return os.Rename(tmp, s.path)
}

func sealName(email string) string { return "password:" + email }
