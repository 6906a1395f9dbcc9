// Package session holds the signed-in portal user: the persisted
// "currentUser" record, token decoding and role derivation, and the
// providers that hand the patient identity to the booking flow.
package session

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/goccy/go-json"
)

var unmarshalJSON = json.Unmarshal

// Session is the persisted "currentUser" record.
type Session struct {
	UserID   string `json:"userId"`
	Username string `json:"username"`
	Role     string `json:"role"`
	Token    string `json:"token"`
}

// IsPatient reports whether the session belongs to a patient.
func (s *Session) IsPatient() bool {
	return s != nil && s.Role == RolePatient
}

// Store persists the current session.
type Store interface {
	Load(ctx context.Context) (*Session, error)
	Save(ctx context.Context, s *Session) error
	Clear(ctx context.Context) error
}

// FileStore keeps the session as a JSON file readable only by the owner.
type FileStore struct {
	path string
	mu   sync.Mutex
}

func NewFileStore(path string) *FileStore {
	return &FileStore{path: path}
}

// Path returns the file backing the store.
func (f *FileStore) Path() string {
	return f.path
}

// Load returns ErrNoSession when the file does not exist.
func (f *FileStore) Load(_ context.Context) (*Session, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	data, err := os.ReadFile(f.path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, ErrNoSession
	}
	if err != nil {
		return nil, fmt.Errorf("read session file %s: %w", f.path, err)
	}
	var s Session
	if err := json.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("decode session file %s: %w", f.path, err)
	}
	return &s, nil
}

func (f *FileStore) Save(_ context.Context, s *Session) error {
	if s == nil {
		return errors.New("session is nil")
	}
	f.mu.Lock()
	defer f.mu.Unlock()

	data, err := json.MarshalIndent(s, "", "  ")
	if err != nil {
		return fmt.Errorf("encode session: %w", err)
	}
	if dir := filepath.Dir(f.path); dir != "" {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return fmt.Errorf("create session dir %s: %w", dir, err)
		}
	}
	tmp := f.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("write session file: %w", err)
	}
	if err := os.Rename(tmp, f.path); err != nil {
		return fmt.Errorf("replace session file: %w", err)
	}
	return nil
}

func (f *FileStore) Clear(_ context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := os.Remove(f.path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("remove session file: %w", err)
	}
	return nil
}

// MemoryStore is a Store for tests and single-process use.
type MemoryStore struct {
	mu      sync.RWMutex
	current *Session
}

func NewMemoryStore(initial *Session) *MemoryStore {
	m := &MemoryStore{}
	if initial != nil {
		s := *initial
		m.current = &s
	}
	return m
}

func (m *MemoryStore) Load(_ context.Context) (*Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.current == nil {
		return nil, ErrNoSession
	}
	s := *m.current
	return &s, nil
}

func (m *MemoryStore) Save(_ context.Context, s *Session) error {
	if s == nil {
		return errors.New("session is nil")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *s
	m.current = &cp
	return nil
}

func (m *MemoryStore) Clear(_ context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.current = nil
	return nil
}

type ctxKey struct{}

// WithSession returns a copy of ctx carrying s.
func WithSession(ctx context.Context, s *Session) context.Context {
	return context.WithValue(ctx, ctxKey{}, s)
}

// FromContext returns the session placed on ctx by WithSession, or nil.
func FromContext(ctx context.Context) *Session {
	s, _ := ctx.Value(ctxKey{}).(*Session)
	return s
}

// StoreProvider reads the patient identity from a Store on every call, so a
// login or logout elsewhere is picked up immediately.
type StoreProvider struct {
	store Store
}

func NewStoreProvider(store Store) *StoreProvider {
	return &StoreProvider{store: store}
}

func (p *StoreProvider) CurrentPatientID(ctx context.Context) (string, bool) {
	s, err := p.store.Load(ctx)
	if err != nil || s == nil || s.UserID == "" {
		return "", false
	}
	return s.UserID, true
}

func (p *StoreProvider) BearerToken(ctx context.Context) string {
	s, err := p.store.Load(ctx)
	if err != nil || s == nil {
		return ""
	}
	return s.Token
}

// ContextProvider reads the session attached to the request context by Middleware.
type ContextProvider struct{}

func (ContextProvider) CurrentPatientID(ctx context.Context) (string, bool) {
	s := FromContext(ctx)
	if s == nil || s.UserID == "" {
		return "", false
	}
	return s.UserID, true
}

func (ContextProvider) BearerToken(ctx context.Context) string {
	if s := FromContext(ctx); s != nil {
		return s.Token
	}
	return ""
}
