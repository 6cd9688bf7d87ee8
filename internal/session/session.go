package session

import (
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"fleetdash/internal/model"
)

// Keys written by the login flow.
const (
	KeyMail  = "userMail"
	KeyToken = "token"
	KeyRoles = "userRoles"
)

var ErrNoSession = errors.New("no session")

// KV is a string-only key-value store holding one user's session.
type KV interface {
	Get(key string) (string, error)
	Set(key, value string) error
}

// Context is the signed-in user's session, read once when a dashboard is
// built and passed to it explicitly.
type Context struct {
	Mail  string
	Token string
	Roles []model.Role
}

// Load reads the session out of kv. A missing mail means nobody is signed in.
func Load(kv KV) (Context, error) {
	mail, err := kv.Get(KeyMail)
	if err != nil {
		return Context{}, fmt.Errorf("read %s: %w", KeyMail, err)
	}
	if mail == "" {
		return Context{}, ErrNoSession
	}
	token, err := kv.Get(KeyToken)
	if err != nil {
		return Context{}, fmt.Errorf("read %s: %w", KeyToken, err)
	}
	rawRoles, err := kv.Get(KeyRoles)
	if err != nil {
		return Context{}, fmt.Errorf("read %s: %w", KeyRoles, err)
	}

	var roles []model.Role
	if rawRoles != "" {
		if err := json.Unmarshal([]byte(rawRoles), &roles); err != nil {
			return Context{}, fmt.Errorf("decode %s: %w", KeyRoles, err)
		}
	}
	return Context{Mail: mail, Token: token, Roles: roles}, nil
}

// Save writes a freshly signed-in session.
func Save(kv KV, c Context) error {
	if c.Mail == "" {
		return errors.New("missing mail")
	}
	roles := c.Roles
	if roles == nil {
		roles = []model.Role{}
	}
	raw, err := json.Marshal(roles)
	if err != nil {
		return err
	}
	if err := kv.Set(KeyMail, c.Mail); err != nil {
		return err
	}
	if err := kv.Set(KeyToken, c.Token); err != nil {
		return err
	}
	return kv.Set(KeyRoles, string(raw))
}

// Clear signs the user out by emptying the token and the role list. The
// mail is left in place.
func Clear(kv KV) error {
	if err := kv.Set(KeyToken, ""); err != nil {
		return err
	}
	return kv.Set(KeyRoles, "")
}

// MemoryStore is a KV kept in process memory.
type MemoryStore struct {
	mu   sync.RWMutex
	data map[string]string
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{data: make(map[string]string)}
}

func (m *MemoryStore) Get(key string) (string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.data[key], nil
}

func (m *MemoryStore) Set(key, value string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.data[key] = value
	return nil
}

// Provider hands out the session KV of a given user.
type Provider interface {
	Scope(user string) KV
}

// MemoryProvider keeps one MemoryStore per user.
type MemoryProvider struct {
	mu     sync.Mutex
	scopes map[string]*MemoryStore
}

func NewMemoryProvider() *MemoryProvider {
	return &MemoryProvider{scopes: make(map[string]*MemoryStore)}
}

func (p *MemoryProvider) Scope(user string) KV {
	p.mu.Lock()
	defer p.mu.Unlock()
	s, ok := p.scopes[user]
	if !ok {
		s = NewMemoryStore()
		p.scopes[user] = s
	}
	return s
}
