package auth

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"cmsgate.org/internal/ids"
)

var (
	_ AdminStore        = (*MemoryStore)(nil)
	_ RefreshTokenStore = (*MemoryRefreshStore)(nil)
)

// MemoryStore is an AdminStore kept in process memory. It backs tests and
// single-node development runs without a database.
type MemoryStore struct {
	mu        sync.RWMutex
	now       func() time.Time
	users     map[string]*User
	byEmail   map[string]string
	roles     map[RoleKey]*Role
	perms     map[PermissionKey]Permission
	userRoles map[string]map[RoleKey]struct{}
	history   map[string][]StatusHistory
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		now:       time.Now,
		users:     make(map[string]*User),
		byEmail:   make(map[string]string),
		roles:     make(map[RoleKey]*Role),
		perms:     make(map[PermissionKey]Permission),
		userRoles: make(map[string]map[RoleKey]struct{}),
		history:   make(map[string][]StatusHistory),
	}
}

func (m *MemoryStore) FindByEmail(_ context.Context, email string) (User, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	id, ok := m.byEmail[normalizeEmail(email)]
	if !ok {
		return User{}, ErrNotFound
	}
	return *m.users[id], nil
}

func (m *MemoryStore) FindByID(_ context.Context, id string) (User, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	u, ok := m.users[id]
	if !ok {
		return User{}, ErrNotFound
	}
	return *u, nil
}

func (m *MemoryStore) RecordLogin(_ context.Context, userID string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.users[userID]
	if !ok {
		return ErrNotFound
	}
	at = at.UTC()
	u.LastLoginAt = &at
	return nil
}

func (m *MemoryStore) BumpTokenVersion(_ context.Context, userID string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.users[userID]
	if !ok {
		return 0, ErrNotFound
	}
	m.bumpLocked(u)
	return u.TokenVersion, nil
}

func (m *MemoryStore) bumpLocked(u *User) {
	u.TokenVersion++
	u.UpdatedAt = m.now().UTC()
}

func (m *MemoryStore) CreateUser(_ context.Context, in User, roles []RoleKey) (User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	email := normalizeEmail(in.Email)
	if _, exists := m.byEmail[email]; exists {
		return User{}, fmt.Errorf("%w: email already registered", ErrConflict)
	}
	for _, r := range roles {
		if _, ok := m.roles[r]; !ok {
			return User{}, fmt.Errorf("%w: role %s", ErrNotFound, r)
		}
	}
	now := m.now().UTC()
	u := in
	if u.ID == "" {
		u.ID = ids.New()
	}
	u.Email = email
	if u.Status == "" {
		u.Status = StatusActive
	}
	u.TokenVersion = 0
	u.CreatedAt = now
	u.UpdatedAt = now
	m.users[u.ID] = &u
	m.byEmail[email] = u.ID
	m.history[u.ID] = append(m.history[u.ID], StatusHistory{
		ID:      ids.New(),
		UserID:  u.ID,
		Status:  u.Status,
		Reason:  "created",
		StartAt: now,
	})
	if len(roles) > 0 {
		set := make(map[RoleKey]struct{}, len(roles))
		for _, r := range roles {
			set[r] = struct{}{}
		}
		m.userRoles[u.ID] = set
	}
	return u, nil
}

func (m *MemoryStore) ChangeStatus(_ context.Context, c StatusChange) (StatusHistory, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.users[c.UserID]
	if !ok {
		return StatusHistory{}, ErrNotFound
	}
	at := c.At.UTC()
	hist := m.history[c.UserID]
	for i := range hist {
		if hist[i].EndAt == nil {
			end := at
			hist[i].EndAt = &end
		}
	}
	entry := StatusHistory{
		ID:      ids.New(),
		UserID:  c.UserID,
		Status:  c.Status,
		Reason:  c.Reason,
		ActorID: c.ActorID,
		StartAt: at,
	}
	m.history[c.UserID] = append(hist, entry)
	u.Status = c.Status
	m.bumpLocked(u)
	return entry, nil
}

func (m *MemoryStore) StatusHistory(_ context.Context, userID string) ([]StatusHistory, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if _, ok := m.users[userID]; !ok {
		return nil, ErrNotFound
	}
	return append([]StatusHistory(nil), m.history[userID]...), nil
}

func (m *MemoryStore) RolesForUser(_ context.Context, userID string) ([]Role, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]Role, 0, len(m.userRoles[userID]))
	for key := range m.userRoles[userID] {
		if r, ok := m.roles[key]; ok {
			role := *r
			role.Permissions = append([]PermissionKey(nil), r.Permissions...)
			out = append(out, role)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out, nil
}

func (m *MemoryStore) AssignRole(_ context.Context, userID string, role RoleKey) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.users[userID]
	if !ok {
		return fmt.Errorf("%w: user %s", ErrNotFound, userID)
	}
	if _, ok := m.roles[role]; !ok {
		return fmt.Errorf("%w: role %s", ErrNotFound, role)
	}
	set := m.userRoles[userID]
	if set == nil {
		set = make(map[RoleKey]struct{})
		m.userRoles[userID] = set
	}
	if _, held := set[role]; held {
		return nil
	}
	set[role] = struct{}{}
	m.bumpLocked(u)
	return nil
}

func (m *MemoryStore) RemoveRole(_ context.Context, userID string, role RoleKey) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.users[userID]
	if !ok {
		return fmt.Errorf("%w: user %s", ErrNotFound, userID)
	}
	if _, held := m.userRoles[userID][role]; !held {
		return fmt.Errorf("%w: role %s not assigned", ErrNotFound, role)
	}
	delete(m.userRoles[userID], role)
	m.bumpLocked(u)
	return nil
}

func (m *MemoryStore) SetRolePermissions(_ context.Context, role RoleKey, perms []PermissionKey) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.roles[role]
	if !ok {
		return fmt.Errorf("%w: role %s", ErrNotFound, role)
	}
	for _, p := range perms {
		if _, ok := m.perms[p]; !ok {
			return fmt.Errorf("%w: permission %s", ErrNotFound, p)
		}
	}
	r.Permissions = append([]PermissionKey(nil), perms...)
	for userID, set := range m.userRoles {
		if _, held := set[role]; held {
			m.bumpLocked(m.users[userID])
		}
	}
	return nil
}

func (m *MemoryStore) EnsureCatalog(_ context.Context, perms []Permission, roles []Role) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, p := range perms {
		if _, ok := m.perms[p.Key]; ok {
			continue
		}
		if p.ID == "" {
			p.ID = ids.New()
		}
		m.perms[p.Key] = p
	}
	for _, r := range roles {
		if _, ok := m.roles[r.Key]; ok {
			continue
		}
		role := r
		if role.ID == "" {
			role.ID = ids.New()
		}
		role.Permissions = append([]PermissionKey(nil), r.Permissions...)
		m.roles[r.Key] = &role
	}
	return nil
}

// MemoryRefreshStore keeps refresh token hashes in memory. Rotation holds the
// write lock across the check and the update, which gives the same
// single-winner guarantee as the conditional update in Postgres.
type MemoryRefreshStore struct {
	mu     sync.Mutex
	cfg    RefreshConfig
	byHash map[string]*RefreshToken
}

func NewMemoryRefreshStore(cfg RefreshConfig) *MemoryRefreshStore {
	return &MemoryRefreshStore{cfg: cfg.Normalize(), byHash: make(map[string]*RefreshToken)}
}

func (s *MemoryRefreshStore) Issue(ctx context.Context, userID string) (IssuedRefreshToken, error) {
	if err := ctx.Err(); err != nil {
		return IssuedRefreshToken{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.issueLocked(userID)
}

func (s *MemoryRefreshStore) issueLocked(userID string) (IssuedRefreshToken, error) {
	plain, hash, err := NewRefreshSecret(s.cfg.TokenBytes)
	if err != nil {
		return IssuedRefreshToken{}, fmt.Errorf("generate refresh token: %w", err)
	}
	now := s.cfg.Now().UTC()
	rec := &RefreshToken{
		ID:        ids.New(),
		UserID:    userID,
		TokenHash: hash,
		ExpiresAt: now.Add(s.cfg.TTL),
		CreatedAt: now,
	}
	s.byHash[hash] = rec
	return IssuedRefreshToken{Token: plain, ExpiresAt: rec.ExpiresAt}, nil
}

func (s *MemoryRefreshStore) Rotate(ctx context.Context, raw string) (Rotation, error) {
	if err := ctx.Err(); err != nil {
		return Rotation{}, err
	}
	raw, ok := NormalizeRefreshToken(raw)
	if !ok {
		return Rotation{}, ErrTokenNotFound
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.byHash[HashRefreshToken(raw)]
	if !ok {
		return Rotation{}, ErrTokenNotFound
	}
	now := s.cfg.Now().UTC()
	if err := CheckRotatable(*rec, now); err != nil {
		return Rotation{}, err
	}
	next, err := s.issueLocked(rec.UserID)
	if err != nil {
		return Rotation{}, err
	}
	nextHash := HashRefreshToken(next.Token)
	rec.RevokedAt = &now
	rec.ReplacedByTokenHash = &nextHash
	return Rotation{UserID: rec.UserID, Token: next}, nil
}

func (s *MemoryRefreshStore) Revoke(_ context.Context, raw string) error {
	raw, ok := NormalizeRefreshToken(raw)
	if !ok {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if rec, ok := s.byHash[HashRefreshToken(raw)]; ok && rec.RevokedAt == nil {
		now := s.cfg.Now().UTC()
		rec.RevokedAt = &now
	}
	return nil
}

func (s *MemoryRefreshStore) RevokeAll(_ context.Context, userID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.cfg.Now().UTC()
	for _, rec := range s.byHash {
		if rec.UserID == userID && rec.RevokedAt == nil {
			t := now
			rec.RevokedAt = &t
		}
	}
	return nil
}

// Records returns a snapshot of every stored record for a user, oldest first.
func (s *MemoryRefreshStore) Records(userID string) []RefreshToken {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []RefreshToken
	for _, rec := range s.byHash {
		if rec.UserID == userID {
			out = append(out, *rec)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}
