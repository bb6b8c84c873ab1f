package identity

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemoryStore is an in-memory Store for tests and local development. It
// enforces the same uniqueness rules as the Postgres schema.
type MemoryStore struct {
	mu         sync.Mutex
	users      map[string]User
	tokens     map[string]RefreshToken
	challenges map[string]EmailOtpChallenge
}

// NewMemoryStore builds an empty in-memory identity store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		users:      make(map[string]User),
		tokens:     make(map[string]RefreshToken),
		challenges: make(map[string]EmailOtpChallenge),
	}
}

func (s *MemoryStore) userConflicts(candidate User) bool {
	for _, u := range s.users {
		if u.ID == candidate.ID {
			continue
		}
		if candidate.Email != "" && u.Email == candidate.Email {
			return true
		}
		for _, p := range []Provider{ProviderGoogle, ProviderFacebook, ProviderTwitter, ProviderDiscord} {
			if candidate.ProviderID(p) != "" && u.ProviderID(p) == candidate.ProviderID(p) {
				return true
			}
		}
	}
	return false
}

// CreateUser inserts a user, rejecting duplicate emails or provider ids.
func (s *MemoryStore) CreateUser(_ context.Context, input NewUser) (User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now().UTC()
	user := User{
		ID:           uuid.NewString(),
		Email:        input.Email,
		PasswordHash: input.PasswordHash,
		GoogleID:     input.GoogleID,
		FacebookID:   input.FacebookID,
		TwitterID:    input.TwitterID,
		DiscordID:    input.DiscordID,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if s.userConflicts(user) {
		return User{}, ErrDuplicate
	}
	s.users[user.ID] = user
	return user, nil
}

// FindUserByID fetches a user by id.
func (s *MemoryStore) FindUserByID(_ context.Context, id string) (User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	user, ok := s.users[id]
	if !ok {
		return User{}, ErrNotFound
	}
	return user, nil
}

// FindUserByEmail fetches a user by normalized email.
func (s *MemoryStore) FindUserByEmail(_ context.Context, email string) (User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, u := range s.users {
		if u.Email != "" && u.Email == email {
			return u, nil
		}
	}
	return User{}, ErrNotFound
}

// FindUserByProviderID fetches a user by a provider-scoped external id.
func (s *MemoryStore) FindUserByProviderID(_ context.Context, provider Provider, providerUserID string) (User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, u := range s.users {
		if providerUserID != "" && u.ProviderID(provider) == providerUserID {
			return u, nil
		}
	}
	return User{}, ErrNotFound
}

// LinkProvider attaches a provider identity to an existing user.
func (s *MemoryStore) LinkProvider(_ context.Context, userID string, provider Provider, providerUserID string) (User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	user, ok := s.users[userID]
	if !ok {
		return User{}, ErrNotFound
	}
	switch provider {
	case ProviderGoogle:
		user.GoogleID = providerUserID
	case ProviderFacebook:
		user.FacebookID = providerUserID
	case ProviderTwitter:
		user.TwitterID = providerUserID
	case ProviderDiscord:
		user.DiscordID = providerUserID
	}
	if s.userConflicts(user) {
		return User{}, ErrDuplicate
	}
	user.UpdatedAt = time.Now().UTC()
	s.users[userID] = user
	return user, nil
}

// SetProvisionedWallet records custody key and ledger account ids.
func (s *MemoryStore) SetProvisionedWallet(_ context.Context, userID, accountID, keyID, fingerprint string) (User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	user, ok := s.users[userID]
	if !ok {
		return User{}, ErrNotFound
	}
	user.HederaAccountID = accountID
	user.KMSKeyID = keyID
	user.PublicKeyFingerprint = fingerprint
	user.UpdatedAt = time.Now().UTC()
	s.users[userID] = user
	return user, nil
}

// DeleteUser removes a user row.
func (s *MemoryStore) DeleteUser(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.users[id]; !ok {
		return ErrNotFound
	}
	delete(s.users, id)
	return nil
}

// CreateRefreshToken inserts a refresh token row.
func (s *MemoryStore) CreateRefreshToken(_ context.Context, input NewRefreshToken) (RefreshToken, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.insertRefreshTokenLocked(input)
}

func (s *MemoryStore) insertRefreshTokenLocked(input NewRefreshToken) (RefreshToken, error) {
	for _, t := range s.tokens {
		if t.TokenHash == input.TokenHash {
			return RefreshToken{}, ErrDuplicate
		}
	}
	t := RefreshToken{
		ID:        uuid.NewString(),
		UserID:    input.UserID,
		TokenHash: input.TokenHash,
		ExpiresAt: input.ExpiresAt.UTC(),
		IPAddress: input.IPAddress,
		UserAgent: input.UserAgent,
		CreatedAt: time.Now().UTC(),
	}
	s.tokens[t.ID] = t
	return t, nil
}

// FindActiveRefreshToken looks up an unrevoked, unexpired token by hash.
func (s *MemoryStore) FindActiveRefreshToken(_ context.Context, tokenHash string, now time.Time) (RefreshToken, User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, t := range s.tokens {
		if t.TokenHash == tokenHash && !t.Revoked() && t.ExpiresAt.After(now) {
			user, ok := s.users[t.UserID]
			if !ok {
				return RefreshToken{}, User{}, ErrNotFound
			}
			return t, user, nil
		}
	}
	return RefreshToken{}, User{}, ErrNotFound
}

// FindUnrevokedRefreshToken looks up an unrevoked token by hash.
func (s *MemoryStore) FindUnrevokedRefreshToken(_ context.Context, tokenHash string) (RefreshToken, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, t := range s.tokens {
		if t.TokenHash == tokenHash && !t.Revoked() {
			return t, nil
		}
	}
	return RefreshToken{}, ErrNotFound
}

// RevokeRefreshToken marks a token revoked.
func (s *MemoryStore) RevokeRefreshToken(_ context.Context, id string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tokens[id]
	if !ok || t.Revoked() {
		return ErrNotFound
	}
	t.RevokedAt = at.UTC()
	s.tokens[id] = t
	return nil
}

// RotateRefreshToken atomically inserts the replacement and revokes the
// current token, mirroring the Postgres transaction under one lock.
func (s *MemoryStore) RotateRefreshToken(_ context.Context, currentID string, next NewRefreshToken) (RefreshToken, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	current, ok := s.tokens[currentID]
	if !ok || current.Revoked() {
		return RefreshToken{}, ErrNotFound
	}

	created, err := s.insertRefreshTokenLocked(next)
	if err != nil {
		return RefreshToken{}, err
	}

	current.RevokedAt = time.Now().UTC()
	current.ReplacedByTokenID = created.ID
	s.tokens[currentID] = current
	return created, nil
}

// CreateOtpChallenge inserts a challenge row.
func (s *MemoryStore) CreateOtpChallenge(_ context.Context, input NewOtpChallenge) (EmailOtpChallenge, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c := EmailOtpChallenge{
		ID:        uuid.NewString(),
		Email:     input.Email,
		CodeHash:  input.CodeHash,
		ExpiresAt: input.ExpiresAt.UTC(),
		IPAddress: input.IPAddress,
		UserAgent: input.UserAgent,
		CreatedAt: time.Now().UTC(),
	}
	s.challenges[c.ID] = c
	return c, nil
}

// BindOtpCodeHash stores the code hash derived from the challenge id.
func (s *MemoryStore) BindOtpCodeHash(_ context.Context, id, codeHash string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.challenges[id]
	if !ok {
		return ErrNotFound
	}
	c.CodeHash = codeHash
	s.challenges[id] = c
	return nil
}

// FindOtpChallenge fetches a challenge by id and target email.
func (s *MemoryStore) FindOtpChallenge(_ context.Context, id, email string) (EmailOtpChallenge, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.challenges[id]
	if !ok || c.Email != email {
		return EmailOtpChallenge{}, ErrNotFound
	}
	return c, nil
}

// RecordFailedOtpAttempt increments the attempt counter under the store
// lock, consuming the challenge when the maximum is reached.
func (s *MemoryStore) RecordFailedOtpAttempt(_ context.Context, id string, maxAttempts int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.challenges[id]
	if !ok {
		return ErrNotFound
	}
	c.AttemptCount++
	if c.AttemptCount >= maxAttempts && !c.Consumed() {
		c.ConsumedAt = time.Now().UTC()
	}
	s.challenges[id] = c
	return nil
}

// ConsumeOtpChallenge marks a challenge used.
func (s *MemoryStore) ConsumeOtpChallenge(_ context.Context, id, ipAddress, userAgent string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.challenges[id]
	if !ok || c.Consumed() {
		return ErrNotFound
	}
	c.ConsumedAt = time.Now().UTC()
	if ipAddress != "" {
		c.IPAddress = ipAddress
	}
	if userAgent != "" {
		c.UserAgent = userAgent
	}
	s.challenges[id] = c
	return nil
}
