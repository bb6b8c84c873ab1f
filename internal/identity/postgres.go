package identity

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

const uniqueViolationCode = "23505"

// PostgresStore implements Store using PostgreSQL. Uniqueness of email and of
// each (provider, external id) pair is enforced by unique indexes; violations
// surface as ErrDuplicate so callers can fall back to the lookup path.
type PostgresStore struct {
	db *pgxpool.Pool
}

// NewPostgresStore builds a Postgres-backed identity store.
func NewPostgresStore(db *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{db: db}
}

const userColumns = `id, email, password_hash, google_id, facebook_id, twitter_id, discord_id,
	hedera_account_id, kms_key_id, hedera_public_key_fingerprint, created_at, updated_at`

func providerColumn(p Provider) (string, error) {
	switch p {
	case ProviderGoogle:
		return "google_id", nil
	case ProviderFacebook:
		return "facebook_id", nil
	case ProviderTwitter:
		return "twitter_id", nil
	case ProviderDiscord:
		return "discord_id", nil
	}
	return "", fmt.Errorf("unsupported provider: %s", p)
}

func nullable(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func derefOrEmpty(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

// prefixColumns qualifies a column-list constant with a table alias so joins
// reuse the same lists as the single-table queries.
func prefixColumns(prefix, columns string) string {
	parts := strings.Split(columns, ",")
	for i, p := range parts {
		parts[i] = prefix + strings.TrimSpace(p)
	}
	return strings.Join(parts, ", ")
}

func scanUser(row pgx.Row) (User, error) {
	var (
		u           User
		id          uuid.UUID
		email       *string
		pwHash      *string
		googleID    *string
		facebookID  *string
		twitterID   *string
		discordID   *string
		accountID   *string
		keyID       *string
		fingerprint *string
	)
	err := row.Scan(&id, &email, &pwHash, &googleID, &facebookID, &twitterID, &discordID,
		&accountID, &keyID, &fingerprint, &u.CreatedAt, &u.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return User{}, ErrNotFound
		}
		return User{}, err
	}
	u.ID = id.String()
	u.Email = derefOrEmpty(email)
	u.PasswordHash = derefOrEmpty(pwHash)
	u.GoogleID = derefOrEmpty(googleID)
	u.FacebookID = derefOrEmpty(facebookID)
	u.TwitterID = derefOrEmpty(twitterID)
	u.DiscordID = derefOrEmpty(discordID)
	u.HederaAccountID = derefOrEmpty(accountID)
	u.KMSKeyID = derefOrEmpty(keyID)
	u.PublicKeyFingerprint = derefOrEmpty(fingerprint)
	u.CreatedAt = u.CreatedAt.UTC()
	u.UpdatedAt = u.UpdatedAt.UTC()
	return u, nil
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == uniqueViolationCode
}

// CreateUser inserts a new user row.
func (s *PostgresStore) CreateUser(ctx context.Context, input NewUser) (User, error) {
	row := s.db.QueryRow(ctx, `INSERT INTO users (id, email, password_hash, google_id, facebook_id, twitter_id, discord_id)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING `+userColumns,
		uuid.New(), nullable(input.Email), nullable(input.PasswordHash),
		nullable(input.GoogleID), nullable(input.FacebookID), nullable(input.TwitterID), nullable(input.DiscordID))

	user, err := scanUser(row)
	if err != nil {
		if isUniqueViolation(err) {
			return User{}, ErrDuplicate
		}
		return User{}, fmt.Errorf("create user: %w", err)
	}
	return user, nil
}

// FindUserByID fetches a user by primary key.
func (s *PostgresStore) FindUserByID(ctx context.Context, id string) (User, error) {
	userID, err := uuid.Parse(id)
	if err != nil {
		return User{}, ErrNotFound
	}
	return scanUser(s.db.QueryRow(ctx, `SELECT `+userColumns+` FROM users WHERE id = $1`, userID))
}

// FindUserByEmail fetches a user by normalized email.
func (s *PostgresStore) FindUserByEmail(ctx context.Context, email string) (User, error) {
	return scanUser(s.db.QueryRow(ctx, `SELECT `+userColumns+` FROM users WHERE email = $1`, email))
}

// FindUserByProviderID fetches a user by a provider-scoped external id.
func (s *PostgresStore) FindUserByProviderID(ctx context.Context, provider Provider, providerUserID string) (User, error) {
	column, err := providerColumn(provider)
	if err != nil {
		return User{}, err
	}
	return scanUser(s.db.QueryRow(ctx, `SELECT `+userColumns+` FROM users WHERE `+column+` = $1`, providerUserID))
}

// LinkProvider attaches a provider identity to an existing user without
// touching the other providers' links.
func (s *PostgresStore) LinkProvider(ctx context.Context, userID string, provider Provider, providerUserID string) (User, error) {
	column, err := providerColumn(provider)
	if err != nil {
		return User{}, err
	}
	id, err := uuid.Parse(userID)
	if err != nil {
		return User{}, ErrNotFound
	}
	row := s.db.QueryRow(ctx, `UPDATE users SET `+column+` = $1, updated_at = now()
		WHERE id = $2 RETURNING `+userColumns, providerUserID, id)
	user, err := scanUser(row)
	if err != nil {
		if isUniqueViolation(err) {
			return User{}, ErrDuplicate
		}
		return User{}, fmt.Errorf("link provider: %w", err)
	}
	return user, nil
}

// SetProvisionedWallet records the custody key and ledger account once
// provisioning completes.
func (s *PostgresStore) SetProvisionedWallet(ctx context.Context, userID, accountID, keyID, fingerprint string) (User, error) {
	id, err := uuid.Parse(userID)
	if err != nil {
		return User{}, ErrNotFound
	}
	row := s.db.QueryRow(ctx, `UPDATE users
		SET hedera_account_id = $1, kms_key_id = $2, hedera_public_key_fingerprint = $3, updated_at = now()
		WHERE id = $4 RETURNING `+userColumns, accountID, keyID, fingerprint, id)
	user, err := scanUser(row)
	if err != nil {
		return User{}, fmt.Errorf("set provisioned wallet: %w", err)
	}
	return user, nil
}

// DeleteUser removes a user row. Used only as the compensating action when
// wallet provisioning fails mid-registration.
func (s *PostgresStore) DeleteUser(ctx context.Context, id string) error {
	userID, err := uuid.Parse(id)
	if err != nil {
		return ErrNotFound
	}
	cmd, err := s.db.Exec(ctx, `DELETE FROM users WHERE id = $1`, userID)
	if err != nil {
		return fmt.Errorf("delete user: %w", err)
	}
	if cmd.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

const refreshColumns = `id, user_id, token_hash, expires_at, revoked_at, replaced_by_token_id,
	ip_address, user_agent, created_at`

func scanRefreshToken(row pgx.Row) (RefreshToken, error) {
	var (
		t          RefreshToken
		id         uuid.UUID
		userID     uuid.UUID
		revokedAt  *time.Time
		replacedBy *uuid.UUID
		ipAddress  *string
		userAgent  *string
	)
	err := row.Scan(&id, &userID, &t.TokenHash, &t.ExpiresAt, &revokedAt, &replacedBy, &ipAddress, &userAgent, &t.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return RefreshToken{}, ErrNotFound
		}
		return RefreshToken{}, err
	}
	t.ID = id.String()
	t.UserID = userID.String()
	if revokedAt != nil {
		t.RevokedAt = revokedAt.UTC()
	}
	if replacedBy != nil {
		t.ReplacedByTokenID = replacedBy.String()
	}
	if ipAddress != nil {
		t.IPAddress = *ipAddress
	}
	if userAgent != nil {
		t.UserAgent = *userAgent
	}
	t.ExpiresAt = t.ExpiresAt.UTC()
	t.CreatedAt = t.CreatedAt.UTC()
	return t, nil
}

// CreateRefreshToken inserts a refresh token row holding the secret hash.
func (s *PostgresStore) CreateRefreshToken(ctx context.Context, input NewRefreshToken) (RefreshToken, error) {
	userID, err := uuid.Parse(input.UserID)
	if err != nil {
		return RefreshToken{}, ErrNotFound
	}
	row := s.db.QueryRow(ctx, `INSERT INTO refresh_tokens (id, user_id, token_hash, expires_at, ip_address, user_agent)
		VALUES ($1, $2, $3, $4, $5, $6) RETURNING `+refreshColumns,
		uuid.New(), userID, input.TokenHash, input.ExpiresAt.UTC(), nullable(input.IPAddress), nullable(input.UserAgent))
	t, err := scanRefreshToken(row)
	if err != nil {
		if isUniqueViolation(err) {
			return RefreshToken{}, ErrDuplicate
		}
		return RefreshToken{}, fmt.Errorf("create refresh token: %w", err)
	}
	return t, nil
}

// FindActiveRefreshToken looks up an unrevoked, unexpired token by secret
// hash, joined to its owning user.
func (s *PostgresStore) FindActiveRefreshToken(ctx context.Context, tokenHash string, now time.Time) (RefreshToken, User, error) {
	row := s.db.QueryRow(ctx, `SELECT `+prefixColumns("t.", refreshColumns)+`, `+prefixColumns("u.", userColumns)+`
		FROM refresh_tokens t
		INNER JOIN users u ON u.id = t.user_id
		WHERE t.token_hash = $1 AND t.revoked_at IS NULL AND t.expires_at > $2`, tokenHash, now.UTC())

	var (
		t           RefreshToken
		u           User
		tID, tUser  uuid.UUID
		revokedAt   *time.Time
		replacedBy  *uuid.UUID
		tIP, tAgent *string
		uID         uuid.UUID
		uStrs       [9]*string
	)
	err := row.Scan(&tID, &tUser, &t.TokenHash, &t.ExpiresAt, &revokedAt, &replacedBy, &tIP, &tAgent, &t.CreatedAt,
		&uID, &uStrs[0], &uStrs[1], &uStrs[2], &uStrs[3], &uStrs[4], &uStrs[5], &uStrs[6], &uStrs[7], &uStrs[8],
		&u.CreatedAt, &u.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return RefreshToken{}, User{}, ErrNotFound
		}
		return RefreshToken{}, User{}, fmt.Errorf("find active refresh token: %w", err)
	}

	t.ID = tID.String()
	t.UserID = tUser.String()
	if revokedAt != nil {
		t.RevokedAt = revokedAt.UTC()
	}
	if replacedBy != nil {
		t.ReplacedByTokenID = replacedBy.String()
	}
	if tIP != nil {
		t.IPAddress = *tIP
	}
	if tAgent != nil {
		t.UserAgent = *tAgent
	}
	u.ID = uID.String()
	u.Email = derefOrEmpty(uStrs[0])
	u.PasswordHash = derefOrEmpty(uStrs[1])
	u.GoogleID = derefOrEmpty(uStrs[2])
	u.FacebookID = derefOrEmpty(uStrs[3])
	u.TwitterID = derefOrEmpty(uStrs[4])
	u.DiscordID = derefOrEmpty(uStrs[5])
	u.HederaAccountID = derefOrEmpty(uStrs[6])
	u.KMSKeyID = derefOrEmpty(uStrs[7])
	u.PublicKeyFingerprint = derefOrEmpty(uStrs[8])
	u.CreatedAt = u.CreatedAt.UTC()
	u.UpdatedAt = u.UpdatedAt.UTC()
	t.ExpiresAt = t.ExpiresAt.UTC()
	t.CreatedAt = t.CreatedAt.UTC()
	return t, u, nil
}

// FindUnrevokedRefreshToken looks up an unrevoked token by secret hash
// regardless of expiry. Used by revocation, which must stay a no-op for
// tokens that are already gone.
func (s *PostgresStore) FindUnrevokedRefreshToken(ctx context.Context, tokenHash string) (RefreshToken, error) {
	row := s.db.QueryRow(ctx, `SELECT `+refreshColumns+` FROM refresh_tokens
		WHERE token_hash = $1 AND revoked_at IS NULL`, tokenHash)
	t, err := scanRefreshToken(row)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return RefreshToken{}, ErrNotFound
		}
		return RefreshToken{}, fmt.Errorf("find unrevoked refresh token: %w", err)
	}
	return t, nil
}

// RevokeRefreshToken marks a token revoked.
func (s *PostgresStore) RevokeRefreshToken(ctx context.Context, id string, at time.Time) error {
	tokenID, err := uuid.Parse(id)
	if err != nil {
		return ErrNotFound
	}
	cmd, err := s.db.Exec(ctx, `UPDATE refresh_tokens SET revoked_at = $1 WHERE id = $2 AND revoked_at IS NULL`, at.UTC(), tokenID)
	if err != nil {
		return fmt.Errorf("revoke refresh token: %w", err)
	}
	if cmd.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// RotateRefreshToken inserts the replacement token and revokes the current
// one in a single transaction, chaining the old row to the new via
// replaced_by_token_id. The row lock on the current token serializes
// concurrent rotations of the same secret: the loser of the race finds the
// token already revoked and fails.
func (s *PostgresStore) RotateRefreshToken(ctx context.Context, currentID string, next NewRefreshToken) (RefreshToken, error) {
	oldID, err := uuid.Parse(currentID)
	if err != nil {
		return RefreshToken{}, ErrNotFound
	}
	userID, err := uuid.Parse(next.UserID)
	if err != nil {
		return RefreshToken{}, ErrNotFound
	}

	tx, err := s.db.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return RefreshToken{}, fmt.Errorf("begin rotation: %w", err)
	}
	defer tx.Rollback(ctx) // nolint:errcheck

	var lockedID uuid.UUID
	err = tx.QueryRow(ctx, `SELECT id FROM refresh_tokens WHERE id = $1 AND revoked_at IS NULL FOR UPDATE`, oldID).Scan(&lockedID)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return RefreshToken{}, ErrNotFound
		}
		return RefreshToken{}, fmt.Errorf("lock refresh token: %w", err)
	}

	row := tx.QueryRow(ctx, `INSERT INTO refresh_tokens (id, user_id, token_hash, expires_at, ip_address, user_agent)
		VALUES ($1, $2, $3, $4, $5, $6) RETURNING `+refreshColumns,
		uuid.New(), userID, next.TokenHash, next.ExpiresAt.UTC(), nullable(next.IPAddress), nullable(next.UserAgent))
	created, err := scanRefreshToken(row)
	if err != nil {
		return RefreshToken{}, fmt.Errorf("insert replacement token: %w", err)
	}

	newID, err := uuid.Parse(created.ID)
	if err != nil {
		return RefreshToken{}, fmt.Errorf("parse replacement token id: %w", err)
	}
	if _, err := tx.Exec(ctx, `UPDATE refresh_tokens SET revoked_at = now(), replaced_by_token_id = $1 WHERE id = $2`, newID, oldID); err != nil {
		return RefreshToken{}, fmt.Errorf("revoke rotated token: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return RefreshToken{}, fmt.Errorf("commit rotation: %w", err)
	}
	return created, nil
}

const otpColumns = `id, email, code_hash, expires_at, consumed_at, attempt_count, ip_address, user_agent, created_at`

func scanOtpChallenge(row pgx.Row) (EmailOtpChallenge, error) {
	var (
		c          EmailOtpChallenge
		id         uuid.UUID
		consumedAt *time.Time
		ipAddress  *string
		userAgent  *string
	)
	err := row.Scan(&id, &c.Email, &c.CodeHash, &c.ExpiresAt, &consumedAt, &c.AttemptCount, &ipAddress, &userAgent, &c.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return EmailOtpChallenge{}, ErrNotFound
		}
		return EmailOtpChallenge{}, err
	}
	c.ID = id.String()
	if consumedAt != nil {
		c.ConsumedAt = consumedAt.UTC()
	}
	if ipAddress != nil {
		c.IPAddress = *ipAddress
	}
	if userAgent != nil {
		c.UserAgent = *userAgent
	}
	c.ExpiresAt = c.ExpiresAt.UTC()
	c.CreatedAt = c.CreatedAt.UTC()
	return c, nil
}

// CreateOtpChallenge inserts a challenge row. The code hash is bound in a
// second step because the hash input includes the generated challenge id.
func (s *PostgresStore) CreateOtpChallenge(ctx context.Context, input NewOtpChallenge) (EmailOtpChallenge, error) {
	row := s.db.QueryRow(ctx, `INSERT INTO email_otp_challenges (id, email, code_hash, expires_at, ip_address, user_agent)
		VALUES ($1, $2, $3, $4, $5, $6) RETURNING `+otpColumns,
		uuid.New(), input.Email, input.CodeHash, input.ExpiresAt.UTC(), nullable(input.IPAddress), nullable(input.UserAgent))
	c, err := scanOtpChallenge(row)
	if err != nil {
		return EmailOtpChallenge{}, fmt.Errorf("create otp challenge: %w", err)
	}
	return c, nil
}

// BindOtpCodeHash stores the code hash derived from the challenge id.
func (s *PostgresStore) BindOtpCodeHash(ctx context.Context, id, codeHash string) error {
	challengeID, err := uuid.Parse(id)
	if err != nil {
		return ErrNotFound
	}
	cmd, err := s.db.Exec(ctx, `UPDATE email_otp_challenges SET code_hash = $1 WHERE id = $2`, codeHash, challengeID)
	if err != nil {
		return fmt.Errorf("bind otp code hash: %w", err)
	}
	if cmd.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// FindOtpChallenge fetches a challenge by id and target email.
func (s *PostgresStore) FindOtpChallenge(ctx context.Context, id, email string) (EmailOtpChallenge, error) {
	challengeID, err := uuid.Parse(id)
	if err != nil {
		return EmailOtpChallenge{}, ErrNotFound
	}
	return scanOtpChallenge(s.db.QueryRow(ctx, `SELECT `+otpColumns+` FROM email_otp_challenges
		WHERE id = $1 AND email = $2`, challengeID, email))
}

// RecordFailedOtpAttempt increments the attempt counter in one statement so
// concurrent wrong guesses cannot both read a stale count; reaching the
// maximum consumes the challenge as a terminal failure.
func (s *PostgresStore) RecordFailedOtpAttempt(ctx context.Context, id string, maxAttempts int) error {
	challengeID, err := uuid.Parse(id)
	if err != nil {
		return ErrNotFound
	}
	cmd, err := s.db.Exec(ctx, `UPDATE email_otp_challenges
		SET attempt_count = attempt_count + 1,
			consumed_at = CASE WHEN attempt_count + 1 >= $1 THEN now() ELSE consumed_at END
		WHERE id = $2`, maxAttempts, challengeID)
	if err != nil {
		return fmt.Errorf("record failed otp attempt: %w", err)
	}
	if cmd.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// ConsumeOtpChallenge marks a challenge used after a successful verification.
func (s *PostgresStore) ConsumeOtpChallenge(ctx context.Context, id, ipAddress, userAgent string) error {
	challengeID, err := uuid.Parse(id)
	if err != nil {
		return ErrNotFound
	}
	cmd, err := s.db.Exec(ctx, `UPDATE email_otp_challenges
		SET consumed_at = now(), ip_address = COALESCE($1, ip_address), user_agent = COALESCE($2, user_agent)
		WHERE id = $3 AND consumed_at IS NULL`, nullable(ipAddress), nullable(userAgent), challengeID)
	if err != nil {
		return fmt.Errorf("consume otp challenge: %w", err)
	}
	if cmd.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}
