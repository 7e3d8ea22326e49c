package identity

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"database/sql"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/google/uuid"

	"sohbet/internal/models"
	"sohbet/internal/redisx"
)

var (
	ErrInvalidCredentials = errors.New("invalid credentials")
	ErrInvalidToken       = errors.New("invalid token")
	ErrTokenExpired       = errors.New("token expired")
	ErrAccountNotFound    = errors.New("account not found")
)

const (
	tokenCachePrefix = "sohbet:token:"
	verifyTokenTTL   = 24 * time.Hour

	kindVerify = "verify"
	kindReset  = "reset"
)

// Mailer delivers account mail. The default implementation only logs, which
// keeps local setups working without an SMTP relay.
type Mailer interface {
	Send(to, subject, body string) error
}

type LogMailer struct{}

func (LogMailer) Send(to, subject, body string) error {
	log.Printf("mail to %s: %s: %s", to, subject, body)
	return nil
}

// Service manages accounts and their authentication tokens. Tokens live in
// the database with a redis read-through cache in front; the cache going
// away only costs latency, never correctness.
type Service struct {
	db             *sql.DB
	cache          *redisx.Client
	mailer         Mailer
	tokenTTL       time.Duration
	cookieName     string
	headerName     string
	csrfCookieName string
	csrfHeaderName string
}

func NewService(db *sql.DB, cache *redisx.Client, mailer Mailer, ttl time.Duration) *Service {
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	if mailer == nil {
		mailer = LogMailer{}
	}
	return &Service{
		db:             db,
		cache:          cache,
		mailer:         mailer,
		tokenTTL:       ttl,
		cookieName:     "auth_token",
		headerName:     "Authorization",
		csrfCookieName: "csrf_token",
		csrfHeaderName: "X-CSRF-Token",
	}
}

// SignUp creates an unverified account and mails a verification token.
func (s *Service) SignUp(ctx context.Context, email, password string) (*models.Account, error) {
	email = strings.ToLower(strings.TrimSpace(email))
	password = strings.TrimSpace(password)
	if email == "" || password == "" {
		return nil, errors.New("email and password are required")
	}
	if !strings.Contains(email, "@") {
		return nil, errors.New("invalid email address")
	}

	acct := &models.Account{
		ID:           uuid.NewString(),
		Email:        email,
		PasswordHash: hashPassword(password),
		CreatedAt:    time.Now().UTC(),
	}
	_, err := s.db.ExecContext(ctx,
		"INSERT INTO accounts (id, email, password_hash, email_verified, created_at) VALUES (?, ?, ?, 0, ?)",
		acct.ID, acct.Email, acct.PasswordHash, acct.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("create account: %w", err)
	}

	token, err := s.issueVerifyToken(ctx, acct.ID, kindVerify)
	if err != nil {
		return nil, err
	}
	if err := s.mailer.Send(acct.Email, "Hesabını doğrula", token); err != nil {
		// The account exists either way; the pruner removes it if the
		// user never gets a token.
		log.Printf("send verification mail to %s: %v", acct.Email, err)
	}
	return acct, nil
}

// SignIn checks credentials and mints a session token.
func (s *Service) SignIn(ctx context.Context, email, password string) (*models.Account, string, error) {
	email = strings.ToLower(strings.TrimSpace(email))
	password = strings.TrimSpace(password)
	if email == "" || password == "" {
		return nil, "", ErrInvalidCredentials
	}

	row := s.db.QueryRowContext(ctx,
		"SELECT id, email, password_hash, email_verified, created_at FROM accounts WHERE email = ?", email)
	var acct models.Account
	if err := row.Scan(&acct.ID, &acct.Email, &acct.PasswordHash, &acct.EmailVerified, &acct.CreatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, "", ErrInvalidCredentials
		}
		return nil, "", fmt.Errorf("query account: %w", err)
	}
	if acct.PasswordHash != hashPassword(password) {
		return nil, "", ErrInvalidCredentials
	}

	token, err := s.issueToken(ctx, acct.ID)
	if err != nil {
		return nil, "", err
	}
	return &acct, token, nil
}

// SignOut revokes one session token.
func (s *Service) SignOut(ctx context.Context, token string) error {
	if token == "" {
		return nil
	}
	if s.cache != nil {
		if err := s.cache.Del(ctx, tokenCachePrefix+token); err != nil {
			log.Printf("evict token cache: %v", err)
		}
	}
	if _, err := s.db.ExecContext(ctx, "DELETE FROM account_tokens WHERE token = ?", token); err != nil {
		return fmt.Errorf("revoke token: %w", err)
	}
	return nil
}

// ValidateToken resolves a session token to an account id. The cache answers
// most lookups; misses fall through to the database and re-prime it.
func (s *Service) ValidateToken(ctx context.Context, token string) (string, error) {
	if token == "" {
		return "", ErrInvalidToken
	}
	if s.cache != nil {
		if accountID, err := s.cache.Get(ctx, tokenCachePrefix+token); err == nil && accountID != "" {
			return accountID, nil
		} else if err != nil && !errors.Is(err, redisx.ErrCacheMiss) {
			log.Printf("token cache lookup: %v", err)
		}
	}

	var (
		accountID string
		expires   time.Time
	)
	err := s.db.QueryRowContext(ctx,
		"SELECT account_id, expires_at FROM account_tokens WHERE token = ?", token,
	).Scan(&accountID, &expires)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", ErrInvalidToken
		}
		return "", fmt.Errorf("lookup token: %w", err)
	}
	remaining := time.Until(expires)
	if remaining <= 0 {
		_, _ = s.db.ExecContext(ctx, "DELETE FROM account_tokens WHERE token = ?", token)
		return "", ErrTokenExpired
	}

	if s.cache != nil {
		if err := s.cache.Set(ctx, tokenCachePrefix+token, accountID, remaining); err != nil {
			log.Printf("prime token cache: %v", err)
		}
	}
	return accountID, nil
}

// VerifyEmail consumes a verification token and marks the account verified.
func (s *Service) VerifyEmail(ctx context.Context, token string) error {
	accountID, err := s.consumeVerifyToken(ctx, token, kindVerify)
	if err != nil {
		return err
	}
	if _, err := s.db.ExecContext(ctx,
		"UPDATE accounts SET email_verified = 1 WHERE id = ?", accountID); err != nil {
		return fmt.Errorf("mark verified: %w", err)
	}
	return nil
}

// SendPasswordReset mails a reset token to the account if it exists. An
// unknown email is not an error, so the endpoint leaks nothing.
func (s *Service) SendPasswordReset(ctx context.Context, email string) error {
	email = strings.ToLower(strings.TrimSpace(email))
	var accountID string
	err := s.db.QueryRowContext(ctx, "SELECT id FROM accounts WHERE email = ?", email).Scan(&accountID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("query account: %w", err)
	}

	token, err := s.issueVerifyToken(ctx, accountID, kindReset)
	if err != nil {
		return err
	}
	if err := s.mailer.Send(email, "Şifre sıfırlama", token); err != nil {
		return fmt.Errorf("send reset mail: %w", err)
	}
	return nil
}

// ResetPassword consumes a reset token, replaces the password hash and
// revokes every open session of the account.
func (s *Service) ResetPassword(ctx context.Context, token, newPassword string) error {
	newPassword = strings.TrimSpace(newPassword)
	if newPassword == "" {
		return errors.New("password is required")
	}
	accountID, err := s.consumeVerifyToken(ctx, token, kindReset)
	if err != nil {
		return err
	}
	if _, err := s.db.ExecContext(ctx,
		"UPDATE accounts SET password_hash = ? WHERE id = ?", hashPassword(newPassword), accountID); err != nil {
		return fmt.Errorf("update password: %w", err)
	}
	if _, err := s.db.ExecContext(ctx,
		"DELETE FROM account_tokens WHERE account_id = ?", accountID); err != nil {
		return fmt.Errorf("revoke sessions: %w", err)
	}
	return nil
}

// GetAccount loads one account by id.
func (s *Service) GetAccount(ctx context.Context, id string) (*models.Account, error) {
	row := s.db.QueryRowContext(ctx,
		"SELECT id, email, password_hash, email_verified, created_at FROM accounts WHERE id = ?", id)
	var acct models.Account
	if err := row.Scan(&acct.ID, &acct.Email, &acct.PasswordHash, &acct.EmailVerified, &acct.CreatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrAccountNotFound
		}
		return nil, fmt.Errorf("query account: %w", err)
	}
	return &acct, nil
}

// ListAccounts pages through accounts ordered by creation time. pageToken is
// opaque; pass the returned token to get the next page and an empty token to
// start over. An empty returned token means the listing is complete.
func (s *Service) ListAccounts(ctx context.Context, pageSize int, pageToken string) ([]models.Account, string, error) {
	if pageSize <= 0 {
		pageSize = 1000
	}

	var (
		rows *sql.Rows
		err  error
	)
	if pageToken == "" {
		rows, err = s.db.QueryContext(ctx,
			"SELECT id, email, password_hash, email_verified, created_at FROM accounts ORDER BY created_at, id LIMIT ?",
			pageSize)
	} else {
		afterTime, afterID, derr := decodePageToken(pageToken)
		if derr != nil {
			return nil, "", derr
		}
		rows, err = s.db.QueryContext(ctx,
			"SELECT id, email, password_hash, email_verified, created_at FROM accounts WHERE created_at > ? OR (created_at = ? AND id > ?) ORDER BY created_at, id LIMIT ?",
			afterTime, afterTime, afterID, pageSize)
	}
	if err != nil {
		return nil, "", fmt.Errorf("list accounts: %w", err)
	}
	defer rows.Close()

	var accounts []models.Account
	for rows.Next() {
		var acct models.Account
		if err := rows.Scan(&acct.ID, &acct.Email, &acct.PasswordHash, &acct.EmailVerified, &acct.CreatedAt); err != nil {
			return nil, "", fmt.Errorf("scan account: %w", err)
		}
		accounts = append(accounts, acct)
	}
	if err := rows.Err(); err != nil {
		return nil, "", fmt.Errorf("list accounts: %w", err)
	}

	if len(accounts) < pageSize {
		return accounts, "", nil
	}
	last := accounts[len(accounts)-1]
	return accounts, encodePageToken(last.CreatedAt, last.ID), nil
}

// DeleteAccount removes the account; sessions, messages and tokens go with
// it through the foreign key cascades.
func (s *Service) DeleteAccount(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, "DELETE FROM accounts WHERE id = ?", id)
	if err != nil {
		return fmt.Errorf("delete account: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if n == 0 {
		return ErrAccountNotFound
	}
	return nil
}

func (s *Service) issueToken(ctx context.Context, accountID string) (string, error) {
	now := time.Now().UTC()
	expiresAt := now.Add(s.tokenTTL)
	for i := 0; i < 5; i++ {
		token, err := generateToken()
		if err != nil {
			return "", err
		}
		_, err = s.db.ExecContext(ctx,
			"INSERT INTO account_tokens (token, account_id, created_at, expires_at) VALUES (?, ?, ?, ?)",
			token, accountID, now, expiresAt)
		if err == nil {
			if s.cache != nil {
				if cerr := s.cache.Set(ctx, tokenCachePrefix+token, accountID, s.tokenTTL); cerr != nil {
					log.Printf("prime token cache: %v", cerr)
				}
			}
			return token, nil
		}
	}
	return "", errors.New("could not issue token")
}

func (s *Service) issueVerifyToken(ctx context.Context, accountID, kind string) (string, error) {
	token, err := generateToken()
	if err != nil {
		return "", err
	}
	now := time.Now().UTC()
	_, err = s.db.ExecContext(ctx,
		"INSERT INTO verify_tokens (token, account_id, kind, created_at, expires_at) VALUES (?, ?, ?, ?, ?)",
		token, accountID, kind, now, now.Add(verifyTokenTTL))
	if err != nil {
		return "", fmt.Errorf("issue %s token: %w", kind, err)
	}
	return token, nil
}

func (s *Service) consumeVerifyToken(ctx context.Context, token, kind string) (string, error) {
	if token == "" {
		return "", ErrInvalidToken
	}
	var (
		accountID string
		expires   time.Time
	)
	err := s.db.QueryRowContext(ctx,
		"SELECT account_id, expires_at FROM verify_tokens WHERE token = ? AND kind = ?", token, kind,
	).Scan(&accountID, &expires)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", ErrInvalidToken
		}
		return "", fmt.Errorf("lookup %s token: %w", kind, err)
	}
	if _, err := s.db.ExecContext(ctx, "DELETE FROM verify_tokens WHERE token = ?", token); err != nil {
		return "", fmt.Errorf("consume %s token: %w", kind, err)
	}
	if time.Now().UTC().After(expires) {
		return "", ErrTokenExpired
	}
	return accountID, nil
}

// NewCSRFToken returns a random token used for CSRF protection.
func (s *Service) NewCSRFToken() (string, error) {
	return generateToken()
}

func generateToken() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generate token: %w", err)
	}
	return hex.EncodeToString(buf), nil
}

func hashPassword(input string) string {
	sum := sha256.Sum256([]byte(input))
	return hex.EncodeToString(sum[:])
}

func encodePageToken(createdAt time.Time, id string) string {
	raw := fmt.Sprintf("%d|%s", createdAt.UTC().UnixNano(), id)
	return base64.RawURLEncoding.EncodeToString([]byte(raw))
}

func decodePageToken(token string) (time.Time, string, error) {
	raw, err := base64.RawURLEncoding.DecodeString(token)
	if err != nil {
		return time.Time{}, "", errors.New("invalid page token")
	}
	parts := strings.SplitN(string(raw), "|", 2)
	if len(parts) != 2 {
		return time.Time{}, "", errors.New("invalid page token")
	}
	var nanos int64
	if _, err := fmt.Sscanf(parts[0], "%d", &nanos); err != nil {
		return time.Time{}, "", errors.New("invalid page token")
	}
	return time.Unix(0, nanos).UTC(), parts[1], nil
}

// AuthCookieName returns the cookie name storing auth tokens.
func (s *Service) AuthCookieName() string {
	return s.cookieName
}

// CSRFCookieName returns the cookie used for CSRF tokens.
func (s *Service) CSRFCookieName() string {
	return s.csrfCookieName
}

// CSRFHeaderName returns the CSRF header name.
func (s *Service) CSRFHeaderName() string {
	return s.csrfHeaderName
}

// TokenTTL reports the configured token lifetime.
func (s *Service) TokenTTL() time.Duration {
	return s.tokenTTL
}
