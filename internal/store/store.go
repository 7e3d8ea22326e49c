package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"

	"sohbet/internal/cryptox"
	"sohbet/internal/models"
)

var ErrSessionNotFound = errors.New("session not found")

// Store persists sessions and messages. Message content is encrypted with
// the owning account's derived key before it touches the database and
// decrypted on the way out, so rows never hold plaintext.
type Store struct {
	db       *sql.DB
	cipher   *cryptox.Cipher
	notifier Notifier
}

func New(db *sql.DB, cipher *cryptox.Cipher, notifier Notifier) *Store {
	if notifier == nil {
		notifier = NewLocalNotifier()
	}
	return &Store{db: db, cipher: cipher, notifier: notifier}
}

// CreateSession inserts a new session with the given title and returns it.
func (s *Store) CreateSession(ctx context.Context, accountID, title string) (*models.Session, error) {
	now := time.Now().UTC()
	sess := &models.Session{
		ID:        uuid.NewString(),
		AccountID: accountID,
		Title:     title,
		CreatedAt: now,
		UpdatedAt: now,
	}
	err := withRetry(ctx, func() error {
		_, err := s.db.ExecContext(ctx,
			"INSERT INTO sessions (id, account_id, title, created_at, updated_at) VALUES (?, ?, ?, ?, ?)",
			sess.ID, sess.AccountID, sess.Title, sess.CreatedAt, sess.UpdatedAt)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("create session: %w", err)
	}
	return sess, nil
}

// GetSession loads one session owned by accountID.
func (s *Store) GetSession(ctx context.Context, accountID, sessionID string) (*models.Session, error) {
	var sess models.Session
	err := withRetry(ctx, func() error {
		row := s.db.QueryRowContext(ctx,
			"SELECT id, account_id, title, created_at, updated_at FROM sessions WHERE id = ? AND account_id = ?",
			sessionID, accountID)
		return row.Scan(&sess.ID, &sess.AccountID, &sess.Title, &sess.CreatedAt, &sess.UpdatedAt)
	})
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrSessionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get session: %w", err)
	}
	return &sess, nil
}

// ListSessions returns the account's sessions newest-activity first. Ties on
// updated_at fall back to id so the order stays stable across reads.
func (s *Store) ListSessions(ctx context.Context, accountID string) ([]models.Session, error) {
	var sessions []models.Session
	err := withRetry(ctx, func() error {
		rows, err := s.db.QueryContext(ctx,
			"SELECT id, account_id, title, created_at, updated_at FROM sessions WHERE account_id = ? ORDER BY updated_at DESC, id DESC",
			accountID)
		if err != nil {
			return err
		}
		defer rows.Close()

		sessions = sessions[:0]
		for rows.Next() {
			var sess models.Session
			if err := rows.Scan(&sess.ID, &sess.AccountID, &sess.Title, &sess.CreatedAt, &sess.UpdatedAt); err != nil {
				return err
			}
			sessions = append(sessions, sess)
		}
		return rows.Err()
	})
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	return sessions, nil
}

// UpdateSessionTitle renames a session and bumps its updated_at. Title
// mutations are the only writes that move a session in the recency order;
// appending messages does not.
func (s *Store) UpdateSessionTitle(ctx context.Context, accountID, sessionID, title string) error {
	err := withRetry(ctx, func() error {
		res, err := s.db.ExecContext(ctx,
			"UPDATE sessions SET title = ?, updated_at = ? WHERE id = ? AND account_id = ?",
			title, time.Now().UTC(), sessionID, accountID)
		if err != nil {
			return err
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if n == 0 {
			return sql.ErrNoRows
		}
		return nil
	})
	if errors.Is(err, sql.ErrNoRows) {
		return ErrSessionNotFound
	}
	if err != nil {
		return fmt.Errorf("update session title: %w", err)
	}
	return nil
}

// DeleteSession removes the session row and then its messages in a single
// transaction. The session row goes first so a partial failure leaves
// orphaned messages rather than a listed session with silently missing
// history; DeleteOrphanMessages re-collects the former.
func (s *Store) DeleteSession(ctx context.Context, accountID, sessionID string) error {
	err := withRetry(ctx, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return err
		}
		defer tx.Rollback()

		res, err := tx.ExecContext(ctx,
			"DELETE FROM sessions WHERE id = ? AND account_id = ?", sessionID, accountID)
		if err != nil {
			return err
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if n == 0 {
			return sql.ErrNoRows
		}
		if _, err := tx.ExecContext(ctx,
			"DELETE FROM messages WHERE session_id = ? AND account_id = ?", sessionID, accountID); err != nil {
			return err
		}
		return tx.Commit()
	})
	if errors.Is(err, sql.ErrNoRows) {
		return ErrSessionNotFound
	}
	if err != nil {
		return fmt.Errorf("delete session: %w", err)
	}
	return nil
}

// AppendMessage encrypts content under the account's key, stores it and
// notifies subscribers. The returned record carries the plaintext.
func (s *Store) AppendMessage(ctx context.Context, accountID, sessionID string, role models.Role, content string) (*models.Message, error) {
	blob, err := s.cipher.Encrypt(content, accountID)
	if err != nil {
		return nil, fmt.Errorf("append message: %w", err)
	}

	msg := &models.Message{
		ID:        uuid.NewString(),
		AccountID: accountID,
		SessionID: sessionID,
		Role:      role,
		Content:   content,
		Timestamp: time.Now().UTC(),
	}
	err = withRetry(ctx, func() error {
		var exists int
		row := s.db.QueryRowContext(ctx,
			"SELECT COUNT(1) FROM sessions WHERE id = ? AND account_id = ?", sessionID, accountID)
		if err := row.Scan(&exists); err != nil {
			return err
		}
		if exists == 0 {
			return sql.ErrNoRows
		}
		_, err := s.db.ExecContext(ctx,
			"INSERT INTO messages (id, account_id, session_id, role, content, created_at) VALUES (?, ?, ?, ?, ?, ?)",
			msg.ID, msg.AccountID, msg.SessionID, msg.Role, blob, msg.Timestamp)
		return err
	})
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrSessionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("append message: %w", err)
	}

	s.notifier.Notify(accountID, sessionID)
	return msg, nil
}

// ListMessages returns the session's messages oldest first, decrypted.
// A message whose blob fails authentication does not poison the rest: it
// comes back with empty content and DecryptFailed set.
func (s *Store) ListMessages(ctx context.Context, accountID, sessionID string) ([]models.Message, error) {
	var messages []models.Message
	err := withRetry(ctx, func() error {
		rows, err := s.db.QueryContext(ctx,
			"SELECT id, session_id, role, content, created_at FROM messages WHERE session_id = ? AND account_id = ? ORDER BY created_at ASC, id ASC",
			sessionID, accountID)
		if err != nil {
			return err
		}
		defer rows.Close()

		messages = messages[:0]
		for rows.Next() {
			var (
				msg  models.Message
				blob string
			)
			if err := rows.Scan(&msg.ID, &msg.SessionID, &msg.Role, &blob, &msg.Timestamp); err != nil {
				return err
			}
			msg.AccountID = accountID
			plain, err := s.cipher.Decrypt(blob, accountID)
			if err != nil {
				log.Printf("message %s: %v", msg.ID, err)
				msg.DecryptFailed = true
			} else {
				msg.Content = plain
			}
			messages = append(messages, msg)
		}
		return rows.Err()
	})
	if err != nil {
		return nil, fmt.Errorf("list messages: %w", err)
	}
	return messages, nil
}

// CountMessages counts the session's messages with the given role. An empty
// role counts all of them.
func (s *Store) CountMessages(ctx context.Context, accountID, sessionID string, role models.Role) (int, error) {
	var count int
	err := withRetry(ctx, func() error {
		var row *sql.Row
		if role == "" {
			row = s.db.QueryRowContext(ctx,
				"SELECT COUNT(1) FROM messages WHERE session_id = ? AND account_id = ?", sessionID, accountID)
		} else {
			row = s.db.QueryRowContext(ctx,
				"SELECT COUNT(1) FROM messages WHERE session_id = ? AND account_id = ? AND role = ?", sessionID, accountID, role)
		}
		return row.Scan(&count)
	})
	if err != nil {
		return 0, fmt.Errorf("count messages: %w", err)
	}
	return count, nil
}

// DeleteOrphanMessages removes messages whose session no longer exists.
// These appear when a DeleteSession commit failed between its two steps or
// the process died mid-delete in an earlier run.
func (s *Store) DeleteOrphanMessages(ctx context.Context, accountID string) (int64, error) {
	var removed int64
	err := withRetry(ctx, func() error {
		res, err := s.db.ExecContext(ctx,
			"DELETE FROM messages WHERE account_id = ? AND session_id NOT IN (SELECT id FROM sessions WHERE account_id = ?)",
			accountID, accountID)
		if err != nil {
			return err
		}
		removed, err = res.RowsAffected()
		return err
	})
	if err != nil {
		return 0, fmt.Errorf("delete orphan messages: %w", err)
	}
	return removed, nil
}
