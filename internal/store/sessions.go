package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/rahul/cantiere/internal/session"
)

var _ session.Store = (*Store)(nil)

func (s *Store) Create(ctx context.Context, sess *session.Session) error {
	payload, err := json.Marshal(sess)
	if err != nil {
		return fmt.Errorf("encode session: %w", err)
	}
	_, err = s.DB.ExecContext(ctx, `
INSERT INTO sessions (id, status, channel, channel_id, user_id, created_at, updated_at, payload_json)
VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		sess.ID, string(sess.Status), sess.Channel, sess.ChannelID, sess.UserID,
		formatTime(sess.CreatedAt), formatTime(sess.UpdatedAt), string(payload))
	if err != nil {
		return fmt.Errorf("insert session: %w", err)
	}
	return nil
}

func (s *Store) Get(ctx context.Context, id string) (*session.Session, error) {
	var payload string
	err := s.DB.QueryRowContext(ctx, `SELECT payload_json FROM sessions WHERE id = ?`, id).Scan(&payload)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, session.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get session: %w", err)
	}
	return decodeSession(payload)
}

func (s *Store) Save(ctx context.Context, sess *session.Session) error {
	payload, err := json.Marshal(sess)
	if err != nil {
		return fmt.Errorf("encode session: %w", err)
	}
	res, err := s.DB.ExecContext(ctx, `
UPDATE sessions SET status = ?, channel = ?, channel_id = ?, user_id = ?, updated_at = ?, payload_json = ?
WHERE id = ?`,
		string(sess.Status), sess.Channel, sess.ChannelID, sess.UserID,
		formatTime(sess.UpdatedAt), string(payload), sess.ID)
	if err != nil {
		return fmt.Errorf("update session: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("update session: %w", err)
	}
	if n == 0 {
		return session.ErrNotFound
	}
	return nil
}

func (s *Store) List(ctx context.Context, f session.Filter) ([]*session.Session, error) {
	var (
		where []string
		args  []any
	)
	if f.Status != "" {
		where = append(where, "status = ?")
		args = append(args, string(f.Status))
	}
	if f.Channel != "" {
		where = append(where, "channel = ?")
		args = append(args, f.Channel)
	}
	if f.ChannelID != "" {
		where = append(where, "channel_id = ?")
		args = append(args, f.ChannelID)
	}
	if !f.UpdatedBefore.IsZero() {
		where = append(where, "updated_at < ?")
		args = append(args, formatTime(f.UpdatedBefore))
	}

	query := `SELECT payload_json FROM sessions`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY updated_at DESC"

	rows, err := s.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	defer rows.Close()

	var out []*session.Session
	for rows.Next() {
		var payload string
		if err := rows.Scan(&payload); err != nil {
			return nil, fmt.Errorf("scan session: %w", err)
		}
		sess, err := decodeSession(payload)
		if err != nil {
			return nil, err
		}
		out = append(out, sess)
	}
	return out, rows.Err()
}

func decodeSession(payload string) (*session.Session, error) {
	var sess session.Session
	if err := json.Unmarshal([]byte(payload), &sess); err != nil {
		return nil, fmt.Errorf("decode session: %w", err)
	}
	return &sess, nil
}
