package postgres

import (
	"context"

	"github.com/JakeFAU/channel-scraper/internal/scraper"
)

const sessionColumns = `id, owner_id, name, api_id, api_hash, phone, state, credential, challenge_id,
	remote_user_id, last_error, created_at, updated_at`

func scanSession(row rowScanner) (scraper.Session, error) {
	var (
		sess  scraper.Session
		state string
	)
	err := row.Scan(
		&sess.ID, &sess.OwnerID, &sess.Name, &sess.APIID, &sess.APIHash, &sess.Phone, &state, &sess.Credential,
		&sess.ChallengeID, &sess.RemoteUserID, &sess.LastError, &sess.Created, &sess.Updated,
	)
	sess.State = scraper.SessionState(state)
	return sess, err
}

// CreateSession inserts a session.
func (s *Store) CreateSession(ctx context.Context, sess scraper.Session) error {
	_, err := s.pool.Exec(ctx, `
INSERT INTO sessions (id, owner_id, name, api_id, api_hash, phone, state, credential, challenge_id,
	remote_user_id, last_error, created_at, updated_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)`,
		sess.ID, sess.OwnerID, sess.Name, sess.APIID, sess.APIHash, sess.Phone, string(sess.State), sess.Credential,
		sess.ChallengeID, sess.RemoteUserID, sess.LastError, sess.Created, sess.Updated,
	)
	return mapErr("create session", err)
}

// GetSession fetches a session by ID.
func (s *Store) GetSession(ctx context.Context, sessionID string) (scraper.Session, error) {
	sess, err := scanSession(s.pool.QueryRow(ctx, `SELECT `+sessionColumns+` FROM sessions WHERE id = $1`, sessionID))
	if err != nil {
		return scraper.Session{}, mapErr("get session", err)
	}
	return sess, nil
}

// ListSessions returns the sessions of an owner, oldest first.
func (s *Store) ListSessions(ctx context.Context, ownerID string) ([]scraper.Session, error) {
	rows, err := s.pool.Query(ctx, `SELECT `+sessionColumns+` FROM sessions WHERE owner_id = $1 ORDER BY created_at, id`, ownerID)
	if err != nil {
		return nil, mapErr("list sessions", err)
	}
	defer rows.Close()
	var out []scraper.Session
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			return nil, mapErr("scan session", err)
		}
		out = append(out, sess)
	}
	return out, mapErr("list sessions", rows.Err())
}

// UpdateSession persists the auth state of a session.
func (s *Store) UpdateSession(ctx context.Context, sess scraper.Session) error {
	tag, err := s.pool.Exec(ctx, `
UPDATE sessions SET name = $2, phone = $3, state = $4, credential = $5, challenge_id = $6, remote_user_id = $7,
	last_error = $8, updated_at = $9
WHERE id = $1`,
		sess.ID, sess.Name, sess.Phone, string(sess.State), sess.Credential, sess.ChallengeID, sess.RemoteUserID,
		sess.LastError, sess.Updated,
	)
	if err != nil {
		return mapErr("update session", err)
	}
	if tag.RowsAffected() == 0 {
		return notFound("update session", "session", sess.ID)
	}
	return nil
}

// DeleteSession removes a session.
func (s *Store) DeleteSession(ctx context.Context, sessionID string) error {
	tag, err := s.pool.Exec(ctx, `DELETE FROM sessions WHERE id = $1`, sessionID)
	if err != nil {
		return mapErr("delete session", err)
	}
	if tag.RowsAffected() == 0 {
		return notFound("delete session", "session", sessionID)
	}
	return nil
}

// MarkUnauthenticated drops the credential and records the reason.
func (s *Store) MarkUnauthenticated(ctx context.Context, sessionID string, reason string) error {
	tag, err := s.pool.Exec(ctx, `
UPDATE sessions SET state = 'unauthenticated', credential = NULL, challenge_id = '', last_error = $2, updated_at = now()
WHERE id = $1`, sessionID, reason)
	if err != nil {
		return mapErr("mark unauthenticated", err)
	}
	if tag.RowsAffected() == 0 {
		return notFound("mark unauthenticated", "session", sessionID)
	}
	return nil
}
