package verification

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/mbd888/stepup/internal/risk"
)

// PostgresStore persists challenges in PostgreSQL. Every state change is a
// single conditional UPDATE ... RETURNING, so concurrent callers racing on
// the same token see exactly one winner.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a PostgreSQL-backed challenge store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

const challengeColumns = `
	token, user_id, assessment_id, status, otp_code, otp_issued_at,
	escrowed_payload, risk_score, risk_factors, attempts, version,
	expires_at, email_sent, email_sent_at, verified_at, created_at, updated_at`

func (p *PostgresStore) Create(ctx context.Context, c *Challenge) error {
	factorsJSON, err := json.Marshal(c.RiskFactors)
	if err != nil {
		return fmt.Errorf("failed to marshal risk factors: %w", err)
	}

	_, err = p.db.ExecContext(ctx, `
		INSERT INTO verification_challenges (`+challengeColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17)
	`,
		c.Token,
		c.UserID,
		nullString(c.AssessmentID),
		string(c.Status),
		nullString(c.OTPCode),
		nullTime(c.OTPIssuedAt),
		string(c.EscrowedPayload),
		c.RiskScore,
		factorsJSON,
		c.Attempts,
		c.Version,
		c.ExpiresAt,
		c.EmailSent,
		nullTime(c.EmailSentAt),
		nullTime(c.VerifiedAt),
		c.CreatedAt,
		c.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to create challenge: %w", err)
	}
	return nil
}

func (p *PostgresStore) Get(ctx context.Context, token, userID string) (*Challenge, error) {
	row := p.db.QueryRowContext(ctx, `
		SELECT `+challengeColumns+`
		FROM verification_challenges
		WHERE token = $1 AND user_id = $2
	`, token, userID)
	c, err := scanChallenge(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get challenge: %w", err)
	}
	return c, nil
}

func (p *PostgresStore) Transition(ctx context.Context, token, userID string, to Status, now time.Time) (*Challenge, error) {
	var verifiedAt interface{}
	if to == StatusVerified {
		verifiedAt = now
	}
	row := p.db.QueryRowContext(ctx, `
		UPDATE verification_challenges
		SET status = $3,
		    verified_at = COALESCE($4, verified_at),
		    version = version + 1,
		    updated_at = $5
		WHERE token = $1 AND user_id = $2 AND status = 'pending'
		  AND ($3 <> 'verified' OR expires_at >= $5)
		RETURNING `+challengeColumns,
		token, userID, string(to), verifiedAt, now)
	return p.conditional(ctx, row, token, userID, now, "transition challenge")
}

func (p *PostgresStore) AttachCode(ctx context.Context, token, userID, code string, expiresAt *time.Time, now time.Time) (*Challenge, error) {
	row := p.db.QueryRowContext(ctx, `
		UPDATE verification_challenges
		SET otp_code = $3,
		    otp_issued_at = $5,
		    email_sent = FALSE,
		    email_sent_at = NULL,
		    expires_at = COALESCE($4, expires_at),
		    version = version + 1,
		    updated_at = $5
		WHERE token = $1 AND user_id = $2 AND status = 'pending' AND expires_at >= $5
		RETURNING `+challengeColumns,
		token, userID, code, nullTime(expiresAt), now)
	return p.conditional(ctx, row, token, userID, now, "attach code")
}

func (p *PostgresStore) MarkEmailSent(ctx context.Context, token, userID string, now time.Time) (*Challenge, error) {
	row := p.db.QueryRowContext(ctx, `
		UPDATE verification_challenges
		SET email_sent = TRUE, email_sent_at = $3, version = version + 1, updated_at = $3
		WHERE token = $1 AND user_id = $2 AND status = 'pending'
		RETURNING `+challengeColumns,
		token, userID, now)
	return p.conditional(ctx, row, token, userID, now, "mark email sent")
}

func (p *PostgresStore) RecordFailedAttempt(ctx context.Context, token, userID string, maxAttempts int, now time.Time) (*Challenge, error) {
	row := p.db.QueryRowContext(ctx, `
		UPDATE verification_challenges
		SET attempts = attempts + 1,
		    status = CASE WHEN $3 > 0 AND attempts + 1 >= $3 THEN 'expired' ELSE status END,
		    version = version + 1,
		    updated_at = $4
		WHERE token = $1 AND user_id = $2 AND status = 'pending'
		RETURNING `+challengeColumns,
		token, userID, maxAttempts, now)
	return p.conditional(ctx, row, token, userID, now, "record failed attempt")
}

func (p *PostgresStore) UpdatePayload(ctx context.Context, token, userID string, payload json.RawMessage, version int, now time.Time) (*Challenge, error) {
	row := p.db.QueryRowContext(ctx, `
		UPDATE verification_challenges
		SET escrowed_payload = $3, version = version + 1, updated_at = $5
		WHERE token = $1 AND user_id = $2 AND status = 'pending'
		  AND expires_at >= $5 AND version = $4
		RETURNING `+challengeColumns,
		token, userID, string(payload), version, now)
	c, err := p.conditional(ctx, row, token, userID, now, "update payload")
	if errors.Is(err, errUnclassified) {
		return nil, ErrStaleWrite
	}
	return c, err
}

func (p *PostgresStore) ExpireStale(ctx context.Context, now time.Time, limit int) ([]ExpiredRef, error) {
	rows, err := p.db.QueryContext(ctx, `
		UPDATE verification_challenges
		SET status = 'expired', version = version + 1, updated_at = $1
		WHERE token IN (
			SELECT token FROM verification_challenges
			WHERE status = 'pending' AND expires_at < $1
			ORDER BY expires_at
			LIMIT $2
			FOR UPDATE SKIP LOCKED
		)
		RETURNING token, user_id
	`, now, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to expire stale challenges: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var refs []ExpiredRef
	for rows.Next() {
		var ref ExpiredRef
		if err := rows.Scan(&ref.Token, &ref.UserID); err != nil {
			return nil, err
		}
		refs = append(refs, ref)
	}
	return refs, rows.Err()
}

// errUnclassified means the row is pending and live but the update still
// matched nothing; only the version predicate can cause that.
var errUnclassified = errors.New("conditional update matched no row")

// conditional scans an UPDATE ... RETURNING row and, when nothing matched,
// explains why by re-reading the owned record.
func (p *PostgresStore) conditional(ctx context.Context, row *sql.Row, token, userID string, now time.Time, op string) (*Challenge, error) {
	c, err := scanChallenge(row)
	if err == nil {
		return c, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("failed to %s: %w", op, err)
	}

	var status string
	var expiresAt time.Time
	err = p.db.QueryRowContext(ctx, `
		SELECT status, expires_at FROM verification_challenges
		WHERE token = $1 AND user_id = $2
	`, token, userID).Scan(&status, &expiresAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to %s: %w", op, err)
	}
	switch Status(status) {
	case StatusVerified:
		return nil, ErrConflict
	case StatusExpired:
		return nil, ErrExpired
	}
	if now.After(expiresAt) {
		return nil, ErrExpired
	}
	return nil, errUnclassified
}

func scanChallenge(sc interface{ Scan(...interface{}) error }) (*Challenge, error) {
	var (
		c                        Challenge
		assessmentID, otpCode    sql.NullString
		status                   string
		otpIssuedAt, emailSentAt sql.NullTime
		verifiedAt               sql.NullTime
		payload, factorsJSON     []byte
	)
	err := sc.Scan(
		&c.Token, &c.UserID, &assessmentID, &status, &otpCode, &otpIssuedAt,
		&payload, &c.RiskScore, &factorsJSON, &c.Attempts, &c.Version,
		&c.ExpiresAt, &c.EmailSent, &emailSentAt, &verifiedAt, &c.CreatedAt, &c.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	c.AssessmentID = assessmentID.String
	c.Status = Status(status)
	c.OTPCode = otpCode.String
	c.OTPIssuedAt = timePtr(otpIssuedAt)
	c.EmailSentAt = timePtr(emailSentAt)
	c.VerifiedAt = timePtr(verifiedAt)
	c.EscrowedPayload = json.RawMessage(payload)
	if len(factorsJSON) > 0 {
		var factors []risk.Factor
		if err := json.Unmarshal(factorsJSON, &factors); err != nil {
			return nil, fmt.Errorf("decode risk factors: %w", err)
		}
		c.RiskFactors = factors
	}
	c.ExpiresAt = c.ExpiresAt.UTC()
	c.CreatedAt = c.CreatedAt.UTC()
	c.UpdatedAt = c.UpdatedAt.UTC()
	return &c, nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}

func timePtr(nt sql.NullTime) *time.Time {
	if !nt.Valid {
		return nil
	}
	t := nt.Time.UTC()
	return &t
}
