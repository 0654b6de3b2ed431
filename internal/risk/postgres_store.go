package risk

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/mbd888/stepup/internal/pagination"
)

// PostgresStore persists risk assessments in PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a PostgreSQL-backed risk assessment store.
// The schema is managed by the goose migrations in migrations/.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

const assessmentColumns = `
	id, user_id, order_id, payment_intent_id, risk_score, decision, confidence,
	risk_factors, transaction_amount, currency, item_count, store_count,
	ai_justification, justification_generated_at,
	user_agent, ip_address, shipping_country, shipping_state, shipping_city,
	created_at`

func (s *PostgresStore) Record(ctx context.Context, a *Assessment) error {
	factorsJSON, err := json.Marshal(a.RiskFactors)
	if err != nil {
		return fmt.Errorf("failed to marshal risk factors: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO risk_assessments (`+assessmentColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19, $20)
	`,
		a.ID,
		a.UserID,
		nullString(a.OrderID),
		nullString(a.PaymentIntentID),
		a.RiskScore,
		string(a.Decision),
		a.Confidence,
		factorsJSON,
		a.TransactionAmount,
		a.Currency,
		a.ItemCount,
		a.StoreCount,
		a.AIJustification,
		a.JustificationGeneratedAt,
		nullString(a.Context.UserAgent),
		nullString(a.Context.IPAddress),
		nullString(a.Context.Shipping.Country),
		nullString(a.Context.Shipping.State),
		nullString(a.Context.Shipping.City),
		a.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to record risk assessment: %w", err)
	}
	return nil
}

func (s *PostgresStore) Get(ctx context.Context, id string) (*Assessment, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+assessmentColumns+` FROM risk_assessments WHERE id = $1`, id)
	a, err := scanAssessment(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrAssessmentNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get risk assessment: %w", err)
	}
	return a, nil
}

func (s *PostgresStore) SetJustification(ctx context.Context, id, text string, at time.Time) error {
	result, err := s.db.ExecContext(ctx, `
		UPDATE risk_assessments
		SET ai_justification = $2, justification_generated_at = $3
		WHERE id = $1
	`, id, text, at.UTC())
	if err != nil {
		return fmt.Errorf("failed to store justification: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return ErrAssessmentNotFound
	}
	return nil
}

func (s *PostgresStore) ListByUser(ctx context.Context, userID string, before *pagination.Cursor, limit int) ([]*Assessment, error) {
	var beforeAt sql.NullTime
	var beforeID sql.NullString
	if before != nil {
		beforeAt = sql.NullTime{Time: before.CreatedAt, Valid: true}
		beforeID = sql.NullString{String: before.ID, Valid: true}
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+assessmentColumns+`
		FROM risk_assessments
		WHERE user_id = $1
		  AND ($2::timestamptz IS NULL OR (created_at, id) < ($2::timestamptz, $3::varchar))
		ORDER BY created_at DESC, id DESC
		LIMIT $4
	`, userID, beforeAt, beforeID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list risk assessments: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var result []*Assessment
	for rows.Next() {
		a, err := scanAssessment(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan risk assessment: %w", err)
		}
		result = append(result, a)
	}
	return result, rows.Err()
}

type scanner interface {
	Scan(dest ...interface{}) error
}

func scanAssessment(sc scanner) (*Assessment, error) {
	var (
		a                                Assessment
		orderID, intentID                sql.NullString
		decision                         string
		factorsJSON                      []byte
		justification                    sql.NullString
		generatedAt                      sql.NullTime
		userAgent, ipAddress             sql.NullString
		shipCountry, shipState, shipCity sql.NullString
	)
	err := sc.Scan(
		&a.ID, &a.UserID, &orderID, &intentID, &a.RiskScore, &decision, &a.Confidence,
		&factorsJSON, &a.TransactionAmount, &a.Currency, &a.ItemCount, &a.StoreCount,
		&justification, &generatedAt,
		&userAgent, &ipAddress, &shipCountry, &shipState, &shipCity,
		&a.CreatedAt,
	)
	if err != nil {
		return nil, err
	}

	a.OrderID = orderID.String
	a.PaymentIntentID = intentID.String
	a.Decision = Decision(decision)
	if len(factorsJSON) > 0 {
		if err := json.Unmarshal(factorsJSON, &a.RiskFactors); err != nil {
			return nil, fmt.Errorf("decode risk factors: %w", err)
		}
	}
	if justification.Valid {
		s := justification.String
		a.AIJustification = &s
	}
	if generatedAt.Valid {
		t := generatedAt.Time.UTC()
		a.JustificationGeneratedAt = &t
	}
	a.Context = RequestContext{
		UserAgent: userAgent.String,
		IPAddress: ipAddress.String,
		Shipping: Shipping{
			Country: shipCountry.String,
			State:   shipState.String,
			City:    shipCity.String,
		},
	}
	a.CreatedAt = a.CreatedAt.UTC()
	return &a, nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
