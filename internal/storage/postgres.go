/**
 * PostgreSQL Client for the Grading Worker
 *
 * Persists finished gradings and per-image OCR outcomes.
 */

package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "github.com/lib/pq"

	"github.com/adverant/nexus/grading-worker/internal/markup"
)

// ErrNotFound is returned when a lookup matches no row
var ErrNotFound = errors.New("not found")

// PostgresClient handles database operations
type PostgresClient struct {
	db *sql.DB
}

// GradingRecord is one finished grading stream
type GradingRecord struct {
	SessionID     string
	EssayID       string
	UserID        string
	Feedback      string
	EssayText     string
	Result        markup.StreamingParseResult
	QdrantPointID string
	CompletedAt   time.Time
}

// OCRImageRecord is the persisted state of one uploaded image
type OCRImageRecord struct {
	SessionID  string
	ImageID    string
	FileName   string
	MimeType   string
	Size       int64
	Status     string
	Text       string
	ErrorCode  string
	Error      string
	RetryCount int
	Version    uint64
	Details    map[string]interface{}
}

// sanitizeRatio clamps a ratio to [0, 1] and rounds it to 4 decimal places so
// it fits NUMERIC(5,4) without precision errors.
func sanitizeRatio(v float64) float64 {
	if v < 0.0 {
		return 0.0
	}
	if v > 1.0 {
		return 1.0
	}
	return float64(int(v*10000+0.5)) / 10000
}

// NewPostgresClient creates a new PostgreSQL client
func NewPostgresClient(databaseURL string) (*PostgresClient, error) {
	if databaseURL == "" {
		return nil, fmt.Errorf("database URL is required")
	}

	db, err := sql.Open("postgres", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)
	db.SetConnMaxIdleTime(2 * time.Minute)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return &PostgresClient{db: db}, nil
}

// NewPostgresClientFromDB wraps an existing handle
func NewPostgresClientFromDB(db *sql.DB) *PostgresClient {
	return &PostgresClient{db: db}
}

// UpsertGradingResult stores a finished grading, replacing any earlier row for
// the same session.
func (p *PostgresClient) UpsertGradingResult(ctx context.Context, rec *GradingRecord) error {
	if rec == nil || rec.SessionID == "" {
		return fmt.Errorf("session ID is required")
	}

	markersJSON, err := json.Marshal(rec.Result.Markers)
	if err != nil {
		return fmt.Errorf("failed to marshal markers: %w", err)
	}
	markersJSON = sanitizeJSONForPostgres(markersJSON)

	var (
		total, maxTotal, ratio sql.NullFloat64
		grade                  sql.NullString
		dimensionsJSON         []byte
	)
	if s := rec.Result.Score; s != nil {
		total = sql.NullFloat64{Float64: s.Total, Valid: true}
		maxTotal = sql.NullFloat64{Float64: s.MaxTotal, Valid: true}
		ratio = sql.NullFloat64{Float64: sanitizeRatio(s.Percent() / 100), Valid: true}
		grade = sql.NullString{String: string(s.Grade), Valid: true}
		if dimensionsJSON, err = json.Marshal(s.Dimensions); err != nil {
			return fmt.Errorf("failed to marshal dimensions: %w", err)
		}
		dimensionsJSON = sanitizeJSONForPostgres(dimensionsJSON)
	}

	completedAt := rec.CompletedAt
	if completedAt.IsZero() {
		completedAt = time.Now()
	}

	query := `
		INSERT INTO grading.results (
			session_id, essay_id, user_id, feedback, markers,
			score_total, score_max, score_ratio, grade, dimensions,
			qdrant_point_id, completed_at
		) VALUES (
			$1, NULLIF($2, ''), COALESCE(NULLIF($3, ''), 'anonymous'), $4, $5::jsonb,
			$6, $7, $8::NUMERIC(5,4), $9, $10::jsonb,
			CASE WHEN $11 = '' THEN NULL ELSE $11::uuid END, $12
		)
		ON CONFLICT (session_id) DO UPDATE SET
			essay_id = COALESCE(EXCLUDED.essay_id, grading.results.essay_id),
			user_id = EXCLUDED.user_id,
			feedback = EXCLUDED.feedback,
			markers = EXCLUDED.markers,
			score_total = EXCLUDED.score_total,
			score_max = EXCLUDED.score_max,
			score_ratio = EXCLUDED.score_ratio,
			grade = EXCLUDED.grade,
			dimensions = EXCLUDED.dimensions,
			qdrant_point_id = COALESCE(EXCLUDED.qdrant_point_id, grading.results.qdrant_point_id),
			completed_at = EXCLUDED.completed_at,
			updated_at = NOW()
	`

	_, err = p.db.ExecContext(
		ctx,
		query,
		rec.SessionID,
		rec.EssayID,
		rec.UserID,
		rec.Feedback,
		markersJSON,
		total,
		maxTotal,
		ratio,
		grade,
		dimensionsJSON,
		rec.QdrantPointID,
		completedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to upsert grading result (session=%s): %w", rec.SessionID, err)
	}
	return nil
}

// GetGradingResult loads the stored grading for a session
func (p *PostgresClient) GetGradingResult(ctx context.Context, sessionID string) (*GradingRecord, error) {
	if sessionID == "" {
		return nil, fmt.Errorf("session ID is required")
	}

	query := `
		SELECT
			session_id, essay_id, user_id, feedback, markers,
			score_total, score_max, grade, dimensions,
			qdrant_point_id, completed_at
		FROM grading.results
		WHERE session_id = $1
	`

	var (
		rec                   GradingRecord
		essayID, pointID      sql.NullString
		grade                 sql.NullString
		total, maxTotal       sql.NullFloat64
		markersJSON, dimsJSON []byte
	)

	err := p.db.QueryRowContext(ctx, query, sessionID).Scan(
		&rec.SessionID, &essayID, &rec.UserID, &rec.Feedback, &markersJSON,
		&total, &maxTotal, &grade, &dimsJSON,
		&pointID, &rec.CompletedAt,
	)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("grading result %s: %w", sessionID, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get grading result: %w", err)
	}

	rec.EssayID = essayID.String
	rec.QdrantPointID = pointID.String

	rec.Result.Markers = []markup.Marker{}
	if len(markersJSON) > 0 {
		if err := json.Unmarshal(markersJSON, &rec.Result.Markers); err != nil {
			return nil, fmt.Errorf("failed to unmarshal markers: %w", err)
		}
	}

	if total.Valid && maxTotal.Valid {
		score := &markup.ParsedScore{
			Total:      total.Float64,
			MaxTotal:   maxTotal.Float64,
			Grade:      markup.Grade(grade.String),
			IsComplete: true,
		}
		if len(dimsJSON) > 0 {
			if err := json.Unmarshal(dimsJSON, &score.Dimensions); err != nil {
				return nil, fmt.Errorf("failed to unmarshal dimensions: %w", err)
			}
		}
		rec.Result.Score = score
	}

	return &rec, nil
}

// UpsertOCRImage records the latest state of an uploaded image
func (p *PostgresClient) UpsertOCRImage(ctx context.Context, img *OCRImageRecord) error {
	if img == nil || img.ImageID == "" {
		return fmt.Errorf("image ID is required")
	}
	if img.Status == "" {
		return fmt.Errorf("status is required")
	}

	detailsJSON, err := json.Marshal(img.Details)
	if err != nil {
		return fmt.Errorf("failed to marshal details: %w", err)
	}
	detailsJSON = sanitizeJSONForPostgres(detailsJSON)

	// Rows only move forward: an older version never overwrites a newer one.
	query := `
		INSERT INTO grading.ocr_images (
			id, session_id, file_name, mime_type, file_size,
			status, ocr_text, error_code, error_message, retry_count,
			ocr_version, details, created_at, updated_at
		) VALUES (
			$1::uuid, $2, $3, $4, $5,
			$6, NULLIF($7, ''), NULLIF($8, ''), NULLIF($9, ''), $10,
			$11, COALESCE($12::jsonb, '{}'::jsonb), NOW(), NOW()
		)
		ON CONFLICT (id) DO UPDATE SET
			status = EXCLUDED.status,
			ocr_text = EXCLUDED.ocr_text,
			error_code = EXCLUDED.error_code,
			error_message = EXCLUDED.error_message,
			retry_count = EXCLUDED.retry_count,
			ocr_version = EXCLUDED.ocr_version,
			details = EXCLUDED.details,
			updated_at = NOW()
		WHERE grading.ocr_images.ocr_version <= EXCLUDED.ocr_version
	`

	_, err = p.db.ExecContext(
		ctx,
		query,
		img.ImageID,
		img.SessionID,
		img.FileName,
		img.MimeType,
		img.Size,
		img.Status,
		img.Text,
		img.ErrorCode,
		img.Error,
		img.RetryCount,
		int64(img.Version),
		detailsJSON,
	)
	if err != nil {
		return fmt.Errorf("failed to upsert OCR image (image=%s, status=%s): %w", img.ImageID, img.Status, err)
	}
	return nil
}

// Ping checks database connectivity
func (p *PostgresClient) Ping(ctx context.Context) error {
	return p.db.PingContext(ctx)
}

// Close closes the database connection
func (p *PostgresClient) Close() error {
	if p.db != nil {
		return p.db.Close()
	}
	return nil
}

// GetStats returns connection pool statistics
func (p *PostgresClient) GetStats() sql.DBStats {
	return p.db.Stats()
}
