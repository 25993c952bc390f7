/**
 * Storage Manager for the Grading Worker
 *
 * Coordinates PostgreSQL (results, OCR images) and the optional Qdrant essay
 * index. A grading is indexed first and rolled back from Qdrant when the
 * PostgreSQL write fails.
 */

package storage

import (
	"context"
	"fmt"
	"regexp"
	"time"

	"github.com/google/uuid"

	"github.com/adverant/nexus/grading-worker/internal/logging"
)

// Embedder turns essay text into a vector
type Embedder interface {
	GenerateEmbedding(ctx context.Context, text string) ([]float32, error)
}

// VectorIndex is the subset of QdrantClient used by the manager
type VectorIndex interface {
	UpsertVector(ctx context.Context, point *VectorPoint) error
	SearchVectors(ctx context.Context, queryVector []float32, limit int) ([]*VectorPoint, error)
	DeleteVector(ctx context.Context, pointID string) error
}

// SimilarEssay is one hit from the essay index
type SimilarEssay struct {
	SessionID  string    `json:"sessionId"`
	EssayID    string    `json:"essayId,omitempty"`
	Grade      string    `json:"grade,omitempty"`
	Total      float64   `json:"total"`
	MaxTotal   float64   `json:"maxTotal"`
	Similarity float32   `json:"similarity"`
	GradedAt   time.Time `json:"gradedAt"`
}

// StorageManager coordinates PostgreSQL and Qdrant operations
type StorageManager struct {
	postgres *PostgresClient
	vectors  VectorIndex
	embedder Embedder
	logger   *logging.Logger
}

// NewStorageManager creates a manager. vectors and embedder may both be nil,
// in which case gradings are stored without indexing.
func NewStorageManager(postgres *PostgresClient, vectors VectorIndex, embedder Embedder) *StorageManager {
	return &StorageManager{
		postgres: postgres,
		vectors:  vectors,
		embedder: embedder,
		logger:   logging.NewLogger("StorageManager"),
	}
}

// IndexEnabled reports whether gradings are embedded into the vector index
func (sm *StorageManager) IndexEnabled() bool {
	return sm.vectors != nil && sm.embedder != nil
}

// StoreGrading persists a finished grading and indexes its essay text
func (sm *StorageManager) StoreGrading(ctx context.Context, rec *GradingRecord) error {
	if rec == nil {
		return fmt.Errorf("record is required")
	}
	if rec.SessionID == "" {
		return fmt.Errorf("session ID is required")
	}

	pointID := ""
	if sm.IndexEnabled() && rec.EssayText != "" {
		embedding, err := sm.embedder.GenerateEmbedding(ctx, rec.EssayText)
		if err != nil {
			return fmt.Errorf("failed to embed essay: %w", err)
		}

		pointID = uuid.New().String()
		point := &VectorPoint{
			ID:     pointID,
			Vector: embedding,
			Payload: map[string]interface{}{
				"session_id": rec.SessionID,
				"essay_id":   rec.EssayID,
				"user_id":    rec.UserID,
				"timestamp":  time.Now().Unix(),
			},
		}
		if s := rec.Result.Score; s != nil {
			point.Payload["grade"] = string(s.Grade)
			point.Payload["total"] = s.Total
			point.Payload["max_total"] = s.MaxTotal
		}

		if err := sm.vectors.UpsertVector(ctx, point); err != nil {
			return fmt.Errorf("failed to store vector in Qdrant: %w", err)
		}
	}

	rec.QdrantPointID = pointID
	if err := sm.postgres.UpsertGradingResult(ctx, rec); err != nil {
		if pointID != "" {
			if delErr := sm.vectors.DeleteVector(ctx, pointID); delErr != nil {
				sm.logger.Error("Failed to roll back Qdrant point", "point", pointID, "error", delErr)
			}
		}
		rec.QdrantPointID = ""
		return fmt.Errorf("failed to store grading in PostgreSQL: %w", err)
	}

	sm.logger.Info("Stored grading",
		"session", rec.SessionID,
		"essay", rec.EssayID,
		"indexed", pointID != "")
	return nil
}

// SearchSimilarEssays embeds text and returns the closest graded essays.
// Hits whose result row is gone are skipped.
func (sm *StorageManager) SearchSimilarEssays(ctx context.Context, text string, limit int) ([]*SimilarEssay, error) {
	if !sm.IndexEnabled() {
		return nil, fmt.Errorf("essay index is not configured")
	}

	query, err := sm.embedder.GenerateEmbedding(ctx, text)
	if err != nil {
		return nil, fmt.Errorf("failed to embed query: %w", err)
	}

	points, err := sm.vectors.SearchVectors(ctx, query, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to search vectors: %w", err)
	}

	results := make([]*SimilarEssay, 0, len(points))
	for _, point := range points {
		sessionID, ok := point.Payload["session_id"].(string)
		if !ok || sessionID == "" {
			continue
		}

		rec, err := sm.postgres.GetGradingResult(ctx, sessionID)
		if err != nil {
			sm.logger.Debug("Skipping index hit", "session", sessionID, "error", err)
			continue
		}

		hit := &SimilarEssay{
			SessionID:  sessionID,
			EssayID:    rec.EssayID,
			Similarity: point.Score,
			GradedAt:   rec.CompletedAt,
		}
		if s := rec.Result.Score; s != nil {
			hit.Grade = string(s.Grade)
			hit.Total = s.Total
			hit.MaxTotal = s.MaxTotal
		}
		results = append(results, hit)
	}

	return results, nil
}

// StoreOCRImage records the latest state of an uploaded image
func (sm *StorageManager) StoreOCRImage(ctx context.Context, img *OCRImageRecord) error {
	return sm.postgres.UpsertOCRImage(ctx, img)
}

// GetGradingResult loads a stored grading
func (sm *StorageManager) GetGradingResult(ctx context.Context, sessionID string) (*GradingRecord, error) {
	return sm.postgres.GetGradingResult(ctx, sessionID)
}

// Ping checks PostgreSQL connectivity
func (sm *StorageManager) Ping(ctx context.Context) error {
	return sm.postgres.Ping(ctx)
}

// GetStats returns statistics from both systems
func (sm *StorageManager) GetStats(ctx context.Context) (map[string]interface{}, error) {
	pgStats := sm.postgres.GetStats()

	stats := map[string]interface{}{
		"postgres": map[string]interface{}{
			"max_open_connections": pgStats.MaxOpenConnections,
			"open_connections":     pgStats.OpenConnections,
			"in_use":               pgStats.InUse,
			"idle":                 pgStats.Idle,
			"wait_count":           pgStats.WaitCount,
			"wait_duration":        pgStats.WaitDuration.String(),
		},
	}

	if qc, ok := sm.vectors.(*QdrantClient); ok {
		info, err := qc.GetCollectionInfo(ctx)
		if err != nil {
			return nil, fmt.Errorf("failed to get Qdrant stats: %w", err)
		}
		stats["qdrant"] = info
	}

	return stats, nil
}

// Close closes all connections
func (sm *StorageManager) Close() error {
	var pgErr, qdErr error

	if sm.postgres != nil {
		pgErr = sm.postgres.Close()
	}
	if qc, ok := sm.vectors.(*QdrantClient); ok {
		qdErr = qc.Close()
	}

	if pgErr != nil {
		return fmt.Errorf("failed to close PostgreSQL: %w", pgErr)
	}
	if qdErr != nil {
		return fmt.Errorf("failed to close Qdrant: %w", qdErr)
	}
	return nil
}

var (
	jsonNullEscape    = regexp.MustCompile(`\\u0000`)
	jsonControlEscape = regexp.MustCompile(`\\u00[01][0-9a-fA-F]`)
)

// sanitizeJSONForPostgres strips escapes JSONB rejects. \u0000 is removed and
// other control escapes become a space.
func sanitizeJSONForPostgres(jsonBytes []byte) []byte {
	result := jsonNullEscape.ReplaceAll(jsonBytes, []byte{})
	return jsonControlEscape.ReplaceAll(result, []byte(" "))
}
