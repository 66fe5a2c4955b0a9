package catalog

import (
	"context"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// AddResult writes an immutable processing result with its matches and moves
// the clip to clipStatus in the same transaction. Match positions follow the
// slice order.
func (s *Store) AddResult(ctx context.Context, result *ProcessingResult, clipStatus ProcessingStatus) error {
	if result.ID == "" {
		id, err := uuid.NewV7()
		if err != nil {
			return dbError(err, "add_result")
		}
		result.ID = id.String()
	}
	if result.CreatedAt.IsZero() {
		result.CreatedAt = time.Now().UTC()
	}
	for i := range result.Matches {
		result.Matches[i].ID = 0
		result.Matches[i].ResultID = result.ID
		result.Matches[i].Position = i
	}

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Model(&Clip{}).Where("id = ?", result.ClipID).Updates(map[string]any{
			"processing_status": clipStatus,
			"attempts":          result.Attempt,
			"last_error":        result.ErrorDetail,
		})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			if err := requireClip(tx, result.ClipID, "add_result"); err != nil {
				return err
			}
		}
		return tx.Create(result).Error
	})
	if err != nil {
		return dbError(err, "add_result")
	}
	return nil
}

// LatestResult returns the current result of a clip: the most recently written one
func (s *Store) LatestResult(ctx context.Context, clipID string) (*ProcessingResult, error) {
	results, err := s.results(ctx, clipID, 1)
	if err != nil {
		return nil, err
	}
	if len(results) == 0 {
		return nil, notFound(ErrResultNotFound, clipID)
	}
	return &results[0], nil
}

// Results returns every result of a clip, newest first
func (s *Store) Results(ctx context.Context, clipID string) ([]ProcessingResult, error) {
	return s.results(ctx, clipID, 0)
}

func (s *Store) results(ctx context.Context, clipID string, limit int) ([]ProcessingResult, error) {
	q := s.db.WithContext(ctx).
		Preload("Matches", func(db *gorm.DB) *gorm.DB { return db.Order("position ASC") }).
		Where("clip_id = ?", clipID).
		Order("id DESC")
	if limit > 0 {
		q = q.Limit(limit)
	}
	var results []ProcessingResult
	if err := q.Find(&results).Error; err != nil {
		return nil, dbError(err, "results")
	}
	return results, nil
}
