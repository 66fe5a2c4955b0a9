package catalog

import (
	"context"
	"time"

	"gorm.io/gorm"

	"github.com/blinksync/syncbrain/internal/errors"
)

// RegisterClip inserts clip as pending/unprocessed unless its discovery key is
// already known, in which case the stored clip is returned with created=false.
func (s *Store) RegisterClip(ctx context.Context, clip *Clip) (stored *Clip, created bool, err error) {
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var existing Clip
		res := tx.Where("discovery_key = ?", clip.DiscoveryKey).Limit(1).Find(&existing)
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected > 0 {
			stored = &existing
			return nil
		}

		if clip.TransferStatus == "" {
			clip.TransferStatus = TransferPending
		}
		if clip.ProcessingStatus == "" {
			clip.ProcessingStatus = StatusUnprocessed
		}
		if clip.DiscoveredAt.IsZero() {
			clip.DiscoveredAt = time.Now().UTC()
		}
		if err := tx.Create(clip).Error; err != nil {
			return err
		}
		stored, created = clip, true
		return nil
	})
	if err != nil {
		return nil, false, dbError(err, "register_clip")
	}
	return stored, created, nil
}

// GetClip returns a clip by ID
func (s *Store) GetClip(ctx context.Context, id string) (*Clip, error) {
	var clip Clip
	res := s.db.WithContext(ctx).Where("id = ?", id).Limit(1).Find(&clip)
	if res.Error != nil {
		return nil, dbError(res.Error, "get_clip")
	}
	if res.RowsAffected == 0 {
		return nil, notFound(ErrClipNotFound, id)
	}
	return &clip, nil
}

// ClipByDiscoveryKey returns the clip registered under key
func (s *Store) ClipByDiscoveryKey(ctx context.Context, key string) (*Clip, error) {
	var clip Clip
	res := s.db.WithContext(ctx).Where("discovery_key = ?", key).Limit(1).Find(&clip)
	if res.Error != nil {
		return nil, dbError(res.Error, "clip_by_discovery_key")
	}
	if res.RowsAffected == 0 {
		return nil, notFound(ErrClipNotFound, key)
	}
	return &clip, nil
}

// KnownKeys returns every discovery key in the catalog
func (s *Store) KnownKeys(ctx context.Context) ([]string, error) {
	var keys []string
	if err := s.db.WithContext(ctx).Model(&Clip{}).Pluck("discovery_key", &keys).Error; err != nil {
		return nil, dbError(err, "known_keys")
	}
	return keys, nil
}

// ClipFilter narrows ListClips. Zero fields do not filter.
type ClipFilter struct {
	TransferStatus   []TransferStatus
	ProcessingStatus []ProcessingStatus
	DiscoveredBefore time.Time
	DiscoveredAfter  time.Time // inclusive
	Limit            int
	NewestFirst      bool
}

// ListClips returns clips in discovery order, oldest first unless NewestFirst
func (s *Store) ListClips(ctx context.Context, f ClipFilter) ([]Clip, error) {
	q := s.db.WithContext(ctx).Model(&Clip{})
	if len(f.TransferStatus) > 0 {
		q = q.Where("transfer_status IN ?", f.TransferStatus)
	}
	if len(f.ProcessingStatus) > 0 {
		q = q.Where("processing_status IN ?", f.ProcessingStatus)
	}
	if !f.DiscoveredBefore.IsZero() {
		q = q.Where("discovered_at < ?", f.DiscoveredBefore.UTC())
	}
	if !f.DiscoveredAfter.IsZero() {
		q = q.Where("discovered_at >= ?", f.DiscoveredAfter.UTC())
	}
	if f.NewestFirst {
		q = q.Order("discovered_at DESC").Order("id DESC")
	} else {
		q = q.Order("discovered_at ASC").Order("id ASC")
	}
	if f.Limit > 0 {
		q = q.Limit(f.Limit)
	}

	var clips []Clip
	if err := q.Find(&clips).Error; err != nil {
		return nil, dbError(err, "list_clips")
	}
	return clips, nil
}

// TransferUpdate is the outcome of one transfer attempt
type TransferUpdate struct {
	Status      TransferStatus
	LocalPath   string
	ContentHash string
	Error       string
}

// UpdateTransfer records a transfer attempt
func (s *Store) UpdateTransfer(ctx context.Context, id string, u TransferUpdate) error {
	updates := map[string]any{
		"transfer_status":   u.Status,
		"transfer_attempts": gorm.Expr("transfer_attempts + 1"),
		"last_error":        u.Error,
	}
	if u.Status == TransferTransferred {
		updates["local_path"] = u.LocalPath
		updates["content_hash"] = u.ContentHash
	}
	return s.updateClip(ctx, id, "update_transfer", updates)
}

// ProcessingUpdate changes a clip's processing state outside of AddResult
type ProcessingUpdate struct {
	Status        ProcessingStatus
	LastError     string
	ResetAttempts bool
}

// UpdateProcessing sets the processing status of a clip
func (s *Store) UpdateProcessing(ctx context.Context, id string, u ProcessingUpdate) error {
	updates := map[string]any{
		"processing_status": u.Status,
		"last_error":        u.LastError,
	}
	if u.ResetAttempts {
		updates["attempts"] = 0
	}
	return s.updateClip(ctx, id, "update_processing", updates)
}

// VideoInfo is container metadata read by the decoder
type VideoInfo struct {
	Width      int
	Height     int
	FPS        float64
	FrameCount int
	Duration   time.Duration
	Codec      string
}

// SetVideoInfo stores decoder metadata on a clip
func (s *Store) SetVideoInfo(ctx context.Context, id string, v VideoInfo) error {
	return s.updateClip(ctx, id, "set_video_info", map[string]any{
		"width":          v.Width,
		"height":         v.Height,
		"fps":            v.FPS,
		"frame_count":    v.FrameCount,
		"video_duration": v.Duration,
		"codec":          v.Codec,
	})
}

func (s *Store) updateClip(ctx context.Context, id, operation string, updates map[string]any) error {
	db := s.db.WithContext(ctx)
	res := db.Model(&Clip{}).Where("id = ?", id).Updates(updates)
	if res.Error != nil {
		return dbError(res.Error, operation)
	}
	if res.RowsAffected == 0 {
		return requireClip(db, id, operation)
	}
	return nil
}

// requireClip tells a missing clip apart from an update that matched a row
// without changing it, which some drivers report as zero affected rows.
func requireClip(db *gorm.DB, id, operation string) error {
	var n int64
	if err := db.Model(&Clip{}).Where("id = ?", id).Count(&n).Error; err != nil {
		return dbError(err, operation)
	}
	if n == 0 {
		return notFound(ErrClipNotFound, id)
	}
	return nil
}

// DeleteClip removes a clip and all of its results
func (s *Store) DeleteClip(ctx context.Context, id string) error {
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		resultIDs := tx.Model(&ProcessingResult{}).Select("id").Where("clip_id = ?", id)
		if err := tx.Where("result_id IN (?)", resultIDs).Delete(&FaceMatch{}).Error; err != nil {
			return err
		}
		if err := tx.Where("clip_id = ?", id).Delete(&ProcessingResult{}).Error; err != nil {
			return err
		}
		res := tx.Where("id = ?", id).Delete(&Clip{})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return notFound(ErrClipNotFound, id)
		}
		return nil
	})
	if err != nil {
		if errors.IsNotFound(err) {
			return err
		}
		return dbError(err, "delete_clip")
	}
	return nil
}

// StatusCounts summarises the catalog for the status query
type StatusCounts struct {
	Total          int64 `json:"total"`
	Pending        int64 `json:"pending"`         // transfer pending
	TransferFailed int64 `json:"transfer_failed"` // last transfer attempt failed
	Unprocessed    int64 `json:"unprocessed"`     // transferred, waiting for the processor
	Processing     int64 `json:"processing"`
	Done           int64 `json:"done"`
	Error          int64 `json:"error"`
}

// CountByStatus counts clips per transfer and processing status
func (s *Store) CountByStatus(ctx context.Context) (StatusCounts, error) {
	var counts StatusCounts

	type row struct {
		TransferStatus   TransferStatus
		ProcessingStatus ProcessingStatus
		N                int64
	}
	var rows []row
	err := s.db.WithContext(ctx).Model(&Clip{}).
		Select("transfer_status, processing_status, COUNT(*) AS n").
		Group("transfer_status, processing_status").
		Scan(&rows).Error
	if err != nil {
		return counts, dbError(err, "count_by_status")
	}

	for _, r := range rows {
		counts.Total += r.N
		switch r.TransferStatus {
		case TransferPending:
			counts.Pending += r.N
			continue
		case TransferFailed:
			counts.TransferFailed += r.N
			continue
		}
		switch r.ProcessingStatus {
		case StatusUnprocessed:
			counts.Unprocessed += r.N
		case StatusProcessing:
			counts.Processing += r.N
		case StatusDone:
			counts.Done += r.N
		case StatusError:
			counts.Error += r.N
		}
	}
	return counts, nil
}
