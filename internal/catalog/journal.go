package catalog

import (
	"context"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/blinksync/syncbrain/internal/drive"
)

// AppendTransition adds an entry to the mode transition log
func (s *Store) AppendTransition(ctx context.Context, t drive.Transition) (drive.Transition, error) {
	if t.Timestamp.IsZero() {
		t.Timestamp = time.Now()
	}
	row := ModeTransition{
		FromMode:   string(t.From),
		TargetMode: string(t.Target),
		Outcome:    string(t.Outcome),
		Reason:     t.Reason,
		Attempts:   t.Attempts,
		Duration:   t.Duration,
		Timestamp:  t.Timestamp.UTC(),
	}
	if err := s.db.WithContext(ctx).Create(&row).Error; err != nil {
		return t, dbError(err, "append_transition")
	}
	t.ID = row.ID
	return t, nil
}

// RecentTransitions returns the last n transitions, newest first
func (s *Store) RecentTransitions(ctx context.Context, n int) ([]drive.Transition, error) {
	var rows []ModeTransition
	q := s.db.WithContext(ctx).Order("id DESC")
	if n > 0 {
		q = q.Limit(n)
	}
	if err := q.Find(&rows).Error; err != nil {
		return nil, dbError(err, "recent_transitions")
	}

	out := make([]drive.Transition, len(rows))
	for i, r := range rows {
		out[i] = drive.Transition{
			ID:        r.ID,
			From:      drive.Mode(r.FromMode),
			Target:    drive.Mode(r.TargetMode),
			Outcome:   drive.Outcome(r.Outcome),
			Reason:    r.Reason,
			Attempts:  r.Attempts,
			Duration:  r.Duration,
			Timestamp: r.Timestamp,
		}
	}
	return out, nil
}

// LastTransition returns the newest transition, or nil when the log is empty
func (s *Store) LastTransition(ctx context.Context) (*drive.Transition, error) {
	ts, err := s.RecentTransitions(ctx, 1)
	if err != nil || len(ts) == 0 {
		return nil, err
	}
	return &ts[0], nil
}

// SetAlert raises an alert, updating the detail if already active
func (s *Store) SetAlert(ctx context.Context, kind, detail string) error {
	now := time.Now().UTC()
	row := AlertState{Kind: kind, Active: true, Detail: detail, RaisedAt: now, UpdatedAt: now}

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var existing AlertState
		res := tx.Where("kind = ?", kind).Limit(1).Find(&existing)
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected > 0 && existing.Active {
			row.RaisedAt = existing.RaisedAt
		}
		return tx.Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "kind"}},
			DoUpdates: clause.AssignmentColumns([]string{"active", "detail", "raised_at", "cleared_at", "updated_at"}),
		}).Create(&row).Error
	})
	if err != nil {
		return dbError(err, "set_alert")
	}
	return nil
}

// ClearAlert deactivates an alert. Clearing an inactive alert is a no-op.
func (s *Store) ClearAlert(ctx context.Context, kind string) error {
	now := time.Now().UTC()
	err := s.db.WithContext(ctx).Model(&AlertState{}).
		Where("kind = ? AND active = ?", kind, true).
		Updates(map[string]any{"active": false, "cleared_at": now, "updated_at": now}).Error
	if err != nil {
		return dbError(err, "clear_alert")
	}
	return nil
}

// ActiveAlerts returns the active alerts ordered by kind
func (s *Store) ActiveAlerts(ctx context.Context) ([]AlertState, error) {
	var alerts []AlertState
	if err := s.db.WithContext(ctx).Where("active = ?", true).Order("kind ASC").Find(&alerts).Error; err != nil {
		return nil, dbError(err, "active_alerts")
	}
	return alerts, nil
}
