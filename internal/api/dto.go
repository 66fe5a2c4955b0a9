package api

import (
	"time"

	"github.com/blinksync/syncbrain/internal/catalog"
	"github.com/blinksync/syncbrain/internal/drive"
)

// ModeRequest is the body of POST /mode
type ModeRequest struct {
	Mode string `json:"mode"`
}

// TransitionView is the answer to a mode switch
type TransitionView struct {
	From      string    `json:"from"`
	Target    string    `json:"target"`
	Outcome   string    `json:"outcome"`
	Reason    string    `json:"reason,omitempty"`
	Attempts  int       `json:"attempts"`
	Duration  string    `json:"duration"`
	Timestamp time.Time `json:"timestamp"`
}

// TransferActivityView is the answer to GET /transfers
type TransferActivityView struct {
	InFlight   int  `json:"in_flight"`  // copies
	Operations int  `json:"operations"` // scans and copies
	Idle       bool `json:"idle"`
}

// ClipView is the JSON form of a catalog clip
type ClipView struct {
	ID               string    `json:"id"`
	SourcePath       string    `json:"source_path"`
	Size             int64     `json:"size"`
	DiscoveredAt     time.Time `json:"discovered_at"`
	ContentHash      string    `json:"content_hash,omitempty"`
	LocalPath        string    `json:"local_path,omitempty"`
	TransferStatus   string    `json:"transfer_status"`
	ProcessingStatus string    `json:"processing_status"`
	Attempts         int       `json:"attempts"`
	LastError        string    `json:"last_error,omitempty"`
	Width            int       `json:"width,omitempty"`
	Height           int       `json:"height,omitempty"`
	FPS              float64   `json:"fps,omitempty"`
	Duration         string    `json:"duration,omitempty"`
	Codec            string    `json:"codec,omitempty"`
}

// MatchView is one identity in a result
type MatchView struct {
	Identity   string  `json:"identity"`
	Confidence float64 `json:"confidence"`
	X          int     `json:"x"`
	Y          int     `json:"y"`
	W          int     `json:"w"`
	H          int     `json:"h"`
	FrameIndex int     `json:"frame_index"`
	FrameCount int     `json:"frame_count"`
}

// ResultView is one immutable processing result
type ResultView struct {
	ID          string      `json:"id"`
	Status      string      `json:"status"`
	Attempt     int         `json:"attempt"`
	Duration    string      `json:"duration"`
	ErrorDetail string      `json:"error_detail,omitempty"`
	Matches     []MatchView `json:"matches"`
	CreatedAt   time.Time   `json:"created_at"`
}

// ClipDetail is the answer to GET /clips/:id. Results are newest first.
type ClipDetail struct {
	Clip    ClipView     `json:"clip"`
	Results []ResultView `json:"results"`
}

func transitionView(t drive.Transition) TransitionView {
	return TransitionView{
		From:      string(t.From),
		Target:    string(t.Target),
		Outcome:   string(t.Outcome),
		Reason:    t.Reason,
		Attempts:  t.Attempts,
		Duration:  t.Duration.String(),
		Timestamp: t.Timestamp,
	}
}

func clipView(c *catalog.Clip) ClipView {
	v := ClipView{
		ID:               c.ID,
		SourcePath:       c.SourcePath,
		Size:             c.Size,
		DiscoveredAt:     c.DiscoveredAt,
		ContentHash:      c.ContentHash,
		LocalPath:        c.LocalPath,
		TransferStatus:   string(c.TransferStatus),
		ProcessingStatus: string(c.ProcessingStatus),
		Attempts:         c.Attempts,
		LastError:        c.LastError,
		Width:            c.Width,
		Height:           c.Height,
		FPS:              c.FPS,
		Codec:            c.Codec,
	}
	if c.VideoDuration > 0 {
		v.Duration = c.VideoDuration.String()
	}
	return v
}

func resultView(r *catalog.ProcessingResult) ResultView {
	v := ResultView{
		ID:          r.ID,
		Status:      string(r.Status),
		Attempt:     r.Attempt,
		Duration:    r.Duration.String(),
		ErrorDetail: r.ErrorDetail,
		Matches:     make([]MatchView, 0, len(r.Matches)),
		CreatedAt:   r.CreatedAt,
	}
	for _, m := range r.Matches {
		v.Matches = append(v.Matches, MatchView{
			Identity:   m.Identity,
			Confidence: m.Confidence,
			X:          m.Region.X,
			Y:          m.Region.Y,
			W:          m.Region.W,
			H:          m.Region.H,
			FrameIndex: m.FrameIndex,
			FrameCount: m.FrameCount,
		})
	}
	return v
}
