// model.go catalog entities
package catalog

import "time"

// TransferStatus tracks a clip's copy from the storage image
type TransferStatus string

const (
	TransferPending     TransferStatus = "pending"
	TransferTransferred TransferStatus = "transferred"
	TransferFailed      TransferStatus = "failed"
)

// ProcessingStatus tracks recognition of a transferred clip
type ProcessingStatus string

const (
	StatusUnprocessed ProcessingStatus = "unprocessed"
	StatusProcessing  ProcessingStatus = "processing"
	StatusDone        ProcessingStatus = "done"
	StatusError       ProcessingStatus = "error"
)

// UnknownIdentity labels faces that matched no gallery entry
const UnknownIdentity = "Unknown"

// Clip is one video file discovered on the storage image
type Clip struct {
	ID               string           `gorm:"primaryKey;size:191"`
	DiscoveryKey     string           `gorm:"uniqueIndex;size:512;not null"` // relpath|size|mtime
	SourcePath       string           `gorm:"type:text"`
	Size             int64
	ModTime          time.Time
	DiscoveredAt     time.Time        `gorm:"index"`
	ContentHash      string           `gorm:"size:64"`
	LocalPath        string           `gorm:"type:text"`
	TransferStatus   TransferStatus   `gorm:"size:16;index;not null"`
	TransferAttempts int
	ProcessingStatus ProcessingStatus `gorm:"size:16;index;not null"`
	Attempts         int              // processing attempts
	LastError        string           `gorm:"type:text"`

	// Filled from the decoder after transfer
	Width         int
	Height        int
	FPS           float64
	FrameCount    int
	VideoDuration time.Duration
	Codec         string `gorm:"size:32"`

	Results   []ProcessingResult `gorm:"foreignKey:ClipID;constraint:OnDelete:CASCADE"`
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Region is a face bounding box in frame pixels
type Region struct {
	X int
	Y int
	W int
	H int
}

// FaceMatch is one aggregated identity within a result
type FaceMatch struct {
	ID         uint    `gorm:"primaryKey"`
	ResultID   string  `gorm:"index;size:36;not null"`
	Position   int     `gorm:"not null"` // order within the result
	Identity   string  `gorm:"size:128;index"`
	Confidence float64 // highest similarity seen for this identity
	Region     Region  `gorm:"embedded;embeddedPrefix:region_"`
	FrameIndex int     // frame of the best hit
	FrameCount int     // sampled frames the identity appeared in
}

// ProcessingResult is immutable once written; reprocessing adds a new row.
type ProcessingResult struct {
	ID          string           `gorm:"primaryKey;size:36"` // UUIDv7, sorts by creation
	ClipID      string           `gorm:"index;size:191;not null"`
	Status      ProcessingStatus `gorm:"size:16;not null"`
	Attempt     int
	Duration    time.Duration
	ErrorDetail string      `gorm:"type:text"`
	Matches     []FaceMatch `gorm:"foreignKey:ResultID;constraint:OnDelete:CASCADE"`
	CreatedAt   time.Time   `gorm:"index"`
}

// ModeTransition is the persisted form of a drive mode switch
type ModeTransition struct {
	ID         uint      `gorm:"primaryKey"`
	FromMode   string    `gorm:"size:16"`
	TargetMode string    `gorm:"size:16;not null"`
	Outcome    string    `gorm:"size:16;not null"`
	Reason     string    `gorm:"type:text"`
	Attempts   int
	Duration   time.Duration
	Timestamp  time.Time `gorm:"index"`
}

// AlertState is the current state of one alert kind
type AlertState struct {
	Kind      string `gorm:"primaryKey;size:64"`
	Active    bool   `gorm:"index"`
	Detail    string `gorm:"type:text"`
	RaisedAt  time.Time
	ClearedAt *time.Time
	UpdatedAt time.Time
}

// AlertStorageCritical is raised by retention when usage cannot be brought under the limit
const AlertStorageCritical = "storage_critical"
