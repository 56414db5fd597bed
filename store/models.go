package store

import "time"

type Status string

const (
	StatusPending              Status = "Pending"
	StatusProcessingThumbnails Status = "ProcessingThumbnails"
	StatusProcessingVideos     Status = "ProcessingVideos"
	StatusProcessed            Status = "Processed"
	StatusFailed               Status = "Failed"
)

// Video is the local record of one source video, keyed by the job's videoId.
type Video struct {
	ID               string `gorm:"primaryKey;size:64"`
	CreatorID        string `gorm:"size:64;index"`
	VideoFileURL     string
	OriginalFileName string
	Width            int
	Height           int
	Status           Status `gorm:"size:32;index"`
	CreatedAt        time.Time
	ProcessedAt      *time.Time

	Steps []ProcessingStep `gorm:"foreignKey:VideoID"`
}

// ProcessingStep is one planned rung of a video's ladder.
type ProcessingStep struct {
	ID       uint   `gorm:"primaryKey"`
	VideoID  string `gorm:"size:64;index"`
	Width    int
	Height   int
	Label    string `gorm:"size:16"`
	Bitrate  int
	Complete bool
}

// ProcessingFlag backs DBFlags.
type ProcessingFlag struct {
	Key       string `gorm:"column:flag_key;primaryKey;size:128"`
	Value     string `gorm:"size:16"`
	UpdatedAt time.Time
}
