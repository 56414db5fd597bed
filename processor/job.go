package processor

import "errors"

// Job describes one uploaded source video to process.
type Job struct {
	VideoID          string `json:"videoId" binding:"required"`
	CreatorID        string `json:"creatorId"`
	VideoURL         string `json:"videoUrl" binding:"required"`
	OriginalFileName string `json:"originalFileName"`
}

func (j Job) Validate() error {
	if j.VideoID == "" {
		return errors.New("videoId is required")
	}
	if j.VideoURL == "" {
		return errors.New("videoUrl is required")
	}
	return nil
}
