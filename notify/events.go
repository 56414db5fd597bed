package notify

import (
	"context"
	"fmt"

	"github.com/hashicorp/go-hclog"
)

// Processing statuses reported to the video manager.
const (
	StatusBeingProcessed   = "VideoBeingProcessed"
	StatusProcessingFailed = "VideoProcessingFailed"
)

const (
	PatternSetProcessingStatus      = "set_processing_status"
	PatternAddPreview               = "add_preview"
	PatternAddThumbnails            = "add_thumbnails"
	PatternAddProcessedVideo        = "add_processed_video"
	PatternPreviewGenerateFailed    = "preview_generate_failed"
	PatternThumbnailsGenerateFailed = "thumbnails_generate_failed"
	PatternVideoProcessFinished     = "video_process_finished"
)

type StatusEvent struct {
	VideoID string `json:"videoId"`
	Status  string `json:"status"`
}

type PreviewEvent struct {
	ImageFileID string `json:"imageFileId"`
	URL         string `json:"url"`
	VideoID     string `json:"videoId"`
}

type Thumbnail struct {
	ImageFileID string `json:"imageFileId"`
	URL         string `json:"url"`
}

type ThumbnailsEvent struct {
	VideoID    string      `json:"videoId"`
	Thumbnails []Thumbnail `json:"thumbnails"`
}

// ProcessedVideoEvent announces one finished rung. LengthSeconds is null
// for every rung except the first.
type ProcessedVideoEvent struct {
	VideoID       string `json:"videoId"`
	Label         string `json:"label"`
	LengthSeconds *int   `json:"lengthSeconds"`
}

type FinishedEvent struct {
	VideoID string `json:"videoId"`
}

// VideoManager emits typed events to the video-management service.
type VideoManager struct {
	pub Publisher
	log hclog.Logger
}

func NewVideoManager(pub Publisher, log hclog.Logger) *VideoManager {
	if log == nil {
		log = hclog.NewNullLogger()
	}
	return &VideoManager{pub: pub, log: log}
}

// SetProcessingStatus is the one awaited call; its error must be handled.
func (m *VideoManager) SetProcessingStatus(ctx context.Context, videoID, status string) error {
	if err := m.pub.Publish(ctx, PatternSetProcessingStatus, StatusEvent{VideoID: videoID, Status: status}); err != nil {
		return fmt.Errorf("set processing status %s: %w", status, err)
	}
	return nil
}

func (m *VideoManager) AddPreview(ctx context.Context, videoID, imageFileID, url string) {
	m.emit(ctx, PatternAddPreview, PreviewEvent{ImageFileID: imageFileID, URL: url, VideoID: videoID})
}

func (m *VideoManager) AddThumbnails(ctx context.Context, videoID string, thumbnails []Thumbnail) {
	m.emit(ctx, PatternAddThumbnails, ThumbnailsEvent{VideoID: videoID, Thumbnails: thumbnails})
}

func (m *VideoManager) AddProcessedVideo(ctx context.Context, videoID, label string, lengthSeconds *int) {
	m.emit(ctx, PatternAddProcessedVideo, ProcessedVideoEvent{VideoID: videoID, Label: label, LengthSeconds: lengthSeconds})
}

// PreviewGenerateFailed echoes the original job payload.
func (m *VideoManager) PreviewGenerateFailed(ctx context.Context, job interface{}) {
	m.emit(ctx, PatternPreviewGenerateFailed, job)
}

func (m *VideoManager) ThumbnailsGenerateFailed(ctx context.Context, job interface{}) {
	m.emit(ctx, PatternThumbnailsGenerateFailed, job)
}

func (m *VideoManager) VideoProcessFinished(ctx context.Context, videoID string) {
	m.emit(ctx, PatternVideoProcessFinished, FinishedEvent{VideoID: videoID})
}

// emit is fire-and-forget: failures are logged, never returned.
func (m *VideoManager) emit(ctx context.Context, pattern string, data interface{}) {
	if err := m.pub.Publish(ctx, pattern, data); err != nil {
		m.log.Warn("failed to emit event", "pattern", pattern, "error", err)
	}
}
