package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"
)

// ErrNotFound is returned when a video record does not exist.
var ErrNotFound = errors.New("video not found")

type Repository struct {
	db *gorm.DB
}

func NewRepository(db *gorm.DB) *Repository {
	return &Repository{db: db}
}

func (r *Repository) CreateVideo(ctx context.Context, v *Video) error {
	if v.Status == "" {
		v.Status = StatusPending
	}
	if err := r.db.WithContext(ctx).Create(v).Error; err != nil {
		return fmt.Errorf("create video %s: %w", v.ID, err)
	}
	return nil
}

// UpdateStatus sets the video status. Moving to Processed stamps ProcessedAt.
func (r *Repository) UpdateStatus(ctx context.Context, videoID string, status Status) error {
	updates := map[string]interface{}{"status": status}
	if status == StatusProcessed {
		updates["processed_at"] = time.Now()
	}
	res := r.db.WithContext(ctx).Model(&Video{}).Where("id = ?", videoID).Updates(updates)
	if res.Error != nil {
		return fmt.Errorf("update status of %s: %w", videoID, res.Error)
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("update status of %s: %w", videoID, ErrNotFound)
	}
	return nil
}

// CreateSteps inserts steps in the given order and fills in their IDs.
func (r *Repository) CreateSteps(ctx context.Context, videoID string, steps []ProcessingStep) ([]ProcessingStep, error) {
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		for i := range steps {
			steps[i].VideoID = videoID
			steps[i].Complete = false
			if err := tx.Create(&steps[i]).Error; err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("create steps for %s: %w", videoID, err)
	}
	return steps, nil
}

func (r *Repository) CompleteStep(ctx context.Context, stepID uint) error {
	res := r.db.WithContext(ctx).Model(&ProcessingStep{}).Where("id = ?", stepID).Update("complete", true)
	if res.Error != nil {
		return fmt.Errorf("complete step %d: %w", stepID, res.Error)
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("complete step %d: %w", stepID, gorm.ErrRecordNotFound)
	}
	return nil
}

// DeleteVideo removes the video and its steps. A missing video is not an error.
func (r *Repository) DeleteVideo(ctx context.Context, videoID string) error {
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("video_id = ?", videoID).Delete(&ProcessingStep{}).Error; err != nil {
			return err
		}
		return tx.Where("id = ?", videoID).Delete(&Video{}).Error
	})
	if err != nil {
		return fmt.Errorf("delete video %s: %w", videoID, err)
	}
	return nil
}

func (r *Repository) GetVideo(ctx context.Context, videoID string) (*Video, error) {
	var v Video
	err := r.db.WithContext(ctx).
		Preload("Steps", func(db *gorm.DB) *gorm.DB { return db.Order("height ASC") }).
		First(&v, "id = ?", videoID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get video %s: %w", videoID, err)
	}
	return &v, nil
}

// Steps lists a video's steps in ascending height.
func (r *Repository) Steps(ctx context.Context, videoID string) ([]ProcessingStep, error) {
	var steps []ProcessingStep
	if err := r.db.WithContext(ctx).Where("video_id = ?", videoID).Order("height ASC").Find(&steps).Error; err != nil {
		return nil, fmt.Errorf("list steps for %s: %w", videoID, err)
	}
	return steps, nil
}
