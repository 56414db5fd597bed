package processor

import (
	"context"
	"errors"
	"fmt"
	"os"

	"vidproc/ffmpeg"
	"vidproc/metrics"
	"vidproc/store"
)

// Cancel stops a video's processing: it raises the cancellation flag, kills
// the video's running ffmpeg processes, deletes its records and removes its
// working directory. Already uploaded artifacts are kept.
func (p *Processor) Cancel(ctx context.Context, videoID string) error {
	log := p.log.With("video_id", videoID)
	metrics.Cancellations.Inc()

	var errs []error
	if err := p.flags.Set(ctx, videoID, store.FlagCanceled); err != nil {
		errs = append(errs, fmt.Errorf("set canceled flag: %w", err))
	}

	killed := p.engine.KillPrefix(ffmpeg.Prefix(videoID))

	if err := p.repo.DeleteVideo(ctx, videoID); err != nil {
		errs = append(errs, err)
	}

	dir, err := p.workdir(videoID)
	if err != nil {
		errs = append(errs, err)
	} else if err := os.RemoveAll(dir); err != nil {
		errs = append(errs, fmt.Errorf("remove working directory: %w", err))
	}

	log.Info("video processing canceled", "killed", killed, "dir", dir)
	return errors.Join(errs...)
}
