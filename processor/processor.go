package processor

import (
	"context"
	"errors"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"sync"
	"time"

	"vidproc/config"
	"vidproc/ffmpeg"
	"vidproc/hls"
	"vidproc/metrics"
	"vidproc/notify"
	"vidproc/storage"
	"vidproc/store"

	"github.com/google/uuid"
	"github.com/hashicorp/go-hclog"
)

// ErrCanceled is returned by Start when the job stopped because its video
// was canceled. It is not a failure and must not be retried.
var ErrCanceled = errors.New("processing canceled")

const thumbnailMaxHeight = 360

type Transcoder interface {
	Probe(ctx context.Context, path string) (*ffmpeg.ProbeData, error)
	Transcode(ctx context.Context, key, input, output string, width, height, bitrate int, hasAudio bool) error
	PackageHLS(ctx context.Context, key, input, folder, label string) (string, error)
	RenderPreview(ctx context.Context, key, input, output string, width, height int, start, length float64) error
	RenderThumbnails(ctx context.Context, key, input, folder string, width, height int, duration float64) ([]string, error)
	KillPrefix(prefix string) int
}

type Transport interface {
	Download(ctx context.Context, videoURL string) (*storage.Workspace, error)
	WorkDir(folderID string) string
	UploadImage(ctx context.Context, path, groupID string) (*storage.Uploaded, error)
	UploadHLS(ctx context.Context, folder, groupID string) (string, error)
	UploadHLSMaster(ctx context.Context, path, groupID string) (string, error)
}

type Repository interface {
	CreateVideo(ctx context.Context, v *store.Video) error
	UpdateStatus(ctx context.Context, videoID string, status store.Status) error
	CreateSteps(ctx context.Context, videoID string, steps []store.ProcessingStep) ([]store.ProcessingStep, error)
	CompleteStep(ctx context.Context, stepID uint) error
	DeleteVideo(ctx context.Context, videoID string) error
}

type Notifier interface {
	SetProcessingStatus(ctx context.Context, videoID, status string) error
	AddPreview(ctx context.Context, videoID, imageFileID, url string)
	AddThumbnails(ctx context.Context, videoID string, thumbnails []notify.Thumbnail)
	AddProcessedVideo(ctx context.Context, videoID, label string, lengthSeconds *int)
	PreviewGenerateFailed(ctx context.Context, job interface{})
	ThumbnailsGenerateFailed(ctx context.Context, job interface{})
	VideoProcessFinished(ctx context.Context, videoID string)
}

type Processor struct {
	cfg       *config.Config
	engine    Transcoder
	transport Transport
	repo      Repository
	flags     store.FlagStore
	notifier  Notifier
	log       hclog.Logger

	mu       sync.Mutex
	workdirs map[string]string // videoID -> working directory
}

func New(cfg *config.Config, engine Transcoder, transport Transport, repo Repository, flags store.FlagStore, notifier Notifier, log hclog.Logger) *Processor {
	if log == nil {
		log = hclog.NewNullLogger()
	}
	return &Processor{
		cfg:       cfg,
		engine:    engine,
		transport: transport,
		repo:      repo,
		flags:     flags,
		notifier:  notifier,
		log:       log,
		workdirs:  make(map[string]string),
	}
}

// source is what the pipeline needs to know about the probed input.
type source struct {
	path     string
	dir      string
	width    int
	height   int
	hasAudio bool
	duration float64
}

// Start runs the whole pipeline for job. Every attempt starts from scratch.
func (p *Processor) Start(ctx context.Context, job Job) error {
	log := p.log.With("video_id", job.VideoID)

	flag, err := p.flags.Get(ctx, job.VideoID)
	if err != nil {
		return fmt.Errorf("read cancellation flag: %w", err)
	}
	if flag == store.FlagCanceled {
		log.Info("video canceled before processing started")
		return ErrCanceled
	}

	metrics.ActiveJobs.Inc()
	defer metrics.ActiveJobs.Dec()
	log.Info("video processing queued", "creator_id", job.CreatorID, "file", job.OriginalFileName, "url", job.VideoURL)

	began := time.Now()
	ws, err := p.transport.Download(ctx, job.VideoURL)
	if ws != nil {
		p.trackWorkdir(job.VideoID, ws.Dir)
		defer p.releaseWorkdir(job.VideoID, ws.Dir)
	}
	if err != nil {
		return p.fail(ctx, log, job, false, err)
	}
	observe("download", began)

	src, err := p.probe(ctx, ws)
	if err != nil {
		return p.fail(ctx, log, job, false, err)
	}

	// A cancel that landed during download or probe has already deleted
	// the records; do not recreate them.
	if p.canceled(ctx, job.VideoID) {
		return p.fail(ctx, log, job, false, ErrCanceled)
	}

	// A retry must not trip over the previous attempt's rows.
	if err := p.repo.DeleteVideo(ctx, job.VideoID); err != nil {
		return p.fail(ctx, log, job, false, err)
	}
	video := &store.Video{
		ID:               job.VideoID,
		CreatorID:        job.CreatorID,
		VideoFileURL:     job.VideoURL,
		OriginalFileName: job.OriginalFileName,
		Width:            src.width,
		Height:           src.height,
		Status:           store.StatusPending,
	}
	if err := p.repo.CreateVideo(ctx, video); err != nil {
		return p.fail(ctx, log, job, false, err)
	}

	if err := p.notifier.SetProcessingStatus(ctx, job.VideoID, notify.StatusBeingProcessed); err != nil {
		return p.fail(ctx, log, job, true, err)
	}
	log.Info("processing status set", "status", notify.StatusBeingProcessed)

	err = runAll(
		func() error { return p.repo.UpdateStatus(ctx, job.VideoID, store.StatusProcessingThumbnails) },
		func() error { return p.preview(ctx, log, job, src) },
		func() error { return p.thumbnails(ctx, log, job, src) },
	)
	if err != nil {
		return p.fail(ctx, log, job, true, err)
	}

	err = runAll(
		func() error { return p.repo.UpdateStatus(ctx, job.VideoID, store.StatusProcessingVideos) },
		func() error { return p.ladder(ctx, log, job, src) },
	)
	if err != nil {
		return p.fail(ctx, log, job, true, err)
	}

	if err := p.repo.UpdateStatus(ctx, job.VideoID, store.StatusProcessed); err != nil {
		log.Warn("could not mark video processed", "error", err)
	}
	p.notifier.VideoProcessFinished(ctx, job.VideoID)
	metrics.JobsFinished.WithLabelValues("processed").Inc()
	observe("pipeline", began)
	log.Info("video processing finished", "elapsed", time.Since(began).Round(time.Millisecond))
	return nil
}

func (p *Processor) probe(ctx context.Context, ws *storage.Workspace) (*source, error) {
	data, err := p.engine.Probe(ctx, ws.FilePath)
	if err != nil {
		return nil, err
	}
	vs, err := data.VideoStream()
	if err != nil {
		return nil, err
	}
	if vs.Width <= 0 || vs.Height <= 0 {
		return nil, &ffmpeg.ProbeError{Path: ws.FilePath, Err: fmt.Errorf("invalid video size %dx%d", vs.Width, vs.Height)}
	}
	return &source{
		path:     ws.FilePath,
		dir:      ws.Dir,
		width:    vs.Width,
		height:   vs.Height,
		hasAudio: data.HasAudio(),
		duration: data.Duration(),
	}, nil
}

// fail reports a failed attempt. An attempt that failed because its video was
// canceled ends quietly with ErrCanceled and leaves no records behind.
func (p *Processor) fail(ctx context.Context, log hclog.Logger, job Job, recorded bool, cause error) error {
	if errors.Is(cause, ErrCanceled) || p.canceled(ctx, job.VideoID) {
		log.Info("video processing stopped by cancellation", "cause", cause)
		if recorded {
			if err := p.repo.DeleteVideo(ctx, job.VideoID); err != nil {
				log.Warn("could not delete canceled video", "error", err)
			}
		}
		metrics.JobsFinished.WithLabelValues("canceled").Inc()
		return ErrCanceled
	}

	log.Error("video processing failed", "error", cause)
	metrics.JobsFinished.WithLabelValues("failed").Inc()
	if recorded {
		if err := p.repo.UpdateStatus(ctx, job.VideoID, store.StatusFailed); err != nil {
			log.Warn("could not mark video failed", "error", err)
		}
	}
	if err := p.notifier.SetProcessingStatus(ctx, job.VideoID, notify.StatusProcessingFailed); err != nil {
		return errors.Join(cause, err)
	}
	return cause
}

func (p *Processor) canceled(ctx context.Context, videoID string) bool {
	flag, err := p.flags.Get(ctx, videoID)
	if err != nil {
		p.log.Warn("could not read cancellation flag", "video_id", videoID, "error", err)
		return false
	}
	return flag == store.FlagCanceled
}

func (p *Processor) preview(ctx context.Context, log hclog.Logger, job Job, src *source) (err error) {
	defer func() {
		if err != nil && !p.canceled(ctx, job.VideoID) {
			p.notifier.PreviewGenerateFailed(ctx, job)
		}
	}()
	began := time.Now()

	height := min(src.height, p.cfg.PreviewHeight)
	width := evenWidth(height, src.width, src.height)
	start, length := previewWindow(src.duration, p.cfg.PreviewStartOffset, p.cfg.PreviewLength)
	output := filepath.Join(src.dir, uuid.NewString()+".webp")

	if err := p.engine.RenderPreview(ctx, ffmpeg.Key(job.VideoID, "preview"), src.path, output, width, height, start, length); err != nil {
		return err
	}
	log.Debug("preview rendered, uploading", "path", output)

	up, err := p.transport.UploadImage(ctx, output, job.VideoID)
	if err != nil {
		return err
	}
	p.notifier.AddPreview(ctx, job.VideoID, up.ID, up.URL)
	observe("preview", began)
	log.Info("preview added", "image_id", up.ID)
	return nil
}

func (p *Processor) thumbnails(ctx context.Context, log hclog.Logger, job Job, src *source) (err error) {
	defer func() {
		if err != nil && !p.canceled(ctx, job.VideoID) {
			p.notifier.ThumbnailsGenerateFailed(ctx, job)
		}
	}()
	began := time.Now()

	height := min(src.height, thumbnailMaxHeight)
	width := evenWidth(height, src.width, src.height)

	paths, err := p.engine.RenderThumbnails(ctx, ffmpeg.Key(job.VideoID, "thumbnails"), src.path, src.dir, width, height, src.duration)
	if err != nil {
		return err
	}

	thumbs := make([]notify.Thumbnail, 0, len(paths))
	for _, path := range paths {
		up, err := p.transport.UploadImage(ctx, path, job.VideoID)
		if err != nil {
			return err
		}
		thumbs = append(thumbs, notify.Thumbnail{ImageFileID: up.ID, URL: up.URL})
	}
	p.notifier.AddThumbnails(ctx, job.VideoID, thumbs)
	observe("thumbnails", began)
	log.Info("thumbnails added", "count", len(thumbs))
	return nil
}

// ladder encodes every planned rung in ascending order. The cancellation
// flag is checked between rungs only.
func (p *Processor) ladder(ctx context.Context, log hclog.Logger, job Job, src *source) error {
	steps, err := p.repo.CreateSteps(ctx, job.VideoID, Plan(p.cfg.Ladder, src.width, src.height))
	if err != nil {
		return err
	}
	if !p.canceled(ctx, job.VideoID) {
		if err := p.flags.Set(ctx, job.VideoID, store.FlagWork); err != nil {
			return fmt.Errorf("set work flag: %w", err)
		}
	}
	log.Info("ladder planned", "rungs", len(steps))

	var done []hls.Step
	for i, s := range steps {
		if p.canceled(ctx, job.VideoID) {
			log.Info("ladder stopped", "completed", len(done), "remaining", len(steps)-i)
			return ErrCanceled
		}

		began := time.Now()
		key := ffmpeg.Key(job.VideoID, s.Label)
		output := filepath.Join(src.dir, s.Label+".mp4")
		if err := p.engine.Transcode(ctx, key, src.path, output, s.Width, s.Height, s.Bitrate, src.hasAudio); err != nil {
			return err
		}
		if err := p.repo.CompleteStep(ctx, s.ID); err != nil {
			return err
		}

		folder := filepath.Join(src.dir, s.Label)
		if _, err := p.engine.PackageHLS(ctx, key, output, folder, s.Label); err != nil {
			return err
		}
		hlsID, err := p.transport.UploadHLS(ctx, folder, job.VideoID)
		if err != nil {
			return err
		}
		log.Debug("hls uploaded", "label", s.Label, "hls_id", hlsID)

		var lengthSeconds *int
		if i == 0 {
			data, err := p.engine.Probe(ctx, output)
			if err != nil {
				return err
			}
			n := int(math.Floor(data.Duration()))
			lengthSeconds = &n
		}
		p.notifier.AddProcessedVideo(ctx, job.VideoID, s.Label, lengthSeconds)

		done = append(done, hls.Step{Width: s.Width, Height: s.Height, Label: s.Label, Bitrate: s.Bitrate, HlsID: hlsID})
		master, err := hls.Write(src.dir, done)
		if err != nil {
			return err
		}
		if _, err := p.transport.UploadHLSMaster(ctx, master, job.VideoID); err != nil {
			return err
		}

		metrics.RungsCompleted.WithLabelValues(s.Label).Inc()
		observe("rung", began)
		log.Info("rung processed", "label", s.Label, "elapsed", time.Since(began).Round(time.Millisecond))
	}
	return nil
}

func (p *Processor) trackWorkdir(videoID, dir string) {
	p.mu.Lock()
	p.workdirs[videoID] = dir
	p.mu.Unlock()
}

func (p *Processor) releaseWorkdir(videoID, dir string) {
	p.mu.Lock()
	if p.workdirs[videoID] == dir {
		delete(p.workdirs, videoID)
	}
	p.mu.Unlock()
	if err := os.RemoveAll(dir); err != nil {
		p.log.Warn("could not remove working directory", "video_id", videoID, "dir", dir, "error", err)
	}
}

// workdir returns the directory the video's attempt is using, or the default
// <root>/processor_output/<videoID> when no attempt is tracked. The default
// must be a direct child of the output folder.
func (p *Processor) workdir(videoID string) (string, error) {
	p.mu.Lock()
	dir, ok := p.workdirs[videoID]
	p.mu.Unlock()
	if ok {
		return dir, nil
	}

	base := filepath.Clean(p.transport.WorkDir(""))
	dir = p.transport.WorkDir(videoID)
	if filepath.Dir(dir) != base || filepath.Base(dir) != videoID {
		return "", fmt.Errorf("working directory for %q escapes %s", videoID, base)
	}
	return dir, nil
}

// runAll runs fns concurrently and waits for all of them.
func runAll(fns ...func() error) error {
	var wg sync.WaitGroup
	errs := make([]error, len(fns))
	for i, fn := range fns {
		wg.Add(1)
		go func(i int, fn func() error) {
			defer wg.Done()
			errs[i] = fn()
		}(i, fn)
	}
	wg.Wait()
	return errors.Join(errs...)
}

func observe(stage string, began time.Time) {
	metrics.StageDuration.WithLabelValues(stage).Observe(time.Since(began).Seconds())
}
