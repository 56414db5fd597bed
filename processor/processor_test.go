package processor

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"vidproc/config"
	"vidproc/ffmpeg"
	"vidproc/notify"
	"vidproc/storage"
	"vidproc/store"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func probeData(width, height int, audio bool) *ffmpeg.ProbeData {
	streams := []ffmpeg.Stream{{Index: 0, CodecType: "video", CodecName: "h264", Width: width, Height: height}}
	if audio {
		streams = append(streams, ffmpeg.Stream{Index: 1, CodecType: "audio", CodecName: "aac"})
	}
	return &ffmpeg.ProbeData{Streams: streams, Format: ffmpeg.Format{Duration: "12.501"}}
}

type fakeEngine struct {
	mu            sync.Mutex
	probeFunc     func(path string) (*ffmpeg.ProbeData, error)
	transcodeFunc func(label string) error
	previewFunc   func() error
	previewErr    error
	thumbnailsErr error
	keys          []string
	killed        []string
}

func (f *fakeEngine) record(key string) {
	f.mu.Lock()
	f.keys = append(f.keys, key)
	f.mu.Unlock()
}

func (f *fakeEngine) Probe(_ context.Context, path string) (*ffmpeg.ProbeData, error) {
	if f.probeFunc != nil {
		return f.probeFunc(path)
	}
	return probeData(1920, 1080, true), nil
}

func (f *fakeEngine) Transcode(_ context.Context, key, _, output string, _, _, _ int, _ bool) error {
	f.record(key)
	if f.transcodeFunc != nil {
		return f.transcodeFunc(strings.TrimSuffix(filepath.Base(output), ".mp4"))
	}
	return nil
}

func (f *fakeEngine) PackageHLS(_ context.Context, key, _, folder, label string) (string, error) {
	f.record(key)
	return filepath.Join(folder, label+".m3u8"), nil
}

func (f *fakeEngine) RenderPreview(_ context.Context, key, _, _ string, _, _ int, _, _ float64) error {
	f.record(key)
	if f.previewFunc != nil {
		return f.previewFunc()
	}
	return f.previewErr
}

func (f *fakeEngine) RenderThumbnails(_ context.Context, key, _, folder string, _, _ int, _ float64) ([]string, error) {
	f.record(key)
	if f.thumbnailsErr != nil {
		return nil, f.thumbnailsErr
	}
	return []string{
		filepath.Join(folder, "tn_1.png"),
		filepath.Join(folder, "tn_2.png"),
		filepath.Join(folder, "tn_3.png"),
	}, nil
}

func (f *fakeEngine) KillPrefix(prefix string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.killed = append(f.killed, prefix)
	return 1
}

type fakeTransport struct {
	root string

	mu         sync.Mutex
	downloads  int
	images     int
	hlsFolders []string
	masters    []string
	onMaster   func(n int)
}

func (f *fakeTransport) WorkDir(folderID string) string {
	return filepath.Join(f.root, "processor_output", folderID)
}

func (f *fakeTransport) Download(_ context.Context, videoURL string) (*storage.Workspace, error) {
	f.mu.Lock()
	f.downloads++
	f.mu.Unlock()
	folderID, ext, err := storage.FolderID(videoURL)
	if err != nil {
		return nil, err
	}
	dir := f.WorkDir(folderID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	path := filepath.Join(dir, "video."+ext)
	if err := os.WriteFile(path, []byte("source"), 0o644); err != nil {
		return nil, err
	}
	return &storage.Workspace{FolderID: folderID, Dir: dir, FilePath: path}, nil
}

func (f *fakeTransport) UploadImage(_ context.Context, path, _ string) (*storage.Uploaded, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.images++
	return &storage.Uploaded{ID: fmt.Sprintf("img-%d", f.images), URL: "https://cdn.example/" + filepath.Base(path)}, nil
}

func (f *fakeTransport) UploadHLS(_ context.Context, folder, _ string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.hlsFolders = append(f.hlsFolders, folder)
	return fmt.Sprintf("hls-%d", len(f.hlsFolders)), nil
}

func (f *fakeTransport) UploadHLSMaster(_ context.Context, path, _ string) (string, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return "", err
	}
	f.mu.Lock()
	f.masters = append(f.masters, string(raw))
	n := len(f.masters)
	f.mu.Unlock()
	if f.onMaster != nil {
		f.onMaster(n)
	}
	return "master.m3u8", nil
}

type event struct {
	Pattern string
	Status  string
	Label   string
	Length  *int
	Count   int
}

type fakeNotifier struct {
	mu        sync.Mutex
	events    []event
	statusErr error
}

func (f *fakeNotifier) add(e event) {
	f.mu.Lock()
	f.events = append(f.events, e)
	f.mu.Unlock()
}

func (f *fakeNotifier) SetProcessingStatus(_ context.Context, _, status string) error {
	f.add(event{Pattern: notify.PatternSetProcessingStatus, Status: status})
	return f.statusErr
}

func (f *fakeNotifier) AddPreview(context.Context, string, string, string) {
	f.add(event{Pattern: notify.PatternAddPreview})
}

func (f *fakeNotifier) AddThumbnails(_ context.Context, _ string, thumbnails []notify.Thumbnail) {
	f.add(event{Pattern: notify.PatternAddThumbnails, Count: len(thumbnails)})
}

func (f *fakeNotifier) AddProcessedVideo(_ context.Context, _, label string, lengthSeconds *int) {
	f.add(event{Pattern: notify.PatternAddProcessedVideo, Label: label, Length: lengthSeconds})
}

func (f *fakeNotifier) PreviewGenerateFailed(context.Context, interface{}) {
	f.add(event{Pattern: notify.PatternPreviewGenerateFailed})
}

func (f *fakeNotifier) ThumbnailsGenerateFailed(context.Context, interface{}) {
	f.add(event{Pattern: notify.PatternThumbnailsGenerateFailed})
}

func (f *fakeNotifier) VideoProcessFinished(context.Context, string) {
	f.add(event{Pattern: notify.PatternVideoProcessFinished})
}

func (f *fakeNotifier) byPattern(pattern string) []event {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []event
	for _, e := range f.events {
		if e.Pattern == pattern {
			out = append(out, e)
		}
	}
	return out
}

type harness struct {
	p         *Processor
	engine    *fakeEngine
	transport *fakeTransport
	notifier  *fakeNotifier
	repo      *store.Repository
	flags     *store.MemoryFlags
	root      string
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	root := t.TempDir()
	cfg := &config.Config{
		OutputRoot:         root,
		PreviewHeight:      320,
		PreviewStartOffset: 0.33,
		PreviewLength:      3,
		Ladder:             config.DefaultLadder(),
	}
	db, err := store.Open(&config.Config{DatabaseType: "sqlite", SQLitePath: ":memory:"})
	require.NoError(t, err)

	h := &harness{
		engine:    &fakeEngine{},
		transport: &fakeTransport{root: root},
		notifier:  &fakeNotifier{},
		repo:      store.NewRepository(db),
		flags:     store.NewMemoryFlags(0),
		root:      root,
	}
	h.p = New(cfg, h.engine, h.transport, h.repo, h.flags, h.notifier, nil)
	return h
}

var testJob = Job{VideoID: "v1", CreatorID: "c1", VideoURL: "/f/abc.mp4", OriginalFileName: "holiday.mp4"}

func completeCount(steps []store.ProcessingStep) int {
	n := 0
	for _, s := range steps {
		if s.Complete {
			n++
		}
	}
	return n
}

func TestStart_FullHDSource(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)

	require.NoError(t, h.p.Start(ctx, testJob))

	steps, err := h.repo.Steps(ctx, "v1")
	require.NoError(t, err)
	var labels []string
	for _, s := range steps {
		labels = append(labels, s.Label)
		assert.True(t, s.Complete, s.Label)
	}
	assert.Equal(t, []string{"144p", "240p", "360p", "480p", "540p", "720p", "900p", "1080p"}, labels)

	video, err := h.repo.GetVideo(ctx, "v1")
	require.NoError(t, err)
	assert.Equal(t, store.StatusProcessed, video.Status)
	assert.NotNil(t, video.ProcessedAt)
	assert.Equal(t, 1920, video.Width)

	assert.Len(t, h.notifier.byPattern(notify.PatternAddPreview), 1)
	thumbs := h.notifier.byPattern(notify.PatternAddThumbnails)
	require.Len(t, thumbs, 1)
	assert.Equal(t, 3, thumbs[0].Count)

	processed := h.notifier.byPattern(notify.PatternAddProcessedVideo)
	require.Len(t, processed, 8)
	require.NotNil(t, processed[0].Length)
	assert.Equal(t, 12, *processed[0].Length)
	assert.Equal(t, "144p", processed[0].Label)
	for _, e := range processed[1:] {
		assert.Nil(t, e.Length, e.Label)
	}

	events := h.notifier.events
	assert.Equal(t, event{Pattern: notify.PatternSetProcessingStatus, Status: notify.StatusBeingProcessed}, events[0])
	assert.Equal(t, notify.PatternVideoProcessFinished, events[len(events)-1].Pattern)
	assert.Len(t, h.notifier.byPattern(notify.PatternSetProcessingStatus), 1)

	require.Len(t, h.transport.masters, 8)
	assert.Equal(t, 1, strings.Count(h.transport.masters[0], "#EXT-X-STREAM-INF"))
	assert.Equal(t, 8, strings.Count(h.transport.masters[7], "#EXT-X-STREAM-INF"))
	assert.Contains(t, h.transport.masters[7], "hls-8/1080p.m3u8")
	assert.Contains(t, h.transport.masters[7], "RESOLUTION=854x480")

	assert.Contains(t, h.engine.keys, "v-v1-preview")
	assert.Contains(t, h.engine.keys, "v-v1-thumbnails")
	assert.Contains(t, h.engine.keys, "v-v1-1080p")
	assert.NotContains(t, h.engine.keys, "v-v1-1440p")

	assert.NoDirExists(t, filepath.Join(h.root, "processor_output", "abc"))
}

func TestStart_SmallSourceNeverUpscales(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	h.engine.probeFunc = func(string) (*ffmpeg.ProbeData, error) { return probeData(480, 270, false), nil }

	require.NoError(t, h.p.Start(ctx, testJob))

	steps, err := h.repo.Steps(ctx, "v1")
	require.NoError(t, err)
	require.Len(t, steps, 2)
	assert.Equal(t, "144p", steps[0].Label)
	assert.Equal(t, 256, steps[0].Width)
	assert.Equal(t, "240p", steps[1].Label)
	assert.Equal(t, 428, steps[1].Width)
}

func TestStart_ProbeFailure(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	h.engine.probeFunc = func(path string) (*ffmpeg.ProbeData, error) {
		return nil, &ffmpeg.ProbeError{Path: path, Err: errors.New("moov atom not found")}
	}

	err := h.p.Start(ctx, testJob)
	var probeErr *ffmpeg.ProbeError
	require.True(t, errors.As(err, &probeErr))

	_, err = h.repo.GetVideo(ctx, "v1")
	assert.ErrorIs(t, err, store.ErrNotFound)
	assert.Equal(t, []event{{Pattern: notify.PatternSetProcessingStatus, Status: notify.StatusProcessingFailed}}, h.notifier.events)
	assert.NoDirExists(t, filepath.Join(h.root, "processor_output", "abc"))
}

func TestStart_NoVideoStream(t *testing.T) {
	h := newHarness(t)
	h.engine.probeFunc = func(string) (*ffmpeg.ProbeData, error) {
		return &ffmpeg.ProbeData{Streams: []ffmpeg.Stream{{CodecType: "audio"}}}, nil
	}

	err := h.p.Start(context.Background(), testJob)
	assert.ErrorIs(t, err, ffmpeg.ErrNoVideoStream)
}

func TestStart_CanceledBeforeStart(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	require.NoError(t, h.flags.Set(ctx, "v1", store.FlagCanceled))

	err := h.p.Start(ctx, testJob)
	assert.ErrorIs(t, err, ErrCanceled)
	assert.Zero(t, h.transport.downloads)
	assert.Empty(t, h.notifier.events)
}

func TestStart_CancelMidLadder(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	h.engine.transcodeFunc = func(label string) error {
		if label != "360p" {
			return nil
		}
		// The cancel request kills the running encode.
		assert.NoError(t, h.p.Cancel(ctx, "v1"))
		return &ffmpeg.TranscodeError{Stage: "transcode", Key: ffmpeg.Key("v1", label), Err: errors.New("signal: killed")}
	}

	err := h.p.Start(ctx, testJob)
	assert.ErrorIs(t, err, ErrCanceled)

	processed := h.notifier.byPattern(notify.PatternAddProcessedVideo)
	require.Len(t, processed, 2)
	assert.Equal(t, "240p", processed[1].Label)
	assert.Empty(t, h.notifier.byPattern(notify.PatternVideoProcessFinished))
	assert.Len(t, h.notifier.byPattern(notify.PatternSetProcessingStatus), 1, "no failure status after cancellation")

	_, err = h.repo.GetVideo(ctx, "v1")
	assert.ErrorIs(t, err, store.ErrNotFound)
	steps, err := h.repo.Steps(ctx, "v1")
	require.NoError(t, err)
	assert.Empty(t, steps)

	assert.Equal(t, []string{"v-v1-"}, h.engine.killed)
	assert.NoDirExists(t, filepath.Join(h.root, "processor_output", "abc"))
}

func TestStart_CancelFlagBetweenRungs(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	h.transport.onMaster = func(n int) {
		if n == 2 {
			assert.NoError(t, h.flags.Set(ctx, "v1", store.FlagCanceled))
		}
	}

	err := h.p.Start(ctx, testJob)
	assert.ErrorIs(t, err, ErrCanceled)

	_, err = h.repo.GetVideo(ctx, "v1")
	assert.ErrorIs(t, err, store.ErrNotFound)
	steps, err := h.repo.Steps(ctx, "v1")
	require.NoError(t, err)
	assert.Empty(t, steps, "a canceled video leaves no steps behind")

	require.Len(t, h.transport.masters, 2)
	assert.Equal(t, 2, strings.Count(h.transport.masters[1], "#EXT-X-STREAM-INF"))
	assert.Len(t, h.notifier.byPattern(notify.PatternAddProcessedVideo), 2)
	assert.Empty(t, h.notifier.byPattern(notify.PatternVideoProcessFinished))
}

func TestStart_CancelDuringProbeLeavesNoRecords(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	h.engine.probeFunc = func(string) (*ffmpeg.ProbeData, error) {
		assert.NoError(t, h.p.Cancel(ctx, "v1"))
		return probeData(1280, 720, true), nil
	}

	err := h.p.Start(ctx, testJob)
	assert.ErrorIs(t, err, ErrCanceled)

	_, err = h.repo.GetVideo(ctx, "v1")
	assert.ErrorIs(t, err, store.ErrNotFound)
	steps, err := h.repo.Steps(ctx, "v1")
	require.NoError(t, err)
	assert.Empty(t, steps)

	assert.Empty(t, h.notifier.events, "no status, preview or thumbnail events after the cancel")
	assert.Zero(t, h.transport.images)
	assert.Empty(t, h.transport.masters)
}

func TestStart_CancelFlagBeforeLadderDeletesRecords(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	h.engine.previewFunc = func() error {
		// the record exists by now; only the flag is raised
		assert.NoError(t, h.flags.Set(ctx, "v1", store.FlagCanceled))
		return nil
	}

	err := h.p.Start(ctx, testJob)
	assert.ErrorIs(t, err, ErrCanceled)

	_, err = h.repo.GetVideo(ctx, "v1")
	assert.ErrorIs(t, err, store.ErrNotFound)
	steps, err := h.repo.Steps(ctx, "v1")
	require.NoError(t, err)
	assert.Empty(t, steps)
	assert.Empty(t, h.transport.masters)
	assert.Empty(t, h.notifier.byPattern(notify.PatternAddProcessedVideo))
	assert.Len(t, h.notifier.byPattern(notify.PatternSetProcessingStatus), 1, "no failure status after cancellation")
}

func TestStart_PreviewFailure(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	h.engine.previewErr = &ffmpeg.TranscodeError{Stage: "preview", Key: "v-v1-preview", Err: errors.New("exit status 1")}

	err := h.p.Start(ctx, testJob)
	var tErr *ffmpeg.TranscodeError
	require.True(t, errors.As(err, &tErr))

	assert.Len(t, h.notifier.byPattern(notify.PatternPreviewGenerateFailed), 1)
	assert.Empty(t, h.notifier.byPattern(notify.PatternAddProcessedVideo))
	statuses := h.notifier.byPattern(notify.PatternSetProcessingStatus)
	require.Len(t, statuses, 2)
	assert.Equal(t, notify.StatusProcessingFailed, statuses[1].Status)

	video, err := h.repo.GetVideo(ctx, "v1")
	require.NoError(t, err)
	assert.Equal(t, store.StatusFailed, video.Status)
	assert.Empty(t, video.Steps, "ladder never starts after a failed preview phase")
}

func TestStart_ThumbnailFailure(t *testing.T) {
	h := newHarness(t)
	h.engine.thumbnailsErr = errors.New("disk full")

	err := h.p.Start(context.Background(), testJob)
	assert.ErrorContains(t, err, "disk full")
	assert.Len(t, h.notifier.byPattern(notify.PatternThumbnailsGenerateFailed), 1)
}

func TestStart_StatusNotificationFailure(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	h.notifier.statusErr = errors.New("video manager unavailable")

	err := h.p.Start(ctx, testJob)
	assert.ErrorContains(t, err, "video manager unavailable")

	video, err := h.repo.GetVideo(ctx, "v1")
	require.NoError(t, err)
	assert.Equal(t, store.StatusFailed, video.Status)
	assert.Empty(t, h.notifier.byPattern(notify.PatternAddPreview))
}

func TestStart_RetryStartsOver(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	h.engine.previewErr = errors.New("transient")
	require.Error(t, h.p.Start(ctx, testJob))

	h.engine.previewErr = nil
	require.NoError(t, h.p.Start(ctx, testJob))

	steps, err := h.repo.Steps(ctx, "v1")
	require.NoError(t, err)
	assert.Len(t, steps, 8)
	assert.Equal(t, 8, completeCount(steps))
}

func TestCancel_UsesFallbackWorkdir(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	dir := filepath.Join(h.root, "processor_output", "v9")
	require.NoError(t, os.MkdirAll(dir, 0o755))

	require.NoError(t, h.p.Cancel(ctx, "v9"))

	assert.NoDirExists(t, dir)
	flag, err := h.flags.Get(ctx, "v9")
	require.NoError(t, err)
	assert.Equal(t, store.FlagCanceled, flag)
	assert.Equal(t, []string{"v-v9-"}, h.engine.killed)
}

func TestCancel_RefusesWorkdirOutsideOutputFolder(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	victim := filepath.Join(h.root, "victim")
	require.NoError(t, os.MkdirAll(victim, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(victim, "keep.txt"), []byte("keep"), 0o644))

	for _, id := range []string{"../victim", "..", ".", "a/../../victim"} {
		err := h.p.Cancel(ctx, id)
		assert.ErrorContains(t, err, "escapes", id)
	}
	assert.FileExists(t, filepath.Join(victim, "keep.txt"))
	assert.DirExists(t, h.root)
}

func TestJob_Validate(t *testing.T) {
	assert.NoError(t, testJob.Validate())
	assert.Error(t, Job{VideoURL: "/f/a.mp4"}.Validate())
	assert.Error(t, Job{VideoID: "v1"}.Validate())
}
