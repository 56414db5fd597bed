package ffmpeg

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"vidproc/config"

	"github.com/hashicorp/go-hclog"
	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/disk"
	"github.com/shirou/gopsutil/v3/mem"
)

// TranscodeError reports a failed ffmpeg invocation.
type TranscodeError struct {
	Stage  string
	Key    string
	Output string // tail of combined stdout/stderr
	Err    error
}

func (e *TranscodeError) Error() string {
	if e.Output == "" {
		return fmt.Sprintf("ffmpeg %s (%s) failed: %v", e.Stage, e.Key, e.Err)
	}
	return fmt.Sprintf("ffmpeg %s (%s) failed: %v: %s", e.Stage, e.Key, e.Err, e.Output)
}

func (e *TranscodeError) Unwrap() error { return e.Err }

// ResourceError is returned when the host lacks headroom to start an encode.
type ResourceError struct {
	Reason string
}

func (e *ResourceError) Error() string {
	return "insufficient system resources: " + e.Reason
}

const outputTailBytes = 2048

type Runner struct {
	cfg       *config.Config
	log       hclog.Logger
	registry  *Registry
	extraArgs []string
}

func NewRunner(cfg *config.Config, registry *Registry, log hclog.Logger) (*Runner, error) {
	if _, err := exec.LookPath(cfg.FFBin); err != nil {
		return nil, fmt.Errorf("ffmpeg binary not found or not in PATH: %s", cfg.FFBin)
	}
	if _, err := exec.LookPath(cfg.FFProbeBin); err != nil {
		return nil, fmt.Errorf("ffprobe binary not found or not in PATH: %s", cfg.FFProbeBin)
	}

	extra, err := ParseExtraArgs(cfg.FFExtraOutputArgs)
	if err != nil {
		return nil, fmt.Errorf("invalid FF_EXTRA_OUTPUT_ARGS: %w", err)
	}
	if log == nil {
		log = hclog.NewNullLogger()
	}

	return &Runner{
		cfg:       cfg,
		log:       log,
		registry:  registry,
		extraArgs: extra,
	}, nil
}

func (r *Runner) Registry() *Registry {
	return r.registry
}

// KillPrefix kills every running process registered for a video.
func (r *Runner) KillPrefix(prefix string) int {
	return r.registry.KillPrefix(prefix)
}

// Transcode encodes input into one rendition at output.
func (r *Runner) Transcode(ctx context.Context, key, input, output string, width, height, bitrate int, hasAudio bool) error {
	opts := append(r.BuildTranscodeOptions(width, height, bitrate, hasAudio), r.extraArgs...)
	return r.run(ctx, "transcode", key, command(input, r.BuildInputOptions(), opts, output))
}

// PackageHLS segments a rendition into folder and returns its playlist path.
func (r *Runner) PackageHLS(ctx context.Context, key, input, folder, label string) (string, error) {
	if err := os.MkdirAll(folder, 0o755); err != nil {
		return "", fmt.Errorf("could not create hls folder: %w", err)
	}
	playlist := filepath.Join(folder, label+".m3u8")
	args := command(input, r.BuildInputOptions(), r.BuildHLSOptions(folder, label), playlist)
	if err := r.run(ctx, "hls", key, args); err != nil {
		return "", err
	}
	return playlist, nil
}

// RenderPreview writes the animated preview to output.
func (r *Runner) RenderPreview(ctx context.Context, key, input, output string, width, height int, start, length float64) error {
	args := command(input, r.BuildInputOptions(), r.BuildPreviewOptions(width, height, start, length), output)
	return r.run(ctx, "preview", key, args)
}

// RenderThumbnails extracts one frame per ThumbnailMarks entry into folder as
// tn_1.png, tn_2.png, ... and returns their paths in order.
func (r *Runner) RenderThumbnails(ctx context.Context, key, input, folder string, width, height int, duration float64) ([]string, error) {
	paths := make([]string, 0, len(ThumbnailMarks))
	for i, mark := range ThumbnailMarks {
		out := filepath.Join(folder, fmt.Sprintf("tn_%d.png", i+1))
		seek := []string{"-ss", FormatTimestamp(duration * mark)}
		if err := r.run(ctx, "thumbnails", key, command(input, seek, r.BuildThumbnailOptions(width, height), out)); err != nil {
			return nil, err
		}
		paths = append(paths, out)
	}
	return paths, nil
}

// run starts ffmpeg, keeps it registered under key while it runs and waits
// for it to exit.
func (r *Runner) run(ctx context.Context, stage, key string, args []string) error {
	if err := r.checkResources(); err != nil {
		return err
	}

	cmd := exec.CommandContext(ctx, r.cfg.FFBin, args...)
	var outputBuf bytes.Buffer
	cmd.Stdout = &outputBuf
	cmd.Stderr = &outputBuf

	r.log.Debug("executing", "key", key, "stage", stage, "cmd", cmd.Path+" "+strings.Join(args, " "))

	// Registered before Start so a KillPrefix racing the start is not lost.
	handle := &processHandle{}
	release := r.registry.Register(key, handle)
	defer release()

	started := time.Now()
	if err := cmd.Start(); err != nil {
		return &TranscodeError{Stage: stage, Key: key, Err: err}
	}
	if !handle.attach(cmd.Process) {
		r.log.Debug("killed before start completed", "key", key, "stage", stage)
	}

	if err := cmd.Wait(); err != nil {
		return &TranscodeError{Stage: stage, Key: key, Output: tail(outputBuf.String(), outputTailBytes), Err: err}
	}
	r.log.Debug("finished", "key", key, "stage", stage, "elapsed", time.Since(started))
	return nil
}

func tail(s string, n int) string {
	s = strings.TrimSpace(s)
	if len(s) <= n {
		return s
	}
	return s[len(s)-n:]
}

// checkResources verifies that the system has enough free resources to start a new encode.
// A zero threshold disables the corresponding check.
func (r *Runner) checkResources() error {
	if r.cfg.ThrottleCPU > 0 {
		p, err := cpu.Percent(time.Second, false)
		if err != nil {
			r.log.Warn("could not get CPU usage", "error", err)
		} else if len(p) > 0 && p[0] > (100.0-r.cfg.ThrottleCPU) {
			return &ResourceError{Reason: fmt.Sprintf("not enough idle CPU. Current usage: %.2f%%, Idle threshold: %.2f%%", p[0], r.cfg.ThrottleCPU)}
		}
	}

	if r.cfg.ThrottleFreeMem > 0 {
		vm, err := mem.VirtualMemory()
		if err != nil {
			r.log.Warn("could not get memory usage", "error", err)
		} else if vm.Available < uint64(r.cfg.ThrottleFreeMem) {
			return &ResourceError{Reason: fmt.Sprintf("not enough free memory. Available: %d, Required: %d", vm.Available, r.cfg.ThrottleFreeMem)}
		}
	}

	if r.cfg.ThrottleFreeDisk > 0 {
		d, err := disk.Usage(r.cfg.OutputRoot)
		if err != nil {
			r.log.Warn("could not get disk usage", "path", r.cfg.OutputRoot, "error", err)
		} else if d.Free < uint64(r.cfg.ThrottleFreeDisk) {
			return &ResourceError{Reason: fmt.Sprintf("not enough free disk space. Available: %d, Required: %d", d.Free, r.cfg.ThrottleFreeDisk)}
		}
	}
	return nil
}
