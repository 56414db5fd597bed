package ffmpeg

import (
	"fmt"
	"math"
	"path/filepath"
	"strconv"
	"strings"
)

const SoftwareEncoder = "libx264"

// hwEncoders maps a GPU vendor to its H.264 encoder. Vendors missing here
// (intel, amd, other) encode in software.
var hwEncoders = map[string]string{
	"nvidia": "h264_nvenc",
	"apple":  "h264_videotoolbox",
}

const (
	previewFrameRate = "12.000"
	previewCodec     = "libwebp"
)

// ThumbnailMarks are the relative positions of the generated thumbnails.
var ThumbnailMarks = []float64{0.10, 0.25, 0.50}

// Encoder returns the video encoder for the configured acceleration settings.
func (r *Runner) Encoder() string {
	if !r.cfg.HWAccelEnabled {
		return SoftwareEncoder
	}
	if enc, ok := hwEncoders[strings.ToLower(r.cfg.GPUVendor)]; ok {
		return enc
	}
	return SoftwareEncoder
}

func (r *Runner) BuildInputOptions() []string {
	if !r.cfg.HWAccelEnabled {
		return nil
	}
	return []string{"-hwaccel", r.cfg.HWAccelerator}
}

func (r *Runner) BuildTranscodeOptions(width, height, bitrate int, hasAudio bool) []string {
	args := []string{
		"-s", fmt.Sprintf("%dx%d", width, height),
		"-b:v", fmt.Sprintf("%dk", bitrate),
		"-c:v", r.Encoder(),
	}
	if hasAudio {
		args = append(args, "-c:a", "aac")
	}
	return args
}

func (r *Runner) BuildHLSOptions(folder, label string) []string {
	return []string{
		"-c:v", r.Encoder(),
		"-hls_time", strconv.Itoa(r.cfg.HLSSegmentTime),
		"-hls_playlist_type", r.cfg.HLSPlaylistType,
		"-hls_segment_filename", filepath.Join(folder, label+"_%04d.ts"),
	}
}

func (r *Runner) BuildPreviewOptions(width, height int, start, length float64) []string {
	return []string{
		"-s", fmt.Sprintf("%dx%d", width, height),
		"-r", previewFrameRate,
		"-loop", "0",
		"-c:v", previewCodec,
		"-an",
		"-ss", FormatTimestamp(start),
		"-t", FormatTimestamp(length),
	}
}

func (r *Runner) BuildThumbnailOptions(width, height int) []string {
	return []string{
		"-frames:v", "1",
		"-s", fmt.Sprintf("%dx%d", width, height),
	}
}

// FormatTimestamp renders seconds as HH:MM:SS.mmm. Non-finite and
// non-positive inputs render as zero.
func FormatTimestamp(seconds float64) string {
	if math.IsNaN(seconds) || math.IsInf(seconds, 0) || seconds <= 0 {
		seconds = 0
	}
	ms := int64(seconds * 1000)
	return fmt.Sprintf("%02d:%02d:%02d.%03d",
		ms/3_600_000,
		ms/60_000%60,
		ms/1000%60,
		ms%1000,
	)
}

// command assembles a full ffmpeg invocation around a single input and output.
func command(input string, inputOpts, outputOpts []string, output string) []string {
	args := []string{"-y", "-hide_banner"}
	args = append(args, inputOpts...)
	args = append(args, "-i", input)
	args = append(args, outputOpts...)
	return append(args, output)
}
