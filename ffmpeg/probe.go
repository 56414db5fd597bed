package ffmpeg

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"os/exec"
	"strconv"
	"strings"
)

// ProbeError reports an unreadable source or one without a video stream.
type ProbeError struct {
	Path string
	Err  error
}

func (e *ProbeError) Error() string {
	return fmt.Sprintf("probe %s: %v", e.Path, e.Err)
}

func (e *ProbeError) Unwrap() error { return e.Err }

var ErrNoVideoStream = errors.New("no video stream found")

// ProbeData mirrors the parts of `ffprobe -print_format json` output we use.
type ProbeData struct {
	Streams []Stream `json:"streams"`
	Format  Format   `json:"format"`

	path string
}

type Stream struct {
	Index     int    `json:"index"`
	CodecType string `json:"codec_type"`
	CodecName string `json:"codec_name"`
	Width     int    `json:"width"`
	Height    int    `json:"height"`
	Duration  string `json:"duration"`
}

type Format struct {
	Filename   string `json:"filename"`
	FormatName string `json:"format_name"`
	Duration   string `json:"duration"`
	BitRate    string `json:"bit_rate"`
}

// VideoStream returns the first video stream with usable dimensions.
func (d *ProbeData) VideoStream() (*Stream, error) {
	for i := range d.Streams {
		s := &d.Streams[i]
		if s.CodecType == "video" && s.Width > 0 && s.Height > 0 {
			return s, nil
		}
	}
	return nil, &ProbeError{Path: d.path, Err: ErrNoVideoStream}
}

func (d *ProbeData) HasAudio() bool {
	for _, s := range d.Streams {
		if s.CodecType == "audio" {
			return true
		}
	}
	return false
}

// Duration is the container duration in seconds, falling back to the first
// two streams' durations. Unknown durations are 0.
func (d *ProbeData) Duration() float64 {
	candidates := []string{d.Format.Duration}
	for i := 0; i < len(d.Streams) && i < 2; i++ {
		candidates = append(candidates, d.Streams[i].Duration)
	}
	for _, c := range candidates {
		v, err := strconv.ParseFloat(strings.TrimSpace(c), 64)
		if err == nil && v > 0 && !math.IsInf(v, 0) {
			return v
		}
	}
	return 0
}

// Probe runs ffprobe against path.
func (r *Runner) Probe(ctx context.Context, path string) (*ProbeData, error) {
	cmd := exec.CommandContext(ctx, r.cfg.FFProbeBin,
		"-v", "quiet",
		"-print_format", "json",
		"-show_format",
		"-show_streams",
		path)

	output, err := cmd.Output()
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			return nil, &ProbeError{Path: path, Err: fmt.Errorf("ffprobe exited with code %d: %s", exitErr.ExitCode(), strings.TrimSpace(string(exitErr.Stderr)))}
		}
		return nil, &ProbeError{Path: path, Err: err}
	}
	return parseProbe(path, output)
}

func parseProbe(path string, output []byte) (*ProbeData, error) {
	var data ProbeData
	if err := json.Unmarshal(output, &data); err != nil {
		return nil, &ProbeError{Path: path, Err: fmt.Errorf("failed to parse ffprobe output: %w", err)}
	}
	data.path = path
	return &data, nil
}
