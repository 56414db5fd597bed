package hls

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// MasterFile is the name of the master playlist inside a job's working directory.
const MasterFile = "master.m3u8"

// Step is one completed rung together with the id of its uploaded segment group.
type Step struct {
	Width   int
	Height  int
	Label   string
	Bitrate int // kbit/s
	HlsID   string
}

// Build renders the master playlist for steps, in the order given.
func Build(steps []Step) string {
	var b strings.Builder
	b.WriteString("#EXTM3U\n#EXT-X-VERSION:3\n")
	for _, s := range steps {
		fmt.Fprintf(&b, "#EXT-X-STREAM-INF:BANDWIDTH=%d,RESOLUTION=%dx%d\n", s.Bitrate*1000, s.Width, s.Height)
		fmt.Fprintf(&b, "%s/%s.m3u8\n", s.HlsID, s.Label)
	}
	return b.String()
}

// Write replaces <dir>/master.m3u8 with the playlist for steps.
func Write(dir string, steps []Step) (string, error) {
	path := filepath.Join(dir, MasterFile)
	if err := os.WriteFile(path, []byte(Build(steps)), 0o644); err != nil {
		return "", fmt.Errorf("write master playlist: %w", err)
	}
	return path, nil
}
