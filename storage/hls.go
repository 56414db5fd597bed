package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/google/uuid"
)

const (
	hlsMasterEndpoint   = "/api/v1/storage/videos/internal/hls/master"
	hlsSegmentsEndpoint = "/api/v1/storage/videos/internal/hls/segments"
)

// UploadHLS uploads one rendition's playlist and its segments under a fresh
// segment-group id, which it returns.
func (c *Client) UploadHLS(ctx context.Context, folder, groupID string) (string, error) {
	entries, err := os.ReadDir(folder)
	if err != nil {
		return "", &TransportError{Op: "upload hls", URL: folder, Err: err}
	}

	var playlist string
	var segments []string
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		switch {
		case strings.HasSuffix(e.Name(), ".m3u8") && playlist == "":
			playlist = filepath.Join(folder, e.Name())
		case strings.HasSuffix(e.Name(), ".ts"):
			segments = append(segments, filepath.Join(folder, e.Name()))
		}
	}
	if playlist == "" || len(segments) == 0 {
		return "", &TransportError{Op: "upload hls", URL: folder, Err: fmt.Errorf("no playlist or segments found")}
	}
	sort.Strings(segments)

	hlsID := uuid.NewString()
	headers := map[string]string{
		"group-id": groupID,
		"hls-id":   hlsID,
		"category": CategoryVideo,
	}
	if _, err := c.postMultipart(ctx, hlsMasterEndpoint, "file", []string{playlist}, headers); err != nil {
		return "", err
	}

	batches := Batches(segments, c.cfg.UploadBatchSize)
	for i, batch := range batches {
		if _, err := c.postMultipart(ctx, hlsSegmentsEndpoint, "files", batch, headers); err != nil {
			return "", fmt.Errorf("segment batch %d/%d: %w", i+1, len(batches), err)
		}
	}
	c.log.Debug("hls uploaded", "group_id", groupID, "hls_id", hlsID, "segments", len(segments), "batches", len(batches))
	return hlsID, nil
}

// UploadHLSMaster uploads the master playlist and returns the stored filename.
func (c *Client) UploadHLSMaster(ctx context.Context, masterPath, groupID string) (string, error) {
	headers := map[string]string{
		"group-id": groupID,
		"category": CategoryVideo,
	}
	raw, err := c.postMultipart(ctx, hlsMasterEndpoint, "file", []string{masterPath}, headers)
	if err != nil {
		return "", err
	}
	return storedFilename(raw), nil
}

// storedFilename accepts {"filename": "..."}, a JSON string or plain text.
func storedFilename(raw []byte) string {
	var obj struct {
		Filename string `json:"filename"`
	}
	if err := json.Unmarshal(raw, &obj); err == nil && obj.Filename != "" {
		return obj.Filename
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	return strings.TrimSpace(string(raw))
}

// Batches splits names into consecutive groups of at most size entries.
// A non-positive size yields a single batch.
func Batches(names []string, size int) [][]string {
	if len(names) == 0 {
		return nil
	}
	if size <= 0 {
		return [][]string{names}
	}
	out := make([][]string, 0, (len(names)+size-1)/size)
	for start := 0; start < len(names); start += size {
		end := start + size
		if end > len(names) {
			end = len(names)
		}
		out = append(out, names[start:end])
	}
	return out
}
