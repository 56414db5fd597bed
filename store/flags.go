package store

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// Flag is the per-video cancellation marker. The zero value means absent.
type Flag string

const (
	FlagWork     Flag = "work"
	FlagCanceled Flag = "canceled"
)

// FlagKey is the store key of a video's flag.
func FlagKey(videoID string) string {
	return "v-" + videoID + "-status"
}

type FlagStore interface {
	Get(ctx context.Context, videoID string) (Flag, error)
	Set(ctx context.Context, videoID string, flag Flag) error
}

// NewFlagStore returns the FLAG_STORE implementation: "memory" or "database".
func NewFlagStore(kind string, db *gorm.DB, ttl time.Duration) (FlagStore, error) {
	switch kind {
	case "memory", "":
		return NewMemoryFlags(ttl), nil
	case "database", "db":
		if db == nil {
			return nil, fmt.Errorf("database flag store needs a database")
		}
		return NewDBFlags(db, ttl), nil
	default:
		return nil, fmt.Errorf("unsupported flag store: %s", kind)
	}
}

type memoryFlag struct {
	flag    Flag
	expires time.Time
}

// MemoryFlags keeps flags in process. Entries expire lazily after ttl.
type MemoryFlags struct {
	mu    sync.Mutex
	ttl   time.Duration
	flags map[string]memoryFlag
	now   func() time.Time
}

func NewMemoryFlags(ttl time.Duration) *MemoryFlags {
	return &MemoryFlags{ttl: ttl, flags: make(map[string]memoryFlag), now: time.Now}
}

func (m *MemoryFlags) Get(_ context.Context, videoID string) (Flag, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := FlagKey(videoID)
	f, ok := m.flags[key]
	if !ok {
		return "", nil
	}
	if !f.expires.IsZero() && m.now().After(f.expires) {
		delete(m.flags, key)
		return "", nil
	}
	return f.flag, nil
}

// Set stores flag and drops every other expired entry, so flags of videos
// that are never read again do not accumulate.
func (m *MemoryFlags) Set(_ context.Context, videoID string, flag Flag) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now()
	var expires time.Time
	if m.ttl > 0 {
		expires = now.Add(m.ttl)
		for key, f := range m.flags {
			if !f.expires.IsZero() && now.After(f.expires) {
				delete(m.flags, key)
			}
		}
	}
	m.flags[FlagKey(videoID)] = memoryFlag{flag: flag, expires: expires}
	return nil
}

// DBFlags shares flags between worker instances through the processing_flags table.
type DBFlags struct {
	db  *gorm.DB
	ttl time.Duration
}

func NewDBFlags(db *gorm.DB, ttl time.Duration) *DBFlags {
	return &DBFlags{db: db, ttl: ttl}
}

func (d *DBFlags) Get(ctx context.Context, videoID string) (Flag, error) {
	var row ProcessingFlag
	err := d.db.WithContext(ctx).First(&row, "flag_key = ?", FlagKey(videoID)).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("read flag for %s: %w", videoID, err)
	}
	if d.ttl > 0 && time.Since(row.UpdatedAt) > d.ttl {
		return "", nil
	}
	return Flag(row.Value), nil
}

func (d *DBFlags) Set(ctx context.Context, videoID string, flag Flag) error {
	row := ProcessingFlag{Key: FlagKey(videoID), Value: string(flag), UpdatedAt: time.Now()}
	err := d.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "flag_key"}},
		DoUpdates: clause.AssignmentColumns([]string{"value", "updated_at"}),
	}).Create(&row).Error
	if err != nil {
		return fmt.Errorf("write flag for %s: %w", videoID, err)
	}
	return nil
}
