package store

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/bytedance/sonic"
	"gorm.io/datatypes"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"

	"github.com/vrwarp/narrator/internal/cache"
	"github.com/vrwarp/narrator/internal/playback"
	"github.com/vrwarp/narrator/internal/ttypes"
)

// QueueState is the saved queue and position of one book.
type QueueState struct {
	BookID       string         `gorm:"primaryKey;type:varchar(255)"`
	Queue        datatypes.JSON `gorm:"not null"`
	CurrentIndex int
	SectionIndex int
	Anchor       string
	PausedAt     *time.Time
	UpdatedAt    time.Time
}

// CachedAudio is one synthesis result.
type CachedAudio struct {
	Key            string `gorm:"column:cache_key;primaryKey;type:varchar(64)"`
	Audio          []byte `gorm:"not null"`
	Format         datatypes.JSON
	Alignment      datatypes.JSON
	CreatedAt      time.Time
	LastAccessedAt time.Time `gorm:"index"`
}

// BackendUsage accumulates metered usage per backend.
type BackendUsage struct {
	BackendID  string `gorm:"primaryKey;type:varchar(64)"`
	Characters int64
	Requests   int64
	UpdatedAt  time.Time
}

// SQLite is the gorm-backed Store.
type SQLite struct {
	db *gorm.DB
}

// OpenSQLite opens (creating if needed) the database at path. path may
// also be a sqlite DSN such as "file:x?mode=memory&cache=shared".
func OpenSQLite(path string) (*SQLite, error) {
	if !strings.HasPrefix(path, "file:") {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("failed to create data directory: %w", err)
		}
	}

	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := db.AutoMigrate(&QueueState{}, &CachedAudio{}, &BackendUsage{}); err != nil {
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}
	return &SQLite{db: db}, nil
}

// SaveQueueState implements playback.Persister.
func (s *SQLite) SaveQueueState(ctx context.Context, bookID string, queue []playback.QueueItem, index, sectionIndex int) error {
	raw, err := sonic.Marshal(queue)
	if err != nil {
		return fmt.Errorf("encode queue: %w", err)
	}
	row := QueueState{
		BookID:       bookID,
		Queue:        datatypes.JSON(raw),
		CurrentIndex: index,
		SectionIndex: sectionIndex,
	}
	err = s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "book_id"}},
		DoUpdates: clause.AssignmentColumns([]string{"queue", "current_index", "section_index", "updated_at"}),
	}).Create(&row).Error
	if err != nil {
		return fmt.Errorf("save queue state: %w", err)
	}
	return nil
}

// SavePosition implements playback.Persister.
func (s *SQLite) SavePosition(ctx context.Context, bookID string, index, sectionIndex int) error {
	res := s.db.WithContext(ctx).Model(&QueueState{}).
		Where("book_id = ?", bookID).
		Updates(map[string]any{
			"current_index": index,
			"section_index": sectionIndex,
			"updated_at":    time.Now(),
		})
	if res.Error != nil {
		return fmt.Errorf("save position: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("save position for %s: %w", bookID, ErrNotFound)
	}
	return nil
}

// UpdatePlaybackMarker implements playback.Persister.
func (s *SQLite) UpdatePlaybackMarker(ctx context.Context, bookID, anchor string, pausedAt *time.Time) error {
	row := QueueState{
		BookID:   bookID,
		Queue:    datatypes.JSON("[]"),
		Anchor:   anchor,
		PausedAt: pausedAt,
	}
	err := s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "book_id"}},
		DoUpdates: clause.AssignmentColumns([]string{"anchor", "paused_at", "updated_at"}),
	}).Create(&row).Error
	if err != nil {
		return fmt.Errorf("update playback marker: %w", err)
	}
	return nil
}

// LoadQueueState implements playback.Persister.
func (s *SQLite) LoadQueueState(ctx context.Context, bookID string) (*playback.SavedQueue, error) {
	var row QueueState
	if err := s.db.WithContext(ctx).Where("book_id = ?", bookID).First(&row).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("load queue state: %w", err)
	}

	var queue []playback.QueueItem
	if len(row.Queue) > 0 {
		if err := sonic.Unmarshal(row.Queue, &queue); err != nil {
			return nil, fmt.Errorf("decode queue: %w", err)
		}
	}
	return &playback.SavedQueue{
		Queue:        queue,
		Index:        row.CurrentIndex,
		SectionIndex: row.SectionIndex,
		Anchor:       row.Anchor,
		PausedAt:     row.PausedAt,
	}, nil
}

// GetCachedAudio implements cache.Persistence.
func (s *SQLite) GetCachedAudio(ctx context.Context, key string) (*cache.Entry, error) {
	var row CachedAudio
	if err := s.db.WithContext(ctx).Where("cache_key = ?", key).First(&row).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, cache.ErrCacheMiss
		}
		return nil, fmt.Errorf("get cached audio: %w", err)
	}

	e := &cache.Entry{
		Audio:          row.Audio,
		CreatedAt:      row.CreatedAt,
		LastAccessedAt: row.LastAccessedAt,
	}
	if len(row.Format) > 0 {
		if err := sonic.Unmarshal(row.Format, &e.Format); err != nil {
			return nil, fmt.Errorf("%w: %v", cache.ErrCacheCorrupted, err)
		}
	}
	if len(row.Alignment) > 0 {
		var alignment []ttypes.AlignmentPoint
		if err := sonic.Unmarshal(row.Alignment, &alignment); err != nil {
			return nil, fmt.Errorf("%w: %v", cache.ErrCacheCorrupted, err)
		}
		e.Alignment = alignment
	}
	return e, nil
}

// PutCachedAudio implements cache.Persistence.
func (s *SQLite) PutCachedAudio(ctx context.Context, key string, e *cache.Entry) error {
	format, err := sonic.Marshal(e.Format)
	if err != nil {
		return fmt.Errorf("encode format: %w", err)
	}
	row := CachedAudio{
		Key:            key,
		Audio:          e.Audio,
		Format:         datatypes.JSON(format),
		CreatedAt:      e.CreatedAt,
		LastAccessedAt: e.LastAccessedAt,
	}
	if len(e.Alignment) > 0 {
		alignment, err := sonic.Marshal(e.Alignment)
		if err != nil {
			return fmt.Errorf("encode alignment: %w", err)
		}
		row.Alignment = datatypes.JSON(alignment)
	}

	err = s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "cache_key"}},
		UpdateAll: true,
	}).Create(&row).Error
	if err != nil {
		return fmt.Errorf("put cached audio: %w", err)
	}
	return nil
}

// TouchCachedAudio implements cache.Persistence.
func (s *SQLite) TouchCachedAudio(ctx context.Context, key string, at time.Time) error {
	res := s.db.WithContext(ctx).Model(&CachedAudio{}).
		Where("cache_key = ?", key).
		Update("last_accessed_at", at)
	if res.Error != nil {
		return fmt.Errorf("touch cached audio: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return cache.ErrCacheMiss
	}
	return nil
}

// DeleteCachedAudio implements cache.Persistence.
func (s *SQLite) DeleteCachedAudio(ctx context.Context, key string) error {
	if err := s.db.WithContext(ctx).Where("cache_key = ?", key).Delete(&CachedAudio{}).Error; err != nil {
		return fmt.Errorf("delete cached audio: %w", err)
	}
	return nil
}

// Prune implements Store.
func (s *SQLite) Prune(ctx context.Context, cutoff time.Time) (int, error) {
	res := s.db.WithContext(ctx).Where("last_accessed_at < ?", cutoff).Delete(&CachedAudio{})
	if res.Error != nil {
		return 0, fmt.Errorf("prune cached audio: %w", res.Error)
	}
	return int(res.RowsAffected), nil
}

// RecordUsage implements Store.
func (s *SQLite) RecordUsage(ctx context.Context, backendID string, characters int) error {
	row := BackendUsage{BackendID: backendID, Characters: int64(characters), Requests: 1}
	err := s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "backend_id"}},
		DoUpdates: clause.Assignments(map[string]any{
			"characters": gorm.Expr("characters + ?", characters),
			"requests":   gorm.Expr("requests + 1"),
			"updated_at": time.Now(),
		}),
	}).Create(&row).Error
	if err != nil {
		return fmt.Errorf("record usage: %w", err)
	}
	return nil
}

// Usage implements Store.
func (s *SQLite) Usage(ctx context.Context) ([]Usage, error) {
	var rows []BackendUsage
	if err := s.db.WithContext(ctx).Order("backend_id").Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("load usage: %w", err)
	}
	out := make([]Usage, len(rows))
	for i, r := range rows {
		out[i] = Usage{BackendID: r.BackendID, Characters: r.Characters, Requests: r.Requests}
	}
	return out, nil
}

// Close closes the underlying connection pool.
func (s *SQLite) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
