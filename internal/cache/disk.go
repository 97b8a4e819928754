package cache

import (
	"context"
	"crypto/sha256"
	"encoding/gob"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/klauspost/compress/zstd"
)

const indexFile = "cache.index"

// DiskStore keeps entries as files under one directory, zstd-compressed
// when that helps. It survives restarts through a gob-encoded index.
type DiskStore struct {
	basePath string
	capacity int64 // Maximum size in bytes
	size     int64 // Current size in bytes

	encoder *zstd.Encoder
	decoder *zstd.Decoder

	// Index for fast lookups
	index map[string]*diskItem

	mu    sync.Mutex
	stats Stats
}

// diskItem is exported-field only so gob can encode it.
type diskItem struct {
	Key          string
	FilePath     string
	Size         int64 // Size on disk
	OriginalSize int64
	CreatedAt    time.Time
	LastAccess   time.Time
	Hits         int64
	Compressed   bool
}

// NewDiskStore opens or creates a disk tier rooted at basePath.
// A compressionLevel of 0 disables compression.
func NewDiskStore(basePath string, capacity int64, compressionLevel int) (*DiskStore, error) {
	if err := os.MkdirAll(basePath, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create cache directory: %w", err)
	}

	ds := &DiskStore{
		basePath: basePath,
		capacity: capacity,
		index:    make(map[string]*diskItem),
		stats: Stats{
			Tier:     TierDisk,
			Capacity: capacity,
		},
	}

	if compressionLevel > 0 {
		var err error
		ds.encoder, err = zstd.NewWriter(nil,
			zstd.WithEncoderLevel(zstd.EncoderLevelFromZstd(compressionLevel)))
		if err != nil {
			return nil, fmt.Errorf("failed to create zstd encoder: %w", err)
		}
		ds.decoder, err = zstd.NewReader(nil)
		if err != nil {
			return nil, fmt.Errorf("failed to create zstd decoder: %w", err)
		}
	}

	if err := ds.loadIndex(); err != nil {
		// a broken index only costs us the previous contents
		ds.index = make(map[string]*diskItem)
	}
	ds.calculateSize()

	return ds, nil
}

// Tier implements Store.
func (ds *DiskStore) Tier() Tier { return TierDisk }

// Get implements Store.
func (ds *DiskStore) Get(_ context.Context, key string) (*Entry, error) {
	ds.mu.Lock()
	defer ds.mu.Unlock()

	item, ok := ds.index[key]
	if !ok {
		ds.stats.Misses++
		return nil, ErrCacheMiss
	}

	data, err := os.ReadFile(item.FilePath)
	if err != nil {
		ds.dropLocked(key, item)
		ds.stats.Misses++
		return nil, ErrCacheMiss
	}

	if item.Compressed {
		if ds.decoder == nil {
			ds.dropLocked(key, item)
			return nil, ErrCacheCorrupted
		}
		data, err = ds.decoder.DecodeAll(data, nil)
		if err != nil {
			ds.dropLocked(key, item)
			return nil, fmt.Errorf("%w: %v", ErrCacheCorrupted, err)
		}
	}

	e, err := decodeEntry(data)
	if err != nil {
		ds.dropLocked(key, item)
		return nil, err
	}

	item.Hits++
	e.CreatedAt = item.CreatedAt
	e.LastAccessedAt = item.LastAccess

	ds.stats.Hits++
	ds.stats.LastAccess = time.Now()
	return e, nil
}

// Put implements Store.
func (ds *DiskStore) Put(_ context.Context, key string, e *Entry) error {
	raw, err := encodeEntry(e)
	if err != nil {
		return err
	}

	ds.mu.Lock()
	defer ds.mu.Unlock()

	originalSize := int64(len(raw))
	data := raw
	compressed := false
	// only compress if > 1KB and it actually helps
	if ds.encoder != nil && originalSize > 1024 {
		if c := ds.encoder.EncodeAll(raw, nil); len(c) < len(raw) {
			data = c
			compressed = true
		}
	}
	diskSize := int64(len(data))

	if existing, ok := ds.index[key]; ok {
		ds.dropLocked(key, existing)
	}
	if diskSize > ds.capacity {
		return ErrItemTooLarge
	}
	for ds.size+diskSize > ds.capacity && len(ds.index) > 0 {
		ds.evictOldest()
	}

	path := ds.filePath(key)
	if err := writeFileAtomic(path, data); err != nil {
		return fmt.Errorf("failed to write cache file: %w", err)
	}

	ds.index[key] = &diskItem{
		Key:          key,
		FilePath:     path,
		Size:         diskSize,
		OriginalSize: originalSize,
		CreatedAt:    e.CreatedAt,
		LastAccess:   e.LastAccessedAt,
		Compressed:   compressed,
	}
	ds.size += diskSize
	return nil
}

// Touch implements Store.
func (ds *DiskStore) Touch(_ context.Context, key string, at time.Time) error {
	ds.mu.Lock()
	defer ds.mu.Unlock()

	item, ok := ds.index[key]
	if !ok {
		return ErrCacheMiss
	}
	item.LastAccess = at
	return nil
}

// Delete implements Store.
func (ds *DiskStore) Delete(_ context.Context, key string) error {
	ds.mu.Lock()
	defer ds.mu.Unlock()

	if item, ok := ds.index[key]; ok {
		ds.dropLocked(key, item)
	}
	return nil
}

// Clear implements Store.
func (ds *DiskStore) Clear(context.Context) error {
	ds.mu.Lock()
	defer ds.mu.Unlock()

	for _, item := range ds.index {
		_ = os.Remove(item.FilePath)
	}
	ds.index = make(map[string]*diskItem)
	ds.size = 0
	return ds.saveIndex()
}

// Stats implements Store.
func (ds *DiskStore) Stats() Stats {
	ds.mu.Lock()
	defer ds.mu.Unlock()

	stats := ds.stats
	stats.Size = ds.size
	stats.ItemCount = int64(len(ds.index))
	stats.updateHitRate()
	return stats
}

// Prune implements Pruner.
func (ds *DiskStore) Prune(_ context.Context, cutoff time.Time) (int, error) {
	ds.mu.Lock()
	defer ds.mu.Unlock()

	removed := 0
	for key, item := range ds.index {
		if item.LastAccess.Before(cutoff) {
			ds.dropLocked(key, item)
			removed++
		}
	}
	if removed > 0 {
		return removed, ds.saveIndex()
	}
	return 0, nil
}

// Close saves the index.
func (ds *DiskStore) Close() error {
	ds.mu.Lock()
	defer ds.mu.Unlock()

	if ds.encoder != nil {
		_ = ds.encoder.Close()
	}
	if ds.decoder != nil {
		ds.decoder.Close()
	}
	return ds.saveIndex()
}

func (ds *DiskStore) filePath(key string) string {
	hash := sha256.Sum256([]byte(key))
	return filepath.Join(ds.basePath, hex.EncodeToString(hash[:16])+".cache")
}

func (ds *DiskStore) dropLocked(key string, item *diskItem) {
	_ = os.Remove(item.FilePath)
	ds.size -= item.Size
	delete(ds.index, key)
}

func (ds *DiskStore) evictOldest() {
	var oldestKey string
	var oldest *diskItem
	for key, item := range ds.index {
		if oldest == nil || item.LastAccess.Before(oldest.LastAccess) {
			oldestKey, oldest = key, item
		}
	}
	if oldest != nil {
		ds.dropLocked(oldestKey, oldest)
		ds.stats.Evictions++
		ds.stats.LastEvict = time.Now()
	}
}

func (ds *DiskStore) loadIndex() error {
	f, err := os.Open(filepath.Join(ds.basePath, indexFile))
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	defer f.Close() //nolint:errcheck

	return gob.NewDecoder(f).Decode(&ds.index)
}

func (ds *DiskStore) saveIndex() error {
	path := filepath.Join(ds.basePath, indexFile)
	tmp := path + ".tmp"

	f, err := os.Create(tmp)
	if err != nil {
		return err
	}
	err = gob.NewEncoder(f).Encode(ds.index)
	closeErr := f.Close()
	if err == nil {
		err = closeErr
	}
	if err != nil {
		_ = os.Remove(tmp)
		return err
	}
	return os.Rename(tmp, path)
}

func (ds *DiskStore) calculateSize() {
	ds.size = 0
	for _, item := range ds.index {
		ds.size += item.Size
	}
}

func writeFileAtomic(path string, data []byte) error {
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		_ = os.Remove(tmp)
		return err
	}
	return os.Rename(tmp, path)
}
