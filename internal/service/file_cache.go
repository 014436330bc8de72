package service

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"time"

	"go.uber.org/zap"
)

// CheckRecord is the last sanity verdict recorded for a bug.
type CheckRecord struct {
	// Fingerprint identifies the merged atoms and CC list that were checked.
	Fingerprint string `json:"fingerprint"`
	Passed      bool   `json:"passed"`
	// Report is the failure report, reposted when the verdict is reused.
	Report    string    `json:"report,omitempty"`
	CheckedAt time.Time `json:"checked_at"`
}

// Fresh returns true if the record matches fingerprint and is younger
// than maxAge. A zero maxAge never expires records.
func (r CheckRecord) Fresh(fingerprint string, maxAge time.Duration, now time.Time) bool {
	if r.Fingerprint != fingerprint {
		return false
	}
	return maxAge == 0 || now.Sub(r.CheckedAt) < maxAge
}

// CacheData represents the structure of cached data.
type CacheData struct {
	Timestamp time.Time           `json:"timestamp"`
	Bugs      map[int]CheckRecord `json:"bugs"`
}

// FileCache persists check records between runs.
type FileCache struct {
	filePath string
	mu       sync.RWMutex
	logger   *zap.Logger
}

// NewFileCache creates a new file cache.
func NewFileCache(filePath string, logger *zap.Logger) *FileCache {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &FileCache{
		filePath: filePath,
		logger:   logger,
	}
}

// Load loads cached data from the file.
// Returns empty data if the file doesn't exist.
func (c *FileCache) Load() (*CacheData, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	data, err := os.ReadFile(c.filePath)
	if os.IsNotExist(err) {
		c.logger.Debug("No cache file found", zap.String("path", c.filePath))
		return &CacheData{Bugs: map[int]CheckRecord{}}, nil
	}
	if err != nil {
		c.logger.Warn("Failed to read cache file", zap.String("path", c.filePath), zap.Error(err))
		return nil, err
	}

	var cacheData CacheData
	if err := json.Unmarshal(data, &cacheData); err != nil {
		c.logger.Warn("Failed to parse cache file", zap.String("path", c.filePath), zap.Error(err))
		return nil, err
	}
	if cacheData.Bugs == nil {
		cacheData.Bugs = map[int]CheckRecord{}
	}

	c.logger.Debug("Loaded cache",
		zap.String("path", c.filePath),
		zap.Duration("age", time.Since(cacheData.Timestamp).Round(time.Second)),
		zap.Int("bugs", len(cacheData.Bugs)))
	return &cacheData, nil
}

// Save saves cached data to the file.
func (c *FileCache) Save(data *CacheData) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	data.Timestamp = time.Now()

	jsonData, err := json.MarshalIndent(data, "", "  ")
	if err != nil {
		return err
	}

	dir := filepath.Dir(c.filePath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		c.logger.Warn("Failed to create cache directory", zap.String("dir", dir), zap.Error(err))
		return err
	}

	// Write to temporary file first (atomic write)
	tempFile := c.filePath + ".tmp"
	if err := os.WriteFile(tempFile, jsonData, 0644); err != nil {
		c.logger.Warn("Failed to write cache file", zap.String("path", tempFile), zap.Error(err))
		return err
	}
	if err := os.Rename(tempFile, c.filePath); err != nil {
		c.logger.Warn("Failed to rename cache file", zap.String("path", tempFile), zap.Error(err))
		os.Remove(tempFile)
		return err
	}

	c.logger.Debug("Saved cache", zap.String("path", c.filePath), zap.Int("bugs", len(data.Bugs)))
	return nil
}

// Clear removes the cache file.
func (c *FileCache) Clear() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := os.Remove(c.filePath); err != nil && !os.IsNotExist(err) {
		return err
	}
	c.logger.Debug("Cleared cache file", zap.String("path", c.filePath))
	return nil
}
