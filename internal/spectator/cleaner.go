package spectator

import (
	"context"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"termarena/server/internal/logging"
)

// RetentionPolicy bounds how many replay bundles stay on disk.
type RetentionPolicy struct {
	MaxBundles int
	MaxAge     time.Duration
}

// StorageStats summarises the retained bundles after a sweep.
type StorageStats struct {
	Bundles   int
	Bytes     int64
	LastSweep time.Time
}

// Cleaner prunes replay bundles past the retention policy.
type Cleaner struct {
	mu     sync.RWMutex
	root   string
	policy RetentionPolicy
	log    *logging.Logger
	now    func() time.Time
	stats  StorageStats
}

// NewCleaner constructs a cleaner for the replay root directory.
func NewCleaner(root string, policy RetentionPolicy, logger *logging.Logger) *Cleaner {
	if logger == nil {
		logger = logging.L()
	}
	return &Cleaner{root: root, policy: policy, log: logger, now: time.Now}
}

// Run sweeps immediately and then at the given interval until cancelled.
func (c *Cleaner) Run(ctx context.Context, interval time.Duration) {
	if c == nil || ctx == nil {
		return
	}
	if interval <= 0 {
		interval = time.Hour
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	c.sweep()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.sweep()
		}
	}
}

// RunOnce performs a single sweep.
func (c *Cleaner) RunOnce() {
	if c == nil {
		return
	}
	c.sweep()
}

// Stats returns the statistics recorded by the last sweep.
func (c *Cleaner) Stats() StorageStats {
	if c == nil {
		return StorageStats{}
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.stats
}

type bundleInfo struct {
	path    string
	size    int64
	modTime time.Time
}

func (c *Cleaner) sweep() {
	if strings.TrimSpace(c.root) == "" {
		return
	}
	entries, err := os.ReadDir(c.root)
	if err != nil {
		c.log.Warn("replay retention scan failed",
			logging.Error(err), logging.String("directory", c.root))
		return
	}

	bundles := make([]bundleInfo, 0, len(entries))
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		path := filepath.Join(c.root, entry.Name())
		info, err := entry.Info()
		if err != nil {
			continue
		}
		size, err := directorySize(path)
		if err != nil {
			c.log.Warn("replay retention size failed",
				logging.Error(err), logging.String("path", path))
			continue
		}
		bundles = append(bundles, bundleInfo{path: path, size: size, modTime: info.ModTime()})
	}
	//1.- Newest first so retention limits favour recent games.
	sort.Slice(bundles, func(i, j int) bool { return bundles[i].modTime.After(bundles[j].modTime) })

	now := c.now()
	stats := StorageStats{LastSweep: now}
	kept := 0
	for _, bundle := range bundles {
		remove := false
		if c.policy.MaxAge > 0 && now.Sub(bundle.modTime) > c.policy.MaxAge {
			remove = true
		}
		if c.policy.MaxBundles > 0 && kept >= c.policy.MaxBundles {
			remove = true
		}
		if remove {
			if err := os.RemoveAll(bundle.path); err != nil {
				c.log.Warn("replay retention removal failed",
					logging.Error(err), logging.String("path", bundle.path))
				kept++
				stats.Bundles++
				stats.Bytes += bundle.size
			} else {
				c.log.Info("replay bundle removed", logging.String("path", bundle.path))
			}
			continue
		}
		kept++
		stats.Bundles++
		stats.Bytes += bundle.size
	}

	c.mu.Lock()
	c.stats = stats
	c.mu.Unlock()
}

func directorySize(root string) (int64, error) {
	var total int64
	err := filepath.WalkDir(root, func(_ string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		total += info.Size()
		return nil
	})
	return total, err
}
