package usecase

import (
	"context"
	"fmt"
	"sync"

	"ci-control-plane/internal/crypto"
	"ci-control-plane/internal/domain"
	"ci-control-plane/internal/pipeline"
)

// SystemImageCache holds the decrypted images the control plane's own
// pipeline steps run in. It is refreshed at every execution start so
// rotated registry credentials apply without a restart.
type SystemImageCache struct {
	repo      domain.SystemImageRepository
	decrypter crypto.Decrypter

	mu     sync.RWMutex
	images map[string]pipeline.Image
}

// NewSystemImageCache creates an empty cache.
func NewSystemImageCache(repo domain.SystemImageRepository, decrypter crypto.Decrypter) *SystemImageCache {
	return &SystemImageCache{
		repo:      repo,
		decrypter: decrypter,
		images:    map[string]pipeline.Image{},
	}
}

// Refresh reloads every image. On error the previous contents are kept.
func (c *SystemImageCache) Refresh(ctx context.Context) error {
	rows, err := c.repo.List(ctx)
	if err != nil {
		return fmt.Errorf("failed to load system images: %w", err)
	}

	images := make(map[string]pipeline.Image, len(rows))
	for _, row := range rows {
		password, err := c.decrypter.Decrypt(row.EncPassword)
		if err != nil {
			return fmt.Errorf("failed to decrypt password of system image %s: %w", row.Name, err)
		}
		images[row.Name] = pipeline.Image{
			Repository: row.Repository,
			Tag:        row.Tag,
			Username:   row.Username,
			Password:   password,
		}
	}

	c.mu.Lock()
	c.images = images
	c.mu.Unlock()
	return nil
}

// Snapshot returns a copy of all cached images.
func (c *SystemImageCache) Snapshot() map[string]pipeline.Image {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make(map[string]pipeline.Image, len(c.images))
	for k, v := range c.images {
		out[k] = v
	}
	return out
}
