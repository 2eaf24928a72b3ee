package session

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/dgraph-io/ristretto"
	"gopkg.in/yaml.v3"

	"github.com/stellarlinkco/memoryd/internal/memory"
)

const defaultProfileCacheSize = 1000

// DecodeProfiles reads one or more YAML documents, each a profile.
func DecodeProfiles(r io.Reader) ([]*memory.Profile, error) {
	dec := yaml.NewDecoder(r)
	var out []*memory.Profile
	for {
		var p memory.Profile
		err := dec.Decode(&p)
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("decode profile yaml: %w", err)
		}
		p.OwnerID = strings.TrimSpace(p.OwnerID)
		if p.OwnerID == "" {
			return nil, fmt.Errorf("profile %d: ownerId is required", len(out)+1)
		}
		out = append(out, &p)
	}
	return out, nil
}

type profileWriter interface {
	PutProfile(ctx context.Context, p *memory.Profile) error
}

// ImportProfileFile stores every profile in a YAML file and returns them.
func ImportProfileFile(ctx context.Context, dst profileWriter, path string) ([]*memory.Profile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read profile file: %w", err)
	}
	profiles, err := DecodeProfiles(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	for _, p := range profiles {
		if err := dst.PutProfile(ctx, p); err != nil {
			return nil, fmt.Errorf("store profile %s: %w", p.OwnerID, err)
		}
	}
	return profiles, nil
}

// CachedProfiles fronts a ProfileStore with a ristretto cache. Misses that
// resolve to "no profile" are not cached so a later import is seen at once.
type CachedProfiles struct {
	inner ProfileStore
	cache *ristretto.Cache
}

func NewCachedProfiles(inner ProfileStore, size int) (*CachedProfiles, error) {
	if size <= 0 {
		size = defaultProfileCacheSize
	}
	// Every profile costs 1, so MaxCost is an entry count.
	cache, err := ristretto.NewCache(&ristretto.Config{
		NumCounters:        int64(size) * 10,
		MaxCost:            int64(size),
		BufferItems:        64,
		IgnoreInternalCost: true,
	})
	if err != nil {
		return nil, fmt.Errorf("create profile cache: %w", err)
	}
	return &CachedProfiles{inner: inner, cache: cache}, nil
}

func (c *CachedProfiles) GetProfile(ctx context.Context, ownerID string) (*memory.Profile, error) {
	if v, ok := c.cache.Get(ownerID); ok {
		if p, ok := v.(*memory.Profile); ok {
			return p, nil
		}
	}
	p, err := c.inner.GetProfile(ctx, ownerID)
	if err != nil || p == nil {
		return p, err
	}
	c.cache.Set(ownerID, p, 1)
	c.cache.Wait()
	return p, nil
}

// Invalidate drops ownerID so the next read goes to the store.
func (c *CachedProfiles) Invalidate(ownerID string) {
	c.cache.Del(ownerID)
}

func (c *CachedProfiles) Close() {
	c.cache.Close()
}
