/*
SPDX-FileCopyrightText: Copyright (c) 2026 NVIDIA CORPORATION & AFFILIATES. All rights reserved.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.

SPDX-License-Identifier: Apache-2.0
*/

package auth

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"flag"
	"log/slog"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"

	"go.corp.nvidia.com/longshore/utils"
)

const (
	defaultCacheMaxSize = 1000
	defaultCacheTTLSec  = 300
)

// CacheConfig holds verification cache configuration
type CacheConfig struct {
	MaxSize int
	TTL     time.Duration
}

// CacheFlagPointers holds pointers to flag values for cache configuration
type CacheFlagPointers struct {
	maxSize *int
	ttlSec  *int
}

// RegisterCacheFlags registers cache-related command-line flags.
// Returns a CacheFlagPointers that should be converted to CacheConfig
// after flag.Parse() is called.
func RegisterCacheFlags() *CacheFlagPointers {
	return &CacheFlagPointers{
		ttlSec: flag.Int("auth-cache-ttl",
			utils.GetEnvInt("LONGSHORE_AUTH_CACHE_TTL", defaultCacheTTLSec),
			"Token verification cache TTL in seconds"),
		maxSize: flag.Int("auth-cache-max-size",
			utils.GetEnvInt("LONGSHORE_AUTH_CACHE_MAX_SIZE", defaultCacheMaxSize),
			"Token verification cache max number of entries"),
	}
}

// ToCacheConfig converts flag pointers to CacheConfig.
// This should be called after flag.Parse().
func (p *CacheFlagPointers) ToCacheConfig() CacheConfig {
	return CacheConfig{
		MaxSize: *p.maxSize,
		TTL:     time.Duration(*p.ttlSec) * time.Second,
	}
}

// KeyedCache is a generic thread-safe LRU cache with per-entry TTL expiration.
type KeyedCache[V any] struct {
	cache  *expirable.LRU[string, V]
	logger *slog.Logger
}

// NewKeyedCache creates a new keyed cache with the specified max size and TTL.
func NewKeyedCache[V any](maxSize int, ttl time.Duration, logger *slog.Logger) *KeyedCache[V] {
	return &KeyedCache[V]{
		cache:  expirable.NewLRU[string, V](maxSize, nil, ttl),
		logger: logger,
	}
}

// Get retrieves a single value by key. Returns the value and true on hit.
func (c *KeyedCache[V]) Get(key string) (V, bool) {
	return c.cache.Get(key)
}

// Set stores a value under the given key.
func (c *KeyedCache[V]) Set(key string, value V) {
	c.cache.Add(key, value)
}

// Size returns the number of entries in the cache.
func (c *KeyedCache[V]) Size() int {
	return c.cache.Len()
}

// ---------------------------------------------------------------------------
// CachingProvider -- Provider wrapper that caches successful verifications.
// ---------------------------------------------------------------------------

// CachingProvider wraps a Provider with a TTL cache of successful
// verifications. Failed verifications are never cached.
type CachingProvider struct {
	inner Provider
	cache *KeyedCache[*Identity]
}

// NewCachingProvider creates a caching wrapper around the given provider.
func NewCachingProvider(inner Provider, config CacheConfig, logger *slog.Logger) *CachingProvider {
	maxSize := config.MaxSize
	if maxSize <= 0 {
		maxSize = defaultCacheMaxSize
	}
	ttl := config.TTL
	if ttl <= 0 {
		ttl = defaultCacheTTLSec * time.Second
	}

	return &CachingProvider{
		inner: inner,
		cache: NewKeyedCache[*Identity](maxSize, ttl, logger),
	}
}

// Verify resolves the token through the cache, falling back to the wrapped
// provider on miss. Implements Provider.
func (p *CachingProvider) Verify(ctx context.Context, token string) (*Identity, error) {
	key := cacheKey(token)

	if identity, ok := p.cache.Get(key); ok {
		return identity, nil
	}

	identity, err := p.inner.Verify(ctx, token)
	if err != nil {
		return nil, err
	}

	p.cache.Set(key, identity)
	return identity, nil
}

// Size returns the number of cached verifications.
func (p *CachingProvider) Size() int {
	return p.cache.Size()
}

// cacheKey hashes the token so raw credentials are not held as map keys.
func cacheKey(token string) string {
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])
}
