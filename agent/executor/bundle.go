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

package executor

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/conduitio/bwlimit"
	"github.com/google/uuid"
	"golang.org/x/sync/singleflight"

	"go.corp.nvidia.com/longshore/pkg/wire"
)

const (
	// maxBundleBytes caps a single bundle download.
	maxBundleBytes = 512 << 20
	bundlePerm     = 0o755
)

// fetcher materializes pack bundles into a content-addressed cache.
type fetcher struct {
	cacheDir string
	client   *http.Client

	// flights collapses concurrent fetches of the same cache entry so two
	// pods deploying one pack share a single download.
	flights singleflight.Group
}

func newFetcher(cacheDir string, downloadLimit int, timeout time.Duration) *fetcher {
	return &fetcher{
		cacheDir: cacheDir,
		client:   newFetchClient(downloadLimit, timeout),
	}
}

// newFetchClient builds an HTTP client whose reads are capped at limit
// bytes per second. Zero means unlimited.
func newFetchClient(limit int, timeout time.Duration) *http.Client {
	dialer := &net.Dialer{Timeout: 10 * time.Second}
	transport := &http.Transport{
		DialContext:       dialer.DialContext,
		ForceAttemptHTTP2: true,
	}
	if limit > 0 {
		transport.DialContext = bwlimit.NewDialer(dialer, 0, bwlimit.Byte(limit)).DialContext
	}
	return &http.Client{Transport: transport, Timeout: timeout}
}

// Fetch returns the local path of the pack's bundle, reusing the cache when
// the digest still matches.
func (f *fetcher) Fetch(ctx context.Context, pack *wire.PackSpec) (string, error) {
	dir := filepath.Join(f.cacheDir, "bundles")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("create bundle cache: %w", err)
	}
	key := cacheKey(pack)
	dest := filepath.Join(dir, key)

	_, err, _ := f.flights.Do(key, func() (any, error) {
		if cached, err := f.cacheHit(dest, pack.Metadata.Digest); err != nil {
			return nil, err
		} else if cached {
			return nil, nil
		}
		switch {
		case len(pack.Bundle) > 0:
			if err := verifyDigest(pack.Bundle, pack.Metadata.Digest); err != nil {
				return nil, err
			}
			return nil, install(dest, pack.Bundle)
		case pack.BundlePath != "":
			return nil, f.download(ctx, pack.BundlePath, dest, pack.Metadata.Digest)
		default:
			return nil, fmt.Errorf("pack %s@%s carries no bundle", pack.Name, pack.Version)
		}
	})
	if err != nil {
		return "", err
	}
	return dest, nil
}

// cacheHit reports whether dest already holds a bundle matching digest. An
// undigested pack is reused on bare existence.
func (f *fetcher) cacheHit(dest, digest string) (bool, error) {
	if _, err := os.Stat(dest); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return false, nil
		}
		return false, err
	}
	if digest == "" {
		return true, nil
	}
	data, err := os.ReadFile(dest)
	if err != nil {
		return false, err
	}
	return verifyDigest(data, digest) == nil, nil
}

func (f *fetcher) download(ctx context.Context, url, dest, digest string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return fmt.Errorf("build bundle request: %w", err)
	}
	resp, err := f.client.Do(req)
	if err != nil {
		return fmt.Errorf("download bundle: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("download bundle: unexpected status %d from %s", resp.StatusCode, url)
	}
	data, err := io.ReadAll(io.LimitReader(resp.Body, maxBundleBytes+1))
	if err != nil {
		return fmt.Errorf("read bundle body: %w", err)
	}
	if len(data) > maxBundleBytes {
		return fmt.Errorf("bundle exceeds %d byte limit", maxBundleBytes)
	}
	if err := verifyDigest(data, digest); err != nil {
		return err
	}
	return install(dest, data)
}

// install writes the bundle next to its final name and renames it into
// place so concurrent readers never see a partial file.
func install(dest string, data []byte) error {
	tmp := dest + "." + strings.ReplaceAll(uuid.New().String(), "-", "")[:8]
	if err := os.WriteFile(tmp, data, bundlePerm); err != nil {
		return fmt.Errorf("write bundle: %w", err)
	}
	if err := os.Rename(tmp, dest); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("install bundle: %w", err)
	}
	return nil
}

// verifyDigest checks data against a hex SHA-256 digest, tolerating the
// sha256: prefix. An empty digest passes.
func verifyDigest(data []byte, digest string) error {
	if digest == "" {
		return nil
	}
	want := strings.TrimPrefix(digest, "sha256:")
	sum := sha256.Sum256(data)
	got := hex.EncodeToString(sum[:])
	if !strings.EqualFold(got, want) {
		return fmt.Errorf("bundle digest mismatch: got %s, want %s", got, want)
	}
	return nil
}

// cacheKey addresses a bundle by digest when available, otherwise by
// identity and version.
func cacheKey(pack *wire.PackSpec) string {
	if d := strings.TrimPrefix(pack.Metadata.Digest, "sha256:"); d != "" {
		return strings.ToLower(d)
	}
	id := pack.ID
	if id == "" {
		id = pack.Name
	}
	return sanitize(id) + "-" + sanitize(pack.Version)
}

// sanitize keeps cache entry names filesystem safe.
func sanitize(s string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '.', r == '_':
			return r
		default:
			return '_'
		}
	}, s)
}
