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
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"go.corp.nvidia.com/longshore/pkg/cluster"
	"go.corp.nvidia.com/longshore/pkg/wire"
)

func digestOf(data []byte) string {
	sum := sha256.Sum256(data)
	return "sha256:" + hex.EncodeToString(sum[:])
}

func TestFetchInlineBundle(t *testing.T) {
	t.Parallel()
	f := newFetcher(t.TempDir(), 0, time.Minute)
	content := []byte("inline bundle bytes")

	path, err := f.Fetch(context.Background(), &wire.PackSpec{
		ID:      "p1",
		Name:    "demo",
		Version: "1.0.0",
		Bundle:  content,
		Metadata: cluster.PackMetadata{
			Digest: digestOf(content),
		},
	})
	if err != nil {
		t.Fatalf("Fetch() error = %v", err)
	}
	got, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("ReadFile() error = %v", err)
	}
	if string(got) != string(content) {
		t.Errorf("bundle content = %q, want %q", got, content)
	}
	info, err := os.Stat(path)
	if err != nil {
		t.Fatalf("Stat() error = %v", err)
	}
	if info.Mode().Perm() != 0o755 {
		t.Errorf("bundle mode = %v, want 0755", info.Mode().Perm())
	}
}

func TestFetchDownloadAndCacheReuse(t *testing.T) {
	t.Parallel()
	content := []byte("downloaded bundle bytes")
	var hits atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.Write(content)
	}))
	defer srv.Close()

	f := newFetcher(t.TempDir(), 0, time.Minute)
	pack := &wire.PackSpec{
		ID:         "p2",
		Name:       "demo",
		Version:    "2.0.0",
		BundlePath: srv.URL + "/bundles/demo-2.0.0",
		Metadata: cluster.PackMetadata{
			Digest: digestOf(content),
		},
	}

	first, err := f.Fetch(context.Background(), pack)
	if err != nil {
		t.Fatalf("Fetch() error = %v", err)
	}
	second, err := f.Fetch(context.Background(), pack)
	if err != nil {
		t.Fatalf("Fetch() second error = %v", err)
	}
	if first != second {
		t.Errorf("cache paths differ: %q vs %q", first, second)
	}
	if n := hits.Load(); n != 1 {
		t.Errorf("server hits = %d, want 1 (second fetch should reuse cache)", n)
	}
}

func TestFetchDownloadDigestMismatch(t *testing.T) {
	t.Parallel()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("tampered bytes"))
	}))
	defer srv.Close()

	f := newFetcher(t.TempDir(), 0, time.Minute)
	_, err := f.Fetch(context.Background(), &wire.PackSpec{
		ID:         "p3",
		Name:       "demo",
		Version:    "3.0.0",
		BundlePath: srv.URL,
		Metadata: cluster.PackMetadata{
			Digest: digestOf([]byte("expected bytes")),
		},
	})
	if err == nil || !strings.Contains(err.Error(), "digest mismatch") {
		t.Fatalf("Fetch() error = %v, want digest mismatch", err)
	}
}

func TestFetchWithoutSource(t *testing.T) {
	t.Parallel()
	f := newFetcher(t.TempDir(), 0, time.Minute)
	_, err := f.Fetch(context.Background(), &wire.PackSpec{
		ID:      "p4",
		Name:    "demo",
		Version: "4.0.0",
	})
	if err == nil || !strings.Contains(err.Error(), "no bundle") {
		t.Fatalf("Fetch() error = %v, want missing bundle", err)
	}
}

func TestFetchDownloadHTTPError(t *testing.T) {
	t.Parallel()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "gone", http.StatusNotFound)
	}))
	defer srv.Close()

	f := newFetcher(t.TempDir(), 0, time.Minute)
	_, err := f.Fetch(context.Background(), &wire.PackSpec{
		ID:         "p5",
		Name:       "demo",
		Version:    "5.0.0",
		BundlePath: srv.URL,
	})
	if err == nil || !strings.Contains(err.Error(), "unexpected status 404") {
		t.Fatalf("Fetch() error = %v, want 404 status error", err)
	}
}
