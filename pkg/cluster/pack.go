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

package cluster

import (
	"time"

	"github.com/blang/semver/v4"
)

// RuntimeTag declares which runtime types may execute a pack.
type RuntimeTag string

const (
	TagNodeOnly    RuntimeTag = "node-only"
	TagBrowserOnly RuntimeTag = "browser-only"
	TagUniversal   RuntimeTag = "universal"
)

// RequiredRuntime maps a runtime tag to the runtime type it demands.
// Universal packs return the empty runtime type (no demand).
func (t RuntimeTag) RequiredRuntime() RuntimeType {
	switch t {
	case TagNodeOnly:
		return RuntimeNative
	case TagBrowserOnly:
		return RuntimeBrowser
	}
	return ""
}

// Compatible reports whether a node of the given runtime type may run a pack
// carrying this tag.
func (t RuntimeTag) Compatible(rt RuntimeType) bool {
	required := t.RequiredRuntime()
	return required == "" || required == rt
}

// Visibility controls which users may schedule a pack.
type Visibility string

const (
	VisibilityPrivate Visibility = "private"
	VisibilityPublic  Visibility = "public"
)

// PackMetadata carries execution hints attached to a pack version.
type PackMetadata struct {
	// MinRuntimeVersion is a semver floor the node's reported runtime
	// version must satisfy, empty for no constraint.
	MinRuntimeVersion string `json:"minRuntimeVersion,omitempty"`
	// Entry is the command line executed inside the worker slot.
	Entry string `json:"entry,omitempty"`
	// Interactive requests a PTY for the pack process.
	Interactive bool `json:"interactive,omitempty"`
	// Digest is the hex SHA-256 of the bundle, verified after fetch.
	Digest string `json:"digest,omitempty"`
	// Env is merged into the pack process environment.
	Env map[string]string `json:"env,omitempty"`
}

// Pack is a versioned executable unit. Packs are immutable once published;
// a new version is a new Pack row sharing the same ID.
type Pack struct {
	ID         string       `json:"packId"`
	Name       string       `json:"name"`
	Version    string       `json:"version"`
	RuntimeTag RuntimeTag   `json:"runtimeTag"`
	Bundle     []byte       `json:"bundle,omitempty"`
	BundlePath string       `json:"bundlePath,omitempty"`
	Metadata   PackMetadata `json:"metadata"`
	OwnerID    string       `json:"ownerId"`
	Visibility Visibility   `json:"visibility"`
	CreatedAt  time.Time    `json:"createdAt"`
}

// Semver parses the pack's version.
func (p *Pack) Semver() (semver.Version, error) {
	return semver.ParseTolerant(p.Version)
}

// MinRuntimeVersion parses the metadata floor; the boolean is false when no
// constraint is set.
func (p *Pack) MinRuntimeVersion() (semver.Version, bool, error) {
	if p.Metadata.MinRuntimeVersion == "" {
		return semver.Version{}, false, nil
	}
	v, err := semver.ParseTolerant(p.Metadata.MinRuntimeVersion)
	if err != nil {
		return semver.Version{}, false, err
	}
	return v, true, nil
}

// AccessibleBy reports whether a user may schedule this pack under its
// visibility rules. Admin access is decided by the caller.
func (p *Pack) AccessibleBy(userID string) bool {
	if p.Visibility == VisibilityPublic {
		return true
	}
	return p.OwnerID != "" && p.OwnerID == userID
}

// VersionNewer reports whether version a is strictly newer than b. Unparsable
// versions are never considered newer.
func VersionNewer(a, b string) bool {
	va, err := semver.ParseTolerant(a)
	if err != nil {
		return false
	}
	vb, err := semver.ParseTolerant(b)
	if err != nil {
		return false
	}
	return va.GT(vb)
}
