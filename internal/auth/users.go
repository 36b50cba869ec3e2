/*
SPDX-FileCopyrightText: Copyright (c) 2026 NVIDIA CORPORATION. All rights reserved.

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
	"errors"
	"time"

	"golang.org/x/crypto/bcrypt"
)

// ErrBadCredentials is returned when an email/password pair does not match
// a stored user.
var ErrBadCredentials = errors.New("invalid email or password")

// User is an account in the orchestrator's user directory. Machine users
// created for node agents carry the longshore-agent role.
type User struct {
	ID           string    `json:"userId"`
	Email        string    `json:"email"`
	Name         string    `json:"name,omitempty"`
	PasswordHash string    `json:"-"`
	Roles        []string  `json:"roles"`
	CreatedAt    time.Time `json:"createdAt"`
}

// UserDirectory is the storage interface for user accounts.
type UserDirectory interface {
	// CreateUser stores a new user. Returns a conflict error if a user with
	// the same email already exists.
	CreateUser(ctx context.Context, user *User) error
	// GetUserByEmail looks up a user by email.
	GetUserByEmail(ctx context.Context, email string) (*User, error)
	// CountUsers returns the total number of users.
	CountUsers(ctx context.Context) (int, error)
}

// HashPassword hashes a password with bcrypt at the default cost.
// bcrypt truncates input past 72 bytes, so longer passwords are rejected.
func HashPassword(password string) (string, error) {
	if len(password) > 72 {
		return "", errors.New("password longer than 72 bytes")
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return "", err
	}
	return string(hash), nil
}

// CheckPassword reports whether the password matches the bcrypt hash.
func CheckPassword(hash, password string) bool {
	return bcrypt.CompareHashAndPassword([]byte(hash), []byte(password)) == nil
}

// Authenticate verifies an email/password pair against the directory.
// Lookup errors pass through; a wrong password returns ErrBadCredentials.
func Authenticate(ctx context.Context, dir UserDirectory, email, password string) (*User, error) {
	user, err := dir.GetUserByEmail(ctx, email)
	if err != nil {
		return nil, err
	}

	if !CheckPassword(user.PasswordHash, password) {
		return nil, ErrBadCredentials
	}

	return user, nil
}
