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

package wire

import "fmt"

// ErrorCode is the machine-readable error vocabulary shared by error frames
// and REST error bodies.
type ErrorCode string

const (
	CodeUnauthorized       ErrorCode = "UNAUTHORIZED"
	CodeAuthFailed         ErrorCode = "AUTH_FAILED"
	CodeValidationError    ErrorCode = "VALIDATION_ERROR"
	CodeNotFound           ErrorCode = "NOT_FOUND"
	CodeConflict           ErrorCode = "CONFLICT"
	CodeForbidden          ErrorCode = "FORBIDDEN"
	CodeMessageTooLarge    ErrorCode = "MESSAGE_TOO_LARGE"
	CodeInvalidJSON        ErrorCode = "INVALID_JSON"
	CodeInvalidMessage     ErrorCode = "INVALID_MESSAGE"
	CodeUnknownMessageType ErrorCode = "UNKNOWN_MESSAGE_TYPE"
	CodeNoCompatibleNodes  ErrorCode = "NO_COMPATIBLE_NODES"
	CodeInternalError      ErrorCode = "INTERNAL_ERROR"
)

// ErrorPayload travels on error, auth:error and the *:error response frames.
// Details is optional structured context (e.g. scheduler constraint counts).
type ErrorPayload struct {
	Code    ErrorCode `json:"code"`
	Message string    `json:"message"`
	Details any       `json:"details,omitempty"`
}

// Error makes ErrorPayload usable as a Go error where handlers thread it
// through plain error returns.
func (e *ErrorPayload) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Errorf builds an ErrorPayload with a formatted message.
func Errorf(code ErrorCode, format string, args ...any) *ErrorPayload {
	return &ErrorPayload{Code: code, Message: fmt.Sprintf(format, args...)}
}

// ErrorMessage builds a bare error frame.
func ErrorMessage(code ErrorCode, message string) *Message {
	return MustNew(TypeError, &ErrorPayload{Code: code, Message: message})
}
