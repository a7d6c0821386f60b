// Copyright 2024 The draw-client Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     https://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package catalog

import "errors"

// Transport-agnostic error kinds shared across pipeline stages. Stages wrap
// these with %w and map them onto series/export states at their boundaries.
var (
	ErrConfigurationMissing  = errors.New("configuration missing or malformed")
	ErrAuthenticationFailed  = errors.New("authentication failed")
	ErrNetworkTransient      = errors.New("transient network failure")
	ErrIntegrityFailure      = errors.New("checksum mismatch")
	ErrFormatInvalid         = errors.New("invalid DICOM content")
	ErrValidation            = errors.New("validation error")
	ErrLockHeld              = errors.New("chain lock held by another run")
	ErrNotFound              = errors.New("not found")
)
