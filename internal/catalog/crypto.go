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

import (
	"crypto/rand"
	"encoding/base64"
	"fmt"

	"golang.org/x/crypto/nacl/secretbox"
)

// SecretKey encrypts bearer/refresh tokens at rest. The 24-byte nonce is
// prepended to the box and the whole value is base64-encoded for the TEXT
// column.
type SecretKey [32]byte

func (k *SecretKey) seal(plaintext string) (string, error) {
	if plaintext == "" {
		return "", nil
	}
	var nonce [24]byte
	if _, err := rand.Read(nonce[:]); err != nil {
		return "", fmt.Errorf("generating nonce: %w", err)
	}
	box := secretbox.Seal(nonce[:], []byte(plaintext), &nonce, (*[32]byte)(k))
	return base64.StdEncoding.EncodeToString(box), nil
}

func (k *SecretKey) open(sealed string) (string, error) {
	if sealed == "" {
		return "", nil
	}
	box, err := base64.StdEncoding.DecodeString(sealed)
	if err != nil {
		return "", fmt.Errorf("decoding sealed token: %w", err)
	}
	if len(box) < 24 {
		return "", fmt.Errorf("sealed token too short")
	}
	var nonce [24]byte
	copy(nonce[:], box[:24])
	plain, ok := secretbox.Open(nil, box[24:], &nonce, (*[32]byte)(k))
	if !ok {
		return "", fmt.Errorf("opening sealed token failed")
	}
	return string(plain), nil
}
