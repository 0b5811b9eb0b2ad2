// Copyright 2023 The emqx-go Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package legacy

import (
	"bytes"
	"crypto/aes"
	"crypto/cipher"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
)

// DefaultEncryptionKey is used when no ENCRYPTION_KEY is configured.
const DefaultEncryptionKey = "change-me"

// ErrDecrypt is returned for secrets that are not valid ciphertext under the
// configured key.
var ErrDecrypt = errors.New("legacy: cannot decrypt broker secret")

func secretCipher(key string) (cipher.Block, []byte) {
	if key == "" {
		key = DefaultEncryptionKey
	}
	sum := sha256.Sum256([]byte(key))
	block, _ := aes.NewCipher(sum[:]) // a 32-byte key never fails
	return block, make([]byte, aes.BlockSize)
}

// DecryptSecret decodes a hex AES-256-CBC ciphertext whose key is the SHA-256
// of key and whose IV is all zeroes.
func DecryptSecret(enc, key string) (string, error) {
	raw, err := hex.DecodeString(enc)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrDecrypt, err)
	}
	if len(raw) == 0 || len(raw)%aes.BlockSize != 0 {
		return "", fmt.Errorf("%w: ciphertext length %d", ErrDecrypt, len(raw))
	}

	block, iv := secretCipher(key)
	out := make([]byte, len(raw))
	cipher.NewCBCDecrypter(block, iv).CryptBlocks(out, raw)

	n := int(out[len(out)-1])
	if n == 0 || n > aes.BlockSize || !bytes.Equal(out[len(out)-n:], bytes.Repeat([]byte{byte(n)}, n)) {
		return "", fmt.Errorf("%w: bad padding", ErrDecrypt)
	}
	return string(out[:len(out)-n]), nil
}

// EncryptSecret is the inverse of DecryptSecret.
func EncryptSecret(plain, key string) string {
	n := aes.BlockSize - len(plain)%aes.BlockSize
	buf := append([]byte(plain), bytes.Repeat([]byte{byte(n)}, n)...)

	block, iv := secretCipher(key)
	cipher.NewCBCEncrypter(block, iv).CryptBlocks(buf, buf)
	return hex.EncodeToString(buf)
}
