// Package phi encrypts protected health information before it reaches a
// subject store.
package phi

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"sync"
)

// KeySize is the AES-256 key length in bytes.
const KeySize = 32

var ErrUnknownKeyVersion = errors.New("phi: no key for ciphertext version")

// Cipher seals values with AES-256-GCM. Sealed values are "v{version}:"
// followed by base64(nonce || ciphertext) so values written under an older
// key stay readable after rotation.
type Cipher struct {
	mu         sync.RWMutex
	currentVer int
	keys       map[int]cipher.AEAD
}

// NewCipher creates a cipher that seals with key under version.
func NewCipher(key []byte, version int) (*Cipher, error) {
	aead, err := newAEAD(key)
	if err != nil {
		return nil, fmt.Errorf("phi cipher v%d: %w", version, err)
	}
	return &Cipher{currentVer: version, keys: map[int]cipher.AEAD{version: aead}}, nil
}

// AddPreviousKey makes values sealed under an earlier key version readable.
func (c *Cipher) AddPreviousKey(key []byte, version int) error {
	aead, err := newAEAD(key)
	if err != nil {
		return fmt.Errorf("phi cipher v%d: %w", version, err)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if version == c.currentVer {
		return fmt.Errorf("phi cipher: version %d is the current key", version)
	}
	c.keys[version] = aead
	return nil
}

func newAEAD(key []byte) (cipher.AEAD, error) {
	if len(key) != KeySize {
		return nil, fmt.Errorf("key must be %d bytes, got %d", KeySize, len(key))
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("create cipher: %w", err)
	}
	return cipher.NewGCM(block)
}

// Seal encrypts plaintext with the current key.
func (c *Cipher) Seal(plaintext []byte) (string, error) {
	c.mu.RLock()
	aead, ver := c.keys[c.currentVer], c.currentVer
	c.mu.RUnlock()

	nonce := make([]byte, aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", fmt.Errorf("phi seal: nonce: %w", err)
	}
	sealed := aead.Seal(nonce, nonce, plaintext, nil)
	return "v" + strconv.Itoa(ver) + ":" + base64.StdEncoding.EncodeToString(sealed), nil
}

// Open decrypts a value produced by Seal under any registered key version.
func (c *Cipher) Open(sealed string) ([]byte, error) {
	ver, data, err := parseSealed(sealed)
	if err != nil {
		return nil, err
	}
	c.mu.RLock()
	aead, ok := c.keys[ver]
	c.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w %d", ErrUnknownKeyVersion, ver)
	}

	raw, err := base64.StdEncoding.DecodeString(data)
	if err != nil {
		return nil, fmt.Errorf("phi open: base64: %w", err)
	}
	if len(raw) < aead.NonceSize() {
		return nil, errors.New("phi open: ciphertext too short")
	}
	nonce, ct := raw[:aead.NonceSize()], raw[aead.NonceSize():]
	plaintext, err := aead.Open(nil, nonce, ct, nil)
	if err != nil {
		return nil, fmt.Errorf("phi open: %w", err)
	}
	return plaintext, nil
}

// NeedsReseal reports whether sealed was written under an older key.
func (c *Cipher) NeedsReseal(sealed string) bool {
	ver, _, err := parseSealed(sealed)
	if err != nil {
		return true
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	return ver != c.currentVer
}

func (c *Cipher) CurrentVersion() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.currentVer
}

func parseSealed(s string) (int, string, error) {
	rest, ok := strings.CutPrefix(s, "v")
	if !ok {
		return 0, "", errors.New("phi: missing version prefix")
	}
	verStr, data, ok := strings.Cut(rest, ":")
	if !ok {
		return 0, "", errors.New("phi: missing version separator")
	}
	ver, err := strconv.Atoi(verStr)
	if err != nil {
		return 0, "", fmt.Errorf("phi: invalid version %q", verStr)
	}
	return ver, data, nil
}

// ParseKey decodes a base64 key as supplied through configuration.
func ParseKey(encoded string) ([]byte, error) {
	key, err := base64.StdEncoding.DecodeString(strings.TrimSpace(encoded))
	if err != nil {
		return nil, fmt.Errorf("phi key: base64: %w", err)
	}
	if len(key) != KeySize {
		return nil, fmt.Errorf("phi key: must decode to %d bytes, got %d", KeySize, len(key))
	}
	return key, nil
}

// ParseVersionedKey decodes "version:base64key".
func ParseVersionedKey(s string) (int, []byte, error) {
	verStr, encoded, ok := strings.Cut(s, ":")
	if !ok {
		return 0, nil, fmt.Errorf("phi key %q: expected version:key", s)
	}
	ver, err := strconv.Atoi(strings.TrimSpace(verStr))
	if err != nil {
		return 0, nil, fmt.Errorf("phi key: invalid version %q", verStr)
	}
	key, err := ParseKey(encoded)
	if err != nil {
		return 0, nil, err
	}
	return ver, key, nil
}
