package session

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"
)

// storage persists encoded session data, returning the value to put in the
// cookie.
type storage interface {
	load(ctx context.Context, cookieValue string) ([]byte, error)
	save(ctx context.Context, id string, expiresAt time.Time, data []byte) (cookieValue string, _ error)
	destroy(ctx context.Context, cookieValue string) error
	// newID returns an identifier for a session about to be saved, or "" if
	// the storage does not need one.
	newID() string
}

const (
	cookieMagic   = "EU1"
	maxCookieSize = 4096
)

var cookieValueEncoding = base64.RawURLEncoding

// cookieStorage keeps the encrypted session data in the cookie itself.
type cookieStorage struct {
	aead AEAD
	// ad is bound to the ciphertext, so a value cannot be replayed under a
	// different cookie name.
	ad []byte
}

func (c *cookieStorage) newID() string { return "" }

func (c *cookieStorage) save(_ context.Context, _ string, expiresAt time.Time, data []byte) (string, error) {
	b := make([]byte, 8, 8+len(data))
	binary.LittleEndian.PutUint64(b, uint64(expiresAt.Unix()))
	b = append(b, data...)

	ct, err := c.aead.Encrypt(b, c.ad)
	if err != nil {
		return "", fmt.Errorf("encrypting cookie: %w", err)
	}

	v := cookieMagic + "." + cookieValueEncoding.EncodeToString(ct)
	if len(v) > maxCookieSize {
		return "", fmt.Errorf("cookie size %d is greater than max %d", len(v), maxCookieSize)
	}
	return v, nil
}

func (c *cookieStorage) load(_ context.Context, cookieValue string) ([]byte, error) {
	magic, enc, ok := strings.Cut(cookieValue, ".")
	if !ok {
		return nil, errors.New("cookie does not contain two . separated parts")
	}
	if magic != cookieMagic {
		return nil, fmt.Errorf("cookie has bad magic prefix: %s", magic)
	}
	ct, err := cookieValueEncoding.DecodeString(enc)
	if err != nil {
		return nil, fmt.Errorf("decoding cookie string: %w", err)
	}
	pt, err := c.aead.Decrypt(ct, c.ad)
	if err != nil {
		return nil, fmt.Errorf("decrypting cookie: %w", err)
	}
	if len(pt) < 8 {
		return nil, errors.New("decrypted data too short")
	}
	expiresAt := time.Unix(int64(binary.LittleEndian.Uint64(pt[:8])), 0)
	if expiresAt.Before(time.Now()) {
		return nil, nil
	}
	return pt[8:], nil
}

func (c *cookieStorage) destroy(context.Context, string) error {
	// nothing held server side
	return nil
}

// KV is a key-value store for session data. Implementations should not return
// items past their expiry.
type KV interface {
	Get(_ context.Context, key string) (_ []byte, found bool, _ error)
	Set(_ context.Context, key string, expiresAt time.Time, value []byte) error
	Delete(_ context.Context, key string) error
}

// kvStorage keeps the data in a KV store, with a random ID in the cookie. The
// KV key is a hash of the ID, so a leaked store does not leak live cookies.
type kvStorage struct {
	kv KV
}

func (k *kvStorage) newID() string {
	return rand.Text()
}

func storeKey(id string) string {
	h := sha256.Sum256([]byte(id))
	return hex.EncodeToString(h[:])
}

func (k *kvStorage) save(ctx context.Context, id string, expiresAt time.Time, data []byte) (string, error) {
	if err := k.kv.Set(ctx, storeKey(id), expiresAt, data); err != nil {
		return "", fmt.Errorf("storing in KV: %w", err)
	}
	return id, nil
}

func (k *kvStorage) load(ctx context.Context, cookieValue string) ([]byte, error) {
	data, found, err := k.kv.Get(ctx, storeKey(cookieValue))
	if err != nil {
		return nil, fmt.Errorf("getting from KV: %w", err)
	}
	if !found {
		return nil, nil
	}
	return data, nil
}

func (k *kvStorage) destroy(ctx context.Context, cookieValue string) error {
	if err := k.kv.Delete(ctx, storeKey(cookieValue)); err != nil {
		return fmt.Errorf("deleting from KV: %w", err)
	}
	return nil
}

type kvItem struct {
	data      []byte
	expiresAt time.Time
}

type memoryKV struct {
	contents   map[string]kvItem
	contentsMu sync.Mutex
}

// NewMemoryKV returns a KV held in process memory. Suitable for a single
// replica, or tests.
func NewMemoryKV() KV {
	return &memoryKV{contents: make(map[string]kvItem)}
}

func (m *memoryKV) Get(_ context.Context, key string) (_ []byte, found bool, _ error) {
	m.contentsMu.Lock()
	defer m.contentsMu.Unlock()

	v, ok := m.contents[key]
	if !ok {
		return nil, false, nil
	}
	if time.Now().After(v.expiresAt) {
		delete(m.contents, key)
		return nil, false, nil
	}
	return v.data, true, nil
}

func (m *memoryKV) Set(_ context.Context, key string, expiresAt time.Time, value []byte) error {
	m.contentsMu.Lock()
	defer m.contentsMu.Unlock()

	m.contents[key] = kvItem{data: value, expiresAt: expiresAt}
	return nil
}

func (m *memoryKV) Delete(_ context.Context, key string) error {
	m.contentsMu.Lock()
	defer m.contentsMu.Unlock()

	delete(m.contents, key)
	return nil
}
