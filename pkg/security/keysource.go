// Package security hands named key material to the services that hash
// and sign. The static source decodes keys from configuration; the KMS
// source unwraps stored ciphertext blobs through AWS KMS. Either way
// the bytes are stable across restarts, which the stored OTP and
// backup-code hashes depend on.
package security

import (
	"context"
	"encoding/base64"
	"fmt"
	"sync"
)

// Well-known key names.
const (
	KeyOTPHash                = "otp_hash"
	KeyBackupCode             = "backup_code"
	KeySessionSigning         = "session_signing"
	KeySessionSigningPrevious = "session_signing_previous"
)

const minKeyBytes = 16

// KeysConfig selects and configures the key source.
type KeysConfig struct {
	Source string            `yaml:"source"` // static (default) or kms
	Static map[string]string `yaml:"static"` // key name -> base64 key material
	KMS    KMSConfig         `yaml:"kms"`
}

// KeySource hands out named key material. Close wipes whatever the
// source holds in memory.
type KeySource interface {
	Key(ctx context.Context, name string) ([]byte, error)
	Close() error
}

// NewKeySource builds the configured source.
func NewKeySource(ctx context.Context, cfg KeysConfig) (KeySource, error) {
	switch cfg.Source {
	case "", "static":
		return NewStaticKeySource(cfg.Static)
	case "kms":
		helper, err := NewKMSHelper(ctx, cfg.KMS)
		if err != nil {
			return nil, err
		}
		return NewKMSKeySource(helper, cfg.KMS.Ciphertexts), nil
	default:
		return nil, fmt.Errorf("security: unknown key source %q", cfg.Source)
	}
}

// StaticKeySource decodes base64 key material from configuration once
// at construction.
type StaticKeySource struct {
	mu   sync.RWMutex
	keys map[string][]byte
}

// NewStaticKeySource decodes and validates every configured key.
func NewStaticKeySource(encoded map[string]string) (*StaticKeySource, error) {
	keys := make(map[string][]byte, len(encoded))
	for name, b64 := range encoded {
		raw, err := base64.StdEncoding.DecodeString(b64)
		if err != nil {
			return nil, fmt.Errorf("security: key %q: %w", name, err)
		}
		if len(raw) < minKeyBytes {
			return nil, fmt.Errorf("security: key %q is %d bytes, want at least %d", name, len(raw), minKeyBytes)
		}
		keys[name] = raw
	}
	return &StaticKeySource{keys: keys}, nil
}

func (s *StaticKeySource) Key(ctx context.Context, name string) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	key, ok := s.keys[name]
	if !ok {
		return nil, fmt.Errorf("security: no key material for %q", name)
	}
	return key, nil
}

func (s *StaticKeySource) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, key := range s.keys {
		Wipe(key)
	}
	s.keys = nil
	return nil
}

// KMSKeySource unwraps ciphertext blobs through KMS on first use and
// caches the plaintext for the life of the process.
type KMSKeySource struct {
	helper      *Helper
	ciphertexts map[string]string

	mu    sync.RWMutex
	cache map[string][]byte
}

// NewKMSKeySource wires the unwrapping helper to its configured blobs.
func NewKMSKeySource(helper *Helper, ciphertexts map[string]string) *KMSKeySource {
	return &KMSKeySource{
		helper:      helper,
		ciphertexts: ciphertexts,
		cache:       make(map[string][]byte),
	}
}

func (s *KMSKeySource) Key(ctx context.Context, name string) ([]byte, error) {
	s.mu.RLock()
	key, ok := s.cache[name]
	s.mu.RUnlock()
	if ok {
		return key, nil
	}

	blob, ok := s.ciphertexts[name]
	if !ok {
		return nil, fmt.Errorf("security: no ciphertext configured for key %q", name)
	}
	plaintext, err := s.helper.DecryptDataKey(ctx, blob)
	if err != nil {
		return nil, err
	}
	if len(plaintext) < minKeyBytes {
		Wipe(plaintext)
		return nil, fmt.Errorf("security: key %q is %d bytes, want at least %d", name, len(plaintext), minKeyBytes)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if cached, ok := s.cache[name]; ok {
		// Lost the unwrap race; keep the first copy.
		Wipe(plaintext)
		return cached, nil
	}
	s.cache[name] = plaintext
	return plaintext, nil
}

// Health reports the state of the backing master key.
func (s *KMSKeySource) Health(ctx context.Context) (string, error) {
	return s.helper.KeyHealth(ctx)
}

func (s *KMSKeySource) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, key := range s.cache {
		Wipe(key)
	}
	s.cache = make(map[string][]byte)
	return nil
}
