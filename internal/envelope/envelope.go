// Package envelope encrypts provider secrets at rest.
//
// Wire formats (all segments lower-case hex, colon separated):
//
//	v2: salt(16):iv(16):authTag(16):ciphertext
//	v1: iv(16):authTag(16):ciphertext   (legacy, fixed salt)
//
// The key for each value is derived from the master key and the salt with
// scrypt, so two encryptions of the same plaintext never match.
package envelope

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"strings"

	"golang.org/x/crypto/scrypt"
)

const (
	saltSize = 16
	ivSize   = 16
	tagSize  = 16
	keySize  = 32

	scryptN = 1 << 14
	scryptR = 8
	scryptP = 1
)

// legacySalt is the salt every v1 value was written with.
var legacySalt = []byte("dispatch-static-salt")

var ErrMalformed = errors.New("envelope: malformed ciphertext")

// Service encrypts and decrypts values under one master key.
type Service struct {
	masterKey []byte
	rand      io.Reader
}

// New returns a Service for the given master key.
func New(masterKey string) (*Service, error) {
	if masterKey == "" {
		return nil, errors.New("envelope: master key must not be empty")
	}
	return &Service{masterKey: []byte(masterKey), rand: rand.Reader}, nil
}

// Encrypt returns plaintext in the v2 wire format.
func (s *Service) Encrypt(plaintext string) (string, error) {
	salt := make([]byte, saltSize)
	if _, err := io.ReadFull(s.rand, salt); err != nil {
		return "", fmt.Errorf("envelope: read salt: %w", err)
	}
	iv, tag, ct, err := s.seal(salt, []byte(plaintext))
	if err != nil {
		return "", err
	}
	return strings.Join([]string{
		hex.EncodeToString(salt),
		hex.EncodeToString(iv),
		hex.EncodeToString(tag),
		hex.EncodeToString(ct),
	}, ":"), nil
}

// encryptLegacy produces the v1 format. Only kept so the legacy read path
// can be exercised.
func (s *Service) encryptLegacy(plaintext string) (string, error) {
	iv, tag, ct, err := s.seal(legacySalt, []byte(plaintext))
	if err != nil {
		return "", err
	}
	return strings.Join([]string{
		hex.EncodeToString(iv),
		hex.EncodeToString(tag),
		hex.EncodeToString(ct),
	}, ":"), nil
}

// Decrypt accepts both the v2 and the legacy v1 format.
func (s *Service) Decrypt(value string) (string, error) {
	parts := strings.Split(value, ":")
	var salt, iv, tag, ct []byte
	var err error
	switch len(parts) {
	case 4:
		if salt, err = decodeSegment(parts[0], saltSize); err != nil {
			return "", err
		}
		parts = parts[1:]
	case 3:
		salt = legacySalt
	default:
		return "", ErrMalformed
	}
	if iv, err = decodeSegment(parts[0], ivSize); err != nil {
		return "", err
	}
	if tag, err = decodeSegment(parts[1], tagSize); err != nil {
		return "", err
	}
	if ct, err = hex.DecodeString(parts[2]); err != nil {
		return "", ErrMalformed
	}

	gcm, err := s.aead(salt)
	if err != nil {
		return "", err
	}
	plain, err := gcm.Open(nil, iv, append(ct, tag...), nil)
	if err != nil {
		return "", fmt.Errorf("envelope: decrypt: %w", err)
	}
	return string(plain), nil
}

// DecryptIfEncrypted returns value unchanged unless it carries the
// envelope format.
func (s *Service) DecryptIfEncrypted(value string) (string, error) {
	if !IsEncrypted(value) {
		return value, nil
	}
	return s.Decrypt(value)
}

// DecryptFields decrypts every encrypted string in a decoded JSON object,
// descending into nested objects. The input map is not modified.
func (s *Service) DecryptFields(fields map[string]any) (map[string]any, error) {
	out := make(map[string]any, len(fields))
	for k, v := range fields {
		switch val := v.(type) {
		case string:
			plain, err := s.DecryptIfEncrypted(val)
			if err != nil {
				return nil, fmt.Errorf("field %q: %w", k, err)
			}
			out[k] = plain
		case map[string]any:
			nested, err := s.DecryptFields(val)
			if err != nil {
				return nil, fmt.Errorf("field %q: %w", k, err)
			}
			out[k] = nested
		default:
			out[k] = v
		}
	}
	return out, nil
}

// IsEncrypted reports whether value is structurally a v1 or v2 envelope.
// No decryption is attempted.
func IsEncrypted(value string) bool {
	parts := strings.Split(value, ":")
	var fixed []string
	switch len(parts) {
	case 4:
		fixed = parts[:3]
	case 3:
		fixed = parts[:2]
	default:
		return false
	}
	for _, p := range fixed {
		if _, err := decodeSegment(p, 16); err != nil {
			return false
		}
	}
	_, err := hex.DecodeString(parts[len(parts)-1])
	return err == nil
}

func (s *Service) seal(salt, plaintext []byte) (iv, tag, ct []byte, err error) {
	gcm, err := s.aead(salt)
	if err != nil {
		return nil, nil, nil, err
	}
	iv = make([]byte, ivSize)
	if _, err := io.ReadFull(s.rand, iv); err != nil {
		return nil, nil, nil, fmt.Errorf("envelope: read iv: %w", err)
	}
	sealed := gcm.Seal(nil, iv, plaintext, nil)
	split := len(sealed) - tagSize
	return iv, sealed[split:], sealed[:split], nil
}

func (s *Service) aead(salt []byte) (cipher.AEAD, error) {
	key, err := scrypt.Key(s.masterKey, salt, scryptN, scryptR, scryptP, keySize)
	if err != nil {
		return nil, fmt.Errorf("envelope: derive key: %w", err)
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	return cipher.NewGCMWithNonceSize(block, ivSize)
}

func decodeSegment(seg string, size int) ([]byte, error) {
	if len(seg) != size*2 {
		return nil, ErrMalformed
	}
	b, err := hex.DecodeString(seg)
	if err != nil {
		return nil, ErrMalformed
	}
	return b, nil
}
