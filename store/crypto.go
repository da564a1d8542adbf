package store

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/json"
	"fmt"
)

const (
	// formatVersion tags every encrypted payload so future key or format
	// migrations can be detected before decryption is attempted.
	formatVersion = 1

	// KeyLength is the required AES-256 key size in bytes.
	KeyLength = 32

	nonceLength = 12
)

// CorruptionError reports an undecryptable or unparsable storage payload.
type CorruptionError struct {
	Slot   string
	Reason string
}

func (e *CorruptionError) Error() string {
	return fmt.Sprintf("storage corruption in %s: %s", e.Slot, e.Reason)
}

// seal serializes v to JSON and encrypts it with AES-GCM. Layout:
// version byte, 12 byte nonce, ciphertext.
func seal(v any, key []byte) ([]byte, error) {
	plaintext, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}

	nonce := make([]byte, nonceLength)
	if _, err := rand.Read(nonce); err != nil {
		return nil, err
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}

	aesgcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}

	out := make([]byte, 0, 1+nonceLength+len(plaintext)+aesgcm.Overhead())
	out = append(out, formatVersion)
	out = append(out, nonce...)

	return aesgcm.Seal(out, nonce, plaintext, nil), nil
}

// open decrypts a sealed payload into v. All failure modes come back as
// a CorruptionError for the named slot.
func open(slot string, payload, key []byte, v any) error {
	if len(payload) < 1+nonceLength {
		return &CorruptionError{Slot: slot, Reason: "payload too short"}
	}

	if payload[0] != formatVersion {
		return &CorruptionError{Slot: slot, Reason: fmt.Sprintf("unknown format version %d", payload[0])}
	}

	nonce, ciphertext := payload[1:1+nonceLength], payload[1+nonceLength:]

	block, err := aes.NewCipher(key)
	if err != nil {
		return &CorruptionError{Slot: slot, Reason: err.Error()}
	}

	aesgcm, err := cipher.NewGCM(block)
	if err != nil {
		return &CorruptionError{Slot: slot, Reason: err.Error()}
	}

	plaintext, err := aesgcm.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return &CorruptionError{Slot: slot, Reason: "decrypt failed: " + err.Error()}
	}

	if err := json.Unmarshal(plaintext, v); err != nil {
		return &CorruptionError{Slot: slot, Reason: "parse failed: " + err.Error()}
	}

	return nil
}
