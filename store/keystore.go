package store

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"os"
	"path/filepath"

	zlog "github.com/semihalev/zlog/v2"
	"golang.org/x/crypto/argon2"
)

const keyFileName = "dnschat.key"

// Key file layouts, base64 over:
//   plain:      key
//   passphrase: salt(16) nonce(12) gcm(wrapKey, key)
const keySaltLength = 16

// loadOrCreateKey returns the storage key, generating and persisting a
// fresh one when the file is missing or fails validation. Regeneration
// makes previously encrypted payloads permanently unreadable; that is the
// documented recovery, not a bug.
func loadOrCreateKey(dir string, passphrase []byte) ([]byte, error) {
	path := filepath.Join(dir, keyFileName)

	raw, err := os.ReadFile(path)
	if err == nil {
		if key, kerr := decodeKey(raw, passphrase); kerr == nil {
			return key, nil
		} else {
			zlog.Warn("Stored key failed validation, regenerating", "path", path, "error", kerr.Error())
		}
	} else if !os.IsNotExist(err) {
		zlog.Warn("Key file unreadable, regenerating", "path", path, "error", err.Error())
	}

	key := make([]byte, KeyLength)
	if _, err := rand.Read(key); err != nil {
		return nil, err
	}

	encoded, err := encodeKey(key, passphrase)
	if err != nil {
		return nil, err
	}

	if err := os.WriteFile(path, encoded, 0o600); err != nil {
		return nil, err
	}

	zlog.Info("Storage key generated", "path", path)

	return key, nil
}

func encodeKey(key, passphrase []byte) ([]byte, error) {
	if len(passphrase) == 0 {
		return []byte(base64.StdEncoding.EncodeToString(key)), nil
	}

	salt := make([]byte, keySaltLength)
	if _, err := rand.Read(salt); err != nil {
		return nil, err
	}

	wrapKey := deriveWrapKey(passphrase, salt)

	block, err := aes.NewCipher(wrapKey)
	if err != nil {
		return nil, err
	}
	aesgcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}

	nonce := make([]byte, aesgcm.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return nil, err
	}

	out := append(append([]byte{}, salt...), nonce...)
	out = aesgcm.Seal(out, nonce, key, nil)

	return []byte(base64.StdEncoding.EncodeToString(out)), nil
}

func decodeKey(raw, passphrase []byte) ([]byte, error) {
	decoded, err := base64.StdEncoding.DecodeString(string(raw))
	if err != nil {
		return nil, &CorruptionError{Slot: "key", Reason: "not base64"}
	}

	if len(passphrase) == 0 {
		if len(decoded) != KeyLength {
			return nil, &CorruptionError{Slot: "key", Reason: "wrong key length"}
		}
		return decoded, nil
	}

	if len(decoded) < keySaltLength+nonceLength {
		return nil, &CorruptionError{Slot: "key", Reason: "wrapped key too short"}
	}

	salt := decoded[:keySaltLength]
	nonce := decoded[keySaltLength : keySaltLength+nonceLength]
	wrapped := decoded[keySaltLength+nonceLength:]

	wrapKey := deriveWrapKey(passphrase, salt)

	block, err := aes.NewCipher(wrapKey)
	if err != nil {
		return nil, err
	}
	aesgcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}

	key, err := aesgcm.Open(nil, nonce, wrapped, nil)
	if err != nil {
		return nil, &CorruptionError{Slot: "key", Reason: "unwrap failed"}
	}

	if len(key) != KeyLength {
		return nil, &CorruptionError{Slot: "key", Reason: "wrong key length"}
	}

	return key, nil
}

func deriveWrapKey(passphrase, salt []byte) []byte {
	return argon2.IDKey(passphrase, salt, 1, 64*1024, 4, KeyLength)
}
