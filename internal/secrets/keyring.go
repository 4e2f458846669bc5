// Package secrets seals task RPC secrets at rest.
package secrets

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"

	"golang.org/x/crypto/argon2"

	"github.com/patent-dev/aria2-fleet/config"
	"github.com/patent-dev/aria2-fleet/internal/database"
)

var (
	ErrPassphraseRequired = errors.New("stored secrets are sealed, passphrase required")
	ErrWrongPassphrase    = errors.New("passphrase does not match stored secrets")
	ErrMalformedSecret    = errors.New("sealed secret is malformed")
)

// argon2id parameters. Changing them invalidates every stored secret.
const (
	argonTime    = 1
	argonMemory  = 64 * 1024
	argonThreads = 4
	keyLen       = 32
	saltLen      = 16

	keyCheckPlaintext = "aria2-fleet"
)

// Sealer protects secrets before they are written to the database.
type Sealer interface {
	Seal(plaintext []byte) ([]byte, error)
	Open(sealed []byte) ([]byte, error)
}

// Plain stores secrets as-is. Used when no passphrase is configured.
type Plain struct{}

func (Plain) Seal(plaintext []byte) ([]byte, error) { return plaintext, nil }
func (Plain) Open(sealed []byte) ([]byte, error)    { return sealed, nil }

// Keyring seals with AES-GCM under a key derived from the configured
// passphrase. Sealed values are the random nonce followed by the ciphertext.
type Keyring struct {
	aead cipher.AEAD
}

func newKeyring(passphrase string, salt []byte) (*Keyring, error) {
	key := argon2.IDKey([]byte(passphrase), salt, argonTime, argonMemory, argonThreads, keyLen)
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("create cipher: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("create GCM: %w", err)
	}
	return &Keyring{aead: aead}, nil
}

func (k *Keyring) Seal(plaintext []byte) ([]byte, error) {
	nonce := make([]byte, k.aead.NonceSize(), k.aead.NonceSize()+len(plaintext)+k.aead.Overhead())
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("generate nonce: %w", err)
	}
	return k.aead.Seal(nonce, nonce, plaintext, nil), nil
}

func (k *Keyring) Open(sealed []byte) ([]byte, error) {
	n := k.aead.NonceSize()
	if len(sealed) < n+k.aead.Overhead() {
		return nil, ErrMalformedSecret
	}
	plaintext, err := k.aead.Open(nil, sealed[:n], sealed[n:], nil)
	if err != nil {
		return nil, fmt.Errorf("open secret: %w", err)
	}
	return plaintext, nil
}

// New returns the sealer for cfg. The first run with a passphrase stores a
// salt and a sealed check value; later runs must present the same
// passphrase.
func New(db *database.DB, cfg *config.Config) (Sealer, error) {
	if cfg.Passphrase == "" {
		if db.HasSetting(database.SettingKeyCheck) {
			return nil, ErrPassphraseRequired
		}
		return Plain{}, nil
	}

	salt, err := loadOrCreateSalt(db)
	if err != nil {
		return nil, err
	}
	k, err := newKeyring(cfg.Passphrase, salt)
	if err != nil {
		return nil, err
	}

	check, err := db.GetSetting(database.SettingKeyCheck)
	if err != nil {
		if !database.IsNotFound(err) {
			return nil, err
		}
		sealed, err := k.Seal([]byte(keyCheckPlaintext))
		if err != nil {
			return nil, err
		}
		if err := db.SetSetting(database.SettingKeyCheck, base64.StdEncoding.EncodeToString(sealed)); err != nil {
			return nil, err
		}
		return k, nil
	}

	sealed, err := base64.StdEncoding.DecodeString(check)
	if err != nil {
		return nil, fmt.Errorf("decode key check: %w", err)
	}
	if plaintext, err := k.Open(sealed); err != nil || string(plaintext) != keyCheckPlaintext {
		return nil, ErrWrongPassphrase
	}
	return k, nil
}

func loadOrCreateSalt(db *database.DB) ([]byte, error) {
	saltStr, err := db.GetSetting(database.SettingEncryptionSalt)
	if err == nil {
		return base64.StdEncoding.DecodeString(saltStr)
	}
	if !database.IsNotFound(err) {
		return nil, err
	}
	salt := make([]byte, saltLen)
	if _, err := rand.Read(salt); err != nil {
		return nil, fmt.Errorf("generate salt: %w", err)
	}
	if err := db.SetSetting(database.SettingEncryptionSalt, base64.StdEncoding.EncodeToString(salt)); err != nil {
		return nil, err
	}
	return salt, nil
}
