// Package crypto seals operator credentials at rest. Secrets are encrypted
// with a password using PBKDF2-HMAC-SHA256 key derivation and AES-256-GCM
// authenticated encryption, and decrypted at boot to fill otherwise-empty
// config fields.
package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"os"

	"golang.org/x/crypto/pbkdf2"
)

const (
	// pbkdf2Iterations is the OWASP-recommended minimum for HMAC-SHA256.
	pbkdf2Iterations = 480_000
	// saltLen is the random salt length in bytes.
	saltLen = 16
	// aesKeyLen is the derived AES-256 key length.
	aesKeyLen = 32
	// currentVersion is the sealed-secrets JSON schema version.
	currentVersion = 1
)

// Secrets holds the credentials the router needs at runtime. Empty fields
// are left untouched when applied to the config, so a sealed file may carry
// any subset.
type Secrets struct {
	APIKey            string `json:"api_key,omitempty"`
	PostgresDSN       string `json:"postgres_dsn,omitempty"`
	RedisPassword     string `json:"redis_password,omitempty"`
	S3AccessKey       string `json:"s3_access_key,omitempty"`
	S3SecretKey       string `json:"s3_secret_key,omitempty"`
	TelegramToken     string `json:"telegram_token,omitempty"`
	TelegramChatID    string `json:"telegram_chat_id,omitempty"`
	DiscordWebhookURL string `json:"discord_webhook_url,omitempty"`
}

// sealedJSON is the on-disk format for an encrypted secrets file.
type sealedJSON struct {
	Version    int    `json:"version"`
	Salt       string `json:"salt"`       // base64 standard encoding
	Nonce      string `json:"nonce"`      // base64 standard encoding
	Ciphertext string `json:"ciphertext"` // base64 standard encoding
}

// SealSecrets encrypts the secrets with a password and returns the JSON blob
// suitable for writing to disk.
func SealSecrets(s Secrets, password string) ([]byte, error) {
	if password == "" {
		return nil, errors.New("crypto: password must not be empty")
	}

	plaintext, err := json.Marshal(s)
	if err != nil {
		return nil, fmt.Errorf("crypto: marshal secrets: %w", err)
	}

	salt := make([]byte, saltLen)
	if _, err := rand.Read(salt); err != nil {
		return nil, fmt.Errorf("crypto: generating salt: %w", err)
	}

	gcm, err := newGCM(password, salt)
	if err != nil {
		return nil, err
	}

	nonce := make([]byte, gcm.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("crypto: generating nonce: %w", err)
	}

	ciphertext := gcm.Seal(nil, nonce, plaintext, nil)

	out := sealedJSON{
		Version:    currentVersion,
		Salt:       base64.StdEncoding.EncodeToString(salt),
		Nonce:      base64.StdEncoding.EncodeToString(nonce),
		Ciphertext: base64.StdEncoding.EncodeToString(ciphertext),
	}

	return json.MarshalIndent(out, "", "  ")
}

// OpenSecrets decrypts a JSON blob produced by SealSecrets.
func OpenSecrets(sealed []byte, password string) (Secrets, error) {
	if password == "" {
		return Secrets{}, errors.New("crypto: password must not be empty")
	}

	var stored sealedJSON
	if err := json.Unmarshal(sealed, &stored); err != nil {
		return Secrets{}, fmt.Errorf("crypto: parsing sealed secrets JSON: %w", err)
	}
	if stored.Version != currentVersion {
		return Secrets{}, fmt.Errorf("crypto: unsupported version %d", stored.Version)
	}

	salt, err := base64.StdEncoding.DecodeString(stored.Salt)
	if err != nil {
		return Secrets{}, fmt.Errorf("crypto: decoding salt: %w", err)
	}
	nonce, err := base64.StdEncoding.DecodeString(stored.Nonce)
	if err != nil {
		return Secrets{}, fmt.Errorf("crypto: decoding nonce: %w", err)
	}
	ciphertext, err := base64.StdEncoding.DecodeString(stored.Ciphertext)
	if err != nil {
		return Secrets{}, fmt.Errorf("crypto: decoding ciphertext: %w", err)
	}

	gcm, err := newGCM(password, salt)
	if err != nil {
		return Secrets{}, err
	}

	plaintext, err := gcm.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return Secrets{}, fmt.Errorf("crypto: decryption failed (wrong password?): %w", err)
	}

	var s Secrets
	if err := json.Unmarshal(plaintext, &s); err != nil {
		return Secrets{}, fmt.Errorf("crypto: parsing decrypted secrets: %w", err)
	}
	return s, nil
}

// LoadSecrets reads a sealed secrets file and decrypts it with the password.
func LoadSecrets(path, password string) (Secrets, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Secrets{}, fmt.Errorf("crypto: reading sealed secrets file: %w", err)
	}
	return OpenSecrets(data, password)
}

// newGCM derives the AES-256 key from the password and salt and returns the
// AEAD.
func newGCM(password string, salt []byte) (cipher.AEAD, error) {
	derivedKey := pbkdf2.Key([]byte(password), salt, pbkdf2Iterations, aesKeyLen, sha256.New)

	block, err := aes.NewCipher(derivedKey)
	if err != nil {
		return nil, fmt.Errorf("crypto: creating cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("crypto: creating GCM: %w", err)
	}
	return gcm, nil
}
