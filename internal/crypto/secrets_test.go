package crypto

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSealOpenRoundTrip(t *testing.T) {
	in := Secrets{
		APIKey:        "k-123",
		S3SecretKey:   "s3-secret",
		TelegramToken: "123:abc",
	}

	sealed, err := SealSecrets(in, "hunter2")
	require.NoError(t, err)
	assert.NotContains(t, string(sealed), "s3-secret")

	out, err := OpenSecrets(sealed, "hunter2")
	require.NoError(t, err)
	assert.Equal(t, in, out)
}

func TestOpenRejectsWrongPassword(t *testing.T) {
	sealed, err := SealSecrets(Secrets{APIKey: "k-123"}, "correct")
	require.NoError(t, err)

	_, err = OpenSecrets(sealed, "incorrect")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "decryption failed")
}

func TestOpenRejectsTamperedCiphertext(t *testing.T) {
	sealed, err := SealSecrets(Secrets{APIKey: "k-123"}, "hunter2")
	require.NoError(t, err)

	var stored sealedJSON
	require.NoError(t, json.Unmarshal(sealed, &stored))
	stored.Ciphertext = "AAAA" + stored.Ciphertext[4:]
	tampered, err := json.Marshal(stored)
	require.NoError(t, err)

	_, err = OpenSecrets(tampered, "hunter2")
	assert.Error(t, err)
}

func TestOpenRejectsUnknownVersion(t *testing.T) {
	sealed, err := SealSecrets(Secrets{}, "hunter2")
	require.NoError(t, err)

	var stored sealedJSON
	require.NoError(t, json.Unmarshal(sealed, &stored))
	stored.Version = 9
	bumped, err := json.Marshal(stored)
	require.NoError(t, err)

	_, err = OpenSecrets(bumped, "hunter2")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unsupported version")
}

func TestSealRequiresPassword(t *testing.T) {
	_, err := SealSecrets(Secrets{}, "")
	assert.Error(t, err)
}

func TestLoadSecretsFromFile(t *testing.T) {
	sealed, err := SealSecrets(Secrets{APIKey: "k-123"}, "hunter2")
	require.NoError(t, err)

	path := filepath.Join(t.TempDir(), "secrets.json.enc")
	require.NoError(t, os.WriteFile(path, sealed, 0o600))

	s, err := LoadSecrets(path, "hunter2")
	require.NoError(t, err)
	assert.Equal(t, "k-123", s.APIKey)

	_, err = LoadSecrets(filepath.Join(t.TempDir(), "missing.enc"), "hunter2")
	assert.Error(t, err)
}
