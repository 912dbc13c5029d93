package database

import (
	"testing"

	"chatrelay/internal/constants"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testSecret = "this-is-a-very-long-test-secret-key-for-encryption-testing"

func enableEncryption(t *testing.T) {
	t.Helper()
	t.Setenv("CHATRELAY_ENABLE_ENCRYPTION", "true")
	t.Setenv("CHATRELAY_ENCRYPTION_SECRET", testSecret)
}

func TestEncryptor_EncryptDecrypt(t *testing.T) {
	enableEncryption(t)

	encryptor, err := NewEncryptor()
	require.NoError(t, err)
	require.True(t, encryptor.Enabled())

	testCases := []struct {
		name      string
		plaintext string
	}{
		{name: "simple text", plaintext: "hello world"},
		{name: "empty string", plaintext: ""},
		{name: "unicode text", plaintext: "Hello 世界 🌍"},
		{name: "special characters", plaintext: "!@#$%^&*()_+-=[]{}|;':\",./<>?"},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			ciphertext, err := encryptor.Encrypt(tc.plaintext)
			require.NoError(t, err)

			if tc.plaintext == "" {
				assert.Equal(t, "", ciphertext)
				return
			}

			assert.NotEqual(t, tc.plaintext, ciphertext)

			decrypted, err := encryptor.Decrypt(ciphertext)
			require.NoError(t, err)
			assert.Equal(t, tc.plaintext, decrypted)
		})
	}
}

func TestEncryptor_EncryptionUniqueness(t *testing.T) {
	enableEncryption(t)

	encryptor, err := NewEncryptor()
	require.NoError(t, err)

	ciphertext1, err := encryptor.Encrypt("test message")
	require.NoError(t, err)
	ciphertext2, err := encryptor.Encrypt("test message")
	require.NoError(t, err)

	assert.NotEqual(t, ciphertext1, ciphertext2, "random nonces give distinct ciphertexts")
}

func TestEncryptor_DecryptInvalidData(t *testing.T) {
	enableEncryption(t)

	encryptor, err := NewEncryptor()
	require.NoError(t, err)

	for name, ciphertext := range map[string]string{
		"invalid base64": "invalid-base64!@#",
		"too short":      "dGVzdA==",
		"corrupted data": "YWJjZGVmZ2hpamtsbW5vcHFyc3R1dnd4eXo=",
	} {
		t.Run(name, func(t *testing.T) {
			_, err := encryptor.Decrypt(ciphertext)
			assert.Error(t, err)
		})
	}
}

func TestEncryptor_Disabled(t *testing.T) {
	t.Setenv("CHATRELAY_ENABLE_ENCRYPTION", "")

	encryptor, err := NewEncryptor()
	require.NoError(t, err)
	assert.False(t, encryptor.Enabled())

	out, err := encryptor.Encrypt("plain")
	require.NoError(t, err)
	assert.Equal(t, "plain", out)

	out, err = encryptor.Decrypt("plain")
	require.NoError(t, err)
	assert.Equal(t, "plain", out)
}

func TestDeriveKey(t *testing.T) {
	t.Setenv("CHATRELAY_ENCRYPTION_SECRET", "this-is-a-very-long-custom-secret-key-for-testing-purposes")
	key1, err := deriveKey()
	require.NoError(t, err)
	assert.Len(t, key1, constants.KeySize)

	t.Setenv("CHATRELAY_ENCRYPTION_SECRET", "this-is-a-different-very-long-secret-key-for-testing-purposes")
	key2, err := deriveKey()
	require.NoError(t, err)
	assert.NotEqual(t, key1, key2)

	t.Setenv("CHATRELAY_ENCRYPTION_SECRET", "")
	_, err = deriveKey()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "CHATRELAY_ENCRYPTION_SECRET environment variable is required")

	t.Setenv("CHATRELAY_ENCRYPTION_SECRET", "short")
	_, err = deriveKey()
	assert.Error(t, err)
}

func TestNewEncryptor_MissingSecret(t *testing.T) {
	t.Setenv("CHATRELAY_ENABLE_ENCRYPTION", "true")
	t.Setenv("CHATRELAY_ENCRYPTION_SECRET", "")

	_, err := NewEncryptor()
	assert.Error(t, err)
}
