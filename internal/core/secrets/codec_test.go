package secrets

import (
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/atvirokodosprendimai/keyring/internal/core/domain"
)

func newCodec(t *testing.T) *Codec {
	t.Helper()
	c, err := New(Config{EncryptionSecret: "test-encryption-secret-0123456789"})
	require.NoError(t, err)
	return c
}

func TestNewRejectsShortSecret(t *testing.T) {
	_, err := New(Config{EncryptionSecret: "short"})
	require.Error(t, err)
	assert.True(t, errors.Is(err, domain.ErrValidation))
}

func TestGenerateShape(t *testing.T) {
	c := newCodec(t)

	plaintext, prefix := c.Generate()
	require.True(t, strings.HasPrefix(plaintext, "rl_"))
	assert.Len(t, plaintext, len("rl_")+43)
	assert.Equal(t, plaintext[:len("rl_")+8], prefix)
	assert.True(t, strings.HasPrefix(plaintext, prefix))

	other, _ := c.Generate()
	assert.NotEqual(t, plaintext, other)
}

func TestDisplayPrefix(t *testing.T) {
	assert.Equal(t, "rl_abcdefgh", DisplayPrefix("rl_abcdefghijklmnop"))
	assert.Equal(t, "rl_abc", DisplayPrefix("rl_abc"))
	assert.Equal(t, "noseparator1", DisplayPrefix("noseparator12345"))
	assert.Equal(t, "tiny", DisplayPrefix("tiny"))
}

func TestHashAndVerify(t *testing.T) {
	h := Hash("rl_secret")
	assert.Len(t, h, 64)
	assert.Equal(t, h, Hash("rl_secret"))

	assert.True(t, Verify("rl_secret", h))
	assert.False(t, Verify("rl_other", h))
	assert.False(t, Verify("rl_secret", h[:63]))
	assert.False(t, Verify("rl_secret", strings.Repeat("z", 64)))
	assert.False(t, Verify("rl_secret", ""))
}

func TestEncryptDecryptRoundTrip(t *testing.T) {
	c := newCodec(t)
	plaintext, _ := c.Generate()

	sealed, err := c.Encrypt(plaintext)
	require.NoError(t, err)
	assert.NotContains(t, sealed, plaintext)

	again, err := c.Encrypt(plaintext)
	require.NoError(t, err)
	assert.NotEqual(t, sealed, again, "nonce must differ per encryption")

	opened, err := c.Decrypt(sealed)
	require.NoError(t, err)
	assert.Equal(t, plaintext, opened)
}

func TestDecryptFailures(t *testing.T) {
	c := newCodec(t)
	sealed, err := c.Encrypt("rl_value")
	require.NoError(t, err)

	tampered := []byte(sealed)
	last := len(tampered) - 1
	if tampered[last] == 'A' {
		tampered[last] = 'B'
	} else {
		tampered[last] = 'A'
	}

	otherKey, err := New(Config{EncryptionSecret: "a-different-secret-9876543210"})
	require.NoError(t, err)

	for name, run := range map[string]func() error{
		"malformed": func() error { _, err := c.Decrypt("%%%not-base64"); return err },
		"truncated": func() error { _, err := c.Decrypt(sealed[:10]); return err },
		"tampered":  func() error { _, err := c.Decrypt(string(tampered)); return err },
		"wrong key": func() error { _, err := otherKey.Decrypt(sealed); return err },
	} {
		t.Run(name, func(t *testing.T) {
			err := run()
			require.Error(t, err)
			assert.True(t, errors.Is(err, domain.ErrCrypto), "got %v", err)
		})
	}
}
