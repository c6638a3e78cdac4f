package agent

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestLocalKeyManagerWrapUnwrapRoundTrip(t *testing.T) {
	masterKey := make([]byte, 32)
	for i := range masterKey {
		masterKey[i] = byte(i)
	}
	km, err := NewLocalKeyManager(masterKey)
	require.NoError(t, err)

	plaintext := []byte("convergent-key-material-32-bytes")
	envelope, err := km.WrapKey(context.Background(), plaintext)
	require.NoError(t, err)
	require.NotEqual(t, plaintext, envelope.Ciphertext)

	got, err := km.UnwrapKey(context.Background(), envelope)
	require.NoError(t, err)
	require.Equal(t, plaintext, got)
}

func TestLocalKeyManagerRejectsTamperedCiphertext(t *testing.T) {
	km, err := NewLocalKeyManager(make([]byte, 32))
	require.NoError(t, err)

	envelope, err := km.WrapKey(context.Background(), []byte("secret"))
	require.NoError(t, err)
	envelope.Ciphertext[len(envelope.Ciphertext)-1] ^= 0xFF

	_, err = km.UnwrapKey(context.Background(), envelope)
	require.Error(t, err)
}

func TestNewLocalKeyManagerRejectsBadKeySize(t *testing.T) {
	_, err := NewLocalKeyManager(make([]byte, 7))
	require.Error(t, err)
}
