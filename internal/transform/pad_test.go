package transform

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPadUnpadRoundTrip(t *testing.T) {
	cases := []struct {
		name string
		n    int
	}{
		{"empty", 0},
		{"one byte", 1},
		{"exactly one block", BlockSize},
		{"just under capacity", 4079},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			buf := make([]byte, 4096)
			for i := 0; i < tc.n; i++ {
				buf[i] = byte(i)
			}
			padded, err := Pad(buf, tc.n, BlockSize)
			require.NoError(t, err)
			assert.True(t, padded > tc.n)
			assert.Zero(t, padded%BlockSize)

			got, err := Unpad(buf, padded, BlockSize)
			require.NoError(t, err)
			assert.Equal(t, tc.n, got)
		})
	}
}

func TestPadRefusesAtCapacity(t *testing.T) {
	buf := make([]byte, 32)
	_, err := Pad(buf, 16, BlockSize)
	require.ErrorIs(t, err, ErrTooBig)
}

func TestUnpadRejectsCorruption(t *testing.T) {
	buf := make([]byte, 64)
	padded, err := Pad(buf, 10, BlockSize)
	require.NoError(t, err)
	buf[padded-1] ^= 0xFF
	_, err = Unpad(buf, padded, BlockSize)
	require.ErrorIs(t, err, ErrBadPadding)
}

func TestUnpadRejectsZeroLength(t *testing.T) {
	_, err := Unpad(make([]byte, 16), 0, BlockSize)
	require.ErrorIs(t, err, ErrBadPadding)
}
