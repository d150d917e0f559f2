package streamlog

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestEntry(t *testing.T) {
	payload := []byte(`{"loss":0.5}`)

	t.Run("should roundtrip a step entry", func(t *testing.T) {
		e := NewStepEntry(42, 7, 1, payload)
		buf := &bytes.Buffer{}
		n, err := writeEntry(e, buf)
		require.NoError(t, err)
		require.Equal(t, int(EncodedSize(len(payload))), n)

		decoded, err := readEntry(buf, make([]byte, EntryHeaderSize))
		require.NoError(t, err)
		require.Equal(t, payload, decoded.Payload())
		require.Equal(t, uint64(42), decoded.Timestamp())
		require.Equal(t, uint16(1), decoded.Kind())
		step, ok := decoded.Step()
		require.True(t, ok)
		require.Equal(t, uint64(7), step)
		require.True(t, decoded.IsValid())
	})

	t.Run("should roundtrip a one-shot entry", func(t *testing.T) {
		e := NewEntry(42, 5, payload)
		buf := &bytes.Buffer{}
		_, err := writeEntry(e, buf)
		require.NoError(t, err)

		decoded, err := readEntry(buf, make([]byte, EntryHeaderSize))
		require.NoError(t, err)
		_, ok := decoded.Step()
		require.False(t, ok)
	})

	t.Run("should detect payload corruption", func(t *testing.T) {
		e := NewStepEntry(42, 7, 1, payload)
		buf := &bytes.Buffer{}
		_, err := writeEntry(e, buf)
		require.NoError(t, err)
		raw := buf.Bytes()
		raw[len(raw)-1] ^= 0xff

		decoded, err := readEntry(bytes.NewReader(raw), make([]byte, EntryHeaderSize))
		require.NoError(t, err)
		require.False(t, decoded.IsValid())
	})

	t.Run("should reject oversized entries", func(t *testing.T) {
		e := entry{payloadSize: MaxEntrySize + 1}
		_, err := writeEntry(e, &bytes.Buffer{})
		require.Equal(t, ErrEntryTooBig, err)
	})

	t.Run("should require a header-sized buffer", func(t *testing.T) {
		_, err := readEntry(&bytes.Buffer{}, make([]byte, 3))
		require.Equal(t, ErrInvalidBufferSize, err)
	})
}
