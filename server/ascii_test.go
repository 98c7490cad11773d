package server

import (
	"bytes"
	"io"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestASCIIConverter(t *testing.T) {
	lines := []byte("line1\r\nline2\r\n\r\nline4")
	src := bytes.NewBuffer(lines)
	dst := bytes.NewBuffer(nil)
	c := newASCIIConverter(src, convertModeToLF)
	_, err := io.Copy(dst, c)
	require.NoError(t, err)
	require.Equal(t, []byte("line1\nline2\n\nline4"), dst.Bytes())

	lines = []byte("line1\nline2\n\nline4")
	dst = bytes.NewBuffer(nil)
	c = newASCIIConverter(bytes.NewBuffer(lines), convertModeToCRLF)
	_, err = io.Copy(dst, c)
	require.NoError(t, err)
	require.Equal(t, []byte("line1\r\nline2\r\n\r\nline4"), dst.Bytes())

	// A buffer with no line endings at all must pass through unchanged.
	buf := make([]byte, 131072)
	for j := range buf {
		buf[j] = 66
	}

	dst = bytes.NewBuffer(nil)
	c = newASCIIConverter(bytes.NewBuffer(buf), convertModeToCRLF)
	_, err = io.Copy(dst, c)
	require.NoError(t, err)
	require.Equal(t, buf, dst.Bytes())
}

func TestASCIIConverterRoundTrip(t *testing.T) {
	original := []byte("alpha\nbeta\ngamma\n")

	toCRLF := bytes.NewBuffer(nil)
	_, err := io.Copy(toCRLF, newASCIIConverter(bytes.NewReader(original), convertModeToCRLF))
	require.NoError(t, err)
	require.Equal(t, []byte("alpha\r\nbeta\r\ngamma\r\n"), toCRLF.Bytes())

	backToLF := bytes.NewBuffer(nil)
	_, err = io.Copy(backToLF, newASCIIConverter(bytes.NewReader(toCRLF.Bytes()), convertModeToLF))
	require.NoError(t, err)
	require.Equal(t, original, backToLF.Bytes())
}
