package postgres

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCompressRoundTrip(t *testing.T) {
	pdf := bytes.Repeat([]byte("%PDF-1.7 voucher page "), 512)

	gz, err := compress(pdf)
	require.NoError(t, err)
	assert.Less(t, len(gz), len(pdf))

	out, err := decompress(gz)
	require.NoError(t, err)
	assert.Equal(t, pdf, out)
}

func TestDecompressRejectsGarbage(t *testing.T) {
	_, err := decompress([]byte("not gzip"))
	require.Error(t, err)
}
