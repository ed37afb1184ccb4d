package helpers

import (
	"bytes"
	"expvar"
	"io"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStatReader(t *testing.T) {
	t.Parallel()
	var counter expvar.Int
	s := NewStatReader(strings.NewReader(strings.Repeat(".", 20)), &counter)
	assert.Equal(t, int64(0), counter.Value())
	buf := make([]byte, 17)
	_, _ = s.Read(buf[:0])
	assert.Equal(t, int64(0), counter.Value())
	_, _ = s.Read(buf[:5])
	assert.Equal(t, int64(5), counter.Value())
	_, _ = s.Read(buf)
	assert.Equal(t, int64(20), counter.Value())
	n, err := s.Read(buf)
	assert.Equal(t, 0, n)
	assert.Equal(t, io.EOF, err)
	assert.Equal(t, int64(20), counter.Value())
}

func TestStatWriter(t *testing.T) {
	t.Parallel()
	var counter expvar.Int
	var out bytes.Buffer
	s := NewStatWriter(&out, &counter)
	buf := make([]byte, 17)
	_, _ = s.Write(buf[:0])
	assert.Equal(t, int64(0), counter.Value())
	_, _ = s.Write(buf[:5])
	assert.Equal(t, int64(5), counter.Value())
	n, err := s.Write(buf)
	require.NoError(t, err)
	assert.Equal(t, 17, n)
	assert.Equal(t, int64(22), counter.Value())
	assert.Equal(t, 22, out.Len())
}
