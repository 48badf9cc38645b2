package s3

import (
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOrderedWriter(t *testing.T) {
	pr, pw := io.Pipe()

	go func() {
		w := orderedWriter{w: pw}
		_, _ = w.WriteAt([]byte("hello "), 0)
		_, _ = w.WriteAt([]byte("world"), 6)
		_ = pw.Close()
	}()

	data, err := io.ReadAll(pr)
	require.NoError(t, err)
	assert.Equal(t, "hello world", string(data))
}
