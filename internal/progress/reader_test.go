package progress

import (
	"bytes"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestReader_ReportsOnInterval(t *testing.T) {
	data := bytes.Repeat([]byte("x"), 1000)

	var reports []int64

	r := NewReader(bytes.NewReader(data), 0, 100, 0, func(read, total int64) {
		reports = append(reports, read)
	})

	buf := make([]byte, 50)
	for {
		_, err := r.Read(buf)
		if err == io.EOF {
			break
		}

		require.NoError(t, err)
	}

	assert.Equal(t, []int64{100, 200, 300, 400, 500, 600, 700, 800, 900, 1000}, reports)
	assert.Equal(t, int64(1000), r.BytesRead())
}

func TestReader_ReportsPercentSteps(t *testing.T) {
	data := bytes.Repeat([]byte("x"), 100)

	var reports []int64

	r := NewReader(bytes.NewReader(data), 100, 0, 25, func(read, total int64) {
		assert.Equal(t, int64(100), total)
		reports = append(reports, read)
	})

	buf := make([]byte, 10)
	for {
		if _, err := r.Read(buf); err == io.EOF {
			break
		}
	}

	assert.Equal(t, []int64{30, 50, 80, 100}, reports)
}

func TestReader_ResetKeepsCounters(t *testing.T) {
	var last int64

	r := NewReader(bytes.NewReader([]byte("abc")), 6, 0, 50, func(read, _ int64) {
		last = read
	})

	first, err := io.ReadAll(r)
	require.NoError(t, err)

	r.Reset(bytes.NewReader([]byte("def")))

	second, err := io.ReadAll(r)
	require.NoError(t, err)

	assert.Equal(t, "abcdef", string(first)+string(second))
	assert.Equal(t, int64(6), r.BytesRead())
	assert.Equal(t, int64(6), last)
}
