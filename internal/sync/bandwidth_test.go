package sync

import (
	"bytes"
	"context"
	"io"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseBandwidthRate_Valid(t *testing.T) {
	t.Parallel()

	tests := []struct {
		input string
		want  uint64
	}{
		{"0", 0},
		{"", 0},
		{"5MB/s", 5_000_000},
		{"100KB/s", 100_000},
		{"10MiB/s", 10_485_760},
		{"1024", 1024},
		{"5MB", 5_000_000},
	}

	for _, tc := range tests {
		t.Run(tc.input, func(t *testing.T) {
			t.Parallel()

			got, err := ParseBandwidthRate(tc.input)
			require.NoError(t, err)
			assert.Equal(t, tc.want, got)
		})
	}
}

func TestParseBandwidthRate_Invalid(t *testing.T) {
	t.Parallel()

	for _, input := range []string{"abc", "-1MB/s", "fast/s"} {
		_, err := ParseBandwidthRate(input)
		assert.Error(t, err, input)
	}
}

func TestNewBandwidthLimiter_Unlimited(t *testing.T) {
	t.Parallel()

	bl, err := NewBandwidthLimiter("0", testLogger(t))
	require.NoError(t, err)
	assert.Nil(t, bl)

	r := bytes.NewReader([]byte("x"))
	assert.Same(t, r, bl.reader(context.Background(), r))
}

func TestRateLimitedWriter_Throttles(t *testing.T) {
	t.Parallel()

	// 1 KB/s with a 2 KB burst: 4 KB must wait at least a second or so.
	bl, err := NewBandwidthLimiter("1KB/s", testLogger(t))
	require.NoError(t, err)
	require.NotNil(t, bl)

	var buf bytes.Buffer
	w := bl.writer(context.Background(), &buf)

	start := time.Now()

	for range 4 {
		_, err := w.Write(make([]byte, 1000))
		require.NoError(t, err)
	}

	assert.GreaterOrEqual(t, time.Since(start), 500*time.Millisecond)
	assert.Equal(t, 4000, buf.Len())
}

func TestRateLimitedReader_ContextCancel(t *testing.T) {
	t.Parallel()

	bl, err := NewBandwidthLimiter("1KB/s", testLogger(t))
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	r := bl.reader(ctx, bytes.NewReader(make([]byte, 10_000)))

	// Drain the burst, then cancel while the limiter would block.
	_, err = io.CopyN(io.Discard, r, 2000)
	require.NoError(t, err)

	cancel()

	_, err = io.ReadAll(r)
	assert.ErrorIs(t, err, context.Canceled)
}
