package goroutineid

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestParse(t *testing.T) {
	for _, tc := range []struct {
		in   string
		want int64
	}{
		{"goroutine 123 [running]:\n", 123},
		{"goroutine 7", 7},
		{"goroutine x [running]:", 0},
		{"something else\n", 0},
		{"", 0},
	} {
		require.Equal(t, tc.want, parse([]byte(tc.in)), tc.in)
	}
}

func TestGet_DistinctPerGoroutine(t *testing.T) {
	self := Get()
	require.Greater(t, self, int64(0))

	other := make(chan int64)
	go func() { other <- Get() }()
	require.NotEqual(t, self, <-other)
	require.Equal(t, self, Get())
}
