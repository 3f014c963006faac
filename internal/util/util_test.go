package util

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestFormatRemaining(t *testing.T) {
	cases := []struct {
		seconds int64
		want    string
	}{
		{86399, "23h 59m 59s"},
		{3600, "1h 0m 0s"},
		{61, "1m 1s"},
		{59, "59s"},
		{0, "0s"},
		{-5, "0s"},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, FormatRemaining(tc.seconds), "seconds=%d", tc.seconds)
	}
}

func TestClientIP(t *testing.T) {
	assert.Equal(t, "203.0.113.7", ClientIP("203.0.113.7:51234"))
	assert.Equal(t, "::1", ClientIP("[::1]:8080"))
	assert.Equal(t, "203.0.113.7", ClientIP("203.0.113.7"))
}

func TestTrimInput(t *testing.T) {
	assert.Equal(t, "0xAbC", TrimInput("  0xAbC \n"))
}
