package util

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

func TestParseLogLevel(t *testing.T) {
	cases := map[string]zapcore.Level{
		"debug":   zapcore.DebugLevel,
		" INFO ":  zapcore.InfoLevel,
		"warning": zapcore.WarnLevel,
		"warn":    zapcore.WarnLevel,
		"error":   zapcore.ErrorLevel,
		"bogus":   zapcore.InfoLevel,
		"":        zapcore.InfoLevel,
	}
	for in, want := range cases {
		assert.Equal(t, want, parseLogLevel(in), "level %q", in)
	}
}

func TestNewConfig(t *testing.T) {
	prod := newConfig("production", "warn", "json")
	assert.Equal(t, "json", prod.Encoding)
	assert.Equal(t, "timestamp", prod.EncoderConfig.TimeKey)
	assert.True(t, prod.DisableStacktrace)
	assert.Equal(t, zapcore.WarnLevel, prod.Level.Level())

	dev := newConfig("development", "debug", "console")
	assert.Equal(t, "console", dev.Encoding)
	assert.Nil(t, dev.Sampling)
	assert.Equal(t, []string{"stdout"}, dev.OutputPaths)
}

func TestDomainFields(t *testing.T) {
	assert.Equal(t, zap.String("address", "0xabc"), Address("0xabc"))
	assert.Equal(t, zap.String("tx_hash", "0x01"), TxHash("0x01"))
	assert.Equal(t, zap.Skip(), TxHash(""))
}
