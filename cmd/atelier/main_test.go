package main

import (
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestLogLevel(t *testing.T) {
	tests := []struct {
		in   string
		want slog.Level
	}{
		{"", slog.LevelInfo},
		{"info", slog.LevelInfo},
		{"DEBUG", slog.LevelDebug},
		{"warn", slog.LevelWarn},
		{"error", slog.LevelError},
		{"verbose", slog.LevelInfo},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			assert.Equal(t, tt.want, logLevel(tt.in))
		})
	}
}

func TestHashKeyUsage(t *testing.T) {
	assert.Equal(t, 2, hashKey(nil))
	assert.Equal(t, 2, hashKey([]string{"a", "b"}))
	assert.Equal(t, 0, hashKey([]string{"s3cret-operator-key"}))
}
