package logger

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/maksmelnyk/paymentbus/internal/config"
)

func TestFilePath(t *testing.T) {
	tests := []struct {
		name     string
		cfg      config.LogConfig
		expected string
	}{
		{"empty file disables sink", config.LogConfig{FileDir: "logs"}, ""},
		{"dir and file joined", config.LogConfig{FileDir: "logs", FilePath: "logs.txt"}, filepath.Join("logs", "logs.txt")},
		{"no dir", config.LogConfig{FilePath: "out.log"}, "out.log"},
		{"absolute file ignores dir", config.LogConfig{FileDir: "logs", FilePath: "/var/log/payment.log"}, "/var/log/payment.log"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, FilePath(tt.cfg))
		})
	}
}

func TestRotationMegabytes(t *testing.T) {
	assert.Equal(t, 0, rotationMegabytes(0))
	assert.Equal(t, 1, rotationMegabytes(1024))
	assert.Equal(t, 10, rotationMegabytes(10*1024*1024))
}

func TestNew(t *testing.T) {
	t.Run("writes JSON lines to the configured file", func(t *testing.T) {
		dir := t.TempDir()
		logger, err := New("payment-service", config.LogConfig{
			Level:    "debug",
			FileDir:  dir,
			FilePath: "payment.log",
		})
		require.NoError(t, err)

		logger.Info("hello")
		_ = logger.Sync()

		data, err := os.ReadFile(filepath.Join(dir, "payment.log"))
		require.NoError(t, err)
		assert.Contains(t, string(data), `"message":"hello"`)
		assert.Contains(t, string(data), `"service_name":"payment-service"`)
	})

	t.Run("rejects unknown level", func(t *testing.T) {
		_, err := New("payment-service", config.LogConfig{Level: "loud"})
		assert.Error(t, err)
	})
}
