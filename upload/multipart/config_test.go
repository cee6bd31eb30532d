package multipart

import (
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultConfig(t *testing.T) {
	config := DefaultConfig()

	require.NoError(t, config.validate())
	assert.False(t, config.DisableResume)
	assert.Zero(t, config.PartSize)
	assert.GreaterOrEqual(t, config.Concurrency, 2)
	assert.LessOrEqual(t, config.Concurrency, 20)
}

func TestDefaultHTTPClient(t *testing.T) {
	tests := []struct {
		name        string
		concurrency int
		wantConns   int
	}{
		{name: "sized by concurrency", concurrency: 6, wantConns: 6},
		{name: "invalid concurrency", concurrency: 0, wantConns: DefaultConcurrency()},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			client := DefaultHTTPClient(tt.concurrency)

			transport, ok := client.Transport.(*http.Transport)
			require.True(t, ok)
			assert.Equal(t, tt.wantConns, transport.MaxConnsPerHost)
			assert.Equal(t, tt.wantConns, transport.MaxIdleConnsPerHost)
			assert.Zero(t, client.Timeout)
		})
	}
}
