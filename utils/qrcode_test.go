package utils

import (
	"encoding/base64"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGenerateQRCodeDataURI(t *testing.T) {
	uri, err := GenerateQRCodeDataURI("https://discord.gg/abc123", 256)
	require.NoError(t, err)
	require.True(t, strings.HasPrefix(uri, "data:image/png;base64,"))

	png, err := base64.StdEncoding.DecodeString(strings.TrimPrefix(uri, "data:image/png;base64,"))
	require.NoError(t, err)
	assert.Equal(t, []byte("\x89PNG"), png[:4])
}

func TestGenerateQRCodeEmptyContent(t *testing.T) {
	_, err := GenerateQRCode("", 256)
	assert.Error(t, err)
}
