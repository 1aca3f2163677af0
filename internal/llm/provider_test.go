package llm

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestProviderHTTPErrorTruncatesLongBody(t *testing.T) {
	body := make([]byte, 600)
	for i := range body {
		body[i] = 'x'
	}
	err := &ProviderHTTPError{Status: 500, Body: string(body)}
	require.Contains(t, err.Error(), "status=500")
	require.Contains(t, err.Error(), "...")
}

func TestProviderConnectErrorUnwraps(t *testing.T) {
	cause := errors.New("dial tcp: timeout")
	err := &ProviderConnectError{Cause: cause}
	require.ErrorIs(t, err, cause)
}

func TestProviderDecodeErrorUnwraps(t *testing.T) {
	cause := errors.New("unexpected end of JSON input")
	err := &ProviderDecodeError{Cause: cause}
	require.ErrorIs(t, err, cause)
}
