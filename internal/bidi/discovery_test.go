package bidi

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dhruvsoni1802/browser-bidi/internal/testutil/bidiserver"
)

func TestResolveEndpoint(t *testing.T) {
	t.Parallel()

	t.Run("websocket url is used verbatim", func(t *testing.T) {
		t.Parallel()

		got, err := ResolveEndpoint(context.Background(), "ws://127.0.0.1:9222/session")
		require.NoError(t, err)
		assert.Equal(t, "ws://127.0.0.1:9222/session", got)
	})

	t.Run("discovery document", func(t *testing.T) {
		t.Parallel()

		srv := bidiserver.New(t, nil)
		got, err := ResolveEndpoint(context.Background(), srv.HTTP.URL)
		require.NoError(t, err)
		assert.Equal(t, srv.URL(), got)
	})

	t.Run("falls back to /session", func(t *testing.T) {
		t.Parallel()

		hs := httptest.NewServer(http.NotFoundHandler())
		defer hs.Close()

		got, err := ResolveEndpoint(context.Background(), hs.URL+"/")
		require.NoError(t, err)
		assert.Equal(t, "ws"+strings.TrimPrefix(hs.URL, "http")+"/session", got)
	})

	t.Run("unsupported scheme", func(t *testing.T) {
		t.Parallel()

		_, err := ResolveEndpoint(context.Background(), "ftp://example.com")
		require.Error(t, err)
	})
}
