package handlers

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gofiber/fiber/v3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"video-ingest-api/internal/models"
	"video-ingest-api/internal/providers"
	"video-ingest-api/internal/services"
)

func newStreamFixture(t *testing.T, payload []byte) *fiber.App {
	t.Helper()

	provider, err := providers.NewLocalProvider(&providers.StorageConfig{
		Provider: providers.ProviderLocal,
		DataDir:  t.TempDir(),
	})
	require.NoError(t, err)

	blobs := services.NewBlobServiceWithProvider(provider)
	_, err = blobs.PutStream(context.Background(), models.UploadKey("x.mp4"), bytes.NewReader(payload), int64(len(payload)))
	require.NoError(t, err)

	app := fiber.New()
	NewStreamHandler(blobs).RegisterStreamRoutes(app)
	return app
}

func streamRequest(t *testing.T, app *fiber.App, path, rangeHeader string) *http.Response {
	t.Helper()

	req := httptest.NewRequest(http.MethodGet, path, nil)
	if rangeHeader != "" {
		req.Header.Set("Range", rangeHeader)
	}

	resp, err := app.Test(req, fiber.TestConfig{Timeout: 5 * time.Second})
	require.NoError(t, err)
	return resp
}

// testPayload builds a deterministic, position-identifiable byte pattern.
func testPayload(n int) []byte {
	out := make([]byte, n)
	for i := range out {
		out[i] = byte(i % 251)
	}
	return out
}

func TestStreamFullFile(t *testing.T) {
	payload := testPayload(4096)
	app := newStreamFixture(t, payload)

	resp := streamRequest(t, app, "/stream/x.mp4", "")
	require.Equal(t, fiber.StatusOK, resp.StatusCode)
	assert.Equal(t, "video/mp4", resp.Header.Get("Content-Type"))
	assert.Equal(t, "bytes", resp.Header.Get("Accept-Ranges"))
	assert.Equal(t, "4096", resp.Header.Get("Content-Length"))

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Equal(t, payload, body)
}

func TestStreamRangeRoundTrip(t *testing.T) {
	// For any 0 <= S <= E < L the body equals file[S..E].
	payload := testPayload(10000)
	app := newStreamFixture(t, payload)

	cases := []struct{ start, end int64 }{
		{0, 0},
		{0, 9999},
		{1, 1000},
		{5000, 5001},
		{9998, 9999},
	}

	for _, tc := range cases {
		resp := streamRequest(t, app, "/stream/x.mp4", fmt.Sprintf("bytes=%d-%d", tc.start, tc.end))
		require.Equal(t, fiber.StatusPartialContent, resp.StatusCode)

		wantLen := tc.end - tc.start + 1
		assert.Equal(t, fmt.Sprintf("bytes %d-%d/10000", tc.start, tc.end), resp.Header.Get("Content-Range"))
		assert.Equal(t, fmt.Sprintf("%d", wantLen), resp.Header.Get("Content-Length"))

		body, err := io.ReadAll(resp.Body)
		require.NoError(t, err)
		assert.Equal(t, payload[tc.start:tc.end+1], body)
	}
}

func TestStreamOpenEndedRange(t *testing.T) {
	payload := testPayload(2048)
	app := newStreamFixture(t, payload)

	resp := streamRequest(t, app, "/stream/x.mp4", "bytes=1024-")
	require.Equal(t, fiber.StatusPartialContent, resp.StatusCode)
	assert.Equal(t, "bytes 1024-2047/2048", resp.Header.Get("Content-Range"))

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Equal(t, payload[1024:], body)
}

func TestStreamMiddleMebibyte(t *testing.T) {
	// The second MiB of a 10 MiB file, byte for byte.
	const mib = 1 << 20
	payload := testPayload(10 * mib)
	app := newStreamFixture(t, payload)

	resp := streamRequest(t, app, "/stream/x.mp4", fmt.Sprintf("bytes=%d-%d", mib, 2*mib-1))
	require.Equal(t, fiber.StatusPartialContent, resp.StatusCode)
	assert.Equal(t, fmt.Sprintf("bytes %d-%d/%d", mib, 2*mib-1, 10*mib), resp.Header.Get("Content-Range"))
	assert.Equal(t, fmt.Sprintf("%d", mib), resp.Header.Get("Content-Length"))

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	require.Len(t, body, mib)
	assert.Equal(t, payload[mib:2*mib], body)
}

func TestStreamRangeNotSatisfiable(t *testing.T) {
	app := newStreamFixture(t, testPayload(100))

	for _, header := range []string{"bytes=100-", "bytes=50-200", "bytes=90-10", "bogus=0-1"} {
		resp := streamRequest(t, app, "/stream/x.mp4", header)
		assert.Equal(t, fiber.StatusRequestedRangeNotSatisfiable, resp.StatusCode, "header %q", header)
		assert.Equal(t, "bytes */100", resp.Header.Get("Content-Range"))
	}
}

func TestStreamMissingFile(t *testing.T) {
	app := newStreamFixture(t, testPayload(10))

	resp := streamRequest(t, app, "/stream/missing.mp4", "")
	assert.Equal(t, fiber.StatusNotFound, resp.StatusCode)
}

func TestParseRange(t *testing.T) {
	cases := []struct {
		header     string
		length     int64
		start, end int64
		ok         bool
	}{
		{"bytes=0-99", 100, 0, 99, true},
		{"bytes=10-", 100, 10, 99, true},
		{"bytes=-49", 100, 0, 49, true}, // missing start means 0
		{"bytes=0-0", 1, 0, 0, true},
		{"bytes=100-", 100, 0, 0, false},
		{"bytes=5-4", 100, 0, 0, false},
		{"bytes=0-100", 100, 0, 0, false},
		{"items=0-1", 100, 0, 0, false},
		{"bytes=a-b", 100, 0, 0, false},
		{"bytes=0-1,5-6", 100, 0, 0, false},
	}

	for _, tc := range cases {
		start, end, err := parseRange(tc.header, tc.length)
		if tc.ok {
			require.NoError(t, err, "header %q", tc.header)
			assert.Equal(t, tc.start, start, "header %q", tc.header)
			assert.Equal(t, tc.end, end, "header %q", tc.header)
		} else {
			assert.Error(t, err, "header %q", tc.header)
		}
	}
}
