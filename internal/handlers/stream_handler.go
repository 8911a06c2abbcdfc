package handlers

import (
	"fmt"
	"io"
	"log"
	"strconv"
	"strings"

	"github.com/gofiber/fiber/v3"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"video-ingest-api/internal/apperrors"
	"video-ingest-api/internal/models"
	"video-ingest-api/internal/services"
)

// Streaming metrics
var (
	streamRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ingest_stream_requests_total",
		Help: "Stream requests, by response kind (full, partial, not_satisfiable, not_found).",
	}, []string{"kind"})

	activeStreams = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "ingest_active_streams",
		Help: "Streams currently being served.",
	})

	streamedBytes = promauto.NewCounter(prometheus.CounterOpts{
		Name: "ingest_streamed_bytes_total",
		Help: "Bytes handed to clients by the range reader.",
	})
)

// streamContentType is what assembled originals are served as.
const streamContentType = "video/mp4"

// StreamHandler serves assembled originals under HTTP byte-range semantics.
// Bodies stream straight from the blob store; nothing buffers a whole file.
type StreamHandler struct {
	blobs *services.BlobService
}

// NewStreamHandler creates a new stream handler
func NewStreamHandler(blobs *services.BlobService) *StreamHandler {
	return &StreamHandler{blobs: blobs}
}

// RegisterStreamRoutes wires the streaming endpoint onto the app.
func (h *StreamHandler) RegisterStreamRoutes(app *fiber.App) {
	app.Get("/stream/:filename", h.Stream)
}

// Stream handles GET /stream/:filename with an optional Range header.
func (h *StreamHandler) Stream(c fiber.Ctx) error {
	filename := c.Params("filename")
	if filename == "" || strings.ContainsAny(filename, "/\\") || strings.Contains(filename, "..") {
		return respondError(c, apperrors.InvalidInput("invalid filename"))
	}

	reader, size, err := h.blobs.Open(c.Context(), models.UploadKey(filename))
	if err != nil {
		streamRequests.WithLabelValues("not_found").Inc()
		return respondError(c, apperrors.NotFound("file %s", filename))
	}

	c.Set(fiber.HeaderAcceptRanges, "bytes")
	c.Set(fiber.HeaderContentType, streamContentType)

	rangeHeader := c.Get(fiber.HeaderRange)
	if rangeHeader == "" {
		streamRequests.WithLabelValues("full").Inc()
		streamedBytes.Add(float64(size))
		c.Set(fiber.HeaderContentLength, strconv.FormatInt(size, 10))
		return c.SendStream(newMeteredStream(reader), int(size))
	}

	start, end, err := parseRange(rangeHeader, size)
	if err != nil {
		reader.Close()
		streamRequests.WithLabelValues("not_satisfiable").Inc()
		c.Set(fiber.HeaderContentRange, fmt.Sprintf("bytes */%d", size))
		return c.Status(fiber.StatusRequestedRangeNotSatisfiable).JSON(models.ErrorResponse{
			Error: "requested range not satisfiable",
		})
	}

	if _, err := reader.Seek(start, io.SeekStart); err != nil {
		reader.Close()
		log.Printf("⚠️ Stream: seek to %d failed for %s: %v", start, filename, err)
		return respondError(c, apperrors.Transient("seek blob", err))
	}

	length := end - start + 1
	streamRequests.WithLabelValues("partial").Inc()
	streamedBytes.Add(float64(length))

	c.Status(fiber.StatusPartialContent)
	c.Set(fiber.HeaderContentRange, fmt.Sprintf("bytes %d-%d/%d", start, end, size))
	c.Set(fiber.HeaderContentLength, strconv.FormatInt(length, 10))

	return c.SendStream(newMeteredStream(&limitedReadCloser{
		Reader: io.LimitReader(reader, length),
		closer: reader,
	}), int(length))
}

// parseRange interprets a Range header per the serving contract: a missing
// start means 0, a missing end means length-1, and anything outside
// [0, length) is unsatisfiable. Only single ranges are supported.
func parseRange(header string, length int64) (int64, int64, error) {
	value, ok := strings.CutPrefix(strings.TrimSpace(header), "bytes=")
	if !ok {
		return 0, 0, fmt.Errorf("unsupported range unit")
	}
	if strings.Contains(value, ",") {
		return 0, 0, fmt.Errorf("multiple ranges not supported")
	}

	startStr, endStr, ok := strings.Cut(value, "-")
	if !ok {
		return 0, 0, fmt.Errorf("malformed range")
	}

	start := int64(0)
	end := length - 1
	var err error

	if strings.TrimSpace(startStr) != "" {
		start, err = strconv.ParseInt(strings.TrimSpace(startStr), 10, 64)
		if err != nil {
			return 0, 0, fmt.Errorf("malformed range start")
		}
	}
	if strings.TrimSpace(endStr) != "" {
		end, err = strconv.ParseInt(strings.TrimSpace(endStr), 10, 64)
		if err != nil {
			return 0, 0, fmt.Errorf("malformed range end")
		}
	}

	if start < 0 || end >= length || start > end {
		return 0, 0, fmt.Errorf("range out of bounds")
	}

	return start, end, nil
}

// limitedReadCloser bounds the body length while closing the underlying
// blob reader when the transport finishes with the stream.
type limitedReadCloser struct {
	io.Reader
	closer io.Closer
}

func (l *limitedReadCloser) Close() error {
	return l.closer.Close()
}

// meteredStream tracks active streams for the gauge; the transport closes
// it when the response body has been written.
type meteredStream struct {
	io.Reader
	closer io.Closer
	done   bool
}

func newMeteredStream(r io.Reader) *meteredStream {
	activeStreams.Inc()
	m := &meteredStream{Reader: r}
	if c, ok := r.(io.Closer); ok {
		m.closer = c
	}
	return m
}

func (m *meteredStream) Close() error {
	if !m.done {
		m.done = true
		activeStreams.Dec()
	}
	if m.closer != nil {
		return m.closer.Close()
	}
	return nil
}
