package services

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os/exec"
)

// Default thumbnail geometry: one 320x240 JPEG frame.
const (
	ThumbnailWidth  = 320
	ThumbnailHeight = 240
)

// Thumbnailer captures a single frame from a media file on local disk and
// writes it as a JPEG.
type Thumbnailer interface {
	Generate(ctx context.Context, path string, offsetSeconds float64, dst io.Writer) error
}

// FFMpegThumbnailer implements Thumbnailer by shelling out to ffmpeg.
type FFMpegThumbnailer struct {
	ffmpegPath string
	width      int
	height     int
}

// NewFFMpegThumbnailer creates a thumbnailer using the given ffmpeg binary
// ("ffmpeg" resolves from PATH when empty).
func NewFFMpegThumbnailer(ffmpegPath string, width, height int) *FFMpegThumbnailer {
	if ffmpegPath == "" {
		ffmpegPath = "ffmpeg"
	}
	if width <= 0 {
		width = ThumbnailWidth
	}
	if height <= 0 {
		height = ThumbnailHeight
	}

	return &FFMpegThumbnailer{
		ffmpegPath: ffmpegPath,
		width:      width,
		height:     height,
	}
}

// Generate seeks to offsetSeconds and captures one scaled frame. The seek
// goes before -i so ffmpeg jumps by keyframe instead of decoding up to the
// offset; on a multi-GiB file that is the difference between milliseconds
// and minutes.
func (t *FFMpegThumbnailer) Generate(ctx context.Context, path string, offsetSeconds float64, dst io.Writer) error {
	cmd := exec.CommandContext(ctx, t.ffmpegPath,
		"-hide_banner",
		"-loglevel", "error",
		"-ss", fmt.Sprintf("%.3f", offsetSeconds),
		"-i", path,
		"-frames:v", "1",
		"-vf", fmt.Sprintf("scale=%d:%d", t.width, t.height),
		"-f", "image2pipe",
		"-vcodec", "mjpeg",
		"pipe:1",
	)

	var outputBuffer bytes.Buffer
	var errorBuffer bytes.Buffer
	cmd.Stdout = &outputBuffer
	cmd.Stderr = &errorBuffer

	if err := cmd.Run(); err != nil {
		return fmt.Errorf("ffmpeg error: %v, stderr: %s", err, errorBuffer.String())
	}

	if outputBuffer.Len() == 0 {
		return fmt.Errorf("ffmpeg produced no thumbnail output")
	}

	if _, err := io.Copy(dst, &outputBuffer); err != nil {
		return fmt.Errorf("failed to write thumbnail: %w", err)
	}

	return nil
}
