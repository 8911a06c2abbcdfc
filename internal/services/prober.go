package services

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os/exec"
	"strconv"
)

// ProbeResult carries the metadata extracted from a finished blob.
type ProbeResult struct {
	DurationS  float64 `json:"duration_s"`
	Width      int     `json:"width"`
	Height     int     `json:"height"`
	Resolution string  `json:"resolution"`
	Codec      string  `json:"codec"`
	BitrateBPS int64   `json:"bitrate_bps"`
	SizeBytes  int64   `json:"size_bytes"`
	Format     string  `json:"format"`
}

// Prober extracts metadata from a media file on local disk.
type Prober interface {
	Probe(ctx context.Context, path string) (*ProbeResult, error)
}

// FFProber implements Prober by shelling out to ffprobe.
type FFProber struct {
	ffprobePath string
}

// NewFFProber creates a prober using the given ffprobe binary ("ffprobe"
// resolves from PATH when empty).
func NewFFProber(ffprobePath string) *FFProber {
	if ffprobePath == "" {
		ffprobePath = "ffprobe"
	}
	return &FFProber{ffprobePath: ffprobePath}
}

// ffprobe JSON output shapes; numeric fields arrive as strings.
type ffprobeFormat struct {
	FormatName string `json:"format_name"`
	Duration   string `json:"duration"`
	Size       string `json:"size"`
	BitRate    string `json:"bit_rate"`
}

type ffprobeStream struct {
	CodecType string `json:"codec_type"`
	CodecName string `json:"codec_name"`
	Width     int    `json:"width"`
	Height    int    `json:"height"`
}

type ffprobeOutput struct {
	Format  ffprobeFormat   `json:"format"`
	Streams []ffprobeStream `json:"streams"`
}

// Probe runs ffprobe over the file and parses its JSON report.
func (p *FFProber) Probe(ctx context.Context, path string) (*ProbeResult, error) {
	cmd := exec.CommandContext(ctx, p.ffprobePath,
		"-hide_banner",
		"-loglevel", "error",
		"-print_format", "json",
		"-show_format",
		"-show_streams",
		path,
	)

	var outputBuffer bytes.Buffer
	var errorBuffer bytes.Buffer
	cmd.Stdout = &outputBuffer
	cmd.Stderr = &errorBuffer

	if err := cmd.Run(); err != nil {
		return nil, fmt.Errorf("ffprobe error: %v, stderr: %s", err, errorBuffer.String())
	}

	var out ffprobeOutput
	if err := json.Unmarshal(outputBuffer.Bytes(), &out); err != nil {
		return nil, fmt.Errorf("failed to parse ffprobe output: %w", err)
	}

	result := &ProbeResult{Format: out.Format.FormatName}
	result.DurationS, _ = strconv.ParseFloat(out.Format.Duration, 64)
	result.SizeBytes, _ = strconv.ParseInt(out.Format.Size, 10, 64)
	result.BitrateBPS, _ = strconv.ParseInt(out.Format.BitRate, 10, 64)

	for _, stream := range out.Streams {
		if stream.CodecType == "video" {
			result.Codec = stream.CodecName
			result.Width = stream.Width
			result.Height = stream.Height
			result.Resolution = fmt.Sprintf("%dx%d", stream.Width, stream.Height)
			break
		}
	}

	if result.DurationS == 0 && result.Codec == "" {
		return nil, fmt.Errorf("ffprobe found no usable format or video stream")
	}

	return result, nil
}
