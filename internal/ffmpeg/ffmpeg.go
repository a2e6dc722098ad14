package ffmpeg

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os/exec"
	"strconv"
	"strings"
)

// FFProbeOutput defines the structure for ffprobe JSON output relevant to duration.
type FFProbeOutput struct {
	Format struct {
		Duration string `json:"duration"`
	} `json:"format"`
	Streams []struct {
		CodecType  string `json:"codec_type"`
		SampleRate string `json:"sample_rate"`
		Duration   string `json:"duration"`
	} `json:"streams"`
}

// Prober reads audio metadata with ffprobe. Only the container header is read; the
// audio is never decoded.
type Prober struct {
	Binary string
}

// NewProber returns a Prober using binary, or "ffprobe" from PATH when empty.
func NewProber(binary string) *Prober {
	if strings.TrimSpace(binary) == "" {
		binary = "ffprobe"
	}
	return &Prober{Binary: binary}
}

// Duration returns the duration of the audio file in seconds.
func (p *Prober) Duration(ctx context.Context, filePath string) (float64, error) {
	// ffprobe -v error -print_format json -show_format -show_streams -select_streams a:0 <input_file>
	cmd := exec.CommandContext(ctx, p.Binary,
		"-v", "error",
		"-print_format", "json",
		"-show_format",
		"-show_streams",
		"-select_streams", "a:0",
		"--", filePath,
	)

	var out bytes.Buffer
	var stderr bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		return 0, fmt.Errorf("ffprobe failed: %w: %s", err, strings.TrimSpace(stderr.String()))
	}
	return ParseDuration(out.Bytes())
}

// ParseDuration extracts the duration from ffprobe JSON output. The container duration
// wins; the first audio stream's duration is used when the container has none.
func ParseDuration(output []byte) (float64, error) {
	var probe FFProbeOutput
	if err := json.Unmarshal(output, &probe); err != nil {
		return 0, fmt.Errorf("error unmarshalling ffprobe output: %w", err)
	}

	raw := strings.TrimSpace(probe.Format.Duration)
	if raw == "" || raw == "N/A" {
		for _, stream := range probe.Streams {
			if stream.CodecType == "audio" && stream.Duration != "" && stream.Duration != "N/A" {
				raw = stream.Duration
				break
			}
		}
	}
	if raw == "" || raw == "N/A" {
		return 0, errors.New("could not retrieve duration from ffprobe output")
	}

	duration, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return 0, fmt.Errorf("error parsing duration string '%s': %w", raw, err)
	}
	if duration < 0 {
		return 0, fmt.Errorf("negative duration %f", duration)
	}
	return duration, nil
}
