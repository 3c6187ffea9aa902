package utils

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os/exec"
	"strconv"
	"strings"
)

// VideoInfo is what the sampler needs to know about a container before decoding it.
type VideoInfo struct {
	FPS         float64
	TotalFrames int
	Duration    float64 // TotalFrames / FPS
	Width       int
	Height      int
	HasAudio    bool
}

type ffprobeOutput struct {
	Streams []struct {
		CodecType     string `json:"codec_type"`
		Width         int    `json:"width"`
		Height        int    `json:"height"`
		AvgFrameRate  string `json:"avg_frame_rate"`
		RFrameRate    string `json:"r_frame_rate"`
		NbFrames      string `json:"nb_frames"`
		NbReadPackets string `json:"nb_read_packets"`
		Duration      string `json:"duration"`
	} `json:"streams"`
	Format struct {
		Duration string `json:"duration"`
	} `json:"format"`
}

// ProbeVideo runs ffprobe on path. The frame count uses container metadata when present and
// falls back to counting packets, which is slow but exact.
func ProbeVideo(ctx context.Context, path string) (VideoInfo, error) {
	if _, err := exec.LookPath("ffprobe"); err != nil {
		return VideoInfo{}, fmt.Errorf("ffprobe not found: %w", err)
	}

	cmd := NewSafeCommand(ctx, "ffprobe", "-v", "error", "-print_format", "json", "-show_format", "-show_streams", path)
	out, err := cmd.Output()
	if err != nil {
		return VideoInfo{}, fmt.Errorf("ffprobe failed: %w: %s", err, cmd.Logs())
	}
	info, err := parseProbe(out)
	if err != nil {
		return VideoInfo{}, err
	}

	if info.TotalFrames <= 0 && info.FPS > 0 {
		info.TotalFrames = countPackets(ctx, path)
	}
	if info.FPS > 0 {
		info.Duration = float64(info.TotalFrames) / info.FPS
	}
	return info, nil
}

func parseProbe(out []byte) (VideoInfo, error) {
	var res ffprobeOutput
	if err := json.Unmarshal(out, &res); err != nil {
		return VideoInfo{}, fmt.Errorf("ffprobe JSON parse error: %w", err)
	}

	var info VideoInfo
	foundVideo := false
	var streamDuration float64
	for _, s := range res.Streams {
		switch s.CodecType {
		case "audio":
			info.HasAudio = true
		case "video":
			if foundVideo {
				continue
			}
			foundVideo = true
			info.Width, info.Height = s.Width, s.Height
			info.FPS = parseRate(s.AvgFrameRate)
			if info.FPS == 0 {
				info.FPS = parseRate(s.RFrameRate)
			}
			if n, err := strconv.Atoi(s.NbFrames); err == nil {
				info.TotalFrames = n
			}
			streamDuration, _ = strconv.ParseFloat(s.Duration, 64)
		}
	}
	if !foundVideo {
		return VideoInfo{}, errors.New("no video stream")
	}

	// Without nb_frames, estimate from duration; the packet count is preferred when it can run.
	if info.TotalFrames <= 0 && info.FPS > 0 {
		d := streamDuration
		if d == 0 {
			d, _ = strconv.ParseFloat(res.Format.Duration, 64)
		}
		info.TotalFrames = int(d * info.FPS)
	}
	return info, nil
}

func countPackets(ctx context.Context, path string) int {
	cmd := NewSafeCommand(ctx, "ffprobe", "-v", "error", "-select_streams", "v:0", "-count_packets",
		"-show_entries", "stream=nb_read_packets", "-of", "json", path)
	out, err := cmd.Output()
	if err != nil {
		return 0
	}
	var res ffprobeOutput
	if json.Unmarshal(out, &res) != nil || len(res.Streams) == 0 {
		return 0
	}
	n, _ := strconv.Atoi(res.Streams[0].NbReadPackets)
	return n
}

// parseRate parses ffprobe rationals like "30000/1001". Invalid or zero denominators yield 0.
func parseRate(s string) float64 {
	num, den, ok := strings.Cut(s, "/")
	n, err := strconv.ParseFloat(num, 64)
	if err != nil {
		return 0
	}
	if !ok {
		return n
	}
	d, err := strconv.ParseFloat(den, 64)
	if err != nil || d == 0 {
		return 0
	}
	return n / d
}
