package audio

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/andresmejia3/deepscan/internal/models"
	"github.com/andresmejia3/deepscan/internal/types"
	"github.com/andresmejia3/deepscan/internal/utils"
	"github.com/go-audio/wav"
	"github.com/rs/zerolog"
)

// Analyzer classifies the audio track of a media file as FAKE or REAL.
type Analyzer struct {
	classifier models.AudioClassifier
	scaler     *models.Scaler
	fakeClass  int
	log        zerolog.Logger

	// extract is swapped out in tests; it defaults to ffmpeg.
	extract func(ctx context.Context, in, out string) error
}

// NewAnalyzer builds an analyzer whose classifier reports fakeClass for synthetic speech.
func NewAnalyzer(classifier models.AudioClassifier, scaler *models.Scaler, fakeClass int, log zerolog.Logger) *Analyzer {
	return &Analyzer{classifier: classifier, scaler: scaler, fakeClass: fakeClass, log: log, extract: ffmpegExtract}
}

func ffmpegExtract(ctx context.Context, in, out string) error {
	return utils.NewAudioExtractCmd(ctx, in, out).Run()
}

// WavPath is where the temporary track of mediaPath is written.
func WavPath(mediaPath string) string {
	return mediaPath + ".wav"
}

// Extract writes the audio track of mediaPath to WavPath(mediaPath) as 16 kHz mono PCM.
// Any failure (no audio stream, unsupported codec, missing tool) is ErrNoAudioTrack and the
// partial file is removed.
func (a *Analyzer) Extract(ctx context.Context, mediaPath string) (string, error) {
	out := WavPath(mediaPath)
	if err := a.extract(ctx, mediaPath, out); err != nil {
		utils.RemoveFile(out)
		return "", fmt.Errorf("%w: %v", types.ErrNoAudioTrack, err)
	}
	if st, err := os.Stat(out); err != nil || st.Size() == 0 {
		utils.RemoveFile(out)
		return "", fmt.Errorf("%w: empty output", types.ErrNoAudioTrack)
	}
	return out, nil
}

// ClassifyWav analyses an extracted track and always deletes it afterwards.
// Failures are folded into an ANALYSIS_ERROR verdict; the returned error is for logging only.
func (a *Analyzer) ClassifyWav(ctx context.Context, wavPath string) (types.AudioVerdict, error) {
	defer func() {
		if _, err := utils.RemoveFile(wavPath); err != nil {
			a.log.Warn().Err(err).Str("path", wavPath).Msg("failed to remove temp audio")
		}
	}()

	v, err := a.classify(ctx, wavPath)
	if err != nil {
		return types.AudioVerdict{Label: types.AudioAnalysisError}, err
	}
	return v, nil
}

// Analyze runs extraction and classification and never fails: a missing track yields
// NO_AUDIO_TRACK and any later failure yields ANALYSIS_ERROR, both with confidence 0.
func (a *Analyzer) Analyze(ctx context.Context, mediaPath string) types.AudioVerdict {
	wavPath, err := a.Extract(ctx, mediaPath)
	if err != nil {
		a.log.Debug().Err(err).Msg("no audio track")
		return types.AudioVerdict{Label: types.AudioNoTrack}
	}
	v, err := a.ClassifyWav(ctx, wavPath)
	if err != nil {
		a.log.Warn().Err(err).Msg("audio analysis failed")
	}
	return v
}

func (a *Analyzer) classify(ctx context.Context, wavPath string) (types.AudioVerdict, error) {
	if a.scaler == nil {
		return types.AudioVerdict{}, fmt.Errorf("audio scaler %w", types.ErrNotConfigured)
	}
	samples, sr, err := ReadWav(wavPath)
	if err != nil {
		return types.AudioVerdict{}, err
	}
	feats, err := MeanMFCC(samples, sr)
	if err != nil {
		return types.AudioVerdict{}, err
	}
	scaled, err := a.scaler.Transform(feats)
	if err != nil {
		return types.AudioVerdict{}, err
	}
	class, probs, err := a.classifier.ClassifyAudio(ctx, scaled)
	if err != nil {
		return types.AudioVerdict{}, err
	}

	if class < 0 || class >= len(probs) {
		return types.AudioVerdict{}, fmt.Errorf("%w: audio class %d outside %d probabilities", types.ErrInference, class, len(probs))
	}
	label := types.AudioReal
	if class == a.fakeClass {
		label = types.AudioFake
	}
	return types.AudioVerdict{Label: label, Confidence: probs[class]}, nil
}

// ReadWav decodes a PCM WAV file into mono samples in [-1, 1).
func ReadWav(path string) ([]float64, int, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, 0, err
	}
	defer f.Close()

	d := wav.NewDecoder(f)
	if !d.IsValidFile() {
		return nil, 0, errors.New("not a valid WAV file")
	}
	buf, err := d.FullPCMBuffer()
	if err != nil {
		return nil, 0, fmt.Errorf("decode wav: %w", err)
	}
	if buf.Format == nil || buf.Format.NumChannels < 1 {
		return nil, 0, errors.New("wav has no channel information")
	}

	channels := buf.Format.NumChannels
	depth := int(d.BitDepth)
	if depth == 0 {
		depth = 16
	}
	full := float64(int64(1) << (depth - 1))

	n := len(buf.Data) / channels
	if n == 0 {
		return nil, 0, errors.New("wav contains no samples")
	}
	out := make([]float64, n)
	for i := 0; i < n; i++ {
		var sum float64
		for c := 0; c < channels; c++ {
			sum += float64(buf.Data[i*channels+c])
		}
		out[i] = sum / float64(channels) / full
	}
	return out, buf.Format.SampleRate, nil
}
