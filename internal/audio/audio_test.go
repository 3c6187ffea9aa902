package audio

import (
	"context"
	"errors"
	"math"
	"os"
	"path/filepath"
	"testing"

	"github.com/andresmejia3/deepscan/internal/models"
	"github.com/andresmejia3/deepscan/internal/types"
	goaudio "github.com/go-audio/audio"
	"github.com/go-audio/wav"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeWav(t *testing.T, path string, samples []int) {
	t.Helper()
	f, err := os.Create(path)
	require.NoError(t, err)
	enc := wav.NewEncoder(f, SampleRate, 16, 1, 1)
	require.NoError(t, enc.Write(&goaudio.IntBuffer{
		Data:           samples,
		Format:         &goaudio.Format{NumChannels: 1, SampleRate: SampleRate},
		SourceBitDepth: 16,
	}))
	require.NoError(t, enc.Close())
	require.NoError(t, f.Close())
}

func tone(freq float64, n int, amp float64) []float64 {
	y := make([]float64, n)
	for i := range y {
		y[i] = amp * math.Sin(2*math.Pi*freq*float64(i)/SampleRate)
	}
	return y
}

func TestMelScaleRoundTrip(t *testing.T) {
	assert.InDelta(t, 15.0, hzToMel(1000), 1e-12)
	for _, hz := range []float64{0, 200, 999, 1000, 4000, 8000} {
		assert.InDelta(t, hz, melToHz(hzToMel(hz)), 1e-6)
	}
}

func TestMelFilterBankShape(t *testing.T) {
	fb := melFilterBank(SampleRate)
	require.Len(t, fb, nMels)
	for m, row := range fb {
		require.Len(t, row, nFFT/2+1)
		nonZero := 0
		for _, w := range row {
			assert.GreaterOrEqual(t, w, 0.0)
			if w > 0 {
				nonZero++
			}
		}
		// The narrowest low-frequency filters may fall between FFT bins, but most carry weight.
		if m > 10 {
			assert.Positive(t, nonZero, "filter %d is empty", m)
		}
	}
}

func TestDCTBasisIsOrthonormal(t *testing.T) {
	b := dctBasis(NumMFCC, nMels)
	for i := range b {
		for j := range b {
			var dot float64
			for k := range b[i] {
				dot += b[i][k] * b[j][k]
			}
			want := 0.0
			if i == j {
				want = 1
			}
			assert.InDelta(t, want, dot, 1e-9)
		}
	}
}

func TestPowerSpectrogramFramesAndPeak(t *testing.T) {
	y := tone(1000, SampleRate, 0.5)
	spec := powerSpectrogram(y)
	assert.Len(t, spec, 1+len(y)/hopLength)

	mid := spec[len(spec)/2]
	peak := 0
	for i := range mid {
		if mid[i] > mid[peak] {
			peak = i
		}
	}
	// 1 kHz at 16 kHz with a 2048-point FFT lands on bin 128.
	assert.Equal(t, 128, peak)
}

func TestMeanMFCCSilence(t *testing.T) {
	got, err := MeanMFCC(make([]float64, SampleRate), SampleRate)
	require.NoError(t, err)
	require.Len(t, got, NumMFCC)

	// Every mel band sits at the amplitude floor: -100 dB. Only c0 survives the DCT.
	assert.InDelta(t, -100*math.Sqrt(nMels), got[0], 1e-6)
	for k := 1; k < NumMFCC; k++ {
		assert.InDelta(t, 0, got[k], 1e-6)
	}
}

func TestMeanMFCCToneDiffersFromNoiseFloor(t *testing.T) {
	silent, err := MeanMFCC(make([]float64, 8000), SampleRate)
	require.NoError(t, err)
	loud, err := MeanMFCC(tone(440, 8000, 0.8), SampleRate)
	require.NoError(t, err)
	assert.Greater(t, loud[0], silent[0])
	for _, v := range loud {
		assert.False(t, math.IsNaN(v) || math.IsInf(v, 0))
	}
}

func TestMFCCRejectsEmpty(t *testing.T) {
	_, err := MFCC(nil, SampleRate)
	assert.Error(t, err)
}

func TestReadWav(t *testing.T) {
	path := filepath.Join(t.TempDir(), "a.wav")
	writeWav(t, path, []int{0, 16384, -16384, 32767})

	y, sr, err := ReadWav(path)
	require.NoError(t, err)
	assert.Equal(t, SampleRate, sr)
	require.Len(t, y, 4)
	assert.InDelta(t, 0.5, y[1], 1e-9)
	assert.InDelta(t, -0.5, y[2], 1e-9)
}

type stubAudioClassifier struct {
	class int
	probs []float64
	err   error
	got   []float64
}

func (s *stubAudioClassifier) ClassifyAudio(_ context.Context, f []float64) (int, []float64, error) {
	s.got = f
	return s.class, s.probs, s.err
}

func identityScaler() *models.Scaler {
	s := &models.Scaler{Mean: make([]float64, NumMFCC), Scale: make([]float64, NumMFCC)}
	for i := range s.Scale {
		s.Scale[i] = 1
	}
	return s
}

func newTestAnalyzer(t *testing.T, cls models.AudioClassifier, extractErr error) *Analyzer {
	a := NewAnalyzer(cls, identityScaler(), 0, zerolog.Nop())
	a.extract = func(_ context.Context, _, out string) error {
		if extractErr != nil {
			return extractErr
		}
		samples := make([]int, 4000)
		for i := range samples {
			samples[i] = int(8000 * math.Sin(float64(i)/5))
		}
		writeWav(t, out, samples)
		return nil
	}
	return a
}

func TestAnalyzeLabels(t *testing.T) {
	tests := []struct {
		name      string
		fakeClass int
		class     int
		probs     []float64
		wantLabel types.AudioLabel
		wantConf  float64
	}{
		{"class 0 is fake", 0, 0, []float64{0.83, 0.17}, types.AudioFake, 0.83},
		{"class 1 is real", 0, 1, []float64{0.4, 0.6}, types.AudioReal, 0.6},
		{"fake index 1 makes class 0 real", 1, 0, []float64{0.83, 0.17}, types.AudioReal, 0.83},
		{"fake index 1 makes class 1 fake", 1, 1, []float64{0.4, 0.6}, types.AudioFake, 0.6},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			media := filepath.Join(t.TempDir(), "clip.mp4")
			cls := &stubAudioClassifier{class: tt.class, probs: tt.probs}
			a := newTestAnalyzer(t, cls, nil)
			a.fakeClass = tt.fakeClass

			v := a.Analyze(context.Background(), media)
			assert.Equal(t, tt.wantLabel, v.Label)
			assert.Equal(t, tt.wantConf, v.Confidence)
			assert.Len(t, cls.got, NumMFCC)
			assert.NoFileExists(t, WavPath(media), "temp wav must be removed")
		})
	}
}

func TestAnalyzeNoAudioTrack(t *testing.T) {
	media := filepath.Join(t.TempDir(), "silent.mp4")
	cls := &stubAudioClassifier{}
	v := newTestAnalyzer(t, cls, errors.New("Output file #0 does not contain any stream")).Analyze(context.Background(), media)

	assert.Equal(t, types.AudioVerdict{Label: types.AudioNoTrack}, v)
	assert.Nil(t, cls.got, "classifier must not run")
	assert.NoFileExists(t, WavPath(media))
}

func TestAnalyzeClassifierFailure(t *testing.T) {
	media := filepath.Join(t.TempDir(), "clip.mp4")
	cls := &stubAudioClassifier{err: errors.New("sklearn exploded")}
	v := newTestAnalyzer(t, cls, nil).Analyze(context.Background(), media)

	assert.Equal(t, types.AudioVerdict{Label: types.AudioAnalysisError}, v)
	assert.NoFileExists(t, WavPath(media))
}

func TestExtractWrapsNoAudioTrack(t *testing.T) {
	a := newTestAnalyzer(t, &stubAudioClassifier{}, errors.New("exit status 1"))
	_, err := a.Extract(context.Background(), filepath.Join(t.TempDir(), "x.mp4"))
	assert.ErrorIs(t, err, types.ErrNoAudioTrack)
}
