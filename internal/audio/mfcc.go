package audio

import (
	"errors"
	"math"

	"gonum.org/v1/gonum/dsp/fourier"
	"gonum.org/v1/gonum/floats"
)

// MFCC parameters. They reproduce the feature extraction the audio classifier was trained on.
const (
	SampleRate = 16000
	NumMFCC    = 13
	nFFT       = 2048
	hopLength  = 512
	nMels      = 128
	ampMin     = 1e-10
	topDB      = 80.0
)

// MeanMFCC returns the NumMFCC cepstral coefficients of y averaged over time.
func MeanMFCC(y []float64, sr int) ([]float64, error) {
	mfcc, err := MFCC(y, sr)
	if err != nil {
		return nil, err
	}
	out := make([]float64, NumMFCC)
	for k := range out {
		out[k] = floats.Sum(mfcc[k]) / float64(len(mfcc[k]))
	}
	return out, nil
}

// MFCC computes a NumMFCC x frames matrix: centered STFT with a periodic Hann window,
// power spectrum through a Slaney mel filterbank, log-power in dB clipped to topDB below the
// peak, then an orthonormal DCT-II over the mel bands.
func MFCC(y []float64, sr int) ([][]float64, error) {
	if len(y) == 0 {
		return nil, errors.New("empty signal")
	}
	if sr <= 0 {
		return nil, errors.New("invalid sample rate")
	}

	power := powerSpectrogram(y)
	fb := melFilterBank(sr)

	frames := len(power)
	melDB := make([][]float64, frames) // [frame][mel]
	peak := math.Inf(-1)
	for t, spec := range power {
		row := make([]float64, nMels)
		for m, weights := range fb {
			row[m] = 10 * math.Log10(math.Max(ampMin, floats.Dot(weights, spec)))
		}
		peak = math.Max(peak, floats.Max(row))
		melDB[t] = row
	}
	floor := peak - topDB
	for _, row := range melDB {
		for m := range row {
			row[m] = math.Max(row[m], floor)
		}
	}

	basis := dctBasis(NumMFCC, nMels)
	out := make([][]float64, NumMFCC)
	for k := range out {
		out[k] = make([]float64, frames)
		for t, row := range melDB {
			out[k][t] = floats.Dot(basis[k], row)
		}
	}
	return out, nil
}

// powerSpectrogram returns |STFT|^2 per frame, each of length nFFT/2+1.
// The signal is zero-padded by nFFT/2 on both sides so frame t is centered on sample t*hop.
func powerSpectrogram(y []float64) [][]float64 {
	pad := nFFT / 2
	padded := make([]float64, len(y)+2*pad)
	copy(padded[pad:], y)

	window := hann(nFFT)
	fft := fourier.NewFFT(nFFT)
	frames := 1 + (len(padded)-nFFT)/hopLength

	buf := make([]float64, nFFT)
	coeffs := make([]complex128, nFFT/2+1)
	out := make([][]float64, frames)
	for t := 0; t < frames; t++ {
		start := t * hopLength
		for i := range buf {
			buf[i] = padded[start+i] * window[i]
		}
		coeffs = fft.Coefficients(coeffs, buf)
		spec := make([]float64, len(coeffs))
		for i, c := range coeffs {
			re, im := real(c), imag(c)
			spec[i] = re*re + im*im
		}
		out[t] = spec
	}
	return out
}

// hann is the periodic Hann window used for spectral analysis.
func hann(n int) []float64 {
	w := make([]float64, n)
	for i := range w {
		w[i] = 0.5 - 0.5*math.Cos(2*math.Pi*float64(i)/float64(n))
	}
	return w
}

// Slaney mel scale: linear below 1 kHz, logarithmic above.
const (
	melFSp      = 200.0 / 3
	minLogHz    = 1000.0
	minLogMel   = minLogHz / melFSp
	melLogStepD = 27.0
)

var melLogStep = math.Log(6.4) / melLogStepD

func hzToMel(f float64) float64 {
	if f >= minLogHz {
		return minLogMel + math.Log(f/minLogHz)/melLogStep
	}
	return f / melFSp
}

func melToHz(m float64) float64 {
	if m >= minLogMel {
		return minLogHz * math.Exp(melLogStep*(m-minLogMel))
	}
	return melFSp * m
}

// melFilterBank builds nMels triangular filters between 0 Hz and sr/2 with Slaney area normalisation.
func melFilterBank(sr int) [][]float64 {
	nBins := nFFT/2 + 1
	fftFreqs := make([]float64, nBins)
	for i := range fftFreqs {
		fftFreqs[i] = float64(i) * float64(sr) / float64(nFFT)
	}

	lo, hi := hzToMel(0), hzToMel(float64(sr)/2)
	melF := make([]float64, nMels+2)
	for i := range melF {
		melF[i] = melToHz(lo + (hi-lo)*float64(i)/float64(nMels+1))
	}

	fb := make([][]float64, nMels)
	for m := 0; m < nMels; m++ {
		lower, center, upper := melF[m], melF[m+1], melF[m+2]
		enorm := 2.0 / (upper - lower)
		row := make([]float64, nBins)
		for k, f := range fftFreqs {
			rise := (f - lower) / (center - lower)
			fall := (upper - f) / (upper - center)
			w := math.Min(rise, fall)
			if w > 0 {
				row[k] = w * enorm
			}
		}
		fb[m] = row
	}
	return fb
}

// dctBasis returns the first k rows of the orthonormal DCT-II matrix of size n.
func dctBasis(k, n int) [][]float64 {
	basis := make([][]float64, k)
	for i := range basis {
		scale := math.Sqrt(2.0 / float64(n))
		if i == 0 {
			scale = math.Sqrt(1.0 / float64(n))
		}
		row := make([]float64, n)
		for j := range row {
			row[j] = scale * math.Cos(math.Pi/float64(n)*(float64(j)+0.5)*float64(i))
		}
		basis[i] = row
	}
	return basis
}
