package analysis

import (
	"math"
	"math/cmplx"
)

// Frame windowing parameters. 25 ms windows with a 10 ms hop at the canonical
// rate; both scale with the actual sample rate.
const (
	windowMs = 25
	hopMs    = 10

	// fftSize is the smallest power of two covering a 25 ms window at 16 kHz.
	fftSize = 512

	// Pitch search range for adult speech.
	pitchMinHz = 50
	pitchMaxHz = 400
)

// frameFeatures holds the per-frame measurements a chunk decomposes into.
type frameFeatures struct {
	rms      []float64
	centroid []float64
	rolloff  []float64
	zcr      []float64
	pitch    []float64 // Hz, <= 0 for unvoiced frames
}

// extractFrames slides a 25 ms window with 10 ms hop over samples and computes
// RMS, spectral centroid, spectral rolloff, zero-crossing rate, and an
// autocorrelation pitch estimate per frame.
func extractFrames(samples []int16, rate int) frameFeatures {
	window := rate * windowMs / 1000
	hop := rate * hopMs / 1000
	if window == 0 || hop == 0 || len(samples) < window {
		return frameFeatures{}
	}
	n := 1 + (len(samples)-window)/hop

	f := frameFeatures{
		rms:      make([]float64, n),
		centroid: make([]float64, n),
		rolloff:  make([]float64, n),
		zcr:      make([]float64, n),
		pitch:    make([]float64, n),
	}

	hann := hannWindow(window)
	buf := make([]complex128, fftSize)

	for i := range n {
		frame := samples[i*hop : i*hop+window]

		f.rms[i] = frameRMS(frame)
		f.zcr[i] = frameZCR(frame)
		f.pitch[i] = framePitch(frame, rate)

		for j := range buf {
			buf[j] = 0
		}
		for j, s := range frame {
			if j >= fftSize {
				break
			}
			buf[j] = complex(float64(s)/32768.0*hann[j], 0)
		}
		fft(buf)
		f.centroid[i], f.rolloff[i] = spectralShape(buf, rate)
	}
	return f
}

func hannWindow(n int) []float64 {
	w := make([]float64, n)
	for i := range w {
		w[i] = 0.5 * (1 - math.Cos(2*math.Pi*float64(i)/float64(n-1)))
	}
	return w
}

func frameRMS(frame []int16) float64 {
	if len(frame) == 0 {
		return 0
	}
	var sum float64
	for _, s := range frame {
		v := float64(s) / 32768.0
		sum += v * v
	}
	return math.Sqrt(sum / float64(len(frame)))
}

func frameZCR(frame []int16) float64 {
	if len(frame) < 2 {
		return 0
	}
	crossings := 0
	for i := 1; i < len(frame); i++ {
		if (frame[i-1] >= 0) != (frame[i] >= 0) {
			crossings++
		}
	}
	return float64(crossings) / float64(len(frame)-1)
}

// framePitch estimates the fundamental frequency by picking the strongest
// normalized autocorrelation peak in the speech lag range. Returns 0 when no
// peak clears the voicing threshold.
func framePitch(frame []int16, rate int) float64 {
	minLag := rate / pitchMaxHz
	maxLag := rate / pitchMinHz
	if maxLag >= len(frame) {
		maxLag = len(frame) - 1
	}
	if minLag < 2 || minLag >= maxLag {
		return 0
	}

	var energy float64
	for _, s := range frame {
		v := float64(s)
		energy += v * v
	}
	if energy == 0 {
		return 0
	}

	bestLag, bestCorr := 0, 0.0
	for lag := minLag; lag <= maxLag; lag++ {
		var corr float64
		for i := 0; i+lag < len(frame); i++ {
			corr += float64(frame[i]) * float64(frame[i+lag])
		}
		corr /= energy
		if corr > bestCorr {
			bestCorr = corr
			bestLag = lag
		}
	}

	// Voicing threshold: weak periodicity means noise or silence.
	if bestCorr < 0.3 || bestLag == 0 {
		return 0
	}
	return float64(rate) / float64(bestLag)
}

// spectralShape computes the spectral centroid and the 85% energy rolloff
// frequency from an FFT of the windowed frame.
func spectralShape(spectrum []complex128, rate int) (centroid, rolloff float64) {
	half := len(spectrum) / 2
	binHz := float64(rate) / float64(len(spectrum))

	mags := make([]float64, half)
	var total, weighted float64
	for i := 1; i < half; i++ {
		m := cmplx.Abs(spectrum[i])
		mags[i] = m
		total += m
		weighted += m * float64(i) * binHz
	}
	if total == 0 {
		return 0, 0
	}
	centroid = weighted / total

	target := 0.85 * total
	var acc float64
	for i := 1; i < half; i++ {
		acc += mags[i]
		if acc >= target {
			rolloff = float64(i) * binHz
			break
		}
	}
	return centroid, rolloff
}

// fft computes an in-place radix-2 Cooley-Tukey FFT. len(buf) must be a power
// of two.
func fft(buf []complex128) {
	n := len(buf)
	if n <= 1 {
		return
	}

	// Bit-reversal permutation.
	for i, j := 1, 0; i < n; i++ {
		bit := n >> 1
		for ; j&bit != 0; bit >>= 1 {
			j ^= bit
		}
		j ^= bit
		if i < j {
			buf[i], buf[j] = buf[j], buf[i]
		}
	}

	for length := 2; length <= n; length <<= 1 {
		angle := -2 * math.Pi / float64(length)
		wl := cmplx.Rect(1, angle)
		for start := 0; start < n; start += length {
			w := complex(1, 0)
			for k := range length / 2 {
				u := buf[start+k]
				v := buf[start+k+length/2] * w
				buf[start+k] = u + v
				buf[start+k+length/2] = u - v
				w *= wl
			}
		}
	}
}

// mean of a slice; 0 for empty input.
func mean(xs []float64) float64 {
	if len(xs) == 0 {
		return 0
	}
	var sum float64
	for _, x := range xs {
		sum += x
	}
	return sum / float64(len(xs))
}

// stdev is the population standard deviation.
func stdev(xs []float64) float64 {
	if len(xs) < 2 {
		return 0
	}
	m := mean(xs)
	var sum float64
	for _, x := range xs {
		d := x - m
		sum += d * d
	}
	return math.Sqrt(sum / float64(len(xs)))
}

func clamp01(v float64) float64 {
	return math.Max(0, math.Min(1, v))
}
