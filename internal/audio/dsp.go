package audio

import (
	"fmt"
	"math"
)

// HannWindow returns an n-point periodic Hann window.
func HannWindow(n int) []float64 {
	w := make([]float64, n)
	for i := range w {
		w[i] = 0.5 * (1 - math.Cos(2*math.Pi*float64(i)/float64(n)))
	}

	return w
}

// fft computes an in-place radix-2 FFT over re/im. len(re) must be a
// power of two.
func fft(re, im []float64) {
	n := len(re)

	// Bit-reversal permutation.
	for i, j := 1, 0; i < n; i++ {
		bit := n >> 1
		for ; j&bit != 0; bit >>= 1 {
			j ^= bit
		}
		j ^= bit

		if i < j {
			re[i], re[j] = re[j], re[i]
			im[i], im[j] = im[j], im[i]
		}
	}

	for length := 2; length <= n; length <<= 1 {
		ang := -2 * math.Pi / float64(length)
		wRe := math.Cos(ang)
		wIm := math.Sin(ang)

		for start := 0; start < n; start += length {
			curRe, curIm := 1.0, 0.0

			for k := range length / 2 {
				i := start + k
				j := i + length/2

				tRe := re[j]*curRe - im[j]*curIm
				tIm := re[j]*curIm + im[j]*curRe

				re[j] = re[i] - tRe
				im[j] = im[i] - tIm
				re[i] += tRe
				im[i] += tIm

				curRe, curIm = curRe*wRe-curIm*wIm, curRe*wIm+curIm*wRe
			}
		}
	}
}

// ifft computes the inverse FFT in place via conjugation.
func ifft(re, im []float64) {
	n := len(re)
	for i := range im {
		im[i] = -im[i]
	}

	fft(re, im)

	inv := 1.0 / float64(n)
	for i := range re {
		re[i] *= inv
		im[i] *= -inv
	}
}

// isPowerOfTwo reports whether n is a positive power of two.
func isPowerOfTwo(n int) bool {
	return n > 0 && n&(n-1) == 0
}

// STFT computes a short-time Fourier transform with reflect center
// padding, matching the framing convention the training targets use.
// Output is [frames][nfft/2+1] complex halves; frames = len/hop + 1 when
// len is a hop multiple.
func STFT(samples []float32, nfft, hop, win int) (re, im [][]float64, err error) {
	if !isPowerOfTwo(nfft) {
		return nil, nil, fmt.Errorf("audio: stft requires power-of-two n_fft, got %d", nfft)
	}

	if hop <= 0 || win <= 0 || win > nfft {
		return nil, nil, fmt.Errorf("audio: stft invalid hop/win %d/%d for n_fft %d", hop, win, nfft)
	}

	padded := reflectPad(samples, nfft/2)
	window := paddedWindow(nfft, win)

	nFrames := 0
	if len(padded) >= nfft {
		nFrames = (len(padded)-nfft)/hop + 1
	}

	if nFrames == 0 {
		return nil, nil, fmt.Errorf("audio: stft input too short (%d samples)", len(samples))
	}

	bins := nfft/2 + 1
	re = make([][]float64, nFrames)
	im = make([][]float64, nFrames)

	bufRe := make([]float64, nfft)
	bufIm := make([]float64, nfft)

	for t := range nFrames {
		start := t * hop
		for i := range nfft {
			bufRe[i] = float64(padded[start+i]) * window[i]
			bufIm[i] = 0
		}

		fft(bufRe, bufIm)

		re[t] = make([]float64, bins)
		im[t] = make([]float64, bins)
		copy(re[t], bufRe[:bins])
		copy(im[t], bufIm[:bins])
	}

	return re, im, nil
}

// ISTFT inverts STFT output via windowed overlap-add with window-sum
// normalization, trimming the center padding. length < 0 infers the
// output length from the frame count.
func ISTFT(re, im [][]float64, nfft, hop, win, length int) ([]float32, error) {
	if len(re) == 0 || len(re) != len(im) {
		return nil, fmt.Errorf("audio: istft requires matching non-empty frames, got %d/%d", len(re), len(im))
	}

	if !isPowerOfTwo(nfft) {
		return nil, fmt.Errorf("audio: istft requires power-of-two n_fft, got %d", nfft)
	}

	bins := nfft/2 + 1
	nFrames := len(re)
	window := paddedWindow(nfft, win)
	total := nfft + (nFrames-1)*hop

	acc := make([]float64, total)
	norm := make([]float64, total)

	bufRe := make([]float64, nfft)
	bufIm := make([]float64, nfft)

	for t := range nFrames {
		if len(re[t]) != bins || len(im[t]) != bins {
			return nil, fmt.Errorf("audio: istft frame %d has %d bins, want %d", t, len(re[t]), bins)
		}

		// Rebuild the full spectrum from the half via conjugate symmetry.
		for k := range bins {
			bufRe[k] = re[t][k]
			bufIm[k] = im[t][k]
		}

		for k := bins; k < nfft; k++ {
			bufRe[k] = re[t][nfft-k]
			bufIm[k] = -im[t][nfft-k]
		}

		ifft(bufRe, bufIm)

		start := t * hop
		for i := range nfft {
			acc[start+i] += bufRe[i] * window[i]
			norm[start+i] += window[i] * window[i]
		}
	}

	pad := nfft / 2
	if length < 0 {
		length = (nFrames - 1) * hop
	}

	out := make([]float32, length)
	for i := range out {
		idx := pad + i
		if idx >= total {
			break
		}

		if norm[idx] > 1e-9 {
			out[i] = float32(acc[idx] / norm[idx])
		}
	}

	return out, nil
}

// MelFilterbank builds a triangular HTK-scale filterbank of shape
// [nMels][nfft/2+1].
func MelFilterbank(nMels, nfft, sampleRate int, fmin, fmax float64) [][]float64 {
	bins := nfft/2 + 1

	lowMel := hzToMel(fmin)
	highMel := hzToMel(fmax)

	// nMels+2 equally spaced points on the mel scale define the triangle
	// edges.
	melPoints := make([]float64, nMels+2)
	for i := range melPoints {
		melPoints[i] = lowMel + (highMel-lowMel)*float64(i)/float64(nMels+1)
	}

	binFreq := make([]float64, bins)
	for k := range binFreq {
		binFreq[k] = float64(k) * float64(sampleRate) / float64(nfft)
	}

	bank := make([][]float64, nMels)
	for m := range nMels {
		bank[m] = make([]float64, bins)

		left := melToHz(melPoints[m])
		center := melToHz(melPoints[m+1])
		right := melToHz(melPoints[m+2])

		for k, f := range binFreq {
			switch {
			case f <= left || f >= right:
				// outside the triangle
			case f < center:
				bank[m][k] = (f - left) / (center - left)
			default:
				bank[m][k] = (right - f) / (right - center)
			}
		}
	}

	return bank
}

func hzToMel(f float64) float64 {
	return 2595 * math.Log10(1+f/700)
}

func melToHz(m float64) float64 {
	return 700 * (math.Pow(10, m/2595) - 1)
}

// reflectPad pads both ends of samples by pad values mirrored without
// repeating the edge sample.
func reflectPad(samples []float32, pad int) []float32 {
	n := len(samples)
	out := make([]float32, n+2*pad)

	for i := range pad {
		src := pad - i
		if src >= n {
			src = n - 1
		}

		out[i] = samples[src]
	}

	copy(out[pad:], samples)

	for i := range pad {
		src := n - 2 - i
		if src < 0 {
			src = 0
		}

		out[pad+n+i] = samples[src]
	}

	return out
}

// paddedWindow centers a win-point Hann window inside an nfft buffer.
func paddedWindow(nfft, win int) []float64 {
	if win == nfft {
		return HannWindow(nfft)
	}

	w := HannWindow(win)
	out := make([]float64, nfft)
	offset := (nfft - win) / 2
	copy(out[offset:], w)

	return out
}

// PeakNormalize scales samples so the peak amplitude reaches target.
// Silence is returned unchanged.
func PeakNormalize(samples []float32, target float32) []float32 {
	var peak float32
	for _, s := range samples {
		if a := float32(math.Abs(float64(s))); a > peak {
			peak = a
		}
	}

	if peak == 0 {
		return samples
	}

	out := make([]float32, len(samples))

	gain := target / peak
	for i, s := range samples {
		out[i] = s * gain
	}

	return out
}

// Resample converts samples from one rate to another by linear
// interpolation. Adequate for corpus normalization; not a polyphase
// resampler.
func Resample(samples []float32, from, to int) []float32 {
	if from == to || len(samples) == 0 {
		return samples
	}

	outLen := int(math.Round(float64(len(samples)) * float64(to) / float64(from)))
	if outLen <= 0 {
		return nil
	}

	out := make([]float32, outLen)

	ratio := float64(from) / float64(to)
	for i := range out {
		pos := float64(i) * ratio

		j := int(pos)
		if j >= len(samples)-1 {
			out[i] = samples[len(samples)-1]
			continue
		}

		frac := float32(pos - float64(j))
		out[i] = samples[j]*(1-frac) + samples[j+1]*frac
	}

	return out
}
