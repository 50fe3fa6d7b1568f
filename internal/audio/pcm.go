// Package audio handles 16-bit little-endian PCM and its WAV container.
package audio

import (
	"encoding/binary"
	"errors"
	"math"
)

var ErrUnaligned = errors.New("pcm payload not aligned")

// RMS is the root mean square of the int16 samples in pcm.
func RMS(pcm []byte) (float64, error) {
	if len(pcm)%2 != 0 {
		return 0, ErrUnaligned
	}
	n := len(pcm) / 2
	if n == 0 {
		return 0, nil
	}
	var sum float64
	for i := 0; i < n; i++ {
		s := float64(int16(binary.LittleEndian.Uint16(pcm[i*2:])))
		sum += s * s
	}
	return math.Sqrt(sum / float64(n)), nil
}

// Samples decodes pcm into ints.
func Samples(pcm []byte) ([]int, error) {
	if len(pcm)%2 != 0 {
		return nil, ErrUnaligned
	}
	samples := make([]int, len(pcm)/2)
	for i := range samples {
		samples[i] = int(int16(binary.LittleEndian.Uint16(pcm[i*2:])))
	}
	return samples, nil
}

// PCM encodes samples back to 16-bit little-endian bytes, clipping to int16.
func PCM(samples []int) []byte {
	out := make([]byte, len(samples)*2)
	for i, s := range samples {
		if s > math.MaxInt16 {
			s = math.MaxInt16
		} else if s < math.MinInt16 {
			s = math.MinInt16
		}
		binary.LittleEndian.PutUint16(out[i*2:], uint16(int16(s)))
	}
	return out
}

// WindowBytes is the byte length of one mono 16-bit window.
func WindowBytes(sampleRate, windowMS int) int {
	return sampleRate * windowMS / 1000 * 2
}

// Tone returns a constant-amplitude mono window, handy for synthetic traces.
func Tone(amplitude int, samples int) []byte {
	data := make([]int, samples)
	for i := range data {
		if i%2 == 0 {
			data[i] = amplitude
		} else {
			data[i] = -amplitude
		}
	}
	return PCM(data)
}
