package audio

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"

	goaudio "github.com/go-audio/audio"
	"github.com/go-audio/wav"
)

// EncodeWAV wraps mono or interleaved 16-bit PCM in a WAV container.
func EncodeWAV(pcm []byte, sampleRate, channels int) ([]byte, error) {
	samples, err := Samples(pcm)
	if err != nil {
		return nil, err
	}
	buffer := &goaudio.IntBuffer{
		Format:         &goaudio.Format{NumChannels: channels, SampleRate: sampleRate},
		Data:           samples,
		SourceBitDepth: 16,
	}
	out := &seekBuffer{}
	enc := wav.NewEncoder(out, sampleRate, 16, channels, 1)
	if err := enc.Write(buffer); err != nil {
		return nil, fmt.Errorf("write wav: %w", err)
	}
	if err := enc.Close(); err != nil {
		return nil, fmt.Errorf("close wav encoder: %w", err)
	}
	return out.Bytes(), nil
}

// Clip is decoded 16-bit PCM plus its format.
type Clip struct {
	PCM        []byte
	SampleRate int
	Channels   int
}

// DecodeWAV reads a complete WAV document into 16-bit PCM.
func DecodeWAV(data []byte) (Clip, error) {
	dec := wav.NewDecoder(bytes.NewReader(data))
	if !dec.IsValidFile() {
		return Clip{}, errors.New("invalid wav file")
	}
	buf, err := dec.FullPCMBuffer()
	if err != nil {
		return Clip{}, fmt.Errorf("decode wav: %w", err)
	}
	samples := buf.Data
	if dec.BitDepth != 16 {
		samples = rescale(samples, int(dec.BitDepth))
	}
	return Clip{
		PCM:        PCM(samples),
		SampleRate: int(dec.SampleRate),
		Channels:   int(dec.NumChans),
	}, nil
}

func rescale(samples []int, bitDepth int) []int {
	out := make([]int, len(samples))
	switch {
	case bitDepth == 8:
		for i, s := range samples {
			out[i] = (s - 128) << 8
		}
	case bitDepth > 16:
		shift := uint(bitDepth - 16)
		for i, s := range samples {
			out[i] = s >> shift
		}
	default:
		copy(out, samples)
	}
	return out
}

// WAVSource replays a WAV file as fixed-size mono PCM windows.
type WAVSource struct {
	pcm    []byte
	window int
	offset int
	Rate   int
}

// NewWAVSource decodes r and slices it into windowMS windows. Multi-channel
// input is down-mixed to mono.
func NewWAVSource(r io.Reader, windowMS int) (*WAVSource, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("read wav: %w", err)
	}
	clip, err := DecodeWAV(data)
	if err != nil {
		return nil, err
	}
	pcm := clip.PCM
	if clip.Channels > 1 {
		pcm, err = downmix(pcm, clip.Channels)
		if err != nil {
			return nil, err
		}
	}
	return &WAVSource{
		pcm:    pcm,
		window: WindowBytes(clip.SampleRate, windowMS),
		Rate:   clip.SampleRate,
	}, nil
}

// Frames is the number of windows the recording yields.
func (s *WAVSource) Frames() int {
	if s.window <= 0 {
		return 0
	}
	return (len(s.pcm) + s.window - 1) / s.window
}

// ReadFrame returns the next window; the trailing partial window is padded
// with silence. io.EOF marks the end of the recording.
func (s *WAVSource) ReadFrame(ctx context.Context) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if s.offset >= len(s.pcm) || s.window == 0 {
		return nil, io.EOF
	}
	end := s.offset + s.window
	frame := make([]byte, s.window)
	if end > len(s.pcm) {
		end = len(s.pcm)
	}
	copy(frame, s.pcm[s.offset:end])
	s.offset = end
	return frame, nil
}

func downmix(pcm []byte, channels int) ([]byte, error) {
	samples, err := Samples(pcm)
	if err != nil {
		return nil, err
	}
	mono := make([]int, len(samples)/channels)
	for i := range mono {
		sum := 0
		for c := 0; c < channels; c++ {
			sum += samples[i*channels+c]
		}
		mono[i] = sum / channels
	}
	return PCM(mono), nil
}

// seekBuffer is an in-memory io.WriteSeeker for the wav encoder, which
// rewrites its header on Close.
type seekBuffer struct {
	buf []byte
	pos int
}

func (b *seekBuffer) Write(p []byte) (int, error) {
	end := b.pos + len(p)
	if end > len(b.buf) {
		grown := make([]byte, end)
		copy(grown, b.buf)
		b.buf = grown
	}
	copy(b.buf[b.pos:], p)
	b.pos = end
	return len(p), nil
}

func (b *seekBuffer) Seek(offset int64, whence int) (int64, error) {
	var next int64
	switch whence {
	case io.SeekStart:
		next = offset
	case io.SeekCurrent:
		next = int64(b.pos) + offset
	case io.SeekEnd:
		next = int64(len(b.buf)) + offset
	default:
		return 0, errors.New("invalid whence")
	}
	if next < 0 {
		return 0, errors.New("negative position")
	}
	b.pos = int(next)
	return next, nil
}

func (b *seekBuffer) Bytes() []byte {
	return b.buf
}
