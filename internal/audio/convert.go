// Package audio converts frames between the telephony and speech formats.
package audio

import (
	"encoding/binary"
	"fmt"

	"github.com/zaf/g711"

	"github.com/tjfontaine/polyglot-call-gateway/internal/core/domain"
)

// Converter turns frames of one format into another. A Converter between
// equal formats passes frames through untouched.
type Converter struct {
	from domain.AudioFormat
	to   domain.AudioFormat
}

// NewConverter validates both formats.
func NewConverter(from, to domain.AudioFormat) (*Converter, error) {
	for _, f := range []domain.AudioFormat{from, to} {
		if f.Encoding != domain.EncodingMulaw && f.Encoding != domain.EncodingPCM16 {
			return nil, fmt.Errorf("unsupported audio encoding %q", f.Encoding)
		}
		if f.SampleRate <= 0 {
			return nil, fmt.Errorf("invalid sample rate %d for %s", f.SampleRate, f.Encoding)
		}
	}
	return &Converter{from: from, to: to}, nil
}

// Passthrough reports whether frames are forwarded as-is.
func (c *Converter) Passthrough() bool {
	return c.from == c.to
}

// From returns the source format.
func (c *Converter) From() domain.AudioFormat { return c.from }

// To returns the target format.
func (c *Converter) To() domain.AudioFormat { return c.to }

// Convert re-encodes and resamples one frame.
func (c *Converter) Convert(frame domain.AudioFrame) (domain.AudioFrame, error) {
	if frame.Format != (domain.AudioFormat{}) && frame.Format != c.from {
		return domain.AudioFrame{}, fmt.Errorf("frame format %s does not match converter input %s", frame.Format, c.from)
	}
	if c.Passthrough() {
		return domain.AudioFrame{Format: c.to, Payload: frame.Payload}, nil
	}

	pcm := frame.Payload
	if c.from.Encoding == domain.EncodingMulaw {
		pcm = g711.DecodeUlaw(pcm)
	}
	if len(pcm)%2 != 0 {
		return domain.AudioFrame{}, fmt.Errorf("odd pcm16 payload length %d", len(pcm))
	}

	if c.from.SampleRate != c.to.SampleRate {
		pcm = samplesToBytes(Resample(bytesToSamples(pcm), c.from.SampleRate, c.to.SampleRate))
	}

	if c.to.Encoding == domain.EncodingMulaw {
		pcm = g711.EncodeUlaw(pcm)
	}
	return domain.AudioFrame{Format: c.to, Payload: pcm}, nil
}

// Resample converts 16-bit samples between rates by linear interpolation.
func Resample(samples []int16, from, to int) []int16 {
	if from == to || len(samples) == 0 {
		return append([]int16(nil), samples...)
	}
	n := int(int64(len(samples)) * int64(to) / int64(from))
	out := make([]int16, n)
	step := float64(from) / float64(to)
	for i := range out {
		pos := float64(i) * step
		j := int(pos)
		if j >= len(samples) {
			j = len(samples) - 1
		}
		a := float64(samples[j])
		b := a
		if j+1 < len(samples) {
			b = float64(samples[j+1])
		}
		out[i] = int16(a + (b-a)*(pos-float64(j)))
	}
	return out
}

func bytesToSamples(b []byte) []int16 {
	s := make([]int16, len(b)/2)
	for i := range s {
		s[i] = int16(binary.LittleEndian.Uint16(b[2*i:]))
	}
	return s
}

func samplesToBytes(s []int16) []byte {
	b := make([]byte, len(s)*2)
	for i, v := range s {
		binary.LittleEndian.PutUint16(b[2*i:], uint16(v))
	}
	return b
}
