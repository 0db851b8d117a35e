package domain

import "fmt"

// Encoding is an audio sample encoding.
type Encoding string

const (
	EncodingMulaw Encoding = "audio/x-mulaw"
	EncodingPCM16 Encoding = "audio/pcm16"
)

// AudioFormat describes the frames a leg produces and accepts.
type AudioFormat struct {
	Encoding   Encoding `json:"encoding"`
	SampleRate int      `json:"sample_rate"`
}

func (f AudioFormat) String() string {
	return fmt.Sprintf("%s@%d", f.Encoding, f.SampleRate)
}

// TelephonyFormat is what Twilio Media Streams carries.
var TelephonyFormat = AudioFormat{Encoding: EncodingMulaw, SampleRate: 8000}

// AudioFrame is one chunk of audio travelling through the bridge.
type AudioFrame struct {
	Format  AudioFormat
	Payload []byte
}
