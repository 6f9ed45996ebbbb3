// Package timing reconstructs word-level timing for spoken assistant text
// from text deltas and raw audio byte counts.
package timing

import (
	"errors"
	"fmt"
	"time"
)

// Audio formats accepted by SetAudioFormat.
const (
	FormatPCM16    = "pcm16"
	FormatG711ULaw = "g711_ulaw"
	FormatG711ALaw = "g711_alaw"

	DefaultSampleRate = 24000
	DefaultChannels   = 1
)

// ErrInvalidFormat is returned for unsupported audio parameters.
var ErrInvalidFormat = errors.New("invalid audio format")

// AudioFormat describes the PCM stream used to turn bytes into duration.
type AudioFormat struct {
	Format     string
	SampleRate int
	Channels   int
}

// DefaultAudioFormat is 24 kHz mono 16-bit PCM.
func DefaultAudioFormat() AudioFormat {
	return AudioFormat{Format: FormatPCM16, SampleRate: DefaultSampleRate, Channels: DefaultChannels}
}

// BytesPerSample returns the size of one sample of one channel, or -1.
func (f AudioFormat) BytesPerSample() int {
	switch f.Format {
	case FormatPCM16:
		return 2
	case FormatG711ULaw, FormatG711ALaw:
		return 1
	}
	return -1
}

// Validate checks that the format can be used for duration math.
func (f AudioFormat) Validate() error {
	if f.BytesPerSample() < 0 {
		return fmt.Errorf("%w: unknown encoding %q", ErrInvalidFormat, f.Format)
	}
	if f.SampleRate <= 0 {
		return fmt.Errorf("%w: sample rate %d", ErrInvalidFormat, f.SampleRate)
	}
	if f.Channels <= 0 {
		return fmt.Errorf("%w: channels %d", ErrInvalidFormat, f.Channels)
	}
	return nil
}

// Duration returns the playback time of n bytes. Trailing bytes that do not
// make a whole frame are ignored.
func (f AudioFormat) Duration(n int) time.Duration {
	frame := f.BytesPerSample() * f.Channels
	if frame <= 0 || f.SampleRate <= 0 {
		return 0
	}
	samples := n / frame
	return time.Duration(samples) * time.Second / time.Duration(f.SampleRate)
}
