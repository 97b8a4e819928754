package audio

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"

	"github.com/hajimehoshi/go-mp3"

	"github.com/vrwarp/narrator/internal/ttypes"
)

// DecodeMP3 decodes an mp3 stream to 16-bit stereo PCM at the stream's
// sample rate.
func DecodeMP3(data []byte) ([]byte, ttypes.Format, error) {
	dec, err := mp3.NewDecoder(bytes.NewReader(data))
	if err != nil {
		return nil, ttypes.Format{}, fmt.Errorf("failed to create mp3 decoder: %w", err)
	}
	pcm, err := io.ReadAll(dec)
	if err != nil {
		return nil, ttypes.Format{}, fmt.Errorf("failed to decode mp3: %w", err)
	}
	return pcm, ttypes.Format{
		Encoding:   ttypes.EncodingPCM16,
		SampleRate: dec.SampleRate(),
		Channels:   2,
	}, nil
}

// ToPCM returns the audio as 16-bit PCM, decoding when needed.
func ToPCM(a ttypes.Audio) ([]byte, ttypes.Format, error) {
	switch a.Format.Encoding {
	case ttypes.EncodingPCM16, "":
		f := a.Format
		f.Encoding = ttypes.EncodingPCM16
		return a.Data, f, nil
	case ttypes.EncodingMP3:
		return DecodeMP3(a.Data)
	default:
		return nil, ttypes.Format{}, fmt.Errorf("unsupported audio encoding %q", a.Format.Encoding)
	}
}

// Convert resamples and remixes 16-bit PCM from one format to another.
// Resampling is linear interpolation, which is adequate for speech.
func Convert(pcm []byte, from, to ttypes.Format) ([]byte, error) {
	if from.Encoding != ttypes.EncodingPCM16 && from.Encoding != "" {
		return nil, fmt.Errorf("convert: input must be PCM, got %q", from.Encoding)
	}
	if from.SampleRate <= 0 || from.Channels <= 0 || to.SampleRate <= 0 || to.Channels <= 0 {
		return nil, fmt.Errorf("convert: invalid formats %+v -> %+v", from, to)
	}
	if from.SampleRate == to.SampleRate && from.Channels == to.Channels {
		return pcm, nil
	}

	samples := decodeSamples(pcm)
	frames := remix(samples, from.Channels, to.Channels)
	frames = resample(frames, to.Channels, from.SampleRate, to.SampleRate)
	return encodeSamples(frames), nil
}

func decodeSamples(pcm []byte) []int16 {
	out := make([]int16, len(pcm)/2)
	for i := range out {
		out[i] = int16(binary.LittleEndian.Uint16(pcm[2*i:]))
	}
	return out
}

func encodeSamples(samples []int16) []byte {
	out := make([]byte, len(samples)*2)
	for i, s := range samples {
		binary.LittleEndian.PutUint16(out[2*i:], uint16(s))
	}
	return out
}

// remix converts interleaved samples between channel counts. Extra
// channels are averaged down; missing ones duplicate the mono mix.
func remix(samples []int16, from, to int) []int16 {
	if from == to {
		return samples
	}
	frames := len(samples) / from
	out := make([]int16, frames*to)
	for f := 0; f < frames; f++ {
		sum := 0
		for c := 0; c < from; c++ {
			sum += int(samples[f*from+c])
		}
		mono := int16(sum / from)
		for c := 0; c < to; c++ {
			out[f*to+c] = mono
		}
	}
	return out
}

func resample(samples []int16, channels, from, to int) []int16 {
	if from == to || len(samples) == 0 {
		return samples
	}
	inFrames := len(samples) / channels
	outFrames := int(int64(inFrames) * int64(to) / int64(from))
	out := make([]int16, outFrames*channels)

	ratio := float64(from) / float64(to)
	for f := 0; f < outFrames; f++ {
		pos := float64(f) * ratio
		i := int(pos)
		frac := pos - float64(i)
		j := min(i+1, inFrames-1)
		for c := 0; c < channels; c++ {
			a := float64(samples[i*channels+c])
			b := float64(samples[j*channels+c])
			out[f*channels+c] = int16(a + (b-a)*frac)
		}
	}
	return out
}
