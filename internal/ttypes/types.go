// Package ttypes contains value types shared by the narration packages.
// It exists to break import cycles between provider, engines, cache, store and audio.
package ttypes

import (
	"fmt"
	"time"
)

// Voice describes one voice offered by a backend. Backends own disjoint id
// namespaces, so BackendID together with ID is globally unique.
type Voice struct {
	ID          string `json:"id" yaml:"id"`
	DisplayName string `json:"display_name" yaml:"display_name"`
	LanguageTag string `json:"language_tag" yaml:"language_tag"`
	BackendID   string `json:"backend_id" yaml:"backend_id"`
}

// String returns a human readable voice label.
func (v Voice) String() string {
	if v.LanguageTag == "" {
		return fmt.Sprintf("%s (%s)", v.DisplayName, v.ID)
	}
	return fmt.Sprintf("%s [%s] (%s)", v.DisplayName, v.LanguageTag, v.ID)
}

// AlignmentKind is the granularity of an alignment point.
type AlignmentKind string

const (
	// AlignWord marks the start of a word.
	AlignWord AlignmentKind = "word"

	// AlignSentence marks the start of a sentence.
	AlignSentence AlignmentKind = "sentence"
)

// AlignmentPoint maps an audio time to a text offset.
type AlignmentPoint struct {
	TimeSeconds float64       `json:"time"`
	TextOffset  int           `json:"offset"`
	Kind        AlignmentKind `json:"kind"`
}

// Encoding identifies how audio bytes are encoded.
type Encoding string

const (
	// EncodingPCM16 is signed 16-bit little endian PCM.
	EncodingPCM16 Encoding = "pcm_s16le"

	// EncodingMP3 is an MPEG-1 layer 3 stream.
	EncodingMP3 Encoding = "mp3"
)

// Format describes audio bytes produced by a backend.
type Format struct {
	Encoding   Encoding `json:"encoding"`
	SampleRate int      `json:"sample_rate"`
	Channels   int      `json:"channels"`
}

// PCMDuration returns the playing time of n bytes of PCM in this format.
// It returns zero for compressed encodings.
func (f Format) PCMDuration(n int) time.Duration {
	if f.Encoding != EncodingPCM16 || f.SampleRate <= 0 || f.Channels <= 0 {
		return 0
	}
	frames := n / (2 * f.Channels)
	return time.Duration(frames) * time.Second / time.Duration(f.SampleRate)
}

// Audio is one synthesized utterance.
type Audio struct {
	Data      []byte
	Format    Format
	Alignment []AlignmentPoint
}

// SynthesisOptions are the per-request knobs every backend understands.
type SynthesisOptions struct {
	VoiceID string
	Speed   float64
	Pitch   float64
}

// Normalized returns options with zero values replaced by neutral defaults.
func (o SynthesisOptions) Normalized() SynthesisOptions {
	if o.Speed <= 0 {
		o.Speed = 1.0
	}
	return o
}
