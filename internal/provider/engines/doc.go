// Package engines contains the speech backends: Piper on the device, and
// the OpenAI and Google voices over the network. Each is a Synthesizer that
// produces whole utterances; Synth turns one into a provider.Backend that
// caches audio and plays it on an audio sink.
package engines
