// Package audio plays synthesized speech. Player drives the system device
// through oto/v3; MockSink simulates playback for tests and headless runs.
// Both accept 16-bit PCM in any rate and channel layout and convert it to
// the device format.
package audio
