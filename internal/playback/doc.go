// Package playback owns the narration queue and the playback position.
//
// Positions are also exposed on a virtual timeline derived from character
// counts, so progress and seeking stay meaningful when segments vary wildly
// in length.
package playback
