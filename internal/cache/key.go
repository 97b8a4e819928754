package cache

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"

	"golang.org/x/text/unicode/norm"
)

// Key returns the content address of a synthesis request. Text is brought
// to canonical decomposed form first so visually identical strings built
// from different code point sequences share an entry.
func Key(text, voiceID string, speed, pitch float64, lexiconHash string) string {
	h := sha256.New()
	fmt.Fprintf(h, "%s\x00%s\x00%.2f\x00%.2f\x00%s", norm.NFD.String(text), voiceID, speed, pitch, lexiconHash)
	return hex.EncodeToString(h.Sum(nil)[:16])
}
