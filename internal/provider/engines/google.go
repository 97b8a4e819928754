package engines

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
	"unicode"

	"github.com/hegedustibor/htgo-tts/voices"
	"golang.org/x/time/rate"

	"github.com/vrwarp/narrator/internal/provider"
	"github.com/vrwarp/narrator/internal/ttypes"
)

const (
	// GoogleID is the backend id of the Google Translate voice.
	GoogleID = "google"

	googleBaseURL   = "https://translate.google.com/translate_tts"
	googleChunkSize = 200
)

var googleVoices = []ttypes.Voice{
	{ID: voices.English, DisplayName: "English (US)", LanguageTag: "en-US"},
	{ID: voices.EnglishUK, DisplayName: "English (UK)", LanguageTag: "en-GB"},
	{ID: voices.Spanish, DisplayName: "Spanish", LanguageTag: "es"},
	{ID: voices.Portuguese, DisplayName: "Portuguese", LanguageTag: "pt"},
	{ID: voices.French, DisplayName: "French", LanguageTag: "fr"},
	{ID: voices.German, DisplayName: "German", LanguageTag: "de"},
}

// GoogleConfig configures the Google Translate voice.
type GoogleConfig struct {
	// Language is used when a request names no voice; defaults to en.
	Language string

	// RequestsPerMinute limits chunk requests to avoid being blocked;
	// defaults to 50.
	RequestsPerMinute int

	BaseURL string
	Client  *http.Client
}

// Google fetches mp3 speech from the Google Translate voice endpoint. Text
// longer than one request allows is split at word boundaries and the mp3
// chunks are concatenated.
type Google struct {
	language string
	baseURL  string
	client   *http.Client
	limiter  *rate.Limiter
}

// NewGoogle returns a Google synthesizer.
func NewGoogle(cfg GoogleConfig) *Google {
	if cfg.Language == "" {
		cfg.Language = voices.English
	}
	if cfg.RequestsPerMinute <= 0 {
		cfg.RequestsPerMinute = 50
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = googleBaseURL
	}
	if cfg.Client == nil {
		cfg.Client = &http.Client{Timeout: 15 * time.Second}
	}
	return &Google{
		language: cfg.Language,
		baseURL:  cfg.BaseURL,
		client:   cfg.Client,
		limiter:  rate.NewLimiter(rate.Every(time.Minute/time.Duration(cfg.RequestsPerMinute)), 1),
	}
}

// Synthesize implements Synthesizer.
func (g *Google) Synthesize(ctx context.Context, text string, opts ttypes.SynthesisOptions) (ttypes.Audio, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return ttypes.Audio{}, provider.NewError(provider.ErrorCodeInvalidInput, GoogleID, "text cannot be empty", nil)
	}
	lang := opts.VoiceID
	if lang == "" {
		lang = g.language
	}
	slow := opts.Speed > 0 && opts.Speed < 0.75

	var buf bytes.Buffer
	for _, chunk := range splitChunks(text, googleChunkSize) {
		if err := g.limiter.Wait(ctx); err != nil {
			return ttypes.Audio{}, provider.Normalize(GoogleID, err)
		}
		if err := g.fetchChunk(ctx, &buf, chunk, lang, slow); err != nil {
			return ttypes.Audio{}, err
		}
	}
	return ttypes.Audio{Data: buf.Bytes(), Format: ttypes.Format{Encoding: ttypes.EncodingMP3}}, nil
}

func (g *Google) fetchChunk(ctx context.Context, w io.Writer, text, lang string, slow bool) error {
	params := url.Values{}
	params.Set("ie", "UTF-8")
	params.Set("client", "tw-ob")
	params.Set("q", text)
	params.Set("tl", lang)
	params.Set("total", "1")
	params.Set("idx", "0")
	params.Set("textlen", strconv.Itoa(len([]rune(text))))
	if slow {
		params.Set("ttsspeed", "0.3")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, g.baseURL+"?"+params.Encode(), nil)
	if err != nil {
		return provider.NewError(provider.ErrorCodeInvalidInput, GoogleID, "bad request", err)
	}
	req.Header.Set("User-Agent", "Mozilla/5.0")

	resp, err := g.client.Do(req)
	if err != nil {
		return provider.Normalize(GoogleID, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return statusError(GoogleID, resp.StatusCode, fmt.Errorf("status %d: %s", resp.StatusCode, bytes.TrimSpace(body)))
	}
	if _, err := io.Copy(w, resp.Body); err != nil {
		return provider.Normalize(GoogleID, err)
	}
	return nil
}

// Voices implements Synthesizer.
func (g *Google) Voices(context.Context) ([]ttypes.Voice, error) {
	out := make([]ttypes.Voice, len(googleVoices))
	for i, v := range googleVoices {
		v.BackendID = GoogleID
		out[i] = v
	}
	return out, nil
}

// splitChunks splits text into pieces of at most size runes, breaking at the
// last space before the limit when there is one.
func splitChunks(text string, size int) []string {
	var chunks []string
	runes := []rune(text)
	for len(runes) > 0 {
		if len(runes) <= size {
			chunks = append(chunks, string(runes))
			break
		}
		cut := size
		for i := size; i > size/2; i-- {
			if unicode.IsSpace(runes[i]) {
				cut = i
				break
			}
		}
		if chunk := strings.TrimSpace(string(runes[:cut])); chunk != "" {
			chunks = append(chunks, chunk)
		}
		runes = []rune(strings.TrimLeftFunc(string(runes[cut:]), unicode.IsSpace))
	}
	return chunks
}
