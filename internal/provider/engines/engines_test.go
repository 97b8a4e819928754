package engines

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"unicode/utf8"

	"github.com/vrwarp/narrator/internal/provider"
	"github.com/vrwarp/narrator/internal/ttypes"
)

func TestSplitChunks(t *testing.T) {
	long := strings.Repeat("word ", 100)

	tests := []struct {
		name  string
		text  string
		size  int
		count int
	}{
		{"short", "hello world", 200, 1},
		{"exact", strings.Repeat("a", 10), 10, 1},
		{"words", long, 200, 3},
		{"no spaces", strings.Repeat("x", 450), 200, 3},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			chunks := splitChunks(strings.TrimSpace(tt.text), tt.size)
			if len(chunks) != tt.count {
				t.Fatalf("splitChunks() = %d chunks, want %d", len(chunks), tt.count)
			}
			for _, c := range chunks {
				if n := utf8.RuneCountInString(c); n > tt.size || n == 0 {
					t.Errorf("chunk has %d runes", n)
				}
				if strings.HasPrefix(c, " ") || strings.HasSuffix(c, " ") {
					t.Errorf("chunk %q is not trimmed", c)
				}
			}
		})
	}
}

func TestGoogleSynthesize(t *testing.T) {
	var (
		mu      sync.Mutex
		queries []string
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		queries = append(queries, r.URL.Query().Get("q"))
		mu.Unlock()
		if r.URL.Query().Get("tl") != "fr" {
			t.Errorf("tl = %q, want fr", r.URL.Query().Get("tl"))
		}
		if r.URL.Query().Get("client") != "tw-ob" {
			t.Errorf("client = %q", r.URL.Query().Get("client"))
		}
		w.Write([]byte("mp3"))
	}))
	defer srv.Close()

	g := NewGoogle(GoogleConfig{BaseURL: srv.URL, RequestsPerMinute: 60000})
	text := strings.TrimSpace(strings.Repeat("bonjour ", 40))
	a, err := g.Synthesize(context.Background(), text, ttypes.SynthesisOptions{VoiceID: "fr"})
	if err != nil {
		t.Fatalf("Synthesize() error = %v", err)
	}
	if len(queries) != 2 {
		t.Fatalf("requests = %d, want 2", len(queries))
	}
	if string(a.Data) != "mp3mp3" {
		t.Errorf("Data = %q, want chunks concatenated", a.Data)
	}
	if a.Format.Encoding != ttypes.EncodingMP3 {
		t.Errorf("Encoding = %q", a.Format.Encoding)
	}
}

func TestGoogleErrors(t *testing.T) {
	tests := []struct {
		name   string
		status int
		want   provider.ErrorCode
	}{
		{"rate limited", http.StatusTooManyRequests, provider.ErrorCodeRateLimited},
		{"forbidden", http.StatusForbidden, provider.ErrorCodeAuth},
		{"server", http.StatusBadGateway, provider.ErrorCodeNetwork},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				http.Error(w, "nope", tt.status)
			}))
			defer srv.Close()

			g := NewGoogle(GoogleConfig{BaseURL: srv.URL})
			_, err := g.Synthesize(context.Background(), "hello", ttypes.SynthesisOptions{})
			var perr *provider.Error
			if !errors.As(err, &perr) {
				t.Fatalf("error = %v, want *provider.Error", err)
			}
			if perr.Code != tt.want {
				t.Errorf("Code = %s, want %s", perr.Code, tt.want)
			}
		})
	}

	g := NewGoogle(GoogleConfig{})
	if _, err := g.Synthesize(context.Background(), "  ", ttypes.SynthesisOptions{}); err == nil {
		t.Error("Synthesize() accepted empty text")
	}
}

func TestGoogleVoices(t *testing.T) {
	voices, err := NewGoogle(GoogleConfig{}).Voices(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if len(voices) == 0 {
		t.Fatal("no voices")
	}
	for _, v := range voices {
		if v.BackendID != GoogleID {
			t.Errorf("voice %s has backend %q", v.ID, v.BackendID)
		}
	}
}

func TestOpenAISynthesize(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.HasSuffix(r.URL.Path, "/audio/speech") {
			t.Errorf("path = %s", r.URL.Path)
		}
		if r.Header.Get("Authorization") != "Bearer key" {
			w.WriteHeader(http.StatusUnauthorized)
			w.Write([]byte(`{"error":{"message":"bad key","type":"invalid_request_error"}}`))
			return
		}
		w.Header().Set("Content-Type", "audio/mpeg")
		w.Write([]byte("fake mp3"))
	}))
	defer srv.Close()

	o, err := NewOpenAI(OpenAIConfig{APIKey: "key", BaseURL: srv.URL + "/v1"})
	if err != nil {
		t.Fatal(err)
	}
	a, err := o.Synthesize(context.Background(), "hello", ttypes.SynthesisOptions{VoiceID: "alloy", Speed: 9})
	if err != nil {
		t.Fatalf("Synthesize() error = %v", err)
	}
	if string(a.Data) != "fake mp3" || a.Format.Encoding != ttypes.EncodingMP3 {
		t.Errorf("Synthesize() = %q %v", a.Data, a.Format)
	}

	bad, _ := NewOpenAI(OpenAIConfig{APIKey: "wrong", BaseURL: srv.URL + "/v1"})
	_, err = bad.Synthesize(context.Background(), "hello", ttypes.SynthesisOptions{})
	var perr *provider.Error
	if !errors.As(err, &perr) || perr.Code != provider.ErrorCodeAuth {
		t.Fatalf("error = %v, want AUTH", err)
	}
	if !perr.IsFatal() {
		t.Error("auth failure should be fatal")
	}
}

func TestNewOpenAIRequiresKey(t *testing.T) {
	if _, err := NewOpenAI(OpenAIConfig{}); err == nil {
		t.Error("NewOpenAI() accepted an empty key")
	}
}

func writeModel(t *testing.T, dir, name, config string) string {
	t.Helper()
	path := filepath.Join(dir, name+".onnx")
	if err := os.WriteFile(path, []byte("model"), 0o644); err != nil {
		t.Fatal(err)
	}
	if config != "" {
		if err := os.WriteFile(path+".json", []byte(config), 0o644); err != nil {
			t.Fatal(err)
		}
	}
	return path
}

func TestPiperVoices(t *testing.T) {
	dir := t.TempDir()
	lessac := writeModel(t, dir, "en_US-lessac-medium", `{"audio":{"sample_rate":16000}}`)
	writeModel(t, dir, "de_DE-thorsten-low", "")

	p, err := NewPiper(PiperConfig{ModelDir: dir})
	if err != nil {
		t.Fatal(err)
	}
	voices, err := p.Voices(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if len(voices) != 2 {
		t.Fatalf("Voices() = %d voices, want 2", len(voices))
	}
	if voices[1].ID != "en_US-lessac-medium" || voices[1].LanguageTag != "en-US" || voices[1].DisplayName != "lessac-medium" {
		t.Errorf("voice = %+v", voices[1])
	}

	if got := sampleRate(lessac); got != 16000 {
		t.Errorf("sampleRate() = %d, want 16000", got)
	}
	if got := sampleRate(filepath.Join(dir, "de_DE-thorsten-low.onnx")); got != piperDefaultRate {
		t.Errorf("sampleRate() without config = %d, want %d", got, piperDefaultRate)
	}

	if m, err := p.model("en_US-lessac-medium"); err != nil || m != lessac {
		t.Errorf("model() = %q, %v", m, err)
	}
	if _, err := p.model("missing"); err == nil {
		t.Error("model() accepted an unknown voice")
	}
}

func TestNewPiperRequiresModel(t *testing.T) {
	if _, err := NewPiper(PiperConfig{}); err == nil {
		t.Error("NewPiper() accepted a config without models")
	}
}

func TestPiperRejectsBadText(t *testing.T) {
	p, _ := NewPiper(PiperConfig{ModelPath: "model.onnx"})
	for _, text := range []string{"", "   ", strings.Repeat("a", piperMaxText+1)} {
		_, err := p.Synthesize(context.Background(), text, ttypes.SynthesisOptions{})
		var perr *provider.Error
		if !errors.As(err, &perr) || perr.Code != provider.ErrorCodeInvalidInput {
			t.Errorf("Synthesize(%d chars) error = %v, want invalid input", len(text), err)
		}
	}
}

func TestPiperPrepareDownloadsModel(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if strings.HasSuffix(r.URL.Path, ".json") {
			w.Write([]byte(`{"audio":{"sample_rate":24000}}`))
			return
		}
		w.Write([]byte(strings.Repeat("m", 4096)))
	}))
	defer srv.Close()

	exe, err := os.Executable()
	if err != nil {
		t.Skip("no executable path")
	}
	model := filepath.Join(t.TempDir(), "voices", "en_US-test.onnx")
	p, err := NewPiper(PiperConfig{
		Binary:    exe,
		ModelPath: model,
		ModelURL:  srv.URL + "/en_US-test.onnx",
	})
	if err != nil {
		t.Fatal(err)
	}

	var mu sync.Mutex
	var progress []provider.Event
	err = p.Prepare(context.Background(), func(ev provider.Event) {
		mu.Lock()
		progress = append(progress, ev)
		mu.Unlock()
	})
	if err != nil {
		t.Fatalf("Prepare() error = %v", err)
	}
	if _, err := os.Stat(model); err != nil {
		t.Errorf("model not downloaded: %v", err)
	}
	if got := sampleRate(model); got != 24000 {
		t.Errorf("sampleRate() = %d, want 24000", got)
	}
	if len(progress) == 0 {
		t.Fatal("no download progress events")
	}
	last := progress[len(progress)-1]
	if last.Kind != provider.EventDownloadProgress || last.Progress != 1 {
		t.Errorf("last event = %+v, want completed download", last)
	}
}
