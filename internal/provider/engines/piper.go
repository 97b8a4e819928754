package engines

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/exec"
	"path/filepath"
	"slices"
	"strings"
	"time"

	"github.com/bytedance/sonic"

	"github.com/vrwarp/narrator/internal/provider"
	"github.com/vrwarp/narrator/internal/ttypes"
)

const (
	// PiperID is the backend id of the on-device engine.
	PiperID = "piper"

	piperDefaultRate = 22050
	piperMaxText     = 5000
	piperMaxAudio    = 10 * 1024 * 1024
)

// PiperConfig holds configuration for the Piper engine.
type PiperConfig struct {
	// Binary is the piper executable; defaults to "piper" on PATH.
	Binary string

	// ModelPath is the .onnx voice model used when no voice is requested.
	ModelPath string

	// ModelDir is scanned for additional *.onnx voices.
	ModelDir string

	// ModelURL is downloaded to ModelPath when the model is missing.
	ModelURL string

	// Timeout bounds one synthesis; defaults to 10s.
	Timeout time.Duration

	Client *http.Client
}

// Piper synthesizes speech with a fresh piper process per utterance. Text
// is passed on stdin and raw 16-bit mono PCM is read from stdout.
type Piper struct {
	cfg PiperConfig
}

// NewPiper returns a Piper synthesizer.
func NewPiper(cfg PiperConfig) (*Piper, error) {
	if cfg.ModelPath == "" && cfg.ModelDir == "" {
		return nil, errors.New("piper: model path or model dir is required")
	}
	if cfg.Binary == "" {
		cfg.Binary = "piper"
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	if cfg.Client == nil {
		cfg.Client = http.DefaultClient
	}
	return &Piper{cfg: cfg}, nil
}

// Prepare checks the binary and fetches a missing model.
func (p *Piper) Prepare(ctx context.Context, emit provider.Emitter) error {
	if _, err := exec.LookPath(p.cfg.Binary); err != nil {
		return provider.NewError(provider.ErrorCodeEngineUnavailable, PiperID, "piper not found in PATH", err)
	}
	if p.cfg.ModelPath == "" {
		return nil
	}
	if _, err := os.Stat(p.cfg.ModelPath); err == nil {
		return nil
	} else if !errors.Is(err, os.ErrNotExist) || p.cfg.ModelURL == "" {
		return provider.NewError(provider.ErrorCodeEngineUnavailable, PiperID, "model file not found", err)
	}
	return p.download(ctx, emit)
}

// download fetches the model and its .json config, reporting progress.
func (p *Piper) download(ctx context.Context, emit provider.Emitter) error {
	assets := []struct{ url, path string }{
		{p.cfg.ModelURL, p.cfg.ModelPath},
		{p.cfg.ModelURL + ".json", p.cfg.ModelPath + ".json"},
	}
	for _, a := range assets {
		if err := fetchFile(ctx, p.cfg.Client, a.url, a.path, func(progress float64) {
			emit(provider.Event{Kind: provider.EventDownloadProgress, Asset: filepath.Base(a.path), Progress: progress})
		}); err != nil {
			return provider.Normalize(PiperID, fmt.Errorf("download %s: %w", filepath.Base(a.path), err))
		}
	}
	return nil
}

// Synthesize implements Synthesizer.
func (p *Piper) Synthesize(ctx context.Context, text string, opts ttypes.SynthesisOptions) (ttypes.Audio, error) {
	if strings.TrimSpace(text) == "" {
		return ttypes.Audio{}, provider.NewError(provider.ErrorCodeInvalidInput, PiperID, "text cannot be empty", nil)
	}
	if len(text) > piperMaxText {
		return ttypes.Audio{}, provider.NewError(provider.ErrorCodeInvalidInput, PiperID,
			fmt.Sprintf("text too long: %d characters (max %d)", len(text), piperMaxText), nil)
	}

	model, err := p.model(opts.VoiceID)
	if err != nil {
		return ttypes.Audio{}, err
	}
	speed := opts.Speed
	if speed <= 0 {
		speed = 1
	}

	args := []string{
		"--model", model,
		"--output-raw",
		"--length-scale", fmt.Sprintf("%.2f", 1.0/speed),
	}
	if cfg := configPath(model); cfg != "" {
		args = append(args, "--config", cfg)
	}

	ctx, cancel := context.WithTimeout(ctx, p.cfg.Timeout)
	defer cancel()

	cmd := exec.Command(p.cfg.Binary, args...)
	cmd.Stdin = strings.NewReader(text)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Start(); err != nil {
		return ttypes.Audio{}, provider.NewError(provider.ErrorCodeEngineUnavailable, PiperID, "cannot start piper", err)
	}
	done := make(chan error, 1)
	go func() { done <- cmd.Wait() }()

	select {
	case err := <-done:
		if err != nil {
			return ttypes.Audio{}, provider.NewError(provider.ErrorCodeEngineFailure, PiperID,
				"piper failed: "+strings.TrimSpace(stderr.String()), err)
		}
	case <-ctx.Done():
		// interrupt first so piper can flush, then kill
		_ = cmd.Process.Signal(os.Interrupt)
		select {
		case <-done:
		case <-time.After(100 * time.Millisecond):
			_ = cmd.Process.Kill()
			<-done
		}
		return ttypes.Audio{}, provider.Normalize(PiperID, ctx.Err())
	}

	pcm := stdout.Bytes()
	if len(pcm) == 0 {
		return ttypes.Audio{}, provider.NewError(provider.ErrorCodeEngineFailure, PiperID,
			"piper produced no audio: "+strings.TrimSpace(stderr.String()), nil)
	}
	if len(pcm) > piperMaxAudio {
		return ttypes.Audio{}, provider.NewError(provider.ErrorCodeEngineFailure, PiperID,
			fmt.Sprintf("piper output too large: %d bytes", len(pcm)), nil)
	}
	return ttypes.Audio{
		Data: pcm,
		Format: ttypes.Format{
			Encoding:   ttypes.EncodingPCM16,
			SampleRate: sampleRate(model),
			Channels:   1,
		},
	}, nil
}

// model resolves a voice id to a model file.
func (p *Piper) model(voiceID string) (string, error) {
	if voiceID == "" {
		if p.cfg.ModelPath != "" {
			return p.cfg.ModelPath, nil
		}
		models := p.scan()
		if len(models) == 0 {
			return "", provider.NewError(provider.ErrorCodeEngineUnavailable, PiperID, "no voice models in "+p.cfg.ModelDir, nil)
		}
		return models[0], nil
	}
	for _, m := range p.models() {
		if modelID(m) == voiceID {
			return m, nil
		}
	}
	return "", provider.NewError(provider.ErrorCodeInvalidInput, PiperID, "unknown voice "+voiceID, nil)
}

func (p *Piper) models() []string {
	models := p.scan()
	if p.cfg.ModelPath != "" && !slices.Contains(models, p.cfg.ModelPath) {
		models = append([]string{p.cfg.ModelPath}, models...)
	}
	return models
}

func (p *Piper) scan() []string {
	if p.cfg.ModelDir == "" {
		return nil
	}
	models, _ := filepath.Glob(filepath.Join(p.cfg.ModelDir, "*.onnx"))
	slices.Sort(models)
	return models
}

// Voices implements Synthesizer. Model files are named like
// en_US-lessac-medium.onnx; the language tag comes from the prefix.
func (p *Piper) Voices(context.Context) ([]ttypes.Voice, error) {
	var voices []ttypes.Voice
	for _, m := range p.models() {
		id := modelID(m)
		lang, name, _ := strings.Cut(id, "-")
		if name == "" {
			name, lang = id, ""
		}
		voices = append(voices, ttypes.Voice{
			ID:          id,
			DisplayName: name,
			LanguageTag: strings.ReplaceAll(lang, "_", "-"),
			BackendID:   PiperID,
		})
	}
	return voices, nil
}

func modelID(path string) string {
	return strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
}

// configPath finds the model config next to the model: model.onnx.json or
// model.json.
func configPath(model string) string {
	for _, c := range []string{model + ".json", strings.TrimSuffix(model, filepath.Ext(model)) + ".json"} {
		if _, err := os.Stat(c); err == nil {
			return c
		}
	}
	return ""
}

// sampleRate reads audio.sample_rate from the model config.
func sampleRate(model string) int {
	path := configPath(model)
	if path == "" {
		return piperDefaultRate
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return piperDefaultRate
	}
	var cfg struct {
		Audio struct {
			SampleRate int `json:"sample_rate"`
		} `json:"audio"`
	}
	if err := sonic.Unmarshal(data, &cfg); err != nil || cfg.Audio.SampleRate <= 0 {
		return piperDefaultRate
	}
	return cfg.Audio.SampleRate
}

// fetchFile downloads url to path through a temporary file.
func fetchFile(ctx context.Context, client *http.Client, url, path string, progress func(float64)) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}
	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("unexpected status %s", resp.Status)
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(filepath.Dir(path), ".download-*")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())

	w := &progressWriter{w: tmp, total: resp.ContentLength, report: progress}
	if _, err := io.Copy(w, resp.Body); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	progress(1)
	return os.Rename(tmp.Name(), path)
}

type progressWriter struct {
	w      io.Writer
	n      int64
	total  int64
	last   float64
	report func(float64)
}

func (pw *progressWriter) Write(b []byte) (int, error) {
	n, err := pw.w.Write(b)
	pw.n += int64(n)
	if pw.total > 0 {
		if p := float64(pw.n) / float64(pw.total); p-pw.last >= 0.05 && p < 1 {
			pw.last = p
			pw.report(p)
		}
	}
	return n, err
}
