package engines

import (
	"context"
	"errors"
	"io"
	"net/http"
	"strings"

	"github.com/sashabaranov/go-openai"

	"github.com/vrwarp/narrator/internal/provider"
	"github.com/vrwarp/narrator/internal/ttypes"
)

// OpenAIID is the backend id of the OpenAI speech engine.
const OpenAIID = "openai"

var openAIVoices = []string{"alloy", "echo", "fable", "onyx", "nova", "shimmer"}

// OpenAIConfig configures the OpenAI speech engine.
type OpenAIConfig struct {
	APIKey string

	// Model defaults to tts-1.
	Model string

	// Voice is used when a request names none; defaults to nova.
	Voice string

	// BaseURL overrides the API endpoint.
	BaseURL string
}

// OpenAI synthesizes mp3 speech with the OpenAI audio API. It bills per
// character.
type OpenAI struct {
	client *openai.Client
	model  string
	voice  string
}

// NewOpenAI returns an OpenAI synthesizer.
func NewOpenAI(cfg OpenAIConfig) (*OpenAI, error) {
	if cfg.APIKey == "" {
		return nil, provider.NewError(provider.ErrorCodeAuth, OpenAIID, "api key is required", nil)
	}
	if cfg.Model == "" {
		cfg.Model = string(openai.TTSModel1)
	}
	if cfg.Voice == "" {
		cfg.Voice = "nova"
	}
	clientConfig := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		clientConfig.BaseURL = cfg.BaseURL
	}
	return &OpenAI{
		client: openai.NewClientWithConfig(clientConfig),
		model:  cfg.Model,
		voice:  cfg.Voice,
	}, nil
}

// Synthesize implements Synthesizer.
func (o *OpenAI) Synthesize(ctx context.Context, text string, opts ttypes.SynthesisOptions) (ttypes.Audio, error) {
	if strings.TrimSpace(text) == "" {
		return ttypes.Audio{}, provider.NewError(provider.ErrorCodeInvalidInput, OpenAIID, "text cannot be empty", nil)
	}
	voice := opts.VoiceID
	if voice == "" {
		voice = o.voice
	}
	speed := opts.Speed
	if speed <= 0 {
		speed = 1
	}
	speed = min(max(speed, 0.25), 4)

	resp, err := o.client.CreateSpeech(ctx, openai.CreateSpeechRequest{
		Model:          openai.SpeechModel(o.model),
		Input:          text,
		Voice:          openai.SpeechVoice(voice),
		Speed:          speed,
		ResponseFormat: openai.SpeechResponseFormatMp3,
	})
	if err != nil {
		return ttypes.Audio{}, openAIError(err)
	}
	defer resp.Close()

	data, err := io.ReadAll(resp)
	if err != nil {
		return ttypes.Audio{}, provider.Normalize(OpenAIID, err)
	}
	return ttypes.Audio{Data: data, Format: ttypes.Format{Encoding: ttypes.EncodingMP3}}, nil
}

// Voices implements Synthesizer.
func (o *OpenAI) Voices(context.Context) ([]ttypes.Voice, error) {
	voices := make([]ttypes.Voice, 0, len(openAIVoices))
	for _, v := range openAIVoices {
		voices = append(voices, ttypes.Voice{
			ID:          v,
			DisplayName: strings.ToUpper(v[:1]) + v[1:],
			LanguageTag: "en-US",
			BackendID:   OpenAIID,
		})
	}
	return voices, nil
}

func openAIError(err error) *provider.Error {
	status := 0
	var apiErr *openai.APIError
	var reqErr *openai.RequestError
	switch {
	case errors.As(err, &apiErr):
		status = apiErr.HTTPStatusCode
	case errors.As(err, &reqErr):
		status = reqErr.HTTPStatusCode
	}
	return statusError(OpenAIID, status, err)
}

// statusError maps an HTTP status to an error code.
func statusError(backend string, status int, err error) *provider.Error {
	switch {
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return provider.NewError(provider.ErrorCodeAuth, backend, "not authorized", err)
	case status == http.StatusTooManyRequests:
		return provider.NewError(provider.ErrorCodeRateLimited, backend, "rate limited", err)
	case status == http.StatusBadRequest:
		return provider.NewError(provider.ErrorCodeInvalidInput, backend, "request rejected", err)
	case status >= 500:
		return provider.NewError(provider.ErrorCodeNetwork, backend, "service unavailable", err)
	default:
		return provider.Normalize(backend, err)
	}
}
