package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Word is one recognized word with its timing.
type Word struct {
	Word     string  `json:"word"`
	StartSec float64 `json:"start_sec"`
	EndSec   float64 `json:"end_sec"`
}

// Transcript is the transcription provider's structured result.
type Transcript struct {
	Text  string `json:"text"`
	Words []Word `json:"words"`
}

// TranscriptionConfig configures the speech-to-text client.
type TranscriptionConfig struct {
	BaseURL string
	APIKey  string
	Model   string
	Timeout time.Duration
}

// TranscriptionClient calls a Deepgram-style prerecorded speech-to-text API.
type TranscriptionClient struct {
	baseURL    string
	apiKey     string
	model      string
	httpClient *http.Client
	logger     *slog.Logger
}

// NewTranscriptionClient creates a TranscriptionClient.
func NewTranscriptionClient(cfg TranscriptionConfig, logger *slog.Logger) *TranscriptionClient {
	model := cfg.Model
	if model == "" {
		model = "nova-2"
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 5 * time.Minute
	}
	return &TranscriptionClient{
		baseURL:    strings.TrimRight(cfg.BaseURL, "/"),
		apiKey:     cfg.APIKey,
		model:      model,
		httpClient: &http.Client{Timeout: timeout},
		logger:     logger,
	}
}

// transcriptionResponse mirrors the provider's channel/alternative layout.
type transcriptionResponse struct {
	Results struct {
		Channels []struct {
			Alternatives []struct {
				Transcript string `json:"transcript"`
				Words      []struct {
					Word  string  `json:"word"`
					Start float64 `json:"start"`
					End   float64 `json:"end"`
				} `json:"words"`
			} `json:"alternatives"`
		} `json:"channels"`
	} `json:"results"`
}

// Transcribe sends audio for recognition and returns the transcript with word
// timings. Failures carry a retryable/non-retryable classification.
func (c *TranscriptionClient) Transcribe(ctx context.Context, audio []byte, language string) (*Transcript, error) {
	params := url.Values{}
	params.Set("model", c.model)
	params.Set("smart_format", "true")
	params.Set("punctuate", "true")
	if language != "" {
		params.Set("language", language)
	}

	endpoint := fmt.Sprintf("%s/v1/listen?%s", c.baseURL, params.Encode())
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(audio))
	if err != nil {
		return nil, fmt.Errorf("failed to build transcription request: %w", err)
	}
	req.Header.Set("Authorization", "Token "+c.apiKey)
	req.Header.Set("Content-Type", "application/octet-stream")

	c.logger.Info("Transcription request",
		slog.String("model", c.model),
		slog.String("language", language),
		slog.Int("audio_bytes", len(audio)),
	)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, networkError("transcription", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<22))
	if err != nil {
		return nil, networkError("transcription", err)
	}

	if resp.StatusCode != http.StatusOK {
		return nil, classifyStatus("transcription", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	var parsed transcriptionResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return nil, &Error{Provider: "transcription", Kind: KindBadResponse, Message: err.Error(), Retryable: false, Err: err}
	}

	result := &Transcript{}
	if len(parsed.Results.Channels) > 0 && len(parsed.Results.Channels[0].Alternatives) > 0 {
		alt := parsed.Results.Channels[0].Alternatives[0]
		result.Text = alt.Transcript
		for _, w := range alt.Words {
			result.Words = append(result.Words, Word{
				Word:     w.Word,
				StartSec: w.Start,
				EndSec:   w.End,
			})
		}
	}

	c.logger.Info("Transcription completed",
		slog.Int("words", len(result.Words)),
	)
	return result, nil
}
