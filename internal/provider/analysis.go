package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"
)

// VocabItem is one vocabulary entry attached to a learning segment.
type VocabItem struct {
	Term      string `json:"term"`
	MeaningKo string `json:"meaningKo"`
	ExampleEn string `json:"exampleEn"`
}

// Segment is one recommended shadowing span of the source media.
type Segment struct {
	StartSec          float64     `json:"startSec"`
	EndSec            float64     `json:"endSec"`
	Sentence          string      `json:"sentence"`
	Reason            string      `json:"reason"`
	SuggestedActivity string      `json:"suggestedActivity"`
	Items             []VocabItem `json:"items,omitempty"`
}

// Analysis is the language-model provider's structured result.
type Analysis struct {
	Summary    string    `json:"summary"`
	Difficulty string    `json:"difficulty"`
	Situation  string    `json:"situation"`
	Segments   []Segment `json:"segments"`
}

// AnalysisConfig configures the language-model client.
type AnalysisConfig struct {
	BaseURL string
	APIKey  string
	Model   string
	Timeout time.Duration
}

// AnalysisClient calls a Gemini-style generate endpoint that turns a
// transcript into a learning guide with selected segments.
type AnalysisClient struct {
	baseURL    string
	apiKey     string
	model      string
	httpClient *http.Client
	logger     *slog.Logger
}

// NewAnalysisClient creates an AnalysisClient.
func NewAnalysisClient(cfg AnalysisConfig, logger *slog.Logger) *AnalysisClient {
	model := cfg.Model
	if model == "" {
		model = "gemini-3-flash"
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 5 * time.Minute
	}
	return &AnalysisClient{
		baseURL:    strings.TrimRight(cfg.BaseURL, "/"),
		apiKey:     cfg.APIKey,
		model:      model,
		httpClient: &http.Client{Timeout: timeout},
		logger:     logger,
	}
}

const analysisPrompt = "Analyze the transcript of a spoken-language recording. " +
	"Summarize its topic, estimate CEFR difficulty, name the situation, and select " +
	"3-5 segments best suited for shadowing practice. Respond with JSON only: " +
	`{"summary":"...","difficulty":"...","situation":"...","segments":[{"startSec":0,"endSec":0,"sentence":"...","reason":"...","suggestedActivity":"...","items":[{"term":"...","meaningKo":"...","exampleEn":"..."}]}]}`

type generatePart struct {
	Text string `json:"text"`
}

type generateContent struct {
	Parts []generatePart `json:"parts"`
}

type generateRequest struct {
	Contents []generateContent `json:"contents"`
}

type generateResponse struct {
	Candidates []struct {
		Content generateContent `json:"content"`
	} `json:"candidates"`
}

// Analyze submits a transcript for learning-segment selection.
func (c *AnalysisClient) Analyze(ctx context.Context, transcript string) (*Analysis, error) {
	reqBody := generateRequest{
		Contents: []generateContent{{
			Parts: []generatePart{{Text: analysisPrompt + "\n\nTranscript:\n" + transcript}},
		}},
	}

	payload, err := json.Marshal(reqBody)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal analysis request: %w", err)
	}

	endpoint := fmt.Sprintf("%s/v1alpha/models/%s:generateContent", c.baseURL, c.model)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("failed to build analysis request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("x-goog-api-key", c.apiKey)

	c.logger.Info("Analysis request",
		slog.String("model", c.model),
		slog.Int("transcript_chars", len(transcript)),
	)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, networkError("analysis", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<22))
	if err != nil {
		return nil, networkError("analysis", err)
	}

	if resp.StatusCode != http.StatusOK {
		return nil, classifyStatus("analysis", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	var parsed generateResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return nil, &Error{Provider: "analysis", Kind: KindBadResponse, Message: err.Error(), Retryable: false, Err: err}
	}
	if len(parsed.Candidates) == 0 || len(parsed.Candidates[0].Content.Parts) == 0 {
		return nil, &Error{Provider: "analysis", Kind: KindBadResponse, Message: "no candidates in response", Retryable: false}
	}

	text := extractJSON(parsed.Candidates[0].Content.Parts[0].Text)
	var analysis Analysis
	if err := json.Unmarshal([]byte(text), &analysis); err != nil {
		return nil, &Error{Provider: "analysis", Kind: KindBadResponse, Message: err.Error(), Retryable: false, Err: err}
	}

	c.logger.Info("Analysis completed",
		slog.Int("segments", len(analysis.Segments)),
		slog.String("difficulty", analysis.Difficulty),
	)
	return &analysis, nil
}

// extractJSON strips markdown code fences models sometimes wrap around JSON.
func extractJSON(text string) string {
	text = strings.TrimSpace(text)
	if strings.HasPrefix(text, "```") {
		text = strings.TrimPrefix(text, "```json")
		text = strings.TrimPrefix(text, "```")
		if idx := strings.LastIndex(text, "```"); idx >= 0 {
			text = text[:idx]
		}
	}
	return strings.TrimSpace(text)
}
