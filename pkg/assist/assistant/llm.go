// llm.go implements the LLM client for chat completions and audio
// transcription. Uses the OpenAI-compatible API format, which works with
// OpenAI, Groq, OpenRouter, local Ollama and any compatible endpoint.
package assistant

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/GTFB/forlifely-sub005/pkg/assist/store"
)

// LLMClient handles communication with the LLM provider API.
type LLMClient struct {
	baseURL    string
	provider   string
	apiKey     string
	media      MediaConfig
	retry      RetryConfig
	httpClient *http.Client
	logger     *slog.Logger
}

// NewLLMClient creates a new LLM client from config.
func NewLLMClient(cfg *Config, logger *slog.Logger) *LLMClient {
	baseURL := cfg.API.BaseURL
	if baseURL == "" {
		baseURL = "https://api.openai.com/v1"
	}
	baseURL = strings.TrimRight(baseURL, "/")

	provider := detectProvider(baseURL)
	if provider == "openai" && cfg.API.Provider != "" && cfg.API.Provider != "openai" {
		provider = cfg.API.Provider
	}

	return &LLMClient{
		baseURL:  baseURL,
		provider: provider,
		apiKey:   cfg.API.APIKey,
		media:    cfg.Media,
		retry:    cfg.Retry.Effective(),
		httpClient: &http.Client{
			// No global timeout; each call carries its own context
			// deadline set by the caller.
			Transport: &http.Transport{
				MaxIdleConns:          10,
				MaxIdleConnsPerHost:   5,
				IdleConnTimeout:       120 * time.Second,
				TLSHandshakeTimeout:   10 * time.Second,
				ResponseHeaderTimeout: 180 * time.Second,
			},
		},
		logger: logger.With("component", "llm", "provider", provider),
	}
}

// detectProvider infers the provider from the base URL.
func detectProvider(baseURL string) string {
	switch {
	case strings.Contains(baseURL, "openai.com"):
		return "openai"
	case strings.Contains(baseURL, "openrouter.ai"):
		return "openrouter"
	case strings.Contains(baseURL, "api.groq.com"):
		return "groq"
	case strings.Contains(baseURL, "mistral.ai"):
		return "mistral"
	case strings.Contains(baseURL, "deepseek.com"):
		return "deepseek"
	case strings.Contains(baseURL, "localhost:11434"),
		strings.Contains(baseURL, "127.0.0.1:11434"),
		strings.Contains(baseURL, "ollama"):
		return "ollama"
	default:
		return "openai" // assume OpenAI-compatible
	}
}

// resolveAPIKey returns the key to use for this client.
// Priority: explicitly set key, provider-specific env var, generic
// API_KEY.
func (c *LLMClient) resolveAPIKey() string {
	if c.apiKey != "" {
		return c.apiKey
	}
	if key := os.Getenv(GetProviderKeyName(c.provider)); key != "" {
		return key
	}
	return os.Getenv("API_KEY")
}

// ---------- Wire types ----------

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Model    string        `json:"model"`
	Messages []chatMessage `json:"messages"`
}

type chatResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
		FinishReason string `json:"finish_reason"`
	} `json:"choices"`
	Usage struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
	} `json:"usage"`
	Error *struct {
		Message string `json:"message"`
	} `json:"error"`
}

// apiError carries the HTTP status so callers can classify retryability.
type apiError struct {
	statusCode int
	body       string
}

func (e *apiError) Error() string {
	return fmt.Sprintf("API returned %d: %s", e.statusCode, truncate(e.body, 200))
}

func (c *LLMClient) isRetryable(statusCode int) bool {
	for _, code := range c.retry.RetryOnStatusCodes {
		if statusCode == code {
			return true
		}
	}
	return false
}

// ---------- Public methods ----------

// Complete generates the assistant's reply. The context window is
// assembled as: system prompt, the rolling summary when present, the
// recent turns mapped to their roles, and finally the new user message.
func (c *LLMClient) Complete(ctx context.Context, model, systemPrompt, summary string, window []*store.Message, userMessage string) (string, error) {
	messages := make([]chatMessage, 0, len(window)+3)

	if systemPrompt != "" {
		messages = append(messages, chatMessage{Role: "system", Content: systemPrompt})
	}
	if summary != "" {
		messages = append(messages, chatMessage{
			Role:    "system",
			Content: "Summary of the conversation so far:\n" + summary,
		})
	}
	for _, m := range window {
		role := "user"
		if m.Direction() == "outbound" {
			role = "assistant"
		}
		messages = append(messages, chatMessage{Role: role, Content: m.Content})
	}
	messages = append(messages, chatMessage{Role: "user", Content: userMessage})

	return c.complete(ctx, model, messages)
}

// summarizePrompt instructs the model to fold a batch of turns into the
// running summary.
const summarizePrompt = "You maintain a running summary of a conversation between a user and an assistant. " +
	"Merge the new messages below into the previous summary. Keep facts, names, decisions and open requests. " +
	"Write a single concise paragraph. Reply with the updated summary only."

// Summarize folds a batch of messages into the previous summary and
// returns the new summary text.
func (c *LLMClient) Summarize(ctx context.Context, model, prevSummary string, batch []*store.Message) (string, error) {
	var sb strings.Builder
	if prevSummary != "" {
		sb.WriteString("Previous summary:\n")
		sb.WriteString(prevSummary)
		sb.WriteString("\n\n")
	}
	sb.WriteString("New messages:\n")
	for _, m := range batch {
		role := "user"
		if m.Direction() == "outbound" {
			role = "assistant"
		}
		fmt.Fprintf(&sb, "%s: %s\n", role, m.Content)
	}

	messages := []chatMessage{
		{Role: "system", Content: summarizePrompt},
		{Role: "user", Content: sb.String()},
	}
	return c.complete(ctx, model, messages)
}

// complete runs a chat completion with retry and exponential backoff on
// transient HTTP errors.
func (c *LLMClient) complete(ctx context.Context, model string, messages []chatMessage) (string, error) {
	if c.resolveAPIKey() == "" && c.provider != "ollama" {
		return "", fmt.Errorf("API key not configured. Set %s or run setup", GetProviderKeyName(c.provider))
	}

	backoff := time.Duration(c.retry.InitialBackoffMs) * time.Millisecond
	maxBackoff := time.Duration(c.retry.MaxBackoffMs) * time.Millisecond

	var lastErr error
	for attempt := 0; attempt <= c.retry.MaxRetries; attempt++ {
		text, err := c.completeOnce(ctx, model, messages)
		if err == nil {
			return text, nil
		}
		lastErr = err

		apierr, ok := err.(*apiError)
		if !ok || !c.isRetryable(apierr.statusCode) {
			return "", err
		}
		if attempt == c.retry.MaxRetries {
			break
		}

		c.logger.Info("transient completion error, retrying",
			"model", model,
			"attempt", attempt+1,
			"status", apierr.statusCode,
		)
		select {
		case <-ctx.Done():
			return "", fmt.Errorf("context cancelled during retry: %w", ctx.Err())
		case <-time.After(backoff):
		}
		backoff *= 2
		if backoff > maxBackoff {
			backoff = maxBackoff
		}
	}
	return "", lastErr
}

// completeOnce performs one chat completion request. Returns *apiError on
// HTTP errors so the caller can decide retryability.
func (c *LLMClient) completeOnce(ctx context.Context, model string, messages []chatMessage) (string, error) {
	body, err := json.Marshal(chatRequest{Model: model, Messages: messages})
	if err != nil {
		return "", fmt.Errorf("encoding request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		c.baseURL+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.resolveAPIKey())

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("completion request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("reading response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		return "", &apiError{statusCode: resp.StatusCode, body: string(respBody)}
	}

	var chatResp chatResponse
	if err := json.Unmarshal(respBody, &chatResp); err != nil {
		return "", fmt.Errorf("decoding response: %w", err)
	}
	if chatResp.Error != nil {
		return "", fmt.Errorf("API error: %s", chatResp.Error.Message)
	}
	if len(chatResp.Choices) == 0 {
		return "", fmt.Errorf("no response from model")
	}

	content := strings.TrimSpace(chatResp.Choices[0].Message.Content)

	c.logger.Debug("chat completion done",
		"model", model,
		"duration_ms", time.Since(start).Milliseconds(),
		"prompt_tokens", chatResp.Usage.PromptTokens,
		"completion_tokens", chatResp.Usage.CompletionTokens,
	)
	return content, nil
}

// TranscribeAudio sends audio data to a Whisper-compatible API and
// returns the transcript. filename carries the extension the endpoint
// uses to sniff the container format.
func (c *LLMClient) TranscribeAudio(ctx context.Context, audioData []byte, filename string) (string, error) {
	if filename == "" {
		filename = "audio.ogg"
	}
	model := c.media.TranscriptionModel
	if model == "" {
		model = "whisper-1"
	}

	endpoint := c.baseURL + "/audio/transcriptions"
	if c.media.TranscriptionBaseURL != "" {
		endpoint = strings.TrimRight(c.media.TranscriptionBaseURL, "/") + "/audio/transcriptions"
	}
	apiKey := c.resolveAPIKey()
	if c.media.TranscriptionAPIKey != "" {
		apiKey = c.media.TranscriptionAPIKey
	}

	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)

	part, err := w.CreateFormFile("file", filename)
	if err != nil {
		return "", fmt.Errorf("creating form file: %w", err)
	}
	if _, err := part.Write(audioData); err != nil {
		return "", fmt.Errorf("writing audio data: %w", err)
	}
	if err := w.WriteField("model", model); err != nil {
		return "", fmt.Errorf("writing model field: %w", err)
	}
	if c.media.TranscriptionLanguage != "" {
		_ = w.WriteField("language", c.media.TranscriptionLanguage)
	}
	if err := w.Close(); err != nil {
		return "", fmt.Errorf("closing multipart writer: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, &buf)
	if err != nil {
		return "", fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Content-Type", w.FormDataContentType())
	req.Header.Set("Authorization", "Bearer "+apiKey)

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("transcription request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("reading response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		c.logger.Error("transcription API error",
			"status", resp.StatusCode,
			"body", truncate(string(respBody), 500),
		)
		return "", fmt.Errorf("transcription API returned %d: %s",
			resp.StatusCode, truncate(string(respBody), 200))
	}

	// Response is either plain text or JSON with a "text" field.
	text := string(respBody)
	if strings.HasPrefix(strings.TrimSpace(text), "{") {
		var j struct {
			Text string `json:"text"`
		}
		if err := json.Unmarshal(respBody, &j); err == nil && j.Text != "" {
			text = j.Text
		}
	}

	c.logger.Info("audio transcription done",
		"duration_ms", time.Since(start).Milliseconds(),
		"transcript_len", len(text),
	)
	return strings.TrimSpace(text), nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
