// Package llm is a client for the Gemini generateContent REST API.
package llm

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"mailmind/internal/errs"
	"mailmind/internal/model"
)

const (
	defaultBaseURL = "https://generativelanguage.googleapis.com/v1beta"
	defaultTimeout = 90 * time.Second
)

// Message is one prior exchange half used when replaying history into a
// chat. Role is "user" or "model".
type Message struct {
	Role string
	Text string
}

// Part is one piece of model input: either text or raw inline bytes
// with their MIME type.
type Part struct {
	Text     string
	Data     []byte
	MIMEType string
}

// Client talks to the generative backend.
type Client struct {
	apiKey  string
	baseURL string
	client  *http.Client
}

// Option configures a Client.
type Option func(*Client)

// WithBaseURL overrides the API base URL, mainly for tests.
func WithBaseURL(baseURL string) Option {
	return func(c *Client) {
		c.baseURL = strings.TrimRight(baseURL, "/")
	}
}

// WithHTTPClient overrides the HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		c.client = hc
	}
}

// New creates a Client with the given API key.
func New(apiKey string, opts ...Option) *Client {
	c := &Client{
		apiKey:  apiKey,
		baseURL: defaultBaseURL,
		client:  &http.Client{Timeout: defaultTimeout},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// apiPart is the wire form of a content part.
type apiPart struct {
	Text       string         `json:"text,omitempty"`
	InlineData *apiInlineData `json:"inline_data,omitempty"`
}

type apiInlineData struct {
	MIMEType string `json:"mime_type"`
	Data     string `json:"data"` // base64
}

type apiContent struct {
	Role  string    `json:"role,omitempty"`
	Parts []apiPart `json:"parts"`
}

type apiThinkingConfig struct {
	ThinkingBudget int `json:"thinkingBudget"`
}

type apiGenerationConfig struct {
	ThinkingConfig *apiThinkingConfig `json:"thinkingConfig,omitempty"`
}

type apiRequest struct {
	Contents         []apiContent         `json:"contents"`
	GenerationConfig *apiGenerationConfig `json:"generationConfig,omitempty"`
}

type apiResponse struct {
	Candidates []struct {
		Content struct {
			Parts []struct {
				Text string `json:"text"`
			} `json:"parts"`
		} `json:"content"`
	} `json:"candidates"`
	UsageMetadata struct {
		TotalTokenCount int64 `json:"totalTokenCount"`
	} `json:"usageMetadata"`
}

type apiErrorResponse struct {
	Error struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
		Status  string `json:"status"`
	} `json:"error"`
}

// Generate asks modelName for a single context-free completion over the
// given parts.
func (c *Client) Generate(ctx context.Context, modelName string, parts []Part, reasoning bool) (*model.Answer, error) {
	req := apiRequest{
		Contents:         []apiContent{{Role: "user", Parts: encodeParts(parts)}},
		GenerationConfig: generationConfig(reasoning),
	}
	return c.call(ctx, modelName, req)
}

// Converse sends one more user turn on top of replayed history.
func (c *Client) Converse(ctx context.Context, modelName string, history []Message, question string, reasoning bool) (*model.Answer, error) {
	return c.NewChat(modelName, history, reasoning).Send(ctx, question)
}

// Chat is a handle over a model plus replayed history.
type Chat struct {
	client    *Client
	model     string
	history   []Message
	reasoning bool
}

// NewChat creates a chat handle seeded with prior exchanges in their
// original order.
func (c *Client) NewChat(modelName string, history []Message, reasoning bool) *Chat {
	return &Chat{client: c, model: modelName, history: history, reasoning: reasoning}
}

// Send asks the model for the next reply given the seeded history plus
// the new user text.
func (ch *Chat) Send(ctx context.Context, text string) (*model.Answer, error) {
	contents := make([]apiContent, 0, len(ch.history)+1)
	for _, m := range ch.history {
		contents = append(contents, apiContent{
			Role:  m.Role,
			Parts: []apiPart{{Text: m.Text}},
		})
	}
	contents = append(contents, apiContent{
		Role:  "user",
		Parts: []apiPart{{Text: text}},
	})

	req := apiRequest{
		Contents:         contents,
		GenerationConfig: generationConfig(ch.reasoning),
	}
	return ch.client.call(ctx, ch.model, req)
}

// generationConfig enables dynamic thinking when the reasoning flag was
// set in the subject.
func generationConfig(reasoning bool) *apiGenerationConfig {
	if !reasoning {
		return nil
	}
	return &apiGenerationConfig{ThinkingConfig: &apiThinkingConfig{ThinkingBudget: -1}}
}

func encodeParts(parts []Part) []apiPart {
	out := make([]apiPart, 0, len(parts))
	for _, p := range parts {
		if p.Data != nil {
			out = append(out, apiPart{InlineData: &apiInlineData{
				MIMEType: p.MIMEType,
				Data:     base64.StdEncoding.EncodeToString(p.Data),
			}})
			continue
		}
		out = append(out, apiPart{Text: p.Text})
	}
	return out
}

// call performs one generateContent request and decodes the answer.
func (c *Client) call(ctx context.Context, modelName string, reqBody apiRequest) (*model.Answer, error) {
	bodyBytes, err := json.Marshal(reqBody)
	if err != nil {
		return nil, fmt.Errorf("marshaling request: %w", err)
	}

	endpoint := fmt.Sprintf("%s/models/%s:generateContent?key=%s",
		c.baseURL, url.PathEscape(modelName), url.QueryEscape(c.apiKey))

	req, err := http.NewRequestWithContext(
		ctx, http.MethodPost, endpoint, bytes.NewReader(bodyBytes),
	)
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("calling model backend: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("reading response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		var apiErr apiErrorResponse
		if json.Unmarshal(respBody, &apiErr) == nil && apiErr.Error.Message != "" {
			if isOverloaded(resp.StatusCode, apiErr.Error.Message) {
				return nil, fmt.Errorf("%s: %w", apiErr.Error.Message, errs.ErrOverloaded)
			}
			return nil, fmt.Errorf("backend error (%d): %s", resp.StatusCode, apiErr.Error.Message)
		}
		if isOverloaded(resp.StatusCode, "") {
			return nil, fmt.Errorf("backend unavailable (%d): %w", resp.StatusCode, errs.ErrOverloaded)
		}
		return nil, fmt.Errorf("backend error (%d): %s", resp.StatusCode, string(respBody))
	}

	var result apiResponse
	if err := json.Unmarshal(respBody, &result); err != nil {
		return nil, fmt.Errorf("decoding response: %w", err)
	}

	text := extractText(result)
	if text == "" {
		return nil, errs.ErrNoAnswer
	}

	return &model.Answer{
		Text:        text,
		TotalTokens: result.UsageMetadata.TotalTokenCount,
		Model:       modelName,
	}, nil
}

// isOverloaded reports whether the backend signaled transient capacity
// exhaustion rather than a hard failure.
func isOverloaded(status int, message string) bool {
	if status == http.StatusServiceUnavailable || status == http.StatusTooManyRequests {
		return true
	}
	return strings.Contains(strings.ToLower(message), "overloaded")
}

func extractText(resp apiResponse) string {
	if len(resp.Candidates) == 0 {
		return ""
	}
	var sb strings.Builder
	for _, p := range resp.Candidates[0].Content.Parts {
		sb.WriteString(p.Text)
	}
	return sb.String()
}
