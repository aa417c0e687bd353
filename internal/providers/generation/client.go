package generation

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/cuongbtq/tryon-be/internal/tryon/domain"
)

const defaultBaseURL = "https://generativelanguage.googleapis.com/v1beta"

// Options controls how the generation client is configured.
type Options struct {
	APIKey     string
	BaseURL    string
	Model      string
	HTTPClient *http.Client
	Logger     *slog.Logger
}

// Client calls a Gemini-style generateContent endpoint to produce the
// try-on image. It is deliberately thin: prompt composition and retry policy
// live in the pipeline, this type only translates requests and classifies
// provider failures.
type Client struct {
	apiKey     string
	baseURL    string
	model      string
	httpClient *http.Client
	logger     *slog.Logger
}

// NewClient creates a generation client
func NewClient(opts Options) *Client {
	baseURL := strings.TrimRight(opts.BaseURL, "/")
	if baseURL == "" {
		baseURL = defaultBaseURL
	}
	httpClient := opts.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 120 * time.Second}
	}
	return &Client{
		apiKey:     opts.APIKey,
		baseURL:    baseURL,
		model:      opts.Model,
		httpClient: httpClient,
		logger:     opts.Logger,
	}
}

type apiContent struct {
	Role  string    `json:"role,omitempty"`
	Parts []apiPart `json:"parts,omitempty"`
}

type apiPart struct {
	Text       string      `json:"text,omitempty"`
	InlineData *inlineData `json:"inlineData,omitempty"`
	FileData   *fileData   `json:"fileData,omitempty"`
}

type inlineData struct {
	MimeType string `json:"mimeType,omitempty"`
	Data     string `json:"data,omitempty"`
}

type fileData struct {
	MimeType string `json:"mimeType,omitempty"`
	FileURI  string `json:"fileUri,omitempty"`
}

type generateContentRequest struct {
	Contents         []apiContent      `json:"contents"`
	GenerationConfig *generationConfig `json:"generationConfig,omitempty"`
}

type generationConfig struct {
	CandidateCount int    `json:"candidateCount,omitempty"`
	AspectRatio    string `json:"aspectRatio,omitempty"`
}

type generateContentResponse struct {
	Candidates []struct {
		Content apiContent `json:"content"`
	} `json:"candidates"`
}

type apiErrorResponse struct {
	Error struct {
		Code    int    `json:"code,omitempty"`
		Message string `json:"message,omitempty"`
		Status  string `json:"status,omitempty"`
	} `json:"error"`
}

// Generate runs one generation attempt against the provider.
func (c *Client) Generate(ctx context.Context, req GenerateRequest) (*Image, error) {
	if req.SubjectRef == "" || req.GarmentRef == "" {
		return nil, fmt.Errorf("%w: subject and garment image references are required", domain.ErrInvalidInput)
	}

	parts := []apiPart{
		{Text: req.Prompt},
		{FileData: &fileData{MimeType: "image/png", FileURI: req.SubjectRef}},
		{FileData: &fileData{MimeType: "image/png", FileURI: req.GarmentRef}},
	}
	if req.BackgroundRef != "" {
		parts = append(parts, apiPart{FileData: &fileData{MimeType: "image/png", FileURI: req.BackgroundRef}})
	}

	payload := generateContentRequest{
		Contents: []apiContent{{Role: "user", Parts: parts}},
		GenerationConfig: &generationConfig{
			CandidateCount: 1,
			AspectRatio:    req.AspectRatio,
		},
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("generation: encode request: %w", err)
	}

	url := fmt.Sprintf("%s/models/%s:generateContent", c.baseURL, c.model)
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("generation: build request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("x-goog-api-key", c.apiKey)

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("generation: call provider: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 64<<20))
	if err != nil {
		return nil, fmt.Errorf("generation: read response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		return nil, c.classifyError(resp.StatusCode, respBody, req.RequestID)
	}

	var decoded generateContentResponse
	if err := json.Unmarshal(respBody, &decoded); err != nil {
		return nil, fmt.Errorf("generation: decode response: %w", err)
	}

	for _, candidate := range decoded.Candidates {
		for _, part := range candidate.Content.Parts {
			if part.InlineData == nil || part.InlineData.Data == "" {
				continue
			}
			data, err := base64.StdEncoding.DecodeString(part.InlineData.Data)
			if err != nil {
				return nil, fmt.Errorf("generation: decode image data: %w", err)
			}
			mime := part.InlineData.MimeType
			if mime == "" {
				mime = "image/png"
			}
			return &Image{Data: data, MIME: mime}, nil
		}
	}

	return nil, fmt.Errorf("generation: provider returned no image")
}

// classifyError maps provider HTTP failures onto the domain taxonomy so the
// pipeline can tell "back off globally" from "retry" from "give up".
func (c *Client) classifyError(status int, body []byte, requestID string) error {
	var apiErr apiErrorResponse
	message := strings.TrimSpace(string(body))
	if err := json.Unmarshal(body, &apiErr); err == nil && apiErr.Error.Message != "" {
		message = apiErr.Error.Message
	}

	if c.logger != nil {
		c.logger.Warn("Generation provider returned an error",
			slog.Int("status", status),
			slog.String("request_id", requestID),
			slog.String("message", message),
		)
	}

	switch {
	case status == http.StatusTooManyRequests:
		return fmt.Errorf("%w: %s", domain.ErrProviderRateLimited, message)
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return fmt.Errorf("%w: %s", domain.ErrUnauthorized, message)
	case status == http.StatusBadRequest || status == http.StatusUnprocessableEntity:
		return fmt.Errorf("%w: %s", domain.ErrInvalidInput, message)
	default:
		return fmt.Errorf("generation: provider error (status %d): %s", status, message)
	}
}
