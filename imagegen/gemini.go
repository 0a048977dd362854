package imagegen

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"
)

const (
	defaultBaseURL = "https://generativelanguage.googleapis.com/v1beta"
	// A single image generation can legitimately take minutes on pro.
	requestTimeout = 120 * time.Second
	// Responses carry one image as base64; cap reads well above any real payload.
	maxResponseBytes = 64 << 20
)

// modelID maps a variant to the provider's model identifier.
func modelID(model string) string {
	if model == ModelPro {
		return "gemini-2.5-pro-image"
	}
	return "gemini-2.5-flash-image"
}

// Gemini is a Generator over the Gemini generateContent REST endpoint.
type Gemini struct {
	httpClient *http.Client
	baseURL    string
	now        func() time.Time
}

// NewGemini creates a Gemini client. baseURL overrides the production
// endpoint; pass "" for the default.
func NewGemini(baseURL string) *Gemini {
	if baseURL == "" {
		baseURL = defaultBaseURL
	}
	return &Gemini{
		httpClient: &http.Client{Timeout: requestTimeout},
		baseURL:    baseURL,
		now:        time.Now,
	}
}

type geminiRequest struct {
	Contents         []geminiContent `json:"contents"`
	GenerationConfig geminiGenConfig `json:"generationConfig"`
}

type geminiContent struct {
	Parts []geminiPart `json:"parts"`
}

type geminiPart struct {
	Text       string            `json:"text,omitempty"`
	InlineData *geminiInlineData `json:"inlineData,omitempty"`
}

type geminiInlineData struct {
	MimeType string `json:"mimeType"`
	Data     string `json:"data"`
}

type geminiGenConfig struct {
	ResponseModalities []string           `json:"responseModalities"`
	ImageConfig        *geminiImageConfig `json:"imageConfig,omitempty"`
}

type geminiImageConfig struct {
	AspectRatio string `json:"aspectRatio,omitempty"`
	ImageSize   string `json:"imageSize,omitempty"`
}

type geminiResponse struct {
	Candidates []struct {
		Content struct {
			Parts []geminiPart `json:"parts"`
		} `json:"content"`
	} `json:"candidates"`
	Error *struct {
		Code    int    `json:"code"`
		Status  string `json:"status"`
		Message string `json:"message"`
	} `json:"error"`
}

// Generate implements Generator.
func (g *Gemini) Generate(ctx context.Context, p Params) (Result, error) {
	if p.Credential == "" {
		return Result{}, &Error{Kind: KindAuthFailure, Message: "no credential"}
	}

	start := g.now()

	parts := []geminiPart{{Text: p.Prompt}}
	for _, ref := range p.ReferenceImages {
		parts = append(parts, geminiPart{InlineData: &geminiInlineData{
			MimeType: ref.MimeType,
			Data:     base64.StdEncoding.EncodeToString(ref.Data),
		}})
	}

	reqBody := geminiRequest{
		Contents: []geminiContent{{Parts: parts}},
		GenerationConfig: geminiGenConfig{
			ResponseModalities: []string{"IMAGE"},
			ImageConfig: &geminiImageConfig{
				AspectRatio: p.AspectRatio,
				ImageSize:   p.Size,
			},
		},
	}
	raw, err := json.Marshal(reqBody)
	if err != nil {
		return Result{}, &Error{Kind: KindInvalidInput, Message: "marshal request", cause: err}
	}

	url := fmt.Sprintf("%s/models/%s:generateContent", g.baseURL, modelID(p.Model))
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(raw))
	if err != nil {
		return Result{}, &Error{Kind: KindTransient, Message: "build request", cause: err}
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("x-goog-api-key", p.Credential)

	resp, err := g.httpClient.Do(req)
	if err != nil {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return Result{}, err
		}
		return Result{}, &Error{Kind: KindTransient, Message: "request failed", cause: err}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return Result{}, &Error{Kind: KindTransient, Message: "read response", cause: err}
	}

	if resp.StatusCode != http.StatusOK {
		return Result{}, classifyHTTP(resp, body)
	}

	var parsed geminiResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return Result{}, &Error{Kind: KindTransient, Message: "decode response", cause: err}
	}

	for _, cand := range parsed.Candidates {
		for _, part := range cand.Content.Parts {
			if part.InlineData == nil {
				continue
			}
			data, err := base64.StdEncoding.DecodeString(part.InlineData.Data)
			if err != nil {
				return Result{}, &Error{Kind: KindTransient, Message: "decode image payload", cause: err}
			}
			return Result{
				Data:         data,
				MimeType:     part.InlineData.MimeType,
				ProcessingMS: g.now().Sub(start).Milliseconds(),
				CostUSD:      CostUSD(p.Model),
			}, nil
		}
	}

	// 200 with no image usually means the model refused the prompt.
	return Result{}, &Error{Kind: KindInvalidInput, Message: "response contains no image"}
}

func classifyHTTP(resp *http.Response, body []byte) *Error {
	var parsed geminiResponse
	msg := http.StatusText(resp.StatusCode)
	if json.Unmarshal(body, &parsed) == nil && parsed.Error != nil && parsed.Error.Message != "" {
		msg = parsed.Error.Message
	}

	switch {
	case resp.StatusCode == http.StatusBadRequest:
		return &Error{Kind: KindInvalidInput, Message: msg}
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return &Error{Kind: KindAuthFailure, Message: msg}
	case resp.StatusCode == http.StatusTooManyRequests:
		return &Error{Kind: KindQuotaExhausted, Message: msg, RetryAfter: retryAfter(resp)}
	default:
		return &Error{Kind: KindTransient, Message: fmt.Sprintf("status %d: %s", resp.StatusCode, msg)}
	}
}

func retryAfter(resp *http.Response) time.Duration {
	v := resp.Header.Get("Retry-After")
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(v); err == nil && secs > 0 {
		return time.Duration(secs) * time.Second
	}
	return 0
}
