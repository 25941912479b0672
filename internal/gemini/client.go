// Package gemini provides a client for the Gemini generateContent API.
//
// Text generation and image generation share request shaping but differ
// deliberately in failure policy. A text reply slot must never be left
// unfilled, so GenerateText converts every classified failure into a
// human-readable diagnostic string the caller can send as the chat
// reply. A photo reply has no textual fallback, so GenerateImage
// propagates a typed *GenerationError and the caller decides how to
// report it.
package gemini

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/nugget/gembot/internal/httpkit"
)

// Endpoints for the Gemini API. The text model and the image generation
// model are separate generateContent endpoints.
const (
	defaultTextURL  = "https://generativelanguage.googleapis.com/v1beta/models/gemini-2.5-flash-preview-05-20:generateContent"
	defaultImageURL = "https://generativelanguage.googleapis.com/v1beta/models/gemini-2.0-flash-preview-image-generation:generateContent"
)

// defaultTimeout bounds a single generateContent call. One attempt per
// call; retry policy belongs to the caller, and no caller retries.
const defaultTimeout = 30 * time.Second

// maxErrorBody limits how much of an error response body is carried
// into diagnostics.
const maxErrorBody = 512

// FailureKind classifies a generateContent failure.
type FailureKind string

const (
	// KindTransport covers dial, TLS, and timeout failures, the
	// request never produced an HTTP response.
	KindTransport FailureKind = "transport"
	// KindStatus is a non-2xx HTTP response.
	KindStatus FailureKind = "status"
	// KindDecode is a malformed or undecodable response body.
	KindDecode FailureKind = "decode"
	// KindEmpty is a well-formed response with no usable payload.
	KindEmpty FailureKind = "empty"
)

// GenerationError is a classified generateContent failure. The image
// path returns it to the caller; the text path stringifies it into the
// reply.
type GenerationError struct {
	Kind       FailureKind
	StatusCode int   // set when Kind == KindStatus
	Err        error // underlying cause, if any
	Detail     string
}

// Error implements the error interface.
func (e *GenerationError) Error() string {
	switch {
	case e.Err != nil && e.Detail != "":
		return fmt.Sprintf("gemini %s failure: %s: %v", e.Kind, e.Detail, e.Err)
	case e.Err != nil:
		return fmt.Sprintf("gemini %s failure: %v", e.Kind, e.Err)
	default:
		return fmt.Sprintf("gemini %s failure: %s", e.Kind, e.Detail)
	}
}

// Unwrap exposes the underlying cause for errors.Is/As.
func (e *GenerationError) Unwrap() error {
	return e.Err
}

// Turn is one prior conversation turn sent as model context. Role is
// "user" or "model", matching the Gemini contents format.
type Turn struct {
	Role string
	Text string
}

// Option configures a Client.
type Option func(*Client)

// WithTextURL overrides the text generation endpoint (tests).
func WithTextURL(u string) Option {
	return func(c *Client) { c.textURL = u }
}

// WithImageURL overrides the image generation endpoint (tests).
func WithImageURL(u string) Option {
	return func(c *Client) { c.imageURL = u }
}

// WithTimeout overrides the per-call timeout.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) { c.httpClient.Timeout = d }
}

// WithHTTPClient replaces the underlying HTTP client entirely.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.httpClient = hc }
}

// Client calls the Gemini generateContent API. It is stateless; all
// conversation context arrives as arguments.
type Client struct {
	apiKey     string
	textURL    string
	imageURL   string
	httpClient *http.Client
	logger     *slog.Logger
}

// NewClient creates a Gemini client. An empty API key is a
// configuration error reported immediately, before any network attempt.
func NewClient(apiKey string, logger *slog.Logger, opts ...Option) (*Client, error) {
	if apiKey == "" {
		return nil, errors.New("gemini api key is not set")
	}
	if logger == nil {
		logger = slog.Default()
	}

	c := &Client{
		apiKey:     apiKey,
		textURL:    defaultTextURL,
		imageURL:   defaultImageURL,
		logger:     logger.With("component", "gemini"),
		// The overall client timeout is the only per-call bound; the
		// transport's response header timeout is disabled so a slow
		// generation may use the full window before its headers arrive.
		httpClient: httpkit.NewClient(
			httpkit.WithTimeout(defaultTimeout),
			httpkit.WithResponseHeaderTimeout(0),
		),
	}
	for _, o := range opts {
		o(c)
	}
	return c, nil
}

// Wire types for the generateContent request and response.

type content struct {
	Role  string `json:"role"`
	Parts []part `json:"parts"`
}

type part struct {
	Text       string      `json:"text,omitempty"`
	InlineData *inlineData `json:"inlineData,omitempty"`
}

type inlineData struct {
	MimeType string `json:"mimeType,omitempty"`
	Data     string `json:"data,omitempty"`
}

type generateRequest struct {
	Contents []content `json:"contents"`
}

type generateResponse struct {
	Candidates []struct {
		Content content `json:"content"`
	} `json:"candidates"`
}

// GenerateText produces a reply to prompt given the ordered history.
// The history is mapped to role-tagged content blocks in order, and the
// prompt is always appended as a final "user" block regardless of the
// role of the last history turn.
//
// GenerateText never fails: any transport error, non-2xx status,
// malformed body, or empty text payload is returned as a diagnostic
// string so the caller always has something to send back to the user.
func (c *Client) GenerateText(ctx context.Context, prompt string, turns []Turn) string {
	contents := make([]content, 0, len(turns)+1)
	for _, t := range turns {
		contents = append(contents, content{
			Role:  t.Role,
			Parts: []part{{Text: t.Text}},
		})
	}
	contents = append(contents, content{
		Role:  "user",
		Parts: []part{{Text: prompt}},
	})

	resp, genErr := c.post(ctx, c.textURL, contents)
	if genErr == nil {
		text := firstText(resp)
		if text != "" {
			return text
		}
		genErr = &GenerationError{Kind: KindEmpty, Detail: "empty response from Gemini"}
	}

	c.logger.Warn("text generation failed",
		"kind", genErr.Kind,
		"error", genErr,
	)
	return "Error contacting Gemini API: " + diagnostic(genErr)
}

// GenerateImage produces raw image bytes for prompt. Unlike
// GenerateText, failures propagate as a *GenerationError: there is no
// meaningful textual fallback for a photo reply.
func (c *Client) GenerateImage(ctx context.Context, prompt string) ([]byte, error) {
	contents := []content{{
		Role:  "user",
		Parts: []part{{Text: prompt}},
	}}

	resp, genErr := c.post(ctx, c.imageURL, contents)
	if genErr != nil {
		c.logger.Warn("image generation failed",
			"kind", genErr.Kind,
			"error", genErr,
		)
		return nil, genErr
	}

	b64 := firstInlineData(resp)
	if b64 == "" {
		return nil, &GenerationError{Kind: KindEmpty, Detail: "empty image response from Gemini"}
	}

	data, err := base64.StdEncoding.DecodeString(b64)
	if err != nil {
		return nil, &GenerationError{Kind: KindDecode, Err: err, Detail: "undecodable image payload"}
	}
	return data, nil
}

// post sends one generateContent request and decodes the response.
// Exactly one attempt; the client timeout bounds the wait.
func (c *Client) post(ctx context.Context, endpoint string, contents []content) (*generateResponse, *GenerationError) {
	body, err := json.Marshal(generateRequest{Contents: contents})
	if err != nil {
		return nil, &GenerationError{Kind: KindDecode, Err: err, Detail: "marshal request"}
	}

	// Credential travels as a query parameter, per the API contract.
	u := endpoint
	if strings.Contains(u, "?") {
		u += "&key=" + url.QueryEscape(c.apiKey)
	} else {
		u += "?key=" + url.QueryEscape(c.apiKey)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u, bytes.NewReader(body))
	if err != nil {
		return nil, &GenerationError{Kind: KindTransport, Err: err, Detail: "create request"}
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, &GenerationError{Kind: KindTransport, Err: err}
	}
	defer httpkit.DrainAndClose(resp.Body, 1<<20)

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		excerpt, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return nil, &GenerationError{
			Kind:       KindStatus,
			StatusCode: resp.StatusCode,
			Detail:     strings.TrimSpace(string(excerpt)),
		}
	}

	var decoded generateResponse
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		return nil, &GenerationError{Kind: KindDecode, Err: err, Detail: "decode response"}
	}
	return &decoded, nil
}

// firstText extracts the first candidate's first text part, or "".
func firstText(resp *generateResponse) string {
	if len(resp.Candidates) == 0 || len(resp.Candidates[0].Content.Parts) == 0 {
		return ""
	}
	return resp.Candidates[0].Content.Parts[0].Text
}

// firstInlineData extracts the first candidate's first inline data
// payload (base64), or "".
func firstInlineData(resp *generateResponse) string {
	if len(resp.Candidates) == 0 || len(resp.Candidates[0].Content.Parts) == 0 {
		return ""
	}
	if resp.Candidates[0].Content.Parts[0].InlineData == nil {
		return ""
	}
	return resp.Candidates[0].Content.Parts[0].InlineData.Data
}

// diagnostic renders a GenerationError for inclusion in a user-visible
// reply. Kept terser than Error(), which is meant for logs.
func diagnostic(e *GenerationError) string {
	switch e.Kind {
	case KindStatus:
		if e.Detail != "" {
			return fmt.Sprintf("HTTP %d: %s", e.StatusCode, e.Detail)
		}
		return fmt.Sprintf("HTTP %d", e.StatusCode)
	case KindEmpty:
		return e.Detail
	default:
		if e.Err != nil {
			return e.Err.Error()
		}
		return e.Detail
	}
}
