package telegram

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/nugget/gembot/internal/httpkit"
)

// defaultAPIBase is the production Bot API host. Tests override it via
// the base argument to NewClientWithBase.
const defaultAPIBase = "https://api.telegram.org"

// maxMessageLen is the Bot API limit for a single sendMessage text.
const maxMessageLen = 4096

// Chat actions for SendChatAction.
const (
	ActionTyping      = "typing"
	ActionUploadPhoto = "upload_photo"
)

// Client is a Telegram Bot API client. All methods are safe for
// concurrent use.
type Client struct {
	apiBase    string // host + "/bot" + token
	httpClient *http.Client
	logger     *slog.Logger
}

// NewClient creates a Bot API client for the given bot token.
func NewClient(token string, logger *slog.Logger) *Client {
	return NewClientWithBase(defaultAPIBase, token, logger)
}

// NewClientWithBase creates a client against a non-default API host.
// Used by tests to point at an httptest server.
func NewClientWithBase(base, token string, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		apiBase: base + "/bot" + token,
		logger:  logger.With("component", "telegram"),
		// No global timeout and no response header timeout: getUpdates
		// long-polls, so the server holds headers for up to the poll
		// timeout plus network slack. Per-call bounds come from ctx
		// deadlines.
		httpClient: httpkit.NewClient(
			httpkit.WithTimeout(0),
			httpkit.WithResponseHeaderTimeout(0),
		),
	}
}

// apiResponse is the generic Bot API response wrapper.
type apiResponse struct {
	OK          bool            `json:"ok"`
	ErrorCode   int             `json:"error_code,omitempty"`
	Description string          `json:"description,omitempty"`
	Result      json.RawMessage `json:"result,omitempty"`
}

// GetMe fetches the bot's own account. Used as a startup credential
// probe before the poller begins.
func (c *Client) GetMe(ctx context.Context) (*User, error) {
	raw, err := c.call(ctx, "getMe", nil)
	if err != nil {
		return nil, fmt.Errorf("telegram getMe: %w", err)
	}
	var me User
	if err := json.Unmarshal(raw, &me); err != nil {
		return nil, fmt.Errorf("unmarshal getMe result: %w", err)
	}
	return &me, nil
}

// GetUpdates long-polls for inbound updates. offset is the next
// update_id to confirm; timeoutSec is the server-side hold time.
func (c *Client) GetUpdates(ctx context.Context, offset int64, timeoutSec int) ([]Update, error) {
	params := url.Values{}
	params.Set("offset", strconv.FormatInt(offset, 10))
	params.Set("timeout", strconv.Itoa(timeoutSec))
	params.Set("allowed_updates", `["message"]`)

	raw, err := c.call(ctx, "getUpdates?"+params.Encode(), nil)
	if err != nil {
		return nil, fmt.Errorf("telegram getUpdates: %w", err)
	}

	var updates []Update
	if err := json.Unmarshal(raw, &updates); err != nil {
		return nil, fmt.Errorf("unmarshal getUpdates result: %w", err)
	}
	return updates, nil
}

// SendMessage sends a plain-text message to the chat. Text longer than
// the Bot API limit is truncated.
func (c *Client) SendMessage(ctx context.Context, chatID int64, text string) error {
	return c.sendMessage(ctx, chatID, text, "")
}

// SendHTML sends a message with parse_mode=HTML. The Bot API rejects
// unbalanced or unsupported tags; callers should fall back to
// SendMessage when this errors.
func (c *Client) SendHTML(ctx context.Context, chatID int64, html string) error {
	return c.sendMessage(ctx, chatID, html, "HTML")
}

func (c *Client) sendMessage(ctx context.Context, chatID int64, text, parseMode string) error {
	payload := map[string]any{
		"chat_id": chatID,
		"text":    truncate(text, maxMessageLen),
	}
	if parseMode != "" {
		payload["parse_mode"] = parseMode
	}
	if _, err := c.call(ctx, "sendMessage", payload); err != nil {
		return fmt.Errorf("telegram sendMessage: %w", err)
	}
	return nil
}

// SendChatAction sends a chat action ("typing", "upload_photo"). Best
// effort from the caller's perspective; failures only affect the
// indicator, not message delivery.
func (c *Client) SendChatAction(ctx context.Context, chatID int64, action string) error {
	_, err := c.call(ctx, "sendChatAction", map[string]any{
		"chat_id": chatID,
		"action":  action,
	})
	if err != nil {
		return fmt.Errorf("telegram sendChatAction: %w", err)
	}
	return nil
}

// SendPhoto uploads image bytes as a photo message via multipart
// form data.
func (c *Client) SendPhoto(ctx context.Context, chatID int64, data []byte, filename string) error {
	var body bytes.Buffer
	w := multipart.NewWriter(&body)

	if err := w.WriteField("chat_id", strconv.FormatInt(chatID, 10)); err != nil {
		return fmt.Errorf("telegram sendPhoto: write chat_id: %w", err)
	}
	fw, err := w.CreateFormFile("photo", filename)
	if err != nil {
		return fmt.Errorf("telegram sendPhoto: create form file: %w", err)
	}
	if _, err := fw.Write(data); err != nil {
		return fmt.Errorf("telegram sendPhoto: write photo: %w", err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("telegram sendPhoto: close multipart: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.apiBase+"/sendPhoto", &body)
	if err != nil {
		return fmt.Errorf("telegram sendPhoto: create request: %w", err)
	}
	req.Header.Set("Content-Type", w.FormDataContentType())

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("telegram sendPhoto: %w", err)
	}
	defer httpkit.DrainAndClose(resp.Body, 1<<20)

	if _, err := decodeResponse(resp); err != nil {
		return fmt.Errorf("telegram sendPhoto: %w", err)
	}
	return nil
}

// call performs one Bot API request. A nil payload issues a GET (used
// for getUpdates, whose parameters ride in the method string); anything
// else is POSTed as JSON.
func (c *Client) call(ctx context.Context, method string, payload any) (json.RawMessage, error) {
	var req *http.Request
	var err error

	if payload == nil {
		req, err = http.NewRequestWithContext(ctx, http.MethodGet, c.apiBase+"/"+method, nil)
	} else {
		var body []byte
		body, err = json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("marshal payload: %w", err)
		}
		req, err = http.NewRequestWithContext(ctx, http.MethodPost, c.apiBase+"/"+method, bytes.NewReader(body))
		if req != nil {
			req.Header.Set("Content-Type", "application/json")
		}
	}
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer httpkit.DrainAndClose(resp.Body, 1<<20)

	name, _, _ := strings.Cut(method, "?")
	c.logger.Debug("bot api call", "method", name, "status", resp.StatusCode)

	return decodeResponse(resp)
}

// decodeResponse unwraps the Bot API response envelope, converting
// ok=false and non-2xx statuses into errors.
func decodeResponse(resp *http.Response) (json.RawMessage, error) {
	body, err := io.ReadAll(io.LimitReader(resp.Body, 8<<20))
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}

	var wrapped apiResponse
	if err := json.Unmarshal(body, &wrapped); err != nil {
		return nil, fmt.Errorf("API error %d: unparseable body", resp.StatusCode)
	}
	if !wrapped.OK {
		return nil, fmt.Errorf("API error %d: %s", wrapped.ErrorCode, wrapped.Description)
	}
	return wrapped.Result, nil
}

// truncate returns s truncated to maxLen runes.
func truncate(s string, maxLen int) string {
	runes := []rune(s)
	if len(runes) <= maxLen {
		return s
	}
	return string(runes[:maxLen])
}
