// Package bridge connects the Telegram transport to the Gemini client
// and the history store. It owns all per-message policy: command
// dispatch, the history window, reply delivery, and the order in which
// an exchange is persisted.
package bridge

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/skip2/go-qrcode"

	"github.com/nugget/gembot/internal/gemini"
	"github.com/nugget/gembot/internal/history"
	"github.com/nugget/gembot/internal/telegram"
)

// handleTimeout bounds how long a single inbound message may be
// processed (generation + reply send + persistence).
const handleTimeout = 2 * time.Minute

// rateWindow is the sliding window for per-sender rate limiting.
const rateWindow = time.Minute

// cleanupInterval controls how often stale rate-limit entries are
// evicted.
const cleanupInterval = 10 * time.Minute

// qrSize is the pixel size of generated QR code images.
const qrSize = 512

// Fixed user-visible replies.
const (
	welcomeReply    = "Welcome to the Gemini bot!"
	newChatReply    = "Started a new chat."
	imageUsageReply = "Usage: /image <prompt>"
	qrUsageReply    = "Usage: /qr <text>"
	imageFailReply  = "Sorry, I couldn't generate that image. Please try again later."
	qrFailReply     = "Sorry, I couldn't generate that QR code."
	historyFailNote = "Sorry, I couldn't access the conversation history. Please try again."
)

// Transport is the outbound surface of the Telegram client used by the
// bridge. Narrowed to an interface for testability.
type Transport interface {
	SendMessage(ctx context.Context, chatID int64, text string) error
	SendHTML(ctx context.Context, chatID int64, html string) error
	SendChatAction(ctx context.Context, chatID int64, action string) error
	SendPhoto(ctx context.Context, chatID int64, data []byte, filename string) error
}

// Generator abstracts the Gemini client. The real implementation is
// *gemini.Client.
type Generator interface {
	GenerateText(ctx context.Context, prompt string, turns []gemini.Turn) string
	GenerateImage(ctx context.Context, prompt string) ([]byte, error)
}

// HistoryStore abstracts the history store. The real implementation is
// *history.Store.
type HistoryStore interface {
	Recent(ctx context.Context, userID int64, limit int) ([]history.Turn, error)
	Append(ctx context.Context, userID int64, role, text string) error
	Clear(ctx context.Context, userID int64) error
}

// BridgeConfig holds the dependencies for a Bridge.
type BridgeConfig struct {
	Transport Transport
	Generator Generator
	Store     HistoryStore
	Logger    *slog.Logger
	RateLimit int  // per sender per minute; 0 = unlimited
	Window    int  // history turns sent as model context; 0 = store default
	Markdown  bool // render model replies as Telegram HTML
}

// Bridge receives Telegram updates, routes them through the Gemini
// client, and sends replies back to the chat.
type Bridge struct {
	transport Transport
	generator Generator
	store     HistoryStore
	logger    *slog.Logger
	rateLimit int
	window    int
	markdown  bool

	queue *keyedQueue

	mu          sync.Mutex
	senderTimes map[int64][]time.Time
	lastCleanup time.Time
}

// NewBridge creates a Telegram message bridge.
func NewBridge(cfg BridgeConfig) *Bridge {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Bridge{
		transport:   cfg.Transport,
		generator:   cfg.Generator,
		store:       cfg.Store,
		logger:      logger.With("component", "bridge"),
		rateLimit:   cfg.RateLimit,
		window:      cfg.Window,
		markdown:    cfg.Markdown,
		queue:       newKeyedQueue(),
		senderTimes: make(map[int64][]time.Time),
	}
}

// Start consumes updates until ctx is cancelled or the channel closes,
// then waits for in-flight messages to finish. Dispatch is keyed by
// sender id: messages from one user are handled strictly in order,
// while different users proceed concurrently.
func (b *Bridge) Start(ctx context.Context, updates <-chan *telegram.Update) {
	b.logger.Info("bridge started")

	for {
		select {
		case <-ctx.Done():
			b.logger.Info("bridge shutting down")
			b.queue.Wait()
			return
		case upd, ok := <-updates:
			if !ok {
				b.logger.Info("update channel closed, bridge stopping")
				b.queue.Wait()
				return
			}

			msg := upd.Message
			if msg == nil || msg.Text == nil {
				// Non-text content is out of scope; ignoring it here
				// keeps empty turns out of the history.
				b.logger.Debug("ignoring non-text update", "update_id", upd.UpdateID)
				continue
			}

			sender := msg.SenderID()
			if !b.allowSender(sender) {
				b.logger.Warn("message rate-limited", "sender", sender)
				continue
			}

			b.queue.Do(sender, func() {
				b.handleMessage(ctx, msg)
			})
		}
	}
}

// handleMessage dispatches one inbound text message.
func (b *Bridge) handleMessage(ctx context.Context, msg *telegram.Message) {
	ctx, cancel := context.WithTimeout(ctx, handleTimeout)
	defer cancel()

	// Correlation id for every log line of this exchange.
	exchangeID, _ := uuid.NewV7()
	logger := b.logger.With(
		"exchange_id", exchangeID.String(),
		"sender", msg.SenderID(),
		"chat", msg.Chat.ID,
	)

	text := *msg.Text
	cmd, args := splitCommand(text)

	switch cmd {
	case "/start":
		b.handleReset(ctx, logger, msg, welcomeReply)
	case "/new_chat":
		b.handleReset(ctx, logger, msg, newChatReply)
	case "/image":
		b.handleImage(ctx, logger, msg, args)
	case "/qr":
		b.handleQR(ctx, logger, msg, args)
	default:
		b.handleChat(ctx, logger, msg, text)
	}
}

// handleChat runs the context-augmented exchange: window fetch, text
// generation, reply delivery, then persistence of both turns.
func (b *Bridge) handleChat(ctx context.Context, logger *slog.Logger, msg *telegram.Message, text string) {
	sender := msg.SenderID()
	logger.Info("message received", "message_len", len(text))

	// Best effort; the indicator never blocks the exchange.
	if err := b.transport.SendChatAction(ctx, msg.Chat.ID, telegram.ActionTyping); err != nil {
		logger.Debug("typing indicator failed", "error", err)
	}

	turns, err := b.store.Recent(ctx, sender, b.window)
	if err != nil {
		logger.Error("history fetch failed", "error", err)
		b.sendText(ctx, logger, msg.Chat.ID, historyFailNote)
		return
	}

	reply := b.generator.GenerateText(ctx, text, toGeminiTurns(turns))

	b.sendReply(ctx, logger, msg.Chat.ID, reply)

	// The user turn must be durable before the model turn so a crash
	// mid-sequence never leaves a reply without its prompt.
	if err := b.store.Append(ctx, sender, history.RoleUser, text); err != nil {
		logger.Error("history append failed", "role", history.RoleUser, "error", err)
		return
	}
	if err := b.store.Append(ctx, sender, history.RoleModel, reply); err != nil {
		logger.Error("history append failed", "role", history.RoleModel, "error", err)
		return
	}

	logger.Info("exchange completed",
		"history_turns", len(turns),
		"reply_len", len(reply),
	)
}

// handleReset clears the sender's history and sends a confirmation.
func (b *Bridge) handleReset(ctx context.Context, logger *slog.Logger, msg *telegram.Message, reply string) {
	if err := b.store.Clear(ctx, msg.SenderID()); err != nil {
		logger.Error("history clear failed", "error", err)
		b.sendText(ctx, logger, msg.Chat.ID, historyFailNote)
		return
	}
	logger.Info("history cleared")
	b.sendText(ctx, logger, msg.Chat.ID, reply)
}

// handleImage generates an image from the inline prompt and sends it as
// a photo. A missing prompt gets a usage message; generation failures
// get an apology. Neither path touches the history.
func (b *Bridge) handleImage(ctx context.Context, logger *slog.Logger, msg *telegram.Message, prompt string) {
	if prompt == "" {
		b.sendText(ctx, logger, msg.Chat.ID, imageUsageReply)
		return
	}

	logger.Info("image generation requested", "prompt_len", len(prompt))

	if err := b.transport.SendChatAction(ctx, msg.Chat.ID, telegram.ActionUploadPhoto); err != nil {
		logger.Debug("upload indicator failed", "error", err)
	}

	data, err := b.generator.GenerateImage(ctx, prompt)
	if err != nil {
		var genErr *gemini.GenerationError
		if errors.As(err, &genErr) {
			logger.Error("image generation failed", "kind", genErr.Kind, "error", genErr)
		} else {
			logger.Error("image generation failed", "error", err)
		}
		b.sendText(ctx, logger, msg.Chat.ID, imageFailReply)
		return
	}

	if err := b.transport.SendPhoto(ctx, msg.Chat.ID, data, "image.png"); err != nil {
		logger.Error("photo send failed", "error", err)
		return
	}
	logger.Info("image sent", "bytes", len(data))
}

// handleQR renders the argument text as a QR code photo.
func (b *Bridge) handleQR(ctx context.Context, logger *slog.Logger, msg *telegram.Message, text string) {
	if text == "" {
		b.sendText(ctx, logger, msg.Chat.ID, qrUsageReply)
		return
	}

	png, err := qrcode.Encode(text, qrcode.Medium, qrSize)
	if err != nil {
		logger.Error("qr encode failed", "error", err)
		b.sendText(ctx, logger, msg.Chat.ID, qrFailReply)
		return
	}

	if err := b.transport.SendPhoto(ctx, msg.Chat.ID, png, "qr.png"); err != nil {
		logger.Error("photo send failed", "error", err)
	}
}

// sendReply delivers a model reply, optionally rendered as Telegram
// HTML. Rendering or HTML delivery failures fall back to plain text so
// the reply slot is always filled.
func (b *Bridge) sendReply(ctx context.Context, logger *slog.Logger, chatID int64, reply string) {
	if b.markdown {
		html, err := telegram.RenderHTML(reply)
		if err == nil {
			if err := b.transport.SendHTML(ctx, chatID, html); err == nil {
				return
			}
			logger.Debug("html send failed, falling back to plain text")
		} else {
			logger.Debug("markdown render failed, falling back to plain text", "error", err)
		}
	}
	b.sendText(ctx, logger, chatID, reply)
}

// sendText sends plain text, logging failures. Delivery failure is
// terminal for the exchange; there is no retry.
func (b *Bridge) sendText(ctx context.Context, logger *slog.Logger, chatID int64, text string) {
	if err := b.transport.SendMessage(ctx, chatID, text); err != nil {
		logger.Error("reply send failed", "error", err)
	}
}

// allowSender checks whether the sender is within the per-minute rate
// limit. Returns true if the message should be processed.
func (b *Bridge) allowSender(senderID int64) bool {
	if b.rateLimit <= 0 {
		return true
	}

	now := time.Now()
	cutoff := now.Add(-rateWindow)

	b.mu.Lock()
	defer b.mu.Unlock()

	b.maybeCleanupLocked(now)

	// Prune expired timestamps for this sender.
	timestamps := b.senderTimes[senderID]
	valid := timestamps[:0]
	for _, ts := range timestamps {
		if ts.After(cutoff) {
			valid = append(valid, ts)
		}
	}

	if len(valid) >= b.rateLimit {
		b.senderTimes[senderID] = valid
		return false
	}

	b.senderTimes[senderID] = append(valid, now)
	return true
}

// maybeCleanupLocked evicts stale sender entries. Must be called with
// b.mu held.
func (b *Bridge) maybeCleanupLocked(now time.Time) {
	if now.Sub(b.lastCleanup) < cleanupInterval {
		return
	}
	b.lastCleanup = now

	cutoff := now.Add(-2 * rateWindow)
	for sender, timestamps := range b.senderTimes {
		if len(timestamps) == 0 {
			delete(b.senderTimes, sender)
			continue
		}
		if timestamps[len(timestamps)-1].Before(cutoff) {
			delete(b.senderTimes, sender)
		}
	}
}

// splitCommand separates a leading bot command from its argument text.
// Commands may carry an @botname suffix in group chats; it is stripped.
// Non-command text returns cmd == "".
func splitCommand(text string) (cmd, args string) {
	if !strings.HasPrefix(text, "/") {
		return "", text
	}
	cmd, args, _ = strings.Cut(text, " ")
	if at := strings.Index(cmd, "@"); at > 0 {
		cmd = cmd[:at]
	}
	return cmd, strings.TrimSpace(args)
}

// toGeminiTurns maps stored history turns onto the Gemini wire shape.
func toGeminiTurns(turns []history.Turn) []gemini.Turn {
	out := make([]gemini.Turn, len(turns))
	for i, t := range turns {
		out[i] = gemini.Turn{Role: t.Role, Text: t.Text}
	}
	return out
}
