package bridge

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/nugget/gembot/internal/gemini"
	"github.com/nugget/gembot/internal/history"
	"github.com/nugget/gembot/internal/telegram"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// fakeTransport records outbound calls.
type fakeTransport struct {
	mu       sync.Mutex
	messages []sentMessage
	photos   []sentPhoto
	htmls    []sentMessage
}

type sentMessage struct {
	ChatID int64
	Text   string
}

type sentPhoto struct {
	ChatID   int64
	Data     []byte
	Filename string
}

func (f *fakeTransport) SendMessage(ctx context.Context, chatID int64, text string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.messages = append(f.messages, sentMessage{chatID, text})
	return nil
}

func (f *fakeTransport) SendHTML(ctx context.Context, chatID int64, html string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.htmls = append(f.htmls, sentMessage{chatID, html})
	return nil
}

func (f *fakeTransport) SendChatAction(ctx context.Context, chatID int64, action string) error {
	return nil
}

func (f *fakeTransport) SendPhoto(ctx context.Context, chatID int64, data []byte, filename string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.photos = append(f.photos, sentPhoto{chatID, data, filename})
	return nil
}

func (f *fakeTransport) sentMessages() []sentMessage {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]sentMessage(nil), f.messages...)
}

func (f *fakeTransport) sentPhotos() []sentPhoto {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]sentPhoto(nil), f.photos...)
}

// fakeGenerator returns canned replies and records calls.
type fakeGenerator struct {
	mu        sync.Mutex
	reply     func(prompt string, turns []gemini.Turn) string
	imageData []byte
	imageErr  error
	textCalls int
	history   [][]gemini.Turn
}

func (f *fakeGenerator) GenerateText(ctx context.Context, prompt string, turns []gemini.Turn) string {
	f.mu.Lock()
	f.textCalls++
	f.history = append(f.history, append([]gemini.Turn(nil), turns...))
	reply := f.reply
	f.mu.Unlock()
	if reply != nil {
		return reply(prompt, turns)
	}
	return "reply to " + prompt
}

func (f *fakeGenerator) GenerateImage(ctx context.Context, prompt string) ([]byte, error) {
	if f.imageErr != nil {
		return nil, f.imageErr
	}
	return f.imageData, nil
}

func (f *fakeGenerator) calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.textCalls
}

func newTestStore(t *testing.T) *history.Store {
	t.Helper()
	s, err := history.NewStore(filepath.Join(t.TempDir(), "history.db"))
	if err != nil {
		t.Fatalf("NewStore error: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

// failingStore wraps a real store and forces errors on selected
// operations.
type failingStore struct {
	*history.Store
	failRecent     bool
	failClear      bool
	failAppendRole string
}

func (f *failingStore) Recent(ctx context.Context, userID int64, limit int) ([]history.Turn, error) {
	if f.failRecent {
		return nil, errors.New("database is locked")
	}
	return f.Store.Recent(ctx, userID, limit)
}

func (f *failingStore) Clear(ctx context.Context, userID int64) error {
	if f.failClear {
		return errors.New("database is locked")
	}
	return f.Store.Clear(ctx, userID)
}

func (f *failingStore) Append(ctx context.Context, userID int64, role, text string) error {
	if role == f.failAppendRole {
		return errors.New("database is locked")
	}
	return f.Store.Append(ctx, userID, role, text)
}

func textUpdate(id, sender int64, text string) *telegram.Update {
	return &telegram.Update{
		UpdateID: id,
		Message: &telegram.Message{
			MessageID: id,
			From:      &telegram.User{ID: sender},
			Chat:      telegram.Chat{ID: sender, Type: "private"},
			Text:      &text,
		},
	}
}

// runBridge pushes the updates through Start and returns once all
// in-flight handling has finished.
func runBridge(t *testing.T, b *Bridge, updates ...*telegram.Update) {
	t.Helper()
	ch := make(chan *telegram.Update, len(updates))
	for _, u := range updates {
		ch <- u
	}
	close(ch)
	b.Start(context.Background(), ch)
}

func TestChatExchangeEndToEnd(t *testing.T) {
	store := newTestStore(t)
	transport := &fakeTransport{}
	gen := &fakeGenerator{reply: func(prompt string, turns []gemini.Turn) string {
		if len(turns) != 0 {
			t.Errorf("first exchange should see empty history, got %d turns", len(turns))
		}
		return "hi"
	}}

	b := NewBridge(BridgeConfig{
		Transport: transport,
		Generator: gen,
		Store:     store,
		Logger:    discardLogger(),
	})

	runBridge(t, b, textUpdate(1, 100, "hello"))

	msgs := transport.sentMessages()
	if len(msgs) != 1 || msgs[0].Text != "hi" || msgs[0].ChatID != 100 {
		t.Fatalf("sent messages = %+v, want single %q to chat 100", msgs, "hi")
	}

	turns, err := store.Recent(context.Background(), 100, 20)
	if err != nil {
		t.Fatalf("Recent error: %v", err)
	}
	want := []history.Turn{
		{Role: history.RoleUser, Text: "hello"},
		{Role: history.RoleModel, Text: "hi"},
	}
	if len(turns) != len(want) {
		t.Fatalf("stored %d turns, want %d", len(turns), len(want))
	}
	for i := range want {
		if turns[i].Role != want[i].Role || turns[i].Text != want[i].Text {
			t.Errorf("turn %d = (%s, %q), want (%s, %q)",
				i, turns[i].Role, turns[i].Text, want[i].Role, want[i].Text)
		}
	}
}

func TestChatSendsHistoryWindow(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	store.Append(ctx, 100, history.RoleUser, "earlier question")
	store.Append(ctx, 100, history.RoleModel, "earlier answer")

	gen := &fakeGenerator{}
	b := NewBridge(BridgeConfig{
		Transport: &fakeTransport{},
		Generator: gen,
		Store:     store,
		Logger:    discardLogger(),
	})

	runBridge(t, b, textUpdate(1, 100, "followup"))

	gen.mu.Lock()
	defer gen.mu.Unlock()
	if len(gen.history) != 1 {
		t.Fatalf("generator called %d times, want 1", len(gen.history))
	}
	got := gen.history[0]
	if len(got) != 2 || got[0].Text != "earlier question" || got[1].Text != "earlier answer" {
		t.Errorf("history passed to generator = %+v, want prior exchange in order", got)
	}
}

func TestNewChatClearsHistory(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	store.Append(ctx, 100, history.RoleUser, "old")
	store.Append(ctx, 100, history.RoleModel, "stuff")

	transport := &fakeTransport{}
	b := NewBridge(BridgeConfig{
		Transport: transport,
		Generator: &fakeGenerator{},
		Store:     store,
		Logger:    discardLogger(),
	})

	runBridge(t, b, textUpdate(1, 100, "/new_chat"))

	msgs := transport.sentMessages()
	if len(msgs) != 1 || msgs[0].Text != newChatReply {
		t.Errorf("sent messages = %+v, want single %q", msgs, newChatReply)
	}

	turns, err := store.Recent(ctx, 100, 20)
	if err != nil {
		t.Fatalf("Recent error: %v", err)
	}
	if len(turns) != 0 {
		t.Errorf("history has %d turns after /new_chat, want 0", len(turns))
	}
}

func TestChatHistoryFetchFailure(t *testing.T) {
	store := &failingStore{Store: newTestStore(t), failRecent: true}
	transport := &fakeTransport{}
	gen := &fakeGenerator{}
	b := NewBridge(BridgeConfig{
		Transport: transport,
		Generator: gen,
		Store:     store,
		Logger:    discardLogger(),
	})

	runBridge(t, b, textUpdate(1, 100, "hello"))

	msgs := transport.sentMessages()
	if len(msgs) != 1 || msgs[0].Text != historyFailNote {
		t.Errorf("sent messages = %+v, want single history failure note", msgs)
	}
	if gen.calls() != 0 {
		t.Errorf("generator called %d times after fetch failure, want 0", gen.calls())
	}
	turns, err := store.Store.Recent(context.Background(), 100, 20)
	if err != nil {
		t.Fatalf("Recent error: %v", err)
	}
	if len(turns) != 0 {
		t.Errorf("failed exchange persisted %d turns, want 0", len(turns))
	}
}

func TestNewChatClearFailure(t *testing.T) {
	store := &failingStore{Store: newTestStore(t), failClear: true}
	ctx := context.Background()
	store.Store.Append(ctx, 100, history.RoleUser, "old")

	transport := &fakeTransport{}
	b := NewBridge(BridgeConfig{
		Transport: transport,
		Generator: &fakeGenerator{},
		Store:     store,
		Logger:    discardLogger(),
	})

	runBridge(t, b, textUpdate(1, 100, "/new_chat"))

	msgs := transport.sentMessages()
	if len(msgs) != 1 || msgs[0].Text != historyFailNote {
		t.Errorf("sent messages = %+v, want failure note instead of %q", msgs, newChatReply)
	}
}

// A failed user-turn append must stop persistence for the exchange: the
// model turn is never written without its prompt, but the reply has
// already been delivered.
func TestChatUserAppendFailureSkipsModelTurn(t *testing.T) {
	store := &failingStore{Store: newTestStore(t), failAppendRole: history.RoleUser}
	transport := &fakeTransport{}
	b := NewBridge(BridgeConfig{
		Transport: transport,
		Generator: &fakeGenerator{},
		Store:     store,
		Logger:    discardLogger(),
	})

	runBridge(t, b, textUpdate(1, 100, "hello"))

	msgs := transport.sentMessages()
	if len(msgs) != 1 || msgs[0].Text != "reply to hello" {
		t.Errorf("sent messages = %+v, want the reply delivered before persistence", msgs)
	}

	turns, err := store.Store.Recent(context.Background(), 100, 20)
	if err != nil {
		t.Fatalf("Recent error: %v", err)
	}
	if len(turns) != 0 {
		t.Errorf("stored %d turns after user append failure, want 0 (no orphan model turn)", len(turns))
	}
}

func TestStartSendsWelcome(t *testing.T) {
	transport := &fakeTransport{}
	b := NewBridge(BridgeConfig{
		Transport: transport,
		Generator: &fakeGenerator{},
		Store:     newTestStore(t),
		Logger:    discardLogger(),
	})

	runBridge(t, b, textUpdate(1, 100, "/start"))

	msgs := transport.sentMessages()
	if len(msgs) != 1 || msgs[0].Text != welcomeReply {
		t.Errorf("sent messages = %+v, want single %q", msgs, welcomeReply)
	}
}

func TestImageWithoutPromptSendsUsage(t *testing.T) {
	store := newTestStore(t)
	transport := &fakeTransport{}
	gen := &fakeGenerator{imageData: []byte{1, 2, 3}}
	b := NewBridge(BridgeConfig{
		Transport: transport,
		Generator: gen,
		Store:     store,
		Logger:    discardLogger(),
	})

	runBridge(t, b, textUpdate(1, 100, "/image"))

	msgs := transport.sentMessages()
	if len(msgs) != 1 || msgs[0].Text != imageUsageReply {
		t.Errorf("sent messages = %+v, want single usage reply", msgs)
	}
	if len(transport.sentPhotos()) != 0 {
		t.Error("no photo should be sent for a bare /image")
	}

	turns, _ := store.Recent(context.Background(), 100, 20)
	if len(turns) != 0 {
		t.Errorf("image command persisted %d turns, want 0", len(turns))
	}
}

func TestImageSuccessSendsPhoto(t *testing.T) {
	transport := &fakeTransport{}
	gen := &fakeGenerator{imageData: []byte{0x89, 'P', 'N', 'G'}}
	b := NewBridge(BridgeConfig{
		Transport: transport,
		Generator: gen,
		Store:     newTestStore(t),
		Logger:    discardLogger(),
	})

	runBridge(t, b, textUpdate(1, 100, "/image a sunset"))

	photos := transport.sentPhotos()
	if len(photos) != 1 {
		t.Fatalf("sent %d photos, want 1", len(photos))
	}
	if photos[0].Filename != "image.png" {
		t.Errorf("filename = %q, want image.png", photos[0].Filename)
	}
	if string(photos[0].Data) != string(gen.imageData) {
		t.Errorf("photo bytes = %v, want %v", photos[0].Data, gen.imageData)
	}
}

func TestImageFailureSendsApology(t *testing.T) {
	transport := &fakeTransport{}
	gen := &fakeGenerator{imageErr: &gemini.GenerationError{Kind: gemini.KindStatus, StatusCode: 500}}
	b := NewBridge(BridgeConfig{
		Transport: transport,
		Generator: gen,
		Store:     newTestStore(t),
		Logger:    discardLogger(),
	})

	runBridge(t, b, textUpdate(1, 100, "/image a sunset"))

	msgs := transport.sentMessages()
	if len(msgs) != 1 || msgs[0].Text != imageFailReply {
		t.Errorf("sent messages = %+v, want single apology", msgs)
	}
	if len(transport.sentPhotos()) != 0 {
		t.Error("no photo should be sent on generation failure")
	}
}

func TestQRCommand(t *testing.T) {
	transport := &fakeTransport{}
	b := NewBridge(BridgeConfig{
		Transport: transport,
		Generator: &fakeGenerator{},
		Store:     newTestStore(t),
		Logger:    discardLogger(),
	})

	runBridge(t, b,
		textUpdate(1, 100, "/qr"),
		textUpdate(2, 100, "/qr https://example.com"),
	)

	msgs := transport.sentMessages()
	if len(msgs) != 1 || msgs[0].Text != qrUsageReply {
		t.Errorf("sent messages = %+v, want single usage reply", msgs)
	}

	photos := transport.sentPhotos()
	if len(photos) != 1 {
		t.Fatalf("sent %d photos, want 1", len(photos))
	}
	if photos[0].Filename != "qr.png" {
		t.Errorf("filename = %q, want qr.png", photos[0].Filename)
	}
	if len(photos[0].Data) == 0 {
		t.Error("QR photo payload is empty")
	}
}

func TestNonTextUpdatesIgnored(t *testing.T) {
	store := newTestStore(t)
	transport := &fakeTransport{}
	gen := &fakeGenerator{}
	b := NewBridge(BridgeConfig{
		Transport: transport,
		Generator: gen,
		Store:     store,
		Logger:    discardLogger(),
	})

	runBridge(t, b,
		&telegram.Update{UpdateID: 1}, // no message at all
		&telegram.Update{UpdateID: 2, Message: &telegram.Message{ // photo-only
			From: &telegram.User{ID: 100},
			Chat: telegram.Chat{ID: 100},
		}},
	)

	if gen.calls() != 0 {
		t.Errorf("generator called %d times for non-text updates, want 0", gen.calls())
	}
	if len(transport.sentMessages()) != 0 {
		t.Error("no reply should be sent for non-text updates")
	}
	turns, _ := store.Recent(context.Background(), 100, 20)
	if len(turns) != 0 {
		t.Errorf("non-text updates persisted %d turns, want 0", len(turns))
	}
}

// Two concurrent messages from one user must not interleave their
// read/append sequences: the second exchange sees the first one's turns.
func TestPerUserSerialization(t *testing.T) {
	store := newTestStore(t)
	var mu sync.Mutex
	var calls int
	gen := &fakeGenerator{reply: func(prompt string, turns []gemini.Turn) string {
		mu.Lock()
		calls++
		first := calls == 1
		mu.Unlock()
		if first {
			// Hold the first exchange open long enough that a racing
			// second exchange would read empty history.
			time.Sleep(100 * time.Millisecond)
		}
		return "reply to " + prompt
	}}

	b := NewBridge(BridgeConfig{
		Transport: &fakeTransport{},
		Generator: gen,
		Store:     store,
		Logger:    discardLogger(),
	})

	runBridge(t, b,
		textUpdate(1, 100, "first"),
		textUpdate(2, 100, "second"),
	)

	turns, err := store.Recent(context.Background(), 100, 20)
	if err != nil {
		t.Fatalf("Recent error: %v", err)
	}
	wantTexts := []string{"first", "reply to first", "second", "reply to second"}
	if len(turns) != len(wantTexts) {
		t.Fatalf("stored %d turns, want %d", len(turns), len(wantTexts))
	}
	for i, want := range wantTexts {
		if turns[i].Text != want {
			t.Errorf("turn %d = %q, want %q", i, turns[i].Text, want)
		}
	}

	gen.mu.Lock()
	defer gen.mu.Unlock()
	if len(gen.history[1]) != 2 {
		t.Errorf("second exchange saw %d history turns, want 2", len(gen.history[1]))
	}
}

func TestRateLimit(t *testing.T) {
	gen := &fakeGenerator{}
	b := NewBridge(BridgeConfig{
		Transport: &fakeTransport{},
		Generator: gen,
		Store:     newTestStore(t),
		Logger:    discardLogger(),
		RateLimit: 1,
	})

	runBridge(t, b,
		textUpdate(1, 100, "one"),
		textUpdate(2, 100, "two"),
	)

	if gen.calls() != 1 {
		t.Errorf("generator called %d times with rate limit 1, want 1", gen.calls())
	}
}

func TestMarkdownReplyUsesHTML(t *testing.T) {
	transport := &fakeTransport{}
	gen := &fakeGenerator{reply: func(string, []gemini.Turn) string {
		return "**bold** reply"
	}}
	b := NewBridge(BridgeConfig{
		Transport: transport,
		Generator: gen,
		Store:     newTestStore(t),
		Logger:    discardLogger(),
		Markdown:  true,
	})

	runBridge(t, b, textUpdate(1, 100, "hello"))

	transport.mu.Lock()
	defer transport.mu.Unlock()
	if len(transport.htmls) != 1 || transport.htmls[0].Text != "<b>bold</b> reply" {
		t.Errorf("html sends = %+v, want rendered bold reply", transport.htmls)
	}
	if len(transport.messages) != 0 {
		t.Errorf("plain sends = %+v, want none when HTML succeeds", transport.messages)
	}
}

func TestSplitCommand(t *testing.T) {
	tests := []struct {
		text     string
		wantCmd  string
		wantArgs string
	}{
		{"/start", "/start", ""},
		{"/new_chat", "/new_chat", ""},
		{"/image a red fox", "/image", "a red fox"},
		{"/image@gembot a red fox", "/image", "a red fox"},
		{"/qr  spaced  ", "/qr", "spaced"},
		{"hello there", "", "hello there"},
	}

	for _, tt := range tests {
		cmd, args := splitCommand(tt.text)
		if cmd != tt.wantCmd || args != tt.wantArgs {
			t.Errorf("splitCommand(%q) = (%q, %q), want (%q, %q)",
				tt.text, cmd, args, tt.wantCmd, tt.wantArgs)
		}
	}
}
