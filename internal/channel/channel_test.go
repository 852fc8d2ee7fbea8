package channel

import (
	"bytes"
	"context"
	"encoding/base64"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/cexll/agentsdk-go/pkg/model"
	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"go.uber.org/zap"

	"github.com/stellarlinkco/intentclaw/internal/bus"
	"github.com/stellarlinkco/intentclaw/internal/config"
	"github.com/stellarlinkco/intentclaw/internal/confirm"
)

func newTestChannel(t *testing.T, cfg config.TelegramConfig) *TelegramChannel {
	t.Helper()
	if cfg.Token == "" {
		cfg.Token = "fake-token"
	}
	ch, err := NewTelegramChannel(cfg, bus.NewMessageBus(10), nil)
	if err != nil {
		t.Fatalf("NewTelegramChannel error: %v", err)
	}
	return ch
}

func TestBaseChannel_Name(t *testing.T) {
	b := bus.NewMessageBus(10)
	ch := NewBaseChannel("test", b, nil)
	if ch.Name() != "test" {
		t.Errorf("Name = %q, want test", ch.Name())
	}
}

func TestBaseChannel_IsAllowed_NoFilter(t *testing.T) {
	b := bus.NewMessageBus(10)
	ch := NewBaseChannel("test", b, nil)
	if !ch.IsAllowed("anyone") {
		t.Error("should allow anyone when allowFrom is empty")
	}
}

func TestBaseChannel_IsAllowed_WithFilter(t *testing.T) {
	b := bus.NewMessageBus(10)
	ch := NewBaseChannel("test", b, []string{"user1", "user2"})

	if !ch.IsAllowed("user1") {
		t.Error("should allow user1")
	}
	if !ch.IsAllowed("user2") {
		t.Error("should allow user2")
	}
	if ch.IsAllowed("user3") {
		t.Error("should reject user3")
	}
}

func TestNewTelegramChannel_NoToken(t *testing.T) {
	b := bus.NewMessageBus(10)
	_, err := NewTelegramChannel(config.TelegramConfig{}, b, nil)
	if err == nil {
		t.Error("expected error for empty token")
	}
}

func TestNewTelegramChannel_BadMode(t *testing.T) {
	b := bus.NewMessageBus(10)
	_, err := NewTelegramChannel(config.TelegramConfig{Token: "fake-token", Mode: "push"}, b, nil)
	if err == nil {
		t.Error("expected error for unknown mode")
	}
}

func TestNewTelegramChannel_Valid(t *testing.T) {
	ch := newTestChannel(t, config.TelegramConfig{})
	if ch.Name() != "telegram" {
		t.Errorf("Name = %q, want telegram", ch.Name())
	}
	if ch.WebhookMode() {
		t.Error("default mode should be polling")
	}
}

func TestToTelegramHTML(t *testing.T) {
	tests := []struct {
		input string
		want  string
	}{
		{"hello", "hello"},
		{"**bold**", "<b>bold</b>"},
		{"`code`", "<code>code</code>"},
		{"a & b", "a &amp; b"},
		{"<tag>", "&lt;tag&gt;"},
	}

	for _, tt := range tests {
		got := toTelegramHTML(tt.input)
		if got != tt.want {
			t.Errorf("toTelegramHTML(%q) = %q, want %q", tt.input, got, tt.want)
		}
	}
}

func TestToTelegramHTML_CodeBlocks(t *testing.T) {
	tests := []struct {
		name  string
		input string
		want  string
	}{
		{
			"code block with language",
			"```go\nfunc main() {}\n```",
			"<pre>func main() {}\n</pre>",
		},
		{
			"code block without language",
			"```\ncode here\n```",
			"<pre>\ncode here\n</pre>",
		},
		{
			"italic text",
			"*italic*",
			"<i>italic</i>",
		},
		{
			"mixed bold and italic",
			"**bold** and *italic*",
			"<b>bold</b> and <i>italic</i>",
		},
		{
			"unclosed inline code",
			"`code",
			"`code",
		},
		{
			"unclosed italic",
			"*italic",
			"*italic",
		},
		{
			"confirmation token survives",
			"记账\n\n凭证：eyJhbGciOiJIUzI1NiJ9.eyJhIjoxfQ.sig-_x",
			"记账\n\n凭证：eyJhbGciOiJIUzI1NiJ9.eyJhIjoxfQ.sig-_x",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := toTelegramHTML(tt.input)
			if got != tt.want {
				t.Errorf("toTelegramHTML(%q) = %q, want %q", tt.input, got, tt.want)
			}
		})
	}
}

func TestChannelManager_Empty(t *testing.T) {
	b := bus.NewMessageBus(10)
	m, err := NewChannelManager(config.ChannelsConfig{}, b, nil)
	if err != nil {
		t.Fatalf("NewChannelManager error: %v", err)
	}
	if len(m.EnabledChannels()) != 0 {
		t.Errorf("expected 0 enabled channels, got %d", len(m.EnabledChannels()))
	}
	if m.Telegram() != nil {
		t.Error("telegram should be nil when disabled")
	}
	if err := m.StartAll(context.Background()); err != nil {
		t.Errorf("StartAll error: %v", err)
	}
	if err := m.StopAll(); err != nil {
		t.Errorf("StopAll error: %v", err)
	}
}

func TestChannelManager_Telegram(t *testing.T) {
	b := bus.NewMessageBus(10)
	m, err := NewChannelManager(config.ChannelsConfig{
		Telegram: config.TelegramConfig{Enabled: true, Token: "fake-token"},
	}, b, nil)
	if err != nil {
		t.Fatalf("NewChannelManager error: %v", err)
	}
	if m.Telegram() == nil {
		t.Fatal("telegram channel missing")
	}
	if got := m.EnabledChannels(); len(got) != 1 || got[0] != "telegram" {
		t.Errorf("EnabledChannels = %v, want [telegram]", got)
	}

	mockBot := newMockBot()
	m.Telegram().SetBot(mockBot)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go b.DispatchOutbound(ctx)
	b.Outbound <- bus.OutboundMessage{Channel: "telegram", ChatID: "42", Content: "hi"}

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if mockBot.sentCount() == 1 {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("outbound message not delivered to telegram")
}

// mockChannel implements Channel interface for testing
type mockChannel struct {
	name     string
	started  bool
	stopped  bool
	startErr error
	stopErr  error
	sentMsgs []bus.OutboundMessage
}

func (m *mockChannel) Name() string { return m.name }

func (m *mockChannel) Start(ctx context.Context) error {
	m.started = true
	return m.startErr
}

func (m *mockChannel) Stop() error {
	m.stopped = true
	return m.stopErr
}

func (m *mockChannel) Send(msg bus.OutboundMessage) error {
	m.sentMsgs = append(m.sentMsgs, msg)
	return nil
}

func newManager(chs ...Channel) *ChannelManager {
	m := &ChannelManager{
		channels: map[string]Channel{},
		bus:      bus.NewMessageBus(10),
		logger:   zap.NewNop(),
	}
	for _, ch := range chs {
		m.add(ch)
	}
	return m
}

func TestChannelManager_WithMockChannel(t *testing.T) {
	mock := &mockChannel{name: "mock"}
	m := newManager(mock)

	if err := m.StartAll(context.Background()); err != nil {
		t.Errorf("StartAll error: %v", err)
	}
	if !mock.started {
		t.Error("mock channel should be started")
	}

	channels := m.EnabledChannels()
	if len(channels) != 1 || channels[0] != "mock" {
		t.Errorf("EnabledChannels = %v, want [mock]", channels)
	}

	if err := m.StopAll(); err != nil {
		t.Errorf("StopAll error: %v", err)
	}
	if !mock.stopped {
		t.Error("mock channel should be stopped")
	}
}

func TestChannelManager_StartAll_Error(t *testing.T) {
	m := newManager(&mockChannel{name: "mock", startErr: fmt.Errorf("start failed")})
	if err := m.StartAll(context.Background()); err == nil {
		t.Error("expected error from StartAll")
	}
}

func TestChannelManager_StopAll_Error(t *testing.T) {
	m := newManager(&mockChannel{name: "mock", stopErr: fmt.Errorf("stop failed")})
	// errors are logged, not returned
	if err := m.StopAll(); err != nil {
		t.Errorf("StopAll should not return error: %v", err)
	}
}

func TestTelegramChannel_Stop_NotStarted(t *testing.T) {
	ch := newTestChannel(t, config.TelegramConfig{})
	if err := ch.Stop(); err != nil {
		t.Errorf("Stop error: %v", err)
	}
}

func TestTelegramChannel_Send_NilBot(t *testing.T) {
	ch := newTestChannel(t, config.TelegramConfig{})
	if err := ch.Send(bus.OutboundMessage{ChatID: "123", Content: "test"}); err == nil {
		t.Error("expected error when bot is nil")
	}
}

func TestTelegramChannel_WithProxy(t *testing.T) {
	ch := newTestChannel(t, config.TelegramConfig{Proxy: "http://proxy.local:8080"})
	if ch.proxy != "http://proxy.local:8080" {
		t.Errorf("proxy = %q, want http://proxy.local:8080", ch.proxy)
	}
}

func TestTelegramChannel_Send_InvalidChatID(t *testing.T) {
	ch := newTestChannel(t, config.TelegramConfig{})
	ch.SetBot(newMockBot())

	if err := ch.Send(bus.OutboundMessage{ChatID: "not-a-number", Content: "test"}); err == nil {
		t.Error("expected error for invalid chat ID")
	}
}

func TestTelegramChannel_HandleMessage_Allowed(t *testing.T) {
	ch := newTestChannel(t, config.TelegramConfig{})

	ch.handleMessage(&tgbotapi.Message{
		MessageID: 7,
		From:      &tgbotapi.User{ID: 123, UserName: "testuser"},
		Chat:      &tgbotapi.Chat{ID: 456},
		Text:      "午饭 35",
		Date:      1234567890,
	})

	select {
	case inbound := <-ch.bus.Inbound:
		if inbound.Content != "午饭 35" {
			t.Errorf("content = %q, want 午饭 35", inbound.Content)
		}
		if inbound.SenderID != "123" {
			t.Errorf("senderID = %q, want 123", inbound.SenderID)
		}
		if inbound.ChatID != "456" {
			t.Errorf("chatID = %q, want 456", inbound.ChatID)
		}
		if inbound.Callback != nil {
			t.Error("plain message should not carry a callback")
		}
		if inbound.Metadata["message_id"] != 7 {
			t.Errorf("message_id = %v, want 7", inbound.Metadata["message_id"])
		}
	default:
		t.Error("expected inbound message")
	}
}

func TestTelegramChannel_HandleMessage_Rejected(t *testing.T) {
	ch := newTestChannel(t, config.TelegramConfig{AllowFrom: []string{"999"}})

	ch.handleMessage(&tgbotapi.Message{
		From: &tgbotapi.User{ID: 123, UserName: "testuser"},
		Chat: &tgbotapi.Chat{ID: 456},
		Text: "hello",
	})

	select {
	case <-ch.bus.Inbound:
		t.Error("should not receive message from rejected user")
	default:
	}
}

func TestTelegramChannel_HandleMessage_EmptyText(t *testing.T) {
	ch := newTestChannel(t, config.TelegramConfig{})

	ch.handleMessage(&tgbotapi.Message{
		From: &tgbotapi.User{ID: 123},
		Chat: &tgbotapi.Chat{ID: 456},
	})

	select {
	case <-ch.bus.Inbound:
		t.Error("should not send message with empty content")
	default:
	}
}

func TestTelegramChannel_HandleMessage_NoSender(t *testing.T) {
	ch := newTestChannel(t, config.TelegramConfig{})

	ch.handleMessage(&tgbotapi.Message{Chat: &tgbotapi.Chat{ID: 456}, Text: "channel post"})

	select {
	case <-ch.bus.Inbound:
		t.Error("message without sender should be ignored")
	default:
	}
}

func TestTelegramChannel_HandleMessage_Caption(t *testing.T) {
	ch := newTestChannel(t, config.TelegramConfig{})

	ch.handleMessage(&tgbotapi.Message{
		From:    &tgbotapi.User{ID: 123},
		Chat:    &tgbotapi.Chat{ID: 456},
		Caption: "image caption",
	})

	select {
	case inbound := <-ch.bus.Inbound:
		if inbound.Content != "image caption" {
			t.Errorf("content = %q, want 'image caption'", inbound.Content)
		}
	default:
		t.Error("expected inbound message")
	}
}

func TestTelegramChannel_HandleMessage_Photo(t *testing.T) {
	ch := newTestChannel(t, config.TelegramConfig{})
	mockBot := newMockBot()
	mockBot.files["photo-large"] = tgbotapi.File{FileID: "photo-large", FilePath: "photos/large.jpg"}
	ch.SetBot(mockBot)

	photoData := []byte{0xff, 0xd8, 0xff, 0xd9}
	ch.httpClient = &http.Client{Transport: roundTripFunc(func(req *http.Request) (*http.Response, error) {
		return &http.Response{
			StatusCode: http.StatusOK,
			Body:       io.NopCloser(bytes.NewReader(photoData)),
			Header:     make(http.Header),
		}, nil
	})}

	ch.handleMessage(&tgbotapi.Message{
		From:    &tgbotapi.User{ID: 123},
		Chat:    &tgbotapi.Chat{ID: 456},
		Caption: "记账",
		Photo: []tgbotapi.PhotoSize{
			{FileID: "photo-small"},
			{FileID: "photo-large"},
		},
	})

	select {
	case inbound := <-ch.bus.Inbound:
		if inbound.Content != "记账" {
			t.Errorf("content = %q, want 记账", inbound.Content)
		}
		block, ok := inbound.Image()
		if !ok {
			t.Fatal("expected image block")
		}
		if block.Type != model.ContentBlockImage {
			t.Errorf("content block type = %q, want %q", block.Type, model.ContentBlockImage)
		}
		if block.MediaType != "image/jpeg" {
			t.Errorf("content block media type = %q, want image/jpeg", block.MediaType)
		}
		if block.Data != base64.StdEncoding.EncodeToString(photoData) {
			t.Errorf("content block data mismatch")
		}
	default:
		t.Error("expected inbound message")
	}
}

func TestTelegramChannel_HandleMessage_PhotoViaServer(t *testing.T) {
	ch := newTestChannel(t, config.TelegramConfig{})
	mockBot := newMockBot()
	mockBot.files["photo-large"] = tgbotapi.File{FileID: "photo-large", FilePath: "photos/large.jpg"}
	ch.SetBot(mockBot)

	photoData := []byte{0x89, 'P', 'N', 'G', '\r', '\n', 0x1a, '\n', 0x00}
	downloadServer := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/file/botfake-token/photos/large.jpg" {
			t.Errorf("download path = %q, want /file/botfake-token/photos/large.jpg", r.URL.Path)
		}
		w.Header().Set("Content-Type", "image/png")
		_, _ = w.Write(photoData)
	}))
	defer downloadServer.Close()

	serverURL, err := url.Parse(downloadServer.URL)
	if err != nil {
		t.Fatalf("parse server url: %v", err)
	}

	transport := http.DefaultTransport.(*http.Transport).Clone()
	ch.httpClient = &http.Client{Transport: roundTripFunc(func(req *http.Request) (*http.Response, error) {
		clonedReq := req.Clone(req.Context())
		clonedReq.URL.Scheme = serverURL.Scheme
		clonedReq.URL.Host = serverURL.Host
		return transport.RoundTrip(clonedReq)
	})}

	ch.handleMessage(&tgbotapi.Message{
		From:  &tgbotapi.User{ID: 123},
		Chat:  &tgbotapi.Chat{ID: 456},
		Photo: []tgbotapi.PhotoSize{{FileID: "photo-small"}, {FileID: "photo-large"}},
	})

	select {
	case inbound := <-ch.bus.Inbound:
		if inbound.Content != "" {
			t.Errorf("content = %q, want empty", inbound.Content)
		}
		block, ok := inbound.Image()
		if !ok {
			t.Fatal("expected image block")
		}
		if block.MediaType != "image/png" {
			t.Errorf("content block media type = %q, want image/png", block.MediaType)
		}
	case <-time.After(time.Second):
		t.Error("expected inbound message")
	}
}

func TestTelegramChannel_HandleMessage_PhotoDownloadFails(t *testing.T) {
	ch := newTestChannel(t, config.TelegramConfig{})
	mockBot := newMockBot()
	mockBot.getFileErr = fmt.Errorf("file gone")
	ch.SetBot(mockBot)

	ch.handleMessage(&tgbotapi.Message{
		From:  &tgbotapi.User{ID: 123},
		Chat:  &tgbotapi.Chat{ID: 456},
		Photo: []tgbotapi.PhotoSize{{FileID: "photo"}},
	})

	select {
	case <-ch.bus.Inbound:
		t.Error("photo without caption and failed download should be dropped")
	default:
	}
}

func TestTelegramChannel_HandleMessage_Documents(t *testing.T) {
	ch := newTestChannel(t, config.TelegramConfig{})
	mockBot := newMockBot()
	mockBot.files["scan"] = tgbotapi.File{FileID: "scan", FilePath: "docs/scan.png"}
	mockBot.files["pdf"] = tgbotapi.File{FileID: "pdf", FilePath: "docs/file.pdf"}
	ch.SetBot(mockBot)

	data := []byte{0x89, 'P', 'N', 'G'}
	ch.httpClient = &http.Client{Transport: roundTripFunc(func(req *http.Request) (*http.Response, error) {
		return &http.Response{
			StatusCode: http.StatusOK,
			Body:       io.NopCloser(bytes.NewReader(data)),
			Header:     make(http.Header),
		}, nil
	})}

	ch.handleMessage(&tgbotapi.Message{
		From:     &tgbotapi.User{ID: 123},
		Chat:     &tgbotapi.Chat{ID: 456},
		Document: &tgbotapi.Document{FileID: "scan", MimeType: "image/png"},
	})
	select {
	case inbound := <-ch.bus.Inbound:
		block, ok := inbound.Image()
		if !ok || block.MediaType != "image/png" {
			t.Errorf("image document block = %+v, ok=%v", block, ok)
		}
	default:
		t.Error("expected inbound message for image document")
	}

	ch.handleMessage(&tgbotapi.Message{
		From:     &tgbotapi.User{ID: 123},
		Chat:     &tgbotapi.Chat{ID: 456},
		Document: &tgbotapi.Document{FileID: "pdf", MimeType: "application/pdf"},
	})
	select {
	case <-ch.bus.Inbound:
		t.Error("non-image document should be ignored")
	default:
	}
}

func TestTelegramChannel_HandleCallback(t *testing.T) {
	ch := newTestChannel(t, config.TelegramConfig{})
	mockBot := newMockBot()
	ch.SetBot(mockBot)

	ch.HandleUpdate(tgbotapi.Update{CallbackQuery: &tgbotapi.CallbackQuery{
		ID:   "q-1",
		From: &tgbotapi.User{ID: 123},
		Data: "confirm",
		Message: &tgbotapi.Message{
			MessageID: 88,
			Chat:      &tgbotapi.Chat{ID: 456},
			Text:      confirm.AppendToken("请确认以下操作：\n记账", "tok.en-value"),
		},
	}})

	select {
	case inbound := <-ch.bus.Inbound:
		if inbound.Callback == nil {
			t.Fatal("expected callback")
		}
		if inbound.Callback.Decision != "confirm" || inbound.Callback.Token != "tok.en-value" || inbound.Callback.QueryID != "q-1" {
			t.Errorf("callback = %+v", inbound.Callback)
		}
		if inbound.ChatID != "456" || inbound.Content != "" {
			t.Errorf("inbound = %+v", inbound)
		}
	default:
		t.Fatal("expected inbound callback")
	}

	// answer + keyboard removal
	if got := mockBot.requestCount(); got != 2 {
		t.Errorf("requests = %d, want 2", got)
	}
}

func TestTelegramChannel_HandleCallback_Rejected(t *testing.T) {
	ch := newTestChannel(t, config.TelegramConfig{AllowFrom: []string{"999"}})
	mockBot := newMockBot()
	ch.SetBot(mockBot)

	ch.HandleUpdate(tgbotapi.Update{CallbackQuery: &tgbotapi.CallbackQuery{
		ID:      "q-1",
		From:    &tgbotapi.User{ID: 123},
		Data:    "confirm",
		Message: &tgbotapi.Message{Chat: &tgbotapi.Chat{ID: 456}},
	}})

	select {
	case <-ch.bus.Inbound:
		t.Error("callback from rejected user should be dropped")
	default:
	}
	if mockBot.requestCount() != 0 {
		t.Error("rejected callback should not be answered")
	}
}

func TestTelegramChannel_HandleCallback_NoToken(t *testing.T) {
	ch := newTestChannel(t, config.TelegramConfig{})
	ch.SetBot(newMockBot())

	ch.HandleUpdate(tgbotapi.Update{CallbackQuery: &tgbotapi.CallbackQuery{
		ID:      "q-2",
		From:    &tgbotapi.User{ID: 123},
		Data:    "cancel",
		Message: &tgbotapi.Message{Chat: &tgbotapi.Chat{ID: 456}, Text: "no token here"},
	}})

	select {
	case inbound := <-ch.bus.Inbound:
		if inbound.Callback == nil || inbound.Callback.Token != "" || inbound.Callback.Decision != "cancel" {
			t.Errorf("callback = %+v", inbound.Callback)
		}
	default:
		t.Fatal("expected inbound callback")
	}
}

type roundTripFunc func(req *http.Request) (*http.Response, error)

func (f roundTripFunc) RoundTrip(req *http.Request) (*http.Response, error) {
	return f(req)
}

// mockTelegramBot implements TelegramBot interface for testing
type mockTelegramBot struct {
	mu          sync.Mutex
	updatesChan chan tgbotapi.Update
	stopped     bool
	sentMsgs    []tgbotapi.Chattable
	requests    []tgbotapi.Chattable
	calls       []string
	sendErr     error
	getFileErr  error
	files       map[string]tgbotapi.File
	self        tgbotapi.User
}

func newMockBot() *mockTelegramBot {
	return &mockTelegramBot{
		updatesChan: make(chan tgbotapi.Update, 10),
		files:       make(map[string]tgbotapi.File),
		self:        tgbotapi.User{UserName: "testbot"},
	}
}

func (m *mockTelegramBot) GetUpdatesChan(config tgbotapi.UpdateConfig) tgbotapi.UpdatesChannel {
	return m.updatesChan
}

func (m *mockTelegramBot) StopReceivingUpdates() {
	m.mu.Lock()
	m.stopped = true
	m.mu.Unlock()
}

func (m *mockTelegramBot) Send(c tgbotapi.Chattable) (tgbotapi.Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sentMsgs = append(m.sentMsgs, c)
	if m.sendErr != nil {
		return tgbotapi.Message{}, m.sendErr
	}
	return tgbotapi.Message{MessageID: 1}, nil
}

func (m *mockTelegramBot) Request(c tgbotapi.Chattable) (*tgbotapi.APIResponse, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.requests = append(m.requests, c)
	return &tgbotapi.APIResponse{Ok: true}, nil
}

func (m *mockTelegramBot) MakeRequest(endpoint string, params tgbotapi.Params) (*tgbotapi.APIResponse, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, endpoint+"?url="+params["url"]+"&secret_token="+params["secret_token"])
	return &tgbotapi.APIResponse{Ok: true}, nil
}

func (m *mockTelegramBot) GetSelf() tgbotapi.User {
	return m.self
}

func (m *mockTelegramBot) GetFile(config tgbotapi.FileConfig) (tgbotapi.File, error) {
	if m.getFileErr != nil {
		return tgbotapi.File{}, m.getFileErr
	}
	file, ok := m.files[config.FileID]
	if !ok {
		return tgbotapi.File{}, fmt.Errorf("file %q not found", config.FileID)
	}
	return file, nil
}

func (m *mockTelegramBot) sentCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sentMsgs)
}

func (m *mockTelegramBot) requestCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.requests)
}

func (m *mockTelegramBot) isStopped() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.stopped
}

func TestTelegramChannel_InitBot_Success(t *testing.T) {
	mockBot := newMockBot()
	factory := func(token, apiEndpoint string, client *http.Client) (TelegramBot, error) {
		return mockBot, nil
	}
	ch, _ := NewTelegramChannelWithFactory(config.TelegramConfig{Token: "fake-token"}, bus.NewMessageBus(10), factory, nil)

	if err := ch.initBot(); err != nil {
		t.Errorf("initBot error: %v", err)
	}
	if ch.currentBot() == nil {
		t.Error("bot should be set")
	}
}

func TestTelegramChannel_InitBot_Error(t *testing.T) {
	factory := func(token, apiEndpoint string, client *http.Client) (TelegramBot, error) {
		return nil, fmt.Errorf("auth failed")
	}
	ch, _ := NewTelegramChannelWithFactory(config.TelegramConfig{Token: "fake-token"}, bus.NewMessageBus(10), factory, nil)

	if err := ch.initBot(); err == nil {
		t.Error("expected error from initBot")
	}
}

func TestTelegramChannel_InitBot_InvalidProxy(t *testing.T) {
	ch, _ := NewTelegramChannelWithFactory(config.TelegramConfig{
		Token: "fake-token",
		Proxy: "://invalid-url",
	}, bus.NewMessageBus(10), defaultBotFactory, nil)

	if err := ch.initBot(); err == nil {
		t.Error("expected error for invalid proxy URL")
	}
}

func TestTelegramChannel_Start_Polling(t *testing.T) {
	b := bus.NewMessageBus(10)
	mockBot := newMockBot()
	factory := func(token, apiEndpoint string, client *http.Client) (TelegramBot, error) {
		return mockBot, nil
	}
	ch, _ := NewTelegramChannelWithFactory(config.TelegramConfig{Token: "fake-token"}, b, factory, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := ch.Start(ctx); err != nil {
		t.Errorf("Start error: %v", err)
	}

	mockBot.updatesChan <- tgbotapi.Update{Message: nil}
	mockBot.updatesChan <- tgbotapi.Update{
		Message: &tgbotapi.Message{
			From: &tgbotapi.User{ID: 123},
			Chat: &tgbotapi.Chat{ID: 456},
			Text: "test message",
		},
	}

	select {
	case inbound := <-b.Inbound:
		if inbound.Content != "test message" {
			t.Errorf("content = %q, want 'test message'", inbound.Content)
		}
	case <-time.After(time.Second):
		t.Error("expected inbound message")
	}

	ch.Stop()
	if !mockBot.isStopped() {
		t.Error("bot should be stopped")
	}
}

func TestTelegramChannel_Start_Webhook(t *testing.T) {
	mockBot := newMockBot()
	factory := func(token, apiEndpoint string, client *http.Client) (TelegramBot, error) {
		return mockBot, nil
	}
	ch, _ := NewTelegramChannelWithFactory(config.TelegramConfig{
		Token:         "fake-token",
		Mode:          "webhook",
		WebhookURL:    "https://bot.example.com/webhook/telegram",
		WebhookSecret: "s3cret",
	}, bus.NewMessageBus(10), factory, nil)

	if !ch.WebhookMode() || ch.WebhookSecret() != "s3cret" {
		t.Fatal("webhook settings not applied")
	}
	if err := ch.Start(context.Background()); err != nil {
		t.Fatalf("Start error: %v", err)
	}
	if len(mockBot.calls) != 1 || mockBot.calls[0] != "setWebhook?url=https://bot.example.com/webhook/telegram&secret_token=s3cret" {
		t.Errorf("calls = %v", mockBot.calls)
	}

	ch.Stop()
	if mockBot.isStopped() {
		t.Error("webhook mode has no polling loop to stop")
	}
}

func TestTelegramChannel_Start_InitError(t *testing.T) {
	factory := func(token, apiEndpoint string, client *http.Client) (TelegramBot, error) {
		return nil, fmt.Errorf("init failed")
	}
	ch, _ := NewTelegramChannelWithFactory(config.TelegramConfig{Token: "fake-token"}, bus.NewMessageBus(10), factory, nil)

	if err := ch.Start(context.Background()); err == nil {
		t.Error("expected error from Start")
	}
}

func TestTelegramChannel_Send_Success(t *testing.T) {
	ch := newTestChannel(t, config.TelegramConfig{})
	mockBot := newMockBot()
	ch.SetBot(mockBot)

	if err := ch.Send(bus.OutboundMessage{ChatID: "123", Content: "hello", ReplyTo: "9"}); err != nil {
		t.Errorf("Send error: %v", err)
	}
	if len(mockBot.sentMsgs) != 1 {
		t.Fatalf("expected 1 sent message, got %d", len(mockBot.sentMsgs))
	}
	msg := mockBot.sentMsgs[0].(tgbotapi.MessageConfig)
	if msg.ReplyToMessageID != 9 {
		t.Errorf("ReplyToMessageID = %d, want 9", msg.ReplyToMessageID)
	}
	if msg.ReplyMarkup != nil {
		t.Errorf("unexpected markup %v", msg.ReplyMarkup)
	}
}

func TestTelegramChannel_Send_Buttons(t *testing.T) {
	ch := newTestChannel(t, config.TelegramConfig{})
	mockBot := newMockBot()
	ch.SetBot(mockBot)

	err := ch.Send(bus.OutboundMessage{
		ChatID:  "123",
		Content: "请确认以下操作：",
		Buttons: []bus.Button{{Text: "确认", Data: "confirm"}, {Text: "取消", Data: "cancel"}},
	})
	if err != nil {
		t.Fatalf("Send error: %v", err)
	}

	msg := mockBot.sentMsgs[0].(tgbotapi.MessageConfig)
	markup, ok := msg.ReplyMarkup.(tgbotapi.InlineKeyboardMarkup)
	if !ok {
		t.Fatalf("ReplyMarkup = %T, want InlineKeyboardMarkup", msg.ReplyMarkup)
	}
	if len(markup.InlineKeyboard) != 1 || len(markup.InlineKeyboard[0]) != 2 {
		t.Fatalf("keyboard = %+v", markup.InlineKeyboard)
	}
	btn := markup.InlineKeyboard[0][1]
	if btn.Text != "取消" || btn.CallbackData == nil || *btn.CallbackData != "cancel" {
		t.Errorf("second button = %+v", btn)
	}
}

func TestTelegramChannel_Send_LongMessage(t *testing.T) {
	ch := newTestChannel(t, config.TelegramConfig{})
	mockBot := newMockBot()
	ch.SetBot(mockBot)

	longContent := strings.Repeat("This is a long line of text that will be repeated.\n", 100)

	err := ch.Send(bus.OutboundMessage{
		ChatID:  "123",
		Content: longContent,
		Buttons: []bus.Button{{Text: "确认", Data: "confirm"}},
	})
	if err != nil {
		t.Errorf("Send error: %v", err)
	}
	if len(mockBot.sentMsgs) < 2 {
		t.Fatalf("expected multiple sent messages for long content, got %d", len(mockBot.sentMsgs))
	}
	if mockBot.sentMsgs[0].(tgbotapi.MessageConfig).ReplyMarkup != nil {
		t.Error("buttons should only be on the last chunk")
	}
	if mockBot.sentMsgs[len(mockBot.sentMsgs)-1].(tgbotapi.MessageConfig).ReplyMarkup == nil {
		t.Error("last chunk should carry the buttons")
	}
}

func TestTelegramChannel_Send_LongMessageNoNewline(t *testing.T) {
	ch := newTestChannel(t, config.TelegramConfig{})
	mockBot := newMockBot()
	ch.SetBot(mockBot)

	if err := ch.Send(bus.OutboundMessage{ChatID: "123", Content: strings.Repeat("x", 5000)}); err != nil {
		t.Errorf("Send error: %v", err)
	}
	if len(mockBot.sentMsgs) < 2 {
		t.Errorf("expected multiple messages, got %d", len(mockBot.sentMsgs))
	}
}

type sendCountingBot struct {
	*mockTelegramBot
	failFirst bool
	callCount int
}

func (s *sendCountingBot) Send(c tgbotapi.Chattable) (tgbotapi.Message, error) {
	s.callCount++
	if s.failFirst && s.callCount == 1 {
		return tgbotapi.Message{}, fmt.Errorf("HTML parse error")
	}
	return s.mockTelegramBot.Send(c)
}

func TestTelegramChannel_Send_HTMLError_Retry(t *testing.T) {
	ch := newTestChannel(t, config.TelegramConfig{})
	wrapper := &sendCountingBot{mockTelegramBot: newMockBot(), failFirst: true}
	ch.SetBot(wrapper)

	if err := ch.Send(bus.OutboundMessage{ChatID: "123", Content: "a <b"}); err != nil {
		t.Errorf("Send should succeed after retry: %v", err)
	}
	if wrapper.callCount != 2 {
		t.Fatalf("callCount = %d, want 2", wrapper.callCount)
	}
	retry := wrapper.sentMsgs[0].(tgbotapi.MessageConfig)
	if retry.ParseMode != "" || retry.Text != "a <b" {
		t.Errorf("retry = %+v", retry)
	}
}

func TestTelegramChannel_Send_HTMLError_RetriesOnlyFailedChunk(t *testing.T) {
	ch := newTestChannel(t, config.TelegramConfig{})
	wrapper := &sendCountingBot{mockTelegramBot: newMockBot(), failFirst: true}
	ch.SetBot(wrapper)

	line := "**Total** & <more> text on a reasonably long line.\n"
	longContent := strings.Repeat(line, 100)
	err := ch.Send(bus.OutboundMessage{
		ChatID:  "123",
		Content: longContent,
		Buttons: []bus.Button{{Text: "确认", Data: "confirm"}},
	})
	if err != nil {
		t.Fatalf("Send error: %v", err)
	}

	sent := wrapper.sentMsgs
	if len(sent) < 2 {
		t.Fatalf("expected the retried chunk plus the rest, got %d messages", len(sent))
	}
	var total int
	for i, c := range sent {
		m := c.(tgbotapi.MessageConfig)
		if len(m.Text) > 4096 {
			t.Errorf("message %d is %d bytes", i, len(m.Text))
		}
		if i > 0 && m.ParseMode != tgbotapi.ModeHTML {
			t.Errorf("message %d ParseMode = %q, want HTML", i, m.ParseMode)
		}
		total += strings.Count(m.Text, "reasonably long line")
	}
	if total != 100 {
		t.Errorf("lines delivered = %d, want 100 (no duplicates)", total)
	}

	retry := sent[0].(tgbotapi.MessageConfig)
	if retry.ParseMode != "" {
		t.Errorf("retry ParseMode = %q, want plain", retry.ParseMode)
	}
	if !strings.HasPrefix(retry.Text, "Total & <more> text") {
		t.Errorf("retry text = %q", retry.Text[:40])
	}
	if retry.ReplyMarkup != nil {
		t.Error("buttons should stay on the last chunk")
	}
	if sent[len(sent)-1].(tgbotapi.MessageConfig).ReplyMarkup == nil {
		t.Error("last chunk should carry the buttons")
	}
}

func TestPlainText(t *testing.T) {
	got := plainText(toTelegramHTML("**a** & `b` <c>"))
	if got != "a & b <c>" {
		t.Errorf("plainText = %q", got)
	}
}

func TestTelegramChannel_Send_BothFail(t *testing.T) {
	ch := newTestChannel(t, config.TelegramConfig{})
	mockBot := newMockBot()
	mockBot.sendErr = fmt.Errorf("send failed")
	ch.SetBot(mockBot)

	if err := ch.Send(bus.OutboundMessage{ChatID: "123", Content: "test"}); err == nil {
		t.Error("expected error when both sends fail")
	}
}
