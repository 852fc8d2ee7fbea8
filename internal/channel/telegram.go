package channel

import (
	"context"
	"encoding/base64"
	"fmt"
	"html"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/cexll/agentsdk-go/pkg/model"
	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"go.uber.org/zap"

	"github.com/stellarlinkco/intentclaw/internal/bus"
	"github.com/stellarlinkco/intentclaw/internal/config"
	"github.com/stellarlinkco/intentclaw/internal/confirm"
	"github.com/stellarlinkco/intentclaw/internal/logging"
)

const (
	TelegramChannelName = "telegram"

	modePolling = "polling"
	modeWebhook = "webhook"
)

// TelegramBot interface for mocking telegram bot API
type TelegramBot interface {
	GetUpdatesChan(config tgbotapi.UpdateConfig) tgbotapi.UpdatesChannel
	StopReceivingUpdates()
	Send(c tgbotapi.Chattable) (tgbotapi.Message, error)
	Request(c tgbotapi.Chattable) (*tgbotapi.APIResponse, error)
	MakeRequest(endpoint string, params tgbotapi.Params) (*tgbotapi.APIResponse, error)
	GetSelf() tgbotapi.User
	GetFile(config tgbotapi.FileConfig) (tgbotapi.File, error)
}

// tgBotWrapper wraps tgbotapi.BotAPI to implement TelegramBot interface
type tgBotWrapper struct {
	bot *tgbotapi.BotAPI
}

func (w *tgBotWrapper) GetUpdatesChan(config tgbotapi.UpdateConfig) tgbotapi.UpdatesChannel {
	return w.bot.GetUpdatesChan(config)
}

func (w *tgBotWrapper) StopReceivingUpdates() {
	w.bot.StopReceivingUpdates()
}

func (w *tgBotWrapper) Send(c tgbotapi.Chattable) (tgbotapi.Message, error) {
	return w.bot.Send(c)
}

func (w *tgBotWrapper) Request(c tgbotapi.Chattable) (*tgbotapi.APIResponse, error) {
	return w.bot.Request(c)
}

func (w *tgBotWrapper) MakeRequest(endpoint string, params tgbotapi.Params) (*tgbotapi.APIResponse, error) {
	return w.bot.MakeRequest(endpoint, params)
}

func (w *tgBotWrapper) GetSelf() tgbotapi.User {
	return w.bot.Self
}

func (w *tgBotWrapper) GetFile(config tgbotapi.FileConfig) (tgbotapi.File, error) {
	return w.bot.GetFile(config)
}

// BotFactory creates TelegramBot instances (allows mocking)
type BotFactory func(token, apiEndpoint string, client *http.Client) (TelegramBot, error)

var defaultBotFactory BotFactory = func(token, apiEndpoint string, client *http.Client) (TelegramBot, error) {
	bot, err := tgbotapi.NewBotAPIWithClient(token, apiEndpoint, client)
	if err != nil {
		return nil, err
	}
	return &tgBotWrapper{bot: bot}, nil
}

// TelegramChannel receives updates by long polling or, in webhook mode,
// through HandleUpdate called by the HTTP server.
type TelegramChannel struct {
	BaseChannel
	token         string
	mode          string
	webhookURL    string
	webhookSecret string
	proxy         string
	httpClient    *http.Client
	botFactory    BotFactory
	logger        *zap.Logger

	mu     sync.RWMutex
	bot    TelegramBot
	ctx    context.Context
	cancel context.CancelFunc
}

func NewTelegramChannel(cfg config.TelegramConfig, b *bus.MessageBus, logger *zap.Logger) (*TelegramChannel, error) {
	return NewTelegramChannelWithFactory(cfg, b, defaultBotFactory, logger)
}

// NewTelegramChannelWithFactory creates a TelegramChannel with custom bot factory (for testing)
func NewTelegramChannelWithFactory(cfg config.TelegramConfig, b *bus.MessageBus, factory BotFactory, logger *zap.Logger) (*TelegramChannel, error) {
	if cfg.Token == "" {
		return nil, fmt.Errorf("telegram token is required")
	}
	mode := strings.ToLower(strings.TrimSpace(cfg.Mode))
	if mode == "" {
		mode = modePolling
	}
	if mode != modePolling && mode != modeWebhook {
		return nil, fmt.Errorf("unknown telegram mode %q", cfg.Mode)
	}

	return &TelegramChannel{
		BaseChannel:   NewBaseChannel(TelegramChannelName, b, cfg.AllowFrom),
		token:         cfg.Token,
		mode:          mode,
		webhookURL:    cfg.WebhookURL,
		webhookSecret: cfg.WebhookSecret,
		proxy:         cfg.Proxy,
		httpClient:    http.DefaultClient,
		botFactory:    factory,
		logger:        logging.OrNop(logger).Named("telegram"),
	}, nil
}

// WebhookMode reports whether updates arrive through HandleUpdate.
func (t *TelegramChannel) WebhookMode() bool { return t.mode == modeWebhook }

// WebhookSecret is the value Telegram echoes in the
// X-Telegram-Bot-Api-Secret-Token header.
func (t *TelegramChannel) WebhookSecret() string { return t.webhookSecret }

func (t *TelegramChannel) initBot() error {
	var client *http.Client
	if t.proxy != "" {
		proxyURL, err := url.Parse(t.proxy)
		if err != nil {
			return fmt.Errorf("parse proxy url: %w", err)
		}
		client = &http.Client{
			Transport: &http.Transport{Proxy: http.ProxyURL(proxyURL)},
		}
	} else {
		client = http.DefaultClient
	}
	t.httpClient = client

	bot, err := t.botFactory(t.token, tgbotapi.APIEndpoint, client)
	if err != nil {
		return fmt.Errorf("create telegram bot: %w", err)
	}
	t.SetBot(bot)
	t.logger.Info("authorized", zap.String("username", bot.GetSelf().UserName))
	return nil
}

func (t *TelegramChannel) Start(ctx context.Context) error {
	if err := t.initBot(); err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(ctx)
	t.mu.Lock()
	t.ctx, t.cancel = ctx, cancel
	t.mu.Unlock()

	if t.mode == modeWebhook {
		if err := t.registerWebhook(); err != nil {
			cancel()
			return err
		}
		t.logger.Info("webhook mode, waiting for updates", zap.String("url", t.webhookURL))
		return nil
	}

	u := tgbotapi.NewUpdate(0)
	u.Timeout = 30
	updates := t.bot.GetUpdatesChan(u)

	go func() {
		for {
			select {
			case update := <-updates:
				t.HandleUpdate(update)
			case <-ctx.Done():
				return
			}
		}
	}()

	t.logger.Info("polling started")
	return nil
}

func (t *TelegramChannel) registerWebhook() error {
	if t.webhookURL == "" {
		// Registered out of band.
		return nil
	}
	params := tgbotapi.Params{"url": t.webhookURL}
	params.AddNonEmpty("secret_token", t.webhookSecret)
	if _, err := t.bot.MakeRequest("setWebhook", params); err != nil {
		return fmt.Errorf("set telegram webhook: %w", err)
	}
	return nil
}

// HandleUpdate routes one update from either polling or the webhook.
func (t *TelegramChannel) HandleUpdate(update tgbotapi.Update) {
	switch {
	case update.CallbackQuery != nil:
		t.handleCallback(update.CallbackQuery)
	case update.Message != nil:
		t.handleMessage(update.Message)
	}
}

func (t *TelegramChannel) handleMessage(msg *tgbotapi.Message) {
	if msg.From == nil || msg.Chat == nil {
		return
	}
	senderID := strconv.FormatInt(msg.From.ID, 10)

	if !t.IsAllowed(senderID) {
		t.logger.Info("rejected message", zap.String("sender", senderID), zap.String("username", msg.From.UserName))
		return
	}

	content := msg.Text
	if content == "" && msg.Caption != "" {
		content = msg.Caption
	}

	contentBlocks := make([]model.ContentBlock, 0, 1)

	if len(msg.Photo) > 0 {
		photo := msg.Photo[len(msg.Photo)-1]
		data, err := t.downloadFileData(photo.FileID)
		if err != nil {
			t.logger.Warn("download photo failed", zap.String("file_id", photo.FileID), zap.Error(err))
		} else {
			mediaType := http.DetectContentType(data)
			if !strings.HasPrefix(mediaType, "image/") {
				mediaType = "image/jpeg"
			}
			contentBlocks = append(contentBlocks, imageBlock(mediaType, data))
		}
	}

	// Receipts are often sent uncompressed, as documents.
	if msg.Document != nil && strings.HasPrefix(msg.Document.MimeType, "image/") {
		data, err := t.downloadFileData(msg.Document.FileID)
		if err != nil {
			t.logger.Warn("download document failed", zap.String("file_id", msg.Document.FileID), zap.Error(err))
		} else {
			contentBlocks = append(contentBlocks, imageBlock(msg.Document.MimeType, data))
		}
	}

	if content == "" && len(contentBlocks) == 0 {
		return
	}

	t.publish(bus.InboundMessage{
		Channel:       TelegramChannelName,
		SenderID:      senderID,
		ChatID:        strconv.FormatInt(msg.Chat.ID, 10),
		Content:       content,
		Timestamp:     time.Unix(int64(msg.Date), 0),
		ContentBlocks: contentBlocks,
		Metadata: map[string]any{
			"username":   msg.From.UserName,
			"first_name": msg.From.FirstName,
			"message_id": msg.MessageID,
		},
	})
}

func imageBlock(mediaType string, data []byte) model.ContentBlock {
	return model.ContentBlock{
		Type:      model.ContentBlockImage,
		MediaType: mediaType,
		Data:      base64.StdEncoding.EncodeToString(data),
	}
}

// handleCallback turns a confirm/cancel button press into an inbound
// message. The token is read back from the confirmation text the button
// is attached to.
func (t *TelegramChannel) handleCallback(cq *tgbotapi.CallbackQuery) {
	if cq.From == nil {
		return
	}
	senderID := strconv.FormatInt(cq.From.ID, 10)
	if !t.IsAllowed(senderID) {
		t.logger.Info("rejected callback", zap.String("sender", senderID))
		return
	}

	bot := t.currentBot()
	if bot != nil {
		if _, err := bot.Request(tgbotapi.NewCallback(cq.ID, "")); err != nil {
			t.logger.Warn("answer callback failed", zap.Error(err))
		}
	}

	if cq.Message == nil || cq.Message.Chat == nil {
		t.logger.Warn("callback without message", zap.String("query_id", cq.ID))
		return
	}
	chatID := cq.Message.Chat.ID
	token, _ := confirm.TokenFromText(cq.Message.Text)

	if bot != nil {
		edit := tgbotapi.NewEditMessageReplyMarkup(chatID, cq.Message.MessageID,
			tgbotapi.InlineKeyboardMarkup{InlineKeyboard: [][]tgbotapi.InlineKeyboardButton{}})
		if _, err := bot.Request(edit); err != nil {
			t.logger.Debug("remove keyboard failed", zap.Error(err))
		}
	}

	t.publish(bus.InboundMessage{
		Channel:   TelegramChannelName,
		SenderID:  senderID,
		ChatID:    strconv.FormatInt(chatID, 10),
		Timestamp: time.Now(),
		Callback: &bus.Callback{
			QueryID:  cq.ID,
			Decision: cq.Data,
			Token:    token,
		},
		Metadata: map[string]any{
			"username":   cq.From.UserName,
			"message_id": cq.Message.MessageID,
		},
	})
}

func (t *TelegramChannel) publish(msg bus.InboundMessage) {
	t.mu.RLock()
	ctx := t.ctx
	t.mu.RUnlock()
	if ctx == nil {
		ctx = context.Background()
	}
	if !t.bus.Publish(ctx, msg) {
		t.logger.Warn("inbound dropped, channel stopping", zap.String("chat_id", msg.ChatID))
	}
}

func (t *TelegramChannel) downloadFileData(fileID string) ([]byte, error) {
	bot := t.currentBot()
	if bot == nil {
		return nil, fmt.Errorf("telegram bot not initialized")
	}

	file, err := bot.GetFile(tgbotapi.FileConfig{FileID: fileID})
	if err != nil {
		return nil, fmt.Errorf("get telegram file: %w", err)
	}

	client := t.httpClient
	if client == nil {
		client = http.DefaultClient
	}

	resp, err := client.Get(file.Link(t.token))
	if err != nil {
		return nil, fmt.Errorf("download telegram file: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("download telegram file: unexpected status %d", resp.StatusCode)
	}

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read telegram file body: %w", err)
	}

	if len(data) == 0 {
		return nil, fmt.Errorf("telegram file is empty")
	}

	return data, nil
}

func (t *TelegramChannel) Stop() error {
	t.mu.Lock()
	cancel := t.cancel
	t.cancel = nil
	bot := t.bot
	t.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if bot != nil && t.mode == modePolling {
		bot.StopReceivingUpdates()
	}
	t.logger.Info("stopped")
	return nil
}

// SetBot sets the bot (for testing)
func (t *TelegramChannel) SetBot(bot TelegramBot) {
	t.mu.Lock()
	t.bot = bot
	t.mu.Unlock()
}

func (t *TelegramChannel) currentBot() TelegramBot {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.bot
}

// Send delivers msg, splitting long text. Buttons ride on the last chunk.
func (t *TelegramChannel) Send(msg bus.OutboundMessage) error {
	bot := t.currentBot()
	if bot == nil {
		return fmt.Errorf("telegram bot not initialized")
	}

	chatID, err := strconv.ParseInt(msg.ChatID, 10, 64)
	if err != nil {
		return fmt.Errorf("invalid chat id %q: %w", msg.ChatID, err)
	}
	replyTo, _ := strconv.Atoi(msg.ReplyTo)
	markup := keyboard(msg.Buttons)

	content := toTelegramHTML(msg.Content)

	// Telegram has a 4096 char limit per message
	const maxLen = 4000
	first := true
	for len(content) > 0 {
		chunk := content
		if len(chunk) > maxLen {
			// Try to split at last newline before maxLen
			idx := strings.LastIndex(chunk[:maxLen], "\n")
			if idx > 0 {
				chunk = chunk[:idx]
			} else {
				chunk = chunk[:maxLen]
			}
		}
		content = content[len(chunk):]

		tgMsg := tgbotapi.NewMessage(chatID, chunk)
		tgMsg.ParseMode = tgbotapi.ModeHTML
		if first && replyTo > 0 {
			tgMsg.ReplyToMessageID = replyTo
		}
		if len(content) == 0 && markup != nil {
			tgMsg.ReplyMarkup = *markup
		}
		first = false
		if _, err := bot.Send(tgMsg); err != nil {
			t.logger.Debug("html send failed, retrying chunk as plain text", zap.Error(err))
			tgMsg.ParseMode = ""
			tgMsg.Text = plainText(chunk)
			if _, err2 := bot.Send(tgMsg); err2 != nil {
				return fmt.Errorf("send telegram message: %w", err2)
			}
		}
	}
	return nil
}

var htmlTags = strings.NewReplacer(
	"<pre>", "", "</pre>", "",
	"<code>", "", "</code>", "",
	"<b>", "", "</b>", "",
	"<i>", "", "</i>", "",
)

// plainText undoes toTelegramHTML for one chunk.
func plainText(chunk string) string {
	return html.UnescapeString(htmlTags.Replace(chunk))
}

func keyboard(buttons []bus.Button) *tgbotapi.InlineKeyboardMarkup {
	if len(buttons) == 0 {
		return nil
	}
	row := make([]tgbotapi.InlineKeyboardButton, 0, len(buttons))
	for _, b := range buttons {
		row = append(row, tgbotapi.NewInlineKeyboardButtonData(b.Text, b.Data))
	}
	markup := tgbotapi.NewInlineKeyboardMarkup(row)
	return &markup
}

// toTelegramHTML converts basic markdown to Telegram HTML.
func toTelegramHTML(s string) string {
	// Escape HTML entities first
	s = strings.ReplaceAll(s, "&", "&amp;")
	s = strings.ReplaceAll(s, "<", "&lt;")
	s = strings.ReplaceAll(s, ">", "&gt;")

	// Code blocks: ```...``` -> <pre>...</pre>
	for {
		start := strings.Index(s, "```")
		if start == -1 {
			break
		}
		end := strings.Index(s[start+3:], "```")
		if end == -1 {
			break
		}
		end += start + 3
		code := s[start+3 : end]
		// Strip optional language tag on first line
		if nl := strings.Index(code, "\n"); nl >= 0 {
			firstLine := strings.TrimSpace(code[:nl])
			if len(firstLine) > 0 && !strings.Contains(firstLine, " ") {
				code = code[nl+1:]
			}
		}
		s = s[:start] + "<pre>" + code + "</pre>" + s[end+3:]
	}

	// Inline code: `...` -> <code>...</code>
	for {
		start := strings.Index(s, "`")
		if start == -1 {
			break
		}
		end := strings.Index(s[start+1:], "`")
		if end == -1 {
			break
		}
		end += start + 1
		s = s[:start] + "<code>" + s[start+1:end] + "</code>" + s[end+1:]
	}

	// Bold: **...** -> <b>...</b>
	for {
		start := strings.Index(s, "**")
		if start == -1 {
			break
		}
		end := strings.Index(s[start+2:], "**")
		if end == -1 {
			break
		}
		end += start + 2
		s = s[:start] + "<b>" + s[start+2:end] + "</b>" + s[end+2:]
	}

	// Italic: *...* -> <i>...</i> (after bold to avoid conflicts)
	for {
		start := strings.Index(s, "*")
		if start == -1 {
			break
		}
		end := strings.Index(s[start+1:], "*")
		if end == -1 {
			break
		}
		end += start + 1
		s = s[:start] + "<i>" + s[start+1:end] + "</i>" + s[end+1:]
	}

	return s
}
