// Package notes keeps a per-chat list of short notes in Redis.
package notes

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/stellarlinkco/intentclaw/internal/config"
	"github.com/stellarlinkco/intentclaw/internal/dispatch"
	"github.com/stellarlinkco/intentclaw/internal/logging"
	"github.com/stellarlinkco/intentclaw/internal/params"
)

const (
	msgEmpty          = "暂无笔记。"
	msgCleared        = "笔记已清空。"
	msgMissingContent = "请提供笔记内容，例如：记一下明天买牛奶。"

	previewAdd  = 50
	previewList = 100
)

// Note is stored as JSON in the chat's list.
type Note struct {
	ID        string    `json:"id"`
	Content   string    `json:"content"`
	CreatedAt time.Time `json:"created_at"`
}

// Key is the Redis list holding chatID's notes.
func Key(chatID string) string {
	return "user_" + chatID + "_notes"
}

// NewRedis builds the client from configuration.
func NewRedis(cfg config.NotesConfig) *redis.Client {
	return redis.NewClient(&redis.Options{
		Addr:         cfg.RedisAddr,
		Password:     cfg.RedisPassword,
		DB:           cfg.RedisDB,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
	})
}

type Handler struct {
	rdb      *redis.Client
	maxNotes int
	now      func() time.Time
	logger   *zap.Logger
}

// New returns a handler keeping at most maxNotes per chat; zero means no
// limit.
func New(rdb *redis.Client, maxNotes int, logger *zap.Logger) *Handler {
	return &Handler{
		rdb:      rdb,
		maxNotes: maxNotes,
		now:      time.Now,
		logger:   logging.OrNop(logger).Named("notes"),
	}
}

func (h *Handler) Handle(ctx context.Context, req dispatch.Request) string {
	p, ok := req.Params.(params.Note)
	if !ok {
		return fmt.Sprintf("抱歉，我不知道如何处理笔记操作：%s", req.Action)
	}
	switch p.Action {
	case "add":
		return h.add(ctx, req.ChatID, p.Content)
	case "list":
		return h.list(ctx, req.ChatID)
	case "clear":
		return h.clear(ctx, req.ChatID)
	}
	return fmt.Sprintf("抱歉，我不知道如何处理笔记操作：%s", p.Action)
}

// NeedsConfirmation is false only for listing.
func (h *Handler) NeedsConfirmation(t params.Typed) bool {
	p, ok := t.(params.Note)
	return !ok || p.Action != "list"
}

func (h *Handler) Describe(req dispatch.Request) string {
	p, _ := req.Params.(params.Note)
	switch p.Action {
	case "add":
		return "保存笔记：" + p.Content
	case "clear":
		return "清空全部笔记"
	}
	return "查看笔记"
}

func (h *Handler) add(ctx context.Context, chatID, content string) string {
	content = strings.TrimSpace(content)
	if content == "" {
		return msgMissingContent
	}
	data, err := json.Marshal(Note{ID: uuid.NewString(), Content: content, CreatedAt: h.now().UTC()})
	if err != nil {
		return "笔记保存失败：" + err.Error()
	}

	key := Key(chatID)
	pipe := h.rdb.TxPipeline()
	pipe.RPush(ctx, key, data)
	if h.maxNotes > 0 {
		pipe.LTrim(ctx, key, int64(-h.maxNotes), -1)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		h.logger.Warn("save note failed", zap.String("chat_id", chatID), zap.Error(err))
		return "笔记保存失败：" + err.Error()
	}
	return "笔记已保存：" + preview(content, previewAdd)
}

func (h *Handler) list(ctx context.Context, chatID string) string {
	raw, err := h.rdb.LRange(ctx, Key(chatID), 0, -1).Result()
	if err != nil {
		h.logger.Warn("list notes failed", zap.String("chat_id", chatID), zap.Error(err))
		return "笔记读取失败：" + err.Error()
	}
	if len(raw) == 0 {
		return msgEmpty
	}

	var b strings.Builder
	b.WriteString("你的笔记：")
	n := 0
	for _, item := range raw {
		var note Note
		if err := json.Unmarshal([]byte(item), &note); err != nil {
			h.logger.Warn("skip malformed note", zap.String("chat_id", chatID), zap.Error(err))
			continue
		}
		n++
		fmt.Fprintf(&b, "\n%d. %s", n, preview(note.Content, previewList))
	}
	if n == 0 {
		return msgEmpty
	}
	return b.String()
}

func (h *Handler) clear(ctx context.Context, chatID string) string {
	if err := h.rdb.Del(ctx, Key(chatID)).Err(); err != nil {
		h.logger.Warn("clear notes failed", zap.String("chat_id", chatID), zap.Error(err))
		return "笔记清空失败：" + err.Error()
	}
	return msgCleared
}

func preview(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n]) + "..."
}
