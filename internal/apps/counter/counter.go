// Package counter implements per-chat habit counters ("打卡") with resets,
// goals and history.
package counter

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/stellarlinkco/intentclaw/internal/dispatch"
	"github.com/stellarlinkco/intentclaw/internal/logging"
	"github.com/stellarlinkco/intentclaw/internal/params"
)

var actionNames = map[string]string{
	"add":      "打卡",
	"query":    "查询",
	"reset":    "重置",
	"delete":   "删除",
	"set_goal": "设置目标",
	"history":  "查询历史",
}

type Handler struct {
	store  *Store
	now    func() time.Time
	logger *zap.Logger
}

func New(store *Store, logger *zap.Logger) *Handler {
	return &Handler{
		store:  store,
		now:    time.Now,
		logger: logging.OrNop(logger).Named("counter"),
	}
}

func (h *Handler) Handle(ctx context.Context, req dispatch.Request) string {
	p, ok := req.Params.(params.Counter)
	if !ok {
		return fmt.Sprintf("抱歉，我不知道如何处理打卡操作：%s", req.Action)
	}
	chat := req.ChatID

	switch p.Action {
	case "add":
		return join(h.add(ctx, chat, p.Name, p.Comment), h.total(ctx, chat, p.Name), h.goal(ctx, chat, p.Name))
	case "query":
		return h.total(ctx, chat, p.Name)
	case "reset":
		return join(h.reset(ctx, chat, p.Name), h.total(ctx, chat, p.Name))
	case "delete":
		return h.delete(ctx, chat, p.Name)
	case "set_goal":
		return join(h.setGoal(ctx, chat, p.Name, p.Goal, p.GoalComment), h.goal(ctx, chat, p.Name))
	case "history":
		return h.history(ctx, chat, p.Name, p.Limit)
	}
	return fmt.Sprintf("抱歉，我不知道如何处理打卡操作：%s", p.Action)
}

// NeedsConfirmation skips confirmation for read-only actions.
func (h *Handler) NeedsConfirmation(t params.Typed) bool {
	p, ok := t.(params.Counter)
	if !ok {
		return true
	}
	return p.Action != "query" && p.Action != "history"
}

func (h *Handler) Describe(req dispatch.Request) string {
	p, _ := req.Params.(params.Counter)
	desc := fmt.Sprintf("%s：%s", actionNames[p.Action], p.Name)
	if p.Action == "set_goal" {
		desc += fmt.Sprintf("\n目标：%d", p.Goal)
		if p.GoalComment != "" {
			desc += "（" + p.GoalComment + "）"
		}
	}
	if p.Comment != "" {
		desc += "\n备注：" + p.Comment
	}
	return desc
}

func (h *Handler) today() string {
	return h.now().Format("2006-01-02")
}

func (h *Handler) add(ctx context.Context, chat, name, comment string) string {
	if err := h.store.Add(ctx, chat, name, comment, h.today()); err != nil {
		h.logger.Warn("add count failed", zap.String("name", name), zap.Error(err))
		return fmt.Sprintf("%s 打卡失败 %v", name, err)
	}
	return fmt.Sprintf("%s 打卡成功", name)
}

func (h *Handler) reset(ctx context.Context, chat, name string) string {
	if err := h.store.Reset(ctx, chat, name, h.today()); err != nil {
		h.logger.Warn("reset count failed", zap.String("name", name), zap.Error(err))
		return fmt.Sprintf("%s 打卡重置失败 %v", name, err)
	}
	return fmt.Sprintf("%s 打卡重置成功", name)
}

func (h *Handler) delete(ctx context.Context, chat, name string) string {
	if err := h.store.Delete(ctx, chat, name); err != nil {
		h.logger.Warn("delete count failed", zap.String("name", name), zap.Error(err))
		return fmt.Sprintf("%s 删除打卡失败 %v", name, err)
	}
	return fmt.Sprintf("%s 删除打卡成功", name)
}

func (h *Handler) total(ctx context.Context, chat, name string) string {
	n, err := h.store.Total(ctx, chat, name)
	if err != nil {
		h.logger.Warn("query count failed", zap.String("name", name), zap.Error(err))
		return fmt.Sprintf("%s 查询失败 %v", name, err)
	}
	return fmt.Sprintf("截止目前 %s 打卡数总计 %d 次", name, n)
}

func (h *Handler) setGoal(ctx context.Context, chat, name string, goal int, comment string) string {
	if err := h.store.SetGoal(ctx, chat, name, goal, comment); err != nil {
		h.logger.Warn("set goal failed", zap.String("name", name), zap.Error(err))
		return fmt.Sprintf("%s 打卡目标设置失败 %v", name, err)
	}
	return fmt.Sprintf("%s 打卡目标设置成功", name)
}

func (h *Handler) goal(ctx context.Context, chat, name string) string {
	g, ok, err := h.store.Goal(ctx, chat, name)
	if err != nil {
		h.logger.Warn("query goal failed", zap.String("name", name), zap.Error(err))
		return fmt.Sprintf("%s 查询打卡目标失败 %v", name, err)
	}
	if !ok {
		return fmt.Sprintf("未设置%s的打卡目标", name)
	}
	return fmt.Sprintf("距离%s还有 %d次", g.Comment, g.Diff)
}

func (h *Handler) history(ctx context.Context, chat, name string, limit int) string {
	if limit <= 0 {
		limit = 10
	}
	entries, err := h.store.History(ctx, chat, name, limit)
	if err != nil {
		h.logger.Warn("query history failed", zap.String("name", name), zap.Error(err))
		return fmt.Sprintf("%s 查询打卡历史失败 %v", name, err)
	}
	var b strings.Builder
	for _, e := range entries {
		fmt.Fprintf(&b, "> %s | %s | %s | %s\n", e.Name, e.Type, e.Date, e.Comment)
	}
	return "打卡历史查询成功，列表如下: \n\n" + b.String()
}

func join(parts ...string) string {
	return strings.Join(parts, "\n")
}
