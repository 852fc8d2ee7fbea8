package notes

import (
	"context"
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/stellarlinkco/intentclaw/internal/dispatch"
	"github.com/stellarlinkco/intentclaw/internal/params"
)

func newHandler(t *testing.T, maxNotes int) (*Handler, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	h := New(rdb, maxNotes, zaptest.NewLogger(t))
	h.now = func() time.Time { return time.Date(2025, 6, 15, 8, 0, 0, 0, time.UTC) }
	return h, mr
}

func run(h *Handler, chat string, p params.Note) string {
	return h.Handle(context.Background(), dispatch.Request{ChatID: chat, Action: p.Action, Params: p})
}

func TestHandle_AddListClear(t *testing.T) {
	h, mr := newHandler(t, 0)

	assert.Equal(t, msgEmpty, run(h, "42", params.Note{Action: "list"}))
	assert.Equal(t, "笔记已保存：买牛奶", run(h, "42", params.Note{Action: "add", Content: " 买牛奶 "}))
	assert.Equal(t, "笔记已保存：周五交报告", run(h, "42", params.Note{Action: "add", Content: "周五交报告"}))

	assert.Equal(t, "你的笔记：\n1. 买牛奶\n2. 周五交报告", run(h, "42", params.Note{Action: "list"}))
	assert.Equal(t, msgEmpty, run(h, "7", params.Note{Action: "list"}))

	items, err := mr.List("user_42_notes")
	require.NoError(t, err)
	require.Len(t, items, 2)
	var first Note
	require.NoError(t, json.Unmarshal([]byte(items[0]), &first))
	assert.Equal(t, "买牛奶", first.Content)
	assert.NotEmpty(t, first.ID)
	assert.Equal(t, time.Date(2025, 6, 15, 8, 0, 0, 0, time.UTC), first.CreatedAt)

	assert.Equal(t, msgCleared, run(h, "42", params.Note{Action: "clear"}))
	assert.False(t, mr.Exists("user_42_notes"))
	assert.Equal(t, msgEmpty, run(h, "42", params.Note{Action: "list"}))
}

func TestHandle_MaxNotes(t *testing.T) {
	h, _ := newHandler(t, 2)
	run(h, "1", params.Note{Action: "add", Content: "a"})
	run(h, "1", params.Note{Action: "add", Content: "b"})
	run(h, "1", params.Note{Action: "add", Content: "c"})

	assert.Equal(t, "你的笔记：\n1. b\n2. c", run(h, "1", params.Note{Action: "list"}))
}

func TestHandle_Previews(t *testing.T) {
	h, _ := newHandler(t, 0)
	long := strings.Repeat("长", 120)

	got := run(h, "1", params.Note{Action: "add", Content: long})
	assert.Equal(t, "笔记已保存："+strings.Repeat("长", 50)+"...", got)

	got = run(h, "1", params.Note{Action: "list"})
	assert.Equal(t, "你的笔记：\n1. "+strings.Repeat("长", 100)+"...", got)
}

func TestHandle_EdgeCases(t *testing.T) {
	h, mr := newHandler(t, 0)

	assert.Equal(t, msgMissingContent, run(h, "1", params.Note{Action: "add", Content: "  "}))
	assert.Equal(t, "抱歉，我不知道如何处理笔记操作：search", run(h, "1", params.Note{Action: "search"}))

	mr.RPush("user_1_notes", "not json")
	assert.Equal(t, msgEmpty, run(h, "1", params.Note{Action: "list"}))

	mr.Close()
	got := run(h, "1", params.Note{Action: "list"})
	assert.True(t, strings.HasPrefix(got, "笔记读取失败："), got)
}

func TestPolicyAndDescribe(t *testing.T) {
	h := New(nil, 0, nil)
	assert.True(t, h.NeedsConfirmation(params.Note{Action: "add"}))
	assert.True(t, h.NeedsConfirmation(params.Note{Action: "clear"}))
	assert.False(t, h.NeedsConfirmation(params.Note{Action: "list"}))

	assert.Equal(t, "保存笔记：买牛奶", h.Describe(dispatch.Request{Params: params.Note{Action: "add", Content: "买牛奶"}}))
	assert.Equal(t, "清空全部笔记", h.Describe(dispatch.Request{Params: params.Note{Action: "clear"}}))
}

func TestKey(t *testing.T) {
	assert.Equal(t, "user_-100123_notes", Key("-100123"))
}
