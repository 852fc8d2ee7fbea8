// Package accounting books transactions into the ledger and reports the
// category's budget state for the current month.
package accounting

import (
	"context"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/stellarlinkco/intentclaw/internal/catalog"
	"github.com/stellarlinkco/intentclaw/internal/dispatch"
	"github.com/stellarlinkco/intentclaw/internal/intent"
	"github.com/stellarlinkco/intentclaw/internal/ledger"
	"github.com/stellarlinkco/intentclaw/internal/logging"
	"github.com/stellarlinkco/intentclaw/internal/params"
)

const msgBudgetUnavailable = "预算信息获取失败"

// Ledger is the subset of *ledger.Client the handler needs.
type Ledger interface {
	CreateTransaction(ctx context.Context, tx ledger.Transaction) error
	CategoryBudget(ctx context.Context, month time.Time, categoryID string) (ledger.CategoryBudget, error)
}

// Catalog supplies the current name-to-ID snapshot.
type Catalog interface {
	Snapshot() *catalog.Snapshot
}

type Handler struct {
	ledger  Ledger
	catalog Catalog
	now     func() time.Time
	logger  *zap.Logger
}

func New(l Ledger, c Catalog, logger *zap.Logger) *Handler {
	return &Handler{
		ledger:  l,
		catalog: c,
		now:     time.Now,
		logger:  logging.OrNop(logger).Named("accounting"),
	}
}

func (h *Handler) Handle(ctx context.Context, req dispatch.Request) string {
	tx, ok := req.Params.(params.Transaction)
	if req.Action != string(intent.AccountingBookTransaction) || !ok {
		return fmt.Sprintf("抱歉，我不知道如何处理记账操作：%s", req.Action)
	}
	return h.book(ctx, tx)
}

// NeedsConfirmation is always true: every action writes to the ledger.
func (h *Handler) NeedsConfirmation(params.Typed) bool { return true }

func (h *Handler) Describe(req dispatch.Request) string {
	tx, ok := req.Params.(params.Transaction)
	if !ok {
		return req.Action
	}
	var b strings.Builder
	fmt.Fprintf(&b, "记账\n金额：%s\n账户：%s\n分类：%s", formatNumber(tx.Amount), tx.AccountName, tx.CategoryName)
	if tx.PayeeName != "" {
		fmt.Fprintf(&b, "\n收款方/付款方：%s", tx.PayeeName)
	}
	if tx.Notes != "" {
		fmt.Fprintf(&b, "\n备注：%s", tx.Notes)
	}
	return b.String()
}

func (h *Handler) book(ctx context.Context, tx params.Transaction) string {
	snap := h.catalog.Snapshot()
	account := tx.AccountName

	accountID, err := snap.AccountID(account)
	if err != nil {
		return failed(err)
	}
	categoryID, err := snap.CategoryID(tx.CategoryName)
	if err != nil {
		return failed(err)
	}

	now := h.now()
	entry := ledger.Transaction{
		Account:   accountID,
		Category:  categoryID,
		Amount:    int64(math.Round(tx.Amount * 100)),
		Date:      now.Format("2006-01-02"),
		Cleared:   true,
		Notes:     tx.Notes,
		PayeeName: tx.PayeeName,
	}
	if err := h.ledger.CreateTransaction(ctx, entry); err != nil {
		h.logger.Warn("create transaction failed", zap.String("account", account), zap.Error(err))
		return failed(err)
	}
	h.logger.Info("transaction booked",
		zap.String("account", account),
		zap.String("category", tx.CategoryName),
		zap.Int64("amount", entry.Amount))

	payee := tx.PayeeName
	if payee == "" {
		payee = "未指定"
	}
	return fmt.Sprintf("交易已成功记录！\n---\n金额：%s\n账户：%s\n分类：%s\n收款方/付款方：%s\n\n%s",
		formatNumber(math.Abs(tx.Amount)), account, tx.CategoryName, payee,
		h.budget(ctx, now, categoryID))
}

func (h *Handler) budget(ctx context.Context, now time.Time, categoryID string) string {
	b, err := h.ledger.CategoryBudget(ctx, now, categoryID)
	if err != nil {
		h.logger.Warn("budget lookup failed", zap.String("category_id", categoryID), zap.Error(err))
		return msgBudgetUnavailable
	}
	pct := "0"
	if b.Budgeted > 0 {
		pct = strconv.FormatFloat(float64(-b.Spent)/float64(b.Budgeted)*100, 'f', 2, 64)
	}
	return fmt.Sprintf("预算科目查询成功！\n---\n预算名称：%s\n本月总花费：%s\n本月预算剩余：%s\n本月预算使用率：%s%%",
		b.Name,
		formatNumber(math.Abs(float64(b.Spent)/100)),
		formatNumber(float64(b.Balance)/100),
		pct)
}

func failed(err error) string {
	return "记账失败：" + err.Error()
}

func formatNumber(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}
