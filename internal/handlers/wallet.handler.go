package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"strconv"
	"strings"
	"time"

	"github.com/estatemeter/prepay-core/internal/ledger"
	"github.com/estatemeter/prepay-core/internal/model"
	"github.com/estatemeter/prepay-core/internal/repository"
	xhttp "github.com/estatemeter/prepay-core/pkg/http"
	"github.com/fasthttp/router"
)

type WalletService interface {
	GetWallet(ctx context.Context, walletID int64) (*model.Wallet, error)
	GetWalletByUnit(ctx context.Context, unitID int64) (*model.Wallet, error)
	History(ctx context.Context, f model.TransactionFilter) ([]*model.Transaction, int64, error)
	Reverse(ctx context.Context, transactionID int64, reason string) (*model.Transaction, error)
}

type WalletHandler struct {
	svc WalletService
}

func RegisterWalletRoutes(e *router.Group, h *WalletHandler) {
	e.GET("/wallets/{id}", h.GetWallet)
	e.GET("/wallets/{id}/transactions", h.ListTransactions)
	e.GET("/units/{id}/wallet", h.GetWalletByUnit)
	e.POST("/transactions/{id}/reverse", h.ReverseTransaction)
}

func NewWalletHandler(walletService WalletService) *WalletHandler {
	return &WalletHandler{
		svc: walletService,
	}
}

type historyResponse struct {
	Items []*model.Transaction `json:"items"`
	Total int64                `json:"total"`
}

type reverseRequest struct {
	Reason string `json:"reason"`
}

/* --------------------------------- Routes ----------------------------------- */

func (h *WalletHandler) GetWallet(ctx *xhttp.RequestCtx) {
	id, err := pathInt64(ctx, "id")
	if err != nil {
		writeError(ctx, 400, "invalid wallet id")
		return
	}

	wallet, err := h.svc.GetWallet(ctx, id)
	if err != nil {
		if errors.Is(err, repository.ErrWalletNotFound) {
			writeError(ctx, 404, err.Error())
			return
		}
		writeError(ctx, 400, err.Error())
		return
	}
	writeJSON(ctx, 200, wallet)
}

func (h *WalletHandler) GetWalletByUnit(ctx *xhttp.RequestCtx) {
	id, err := pathInt64(ctx, "id")
	if err != nil {
		writeError(ctx, 400, "invalid unit id")
		return
	}

	wallet, err := h.svc.GetWalletByUnit(ctx, id)
	if err != nil {
		if errors.Is(err, repository.ErrWalletNotFound) {
			writeError(ctx, 404, err.Error())
			return
		}
		writeError(ctx, 400, err.Error())
		return
	}
	writeJSON(ctx, 200, wallet)
}

func (h *WalletHandler) ListTransactions(ctx *xhttp.RequestCtx) {
	id, err := pathInt64(ctx, "id")
	if err != nil {
		writeError(ctx, 400, "invalid wallet id")
		return
	}

	f := model.TransactionFilter{WalletID: &id}

	if v := query(ctx, "kind"); v != "" {
		kind := model.TransactionKind(v)
		f.Kind = &kind
	}
	if v := query(ctx, "status"); v != "" {
		status := model.TransactionStatus(v)
		f.Status = &status
	}
	if v := query(ctx, "utility"); v != "" {
		utility := model.Utility(v)
		f.Utility = &utility
	}
	if v := query(ctx, "from"); v != "" {
		if t, e := parseTime(v); e == nil {
			f.From = &t
		}
	}
	if v := query(ctx, "to"); v != "" {
		if t, e := parseTime(v); e == nil {
			f.To = &t
		}
	}
	if v := query(ctx, "limit"); v != "" {
		if n, e := strconv.Atoi(v); e == nil {
			f.Limit = n
		}
	}
	if v := query(ctx, "offset"); v != "" {
		if n, e := strconv.Atoi(v); e == nil {
			f.Offset = n
		}
	}
	if strings.EqualFold(query(ctx, "order"), "desc") {
		f.Desc = true
	}

	items, total, err := h.svc.History(ctx, f)
	if err != nil {
		writeError(ctx, 400, err.Error())
		return
	}
	writeJSON(ctx, 200, historyResponse{Items: items, Total: total})
}

func (h *WalletHandler) ReverseTransaction(ctx *xhttp.RequestCtx) {
	id, err := pathInt64(ctx, "id")
	if err != nil {
		writeError(ctx, 400, "invalid transaction id")
		return
	}

	var req reverseRequest
	if err := readJSON(ctx, &req); err != nil {
		writeError(ctx, 400, "invalid JSON: "+err.Error())
		return
	}
	if strings.TrimSpace(req.Reason) == "" {
		writeError(ctx, 400, "reason is required")
		return
	}

	txn, err := h.svc.Reverse(ctx, id, req.Reason)
	if err != nil {
		switch {
		case errors.Is(err, repository.ErrTransactionNotFound):
			writeError(ctx, 404, err.Error())
		case errors.Is(err, ledger.ErrNotCompleted):
			writeError(ctx, 409, err.Error())
		default:
			writeError(ctx, 400, err.Error())
		}
		return
	}
	writeJSON(ctx, 201, txn)
}

/* --------------------------------- Helpers ----------------------------------- */

const timeFormat = time.RFC3339

func readJSON(ctx *xhttp.RequestCtx, dst any) error {
	body := ctx.PostBody()
	return json.Unmarshal(body, dst)
}

func writeJSON(ctx *xhttp.RequestCtx, status int, v any) {
	b, _ := json.Marshal(v)
	ctx.Response.Header.Set("Content-Type", "application/json; charset=utf-8")
	ctx.Response.SetStatusCode(status)
	ctx.Response.SetBodyRaw(b)
}

func writeError(ctx *xhttp.RequestCtx, status int, msg string) {
	writeJSON(ctx, status, map[string]string{"error": msg})
}

func pathInt64(ctx *xhttp.RequestCtx, name string) (int64, error) {
	s, _ := ctx.UserValue(name).(string)
	return strconv.ParseInt(s, 10, 64)
}

func query(ctx *xhttp.RequestCtx, key string) string {
	return string(ctx.QueryArgs().Peek(key))
}

func parseTime(s string) (time.Time, error) {
	// Accept RFC3339 or YYYY-MM-DD
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t, nil
	}
	return time.Parse("2006-01-02", s)
}
