package handlers

import (
	"context"
	"errors"

	"github.com/estatemeter/prepay-core/internal/model"
	"github.com/estatemeter/prepay-core/internal/topup"
	xhttp "github.com/estatemeter/prepay-core/pkg/http"
	"github.com/fasthttp/router"
	"github.com/shopspring/decimal"
)

type TopUpService interface {
	Initiate(ctx context.Context, req topup.InitiateRequest) (*topup.InitiateResult, error)
	HandleItn(ctx context.Context, rawBody []byte) topup.ItnResult
	Poll(ctx context.Context, transactionID int64) (*topup.PollResult, error)
	ForceComplete(ctx context.Context, transactionID int64, actor string, superAdmin bool) (*model.Transaction, error)
}

type TopUpHandler struct {
	svc TopUpService
}

func RegisterTopUpRoutes(e *router.Group, h *TopUpHandler) {
	e.POST("/topups", h.InitiateTopUp)
	e.POST("/topups/itn", h.HandleItn)
	e.GET("/topups/{id}", h.PollTopUp)
	e.POST("/topups/{id}/force-complete", h.ForceCompleteTopUp)
}

func NewTopUpHandler(topUpService TopUpService) *TopUpHandler {
	return &TopUpHandler{
		svc: topUpService,
	}
}

type initiateTopUpRequest struct {
	WalletID   int64  `json:"wallet_id"`
	Amount     string `json:"amount"`
	Utility    string `json:"utility"`
	PayerName  string `json:"payer_name"`
	PayerEmail string `json:"payer_email"`
}

type paymentField struct {
	Name  string `json:"name"`
	Value string `json:"value"`
}

type initiateTopUpResponse struct {
	TransactionID int64          `json:"transaction_id"`
	ExternalRef   string         `json:"external_ref"`
	Status        string         `json:"status"`
	ProcessURL    string         `json:"process_url"`
	NotifyURL     string         `json:"notify_url"`
	Fields        []paymentField `json:"fields"`
}

type pollTopUpResponse struct {
	Status      string  `json:"status"`
	Amount      string  `json:"amount"`
	CompletedAt *string `json:"completed_at,omitempty"`
}

type forceCompleteRequest struct {
	Actor      string `json:"actor"`
	SuperAdmin bool   `json:"super_admin"`
}

/* --------------------------------- Routes ----------------------------------- */

func (h *TopUpHandler) InitiateTopUp(ctx *xhttp.RequestCtx) {
	var req initiateTopUpRequest
	if err := readJSON(ctx, &req); err != nil {
		writeError(ctx, 400, "invalid JSON: "+err.Error())
		return
	}

	amount, err := decimal.NewFromString(req.Amount)
	if err != nil {
		writeError(ctx, 400, "invalid amount: "+req.Amount)
		return
	}

	res, err := h.svc.Initiate(ctx, topup.InitiateRequest{
		WalletID:   req.WalletID,
		Amount:     amount,
		Utility:    model.Utility(req.Utility),
		PayerName:  req.PayerName,
		PayerEmail: req.PayerEmail,
	})
	if err != nil {
		if errors.Is(err, topup.ErrWalletNotFound) {
			writeError(ctx, 404, err.Error())
			return
		}
		writeError(ctx, 400, err.Error())
		return
	}

	writeJSON(ctx, 201, toInitiateResponse(res))
}

// HandleItn is the gateway callback endpoint. The response body is the bare
// status string the gateway parses, never JSON.
func (h *TopUpHandler) HandleItn(ctx *xhttp.RequestCtx) {
	res := h.svc.HandleItn(ctx, ctx.PostBody())

	ctx.Response.Header.Set("Content-Type", "text/plain; charset=utf-8")
	if !res.OK() {
		ctx.Response.SetStatusCode(400)
	}
	ctx.Response.SetBodyString(res.Response)
}

func (h *TopUpHandler) PollTopUp(ctx *xhttp.RequestCtx) {
	id, err := pathInt64(ctx, "id")
	if err != nil {
		writeError(ctx, 400, "invalid transaction id")
		return
	}

	res, err := h.svc.Poll(ctx, id)
	if err != nil {
		if errors.Is(err, topup.ErrTopUpNotFound) {
			writeError(ctx, 404, err.Error())
			return
		}
		writeError(ctx, 400, err.Error())
		return
	}

	out := pollTopUpResponse{
		Status: string(res.Status),
		Amount: res.Amount.StringFixed(2),
	}
	if res.CompletedAt != nil {
		s := res.CompletedAt.UTC().Format(timeFormat)
		out.CompletedAt = &s
	}
	writeJSON(ctx, 200, out)
}

func (h *TopUpHandler) ForceCompleteTopUp(ctx *xhttp.RequestCtx) {
	id, err := pathInt64(ctx, "id")
	if err != nil {
		writeError(ctx, 400, "invalid transaction id")
		return
	}

	var req forceCompleteRequest
	if err := readJSON(ctx, &req); err != nil {
		writeError(ctx, 400, "invalid JSON: "+err.Error())
		return
	}

	txn, err := h.svc.ForceComplete(ctx, id, req.Actor, req.SuperAdmin)
	if err != nil {
		switch {
		case errors.Is(err, topup.ErrNotAllowed):
			writeError(ctx, 403, err.Error())
		case errors.Is(err, topup.ErrBadState):
			writeError(ctx, 409, err.Error())
		case errors.Is(err, topup.ErrTopUpNotFound):
			writeError(ctx, 404, err.Error())
		default:
			writeError(ctx, 400, err.Error())
		}
		return
	}

	writeJSON(ctx, 200, txn)
}

func toInitiateResponse(res *topup.InitiateResult) initiateTopUpResponse {
	out := initiateTopUpResponse{
		TransactionID: res.Transaction.ID,
		ExternalRef:   res.Transaction.ExternalRef,
		Status:        string(res.Transaction.Status),
		ProcessURL:    res.Intent.ProcessURL,
		NotifyURL:     res.Intent.NotifyURL,
	}
	for _, f := range res.Intent.Fields {
		out.Fields = append(out.Fields, paymentField{Name: f.Key, Value: f.Value})
	}
	return out
}
