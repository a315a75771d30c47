package handlers

import (
	"context"
	"errors"

	"github.com/estatemeter/prepay-core/internal/billing"
	"github.com/estatemeter/prepay-core/internal/model"
	"github.com/estatemeter/prepay-core/internal/repository"
	xhttp "github.com/estatemeter/prepay-core/pkg/http"
	"github.com/fasthttp/router"
	"github.com/shopspring/decimal"
)

type ReadingService interface {
	IngestReading(ctx context.Context, req model.IngestRequest) (*model.MeterReading, error)
	BillMeter(ctx context.Context, meterID int64) (int, error)
}

type ReadingHandler struct {
	svc ReadingService
}

func RegisterReadingRoutes(e *router.Group, h *ReadingHandler) {
	e.POST("/readings", h.IngestReading)
	e.POST("/meters/{id}/bill", h.BillMeter)
}

func NewReadingHandler(readingService ReadingService) *ReadingHandler {
	return &ReadingHandler{
		svc: readingService,
	}
}

type ingestReadingRequest struct {
	MeterID    int64  `json:"meter_id"`
	Value      string `json:"value"`
	ReadingAt  string `json:"reading_at"`
	Source     string `json:"source"`
	RawPayload string `json:"raw_payload"`
}

type billMeterResponse struct {
	Billed int `json:"billed"`
}

/* --------------------------------- Routes ----------------------------------- */

func (h *ReadingHandler) IngestReading(ctx *xhttp.RequestCtx) {
	var req ingestReadingRequest
	if err := readJSON(ctx, &req); err != nil {
		writeError(ctx, 400, "invalid JSON: "+err.Error())
		return
	}

	value, err := decimal.NewFromString(req.Value)
	if err != nil {
		writeError(ctx, 400, "invalid value: "+req.Value)
		return
	}
	readingAt, err := parseTime(req.ReadingAt)
	if err != nil {
		writeError(ctx, 400, "invalid reading_at: "+req.ReadingAt)
		return
	}

	source := model.ReadingSource(req.Source)
	if req.Source == "" {
		source = model.SourceManual
	}

	reading, err := h.svc.IngestReading(ctx, model.IngestRequest{
		MeterID:    req.MeterID,
		Value:      value,
		ReadingAt:  readingAt,
		Source:     source,
		RawPayload: req.RawPayload,
	})
	if err != nil {
		switch {
		case errors.Is(err, repository.ErrMeterNotFound):
			writeError(ctx, 404, err.Error())
		case errors.Is(err, billing.ErrDuplicateReading):
			writeError(ctx, 409, err.Error())
		case errors.Is(err, billing.ErrOutOfOrder):
			writeError(ctx, 422, err.Error())
		default:
			writeError(ctx, 400, err.Error())
		}
		return
	}
	writeJSON(ctx, 201, reading)
}

func (h *ReadingHandler) BillMeter(ctx *xhttp.RequestCtx) {
	id, err := pathInt64(ctx, "id")
	if err != nil {
		writeError(ctx, 400, "invalid meter id")
		return
	}

	billed, err := h.svc.BillMeter(ctx, id)
	if err != nil {
		if errors.Is(err, repository.ErrMeterNotFound) {
			writeError(ctx, 404, err.Error())
			return
		}
		writeError(ctx, 400, err.Error())
		return
	}
	writeJSON(ctx, 200, billMeterResponse{Billed: billed})
}
