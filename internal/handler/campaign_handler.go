// internal/handler/campaign_handler.go
package handler

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"mime"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/unclebandit/outreach-scheduler/internal/bounce"
	appErrors "github.com/unclebandit/outreach-scheduler/internal/errors"
	"github.com/unclebandit/outreach-scheduler/internal/service"
)

type StatsReader interface {
	Stats(ctx context.Context, campaignID int64) (*service.Stats, error)
}

type BounceApplier interface {
	Apply(ctx context.Context, e bounce.Event) (*service.BounceResult, error)
}

// CampaignHandler serves the read side and the bounce webhook.
type CampaignHandler struct {
	Stats   StatsReader
	Bounces BounceApplier
	Log     *zap.Logger
}

func (h *CampaignHandler) Routes(r chi.Router) {
	r.Get("/campaigns/{id}/stats", h.GetCampaignStats)
	r.Post("/bounces", h.ReceiveBounce)
}

func (h *CampaignHandler) GetCampaignStats(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil || id <= 0 {
		http.Error(w, "invalid campaign id", http.StatusBadRequest)
		return
	}
	st, err := h.Stats.Stats(r.Context(), id)
	if err != nil {
		h.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

const maxReportSize = 1 << 20

// ReceiveBounce accepts either a JSON bounce event or a raw delivery status
// notification (multipart/report or message/rfc822 bodies).
func (h *CampaignHandler) ReceiveBounce(w http.ResponseWriter, r *http.Request) {
	body := http.MaxBytesReader(w, r.Body, maxReportSize)
	mt, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))

	var e bounce.Event
	switch {
	case mt == "" || mt == "application/json":
		if err := json.NewDecoder(body).Decode(&e); err != nil {
			http.Error(w, "invalid request body: "+err.Error(), http.StatusBadRequest)
			return
		}
	case strings.HasPrefix(mt, "message/"), mt == "multipart/report":
		raw := io.Reader(body)
		if mt == "multipart/report" {
			// The report's own headers travel as HTTP headers.
			raw = io.MultiReader(strings.NewReader("Content-Type: "+r.Header.Get("Content-Type")+"\r\n\r\n"), body)
		}
		parsed, err := bounce.ParseDSN(raw)
		if err != nil {
			status := http.StatusUnprocessableEntity
			if !errors.Is(err, bounce.ErrNotDSN) {
				status = http.StatusBadRequest
			}
			http.Error(w, err.Error(), status)
			return
		}
		e = parsed
	default:
		http.Error(w, "unsupported content type "+mt, http.StatusUnsupportedMediaType)
		return
	}
	if err := e.Validate(); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	res, err := h.Bounces.Apply(r.Context(), e)
	if err != nil {
		h.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (h *CampaignHandler) fail(w http.ResponseWriter, err error) {
	status := appErrors.HTTPStatus(err)
	if status >= http.StatusInternalServerError && h.Log != nil {
		h.Log.Error("request failed", zap.Error(err))
	}
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
