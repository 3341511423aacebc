// internal/controller/campaign_controller.go
package controller

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	appErrors "github.com/unclebandit/outreach-scheduler/internal/errors"
	"github.com/unclebandit/outreach-scheduler/internal/service"
)

// CampaignCommands is the lifecycle surface of service.CampaignService.
type CampaignCommands interface {
	Start(ctx context.Context, campaignID int64) (*service.StartResult, error)
	Pause(ctx context.Context, campaignID int64) error
	Stop(ctx context.Context, campaignID int64) (*service.StopResult, error)
	RestoreStopped(ctx context.Context, campaignID int64) (*service.RestoreResult, error)
}

type Ticker interface {
	Tick(ctx context.Context) (*service.TickResult, error)
}

type CampaignController struct {
	CampaignService CampaignCommands
	Dispatcher      Ticker
	Log             *zap.Logger
}

// Routes mounts the command endpoints on r.
func (c *CampaignController) Routes(r chi.Router) {
	r.Post("/campaigns/{id}/start", c.StartCampaign)
	r.Post("/campaigns/{id}/pause", c.PauseCampaign)
	r.Post("/campaigns/{id}/stop", c.StopCampaign)
	r.Post("/campaigns/{id}/restore", c.RestoreCampaign)
	r.Post("/tick", c.Tick)
}

func campaignID(r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	return id, err == nil && id > 0
}

func (c *CampaignController) StartCampaign(w http.ResponseWriter, r *http.Request) {
	id, ok := campaignID(r)
	if !ok {
		http.Error(w, "invalid campaign id", http.StatusBadRequest)
		return
	}
	res, err := c.CampaignService.Start(r.Context(), id)
	if err != nil {
		c.fail(w, err, id)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (c *CampaignController) PauseCampaign(w http.ResponseWriter, r *http.Request) {
	id, ok := campaignID(r)
	if !ok {
		http.Error(w, "invalid campaign id", http.StatusBadRequest)
		return
	}
	if err := c.CampaignService.Pause(r.Context(), id); err != nil {
		c.fail(w, err, id)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"campaign_id": id, "status": "paused"})
}

func (c *CampaignController) StopCampaign(w http.ResponseWriter, r *http.Request) {
	id, ok := campaignID(r)
	if !ok {
		http.Error(w, "invalid campaign id", http.StatusBadRequest)
		return
	}
	res, err := c.CampaignService.Stop(r.Context(), id)
	if err != nil {
		c.fail(w, err, id)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (c *CampaignController) RestoreCampaign(w http.ResponseWriter, r *http.Request) {
	id, ok := campaignID(r)
	if !ok {
		http.Error(w, "invalid campaign id", http.StatusBadRequest)
		return
	}
	res, err := c.CampaignService.RestoreStopped(r.Context(), id)
	if err != nil {
		c.fail(w, err, id)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// Tick runs one dispatch tick, for deployments driven by an external cron.
func (c *CampaignController) Tick(w http.ResponseWriter, r *http.Request) {
	res, err := c.Dispatcher.Tick(r.Context())
	if err != nil {
		c.fail(w, err, 0)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (c *CampaignController) fail(w http.ResponseWriter, err error, id int64) {
	status := appErrors.HTTPStatus(err)
	if status >= http.StatusInternalServerError && c.Log != nil {
		c.Log.Error("campaign command failed", zap.Int64("campaign_id", id), zap.Error(err))
	}
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
