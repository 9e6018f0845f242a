package controller

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/sirupsen/logrus"

	"github.com/bulkwave/wacampaign-backend/internal/apperrors"
	"github.com/bulkwave/wacampaign-backend/internal/model"
	"github.com/bulkwave/wacampaign-backend/internal/service"
)

type CampaignController struct {
	Service service.CampaignServiceInterface
	Log     *logrus.Logger
}

func NewCampaignController(svc service.CampaignServiceInterface, log *logrus.Logger) *CampaignController {
	return &CampaignController{Service: svc, Log: log}
}

// Routes mounts every campaign endpoint on the given router.
func (cc *CampaignController) Routes(r chi.Router) {
	r.Post("/campaigns", cc.Create)
	r.Get("/campaigns", cc.List)
	r.Post("/campaigns/start-all", cc.StartAll)
	r.Post("/campaigns/stop-all", cc.StopAll)
	r.Post("/campaigns/schedule-all", cc.ScheduleAll)

	r.Route("/campaigns/{id}", func(r chi.Router) {
		r.Get("/", cc.Get)
		r.Delete("/", cc.Delete)
		r.Get("/report", cc.Report)
		r.Post("/start", cc.Start)
		r.Post("/pause", cc.Pause)
		r.Post("/resume", cc.Resume)
		r.Post("/stop", cc.Stop)
		r.Post("/restart", cc.Restart)
		r.Post("/schedule", cc.Schedule)
		r.Post("/cancel-schedule", cc.CancelSchedule)
	})
}

func (cc *CampaignController) Create(w http.ResponseWriter, r *http.Request) {
	var req service.CreateCampaignRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, apperrors.NewValidation("body", "invalid JSON"))
		return
	}

	c, err := cc.Service.Create(&req)
	if err != nil {
		cc.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, c)
}

func (cc *CampaignController) List(w http.ResponseWriter, r *http.Request) {
	page, _ := strconv.Atoi(r.URL.Query().Get("page"))
	pageSize, _ := strconv.Atoi(r.URL.Query().Get("page_size"))
	session := r.URL.Query().Get("session")
	status := model.CampaignStatus(r.URL.Query().Get("status"))

	campaigns, total, err := cc.Service.List(page, pageSize, session, status)
	if err != nil {
		cc.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"campaigns": campaigns,
		"total":     total,
	})
}

func (cc *CampaignController) Get(w http.ResponseWriter, r *http.Request) {
	id, err := campaignID(r)
	if err != nil {
		writeError(w, err)
		return
	}
	c, err := cc.Service.Get(id)
	if err != nil {
		cc.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, c)
}

func (cc *CampaignController) Report(w http.ResponseWriter, r *http.Request) {
	id, err := campaignID(r)
	if err != nil {
		writeError(w, err)
		return
	}
	report, err := cc.Service.Report(id)
	if err != nil {
		cc.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

func (cc *CampaignController) Delete(w http.ResponseWriter, r *http.Request) {
	id, err := campaignID(r)
	if err != nil {
		writeError(w, err)
		return
	}
	if err := cc.Service.Delete(id); err != nil {
		cc.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"deleted": id})
}

func (cc *CampaignController) Start(w http.ResponseWriter, r *http.Request) {
	cc.lifecycle(w, r, "started", func(id int) error {
		return cc.Service.Start(r.Context(), id)
	})
}

func (cc *CampaignController) Pause(w http.ResponseWriter, r *http.Request) {
	cc.lifecycle(w, r, "paused", cc.Service.Pause)
}

// Resume is an alias for starting a paused campaign.
func (cc *CampaignController) Resume(w http.ResponseWriter, r *http.Request) {
	cc.lifecycle(w, r, "resumed", func(id int) error {
		return cc.Service.Start(r.Context(), id)
	})
}

func (cc *CampaignController) Stop(w http.ResponseWriter, r *http.Request) {
	cc.lifecycle(w, r, "stopped", cc.Service.Stop)
}

func (cc *CampaignController) CancelSchedule(w http.ResponseWriter, r *http.Request) {
	cc.lifecycle(w, r, "schedule cancelled", cc.Service.CancelSchedule)
}

func (cc *CampaignController) lifecycle(w http.ResponseWriter, r *http.Request, verb string, op func(int) error) {
	id, err := campaignID(r)
	if err != nil {
		writeError(w, err)
		return
	}
	if err := op(id); err != nil {
		cc.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"id": id, "result": verb})
}

func (cc *CampaignController) Restart(w http.ResponseWriter, r *http.Request) {
	id, err := campaignID(r)
	if err != nil {
		writeError(w, err)
		return
	}

	req := service.RestartRequest{StartRow: 1}
	if r.Body != nil && r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, apperrors.NewValidation("body", "invalid JSON"))
			return
		}
	}
	req.CampaignID = id

	clone, err := cc.Service.Restart(&req)
	if err != nil {
		cc.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, clone)
}

func (cc *CampaignController) Schedule(w http.ResponseWriter, r *http.Request) {
	id, err := campaignID(r)
	if err != nil {
		writeError(w, err)
		return
	}

	var req struct {
		StartTime time.Time `json:"start_time"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.StartTime.IsZero() {
		writeError(w, apperrors.NewValidation("start_time", "RFC3339 timestamp is required"))
		return
	}

	if err := cc.Service.Schedule(id, req.StartTime); err != nil {
		cc.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"id": id, "scheduled_start_time": req.StartTime.UTC(),
	})
}

func (cc *CampaignController) StartAll(w http.ResponseWriter, r *http.Request) {
	n, err := cc.Service.StartAll(r.Context())
	if err != nil {
		cc.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"started": n})
}

func (cc *CampaignController) StopAll(w http.ResponseWriter, r *http.Request) {
	stopped, requeued, err := cc.Service.StopAll()
	if err != nil {
		cc.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"stopped": stopped, "returned_to_created": requeued,
	})
}

func (cc *CampaignController) ScheduleAll(w http.ResponseWriter, r *http.Request) {
	var req struct {
		StartTime      time.Time `json:"start_time"`
		StaggerSeconds int       `json:"stagger_seconds"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.StartTime.IsZero() {
		writeError(w, apperrors.NewValidation("start_time", "RFC3339 timestamp is required"))
		return
	}
	if req.StaggerSeconds < 0 {
		writeError(w, apperrors.NewValidation("stagger_seconds", "must be >= 0"))
		return
	}

	n, err := cc.Service.ScheduleAll(req.StartTime, time.Duration(req.StaggerSeconds)*time.Second)
	if err != nil {
		cc.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"scheduled": n})
}

func (cc *CampaignController) fail(w http.ResponseWriter, r *http.Request, err error) {
	if status(err) >= http.StatusInternalServerError {
		cc.Log.WithError(err).WithField("path", r.URL.Path).Error("request failed")
	}
	writeError(w, err)
}

func campaignID(r *http.Request) (int, error) {
	id, err := strconv.Atoi(chi.URLParam(r, "id"))
	if err != nil || id < 1 {
		return 0, apperrors.NewValidation("id", "must be a positive integer")
	}
	return id, nil
}

func status(err error) int {
	var nferr *apperrors.ErrCampaignNotFound
	var verr *apperrors.ValidationError
	var cerr *apperrors.ConcurrencyError
	switch {
	case errors.As(err, &nferr):
		return http.StatusNotFound
	case errors.As(err, &verr):
		return http.StatusBadRequest
	case errors.As(err, &cerr):
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

func writeError(w http.ResponseWriter, err error) {
	writeJSON(w, status(err), map[string]interface{}{"error": err.Error()})
}

func writeJSON(w http.ResponseWriter, code int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(payload)
}
