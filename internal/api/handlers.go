package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/yegors/airspace-billing/internal/billing"
	"github.com/yegors/airspace-billing/internal/clock"
	"github.com/yegors/airspace-billing/internal/engine"
	"github.com/yegors/airspace-billing/internal/geofence"
	"github.com/yegors/airspace-billing/internal/tariff"
	"github.com/yegors/airspace-billing/internal/tracking"
	"github.com/yegors/airspace-billing/pkg/logger"
)

// Geofence is the boundary index as seen by the API.
type Geofence interface {
	Contains(lat, lon float64) bool
	Handle() *geofence.Handle
	Invalidate()
}

// Tariffs is the tariff cache as seen by the API.
type Tariffs interface {
	Table(ctx context.Context) *tariff.Table
	Refresh(ctx context.Context) (*tariff.Table, error)
}

// Switch is the kill switch as seen by the API.
type Switch interface {
	IsActive(ctx context.Context) bool
	SetActive(ctx context.Context, active bool) error
}

// Biller runs on-demand billing.
type Biller interface {
	BillFlightNow(ctx context.Context, flightID string) (*billing.FlightCharges, error)
	BillOverflight(ctx context.Context, sessionID string) (*billing.FlightCharges, error)
	Quote(ctx context.Context, sessionID string) (billing.ChargeBreakdown, error)
}

// Status exposes the last tick report.
type Status interface {
	LastReport() (engine.TickReport, bool)
}

// Deps groups the services behind the API.
type Deps struct {
	Geofence Geofence
	Tariffs  Tariffs
	Switch   Switch
	Biller   Biller
	Status   Status
	Clock    clock.Clock
}

// Handler serves the admin endpoints
type Handler struct {
	deps      Deps
	startedAt time.Time
	logger    *logger.Logger
}

// NewHandler creates a new handler
func NewHandler(deps Deps, log *logger.Logger) *Handler {
	return &Handler{
		deps:      deps,
		startedAt: deps.Clock.Now(),
		logger:    log.Named("api-handler"),
	}
}

// GetHealth returns liveness information
func (h *Handler) GetHealth(w http.ResponseWriter, r *http.Request) {
	h.writeJSON(w, http.StatusOK, map[string]interface{}{
		"status": "ok",
		"uptime": h.deps.Clock.Now().Sub(h.startedAt).String(),
	})
}

type statusResponse struct {
	Active      bool               `json:"active"`
	Boundary    *boundaryInfo      `json:"boundary,omitempty"`
	TariffsFrom string             `json:"tariffs_from"`
	TariffsAt   time.Time          `json:"tariffs_loaded_at"`
	LastTick    *engine.TickReport `json:"last_tick,omitempty"`
}

type boundaryInfo struct {
	Name     string    `json:"name"`
	Source   string    `json:"source"`
	Vertices int       `json:"vertices"`
	BuiltAt  time.Time `json:"built_at"`
}

func newBoundaryInfo(hdl *geofence.Handle) *boundaryInfo {
	if hdl == nil {
		return nil
	}
	return &boundaryInfo{Name: hdl.Name, Source: hdl.Source, Vertices: hdl.Vertices, BuiltAt: hdl.BuiltAt}
}

// GetStatus returns the kill switch, boundary, tariff and last tick state
func (h *Handler) GetStatus(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	table := h.deps.Tariffs.Table(ctx)

	resp := statusResponse{
		Active:      h.deps.Switch.IsActive(ctx),
		Boundary:    newBoundaryInfo(h.deps.Geofence.Handle()),
		TariffsFrom: table.Source(),
		TariffsAt:   table.LoadedAt(),
	}
	if report, ok := h.deps.Status.LastReport(); ok {
		resp.LastTick = &report
	}
	h.writeJSON(w, http.StatusOK, resp)
}

// InvalidateGeofence schedules a boundary rebuild
func (h *Handler) InvalidateGeofence(w http.ResponseWriter, r *http.Request) {
	h.deps.Geofence.Invalidate()
	h.logger.Info("Boundary invalidated through API")
	h.writeJSON(w, http.StatusAccepted, map[string]string{"status": "rebuilding"})
}

// CheckContains probes the geofence
func (h *Handler) CheckContains(w http.ResponseWriter, r *http.Request) {
	lat, errLat := strconv.ParseFloat(r.URL.Query().Get("lat"), 64)
	lon, errLon := strconv.ParseFloat(r.URL.Query().Get("lon"), 64)
	if errLat != nil || errLon != nil {
		h.writeError(w, http.StatusBadRequest, "lat and lon query parameters are required")
		return
	}

	resp := map[string]interface{}{
		"lat":    lat,
		"lon":    lon,
		"inside": h.deps.Geofence.Contains(lat, lon),
	}
	if hdl := h.deps.Geofence.Handle(); hdl != nil {
		resp["boundary"] = hdl.Name
	}
	h.writeJSON(w, http.StatusOK, resp)
}

type tariffsResponse struct {
	Source   string        `json:"source"`
	LoadedAt time.Time     `json:"loaded_at"`
	AsOf     time.Time     `json:"as_of"`
	Rates    []tariff.Rate `json:"rates"`
	Missing  []string      `json:"missing,omitempty"`
}

// GetTariffs lists the rates in effect. An optional as_of query parameter
// (RFC 3339) selects the date.
func (h *Handler) GetTariffs(w http.ResponseWriter, r *http.Request) {
	asOf := h.deps.Clock.Now()
	if v := r.URL.Query().Get("as_of"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			h.writeError(w, http.StatusBadRequest, "as_of must be an RFC 3339 timestamp")
			return
		}
		asOf = t
	}

	table := h.deps.Tariffs.Table(r.Context())
	rates, missing := table.Effective(asOf)
	h.writeJSON(w, http.StatusOK, tariffsResponse{
		Source:   table.Source(),
		LoadedAt: table.LoadedAt(),
		AsOf:     asOf,
		Rates:    rates,
		Missing:  missing,
	})
}

// RefreshTariffs reloads the tariff table
func (h *Handler) RefreshTariffs(w http.ResponseWriter, r *http.Request) {
	table, err := h.deps.Tariffs.Refresh(r.Context())
	if err != nil {
		h.logger.Error("Failed to refresh tariffs", logger.Error(err))
		h.writeError(w, http.StatusBadGateway, err.Error())
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]interface{}{
		"source":    table.Source(),
		"loaded_at": table.LoadedAt(),
	})
}

// SetActive flips the kill switch
func (h *Handler) SetActive(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Active *bool `json:"active"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Active == nil {
		h.writeError(w, http.StatusBadRequest, `body must be {"active": true|false}`)
		return
	}

	if err := h.deps.Switch.SetActive(r.Context(), *req.Active); err != nil {
		h.logger.Error("Failed to set kill switch", logger.Error(err))
		h.writeError(w, http.StatusInternalServerError, "failed to update system state")
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]bool{"active": *req.Active})
}

// BillFlight bills every completed, unbilled item of a flight
func (h *Handler) BillFlight(w http.ResponseWriter, r *http.Request) {
	flightID := chi.URLParam(r, "flightID")
	batch, err := h.deps.Biller.BillFlightNow(r.Context(), flightID)
	if err != nil {
		h.writeBillingError(w, err)
		return
	}
	if batch == nil {
		h.writeJSON(w, http.StatusOK, map[string]interface{}{"flight_id": flightID, "charges": []billing.ChargeBreakdown{}})
		return
	}
	h.writeJSON(w, http.StatusOK, batch)
}

// BillOverflight bills one completed overflight session
func (h *Handler) BillOverflight(w http.ResponseWriter, r *http.Request) {
	batch, err := h.deps.Biller.BillOverflight(r.Context(), chi.URLParam(r, "sessionID"))
	if err != nil {
		h.writeBillingError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, batch)
}

// QuoteOverflight prices a completed session without billing it
func (h *Handler) QuoteOverflight(w http.ResponseWriter, r *http.Request) {
	quote, err := h.deps.Biller.Quote(r.Context(), chi.URLParam(r, "sessionID"))
	if err != nil {
		h.writeBillingError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, quote)
}

func (h *Handler) writeBillingError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, billing.ErrSystemInactive):
		h.writeError(w, http.StatusServiceUnavailable, err.Error())
	case errors.Is(err, tracking.ErrNotFound):
		h.writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, billing.ErrAlreadyBilled), errors.Is(err, billing.ErrNotCompleted):
		h.writeError(w, http.StatusConflict, err.Error())
	default:
		h.logger.Error("Billing request failed", logger.Error(err))
		h.writeError(w, http.StatusInternalServerError, "billing failed")
	}
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		h.logger.Error("Failed to encode response", logger.Error(err))
	}
}

func (h *Handler) writeError(w http.ResponseWriter, status int, msg string) {
	h.writeJSON(w, status, map[string]string{"error": msg})
}
