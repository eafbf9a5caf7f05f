package http

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"sync"
	"time"

	metering "metergrid/internal/metering/domain"
	reconapp "metergrid/internal/reconciliation/application"
	recon "metergrid/internal/reconciliation/domain"
	"metergrid/internal/reconciliation/interfaces"
)

const timeLayout = time.RFC3339

// RunReader loads persisted runs for the query endpoints.
type RunReader interface {
	GetRun(ctx context.Context, id string) (*recon.Run, error)
	ListRuns(ctx context.Context, siteID string, from, to time.Time) ([]*recon.Run, error)
}

// Handler provides reconciliation APIs.
type Handler struct {
	service *reconapp.Service
	bulk    *reconapp.Bulk
	runs    RunReader

	mu        sync.Mutex
	running   bool
	stage     string
	current   int
	total     int
	bulkStop  context.CancelFunc
	lastError string
}

// NewHandler constructs a handler.
func NewHandler(service *reconapp.Service, bulk *reconapp.Bulk, runs RunReader) (*Handler, error) {
	if service == nil || bulk == nil || runs == nil {
		return nil, errors.New("reconciliation handler: nil dependency")
	}
	return &Handler{service: service, bulk: bulk, runs: runs}, nil
}

// Progress records stage progress; wire it into the service with
// WithProgress so the poll endpoint sees fetch and costing advance.
func (h *Handler) Progress(stage string, current, total int) {
	h.mu.Lock()
	h.stage = stage
	h.current = current
	h.total = total
	h.mu.Unlock()
}

// ServeHTTP routes reconciliation endpoints.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	switch {
	case r.URL.Path == "/api/v1/reconciliation/runs" && r.Method == http.MethodPost:
		h.handleRun(w, r)
		return
	case r.URL.Path == "/api/v1/reconciliation/runs" && r.Method == http.MethodGet:
		h.handleList(w, r)
		return
	case r.URL.Path == "/api/v1/reconciliation/bulk" && r.Method == http.MethodPost:
		h.handleBulk(w, r)
		return
	case r.URL.Path == "/api/v1/reconciliation/progress" && r.Method == http.MethodGet:
		h.handleProgress(w, r)
		return
	case r.URL.Path == "/api/v1/reconciliation/cancel" && r.Method == http.MethodPost:
		h.handleCancel(w, r)
		return
	case strings.HasPrefix(r.URL.Path, "/api/v1/reconciliation/runs/"):
		h.handleRunByID(w, r)
		return
	default:
		w.WriteHeader(http.StatusNotFound)
	}
}

type runPayload struct {
	SiteID          string            `json:"site_id"`
	From            string            `json:"from"`
	To              string            `json:"to"`
	Assignments     map[string]string `json:"assignments"`
	TariffAuthority string            `json:"tariff_authority"`
}

func (p runPayload) toRequest() (reconapp.RunRequest, error) {
	from, err := parseTime(p.From, "from")
	if err != nil {
		return reconapp.RunRequest{}, err
	}
	to, err := parseTime(p.To, "to")
	if err != nil {
		return reconapp.RunRequest{}, err
	}
	req := reconapp.RunRequest{
		SiteID:          p.SiteID,
		From:            from,
		To:              to,
		TariffAuthority: p.TariffAuthority,
	}
	if len(p.Assignments) > 0 {
		req.Assignments = make(map[string]metering.Category, len(p.Assignments))
		for meterID, category := range p.Assignments {
			req.Assignments[meterID] = metering.Category(category)
		}
	}
	return req, nil
}

func (h *Handler) handleRun(w http.ResponseWriter, r *http.Request) {
	var payload runPayload
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		http.Error(w, "invalid json", http.StatusBadRequest)
		return
	}
	req, err := payload.toRequest()
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if !h.begin() {
		http.Error(w, "a run is already in flight", http.StatusConflict)
		return
	}
	defer h.finish()

	run, err := h.service.Run(r.Context(), req)
	if err != nil {
		respondRunError(w, err)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(runSummary(run))
}

func (h *Handler) handleBulk(w http.ResponseWriter, r *http.Request) {
	var payload struct {
		runPayload
		Periods []struct {
			From string `json:"from"`
			To   string `json:"to"`
		} `json:"periods"`
	}
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		http.Error(w, "invalid json", http.StatusBadRequest)
		return
	}
	if payload.SiteID == "" {
		http.Error(w, "site_id required", http.StatusBadRequest)
		return
	}
	if len(payload.Periods) == 0 {
		http.Error(w, "periods required", http.StatusBadRequest)
		return
	}

	base := reconapp.RunRequest{
		SiteID:          payload.SiteID,
		TariffAuthority: payload.TariffAuthority,
	}
	if len(payload.Assignments) > 0 {
		base.Assignments = make(map[string]metering.Category, len(payload.Assignments))
		for meterID, category := range payload.Assignments {
			base.Assignments[meterID] = metering.Category(category)
		}
	}

	periods := make([]reconapp.Period, 0, len(payload.Periods))
	for _, p := range payload.Periods {
		from, err := parseTime(p.From, "periods.from")
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		to, err := parseTime(p.To, "periods.to")
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		periods = append(periods, reconapp.Period{From: from, To: to})
	}

	if !h.begin() {
		http.Error(w, "a run is already in flight", http.StatusConflict)
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	h.mu.Lock()
	h.bulkStop = cancel
	h.mu.Unlock()

	go func() {
		defer cancel()
		defer h.finish()
		_, err := h.bulk.Run(ctx, base, periods)
		if err != nil && !errors.Is(err, context.Canceled) {
			h.mu.Lock()
			h.lastError = err.Error()
			h.mu.Unlock()
		}
	}()

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusAccepted)
	_ = json.NewEncoder(w).Encode(map[string]any{
		"site_id": payload.SiteID,
		"periods": len(periods),
		"status":  "accepted",
	})
}

func (h *Handler) handleProgress(w http.ResponseWriter, _ *http.Request) {
	h.mu.Lock()
	resp := map[string]any{
		"running": h.running,
		"stage":   h.stage,
		"current": h.current,
		"total":   h.total,
	}
	if h.lastError != "" {
		resp["last_error"] = h.lastError
	}
	h.mu.Unlock()
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(resp)
}

func (h *Handler) handleCancel(w http.ResponseWriter, _ *http.Request) {
	h.mu.Lock()
	stop := h.bulkStop
	running := h.running
	h.mu.Unlock()
	if stop != nil {
		stop()
	}
	h.service.Cancel()
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{"cancelled": running})
}

func (h *Handler) handleList(w http.ResponseWriter, r *http.Request) {
	siteID := r.URL.Query().Get("site_id")
	if siteID == "" {
		http.Error(w, "site_id required", http.StatusBadRequest)
		return
	}
	from, err := parseTime(r.URL.Query().Get("from"), "from")
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	to, err := parseTime(r.URL.Query().Get("to"), "to")
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if !to.After(from) {
		http.Error(w, "to must be after from", http.StatusBadRequest)
		return
	}
	runs, err := h.runs.ListRuns(r.Context(), siteID, from, to)
	if err != nil {
		http.Error(w, "query runs error", http.StatusInternalServerError)
		return
	}
	summaries := make([]map[string]any, 0, len(runs))
	for _, run := range runs {
		summaries = append(summaries, runSummary(run))
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(summaries)
}

func (h *Handler) handleRunByID(w http.ResponseWriter, r *http.Request) {
	path := strings.TrimPrefix(r.URL.Path, "/api/v1/reconciliation/runs/")
	parts := strings.Split(path, "/")
	runID := parts[0]
	if runID == "" || r.Method != http.MethodGet {
		w.WriteHeader(http.StatusNotFound)
		return
	}

	run, err := h.runs.GetRun(r.Context(), runID)
	if err != nil {
		if errors.Is(err, recon.ErrRunNotFound) {
			http.Error(w, "run not found", http.StatusNotFound)
			return
		}
		http.Error(w, "query run error", http.StatusInternalServerError)
		return
	}

	if len(parts) == 2 && parts[1] == "export" {
		h.handleExport(w, r, run)
		return
	}
	if len(parts) > 1 {
		w.WriteHeader(http.StatusNotFound)
		return
	}

	resp := runSummary(run)
	resp["totals"] = run.Totals
	resp["meter_order"] = run.MeterOrder
	resp["results"] = run.Results
	resp["failed_meters"] = run.FailedMeters
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(resp)
}

func (h *Handler) handleExport(w http.ResponseWriter, r *http.Request, run *recon.Run) {
	format := r.URL.Query().Get("format")
	switch format {
	case "", "xlsx":
		payload, err := interfaces.BuildRunXLSX(run)
		if err != nil {
			http.Error(w, "export error", http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet")
		w.Header().Set("Content-Disposition", `attachment; filename="`+run.ID+`.xlsx"`)
		_, _ = w.Write(payload)
	case "pdf":
		payload, err := interfaces.BuildRunPDF(run)
		if err != nil {
			http.Error(w, "export error", http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "application/pdf")
		w.Header().Set("Content-Disposition", `attachment; filename="`+run.ID+`.pdf"`)
		_, _ = w.Write(payload)
	default:
		http.Error(w, "format must be xlsx or pdf", http.StatusBadRequest)
	}
}

// begin marks a run in flight; only one run or bulk executes at a time.
func (h *Handler) begin() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.running {
		return false
	}
	h.running = true
	h.stage = ""
	h.current = 0
	h.total = 0
	h.lastError = ""
	return true
}

func (h *Handler) finish() {
	h.mu.Lock()
	h.running = false
	h.bulkStop = nil
	h.mu.Unlock()
}

func runSummary(run *recon.Run) map[string]any {
	return map[string]any{
		"id":                 run.ID,
		"site_id":            run.SiteID,
		"from":               run.From.Format(timeLayout),
		"to":                 run.To.Format(timeLayout),
		"status":             run.Status,
		"supply_total":       run.SupplyTotal,
		"distribution_total": run.DistributionTotal,
		"recovery_rate":      run.RecoveryRate,
		"discrepancy":        run.Discrepancy,
		"revenue":            run.Revenue,
		"failed_meters":      len(run.FailedMeters),
		"created_at":         run.CreatedAt.Format(timeLayout),
	}
}

func respondRunError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, context.Canceled):
		http.Error(w, "run cancelled", http.StatusConflict)
	case recon.IsConfiguration(err), errors.Is(err, recon.ErrEmptySiteID), errors.Is(err, recon.ErrInvalidRange):
		http.Error(w, err.Error(), http.StatusBadRequest)
	default:
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}

func parseTime(value, key string) (time.Time, error) {
	if value == "" {
		return time.Time{}, errors.New(key + " is required")
	}
	parsed, err := time.Parse(timeLayout, value)
	if err != nil {
		return time.Time{}, errors.New(key + " must be RFC3339")
	}
	return parsed.UTC(), nil
}
