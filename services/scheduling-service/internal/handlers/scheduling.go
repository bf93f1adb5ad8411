package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/medsched/medsched/services/scheduling-service/internal/availability"
	"github.com/medsched/medsched/services/scheduling-service/internal/model"
	"github.com/medsched/medsched/services/scheduling-service/internal/scheduler"
)

type SchedulingHandler struct {
	sched  *scheduler.Scheduler
	dir    scheduler.Directory
	logger *slog.Logger
}

func NewSchedulingHandler(sched *scheduler.Scheduler, dir scheduler.Directory, logger *slog.Logger) *SchedulingHandler {
	return &SchedulingHandler{sched: sched, dir: dir, logger: logger}
}

func (h *SchedulingHandler) Register(mux *http.ServeMux) {
	mux.HandleFunc("POST /api/v1/appointments", h.Book)
	mux.HandleFunc("GET /api/v1/appointments", h.List)
	mux.HandleFunc("GET /api/v1/appointments/{id}", h.Get)
	mux.HandleFunc("POST /api/v1/appointments/{id}/reschedule", h.Reschedule)
	mux.HandleFunc("POST /api/v1/appointments/{id}/cancel", h.Cancel)
	mux.HandleFunc("POST /api/v1/appointments/{id}/complete", h.Complete)
	mux.HandleFunc("POST /api/v1/appointments/{id}/no-show", h.NoShow)
	mux.HandleFunc("DELETE /api/v1/appointments/{id}", h.Delete)
	mux.HandleFunc("POST /api/v1/appointments/check", h.CheckConflict)
	mux.HandleFunc("GET /api/v1/availability", h.Availability)
	mux.HandleFunc("GET /api/v1/public/slots", h.Slots)
	mux.HandleFunc("POST /api/v1/recurrence-rules", h.CreateRule)
}

type appointmentResponse struct {
	AppointmentID string `json:"appointment_id"`
	ClinicID      string `json:"clinic_id"`
	StaffID       string `json:"staff_id"`
	PatientID     string `json:"patient_id"`
	ServiceID     string `json:"service_id"`
	StartTime     string `json:"start_time"`
	EndTime       string `json:"end_time"`
	Status        string `json:"status"`
	RuleID        string `json:"rule_id,omitempty"`
	Notes         string `json:"notes,omitempty"`
	CancelReason  string `json:"cancel_reason,omitempty"`
	CancelledAt   string `json:"cancelled_at,omitempty"`
	CreatedAt     string `json:"created_at"`
}

func toResponse(appt model.Appointment) appointmentResponse {
	resp := appointmentResponse{
		AppointmentID: appt.ID,
		ClinicID:      appt.ClinicID,
		StaffID:       appt.StaffID,
		PatientID:     appt.PatientID,
		ServiceID:     appt.ServiceID,
		StartTime:     appt.StartTime.UTC().Format(time.RFC3339),
		EndTime:       appt.EndTime.UTC().Format(time.RFC3339),
		Status:        string(appt.Status),
		RuleID:        appt.RuleID,
		Notes:         appt.Notes,
		CancelReason:  appt.CancelReason,
		CreatedAt:     appt.CreatedAt.UTC().Format(time.RFC3339),
	}
	if appt.CancelledAt != nil {
		resp.CancelledAt = appt.CancelledAt.UTC().Format(time.RFC3339)
	}
	return resp
}

type bookRequest struct {
	StaffID   string `json:"staff_id"`
	PatientID string `json:"patient_id"`
	ServiceID string `json:"service_id"`
	StartTime string `json:"start_time"`
	EndTime   string `json:"end_time"`
	RuleID    string `json:"rule_id,omitempty"`
	Notes     string `json:"notes,omitempty"`
}

func (h *SchedulingHandler) Book(w http.ResponseWriter, r *http.Request) {
	clinicID := clinicFrom(r)
	if clinicID == "" {
		http.Error(w, "clinic id required", http.StatusBadRequest)
		return
	}

	var req bookRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid json body", http.StatusBadRequest)
		return
	}
	req.StaffID = strings.TrimSpace(req.StaffID)
	req.PatientID = strings.TrimSpace(req.PatientID)
	req.ServiceID = strings.TrimSpace(req.ServiceID)
	if req.StaffID == "" || req.PatientID == "" || req.ServiceID == "" || req.StartTime == "" {
		http.Error(w, "staff_id, patient_id, service_id and start_time required", http.StatusBadRequest)
		return
	}

	start, err := time.Parse(time.RFC3339, req.StartTime)
	if err != nil {
		http.Error(w, "invalid start_time", http.StatusBadRequest)
		return
	}
	var end time.Time
	if req.EndTime != "" {
		end, err = time.Parse(time.RFC3339, req.EndTime)
		if err != nil {
			http.Error(w, "invalid end_time", http.StatusBadRequest)
			return
		}
	}

	appt, err := h.sched.Book(r.Context(), scheduler.BookRequest{
		ClinicID:       clinicID,
		StaffID:        req.StaffID,
		PatientID:      req.PatientID,
		ServiceID:      req.ServiceID,
		Start:          start,
		End:            end,
		RuleID:         strings.TrimSpace(req.RuleID),
		Notes:          strings.TrimSpace(req.Notes),
		IdempotencyKey: strings.TrimSpace(r.Header.Get("X-Idempotency-Key")),
	})
	if err != nil {
		h.writeSchedulerError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, toResponse(appt))
}

func (h *SchedulingHandler) Get(w http.ResponseWriter, r *http.Request) {
	clinicID := clinicFrom(r)
	if clinicID == "" {
		http.Error(w, "clinic id required", http.StatusBadRequest)
		return
	}
	appt, err := h.sched.Get(r.Context(), clinicID, r.PathValue("id"))
	if err != nil {
		h.writeSchedulerError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toResponse(appt))
}

func (h *SchedulingHandler) List(w http.ResponseWriter, r *http.Request) {
	clinicID := clinicFrom(r)
	if clinicID == "" {
		http.Error(w, "clinic id required", http.StatusBadRequest)
		return
	}

	q := scheduler.RangeQuery{
		ClinicID:  clinicID,
		StaffID:   strings.TrimSpace(r.URL.Query().Get("staff_id")),
		PatientID: strings.TrimSpace(r.URL.Query().Get("patient_id")),
	}
	var err error
	if raw := r.URL.Query().Get("from"); raw != "" {
		if q.From, err = time.Parse(time.RFC3339, raw); err != nil {
			http.Error(w, "invalid from", http.StatusBadRequest)
			return
		}
	}
	if raw := r.URL.Query().Get("to"); raw != "" {
		if q.To, err = time.Parse(time.RFC3339, raw); err != nil {
			http.Error(w, "invalid to", http.StatusBadRequest)
			return
		}
	}
	for _, raw := range r.URL.Query()["status"] {
		status, err := model.ParseStatus(raw)
		if err != nil {
			http.Error(w, "invalid status", http.StatusBadRequest)
			return
		}
		q.Statuses = append(q.Statuses, status)
	}

	appts, err := h.sched.QueryRange(r.Context(), q)
	if err != nil {
		h.writeSchedulerError(w, err)
		return
	}
	items := make([]appointmentResponse, 0, len(appts))
	for _, appt := range appts {
		items = append(items, toResponse(appt))
	}
	writeJSON(w, http.StatusOK, map[string]any{"appointments": items})
}

type rescheduleRequest struct {
	StaffID   string  `json:"staff_id"`
	PatientID string  `json:"patient_id"`
	StartTime string  `json:"start_time"`
	EndTime   string  `json:"end_time"`
	Notes     *string `json:"notes"`
}

func (h *SchedulingHandler) Reschedule(w http.ResponseWriter, r *http.Request) {
	clinicID := clinicFrom(r)
	if clinicID == "" {
		http.Error(w, "clinic id required", http.StatusBadRequest)
		return
	}

	var req rescheduleRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid json body", http.StatusBadRequest)
		return
	}
	override := scheduler.RescheduleRequest{
		StaffID:   strings.TrimSpace(req.StaffID),
		PatientID: strings.TrimSpace(req.PatientID),
		Notes:     req.Notes,
	}
	var err error
	if req.StartTime != "" {
		if override.Start, err = time.Parse(time.RFC3339, req.StartTime); err != nil {
			http.Error(w, "invalid start_time", http.StatusBadRequest)
			return
		}
	}
	if req.EndTime != "" {
		if override.End, err = time.Parse(time.RFC3339, req.EndTime); err != nil {
			http.Error(w, "invalid end_time", http.StatusBadRequest)
			return
		}
	}
	if override.StaffID == "" && override.PatientID == "" && override.Start.IsZero() && override.End.IsZero() && override.Notes == nil {
		http.Error(w, "nothing to reschedule", http.StatusBadRequest)
		return
	}

	appt, err := h.sched.Reschedule(r.Context(), clinicID, r.PathValue("id"), override)
	if err != nil {
		h.writeSchedulerError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toResponse(appt))
}

func (h *SchedulingHandler) Cancel(w http.ResponseWriter, r *http.Request) {
	clinicID := clinicFrom(r)
	if clinicID == "" {
		http.Error(w, "clinic id required", http.StatusBadRequest)
		return
	}
	var req struct {
		Reason string `json:"reason"`
	}
	if r.Body != nil && r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, "invalid json body", http.StatusBadRequest)
			return
		}
	}
	appt, err := h.sched.Cancel(r.Context(), clinicID, r.PathValue("id"), strings.TrimSpace(req.Reason))
	if err != nil {
		h.writeSchedulerError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toResponse(appt))
}

func (h *SchedulingHandler) Complete(w http.ResponseWriter, r *http.Request) {
	h.statusOp(w, r, h.sched.Complete)
}

func (h *SchedulingHandler) NoShow(w http.ResponseWriter, r *http.Request) {
	h.statusOp(w, r, h.sched.MarkNoShow)
}

func (h *SchedulingHandler) statusOp(w http.ResponseWriter, r *http.Request, op func(ctx context.Context, clinicID, id string) (model.Appointment, error)) {
	clinicID := clinicFrom(r)
	if clinicID == "" {
		http.Error(w, "clinic id required", http.StatusBadRequest)
		return
	}
	appt, err := op(r.Context(), clinicID, r.PathValue("id"))
	if err != nil {
		h.writeSchedulerError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toResponse(appt))
}

func (h *SchedulingHandler) Delete(w http.ResponseWriter, r *http.Request) {
	clinicID := clinicFrom(r)
	if clinicID == "" {
		http.Error(w, "clinic id required", http.StatusBadRequest)
		return
	}
	// The gateway only routes DELETE here for admins; this is the backstop.
	if role := r.Header.Get("X-Role"); role != "" && role != "admin" && role != "owner" {
		http.Error(w, "admin role required", http.StatusForbidden)
		return
	}
	if err := h.sched.Delete(r.Context(), clinicID, r.PathValue("id")); err != nil {
		h.writeSchedulerError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *SchedulingHandler) CheckConflict(w http.ResponseWriter, r *http.Request) {
	clinicID := clinicFrom(r)
	if clinicID == "" {
		http.Error(w, "clinic id required", http.StatusBadRequest)
		return
	}
	var req bookRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid json body", http.StatusBadRequest)
		return
	}
	start, err := time.Parse(time.RFC3339, req.StartTime)
	if err != nil {
		http.Error(w, "invalid start_time", http.StatusBadRequest)
		return
	}
	var end time.Time
	if req.EndTime != "" {
		if end, err = time.Parse(time.RFC3339, req.EndTime); err != nil {
			http.Error(w, "invalid end_time", http.StatusBadRequest)
			return
		}
	}

	reason, found, err := h.sched.CheckConflict(r.Context(), clinicID, scheduler.BookRequest{
		StaffID:   strings.TrimSpace(req.StaffID),
		PatientID: strings.TrimSpace(req.PatientID),
		ServiceID: strings.TrimSpace(req.ServiceID),
		Start:     start,
		End:       end,
	})
	if err != nil {
		h.writeSchedulerError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"conflict": found,
		"reason":   string(reason),
	})
}

func (h *SchedulingHandler) Availability(w http.ResponseWriter, r *http.Request) {
	clinicID := clinicFrom(r)
	staffID := strings.TrimSpace(r.URL.Query().Get("staff_id"))
	if clinicID == "" || staffID == "" {
		http.Error(w, "clinic id and staff_id required", http.StatusBadRequest)
		return
	}
	start, err := time.Parse(time.RFC3339, r.URL.Query().Get("start"))
	if err != nil {
		http.Error(w, "invalid start", http.StatusBadRequest)
		return
	}
	end, err := time.Parse(time.RFC3339, r.URL.Query().Get("end"))
	if err != nil {
		http.Error(w, "invalid end", http.StatusBadRequest)
		return
	}

	available, err := h.sched.IsAvailable(r.Context(), clinicID, staffID, start, end)
	if err != nil {
		h.writeSchedulerError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"available": available})
}

// Slots lists free start times for a staff member, service and date: template
// windows minus exclusions, stepped by the service duration, minus booked
// appointments.
func (h *SchedulingHandler) Slots(w http.ResponseWriter, r *http.Request) {
	clinicID := clinicFrom(r)
	staffID := strings.TrimSpace(r.URL.Query().Get("staff_id"))
	serviceID := strings.TrimSpace(r.URL.Query().Get("service_id"))
	dateRaw := strings.TrimSpace(r.URL.Query().Get("date"))
	if clinicID == "" || staffID == "" || serviceID == "" || dateRaw == "" {
		http.Error(w, "clinic id, staff_id, service_id and date required", http.StatusBadRequest)
		return
	}

	ctx := r.Context()
	staff, err := h.dir.Staff(ctx, clinicID, staffID)
	if err != nil {
		h.writeSchedulerError(w, err)
		return
	}
	svc, err := h.dir.Service(ctx, clinicID, serviceID)
	if err != nil {
		h.writeSchedulerError(w, err)
		return
	}

	loc := time.UTC
	if staff.TimeZone != "" {
		if l, err := time.LoadLocation(staff.TimeZone); err == nil {
			loc = l
		}
	}
	date, err := time.ParseInLocation("2006-01-02", dateRaw, loc)
	if err != nil {
		http.Error(w, "invalid date", http.StatusBadRequest)
		return
	}

	template, err := h.dir.Template(ctx, clinicID, staffID)
	if err != nil {
		h.writeSchedulerError(w, err)
		return
	}
	dayEnd := date.AddDate(0, 0, 1)
	exclusions, err := h.dir.Exclusions(ctx, clinicID, staffID, date, dayEnd)
	if err != nil {
		h.writeSchedulerError(w, err)
		return
	}
	booked, err := h.sched.QueryRange(ctx, scheduler.RangeQuery{
		ClinicID: clinicID,
		StaffID:  staffID,
		From:     date,
		To:       dayEnd,
		Statuses: []model.Status{model.StatusScheduled},
	})
	if err != nil {
		h.writeSchedulerError(w, err)
		return
	}

	duration := time.Duration(svc.DurationMinutes) * time.Minute
	if duration <= 0 {
		duration = 30 * time.Minute
	}
	now := h.sched.Now()

	type slotItem struct {
		StartTime string `json:"start_time"`
		EndTime   string `json:"end_time"`
	}
	slots := []slotItem{}
	for _, window := range availability.WindowsOn(template, exclusions, date) {
		windowStart := date.Add(time.Duration(window.StartMinute) * time.Minute)
		windowEnd := date.Add(time.Duration(window.EndMinute) * time.Minute)
		for t := windowStart; !t.Add(duration).After(windowEnd); t = t.Add(duration) {
			if t.Before(now) {
				continue
			}
			if slotTaken(t, t.Add(duration), booked) {
				continue
			}
			slots = append(slots, slotItem{
				StartTime: t.UTC().Format(time.RFC3339),
				EndTime:   t.Add(duration).UTC().Format(time.RFC3339),
			})
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{"slots": slots})
}

func slotTaken(start, end time.Time, booked []model.Appointment) bool {
	for _, appt := range booked {
		if start.Before(appt.EndTime) && appt.StartTime.Before(end) {
			return true
		}
	}
	return false
}

type createRuleRequest struct {
	StaffID         string `json:"staff_id"`
	PatientID       string `json:"patient_id"`
	ServiceID       string `json:"service_id"`
	Frequency       string `json:"frequency"`
	Interval        int    `json:"interval"`
	Weekdays        []int  `json:"weekdays"`
	StartMinute     int    `json:"start_minute"`
	DurationMinutes int    `json:"duration_minutes"`
	StartDate       string `json:"start_date"`
	EndDate         string `json:"end_date"`
}

func (h *SchedulingHandler) CreateRule(w http.ResponseWriter, r *http.Request) {
	clinicID := clinicFrom(r)
	if clinicID == "" {
		http.Error(w, "clinic id required", http.StatusBadRequest)
		return
	}
	var req createRuleRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid json body", http.StatusBadRequest)
		return
	}

	startDate, err := time.Parse("2006-01-02", req.StartDate)
	if err != nil {
		http.Error(w, "invalid start_date", http.StatusBadRequest)
		return
	}
	var endDate *time.Time
	if req.EndDate != "" {
		parsed, err := time.Parse("2006-01-02", req.EndDate)
		if err != nil {
			http.Error(w, "invalid end_date", http.StatusBadRequest)
			return
		}
		endDate = &parsed
	}
	weekdays := make([]time.Weekday, 0, len(req.Weekdays))
	for _, d := range req.Weekdays {
		if d < 0 || d > 6 {
			http.Error(w, "invalid weekday", http.StatusBadRequest)
			return
		}
		weekdays = append(weekdays, time.Weekday(d))
	}

	rule, err := h.sched.CreateRule(r.Context(), model.RecurrenceRule{
		ClinicID:        clinicID,
		StaffID:         strings.TrimSpace(req.StaffID),
		PatientID:       strings.TrimSpace(req.PatientID),
		ServiceID:       strings.TrimSpace(req.ServiceID),
		Frequency:       strings.TrimSpace(req.Frequency),
		Interval:        req.Interval,
		Weekdays:        weekdays,
		StartMinute:     req.StartMinute,
		DurationMinutes: req.DurationMinutes,
		StartDate:       startDate,
		EndDate:         endDate,
	})
	if err != nil {
		if errors.Is(err, scheduler.ErrNotFound) {
			http.Error(w, "not found", http.StatusNotFound)
			return
		}
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{"rule_id": rule.ID})
}

func (h *SchedulingHandler) writeSchedulerError(w http.ResponseWriter, err error) {
	var (
		invalid     *scheduler.InvalidIntervalError
		unavailable *scheduler.UnavailableError
		conflictErr *scheduler.ConflictError
		limited     *scheduler.LimitExceededError
	)
	switch {
	case errors.Is(err, scheduler.ErrNotFound):
		http.Error(w, "not found", http.StatusNotFound)
	case errors.Is(err, scheduler.ErrInvalidTransition):
		http.Error(w, err.Error(), http.StatusBadRequest)
	case errors.As(err, &invalid):
		http.Error(w, err.Error(), http.StatusBadRequest)
	case errors.As(err, &unavailable):
		http.Error(w, err.Error(), http.StatusUnprocessableEntity)
	case errors.As(err, &conflictErr):
		http.Error(w, err.Error(), http.StatusConflict)
	case errors.As(err, &limited):
		http.Error(w, err.Error(), http.StatusPaymentRequired)
	default:
		h.logger.Error("scheduling request failed", "err", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
	}
}

func clinicFrom(r *http.Request) string {
	if id := strings.TrimSpace(r.Header.Get("X-Clinic-Id")); id != "" {
		return id
	}
	return strings.TrimSpace(r.URL.Query().Get("clinic_id"))
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	data, err := json.Marshal(body)
	if err != nil {
		http.Error(w, "failed to build response", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(data)
}
