package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/medsched/medsched/libs/db"
	"github.com/medsched/medsched/services/directory-service/internal/outbox"
	"github.com/medsched/medsched/services/directory-service/internal/storage"
)

// Events consumed by the scheduling replica. Payloads carry full row state so
// consumers can upsert without read-back.
const (
	EventStaffUpserted    = "directory.staff.upserted.v1"
	EventPatientUpserted  = "directory.patient.upserted.v1"
	EventServiceUpserted  = "directory.service.upserted.v1"
	EventTemplateUpdated  = "directory.template.updated.v1"
	EventExclusionChanged = "directory.exclusion.changed.v1"
)

type DirectoryHandler struct {
	pool   *db.Pool
	repo   *storage.Repository
	outbox *outbox.Repository
	logger *slog.Logger
}

func NewDirectoryHandler(pool *db.Pool, repo *storage.Repository, outboxRepo *outbox.Repository, logger *slog.Logger) *DirectoryHandler {
	return &DirectoryHandler{pool: pool, repo: repo, outbox: outboxRepo, logger: logger}
}

func (h *DirectoryHandler) Register(mux *http.ServeMux) {
	mux.HandleFunc("GET /api/v1/clinic", h.GetClinic)
	mux.HandleFunc("PUT /api/v1/clinic", h.UpdateClinic)
	mux.HandleFunc("POST /api/v1/staff", h.CreateStaff)
	mux.HandleFunc("GET /api/v1/staff", h.ListStaff)
	mux.HandleFunc("GET /api/v1/staff/{id}", h.GetStaff)
	mux.HandleFunc("PUT /api/v1/staff/{id}", h.UpdateStaff)
	mux.HandleFunc("GET /api/v1/staff/{id}/template", h.GetTemplate)
	mux.HandleFunc("PUT /api/v1/staff/{id}/template", h.ReplaceTemplate)
	mux.HandleFunc("POST /api/v1/staff/{id}/exclusions", h.CreateExclusion)
	mux.HandleFunc("GET /api/v1/staff/{id}/exclusions", h.ListExclusions)
	mux.HandleFunc("DELETE /api/v1/exclusions/{id}", h.DeleteExclusion)
	mux.HandleFunc("POST /api/v1/patients", h.CreatePatient)
	mux.HandleFunc("GET /api/v1/patients", h.ListPatients)
	mux.HandleFunc("GET /api/v1/patients/{id}", h.GetPatient)
	mux.HandleFunc("PUT /api/v1/patients/{id}", h.UpdatePatient)
	mux.HandleFunc("POST /api/v1/services", h.CreateService)
	mux.HandleFunc("GET /api/v1/services", h.ListServices)
	mux.HandleFunc("GET /api/v1/services/{id}", h.GetService)
}

func clinicFrom(r *http.Request) string {
	return strings.TrimSpace(r.Header.Get("X-Clinic-Id"))
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

// mutate runs fn inside a transaction together with its outbox events.
func (h *DirectoryHandler) mutate(ctx context.Context, fn func(tx pgx.Tx) error) error {
	tx, err := h.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback(ctx) }()
	if err := fn(tx); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

func (h *DirectoryHandler) emit(ctx context.Context, tx pgx.Tx, aggregateType, aggregateID, eventType string, payload any) error {
	raw, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	return h.outbox.Insert(ctx, tx, outbox.Event{
		AggregateType: aggregateType,
		AggregateID:   aggregateID,
		EventType:     eventType,
		Payload:       raw,
	})
}

func (h *DirectoryHandler) GetClinic(w http.ResponseWriter, r *http.Request) {
	clinicID := clinicFrom(r)
	if clinicID == "" {
		http.Error(w, "missing X-Clinic-Id", http.StatusBadRequest)
		return
	}
	c, err := h.repo.GetClinic(r.Context(), clinicID)
	if err != nil {
		if storage.IsNotFound(err) {
			http.Error(w, "clinic not found", http.StatusNotFound)
			return
		}
		http.Error(w, "failed to load clinic", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"clinic_id": c.ID,
		"name":      c.Name,
		"timezone":  c.Timezone,
	})
}

func (h *DirectoryHandler) UpdateClinic(w http.ResponseWriter, r *http.Request) {
	clinicID := clinicFrom(r)
	if clinicID == "" {
		http.Error(w, "missing X-Clinic-Id", http.StatusBadRequest)
		return
	}
	var req struct {
		Name     string `json:"name"`
		Timezone string `json:"timezone"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid json body", http.StatusBadRequest)
		return
	}
	req.Name = strings.TrimSpace(req.Name)
	req.Timezone = strings.TrimSpace(req.Timezone)
	if req.Timezone == "" {
		req.Timezone = "UTC"
	}
	if _, err := time.LoadLocation(req.Timezone); err != nil {
		http.Error(w, "invalid timezone", http.StatusBadRequest)
		return
	}
	if err := h.repo.UpdateClinic(r.Context(), clinicID, req.Name, req.Timezone); err != nil {
		if storage.IsNotFound(err) {
			http.Error(w, "clinic not found", http.StatusNotFound)
			return
		}
		http.Error(w, "failed to update clinic", http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type staffPayload struct {
	ClinicID string `json:"clinic_id"`
	StaffID  string `json:"staff_id"`
	Name     string `json:"name"`
	Active   bool   `json:"active"`
	TimeZone string `json:"time_zone"`
}

func (h *DirectoryHandler) CreateStaff(w http.ResponseWriter, r *http.Request) {
	clinicID := clinicFrom(r)
	if clinicID == "" {
		http.Error(w, "missing X-Clinic-Id", http.StatusBadRequest)
		return
	}
	var req struct {
		Name     string `json:"name"`
		TimeZone string `json:"time_zone"`
		Active   *bool  `json:"active"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid json body", http.StatusBadRequest)
		return
	}
	req.Name = strings.TrimSpace(req.Name)
	if req.Name == "" {
		http.Error(w, "name is required", http.StatusBadRequest)
		return
	}
	req.TimeZone = strings.TrimSpace(req.TimeZone)
	if req.TimeZone == "" {
		req.TimeZone = "UTC"
	}
	if _, err := time.LoadLocation(req.TimeZone); err != nil {
		http.Error(w, "invalid time_zone", http.StatusBadRequest)
		return
	}
	active := true
	if req.Active != nil {
		active = *req.Active
	}

	st := storage.Staff{
		ID:       uuid.NewString(),
		ClinicID: clinicID,
		Name:     req.Name,
		Active:   active,
		TimeZone: req.TimeZone,
	}
	err := h.mutate(r.Context(), func(tx pgx.Tx) error {
		if err := h.repo.CreateStaffTx(r.Context(), tx, st); err != nil {
			return err
		}
		if err := h.emit(r.Context(), tx, "staff", st.ID, EventStaffUpserted, staffPayload{
			ClinicID: clinicID, StaffID: st.ID, Name: st.Name, Active: st.Active, TimeZone: st.TimeZone,
		}); err != nil {
			return err
		}
		// New staff start with the default weekday template; replicas need it too.
		return h.emit(r.Context(), tx, "staff", st.ID, EventTemplateUpdated, templatePayload{
			ClinicID: clinicID, StaffID: st.ID, Windows: defaultTemplate(),
		})
	})
	if err != nil {
		h.logger.Error("create staff failed", "err", err)
		http.Error(w, "failed to create staff", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"id": st.ID})
}

func defaultTemplate() map[int][]storage.Window {
	windows := map[int][]storage.Window{}
	for wd := 1; wd <= 5; wd++ {
		windows[wd] = []storage.Window{{StartMinute: 540, EndMinute: 1020}}
	}
	return windows
}

func (h *DirectoryHandler) UpdateStaff(w http.ResponseWriter, r *http.Request) {
	clinicID := clinicFrom(r)
	if clinicID == "" {
		http.Error(w, "missing X-Clinic-Id", http.StatusBadRequest)
		return
	}
	staffID := r.PathValue("id")
	var req struct {
		Name     string `json:"name"`
		TimeZone string `json:"time_zone"`
		Active   *bool  `json:"active"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid json body", http.StatusBadRequest)
		return
	}

	existing, err := h.repo.GetStaff(r.Context(), clinicID, staffID)
	if err != nil {
		if storage.IsNotFound(err) {
			http.Error(w, "staff not found", http.StatusNotFound)
			return
		}
		http.Error(w, "failed to load staff", http.StatusInternalServerError)
		return
	}
	if name := strings.TrimSpace(req.Name); name != "" {
		existing.Name = name
	}
	if tz := strings.TrimSpace(req.TimeZone); tz != "" {
		if _, err := time.LoadLocation(tz); err != nil {
			http.Error(w, "invalid time_zone", http.StatusBadRequest)
			return
		}
		existing.TimeZone = tz
	}
	if req.Active != nil {
		existing.Active = *req.Active
	}

	err = h.mutate(r.Context(), func(tx pgx.Tx) error {
		if err := h.repo.UpdateStaffTx(r.Context(), tx, existing); err != nil {
			return err
		}
		return h.emit(r.Context(), tx, "staff", existing.ID, EventStaffUpserted, staffPayload{
			ClinicID: clinicID, StaffID: existing.ID, Name: existing.Name, Active: existing.Active, TimeZone: existing.TimeZone,
		})
	})
	if err != nil {
		if storage.IsNotFound(err) {
			http.Error(w, "staff not found", http.StatusNotFound)
			return
		}
		h.logger.Error("update staff failed", "err", err)
		http.Error(w, "failed to update staff", http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *DirectoryHandler) GetStaff(w http.ResponseWriter, r *http.Request) {
	clinicID := clinicFrom(r)
	if clinicID == "" {
		http.Error(w, "missing X-Clinic-Id", http.StatusBadRequest)
		return
	}
	st, err := h.repo.GetStaff(r.Context(), clinicID, r.PathValue("id"))
	if err != nil {
		if storage.IsNotFound(err) {
			http.Error(w, "staff not found", http.StatusNotFound)
			return
		}
		http.Error(w, "failed to load staff", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

func (h *DirectoryHandler) ListStaff(w http.ResponseWriter, r *http.Request) {
	clinicID := clinicFrom(r)
	if clinicID == "" {
		http.Error(w, "missing X-Clinic-Id", http.StatusBadRequest)
		return
	}
	staff, err := h.repo.ListStaff(r.Context(), clinicID, queryLimit(r))
	if err != nil {
		http.Error(w, "failed to list staff", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, staff)
}

func queryLimit(r *http.Request) int {
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return 100
}

type templatePayload struct {
	ClinicID string                   `json:"clinic_id"`
	StaffID  string                   `json:"staff_id"`
	Windows  map[int][]storage.Window `json:"windows"`
}

func (h *DirectoryHandler) GetTemplate(w http.ResponseWriter, r *http.Request) {
	clinicID := clinicFrom(r)
	if clinicID == "" {
		http.Error(w, "missing X-Clinic-Id", http.StatusBadRequest)
		return
	}
	windows, err := h.repo.GetTemplate(r.Context(), clinicID, r.PathValue("id"))
	if err != nil {
		http.Error(w, "failed to load template", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"windows": windows})
}

func (h *DirectoryHandler) ReplaceTemplate(w http.ResponseWriter, r *http.Request) {
	clinicID := clinicFrom(r)
	if clinicID == "" {
		http.Error(w, "missing X-Clinic-Id", http.StatusBadRequest)
		return
	}
	staffID := r.PathValue("id")
	var req struct {
		Windows map[int][]storage.Window `json:"windows"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid json body", http.StatusBadRequest)
		return
	}
	if err := validateTemplate(req.Windows); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	err := h.mutate(r.Context(), func(tx pgx.Tx) error {
		if err := h.repo.ReplaceTemplateTx(r.Context(), tx, clinicID, staffID, req.Windows); err != nil {
			return err
		}
		return h.emit(r.Context(), tx, "staff", staffID, EventTemplateUpdated, templatePayload{
			ClinicID: clinicID, StaffID: staffID, Windows: req.Windows,
		})
	})
	if err != nil {
		if storage.IsNotFound(err) {
			http.Error(w, "staff not found", http.StatusNotFound)
			return
		}
		h.logger.Error("replace template failed", "err", err)
		http.Error(w, "failed to replace template", http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func validateTemplate(windows map[int][]storage.Window) error {
	for weekday, wins := range windows {
		if weekday < 0 || weekday > 6 {
			return errors.New("weekday must be between 0 and 6")
		}
		for i, win := range wins {
			if win.StartMinute < 0 || win.EndMinute > 1440 || win.StartMinute >= win.EndMinute {
				return errors.New("invalid start_minute/end_minute")
			}
			if i > 0 && win.StartMinute < wins[i-1].EndMinute {
				return errors.New("windows must be sorted and non-overlapping")
			}
		}
	}
	return nil
}

type exclusionPayload struct {
	ClinicID    string `json:"clinic_id"`
	ExclusionID string `json:"exclusion_id"`
	StaffID     string `json:"staff_id"`
	Date        string `json:"date"`
	StartMinute *int   `json:"start_minute,omitempty"`
	EndMinute   *int   `json:"end_minute,omitempty"`
	Reason      string `json:"reason,omitempty"`
	Deleted     bool   `json:"deleted,omitempty"`
}

func (h *DirectoryHandler) CreateExclusion(w http.ResponseWriter, r *http.Request) {
	clinicID := clinicFrom(r)
	if clinicID == "" {
		http.Error(w, "missing X-Clinic-Id", http.StatusBadRequest)
		return
	}
	staffID := r.PathValue("id")
	var req struct {
		Date        string `json:"date"`
		StartMinute *int   `json:"start_minute"`
		EndMinute   *int   `json:"end_minute"`
		Reason      string `json:"reason"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid json body", http.StatusBadRequest)
		return
	}
	if _, err := time.Parse("2006-01-02", req.Date); err != nil {
		http.Error(w, "invalid date (YYYY-MM-DD)", http.StatusBadRequest)
		return
	}
	// Either both minute bounds or neither; absent bounds mean the whole day.
	if (req.StartMinute == nil) != (req.EndMinute == nil) {
		http.Error(w, "start_minute and end_minute must be set together", http.StatusBadRequest)
		return
	}
	if req.StartMinute != nil {
		if *req.StartMinute < 0 || *req.EndMinute > 1440 || *req.StartMinute >= *req.EndMinute {
			http.Error(w, "invalid start_minute/end_minute", http.StatusBadRequest)
			return
		}
	}

	e := storage.Exclusion{
		ID:          uuid.NewString(),
		ClinicID:    clinicID,
		StaffID:     staffID,
		Date:        req.Date,
		StartMinute: req.StartMinute,
		EndMinute:   req.EndMinute,
		Reason:      strings.TrimSpace(req.Reason),
	}
	err := h.mutate(r.Context(), func(tx pgx.Tx) error {
		if err := h.repo.CreateExclusionTx(r.Context(), tx, e); err != nil {
			return err
		}
		return h.emit(r.Context(), tx, "exclusion", e.ID, EventExclusionChanged, exclusionPayload{
			ClinicID: clinicID, ExclusionID: e.ID, StaffID: staffID,
			Date: e.Date, StartMinute: e.StartMinute, EndMinute: e.EndMinute, Reason: e.Reason,
		})
	})
	if err != nil {
		if storage.IsNotFound(err) {
			http.Error(w, "staff not found", http.StatusNotFound)
			return
		}
		h.logger.Error("create exclusion failed", "err", err)
		http.Error(w, "failed to create exclusion", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"id": e.ID})
}

func (h *DirectoryHandler) ListExclusions(w http.ResponseWriter, r *http.Request) {
	clinicID := clinicFrom(r)
	if clinicID == "" {
		http.Error(w, "missing X-Clinic-Id", http.StatusBadRequest)
		return
	}
	from := strings.TrimSpace(r.URL.Query().Get("from"))
	to := strings.TrimSpace(r.URL.Query().Get("to"))
	if from == "" || to == "" {
		http.Error(w, "from and to are required (YYYY-MM-DD)", http.StatusBadRequest)
		return
	}
	for _, v := range []string{from, to} {
		if _, err := time.Parse("2006-01-02", v); err != nil {
			http.Error(w, "invalid from/to (YYYY-MM-DD)", http.StatusBadRequest)
			return
		}
	}
	items, err := h.repo.ListExclusions(r.Context(), clinicID, r.PathValue("id"), from, to)
	if err != nil {
		http.Error(w, "failed to list exclusions", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, items)
}

func (h *DirectoryHandler) DeleteExclusion(w http.ResponseWriter, r *http.Request) {
	clinicID := clinicFrom(r)
	if clinicID == "" {
		http.Error(w, "missing X-Clinic-Id", http.StatusBadRequest)
		return
	}
	exclusionID := r.PathValue("id")
	err := h.mutate(r.Context(), func(tx pgx.Tx) error {
		deleted, err := h.repo.DeleteExclusionTx(r.Context(), tx, clinicID, exclusionID)
		if err != nil {
			return err
		}
		return h.emit(r.Context(), tx, "exclusion", deleted.ID, EventExclusionChanged, exclusionPayload{
			ClinicID: clinicID, ExclusionID: deleted.ID, StaffID: deleted.StaffID,
			Date: deleted.Date, Deleted: true,
		})
	})
	if err != nil {
		if storage.IsNotFound(err) {
			http.Error(w, "exclusion not found", http.StatusNotFound)
			return
		}
		h.logger.Error("delete exclusion failed", "err", err)
		http.Error(w, "failed to delete exclusion", http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type patientPayload struct {
	ClinicID  string `json:"clinic_id"`
	PatientID string `json:"patient_id"`
	Name      string `json:"name"`
	Email     string `json:"email"`
	Phone     string `json:"phone"`
	Active    bool   `json:"active"`
}

func (h *DirectoryHandler) CreatePatient(w http.ResponseWriter, r *http.Request) {
	clinicID := clinicFrom(r)
	if clinicID == "" {
		http.Error(w, "missing X-Clinic-Id", http.StatusBadRequest)
		return
	}
	var req struct {
		Name   string `json:"name"`
		Email  string `json:"email"`
		Phone  string `json:"phone"`
		Active *bool  `json:"active"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid json body", http.StatusBadRequest)
		return
	}
	req.Name = strings.TrimSpace(req.Name)
	if req.Name == "" {
		http.Error(w, "name is required", http.StatusBadRequest)
		return
	}
	active := true
	if req.Active != nil {
		active = *req.Active
	}

	p := storage.Patient{
		ID:       uuid.NewString(),
		ClinicID: clinicID,
		Name:     req.Name,
		Email:    strings.TrimSpace(req.Email),
		Phone:    strings.TrimSpace(req.Phone),
		Active:   active,
	}
	err := h.mutate(r.Context(), func(tx pgx.Tx) error {
		if err := h.repo.CreatePatientTx(r.Context(), tx, p); err != nil {
			return err
		}
		return h.emit(r.Context(), tx, "patient", p.ID, EventPatientUpserted, patientPayload{
			ClinicID: clinicID, PatientID: p.ID, Name: p.Name, Email: p.Email, Phone: p.Phone, Active: p.Active,
		})
	})
	if err != nil {
		h.logger.Error("create patient failed", "err", err)
		http.Error(w, "failed to create patient", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"id": p.ID})
}

func (h *DirectoryHandler) UpdatePatient(w http.ResponseWriter, r *http.Request) {
	clinicID := clinicFrom(r)
	if clinicID == "" {
		http.Error(w, "missing X-Clinic-Id", http.StatusBadRequest)
		return
	}
	patientID := r.PathValue("id")
	var req struct {
		Name   string `json:"name"`
		Email  string `json:"email"`
		Phone  string `json:"phone"`
		Active *bool  `json:"active"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid json body", http.StatusBadRequest)
		return
	}

	existing, err := h.repo.GetPatient(r.Context(), clinicID, patientID)
	if err != nil {
		if storage.IsNotFound(err) {
			http.Error(w, "patient not found", http.StatusNotFound)
			return
		}
		http.Error(w, "failed to load patient", http.StatusInternalServerError)
		return
	}
	if name := strings.TrimSpace(req.Name); name != "" {
		existing.Name = name
	}
	if email := strings.TrimSpace(req.Email); email != "" {
		existing.Email = email
	}
	if phone := strings.TrimSpace(req.Phone); phone != "" {
		existing.Phone = phone
	}
	if req.Active != nil {
		existing.Active = *req.Active
	}

	err = h.mutate(r.Context(), func(tx pgx.Tx) error {
		if err := h.repo.UpdatePatientTx(r.Context(), tx, existing); err != nil {
			return err
		}
		return h.emit(r.Context(), tx, "patient", existing.ID, EventPatientUpserted, patientPayload{
			ClinicID: clinicID, PatientID: existing.ID, Name: existing.Name, Email: existing.Email, Phone: existing.Phone, Active: existing.Active,
		})
	})
	if err != nil {
		if storage.IsNotFound(err) {
			http.Error(w, "patient not found", http.StatusNotFound)
			return
		}
		h.logger.Error("update patient failed", "err", err)
		http.Error(w, "failed to update patient", http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *DirectoryHandler) GetPatient(w http.ResponseWriter, r *http.Request) {
	clinicID := clinicFrom(r)
	if clinicID == "" {
		http.Error(w, "missing X-Clinic-Id", http.StatusBadRequest)
		return
	}
	p, err := h.repo.GetPatient(r.Context(), clinicID, r.PathValue("id"))
	if err != nil {
		if storage.IsNotFound(err) {
			http.Error(w, "patient not found", http.StatusNotFound)
			return
		}
		http.Error(w, "failed to load patient", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

func (h *DirectoryHandler) ListPatients(w http.ResponseWriter, r *http.Request) {
	clinicID := clinicFrom(r)
	if clinicID == "" {
		http.Error(w, "missing X-Clinic-Id", http.StatusBadRequest)
		return
	}
	patients, err := h.repo.ListPatients(r.Context(), clinicID, queryLimit(r))
	if err != nil {
		http.Error(w, "failed to list patients", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, patients)
}

type servicePayload struct {
	ClinicID        string `json:"clinic_id"`
	ServiceID       string `json:"service_id"`
	DurationMinutes int    `json:"duration_minutes"`
	Capacity        int    `json:"capacity"`
}

func (h *DirectoryHandler) CreateService(w http.ResponseWriter, r *http.Request) {
	clinicID := clinicFrom(r)
	if clinicID == "" {
		http.Error(w, "missing X-Clinic-Id", http.StatusBadRequest)
		return
	}
	var req struct {
		Name            string  `json:"name"`
		DurationMinutes int     `json:"duration_minutes"`
		Capacity        int     `json:"capacity"`
		Price           float64 `json:"price"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid json body", http.StatusBadRequest)
		return
	}
	req.Name = strings.TrimSpace(req.Name)
	if req.Name == "" || req.DurationMinutes <= 0 {
		http.Error(w, "name and duration_minutes required", http.StatusBadRequest)
		return
	}
	if req.Capacity <= 0 {
		req.Capacity = 1
	}

	svc := storage.Service{
		ID:              uuid.NewString(),
		ClinicID:        clinicID,
		Name:            req.Name,
		DurationMinutes: req.DurationMinutes,
		Capacity:        req.Capacity,
		Price:           strconv.FormatFloat(req.Price, 'f', 2, 64),
	}
	err := h.mutate(r.Context(), func(tx pgx.Tx) error {
		if err := h.repo.CreateServiceTx(r.Context(), tx, svc); err != nil {
			return err
		}
		return h.emit(r.Context(), tx, "service", svc.ID, EventServiceUpserted, servicePayload{
			ClinicID: clinicID, ServiceID: svc.ID,
			DurationMinutes: svc.DurationMinutes, Capacity: svc.Capacity,
		})
	})
	if err != nil {
		h.logger.Error("create service failed", "err", err)
		http.Error(w, "failed to create service", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"id": svc.ID})
}

func (h *DirectoryHandler) GetService(w http.ResponseWriter, r *http.Request) {
	clinicID := clinicFrom(r)
	if clinicID == "" {
		http.Error(w, "missing X-Clinic-Id", http.StatusBadRequest)
		return
	}
	svc, err := h.repo.GetService(r.Context(), clinicID, r.PathValue("id"))
	if err != nil {
		if storage.IsNotFound(err) {
			http.Error(w, "service not found", http.StatusNotFound)
			return
		}
		http.Error(w, "failed to load service", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, svc)
}

func (h *DirectoryHandler) ListServices(w http.ResponseWriter, r *http.Request) {
	clinicID := clinicFrom(r)
	if clinicID == "" {
		http.Error(w, "missing X-Clinic-Id", http.StatusBadRequest)
		return
	}
	services, err := h.repo.ListServices(r.Context(), clinicID, queryLimit(r))
	if err != nil {
		http.Error(w, "failed to list services", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, services)
}
