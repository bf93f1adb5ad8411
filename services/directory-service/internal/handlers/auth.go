package handlers

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/medsched/medsched/libs/auth"
	"github.com/medsched/medsched/libs/db"
	"github.com/medsched/medsched/services/directory-service/internal/outbox"
	"github.com/medsched/medsched/services/directory-service/internal/storage"
	"golang.org/x/crypto/bcrypt"
)

type AuthHandler struct {
	pool      *db.Pool
	repo      *storage.Repository
	outbox    *outbox.Repository
	logger    *slog.Logger
	jwtSecret string
	tokenTTL  time.Duration
}

func NewAuthHandler(pool *db.Pool, repo *storage.Repository, outboxRepo *outbox.Repository, logger *slog.Logger, jwtSecret string, tokenTTL time.Duration) *AuthHandler {
	if tokenTTL <= 0 {
		tokenTTL = time.Hour
	}
	return &AuthHandler{
		pool:      pool,
		repo:      repo,
		outbox:    outboxRepo,
		logger:    logger,
		jwtSecret: jwtSecret,
		tokenTTL:  tokenTTL,
	}
}

func (h *AuthHandler) Register(mux *http.ServeMux) {
	mux.HandleFunc("POST /api/v1/auth/register", h.RegisterClinic)
	mux.HandleFunc("POST /api/v1/auth/login", h.Login)
	mux.HandleFunc("GET /api/v1/auth/me", h.Me)
	mux.HandleFunc("POST /api/v1/accounts", h.CreateAccount)
	mux.HandleFunc("GET /api/v1/accounts", h.ListAccounts)
}

type registerRequest struct {
	Email      string `json:"email"`
	Password   string `json:"password"`
	ClinicName string `json:"clinic_name"`
	Timezone   string `json:"timezone"`
}

type loginResponse struct {
	AccessToken string `json:"access_token"`
	TokenType   string `json:"token_type"`
	ClinicID    string `json:"clinic_id"`
}

// RegisterClinic creates a clinic and its owner account in one transaction.
func (h *AuthHandler) RegisterClinic(w http.ResponseWriter, r *http.Request) {
	var req registerRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid json body", http.StatusBadRequest)
		return
	}
	req.Email = strings.TrimSpace(req.Email)
	req.Password = strings.TrimSpace(req.Password)
	req.ClinicName = strings.TrimSpace(req.ClinicName)
	if req.Email == "" || req.Password == "" || req.ClinicName == "" {
		http.Error(w, "email, password and clinic_name required", http.StatusBadRequest)
		return
	}
	tz := strings.TrimSpace(req.Timezone)
	if tz == "" {
		tz = "UTC"
	}
	if _, err := time.LoadLocation(tz); err != nil {
		http.Error(w, "invalid timezone", http.StatusBadRequest)
		return
	}

	hash, err := hashPassword(req.Password)
	if err != nil {
		http.Error(w, "failed to hash password", http.StatusInternalServerError)
		return
	}

	account := storage.Account{
		ID:           uuid.NewString(),
		ClinicID:     uuid.NewString(),
		Email:        req.Email,
		PasswordHash: hash,
		Role:         "owner",
	}
	ctx := r.Context()
	tx, err := h.pool.Begin(ctx)
	if err != nil {
		http.Error(w, "failed to start transaction", http.StatusInternalServerError)
		return
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if err := h.repo.CreateClinicTx(ctx, tx, storage.Clinic{
		ID:       account.ClinicID,
		Name:     req.ClinicName,
		Timezone: tz,
	}); err != nil {
		http.Error(w, "failed to create clinic", http.StatusInternalServerError)
		return
	}
	if err := h.repo.CreateAccountTx(ctx, tx, account); err != nil {
		if isUniqueViolation(err) {
			http.Error(w, "email already registered", http.StatusConflict)
			return
		}
		http.Error(w, "failed to create account", http.StatusInternalServerError)
		return
	}
	if err := tx.Commit(ctx); err != nil {
		http.Error(w, "failed to commit transaction", http.StatusInternalServerError)
		return
	}

	token, err := h.issueJWT(account)
	if err != nil {
		http.Error(w, "failed to issue token", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusCreated, loginResponse{
		AccessToken: token,
		TokenType:   "Bearer",
		ClinicID:    account.ClinicID,
	})
}

func (h *AuthHandler) Login(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Email    string `json:"email"`
		Password string `json:"password"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid json body", http.StatusBadRequest)
		return
	}
	req.Email = strings.TrimSpace(req.Email)
	req.Password = strings.TrimSpace(req.Password)
	if req.Email == "" || req.Password == "" {
		http.Error(w, "email and password required", http.StatusBadRequest)
		return
	}

	account, err := h.repo.GetAccountByEmail(r.Context(), req.Email)
	if err != nil {
		if storage.IsNotFound(err) {
			http.Error(w, "invalid credentials", http.StatusUnauthorized)
			return
		}
		http.Error(w, "failed to lookup account", http.StatusInternalServerError)
		return
	}
	if err := verifyPassword(account.PasswordHash, req.Password); err != nil {
		http.Error(w, "invalid credentials", http.StatusUnauthorized)
		return
	}

	token, err := h.issueJWT(account)
	if err != nil {
		http.Error(w, "failed to issue token", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, loginResponse{
		AccessToken: token,
		TokenType:   "Bearer",
		ClinicID:    account.ClinicID,
	})
}

func (h *AuthHandler) Me(w http.ResponseWriter, r *http.Request) {
	authHeader := r.Header.Get("Authorization")
	if !strings.HasPrefix(authHeader, "Bearer ") {
		http.Error(w, "missing or invalid Authorization header", http.StatusUnauthorized)
		return
	}
	token := strings.TrimSpace(strings.TrimPrefix(authHeader, "Bearer "))
	claims, err := auth.ParseAndVerifyHS256(token, h.jwtSecret)
	if err != nil {
		http.Error(w, "invalid token", http.StatusUnauthorized)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"user_id":   claims.Sub,
		"clinic_id": claims.ClinicID,
		"role":      claims.Role,
	})
}

// CreateAccount lets clinic admins provision doctor and admin logins. Role
// enforcement happens at the gateway; the X-Role header is a backstop.
func (h *AuthHandler) CreateAccount(w http.ResponseWriter, r *http.Request) {
	clinicID := clinicFrom(r)
	if clinicID == "" {
		http.Error(w, "missing X-Clinic-Id", http.StatusBadRequest)
		return
	}
	if role := strings.TrimSpace(r.Header.Get("X-Role")); role != "" && role != "admin" && role != "owner" {
		http.Error(w, "admin role required", http.StatusForbidden)
		return
	}

	var req struct {
		Email    string `json:"email"`
		Password string `json:"password"`
		Role     string `json:"role"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid json body", http.StatusBadRequest)
		return
	}
	req.Email = strings.TrimSpace(req.Email)
	req.Password = strings.TrimSpace(req.Password)
	req.Role = strings.TrimSpace(req.Role)
	if req.Email == "" || req.Password == "" {
		http.Error(w, "email and password required", http.StatusBadRequest)
		return
	}
	if req.Role == "" {
		req.Role = "doctor"
	}
	if req.Role != "doctor" && req.Role != "admin" {
		http.Error(w, "role must be doctor or admin", http.StatusBadRequest)
		return
	}

	hash, err := hashPassword(req.Password)
	if err != nil {
		http.Error(w, "failed to hash password", http.StatusInternalServerError)
		return
	}
	account := storage.Account{
		ID:           uuid.NewString(),
		ClinicID:     clinicID,
		Email:        req.Email,
		PasswordHash: hash,
		Role:         req.Role,
	}
	ctx := r.Context()
	tx, err := h.pool.Begin(ctx)
	if err != nil {
		http.Error(w, "failed to start transaction", http.StatusInternalServerError)
		return
	}
	defer func() { _ = tx.Rollback(ctx) }()
	if err := h.repo.CreateAccountTx(ctx, tx, account); err != nil {
		if isUniqueViolation(err) {
			http.Error(w, "email already registered", http.StatusConflict)
			return
		}
		http.Error(w, "failed to create account", http.StatusInternalServerError)
		return
	}
	if err := tx.Commit(ctx); err != nil {
		http.Error(w, "failed to commit transaction", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"id": account.ID})
}

func (h *AuthHandler) ListAccounts(w http.ResponseWriter, r *http.Request) {
	clinicID := clinicFrom(r)
	if clinicID == "" {
		http.Error(w, "missing X-Clinic-Id", http.StatusBadRequest)
		return
	}
	accounts, err := h.repo.ListAccounts(r.Context(), clinicID, queryLimit(r))
	if err != nil {
		http.Error(w, "failed to list accounts", http.StatusInternalServerError)
		return
	}
	type item struct {
		ID        string    `json:"id"`
		Email     string    `json:"email"`
		Role      string    `json:"role"`
		CreatedAt time.Time `json:"created_at"`
	}
	out := make([]item, 0, len(accounts))
	for _, a := range accounts {
		out = append(out, item{ID: a.ID, Email: a.Email, Role: a.Role, CreatedAt: a.CreatedAt})
	}
	writeJSON(w, http.StatusOK, out)
}

func (h *AuthHandler) issueJWT(account storage.Account) (string, error) {
	now := time.Now()
	return auth.SignHS256(auth.Claims{
		Sub:      account.ID,
		ClinicID: account.ClinicID,
		Role:     account.Role,
		Iat:      now.Unix(),
		Exp:      now.Add(h.tokenTTL).Unix(),
	}, h.jwtSecret)
}

func hashPassword(raw string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(raw), bcrypt.DefaultCost)
	if err != nil {
		return "", err
	}
	return string(hash), nil
}

func verifyPassword(hash, raw string) error {
	return bcrypt.CompareHashAndPassword([]byte(hash), []byte(raw))
}
