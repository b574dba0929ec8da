// Package handler содержит HTTP-обработчики API сервиса вывоза отходов.
package handler

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/mmeshcher/wastehub-system/internal/gateway"
	"github.com/mmeshcher/wastehub-system/internal/lifecycle"
	"github.com/mmeshcher/wastehub-system/internal/middleware"
	"github.com/mmeshcher/wastehub-system/internal/model"
	"github.com/mmeshcher/wastehub-system/internal/reconcile"
	"github.com/mmeshcher/wastehub-system/internal/repository"
	"github.com/mmeshcher/wastehub-system/internal/service"
	"github.com/mmeshcher/wastehub-system/internal/validation"
)

// Service определяет контракт бизнес-логики, используемой HTTP-обработчиками.
type Service interface {
	RegisterUser(ctx context.Context, phone, name, password string, role model.Role, home *model.Location) (*model.User, error)
	AuthenticateUser(ctx context.Context, phone, password string) (*model.User, error)
	SubmitReport(ctx context.Context, residentID uuid.UUID, loc model.Location, description string, volume model.VolumeCategory) (*model.Report, error)
	GetReport(ctx context.Context, actorID, reportID uuid.UUID) (*model.Report, error)
	ListReportsByResident(ctx context.Context, residentID uuid.UUID) ([]model.Report, error)
	ListAvailableReports(ctx context.Context, collectorID uuid.UUID) ([]service.AvailableReport, error)
	InitiatePayment(ctx context.Context, residentID, reportID uuid.UUID, provider string) (*model.Payment, *gateway.Handle, error)
	HandleGatewayCallback(ctx context.Context, provider string, payload []byte) reconcile.Result
	ClaimReport(ctx context.Context, collectorID, reportID uuid.UUID) (*model.Report, error)
	StartCollection(ctx context.Context, collectorID, reportID uuid.UUID) (*model.Report, error)
	VerifyCollection(ctx context.Context, collectorID, reportID uuid.UUID, loc model.Location, code string) (*model.CollectionEvent, error)
	CancelReport(ctx context.Context, actorID, reportID uuid.UUID) (*model.Report, error)
	UpdateCollectorLocation(ctx context.Context, collectorID uuid.UUID, loc model.Location) error
	NearestCollectors(ctx context.Context, loc model.Location, limit int) ([]model.RankedCollector, error)
}

// Handler реализует HTTP-обработчики API сервиса вывоза отходов.
type Handler struct {
	service        Service
	logger         *zap.Logger
	authMiddleware *middleware.AuthMiddleware
}

// NewHandler создаёт новый экземпляр обработчика HTTP-запросов.
func NewHandler(s Service, logger *zap.Logger, auth *middleware.AuthMiddleware) *Handler {
	return &Handler{
		service:        s,
		logger:         logger,
		authMiddleware: auth,
	}
}

type errorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, kind, message string) {
	writeJSON(w, status, errorResponse{Error: kind, Message: message})
}

// writeServiceError переводит ошибки бизнес-логики в HTTP-статусы.
func (h *Handler) writeServiceError(w http.ResponseWriter, err error, logMsg string) {
	var invalid *lifecycle.InvalidTransitionError

	switch {
	case errors.Is(err, service.ErrUnknownProvider):
		writeError(w, http.StatusBadRequest, "validation", err.Error())
	case errors.Is(err, service.ErrInvalidCredentials):
		writeError(w, http.StatusUnauthorized, "unauthorized", "invalid phone or password")
	case errors.Is(err, lifecycle.ErrActorNotAllowed):
		writeError(w, http.StatusForbidden, "forbidden", err.Error())
	case errors.Is(err, repository.ErrNotFound):
		writeError(w, http.StatusNotFound, "not_found", "resource not found")
	case errors.Is(err, repository.ErrUserExists):
		writeError(w, http.StatusConflict, "conflict", "phone is already registered")
	case errors.Is(err, repository.ErrAlreadyAssigned):
		writeError(w, http.StatusConflict, "already_assigned", "report is already assigned to a collector")
	case errors.Is(err, repository.ErrPaymentConflict):
		writeError(w, http.StatusConflict, "payment_conflict", "report already has a successful payment")
	case errors.As(err, &invalid):
		writeError(w, http.StatusConflict, "invalid_transition", invalid.Error())
	case errors.Is(err, repository.ErrStatusConflict):
		writeError(w, http.StatusConflict, "status_conflict", "report is not in a suitable status")
	case errors.Is(err, repository.ErrUnavailable):
		writeError(w, http.StatusServiceUnavailable, "dependency_unavailable", "storage is temporarily unavailable")
	default:
		h.logger.Error(logMsg, zap.Error(err))
		writeError(w, http.StatusInternalServerError, "internal", "internal server error")
	}
}

type locationRequest struct {
	Latitude  float64 `json:"latitude"`
	Longitude float64 `json:"longitude"`
}

func (l locationRequest) location() model.Location {
	return model.Location{Latitude: l.Latitude, Longitude: l.Longitude}
}

type registerRequest struct {
	Phone        string           `json:"phone"`
	Name         string           `json:"name"`
	Password     string           `json:"password"`
	Role         string           `json:"role"`
	HomeLocation *locationRequest `json:"home_location,omitempty"`
}

type authResponse struct {
	Token  string `json:"token"`
	UserID string `json:"user_id"`
	Role   string `json:"role"`
}

// Register обрабатывает регистрацию нового пользователя.
func (h *Handler) Register(w http.ResponseWriter, r *http.Request) {
	var req registerRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "validation", "malformed request body")
		return
	}

	if !validation.IsValidPhone(req.Phone) {
		writeError(w, http.StatusBadRequest, "validation", "phone must be E.164-like: + and 10-14 digits")
		return
	}
	if req.Password == "" {
		writeError(w, http.StatusBadRequest, "validation", "password is required")
		return
	}

	role := model.Role(req.Role)
	if role == "" {
		role = model.RoleResident
	}
	if role != model.RoleResident && role != model.RoleCollector {
		writeError(w, http.StatusBadRequest, "validation", "role must be resident or collector")
		return
	}

	var home *model.Location
	if req.HomeLocation != nil {
		loc := req.HomeLocation.location()
		if !validation.IsValidLocation(loc) {
			writeError(w, http.StatusBadRequest, "validation", "home location is out of range")
			return
		}
		home = &loc
	}

	u, err := h.service.RegisterUser(r.Context(), req.Phone, req.Name, req.Password, role, home)
	if err != nil {
		h.writeServiceError(w, err, "register user error")
		return
	}

	token, err := h.authMiddleware.IssueToken(u.ID, u.Role)
	if err != nil {
		h.logger.Error("issue token error", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "internal", "internal server error")
		return
	}

	writeJSON(w, http.StatusOK, authResponse{Token: token, UserID: u.ID.String(), Role: string(u.Role)})
}

type loginRequest struct {
	Phone    string `json:"phone"`
	Password string `json:"password"`
}

// Login выполняет аутентификацию пользователя и выдаёт токен доступа.
func (h *Handler) Login(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "validation", "malformed request body")
		return
	}
	if req.Phone == "" || req.Password == "" {
		writeError(w, http.StatusBadRequest, "validation", "phone and password are required")
		return
	}

	u, err := h.service.AuthenticateUser(r.Context(), req.Phone, req.Password)
	if err != nil {
		h.writeServiceError(w, err, "login user error")
		return
	}

	token, err := h.authMiddleware.IssueToken(u.ID, u.Role)
	if err != nil {
		h.logger.Error("issue token error", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "internal", "internal server error")
		return
	}

	writeJSON(w, http.StatusOK, authResponse{Token: token, UserID: u.ID.String(), Role: string(u.Role)})
}

type reportResponse struct {
	ID          string          `json:"id"`
	ReporterID  string          `json:"reporter_id"`
	Location    locationRequest `json:"location"`
	Description string          `json:"description,omitempty"`
	Volume      string          `json:"volume"`
	Status      string          `json:"status"`
	FeeAmount   int64           `json:"fee_amount"`
	Currency    string          `json:"currency"`
	CollectorID *string         `json:"collector_id,omitempty"`
	ReportedAt  string          `json:"reported_at"`
	AssignedAt  *string         `json:"assigned_at,omitempty"`
	CompletedAt *string         `json:"completed_at,omitempty"`
}

func toReportResponse(rep *model.Report) reportResponse {
	resp := reportResponse{
		ID:          rep.ID.String(),
		ReporterID:  rep.ReporterID.String(),
		Location:    locationRequest{Latitude: rep.Location.Latitude, Longitude: rep.Location.Longitude},
		Description: rep.Description,
		Volume:      string(rep.Volume),
		Status:      string(rep.Status),
		FeeAmount:   rep.FeeAmount,
		Currency:    rep.Currency,
		ReportedAt:  rep.ReportedAt.Format(time.RFC3339),
	}
	if rep.CollectorID != nil {
		id := rep.CollectorID.String()
		resp.CollectorID = &id
	}
	if rep.AssignedAt != nil {
		at := rep.AssignedAt.Format(time.RFC3339)
		resp.AssignedAt = &at
	}
	if rep.CompletedAt != nil {
		at := rep.CompletedAt.Format(time.RFC3339)
		resp.CompletedAt = &at
	}
	return resp
}

type submitReportRequest struct {
	Location    locationRequest `json:"location"`
	Description string          `json:"description"`
	Volume      string          `json:"volume"`
}

// SubmitReport принимает заявку жителя на вывоз отходов.
func (h *Handler) SubmitReport(w http.ResponseWriter, r *http.Request) {
	userID, ok := middleware.GetUserIDFromContext(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "unauthorized", "authentication required")
		return
	}

	var req submitReportRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "validation", "malformed request body")
		return
	}

	loc := req.Location.location()
	if !validation.IsValidLocation(loc) {
		writeError(w, http.StatusBadRequest, "validation", "location is out of range")
		return
	}

	volume := model.VolumeCategory(req.Volume)
	if !validation.IsValidVolume(volume) {
		writeError(w, http.StatusBadRequest, "validation", "volume must be small, medium or large")
		return
	}

	rep, err := h.service.SubmitReport(r.Context(), userID, loc, req.Description, volume)
	if err != nil {
		h.writeServiceError(w, err, "submit report error")
		return
	}

	writeJSON(w, http.StatusCreated, toReportResponse(rep))
}

// GetReports возвращает заявки текущего пользователя.
func (h *Handler) GetReports(w http.ResponseWriter, r *http.Request) {
	userID, ok := middleware.GetUserIDFromContext(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "unauthorized", "authentication required")
		return
	}

	reports, err := h.service.ListReportsByResident(r.Context(), userID)
	if err != nil {
		h.writeServiceError(w, err, "list reports error")
		return
	}

	resp := make([]reportResponse, 0, len(reports))
	for i := range reports {
		resp = append(resp, toReportResponse(&reports[i]))
	}
	writeJSON(w, http.StatusOK, resp)
}

type availableReportResponse struct {
	reportResponse
	DistanceMeters *float64 `json:"distance_meters,omitempty"`
}

// GetAvailableReports возвращает оплаченные незанятые заявки для сборщика.
func (h *Handler) GetAvailableReports(w http.ResponseWriter, r *http.Request) {
	userID, ok := middleware.GetUserIDFromContext(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "unauthorized", "authentication required")
		return
	}

	available, err := h.service.ListAvailableReports(r.Context(), userID)
	if err != nil {
		h.writeServiceError(w, err, "list available reports error")
		return
	}

	resp := make([]availableReportResponse, 0, len(available))
	for i := range available {
		resp = append(resp, availableReportResponse{
			reportResponse: toReportResponse(&available[i].Report),
			DistanceMeters: available[i].DistanceMeters,
		})
	}
	writeJSON(w, http.StatusOK, resp)
}

// GetReport возвращает одну заявку.
func (h *Handler) GetReport(w http.ResponseWriter, r *http.Request) {
	userID, ok := middleware.GetUserIDFromContext(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "unauthorized", "authentication required")
		return
	}

	reportID, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "validation", "report id must be a uuid")
		return
	}

	rep, err := h.service.GetReport(r.Context(), userID, reportID)
	if err != nil {
		h.writeServiceError(w, err, "get report error")
		return
	}

	writeJSON(w, http.StatusOK, toReportResponse(rep))
}

type payRequest struct {
	Provider string `json:"provider"`
}

type paymentResponse struct {
	PaymentID   string `json:"payment_id"`
	Provider    string `json:"provider"`
	Reference   string `json:"reference"`
	Amount      int64  `json:"amount"`
	Currency    string `json:"currency"`
	Status      string `json:"status"`
	RedirectURL string `json:"redirect_url,omitempty"`
}

// InitiatePayment запускает оплату заявки через выбранного провайдера.
func (h *Handler) InitiatePayment(w http.ResponseWriter, r *http.Request) {
	userID, ok := middleware.GetUserIDFromContext(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "unauthorized", "authentication required")
		return
	}

	reportID, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "validation", "report id must be a uuid")
		return
	}

	var req payRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "validation", "malformed request body")
		return
	}
	if req.Provider == "" {
		writeError(w, http.StatusBadRequest, "validation", "provider is required")
		return
	}

	payment, handle, err := h.service.InitiatePayment(r.Context(), userID, reportID, req.Provider)
	if err != nil {
		h.writeServiceError(w, err, "initiate payment error")
		return
	}

	writeJSON(w, http.StatusOK, paymentResponse{
		PaymentID:   payment.ID.String(),
		Provider:    payment.Ref.Provider,
		Reference:   payment.Ref.Reference,
		Amount:      payment.Amount,
		Currency:    payment.Currency,
		Status:      string(payment.Status),
		RedirectURL: handle.RedirectURL,
	})
}

// GatewayCallback принимает уведомление платёжного шлюза. Шлюзу всегда
// подтверждается приём: повторную доставку обеспечивает он сам, а сверка
// идемпотентна.
func (h *Handler) GatewayCallback(w http.ResponseWriter, r *http.Request) {
	provider := chi.URLParam(r, "provider")

	payload, err := io.ReadAll(r.Body)
	if err != nil {
		payload = nil
	}
	defer r.Body.Close()

	res := h.service.HandleGatewayCallback(r.Context(), provider, payload)
	h.logger.Info("gateway callback",
		zap.String("provider", provider),
		zap.String("outcome", string(res.Outcome)))

	writeJSON(w, http.StatusOK, map[string]string{"status": "received"})
}

// ClaimReport назначает заявку текущему сборщику.
func (h *Handler) ClaimReport(w http.ResponseWriter, r *http.Request) {
	h.reportAction(w, r, h.service.ClaimReport, "claim report error")
}

// StartCollection отмечает начало вывоза по заявке.
func (h *Handler) StartCollection(w http.ResponseWriter, r *http.Request) {
	h.reportAction(w, r, h.service.StartCollection, "start collection error")
}

// CancelReport отменяет заявку.
func (h *Handler) CancelReport(w http.ResponseWriter, r *http.Request) {
	h.reportAction(w, r, h.service.CancelReport, "cancel report error")
}

func (h *Handler) reportAction(w http.ResponseWriter, r *http.Request, action func(context.Context, uuid.UUID, uuid.UUID) (*model.Report, error), logMsg string) {
	userID, ok := middleware.GetUserIDFromContext(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "unauthorized", "authentication required")
		return
	}

	reportID, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "validation", "report id must be a uuid")
		return
	}

	rep, err := action(r.Context(), userID, reportID)
	if err != nil {
		h.writeServiceError(w, err, logMsg)
		return
	}

	writeJSON(w, http.StatusOK, toReportResponse(rep))
}

type verifyRequest struct {
	Location locationRequest `json:"location"`
	Code     string          `json:"code"`
}

type collectionEventResponse struct {
	ID                 string          `json:"id"`
	ReportID           string          `json:"report_id"`
	CollectorID        string          `json:"collector_id"`
	Location           locationRequest `json:"location"`
	CodePresented      bool            `json:"code_presented"`
	DistanceFromReport float64         `json:"distance_from_report_meters"`
	CreatedAt          string          `json:"created_at"`
}

// VerifyCollection подтверждает вывоз сканированием на месте.
func (h *Handler) VerifyCollection(w http.ResponseWriter, r *http.Request) {
	userID, ok := middleware.GetUserIDFromContext(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "unauthorized", "authentication required")
		return
	}

	reportID, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "validation", "report id must be a uuid")
		return
	}

	var req verifyRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "validation", "malformed request body")
		return
	}

	loc := req.Location.location()
	if !validation.IsValidLocation(loc) {
		writeError(w, http.StatusBadRequest, "validation", "location is out of range")
		return
	}

	event, err := h.service.VerifyCollection(r.Context(), userID, reportID, loc, req.Code)
	if err != nil {
		h.writeServiceError(w, err, "verify collection error")
		return
	}

	writeJSON(w, http.StatusOK, collectionEventResponse{
		ID:                 event.ID.String(),
		ReportID:           event.ReportID.String(),
		CollectorID:        event.CollectorID.String(),
		Location:           locationRequest{Latitude: event.Location.Latitude, Longitude: event.Location.Longitude},
		CodePresented:      event.CodePresented,
		DistanceFromReport: event.DistanceFromReport,
		CreatedAt:          event.CreatedAt.Format(time.RFC3339),
	})
}

// UpdateLocation принимает периодическую отметку текущей точки сборщика.
func (h *Handler) UpdateLocation(w http.ResponseWriter, r *http.Request) {
	userID, ok := middleware.GetUserIDFromContext(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "unauthorized", "authentication required")
		return
	}

	var req locationRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "validation", "malformed request body")
		return
	}

	loc := req.location()
	if !validation.IsValidLocation(loc) {
		writeError(w, http.StatusBadRequest, "validation", "location is out of range")
		return
	}

	if err := h.service.UpdateCollectorLocation(r.Context(), userID, loc); err != nil {
		h.writeServiceError(w, err, "update collector location error")
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

type rankedCollectorResponse struct {
	CollectorID    string  `json:"collector_id"`
	Name           string  `json:"name"`
	Phone          string  `json:"phone"`
	DistanceMeters float64 `json:"distance_meters"`
}

// NearestCollectors возвращает ближайших активных сборщиков к точке.
// Доступно только администратору.
func (h *Handler) NearestCollectors(w http.ResponseWriter, r *http.Request) {
	role, ok := middleware.GetRoleFromContext(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "unauthorized", "authentication required")
		return
	}
	if role != model.RoleAdmin {
		writeError(w, http.StatusForbidden, "forbidden", "nearest collectors are available to admins")
		return
	}

	lat, errLat := strconv.ParseFloat(r.URL.Query().Get("latitude"), 64)
	lon, errLon := strconv.ParseFloat(r.URL.Query().Get("longitude"), 64)
	if errLat != nil || errLon != nil {
		writeError(w, http.StatusBadRequest, "validation", "latitude and longitude query parameters are required")
		return
	}

	loc := model.Location{Latitude: lat, Longitude: lon}
	if !validation.IsValidLocation(loc) {
		writeError(w, http.StatusBadRequest, "validation", "location is out of range")
		return
	}

	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < 0 {
			writeError(w, http.StatusBadRequest, "validation", "limit must be a non-negative integer")
			return
		}
		limit = parsed
	}

	ranked, err := h.service.NearestCollectors(r.Context(), loc, limit)
	if err != nil {
		h.writeServiceError(w, err, "nearest collectors error")
		return
	}

	resp := make([]rankedCollectorResponse, 0, len(ranked))
	for _, rc := range ranked {
		resp = append(resp, rankedCollectorResponse{
			CollectorID:    rc.Collector.ID.String(),
			Name:           rc.Collector.Name,
			Phone:          rc.Collector.Phone,
			DistanceMeters: rc.DistanceMeters,
		})
	}
	writeJSON(w, http.StatusOK, resp)
}
