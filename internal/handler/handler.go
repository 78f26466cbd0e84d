// Package handler содержит HTTP-обработчики API сервиса coursegate.
package handler

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/mmeshcher/coursegate-system/internal/middleware"
	"github.com/mmeshcher/coursegate-system/internal/model"
	"github.com/mmeshcher/coursegate-system/internal/repository"
	"github.com/mmeshcher/coursegate-system/internal/service"
	"github.com/mmeshcher/coursegate-system/internal/validation"
)

// Service определяет контракт бизнес-логики, используемой HTTP-обработчиками.
type Service interface {
	CheckAccess(ctx context.Context, userID, courseID string) (model.Access, error)
	CreateOrder(ctx context.Context, userID, courseID string, contact model.CustomerContact) (*service.OrderHandle, error)
	ConfirmPurchase(ctx context.Context, orderID, userID string) (*model.Purchase, error)
	ResolveDocumentAccess(ctx context.Context, userID, documentID string) (string, error)
	GetCourse(ctx context.Context, courseID string) (*model.Course, error)
	ListCourses(ctx context.Context) ([]model.Course, error)
	ListDocuments(ctx context.Context, courseID string) ([]model.Document, error)
	ListPurchases(ctx context.Context, userID string) ([]model.Purchase, error)
}

// Handler реализует HTTP-обработчики API сервиса coursegate.
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

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

type errorResponse struct {
	Success bool   `json:"success"`
	Error   string `json:"error"`
	// CourseID заполняется для отказа PurchaseRequired, чтобы клиент мог
	// перейти к оплате нужного курса.
	CourseID string `json:"courseId,omitempty"`
}

type courseResponse struct {
	ID          string  `json:"id"`
	Title       string  `json:"title"`
	Description string  `json:"description,omitempty"`
	Price       float64 `json:"price"`
}

type documentResponse struct {
	ID       string `json:"id"`
	CourseID string `json:"courseId"`
	Title    string `json:"title"`
	Position int    `json:"position"`
}

func toCourseResponse(c model.Course) courseResponse {
	return courseResponse{
		ID:          c.ID,
		Title:       c.Title,
		Description: c.Description,
		Price:       float64(c.PricePaise) / 100,
	}
}

// ListCourses возвращает каталог курсов.
func (h *Handler) ListCourses(w http.ResponseWriter, r *http.Request) {
	courses, err := h.service.ListCourses(r.Context())
	if err != nil {
		h.logger.Error("list courses error", zap.Error(err))
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}

	resp := make([]courseResponse, 0, len(courses))
	for _, c := range courses {
		resp = append(resp, toCourseResponse(c))
	}

	writeJSON(w, http.StatusOK, resp)
}

// GetCourse возвращает курс и список его документов (без ссылок на содержимое).
func (h *Handler) GetCourse(w http.ResponseWriter, r *http.Request) {
	courseID := chi.URLParam(r, "courseID")

	course, err := h.service.GetCourse(r.Context(), courseID)
	if err != nil {
		if errors.Is(err, repository.ErrCourseNotFound) {
			http.Error(w, http.StatusText(http.StatusNotFound), http.StatusNotFound)
			return
		}
		h.logger.Error("get course error", zap.Error(err), zap.String("courseID", courseID))
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}

	docs, err := h.service.ListDocuments(r.Context(), courseID)
	if err != nil {
		h.logger.Error("list documents error", zap.Error(err), zap.String("courseID", courseID))
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}

	docsResp := make([]documentResponse, 0, len(docs))
	for _, d := range docs {
		docsResp = append(docsResp, documentResponse{
			ID:       d.ID,
			CourseID: d.CourseID,
			Title:    d.Title,
			Position: d.Position,
		})
	}

	writeJSON(w, http.StatusOK, struct {
		courseResponse
		Documents []documentResponse `json:"documents"`
	}{
		courseResponse: toCourseResponse(*course),
		Documents:      docsResp,
	})
}

type createOrderRequest struct {
	CourseID      string `json:"courseId"`
	CustomerName  string `json:"customerName"`
	CustomerEmail string `json:"customerEmail"`
	CustomerPhone string `json:"customerPhone"`
}

type createOrderResponse struct {
	Success          bool   `json:"success"`
	OrderID          string `json:"orderId"`
	PaymentSessionID string `json:"paymentSessionId"`
}

// CreateOrder создаёт заказ на покупку курса и возвращает ссылку на
// платёжную сессию hosted checkout. Идентификатор пользователя берётся
// только из проверенного токена, не из тела запроса.
func (h *Handler) CreateOrder(w http.ResponseWriter, r *http.Request) {
	userID, ok := middleware.GetUserIDFromContext(r.Context())
	if !ok {
		writeJSON(w, http.StatusUnauthorized, errorResponse{Error: "unauthorized"})
		return
	}

	var req createOrderRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid request body"})
		return
	}

	if req.CourseID == "" || req.CustomerName == "" || req.CustomerEmail == "" || req.CustomerPhone == "" {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "missing required fields"})
		return
	}

	if !validation.IsValidEmail(req.CustomerEmail) {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid email"})
		return
	}

	if !validation.IsValidPhone(req.CustomerPhone) {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid phone"})
		return
	}

	handle, err := h.service.CreateOrder(r.Context(), userID, req.CourseID, model.CustomerContact{
		Name:  req.CustomerName,
		Email: req.CustomerEmail,
		Phone: req.CustomerPhone,
	})
	if err != nil {
		switch {
		case errors.Is(err, repository.ErrCourseNotFound):
			writeJSON(w, http.StatusNotFound, errorResponse{Error: "course not found"})
		case errors.Is(err, service.ErrInvalidAmount):
			writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid course price"})
		case errors.Is(err, service.ErrMissingCustomerDetails):
			writeJSON(w, http.StatusBadRequest, errorResponse{Error: "missing customer details"})
		default:
			h.logger.Error("create order error", zap.Error(err), zap.String("courseID", req.CourseID))
			writeJSON(w, http.StatusInternalServerError, errorResponse{Error: "failed to create order"})
		}
		return
	}

	writeJSON(w, http.StatusOK, createOrderResponse{
		Success:          true,
		OrderID:          handle.OrderID,
		PaymentSessionID: handle.PaymentSessionID,
	})
}

type purchaseResponse struct {
	CourseID    string  `json:"courseId"`
	OrderID     string  `json:"orderId"`
	Amount      float64 `json:"amount"`
	PurchasedAt string  `json:"purchasedAt"`
}

func (h *Handler) confirmPurchase(w http.ResponseWriter, r *http.Request, orderID, userID string) {
	purchase, err := h.service.ConfirmPurchase(r.Context(), orderID, userID)
	if err != nil {
		switch {
		case errors.Is(err, repository.ErrOrderNotFound):
			writeJSON(w, http.StatusNotFound, errorResponse{Error: "order not found"})
		case errors.Is(err, service.ErrOrderMismatch):
			writeJSON(w, http.StatusForbidden, errorResponse{Error: "order does not belong to user"})
		case errors.Is(err, service.ErrPaymentNotConfirmed):
			writeJSON(w, http.StatusBadRequest, errorResponse{Error: "payment not completed"})
		default:
			h.logger.Error("confirm purchase error", zap.Error(err), zap.String("orderID", orderID))
			writeJSON(w, http.StatusInternalServerError, errorResponse{Error: "failed to confirm purchase"})
		}
		return
	}

	writeJSON(w, http.StatusOK, struct {
		Success  bool             `json:"success"`
		Purchase purchaseResponse `json:"purchase"`
	}{
		Success: true,
		Purchase: purchaseResponse{
			CourseID:    purchase.CourseID,
			OrderID:     purchase.OrderID,
			Amount:      float64(purchase.AmountPaise) / 100,
			PurchasedAt: purchase.PurchasedAt.Format(time.RFC3339),
		},
	})
}

// PaymentReturn обрабатывает возврат клиента со страницы оплаты шлюза.
func (h *Handler) PaymentReturn(w http.ResponseWriter, r *http.Request) {
	userID, ok := middleware.GetUserIDFromContext(r.Context())
	if !ok {
		writeJSON(w, http.StatusUnauthorized, errorResponse{Error: "unauthorized"})
		return
	}

	orderID := r.URL.Query().Get("order_id")
	if orderID == "" {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "missing order_id"})
		return
	}

	h.confirmPurchase(w, r, orderID, userID)
}

type webhookRequest struct {
	OrderID string `json:"orderId"`
	UserID  string `json:"userId"`
}

// PaymentWebhook обрабатывает серверное уведомление шлюза об оплате.
// Статус всё равно перепроверяется у шлюза, поэтому подделанное
// уведомление не приводит к записи покупки.
func (h *Handler) PaymentWebhook(w http.ResponseWriter, r *http.Request) {
	var req webhookRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid request body"})
		return
	}

	if req.OrderID == "" || req.UserID == "" {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "missing orderId or userId"})
		return
	}

	h.confirmPurchase(w, r, req.OrderID, req.UserID)
}

// CheckAccess сообщает, куплен ли курс текущим пользователем.
func (h *Handler) CheckAccess(w http.ResponseWriter, r *http.Request) {
	userID, ok := middleware.GetUserIDFromContext(r.Context())
	if !ok {
		http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
		return
	}

	courseID := chi.URLParam(r, "courseID")

	access, err := h.service.CheckAccess(r.Context(), userID, courseID)
	if err != nil {
		switch {
		case errors.Is(err, repository.ErrCourseNotFound):
			http.Error(w, http.StatusText(http.StatusNotFound), http.StatusNotFound)
		case errors.Is(err, service.ErrNotAuthenticated):
			http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
		default:
			h.logger.Error("check access error", zap.Error(err), zap.String("courseID", courseID))
			http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		}
		return
	}

	writeJSON(w, http.StatusOK, access)
}

// GetDocument возвращает ссылку на документ, если курс куплен текущим
// пользователем. Проверка доступа выполняется здесь, на сервере, а не в UI.
func (h *Handler) GetDocument(w http.ResponseWriter, r *http.Request) {
	userID, ok := middleware.GetUserIDFromContext(r.Context())
	if !ok {
		http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
		return
	}

	documentID := chi.URLParam(r, "documentID")

	location, err := h.service.ResolveDocumentAccess(r.Context(), userID, documentID)
	if err != nil {
		var purchaseRequired *service.PurchaseRequiredError
		switch {
		case errors.Is(err, repository.ErrDocumentNotFound):
			http.Error(w, http.StatusText(http.StatusNotFound), http.StatusNotFound)
		case errors.Is(err, repository.ErrCourseNotFound):
			http.Error(w, http.StatusText(http.StatusNotFound), http.StatusNotFound)
		case errors.As(err, &purchaseRequired):
			writeJSON(w, http.StatusPaymentRequired, errorResponse{
				Error:    "purchase required",
				CourseID: purchaseRequired.CourseID,
			})
		default:
			h.logger.Error("resolve document error", zap.Error(err), zap.String("documentID", documentID))
			http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		}
		return
	}

	writeJSON(w, http.StatusOK, struct {
		URL string `json:"url"`
	}{URL: location})
}

// GetPurchases возвращает историю покупок текущего пользователя.
func (h *Handler) GetPurchases(w http.ResponseWriter, r *http.Request) {
	userID, ok := middleware.GetUserIDFromContext(r.Context())
	if !ok {
		http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
		return
	}

	purchases, err := h.service.ListPurchases(r.Context(), userID)
	if err != nil {
		h.logger.Error("get purchases error", zap.Error(err), zap.String("userID", userID))
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}

	if len(purchases) == 0 {
		w.WriteHeader(http.StatusNoContent)
		return
	}

	resp := make([]purchaseResponse, 0, len(purchases))
	for _, p := range purchases {
		resp = append(resp, purchaseResponse{
			CourseID:    p.CourseID,
			OrderID:     p.OrderID,
			Amount:      float64(p.AmountPaise) / 100,
			PurchasedAt: p.PurchasedAt.Format(time.RFC3339),
		})
	}

	writeJSON(w, http.StatusOK, resp)
}
