// Package service реализует бизнес-логику сервиса coursegate:
// проверку права доступа к курсам, создание заказов в платёжном шлюзе
// и идемпотентное подтверждение покупок.
package service

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/mmeshcher/coursegate-system/internal/gateway"
	"github.com/mmeshcher/coursegate-system/internal/model"
	"github.com/mmeshcher/coursegate-system/internal/repository"
)

// ErrNotAuthenticated возвращается при вызове операции без идентификатора пользователя.
var (
	ErrNotAuthenticated = errors.New("not authenticated")
	// ErrMissingCustomerDetails возвращается, если не заполнено обязательное контактное поле.
	ErrMissingCustomerDetails = errors.New("missing customer details")
	// ErrInvalidAmount возвращается для курса с нулевой или отрицательной ценой.
	ErrInvalidAmount = errors.New("invalid amount")
	// ErrGatewayUnavailable возвращается, если обращение к платёжному шлюзу не удалось.
	ErrGatewayUnavailable = errors.New("payment gateway unavailable")
	// ErrOrderMismatch возвращается при попытке подтвердить чужой заказ.
	ErrOrderMismatch = errors.New("order does not belong to user")
	// ErrPaymentNotConfirmed возвращается, если шлюз не подтвердил оплату заказа.
	ErrPaymentNotConfirmed = errors.New("payment not confirmed")
)

// PurchaseRequiredError возвращается при попытке открыть документ
// не купленного курса; несёт идентификатор курса для перехода к оплате.
type PurchaseRequiredError struct {
	CourseID string
}

func (e *PurchaseRequiredError) Error() string {
	return fmt.Sprintf("purchase required for course %s", e.CourseID)
}

// Repository описывает контракт доступа к данным, используемый сервисом.
type Repository interface {
	Close() error
	GetCourse(ctx context.Context, courseID string) (*model.Course, error)
	ListCourses(ctx context.Context) ([]model.Course, error)
	GetDocument(ctx context.Context, documentID string) (*model.Document, error)
	ListDocumentsByCourse(ctx context.Context, courseID string) ([]model.Document, error)
	CreateOrder(ctx context.Context, order *model.Order) error
	GetOrder(ctx context.Context, orderID string) (*model.Order, error)
	UpdateOrderStatus(ctx context.Context, orderID string, status model.OrderStatus) error
	GetPurchase(ctx context.Context, userID, courseID string) (*model.Purchase, error)
	UpsertPurchase(ctx context.Context, purchase *model.Purchase) (*model.Purchase, error)
	ListPurchasesByUser(ctx context.Context, userID string) ([]model.Purchase, error)
	GetPendingOrders(ctx context.Context, limit int) ([]model.Order, error)
}

// GatewayClient описывает контракт платёжного шлюза.
type GatewayClient interface {
	CreateOrder(ctx context.Context, req gateway.CreateOrderRequest) (*gateway.CreateOrderResponse, error)
	GetOrderStatus(ctx context.Context, orderID string) (*gateway.OrderStatus, error)
}

// ContentResolver разрешает ключ объекта документа в ссылку на скачивание.
type ContentResolver interface {
	ResolveLocation(ctx context.Context, objectKey string) (string, error)
}

// AccessCache кэширует положительные решения о доступе.
type AccessCache interface {
	IsGranted(ctx context.Context, userID, courseID string) (bool, error)
	SetGranted(ctx context.Context, userID, courseID string) error
}

// OrderHandle содержит данные, нужные клиенту для открытия hosted checkout.
type OrderHandle struct {
	OrderID          string
	PaymentSessionID string
}

// Service содержит бизнес-логику сервиса coursegate.
type Service struct {
	repo     Repository
	gateway  GatewayClient
	resolver ContentResolver
	cache    AccessCache
	baseURL  string
	now      func() time.Time
}

// NewService создаёт новый сервис с указанными зависимостями. Кэш доступа
// необязателен: при nil все решения принимаются по хранилищу.
func NewService(repo Repository, gw GatewayClient, resolver ContentResolver, cache AccessCache, baseURL string) *Service {
	return &Service{
		repo:     repo,
		gateway:  gw,
		resolver: resolver,
		cache:    cache,
		baseURL:  strings.TrimRight(baseURL, "/"),
		now:      time.Now,
	}
}

// Close закрывает ресурсы сервиса.
func (s *Service) Close() error {
	if s.repo != nil {
		return s.repo.Close()
	}
	return nil
}

// CheckAccess проверяет право пользователя на доступ к курсу. Единственный
// источник решения — наличие записи о покупке по ключу (пользователь, курс).
func (s *Service) CheckAccess(ctx context.Context, userID, courseID string) (model.Access, error) {
	if strings.TrimSpace(userID) == "" {
		return model.Access{}, ErrNotAuthenticated
	}

	if _, err := s.repo.GetCourse(ctx, courseID); err != nil {
		return model.Access{}, err
	}

	if s.cache != nil {
		granted, err := s.cache.IsGranted(ctx, userID, courseID)
		if err == nil && granted {
			return model.Access{Granted: true}, nil
		}
	}

	_, err := s.repo.GetPurchase(ctx, userID, courseID)
	if err != nil {
		if errors.Is(err, repository.ErrPurchaseNotFound) {
			return model.Access{Granted: false}, nil
		}
		return model.Access{}, err
	}

	if s.cache != nil {
		_ = s.cache.SetGranted(ctx, userID, courseID)
	}

	return model.Access{Granted: true}, nil
}

func newOrderID(now time.Time) string {
	suffix := strings.ReplaceAll(uuid.NewString(), "-", "")[:8]
	return fmt.Sprintf("ORDER_%d_%s", now.UnixMilli(), suffix)
}

// CreateOrder создаёт заказ в платёжном шлюзе и сохраняет его в статусе
// PENDING. Запись о покупке на этом шаге не создаётся — только после
// подтверждения оплаты.
func (s *Service) CreateOrder(ctx context.Context, userID, courseID string, contact model.CustomerContact) (*OrderHandle, error) {
	if strings.TrimSpace(userID) == "" {
		return nil, ErrNotAuthenticated
	}

	if strings.TrimSpace(contact.Name) == "" ||
		strings.TrimSpace(contact.Email) == "" ||
		strings.TrimSpace(contact.Phone) == "" {
		return nil, ErrMissingCustomerDetails
	}

	course, err := s.repo.GetCourse(ctx, courseID)
	if err != nil {
		return nil, err
	}

	if course.PricePaise <= 0 {
		return nil, ErrInvalidAmount
	}

	now := s.now().UTC()
	orderID := newOrderID(now)

	// Шлюз подставляет фактический идентификатор вместо плейсхолдера {order_id}.
	returnURL := fmt.Sprintf("%s/api/payments/return?order_id={order_id}&course_id=%s",
		s.baseURL, url.QueryEscape(courseID))
	notifyURL := s.baseURL + "/api/payments/webhook"

	resp, err := s.gateway.CreateOrder(ctx, gateway.CreateOrderRequest{
		OrderID:       orderID,
		OrderAmount:   float64(course.PricePaise) / 100,
		OrderCurrency: "INR",
		OrderNote:     course.Title,
		CustomerDetails: gateway.CustomerDetails{
			CustomerID:    userID,
			CustomerName:  contact.Name,
			CustomerEmail: contact.Email,
			CustomerPhone: contact.Phone,
		},
		OrderMeta: gateway.OrderMeta{
			ReturnURL: returnURL,
			NotifyURL: notifyURL,
		},
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %s", ErrGatewayUnavailable, err)
	}

	order := &model.Order{
		ID:          orderID,
		UserID:      userID,
		CourseID:    courseID,
		AmountPaise: course.PricePaise,
		Status:      model.OrderStatusPending,
		CreatedAt:   now,
	}

	if err := s.repo.CreateOrder(ctx, order); err != nil {
		return nil, err
	}

	return &OrderHandle{
		OrderID:          orderID,
		PaymentSessionID: resp.PaymentSessionID,
	}, nil
}

// ConfirmPurchase подтверждает оплату заказа и записывает покупку.
// Операция идемпотентна: оба пути подтверждения (возврат клиента и
// серверное уведомление шлюза) сходятся здесь, повторные вызовы
// возвращают уже существующую запись. Клиентскому флагу успеха не
// доверяем — статус всегда перепроверяется у шлюза.
func (s *Service) ConfirmPurchase(ctx context.Context, orderID, userID string) (*model.Purchase, error) {
	if strings.TrimSpace(userID) == "" {
		return nil, ErrNotAuthenticated
	}

	order, err := s.repo.GetOrder(ctx, orderID)
	if err != nil {
		return nil, err
	}

	if order.UserID != userID {
		return nil, ErrOrderMismatch
	}

	switch order.Status {
	case model.OrderStatusCompleted:
		// Заказ уже исполнен; при частичном сбое между записью покупки и
		// сменой статуса дописываем недостающую запись.
		purchase, err := s.repo.GetPurchase(ctx, order.UserID, order.CourseID)
		if err == nil {
			return purchase, nil
		}
		if !errors.Is(err, repository.ErrPurchaseNotFound) {
			return nil, err
		}
		return s.writePurchase(ctx, order)
	case model.OrderStatusFailed:
		return nil, ErrPaymentNotConfirmed
	}

	status, err := s.gateway.GetOrderStatus(ctx, orderID)
	if err != nil {
		return nil, fmt.Errorf("%w: %s", ErrGatewayUnavailable, err)
	}

	if status.OrderStatus != gateway.OrderStatusPaid {
		if gateway.IsTerminalFailure(status.OrderStatus) {
			if err := s.repo.UpdateOrderStatus(ctx, orderID, model.OrderStatusFailed); err != nil {
				return nil, err
			}
		}
		return nil, ErrPaymentNotConfirmed
	}

	return s.fulfillOrder(ctx, order)
}

// fulfillOrder записывает покупку и переводит заказ в COMPLETED.
// Покупка пишется первой: если смена статуса не удалась, следующий вызов
// ConfirmPurchase увидит существующую запись и завершит переход.
func (s *Service) fulfillOrder(ctx context.Context, order *model.Order) (*model.Purchase, error) {
	purchase, err := s.writePurchase(ctx, order)
	if err != nil {
		return nil, err
	}

	if err := s.repo.UpdateOrderStatus(ctx, order.ID, model.OrderStatusCompleted); err != nil {
		return nil, err
	}

	return purchase, nil
}

func (s *Service) writePurchase(ctx context.Context, order *model.Order) (*model.Purchase, error) {
	purchase, err := s.repo.UpsertPurchase(ctx, &model.Purchase{
		UserID:      order.UserID,
		CourseID:    order.CourseID,
		OrderID:     order.ID,
		AmountPaise: order.AmountPaise,
		PurchasedAt: s.now().UTC(),
	})
	if err != nil {
		return nil, err
	}

	if s.cache != nil {
		_ = s.cache.SetGranted(ctx, order.UserID, order.CourseID)
	}

	return purchase, nil
}

// ResolveDocumentAccess проверяет право доступа к документу и возвращает
// ссылку на его скачивание. Проверка выполняется на сервере при каждом
// обращении к содержимому.
func (s *Service) ResolveDocumentAccess(ctx context.Context, userID, documentID string) (string, error) {
	doc, err := s.repo.GetDocument(ctx, documentID)
	if err != nil {
		return "", err
	}

	access, err := s.CheckAccess(ctx, userID, doc.CourseID)
	if err != nil {
		return "", err
	}
	if !access.Granted {
		return "", &PurchaseRequiredError{CourseID: doc.CourseID}
	}

	return s.resolver.ResolveLocation(ctx, doc.ObjectKey)
}

// GetCourse возвращает курс по идентификатору.
func (s *Service) GetCourse(ctx context.Context, courseID string) (*model.Course, error) {
	return s.repo.GetCourse(ctx, courseID)
}

// ListCourses возвращает каталог курсов.
func (s *Service) ListCourses(ctx context.Context) ([]model.Course, error) {
	return s.repo.ListCourses(ctx)
}

// ListDocuments возвращает документы курса.
func (s *Service) ListDocuments(ctx context.Context, courseID string) ([]model.Document, error) {
	if _, err := s.repo.GetCourse(ctx, courseID); err != nil {
		return nil, err
	}
	return s.repo.ListDocumentsByCourse(ctx, courseID)
}

// ListPurchases возвращает историю покупок пользователя.
func (s *Service) ListPurchases(ctx context.Context, userID string) ([]model.Purchase, error) {
	if strings.TrimSpace(userID) == "" {
		return nil, ErrNotAuthenticated
	}
	return s.repo.ListPurchasesByUser(ctx, userID)
}

// StartPaymentReconciliation запускает фоновую сверку ожидающих заказов со
// шлюзом. Это страховка на случай, когда потеряны и возврат клиента, и
// серверное уведомление: оплата всё равно будет зачтена.
func (s *Service) StartPaymentReconciliation(ctx context.Context, interval time.Duration) {
	if s.gateway == nil {
		return
	}
	if interval <= 0 {
		interval = time.Minute
	}

	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				s.reconcilePendingBatch(ctx)
			}
		}
	}()
}

func (s *Service) reconcilePendingBatch(ctx context.Context) {
	orders, err := s.repo.GetPendingOrders(ctx, 100)
	if err != nil {
		return
	}

	for i := range orders {
		order := orders[i]

		status, err := s.gateway.GetOrderStatus(ctx, order.ID)
		if err != nil {
			continue
		}

		switch {
		case status.OrderStatus == gateway.OrderStatusPaid:
			_, _ = s.fulfillOrder(ctx, &order)
		case gateway.IsTerminalFailure(status.OrderStatus):
			_ = s.repo.UpdateOrderStatus(ctx, order.ID, model.OrderStatusFailed)
		}
	}
}
