package service

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/mmeshcher/coursegate-system/internal/gateway"
	"github.com/mmeshcher/coursegate-system/internal/model"
	"github.com/mmeshcher/coursegate-system/internal/repository"
)

type stubRepo struct {
	courses   map[string]*model.Course
	documents map[string]*model.Document
	orders    map[string]*model.Order
	purchases map[string]*model.Purchase

	createOrderCalls int
	upsertCalls      int
	getPurchaseCalls int
}

func newStubRepo() *stubRepo {
	return &stubRepo{
		courses:   map[string]*model.Course{},
		documents: map[string]*model.Document{},
		orders:    map[string]*model.Order{},
		purchases: map[string]*model.Purchase{},
	}
}

func purchaseKey(userID, courseID string) string {
	return userID + "/" + courseID
}

func (s *stubRepo) Close() error { return nil }

func (s *stubRepo) GetCourse(ctx context.Context, courseID string) (*model.Course, error) {
	c, ok := s.courses[courseID]
	if !ok {
		return nil, repository.ErrCourseNotFound
	}
	return c, nil
}

func (s *stubRepo) ListCourses(ctx context.Context) ([]model.Course, error) {
	var res []model.Course
	for _, c := range s.courses {
		res = append(res, *c)
	}
	return res, nil
}

func (s *stubRepo) GetDocument(ctx context.Context, documentID string) (*model.Document, error) {
	d, ok := s.documents[documentID]
	if !ok {
		return nil, repository.ErrDocumentNotFound
	}
	return d, nil
}

func (s *stubRepo) ListDocumentsByCourse(ctx context.Context, courseID string) ([]model.Document, error) {
	var res []model.Document
	for _, d := range s.documents {
		if d.CourseID == courseID {
			res = append(res, *d)
		}
	}
	return res, nil
}

func (s *stubRepo) CreateOrder(ctx context.Context, order *model.Order) error {
	s.createOrderCalls++
	if _, ok := s.orders[order.ID]; ok {
		return repository.ErrOrderExists
	}
	cp := *order
	s.orders[order.ID] = &cp
	return nil
}

func (s *stubRepo) GetOrder(ctx context.Context, orderID string) (*model.Order, error) {
	o, ok := s.orders[orderID]
	if !ok {
		return nil, repository.ErrOrderNotFound
	}
	cp := *o
	return &cp, nil
}

func (s *stubRepo) UpdateOrderStatus(ctx context.Context, orderID string, status model.OrderStatus) error {
	o, ok := s.orders[orderID]
	if !ok {
		return nil
	}
	if o.Status == model.OrderStatusPending {
		o.Status = status
	}
	return nil
}

func (s *stubRepo) GetPurchase(ctx context.Context, userID, courseID string) (*model.Purchase, error) {
	s.getPurchaseCalls++
	p, ok := s.purchases[purchaseKey(userID, courseID)]
	if !ok {
		return nil, repository.ErrPurchaseNotFound
	}
	cp := *p
	return &cp, nil
}

func (s *stubRepo) UpsertPurchase(ctx context.Context, purchase *model.Purchase) (*model.Purchase, error) {
	s.upsertCalls++
	key := purchaseKey(purchase.UserID, purchase.CourseID)
	if existing, ok := s.purchases[key]; ok {
		cp := *existing
		return &cp, nil
	}
	cp := *purchase
	s.purchases[key] = &cp
	res := cp
	return &res, nil
}

func (s *stubRepo) ListPurchasesByUser(ctx context.Context, userID string) ([]model.Purchase, error) {
	var res []model.Purchase
	for _, p := range s.purchases {
		if p.UserID == userID {
			res = append(res, *p)
		}
	}
	return res, nil
}

func (s *stubRepo) GetPendingOrders(ctx context.Context, limit int) ([]model.Order, error) {
	var res []model.Order
	for _, o := range s.orders {
		if o.Status == model.OrderStatusPending {
			res = append(res, *o)
		}
	}
	return res, nil
}

type stubGateway struct {
	createResp *gateway.CreateOrderResponse
	createErr  error

	statusResp *gateway.OrderStatus
	statusErr  error

	createCalls int
	statusCalls int
}

func (g *stubGateway) CreateOrder(ctx context.Context, req gateway.CreateOrderRequest) (*gateway.CreateOrderResponse, error) {
	g.createCalls++
	if g.createErr != nil {
		return nil, g.createErr
	}
	if g.createResp != nil {
		return g.createResp, nil
	}
	return &gateway.CreateOrderResponse{
		OrderID:          req.OrderID,
		PaymentSessionID: "session-" + req.OrderID,
		OrderStatus:      gateway.OrderStatusActive,
	}, nil
}

func (g *stubGateway) GetOrderStatus(ctx context.Context, orderID string) (*gateway.OrderStatus, error) {
	g.statusCalls++
	if g.statusErr != nil {
		return nil, g.statusErr
	}
	if g.statusResp != nil {
		return g.statusResp, nil
	}
	return &gateway.OrderStatus{OrderID: orderID, OrderStatus: gateway.OrderStatusActive}, nil
}

type stubResolver struct {
	location string
	err      error
}

func (r *stubResolver) ResolveLocation(ctx context.Context, objectKey string) (string, error) {
	if r.err != nil {
		return "", r.err
	}
	if r.location != "" {
		return r.location, nil
	}
	return "https://storage.local/" + objectKey, nil
}

func newTestService(repo *stubRepo, gw *stubGateway) *Service {
	return NewService(repo, gw, &stubResolver{}, nil, "http://localhost:8080")
}

func validContact() model.CustomerContact {
	return model.CustomerContact{Name: "A", Email: "a@x.com", Phone: "1234567890"}
}

func TestCheckAccess_GrantedOnlyWithPurchase(t *testing.T) {
	repo := newStubRepo()
	repo.courses["course-42"] = &model.Course{ID: "course-42", Title: "Go", PricePaise: 49900}

	svc := newTestService(repo, &stubGateway{})

	access, err := svc.CheckAccess(context.Background(), "u1", "course-42")
	if err != nil {
		t.Fatalf("CheckAccess error: %v", err)
	}
	if access.Granted {
		t.Fatalf("access granted without purchase record")
	}

	repo.purchases[purchaseKey("u1", "course-42")] = &model.Purchase{
		UserID: "u1", CourseID: "course-42", OrderID: "ORDER_1",
	}

	access, err = svc.CheckAccess(context.Background(), "u1", "course-42")
	if err != nil {
		t.Fatalf("CheckAccess error: %v", err)
	}
	if !access.Granted {
		t.Fatalf("access denied despite purchase record")
	}
}

type stubCache struct {
	granted map[string]bool
}

func (c *stubCache) IsGranted(ctx context.Context, userID, courseID string) (bool, error) {
	return c.granted[purchaseKey(userID, courseID)], nil
}

func (c *stubCache) SetGranted(ctx context.Context, userID, courseID string) error {
	if c.granted == nil {
		c.granted = map[string]bool{}
	}
	c.granted[purchaseKey(userID, courseID)] = true
	return nil
}

func TestCheckAccess_CacheHitSkipsStore(t *testing.T) {
	repo := newStubRepo()
	repo.courses["course-42"] = &model.Course{ID: "course-42", PricePaise: 49900}
	repo.purchases[purchaseKey("u1", "course-42")] = &model.Purchase{UserID: "u1", CourseID: "course-42"}

	c := &stubCache{}
	svc := NewService(repo, &stubGateway{}, &stubResolver{}, c, "http://localhost:8080")

	// Первая проверка идёт в хранилище и наполняет кэш.
	access, err := svc.CheckAccess(context.Background(), "u1", "course-42")
	if err != nil || !access.Granted {
		t.Fatalf("first CheckAccess: granted=%v err=%v", access.Granted, err)
	}
	if repo.getPurchaseCalls != 1 {
		t.Fatalf("store reads = %d, want 1", repo.getPurchaseCalls)
	}

	access, err = svc.CheckAccess(context.Background(), "u1", "course-42")
	if err != nil || !access.Granted {
		t.Fatalf("second CheckAccess: granted=%v err=%v", access.Granted, err)
	}
	if repo.getPurchaseCalls != 1 {
		t.Fatalf("store reads = %d after cache hit, want 1", repo.getPurchaseCalls)
	}
}

func TestCheckAccess_EmptyUser(t *testing.T) {
	svc := newTestService(newStubRepo(), &stubGateway{})

	_, err := svc.CheckAccess(context.Background(), "", "course-42")
	if !errors.Is(err, ErrNotAuthenticated) {
		t.Fatalf("expected ErrNotAuthenticated, got %v", err)
	}
}

func TestCheckAccess_UnknownCourseDistinctFromDenied(t *testing.T) {
	svc := newTestService(newStubRepo(), &stubGateway{})

	_, err := svc.CheckAccess(context.Background(), "u1", "missing")
	if !errors.Is(err, repository.ErrCourseNotFound) {
		t.Fatalf("expected ErrCourseNotFound, got %v", err)
	}
}

func TestCreateOrder_InvalidAmountWritesNothing(t *testing.T) {
	repo := newStubRepo()
	repo.courses["free"] = &model.Course{ID: "free", Title: "Free", PricePaise: 0}
	gw := &stubGateway{}

	svc := newTestService(repo, gw)

	_, err := svc.CreateOrder(context.Background(), "u1", "free", validContact())
	if !errors.Is(err, ErrInvalidAmount) {
		t.Fatalf("expected ErrInvalidAmount, got %v", err)
	}
	if repo.createOrderCalls != 0 {
		t.Fatalf("order written for invalid amount")
	}
	if gw.createCalls != 0 {
		t.Fatalf("gateway called for invalid amount")
	}
}

func TestCreateOrder_BlankContactBeforeGatewayCall(t *testing.T) {
	repo := newStubRepo()
	repo.courses["course-42"] = &model.Course{ID: "course-42", PricePaise: 49900}
	gw := &stubGateway{}

	svc := newTestService(repo, gw)

	contacts := []model.CustomerContact{
		{Name: "", Email: "a@x.com", Phone: "1234567890"},
		{Name: "A", Email: "  ", Phone: "1234567890"},
		{Name: "A", Email: "a@x.com", Phone: ""},
	}

	for _, contact := range contacts {
		_, err := svc.CreateOrder(context.Background(), "u1", "course-42", contact)
		if !errors.Is(err, ErrMissingCustomerDetails) {
			t.Fatalf("expected ErrMissingCustomerDetails for %+v, got %v", contact, err)
		}
	}

	if gw.createCalls != 0 {
		t.Fatalf("gateway called before contact validation")
	}
}

func TestCreateOrder_GatewayFailure(t *testing.T) {
	repo := newStubRepo()
	repo.courses["course-42"] = &model.Course{ID: "course-42", PricePaise: 49900}
	gw := &stubGateway{createErr: errors.New("connection refused")}

	svc := newTestService(repo, gw)

	_, err := svc.CreateOrder(context.Background(), "u1", "course-42", validContact())
	if !errors.Is(err, ErrGatewayUnavailable) {
		t.Fatalf("expected ErrGatewayUnavailable, got %v", err)
	}
	if repo.createOrderCalls != 0 {
		t.Fatalf("order written after gateway failure")
	}
}

func TestCreateOrder_WritesPendingOrder(t *testing.T) {
	repo := newStubRepo()
	repo.courses["course-42"] = &model.Course{ID: "course-42", Title: "Go", PricePaise: 49900}

	svc := newTestService(repo, &stubGateway{})

	handle, err := svc.CreateOrder(context.Background(), "u1", "course-42", validContact())
	if err != nil {
		t.Fatalf("CreateOrder error: %v", err)
	}
	if handle.PaymentSessionID == "" {
		t.Fatalf("empty payment session id")
	}
	if !strings.HasPrefix(handle.OrderID, "ORDER_") {
		t.Fatalf("unexpected order id format: %s", handle.OrderID)
	}

	order, ok := repo.orders[handle.OrderID]
	if !ok {
		t.Fatalf("order not persisted")
	}
	if order.Status != model.OrderStatusPending {
		t.Fatalf("order status = %s, want PENDING", order.Status)
	}
	if order.AmountPaise != 49900 {
		t.Fatalf("order amount = %d, want 49900", order.AmountPaise)
	}

	if _, ok := repo.purchases[purchaseKey("u1", "course-42")]; ok {
		t.Fatalf("purchase must not be written at order creation")
	}
}

func TestConfirmPurchase_PaidFlow(t *testing.T) {
	repo := newStubRepo()
	repo.courses["course-42"] = &model.Course{ID: "course-42", PricePaise: 49900}
	gw := &stubGateway{}

	svc := newTestService(repo, gw)

	handle, err := svc.CreateOrder(context.Background(), "u1", "course-42", validContact())
	if err != nil {
		t.Fatalf("CreateOrder error: %v", err)
	}

	gw.statusResp = &gateway.OrderStatus{OrderID: handle.OrderID, OrderStatus: gateway.OrderStatusPaid}

	purchase, err := svc.ConfirmPurchase(context.Background(), handle.OrderID, "u1")
	if err != nil {
		t.Fatalf("ConfirmPurchase error: %v", err)
	}
	if purchase.CourseID != "course-42" || purchase.OrderID != handle.OrderID {
		t.Fatalf("unexpected purchase: %+v", purchase)
	}

	if repo.orders[handle.OrderID].Status != model.OrderStatusCompleted {
		t.Fatalf("order status = %s, want COMPLETED", repo.orders[handle.OrderID].Status)
	}

	access, err := svc.CheckAccess(context.Background(), "u1", "course-42")
	if err != nil {
		t.Fatalf("CheckAccess error: %v", err)
	}
	if !access.Granted {
		t.Fatalf("access denied after confirmed purchase")
	}
}

func TestConfirmPurchase_Idempotent(t *testing.T) {
	repo := newStubRepo()
	repo.courses["course-42"] = &model.Course{ID: "course-42", PricePaise: 49900}
	gw := &stubGateway{}

	svc := newTestService(repo, gw)

	handle, err := svc.CreateOrder(context.Background(), "u1", "course-42", validContact())
	if err != nil {
		t.Fatalf("CreateOrder error: %v", err)
	}

	gw.statusResp = &gateway.OrderStatus{OrderID: handle.OrderID, OrderStatus: gateway.OrderStatusPaid}

	first, err := svc.ConfirmPurchase(context.Background(), handle.OrderID, "u1")
	if err != nil {
		t.Fatalf("first ConfirmPurchase error: %v", err)
	}

	second, err := svc.ConfirmPurchase(context.Background(), handle.OrderID, "u1")
	if err != nil {
		t.Fatalf("second ConfirmPurchase error: %v", err)
	}

	if first.OrderID != second.OrderID || first.PurchasedAt != second.PurchasedAt {
		t.Fatalf("repeated confirmation returned a different purchase: %+v vs %+v", first, second)
	}
	if len(repo.purchases) != 1 {
		t.Fatalf("purchase records = %d, want 1", len(repo.purchases))
	}
	if gw.statusCalls != 1 {
		t.Fatalf("gateway queried %d times, want 1 (completed order must not re-verify)", gw.statusCalls)
	}
	if repo.orders[handle.OrderID].Status != model.OrderStatusCompleted {
		t.Fatalf("order left status %s", repo.orders[handle.OrderID].Status)
	}
}

func TestConfirmPurchase_NotPaidLeavesOrderPending(t *testing.T) {
	repo := newStubRepo()
	repo.courses["course-42"] = &model.Course{ID: "course-42", PricePaise: 49900}
	gw := &stubGateway{}

	svc := newTestService(repo, gw)

	handle, err := svc.CreateOrder(context.Background(), "u1", "course-42", validContact())
	if err != nil {
		t.Fatalf("CreateOrder error: %v", err)
	}

	gw.statusResp = &gateway.OrderStatus{OrderID: handle.OrderID, OrderStatus: gateway.OrderStatusActive}

	_, err = svc.ConfirmPurchase(context.Background(), handle.OrderID, "u1")
	if !errors.Is(err, ErrPaymentNotConfirmed) {
		t.Fatalf("expected ErrPaymentNotConfirmed, got %v", err)
	}
	if len(repo.purchases) != 0 {
		t.Fatalf("purchase written without payment confirmation")
	}
	if repo.orders[handle.OrderID].Status != model.OrderStatusPending {
		t.Fatalf("order status = %s, want PENDING", repo.orders[handle.OrderID].Status)
	}
}

func TestConfirmPurchase_TerminalFailureMarksOrderFailed(t *testing.T) {
	repo := newStubRepo()
	repo.courses["course-42"] = &model.Course{ID: "course-42", PricePaise: 49900}
	gw := &stubGateway{}

	svc := newTestService(repo, gw)

	handle, err := svc.CreateOrder(context.Background(), "u1", "course-42", validContact())
	if err != nil {
		t.Fatalf("CreateOrder error: %v", err)
	}

	gw.statusResp = &gateway.OrderStatus{OrderID: handle.OrderID, OrderStatus: gateway.OrderStatusExpired}

	_, err = svc.ConfirmPurchase(context.Background(), handle.OrderID, "u1")
	if !errors.Is(err, ErrPaymentNotConfirmed) {
		t.Fatalf("expected ErrPaymentNotConfirmed, got %v", err)
	}
	if repo.orders[handle.OrderID].Status != model.OrderStatusFailed {
		t.Fatalf("order status = %s, want FAILED", repo.orders[handle.OrderID].Status)
	}
}

func TestConfirmPurchase_OrderMismatch(t *testing.T) {
	repo := newStubRepo()
	repo.orders["ORDER_1"] = &model.Order{
		ID: "ORDER_1", UserID: "u1", CourseID: "course-42",
		Status: model.OrderStatusPending,
	}

	svc := newTestService(repo, &stubGateway{})

	_, err := svc.ConfirmPurchase(context.Background(), "ORDER_1", "u2")
	if !errors.Is(err, ErrOrderMismatch) {
		t.Fatalf("expected ErrOrderMismatch, got %v", err)
	}
}

func TestConfirmPurchase_UnknownOrder(t *testing.T) {
	svc := newTestService(newStubRepo(), &stubGateway{})

	_, err := svc.ConfirmPurchase(context.Background(), "ORDER_MISSING", "u1")
	if !errors.Is(err, repository.ErrOrderNotFound) {
		t.Fatalf("expected ErrOrderNotFound, got %v", err)
	}
}

func TestConfirmPurchase_RecoversMissingPurchaseForCompletedOrder(t *testing.T) {
	repo := newStubRepo()
	repo.courses["course-42"] = &model.Course{ID: "course-42", PricePaise: 49900}
	// Частичный сбой: статус заказа уже COMPLETED, а запись о покупке потеряна.
	repo.orders["ORDER_9"] = &model.Order{
		ID: "ORDER_9", UserID: "u1", CourseID: "course-42",
		AmountPaise: 49900, Status: model.OrderStatusCompleted,
	}
	gw := &stubGateway{}

	svc := newTestService(repo, gw)

	purchase, err := svc.ConfirmPurchase(context.Background(), "ORDER_9", "u1")
	if err != nil {
		t.Fatalf("ConfirmPurchase error: %v", err)
	}
	if purchase.CourseID != "course-42" {
		t.Fatalf("unexpected purchase: %+v", purchase)
	}
	if gw.statusCalls != 0 {
		t.Fatalf("completed order must not be re-verified with the gateway")
	}
	if len(repo.purchases) != 1 {
		t.Fatalf("purchase record not recovered")
	}
}

func TestResolveDocumentAccess_PurchaseRequired(t *testing.T) {
	repo := newStubRepo()
	repo.courses["course-42"] = &model.Course{ID: "course-42", PricePaise: 49900}
	repo.documents["doc-1"] = &model.Document{ID: "doc-1", CourseID: "course-42", ObjectKey: "course-42/doc-1.pdf"}

	svc := newTestService(repo, &stubGateway{})

	_, err := svc.ResolveDocumentAccess(context.Background(), "u1", "doc-1")

	var purchaseRequired *PurchaseRequiredError
	if !errors.As(err, &purchaseRequired) {
		t.Fatalf("expected PurchaseRequiredError, got %v", err)
	}
	if purchaseRequired.CourseID != "course-42" {
		t.Fatalf("PurchaseRequiredError.CourseID = %s, want course-42", purchaseRequired.CourseID)
	}
}

func TestResolveDocumentAccess_GrantedReturnsLocation(t *testing.T) {
	repo := newStubRepo()
	repo.courses["course-42"] = &model.Course{ID: "course-42", PricePaise: 49900}
	repo.documents["doc-1"] = &model.Document{ID: "doc-1", CourseID: "course-42", ObjectKey: "course-42/doc-1.pdf"}
	repo.purchases[purchaseKey("u1", "course-42")] = &model.Purchase{UserID: "u1", CourseID: "course-42"}

	svc := newTestService(repo, &stubGateway{})

	location, err := svc.ResolveDocumentAccess(context.Background(), "u1", "doc-1")
	if err != nil {
		t.Fatalf("ResolveDocumentAccess error: %v", err)
	}
	if location != "https://storage.local/course-42/doc-1.pdf" {
		t.Fatalf("unexpected location: %s", location)
	}
}

func TestResolveDocumentAccess_UnknownDocument(t *testing.T) {
	svc := newTestService(newStubRepo(), &stubGateway{})

	_, err := svc.ResolveDocumentAccess(context.Background(), "u1", "missing")
	if !errors.Is(err, repository.ErrDocumentNotFound) {
		t.Fatalf("expected ErrDocumentNotFound, got %v", err)
	}
}

func TestReconcilePendingBatch_FulfillsPaidOrder(t *testing.T) {
	repo := newStubRepo()
	repo.courses["course-42"] = &model.Course{ID: "course-42", PricePaise: 49900}
	repo.orders["ORDER_7"] = &model.Order{
		ID: "ORDER_7", UserID: "u1", CourseID: "course-42",
		AmountPaise: 49900, Status: model.OrderStatusPending,
	}
	gw := &stubGateway{
		statusResp: &gateway.OrderStatus{OrderID: "ORDER_7", OrderStatus: gateway.OrderStatusPaid},
	}

	svc := newTestService(repo, gw)
	svc.reconcilePendingBatch(context.Background())

	if repo.orders["ORDER_7"].Status != model.OrderStatusCompleted {
		t.Fatalf("order status = %s, want COMPLETED", repo.orders["ORDER_7"].Status)
	}
	if _, ok := repo.purchases[purchaseKey("u1", "course-42")]; !ok {
		t.Fatalf("purchase not written by reconciliation")
	}
}

func TestStartPaymentReconciliation_NoGateway(t *testing.T) {
	svc := NewService(newStubRepo(), nil, &stubResolver{}, nil, "http://localhost:8080")

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	done := make(chan struct{})

	go func() {
		svc.StartPaymentReconciliation(ctx, 10*time.Millisecond)
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(200 * time.Millisecond):
		t.Fatalf("StartPaymentReconciliation did not return without gateway")
	}
}
