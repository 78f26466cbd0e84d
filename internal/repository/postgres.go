// Package repository содержит реализацию доступа к данным в PostgreSQL.
package repository

import (
	"context"
	"embed"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"
	"github.com/mmeshcher/coursegate-system/internal/model"
	"github.com/pressly/goose/v3"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// ErrCourseNotFound возвращается, если курс с указанным идентификатором не существует.
var (
	ErrCourseNotFound = errors.New("course not found")
	// ErrDocumentNotFound возвращается, если документ не найден.
	ErrDocumentNotFound = errors.New("document not found")
	// ErrOrderNotFound возвращается, если заказ не найден.
	ErrOrderNotFound = errors.New("order not found")
	// ErrOrderExists возвращается при коллизии сгенерированного идентификатора заказа.
	ErrOrderExists = errors.New("order id already exists")
	// ErrPurchaseNotFound возвращается, если запись о покупке отсутствует.
	ErrPurchaseNotFound = errors.New("purchase not found")
)

// PostgresRepository предоставляет доступ к хранилищу данных в PostgreSQL.
type PostgresRepository struct {
	pool *pgxpool.Pool
}

// NewPostgresRepository создаёт новый репозиторий и инициализирует схему БД через миграции.
func NewPostgresRepository(dsn string) (*PostgresRepository, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse pool config: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("create pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	r := &PostgresRepository{pool: pool}

	if err := r.runMigrations(ctx); err != nil {
		pool.Close()
		return nil, err
	}

	return r, nil
}

func (r *PostgresRepository) runMigrations(ctx context.Context) error {
	db := stdlib.OpenDBFromPool(r.pool)
	defer db.Close()

	goose.SetBaseFS(migrationsFS)

	if err := goose.SetDialect("postgres"); err != nil {
		return fmt.Errorf("set dialect: %w", err)
	}

	if err := goose.UpContext(ctx, db, "migrations"); err != nil {
		return fmt.Errorf("run migrations: %w", err)
	}

	return nil
}

// Close закрывает пул соединений с БД.
func (r *PostgresRepository) Close() error {
	r.pool.Close()
	return nil
}

// GetCourse возвращает курс по идентификатору.
func (r *PostgresRepository) GetCourse(ctx context.Context, courseID string) (*model.Course, error) {
	row := r.pool.QueryRow(ctx,
		`SELECT id, title, description, price, created_at FROM courses WHERE id = $1`,
		courseID,
	)

	var c model.Course
	err := row.Scan(&c.ID, &c.Title, &c.Description, &c.PricePaise, &c.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrCourseNotFound
		}
		return nil, fmt.Errorf("get course: %w", err)
	}

	return &c, nil
}

// ListCourses возвращает каталог курсов.
func (r *PostgresRepository) ListCourses(ctx context.Context) ([]model.Course, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT id, title, description, price, created_at
		 FROM courses
		 ORDER BY created_at`,
	)
	if err != nil {
		return nil, fmt.Errorf("select courses: %w", err)
	}
	defer rows.Close()

	var courses []model.Course
	for rows.Next() {
		var c model.Course
		if err := rows.Scan(&c.ID, &c.Title, &c.Description, &c.PricePaise, &c.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan course: %w", err)
		}
		courses = append(courses, c)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}

	return courses, nil
}

// GetDocument возвращает документ по идентификатору.
func (r *PostgresRepository) GetDocument(ctx context.Context, documentID string) (*model.Document, error) {
	row := r.pool.QueryRow(ctx,
		`SELECT id, course_id, title, object_key, position FROM documents WHERE id = $1`,
		documentID,
	)

	var d model.Document
	err := row.Scan(&d.ID, &d.CourseID, &d.Title, &d.ObjectKey, &d.Position)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrDocumentNotFound
		}
		return nil, fmt.Errorf("get document: %w", err)
	}

	return &d, nil
}

// ListDocumentsByCourse возвращает документы курса в порядке их позиций.
func (r *PostgresRepository) ListDocumentsByCourse(ctx context.Context, courseID string) ([]model.Document, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT id, course_id, title, object_key, position
		 FROM documents
		 WHERE course_id = $1
		 ORDER BY position`,
		courseID,
	)
	if err != nil {
		return nil, fmt.Errorf("select documents: %w", err)
	}
	defer rows.Close()

	var docs []model.Document
	for rows.Next() {
		var d model.Document
		if err := rows.Scan(&d.ID, &d.CourseID, &d.Title, &d.ObjectKey, &d.Position); err != nil {
			return nil, fmt.Errorf("scan document: %w", err)
		}
		docs = append(docs, d)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}

	return docs, nil
}

// CreateOrder сохраняет новый заказ в статусе PENDING.
func (r *PostgresRepository) CreateOrder(ctx context.Context, order *model.Order) error {
	_, err := r.pool.Exec(ctx,
		`INSERT INTO orders (id, user_id, course_id, amount, status, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6)`,
		order.ID, order.UserID, order.CourseID, order.AmountPaise, string(order.Status), order.CreatedAt,
	)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == pgerrcode.UniqueViolation {
			return fmt.Errorf("%w: %s", ErrOrderExists, order.ID)
		}
		return fmt.Errorf("insert order: %w", err)
	}
	return nil
}

// GetOrder возвращает заказ по идентификатору.
func (r *PostgresRepository) GetOrder(ctx context.Context, orderID string) (*model.Order, error) {
	row := r.pool.QueryRow(ctx,
		`SELECT id, user_id, course_id, amount, status, created_at FROM orders WHERE id = $1`,
		orderID,
	)

	var o model.Order
	var status string
	err := row.Scan(&o.ID, &o.UserID, &o.CourseID, &o.AmountPaise, &status, &o.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrOrderNotFound
		}
		return nil, fmt.Errorf("get order: %w", err)
	}
	o.Status = model.OrderStatus(status)

	return &o, nil
}

// UpdateOrderStatus переводит заказ из PENDING в указанный терминальный статус.
// Переходы из COMPLETED и FAILED невозможны.
func (r *PostgresRepository) UpdateOrderStatus(ctx context.Context, orderID string, status model.OrderStatus) error {
	_, err := r.pool.Exec(ctx,
		`UPDATE orders SET status = $2 WHERE id = $1 AND status = $3`,
		orderID, string(status), string(model.OrderStatusPending),
	)
	if err != nil {
		return fmt.Errorf("update order status: %w", err)
	}
	return nil
}

// GetPurchase возвращает запись о покупке по ключу (пользователь, курс).
func (r *PostgresRepository) GetPurchase(ctx context.Context, userID, courseID string) (*model.Purchase, error) {
	row := r.pool.QueryRow(ctx,
		`SELECT user_id, course_id, order_id, amount, purchased_at
		 FROM purchases
		 WHERE user_id = $1 AND course_id = $2`,
		userID, courseID,
	)

	var p model.Purchase
	err := row.Scan(&p.UserID, &p.CourseID, &p.OrderID, &p.AmountPaise, &p.PurchasedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrPurchaseNotFound
		}
		return nil, fmt.Errorf("get purchase: %w", err)
	}

	return &p, nil
}

// UpsertPurchase записывает покупку по естественному ключу (пользователь, курс).
// Повторный вызов не перезаписывает существующую запись и возвращает её —
// атомарность обеспечивается ON CONFLICT DO NOTHING на уровне БД.
func (r *PostgresRepository) UpsertPurchase(ctx context.Context, purchase *model.Purchase) (*model.Purchase, error) {
	_, err := r.pool.Exec(ctx,
		`INSERT INTO purchases (user_id, course_id, order_id, amount, purchased_at)
		 VALUES ($1, $2, $3, $4, $5)
		 ON CONFLICT (user_id, course_id) DO NOTHING`,
		purchase.UserID, purchase.CourseID, purchase.OrderID, purchase.AmountPaise, purchase.PurchasedAt,
	)
	if err != nil {
		return nil, fmt.Errorf("insert purchase: %w", err)
	}

	return r.GetPurchase(ctx, purchase.UserID, purchase.CourseID)
}

// ListPurchasesByUser возвращает историю покупок пользователя.
func (r *PostgresRepository) ListPurchasesByUser(ctx context.Context, userID string) ([]model.Purchase, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT user_id, course_id, order_id, amount, purchased_at
		 FROM purchases
		 WHERE user_id = $1
		 ORDER BY purchased_at DESC`,
		userID,
	)
	if err != nil {
		return nil, fmt.Errorf("select purchases: %w", err)
	}
	defer rows.Close()

	var res []model.Purchase
	for rows.Next() {
		var p model.Purchase
		if err := rows.Scan(&p.UserID, &p.CourseID, &p.OrderID, &p.AmountPaise, &p.PurchasedAt); err != nil {
			return nil, fmt.Errorf("scan purchase: %w", err)
		}
		res = append(res, p)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}

	return res, nil
}

// GetPendingOrders возвращает заказы в статусе PENDING для фоновой сверки со шлюзом.
func (r *PostgresRepository) GetPendingOrders(ctx context.Context, limit int) ([]model.Order, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT id, user_id, course_id, amount, status, created_at
		 FROM orders
		 WHERE status = $1
		 ORDER BY created_at
		 LIMIT $2`,
		string(model.OrderStatusPending), limit,
	)
	if err != nil {
		return nil, fmt.Errorf("select pending orders: %w", err)
	}
	defer rows.Close()

	var res []model.Order
	for rows.Next() {
		var o model.Order
		var status string
		if err := rows.Scan(&o.ID, &o.UserID, &o.CourseID, &o.AmountPaise, &status, &o.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan order: %w", err)
		}
		o.Status = model.OrderStatus(status)
		res = append(res, o)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}

	return res, nil
}
