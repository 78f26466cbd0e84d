// Package model содержит доменные сущности сервиса coursegate.
package model

import "time"

// Course представляет продаваемый курс — набор документов с единой ценой.
type Course struct {
	ID          string
	Title       string
	Description string
	PricePaise  int64
	CreatedAt   time.Time
}

// Document описывает один просматриваемый файл курса.
type Document struct {
	ID        string
	CourseID  string
	Title     string
	ObjectKey string
	Position  int
}

// OrderStatus описывает статус попытки оплаты.
type OrderStatus string

const (
	OrderStatusPending   OrderStatus = "PENDING"
	OrderStatusCompleted OrderStatus = "COMPLETED"
	OrderStatusFailed    OrderStatus = "FAILED"
)

// Order описывает одну попытку оплаты курса. Записи заказов не удаляются;
// статусы COMPLETED и FAILED терминальные.
type Order struct {
	ID          string
	UserID      string
	CourseID    string
	AmountPaise int64
	Status      OrderStatus
	CreatedAt   time.Time
}

// Purchase — факт покупки курса пользователем. Существование записи —
// единственный источник права доступа к содержимому курса.
type Purchase struct {
	UserID      string
	CourseID    string
	OrderID     string
	AmountPaise int64
	PurchasedAt time.Time
}

// CustomerContact содержит контактные данные покупателя, обязательные
// для платёжного шлюза.
type CustomerContact struct {
	Name  string
	Email string
	Phone string
}

// Access — результат проверки права доступа пользователя к курсу.
type Access struct {
	Granted bool `json:"granted"`
}
