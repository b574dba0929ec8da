// Package model содержит доменные сущности сервиса вывоза отходов.
package model

import (
	"time"

	"github.com/google/uuid"
)

// Role описывает роль пользователя в системе.
type Role string

const (
	RoleResident  Role = "resident"
	RoleCollector Role = "collector"
	RoleAdmin     Role = "admin"
)

// Location представляет географическую точку с явными широтой и долготой.
type Location struct {
	Latitude  float64 `json:"latitude"`
	Longitude float64 `json:"longitude"`
}

// User представляет зарегистрированного пользователя: жителя, сборщика или администратора.
// У жителя осмысленна только домашняя точка; у сборщика — текущая,
// обновляемая периодически вместе с отметкой времени.
type User struct {
	ID                uuid.UUID
	Phone             string
	Name              string
	PasswordHash      []byte
	Role              Role
	Active            bool
	HomeLocation      *Location
	CurrentLocation   *Location
	LocationUpdatedAt *time.Time
	CreatedAt         time.Time
}

// VolumeCategory описывает заявленную категорию объёма отходов.
type VolumeCategory string

const (
	VolumeSmall  VolumeCategory = "small"
	VolumeMedium VolumeCategory = "medium"
	VolumeLarge  VolumeCategory = "large"
)

// ReportStatus описывает статус жизненного цикла заявки.
type ReportStatus string

const (
	ReportStatusPendingPayment   ReportStatus = "PENDING_PAYMENT"
	ReportStatusPaymentConfirmed ReportStatus = "PAYMENT_CONFIRMED"
	ReportStatusAssigned         ReportStatus = "ASSIGNED"
	ReportStatusInProgress       ReportStatus = "IN_PROGRESS"
	ReportStatusCompleted        ReportStatus = "COMPLETED"
	ReportStatusCancelled        ReportStatus = "CANCELLED"
)

// Report описывает заявку жителя на вывоз скопления отходов.
// Заявка никогда не удаляется физически: отмена — терминальный статус.
type Report struct {
	ID          uuid.UUID
	ReporterID  uuid.UUID
	Location    Location
	Description string
	Volume      VolumeCategory
	Status      ReportStatus
	FeeAmount   int64
	Currency    string
	CollectorID *uuid.UUID
	ReportedAt  time.Time
	AssignedAt  *time.Time
	CompletedAt *time.Time
}

// PaymentStatus описывает статус платежа во внутреннем словаре системы.
type PaymentStatus string

const (
	PaymentStatusPending    PaymentStatus = "PENDING"
	PaymentStatusProcessing PaymentStatus = "PROCESSING"
	PaymentStatusSuccessful PaymentStatus = "SUCCESSFUL"
	PaymentStatusFailed     PaymentStatus = "FAILED"
	PaymentStatusCancelled  PaymentStatus = "CANCELLED"
)

// Terminal сообщает, является ли статус платежа терминальным.
func (s PaymentStatus) Terminal() bool {
	switch s {
	case PaymentStatusSuccessful, PaymentStatusFailed, PaymentStatusCancelled:
		return true
	}
	return false
}

// ProviderRef — внешняя ссылка платежа, помеченная именем провайдера.
// Уникальна пара (провайдер, ссылка): одинаковые строки у разных
// провайдеров не конфликтуют.
type ProviderRef struct {
	Provider  string
	Reference string
}

// Payment описывает одну попытку оплаты одной заявки.
// Обновляется только движком сверки, никогда — напрямую по запросу клиента.
type Payment struct {
	ID          uuid.UUID
	ReportID    uuid.UUID
	ResidentID  uuid.UUID
	Ref         ProviderRef
	Amount      int64
	Currency    string
	Status      PaymentStatus
	RawPayload  []byte
	InitiatedAt time.Time
	CompletedAt *time.Time
}

// CollectionEvent — неизменяемая запись подтверждения вывоза.
// Создаётся ровно один раз на завершённую заявку.
type CollectionEvent struct {
	ID                 uuid.UUID
	ReportID           uuid.UUID
	CollectorID        uuid.UUID
	Location           Location
	CodePresented      bool
	DistanceFromReport float64
	CreatedAt          time.Time
}

// RankedCollector — сборщик с расстоянием до точки заявки в метрах.
type RankedCollector struct {
	Collector      User
	DistanceMeters float64
}
