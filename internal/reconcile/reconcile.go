// Package reconcile реализует сверку уведомлений платёжного шлюза
// с внутренним состоянием платежа и заявки.
//
// Уведомления приходят асинхронно, могут дублироваться и гнаться друг с
// другом. Идемпотентность обеспечивает условное обновление «только если
// платёж ещё не терминальный»: побочные эффекты (проекция на заявку,
// уведомление жителя) выполняются только при первом переходе в терминальный
// статус. Платёж — источник истины; статус заявки — производная проекция,
// которую при сбое достраивает цикл восстановления.
package reconcile

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/mmeshcher/wastehub-system/internal/model"
	"github.com/mmeshcher/wastehub-system/internal/notify"
	"github.com/mmeshcher/wastehub-system/internal/repository"
)

// Repository описывает контракт доступа к данным, используемый движком сверки.
type Repository interface {
	GetPaymentByRef(ctx context.Context, ref model.ProviderRef) (*model.Payment, error)
	MarkPaymentProcessing(ctx context.Context, id uuid.UUID) error
	MarkPaymentTerminal(ctx context.Context, id uuid.UUID, status model.PaymentStatus, rawPayload []byte, at time.Time) (bool, error)
	ConfirmReportPayment(ctx context.Context, reportID uuid.UUID) error
	ListConfirmablePayments(ctx context.Context, limit int) ([]model.Payment, error)
	GetUserByID(ctx context.Context, id uuid.UUID) (*model.User, error)
}

// StatusMapper переводит статус из словаря провайдера во внутренний.
// Подменяемая функция — единственный шов, изолирующий диалект шлюза.
type StatusMapper func(provider, raw string) model.PaymentStatus

// Outcome описывает исход сверки одного уведомления.
type Outcome string

const (
	// OutcomeApplied — терминальный статус применён впервые.
	OutcomeApplied Outcome = "applied"
	// OutcomeAlreadyFinal — платёж уже терминален, уведомление-дубль.
	OutcomeAlreadyFinal Outcome = "already_final"
	// OutcomeIgnored — нетерминальный статус, состояние не меняется.
	OutcomeIgnored Outcome = "ignored"
	// OutcomeNotFound — платёж с такой ссылкой неизвестен.
	OutcomeNotFound Outcome = "not_found"
)

// Result — результат сверки одного уведомления.
type Result struct {
	Outcome Outcome
	Payment *model.Payment
}

// Engine применяет уведомления шлюза к платежам и заявкам.
type Engine struct {
	repo       Repository
	mapper     StatusMapper
	dispatcher *notify.Dispatcher
	logger     *zap.Logger
}

// NewEngine создаёт движок сверки.
func NewEngine(repo Repository, mapper StatusMapper, dispatcher *notify.Dispatcher, logger *zap.Logger) *Engine {
	return &Engine{
		repo:       repo,
		mapper:     mapper,
		dispatcher: dispatcher,
		logger:     logger,
	}
}

// Reconcile применяет одно уведомление шлюза. Неизвестная ссылка — не
// ошибка: вызывающий должен подтвердить приём шлюзу в любом случае.
func (e *Engine) Reconcile(ctx context.Context, ref model.ProviderRef, rawStatus string, rawPayload []byte) (Result, error) {
	p, err := e.repo.GetPaymentByRef(ctx, ref)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			e.logger.Warn("gateway notification for unknown payment",
				zap.String("provider", ref.Provider),
				zap.String("reference", ref.Reference))
			return Result{Outcome: OutcomeNotFound}, nil
		}
		return Result{}, fmt.Errorf("lookup payment: %w", err)
	}

	status := e.mapper(ref.Provider, rawStatus)

	if !status.Terminal() {
		if status == model.PaymentStatusProcessing {
			if err := e.repo.MarkPaymentProcessing(ctx, p.ID); err != nil {
				return Result{}, fmt.Errorf("mark processing: %w", err)
			}
		}
		return Result{Outcome: OutcomeIgnored, Payment: p}, nil
	}

	if p.Status.Terminal() {
		return Result{Outcome: OutcomeAlreadyFinal, Payment: p}, nil
	}

	applied, err := e.repo.MarkPaymentTerminal(ctx, p.ID, status, rawPayload, time.Now())
	if err != nil {
		if errors.Is(err, repository.ErrPaymentConflict) {
			// Заявку уже оплатил другой платёж; этот остаётся как есть.
			e.logger.Warn("terminal status rejected: report already paid",
				zap.String("payment", p.ID.String()))
			return Result{Outcome: OutcomeAlreadyFinal, Payment: p}, nil
		}
		return Result{}, fmt.Errorf("mark terminal: %w", err)
	}
	if !applied {
		// Конкурентное уведомление успело раньше.
		return Result{Outcome: OutcomeAlreadyFinal, Payment: p}, nil
	}

	p.Status = status

	switch status {
	case model.PaymentStatusSuccessful:
		if err := e.repo.ConfirmReportPayment(ctx, p.ReportID); err != nil {
			// Платёж уже помечен успешным; проекцию на заявку достроит
			// цикл восстановления.
			e.logger.Error("report projection failed, will be repaired",
				zap.String("report", p.ReportID.String()),
				zap.Error(err))
		}
		e.notifyResident(ctx, p, notify.TemplatePaymentConfirmed)
	case model.PaymentStatusFailed:
		e.notifyResident(ctx, p, notify.TemplatePaymentFailed)
	}

	return Result{Outcome: OutcomeApplied, Payment: p}, nil
}

// Repair достраивает проекцию на заявки для успешных платежей, чьи заявки
// застряли в PENDING_PAYMENT.
func (e *Engine) Repair(ctx context.Context) error {
	payments, err := e.repo.ListConfirmablePayments(ctx, 100)
	if err != nil {
		return fmt.Errorf("list confirmable payments: %w", err)
	}

	for _, p := range payments {
		if err := e.repo.ConfirmReportPayment(ctx, p.ReportID); err != nil {
			if errors.Is(err, repository.ErrStatusConflict) {
				// Заявка ушла дальше между выборкой и обновлением.
				continue
			}
			e.logger.Error("repair projection failed",
				zap.String("report", p.ReportID.String()),
				zap.Error(err))
		}
	}

	return nil
}

func (e *Engine) notifyResident(ctx context.Context, p *model.Payment, kind notify.Template) {
	resident, err := e.repo.GetUserByID(ctx, p.ResidentID)
	if err != nil {
		e.logger.Warn("resident lookup for notification failed",
			zap.String("resident", p.ResidentID.String()),
			zap.Error(err))
		return
	}

	e.dispatcher.Notify(resident.Phone, kind, map[string]string{
		"report": p.ReportID.String(),
		"amount": strconv.FormatInt(p.Amount, 10),
	})
}
