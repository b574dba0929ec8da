// Package service реализует бизнес-логику сервиса вывоза отходов.
package service

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/sethvargo/go-retry"
	"go.uber.org/zap"

	"github.com/mmeshcher/wastehub-system/internal/gateway"
	"github.com/mmeshcher/wastehub-system/internal/geo"
	"github.com/mmeshcher/wastehub-system/internal/lifecycle"
	"github.com/mmeshcher/wastehub-system/internal/model"
	"github.com/mmeshcher/wastehub-system/internal/notify"
	"github.com/mmeshcher/wastehub-system/internal/reconcile"
	"github.com/mmeshcher/wastehub-system/internal/repository"
)

// ErrInvalidCredentials возвращается при неверной паре телефон/пароль.
var (
	ErrInvalidCredentials = errors.New("invalid credentials")
	// ErrUnknownProvider возвращается для не настроенного платёжного провайдера.
	ErrUnknownProvider = errors.New("unknown payment provider")
)

// Repository описывает контракт доступа к данным, используемый сервисом.
type Repository interface {
	Close() error
	CreateUser(ctx context.Context, u *model.User) error
	GetUserByPhone(ctx context.Context, phone string) (*model.User, error)
	GetUserByID(ctx context.Context, id uuid.UUID) (*model.User, error)
	UpdateCollectorLocation(ctx context.Context, id uuid.UUID, loc model.Location, at time.Time) error
	GetActiveCollectors(ctx context.Context, cutoff time.Time) ([]model.User, error)
	CreateReport(ctx context.Context, rep *model.Report) error
	GetReport(ctx context.Context, id uuid.UUID) (*model.Report, error)
	ListReportsByResident(ctx context.Context, residentID uuid.UUID) ([]model.Report, error)
	ListAvailableReports(ctx context.Context) ([]model.Report, error)
	ClaimReport(ctx context.Context, reportID, collectorID uuid.UUID, at time.Time) (*model.Report, error)
	ConfirmReportPayment(ctx context.Context, reportID uuid.UUID) error
	StartReport(ctx context.Context, reportID, collectorID uuid.UUID) error
	CompleteReport(ctx context.Context, reportID, collectorID uuid.UUID, at time.Time) error
	CancelReport(ctx context.Context, reportID uuid.UUID) error
	CreatePayment(ctx context.Context, p *model.Payment) error
	GetPaymentByRef(ctx context.Context, ref model.ProviderRef) (*model.Payment, error)
	MarkPaymentProcessing(ctx context.Context, id uuid.UUID) error
	MarkPaymentTerminal(ctx context.Context, id uuid.UUID, status model.PaymentStatus, rawPayload []byte, at time.Time) (bool, error)
	ListConfirmablePayments(ctx context.Context, limit int) ([]model.Payment, error)
	CreateCollectionEvent(ctx context.Context, e *model.CollectionEvent) error
	GetCollectionEvent(ctx context.Context, reportID uuid.UUID) (*model.CollectionEvent, error)
}

// Options содержит параметры политики сервиса.
type Options struct {
	CollectionFee     int64
	Currency          string
	LocationStaleness time.Duration
	NearestLimit      int
}

// Service содержит бизнес-логику сервиса вывоза отходов.
type Service struct {
	repo       Repository
	providers  *gateway.Registry
	engine     *reconcile.Engine
	dispatcher *notify.Dispatcher
	logger     *zap.Logger
	opts       Options
}

// NewService создаёт новый сервис.
func NewService(repo Repository, providers *gateway.Registry, engine *reconcile.Engine, dispatcher *notify.Dispatcher, logger *zap.Logger, opts Options) *Service {
	if opts.CollectionFee <= 0 {
		opts.CollectionFee = 5000
	}
	if opts.Currency == "" {
		opts.Currency = "UGX"
	}
	if opts.LocationStaleness <= 0 {
		opts.LocationStaleness = 15 * time.Minute
	}
	if opts.NearestLimit <= 0 {
		opts.NearestLimit = 5
	}

	return &Service{
		repo:       repo,
		providers:  providers,
		engine:     engine,
		dispatcher: dispatcher,
		logger:     logger,
		opts:       opts,
	}
}

// Close закрывает ресурсы сервиса.
func (s *Service) Close() error {
	if s.repo != nil {
		return s.repo.Close()
	}
	return nil
}

// withDependencyRetry повторяет операцию один раз с паузой, если хранилище
// недоступно; прочие ошибки отдаёт сразу.
func (s *Service) withDependencyRetry(ctx context.Context, fn func() error) error {
	backoff := retry.WithMaxRetries(1, retry.NewConstant(500*time.Millisecond))
	return retry.Do(ctx, backoff, func(ctx context.Context) error {
		err := fn()
		if errors.Is(err, repository.ErrUnavailable) {
			return retry.RetryableError(err)
		}
		return err
	})
}

// RegisterUser регистрирует нового пользователя.
func (s *Service) RegisterUser(ctx context.Context, phone, name, password string, role model.Role, home *model.Location) (*model.User, error) {
	u := &model.User{
		ID:           uuid.New(),
		Phone:        phone,
		Name:         name,
		PasswordHash: hashPassword(phone, password),
		Role:         role,
		Active:       true,
		HomeLocation: home,
		CreatedAt:    time.Now(),
	}

	if err := s.withDependencyRetry(ctx, func() error {
		return s.repo.CreateUser(ctx, u)
	}); err != nil {
		return nil, err
	}

	return u, nil
}

// AuthenticateUser проверяет телефон и пароль пользователя.
func (s *Service) AuthenticateUser(ctx context.Context, phone, password string) (*model.User, error) {
	u, err := s.repo.GetUserByPhone(ctx, phone)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, ErrInvalidCredentials
		}
		return nil, err
	}

	hashed := hashPassword(phone, password)
	if hex.EncodeToString(hashed) != hex.EncodeToString(u.PasswordHash) {
		return nil, ErrInvalidCredentials
	}

	return u, nil
}

func hashPassword(phone, password string) []byte {
	sum := sha256.Sum256([]byte(phone + ":" + password))
	return sum[:]
}

// SubmitReport создаёт заявку жителя в статусе PENDING_PAYMENT и считает
// фиксированный сбор за вывоз.
func (s *Service) SubmitReport(ctx context.Context, residentID uuid.UUID, loc model.Location, description string, volume model.VolumeCategory) (*model.Report, error) {
	resident, err := s.repo.GetUserByID(ctx, residentID)
	if err != nil {
		return nil, err
	}

	status, err := lifecycle.Transition(nil, lifecycle.EventSubmit, resident)
	if err != nil {
		return nil, err
	}

	rep := &model.Report{
		ID:          uuid.New(),
		ReporterID:  resident.ID,
		Location:    loc,
		Description: description,
		Volume:      volume,
		Status:      status,
		FeeAmount:   s.opts.CollectionFee,
		Currency:    s.opts.Currency,
		ReportedAt:  time.Now(),
	}

	if err := s.withDependencyRetry(ctx, func() error {
		return s.repo.CreateReport(ctx, rep)
	}); err != nil {
		return nil, err
	}

	return rep, nil
}

// GetReport возвращает заявку; доступ есть у автора, назначенного сборщика
// и администратора.
func (s *Service) GetReport(ctx context.Context, actorID, reportID uuid.UUID) (*model.Report, error) {
	rep, err := s.repo.GetReport(ctx, reportID)
	if err != nil {
		return nil, err
	}

	actor, err := s.repo.GetUserByID(ctx, actorID)
	if err != nil {
		return nil, err
	}

	if actor.Role != model.RoleAdmin && rep.ReporterID != actor.ID &&
		(rep.CollectorID == nil || *rep.CollectorID != actor.ID) {
		return nil, fmt.Errorf("%w: report belongs to another user", lifecycle.ErrActorNotAllowed)
	}

	return rep, nil
}

// ListReportsByResident возвращает заявки жителя.
func (s *Service) ListReportsByResident(ctx context.Context, residentID uuid.UUID) ([]model.Report, error) {
	return s.repo.ListReportsByResident(ctx, residentID)
}

// AvailableReport — оплаченная незанятая заявка с расстоянием до сборщика,
// если его текущая точка известна.
type AvailableReport struct {
	Report         model.Report
	DistanceMeters *float64
}

// ListAvailableReports возвращает оплаченные незанятые заявки. Если текущая
// точка сборщика известна, заявки получают расстояние и сортируются по нему.
func (s *Service) ListAvailableReports(ctx context.Context, collectorID uuid.UUID) ([]AvailableReport, error) {
	collector, err := s.repo.GetUserByID(ctx, collectorID)
	if err != nil {
		return nil, err
	}
	if collector.Role != model.RoleCollector || !collector.Active {
		return nil, fmt.Errorf("%w: available reports are listed for active collectors", lifecycle.ErrActorNotAllowed)
	}

	reports, err := s.repo.ListAvailableReports(ctx)
	if err != nil {
		return nil, err
	}

	res := make([]AvailableReport, 0, len(reports))
	for _, rep := range reports {
		item := AvailableReport{Report: rep}
		if collector.CurrentLocation != nil {
			d := geo.DistanceMeters(rep.Location, *collector.CurrentLocation)
			item.DistanceMeters = &d
		}
		res = append(res, item)
	}

	if collector.CurrentLocation != nil {
		sort.Slice(res, func(i, j int) bool {
			if *res[i].DistanceMeters != *res[j].DistanceMeters {
				return *res[i].DistanceMeters < *res[j].DistanceMeters
			}
			return res[i].Report.ID.String() < res[j].Report.ID.String()
		})
	}

	return res, nil
}

// InitiatePayment создаёт попытку оплаты заявки и инициирует платёж у
// провайдера. Для уже оплаченной заявки возвращает ErrPaymentConflict.
func (s *Service) InitiatePayment(ctx context.Context, residentID, reportID uuid.UUID, providerName string) (*model.Payment, *gateway.Handle, error) {
	rep, err := s.repo.GetReport(ctx, reportID)
	if err != nil {
		return nil, nil, err
	}
	if rep.ReporterID != residentID {
		return nil, nil, fmt.Errorf("%w: only the reporter may pay for the report", lifecycle.ErrActorNotAllowed)
	}

	switch rep.Status {
	case model.ReportStatusPendingPayment:
		// Оплата возможна.
	case model.ReportStatusCancelled:
		return nil, nil, fmt.Errorf("%w: report is cancelled", repository.ErrStatusConflict)
	default:
		return nil, nil, repository.ErrPaymentConflict
	}

	provider, ok := s.providers.Get(providerName)
	if !ok {
		return nil, nil, fmt.Errorf("%w: %s", ErrUnknownProvider, providerName)
	}

	resident, err := s.repo.GetUserByID(ctx, residentID)
	if err != nil {
		return nil, nil, err
	}

	p := &model.Payment{
		ID:         uuid.New(),
		ReportID:   rep.ID,
		ResidentID: residentID,
		Ref: model.ProviderRef{
			Provider:  provider.Name(),
			Reference: uuid.New().String(),
		},
		Amount:      rep.FeeAmount,
		Currency:    rep.Currency,
		Status:      model.PaymentStatusPending,
		InitiatedAt: time.Now(),
	}

	// Запись создаётся до обращения к провайдеру: уведомление шлюза не
	// должно прийти раньше, чем появится платёж для сверки.
	if err := s.withDependencyRetry(ctx, func() error {
		return s.repo.CreatePayment(ctx, p)
	}); err != nil {
		return nil, nil, err
	}

	handle, err := provider.Initiate(ctx, gateway.InitiateRequest{
		Amount:     p.Amount,
		Currency:   p.Currency,
		PayerPhone: resident.Phone,
		Reference:  p.Ref.Reference,
	})
	if err != nil {
		if _, markErr := s.repo.MarkPaymentTerminal(ctx, p.ID, model.PaymentStatusCancelled, nil, time.Now()); markErr != nil {
			s.logger.Error("cancel failed payment attempt", zap.Error(markErr))
		}
		return nil, nil, fmt.Errorf("initiate payment: %w", err)
	}

	return p, handle, nil
}

// gatewayCallback покрывает поля уведомлений обоих провайдеров.
type gatewayCallback struct {
	Reference         string `json:"reference"`
	ReferenceID       string `json:"referenceId"`
	ExternalID        string `json:"externalId"`
	TransactionID     string `json:"transaction_id"`
	Status            string `json:"status"`
	TransactionStatus string `json:"transaction_status"`
	StatusCode        string `json:"status_code"`
}

func (c gatewayCallback) reference() string {
	for _, v := range []string{c.Reference, c.ReferenceID, c.ExternalID, c.TransactionID} {
		if v != "" {
			return v
		}
	}
	return ""
}

func (c gatewayCallback) status() string {
	for _, v := range []string{c.Status, c.TransactionStatus, c.StatusCode} {
		if v != "" {
			return v
		}
	}
	return ""
}

// HandleGatewayCallback нормализует уведомление провайдера и передаёт его
// движку сверки. Внутренние сбои логируются, но наружу не выходят: шлюзу
// всегда подтверждается приём.
func (s *Service) HandleGatewayCallback(ctx context.Context, providerName string, payload []byte) reconcile.Result {
	var cb gatewayCallback
	if err := json.Unmarshal(payload, &cb); err != nil {
		s.logger.Warn("malformed gateway callback",
			zap.String("provider", providerName),
			zap.Error(err))
		return reconcile.Result{Outcome: reconcile.OutcomeNotFound}
	}

	ref := cb.reference()
	if ref == "" {
		s.logger.Warn("gateway callback without reference", zap.String("provider", providerName))
		return reconcile.Result{Outcome: reconcile.OutcomeNotFound}
	}

	res, err := s.engine.Reconcile(ctx, model.ProviderRef{Provider: providerName, Reference: ref}, cb.status(), payload)
	if err != nil {
		s.logger.Error("payment reconciliation failed",
			zap.String("provider", providerName),
			zap.String("reference", ref),
			zap.Error(err))
		return reconcile.Result{Outcome: reconcile.OutcomeNotFound}
	}

	return res
}

// ClaimReport назначает оплаченную заявку сборщику. Из конкурентных попыток
// выигрывает одна, остальные получают ErrAlreadyAssigned.
func (s *Service) ClaimReport(ctx context.Context, collectorID, reportID uuid.UUID) (*model.Report, error) {
	collector, err := s.repo.GetUserByID(ctx, collectorID)
	if err != nil {
		return nil, err
	}

	rep, err := s.repo.GetReport(ctx, reportID)
	if err != nil {
		return nil, err
	}

	// Занятая заявка — всегда ErrAlreadyAssigned, а не ошибка перехода:
	// проигравший гонку должен отличать её от запроса в неверном статусе.
	if rep.CollectorID != nil {
		return nil, repository.ErrAlreadyAssigned
	}

	if _, err := lifecycle.Transition(rep, lifecycle.EventClaim, collector); err != nil {
		return nil, err
	}

	var claimed *model.Report
	if err := s.withDependencyRetry(ctx, func() error {
		var claimErr error
		claimed, claimErr = s.repo.ClaimReport(ctx, reportID, collectorID, time.Now())
		return claimErr
	}); err != nil {
		return nil, err
	}

	if reporter, err := s.repo.GetUserByID(ctx, claimed.ReporterID); err == nil {
		s.dispatcher.Notify(reporter.Phone, notify.TemplateReportAssigned, map[string]string{
			"report":    claimed.ID.String(),
			"collector": collector.Name,
		})
	}

	return claimed, nil
}

// StartCollection переводит назначенную заявку в IN_PROGRESS.
func (s *Service) StartCollection(ctx context.Context, collectorID, reportID uuid.UUID) (*model.Report, error) {
	collector, err := s.repo.GetUserByID(ctx, collectorID)
	if err != nil {
		return nil, err
	}

	rep, err := s.repo.GetReport(ctx, reportID)
	if err != nil {
		return nil, err
	}

	status, err := lifecycle.Transition(rep, lifecycle.EventStart, collector)
	if err != nil {
		return nil, err
	}

	if err := s.withDependencyRetry(ctx, func() error {
		return s.repo.StartReport(ctx, reportID, collectorID)
	}); err != nil {
		return nil, err
	}

	rep.Status = status
	return rep, nil
}

// VerifyCollection подтверждает вывоз сканированием на месте: завершает
// заявку и создаёт неизменяемую запись с расстоянием от точки заявки.
func (s *Service) VerifyCollection(ctx context.Context, collectorID, reportID uuid.UUID, loc model.Location, code string) (*model.CollectionEvent, error) {
	collector, err := s.repo.GetUserByID(ctx, collectorID)
	if err != nil {
		return nil, err
	}

	rep, err := s.repo.GetReport(ctx, reportID)
	if err != nil {
		return nil, err
	}

	if _, err := lifecycle.Transition(rep, lifecycle.EventVerify, collector); err != nil {
		return nil, err
	}

	now := time.Now()
	event := &model.CollectionEvent{
		ID:                 uuid.New(),
		ReportID:           rep.ID,
		CollectorID:        collector.ID,
		Location:           loc,
		CodePresented:      code != "",
		DistanceFromReport: geo.DistanceMeters(rep.Location, loc),
		CreatedAt:          now,
	}

	// Запись подтверждения создаётся до смены статуса: завершённая заявка
	// без записи невозможна, а повтор после сбоя между двумя шагами находит
	// уже созданную запись по уникальному индексу и достраивает статус.
	fresh := true
	if err := s.repo.CreateCollectionEvent(ctx, event); err != nil {
		if !errors.Is(err, repository.ErrCollectionEventExists) {
			return nil, err
		}
		existing, getErr := s.repo.GetCollectionEvent(ctx, reportID)
		if getErr != nil {
			return nil, getErr
		}
		event = existing
		fresh = false
	}

	if err := s.withDependencyRetry(ctx, func() error {
		return s.repo.CompleteReport(ctx, reportID, collectorID, now)
	}); err != nil {
		// Конкурентный verify успел завершить заявку; запись
		// подтверждения уже на месте.
		if !errors.Is(err, repository.ErrStatusConflict) {
			return nil, err
		}
	}

	if fresh {
		if reporter, err := s.repo.GetUserByID(ctx, rep.ReporterID); err == nil {
			s.dispatcher.Notify(reporter.Phone, notify.TemplateCollectionDone, map[string]string{
				"report": rep.ID.String(),
			})
		}
	}

	return event, nil
}

// CancelReport отменяет заявку. Отмена доступна автору и администратору
// до назначения сборщика.
func (s *Service) CancelReport(ctx context.Context, actorID, reportID uuid.UUID) (*model.Report, error) {
	actor, err := s.repo.GetUserByID(ctx, actorID)
	if err != nil {
		return nil, err
	}

	rep, err := s.repo.GetReport(ctx, reportID)
	if err != nil {
		return nil, err
	}

	status, err := lifecycle.Transition(rep, lifecycle.EventCancel, actor)
	if err != nil {
		return nil, err
	}

	if err := s.withDependencyRetry(ctx, func() error {
		return s.repo.CancelReport(ctx, reportID)
	}); err != nil {
		return nil, err
	}

	rep.Status = status
	return rep, nil
}

// UpdateCollectorLocation обновляет текущую точку сборщика.
func (s *Service) UpdateCollectorLocation(ctx context.Context, collectorID uuid.UUID, loc model.Location) error {
	return s.withDependencyRetry(ctx, func() error {
		return s.repo.UpdateCollectorLocation(ctx, collectorID, loc, time.Now())
	})
}

// NearestCollectors возвращает активных сборщиков со свежей точкой,
// отсортированных по расстоянию до указанной точки. Равные расстояния
// упорядочиваются по идентификатору, порядок детерминирован. Отсутствие
// кандидатов — пустой список, не ошибка.
func (s *Service) NearestCollectors(ctx context.Context, loc model.Location, limit int) ([]model.RankedCollector, error) {
	if limit <= 0 {
		limit = s.opts.NearestLimit
	}

	cutoff := time.Now().Add(-s.opts.LocationStaleness)

	candidates, err := s.repo.GetActiveCollectors(ctx, cutoff)
	if err != nil {
		return nil, err
	}

	ranked := make([]model.RankedCollector, 0, len(candidates))
	for _, c := range candidates {
		if c.CurrentLocation == nil {
			continue
		}
		ranked = append(ranked, model.RankedCollector{
			Collector:      c,
			DistanceMeters: geo.DistanceMeters(loc, *c.CurrentLocation),
		})
	}

	sort.Slice(ranked, func(i, j int) bool {
		if ranked[i].DistanceMeters != ranked[j].DistanceMeters {
			return ranked[i].DistanceMeters < ranked[j].DistanceMeters
		}
		return ranked[i].Collector.ID.String() < ranked[j].Collector.ID.String()
	})

	if len(ranked) > limit {
		ranked = ranked[:limit]
	}

	return ranked, nil
}

// StartProjectionRepair выполняет фоновый цикл, достраивающий проекцию
// успешных платежей на застрявшие заявки. Блокируется до отмены контекста,
// запускать следует в отдельной горутине.
func (s *Service) StartProjectionRepair(ctx context.Context) {
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := s.engine.Repair(ctx); err != nil {
				s.logger.Warn("projection repair pass failed", zap.Error(err))
			}
		}
	}
}
