package service

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/mmeshcher/wastehub-system/internal/gateway"
	"github.com/mmeshcher/wastehub-system/internal/lifecycle"
	"github.com/mmeshcher/wastehub-system/internal/model"
	"github.com/mmeshcher/wastehub-system/internal/notify"
	"github.com/mmeshcher/wastehub-system/internal/reconcile"
	"github.com/mmeshcher/wastehub-system/internal/repository"
)

type stubRepo struct {
	mu       sync.Mutex
	users    map[uuid.UUID]*model.User
	reports  map[uuid.UUID]*model.Report
	payments map[uuid.UUID]*model.Payment
	events   map[uuid.UUID]*model.CollectionEvent

	completeErr error // одноразовый сбой CompleteReport
}

func newStubRepo() *stubRepo {
	return &stubRepo{
		users:    make(map[uuid.UUID]*model.User),
		reports:  make(map[uuid.UUID]*model.Report),
		payments: make(map[uuid.UUID]*model.Payment),
		events:   make(map[uuid.UUID]*model.CollectionEvent),
	}
}

func (r *stubRepo) Close() error { return nil }

func (r *stubRepo) CreateUser(_ context.Context, u *model.User) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, existing := range r.users {
		if existing.Phone == u.Phone {
			return repository.ErrUserExists
		}
	}
	cp := *u
	r.users[u.ID] = &cp
	return nil
}

func (r *stubRepo) GetUserByPhone(_ context.Context, phone string) (*model.User, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, u := range r.users {
		if u.Phone == phone {
			cp := *u
			return &cp, nil
		}
	}
	return nil, repository.ErrNotFound
}

func (r *stubRepo) GetUserByID(_ context.Context, id uuid.UUID) (*model.User, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	u, ok := r.users[id]
	if !ok {
		return nil, repository.ErrNotFound
	}
	cp := *u
	return &cp, nil
}

func (r *stubRepo) UpdateCollectorLocation(_ context.Context, id uuid.UUID, loc model.Location, at time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	u, ok := r.users[id]
	if !ok || u.Role != model.RoleCollector || !u.Active {
		return repository.ErrNotFound
	}
	u.CurrentLocation = &loc
	u.LocationUpdatedAt = &at
	return nil
}

func (r *stubRepo) GetActiveCollectors(_ context.Context, cutoff time.Time) ([]model.User, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var res []model.User
	for _, u := range r.users {
		if u.Role != model.RoleCollector || !u.Active {
			continue
		}
		if u.CurrentLocation == nil || u.LocationUpdatedAt == nil || u.LocationUpdatedAt.Before(cutoff) {
			continue
		}
		res = append(res, *u)
	}
	return res, nil
}

func (r *stubRepo) CreateReport(_ context.Context, rep *model.Report) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	cp := *rep
	r.reports[rep.ID] = &cp
	return nil
}

func (r *stubRepo) GetReport(_ context.Context, id uuid.UUID) (*model.Report, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	rep, ok := r.reports[id]
	if !ok {
		return nil, repository.ErrNotFound
	}
	cp := *rep
	return &cp, nil
}

func (r *stubRepo) ListReportsByResident(_ context.Context, residentID uuid.UUID) ([]model.Report, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var res []model.Report
	for _, rep := range r.reports {
		if rep.ReporterID == residentID {
			res = append(res, *rep)
		}
	}
	return res, nil
}

func (r *stubRepo) ListAvailableReports(_ context.Context) ([]model.Report, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var res []model.Report
	for _, rep := range r.reports {
		if rep.Status == model.ReportStatusPaymentConfirmed && rep.CollectorID == nil {
			res = append(res, *rep)
		}
	}
	return res, nil
}

func (r *stubRepo) ClaimReport(_ context.Context, reportID, collectorID uuid.UUID, at time.Time) (*model.Report, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	rep, ok := r.reports[reportID]
	if !ok {
		return nil, repository.ErrNotFound
	}
	if rep.CollectorID != nil {
		return nil, repository.ErrAlreadyAssigned
	}
	if rep.Status != model.ReportStatusPaymentConfirmed {
		return nil, fmt.Errorf("%w: %s", repository.ErrStatusConflict, rep.Status)
	}
	rep.CollectorID = &collectorID
	rep.Status = model.ReportStatusAssigned
	rep.AssignedAt = &at
	cp := *rep
	return &cp, nil
}

func (r *stubRepo) ConfirmReportPayment(_ context.Context, reportID uuid.UUID) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	rep, ok := r.reports[reportID]
	if !ok {
		return repository.ErrNotFound
	}
	if rep.Status != model.ReportStatusPendingPayment {
		return fmt.Errorf("%w: %s", repository.ErrStatusConflict, rep.Status)
	}
	rep.Status = model.ReportStatusPaymentConfirmed
	return nil
}

func (r *stubRepo) StartReport(_ context.Context, reportID, collectorID uuid.UUID) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	rep, ok := r.reports[reportID]
	if !ok {
		return repository.ErrNotFound
	}
	if rep.Status != model.ReportStatusAssigned || rep.CollectorID == nil || *rep.CollectorID != collectorID {
		return fmt.Errorf("%w: %s", repository.ErrStatusConflict, rep.Status)
	}
	rep.Status = model.ReportStatusInProgress
	return nil
}

func (r *stubRepo) CompleteReport(_ context.Context, reportID, collectorID uuid.UUID, at time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.completeErr != nil {
		err := r.completeErr
		r.completeErr = nil
		return err
	}
	rep, ok := r.reports[reportID]
	if !ok {
		return repository.ErrNotFound
	}
	if rep.Status != model.ReportStatusInProgress || rep.CollectorID == nil || *rep.CollectorID != collectorID {
		return fmt.Errorf("%w: %s", repository.ErrStatusConflict, rep.Status)
	}
	rep.Status = model.ReportStatusCompleted
	rep.CompletedAt = &at
	return nil
}

func (r *stubRepo) CancelReport(_ context.Context, reportID uuid.UUID) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	rep, ok := r.reports[reportID]
	if !ok {
		return repository.ErrNotFound
	}
	if rep.Status != model.ReportStatusPendingPayment && rep.Status != model.ReportStatusPaymentConfirmed {
		return fmt.Errorf("%w: %s", repository.ErrStatusConflict, rep.Status)
	}
	rep.Status = model.ReportStatusCancelled
	return nil
}

func (r *stubRepo) CreatePayment(_ context.Context, p *model.Payment) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, existing := range r.payments {
		if existing.ReportID == p.ReportID && existing.Status == model.PaymentStatusSuccessful {
			return repository.ErrPaymentConflict
		}
	}
	cp := *p
	r.payments[p.ID] = &cp
	return nil
}

func (r *stubRepo) GetPaymentByRef(_ context.Context, ref model.ProviderRef) (*model.Payment, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, p := range r.payments {
		if p.Ref == ref {
			cp := *p
			return &cp, nil
		}
	}
	return nil, repository.ErrNotFound
}

func (r *stubRepo) MarkPaymentProcessing(_ context.Context, id uuid.UUID) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.payments[id]
	if !ok {
		return repository.ErrNotFound
	}
	if p.Status == model.PaymentStatusPending {
		p.Status = model.PaymentStatusProcessing
	}
	return nil
}

func (r *stubRepo) MarkPaymentTerminal(_ context.Context, id uuid.UUID, status model.PaymentStatus, rawPayload []byte, at time.Time) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.payments[id]
	if !ok {
		return false, repository.ErrNotFound
	}
	if p.Status.Terminal() {
		return false, nil
	}
	p.Status = status
	p.RawPayload = rawPayload
	p.CompletedAt = &at
	return true, nil
}

func (r *stubRepo) ListConfirmablePayments(_ context.Context, limit int) ([]model.Payment, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var res []model.Payment
	for _, p := range r.payments {
		if p.Status != model.PaymentStatusSuccessful {
			continue
		}
		rep, ok := r.reports[p.ReportID]
		if !ok || rep.Status != model.ReportStatusPendingPayment {
			continue
		}
		res = append(res, *p)
		if len(res) == limit {
			break
		}
	}
	return res, nil
}

func (r *stubRepo) CreateCollectionEvent(_ context.Context, e *model.CollectionEvent) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.events[e.ReportID]; ok {
		return repository.ErrCollectionEventExists
	}
	cp := *e
	r.events[e.ReportID] = &cp
	return nil
}

func (r *stubRepo) GetCollectionEvent(_ context.Context, reportID uuid.UUID) (*model.CollectionEvent, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.events[reportID]
	if !ok {
		return nil, repository.ErrNotFound
	}
	cp := *e
	return &cp, nil
}

type fakeProvider struct {
	name     string
	failInit bool

	mu        sync.Mutex
	initiated int
}

func (p *fakeProvider) Name() string { return p.name }

func (p *fakeProvider) Initiate(_ context.Context, req gateway.InitiateRequest) (*gateway.Handle, error) {
	p.mu.Lock()
	p.initiated++
	p.mu.Unlock()
	if p.failInit {
		return nil, errors.New("gateway unavailable")
	}
	return &gateway.Handle{Provider: p.name, Reference: req.Reference}, nil
}

func (p *fakeProvider) TranslateStatus(raw string) model.PaymentStatus {
	switch strings.ToUpper(raw) {
	case "SUCCESSFUL", "TS":
		return model.PaymentStatusSuccessful
	case "FAILED", "TF":
		return model.PaymentStatusFailed
	default:
		return model.PaymentStatusPending
	}
}

func newTestService(repo *stubRepo, providers ...gateway.Provider) *Service {
	logger := zap.NewNop()
	registry := gateway.NewRegistry(providers...)
	dispatcher := notify.NewDispatcher(notify.Noop{}, logger)
	engine := reconcile.NewEngine(repo, registry.TranslateStatus, dispatcher, logger)
	return NewService(repo, registry, engine, dispatcher, logger, Options{
		CollectionFee:     5000,
		Currency:          "UGX",
		LocationStaleness: 15 * time.Minute,
		NearestLimit:      5,
	})
}

func seedUser(t *testing.T, repo *stubRepo, role model.Role, phone string) *model.User {
	t.Helper()
	u := &model.User{
		ID:        uuid.New(),
		Phone:     phone,
		Name:      string(role) + " " + phone,
		Role:      role,
		Active:    true,
		CreatedAt: time.Now(),
	}
	if err := repo.CreateUser(context.Background(), u); err != nil {
		t.Fatalf("seed user: %v", err)
	}
	return u
}

// TestCollectionScenario проводит заявку через весь жизненный цикл: подача,
// оплата через шлюз, назначение, начало и подтверждение вывоза.
func TestCollectionScenario(t *testing.T) {
	ctx := context.Background()
	repo := newStubRepo()
	momo := &fakeProvider{name: "momo"}
	svc := newTestService(repo, momo)

	resident, err := svc.RegisterUser(ctx, "+256700000001", "Amina", "secret", model.RoleResident, nil)
	if err != nil {
		t.Fatalf("register resident: %v", err)
	}
	collector, err := svc.RegisterUser(ctx, "+256700000002", "Okello", "secret", model.RoleCollector, nil)
	if err != nil {
		t.Fatalf("register collector: %v", err)
	}

	collectorLoc := model.Location{Latitude: 0.3163, Longitude: 32.5822}
	if err := svc.UpdateCollectorLocation(ctx, collector.ID, collectorLoc); err != nil {
		t.Fatalf("update collector location: %v", err)
	}

	reportLoc := model.Location{Latitude: 0.3476, Longitude: 32.6169}
	rep, err := svc.SubmitReport(ctx, resident.ID, reportLoc, "куча у рынка", model.VolumeMedium)
	if err != nil {
		t.Fatalf("submit report: %v", err)
	}
	if rep.Status != model.ReportStatusPendingPayment {
		t.Fatalf("expected PENDING_PAYMENT, got %s", rep.Status)
	}
	if rep.FeeAmount != 5000 || rep.Currency != "UGX" {
		t.Fatalf("unexpected fee %d %s", rep.FeeAmount, rep.Currency)
	}

	payment, handle, err := svc.InitiatePayment(ctx, resident.ID, rep.ID, "momo")
	if err != nil {
		t.Fatalf("initiate payment: %v", err)
	}
	if handle.Reference != payment.Ref.Reference {
		t.Fatalf("handle reference mismatch")
	}
	if momo.initiated != 1 {
		t.Fatalf("expected one gateway call, got %d", momo.initiated)
	}

	payload := []byte(`{"referenceId":"` + payment.Ref.Reference + `","status":"SUCCESSFUL"}`)
	res := svc.HandleGatewayCallback(ctx, "momo", payload)
	if res.Outcome != reconcile.OutcomeApplied {
		t.Fatalf("expected applied, got %s", res.Outcome)
	}

	rep, err = svc.GetReport(ctx, resident.ID, rep.ID)
	if err != nil {
		t.Fatalf("get report: %v", err)
	}
	if rep.Status != model.ReportStatusPaymentConfirmed {
		t.Fatalf("expected PAYMENT_CONFIRMED, got %s", rep.Status)
	}

	ranked, err := svc.NearestCollectors(ctx, reportLoc, 0)
	if err != nil {
		t.Fatalf("nearest collectors: %v", err)
	}
	if len(ranked) != 1 || ranked[0].Collector.ID != collector.ID {
		t.Fatalf("expected single ranked collector")
	}
	if math.Abs(ranked[0].DistanceMeters-5196.19) > 0.5 {
		t.Fatalf("unexpected distance %.2f", ranked[0].DistanceMeters)
	}

	if _, err := svc.ClaimReport(ctx, collector.ID, rep.ID); err != nil {
		t.Fatalf("claim: %v", err)
	}
	if _, err := svc.StartCollection(ctx, collector.ID, rep.ID); err != nil {
		t.Fatalf("start: %v", err)
	}

	event, err := svc.VerifyCollection(ctx, collector.ID, rep.ID, collectorLoc, "QR-1")
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if !event.CodePresented {
		t.Fatalf("expected code presented")
	}
	if math.Abs(event.DistanceFromReport-5196.19) > 0.5 {
		t.Fatalf("unexpected event distance %.2f", event.DistanceFromReport)
	}

	rep, err = svc.GetReport(ctx, collector.ID, rep.ID)
	if err != nil {
		t.Fatalf("get report after verify: %v", err)
	}
	if rep.Status != model.ReportStatusCompleted {
		t.Fatalf("expected COMPLETED, got %s", rep.Status)
	}
}

// TestClaimRace проверяет, что из конкурентных попыток взять заявку
// выигрывает ровно одна.
func TestClaimRace(t *testing.T) {
	ctx := context.Background()
	repo := newStubRepo()
	svc := newTestService(repo)

	resident := seedUser(t, repo, model.RoleResident, "+256700000010")
	rep := &model.Report{
		ID:         uuid.New(),
		ReporterID: resident.ID,
		Location:   model.Location{Latitude: 0.3476, Longitude: 32.6169},
		Volume:     model.VolumeSmall,
		Status:     model.ReportStatusPaymentConfirmed,
		FeeAmount:  5000,
		Currency:   "UGX",
		ReportedAt: time.Now(),
	}
	if err := repo.CreateReport(ctx, rep); err != nil {
		t.Fatalf("seed report: %v", err)
	}

	const workers = 8
	collectors := make([]*model.User, workers)
	for i := range collectors {
		collectors[i] = seedUser(t, repo, model.RoleCollector, fmt.Sprintf("+25670000002%d", i))
	}

	errs := make([]error, workers)
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = svc.ClaimReport(ctx, collectors[i].ID, rep.ID)
		}(i)
	}
	wg.Wait()

	var won int
	for i, err := range errs {
		switch {
		case err == nil:
			won++
		case errors.Is(err, repository.ErrAlreadyAssigned):
		default:
			t.Fatalf("worker %d: expected ErrAlreadyAssigned, got %v", i, err)
		}
	}
	if won != 1 {
		t.Fatalf("expected exactly one winner, got %d", won)
	}
}

// TestClaimReport_SecondCollectorGetsAlreadyAssigned: повторная попытка
// взять занятую заявку возвращает ErrAlreadyAssigned, а не ошибку перехода.
func TestClaimReport_SecondCollectorGetsAlreadyAssigned(t *testing.T) {
	ctx := context.Background()
	repo := newStubRepo()
	svc := newTestService(repo)

	resident := seedUser(t, repo, model.RoleResident, "+256700000110")
	first := seedUser(t, repo, model.RoleCollector, "+256700000111")
	second := seedUser(t, repo, model.RoleCollector, "+256700000112")

	rep := &model.Report{
		ID:         uuid.New(),
		ReporterID: resident.ID,
		Status:     model.ReportStatusPaymentConfirmed,
		FeeAmount:  5000,
		Currency:   "UGX",
		ReportedAt: time.Now(),
	}
	if err := repo.CreateReport(ctx, rep); err != nil {
		t.Fatalf("seed report: %v", err)
	}

	if _, err := svc.ClaimReport(ctx, first.ID, rep.ID); err != nil {
		t.Fatalf("first claim: %v", err)
	}

	_, err := svc.ClaimReport(ctx, second.ID, rep.ID)
	if !errors.Is(err, repository.ErrAlreadyAssigned) {
		t.Fatalf("expected ErrAlreadyAssigned, got %v", err)
	}
	var invalid *lifecycle.InvalidTransitionError
	if errors.As(err, &invalid) {
		t.Fatalf("assigned report must not surface a transition error")
	}
}

func TestInitiatePaymentConflicts(t *testing.T) {
	ctx := context.Background()
	repo := newStubRepo()
	svc := newTestService(repo, &fakeProvider{name: "momo"})

	resident := seedUser(t, repo, model.RoleResident, "+256700000030")
	other := seedUser(t, repo, model.RoleResident, "+256700000031")

	rep := &model.Report{
		ID:         uuid.New(),
		ReporterID: resident.ID,
		Status:     model.ReportStatusPendingPayment,
		FeeAmount:  5000,
		Currency:   "UGX",
		ReportedAt: time.Now(),
	}
	if err := repo.CreateReport(ctx, rep); err != nil {
		t.Fatalf("seed report: %v", err)
	}

	if _, _, err := svc.InitiatePayment(ctx, other.ID, rep.ID, "momo"); !errors.Is(err, lifecycle.ErrActorNotAllowed) {
		t.Fatalf("expected ErrActorNotAllowed for foreign report, got %v", err)
	}
	if _, _, err := svc.InitiatePayment(ctx, resident.ID, rep.ID, "paypal"); !errors.Is(err, ErrUnknownProvider) {
		t.Fatalf("expected ErrUnknownProvider, got %v", err)
	}

	confirmed := &model.Report{
		ID:         uuid.New(),
		ReporterID: resident.ID,
		Status:     model.ReportStatusPaymentConfirmed,
		FeeAmount:  5000,
		Currency:   "UGX",
		ReportedAt: time.Now(),
	}
	if err := repo.CreateReport(ctx, confirmed); err != nil {
		t.Fatalf("seed confirmed report: %v", err)
	}
	if _, _, err := svc.InitiatePayment(ctx, resident.ID, confirmed.ID, "momo"); !errors.Is(err, repository.ErrPaymentConflict) {
		t.Fatalf("expected ErrPaymentConflict, got %v", err)
	}

	cancelled := &model.Report{
		ID:         uuid.New(),
		ReporterID: resident.ID,
		Status:     model.ReportStatusCancelled,
		FeeAmount:  5000,
		Currency:   "UGX",
		ReportedAt: time.Now(),
	}
	if err := repo.CreateReport(ctx, cancelled); err != nil {
		t.Fatalf("seed cancelled report: %v", err)
	}
	if _, _, err := svc.InitiatePayment(ctx, resident.ID, cancelled.ID, "momo"); !errors.Is(err, repository.ErrStatusConflict) {
		t.Fatalf("expected ErrStatusConflict, got %v", err)
	}
}

// TestInitiatePaymentGatewayFailure: при отказе шлюза попытка оплаты
// отменяется, и повторная инициация остаётся возможной.
func TestInitiatePaymentGatewayFailure(t *testing.T) {
	ctx := context.Background()
	repo := newStubRepo()
	broken := &fakeProvider{name: "momo", failInit: true}
	svc := newTestService(repo, broken)

	resident := seedUser(t, repo, model.RoleResident, "+256700000040")
	rep := &model.Report{
		ID:         uuid.New(),
		ReporterID: resident.ID,
		Status:     model.ReportStatusPendingPayment,
		FeeAmount:  5000,
		Currency:   "UGX",
		ReportedAt: time.Now(),
	}
	if err := repo.CreateReport(ctx, rep); err != nil {
		t.Fatalf("seed report: %v", err)
	}

	if _, _, err := svc.InitiatePayment(ctx, resident.ID, rep.ID, "momo"); err == nil {
		t.Fatalf("expected gateway error")
	}

	for _, p := range repo.payments {
		if !p.Status.Terminal() {
			t.Fatalf("expected failed attempt to be cancelled, got %s", p.Status)
		}
	}

	broken.failInit = false
	if _, _, err := svc.InitiatePayment(ctx, resident.ID, rep.ID, "momo"); err != nil {
		t.Fatalf("retry after gateway failure: %v", err)
	}
}

func TestNearestCollectorsRanking(t *testing.T) {
	ctx := context.Background()
	repo := newStubRepo()
	svc := newTestService(repo)

	origin := model.Location{Latitude: 0, Longitude: 0}
	now := time.Now()

	// Сборщики на 1, 2 и 3 градусах долготы от начала координат.
	var placed []*model.User
	for i := 1; i <= 3; i++ {
		u := seedUser(t, repo, model.RoleCollector, fmt.Sprintf("+25670000005%d", i))
		loc := model.Location{Latitude: 0, Longitude: float64(i)}
		repo.mu.Lock()
		repo.users[u.ID].CurrentLocation = &loc
		repo.users[u.ID].LocationUpdatedAt = &now
		repo.mu.Unlock()
		placed = append(placed, u)
	}

	// Устаревшая точка исключается из кандидатов.
	stale := seedUser(t, repo, model.RoleCollector, "+256700000059")
	staleAt := now.Add(-time.Hour)
	repo.mu.Lock()
	repo.users[stale.ID].CurrentLocation = &model.Location{Latitude: 0, Longitude: 0.1}
	repo.users[stale.ID].LocationUpdatedAt = &staleAt
	repo.mu.Unlock()

	ranked, err := svc.NearestCollectors(ctx, origin, 0)
	if err != nil {
		t.Fatalf("nearest collectors: %v", err)
	}
	if len(ranked) != 3 {
		t.Fatalf("expected 3 candidates, got %d", len(ranked))
	}
	for i := 1; i < len(ranked); i++ {
		if ranked[i-1].DistanceMeters > ranked[i].DistanceMeters {
			t.Fatalf("distances are not ascending")
		}
	}
	if ranked[0].Collector.ID != placed[0].ID {
		t.Fatalf("nearest collector mismatch")
	}
	if math.Abs(ranked[0].DistanceMeters-111194.93) > 1 {
		t.Fatalf("unexpected distance %.2f", ranked[0].DistanceMeters)
	}

	limited, err := svc.NearestCollectors(ctx, origin, 2)
	if err != nil {
		t.Fatalf("nearest collectors with limit: %v", err)
	}
	if len(limited) != 2 {
		t.Fatalf("expected truncation to 2, got %d", len(limited))
	}
}

// TestNearestCollectorsTieBreak: при равных расстояниях порядок определяется
// идентификатором и не зависит от порядка обхода.
func TestNearestCollectorsTieBreak(t *testing.T) {
	ctx := context.Background()
	repo := newStubRepo()
	svc := newTestService(repo)

	origin := model.Location{Latitude: 0, Longitude: 0}
	now := time.Now()
	same := model.Location{Latitude: 0, Longitude: 1}

	for i := 0; i < 4; i++ {
		u := seedUser(t, repo, model.RoleCollector, fmt.Sprintf("+25670000006%d", i))
		repo.mu.Lock()
		repo.users[u.ID].CurrentLocation = &same
		repo.users[u.ID].LocationUpdatedAt = &now
		repo.mu.Unlock()
	}

	first, err := svc.NearestCollectors(ctx, origin, 0)
	if err != nil {
		t.Fatalf("nearest collectors: %v", err)
	}
	for attempt := 0; attempt < 5; attempt++ {
		again, err := svc.NearestCollectors(ctx, origin, 0)
		if err != nil {
			t.Fatalf("nearest collectors: %v", err)
		}
		for i := range first {
			if first[i].Collector.ID != again[i].Collector.ID {
				t.Fatalf("ranking is not deterministic")
			}
		}
	}
	for i := 1; i < len(first); i++ {
		if first[i-1].Collector.ID.String() > first[i].Collector.ID.String() {
			t.Fatalf("tie-break order is not by id")
		}
	}
}

func TestHandleGatewayCallbackNormalization(t *testing.T) {
	ctx := context.Background()
	repo := newStubRepo()
	svc := newTestService(repo, &fakeProvider{name: "airtel"})

	resident := seedUser(t, repo, model.RoleResident, "+256700000070")
	rep := &model.Report{
		ID:         uuid.New(),
		ReporterID: resident.ID,
		Status:     model.ReportStatusPendingPayment,
		FeeAmount:  5000,
		Currency:   "UGX",
		ReportedAt: time.Now(),
	}
	if err := repo.CreateReport(ctx, rep); err != nil {
		t.Fatalf("seed report: %v", err)
	}

	payment := &model.Payment{
		ID:          uuid.New(),
		ReportID:    rep.ID,
		ResidentID:  resident.ID,
		Ref:         model.ProviderRef{Provider: "airtel", Reference: "atx-100"},
		Amount:      5000,
		Currency:    "UGX",
		Status:      model.PaymentStatusPending,
		InitiatedAt: time.Now(),
	}
	if err := repo.CreatePayment(ctx, payment); err != nil {
		t.Fatalf("seed payment: %v", err)
	}

	res := svc.HandleGatewayCallback(ctx, "airtel", []byte(`{"transaction_id":"atx-100","transaction_status":"TS"}`))
	if res.Outcome != reconcile.OutcomeApplied {
		t.Fatalf("expected applied for airtel dialect, got %s", res.Outcome)
	}

	res = svc.HandleGatewayCallback(ctx, "airtel", []byte(`{"transaction_id":"no-such-ref","transaction_status":"TS"}`))
	if res.Outcome != reconcile.OutcomeNotFound {
		t.Fatalf("expected not_found for unknown reference, got %s", res.Outcome)
	}

	res = svc.HandleGatewayCallback(ctx, "airtel", []byte(`{malformed`))
	if res.Outcome != reconcile.OutcomeNotFound {
		t.Fatalf("expected not_found for malformed payload, got %s", res.Outcome)
	}
}

func TestAuthenticateUser(t *testing.T) {
	ctx := context.Background()
	repo := newStubRepo()
	svc := newTestService(repo)

	if _, err := svc.RegisterUser(ctx, "+256700000080", "Amina", "secret", model.RoleResident, nil); err != nil {
		t.Fatalf("register: %v", err)
	}

	u, err := svc.AuthenticateUser(ctx, "+256700000080", "secret")
	if err != nil {
		t.Fatalf("authenticate: %v", err)
	}
	if u.Phone != "+256700000080" {
		t.Fatalf("unexpected user %s", u.Phone)
	}

	if _, err := svc.AuthenticateUser(ctx, "+256700000080", "wrong"); !errors.Is(err, ErrInvalidCredentials) {
		t.Fatalf("expected ErrInvalidCredentials, got %v", err)
	}
	if _, err := svc.AuthenticateUser(ctx, "+256700000099", "secret"); !errors.Is(err, ErrInvalidCredentials) {
		t.Fatalf("expected ErrInvalidCredentials for unknown phone, got %v", err)
	}
}

func TestCancelReport(t *testing.T) {
	ctx := context.Background()
	repo := newStubRepo()
	svc := newTestService(repo)

	resident := seedUser(t, repo, model.RoleResident, "+256700000090")
	collector := seedUser(t, repo, model.RoleCollector, "+256700000091")

	rep := &model.Report{
		ID:         uuid.New(),
		ReporterID: resident.ID,
		Status:     model.ReportStatusPendingPayment,
		FeeAmount:  5000,
		Currency:   "UGX",
		ReportedAt: time.Now(),
	}
	if err := repo.CreateReport(ctx, rep); err != nil {
		t.Fatalf("seed report: %v", err)
	}

	if _, err := svc.CancelReport(ctx, collector.ID, rep.ID); !errors.Is(err, lifecycle.ErrActorNotAllowed) {
		t.Fatalf("expected ErrActorNotAllowed for collector cancel, got %v", err)
	}

	cancelled, err := svc.CancelReport(ctx, resident.ID, rep.ID)
	if err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if cancelled.Status != model.ReportStatusCancelled {
		t.Fatalf("expected CANCELLED, got %s", cancelled.Status)
	}

	assigned := &model.Report{
		ID:          uuid.New(),
		ReporterID:  resident.ID,
		Status:      model.ReportStatusAssigned,
		CollectorID: &collector.ID,
		FeeAmount:   5000,
		Currency:    "UGX",
		ReportedAt:  time.Now(),
	}
	if err := repo.CreateReport(ctx, assigned); err != nil {
		t.Fatalf("seed assigned report: %v", err)
	}

	var invalid *lifecycle.InvalidTransitionError
	if _, err := svc.CancelReport(ctx, resident.ID, assigned.ID); !errors.As(err, &invalid) {
		t.Fatalf("expected InvalidTransitionError after assignment, got %v", err)
	}
}

// TestVerifyCollection_RetryAfterCompleteFailure: сбой между записью
// подтверждения и сменой статуса не оставляет заявку без записи — повтор
// verify находит созданную запись и достраивает статус.
func TestVerifyCollection_RetryAfterCompleteFailure(t *testing.T) {
	ctx := context.Background()
	repo := newStubRepo()
	svc := newTestService(repo)

	resident := seedUser(t, repo, model.RoleResident, "+256700000120")
	collector := seedUser(t, repo, model.RoleCollector, "+256700000121")

	rep := &model.Report{
		ID:          uuid.New(),
		ReporterID:  resident.ID,
		Location:    model.Location{Latitude: 0.3476, Longitude: 32.6169},
		Status:      model.ReportStatusInProgress,
		CollectorID: &collector.ID,
		FeeAmount:   5000,
		Currency:    "UGX",
		ReportedAt:  time.Now(),
	}
	if err := repo.CreateReport(ctx, rep); err != nil {
		t.Fatalf("seed report: %v", err)
	}

	loc := model.Location{Latitude: 0.3163, Longitude: 32.5822}

	repo.completeErr = errors.New("write tcp: broken connection")
	if _, err := svc.VerifyCollection(ctx, collector.ID, rep.ID, loc, "QR-1"); err == nil {
		t.Fatalf("expected an error from the failed completion")
	}

	repo.mu.Lock()
	recorded, hasEvent := repo.events[rep.ID]
	status := repo.reports[rep.ID].Status
	repo.mu.Unlock()
	if !hasEvent {
		t.Fatalf("expected the collection event to be recorded before completion")
	}
	if status != model.ReportStatusInProgress {
		t.Fatalf("report status = %s, want IN_PROGRESS after the failure", status)
	}

	event, err := svc.VerifyCollection(ctx, collector.ID, rep.ID, loc, "QR-1")
	if err != nil {
		t.Fatalf("retry verify: %v", err)
	}
	if event.ID != recorded.ID {
		t.Fatalf("retry must return the originally recorded event")
	}

	repo.mu.Lock()
	status = repo.reports[rep.ID].Status
	eventCount := len(repo.events)
	repo.mu.Unlock()
	if status != model.ReportStatusCompleted {
		t.Fatalf("report status = %s, want COMPLETED after retry", status)
	}
	if eventCount != 1 {
		t.Fatalf("expected exactly one collection event, got %d", eventCount)
	}
}

// TestStartProjectionRepair_StopsOnCancel: цикл достройки блокируется до
// отмены контекста и завершается сразу после неё.
func TestStartProjectionRepair_StopsOnCancel(t *testing.T) {
	svc := newTestService(newStubRepo())

	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan struct{})
	go func() {
		svc.StartProjectionRepair(ctx)
		close(done)
	}()

	cancel()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatalf("repair loop did not stop after context cancellation")
	}
}

func TestListAvailableReportsSortedByDistance(t *testing.T) {
	ctx := context.Background()
	repo := newStubRepo()
	svc := newTestService(repo)

	resident := seedUser(t, repo, model.RoleResident, "+256700000100")
	collector := seedUser(t, repo, model.RoleCollector, "+256700000101")
	now := time.Now()
	repo.mu.Lock()
	repo.users[collector.ID].CurrentLocation = &model.Location{Latitude: 0, Longitude: 0}
	repo.users[collector.ID].LocationUpdatedAt = &now
	repo.mu.Unlock()

	for _, lon := range []float64{3, 1, 2} {
		rep := &model.Report{
			ID:         uuid.New(),
			ReporterID: resident.ID,
			Location:   model.Location{Latitude: 0, Longitude: lon},
			Status:     model.ReportStatusPaymentConfirmed,
			FeeAmount:  5000,
			Currency:   "UGX",
			ReportedAt: time.Now(),
		}
		if err := repo.CreateReport(ctx, rep); err != nil {
			t.Fatalf("seed report: %v", err)
		}
	}

	available, err := svc.ListAvailableReports(ctx, collector.ID)
	if err != nil {
		t.Fatalf("list available: %v", err)
	}
	if len(available) != 3 {
		t.Fatalf("expected 3 reports, got %d", len(available))
	}
	for i, want := range []float64{1, 2, 3} {
		if available[i].Report.Location.Longitude != want {
			t.Fatalf("reports are not sorted by distance")
		}
		if available[i].DistanceMeters == nil {
			t.Fatalf("expected distance for located collector")
		}
	}

	if _, err := svc.ListAvailableReports(ctx, resident.ID); !errors.Is(err, lifecycle.ErrActorNotAllowed) {
		t.Fatalf("expected ErrActorNotAllowed for resident, got %v", err)
	}
}
