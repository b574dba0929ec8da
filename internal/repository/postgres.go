// Package repository содержит реализацию доступа к данным в PostgreSQL.
package repository

import (
	"context"
	"embed"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"
	"github.com/pressly/goose/v3"

	"github.com/mmeshcher/wastehub-system/internal/model"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// ErrUserExists возвращается при попытке создать пользователя с уже занятым телефоном.
var (
	ErrUserExists = errors.New("user already exists")
	// ErrNotFound возвращается, если сущность не найдена.
	ErrNotFound = errors.New("entity not found")
	// ErrAlreadyAssigned возвращается проигравшему гонку за заявку сборщику.
	ErrAlreadyAssigned = errors.New("report already assigned")
	// ErrPaymentConflict возвращается при второй попытке оплаты уже оплаченной заявки.
	ErrPaymentConflict = errors.New("report already has a successful payment")
	// ErrStatusConflict возвращается, когда условное обновление не прошло по текущему статусу.
	ErrStatusConflict = errors.New("status precondition failed")
	// ErrCollectionEventExists возвращается при повторной записи подтверждения вывоза.
	ErrCollectionEventExists = errors.New("collection event already recorded")
	// ErrUnavailable возвращается, когда хранилище недоступно после повторных попыток.
	ErrUnavailable = errors.New("storage unavailable")
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

func (r *PostgresRepository) withRetry(ctx context.Context, fn func() error) error {
	var err error
	delays := []time.Duration{1 * time.Second, 3 * time.Second, 5 * time.Second}

	for i := 0; i <= len(delays); i++ {
		err = fn()
		if err == nil {
			return nil
		}

		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return err
		}

		// Ретраи нужны для Serialization Failure и Deadlock; с переподключением
		// pgxpool справляется сам.
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) {
			if pgErr.Code == pgerrcode.SerializationFailure || pgErr.Code == pgerrcode.DeadlockDetected {
				if i < len(delays) {
					if sleepErr := sleepCtx(ctx, delays[i]); sleepErr != nil {
						return sleepErr
					}
					continue
				}
			}
		}

		if isConnectionError(err) {
			if i < len(delays) {
				if sleepErr := sleepCtx(ctx, delays[i]); sleepErr != nil {
					return sleepErr
				}
				continue
			}
			return fmt.Errorf("%w: %s", ErrUnavailable, err.Error())
		}

		break
	}
	return err
}

// sleepCtx ждёт d, но прерывается отменой контекста.
func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

func isConnectionError(err error) bool {
	return strings.Contains(err.Error(), "connection refused") ||
		strings.Contains(err.Error(), "broken pipe") ||
		strings.Contains(err.Error(), "connection reset by peer")
}

// Close закрывает пул соединений с БД.
func (r *PostgresRepository) Close() error {
	r.pool.Close()
	return nil
}

// CreateUser создаёт нового пользователя.
func (r *PostgresRepository) CreateUser(ctx context.Context, u *model.User) error {
	var homeLat, homeLon *float64
	if u.HomeLocation != nil {
		homeLat = &u.HomeLocation.Latitude
		homeLon = &u.HomeLocation.Longitude
	}

	_, err := r.pool.Exec(ctx,
		`INSERT INTO users (id, phone, name, password_hash, role, active, home_lat, home_lon)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		u.ID, u.Phone, u.Name, u.PasswordHash, string(u.Role), u.Active, homeLat, homeLon,
	)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == pgerrcode.UniqueViolation {
			return fmt.Errorf("%w: %s", ErrUserExists, u.Phone)
		}
		return fmt.Errorf("create user: %w", err)
	}
	return nil
}

const userColumns = `id, phone, name, password_hash, role, active,
	home_lat, home_lon, current_lat, current_lon, location_updated_at, created_at`

func scanUser(row pgx.Row) (*model.User, error) {
	var (
		u                      model.User
		role                   string
		homeLat, homeLon       *float64
		currentLat, currentLon *float64
	)

	err := row.Scan(&u.ID, &u.Phone, &u.Name, &u.PasswordHash, &role, &u.Active,
		&homeLat, &homeLon, &currentLat, &currentLon, &u.LocationUpdatedAt, &u.CreatedAt)
	if err != nil {
		return nil, err
	}

	u.Role = model.Role(role)
	if homeLat != nil && homeLon != nil {
		u.HomeLocation = &model.Location{Latitude: *homeLat, Longitude: *homeLon}
	}
	if currentLat != nil && currentLon != nil {
		u.CurrentLocation = &model.Location{Latitude: *currentLat, Longitude: *currentLon}
	}

	return &u, nil
}

// GetUserByPhone возвращает пользователя по номеру телефона.
func (r *PostgresRepository) GetUserByPhone(ctx context.Context, phone string) (*model.User, error) {
	row := r.pool.QueryRow(ctx,
		`SELECT `+userColumns+` FROM users WHERE phone = $1`, phone)

	u, err := scanUser(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get user by phone: %w", err)
	}
	return u, nil
}

// GetUserByID возвращает пользователя по идентификатору.
func (r *PostgresRepository) GetUserByID(ctx context.Context, id uuid.UUID) (*model.User, error) {
	row := r.pool.QueryRow(ctx,
		`SELECT `+userColumns+` FROM users WHERE id = $1`, id)

	u, err := scanUser(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get user by id: %w", err)
	}
	return u, nil
}

// UpdateCollectorLocation обновляет текущую точку активного сборщика.
func (r *PostgresRepository) UpdateCollectorLocation(ctx context.Context, id uuid.UUID, loc model.Location, at time.Time) error {
	cmdTag, err := r.pool.Exec(ctx,
		`UPDATE users SET current_lat = $2, current_lon = $3, location_updated_at = $4
		 WHERE id = $1 AND role = $5 AND active`,
		id, loc.Latitude, loc.Longitude, at, string(model.RoleCollector),
	)
	if err != nil {
		return fmt.Errorf("update collector location: %w", err)
	}
	if cmdTag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// GetActiveCollectors возвращает активных сборщиков, чья точка не старше cutoff.
// Сборщики без точки или с устаревшей точкой в выборку не попадают.
func (r *PostgresRepository) GetActiveCollectors(ctx context.Context, cutoff time.Time) ([]model.User, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT `+userColumns+`
		 FROM users
		 WHERE role = $1 AND active
		   AND current_lat IS NOT NULL AND current_lon IS NOT NULL
		   AND location_updated_at >= $2`,
		string(model.RoleCollector), cutoff,
	)
	if err != nil {
		return nil, fmt.Errorf("select active collectors: %w", err)
	}
	defer rows.Close()

	var res []model.User
	for rows.Next() {
		u, err := scanUser(rows)
		if err != nil {
			return nil, fmt.Errorf("scan collector: %w", err)
		}
		res = append(res, *u)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}

	return res, nil
}

// CreateReport сохраняет новую заявку.
func (r *PostgresRepository) CreateReport(ctx context.Context, rep *model.Report) error {
	_, err := r.pool.Exec(ctx,
		`INSERT INTO reports (id, reporter_id, latitude, longitude, description, volume, status, fee_amount, currency, reported_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		rep.ID, rep.ReporterID, rep.Location.Latitude, rep.Location.Longitude,
		rep.Description, string(rep.Volume), string(rep.Status), rep.FeeAmount, rep.Currency, rep.ReportedAt,
	)
	if err != nil {
		return fmt.Errorf("insert report: %w", err)
	}
	return nil
}

const reportColumns = `id, reporter_id, latitude, longitude, description, volume, status,
	fee_amount, currency, collector_id, reported_at, assigned_at, completed_at`

func scanReport(row pgx.Row) (*model.Report, error) {
	var (
		rep            model.Report
		volume, status string
	)

	err := row.Scan(&rep.ID, &rep.ReporterID, &rep.Location.Latitude, &rep.Location.Longitude,
		&rep.Description, &volume, &status, &rep.FeeAmount, &rep.Currency,
		&rep.CollectorID, &rep.ReportedAt, &rep.AssignedAt, &rep.CompletedAt)
	if err != nil {
		return nil, err
	}

	rep.Volume = model.VolumeCategory(volume)
	rep.Status = model.ReportStatus(status)

	return &rep, nil
}

// GetReport возвращает заявку по идентификатору.
func (r *PostgresRepository) GetReport(ctx context.Context, id uuid.UUID) (*model.Report, error) {
	row := r.pool.QueryRow(ctx,
		`SELECT `+reportColumns+` FROM reports WHERE id = $1`, id)

	rep, err := scanReport(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get report: %w", err)
	}
	return rep, nil
}

// ListReportsByResident возвращает заявки жителя, новые первыми.
func (r *PostgresRepository) ListReportsByResident(ctx context.Context, residentID uuid.UUID) ([]model.Report, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT `+reportColumns+`
		 FROM reports
		 WHERE reporter_id = $1
		 ORDER BY reported_at DESC`,
		residentID,
	)
	if err != nil {
		return nil, fmt.Errorf("select reports: %w", err)
	}
	defer rows.Close()

	return collectReports(rows)
}

// ListAvailableReports возвращает оплаченные и ещё не взятые заявки.
func (r *PostgresRepository) ListAvailableReports(ctx context.Context) ([]model.Report, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT `+reportColumns+`
		 FROM reports
		 WHERE status = $1 AND collector_id IS NULL
		 ORDER BY reported_at`,
		string(model.ReportStatusPaymentConfirmed),
	)
	if err != nil {
		return nil, fmt.Errorf("select available reports: %w", err)
	}
	defer rows.Close()

	return collectReports(rows)
}

func collectReports(rows pgx.Rows) ([]model.Report, error) {
	var res []model.Report
	for rows.Next() {
		rep, err := scanReport(rows)
		if err != nil {
			return nil, fmt.Errorf("scan report: %w", err)
		}
		res = append(res, *rep)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}

	return res, nil
}

// ClaimReport назначает заявку сборщику одним условным обновлением.
// Переход PAYMENT_CONFIRMED -> ASSIGNED выполняется только при свободной
// заявке; из конкурентных claim ровно один проходит.
func (r *PostgresRepository) ClaimReport(ctx context.Context, reportID, collectorID uuid.UUID, at time.Time) (*model.Report, error) {
	var rep *model.Report

	err := r.withRetry(ctx, func() error {
		row := r.pool.QueryRow(ctx,
			`UPDATE reports
			 SET status = $3, collector_id = $2, assigned_at = $4
			 WHERE id = $1 AND status = $5 AND collector_id IS NULL
			 RETURNING `+reportColumns,
			reportID, collectorID, string(model.ReportStatusAssigned), at,
			string(model.ReportStatusPaymentConfirmed),
		)

		var scanErr error
		rep, scanErr = scanReport(row)
		if scanErr == nil {
			return nil
		}
		if !errors.Is(scanErr, pgx.ErrNoRows) {
			return fmt.Errorf("claim report: %w", scanErr)
		}

		// Обновление не прошло: выясняем, почему именно.
		var status string
		var assignedTo *uuid.UUID
		err := r.pool.QueryRow(ctx,
			`SELECT status, collector_id FROM reports WHERE id = $1`, reportID,
		).Scan(&status, &assignedTo)
		if err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return ErrNotFound
			}
			return fmt.Errorf("inspect report: %w", err)
		}

		if assignedTo != nil {
			return ErrAlreadyAssigned
		}
		return fmt.Errorf("%w: report status is %s", ErrStatusConflict, status)
	})
	if err != nil {
		return nil, err
	}

	return rep, nil
}

// ConfirmReportPayment переводит заявку PENDING_PAYMENT -> PAYMENT_CONFIRMED.
func (r *PostgresRepository) ConfirmReportPayment(ctx context.Context, reportID uuid.UUID) error {
	return r.conditionalStatusUpdate(ctx,
		`UPDATE reports SET status = $2 WHERE id = $1 AND status = $3`,
		reportID,
		string(model.ReportStatusPaymentConfirmed), string(model.ReportStatusPendingPayment))
}

// StartReport переводит заявку ASSIGNED -> IN_PROGRESS для назначенного сборщика.
func (r *PostgresRepository) StartReport(ctx context.Context, reportID, collectorID uuid.UUID) error {
	return r.conditionalStatusUpdate(ctx,
		`UPDATE reports SET status = $2 WHERE id = $1 AND status = $3 AND collector_id = $4`,
		reportID,
		string(model.ReportStatusInProgress), string(model.ReportStatusAssigned), collectorID)
}

// CompleteReport переводит заявку IN_PROGRESS -> COMPLETED для назначенного сборщика.
func (r *PostgresRepository) CompleteReport(ctx context.Context, reportID, collectorID uuid.UUID, at time.Time) error {
	return r.conditionalStatusUpdate(ctx,
		`UPDATE reports SET status = $2, completed_at = $5 WHERE id = $1 AND status = $3 AND collector_id = $4`,
		reportID,
		string(model.ReportStatusCompleted), string(model.ReportStatusInProgress), collectorID, at)
}

// CancelReport переводит неоплаченную или оплаченную заявку в CANCELLED.
func (r *PostgresRepository) CancelReport(ctx context.Context, reportID uuid.UUID) error {
	return r.conditionalStatusUpdate(ctx,
		`UPDATE reports SET status = $2 WHERE id = $1 AND status IN ($3, $4)`,
		reportID,
		string(model.ReportStatusCancelled),
		string(model.ReportStatusPendingPayment), string(model.ReportStatusPaymentConfirmed))
}

func (r *PostgresRepository) conditionalStatusUpdate(ctx context.Context, query string, reportID uuid.UUID, args ...any) error {
	return r.withRetry(ctx, func() error {
		queryArgs := append([]any{reportID}, args...)
		cmdTag, err := r.pool.Exec(ctx, query, queryArgs...)
		if err != nil {
			return fmt.Errorf("update report status: %w", err)
		}
		if cmdTag.RowsAffected() == 1 {
			return nil
		}

		var status string
		err = r.pool.QueryRow(ctx, `SELECT status FROM reports WHERE id = $1`, reportID).Scan(&status)
		if err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return ErrNotFound
			}
			return fmt.Errorf("inspect report: %w", err)
		}
		return fmt.Errorf("%w: report status is %s", ErrStatusConflict, status)
	})
}

// CreatePayment создаёт попытку оплаты заявки. Попытка для заявки с уже
// успешным платежом отклоняется с ErrPaymentConflict.
func (r *PostgresRepository) CreatePayment(ctx context.Context, p *model.Payment) error {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	var paid bool
	err = tx.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM payments WHERE report_id = $1 AND status = $2)`,
		p.ReportID, string(model.PaymentStatusSuccessful),
	).Scan(&paid)
	if err != nil {
		return fmt.Errorf("check successful payment: %w", err)
	}
	if paid {
		return ErrPaymentConflict
	}

	_, err = tx.Exec(ctx,
		`INSERT INTO payments (id, report_id, resident_id, provider, external_ref, amount, currency, status, initiated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		p.ID, p.ReportID, p.ResidentID, p.Ref.Provider, p.Ref.Reference,
		p.Amount, p.Currency, string(p.Status), p.InitiatedAt,
	)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == pgerrcode.UniqueViolation {
			return fmt.Errorf("%w: reference %s/%s", ErrPaymentConflict, p.Ref.Provider, p.Ref.Reference)
		}
		return fmt.Errorf("insert payment: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}

	return nil
}

const paymentColumns = `id, report_id, resident_id, provider, external_ref,
	amount, currency, status, raw_payload, initiated_at, completed_at`

func scanPayment(row pgx.Row) (*model.Payment, error) {
	var (
		p      model.Payment
		status string
	)

	err := row.Scan(&p.ID, &p.ReportID, &p.ResidentID, &p.Ref.Provider, &p.Ref.Reference,
		&p.Amount, &p.Currency, &status, &p.RawPayload, &p.InitiatedAt, &p.CompletedAt)
	if err != nil {
		return nil, err
	}

	p.Status = model.PaymentStatus(status)

	return &p, nil
}

// GetPaymentByRef возвращает платёж по внешней ссылке провайдера.
func (r *PostgresRepository) GetPaymentByRef(ctx context.Context, ref model.ProviderRef) (*model.Payment, error) {
	row := r.pool.QueryRow(ctx,
		`SELECT `+paymentColumns+` FROM payments WHERE provider = $1 AND external_ref = $2`,
		ref.Provider, ref.Reference,
	)

	p, err := scanPayment(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get payment by ref: %w", err)
	}
	return p, nil
}

// MarkPaymentProcessing переводит платёж PENDING -> PROCESSING.
// Повторный вызов и вызов для терминального платежа — no-op.
func (r *PostgresRepository) MarkPaymentProcessing(ctx context.Context, id uuid.UUID) error {
	_, err := r.pool.Exec(ctx,
		`UPDATE payments SET status = $2 WHERE id = $1 AND status = $3`,
		id, string(model.PaymentStatusProcessing), string(model.PaymentStatusPending),
	)
	if err != nil {
		return fmt.Errorf("mark payment processing: %w", err)
	}
	return nil
}

// MarkPaymentTerminal переводит платёж в терминальный статус одним условным
// обновлением «только если ещё не терминальный» и сообщает, применился ли
// переход. Повторные и конкурентные уведомления шлюза сериализуются здесь.
func (r *PostgresRepository) MarkPaymentTerminal(ctx context.Context, id uuid.UUID, status model.PaymentStatus, rawPayload []byte, at time.Time) (bool, error) {
	var applied bool

	err := r.withRetry(ctx, func() error {
		cmdTag, err := r.pool.Exec(ctx,
			`UPDATE payments SET status = $2, raw_payload = $3, completed_at = $4
			 WHERE id = $1 AND status NOT IN ($5, $6, $7)`,
			id, string(status), rawPayload, at,
			string(model.PaymentStatusSuccessful),
			string(model.PaymentStatusFailed),
			string(model.PaymentStatusCancelled),
		)
		if err != nil {
			var pgErr *pgconn.PgError
			if errors.As(err, &pgErr) && pgErr.Code == pgerrcode.UniqueViolation {
				// Другой платёж этой заявки уже успешен.
				return ErrPaymentConflict
			}
			return fmt.Errorf("mark payment terminal: %w", err)
		}

		applied = cmdTag.RowsAffected() == 1
		return nil
	})
	if err != nil {
		return false, err
	}

	return applied, nil
}

// ListConfirmablePayments возвращает успешные платежи, чьи заявки всё ещё
// ожидают оплату. Платёж — источник истины, статус заявки — проекция,
// этот список питает цикл её восстановления.
func (r *PostgresRepository) ListConfirmablePayments(ctx context.Context, limit int) ([]model.Payment, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT p.id, p.report_id, p.resident_id, p.provider, p.external_ref,
		        p.amount, p.currency, p.status, p.raw_payload, p.initiated_at, p.completed_at
		 FROM payments p
		 JOIN reports rep ON rep.id = p.report_id
		 WHERE p.status = $1 AND rep.status = $2
		 ORDER BY p.initiated_at
		 LIMIT $3`,
		string(model.PaymentStatusSuccessful),
		string(model.ReportStatusPendingPayment),
		limit,
	)
	if err != nil {
		return nil, fmt.Errorf("select confirmable payments: %w", err)
	}
	defer rows.Close()

	var res []model.Payment
	for rows.Next() {
		p, err := scanPayment(rows)
		if err != nil {
			return nil, fmt.Errorf("scan payment: %w", err)
		}
		res = append(res, *p)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}

	return res, nil
}

// CreateCollectionEvent записывает подтверждение вывоза. Для заявки запись
// создаётся не более одного раза.
func (r *PostgresRepository) CreateCollectionEvent(ctx context.Context, e *model.CollectionEvent) error {
	_, err := r.pool.Exec(ctx,
		`INSERT INTO collection_events (id, report_id, collector_id, latitude, longitude, code_presented, distance_from_report, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		e.ID, e.ReportID, e.CollectorID, e.Location.Latitude, e.Location.Longitude,
		e.CodePresented, e.DistanceFromReport, e.CreatedAt,
	)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == pgerrcode.UniqueViolation {
			return ErrCollectionEventExists
		}
		return fmt.Errorf("insert collection event: %w", err)
	}
	return nil
}

// GetCollectionEvent возвращает подтверждение вывоза по заявке.
func (r *PostgresRepository) GetCollectionEvent(ctx context.Context, reportID uuid.UUID) (*model.CollectionEvent, error) {
	row := r.pool.QueryRow(ctx,
		`SELECT id, report_id, collector_id, latitude, longitude, code_presented, distance_from_report, created_at
		 FROM collection_events WHERE report_id = $1`,
		reportID,
	)

	var e model.CollectionEvent
	err := row.Scan(&e.ID, &e.ReportID, &e.CollectorID, &e.Location.Latitude, &e.Location.Longitude,
		&e.CodePresented, &e.DistanceFromReport, &e.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get collection event: %w", err)
	}

	return &e, nil
}
