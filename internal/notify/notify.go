// Package notify отвечает за отправку уведомлений «сделал и забыл».
//
// Ядро никогда не ждёт результата доставки и не откатывает состояние из-за
// её сбоя; гарантируется только то, что вызов выполнен один раз на
// триггерное событие.
package notify

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Template описывает вид шаблона уведомления.
type Template string

const (
	TemplatePaymentConfirmed Template = "payment_confirmed"
	TemplatePaymentFailed    Template = "payment_failed"
	TemplateReportAssigned   Template = "report_assigned"
	TemplateCollectionDone   Template = "collection_done"
)

// Notifier описывает контракт доставки одного уведомления.
type Notifier interface {
	Send(ctx context.Context, contact string, kind Template, params map[string]string) error
}

// Dispatcher отправляет уведомления в фоне, не блокируя вызывающего.
type Dispatcher struct {
	notifier Notifier
	logger   *zap.Logger
	timeout  time.Duration
	wg       sync.WaitGroup
}

// NewDispatcher создаёт диспетчер поверх указанного способа доставки.
func NewDispatcher(n Notifier, logger *zap.Logger) *Dispatcher {
	return &Dispatcher{
		notifier: n,
		logger:   logger,
		timeout:  5 * time.Second,
	}
}

// Notify запускает доставку уведомления и сразу возвращает управление.
// Сбой доставки только логируется.
func (d *Dispatcher) Notify(contact string, kind Template, params map[string]string) {
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()

		ctx, cancel := context.WithTimeout(context.Background(), d.timeout)
		defer cancel()

		if err := d.notifier.Send(ctx, contact, kind, params); err != nil {
			d.logger.Warn("notification delivery failed",
				zap.String("kind", string(kind)),
				zap.Error(err))
		}
	}()
}

// Wait дожидается завершения всех запущенных доставок.
func (d *Dispatcher) Wait() {
	d.wg.Wait()
}

// Noop — заглушка доставки для окружений без настроенного канала уведомлений.
type Noop struct{}

// Send ничего не делает.
func (Noop) Send(_ context.Context, _ string, _ Template, _ map[string]string) error {
	return nil
}
