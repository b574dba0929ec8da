// Package lifecycle реализует конечный автомат жизненного цикла заявки.
//
// Пакет проверяет допустимость перехода и права актора; сериализацию
// конкурентных переходов обеспечивают условные обновления в хранилище.
package lifecycle

import (
	"errors"
	"fmt"

	"github.com/mmeshcher/wastehub-system/internal/model"
)

// Event описывает событие перехода жизненного цикла заявки.
type Event string

const (
	EventSubmit           Event = "submit"
	EventPaymentConfirmed Event = "payment_confirmed"
	EventClaim            Event = "claim"
	EventStart            Event = "start"
	EventVerify           Event = "verify"
	EventCancel           Event = "cancel"
)

// ErrActorNotAllowed возвращается, когда актор не имеет права на событие.
var ErrActorNotAllowed = errors.New("actor is not allowed to perform this event")

// InvalidTransitionError описывает недопустимый переход:
// текущий статус заявки и событие, которое к нему применили.
type InvalidTransitionError struct {
	From  model.ReportStatus
	Event Event
}

func (e *InvalidTransitionError) Error() string {
	from := string(e.From)
	if from == "" {
		from = "(none)"
	}
	return fmt.Sprintf("invalid transition: event %q is not allowed in status %q", e.Event, from)
}

// Таблица переходов. Пустой исходный статус означает создание заявки.
var transitions = map[model.ReportStatus]map[Event]model.ReportStatus{
	"": {
		EventSubmit: model.ReportStatusPendingPayment,
	},
	model.ReportStatusPendingPayment: {
		EventPaymentConfirmed: model.ReportStatusPaymentConfirmed,
		EventCancel:           model.ReportStatusCancelled,
	},
	model.ReportStatusPaymentConfirmed: {
		EventClaim:  model.ReportStatusAssigned,
		EventCancel: model.ReportStatusCancelled,
	},
	model.ReportStatusAssigned: {
		EventStart: model.ReportStatusInProgress,
	},
	model.ReportStatusInProgress: {
		EventVerify: model.ReportStatusCompleted,
	},
}

// Next возвращает целевой статус для перехода из from по событию ev.
// Недопустимый переход возвращает InvalidTransitionError, никогда не
// игнорируется молча.
func Next(from model.ReportStatus, ev Event) (model.ReportStatus, error) {
	if to, ok := transitions[from][ev]; ok {
		return to, nil
	}
	return "", &InvalidTransitionError{From: from, Event: ev}
}

// Transition проверяет переход заявки по событию ev для актора actor и
// возвращает целевой статус. Актор nil означает системное событие
// (подтверждение оплаты движком сверки).
func Transition(r *model.Report, ev Event, actor *model.User) (model.ReportStatus, error) {
	var from model.ReportStatus
	if r != nil {
		from = r.Status
	}

	to, err := Next(from, ev)
	if err != nil {
		return "", err
	}

	if err := checkActor(r, ev, actor); err != nil {
		return "", err
	}

	return to, nil
}

func checkActor(r *model.Report, ev Event, actor *model.User) error {
	switch ev {
	case EventSubmit:
		if actor == nil || actor.Role != model.RoleResident {
			return fmt.Errorf("%w: submit requires the resident role", ErrActorNotAllowed)
		}
	case EventPaymentConfirmed:
		// Системное событие, актор не требуется.
	case EventClaim:
		if actor == nil || actor.Role != model.RoleCollector || !actor.Active {
			return fmt.Errorf("%w: claim requires an active collector", ErrActorNotAllowed)
		}
		if r != nil && r.CollectorID != nil {
			return fmt.Errorf("%w: report is already assigned", ErrActorNotAllowed)
		}
	case EventStart, EventVerify:
		if actor == nil || r == nil || r.CollectorID == nil || *r.CollectorID != actor.ID {
			return fmt.Errorf("%w: only the assigned collector may continue the pickup", ErrActorNotAllowed)
		}
	case EventCancel:
		if actor == nil {
			return fmt.Errorf("%w: cancel requires an actor", ErrActorNotAllowed)
		}
		if actor.Role != model.RoleAdmin && (r == nil || r.ReporterID != actor.ID) {
			return fmt.Errorf("%w: cancel is allowed to the reporter or an admin", ErrActorNotAllowed)
		}
	}
	return nil
}
