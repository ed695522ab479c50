package relay

import (
	"context"
	"errors"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/sirupsen/logrus"
)

type renewalTarget struct {
	id      string
	address string
}

// MonitorReservations renews every reservation whose remaining lifetime has
// dropped below ReservationRenewalThreshold. A relay whose renewal fails is
// marked failed; if it was the active relay the manager falls back to the
// next best one. All renewal failures are returned together.
func (m *Manager) MonitorReservations(ctx context.Context) error {
	m.mu.Lock()
	now := m.timeProvider.Now()
	threshold := m.config.ReservationRenewalThreshold
	var due []renewalTarget
	for _, id := range m.order {
		n := m.relays[id]
		if n.info.State != StateReserved || n.info.ReservationExpiry.IsZero() {
			continue
		}
		if n.info.ReservationExpiry.Sub(now) < threshold {
			due = append(due, renewalTarget{id: id, address: n.info.Address})
		}
	}
	m.mu.Unlock()

	if len(due) == 0 {
		return nil
	}

	logrus.WithFields(logrus.Fields{
		"function": "MonitorReservations",
		"due":      len(due),
	}).Debug("Renewing relay reservations")

	var result *multierror.Error
	for _, target := range due {
		if err := ctx.Err(); err != nil {
			result = multierror.Append(result, err)
			break
		}
		if err := m.renew(ctx, target); err != nil {
			result = multierror.Append(result, err)
		}
	}
	return result.ErrorOrNil()
}

func (m *Manager) renew(ctx context.Context, target renewalTarget) error {
	expiry, err := m.transport.Renew(ctx, target.address)
	if err == nil {
		m.renewed(target.id, expiry)
		return nil
	}

	wasActive, rerr := m.renewalFailed(target.id, err)
	if !wasActive || ctx.Err() != nil {
		return rerr
	}

	tried := map[string]bool{target.id: true}
	if ferr := m.fallback(ctx, target.id, tried, rerr); ferr != nil && !errors.Is(ferr, rerr) {
		return multierror.Append(rerr, ferr)
	}
	return rerr
}

func (m *Manager) renewed(id string, expiry time.Time) {
	defer m.flush()
	m.mu.Lock()
	defer m.mu.Unlock()

	node, ok := m.relays[id]
	if !ok {
		return
	}
	now := m.timeProvider.Now()
	if expiry.IsZero() {
		expiry = now.Add(m.config.DefaultReservationTTL)
	}
	node.info.ReservationExpiry = expiry
	node.info.LastSuccess = now

	logrus.WithFields(logrus.Fields{
		"function": "MonitorReservations",
		"relay_id": id,
		"expiry":   expiry,
	}).Debug("Reservation renewed")
}

// renewalFailed records a renewal error and marks the relay failed. It
// reports whether the relay was the active one.
func (m *Manager) renewalFailed(id string, cause error) (bool, *Error) {
	defer m.flush()
	m.mu.Lock()
	defer m.mu.Unlock()

	node, ok := m.relays[id]
	if !ok {
		return false, m.newErrorLocked(cause, ErrorReservationFailed, id, 0)
	}

	errType := ErrorReservationFailed
	var typed *Error
	if errors.As(cause, &typed) {
		errType = typed.Type
	} else if !node.info.ReservationExpiry.After(m.timeProvider.Now()) {
		errType = ErrorReservationExpired
	}

	rerr := m.newErrorLocked(cause, errType, id, 0)
	m.recordErrorLocked(node, rerr)

	wasActive := m.activeID == id
	m.markFailedLocked(id, rerr)
	return wasActive, rerr
}
