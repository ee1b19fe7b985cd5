// Package notify routes lifecycle and location events to live sessions.
// Delivery is best-effort and at-most-once: nothing is queued for parties
// without a session and nothing is retried.
package notify

import (
	"github.com/rs/zerolog"

	"github.com/example/ride-dispatch/internal/models"
	"github.com/example/ride-dispatch/internal/observability"
	"github.com/example/ride-dispatch/internal/session"
)

type Fabric struct {
	sessions *session.Registry
	log      zerolog.Logger
}

func New(sessions *session.Registry, log zerolog.Logger) *Fabric {
	return &Fabric{sessions: sessions, log: log.With().Str("component", "notify").Logger()}
}

// Notify sends one event to the party's current session. A party with no
// session is not an error.
func (f *Fabric) Notify(party models.Actor, kind models.EventKind, payload any) error {
	h, ok := f.sessions.Lookup(party)
	if !ok {
		observability.NotificationsTotal.WithLabelValues(string(kind), "no_session").Inc()
		return nil
	}
	f.deliver(h, models.NewEvent(kind, payload))
	return nil
}

// Broadcast sends the event to every session in the group and returns how
// many sessions accepted it.
func (f *Fabric) Broadcast(group models.Group, kind models.EventKind, payload any) int {
	ev := models.NewEvent(kind, payload)
	sent := 0
	for _, h := range f.sessions.ByRole(group.Role()) {
		if f.deliver(h, ev) {
			sent++
		}
	}
	return sent
}

// Reply answers the connection that originated an inbound action, whether or
// not it is the party's registered session.
func (f *Fabric) Reply(h session.Handle, kind models.EventKind, payload any) {
	f.deliver(h, models.NewEvent(kind, payload))
}

func (f *Fabric) deliver(h session.Handle, ev models.Event) bool {
	if err := h.Send(ev); err != nil {
		observability.NotificationsTotal.WithLabelValues(string(ev.Type), "dropped").Inc()
		f.log.Warn().Err(err).Str("conn_id", h.ID()).Str("type", string(ev.Type)).Msg("event dropped")
		return false
	}
	observability.NotificationsTotal.WithLabelValues(string(ev.Type), "sent").Inc()
	return true
}
