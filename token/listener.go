package token

import (
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Listener receives login lifecycle notifications. Callbacks run
// synchronously, in registration order, after the triggering state change
// has committed to storage. A listener that panics is recovered and logged;
// it can never fail the operation that triggered it.
type Listener interface {
	OnLogin(loginID, token, loginType string)
	OnLogout(loginID, token, loginType string)
	OnKickOut(loginID, token, loginType string)
	OnRenewTimeout(loginID, token, loginType string)
	OnReplaced(loginID, token, loginType string)
	OnBanned(loginID, token, loginType string)
}

// RegisterListener appends a listener to the notification list.
func (m *Manager) RegisterListener(l Listener) {
	m.listenerMu.Lock()
	defer m.listenerMu.Unlock()
	m.listeners = append(m.listeners, l)
}

func (m *Manager) notify(event func(Listener)) {
	m.listenerMu.RLock()
	listeners := make([]Listener, len(m.listeners))
	copy(listeners, m.listeners)
	m.listenerMu.RUnlock()

	for _, l := range listeners {
		func() {
			defer func() {
				if r := recover(); r != nil {
					log.Error().Interface("panic", r).Msg("token listener panicked")
				}
			}()
			event(l)
		}()
	}
}

var _ Listener = (*LogListener)(nil)

// LogListener is a Listener writing one structured audit line per event.
type LogListener struct {
	logger zerolog.Logger
}

func NewLogListener(logger zerolog.Logger) *LogListener {
	return &LogListener{logger: logger}
}

func (l *LogListener) OnLogin(loginID, token, loginType string) {
	l.event("login", loginID, token, loginType)
}

func (l *LogListener) OnLogout(loginID, token, loginType string) {
	l.event("logout", loginID, token, loginType)
}

func (l *LogListener) OnKickOut(loginID, token, loginType string) {
	l.event("kick-out", loginID, token, loginType)
}

func (l *LogListener) OnRenewTimeout(loginID, token, loginType string) {
	l.event("renew-timeout", loginID, token, loginType)
}

func (l *LogListener) OnReplaced(loginID, token, loginType string) {
	l.event("replaced", loginID, token, loginType)
}

func (l *LogListener) OnBanned(loginID, token, loginType string) {
	l.event("banned", loginID, token, loginType)
}

func (l *LogListener) event(name, loginID, token, loginType string) {
	l.logger.Info().
		Str("event", name).
		Str("login_id", loginID).
		Str("token", token).
		Str("login_type", loginType).
		Msg("auth event")
}
