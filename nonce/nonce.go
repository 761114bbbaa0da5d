// Package nonce implements a single-use, time-windowed replay guard.
// Consumption is one atomic insert-if-absent against storage, so two
// requests racing on the same nonce see exactly one success regardless of
// backend locking.
package nonce

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/pkg/errors"

	"github.com/authlayer/authlayer/storage"
)

// DefaultTTL is how long a consumed nonce stays rejected.
const DefaultTTL = 15 * time.Minute

var (
	ErrNonceUsed          = errors.New("nonce already used")
	ErrNonceMalformed     = errors.New("nonce malformed")
	ErrNonceOutsideWindow = errors.New("nonce timestamp outside accepted window")
)

// Manager generates and consumes nonces.
type Manager struct {
	store   storage.Store
	ttl     time.Duration
	nowFunc func() time.Time
}

type ManagerOption func(*Manager)

// WithTTL sets the rejection window of a consumed nonce (default 15m).
func WithTTL(ttl time.Duration) ManagerOption {
	return func(m *Manager) {
		m.ttl = ttl
	}
}

// WithNowFunc sets the clock (primarily for testing).
func WithNowFunc(now func() time.Time) ManagerOption {
	return func(m *Manager) {
		m.nowFunc = now
	}
}

func New(store storage.Store, options ...ManagerOption) *Manager {
	m := &Manager{
		store:   store,
		ttl:     DefaultTTL,
		nowFunc: time.Now,
	}
	for _, opt := range options {
		opt(m)
	}
	return m
}

// record is the consumption marker persisted per nonce.
type record struct {
	LoginID string    `json:"login_id"`
	UsedAt  time.Time `json:"used_at"`
}

// Generate returns "nonce_<unix-millis>_<32 hex>" with 128 bits of
// randomness and the creation time embedded for CheckTimestamp.
func (m *Manager) Generate() (string, error) {
	buf := make([]byte, 16)
	if _, err := rand.Read(buf); err != nil {
		return "", errors.Wrap(err, "Manager.Generate rand.Read")
	}
	return fmt.Sprintf("nonce_%d_%s", m.nowFunc().UnixMilli(), hex.EncodeToString(buf)), nil
}

// ValidateAndConsume accepts the nonce exactly once: an absent key is
// valid-and-unused and a marker record is written in the same atomic step;
// a present key fails with ErrNonceUsed.
func (m *Manager) ValidateAndConsume(ctx context.Context, nonce, loginID string) error {
	if _, err := parse(nonce); err != nil {
		return err
	}

	raw, err := json.Marshal(record{LoginID: loginID, UsedAt: m.nowFunc()})
	if err != nil {
		return errors.Wrap(err, "Manager.ValidateAndConsume Marshal")
	}

	inserted, err := m.store.SetIfAbsent(ctx, m.key(nonce), string(raw), m.ttl)
	if err != nil {
		return errors.Wrap(err, "Manager.ValidateAndConsume SetIfAbsent")
	}
	if !inserted {
		return ErrNonceUsed
	}
	return nil
}

// CheckTimestamp rejects nonces whose embedded creation time falls outside
// the window around now, in either direction. Defense in depth for a nonce
// captured long ago but replayed after its marker record was cleaned up.
func (m *Manager) CheckTimestamp(nonce string, window time.Duration) error {
	ts, err := parse(nonce)
	if err != nil {
		return err
	}

	age := m.nowFunc().Sub(ts)
	if age < 0 {
		age = -age
	}
	if age > window {
		return ErrNonceOutsideWindow
	}
	return nil
}

// Verify is the combined guard: timestamp window first, then single-use
// consumption.
func (m *Manager) Verify(ctx context.Context, nonce, loginID string, window time.Duration) error {
	if err := m.CheckTimestamp(nonce, window); err != nil {
		return err
	}
	return m.ValidateAndConsume(ctx, nonce, loginID)
}

// parse extracts the embedded millisecond timestamp.
func parse(nonce string) (time.Time, error) {
	parts := strings.SplitN(nonce, "_", 3)
	if len(parts) != 3 || parts[0] != "nonce" || parts[2] == "" {
		return time.Time{}, errors.Wrap(ErrNonceMalformed, nonce)
	}
	millis, err := strconv.ParseInt(parts[1], 10, 64)
	if err != nil {
		return time.Time{}, errors.Wrap(ErrNonceMalformed, nonce)
	}
	return time.UnixMilli(millis), nil
}

func (m *Manager) key(nonce string) string {
	return "nonce:" + nonce
}
