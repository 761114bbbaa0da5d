package token

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
)

// Style selects the shape of generated token values. All styles are opaque
// to callers; nothing in the engine parses a token beyond using it as a
// storage key.
type Style string

const (
	// StyleUUID is a standard v4 UUID, e.g. "623368f0-ae5e-4475-a53f-93e4225f9f98".
	StyleUUID Style = "uuid"
	// StyleSimpleUUID is a v4 UUID with the dashes stripped.
	StyleSimpleUUID Style = "simple-uuid"
	// StyleRandom32, StyleRandom64 and StyleRandom128 are fixed-length
	// random hex strings of the named length.
	StyleRandom32  Style = "random-32"
	StyleRandom64  Style = "random-64"
	StyleRandom128 Style = "random-128"
	// StyleHash is a sha256 over the login id, the current nanotime and
	// fresh random bytes, hex encoded.
	StyleHash Style = "hash"
	// StyleTimestamp embeds the creation time: "<unix-millis>_<24 hex>".
	StyleTimestamp Style = "timestamp"
	// StyleTik is the short form "tik_<12 hex>".
	StyleTik Style = "tik"
)

// Generate produces a fresh token value in the given style at the given
// time. The login id only participates in StyleHash, and now only in
// StyleHash and StyleTimestamp; other styles ignore them.
func Generate(style Style, loginID string, now time.Time) (string, error) {
	switch style {
	case StyleUUID:
		return uuid.New().String(), nil
	case StyleSimpleUUID:
		return strings.ReplaceAll(uuid.New().String(), "-", ""), nil
	case StyleRandom32:
		return randomHex(16)
	case StyleRandom64:
		return randomHex(32)
	case StyleRandom128:
		return randomHex(64)
	case StyleHash:
		return hashToken(loginID, now)
	case StyleTimestamp:
		suffix, err := randomHex(12)
		if err != nil {
			return "", err
		}
		return fmt.Sprintf("%d_%s", now.UnixMilli(), suffix), nil
	case StyleTik:
		suffix, err := randomHex(6)
		if err != nil {
			return "", err
		}
		return "tik_" + suffix, nil
	default:
		return "", errors.Wrap(ErrUnknownStyle, string(style))
	}
}

// randomHex returns a hex string over n random bytes (2n characters).
func randomHex(n int) (string, error) {
	buf := make([]byte, n)
	if _, err := rand.Read(buf); err != nil {
		return "", errors.Wrap(err, "token.randomHex rand.Read")
	}
	return hex.EncodeToString(buf), nil
}

func hashToken(loginID string, now time.Time) (string, error) {
	salt := make([]byte, 16)
	if _, err := rand.Read(salt); err != nil {
		return "", errors.Wrap(err, "token.hashToken rand.Read")
	}

	h := sha256.New()
	h.Write([]byte(loginID))
	_ = binary.Write(h, binary.BigEndian, now.UnixNano())
	h.Write(salt)
	return hex.EncodeToString(h.Sum(nil)), nil
}
