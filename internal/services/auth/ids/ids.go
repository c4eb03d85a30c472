// Package ids generates and validates prefixed identifiers for auth records.
//
// Identifiers are 32 lowercase base32 characters: 20 random bytes are
// base32-encoded and the first character is replaced with a type prefix
// ('u' user, 'k' credential, 'd' device). The WebAuthn credential id issued
// by the authenticator is stored separately and is never one of these.
package ids

import (
	"crypto/rand"
	"encoding/base32"
	"fmt"
	"strings"
)

// Length is the fixed identifier length.
const Length = 32

const (
	// UserPrefix tags user identifiers.
	UserPrefix = 'u'
	// CredentialPrefix tags internal credential identifiers.
	CredentialPrefix = 'k'
	// DevicePrefix tags device identifiers.
	DevicePrefix = 'd'
)

var encoding = base32.StdEncoding.WithPadding(base32.NoPadding)

func newPrefixed(prefix byte) (string, error) {
	raw := make([]byte, 20)
	if _, err := rand.Read(raw); err != nil {
		return "", fmt.Errorf("read random bytes: %w", err)
	}
	encoded := strings.ToLower(encoding.EncodeToString(raw))
	return string(prefix) + encoded[1:], nil
}

// NewUserID generates a user identifier.
func NewUserID() (string, error) {
	return newPrefixed(UserPrefix)
}

// NewCredentialID generates an internal credential identifier.
func NewCredentialID() (string, error) {
	return newPrefixed(CredentialPrefix)
}

// NewDeviceID generates a device identifier.
func NewDeviceID() (string, error) {
	return newPrefixed(DevicePrefix)
}

func isPrefixed(value string, prefix byte) bool {
	if len(value) != Length {
		return false
	}
	if value[0] != prefix {
		return false
	}
	for _, r := range value[1:] {
		if (r < 'a' || r > 'z') && (r < '2' || r > '7') {
			return false
		}
	}
	return true
}

// IsUserID reports whether value looks like a valid user identifier.
func IsUserID(value string) bool {
	return isPrefixed(value, UserPrefix)
}

// IsCredentialID reports whether value looks like a valid credential identifier.
func IsCredentialID(value string) bool {
	return isPrefixed(value, CredentialPrefix)
}

// IsDeviceID reports whether value looks like a valid device identifier.
func IsDeviceID(value string) bool {
	return isPrefixed(value, DevicePrefix)
}
