package flagkey

import (
	"errors"
	"fmt"
	"strings"

	"shelfgate/pkg/constraints"
)

var ErrInvalidKey = errors.New("invalid flag key")

const maxKeyLen = 128

// Key is a validated flag identifier. Platform flags are unprefixed or
// FF_-prefixed; tenant-private custom flags carry the TENANT_ prefix.
type Key string

// Parse accepts any existing key. Prefix rules are only enforced when
// creating new custom flags, see ParseCustom.
func Parse(s string) (Key, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return "", fmt.Errorf("%w: empty", ErrInvalidKey)
	}
	if len(s) > maxKeyLen {
		return "", fmt.Errorf("%w: exceeds %d characters", ErrInvalidKey, maxKeyLen)
	}
	if strings.ContainsAny(s, " \t\n/") {
		return "", fmt.Errorf("%w: %q contains invalid characters", ErrInvalidKey, s)
	}
	return Key(s), nil
}

// ParseCustom validates a key for a newly created custom flag. New keys must
// start with TENANT_ or FF_; anything else is rejected before any write or
// network call happens.
func ParseCustom(s string) (Key, error) {
	k, err := Parse(s)
	if err != nil {
		return "", err
	}
	if !k.TenantScoped() && !strings.HasPrefix(string(k), constraints.PrefixPlatform) {
		return "", fmt.Errorf("%w: custom keys must start with %s or %s",
			ErrInvalidKey, constraints.PrefixTenant, constraints.PrefixPlatform)
	}
	return k, nil
}

// TenantScoped reports whether the key names a tenant-private custom flag.
// Such flags are visible and effective for exactly one tenant.
func (k Key) TenantScoped() bool {
	return strings.HasPrefix(string(k), constraints.PrefixTenant)
}

func (k Key) String() string { return string(k) }
