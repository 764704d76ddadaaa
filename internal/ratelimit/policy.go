package ratelimit

import (
	"fmt"
	"strings"
	"time"

	"access-guard/internal/common/errors"
)

// DefaultPurpose names the policy used when no other policy matches
const DefaultPurpose = "default"

// Policy parameterizes the limiter for one purpose
type Policy struct {
	Purpose     string        `json:"purpose"`
	KeyPrefix   string        `json:"key_prefix"`
	Window      time.Duration `json:"window"`
	MaxRequests int           `json:"max_requests"`
}

// DefaultPolicy mirrors the RATE_LIMIT_* defaults
func DefaultPolicy() Policy {
	return Policy{
		Purpose:     DefaultPurpose,
		KeyPrefix:   "ratelimit",
		Window:      time.Minute,
		MaxRequests: 100,
	}
}

// Validate rejects policies that could never allow a request
func (p Policy) Validate() error {
	if p.Window <= 0 {
		return errors.ConfigError(fmt.Sprintf("policy %q: window must be positive, got %v", p.Purpose, p.Window))
	}
	if p.MaxRequests <= 0 {
		return errors.ConfigError(fmt.Sprintf("policy %q: max requests must be positive, got %d", p.Purpose, p.MaxRequests))
	}
	if strings.TrimSpace(p.KeyPrefix) == "" {
		return errors.ConfigError(fmt.Sprintf("policy %q: key prefix is required", p.Purpose))
	}
	return nil
}

// Key builds the rate key for an address and optional user under this policy
func (p Policy) Key(address, userID string) string {
	return BuildKey(p.KeyPrefix, address, userID)
}

// BuildKey joins prefix, address and user id with ':'. An empty address
// yields an empty key, meaning no limit applies.
func BuildKey(prefix, address, userID string) string {
	address = strings.TrimSpace(address)
	if address == "" {
		return ""
	}
	key := prefix + ":" + address
	if userID = strings.TrimSpace(userID); userID != "" {
		key += ":" + userID
	}
	return key
}
