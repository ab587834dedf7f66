// Package idgen provides cryptographically random identifiers for matches,
// holds, payout records and ledger entries.
package idgen

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
)

// Prefixes keep identifiers self-describing in logs and admin tooling.
const (
	PrefixMatch  = "mch_"
	PrefixHold   = "hld_"
	PrefixPayout = "pay_"
	PrefixEntry  = "ent_"
	PrefixEvent  = "evt_"
)

// New generates a UUID-shaped random ID (32 hex chars with dashes).
func New() string {
	b := random(16)
	return fmt.Sprintf("%x-%x-%x-%x-%x", b[0:4], b[4:6], b[6:8], b[8:10], b[10:])
}

// WithPrefix returns prefix + 24 hex chars (12 random bytes).
func WithPrefix(prefix string) string {
	return prefix + hex.EncodeToString(random(12))
}

// RequestID returns a 32 hex char request identifier.
func RequestID() string {
	return hex.EncodeToString(random(16))
}

func random(n int) []byte {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		panic("crypto/rand failed: " + err.Error())
	}
	return b
}
