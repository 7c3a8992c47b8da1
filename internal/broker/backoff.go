package broker

import (
	"crypto/sha256"
	"encoding/binary"
	"fmt"
	"time"
)

// deterministicJitter perturbs base by up to pct percent, seeded by parts.
// Deterministic (rather than math/rand) so reconnect-storm tests can assert
// on exact delay sequences. Relocated from the generic queue consumer's
// retry policy, which this package does not otherwise use: RPC replies are
// synthesized as error responses rather than retried.
func deterministicJitter(base time.Duration, pct int, parts ...any) time.Duration {
	if pct <= 0 {
		return base
	}
	if pct > 50 {
		pct = 50
	}
	h := sha256.New()
	for _, p := range parts {
		_, _ = h.Write([]byte(fmt.Sprint(p)))
		_, _ = h.Write([]byte{0})
	}
	sum := h.Sum(nil)
	u := binary.LittleEndian.Uint64(sum[:8])
	span := uint64(pct*2 + 1)
	deltaPct := int(u%span) - pct

	delta := (base * time.Duration(deltaPct)) / 100
	return base + delta
}
