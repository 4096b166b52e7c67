package ordercode

import (
	"crypto/rand"
	"encoding/binary"
	"errors"
	"hash/fnv"
	"io"
	"time"
)

// Max is the largest order code the gateway accepts without losing
// precision in its JSON handling.
const Max = 9_007_199_254_740_991

// CollisionBudget is how many times link creation retries with fresh entropy
// before giving up. Collisions require two codes in the same second with the
// same hash suffix, so the budget is rarely consumed.
const CollisionBudget = 5

var ErrCollisionBudgetExhausted = errors.New("order code collision budget exhausted")

// Generate derives a bounded numeric order code from the current time and a
// hash of the booking reference. The hash is truncated, so the code is not
// reversible: the payment record store is the only code-to-booking lookup.
func Generate(ref string, attempt int) int64 {
	return At(time.Now(), ref, attempt)
}

// At is Generate with an explicit timestamp, split out for tests.
func At(t time.Time, ref string, attempt int) int64 {
	h := fnv.New32a()
	io.WriteString(h, ref)
	if attempt > 0 {
		var b [8]byte
		binary.LittleEndian.PutUint32(b[:4], uint32(attempt))
		if _, err := rand.Read(b[4:]); err == nil {
			h.Write(b[:])
		} else {
			h.Write(b[:4])
		}
	}
	code := t.Unix()*1_000_000 + int64(h.Sum32()%1_000_000)
	if code > Max {
		code = code % Max
	}
	if code <= 0 {
		code = 1
	}
	return code
}
