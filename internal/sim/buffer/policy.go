package buffer

import (
	"bufio"
	"fmt"
	"io"
	"strconv"
	"strings"
)

// DefaultExpiryTicks is the holding time when dupe protection is off.
const DefaultExpiryTicks = 20

// Policy decides how long buffered output is held before it may be released.
type Policy struct {
	// Harsh resets an entry's timer on every add until the entry saturates.
	Harsh bool

	DelayTicks   uint64
	DefaultTicks uint64

	// Exempt ids always use DefaultTicks.
	Exempt map[uint32]bool
}

func DefaultPolicy() Policy {
	return Policy{DelayTicks: DefaultExpiryTicks, DefaultTicks: DefaultExpiryTicks}
}

// ProtectionDelay is the hold window in ticks: the host save interval plus one
// second plus one scan period, so a save always lands inside the window.
func ProtectionDelay(saveIntervalSec, granularitySec, tickRateHz int) uint64 {
	return uint64(saveIntervalSec+1+granularitySec) * uint64(tickRateHz)
}

func (p Policy) delayFor(id uint32) uint64 {
	if p.Exempt[id] {
		return p.DefaultTicks
	}
	return p.DelayTicks
}

// eligible reports whether an entry may leave the buffer at tick now.
func (p Policy) eligible(count uint8, expiry, now uint64) bool {
	if now >= expiry {
		return true
	}
	return p.Harsh && count >= MaxCount
}

// ParseWhitelist reads one numeric id per line; blank lines and # comments are skipped.
// resolve maps non-numeric names to ids; unknown names are reported as errors.
func ParseWhitelist(r io.Reader, resolve func(name string) (uint32, bool)) (map[uint32]bool, error) {
	out := map[uint32]bool{}
	sc := bufio.NewScanner(r)
	line := 0
	for sc.Scan() {
		line++
		s := sc.Text()
		if i := strings.IndexByte(s, '#'); i >= 0 {
			s = s[:i]
		}
		s = strings.TrimSpace(s)
		if s == "" {
			continue
		}
		if v, err := strconv.ParseUint(s, 10, 32); err == nil {
			out[uint32(v)] = true
			continue
		}
		if resolve == nil {
			return nil, fmt.Errorf("whitelist line %d: bad id %q", line, s)
		}
		id, ok := resolve(s)
		if !ok {
			return nil, fmt.Errorf("whitelist line %d: unknown material %q", line, s)
		}
		out[id] = true
	}
	if err := sc.Err(); err != nil {
		return nil, err
	}
	return out, nil
}
