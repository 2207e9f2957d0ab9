// Package idgen mints the human-readable numbers printed on orders and
// prescriptions.
//
// Two formats are in use:
//
//	order         ORD-<last 6 digits of unix millis><6 uppercase base-36 chars>   ORD-482913XK29PQ
//	prescription  <WEEKDAY><MONTH><DD>-<HH><MM><SS>                               MONJAN12-103055
//
// Neither is guaranteed unique. Order numbers carry 36^6 random suffixes per
// millisecond tail; prescription numbers repeat within the same second. The
// database unique constraints are what actually enforce uniqueness.
package idgen

import (
	"fmt"
	"math/rand/v2"
	"regexp"
	"strconv"
	"strings"
	"time"
)

// Kind tags what an identifier was minted for.
type Kind string

const (
	KindOrder        Kind = "order"
	KindPrescription Kind = "prescription"
)

// OrderPrefix starts every order number.
const OrderPrefix = "ORD-"

const (
	timestampDigits  = 6
	timestampModulus = 1_000_000
	suffixLength     = 6
	base36Alphabet   = "0123456789ABCDEFGHIJKLMNOPQRSTUVWXYZ"
)

// Identifier is a minted display number.
type Identifier struct {
	Value       string    `json:"value"`
	Kind        Kind      `json:"kind"`
	GeneratedAt time.Time `json:"generated_at"`
}

func (id Identifier) String() string { return id.Value }

// RandomSource draws uniform integers in [0, n). *rand.Rand from math/rand/v2
// satisfies it. Implementations used from several goroutines must be safe for
// concurrent use.
type RandomSource interface {
	IntN(n int) int
}

type globalSource struct{}

func (globalSource) IntN(n int) int { return rand.IntN(n) }

// DefaultRandom returns the process-wide math/rand/v2 source. It is seeded
// randomly and safe for concurrent use. It is not meant for secrets.
func DefaultRandom() RandomSource { return globalSource{} }

// OrderNumber formats an order number from now and rng. It is a pure
// function of its inputs.
func OrderNumber(now time.Time, rng RandomSource) string {
	// Times before the epoch wrap into the same 6-digit range.
	tail := now.UnixMilli() % timestampModulus
	if tail < 0 {
		tail += timestampModulus
	}
	millis := strconv.FormatInt(tail, 10)
	millis = strings.Repeat("0", timestampDigits-len(millis)) + millis

	var b strings.Builder
	b.Grow(len(OrderPrefix) + timestampDigits + suffixLength)
	b.WriteString(OrderPrefix)
	b.WriteString(millis)
	for i := 0; i < suffixLength; i++ {
		b.WriteByte(base36Alphabet[rng.IntN(len(base36Alphabet))])
	}
	return b.String()
}

// PrescriptionNumber formats t in its own location, e.g. MONJAN12-103055.
func PrescriptionNumber(t time.Time) string {
	return strings.ToUpper(t.Format("MonJan02-150405"))
}

var (
	orderPattern        = regexp.MustCompile(`^ORD-[0-9]{6}[0-9A-Z]{6}$`)
	prescriptionPattern = regexp.MustCompile(`^(MON|TUE|WED|THU|FRI|SAT|SUN)(JAN|FEB|MAR|APR|MAY|JUN|JUL|AUG|SEP|OCT|NOV|DEC)(0[1-9]|[12][0-9]|3[01])-([01][0-9]|2[0-3])[0-5][0-9][0-5][0-9]$`)
)

// ValidOrderNumber reports whether s has the order number shape.
func ValidOrderNumber(s string) bool { return orderPattern.MatchString(s) }

// ValidPrescriptionNumber reports whether s has the prescription number shape.
func ValidPrescriptionNumber(s string) bool { return prescriptionPattern.MatchString(s) }

// ParsePrescriptionNumber recovers the timestamp behind a prescription
// number. The format carries no year, so the caller supplies it; the weekday
// must agree with the resulting date.
func ParsePrescriptionNumber(s string, year int, loc *time.Location) (time.Time, error) {
	if !ValidPrescriptionNumber(s) {
		return time.Time{}, fmt.Errorf("malformed prescription number %q", s)
	}
	if loc == nil {
		loc = time.Local
	}
	// "MONJAN12-103055" -> "Jan 12 2026 10:30:55"
	month := s[3:4] + strings.ToLower(s[4:6])
	value := fmt.Sprintf("%s %s %d %s:%s:%s", month, s[6:8], year, s[9:11], s[11:13], s[13:15])
	t, err := time.ParseInLocation("Jan 02 2006 15:04:05", value, loc)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse prescription number %q: %w", s, err)
	}
	if !strings.EqualFold(t.Weekday().String()[:3], s[:3]) {
		return time.Time{}, fmt.Errorf("prescription number %q: weekday does not match %d", s, year)
	}
	return t, nil
}

// Generator binds a clock and a random source. The zero value is not usable;
// call NewGenerator.
type Generator struct {
	Now  func() time.Time
	Rand RandomSource
}

// NewGenerator returns a Generator on the wall clock and DefaultRandom.
func NewGenerator() *Generator {
	return &Generator{Now: time.Now, Rand: DefaultRandom()}
}

// Order mints an order number.
func (g *Generator) Order() Identifier {
	now := g.Now()
	return Identifier{Value: OrderNumber(now, g.Rand), Kind: KindOrder, GeneratedAt: now}
}

// Prescription mints a prescription number.
func (g *Generator) Prescription() Identifier {
	now := g.Now()
	return Identifier{Value: PrescriptionNumber(now), Kind: KindPrescription, GeneratedAt: now}
}

// Generate mints an identifier of the given kind.
func (g *Generator) Generate(kind Kind) (Identifier, error) {
	switch kind {
	case KindOrder:
		return g.Order(), nil
	case KindPrescription:
		return g.Prescription(), nil
	default:
		return Identifier{}, fmt.Errorf("unknown identifier kind %q", kind)
	}
}
