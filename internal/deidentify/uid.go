// Package deidentify implements the deidentification engine: hierarchical
// UID remapping, date randomization, text scrubbing, private tag removal and
// archive assembly.
package deidentify

import (
	"fmt"
	"math/rand"
	"strings"
	"sync"
	"time"
)

// UIDGenerator mints deidentified UIDs under an organization prefix. The
// random source is injectable so tests can fix the sequence. Concurrent
// series workers share one generator, so access to the source is locked.
type UIDGenerator struct {
	Prefix string

	mu  sync.Mutex
	rng *rand.Rand
}

// NewUIDGenerator returns a generator seeded from the clock.
func NewUIDGenerator(prefix string) *UIDGenerator {
	return &UIDGenerator{
		Prefix: prefix,
		rng:    rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// NewUIDGeneratorWithSource returns a generator over a fixed source.
func NewUIDGeneratorWithSource(prefix string, src rand.Source) *UIDGenerator {
	return &UIDGenerator{Prefix: prefix, rng: rand.New(src)}
}

// randomInteger returns a random integer with exactly length decimal digits.
func (g *UIDGenerator) randomInteger(length int) int {
	if length <= 0 {
		return 0
	}
	minVal := 0
	if length > 1 {
		minVal = pow10(length - 1)
	}
	maxVal := pow10(length) - 1
	g.mu.Lock()
	defer g.mu.Unlock()
	return minVal + g.rng.Intn(maxVal-minVal+1)
}

func pow10(n int) int {
	p := 1
	for i := 0; i < n; i++ {
		p *= 10
	}
	return p
}

// StudyUID mints a deidentified study UID:
// <prefix>.<rand(3)>.<rand(2)>.<rand(3)>
func (g *UIDGenerator) StudyUID() string {
	return fmt.Sprintf("%s.%d.%d.%d", g.Prefix, g.randomInteger(3), g.randomInteger(2), g.randomInteger(3))
}

// SeriesUID appends the per-study ordinal to the deidentified study UID.
func (g *UIDGenerator) SeriesUID(studyUID string, ordinal int) string {
	return fmt.Sprintf("%s.%d", studyUID, ordinal)
}

// FrameUID derives a frame of reference UID from the deidentified series UID.
func (g *UIDGenerator) FrameUID(seriesUID string) string {
	return fmt.Sprintf("%s.%d", seriesUID, g.randomInteger(4))
}

// SOPUID derives an instance UID from the deidentified series UID.
func (g *UIDGenerator) SOPUID(seriesUID string) string {
	return fmt.Sprintf("%s.%d.%d", seriesUID, g.randomInteger(7), g.randomInteger(3))
}

// ObfuscateUID replaces every digit of a UID with a random digit, keeping
// length and dot positions. Used for referenced UIDs outside the managed
// hierarchy so cross-references stay structurally valid without leaking the
// original identifier.
func (g *UIDGenerator) ObfuscateUID(uid string) string {
	g.mu.Lock()
	defer g.mu.Unlock()
	var b strings.Builder
	b.Grow(len(uid))
	for _, r := range uid {
		if r >= '0' && r <= '9' {
			b.WriteByte(byte('0' + g.rng.Intn(10)))
		} else {
			b.WriteRune(r)
		}
	}
	return b.String()
}

// RandomDate returns a random date within [minYear, maxYear] formatted as
// a DICOM DA value (YYYYMMDD).
func (g *UIDGenerator) RandomDate(minYear, maxYear int) string {
	start := time.Date(minYear, 1, 1, 0, 0, 0, 0, time.UTC)
	end := time.Date(maxYear, 12, 31, 0, 0, 0, 0, time.UTC)
	days := int(end.Sub(start).Hours() / 24)
	g.mu.Lock()
	n := g.rng.Intn(days + 1)
	g.mu.Unlock()
	d := start.AddDate(0, 0, n)
	return d.Format("20060102")
}
