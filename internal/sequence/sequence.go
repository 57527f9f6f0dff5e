// Package sequence allocates zone-scoped facility id sequence numbers.
package sequence

import (
	"fmt"
	"strconv"
	"strings"
)

// DefaultWidth is the zero-padded width of the numeric suffix.
const DefaultWidth = 3

// Options tune how existing identifiers are parsed and new ones formatted.
type Options struct {
	// Width is the minimum digit width of the sequence suffix. Counters past
	// the width keep their natural digits (no truncation).
	Width int
	// Suffix is a category letter appended after the number, e.g. "C" for
	// cleanouts sharing a zone with manholes.
	Suffix string
	// StripPrefixes are legacy id prefixes removed before parsing, e.g. "SD"
	// on old storm ids.
	StripPrefixes []string
}

func (o Options) width() int {
	if o.Width <= 0 {
		return DefaultWidth
	}
	return o.Width
}

// Sanitize strips separator characters from a zone code so it can be used
// as an identifier prefix: "14-14" becomes "1414".
func Sanitize(zoneCode string) string {
	var b strings.Builder
	for _, r := range zoneCode {
		if r >= '0' && r <= '9' || r >= 'A' && r <= 'Z' || r >= 'a' && r <= 'z' {
			b.WriteRune(r)
		}
	}
	return b.String()
}

// Allocator hands out strictly increasing sequence numbers for one zone.
// State is explicit: the caller seeds it with the ids already present in the
// zone and drains it within a single run. Pre-existing gaps are preserved,
// never backfilled.
type Allocator struct {
	zone   string
	width  int
	suffix string
	next   int
}

// NewAllocator builds an allocator for a zone from the facility ids already
// assigned there. Existing ids are matched by containment of the sanitized
// zone code; the highest parsed suffix seeds the counter.
func NewAllocator(zoneCode string, existing []string, opts Options) (*Allocator, error) {
	zone := Sanitize(zoneCode)
	if zone == "" {
		return nil, fmt.Errorf("zone code %q sanitizes to empty", zoneCode)
	}

	max := 0
	for _, id := range existing {
		n, ok := parseSuffix(id, zone, opts)
		if ok && n > max {
			max = n
		}
	}

	return &Allocator{
		zone:   zone,
		width:  opts.width(),
		suffix: opts.Suffix,
		next:   max + 1,
	}, nil
}

// Zone returns the sanitized zone code the allocator formats ids with.
func (a *Allocator) Zone() string {
	return a.zone
}

// Next formats the next unused facility id and advances the counter.
func (a *Allocator) Next() string {
	id := fmt.Sprintf("%s%0*d%s", a.zone, a.width, a.next, a.suffix)
	a.next++
	return id
}

// parseSuffix extracts the sequence number from an existing id: strip legacy
// prefixes and the category suffix letter, then read the trailing digit run,
// keeping at most the configured width of final digits.
func parseSuffix(id, zone string, opts Options) (int, bool) {
	if !strings.Contains(id, zone) {
		return 0, false
	}
	for _, p := range opts.StripPrefixes {
		if p != "" && strings.HasPrefix(id, p) {
			id = strings.TrimPrefix(id, p)
			break
		}
	}
	if opts.Suffix != "" {
		id = strings.TrimSuffix(id, opts.Suffix)
	}

	i := len(id)
	for i > 0 && id[i-1] >= '0' && id[i-1] <= '9' {
		i--
	}
	run := id[i:]
	if run == "" {
		return 0, false
	}
	width := opts.width()
	if len(run) > width {
		run = run[len(run)-width:]
	}
	n, err := strconv.Atoi(run)
	if err != nil {
		return 0, false
	}
	return n, true
}
