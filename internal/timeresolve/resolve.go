// Package timeresolve turns a calendar date and wall-clock time in a named
// zone into an exact instant.
package timeresolve

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"
	_ "time/tzdata"

	"remindbot/internal/reminder"
)

// Resolver resolves inputs against a default zone that can be swapped at
// runtime (config hot reload). It is safe for concurrent use.
type Resolver struct {
	mu  sync.RWMutex
	def *time.Location

	zmu   sync.Mutex
	zones map[string]*time.Location
}

// New returns a resolver whose default zone is zone ("" means time.Local).
func New(zone string) (*Resolver, error) {
	r := &Resolver{zones: map[string]*time.Location{}}
	if err := r.SetDefault(zone); err != nil {
		return nil, err
	}
	return r, nil
}

// SetDefault replaces the zone used when Resolve is called without one.
func (r *Resolver) SetDefault(zone string) error {
	loc := time.Local
	if strings.TrimSpace(zone) != "" {
		l, err := r.load(zone)
		if err != nil {
			return err
		}
		loc = l
	}
	r.mu.Lock()
	r.def = loc
	r.mu.Unlock()
	return nil
}

func (r *Resolver) Default() *time.Location {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.def == nil {
		return time.Local
	}
	return r.def
}

// Resolve parses date ("YYYY-MM-DD") and clock ("HH:MM") in zone, or in the
// default zone when zone is empty. The returned instant is in UTC.
func (r *Resolver) Resolve(date, clock, zone string) (time.Time, error) {
	loc := r.Default()
	if strings.TrimSpace(zone) != "" {
		l, err := r.load(zone)
		if err != nil {
			return time.Time{}, err
		}
		loc = l
	}
	return Resolve(date, clock, loc)
}

func (r *Resolver) load(zone string) (*time.Location, error) {
	zone = strings.TrimSpace(zone)
	r.zmu.Lock()
	defer r.zmu.Unlock()
	if r.zones == nil {
		r.zones = map[string]*time.Location{}
	}
	if l, ok := r.zones[zone]; ok {
		return l, nil
	}
	l, err := LoadZone(zone)
	if err != nil {
		return nil, err
	}
	r.zones[zone] = l
	return l, nil
}

// LoadZone wraps time.LoadLocation with reminder.ErrUnknownZone.
func LoadZone(zone string) (*time.Location, error) {
	l, err := time.LoadLocation(strings.TrimSpace(zone))
	if err != nil {
		return nil, fmt.Errorf("%w: %q", reminder.ErrUnknownZone, zone)
	}
	return l, nil
}

// Resolve is the pure form of Resolver.Resolve with an explicit location.
func Resolve(date, clock string, loc *time.Location) (time.Time, error) {
	if loc == nil {
		loc = time.Local
	}
	d, err := splitNumeric(date, "-", 3)
	if err != nil {
		return time.Time{}, fmt.Errorf("date %q: %w", date, err)
	}
	c, err := splitNumeric(clock, ":", 2)
	if err != nil {
		return time.Time{}, fmt.Errorf("time %q: %w", clock, err)
	}
	year, month, day := d[0], d[1], d[2]
	hour, minute := c[0], c[1]

	switch {
	case year < 1 || year > 9999:
		return time.Time{}, fmt.Errorf("%w: year %d", reminder.ErrOutOfRange, year)
	case month < 1 || month > 12:
		return time.Time{}, fmt.Errorf("%w: month %d", reminder.ErrOutOfRange, month)
	case day < 1 || day > daysIn(year, time.Month(month)):
		return time.Time{}, fmt.Errorf("%w: day %d of %04d-%02d", reminder.ErrOutOfRange, day, year, month)
	case hour > 23:
		return time.Time{}, fmt.Errorf("%w: hour %d", reminder.ErrOutOfRange, hour)
	case minute > 59:
		return time.Time{}, fmt.Errorf("%w: minute %d", reminder.ErrOutOfRange, minute)
	}

	at, err := localInstant(year, time.Month(month), day, hour, minute, loc)
	if err != nil {
		return time.Time{}, err
	}
	return at.UTC(), nil
}

// splitNumeric splits s on sep into exactly n unsigned decimal parts.
func splitNumeric(s, sep string, n int) ([]int, error) {
	parts := strings.Split(strings.TrimSpace(s), sep)
	if len(parts) != n {
		return nil, reminder.ErrInvalidDateFormat
	}
	out := make([]int, n)
	for i, p := range parts {
		if p == "" {
			return nil, reminder.ErrInvalidDateFormat
		}
		for j := 0; j < len(p); j++ {
			if p[j] < '0' || p[j] > '9' {
				return nil, reminder.ErrInvalidDateFormat
			}
		}
		v, err := strconv.Atoi(p)
		if err != nil {
			if errors.Is(err, strconv.ErrRange) {
				return nil, reminder.ErrOutOfRange
			}
			return nil, reminder.ErrInvalidDateFormat
		}
		out[i] = v
	}
	return out, nil
}

func daysIn(year int, m time.Month) int {
	return time.Date(year, m+1, 0, 0, 0, 0, 0, time.UTC).Day()
}

// localInstant finds the single instant whose wall clock in loc reads the
// given components. Every UTC offset loc uses within a day and a half of the
// wall time is tried; a gap yields no match and a fold yields two.
func localInstant(year int, month time.Month, day, hour, minute int, loc *time.Location) (time.Time, error) {
	wall := time.Date(year, month, day, hour, minute, 0, 0, time.UTC)

	seen := make(map[int]struct{}, 3)
	var matches []time.Time
	for _, shift := range []time.Duration{-36 * time.Hour, 0, 36 * time.Hour} {
		_, off := wall.Add(shift).In(loc).Zone()
		if _, ok := seen[off]; ok {
			continue
		}
		seen[off] = struct{}{}

		cand := wall.Add(-time.Duration(off) * time.Second)
		lt := cand.In(loc)
		if lt.Year() == year && lt.Month() == month && lt.Day() == day &&
			lt.Hour() == hour && lt.Minute() == minute {
			matches = append(matches, cand)
		}
	}

	switch len(matches) {
	case 1:
		return matches[0], nil
	case 0:
		return time.Time{}, fmt.Errorf("%w: %04d-%02d-%02d %02d:%02d does not exist in %s",
			reminder.ErrAmbiguousLocalTime, year, month, day, hour, minute, loc)
	default:
		return time.Time{}, fmt.Errorf("%w: %04d-%02d-%02d %02d:%02d occurs twice in %s",
			reminder.ErrAmbiguousLocalTime, year, month, day, hour, minute, loc)
	}
}
