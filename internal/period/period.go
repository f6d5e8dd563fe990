// Package period derives fixed-length market epochs from wall-clock time.
// Periods are 24h long, aligned to UTC midnight, and half-open: [start, end).
package period

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/kolmarket/market-engine/internal/model"
)

// Length is the duration of one market period.
const Length = 24 * time.Hour

const idPrefix = "period_"

// ErrInvalidID is returned for identifiers not produced by ID.
var ErrInvalidID = errors.New("period: invalid period id")

// Current returns the period containing now.
func Current(now time.Time) model.MarketPeriod {
	now = now.UTC()
	start := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC)
	return At(start, now)
}

// At materializes the period starting at start, with flags evaluated at now.
// start must be a UTC midnight.
func At(start, now time.Time) model.MarketPeriod {
	start = start.UTC()
	end := start.Add(Length)
	return model.MarketPeriod{
		ID:       ID(start),
		Epoch:    start.UnixMilli() / Length.Milliseconds(),
		Start:    start,
		End:      end,
		Active:   !now.Before(start) && now.Before(end),
		Resolved: !now.Before(end),
	}
}

// Previous returns the period immediately before p.
func Previous(p model.MarketPeriod, now time.Time) model.MarketPeriod {
	return At(p.Start.Add(-Length), now)
}

// ID returns the identifier of the period starting at start.
func ID(start time.Time) string {
	return idPrefix + strconv.FormatInt(start.UTC().UnixMilli(), 10)
}

// ParseID returns the start instant encoded in a period id.
func ParseID(id string) (time.Time, error) {
	raw, ok := strings.CutPrefix(id, idPrefix)
	if !ok {
		return time.Time{}, fmt.Errorf("%w: %q", ErrInvalidID, id)
	}
	ms, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return time.Time{}, fmt.Errorf("%w: %q", ErrInvalidID, id)
	}
	start := time.UnixMilli(ms).UTC()
	if ms%Length.Milliseconds() != 0 {
		return time.Time{}, fmt.Errorf("%w: %q is not day-aligned", ErrInvalidID, id)
	}
	return start, nil
}

// ForID materializes the period with the given id, flags evaluated at now.
func ForID(id string, now time.Time) (model.MarketPeriod, error) {
	start, err := ParseID(id)
	if err != nil {
		return model.MarketPeriod{}, err
	}
	return At(start, now), nil
}
