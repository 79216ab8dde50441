package timefmt

import (
	"errors"
	"fmt"
	"math"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/jinzhu/now"
)

// Layout is the canonical storage representation for every timestamp in the store.
const Layout = "2006-01-02 15:04:05"

// ErrParse indicates that a timestamp input could not be interpreted.
var ErrParse = errors.New("timefmt: unparseable timestamp")

var numericPattern = regexp.MustCompile(`^[+-]?(\d+(\.\d*)?|\.\d+)$`)

// Input is a timestamp in one of the shapes accepted by the normalizer.
type Input interface {
	isInput()
}

// Native wraps an already parsed time value.
type Native time.Time

// EpochSeconds is a unix timestamp with optional fractional seconds.
type EpochSeconds float64

// EpochString is a unix timestamp carried as a decimal string, e.g. "1700000000.000200".
type EpochString string

// FreeText is any other date or time string.
type FreeText string

func (Native) isInput()       {}
func (EpochSeconds) isInput() {}
func (EpochString) isInput()  {}
func (FreeText) isInput()     {}

// Classify picks the input variant for a raw string. Only a string that is a decimal
// number in its entirety is treated as epoch seconds.
func Classify(raw string) Input {
	trimmed := strings.TrimSpace(raw)
	if numericPattern.MatchString(trimmed) {
		return EpochString(trimmed)
	}
	return FreeText(trimmed)
}

// Normalizer renders timestamps in the canonical layout for a fixed location.
type Normalizer struct {
	location *time.Location
}

// NewNormalizer returns a Normalizer bound to loc, falling back to time.Local.
func NewNormalizer(loc *time.Location) Normalizer {
	if loc == nil {
		loc = time.Local
	}
	return Normalizer{location: loc}
}

// Location reports the zone used for rendering and day boundaries.
func (n Normalizer) Location() *time.Location {
	if n.location == nil {
		return time.Local
	}
	return n.location
}

// Normalize converts input into the canonical layout.
func (n Normalizer) Normalize(input Input) (string, error) {
	resolved, err := n.Resolve(input)
	if err != nil {
		return "", err
	}
	return n.Format(resolved), nil
}

// Resolve converts input into a time value in the normalizer's location. Values whose
// year falls outside 0000-9999 are rejected since they cannot be written in Layout.
func (n Normalizer) Resolve(input Input) (time.Time, error) {
	resolved, err := n.resolve(input)
	if err != nil {
		return time.Time{}, err
	}
	if year := resolved.Year(); year < 0 || year > 9999 {
		return time.Time{}, fmt.Errorf("%w: year %d out of range", ErrParse, year)
	}
	return resolved, nil
}

func (n Normalizer) resolve(input Input) (time.Time, error) {
	switch value := input.(type) {
	case Native:
		return time.Time(value).In(n.Location()), nil
	case EpochSeconds:
		return n.fromEpoch(float64(value))
	case EpochString:
		seconds, err := strconv.ParseFloat(strings.TrimSpace(string(value)), 64)
		if err != nil {
			return time.Time{}, fmt.Errorf("%w: %q is not numeric", ErrParse, string(value))
		}
		return n.fromEpoch(seconds)
	case FreeText:
		text := strings.TrimSpace(string(value))
		if text == "" {
			return time.Time{}, fmt.Errorf("%w: empty", ErrParse)
		}
		parsed, err := now.ParseInLocation(n.Location(), text)
		if err != nil {
			return time.Time{}, fmt.Errorf("%w: %q", ErrParse, text)
		}
		return parsed.In(n.Location()), nil
	case nil:
		return time.Time{}, fmt.Errorf("%w: missing input", ErrParse)
	default:
		return time.Time{}, fmt.Errorf("%w: unsupported input %T", ErrParse, input)
	}
}

// Epoch bounds of years 0000 through 9999 in UTC, with a day of slack either side for
// zone offsets; the year check in Resolve is exact.
const (
	minEpochSeconds = -62167219200 - 86400
	maxEpochSeconds = 253402300800 + 86400
)

func (n Normalizer) fromEpoch(seconds float64) (time.Time, error) {
	if math.IsNaN(seconds) || math.IsInf(seconds, 0) || seconds < minEpochSeconds || seconds >= maxEpochSeconds {
		return time.Time{}, fmt.Errorf("%w: epoch %v", ErrParse, seconds)
	}
	whole, fraction := math.Modf(seconds)
	return time.Unix(int64(whole), int64(fraction*float64(time.Second))).In(n.Location()), nil
}

// Format renders t in the canonical layout.
func (n Normalizer) Format(t time.Time) string {
	return t.In(n.Location()).Format(Layout)
}

// Parse reads a canonical string back into a time value.
func (n Normalizer) Parse(canonical string) (time.Time, error) {
	parsed, err := time.ParseInLocation(Layout, strings.TrimSpace(canonical), n.Location())
	if err != nil {
		return time.Time{}, fmt.Errorf("%w: %q", ErrParse, canonical)
	}
	return parsed, nil
}

// StartOfDay returns local midnight of the day containing t.
func (n Normalizer) StartOfDay(t time.Time) time.Time {
	return now.With(t.In(n.Location())).BeginningOfDay()
}

// NextDay returns local midnight of the day after the one containing t.
func (n Normalizer) NextDay(t time.Time) time.Time {
	start := n.StartOfDay(t)
	return time.Date(start.Year(), start.Month(), start.Day()+1, 0, 0, 0, 0, n.Location())
}
