package vmargs

import (
	"math"
	"regexp"
	"strconv"
	"strings"

	pkgerrors "github.com/socialgouv/buildsrv/pkg/errors"
)

const (
	// MaxHeapPrefix is the flag prefix for the maximum heap size
	MaxHeapPrefix = "-Xmx"
	// InitialHeapPrefix is the flag prefix for the initial heap size
	InitialHeapPrefix = "-Xms"
)

var heapFlagPattern = regexp.MustCompile(`^-Xm([xs])([0-9]+)([a-zA-Z]?)$`)

var unitMultipliers = map[string]int64{
	"":  1,
	"k": 1024,
	"m": 1024 * 1024,
	"g": 1024 * 1024 * 1024,
}

// HeapSize is a parsed -Xmx or -Xms flag. The numeric literal and the unit
// are kept as written so the flag can be re-emitted without conversion.
type HeapSize struct {
	// Initial is true for -Xms flags
	Initial bool
	// Literal is the numeric portion exactly as written
	Literal string
	// Unit is the lowercased unit suffix, empty for bytes
	Unit  string
	bytes int64
}

// ParseHeapFlag parses a -Xmx<value><unit> or -Xms<value><unit> token
func ParseHeapFlag(flag string) (HeapSize, error) {
	m := heapFlagPattern.FindStringSubmatch(flag)
	if m == nil {
		return HeapSize{}, invalidHeapFlag(flag, "expected -Xmx<size>[k|m|g] or -Xms<size>[k|m|g]")
	}

	unit := strings.ToLower(m[3])
	multiplier, ok := unitMultipliers[unit]
	if !ok {
		return HeapSize{}, invalidHeapFlag(flag, "unrecognized unit "+strconv.Quote(m[3]))
	}

	value, err := strconv.ParseInt(m[2], 10, 64)
	if err != nil || value > math.MaxInt64/multiplier {
		return HeapSize{}, invalidHeapFlag(flag, "size out of range")
	}

	return HeapSize{
		Initial: m[1] == "s",
		Literal: m[2],
		Unit:    unit,
		bytes:   value * multiplier,
	}, nil
}

// Bytes returns the size in bytes
func (h HeapSize) Bytes() int64 { return h.bytes }

// MaxHeapFlag renders the size as a -Xmx flag with the original literal and a lowercase unit
func (h HeapSize) MaxHeapFlag() string {
	return MaxHeapPrefix + h.Literal + h.Unit
}

// InitialHeapFlag renders the size as a -Xms flag with the original literal and a lowercase unit
func (h HeapSize) InitialHeapFlag() string {
	return InitialHeapPrefix + h.Literal + h.Unit
}

// ResolveMaxHeap merges two optional heap-size flags into a single -Xmx flag.
// An empty string means the flag is absent. The flag with the larger byte
// size wins; on a tie the first argument wins. Both absent yields "".
func ResolveMaxHeap(first, second string) (string, error) {
	if first == "" && second == "" {
		return "", nil
	}
	if second == "" {
		h, err := ParseHeapFlag(first)
		if err != nil {
			return "", err
		}
		return h.MaxHeapFlag(), nil
	}
	if first == "" {
		h, err := ParseHeapFlag(second)
		if err != nil {
			return "", err
		}
		return h.MaxHeapFlag(), nil
	}

	a, err := ParseHeapFlag(first)
	if err != nil {
		return "", err
	}
	b, err := ParseHeapFlag(second)
	if err != nil {
		return "", err
	}
	if b.Bytes() > a.Bytes() {
		return b.MaxHeapFlag(), nil
	}
	return a.MaxHeapFlag(), nil
}

// IsHeapFlag reports whether token sets the maximum or initial heap size
func IsHeapFlag(token string) bool {
	return strings.HasPrefix(token, MaxHeapPrefix) || strings.HasPrefix(token, InitialHeapPrefix)
}

func invalidHeapFlag(flag, reason string) error {
	return pkgerrors.WrapWithField(
		pkgerrors.Newf(pkgerrors.ErrorCodeArgument, "malformed heap flag %q: %s", flag, reason),
		"flag", flag, "invalid heap size")
}
