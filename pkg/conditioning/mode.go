package conditioning

import (
	"errors"
	"fmt"
	"slices"
	"strings"

	"github.com/containerd/errdefs"
)

// Mode selects the strategy used to derive a conditioning image.
type Mode string

const (
	// ModeLineArt runs the line-extraction model over the input.
	ModeLineArt Mode = "lineart"
	// ModeCanny runs a classical Canny edge detector over the input.
	ModeCanny Mode = "canny"
	// ModeNone passes the input through; the caller asserts it already is an
	// edge map or sketch.
	ModeNone Mode = "none"
)

var (
	// ErrInvalidConfiguration indicates that a conditioning mode could not be
	// resolved to a known strategy.
	ErrInvalidConfiguration = fmt.Errorf("invalid conditioning configuration: %w", errdefs.ErrInvalidArgument)
	// ErrDetectorUnavailable indicates that line-art conditioning was
	// requested but no detector is configured.
	ErrDetectorUnavailable = fmt.Errorf("line-art detector unavailable: %w", errdefs.ErrUnavailable)
)

// Modes lists the supported modes.
var Modes = []Mode{ModeLineArt, ModeCanny, ModeNone}

// ParseMode resolves a user-supplied mode name. Matching ignores case and
// surrounding whitespace.
func ParseMode(s string) (Mode, error) {
	m := Mode(strings.ToLower(strings.TrimSpace(s)))
	if err := m.Validate(); err != nil {
		return "", err
	}
	return m, nil
}

// Validate returns ErrInvalidConfiguration if m is not a known mode.
func (m Mode) Validate() error {
	if slices.Contains(Modes, m) {
		return nil
	}
	names := make([]string, len(Modes))
	for i, mode := range Modes {
		names[i] = string(mode)
	}
	return fmt.Errorf("%w: unknown preprocessor %q (expected one of %s)", ErrInvalidConfiguration, string(m), strings.Join(names, ", "))
}

// String implements fmt.Stringer.
func (m Mode) String() string {
	return string(m)
}

// IsInvalidConfiguration reports whether err is a conditioning configuration
// error.
func IsInvalidConfiguration(err error) bool {
	return errors.Is(err, ErrInvalidConfiguration)
}
