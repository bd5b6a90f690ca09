package models

import "github.com/rotisserie/eris"

var (
	// ErrInvalidConfiguration is returned for unsupported radii, thresholds or malformed coordinates.
	ErrInvalidConfiguration = eris.New("invalid configuration")
	// ErrSampleUnavailable means the source produced no sample this tick.
	ErrSampleUnavailable = eris.New("sample unavailable")
	// ErrCoordinateUnavailable means no current position is known.
	ErrCoordinateUnavailable = eris.New("coordinate unavailable")
	// ErrUnknownHandle is returned when a handle does not name a running session.
	ErrUnknownHandle = eris.New("unknown monitoring handle")
	// ErrStopped is returned by commands sent to a session after Stop.
	ErrStopped = eris.New("monitoring stopped")
)

// InvalidConfigurationf wraps ErrInvalidConfiguration with a formatted reason.
func InvalidConfigurationf(format string, args ...any) error {
	return eris.Wrapf(ErrInvalidConfiguration, format, args...)
}
