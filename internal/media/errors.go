package media

import "errors"

var (
	// ErrPermissionDenied is returned when a device refuses to hand out a track.
	ErrPermissionDenied = errors.New("media: permission denied")
	// ErrDeviceNotFound is returned when no device satisfies the constraints.
	ErrDeviceNotFound = errors.New("media: requested device not found")
	ErrTrackEnded     = errors.New("media: track ended")
	ErrNoTrack        = errors.New("media: stream has no audio track")
	ErrInvalidState   = errors.New("media: invalid state")
	ErrNotSupported   = errors.New("media: type not supported")
	// ErrDecode is returned when bytes are not valid audio for the given type.
	ErrDecode = errors.New("media: unable to decode audio data")
)
