package recorder

import "errors"

var (
	// ErrEmptyText is returned when there is nothing to speak.
	ErrEmptyText = errors.New("recorder: no words to synthesize")
	// ErrInvalidOutputKind is returned for an unknown or missing output kind.
	ErrInvalidOutputKind = errors.New("recorder: invalid output kind")
	// ErrNoData is returned by conversions before a capture has completed.
	ErrNoData = errors.New("recorder: no data to return")
	// ErrUnsupportedContentType is returned when no recorder or container accepts the content type.
	ErrUnsupportedContentType = errors.New("recorder: content type not supported")
	// ErrSessionBusy is returned by Start while a capture is in flight.
	ErrSessionBusy = errors.New("recorder: session already started")
	// ErrSpeechFailed wraps an utterance that ended with a synthesis error.
	ErrSpeechFailed = errors.New("recorder: speech synthesis failed")
	// ErrClosed is returned by Start once the session has been closed.
	ErrClosed = errors.New("recorder: session closed")
)
