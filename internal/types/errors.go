package types

import "errors"

var (
	// ErrFramesUnavailable means the container could not be opened or carries no usable frames.
	ErrFramesUnavailable = errors.New("frames unavailable")
	// ErrMediaUnreadable is the same condition for one-shot image and audio inputs.
	ErrMediaUnreadable = ErrFramesUnavailable
	// ErrNoAudioTrack means audio extraction failed (no track, codec or tool failure).
	ErrNoAudioTrack = errors.New("no audio track")
	// ErrInference wraps any failure of the face detector or frame classifier.
	ErrInference = errors.New("inference failed")
	// ErrExplanationService wraps failures of the remote explanation provider.
	ErrExplanationService = errors.New("explanation service unavailable")
	// ErrUploadTimeout means the media upload to the explanation provider did not finish in time.
	ErrUploadTimeout = errors.New("explanation upload timed out")
	// ErrNotConfigured is returned by optional collaborators that were not set up.
	ErrNotConfigured = errors.New("not configured")
)
