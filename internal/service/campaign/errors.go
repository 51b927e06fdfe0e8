package campaign

import "errors"

// Sentinel errors for the campaign service layer.
var (
	ErrNotFound          = errors.New("campaign not found")
	ErrInvalidTransition = errors.New("invalid status transition")
	ErrMissingList       = errors.New("campaign has no recipient list")
	ErrMissingDomain     = errors.New("campaign has no sending domain")
	ErrDeleteSending     = errors.New("campaign is mid-send and cannot be deleted")
	ErrScheduleInPast    = errors.New("scheduled time is in the past")
)
