package settings

import (
	"errors"
	"fmt"
)

var (
	// ErrLockedCategory is returned for any attempt to change security delivery
	ErrLockedCategory          = errors.New("security notifications cannot be changed")
	ErrUnknownCategory         = errors.New("unknown category")
	ErrUnknownNotificationType = errors.New("unknown notification type")
	ErrInvalidDigest           = errors.New("invalid digest settings")
	ErrInvalidQuietHours       = errors.New("invalid quiet hours")
	ErrInvalidWizardAnswer     = errors.New("invalid wizard answer")

	ErrNotFound        = errors.New("notification settings not found")
	ErrVersionConflict = errors.New("notification settings were modified concurrently")
)

// ParseError reports persisted settings that could not be read at all
type ParseError struct {
	UserID string
	Err    error
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("failed to parse notification settings for %s: %v", e.UserID, e.Err)
}

func (e *ParseError) Unwrap() error { return e.Err }
