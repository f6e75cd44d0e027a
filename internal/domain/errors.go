package domain

import (
	"errors"
	"fmt"
)

var (
	ErrValidation        = errors.New("validation error")
	ErrUnknownToken      = fmt.Errorf("%w: unsupported token", ErrValidation)
	ErrChainUnavailable  = errors.New("chain unavailable")
	ErrRateLimited       = fmt.Errorf("%w: rate limited", ErrChainUnavailable)
	ErrInvalidTransition = errors.New("invalid transition")
	ErrSessionNotFound   = errors.New("session not found")
)
