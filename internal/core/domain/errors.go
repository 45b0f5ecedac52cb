package domain

import (
	"errors"
	"fmt"
)

var (
	ErrInvalidInput          = errors.New("invalid input")
	ErrDependencyUnavailable = errors.New("dependency unavailable")
	ErrTimeout               = errors.New("timeout")
	ErrIndexEmpty            = errors.New("index empty")
	ErrMalformedCacheEntry   = errors.New("malformed cache entry")
	ErrCacheMiss             = errors.New("cache miss")
)

// WrapError preserves typed semantic errors with operation context.
func WrapError(kind error, operation string, err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w: %w", operation, kind, err)
}

func IsKind(err error, kind error) bool {
	return errors.Is(err, kind)
}
