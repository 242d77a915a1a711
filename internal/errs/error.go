package errs

import (
	"errors"
	"fmt"
)

var (
	// store error
	errStoreQuery   = errors.New("failed to query store")
	errStoreExec    = errors.New("failed to write store")
	errStoreMigrate = errors.New("failed to migrate schema")
	// cache error
	errCodeStore = errors.New("failed to access code store")
	// dispatch error
	errDispatch        = errors.New("failed to dispatch message")
	errDispatchTimeout = errors.New("dispatch timed out")
	// crypto error
	errSeal   = errors.New("failed to seal secret")
	errUnseal = errors.New("failed to open sealed secret")
	// ratelimit
	errRateLimitClose = errors.New("limiter is closed")
	errRateLimitStore = errors.New("failed to access rate limit store")
)

func ErrStoreQuery(op string, err error) error {
	return fmt.Errorf("%w %s: %w", errStoreQuery, op, err)
}

func ErrStoreExec(op string, err error) error {
	return fmt.Errorf("%w %s: %w", errStoreExec, op, err)
}

func ErrStoreMigrate(err error) error {
	return fmt.Errorf("%w: %w", errStoreMigrate, err)
}

func ErrCodeStore(err error) error {
	return fmt.Errorf("%w: %w", errCodeStore, err)
}

func ErrDispatch(channel string, err error) error {
	return fmt.Errorf("%w via %q: %w", errDispatch, channel, err)
}

func ErrDispatchTimeout(channel string) error {
	return fmt.Errorf("%w via %q", errDispatchTimeout, channel)
}

func ErrSeal(err error) error {
	return fmt.Errorf("%w: %w", errSeal, err)
}

func ErrUnseal(err error) error {
	return fmt.Errorf("%w: %w", errUnseal, err)
}

func ErrRateLimitClose() error {
	return errRateLimitClose
}

func ErrRateLimitStore(err error) error {
	return fmt.Errorf("%w: %w", errRateLimitStore, err)
}

// IsDispatchTimeout 判断是否为外发超时
func IsDispatchTimeout(err error) bool {
	return errors.Is(err, errDispatchTimeout)
}
