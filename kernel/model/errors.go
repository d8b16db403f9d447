package model

import (
	"fmt"

	"github.com/pkg/errors"
)

// UpstreamError reports a failed or malformed exchange with the completion endpoint.
type UpstreamError struct {
	StatusCode int
	Body       string
	Err        error
}

func (e *UpstreamError) Error() string {
	if e == nil {
		return "model: upstream error"
	}
	switch {
	case e.StatusCode > 0 && e.Body != "":
		return fmt.Sprintf("model: upstream http status %d body=%s", e.StatusCode, e.Body)
	case e.StatusCode > 0:
		return fmt.Sprintf("model: upstream http status %d", e.StatusCode)
	case e.Err != nil:
		return "model: upstream: " + e.Err.Error()
	default:
		return "model: upstream error"
	}
}

func (e *UpstreamError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

// Upstream wraps err as an *UpstreamError unless it already is one.
func Upstream(err error) error {
	if err == nil {
		return nil
	}
	var target *UpstreamError
	if errors.As(err, &target) {
		return err
	}
	return &UpstreamError{Err: err}
}

// IsUpstream reports whether err came from the completion endpoint.
func IsUpstream(err error) bool {
	var target *UpstreamError
	return errors.As(err, &target)
}
