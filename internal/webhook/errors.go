package webhook

import "fmt"

// StatusError is a non-2xx webhook response. It carries the status code
// so the retry layer can classify it without importing this package.
type StatusError struct {
	Code int
	Body string
}

func (e *StatusError) Error() string {
	if e.Body != "" {
		return fmt.Sprintf("webhook returned HTTP %d: %s", e.Code, e.Body)
	}
	return fmt.Sprintf("webhook returned HTTP %d", e.Code)
}

// HTTPStatus implements the classification interface used by the
// resilience package.
func (e *StatusError) HTTPStatus() int {
	return e.Code
}
