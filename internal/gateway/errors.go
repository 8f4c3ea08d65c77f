package gateway

import (
	"errors"
	"fmt"
)

type statusError struct {
	code   int
	reason string
}

func (e *statusError) Error() string {
	return fmt.Sprintf("gateway status %d: %s", e.code, e.reason)
}

func asStatus(err error, target **statusError) bool {
	return errors.As(err, target)
}
