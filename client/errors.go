package client

import (
	"errors"
	"fmt"
	"net/http"
)

// StatusError is a non-2xx reply from the coordinator
type StatusError struct {
	Code int
	Body string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("coordinator replied %d: %s", e.Code, e.Body)
}

func (e *StatusError) Unauthorized() bool {
	return e.Code == http.StatusUnauthorized
}

// Permanent is a rejection that will not change on retry
func (e *StatusError) Permanent() bool {
	if e.Code < 400 || e.Code >= 500 {
		return false
	}
	switch e.Code {
	case http.StatusUnauthorized, http.StatusRequestTimeout, http.StatusTooManyRequests:
		return false
	}
	return true
}

func asStatus(err error) (*StatusError, bool) {
	var se *StatusError
	ok := errors.As(err, &se)
	return se, ok
}

func IsPermanent(err error) bool {
	se, ok := asStatus(err)
	return ok && se.Permanent()
}

func IsUnauthorized(err error) bool {
	se, ok := asStatus(err)
	return ok && se.Unauthorized()
}

func IsNotFound(err error) bool {
	se, ok := asStatus(err)
	return ok && se.Code == http.StatusNotFound
}

func IsConflict(err error) bool {
	se, ok := asStatus(err)
	return ok && se.Code == http.StatusConflict
}
