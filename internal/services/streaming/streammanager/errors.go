package streammanager

import (
	"fmt"
	"net/http"
)

// HTTPError is an error that maps onto a plain-text HTTP response.
type HTTPError struct {
	Status  int
	Message string
	// KeepAlive lets the connection serve further requests after the error
	// when the client asked for it.
	KeepAlive bool
	Header    http.Header
}

func (e *HTTPError) Error() string {
	return fmt.Sprintf("%d %s: %s", e.Status, http.StatusText(e.Status), e.Message)
}

func errNotFound(msg string) *HTTPError {
	return &HTTPError{Status: http.StatusNotFound, Message: msg, KeepAlive: true}
}

func errMethodNotAllowed(method string) *HTTPError {
	h := http.Header{}
	h.Set("Allow", "GET, HEAD")
	return &HTTPError{
		Status:    http.StatusMethodNotAllowed,
		Message:   fmt.Sprintf("method %s not allowed", method),
		KeepAlive: true,
		Header:    h,
	}
}

func errRangeNotSatisfiable(size int64, cause error) *HTTPError {
	h := http.Header{}
	h.Set("Content-Range", fmt.Sprintf("bytes */%d", size))
	return &HTTPError{
		Status:  http.StatusRequestedRangeNotSatisfiable,
		Message: cause.Error(),
		Header:  h,
	}
}
