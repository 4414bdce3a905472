package api

import (
	"errors"
	"net/http"

	"github.com/samcharles93/hisr/internal/swin"
	"github.com/samcharles93/hisr/internal/tensor"
)

var ErrInvalidRequest = errors.New("invalid_request")

// requestError is a caller mistake tied to one request field.
type requestError struct {
	param string
	msg   string
}

func (e requestError) Error() string {
	return e.msg
}

func (e requestError) Unwrap() error {
	return ErrInvalidRequest
}

func newRequestError(param, msg string) error {
	return requestError{param: param, msg: msg}
}

// statusFor maps model errors to HTTP statuses: caller mistakes are 400,
// everything else is a server error. param names the offending field when known.
func statusFor(err error) (status int, errType, param string) {
	var re requestError
	if errors.As(err, &re) {
		param = re.param
	}
	switch {
	case errors.Is(err, ErrInvalidRequest),
		errors.Is(err, tensor.ErrShapeMismatch),
		errors.Is(err, swin.ErrInvalidConfig):
		return http.StatusBadRequest, "invalid_request_error", param
	default:
		return http.StatusInternalServerError, "server_error", param
	}
}
