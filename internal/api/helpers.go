package api

import (
	"fmt"
	"io"
	"net/http"

	"github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/labstack/echo/v5"
)

func writeJSON(c *echo.Context, status int, v any) error {
	res := c.Response()
	res.Header().Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	res.WriteHeader(status)
	return json.NewEncoder(res).Encode(v)
}

func writeNotFound(c *echo.Context, msg string) error {
	return writeError(c, http.StatusNotFound, "not_found_error", msg, "")
}

func writeError(c *echo.Context, status int, errType, msg, param string) error {
	return writeJSON(c, status, map[string]any{
		"error": ResponseError{
			Message: msg,
			Type:    errType,
			Param:   param,
		},
	})
}

func writeModelError(c *echo.Context, err error) error {
	status, errType, param := statusFor(err)
	return writeError(c, status, errType, err.Error(), param)
}

func decodeJSON[T any](r io.Reader) (T, error) {
	var out T
	dec := json.NewDecoder(r)
	if err := dec.Decode(&out); err != nil {
		return out, newRequestError("", fmt.Sprintf("decode request: %v", err))
	}
	return out, nil
}

func newForwardID() string {
	return "fwd_" + uuid.NewString()
}
