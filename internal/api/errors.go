package api

import (
	"errors"
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/teemow/inboxsync/internal/monitor"
	"github.com/teemow/inboxsync/internal/syncjob"
	"github.com/teemow/inboxsync/internal/syncstate"
)

// Error codes returned in the error envelope.
const (
	CodeInvalidRequest     = "invalid_request"
	CodeNotFound           = "not_found"
	CodeConflict           = "conflict"
	CodeStorageUnavailable = "storage_unavailable"
	CodeUnavailable        = "unavailable"
	CodeForbidden          = "forbidden"
	CodeInternal           = "internal_error"
)

type errorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

type apiResponse struct {
	Data  any        `json:"data,omitempty"`
	Error *errorBody `json:"error,omitempty"`
}

func respond(c echo.Context, status int, data any) error {
	return c.JSON(status, apiResponse{Data: data})
}

func fail(c echo.Context, status int, code, message string) error {
	return c.JSON(status, apiResponse{Error: &errorBody{Code: code, Message: message}})
}

// failWith maps a domain error to a status and code. Storage and internal
// failures get generic messages; driver errors never reach the client.
// Request fields are validated by the handlers, so an ErrInvalidState here
// is a store rejecting a write and is reported as an internal error.
func failWith(c echo.Context, err error) error {
	switch {
	case errors.Is(err, syncstate.ErrInvalidState):
		return fail(c, http.StatusInternalServerError, CodeInternal, "sync state rejected the update")
	case errors.Is(err, syncstate.ErrNotFound):
		return fail(c, http.StatusNotFound, CodeNotFound, "not found")
	case errors.Is(err, syncstate.ErrStateConflict):
		return fail(c, http.StatusConflict, CodeConflict, "concurrent start, retry the request")
	case errors.Is(err, syncjob.ErrNotOwned):
		return fail(c, http.StatusConflict, CodeConflict, err.Error())
	case errors.Is(err, syncstate.ErrStorage):
		return fail(c, http.StatusServiceUnavailable, CodeStorageUnavailable, "sync state storage is unavailable")
	case errors.Is(err, syncjob.ErrShuttingDown):
		return fail(c, http.StatusServiceUnavailable, CodeUnavailable, err.Error())
	case errors.Is(err, monitor.ErrCleanupUnavailable):
		return fail(c, http.StatusServiceUnavailable, CodeUnavailable, err.Error())
	default:
		return fail(c, http.StatusInternalServerError, CodeInternal, "internal error")
	}
}
