package api

import (
	"errors"
	"net/http"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog/log"

	"posttrade/internal/provider"
	"posttrade/internal/report"
	"posttrade/internal/schema"
	"posttrade/internal/service"
	"posttrade/internal/sheets"
	"posttrade/internal/timeutil"
)

// APIResponse represents the standard API response envelope.
type APIResponse struct {
	Status  int    `json:"status"`
	Message string `json:"message"`
	Data    any    `json:"data,omitempty"`
}

// ValidationError represents one request validation failure.
type ValidationError struct {
	Code    string         `json:"code,omitempty"`
	Field   string         `json:"field,omitempty"`
	Message string         `json:"message,omitempty"`
	Params  map[string]any `json:"params,omitempty"`
}

// ListDataResponse wraps a page of rows with the total count.
type ListDataResponse struct {
	Rows  any `json:"rows"`
	Total int `json:"total"`
}

// DataResponse writes the envelope with the given status.
func DataResponse(c echo.Context, status int, data any) error {
	return c.JSON(status, APIResponse{
		Status:  status,
		Message: http.StatusText(status),
		Data:    data,
	})
}

// SuccessResponse writes a 200 envelope.
func SuccessResponse(c echo.Context, data any) error {
	return DataResponse(c, http.StatusOK, data)
}

// ListResponse writes a 200 envelope holding a page of rows.
func ListResponse(c echo.Context, rows any, total int) error {
	return SuccessResponse(c, ListDataResponse{Rows: rows, Total: total})
}

// BadRequestResponse writes a 400 envelope.
func BadRequestResponse(c echo.Context, data any) error {
	return DataResponse(c, http.StatusBadRequest, data)
}

// messageError is the payload of errors without structured detail.
type messageError struct {
	Error string `json:"error"`
}

// ErrorResponse maps err to a status code and writes the envelope.
//
// Structural load failures (schema and time errors) yield 422 with their typed
// detail, a missing snapshot or preset 404, invalid input 400 and everything
// else 500.
func ErrorResponse(c echo.Context, err error) error {
	var se *schema.SchemaError
	var te *timeutil.TimeParseError

	switch {
	case errors.As(err, &se):
		return DataResponse(c, http.StatusUnprocessableEntity, se)
	case errors.As(err, &te):
		return DataResponse(c, http.StatusUnprocessableEntity, te)
	case errors.Is(err, service.ErrNoSnapshot), errors.Is(err, report.ErrPresetNotFound):
		return DataResponse(c, http.StatusNotFound, messageError{err.Error()})
	case errors.Is(err, provider.ErrInvalidDateRange),
		errors.Is(err, timeutil.ErrInvalidDate),
		errors.Is(err, sheets.ErrUnknownColumn),
		errors.Is(err, report.ErrNoMetrics),
		errors.Is(err, report.ErrNoBlocks),
		errors.Is(err, report.ErrUnknownMetric),
		errors.Is(err, report.ErrInvalidPresetName),
		errors.Is(err, errBadQuery):
		return BadRequestResponse(c, []ValidationError{{Code: "ERR_BAD_REQUEST", Message: err.Error()}})
	}

	log.Error().Err(err).Str("path", c.Path()).Msg("request failed")
	return DataResponse(c, http.StatusInternalServerError, messageError{err.Error()})
}
