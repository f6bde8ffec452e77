// Package envelope renders the API's uniform response shapes:
// {"success": true, "data": ..., "count": n} for successes and
// {"error": "..."} for failures.
package envelope

import "github.com/labstack/echo/v4"

// Response is the success envelope.
type Response struct {
	Success bool        `json:"success"`
	Data    interface{} `json:"data"`
	Count   *int        `json:"count,omitempty"`
	Message string      `json:"message,omitempty"`
}

// ErrorBody is the failure envelope.
type ErrorBody struct {
	Error string `json:"error"`
}

// OK writes a success envelope with the given status code.
func OK(c echo.Context, code int, data interface{}) error {
	return c.JSON(code, Response{Success: true, Data: data})
}

// OKMessage writes a success envelope carrying a human-readable message.
func OKMessage(c echo.Context, code int, msg string, data interface{}) error {
	return c.JSON(code, Response{Success: true, Message: msg, Data: data})
}

// List writes a success envelope for a collection, including its count.
func List(c echo.Context, code int, data interface{}, count int) error {
	return c.JSON(code, Response{Success: true, Data: data, Count: &count})
}

// Error writes a failure envelope with the given status code.
func Error(c echo.Context, code int, msg string) error {
	return c.JSON(code, ErrorBody{Error: msg})
}
