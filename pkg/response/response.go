// Package response writes the JSON envelope shared by every endpoint.
package response

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

// RequestIDKey is the gin context key holding the request id set by the logger middleware.
const RequestIDKey = "request_id"

// Body is the standard API response envelope. Error bodies carry the request id
// so a client report can be matched to the server log line.
type Body struct {
	Success   bool   `json:"success"`
	Data      any    `json:"data,omitempty"`
	Error     string `json:"error,omitempty"`
	RequestID string `json:"requestId,omitempty"`
}

func ok(c *gin.Context, status int, data any) {
	c.JSON(status, Body{Success: true, Data: data})
}

func fail(c *gin.Context, status int, msg string) {
	c.JSON(status, Body{Error: msg, RequestID: c.GetString(RequestIDKey)})
}

// OK sends 200 with data.
func OK(c *gin.Context, data any) { ok(c, http.StatusOK, data) }

// Created sends 201 with the new resource.
func Created(c *gin.Context, data any) { ok(c, http.StatusCreated, data) }

// Accepted sends 202 for work queued in the background.
func Accepted(c *gin.Context, data any) { ok(c, http.StatusAccepted, data) }

// NoContent sends 204.
func NoContent(c *gin.Context) {
	c.Status(http.StatusNoContent)
}

// BadRequest sends 400.
func BadRequest(c *gin.Context, msg string) { fail(c, http.StatusBadRequest, msg) }

// NotFound sends 404.
func NotFound(c *gin.Context, msg string) { fail(c, http.StatusNotFound, msg) }

// Conflict sends 409, used when a resource is in the wrong pipeline status.
func Conflict(c *gin.Context, msg string) { fail(c, http.StatusConflict, msg) }

// Internal sends 500.
func Internal(c *gin.Context, msg string) { fail(c, http.StatusInternalServerError, msg) }

// ServiceUnavailable sends 503.
func ServiceUnavailable(c *gin.Context, msg string) { fail(c, http.StatusServiceUnavailable, msg) }
