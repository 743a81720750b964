// Package handlers provides HTTP request handlers.
package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/steward-dao/steward/pkg/types"
)

// respond writes a success envelope.
func respond(c *gin.Context, status int, data any) {
	c.JSON(status, types.OKEnvelope(data))
}

// respondError maps the error code onto an HTTP status and writes an
// error envelope.
func respondError(c *gin.Context, err error) {
	c.JSON(httpStatus(err), types.ErrorEnvelope(err))
}

// respondBadRequest wraps a request-parsing failure as InvalidArgument.
func respondBadRequest(c *gin.Context, err error) {
	respondError(c, types.WrapError(types.CodeInvalidArgument, err, "invalid request"))
}

func httpStatus(err error) int {
	switch types.CodeOf(err) {
	case types.CodeInvalidArgument:
		return http.StatusBadRequest
	case types.CodeNotFound:
		return http.StatusNotFound
	case types.CodeConflict:
		return http.StatusConflict
	case types.CodeCapacityExceeded:
		return http.StatusTooManyRequests
	default:
		return http.StatusInternalServerError
	}
}
