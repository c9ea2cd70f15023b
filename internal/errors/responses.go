package errors

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

// APIError is the envelope for every non-stream HTTP error this gateway
// returns, such as auth failures on the WS upgrade and on the other plain
// HTTP endpoints alongside the socket.
type APIError struct {
	Error   string                 `json:"error"`
	Details map[string]interface{} `json:"details,omitempty"`
}

func NewAPIError(message string, details map[string]interface{}) *APIError {
	return &APIError{Error: message, Details: details}
}

// AbortWithBadRequest sends a 400 and aborts the request.
func AbortWithBadRequest(c *gin.Context, message string, details map[string]interface{}) {
	c.AbortWithStatusJSON(http.StatusBadRequest, NewAPIError(message, details))
}

// AbortWithUnauthorized sends a 401 and aborts the request.
func AbortWithUnauthorized(c *gin.Context, message string, details map[string]interface{}) {
	c.AbortWithStatusJSON(http.StatusUnauthorized, NewAPIError(message, details))
}

// AbortWithNotFound sends a 404 and aborts the request.
func AbortWithNotFound(c *gin.Context, message string, details map[string]interface{}) {
	c.AbortWithStatusJSON(http.StatusNotFound, NewAPIError(message, details))
}

// AbortWithConflict sends a 409 and aborts the request.
func AbortWithConflict(c *gin.Context, message string, details map[string]interface{}) {
	c.AbortWithStatusJSON(http.StatusConflict, NewAPIError(message, details))
}

// AbortWithInternal sends a 500 and aborts the request.
func AbortWithInternal(c *gin.Context, message string, details map[string]interface{}) {
	c.AbortWithStatusJSON(http.StatusInternalServerError, NewAPIError(message, details))
}
