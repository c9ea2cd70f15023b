package errors

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

// ForbiddenReason is a machine-readable reason code for a 403 response.
type ForbiddenReason string

const (
	ReasonChatNotOwned ForbiddenReason = "chat_not_owned"
)

// ForbiddenError is a standardized 403 Forbidden response.
type ForbiddenError struct {
	Error   string                 `json:"error"`
	Reason  ForbiddenReason        `json:"reason"`
	Details map[string]interface{} `json:"details,omitempty"`
}

func NewForbiddenError(reason ForbiddenReason, errorMsg string, details map[string]interface{}) *ForbiddenError {
	return &ForbiddenError{
		Error:   errorMsg,
		Reason:  reason,
		Details: details,
	}
}

// AbortWithForbidden sends a 403 response with the ForbiddenError and aborts the request.
func AbortWithForbidden(c *gin.Context, err *ForbiddenError) {
	c.AbortWithStatusJSON(http.StatusForbidden, err)
}

// ChatNotOwned creates a ForbiddenError for unauthorized chat access.
func ChatNotOwned(chatID string) *ForbiddenError {
	return NewForbiddenError(
		ReasonChatNotOwned,
		"Forbidden: you don't own this chat",
		map[string]interface{}{"chat_id": chatID},
	)
}
