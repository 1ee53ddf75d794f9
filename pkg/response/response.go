package response

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

// Response is the JSON envelope written by middleware
type Response struct {
	Success bool        `json:"success"`
	Data    interface{} `json:"data,omitempty"`
	Error   *ErrorData  `json:"error,omitempty"`
}

type ErrorData struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// ErrorBody builds a failure envelope without writing it
func ErrorBody(code, message string) Response {
	return Response{Error: &ErrorData{Code: code, Message: message}}
}

// Abort writes a failure envelope and stops the handler chain
func Abort(c *gin.Context, status int, code, message string) {
	c.AbortWithStatusJSON(status, ErrorBody(code, message))
}

func Unauthorized(c *gin.Context, message string) {
	Abort(c, http.StatusUnauthorized, "UNAUTHORIZED", message)
}
