package http

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/chromeherd/chromeherd/internal/broker"
)

// Response is the uniform caller-facing envelope. Failures share the
// shape of successes; callers never see a raw transport error.
type Response struct {
	Success bool        `json:"success"`
	Result  interface{} `json:"result,omitempty"`
	Error   string      `json:"error,omitempty"`
	Code    string      `json:"code,omitempty"`
}

func ok(c *gin.Context, result interface{}) {
	c.JSON(http.StatusOK, Response{Success: true, Result: result})
}

// callFailure reports a failed bot call. The call failed; the broker
// did not, so the HTTP status stays 200 and the kind travels in code.
func callFailure(c *gin.Context, err error) {
	c.JSON(http.StatusOK, Response{
		Success: false,
		Error:   err.Error(),
		Code:    string(broker.KindOf(err)),
	})
}

func badRequest(c *gin.Context, msg string) {
	c.JSON(http.StatusBadRequest, Response{Success: false, Error: msg, Code: "BAD_REQUEST"})
}

func unauthorized(c *gin.Context) {
	c.JSON(http.StatusUnauthorized, Response{Success: false, Error: "invalid credentials", Code: "UNAUTHORIZED"})
}
