package api

import (
	"net/http"

	"bloom_wallet/internal/apperror"

	"github.com/gin-gonic/gin"
)

type ErrorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Envelope is the body of every JSON response apart from the gateway
// acknowledgement.
type Envelope struct {
	Success    bool        `json:"success"`
	Data       interface{} `json:"data,omitempty"`
	Error      *ErrorBody  `json:"error,omitempty"`
	Pagination *Pagination `json:"pagination,omitempty"`
}

type HealthResponse struct {
	Status   string `json:"status"`
	Database string `json:"database"`
}

func OK(c *gin.Context, status int, data interface{}) {
	c.JSON(status, Envelope{Success: true, Data: data})
}

func Paginated(c *gin.Context, data interface{}, p Pagination) {
	c.JSON(http.StatusOK, Envelope{Success: true, Data: data, Pagination: &p})
}

// Fail renders err with the status of its kind. Errors without an
// application code are reported as INTERNAL_ERROR and their text is kept
// out of the response; the request logger still sees them.
func Fail(c *gin.Context, err error) {
	_ = c.Error(err)

	status := apperror.HTTPStatus(err)
	body := &ErrorBody{Code: apperror.CodeInternal, Message: "internal server error"}
	if appErr, ok := apperror.As(err); ok && appErr.Kind != apperror.KindInternal {
		body = &ErrorBody{Code: appErr.Code, Message: appErr.Message}
	} else if ok && appErr.Code != "" {
		body.Code = appErr.Code
	}
	c.AbortWithStatusJSON(status, Envelope{Success: false, Error: body})
}

func Abort(c *gin.Context, status int, code, message string) {
	c.AbortWithStatusJSON(status, Envelope{Success: false, Error: &ErrorBody{Code: code, Message: message}})
}
