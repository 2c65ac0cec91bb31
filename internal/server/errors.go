package server

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"videohub/internal/camera"
)

// ErrorResponse はエラー時のレスポンス
type ErrorResponse struct {
	Error     string    `json:"error"`
	Status    int       `json:"status"`
	Message   string    `json:"message"`
	Timestamp time.Time `json:"timestamp"`
}

var statusNames = map[camera.Status]string{
	camera.StatusInvalidHandle:        "invalid_handle",
	camera.StatusWrongHandleKind:      "wrong_handle_kind",
	camera.StatusPropertyNotFound:     "property_not_found",
	camera.StatusWrongPropertyType:    "wrong_property_type",
	camera.StatusReadFailed:           "read_failed",
	camera.StatusSourceDisconnected:   "source_disconnected",
	camera.StatusNetworkAcceptFailure: "network_accept_failure",
	camera.StatusMalformedRequest:     "malformed_request",
	camera.StatusHandlerNotSet:        "handler_not_set",
	camera.StatusModeNotSupported:     "mode_not_supported",
	camera.StatusPropertyWriteFailed:  "property_write_failed",
}

// httpStatus はステータスコードに対応する HTTP ステータスを返す
func httpStatus(status camera.Status) int {
	switch status {
	case camera.StatusInvalidHandle, camera.StatusPropertyNotFound:
		return http.StatusNotFound
	case camera.StatusWrongHandleKind, camera.StatusWrongPropertyType,
		camera.StatusMalformedRequest, camera.StatusModeNotSupported:
		return http.StatusBadRequest
	case camera.StatusSourceDisconnected, camera.StatusReadFailed:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// respondError はエラーを JSON で返す
func respondError(c *gin.Context, err error) {
	status := camera.StatusOf(err)
	name, ok := statusNames[status]
	if !ok {
		name = "unknown"
	}
	c.AbortWithStatusJSON(httpStatus(status), ErrorResponse{
		Error:     name,
		Status:    int(status),
		Message:   err.Error(),
		Timestamp: time.Now(),
	})
}
