package middleware

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	apperrors "consultnet/pkg/errors"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"go.uber.org/zap"
)

func TestErrorHandlerMiddleware(t *testing.T) {
	gin.SetMode(gin.TestMode)
	router := gin.New()
	router.Use(RecoveryMiddleware(zap.NewNop().Sugar()), ErrorHandlerMiddleware(zap.NewNop().Sugar()))
	router.GET("/app", func(c *gin.Context) {
		_ = c.Error(apperrors.NewNotFoundError("room").WithContext("room_id", "apt-1"))
	})
	router.GET("/plain", func(c *gin.Context) {
		_ = c.Error(errors.New("boom"))
	})
	router.GET("/panic", func(c *gin.Context) {
		panic("unexpected")
	})

	tests := []struct {
		path   string
		status int
		body   string
	}{
		{"/app", http.StatusNotFound, `{"error":"NOT_FOUND","message":"room not found","details":{"room_id":"apt-1"}}`},
		{"/plain", http.StatusInternalServerError, `{"error":"INTERNAL_ERROR","message":"Internal server error"}`},
		{"/panic", http.StatusInternalServerError, `{"error":"INTERNAL_ERROR","message":"Internal server error"}`},
	}

	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			w := httptest.NewRecorder()
			router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, tt.path, nil))
			assert.Equal(t, tt.status, w.Code)
			assert.JSONEq(t, tt.body, w.Body.String())
		})
	}
}
