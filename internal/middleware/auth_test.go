package middleware

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"

	"marketplace-chat/internal/mocks"
)

func newAuthRouter(validator TokenValidator) *gin.Engine {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.GET("/me", AuthMiddleware(validator), func(c *gin.Context) {
		uid, _ := UserID(c)
		c.String(http.StatusOK, uid)
	})
	return r
}

func TestAuthMiddleware(t *testing.T) {
	tests := []struct {
		name       string
		header     string
		query      string
		setup      func(m *mocks.TokenValidatorMock)
		wantStatus int
		wantBody   string
	}{
		{name: "missing credentials", wantStatus: http.StatusUnauthorized},
		{name: "malformed header", header: "Token abc", wantStatus: http.StatusUnauthorized},
		{
			name:   "valid bearer",
			header: "Bearer abc",
			setup: func(m *mocks.TokenValidatorMock) {
				m.On("ValidateToken", mock.Anything, "abc").Return("creator-1", nil)
			},
			wantStatus: http.StatusOK,
			wantBody:   "creator-1",
		},
		{
			name:  "query token",
			query: "?token=xyz",
			setup: func(m *mocks.TokenValidatorMock) {
				m.On("ValidateToken", mock.Anything, "xyz").Return("brand-2", nil)
			},
			wantStatus: http.StatusOK,
			wantBody:   "brand-2",
		},
		{
			name:   "rejected token",
			header: "bearer nope",
			setup: func(m *mocks.TokenValidatorMock) {
				m.On("ValidateToken", mock.Anything, "nope").Return("", errors.New("invalid"))
			},
			wantStatus: http.StatusUnauthorized,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			validator := new(mocks.TokenValidatorMock)
			if tt.setup != nil {
				tt.setup(validator)
			}
			req := httptest.NewRequest(http.MethodGet, "/me"+tt.query, nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			w := httptest.NewRecorder()
			newAuthRouter(validator).ServeHTTP(w, req)

			assert.Equal(t, tt.wantStatus, w.Code)
			if tt.wantBody != "" {
				assert.Equal(t, tt.wantBody, w.Body.String())
			}
			validator.AssertExpectations(t)
		})
	}
}
