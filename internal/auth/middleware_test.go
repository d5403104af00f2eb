package auth

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testSecret = "test-secret"

func signToken(t *testing.T, secret string, claims Claims) string {
	t.Helper()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString([]byte(secret))
	require.NoError(t, err)
	return signed
}

func claimsFor(subject, role string) Claims {
	return Claims{
		Role: role,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   subject,
			Audience:  jwt.ClaimStrings{"lesion-triage"},
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		},
	}
}

func newRouter(handlers ...gin.HandlerFunc) *gin.Engine {
	gin.SetMode(gin.TestMode)
	router := gin.New()
	chain := append([]gin.HandlerFunc{JWTMiddleware(testSecret, "lesion-triage")}, handlers...)
	chain = append(chain, func(c *gin.Context) {
		caller, ok := GetCaller(c.Request.Context())
		if !ok {
			c.Status(http.StatusInternalServerError)
			return
		}
		kind := "patient"
		if IsClinician(caller) {
			kind = "clinician"
		}
		c.JSON(http.StatusOK, gin.H{"subject": caller.Subject(), "kind": kind})
	})
	router.GET("/whoami", chain...)
	return router
}

func call(router *gin.Engine, token string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodGet, "/whoami", nil)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	return rec
}

func TestJWTMiddlewareMapsRoles(t *testing.T) {
	cases := map[string]string{
		"clinician": "clinician",
		"Doctor":    "clinician",
		"patient":   "patient",
		"":          "patient",
		"admin":     "patient",
	}
	router := newRouter()
	for role, want := range cases {
		t.Run(role, func(t *testing.T) {
			rec := call(router, signToken(t, testSecret, claimsFor("user-1", role)))
			require.Equal(t, http.StatusOK, rec.Code)
			assert.Contains(t, rec.Body.String(), `"kind":"`+want+`"`)
			assert.Contains(t, rec.Body.String(), `"subject":"user-1"`)
		})
	}
}

func TestJWTMiddlewareRejectsBadTokens(t *testing.T) {
	router := newRouter()

	assert.Equal(t, http.StatusUnauthorized, call(router, "").Code)
	assert.Equal(t, http.StatusUnauthorized, call(router, signToken(t, "other-secret", claimsFor("user-1", ""))).Code)
	assert.Equal(t, http.StatusUnauthorized, call(router, signToken(t, testSecret, claimsFor("", ""))).Code)

	wrongAudience := claimsFor("user-1", "")
	wrongAudience.Audience = jwt.ClaimStrings{"someone-else"}
	assert.Equal(t, http.StatusUnauthorized, call(router, signToken(t, testSecret, wrongAudience)).Code)
}

func TestRequireClinician(t *testing.T) {
	router := newRouter(RequireClinician())

	assert.Equal(t, http.StatusForbidden, call(router, signToken(t, testSecret, claimsFor("p-1", "patient"))).Code)
	assert.Equal(t, http.StatusOK, call(router, signToken(t, testSecret, claimsFor("c-1", "clinician"))).Code)
}

func TestGetCallerMissing(t *testing.T) {
	_, ok := GetCaller(context.Background())
	assert.False(t, ok)

	_, ok = GetUserID(WithCaller(context.Background(), PatientCaller{}))
	assert.False(t, ok)
}
