package handler

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOTPGenerateEndpoint_EchoesMaskedIdentifier(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(t, http.MethodPost, "/v1/otp/generate", "", map[string]string{
		"identifier": "johndoe@example.com",
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	body := decodeBody(t, rec)
	assert.Equal(t, "j*****e@example.com", body["identifier"])
	assert.NotEmpty(t, body["expiresAt"])
	assert.Len(t, env.sender.last(), 6)
}

func TestOTPGenerateEndpoint_RejectsUnusableIdentifier(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(t, http.MethodPost, "/v1/otp/generate", "", map[string]string{
		"identifier": "not an identifier",
	})
	require.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, errMessage(t, rec), "identifier")
}

func TestOTPGenerateEndpoint_RateLimitSetsRetryAfter(t *testing.T) {
	env := newTestEnv(t)

	for i := 0; i < 3; i++ {
		rec := env.do(t, http.MethodPost, "/v1/otp/generate", "", map[string]string{
			"identifier": "9876543210",
		})
		require.Equal(t, http.StatusOK, rec.Code)
	}

	rec := env.do(t, http.MethodPost, "/v1/otp/generate", "", map[string]string{
		"identifier": "9876543210",
	})
	require.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, "300", rec.Header().Get("Retry-After"))
}

func TestOTPVerifyEndpoint_RoundTrip(t *testing.T) {
	env := newTestEnv(t)
	code := env.issueCode(t, "parent@example.com")

	rec := env.do(t, http.MethodPost, "/v1/otp/verify", "", map[string]string{
		"identifier": "parent@example.com",
		"code":       code,
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, true, decodeBody(t, rec)["verified"])

	// Single use: replaying the same code is refused.
	rec = env.do(t, http.MethodPost, "/v1/otp/verify", "", map[string]string{
		"identifier": "parent@example.com",
		"code":       code,
	})
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestOTPVerifyEndpoint_WrongCode(t *testing.T) {
	env := newTestEnv(t)
	code := env.issueCode(t, "parent@example.com")
	wrong := "000000"
	if wrong == code {
		wrong = "000001"
	}

	rec := env.do(t, http.MethodPost, "/v1/otp/verify", "", map[string]string{
		"identifier": "parent@example.com",
		"code":       wrong,
	})
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestOTPEndpoints_MalformedBody(t *testing.T) {
	env := newTestEnv(t)

	for _, target := range []string{"/v1/otp/generate", "/v1/otp/verify"} {
		req := httptest.NewRequest(http.MethodPost, target, strings.NewReader("{not json"))
		req.Header.Set("Content-Type", "application/json")
		rec := httptest.NewRecorder()
		env.router.ServeHTTP(rec, req)
		assert.Equal(t, http.StatusBadRequest, rec.Code, target)
	}
}
