package huberr

import (
	"errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestConstructorsCarryCodeAndStatus(t *testing.T) {
	cases := []struct {
		err    *Error
		code   string
		status int
	}{
		{Config("bad %s", "field"), CodeConfig, http.StatusBadRequest},
		{Identity("uid"), CodeIdentity, http.StatusInternalServerError},
		{MountVisibility("docker.sock"), CodeMountVisibility, http.StatusConflict},
		{NetworkReachability("host"), CodeNetworkReachability, http.StatusBadGateway},
		{CredentialResolution("none"), CodeCredentialResolution, http.StatusUnauthorized},
		{BadRequest("x"), CodeBadRequest, http.StatusBadRequest},
		{Unauthorized("x"), CodeUnauthorized, http.StatusUnauthorized},
		{NotFound("x"), CodeNotFound, http.StatusNotFound},
		{Conflict("x"), CodeConflict, http.StatusConflict},
		{Upstream("x"), CodeUpstream, http.StatusBadGateway},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.code, tc.err.Code)
		assert.Equal(t, tc.status, tc.err.Status)
	}
}

func TestDetailFormatting(t *testing.T) {
	err := NotFound("chat %s not found", "c1")
	assert.Equal(t, "chat c1 not found", err.Detail)
	assert.Equal(t, "NOT_FOUND: chat c1 not found", err.Error())
}

func TestWrapPreservesCodeAndExposesCause(t *testing.T) {
	cause := errors.New("disk full")
	err := Config("cannot write state").Wrap(cause)

	assert.Equal(t, CodeConfig, err.Code)
	assert.ErrorIs(t, err, cause)
	assert.Contains(t, err.Error(), "disk full")
}

func TestMappersResolveThroughWrapping(t *testing.T) {
	inner := Conflict("chat is live")
	outer := fmt.Errorf("start chat: %w", inner)

	assert.Equal(t, http.StatusConflict, HTTPStatus(outer))
	assert.Equal(t, CodeConflict, CodeOf(outer))
	assert.Equal(t, "chat is live", DetailOf(outer))
}

func TestMappersDefaultForPlainErrors(t *testing.T) {
	err := errors.New("boom")
	assert.Equal(t, http.StatusInternalServerError, HTTPStatus(err))
	assert.Equal(t, CodeInternal, CodeOf(err))
	assert.Equal(t, "boom", DetailOf(err))
}
