package pkg

import (
	"bytes"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"io"
	"net/http"
	"strings"

	"triggerd/pkg/utils"

	"github.com/gin-gonic/gin"
	"github.com/go-playground/validator/v10"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

const (
	keyAuthDefaultHTTPBasicUser = "trg"
	keyAuthApiKeyQuery          = "__trgApiKey"
)

// @formatter:off
/// [auth-docs]

type AuthConfig struct {
	// Api keys for this auth type.
	// Each api key can also be loaded from the environment variables, by
	// using the syntax `ENV{ENV_VAR_NAME}`, e.g.
	//
	// apiKeys:
	// 	 - ENV{MY_PASSWORD}
	//
	ApiKeys []*utils.StringFromEnvVar `mapstructure:"apiKeys" validate:"required"`

	// If true, allows basic HTTP authentication
	BasicAuth bool `mapstructure:"basicAuth"`

	// If true, url query authentication will be allowed
	QueryAuth bool `mapstructure:"queryAuth"`

	// The key to check for in the url query.
	// Defaults to `__trgApiKey` if none is provided
	QueryAuthKey string `mapstructure:"queryAuthKey"`

	// The basic auth HTTP username.
	// Defaults to `trg` if none is provided
	BasicAuthUser string `mapstructure:"basicAuthUser"`

	// If provided, apiKeys will be searched for in these headers
	// E.g. GitHub webhooks can authenticate via X-Hub-Signature-256
	AuthHeaders []*AuthHeader `mapstructure:"authHeaders" validate:"dive"`
}

type AuthHeader struct {
	// Header name, case-insensitive
	Header string `mapstructure:"header" validate:"required"`

	// If provided, the header content will be compared using this method
	Method AuthHeaderMethod `mapstructure:"method" validate:"authHeaderMethod"`

	// If provided, this prefix is removed from the header value before
	// comparing, e.g. `sha256=` for GitHub signatures
	StripPrefix string `mapstructure:"stripPrefix"`
}

type AuthHeaderMethod string

const (
	// Simply compares the value of the header with every api key
	AuthHeaderMethodNone AuthHeaderMethod = ""

	// Calculates the payload HMAC-SHA256 hash for each api key,
	// and compares the hash with the value provided in the header.
	AuthHeaderMethodHMACSHA256 AuthHeaderMethod = "hmac-sha256"
)

/// [auth-docs]
// @formatter:on

func init() {
	if err := utils.Validate.RegisterValidation("authHeaderMethod", func(fl validator.FieldLevel) bool {
		switch AuthHeaderMethod(fl.Field().String()) {
		case AuthHeaderMethodNone, AuthHeaderMethodHMACSHA256:
			return true
		}
		return false
	}); err != nil {
		logrus.WithError(err).Fatal("invalid validation function")
	}
}

// authRequest caches the body, read at most once for HMAC checks.
type authRequest struct {
	c        *gin.Context
	bodyData []byte
}

func (r *authRequest) body() ([]byte, error) {
	if r.bodyData != nil {
		return r.bodyData, nil
	}
	data, err := r.c.GetRawData()
	if err != nil {
		return nil, errors.WithMessage(err, "failed to read body data")
	}
	r.bodyData = data
	// Put the data back for later usage
	r.c.Request.Body = io.NopCloser(bytes.NewReader(data))
	return data, nil
}

// verifyAuth succeeds if any of the configs accepts the request. No configs
// means no auth.
func verifyAuth(c *gin.Context, authConfigs []*AuthConfig) error {
	if len(authConfigs) == 0 {
		return nil
	}

	req := &authRequest{c: c}
	for _, auth := range authConfigs {
		if auth.BasicAuth && checkBasicAuth(c, auth) {
			return nil
		}
		if auth.QueryAuth && checkQueryAuth(c, auth) {
			return nil
		}
		for _, authHeader := range auth.AuthHeaders {
			ok, err := checkHeaderAuth(req, auth, authHeader)
			if err != nil {
				return err
			}
			if ok {
				return nil
			}
		}
	}

	return utils.NewRequestError(http.StatusUnauthorized, errors.New("bad auth"))
}

func checkBasicAuth(c *gin.Context, auth *AuthConfig) bool {
	authUser := auth.BasicAuthUser
	if authUser == "" {
		authUser = keyAuthDefaultHTTPBasicUser
	}

	username, password, ok := c.Request.BasicAuth()
	if !ok || username != authUser {
		return false
	}
	for _, apiKey := range auth.ApiKeys {
		if password == apiKey.Value() {
			return true
		}
	}
	return false
}

func checkQueryAuth(c *gin.Context, auth *AuthConfig) bool {
	queryKey := auth.QueryAuthKey
	if queryKey == "" {
		queryKey = keyAuthApiKeyQuery
	}

	apiKeyQuery := c.Query(queryKey)
	if apiKeyQuery == "" {
		return false
	}
	for _, apiKey := range auth.ApiKeys {
		if apiKeyQuery == apiKey.Value() {
			return true
		}
	}
	return false
}

func checkHeaderAuth(req *authRequest, auth *AuthConfig, authHeader *AuthHeader) (bool, error) {
	headerValue := req.c.GetHeader(authHeader.Header)
	if headerValue == "" {
		return false, nil
	}
	headerValue = strings.TrimPrefix(headerValue, authHeader.StripPrefix)

	for _, apiKey := range auth.ApiKeys {
		switch authHeader.Method {
		case AuthHeaderMethodNone:
			if headerValue == apiKey.Value() {
				return true, nil
			}
		case AuthHeaderMethodHMACSHA256:
			data, err := req.body()
			if err != nil {
				return false, err
			}
			if hmac.Equal([]byte(headerValue), []byte(authHMACSHA256(data, apiKey.Value()))) {
				return true, nil
			}
		default:
			return false, errors.New("bad header auth method")
		}
	}
	return false, nil
}

func authHMACSHA256(data []byte, secret string) string {
	h := hmac.New(sha256.New, []byte(secret))
	h.Write(data)
	sha := hex.EncodeToString(h.Sum(nil))
	return sha
}

// Gin middleware
func authMiddleware(authConfigs []*AuthConfig) gin.HandlerFunc {
	return func(c *gin.Context) {
		if err := verifyAuth(c, authConfigs); err != nil {
			_ = c.Error(err)
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": err.Error()})
			return
		}
		c.Next()
	}
}
