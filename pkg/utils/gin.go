package utils

import (
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

const (
	GinContextDoNotLogEntry string = "GinContextDoNotLogEntry"
)

type RequestError struct {
	StatusCode int
	Err        error
}

func NewRequestError(statusCode int, err error) *RequestError {
	return &RequestError{statusCode, err}
}

func (r *RequestError) Error() string {
	return fmt.Sprintf("[%d] %v", r.StatusCode, r.Err)
}

func (r *RequestError) Unwrap() error {
	return r.Err
}

type WrappedRequestFn func(c *gin.Context) (interface{}, error)

// WrapRequest turns fn into a handler answering with the JSON result.
// Errors become a JSON `{"error": ...}` body, with the status code taken from
// a RequestError or 500 otherwise.
func WrapRequest(fn WrappedRequestFn) gin.HandlerFunc {
	return func(c *gin.Context) {
		result, err := fn(c)

		if c.IsAborted() {
			// NOOP
			return
		}

		if err != nil {
			statusCode := http.StatusInternalServerError

			var reqErr *RequestError
			if errors.As(err, &reqErr) && reqErr.StatusCode > 0 {
				statusCode = reqErr.StatusCode
			}

			_ = c.Error(err)
			c.AbortWithStatusJSON(statusCode, gin.H{"error": err.Error()})
			return
		}

		if result != nil {
			c.AbortWithStatusJSON(http.StatusOK, result)
			return
		}

		c.AbortWithStatus(http.StatusOK)
	}
}

func GetGinLoggerHandler() gin.HandlerFunc {
	return func(c *gin.Context) {

		// Start timer
		start := time.Now()
		path := c.Request.URL.Path

		// Process request
		c.Next()

		if c.GetBool(GinContextDoNotLogEntry) {
			return
		}

		statusCode := c.Writer.Status()
		method := c.Request.Method

		if statusCode == http.StatusOK && method == http.MethodOptions {
			// Do not log useless entries
			return
		}

		elapsedMS := time.Since(start).Milliseconds()
		comment := c.Errors.ByType(gin.ErrorTypePrivate).String()

		entry := logrus.WithFields(logrus.Fields{
			"statusCode": statusCode,
			"path":       path,
			"elapsedMS":  elapsedMS,
			"clientIP":   c.ClientIP(),
			"method":     method,
			"comment":    comment,
			"userAgent":  c.Request.UserAgent(),
		})

		msg := fmt.Sprintf("[GIN] %3d | %13vms | %s %-7s | %s",
			statusCode,
			elapsedMS,
			method,
			path,
			comment,
		)

		if statusCode >= http.StatusInternalServerError {
			entry.Error(msg)
			return
		}
		entry.Info(msg)
	}
}
