package utils

import (
	"encoding/json"
	"io"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/goccy/go-yaml"
	"github.com/pkg/errors"
)

const defaultBodyMaxSize = 8 * 1024 * 1024

// ExtractArgsFromGinContext merges route params, the request body (json or
// yaml) and the query into a single map. Query values win.
func ExtractArgsFromGinContext(c *gin.Context) (map[string]interface{}, error) {
	args := make(map[string]interface{})

	// Use route params, if any
	for _, param := range c.Params {
		args[param.Key] = param.Value
	}

	if c.Request.ContentLength != 0 && c.Request.Body != nil {
		payloadBytes, err := io.ReadAll(io.LimitReader(c.Request.Body, defaultBodyMaxSize))
		if err != nil {
			return nil, errors.WithMessage(err, "failed to read request body")
		}
		defer c.Request.Body.Close()

		if len(payloadBytes) > 0 {
			var out map[string]interface{}
			switch contentType := c.ContentType(); contentType {
			case gin.MIMEJSON, gin.MIMEPlain, "":
				out, err = ExtractPayloadArgsJSON(payloadBytes)
			case "application/x-yaml", "application/yaml", "text/yaml", "text/x-yaml":
				out, err = ExtractPayloadArgsYAML(payloadBytes)
			default:
				return nil, errors.Errorf("invalid content type provided: %s", contentType)
			}
			if err != nil {
				return nil, errors.WithMessage(err, "failed to extract payload arguments")
			}
			MergeMap(args, out)
		}
	}

	for key, vals := range c.Request.URL.Query() {
		if len(vals) > 0 {
			args[key] = strings.TrimSpace(vals[len(vals)-1])
		}
	}

	return args, nil
}

func ExtractPayloadArgsYAML(payload []byte) (map[string]interface{}, error) {
	out := make(map[string]interface{})
	if err := yaml.Unmarshal(payload, &out); err != nil {
		return nil, errors.WithMessage(err, "could not bind yaml body")
	}
	return out, nil
}

func ExtractPayloadArgsJSON(payload []byte) (map[string]interface{}, error) {
	out := make(map[string]interface{})
	if err := json.Unmarshal(payload, &out); err != nil {
		return nil, errors.WithMessage(err, "could not bind json body")
	}
	return out, nil
}
