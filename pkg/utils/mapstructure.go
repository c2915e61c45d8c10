package utils

import (
	"os"
	"reflect"
	"regexp"
	"time"

	"github.com/mitchellh/mapstructure"
	"github.com/pkg/errors"
)

var defaultJSONDecodeHook = mapstructure.ComposeDecodeHookFunc(
	// Default
	mapstructure.StringToTimeDurationHookFunc(),
	mapstructure.StringToSliceHookFunc(","),
	mapstructure.StringToTimeHookFunc(time.RFC3339),
)

// DecodeMapToStructJSON decodes a loosely typed map (e.g. a parsed request
// body) into a struct, matching keys on the `json` tags.
func DecodeMapToStructJSON(input interface{}, output interface{}) error {
	config := &mapstructure.DecoderConfig{
		Metadata:         nil,
		Result:           output,
		TagName:          "json",
		DecodeHook:       defaultJSONDecodeHook,
		WeaklyTypedInput: true,
	}

	decoder, err := mapstructure.NewDecoder(config)
	if err != nil {
		return errors.WithMessage(err, "failed to instantiate mapstructure decoder")
	}

	if err := decoder.Decode(input); err != nil {
		return errors.WithMessage(err, "failed to decode input")
	}

	return nil
}

var stringFromEnvVarRegex = regexp.MustCompile(`^ENV{(\w+)}$`)

// StringFromEnvVar holds a config string which can be loaded from the
// environment with the `ENV{VAR_NAME}` syntax.
type StringFromEnvVar struct {
	wrapped string
}

func (s *StringFromEnvVar) Value() string {
	if s == nil {
		return ""
	}
	return s.wrapped
}

func NewStringFromEnvVar(value string) *StringFromEnvVar {
	if match := stringFromEnvVarRegex.FindStringSubmatch(value); match != nil {
		return &StringFromEnvVar{
			wrapped: os.Getenv(match[1]),
		}
	}

	return &StringFromEnvVar{
		wrapped: value,
	}
}

func StringToStringFromEnvVarHookFunc() mapstructure.DecodeHookFunc {
	return func(
		f reflect.Type,
		t reflect.Type,
		data interface{}) (interface{}, error) {
		if f.Kind() != reflect.String {
			return data, nil
		}
		if t != reflect.TypeOf((*StringFromEnvVar)(nil)) {
			return data, nil
		}

		return NewStringFromEnvVar(data.(string)), nil
	}
}
