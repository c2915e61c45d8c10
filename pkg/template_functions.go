package pkg

import (
	"bytes"
	"fmt"
	"reflect"
	"regexp"
	"strconv"
	"text/template"
	"time"

	"github.com/Masterminds/sprig/v3"
	"github.com/goccy/go-yaml"
	"github.com/pkg/errors"
	"github.com/spf13/cast"
)

func GetTPLFuncsMap() template.FuncMap {
	tplFuncs := make(template.FuncMap)

	// Add all Sprig functions
	for key, fn := range sprig.TxtFuncMap() {
		tplFuncs[key] = fn
	}

	// Own functions
	tplFuncs["dump"] = tplDump
	tplFuncs["yamlDecode"] = tplYAMLDecode
	tplFuncs["cleanNewLines"] = tplCleanNewLines
	tplFuncs["humanizeDuration"] = tplHumanizeDuration
	tplFuncs["formatTime"] = tplFormatTime

	// Override of Sprig function, waiting for https://github.com/Masterminds/sprig/pull/275
	tplFuncs["duration"] = tplDuration

	return tplFuncs
}

func ExecuteTextTemplate(tpl *template.Template, args interface{}) (string, error) {
	var buf bytes.Buffer
	if err := tpl.Execute(&buf, args); err != nil {
		return "", errors.WithMessage(err, "failed to execute template")
	}
	return buf.String(), nil
}

func tplYAMLDecode(value string) (interface{}, error) {
	var outYAML interface{}
	if err := yaml.Unmarshal([]byte(value), &outYAML); err != nil {
		return nil, errors.WithMessage(err, "failed to unmarshal yaml value")
	}
	return SanitizeInterfaceToMapString(outYAML), nil
}

// Override of Sprig function, waiting for https://github.com/Masterminds/sprig/pull/275
func tplDuration(sec interface{}) string {
	var n int64
	switch value := sec.(type) {
	default:
		n = 0
	case string:
		n, _ = strconv.ParseInt(value, 10, 64)
	case int64:
		n = value
	case int:
		n = int64(value)
	}
	return (time.Duration(n) * time.Second).String()
}

// Straight from sprig
func strval(v interface{}) string {
	switch v := v.(type) {
	case string:
		return v
	case []byte:
		return string(v)
	case error:
		return v.Error()
	case fmt.Stringer:
		return v.String()
	default:
		return fmt.Sprintf("%v", v)
	}
}

func indirect(v reflect.Value) (rv reflect.Value, isNil bool) {
	for ; v.Kind() == reflect.Ptr || v.Kind() == reflect.Interface; v = v.Elem() {
		if v.IsNil() {
			return v, true
		}
	}
	return v, false
}

func tplDump(value interface{}) (string, error) {
	rt := reflect.ValueOf(value)

	if rt.Kind() == reflect.Ptr {
		rt, _ = indirect(rt)
	}
	if !rt.IsValid() {
		return "<no value>", nil
	}

	switch rt.Kind() {
	case reflect.Slice, reflect.Array, reflect.Map, reflect.Struct:
		marshaled, err := yaml.MarshalWithOptions(value, yaml.UseLiteralStyleIfMultiline(true))
		if err != nil {
			return "", err
		}
		return string(marshaled), nil
	default:
		return strval(value), nil
	}
}

var regexCleanNewLines = regexp.MustCompile(`(\n\s*){3,}`)

func tplCleanNewLines(text string) string {
	return regexCleanNewLines.ReplaceAllString(text, "\n\n")
}

// Renders durations the way people write them, e.g. `1h`, `1h30m`, `45m`
func tplHumanizeDuration(value interface{}) (string, error) {
	d, err := cast.ToDurationE(value)
	if err != nil {
		return "", err
	}

	d = d.Round(time.Minute)
	hours := d / time.Hour
	minutes := (d % time.Hour) / time.Minute

	switch {
	case hours > 0 && minutes > 0:
		return fmt.Sprintf("%dh%dm", hours, minutes), nil
	case hours > 0:
		return fmt.Sprintf("%dh", hours), nil
	default:
		return fmt.Sprintf("%dm", minutes), nil
	}
}

func tplFormatTime(layout string, value interface{}) (string, error) {
	t, err := cast.ToTimeE(value)
	if err != nil {
		return "", err
	}
	return t.UTC().Format(layout), nil
}
