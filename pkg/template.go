package pkg

import (
	"encoding/json"
	"reflect"
	"strings"
	"text/template"

	"github.com/mitchellh/mapstructure"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

// Template is a text template parsed from configuration, e.g. a binding's
// message template.
type Template struct {
	originalText string
	tpl          *template.Template
}

func ParseTemplate(templateKey string, text string) (*Template, error) {
	tpl, err := template.New(templateKey).Funcs(GetTPLFuncsMap()).Option("missingkey=zero").Parse(text)
	if err != nil {
		return nil, errors.WithMessagef(err, "failed to parse template %s", templateKey)
	}
	return &Template{text, tpl}, nil
}

func MustParseTemplate(templateKey string, text string) *Template {
	tpl, err := ParseTemplate(templateKey, text)
	if err != nil {
		logrus.WithError(err).WithField("template", text).Fatal("failed to parse template")
	}
	return tpl
}

// Execute renders the template, trimming surrounding whitespace.
func (t *Template) Execute(args interface{}) (string, error) {
	out, err := ExecuteTextTemplate(t.tpl, args)
	if err != nil {
		return "", errors.WithMessagef(err, "failed to execute template %s", t.tpl.Name())
	}
	return strings.TrimSpace(strings.ReplaceAll(out, "<no value>", "")), nil
}

func (t *Template) String() string {
	return t.originalText
}

func (t *Template) MarshalJSON() ([]byte, error) {
	return json.Marshal(t.originalText)
}

// DecodeHook used by mapstructure
func StringToPointerTemplateHookFunc() mapstructure.DecodeHookFuncType {
	return func(
		f reflect.Type,
		t reflect.Type,
		data interface{}) (interface{}, error) {
		if f.Kind() != reflect.String {
			return data, nil
		}
		if t != reflect.TypeOf((*Template)(nil)) {
			return data, nil
		}

		return ParseTemplate("tpl", data.(string))
	}
}
