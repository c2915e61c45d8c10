package pkg

import (
	"encoding/json"
	"fmt"
	"reflect"
	"strings"
	"text/template"

	"triggerd/pkg/utils"

	"github.com/go-playground/validator/v10"
	"github.com/mitchellh/mapstructure"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

var _ fmt.Stringer = (*IfTemplate)(nil)

// IfTemplate is a boolean template expression, e.g. `eq .action "started"`,
// used by bindings to decide whether an event schedules anything.
type IfTemplate struct {
	originalText string
	tpl          *template.Template
}

func MustParseIfTemplate(templateKey string, ifTemplate string) *IfTemplate {
	ift, err := ParseIfTemplate(templateKey, ifTemplate)
	if err != nil {
		logrus.WithError(err).WithField("template", ifTemplate).Fatal("failed to parse if template")
	}
	return ift
}

func ParseIfTemplate(templateKey string, ifTemplate string) (*IfTemplate, error) {
	// Simple validation to prevent hacks
	if strings.Contains(ifTemplate, "}}") {
		return nil, errors.New("if-template cannot contain `}}`")
	}

	templateContent := fmt.Sprintf(`
{{- if %s -}}
true
{{- else -}}
false
{{- end -}}
`, ifTemplate)

	wrapper, err := template.New(templateKey).Funcs(GetTPLFuncsMap()).Parse(templateContent)
	if err != nil {
		return nil, errors.WithMessagef(err, "failed to parse if-template %s", templateKey)
	}

	return &IfTemplate{
		originalText: ifTemplate,
		tpl:          wrapper,
	}, nil
}

func (ift *IfTemplate) IsTrue(args interface{}) (bool, error) {
	result, err := ExecuteTextTemplate(ift.tpl, args)
	if err != nil {
		return false, errors.WithMessage(err, "failed to execute if-template")
	}
	return result == "true", nil
}

// IsTrueOrEmpty treats a missing condition as satisfied.
func (ift *IfTemplate) IsTrueOrEmpty(args interface{}) (bool, error) {
	if ift == nil || ift.tpl == nil {
		return true, nil
	}
	return ift.IsTrue(args)
}

func init() {
	if err := utils.Validate.RegisterValidation("ifTemplate", func(fl validator.FieldLevel) bool {
		_, err := ParseIfTemplate("validate-template", fl.Field().String())
		return err == nil
	}); err != nil {
		logrus.WithError(err).Fatal("invalid validation function")
	}
}

// DecodeHook used by mapstructure
func StringToPointerIfTemplateHookFunc() mapstructure.DecodeHookFuncType {
	return func(
		f reflect.Type,
		t reflect.Type,
		data interface{}) (interface{}, error) {
		if f.Kind() != reflect.String {
			return data, nil
		}
		if t != reflect.TypeOf((*IfTemplate)(nil)) {
			return data, nil
		}

		return ParseIfTemplate("ift", data.(string))
	}
}

func (ift *IfTemplate) MarshalJSON() ([]byte, error) {
	return json.Marshal(ift.originalText)
}

func (ift *IfTemplate) String() string {
	return ift.originalText
}
