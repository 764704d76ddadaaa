// Package validation wraps go-playground/validator with the guard's custom tags
// and turns field errors into AppErrors.
package validation

import (
	"fmt"
	"net"
	"reflect"
	"strings"

	"access-guard/internal/common/errors"

	"github.com/go-playground/validator/v10"
	"github.com/robfig/cron/v3"
)

// Validator validates structs and single values using struct tags
type Validator struct {
	validate *validator.Validate
}

// FieldError is one failed rule
type FieldError struct {
	Field   string `json:"field"`
	Tag     string `json:"tag"`
	Param   string `json:"param,omitempty"`
	Message string `json:"message"`
}

// New creates a Validator with the custom tags registered
func New() *Validator {
	v := validator.New()
	registerCustomValidators(v)

	// Report env/json/yaml names instead of Go field names
	v.RegisterTagNameFunc(func(fld reflect.StructField) string {
		for _, tag := range []string{"env", "json", "yaml"} {
			name := strings.SplitN(fld.Tag.Get(tag), ",", 2)[0]
			if name != "" && name != "-" {
				return name
			}
		}
		return fld.Name
	})

	return &Validator{validate: v}
}

// Struct validates s and returns a validation AppError listing every failure
func (v *Validator) Struct(s interface{}) error {
	if err := v.validate.Struct(s); err != nil {
		return formatErrors(Fields(err))
	}
	return nil
}

// Var validates a single value against tag
func (v *Validator) Var(field interface{}, tag string) error {
	if err := v.validate.Var(field, tag); err != nil {
		return formatErrors(Fields(err))
	}
	return nil
}

// Fields extracts structured field errors from a validator error
func Fields(err error) []FieldError {
	var out []FieldError
	validationErrs, ok := err.(validator.ValidationErrors)
	if !ok {
		return []FieldError{{Field: "unknown", Tag: "error", Message: err.Error()}}
	}
	for _, fe := range validationErrs {
		out = append(out, FieldError{
			Field:   fe.Field(),
			Tag:     fe.Tag(),
			Param:   fe.Param(),
			Message: message(fe),
		})
	}
	return out
}

func formatErrors(fields []FieldError) error {
	if len(fields) == 1 {
		return errors.ValidationError(fields[0].Message)
	}
	messages := make([]string, len(fields))
	for i, f := range fields {
		messages[i] = f.Message
	}
	return errors.ValidationError(fmt.Sprintf("validation failed: %s", strings.Join(messages, "; ")))
}

func message(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required":
		return fmt.Sprintf("field '%s' is required", fe.Field())
	case "url":
		return fmt.Sprintf("field '%s' must be a valid URL", fe.Field())
	case "email":
		return fmt.Sprintf("field '%s' must be a valid email address", fe.Field())
	case "min", "gte":
		return fmt.Sprintf("field '%s' must be at least %s", fe.Field(), fe.Param())
	case "gt":
		return fmt.Sprintf("field '%s' must be greater than %s", fe.Field(), fe.Param())
	case "max", "lte":
		return fmt.Sprintf("field '%s' must be at most %s", fe.Field(), fe.Param())
	case "oneof":
		return fmt.Sprintf("field '%s' must be one of: %s", fe.Field(), fe.Param())
	case "required_if":
		return fmt.Sprintf("field '%s' is required when %s", fe.Field(), fe.Param())
	case "cron_spec":
		return fmt.Sprintf("field '%s' must be a valid cron schedule", fe.Field())
	case "ip_address":
		return fmt.Sprintf("field '%s' must be an IPv4 or IPv6 address", fe.Field())
	case "key_prefix":
		return fmt.Sprintf("field '%s' must not be empty or contain whitespace, ':' suffix or '|'", fe.Field())
	default:
		return fmt.Sprintf("field '%s' failed validation: %s", fe.Field(), fe.Tag())
	}
}

func registerCustomValidators(v *validator.Validate) {
	// Standard five-field cron or a descriptor such as "@every 60s"
	_ = v.RegisterValidation("cron_spec", func(fl validator.FieldLevel) bool {
		_, err := cron.ParseStandard(fl.Field().String())
		return err == nil
	})

	_ = v.RegisterValidation("ip_address", func(fl validator.FieldLevel) bool {
		return net.ParseIP(strings.TrimSpace(fl.Field().String())) != nil
	})

	// '|' separates address and actor in lockout keys
	_ = v.RegisterValidation("key_prefix", func(fl validator.FieldLevel) bool {
		p := fl.Field().String()
		return p != "" &&
			!strings.ContainsAny(p, " \t\n|") &&
			!strings.HasSuffix(p, ":")
	})
}

var defaultValidator = New()

// Struct validates s with the package-level validator
func Struct(s interface{}) error {
	return defaultValidator.Struct(s)
}

// Var validates a value with the package-level validator
func Var(field interface{}, tag string) error {
	return defaultValidator.Var(field, tag)
}
