package utils

import (
	"errors"
	"reflect"
	"strings"
	"sync"

	"github.com/go-playground/validator/v10"
)

var (
	validate     *validator.Validate
	validateOnce sync.Once
)

func getValidator() *validator.Validate {
	validateOnce.Do(func() {
		validate = validator.New()
		validate.RegisterTagNameFunc(func(fld reflect.StructField) string {
			name := strings.SplitN(fld.Tag.Get("json"), ",", 2)[0]
			if name == "-" || name == "" {
				return fld.Name
			}
			return name
		})
	})
	return validate
}

// ValidateStruct checks `validate` tags and reports failures as a ValidationError.
func ValidateStruct(input any) error {
	err := getValidator().Struct(input)
	if err == nil {
		return nil
	}
	var validationErrors validator.ValidationErrors
	if !errors.As(err, &validationErrors) {
		return err
	}
	result := &ValidationError{}
	for _, fe := range validationErrors {
		result.Violations = append(result.Violations, Violation{
			Rule:    "INVALID_FIELD",
			Message: fe.Namespace() + " failed on " + fe.Tag() + ruleParam(fe.Param()),
		})
	}
	return result
}

func ruleParam(p string) string {
	if p == "" {
		return ""
	}
	return "=" + p
}
