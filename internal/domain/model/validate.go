package model

import (
	"errors"
	"fmt"
	"reflect"
	"sort"
	"strings"

	"github.com/go-playground/validator/v10"
)

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New()
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		tag := strings.SplitN(f.Tag.Get("json"), ",", 2)[0]
		if tag == "" || tag == "-" {
			return f.Name
		}
		return tag
	})
	return v
}

// ValidationError carries per-field validation messages.
type ValidationError struct {
	Fields map[string]string
}

func (e *ValidationError) Error() string {
	keys := make([]string, 0, len(e.Fields))
	for k := range e.Fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, k+" "+e.Fields[k])
	}
	return "validation failed: " + strings.Join(parts, "; ")
}

// Validate checks the request fields and cross-field payload rules.
func (r *CreatePostRequest) Validate() error {
	if err := validate.Struct(r); err != nil {
		return formatValidationErrors(err)
	}

	fields := map[string]string{}
	switch r.Type {
	case PostTypeImage:
		if len(r.Images) == 0 {
			fields["images"] = "must contain at least one image for image posts"
		}
	case PostTypeCarousel:
		if len(r.Images) < 2 {
			fields["images"] = "must contain at least two images for carousel posts"
		}
	case PostTypeText, PostTypeArticle:
	}
	if len(fields) > 0 {
		return &ValidationError{Fields: fields}
	}
	return nil
}

func formatValidationErrors(err error) error {
	var errs validator.ValidationErrors
	if !errors.As(err, &errs) {
		return fmt.Errorf("validation failed: %w", err)
	}
	fields := make(map[string]string, len(errs))
	for _, fieldErr := range errs {
		fields[fieldErr.Field()] = validationMessage(fieldErr)
	}
	return &ValidationError{Fields: fields}
}

func validationMessage(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required":
		return "is required"
	case "uuid":
		return "must be a valid UUID"
	case "oneof":
		return "must be one of: " + fe.Param()
	case "min":
		return fmt.Sprintf("must be at least %s", fe.Param())
	case "max":
		return fmt.Sprintf("must be at most %s", fe.Param())
	}
	return "is invalid"
}
