package campaign

import (
	"errors"
	"reflect"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/ignite/audience-dispatch/internal/domain"
	"github.com/ignite/audience-dispatch/internal/segmentation"
)

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New()
	v.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name, _, _ := strings.Cut(fld.Tag.Get("json"), ",")
		if name == "-" || name == "" {
			return fld.Name
		}
		return name
	})
	_ = v.RegisterValidation("channel", func(fl validator.FieldLevel) bool {
		return domain.Channel(fl.Field().String()).Valid()
	})
	_ = v.RegisterValidation("schedule_mode", func(fl validator.FieldLevel) bool {
		m := domain.ScheduleMode(fl.Field().String())
		return m == "" || m == domain.ScheduleImmediate || m == domain.ScheduleAt
	})
	return v
}

// Validate runs struct-tag validation on v and converts failures into a
// ValidationError. Handlers use it for request bodies too.
func Validate(v any) error {
	err := validate.Struct(v)
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return err
	}
	out := &ValidationError{}
	for _, fe := range verrs {
		out.Errors = append(out.Errors, FieldError{Field: fe.Field(), Message: describe(fe)})
	}
	return out
}

func describe(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required":
		return "is required"
	case "max":
		return "must be at most " + fe.Param() + " characters"
	case "min":
		return "must be at least " + fe.Param()
	case "oneof":
		return "must be one of: " + fe.Param()
	case "channel":
		return "must be email or sms"
	case "schedule_mode":
		return "must be immediate or scheduled"
	case "uuid":
		return "must be a UUID"
	case "dive", "gt":
		return "is invalid"
	}
	return "failed " + fe.Tag() + " validation"
}

// validateRules compiles rules to reject bad ones before they are stored.
func validateRules(channel domain.Channel, rules domain.AudienceRules) error {
	_, err := segmentation.Compile(channel, rules)
	return asValidation(err)
}

// asValidation maps compiler rule errors to ValidationError.
func asValidation(err error) error {
	var re *segmentation.RuleError
	if errors.As(err, &re) {
		field := "audience_rules"
		if re.Field != "" {
			field += "." + re.Field
		}
		return NewValidationError(field, re.Reason)
	}
	return err
}
