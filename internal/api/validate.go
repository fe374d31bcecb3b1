package api

import (
	"errors"
	"fmt"
	"reflect"
	"strings"

	"github.com/go-playground/validator/v10"

	"github.com/tutu-network/nudge/internal/domain"
)

// validate checks request bodies before they reach the orchestrator.
var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name, _, _ := strings.Cut(f.Tag.Get("json"), ",")
		if name == "-" {
			return ""
		}
		return name
	})
	v.RegisterValidation("nudgekind", func(fl validator.FieldLevel) bool {
		_, err := domain.ParseNudgeKind(fl.Field().String())
		return err == nil
	})
	v.RegisterValidation("priority", func(fl validator.FieldLevel) bool {
		_, err := domain.ParsePriority(fl.Field().String())
		return err == nil
	})
	return v
}

// validationMessage turns the first failed rule into a client message.
func validationMessage(err error) string {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) || len(verrs) == 0 {
		return err.Error()
	}
	fe := verrs[0]
	switch fe.Tag() {
	case "required":
		return fmt.Sprintf("%s is required", fe.Field())
	case "max":
		return fmt.Sprintf("%s must be at most %s characters", fe.Field(), fe.Param())
	case "nudgekind":
		return fmt.Sprintf("%s: %v %q", fe.Field(), domain.ErrInvalidKind, fe.Value())
	case "priority":
		return fmt.Sprintf("%s: %v %q", fe.Field(), domain.ErrInvalidPriority, fe.Value())
	}
	return fmt.Sprintf("%s failed %s", fe.Field(), fe.Tag())
}
