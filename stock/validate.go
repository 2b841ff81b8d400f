package stock

import (
	"errors"
	"fmt"
	"reflect"
	"strings"

	"github.com/go-playground/validator/v10"

	"github.com/warp/vaccine-stock/vaccine"
)

// Validator checks struct tags on records before they are written.
// The custom "vaccine" tag accepts only codes present in the formulation
// table the validator was built with.
type Validator struct {
	validate *validator.Validate
}

func NewValidator(formulations vaccine.Formulations) *Validator {
	v := validator.New()
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name := strings.SplitN(f.Tag.Get("json"), ",", 2)[0]
		if name == "-" || name == "" {
			return f.Name
		}
		return name
	})
	// Registration only fails for an empty tag or nil func.
	_ = v.RegisterValidation("vaccine", func(fl validator.FieldLevel) bool {
		return formulations.Known(vaccine.Type(fl.Field().String()))
	})
	return &Validator{validate: v}
}

// Struct validates s and reports the first failing field as a
// *ValidationError.
func (v *Validator) Struct(s any) error {
	err := v.validate.Struct(s)
	if err == nil {
		return nil
	}
	var fieldErrs validator.ValidationErrors
	if !errors.As(err, &fieldErrs) || len(fieldErrs) == 0 {
		return &ValidationError{Reason: err.Error()}
	}
	fe := fieldErrs[0]
	return &ValidationError{Field: fieldPath(fe), Reason: describe(fe)}
}

// fieldPath drops the struct name from the namespace: "Campaign.rounds[0].number"
// becomes "rounds[0].number".
func fieldPath(fe validator.FieldError) string {
	ns := fe.Namespace()
	if i := strings.IndexByte(ns, '.'); i >= 0 {
		return ns[i+1:]
	}
	return fe.Field()
}

func describe(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required":
		return "is required"
	case "gte":
		return fmt.Sprintf("must be >= %s", fe.Param())
	case "oneof":
		return fmt.Sprintf("must be one of [%s]", fe.Param())
	case "vaccine":
		return fmt.Sprintf("unknown vaccine %q", fe.Value())
	}
	return fmt.Sprintf("failed %q check", fe.Tag())
}
