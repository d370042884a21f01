package validator

import (
	"reflect"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/shopspring/decimal"
)

var validate *validator.Validate

func init() {
	validate = validator.New()

	// Use JSON tag names in error messages
	validate.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name := strings.SplitN(fld.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})

	// decimal.Decimal fields validate as their canonical string
	validate.RegisterCustomTypeFunc(func(v reflect.Value) interface{} {
		if d, ok := v.Interface().(decimal.Decimal); ok {
			if d.IsZero() {
				return ""
			}
			return d.String()
		}
		return nil
	}, decimal.Decimal{})

	registerCustomValidations()
}

func registerCustomValidations() {
	// Positive amount with at most two decimal places
	validate.RegisterValidation("money", func(fl validator.FieldLevel) bool {
		d, err := decimal.NewFromString(fl.Field().String())
		if err != nil {
			return false
		}
		return d.IsPositive() && d.Exponent() >= -2
	})

	validate.RegisterValidation("resolution", func(fl validator.FieldLevel) bool {
		switch fl.Field().String() {
		case "refund_buyer_wallet", "release_to_seller", "no_action":
			return true
		}
		return false
	})
}

// Validate validates a struct and returns a map of field errors
func Validate(s interface{}) map[string]string {
	err := validate.Struct(s)
	if err == nil {
		return nil
	}

	errs, ok := err.(validator.ValidationErrors)
	if !ok {
		return map[string]string{"_": err.Error()}
	}

	out := make(map[string]string)
	for _, fe := range errs {
		field := fe.Field()
		switch fe.Tag() {
		case "required":
			out[field] = "This field is required"
		case "min":
			out[field] = "Value is too short (min: " + fe.Param() + ")"
		case "max":
			out[field] = "Value is too long (max: " + fe.Param() + ")"
		case "uuid", "uuid4":
			out[field] = "Invalid identifier"
		case "oneof":
			out[field] = "Must be one of: " + fe.Param()
		case "money":
			out[field] = "Must be a positive amount with at most two decimals"
		case "resolution":
			out[field] = "Invalid resolution. Must be: refund_buyer_wallet, release_to_seller, or no_action"
		default:
			out[field] = "Invalid value"
		}
	}
	return out
}

// ValidateVar validates a single variable
func ValidateVar(field interface{}, tag string) error {
	return validate.Var(field, tag)
}
