package server

import (
	"errors"
	"fmt"
	"reflect"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/labstack/echo/v4"

	"github.com/dormoron/idguard/auth"
	"github.com/dormoron/idguard/auth/mfa"
)

// requestValidator 实现 echo.Validator
type requestValidator struct {
	validate *validator.Validate
}

func newRequestValidator() *requestValidator {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name := strings.SplitN(f.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
	_ = v.RegisterValidation("factortype", func(fl validator.FieldLevel) bool {
		_, err := mfa.ParseFactorType(fl.Field().String())
		return err == nil
	})
	return &requestValidator{validate: v}
}

func (rv *requestValidator) Validate(i interface{}) error {
	err := rv.validate.Struct(i)
	if err == nil {
		return nil
	}
	var fieldErrs validator.ValidationErrors
	if errors.As(err, &fieldErrs) && len(fieldErrs) > 0 {
		fe := fieldErrs[0]
		return auth.Validation("%s", describe(fe))
	}
	return auth.NewError(auth.KindValidation, "invalid request", err)
}

func describe(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required":
		return fmt.Sprintf("%s is required", fe.Field())
	case "factortype":
		return fmt.Sprintf("%s must be one of TOTP, SMS, EMAIL, BACKUP_CODE, HARDWARE_TOKEN, BIOMETRIC", fe.Field())
	case "max":
		return fmt.Sprintf("%s must be at most %s characters", fe.Field(), fe.Param())
	case "email":
		return fmt.Sprintf("%s must be a valid email", fe.Field())
	case "ip":
		return fmt.Sprintf("%s must be an IP address", fe.Field())
	case "oneof":
		return fmt.Sprintf("%s must be one of %s", fe.Field(), fe.Param())
	case "gte":
		return fmt.Sprintf("%s must be at least %s", fe.Field(), fe.Param())
	case "lte":
		return fmt.Sprintf("%s must be at most %s", fe.Field(), fe.Param())
	}
	return fmt.Sprintf("%s is invalid", fe.Field())
}

// bindAndValidate 解析请求体并校验
func bindAndValidate(c echo.Context, req interface{}) error {
	if err := c.Bind(req); err != nil {
		return auth.NewError(auth.KindValidation, "malformed request body", err)
	}
	return c.Validate(req)
}
