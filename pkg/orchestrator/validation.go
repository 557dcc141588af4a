package orchestrator

import (
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/go-playground/validator/v10"
	"github.com/robfig/cron/v3"

	"github.com/supporttools/GoDRGuard/pkg/apperrors"
	"github.com/supporttools/GoDRGuard/pkg/metadata/types"
)

var (
	validate     *validator.Validate
	validateOnce sync.Once
)

func getValidator() *validator.Validate {
	validateOnce.Do(func() {
		validate = validator.New(validator.WithRequiredStructEnabled())
	})
	return validate
}

// validateStruct runs the struct tags of v and returns a Validation error listing every failed field
func validateStruct(what string, v interface{}) error {
	err := getValidator().Struct(v)
	if err == nil {
		return nil
	}

	var fieldErrs validator.ValidationErrors
	if !errors.As(err, &fieldErrs) {
		return apperrors.Validation("invalid "+what, err)
	}

	messages := make([]string, 0, len(fieldErrs))
	for _, fe := range fieldErrs {
		messages = append(messages, translateError(fe))
	}
	return apperrors.Validation(fmt.Sprintf("invalid %s: %s", what, strings.Join(messages, "; ")), nil)
}

func translateError(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required":
		return fe.Field() + " is required"
	case "required_if":
		return fe.Field() + " is required when " + strings.Fields(fe.Param())[0] + " is set"
	case "gte":
		return fmt.Sprintf("%s must be greater than or equal to %s", fe.Field(), fe.Param())
	case "lte":
		return fmt.Sprintf("%s must be less than or equal to %s", fe.Field(), fe.Param())
	default:
		return fmt.Sprintf("%s failed %s validation", fe.Field(), fe.Tag())
	}
}

// validateConfig checks struct tags and the cron expression
func validateConfig(cfg *types.BackupConfig) error {
	if err := validateStruct("backup config", cfg); err != nil {
		return err
	}
	if _, err := cron.ParseStandard(cfg.Schedule); err != nil {
		return apperrors.Validation(fmt.Sprintf("invalid backup config: schedule %q is not a valid cron expression", cfg.Schedule), err)
	}
	return nil
}
