package config

import (
	"fmt"

	"github.com/go-playground/validator/v10"
)

// validate is the singleton validator instance
var validate *validator.Validate

func init() {
	validate = validator.New()
}

// Validate validates the configuration using struct tags plus custom rules
// that cannot be expressed in tags.
//
// Note: log level normalization happens in ApplyDefaults, not here;
// validation accepts both uppercase and lowercase levels.
func Validate(cfg *Config) error {
	if err := validate.Struct(cfg); err != nil {
		return formatValidationError(err)
	}

	if err := validateCustomRules(cfg); err != nil {
		return err
	}

	return nil
}

// validateCustomRules performs custom validation beyond struct tags.
func validateCustomRules(cfg *Config) error {
	if cfg.Transport.BackoffBase > cfg.Transport.BackoffMax {
		return fmt.Errorf("transport: backoff_base (%s) must not exceed backoff_max (%s)",
			cfg.Transport.BackoffBase, cfg.Transport.BackoffMax)
	}

	if cfg.Transport.AttemptTimeout <= cfg.Transport.BackoffBase {
		return fmt.Errorf("transport: attempt_timeout (%s) must exceed backoff_base (%s)",
			cfg.Transport.AttemptTimeout, cfg.Transport.BackoffBase)
	}

	return nil
}

// formatValidationError converts validator errors into user-friendly messages.
func formatValidationError(err error) error {
	if validationErrs, ok := err.(validator.ValidationErrors); ok {
		// Return the first validation error with context
		if len(validationErrs) > 0 {
			e := validationErrs[0]
			return fmt.Errorf("%s: validation failed on '%s' tag (value: %v)",
				e.Namespace(), e.Tag(), e.Value())
		}
	}
	return err
}
