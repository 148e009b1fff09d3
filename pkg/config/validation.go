package config

import (
	"errors"
	"fmt"
	"strings"

	"github.com/go-playground/validator/v10"
)

// validate is shared by every Validate call; it caches struct metadata.
var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New()
	// Registration only fails for an empty tag or a nil function.
	_ = v.RegisterValidation("authority", validateAuthority)
	return v
}

// validateAuthority accepts dot-separated names usable as the host part of
// a content:// URI, such as "com.dittomtp.documents".
func validateAuthority(fl validator.FieldLevel) bool {
	s := fl.Field().String()
	if s == "" {
		return false
	}
	for _, label := range strings.Split(s, ".") {
		if label == "" {
			return false
		}
		for _, r := range label {
			ok := r == '-' || r == '_' ||
				(r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9')
			if !ok {
				return false
			}
		}
	}
	return true
}

// Validate checks cfg against its struct tags, then against the rules that
// span several sections.
//
// Log levels are accepted in either case; ApplyDefaults uppercases them.
func Validate(cfg *Config) error {
	if err := validate.Struct(cfg); err != nil {
		return formatValidationError(err)
	}
	return validateCustomRules(cfg)
}

// validateCustomRules checks what struct tags cannot express.
func validateCustomRules(cfg *Config) error {
	if !cfg.Adapters.HTTP.Enabled {
		return fmt.Errorf("adapters: at least one adapter must be enabled")
	}

	seen := make(map[int]bool, len(cfg.Devices.AutoOpen))
	for i, id := range cfg.Devices.AutoOpen {
		if seen[id] {
			return fmt.Errorf("devices.auto_open[%d]: duplicate device id %d", i, id)
		}
		seen[id] = true
	}

	if cfg.Transport.Type == "localfs" {
		if path, _ := cfg.Transport.Localfs["path"].(string); path == "" {
			return fmt.Errorf("transport.localfs: path is required")
		}
	}

	if cfg.Server.Metrics.Enabled && cfg.Server.Metrics.Port == cfg.Adapters.HTTP.Port {
		return fmt.Errorf("server.metrics.port: port %d is already used by adapters.http", cfg.Server.Metrics.Port)
	}

	return nil
}

// formatValidationError reports the first failing field with its namespace
// and tag.
func formatValidationError(err error) error {
	var validationErrs validator.ValidationErrors
	if !errors.As(err, &validationErrs) || len(validationErrs) == 0 {
		return err
	}

	e := validationErrs[0]
	if e.Tag() == "authority" {
		return fmt.Errorf("%s: %q is not a valid authority (expected dot-separated labels)", e.Namespace(), e.Value())
	}
	return fmt.Errorf("%s: validation failed on '%s' tag (value: %v)", e.Namespace(), e.Tag(), e.Value())
}
