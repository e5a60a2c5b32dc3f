package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
)

// RegisterCustomValidators registers FormBridge-specific validation rules.
// Must be called before validating Config.
func RegisterCustomValidators(v *validator.Validate) error {
	if err := v.RegisterValidation("duration", validateDuration); err != nil {
		return fmt.Errorf("failed to register duration validator: %w", err)
	}
	if err := v.RegisterValidation("key_hash", validateKeyHash); err != nil {
		return fmt.Errorf("failed to register key_hash validator: %w", err)
	}
	return nil
}

// validateDuration accepts anything time.ParseDuration accepts.
func validateDuration(fl validator.FieldLevel) bool {
	_, err := time.ParseDuration(fl.Field().String())
	return err == nil
}

// validateKeyHash accepts "sha256:<hex>" or an argon2id PHC string.
func validateKeyHash(fl validator.FieldLevel) bool {
	h := fl.Field().String()
	return strings.HasPrefix(h, "sha256:") || strings.HasPrefix(h, "$argon2id$")
}

// Validate validates the Config using struct tags and custom cross-field
// rules. Returns an error with actionable messages on failure.
func (c *Config) Validate() error {
	v := validator.New(validator.WithRequiredStructEnabled())

	if err := RegisterCustomValidators(v); err != nil {
		return err
	}

	if err := v.Struct(c); err != nil {
		return formatValidationErrors(err)
	}

	if err := c.validatePhaseSequence(); err != nil {
		return err
	}

	if err := c.validateRuleReferences(); err != nil {
		return err
	}

	return c.validatePhaseScripts()
}

// validatePhaseSequence ensures phase IDs are unique.
func (c *Config) validatePhaseSequence() error {
	seen := make(map[string]struct{}, len(c.Workflow.Phases))
	for i, phase := range c.Workflow.Phases {
		if _, dup := seen[phase.ID]; dup {
			return fmt.Errorf("workflow.phases[%d]: duplicate phase id: %s", i, phase.ID)
		}
		seen[phase.ID] = struct{}{}
	}
	return nil
}

// validateRuleReferences ensures every rule names a configured phase and one
// of its mandatory fields.
func (c *Config) validateRuleReferences() error {
	phases := c.Workflow.Phases
	if len(phases) == 0 {
		// Built-in sequence; rule targets are checked at engine startup.
		return nil
	}

	fieldsByPhase := make(map[string]map[string]struct{}, len(phases))
	for _, phase := range phases {
		fields := make(map[string]struct{}, len(phase.Mandatory))
		for _, f := range phase.Mandatory {
			fields[f] = struct{}{}
		}
		fieldsByPhase[phase.ID] = fields
	}

	for i, rule := range c.Workflow.Rules {
		fields, ok := fieldsByPhase[rule.Phase]
		if !ok {
			return fmt.Errorf("workflow.rules[%d]: references unknown phase: %s", i, rule.Phase)
		}
		if _, ok := fields[rule.Field]; !ok {
			return fmt.Errorf("workflow.rules[%d]: field %q is not mandatory in phase %q", i, rule.Field, rule.Phase)
		}
	}
	return nil
}

// validatePhaseScripts ensures every configured workflow phase has a portal
// page script to drive it.
func (c *Config) validatePhaseScripts() error {
	if len(c.Portal.Phases) == 0 {
		// No scripts configured at all: acceptable for dev mode where the
		// driver is stubbed, caught at startup otherwise.
		return nil
	}
	for i, phase := range c.Workflow.Phases {
		if _, ok := c.Portal.Phases[phase.ID]; !ok {
			return fmt.Errorf("workflow.phases[%d]: no portal page script for phase %q", i, phase.ID)
		}
	}
	return nil
}

// formatValidationErrors converts validator.ValidationErrors to
// user-friendly messages.
func formatValidationErrors(err error) error {
	var validationErrors validator.ValidationErrors
	if errors.As(err, &validationErrors) {
		var messages []string
		for _, e := range validationErrors {
			messages = append(messages, formatSingleValidationError(e))
		}
		return errors.New(strings.Join(messages, "; "))
	}
	return err
}

// formatSingleValidationError creates a user-friendly message for a single
// validation error.
func formatSingleValidationError(e validator.FieldError) string {
	field := e.Namespace()
	tag := e.Tag()

	switch tag {
	case "required":
		return fmt.Sprintf("%s is required", field)
	case "min":
		return fmt.Sprintf("%s must be at least %s", field, e.Param())
	case "oneof":
		return fmt.Sprintf("%s must be one of: %s", field, e.Param())
	case "url":
		return fmt.Sprintf("%s must be a valid URL", field)
	case "hostname_port":
		return fmt.Sprintf("%s must be a valid host:port", field)
	case "duration":
		return fmt.Sprintf("%s must be a valid duration (e.g., \"30s\", \"5m\")", field)
	case "key_hash":
		return fmt.Sprintf("%s must start with \"sha256:\" or \"$argon2id$\"", field)
	default:
		return fmt.Sprintf("%s failed validation: %s", field, tag)
	}
}
