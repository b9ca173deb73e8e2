package config

import (
	"errors"
	"fmt"
	"regexp"
	"strings"

	"github.com/go-playground/validator/v10"
)

// ModuleNamePattern is the naming convention every module name follows.
var ModuleNamePattern = regexp.MustCompile(`^mod_[a-z0-9_]+$`)

var validate *validator.Validate

func init() {
	validate = validator.New(validator.WithRequiredStructEnabled())
	_ = validate.RegisterValidation("modulename", func(fl validator.FieldLevel) bool {
		return ModuleNamePattern.MatchString(strings.ToLower(fl.Field().String()))
	})
}

// Validate checks m against its struct tags. Every violation is reported.
func Validate(m *Model) error {
	if m == nil {
		return errors.New("config: nil model")
	}
	err := validate.Struct(m)
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return fmt.Errorf("config: %w", err)
	}
	msgs := make([]error, 0, len(verrs))
	for _, fe := range verrs {
		msgs = append(msgs, fmt.Errorf("%s: failed %q (%v)", fieldPath(fe.Namespace()), fe.Tag(), fe.Param()))
	}
	return fmt.Errorf("config: invalid: %w", errors.Join(msgs...))
}

// fieldPath turns "Model.Link.Port" into "Link.Port".
func fieldPath(ns string) string {
	_, rest, found := strings.Cut(ns, ".")
	if !found {
		return ns
	}
	return rest
}
