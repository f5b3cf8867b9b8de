package config

import (
	"errors"
	"fmt"
	"strings"

	"github.com/go-playground/validator/v10"
)

// ValidationError describes one invalid configuration key.
type ValidationError struct {
	// Path is the dotted struct path, e.g. "Config.Images.QemuImg".
	Path string `json:"path"`

	// Rule is the failed validation tag.
	Rule string `json:"rule"`

	// Message is the error message.
	Message string `json:"message"`
}

// ValidationErrors collects every invalid key found in one pass.
type ValidationErrors []ValidationError

func (ve ValidationErrors) Error() string {
	msgs := make([]string, len(ve))
	for i, e := range ve {
		msgs[i] = e.Message
	}
	return "invalid config: " + strings.Join(msgs, "; ")
}

func newValidationErrors(err error) error {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return fmt.Errorf("invalid config: %w", err)
	}

	out := make(ValidationErrors, 0, len(verrs))
	for _, fe := range verrs {
		msg := fmt.Sprintf("%s failed %q", fe.Namespace(), fe.Tag())
		if fe.Param() != "" {
			msg = fmt.Sprintf("%s failed %q (%s), got %v", fe.Namespace(), fe.Tag(), fe.Param(), fe.Value())
		}
		out = append(out, ValidationError{
			Path:    fe.Namespace(),
			Rule:    fe.Tag(),
			Message: msg,
		})
	}
	return out
}
