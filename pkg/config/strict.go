package config

import (
	"fmt"
	"strings"

	"github.com/mitchellh/mapstructure"
)

// StrictValidationResult contains structural errors found before the
// config is decoded for real.
type StrictValidationResult struct {
	UnknownFields []string
	TypeErrors    []string
}

// Valid returns true if there are no validation errors.
func (r *StrictValidationResult) Valid() bool {
	return len(r.UnknownFields) == 0 && len(r.TypeErrors) == 0
}

// FormatErrors returns a human-readable error message.
func (r *StrictValidationResult) FormatErrors() string {
	if r.Valid() {
		return ""
	}

	var sb strings.Builder

	if len(r.UnknownFields) > 0 {
		sb.WriteString("unknown fields (typos or wrong nesting):\n")
		for _, field := range r.UnknownFields {
			sb.WriteString(fmt.Sprintf("  - %s\n", field))
		}
	}

	if len(r.TypeErrors) > 0 {
		sb.WriteString("type errors:\n")
		for _, err := range r.TypeErrors {
			sb.WriteString(fmt.Sprintf("  - %s\n", err))
		}
	}

	sb.WriteString("run 'sibyl validate <file>' to check the config after fixing")

	return sb.String()
}

// ValidateConfigStructure catches typos, unknown fields, and incorrect
// nesting before the config is processed, so users get early feedback
// on mistakes that lenient decoding would silently drop.
func ValidateConfigStructure(rawMap map[string]any) (*StrictValidationResult, error) {
	result := &StrictValidationResult{}

	cfg := &Config{}
	decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Result:      cfg,
		ErrorUnused: true,
		TagName:     "yaml",
		// Weak coercion stays off here so type mismatches surface.
		WeaklyTypedInput: false,
		DecodeHook: mapstructure.ComposeDecodeHookFunc(
			mapstructure.StringToTimeDurationHookFunc(),
			mapstructure.StringToSliceHookFunc(","),
		),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create decoder: %w", err)
	}

	if err := decoder.Decode(rawMap); err != nil {
		errStr := err.Error()
		if strings.Contains(errStr, "unused key") || strings.Contains(errStr, "has invalid keys:") {
			result.UnknownFields = extractUnknownFields(errStr)
		} else {
			result.TypeErrors = append(result.TypeErrors, errStr)
		}
	}

	return result, nil
}

// extractUnknownFields parses mapstructure error messages of the form
// "...has invalid keys: key1, key2".
func extractUnknownFields(errMsg string) []string {
	var fields []string

	if idx := strings.Index(errMsg, "has invalid keys:"); idx != -1 {
		keysStr := strings.TrimSpace(errMsg[idx+len("has invalid keys:"):])
		for _, key := range strings.Split(keysStr, ",") {
			if key = strings.TrimSpace(key); key != "" {
				fields = append(fields, key)
			}
		}
	}

	if len(fields) == 0 {
		fields = append(fields, errMsg)
	}

	return fields
}
