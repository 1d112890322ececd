package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// The env helpers leave dst untouched when the variable is unset or blank.

func envString(varName string, dst *string) error {
	if v := strings.TrimSpace(os.Getenv(varName)); v != "" {
		*dst = v
	}
	return nil
}

func envInt(varName string, dst *int) error {
	v := strings.TrimSpace(os.Getenv(varName))
	if v == "" {
		return nil
	}
	out, err := strconv.Atoi(v)
	if err != nil {
		return fmt.Errorf("invalid %s=%q: %w", varName, v, err)
	}
	*dst = out
	return nil
}

func envFloat(varName string, dst *float64) error {
	v := strings.TrimSpace(os.Getenv(varName))
	if v == "" {
		return nil
	}
	out, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return fmt.Errorf("invalid %s=%q: %w", varName, v, err)
	}
	*dst = out
	return nil
}

func envDuration(varName string, dst *time.Duration) error {
	v := strings.TrimSpace(os.Getenv(varName))
	if v == "" {
		return nil
	}
	out, err := time.ParseDuration(v)
	if err != nil {
		return fmt.Errorf("invalid %s=%q: %w", varName, v, err)
	}
	*dst = out
	return nil
}
