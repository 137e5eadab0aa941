package config

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Params holds the free-form settings of one module
type Params map[string]string

// GetRequiredString returns a parameter that must be present and non-empty
func (p Params) GetRequiredString(name string) (string, error) {
	val, ok := p[name]
	if !ok || val == "" {
		return "", fmt.Errorf("missing parameter: %s", name)
	}
	return val, nil
}

func (p Params) GetString(name string, defaultValue string) string {
	valStr, ok := p[name]
	if !ok {
		return defaultValue
	}
	return valStr
}

func (p Params) GetPort(name string) (uint16, error) {
	valStr, ok := p[name]
	if !ok {
		return 0, fmt.Errorf("missing parameter: %s", name)
	}
	val, err := strconv.ParseUint(valStr, 10, 16)
	if err != nil {
		return 0, fmt.Errorf("error parsing %s: %w", name, err)
	}
	return uint16(val), nil
}

func (p Params) GetBool(name string, defaultValue bool) (bool, error) {
	valStr, ok := p[name]
	if !ok {
		return defaultValue, nil
	}
	val, err := strconv.ParseBool(valStr)
	if err != nil {
		return false, fmt.Errorf("error parsing %s: %w", name, err)
	}
	return val, nil
}

func (p Params) GetInt(name string, defaultValue int) (int, error) {
	valStr, ok := p[name]
	if !ok {
		return defaultValue, nil
	}
	val, err := strconv.Atoi(valStr)
	if err != nil {
		return 0, fmt.Errorf("error parsing %s: %w", name, err)
	}
	return val, nil
}

func (p Params) GetDuration(name string, defaultValue time.Duration) (time.Duration, error) {
	valStr, ok := p[name]
	if !ok {
		return defaultValue, nil
	}
	val, err := time.ParseDuration(valStr)
	if err != nil {
		return 0, fmt.Errorf("error parsing %s: %w", name, err)
	}
	return val, nil
}

// GetList splits a comma-separated parameter, dropping empty items
func (p Params) GetList(name string) []string {
	var items []string
	for _, item := range strings.Split(p[name], ",") {
		item = strings.TrimSpace(item)
		if item != "" {
			items = append(items, item)
		}
	}
	return items
}
