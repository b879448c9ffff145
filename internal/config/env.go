// Package config holds the run's environment-variable and YAML-file
// configuration layers: flat GetEnv* helpers plus the structured RunConfig
// a backtest needs (symbols, risk, commission, slippage, agent knobs).
package config

import (
	"os"
	"strconv"
	"strings"
)

// GetEnv returns the trimmed value of key, or def if unset/blank.
func GetEnv(key, def string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return def
}

// GetEnvFloat parses key as a float64, falling back to def on any error.
func GetEnvFloat(key string, def float64) float64 {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return def
	}
	return f
}

// GetEnvBool parses key as a bool using a loose vocabulary
// (1/true/y/yes, 0/false/n/no).
func GetEnvBool(key string, def bool) bool {
	v := strings.ToLower(strings.TrimSpace(os.Getenv(key)))
	switch v {
	case "1", "true", "y", "yes":
		return true
	case "0", "false", "n", "no":
		return false
	default:
		return def
	}
}

// GetEnvInt parses key as an int, falling back to def on any error.
func GetEnvInt(key string, def int) int {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	i, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return i
}
