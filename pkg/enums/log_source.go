package enums

import "fmt"

// LogSource maps to the log_source enum in Postgres.
type LogSource string

const (
	LogSourceJenkins LogSource = "jenkins"
	LogSourceAPI     LogSource = "api"
)

var validLogSources = []LogSource{
	LogSourceJenkins,
	LogSourceAPI,
}

// IsValid reports whether the value matches the canonical log_source enum.
func (s LogSource) IsValid() bool {
	for _, candidate := range validLogSources {
		if candidate == s {
			return true
		}
	}
	return false
}

// ParseLogSource converts raw input into LogSource.
func ParseLogSource(value string) (LogSource, error) {
	for _, candidate := range validLogSources {
		if string(candidate) == value {
			return candidate, nil
		}
	}
	return "", fmt.Errorf("invalid log source %q", value)
}

// LogLevel is the normalized level attached to ingested log lines.
type LogLevel string

const (
	LogLevelDebug LogLevel = "DEBUG"
	LogLevelInfo  LogLevel = "INFO"
	LogLevelWarn  LogLevel = "WARN"
	LogLevelError LogLevel = "ERROR"
	LogLevelFatal LogLevel = "FATAL"
)

var validLogLevels = []LogLevel{
	LogLevelDebug,
	LogLevelInfo,
	LogLevelWarn,
	LogLevelError,
	LogLevelFatal,
}

// IsValid reports whether the value matches the canonical log_level enum.
func (l LogLevel) IsValid() bool {
	for _, candidate := range validLogLevels {
		if candidate == l {
			return true
		}
	}
	return false
}

// ParseLogLevel converts raw input into LogLevel.
func ParseLogLevel(value string) (LogLevel, error) {
	for _, candidate := range validLogLevels {
		if string(candidate) == value {
			return candidate, nil
		}
	}
	return "", fmt.Errorf("invalid log level %q", value)
}
