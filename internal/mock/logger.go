package mock

import "gridtrader/internal/core"

// NopLogger is a no-op core.ILogger for tests
type NopLogger struct{}

func (NopLogger) Debug(msg string, fields ...interface{})                 {}
func (NopLogger) Info(msg string, fields ...interface{})                  {}
func (NopLogger) Warn(msg string, fields ...interface{})                  {}
func (NopLogger) Error(msg string, fields ...interface{})                 {}
func (NopLogger) Fatal(msg string, fields ...interface{})                 {}
func (NopLogger) WithField(key string, value interface{}) core.ILogger    { return NopLogger{} }
func (NopLogger) WithFields(fields map[string]interface{}) core.ILogger   { return NopLogger{} }
