package trafficlog

import (
	"trafficlog/config"
)

// FromLogConfig builds the capture policy from the application configuration.
// The result is immutable; the middleware reads it for the process lifetime.
func FromLogConfig(logCfg config.LogConfig) Config {
	return Config{
		RequestEnabled:   logCfg.LogRequestBody,
		RequestMaxBytes:  logCfg.LogRequestBodyMaxSize,
		ResponseEnabled:  logCfg.LogResponseBody,
		ResponseMaxBytes: logCfg.LogResponseBodyMaxSize,
		LogHeaders:       logCfg.LogHeaders,
		BodyFields:       logCfg.BodyFields,
	}
}
