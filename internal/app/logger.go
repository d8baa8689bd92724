package app

import (
	"github.com/charlesng35/giftbox/pkg/logger"
)

// ConfigureLogging initialises the global logger from the server section.
func ConfigureLogging(cfg ServerConfig) error {
	return logger.Init(cfg.LogLevel, cfg.LogFormat)
}
