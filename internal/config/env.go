package config

import (
	"os"
	"strings"
)

const (
	EnvPrinterAPIKey = "FD_PRINTER_API_KEY"
	EnvTelegramToken = "FD_TELEGRAM_TOKEN"
)

// ApplyEnv overlays secrets from the environment. Non-empty variables win over the file.
func ApplyEnv(cfg *Config) {
	if cfg == nil {
		return
	}
	if v := strings.TrimSpace(os.Getenv(EnvPrinterAPIKey)); v != "" {
		cfg.Printer.APIKey = v
	}
	if v := strings.TrimSpace(os.Getenv(EnvTelegramToken)); v != "" {
		cfg.Telegram.Token = v
	}
}
