package config

import "strings"

// PopupConfig holds settings for the popup terminal UI.
type PopupConfig struct {
	CoordinatorURL string
	LogLevel       string
	LogFile        string
}

// LoadPopup reads popup configuration from environment variables.
func LoadPopup() (*PopupConfig, error) {
	loadDotEnv()
	return &PopupConfig{
		CoordinatorURL: strings.TrimRight(getEnvOrDefault("POPUP_COORDINATOR_URL", "http://127.0.0.1:8787"), "/"),
		LogLevel:       strings.ToLower(getEnvOrDefault("POPUP_LOG_LEVEL", "warn")),
		LogFile:        getEnvOrDefault("POPUP_LOG_FILE", "logs/popup.log"),
	}, nil
}

// HubURL returns the websocket endpoint of the coordinator hub.
func (c *PopupConfig) HubURL() string {
	u := c.CoordinatorURL
	switch {
	case strings.HasPrefix(u, "https://"):
		u = "wss://" + strings.TrimPrefix(u, "https://")
	case strings.HasPrefix(u, "http://"):
		u = "ws://" + strings.TrimPrefix(u, "http://")
	}
	return u + "/ws"
}

// OptionsURL returns the options endpoint shown by "open options".
func (c *PopupConfig) OptionsURL() string {
	return c.CoordinatorURL + "/api/v1/options"
}
