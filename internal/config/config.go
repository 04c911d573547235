package config

import (
	"log/slog"
	"os"
	"strconv"
	"time"
)

type Config struct {
	Port          string
	ListenAddress string
	// AdvertiseIP is what the dispatch stub hands to devices as their
	// control endpoint; usually this host's LAN address.
	AdvertiseIP string

	UpstreamURL         string
	UpstreamInsecureTLS bool
	ReconnectDelay      time.Duration
	DispatchMirrorURL   string

	MQTTBrokerURL string
	LogLevel      string
}

func Load() *Config {
	cfg := &Config{
		Port:                getEnv("RELAY_GATEWAY_PORT", "8090"),
		ListenAddress:       getEnv("RELAY_LISTEN_ADDRESS", "0.0.0.0"),
		AdvertiseIP:         getEnv("RELAY_ADVERTISE_IP", "127.0.0.1"),
		UpstreamURL:         getEnv("VENDOR_WS_URL", "wss://eu-api.coolkit.cc:8080/api/ws"),
		UpstreamInsecureTLS: parseBool(getEnv("VENDOR_WS_INSECURE_TLS", "true")),
		ReconnectDelay:      time.Duration(getEnvInt("UPSTREAM_RECONNECT_SEC", 5)) * time.Second,
		DispatchMirrorURL:   getEnv("VENDOR_DISPATCH_URL", "https://eu-disp.coolkit.cc/dispatch/device"),
		MQTTBrokerURL:       os.Getenv("MQTT_BROKER_URL"),
		LogLevel:            getEnv("LOG_LEVEL", "info"),
	}
	slog.Info("relay-gateway config loaded",
		"port", cfg.Port, "advertise_ip", cfg.AdvertiseIP,
		"upstream", cfg.UpstreamURL, "reconnect_delay", cfg.ReconnectDelay,
		"mqtt", cfg.MQTTBrokerURL != "")
	return cfg
}

func getEnv(k, def string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return def
}

func getEnvInt(k string, def int) int {
	if v := os.Getenv(k); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			return n
		}
		slog.Warn("ignoring invalid integer env var", "key", k, "value", v)
	}
	return def
}

func parseBool(val string) bool {
	switch val {
	case "1", "true", "yes", "y", "on":
		return true
	default:
		return false
	}
}
