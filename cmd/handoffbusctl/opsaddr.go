package main

import (
	"net"
	"strings"

	"github.com/xpert-ai/handoffbus/internal/config"
)

// opsBaseURL resolves the daemon's ops surface base URL from config.yaml,
// normalizing a bare host:port into http://host:port the way the
// teacher's status command normalizes its own daemon bind address.
func opsBaseURL() (string, error) {
	cfg, err := config.Load()
	if err != nil {
		return "", err
	}

	addr := strings.TrimSpace(cfg.OpsBindAddr)
	if addr == "" {
		addr = "127.0.0.1:8780"
	}
	if strings.HasPrefix(addr, "http://") || strings.HasPrefix(addr, "https://") {
		return strings.TrimRight(addr, "/"), nil
	}
	if host, port, err := net.SplitHostPort(addr); err == nil {
		addr = net.JoinHostPort(host, port)
	}
	return "http://" + addr, nil
}
