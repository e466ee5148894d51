package proxypool

import (
	"fmt"

	"github.com/spider-crawler/spider/internal/config"
)

// BuildAdapter resolves the adapter named by a task's proxy_pool field
// (spec.md §6), reading each adapter's host/port from the environment.
// This is the explicit registry spec.md §9 calls for, replacing the
// source's directory-scanning plugin discovery.
func BuildAdapter(name string) (Adapter, error) {
	switch name {
	case "", "fake":
		return NewFake(), nil
	case "jhao104":
		ep := config.AdapterEndpointFromEnv("JHAO104_PORT")
		return NewJhao104(ep.Host, portString(ep.Port, 5010)), nil
	case "scylla":
		ep := config.AdapterEndpointFromEnv("SCYLLA_PORT")
		return NewScylla(ep.Host, portString(ep.Port, 8899)), nil
	case "karmenzind":
		ep := config.AdapterEndpointFromEnv("KARMEN_PORT")
		return NewKarmenzind(ep.Host, portString(ep.Port, 12345), 20), nil
	case "chenjiandongx":
		ep := config.AdapterEndpointFromEnv("CJDX_PORT")
		return NewChenjiandongx(ep.Host, portString(ep.Port, 3289), 20), nil
	default:
		return nil, fmt.Errorf("proxypool: unknown adapter %q", name)
	}
}

func portString(port, fallback int) string {
	if port == 0 {
		port = fallback
	}
	return fmt.Sprintf("%d", port)
}
