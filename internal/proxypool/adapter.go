package proxypool

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// Adapter is the two-operation capability described in spec.md §9
// ("Plugin registry of adapters"): each adapter knows only how to name
// itself and yield a finite list of endpoint strings on demand. Failures
// of an individual adapter are the collector's problem to log, never the
// adapter's to propagate beyond a returned error.
type Adapter interface {
	Name() string
	Collect(ctx context.Context) ([]string, error)
}

// httpAdapter is shared scaffolding for the JSON-over-HTTP adapters named
// in spec.md §6.
type httpAdapter struct {
	name   string
	url    string
	client *http.Client
	decode func([]byte) ([]string, error)
}

func (a *httpAdapter) Name() string { return a.name }

func (a *httpAdapter) Collect(ctx context.Context) ([]string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, a.url, nil)
	if err != nil {
		return nil, fmt.Errorf("proxypool: %s: build request: %w", a.name, err)
	}
	resp, err := a.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("proxypool: %s: request: %w", a.name, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("proxypool: %s: status %d", a.name, resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return nil, fmt.Errorf("proxypool: %s: read body: %w", a.name, err)
	}

	return a.decode(body)
}

// NewJhao104 adapts jhao104's `GET /get_all/` → `["ip:port", ...]` contract.
func NewJhao104(host string, port string) Adapter {
	return &httpAdapter{
		name:   "jhao104",
		url:    fmt.Sprintf("http://%s:%s/get_all/", host, port),
		client: defaultHTTPClient(),
		decode: func(body []byte) ([]string, error) {
			var endpoints []string
			if err := json.Unmarshal(body, &endpoints); err != nil {
				return nil, fmt.Errorf("jhao104: decode: %w", err)
			}
			return endpoints, nil
		},
	}
}

// NewScylla adapts scylla's `GET /api/v1/proxies` → `{proxies:[{ip,port}]}`.
func NewScylla(host string, port string) Adapter {
	return &httpAdapter{
		name:   "scylla",
		url:    fmt.Sprintf("http://%s:%s/api/v1/proxies", host, port),
		client: defaultHTTPClient(),
		decode: func(body []byte) ([]string, error) {
			var payload struct {
				Proxies []struct {
					IP   string `json:"ip"`
					Port int    `json:"port"`
				} `json:"proxies"`
			}
			if err := json.Unmarshal(body, &payload); err != nil {
				return nil, fmt.Errorf("scylla: decode: %w", err)
			}
			endpoints := make([]string, 0, len(payload.Proxies))
			for _, p := range payload.Proxies {
				endpoints = append(endpoints, fmt.Sprintf("%s:%d", p.IP, p.Port))
			}
			return endpoints, nil
		},
	}
}

// NewKarmenzind adapts `GET /api/proxy/?count=N` →
// `{data:{detail:[{ip,port}]}}`.
func NewKarmenzind(host string, port string, count int) Adapter {
	return &httpAdapter{
		name:   "karmenzind",
		url:    fmt.Sprintf("http://%s:%s/api/proxy/?count=%d", host, port, count),
		client: defaultHTTPClient(),
		decode: func(body []byte) ([]string, error) {
			var payload struct {
				Data struct {
					Detail []struct {
						IP   string `json:"ip"`
						Port int    `json:"port"`
					} `json:"detail"`
				} `json:"data"`
			}
			if err := json.Unmarshal(body, &payload); err != nil {
				return nil, fmt.Errorf("karmenzind: decode: %w", err)
			}
			endpoints := make([]string, 0, len(payload.Data.Detail))
			for _, p := range payload.Data.Detail {
				endpoints = append(endpoints, fmt.Sprintf("%s:%d", p.IP, p.Port))
			}
			return endpoints, nil
		},
	}
}

// NewChenjiandongx adapts `GET /get/N` → `[{<any-key>: endpoint}, ...]`.
func NewChenjiandongx(host string, port string, count int) Adapter {
	return &httpAdapter{
		name:   "chenjiandongx",
		url:    fmt.Sprintf("http://%s:%s/get/%d", host, port, count),
		client: defaultHTTPClient(),
		decode: func(body []byte) ([]string, error) {
			var entries []map[string]string
			if err := json.Unmarshal(body, &entries); err != nil {
				return nil, fmt.Errorf("chenjiandongx: decode: %w", err)
			}
			endpoints := make([]string, 0, len(entries))
			for _, entry := range entries {
				for _, v := range entry {
					endpoints = append(endpoints, v)
					break
				}
			}
			return endpoints, nil
		},
	}
}

// fakeAdapter is the distinguished no-op pool: it never yields an
// endpoint, so Pool.Get always returns "" (direct connection).
type fakeAdapter struct{}

func (fakeAdapter) Name() string { return "fake" }
func (fakeAdapter) Collect(ctx context.Context) ([]string, error) { return nil, nil }

// NewFake returns the "fake" adapter named in spec.md §4.3.
func NewFake() Adapter { return fakeAdapter{} }

func defaultHTTPClient() *http.Client {
	return &http.Client{Timeout: 10 * time.Second}
}
