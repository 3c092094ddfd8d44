// Package diagnostics checks whether a relay deployment is ready to serve.
package diagnostics

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"pollrelay/go-backend/internal/bootstrap/relayconfig"
)

const (
	minPollWindow = 100 * time.Millisecond
	maxPollWindow = 5 * time.Minute
)

type DoctorInput struct {
	Config relayconfig.Config
	// ProbeURL is the base URL of a running daemon; empty skips the probe.
	ProbeURL string
}

type DoctorCheck struct {
	Name   string `json:"name"`
	Pass   bool   `json:"pass"`
	Reason string `json:"reason,omitempty"`
}

type DoctorReport struct {
	Ready     bool          `json:"ready"`
	Checks    []DoctorCheck `json:"checks"`
	CheckedAt time.Time     `json:"checked_at"`
}

type Doctor struct {
	now    func() time.Time
	client *http.Client
}

func NewDoctor() *Doctor {
	return &Doctor{
		now:    func() time.Time { return time.Now().UTC() },
		client: &http.Client{Timeout: 3 * time.Second},
	}
}

func (d *Doctor) Run(ctx context.Context, input DoctorInput) DoctorReport {
	cfg := input.Config
	report := DoctorReport{
		Ready:     true,
		Checks:    make([]DoctorCheck, 0, 8),
		CheckedAt: d.now(),
	}
	appendCheck := func(name string, err error) {
		check := DoctorCheck{Name: name, Pass: err == nil}
		if err != nil {
			check.Reason = err.Error()
			report.Ready = false
		}
		report.Checks = append(report.Checks, check)
	}

	appendCheck("config_valid", cfg.Validate())
	port, err := validateListenAddr(cfg.HTTP.Addr)
	appendCheck("listen_addr_valid", err)
	if err == nil && port != 0 && strings.TrimSpace(input.ProbeURL) == "" {
		appendCheck("listen_addr_available", checkAddrAvailable(cfg.HTTP.Addr))
	}
	appendCheck("token_secret_configured", requireNonEmpty(cfg.HTTP.TokenSecret, "sessions will not survive a restart without a token secret"))
	appendCheck("poll_window_sane", checkPollWindow(cfg.Relay.PollWindow))
	appendCheck("poll_cap_within_sessions", checkPollCap(cfg))

	if strings.TrimSpace(input.ProbeURL) != "" {
		appendCheck("daemon_healthy", d.probe(ctx, input.ProbeURL))
	}
	return report
}

func validateListenAddr(raw string) (int, error) {
	_, p, err := net.SplitHostPort(strings.TrimSpace(raw))
	if err != nil {
		return 0, fmt.Errorf("listen address is invalid: %w", err)
	}
	port, err := strconv.Atoi(p)
	if err != nil || port < 0 || port > 65535 {
		return 0, fmt.Errorf("listen port is invalid: %q", p)
	}
	return port, nil
}

func checkAddrAvailable(addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("%s is unavailable: %w", addr, err)
	}
	_ = ln.Close()
	return nil
}

func requireNonEmpty(value, reason string) error {
	if strings.TrimSpace(value) == "" {
		return fmt.Errorf("%s", reason)
	}
	return nil
}

func checkPollWindow(window time.Duration) error {
	if window < minPollWindow || window > maxPollWindow {
		return fmt.Errorf("poll window %s outside [%s..%s]", window, minPollWindow, maxPollWindow)
	}
	return nil
}

func checkPollCap(cfg relayconfig.Config) error {
	if cfg.Relay.MaxSessions > 0 && cfg.Limits.MaxConcurrentPolls > 0 && cfg.Limits.MaxConcurrentPolls > cfg.Relay.MaxSessions {
		return fmt.Errorf("max_concurrent_polls=%d > max_sessions=%d", cfg.Limits.MaxConcurrentPolls, cfg.Relay.MaxSessions)
	}
	return nil
}

func (d *Doctor) probe(ctx context.Context, baseURL string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, strings.TrimRight(baseURL, "/")+"/healthz", nil)
	if err != nil {
		return err
	}
	resp, err := d.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("healthz returned %d", resp.StatusCode)
	}
	var body struct {
		Status string `json:"status"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return fmt.Errorf("decode healthz: %w", err)
	}
	if body.Status != "ok" {
		return fmt.Errorf("healthz status %q", body.Status)
	}
	return nil
}
