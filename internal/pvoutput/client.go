package pvoutput

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/DavidDeeds/vsn300-pvoutput/internal/inverter"
	"github.com/DavidDeeds/vsn300-pvoutput/internal/tracker"
)

const DefaultURL = "https://pvoutput.org/service/r2/addstatus.jsp"

// ErrRejected means PVOutput answered but refused the status update:
// either a non-2xx response or a 200 whose body starts with "ERROR".
var ErrRejected = errors.New("rejected by pvoutput")

// Client posts live status updates to the PVOutput addstatus API. One
// attempt per poll cycle; a failed upload is dropped, not queued — the
// next cycle carries fresher data anyway.
type Client struct {
	url      string
	apiKey   string
	systemID string
	dryRun   bool
	client   *http.Client
}

type ClientConfig struct {
	URL      string
	APIKey   string
	SystemID string
	DryRun   bool
}

func NewClient(cfg ClientConfig) *Client {
	u := cfg.URL
	if u == "" {
		u = DefaultURL
	}
	return &Client{
		url:      u,
		apiKey:   cfg.APIKey,
		systemID: cfg.SystemID,
		dryRun:   cfg.DryRun,
		client: &http.Client{
			Timeout: 10 * time.Second,
		},
	}
}

// Upload sends one addstatus record derived from the reading and the
// daily state. In dry-run mode the payload is logged instead of sent.
func (c *Client) Upload(ctx context.Context, r *inverter.Reading, state tracker.DailyState) error {
	energyWh := int(state.DailyEnergyWh + 0.5)

	if c.dryRun {
		log.Printf("[DRY_RUN] PVOutput v1=%dWh v2=%dW v5=%.1fC v6=%.1fV",
			energyWh, r.PowerW, r.TemperatureC, r.VoltageV)
		return nil
	}

	form := url.Values{}
	form.Set("d", r.Timestamp.Format("20060102"))
	form.Set("t", r.Timestamp.Format("15:04"))
	form.Set("v1", fmt.Sprintf("%d", energyWh))
	form.Set("v2", fmt.Sprintf("%d", r.PowerW))
	form.Set("v5", fmt.Sprintf("%.1f", r.TemperatureC))
	form.Set("v6", fmt.Sprintf("%.1f", r.VoltageV))

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, strings.NewReader(form.Encode()))
	if err != nil {
		return fmt.Errorf("failed to build pvoutput request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("X-Pvoutput-Apikey", c.apiKey)
	req.Header.Set("X-Pvoutput-SystemId", c.systemID)

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("pvoutput request failed: %w", err)
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	text := strings.TrimSpace(string(body))

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("%w: status %d: %s", ErrRejected, resp.StatusCode, text)
	}
	// PVOutput reports some failures as 200 with an "ERROR ..." body.
	if strings.HasPrefix(strings.ToUpper(text), "ERROR") {
		return fmt.Errorf("%w: %s", ErrRejected, text)
	}

	return nil
}

// DryRun reports whether the client logs payloads instead of sending.
func (c *Client) DryRun() bool {
	return c.dryRun
}
