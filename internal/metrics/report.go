package metrics

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/go-resty/resty/v2"
	"go.uber.org/multierr"
	"go.uber.org/zap"
)

// Report is a benchmark summary in the format the hub stores.
type Report struct {
	Timestamp            time.Time `json:"timestamp"`
	ClientID             string    `json:"client_id,omitempty"`
	E2ELatencyMedian     float64   `json:"e2e_latency_median"`
	E2ELatencyP95        float64   `json:"e2e_latency_p95"`
	ServerLatencyMedian  float64   `json:"server_latency_median"`
	NetworkLatencyMedian float64   `json:"network_latency_median"`
	ProcessedFPS         float64   `json:"processed_fps"`
	BandwidthKbps        float64   `json:"bandwidth_kbps"`
	DropRatePercent      float64   `json:"drop_rate_percent"`
	FramesProcessed      uint64    `json:"frames_processed"`
	FramesDropped        uint64    `json:"frames_dropped"`
	DurationSeconds      float64   `json:"duration_seconds"`
}

// Report summarizes the current snapshot.
func (a *Aggregator) Report(clientID string) Report {
	s := a.Snapshot()
	r := Report{
		Timestamp:            a.now().UTC(),
		ClientID:             clientID,
		E2ELatencyMedian:     s.E2E.Median,
		E2ELatencyP95:        s.E2E.P95,
		ServerLatencyMedian:  s.Inference.Median,
		NetworkLatencyMedian: s.Network.Median,
		ProcessedFPS:         s.FPS,
		BandwidthKbps:        s.BandwidthKbps,
		DropRatePercent:      s.DropRatePercent,
		FramesProcessed:      s.Processed,
		FramesDropped:        s.Dropped,
	}
	a.mu.Lock()
	if !a.started.IsZero() {
		r.DurationSeconds = a.now().Sub(a.started).Seconds()
	}
	a.mu.Unlock()
	return r
}

// Publisher delivers reports somewhere durable.
type Publisher interface {
	Publish(ctx context.Context, r Report) error
}

// Run publishes a report every interval until ctx ends. Publish errors are
// logged and never stop the loop.
func (a *Aggregator) Run(ctx context.Context, interval time.Duration, clientID string, pubs ...Publisher) error {
	if interval <= 0 || len(pubs) == 0 {
		<-ctx.Done()
		return nil
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if err := Publish(ctx, a.Report(clientID), pubs...); err != nil {
				a.logger.Warn("failed to publish metrics report", zap.Error(err))
			}
		}
	}
}

// Publish sends r to every publisher, combining their errors.
func Publish(ctx context.Context, r Report, pubs ...Publisher) error {
	var err error
	for _, p := range pubs {
		err = multierr.Append(err, p.Publish(ctx, r))
	}
	return err
}

// HTTPPublisher posts reports to the hub's metrics endpoint.
type HTTPPublisher struct {
	client *resty.Client
}

func NewHTTPPublisher(serverURL string) *HTTPPublisher {
	return &HTTPPublisher{
		client: resty.New().
			SetBaseURL(serverURL).
			SetTimeout(5 * time.Second).
			SetHeader("Content-Type", "application/json"),
	}
}

func (p *HTTPPublisher) Publish(ctx context.Context, r Report) error {
	resp, err := p.client.R().SetContext(ctx).SetBody(r).Post("/api/metrics")
	if err != nil {
		return fmt.Errorf("post metrics: %w", err)
	}
	if resp.IsError() {
		return fmt.Errorf("post metrics: status %d", resp.StatusCode())
	}
	return nil
}

// Latest fetches the most recent report stored by the hub.
func (p *HTTPPublisher) Latest(ctx context.Context) (*Report, error) {
	var r Report
	resp, err := p.client.R().SetContext(ctx).SetResult(&r).Get("/api/metrics/latest")
	if err != nil {
		return nil, fmt.Errorf("get latest metrics: %w", err)
	}
	if resp.StatusCode() == http.StatusNotFound {
		return nil, nil
	}
	if resp.IsError() {
		return nil, fmt.Errorf("get latest metrics: status %d", resp.StatusCode())
	}
	return &r, nil
}
