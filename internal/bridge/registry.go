package bridge

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

// StreamDescriptor is one registry entry. ViewerCount is carried for
// observability only and plays no part in bridging decisions.
type StreamDescriptor struct {
	StreamID    string `json:"stream_id"`
	Origin      string `json:"origin,omitempty"`
	ViewerCount int    `json:"viewer_count,omitempty"`
}

type registryResponse struct {
	Broadcasts []StreamDescriptor `json:"broadcasts"`
}

// RegistryPoller fetches the stream registry and filters it down to streams
// originating from the bridged network.
type RegistryPoller struct {
	url        string
	origin     string
	httpClient *http.Client
	log        zerolog.Logger
	tracer     trace.Tracer

	fetchCounter metric.Int64Counter
	errorCounter metric.Int64Counter
}

func NewRegistryPoller(registryURL, origin string, log zerolog.Logger) *RegistryPoller {
	meter := otel.Meter("registry-poller")
	fetchCounter, _ := meter.Int64Counter("registry.fetches_total",
		metric.WithDescription("Total number of registry fetch attempts"))
	errorCounter, _ := meter.Int64Counter("registry.fetch_errors_total",
		metric.WithDescription("Total number of failed registry fetches"))

	return &RegistryPoller{
		url:          registryURL,
		origin:       origin,
		httpClient:   &http.Client{Timeout: 10 * time.Second},
		log:          log,
		tracer:       otel.Tracer("registry-poller"),
		fetchCounter: fetchCounter,
		errorCounter: errorCounter,
	}
}

// Fetch returns the streams the registry currently attributes to the bridged
// network. Entries without an origin tag are assumed to come from it.
func (p *RegistryPoller) Fetch(ctx context.Context) ([]StreamDescriptor, error) {
	ctx, span := p.tracer.Start(ctx, "registry.Fetch", trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(attribute.String("registry.url", p.url)))
	defer span.End()

	p.fetchCounter.Add(ctx, 1)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.url, nil)
	if err != nil {
		p.errorCounter.Add(ctx, 1)
		return nil, fmt.Errorf("build registry request: %w", err)
	}

	resp, err := p.httpClient.Do(req)
	if err != nil {
		p.errorCounter.Add(ctx, 1)
		return nil, fmt.Errorf("fetch registry: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		p.errorCounter.Add(ctx, 1)
		return nil, fmt.Errorf("registry returned status %d", resp.StatusCode)
	}

	var body registryResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		p.errorCounter.Add(ctx, 1)
		return nil, fmt.Errorf("decode registry response: %w", err)
	}

	streams := make([]StreamDescriptor, 0, len(body.Broadcasts))
	for _, s := range body.Broadcasts {
		if s.Origin == "" {
			s.Origin = p.origin
		}
		if s.Origin != p.origin {
			continue
		}
		streams = append(streams, s)
	}
	p.log.Debug().Int("listed", len(body.Broadcasts)).Int("eligible", len(streams)).Msg("registry fetched")
	return streams, nil
}
