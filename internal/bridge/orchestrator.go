package bridge

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"relay-bridge/internal/relay"
)

// Orchestrator polls the registry and keeps exactly one bridge running per
// eligible stream. Bridge failures are contained here: they are logged,
// counted, and the stream becomes eligible again on a later tick.
type Orchestrator struct {
	interval time.Duration
	poller   *RegistryPoller
	bridges  *ActiveBridges
	acquirer sourceAcquirer
	sink     *relay.OriginProducer
	log      zerolog.Logger
	tracer   trace.Tracer

	activeGauge    metric.Int64UpDownCounter
	startedCounter metric.Int64Counter
	failedCounter  metric.Int64Counter
}

// Options selects the source-acquisition variant for bridge tasks.
type Options struct {
	// AnnounceFirst routes acquisition through the shared session's
	// announce step; when false streams are looked up directly by id.
	AnnounceFirst bool

	// NamespaceDomain prefixes announce namespaces: "<domain>/<stream_id>".
	// Only meaningful with AnnounceFirst.
	NamespaceDomain string
}

func NewOrchestrator(
	interval time.Duration,
	poller *RegistryPoller,
	bridges *ActiveBridges,
	ref *SessionRef,
	source *relay.OriginConsumer,
	sink *relay.OriginProducer,
	opts Options,
	log zerolog.Logger,
) *Orchestrator {
	var acquirer sourceAcquirer
	if opts.AnnounceFirst {
		acquirer = newAnnounceAcquirer(ref, source, opts.NamespaceDomain)
	} else {
		acquirer = newDirectAcquirer(source)
	}

	meter := otel.Meter("bridge-orchestrator")
	activeGauge, _ := meter.Int64UpDownCounter("bridge.active",
		metric.WithDescription("Number of streams currently being bridged"))
	startedCounter, _ := meter.Int64Counter("bridge.started_total",
		metric.WithDescription("Total number of bridge tasks started"))
	failedCounter, _ := meter.Int64Counter("bridge.failed_total",
		metric.WithDescription("Total number of bridge tasks that ended in failure"))

	return &Orchestrator{
		interval:       interval,
		poller:         poller,
		bridges:        bridges,
		acquirer:       acquirer,
		sink:           sink,
		log:            log,
		tracer:         otel.Tracer("bridge-orchestrator"),
		activeGauge:    activeGauge,
		startedCounter: startedCounter,
		failedCounter:  failedCounter,
	}
}

func (o *Orchestrator) Run(ctx context.Context) {
	ticker := time.NewTicker(o.interval)
	defer ticker.Stop()

	for {
		o.tick(ctx)
		select {
		case <-ticker.C:
		case <-ctx.Done():
			return
		}
	}
}

// tick runs one poll cycle. A registry failure costs only this cycle.
func (o *Orchestrator) tick(ctx context.Context) {
	ctx, span := o.tracer.Start(ctx, "bridge.Tick")
	defer span.End()

	streams, err := o.poller.Fetch(ctx)
	if err != nil {
		o.log.Warn().Err(err).Msg("failed to fetch stream registry")
		return
	}

	for _, stream := range streams {
		// Reservation is the only step under the lock; everything that can
		// block happens in the bridge goroutine after it.
		if !o.bridges.TryReserve(stream.StreamID) {
			continue
		}

		o.log.Info().
			Str("stream_id", stream.StreamID).
			Int("viewer_count", stream.ViewerCount).
			Msg("bridging new stream")
		o.startedCounter.Add(ctx, 1)
		o.activeGauge.Add(ctx, 1)

		go o.runBridge(stream.StreamID)
	}
}

// runBridge hosts one bridge task for its whole lifetime. It deliberately
// does not inherit the tick context: a bridge outlives the tick that started
// it and is abandoned rather than cancelled on shutdown.
func (o *Orchestrator) runBridge(streamID string) {
	ctx, span := o.tracer.Start(context.Background(), "bridge.Run", trace.WithAttributes(
		attribute.String("stream_id", streamID),
	))
	defer span.End()

	log := o.log.With().
		Str("stream_id", streamID).
		Str("bridge_id", uuid.New().String()).
		Logger()

	defer func() {
		o.bridges.Release(streamID)
		o.activeGauge.Add(context.Background(), -1)
	}()

	log.Info().Msg("bridge starting")
	if err := runBridge(ctx, streamID, o.acquirer, o.sink); err != nil {
		o.failedCounter.Add(ctx, 1)
		log.Warn().Err(err).Msg("bridge failed")
		return
	}
	log.Info().Msg("bridge closed")
}
