// Package bus delivers finished analysis reports and audit events over NATS
// JetStream, optionally running an embedded server for single-node
// deployments.
package bus

import (
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/nats-io/nats-server/v2/server"
	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"

	"github.com/malwatch-project/malwatch/internal/config"
	"github.com/malwatch-project/malwatch/internal/core"
)

// ReportBus wraps NATS JetStream for report and audit publishing.
type ReportBus struct {
	nc     *nats.Conn
	js     nats.JetStreamContext
	ns     *server.Server
	logger zerolog.Logger
	mu     sync.RWMutex
	subs   []*nats.Subscription

	metrics *BusMetrics
}

// BusMetrics tracks bus performance counters.
type BusMetrics struct {
	mu               sync.Mutex `json:"-"`
	ReportsPublished int64      `json:"reports_published"`
	ReportsFailed    int64      `json:"reports_failed"`
	AuditsPublished  int64      `json:"audits_published"`
	MessagesAcked    int64      `json:"messages_acked"`
	MessagesNaked    int64      `json:"messages_naked"`
}

// NewReportBus creates a ReportBus. If cfg.Embedded is true, it starts an
// embedded NATS server first.
func NewReportBus(cfg config.BusConfig, logger zerolog.Logger) (*ReportBus, error) {
	bus := &ReportBus{
		logger:  logger.With().Str("component", "report_bus").Logger(),
		subs:    make([]*nats.Subscription, 0),
		metrics: &BusMetrics{},
	}

	if cfg.Embedded {
		if err := os.MkdirAll(cfg.DataDir, 0755); err != nil {
			return nil, fmt.Errorf("creating NATS data dir: %w", err)
		}

		opts := &server.Options{
			Host:      "127.0.0.1",
			Port:      cfg.Port,
			JetStream: true,
			StoreDir:  cfg.DataDir,
			NoLog:     true,
			NoSigs:    true,
		}

		ns, err := server.NewServer(opts)
		if err != nil {
			return nil, fmt.Errorf("creating embedded NATS server: %w", err)
		}

		ns.Start()

		if !ns.ReadyForConnections(10 * time.Second) {
			return nil, fmt.Errorf("embedded NATS server failed to start within timeout")
		}

		bus.ns = ns
		bus.logger.Info().Int("port", cfg.Port).Msg("embedded NATS server started")
	}

	url := cfg.URL
	if cfg.Embedded {
		url = fmt.Sprintf("nats://127.0.0.1:%d", cfg.Port)
	}

	nc, err := nats.Connect(url,
		nats.RetryOnFailedConnect(true),
		nats.MaxReconnects(60),
		nats.ReconnectWait(time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				bus.logger.Warn().Err(err).Msg("NATS disconnected")
			}
		}),
		nats.ReconnectHandler(func(_ *nats.Conn) {
			bus.logger.Info().Msg("NATS reconnected")
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("connecting to NATS: %w", err)
	}
	bus.nc = nc

	js, err := nc.JetStream()
	if err != nil {
		return nil, fmt.Errorf("creating JetStream context: %w", err)
	}
	bus.js = js

	// Reports are the downstream contract; keep a week of them.
	// AddStream returns the existing stream if config matches; if it exists
	// with a different config (e.g. after an upgrade), update it.
	reportsStreamCfg := &nats.StreamConfig{
		Name:      "MW_REPORTS",
		Subjects:  []string{"mw.reports.>"},
		Retention: nats.LimitsPolicy,
		MaxAge:    24 * time.Hour * 7,
		MaxBytes:  1024 * 1024 * 1024,
		Storage:   nats.FileStorage,
		Discard:   nats.DiscardOld,
	}
	_, err = js.AddStream(reportsStreamCfg)
	if err != nil {
		if _, updateErr := js.UpdateStream(reportsStreamCfg); updateErr != nil {
			return nil, fmt.Errorf("creating/updating reports stream: %w (original: %v)", updateErr, err)
		}
	}

	// Audit events carry compliance weight; keep them longer.
	auditStreamCfg := &nats.StreamConfig{
		Name:      "MW_AUDIT",
		Subjects:  []string{"mw.audit.>"},
		Retention: nats.LimitsPolicy,
		MaxAge:    24 * time.Hour * 90,
		MaxBytes:  512 * 1024 * 1024,
		Storage:   nats.FileStorage,
		Discard:   nats.DiscardOld,
	}
	_, err = js.AddStream(auditStreamCfg)
	if err != nil {
		if _, updateErr := js.UpdateStream(auditStreamCfg); updateErr != nil {
			return nil, fmt.Errorf("creating/updating audit stream: %w (original: %v)", updateErr, err)
		}
	}

	bus.logger.Info().Str("url", url).Msg("connected to NATS JetStream")
	return bus, nil
}

// PublishReport publishes a finished analysis report. Subject carries tenant
// and verdict so consumers can filter server-side.
func (b *ReportBus) PublishReport(report *core.Report) error {
	data, err := report.Marshal()
	if err != nil {
		return fmt.Errorf("marshaling report: %w", err)
	}

	subject := fmt.Sprintf("mw.reports.%s.%s", report.TenantID, report.Verdict.String())
	_, err = b.js.Publish(subject, data)
	if err != nil {
		b.metrics.mu.Lock()
		b.metrics.ReportsFailed++
		b.metrics.mu.Unlock()
		return fmt.Errorf("publishing report to %s: %w", subject, err)
	}

	b.metrics.mu.Lock()
	b.metrics.ReportsPublished++
	b.metrics.mu.Unlock()

	b.logger.Debug().
		Str("sample_id", report.SampleID).
		Str("subject", subject).
		Str("verdict", report.Verdict.String()).
		Msg("report published")

	return nil
}

// PublishAudit publishes an audit event to the audit stream.
func (b *ReportBus) PublishAudit(event *core.AuditEvent) error {
	data, err := event.Marshal()
	if err != nil {
		return fmt.Errorf("marshaling audit event: %w", err)
	}

	subject := fmt.Sprintf("mw.audit.%s.%s", event.TenantID, event.Kind)
	_, err = b.js.Publish(subject, data)
	if err != nil {
		return fmt.Errorf("publishing audit event to %s: %w", subject, err)
	}

	b.metrics.mu.Lock()
	b.metrics.AuditsPublished++
	b.metrics.mu.Unlock()

	return nil
}

// Subscribe creates a durable subscription to a subject pattern.
func (b *ReportBus) Subscribe(subject, durableName string, handler func(msg *nats.Msg)) error {
	opts := []nats.SubOpt{nats.DeliverNew(), nats.AckExplicit()}
	if durableName != "" {
		opts = append(opts, nats.Durable(durableName))
	}
	sub, err := b.js.Subscribe(subject, handler, opts...)
	if err != nil {
		return fmt.Errorf("subscribing to %s: %w", subject, err)
	}

	b.mu.Lock()
	b.subs = append(b.subs, sub)
	b.mu.Unlock()

	b.logger.Debug().Str("subject", subject).Str("durable", durableName).Msg("subscribed")
	return nil
}

// SubscribeToReports subscribes to all published reports with a durable
// consumer. Used by the tail command and by downstream export bridges.
func (b *ReportBus) SubscribeToReports(handler func(report *core.Report)) error {
	return b.Subscribe("mw.reports.>", "malwatch-reports", func(msg *nats.Msg) {
		report, err := core.UnmarshalReport(msg.Data)
		if err != nil {
			b.logger.Error().Err(err).Msg("failed to unmarshal report")
			_ = msg.Nak()
			b.metrics.mu.Lock()
			b.metrics.MessagesNaked++
			b.metrics.mu.Unlock()
			return
		}
		handler(report)
		_ = msg.Ack()
		b.metrics.mu.Lock()
		b.metrics.MessagesAcked++
		b.metrics.mu.Unlock()
	})
}

// Close shuts down the bus.
func (b *ReportBus) Close() error {
	b.mu.Lock()
	for _, sub := range b.subs {
		_ = sub.Unsubscribe()
	}
	b.subs = nil
	b.mu.Unlock()

	if b.nc != nil {
		b.nc.Close()
	}

	if b.ns != nil {
		b.ns.Shutdown()
		b.ns.WaitForShutdown()
		b.logger.Info().Msg("embedded NATS server stopped")
	}

	return nil
}

// IsConnected returns true if the NATS connection is active.
func (b *ReportBus) IsConnected() bool {
	return b.nc != nil && b.nc.IsConnected()
}

// GetMetrics returns a snapshot of bus metrics.
func (b *ReportBus) GetMetrics() map[string]int64 {
	b.metrics.mu.Lock()
	defer b.metrics.mu.Unlock()
	return map[string]int64{
		"reports_published": b.metrics.ReportsPublished,
		"reports_failed":    b.metrics.ReportsFailed,
		"audits_published":  b.metrics.AuditsPublished,
		"messages_acked":    b.metrics.MessagesAcked,
		"messages_naked":    b.metrics.MessagesNaked,
	}
}
