// Package kafka forwards drained publish events to an external Kafka
// cluster so other services can observe the same totally-ordered
// event stream the sequencer produced, through a worker pool. TLS
// settings are applied to the client; the SASL settings in AuthConfig
// are not.
package kafka

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/twmb/franz-go/pkg/kgo"

	"raftproxy/internal/protocol"
)

const ParseModeJSON = "json_envelope"

type Config struct {
	Enabled     bool
	Brokers     []string
	Topic       string
	ClientID    string
	WorkerCount int
	QueueDepth  int
	Auth        AuthConfig
}

type AuthConfig struct {
	SASL SASLConfig
	TLS  TLSConfig
}

type SASLConfig struct {
	Enabled   bool
	Mechanism string
	Username  string
	Password  string
}

type TLSConfig struct {
	Enabled            bool
	InsecureSkipVerify bool
}

func (c *Config) withDefaults() {
	if c.WorkerCount <= 0 {
		c.WorkerCount = 4
	}
	if c.QueueDepth <= 0 {
		c.QueueDepth = 1024
	}
}

func (c Config) Validate() error {
	if !c.Enabled {
		return nil
	}
	if len(c.Brokers) == 0 {
		return errors.New("kafka.brokers is required")
	}
	if c.Topic == "" {
		return errors.New("kafka.topic is required")
	}
	return nil
}

// Producer relays PublishRequest values drained from a Sequencer to a
// Kafka topic, one record per event, keyed by SessionID so a given
// session's events land on the same partition and preserve order
// there.
type Producer struct {
	cfg    Config
	client *kgo.Client

	events  chan *protocol.PublishRequest
	wg      sync.WaitGroup
	closeMu sync.RWMutex
	closed  atomic.Bool
}

func NewProducer(cfg Config, opts ...kgo.Opt) (*Producer, error) {
	cfg.withDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	kopts := []kgo.Opt{
		kgo.SeedBrokers(cfg.Brokers...),
		kgo.DefaultProduceTopic(cfg.Topic),
	}
	if cfg.ClientID != "" {
		kopts = append(kopts, kgo.ClientID(cfg.ClientID))
	}
	if cfg.Auth.TLS.Enabled {
		kopts = append(kopts, kgo.DialTLSConfig(&tls.Config{InsecureSkipVerify: cfg.Auth.TLS.InsecureSkipVerify}))
	}
	kopts = append(kopts, opts...)

	cl, err := kgo.NewClient(kopts...)
	if err != nil {
		return nil, fmt.Errorf("new kafka client: %w", err)
	}
	p := &Producer{cfg: cfg, client: cl, events: make(chan *protocol.PublishRequest, cfg.QueueDepth)}
	return p, nil
}

// Start launches the producer's worker pool. Each worker pulls a
// drained event off the shared channel and produces it synchronously,
// so a broker outage backs up Relay rather than silently dropping
// events.
func (p *Producer) Start(ctx context.Context) {
	for i := 0; i < p.cfg.WorkerCount; i++ {
		p.wg.Add(1)
		go p.runWorker(ctx)
	}
}

func (p *Producer) runWorker(ctx context.Context) {
	defer p.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-p.events:
			if !ok {
				return
			}
			p.produce(ctx, ev)
		}
	}
}

func (p *Producer) produce(ctx context.Context, ev *protocol.PublishRequest) {
	payload, err := protocol.MarshalMessage(ev)
	if err != nil {
		return
	}
	key := fmt.Sprintf("%d", ev.SessionID)
	record := &kgo.Record{Key: []byte(key), Value: payload}
	results := p.client.ProduceSync(ctx, record)
	_ = results.FirstErr()
}

// Relay is the completion closure a Dispatcher's onEvent callback
// should call: it queues ev for asynchronous production, applying
// backpressure once the queue fills instead of dropping it. closeMu is
// held for read so a concurrent Close cannot close p.events between
// the closed check and the send.
func (p *Producer) Relay(ev *protocol.PublishRequest) {
	p.closeMu.RLock()
	defer p.closeMu.RUnlock()
	if p.closed.Load() {
		return
	}
	p.events <- ev
}

func (p *Producer) Close() error {
	p.closeMu.Lock()
	if !p.closed.CompareAndSwap(false, true) {
		p.closeMu.Unlock()
		return nil
	}
	close(p.events)
	p.closeMu.Unlock()
	p.wg.Wait()
	p.client.Close()
	return nil
}
