// Package rabbitmq forwards drained publish events to an external
// RabbitMQ topic exchange (declared on Start, with optional TLS and
// plain auth) through a worker pool.
package rabbitmq

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rabbitmq/amqp091-go"

	"raftproxy/internal/hashroute"
	"raftproxy/internal/protocol"
)

type Config struct {
	Enabled       bool
	URL           string
	Endpoints     []string
	Exchange      string
	RoutingKey    string
	TLS           TLSConfig
	Auth          AuthConfig
	Workers       int
	DeliveryQueue int
}

type TLSConfig struct {
	Enabled            bool
	InsecureSkipVerify bool
	ServerName         string
	CAFile             string
	CertFile           string
	KeyFile            string
}

type AuthConfig struct {
	Username string
	Password string
}

func (c Config) Validate() error {
	if !c.Enabled {
		return nil
	}
	if c.Exchange == "" {
		return fmt.Errorf("rabbitmq exchange is required")
	}
	if c.Workers < 1 {
		return fmt.Errorf("rabbitmq workers must be >= 1")
	}
	if c.DeliveryQueue < 1 {
		return fmt.Errorf("rabbitmq delivery_queue must be >= 1")
	}
	if c.endpoint() == "" {
		return fmt.Errorf("rabbitmq url or endpoints is required")
	}
	return nil
}

func (c Config) endpoint() string {
	if strings.TrimSpace(c.URL) != "" {
		return strings.TrimSpace(c.URL)
	}
	for _, e := range c.Endpoints {
		if strings.TrimSpace(e) != "" {
			return strings.TrimSpace(e)
		}
	}
	return ""
}

// Producer relays PublishRequest values drained from a Sequencer onto
// a topic exchange, routed by RoutingKey (defaulting to
// "session.<session id>.shard<hashroute partition>" so per-session
// ordering is visible to routing-key-based consumers downstream).
type Producer struct {
	cfg  Config
	conn *amqp091.Connection
	ch   *amqp091.Channel

	events  chan *protocol.PublishRequest
	wg      sync.WaitGroup
	closeMu sync.RWMutex
	closed  atomic.Bool
}

func NewProducer(cfg Config) (*Producer, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Producer{cfg: cfg, events: make(chan *protocol.PublishRequest, cfg.DeliveryQueue)}, nil
}

func (p *Producer) Start(ctx context.Context) error {
	dialCfg := amqp091.Config{}
	if p.cfg.Auth.Username != "" {
		dialCfg.SASL = []amqp091.Authentication{&amqp091.PlainAuth{Username: p.cfg.Auth.Username, Password: p.cfg.Auth.Password}}
	}
	if tlsCfg, err := p.buildTLSConfig(); err != nil {
		return err
	} else if tlsCfg != nil {
		dialCfg.TLSClientConfig = tlsCfg
	}
	conn, err := amqp091.DialConfig(p.cfg.endpoint(), dialCfg)
	if err != nil {
		return fmt.Errorf("dial rabbitmq: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return fmt.Errorf("open rabbitmq channel: %w", err)
	}
	if err := ch.ExchangeDeclare(p.cfg.Exchange, "topic", true, false, false, false, nil); err != nil {
		ch.Close()
		conn.Close()
		return fmt.Errorf("declare exchange: %w", err)
	}
	p.conn, p.ch = conn, ch

	for i := 0; i < p.cfg.Workers; i++ {
		p.wg.Add(1)
		go p.runWorker(ctx)
	}
	return nil
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
			p.publish(ctx, ev)
		}
	}
}

func (p *Producer) publish(ctx context.Context, ev *protocol.PublishRequest) {
	payload, err := protocol.MarshalMessage(ev)
	if err != nil {
		return
	}
	routingKey := p.cfg.RoutingKey
	if routingKey == "" {
		sessionKey := fmt.Sprintf("%d", ev.SessionID)
		shard := hashroute.PartitionForStreamKey(sessionKey)
		routingKey = fmt.Sprintf("session.%s.shard%d", sessionKey, shard)
	}
	_ = p.ch.PublishWithContext(ctx, p.cfg.Exchange, routingKey, false, false, amqp091.Publishing{
		ContentType: "application/octet-stream",
		Body:        payload,
		Timestamp:   time.Now(),
	})
}

// Relay is the completion closure a Dispatcher's onEvent callback
// should call: it queues ev for asynchronous publishing. closeMu is
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
	var errs []error
	if p.ch != nil {
		if err := p.ch.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	if p.conn != nil {
		if err := p.conn.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (p *Producer) buildTLSConfig() (*tls.Config, error) {
	if !p.cfg.TLS.Enabled {
		return nil, nil
	}
	tlsCfg := &tls.Config{MinVersion: tls.VersionTLS12, InsecureSkipVerify: p.cfg.TLS.InsecureSkipVerify, ServerName: p.cfg.TLS.ServerName}
	if p.cfg.TLS.CAFile != "" {
		pemBytes, err := os.ReadFile(p.cfg.TLS.CAFile)
		if err != nil {
			return nil, fmt.Errorf("read rabbitmq ca_file: %w", err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(pemBytes) {
			return nil, fmt.Errorf("parse rabbitmq ca_file")
		}
		tlsCfg.RootCAs = pool
	}
	if p.cfg.TLS.CertFile != "" || p.cfg.TLS.KeyFile != "" {
		cert, err := tls.LoadX509KeyPair(p.cfg.TLS.CertFile, p.cfg.TLS.KeyFile)
		if err != nil {
			return nil, fmt.Errorf("load rabbitmq cert/key: %w", err)
		}
		tlsCfg.Certificates = []tls.Certificate{cert}
	}
	return tlsCfg, nil
}
