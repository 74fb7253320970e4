// Command raftproxyd runs the client-side proxy: it resumes (or
// creates) a session against a Raft cluster, dispatches requests
// through the sequencer-backed transport, and relays confirmed
// publish events to whichever sinks are enabled.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os/signal"
	"syscall"
	"time"

	"raftproxy/internal/clienttransport"
	"raftproxy/internal/config"
	"raftproxy/internal/protocol"
	"raftproxy/internal/relay/kafka"
	"raftproxy/internal/relay/rabbitmq"
	"raftproxy/internal/session"
	storesqlite "raftproxy/internal/store/sqlite"
)

func main() {
	cfgPath := flag.String("config", "raftproxy.yaml", "path to config file")
	flag.Parse()

	cfg, err := config.Load(*cfgPath)
	if err != nil {
		log.Fatalf("load config: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	store, err := storesqlite.Open(cfg.Store.SQLitePath)
	if err != nil {
		log.Fatalf("open session store: %v", err)
	}
	defer store.Close()

	checkpoint, resumed, err := store.Load(ctx, cfg.Proxy.SessionID)
	if err != nil {
		log.Fatalf("load session checkpoint: %v", err)
	}
	state := session.New(cfg.Proxy.SessionID, checkpoint.ResponseSequence, checkpoint.ResponseSequence, checkpoint.EventIndex)
	log.Printf("raftproxyd session=%s resumed=%t response_sequence=%d event_index=%d",
		cfg.Proxy.SessionID, resumed, checkpoint.ResponseSequence, checkpoint.EventIndex)

	kafkaProducer, err := startKafkaRelay(ctx, cfg.Relay.Kafka)
	if err != nil {
		log.Fatalf("start kafka relay: %v", err)
	}
	if kafkaProducer != nil {
		defer kafkaProducer.Close()
	}
	rabbitProducer, err := startRabbitMQRelay(ctx, cfg.Relay.RabbitMQ)
	if err != nil {
		log.Fatalf("start rabbitmq relay: %v", err)
	}
	if rabbitProducer != nil {
		defer rabbitProducer.Close()
	}

	dispatcher := clienttransport.NewDispatcher(state)
	dialCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	leaderAddr, err := dialLeader(dialCtx, dispatcher, cfg.Proxy.ClusterAddresses)
	cancel()
	if err != nil {
		log.Fatalf("dial cluster: %v", err)
	}
	route, _ := dispatcher.Route()
	log.Printf("raftproxyd connected leader=%s pinned_since=%s", leaderAddr, route.PinnedAtUTC.Format(time.RFC3339))
	defer dispatcher.Close()

	onCommand := func(resp *protocol.CommandResponse) {
		state.SetResponseIndex(uint64(resp.Index))
		if resp.EventIndex > 0 {
			state.SetEventIndex(uint64(resp.EventIndex))
		}
		if err := store.Save(ctx, storesqlite.Checkpoint{
			SessionID: cfg.Proxy.SessionID, ResponseSequence: state.ResponseIndex(), EventIndex: state.EventIndex(),
		}); err != nil {
			log.Printf("checkpoint save failed: %v", err)
		}
	}
	// The demo cluster has no client-facing listener for a query to
	// arrive over (see DESIGN.md's M5 entry), so no QueryResponse frame
	// ever reaches this callback in practice; it exists so a real
	// server implementation can be swapped in without touching the
	// dispatch loop.
	onQuery := func(resp *protocol.QueryResponse) {}
	onEvent := func(pub *protocol.PublishRequest) {
		state.SetEventIndex(uint64(pub.EventIndex))
		if kafkaProducer != nil {
			kafkaProducer.Relay(pub)
		}
		if rabbitProducer != nil {
			rabbitProducer.Relay(pub)
		}
	}

	if err := dispatcher.Run(ctx, onCommand, onQuery, onEvent); err != nil && ctx.Err() == nil {
		log.Fatalf("dispatch loop exited: %v", err)
	}
}

func dialLeader(ctx context.Context, d *clienttransport.Dispatcher, addrs []string) (string, error) {
	var lastErr error
	for _, addr := range addrs {
		if err := d.Dial(ctx, addr); err != nil {
			lastErr = err
			continue
		}
		return addr, nil
	}
	if lastErr == nil {
		lastErr = clienttransport.ErrNoLeader
	}
	return "", fmt.Errorf("no reachable cluster address out of %d: %w", len(addrs), lastErr)
}

func startKafkaRelay(ctx context.Context, cfg config.KafkaRelayConfig) (*kafka.Producer, error) {
	if !cfg.Enabled {
		return nil, nil
	}
	producer, err := kafka.NewProducer(kafka.Config{
		Enabled: true, Brokers: cfg.Brokers, Topic: cfg.Topic, ClientID: cfg.ClientID,
		WorkerCount: cfg.WorkerCount, QueueDepth: cfg.QueueDepth,
	})
	if err != nil {
		return nil, err
	}
	producer.Start(ctx)
	return producer, nil
}

func startRabbitMQRelay(ctx context.Context, cfg config.RabbitMQRelayConfig) (*rabbitmq.Producer, error) {
	if !cfg.Enabled {
		return nil, nil
	}
	producer, err := rabbitmq.NewProducer(rabbitmq.Config{
		Enabled: true, URL: cfg.URL, Endpoints: cfg.Endpoints, Exchange: cfg.Exchange, RoutingKey: cfg.RoutingKey,
		Workers: cfg.Workers, DeliveryQueue: cfg.DeliveryQueue,
	})
	if err != nil {
		return nil, err
	}
	if err := producer.Start(ctx); err != nil {
		return nil, err
	}
	return producer, nil
}
