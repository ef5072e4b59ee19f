// Package kafka publishes CIP attribute changes to a Kafka cluster and
// consumes write-back requests from it.
package kafka

import (
	"context"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	kafkago "github.com/segmentio/kafka-go"
	"github.com/segmentio/kafka-go/sasl"
	"github.com/segmentio/kafka-go/sasl/plain"
	"github.com/segmentio/kafka-go/sasl/scram"

	"ciptargetd/config"
)

// ConnectionStatus describes a Producer's connection state.
type ConnectionStatus int

const (
	StatusDisconnected ConnectionStatus = iota
	StatusConnecting
	StatusConnected
	StatusError
)

func (s ConnectionStatus) String() string {
	switch s {
	case StatusDisconnected:
		return "disconnected"
	case StatusConnecting:
		return "connecting"
	case StatusConnected:
		return "connected"
	case StatusError:
		return "error"
	default:
		return "unknown"
	}
}

// Producer publishes messages to one Kafka cluster, keeping one
// kafka.Writer per topic it has been asked to produce to.
type Producer struct {
	config *config.KafkaConfig

	mu      sync.RWMutex
	writers map[string]*kafkago.Writer
	status  ConnectionStatus
	lastErr error

	messagesSent   atomic.Int64
	messagesError  atomic.Int64
	lastSendTimeMu sync.RWMutex
	lastSendTime   time.Time
}

// NewProducer creates a Producer for the given cluster configuration.
func NewProducer(cfg *config.KafkaConfig) *Producer {
	return &Producer{
		config:  cfg,
		writers: make(map[string]*kafkago.Writer),
		status:  StatusDisconnected,
	}
}

// Name returns the cluster's configured name.
func (p *Producer) Name() string {
	return p.config.Name
}

// Status returns the producer's current connection status.
func (p *Producer) Status() ConnectionStatus {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.status
}

// LastError returns the most recent connection/produce error, if any.
func (p *Producer) LastError() error {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.lastErr
}

// Connect verifies the cluster is reachable, without opening any topic
// writers yet (those are created lazily per-topic in getWriter).
func (p *Producer) Connect() error {
	p.mu.Lock()
	p.status = StatusConnecting
	p.mu.Unlock()

	if err := p.TestConnection(); err != nil {
		p.mu.Lock()
		p.status = StatusError
		p.lastErr = err
		p.mu.Unlock()
		return err
	}

	p.mu.Lock()
	p.status = StatusConnected
	p.lastErr = nil
	p.mu.Unlock()
	return nil
}

// Disconnect closes every topic writer.
func (p *Producer) Disconnect() {
	p.mu.Lock()
	writers := p.writers
	p.writers = make(map[string]*kafkago.Writer)
	p.status = StatusDisconnected
	p.mu.Unlock()

	for _, w := range writers {
		w.Close()
	}
}

// Produce writes one message with the given key/value to topic.
func (p *Producer) Produce(ctx context.Context, topic string, key, value []byte) error {
	writer, err := p.getWriter(topic)
	if err != nil {
		p.messagesError.Add(1)
		return err
	}

	err = writer.WriteMessages(ctx, kafkago.Message{Key: key, Value: value})
	if err != nil {
		p.messagesError.Add(1)
		p.mu.Lock()
		p.lastErr = err
		p.mu.Unlock()
		return err
	}

	p.messagesSent.Add(1)
	p.lastSendTimeMu.Lock()
	p.lastSendTime = time.Now()
	p.lastSendTimeMu.Unlock()
	return nil
}

// ProduceBatch writes a batch of messages to the same topic in one call.
func (p *Producer) ProduceBatch(ctx context.Context, topic string, msgs []kafkago.Message) error {
	writer, err := p.getWriter(topic)
	if err != nil {
		p.messagesError.Add(1)
		return err
	}

	if err := writer.WriteMessages(ctx, msgs...); err != nil {
		p.messagesError.Add(int64(len(msgs)))
		p.mu.Lock()
		p.lastErr = err
		p.mu.Unlock()
		return err
	}

	p.messagesSent.Add(int64(len(msgs)))
	p.lastSendTimeMu.Lock()
	p.lastSendTime = time.Now()
	p.lastSendTimeMu.Unlock()
	return nil
}

// ProduceWithRetry retries Produce up to config.MaxRetries times with
// config.RetryBackoff between attempts.
func (p *Producer) ProduceWithRetry(ctx context.Context, topic string, key, value []byte) error {
	var lastErr error
	attempts := p.config.MaxRetries + 1
	if attempts < 1 {
		attempts = 1
	}
	backoff := p.config.RetryBackoff
	if backoff <= 0 {
		backoff = 100 * time.Millisecond
	}

	for i := 0; i < attempts; i++ {
		if err := p.Produce(ctx, topic, key, value); err != nil {
			lastErr = err
			if i < attempts-1 {
				select {
				case <-time.After(backoff):
				case <-ctx.Done():
					return ctx.Err()
				}
			}
			continue
		}
		return nil
	}
	return lastErr
}

// MessagesSent returns the total number of messages produced successfully.
func (p *Producer) MessagesSent() int64 { return p.messagesSent.Load() }

// MessagesError returns the total number of failed produce attempts.
func (p *Producer) MessagesError() int64 { return p.messagesError.Load() }

// getWriter returns (creating if necessary) the kafka.Writer for topic.
func (p *Producer) getWriter(topic string) (*kafkago.Writer, error) {
	p.mu.RLock()
	if w, ok := p.writers[topic]; ok {
		p.mu.RUnlock()
		return w, nil
	}
	p.mu.RUnlock()

	transport, err := p.createTransport()
	if err != nil {
		return nil, fmt.Errorf("kafka: building transport: %w", err)
	}

	writer := &kafkago.Writer{
		Addr:                   kafkago.TCP(p.config.Brokers...),
		Topic:                  topic,
		Balancer:               &kafkago.LeastBytes{},
		RequiredAcks:           kafkago.RequiredAcks(p.config.RequiredAcks),
		AllowAutoTopicCreation: p.config.GetAutoCreateTopics(),
		BatchSize:              100,
		BatchBytes:             1048576,
		BatchTimeout:           10 * time.Millisecond,
		Transport:              transport,
	}

	p.mu.Lock()
	if existing, ok := p.writers[topic]; ok {
		p.mu.Unlock()
		writer.Close()
		return existing, nil
	}
	p.writers[topic] = writer
	p.mu.Unlock()

	return writer, nil
}

// createDialer builds a kafka.Dialer configured with this cluster's TLS and
// SASL settings, used for connection tests and topic administration.
func (p *Producer) createDialer() (*kafkago.Dialer, error) {
	dialer := &kafkago.Dialer{
		Timeout:   10 * time.Second,
		DualStack: true,
	}

	if p.config.UseTLS {
		dialer.TLS = p.config.GetTLSConfig()
	}

	if p.config.SASLMechanism != config.SASLNone {
		mech, err := p.getSASLMechanism()
		if err != nil {
			return nil, err
		}
		dialer.SASLMechanism = mech
	}

	return dialer, nil
}

// createTransport builds a kafka.Transport for use by topic writers,
// mirroring createDialer's TLS/SASL settings in the shape kafka.Writer
// expects.
func (p *Producer) createTransport() (*kafkago.Transport, error) {
	transport := &kafkago.Transport{
		DialTimeout: 10 * time.Second,
	}

	if p.config.UseTLS {
		transport.TLS = p.config.GetTLSConfig()
	}

	if p.config.SASLMechanism != config.SASLNone {
		mech, err := p.getSASLMechanism()
		if err != nil {
			return nil, err
		}
		transport.SASL = mech
	}

	return transport, nil
}

// getSASLMechanism resolves this cluster's configured SASL mechanism into a
// kafka-go sasl.Mechanism.
func (p *Producer) getSASLMechanism() (sasl.Mechanism, error) {
	switch p.config.SASLMechanism {
	case config.SASLPlain:
		return plain.Mechanism{Username: p.config.Username, Password: p.config.Password}, nil
	case config.SASLSCRAMSHA256:
		return scram.Mechanism(scram.SHA256, p.config.Username, p.config.Password)
	case config.SASLSCRAMSHA512:
		return scram.Mechanism(scram.SHA512, p.config.Username, p.config.Password)
	default:
		return nil, fmt.Errorf("kafka: unsupported SASL mechanism %q", p.config.SASLMechanism)
	}
}

// TestConnection dials the first reachable broker to confirm the cluster is
// reachable with the configured TLS/SASL settings.
func (p *Producer) TestConnection() error {
	if len(p.config.Brokers) == 0 {
		return fmt.Errorf("kafka: no brokers configured")
	}

	dialer, err := p.createDialer()
	if err != nil {
		return err
	}

	var lastErr error
	for _, broker := range p.config.Brokers {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		conn, err := dialer.DialContext(ctx, "tcp", broker)
		cancel()
		if err != nil {
			lastErr = err
			continue
		}
		conn.Close()
		return nil
	}
	if lastErr == nil {
		lastErr = fmt.Errorf("kafka: no brokers reachable")
	}
	return lastErr
}

// ensureTopicExists creates topic on the cluster controller if it does not
// already exist, a fallback for brokers with auto-topic-creation disabled.
func (p *Producer) ensureTopicExists(topic string) error {
	dialer, err := p.createDialer()
	if err != nil {
		return err
	}

	conn, err := dialer.Dial("tcp", p.config.Brokers[0])
	if err != nil {
		return err
	}
	defer conn.Close()

	controller, err := conn.Controller()
	if err != nil {
		return err
	}

	controllerConn, err := dialer.Dial("tcp", net.JoinHostPort(controller.Host, fmt.Sprintf("%d", controller.Port)))
	if err != nil {
		return err
	}
	defer controllerConn.Close()

	return controllerConn.CreateTopics(kafkago.TopicConfig{
		Topic:             topic,
		NumPartitions:     1,
		ReplicationFactor: 1,
	})
}
