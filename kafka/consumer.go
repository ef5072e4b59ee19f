package kafka

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	kafkago "github.com/segmentio/kafka-go"

	"ciptargetd/cip"
	"ciptargetd/config"
	"ciptargetd/logging"
	"ciptargetd/namespace"
	"ciptargetd/tagcodec"
)

// WriteBackBatchInterval is how often to collect and process write batches.
const WriteBackBatchInterval = 250 * time.Millisecond

// WriteRequest is the JSON structure for incoming write requests.
type WriteRequest struct {
	Tag       string      `json:"tag"`
	Value     interface{} `json:"value"`
	RequestID string      `json:"request_id,omitempty"`
	Timestamp time.Time   `json:"timestamp,omitempty"`
}

// WriteResponse is the JSON structure for write responses.
type WriteResponse struct {
	Tag          string      `json:"tag"`
	Value        interface{} `json:"value"`
	RequestID    string      `json:"request_id,omitempty"`
	Success      bool        `json:"success"`
	Error        string      `json:"error,omitempty"`
	Skipped      bool        `json:"skipped,omitempty"`
	Deduplicated bool        `json:"deduplicated,omitempty"`
	Timestamp    time.Time   `json:"timestamp"`
}

// WriteHandler is a callback invoked to apply an incoming write request to
// the backing Attribute.
type WriteHandler func(tagName string, value interface{}) error

// WriteValidator reports whether a tag exists and accepts writes.
type WriteValidator func(tagName string) bool

// TagTypeLookup returns the cip.TagType of a tag name.
type TagTypeLookup func(tagName string) (cip.TagType, bool)

// pendingWrite is a write request waiting to be processed.
type pendingWrite struct {
	request     WriteRequest
	messageTime time.Time
	offset      int64
}

// Consumer consumes write requests for one Kafka cluster, deduplicating and
// batching them before applying each to the target.
type Consumer struct {
	config   *config.KafkaConfig
	producer *Producer
	builder  *namespace.Builder
	reader   *kafkago.Reader
	running  bool
	mu       sync.RWMutex

	writeHandler   WriteHandler
	writeValidator WriteValidator
	tagTypeLookup  TagTypeLookup

	stopChan chan struct{}
	wg       sync.WaitGroup
}

// NewConsumer creates a Kafka consumer for write requests.
func NewConsumer(cfg *config.KafkaConfig, producer *Producer, builder *namespace.Builder) *Consumer {
	return &Consumer{
		config:   cfg,
		producer: producer,
		builder:  builder,
		stopChan: make(chan struct{}),
	}
}

// SetWriteHandler sets the callback for processing write requests.
func (c *Consumer) SetWriteHandler(handler WriteHandler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.writeHandler = handler
}

// SetWriteValidator sets the callback for validating write requests.
func (c *Consumer) SetWriteValidator(validator WriteValidator) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.writeValidator = validator
}

// SetTagTypeLookup sets the callback for looking up tag types.
func (c *Consumer) SetTagTypeLookup(lookup TagTypeLookup) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.tagTypeLookup = lookup
}

// Start begins consuming write requests from Kafka.
func (c *Consumer) Start() error {
	c.mu.Lock()
	if c.running {
		c.mu.Unlock()
		return nil
	}

	writeTopic := c.builder.KafkaWriteTopic()
	consumerGroup := c.config.GetConsumerGroup()

	logConsumer("Starting consumer for topic '%s' with group '%s'", writeTopic, consumerGroup)

	reader := kafkago.NewReader(kafkago.ReaderConfig{
		Brokers:        c.config.Brokers,
		Topic:          writeTopic,
		GroupID:        consumerGroup,
		MinBytes:       1,
		MaxBytes:       1e6,
		MaxWait:        100 * time.Millisecond,
		StartOffset:    kafkago.LastOffset,
		CommitInterval: time.Second,
		Dialer:         c.createDialer(),
	})

	c.reader = reader
	c.running = true
	c.stopChan = make(chan struct{})
	c.mu.Unlock()

	c.wg.Add(1)
	go c.consumeLoop()

	logConsumer("Consumer started successfully")
	return nil
}

// Stop stops the consumer.
func (c *Consumer) Stop() {
	c.mu.Lock()
	if !c.running {
		c.mu.Unlock()
		return
	}

	logConsumer("Stopping consumer")
	c.running = false
	close(c.stopChan)
	reader := c.reader
	c.reader = nil
	c.mu.Unlock()

	done := make(chan struct{})
	go func() {
		c.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		logConsumer("Consumer stopped gracefully")
	case <-time.After(3 * time.Second):
		logConsumer("Consumer stop timeout")
	}

	if reader != nil {
		reader.Close()
	}
}

// IsRunning returns whether the consumer is running.
func (c *Consumer) IsRunning() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.running
}

// consumeLoop is the main consumer loop that batches and deduplicates write requests.
func (c *Consumer) consumeLoop() {
	defer c.wg.Done()

	ticker := time.NewTicker(WriteBackBatchInterval)
	defer ticker.Stop()

	pending := make(map[string]pendingWrite) // keyed by tag name, latest wins
	var discarded []pendingWrite

	for {
		select {
		case <-c.stopChan:
			if len(pending) > 0 || len(discarded) > 0 {
				logConsumer("Stop signal received, processing %d pending writes before exit (discarded %d duplicates)", len(pending), len(discarded))
				c.processBatch(pending, discarded)
			} else {
				logConsumer("Stop signal received, no pending writes")
			}
			return

		case <-ticker.C:
			if len(pending) > 0 || len(discarded) > 0 {
				logConsumer("Batch interval reached with %d pending writes (discarded %d duplicates)", len(pending), len(discarded))
				c.processBatch(pending, discarded)
				pending = make(map[string]pendingWrite)
				discarded = nil
			}

		default:
			c.mu.RLock()
			reader := c.reader
			running := c.running
			c.mu.RUnlock()

			if !running || reader == nil {
				time.Sleep(10 * time.Millisecond)
				continue
			}

			ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
			msg, err := reader.FetchMessage(ctx)
			cancel()

			if err != nil {
				continue
			}

			logConsumer("Received write request: partition=%d offset=%d key=%s", msg.Partition, msg.Offset, string(msg.Key))

			var req WriteRequest
			if err := json.Unmarshal(msg.Value, &req); err != nil {
				logConsumer("JSON parse error: %v", err)
				c.commitMessage(reader, msg)
				continue
			}

			key := string(msg.Key)
			if key == "" {
				key = req.Tag
			}

			if existing, exists := pending[key]; exists {
				logConsumer("DEDUP DISCARD: %s value=%v (offset=%d, age=%v) replaced by value=%v (offset=%d)",
					existing.request.Tag, existing.request.Value,
					existing.offset, time.Since(existing.messageTime).Round(time.Millisecond),
					req.Value, msg.Offset)
				discarded = append(discarded, existing)
			}

			pending[key] = pendingWrite{
				request:     req,
				messageTime: msg.Time,
				offset:      msg.Offset,
			}

			c.commitMessage(reader, msg)
		}
	}
}

// processBatch applies a batch of deduplicated write requests.
func (c *Consumer) processBatch(pending map[string]pendingWrite, discarded []pendingWrite) {
	c.mu.RLock()
	handler := c.writeHandler
	validator := c.writeValidator
	typeLookup := c.tagTypeLookup
	producer := c.producer
	maxAge := c.config.GetWriteMaxAge()
	responseTopic := c.builder.KafkaWriteResponseTopic()
	c.mu.RUnlock()

	now := time.Now()
	logConsumer("Processing batch: %d deduplicated, %d to execute", len(discarded), len(pending))

	for _, pw := range discarded {
		req := pw.request
		c.sendResponse(producer, responseTopic, WriteResponse{
			Tag:          req.Tag,
			Value:        req.Value,
			RequestID:    req.RequestID,
			Success:      false,
			Error:        "request superseded by newer write to same tag",
			Deduplicated: true,
			Timestamp:    now,
		})
	}

	processed, skipped, failed := 0, 0, 0

	for key, pw := range pending {
		req := pw.request

		age := now.Sub(pw.messageTime)
		if age > maxAge {
			logConsumer("Skipping stale write request for %s (age: %v > max: %v)", key, age, maxAge)
			skipped++
			c.sendResponse(producer, responseTopic, WriteResponse{
				Tag:       req.Tag,
				Value:     req.Value,
				RequestID: req.RequestID,
				Success:   false,
				Error:     fmt.Sprintf("request expired (age: %v, max: %v)", age.Round(time.Millisecond), maxAge),
				Skipped:   true,
				Timestamp: now,
			})
			continue
		}

		if validator != nil && !validator(req.Tag) {
			failed++
			c.sendResponse(producer, responseTopic, WriteResponse{
				Tag:       req.Tag,
				Value:     req.Value,
				RequestID: req.RequestID,
				Success:   false,
				Error:     "tag is not writable",
				Timestamp: now,
			})
			continue
		}

		value := req.Value
		if typeLookup != nil {
			if tagType, ok := typeLookup(req.Tag); ok {
				if converted, err := tagcodec.Coerce(tagType, req.Value); err == nil {
					value = converted
				} else {
					failed++
					c.sendResponse(producer, responseTopic, WriteResponse{
						Tag:       req.Tag,
						Value:     req.Value,
						RequestID: req.RequestID,
						Success:   false,
						Error:     err.Error(),
						Timestamp: now,
					})
					continue
				}
			}
		}

		var writeErr error
		if handler != nil {
			writeErr = handler(req.Tag, value)
		} else {
			writeErr = fmt.Errorf("no write handler configured")
		}

		resp := WriteResponse{
			Tag:       req.Tag,
			Value:     req.Value,
			RequestID: req.RequestID,
			Success:   writeErr == nil,
			Timestamp: now,
		}
		if writeErr != nil {
			resp.Error = writeErr.Error()
			failed++
		} else {
			processed++
		}
		c.sendResponse(producer, responseTopic, resp)
	}

	logConsumer("Batch complete: %d succeeded, %d failed, %d expired, %d deduplicated",
		processed, failed, skipped, len(discarded))
}

// sendResponse publishes a write response to the response topic.
func (c *Consumer) sendResponse(producer *Producer, topic string, resp WriteResponse) {
	if producer == nil || producer.Status() != StatusConnected {
		logConsumer("Cannot send response: producer not connected")
		return
	}

	payload, err := json.Marshal(resp)
	if err != nil {
		logConsumer("Failed to marshal response: %v", err)
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	if err := producer.Produce(ctx, topic, []byte(resp.Tag), payload); err != nil {
		logConsumer("Failed to publish response to %s: %v", topic, err)
	}
}

// commitMessage commits a message offset.
func (c *Consumer) commitMessage(reader *kafkago.Reader, msg kafkago.Message) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := reader.CommitMessages(ctx, msg); err != nil {
		logConsumer("Failed to commit message: %v", err)
	}
}

// createDialer creates a Kafka dialer with auth and TLS.
func (c *Consumer) createDialer() *kafkago.Dialer {
	dialer := &kafkago.Dialer{
		Timeout:   10 * time.Second,
		DualStack: true,
	}

	if c.config.UseTLS {
		dialer.TLS = c.config.GetTLSConfig()
	}

	if c.config.SASLMechanism != config.SASLNone {
		p := &Producer{config: c.config}
		if mechanism, err := p.getSASLMechanism(); err == nil {
			dialer.SASLMechanism = mechanism
		}
	}

	return dialer
}

func logConsumer(format string, args ...interface{}) {
	logging.DebugLog("kafka", "[Consumer] "+format, args...)
}
