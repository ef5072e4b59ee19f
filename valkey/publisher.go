// Package valkey publishes CIP attribute changes to a Valkey/Redis server
// and consumes write-back requests from its write queue.
package valkey

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"ciptargetd/cip"
	"ciptargetd/config"
	"ciptargetd/logging"
	"ciptargetd/namespace"
	"ciptargetd/tagcodec"
)

// TagMessage is the JSON structure stored at a tag's key and published to
// its changes channel.
type TagMessage struct {
	Tag       string      `json:"tag"`
	Value     interface{} `json:"value"`
	Type      string      `json:"type,omitempty"`
	Writable  bool        `json:"writable"`
	Timestamp time.Time   `json:"timestamp"`
}

// WriteRequest is the JSON structure BLPop'd from the write queue.
type WriteRequest struct {
	Tag   string      `json:"tag"`
	Value interface{} `json:"value"`
}

// WriteResponse is the JSON structure published to the write-response channel.
type WriteResponse struct {
	Tag       string      `json:"tag"`
	Value     interface{} `json:"value"`
	Success   bool        `json:"success"`
	Error     string      `json:"error,omitempty"`
	Timestamp time.Time   `json:"timestamp"`
}

// WriteHandler is a callback invoked to apply an incoming write request to
// the backing Attribute.
type WriteHandler func(tagName string, value interface{}) error

// WriteValidator reports whether a tag exists and accepts writes.
type WriteValidator func(tagName string) bool

// TagTypeLookup returns the cip.TagType of a tag name.
type TagTypeLookup func(tagName string) (cip.TagType, bool)

// TagPublishItem is one queued tag change, batched by Manager before being
// applied to a Publisher.
type TagPublishItem struct {
	TagName  string
	TypeName string
	Value    interface{}
	Writable bool
}

// Publisher handles publishing tag values to a single Valkey server.
type Publisher struct {
	config  *config.ValkeyConfig
	builder *namespace.Builder
	client  *redis.Client
	running bool
	mu      sync.RWMutex

	writeHandler   WriteHandler
	writeValidator WriteValidator
	tagTypeLookup  TagTypeLookup

	stopChan chan struct{}
	wg       sync.WaitGroup
}

// NewPublisher creates a Valkey publisher for a single server connection,
// with keys and channels rooted under namespace/cfg.Selector.
func NewPublisher(cfg *config.ValkeyConfig, ns string) *Publisher {
	return &Publisher{
		config:   cfg,
		builder:  namespace.New(ns, cfg.Selector),
		stopChan: make(chan struct{}),
	}
}

// Start connects to the Valkey server.
func (p *Publisher) Start() error {
	p.mu.RLock()
	if p.running {
		p.mu.RUnlock()
		return nil
	}
	p.mu.RUnlock()

	opts := &redis.Options{
		Addr:         p.config.Address,
		Password:     p.config.Password,
		DB:           p.config.Database,
		DialTimeout:  3 * time.Second,
		ReadTimeout:  2 * time.Second,
		WriteTimeout: 2 * time.Second,
	}

	if p.config.UseTLS {
		opts.TLSConfig = &tls.Config{MinVersion: tls.VersionTLS12}
	}

	client := redis.NewClient(opts)

	debugLog("Attempting to connect to Valkey at %s (DB: %d, TLS: %v)",
		p.config.Address, p.config.Database, p.config.UseTLS)

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		debugLog("Valkey connection failed: %v", err)
		client.Close()
		return fmt.Errorf("failed to connect to Valkey at %s: %w", p.config.Address, err)
	}

	debugLog("Successfully connected to Valkey at %s", p.config.Address)

	p.mu.Lock()
	defer p.mu.Unlock()

	if p.running {
		client.Close()
		return nil
	}

	p.client = client
	p.running = true
	p.stopChan = make(chan struct{})

	if p.config.EnableWriteback {
		p.wg.Add(1)
		go p.writebackListener()
	}

	return nil
}

// Stop disconnects from the Valkey server.
func (p *Publisher) Stop() error {
	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		return nil
	}

	p.running = false
	close(p.stopChan)

	client := p.client
	p.client = nil
	p.mu.Unlock()

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(1500 * time.Millisecond):
	}

	if client != nil {
		return client.Close()
	}
	return nil
}

// IsRunning returns whether the publisher is connected.
func (p *Publisher) IsRunning() bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.running
}

// Name returns the publisher's configured name.
func (p *Publisher) Name() string { return p.config.Name }

// Config returns the publisher's configuration.
func (p *Publisher) Config() *config.ValkeyConfig { return p.config }

// Address returns the server address string.
func (p *Publisher) Address() string {
	scheme := "redis"
	if p.config.UseTLS {
		scheme = "rediss"
	}
	return fmt.Sprintf("%s://%s", scheme, p.config.Address)
}

// Publish stores a tag value at its key and, if enabled, publishes it to the
// changes channel.
func (p *Publisher) Publish(tagName, typeName string, value interface{}, writable bool) error {
	p.mu.RLock()
	if !p.running || p.client == nil {
		p.mu.RUnlock()
		return nil
	}
	client := p.client
	cfg := p.config
	builder := p.builder
	p.mu.RUnlock()

	key := builder.ValkeyTagKey(tagName)

	msg := TagMessage{
		Tag:       tagName,
		Value:     tagcodec.JSONValue(value),
		Type:      typeName,
		Writable:  writable,
		Timestamp: time.Now().UTC(),
	}

	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to marshal tag value: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	if cfg.KeyTTL > 0 {
		err = client.Set(ctx, key, data, cfg.KeyTTL).Err()
	} else {
		err = client.Set(ctx, key, data, 0).Err()
	}
	if err != nil {
		return fmt.Errorf("failed to set key: %w", err)
	}

	if cfg.PublishChanges {
		client.Publish(ctx, builder.ValkeyChangesChannel(), data)
	}

	return nil
}

// PublishBatch applies a batch of tag changes in sequence.
func (p *Publisher) PublishBatch(items []TagPublishItem) error {
	var firstErr error
	for _, item := range items {
		if err := p.Publish(item.TagName, item.TypeName, item.Value, item.Writable); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// PublishRaw publishes raw bytes to a channel.
func (p *Publisher) PublishRaw(channel string, data []byte) error {
	p.mu.RLock()
	if !p.running || p.client == nil {
		p.mu.RUnlock()
		return nil
	}
	client := p.client
	p.mu.RUnlock()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	return client.Publish(ctx, channel, data).Err()
}

// SetWriteHandler sets the callback for processing write requests.
func (p *Publisher) SetWriteHandler(handler WriteHandler) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.writeHandler = handler
}

// SetWriteValidator sets the callback for validating write requests.
func (p *Publisher) SetWriteValidator(validator WriteValidator) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.writeValidator = validator
}

// SetTagTypeLookup sets the callback for looking up tag types.
func (p *Publisher) SetTagTypeLookup(lookup TagTypeLookup) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.tagTypeLookup = lookup
}

// writebackListener BLPops write requests off the write queue.
func (p *Publisher) writebackListener() {
	defer p.wg.Done()

	queueKey := p.builder.ValkeyWriteQueue()
	responseChannel := p.builder.ValkeyWriteResponseChannel()

	for {
		select {
		case <-p.stopChan:
			return
		default:
		}

		p.mu.RLock()
		if !p.running || p.client == nil {
			p.mu.RUnlock()
			time.Sleep(100 * time.Millisecond)
			continue
		}
		client := p.client
		p.mu.RUnlock()

		ctx, cancel := context.WithTimeout(context.Background(), 1*time.Second)
		result, err := client.BLPop(ctx, 1*time.Second, queueKey).Result()
		cancel()

		if err != nil {
			if err != redis.Nil {
				debugLog("Valkey write queue error: %v", err)
			}
			continue
		}
		if len(result) < 2 {
			continue
		}

		var req WriteRequest
		if err := json.Unmarshal([]byte(result[1]), &req); err != nil {
			debugLog("Failed to parse write request: %v", err)
			continue
		}

		p.processWriteRequest(client, req, responseChannel)
	}
}

// processWriteRequest handles a single write request.
func (p *Publisher) processWriteRequest(client *redis.Client, req WriteRequest, responseChannel string) {
	p.mu.RLock()
	handler := p.writeHandler
	validator := p.writeValidator
	typeLookup := p.tagTypeLookup
	p.mu.RUnlock()

	response := WriteResponse{
		Tag:       req.Tag,
		Value:     req.Value,
		Timestamp: time.Now().UTC(),
	}

	if validator != nil && !validator(req.Tag) {
		response.Success = false
		response.Error = "tag is not writable"
	} else {
		value := req.Value
		if typeLookup != nil {
			if tagType, ok := typeLookup(req.Tag); ok {
				if converted, err := tagcodec.Coerce(tagType, req.Value); err == nil {
					value = converted
				} else {
					response.Success = false
					response.Error = err.Error()
					p.sendWriteResponse(client, responseChannel, response)
					return
				}
			}
		}

		if handler == nil {
			response.Success = false
			response.Error = "no write handler configured"
		} else if err := handler(req.Tag, value); err != nil {
			response.Success = false
			response.Error = err.Error()
		} else {
			response.Success = true
		}
	}

	p.sendWriteResponse(client, responseChannel, response)
}

func (p *Publisher) sendWriteResponse(client *redis.Client, responseChannel string, response WriteResponse) {
	data, _ := json.Marshal(response)
	ctx := context.Background()
	client.Publish(ctx, responseChannel, data)

	debugLog("Valkey write %s = %v -> success=%v", response.Tag, response.Value, response.Success)
}

func debugLog(format string, args ...interface{}) {
	logging.DebugLog("valkey", format, args...)
}
