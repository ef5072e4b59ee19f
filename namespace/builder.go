// Package namespace builds consistent topic and key paths for the MQTT,
// Valkey, and Kafka attribute-change bridges, all rooted at one
// {namespace}[/{selector}] (or the broker-appropriate delimiter) prefix.
package namespace

// Builder constructs namespace-prefixed topics and keys for one broker
// connection. namespace is normally the target's instance namespace
// (config.Config.Namespace); selector lets one namespace host more than
// one broker connection without their topics colliding.
type Builder struct {
	namespace string
	selector  string
}

// New creates a namespace Builder.
func New(namespace, selector string) *Builder {
	return &Builder{namespace: namespace, selector: selector}
}

// --- MQTT (delimiter: /) ---

// MQTTBase returns the root topic: {ns}[/{sel}]
func (b *Builder) MQTTBase() string {
	return b.mqttBase()
}

// MQTTTagTopic returns the topic a tag's value is published to:
// {ns}[/{sel}]/tags/{tag}
func (b *Builder) MQTTTagTopic(tag string) string {
	return b.mqttBase() + "/tags/" + tag
}

// MQTTWriteTopic returns the topic write requests are accepted on:
// {ns}[/{sel}]/write
func (b *Builder) MQTTWriteTopic() string {
	return b.mqttBase() + "/write"
}

// MQTTWriteResponseTopic returns the topic write results are published to:
// {ns}[/{sel}]/write/response
func (b *Builder) MQTTWriteResponseTopic() string {
	return b.mqttBase() + "/write/response"
}

func (b *Builder) mqttBase() string {
	if b.selector != "" {
		return b.namespace + "/" + b.selector
	}
	return b.namespace
}

// --- Valkey (delimiter: :) ---

// ValkeyFactory returns the namespace root used as a key/channel prefix:
// {ns}[:{sel}]
func (b *Builder) ValkeyFactory() string {
	return b.valkeyBase()
}

// ValkeyTagKey returns the key a tag's value is stored at:
// {ns}[:{sel}]:tags:{tag}
func (b *Builder) ValkeyTagKey(tag string) string {
	return b.valkeyBase() + ":tags:" + tag
}

// ValkeyChangesChannel returns the Pub/Sub channel attribute changes are
// published to: {ns}[:{sel}]:changes
func (b *Builder) ValkeyChangesChannel() string {
	return b.valkeyBase() + ":changes"
}

// ValkeyWriteQueue returns the list key write requests are BLPop'd from:
// {ns}[:{sel}]:writes
func (b *Builder) ValkeyWriteQueue() string {
	return b.valkeyBase() + ":writes"
}

// ValkeyWriteResponseChannel returns the Pub/Sub channel write results are
// published to: {ns}[:{sel}]:write:responses
func (b *Builder) ValkeyWriteResponseChannel() string {
	return b.valkeyBase() + ":write:responses"
}

func (b *Builder) valkeyBase() string {
	if b.selector != "" {
		return b.namespace + ":" + b.selector
	}
	return b.namespace
}

// --- Kafka (delimiter: -) ---

// KafkaTagTopic returns the topic tag changes are produced to: {ns}[-{sel}]
func (b *Builder) KafkaTagTopic() string {
	return b.kafkaBase()
}

// KafkaWriteTopic returns the topic write requests are consumed from:
// {ns}[-{sel}]-writes
func (b *Builder) KafkaWriteTopic() string {
	return b.kafkaBase() + "-writes"
}

// KafkaWriteResponseTopic returns the topic write results are produced to:
// {ns}[-{sel}]-write-responses
func (b *Builder) KafkaWriteResponseTopic() string {
	return b.kafkaBase() + "-write-responses"
}

func (b *Builder) kafkaBase() string {
	if b.selector != "" {
		return b.namespace + "-" + b.selector
	}
	return b.namespace
}
