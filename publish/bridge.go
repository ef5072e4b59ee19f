// Package publish wires the CIP object model's Attribute observers to the
// MQTT, Kafka, and Valkey broker managers, and wires their inbound
// writeback requests back to the object model through the symbol table.
// It plays the role the teacher's engine/wiring.go played between a PLC
// poller and the broker managers, but the source of truth here is the
// target's own Attribute.Set/SetRange calls rather than polled PLC reads.
package publish

import (
	"fmt"

	"ciptargetd/cip"
	"ciptargetd/kafka"
	"ciptargetd/logix"
	"ciptargetd/mqtt"
	"ciptargetd/valkey"
)

// Bridge fans out Attribute value changes to every configured broker
// manager and routes their writeback requests to the backing Attribute.
// Any of the three managers may be left nil, in which case that broker is
// simply not fed or consulted.
type Bridge struct {
	registry *cip.Registry
	symbols  *logix.SymbolTable

	mqtt   *mqtt.Manager
	kafka  *kafka.Manager
	valkey *valkey.Manager
}

// NewBridge creates a Bridge over the given object registry and tag symbol
// table. Wire and AttachTo must be called once the symbol table is fully
// populated, before the server starts accepting connections.
func NewBridge(registry *cip.Registry, symbols *logix.SymbolTable) *Bridge {
	return &Bridge{registry: registry, symbols: symbols}
}

// SetMQTT attaches an MQTT manager to the bridge.
func (b *Bridge) SetMQTT(m *mqtt.Manager) *Bridge {
	b.mqtt = m
	return b
}

// SetKafka attaches a Kafka manager to the bridge.
func (b *Bridge) SetKafka(m *kafka.Manager) *Bridge {
	b.kafka = m
	return b
}

// SetValkey attaches a Valkey manager to the bridge.
func (b *Bridge) SetValkey(m *valkey.Manager) *Bridge {
	b.valkey = m
	return b
}

// Wire subscribes every tag defined in the symbol table to its backing
// Attribute, so a Set or SetRange fired by a Write Tag [Fragmented]
// service, an explicit Set Attribute Single, or the simulator's own
// internal logic all reach the broker managers identically. It returns an
// error if any defined tag fails to resolve against the registry.
func (b *Bridge) Wire() error {
	for _, name := range b.symbols.Names() {
		attr, entry, err := b.symbols.ResolveAttribute(b.registry, name)
		if err != nil {
			return fmt.Errorf("publish: wire %q: %w", name, err)
		}

		tagName := name
		typeName := cip.TagType(entry.TypeCode).String()
		writable := attr.Access&cip.AccessSet != 0

		attr.Subscribe(func(classID, instanceID uint32, attributeID byte, value any) {
			b.publish(tagName, typeName, value, writable)
		})
	}
	return nil
}

// publish fans one attribute change out to every configured broker. An
// indexed change from SetRange is addressed the way Logix client software
// addresses an array element, Tag[Index], rather than republishing the
// whole array.
func (b *Bridge) publish(tagName, typeName string, value any, writable bool) {
	name, v := elementTagName(tagName, value)

	if b.mqtt != nil {
		b.mqtt.Publish(name, typeName, v, false)
	}
	if b.kafka != nil {
		b.kafka.Publish(name, typeName, v, writable, false)
	}
	if b.valkey != nil {
		b.valkey.Publish(name, typeName, v, writable)
	}
}

// elementTagName unwraps the per-element payload cip.Attribute.SetRange
// fires, recovering the element's own value and its Tag[Index] name. A
// plain Set payload is returned unchanged.
func elementTagName(tagName string, value any) (string, any) {
	if el, ok := value.(struct {
		Index int
		Value any
	}); ok {
		return fmt.Sprintf("%s[%d]", tagName, el.Index), el.Value
	}
	return tagName, value
}

// WriteHandler returns the callback every broker manager's
// SetWriteHandler expects: it resolves tagName through the symbol table
// and applies value to element 0 of the backing Attribute, firing the
// same Subscribe observers Wire registered.
func (b *Bridge) WriteHandler() func(tagName string, value interface{}) error {
	return func(tagName string, value interface{}) error {
		attr, entry, err := b.symbols.ResolveAttribute(b.registry, tagName)
		if err != nil {
			return err
		}
		if attr.Access&cip.AccessSet == 0 {
			return fmt.Errorf("publish: tag %q is read-only", tagName)
		}
		if !attr.Set(entry.ClassID, entry.Instance, 0, value) {
			return fmt.Errorf("publish: tag %q: element index out of range", tagName)
		}
		return nil
	}
}

// WriteValidator returns the callback every broker manager's
// SetWriteValidator expects: it reports whether tagName is a defined,
// writable tag.
func (b *Bridge) WriteValidator() func(tagName string) bool {
	return func(tagName string) bool {
		attr, _, err := b.symbols.ResolveAttribute(b.registry, tagName)
		if err != nil {
			return false
		}
		return attr.Access&cip.AccessSet != 0
	}
}

// TagTypeLookup returns the callback every broker manager's
// SetTagTypeLookup expects: the cip.TagType backing tagName, used to
// coerce an incoming JSON value before WriteHandler is called.
func (b *Bridge) TagTypeLookup() func(tagName string) (cip.TagType, bool) {
	return func(tagName string) (cip.TagType, bool) {
		entry, ok := b.symbols.Lookup(tagName)
		if !ok {
			return 0, false
		}
		return cip.TagType(entry.TypeCode), true
	}
}

// AttachTo installs this bridge's write handler, validator, and type
// lookup on every configured broker manager. Call once, after SetMQTT,
// SetKafka, and SetValkey.
func (b *Bridge) AttachTo() {
	handler := b.WriteHandler()
	validator := b.WriteValidator()
	lookup := b.TagTypeLookup()

	if b.mqtt != nil {
		b.mqtt.SetWriteHandler(handler)
		b.mqtt.SetWriteValidator(validator)
		b.mqtt.SetTagTypeLookup(lookup)
	}
	if b.kafka != nil {
		b.kafka.SetWriteHandler(handler)
		b.kafka.SetWriteValidator(validator)
		b.kafka.SetTagTypeLookup(lookup)
	}
	if b.valkey != nil {
		b.valkey.SetWriteHandler(handler)
		b.valkey.SetWriteValidator(validator)
		b.valkey.SetTagTypeLookup(lookup)
	}
}

// PublishAll forces a publish of every defined tag's current value to
// every configured broker, regardless of change detection. Used once at
// startup and by the monitoring surface's "republish" admin action.
func (b *Bridge) PublishAll() {
	for _, name := range b.symbols.Names() {
		attr, entry, err := b.symbols.ResolveAttribute(b.registry, name)
		if err != nil {
			continue
		}
		typeName := cip.TagType(entry.TypeCode).String()
		writable := attr.Access&cip.AccessSet != 0

		for i, v := range attr.GetAll() {
			tagName := name
			if attr.Elements > 1 {
				tagName = fmt.Sprintf("%s[%d]", name, i)
			}
			if b.mqtt != nil {
				b.mqtt.Publish(tagName, typeName, v, true)
			}
			if b.kafka != nil {
				b.kafka.Publish(tagName, typeName, v, writable, true)
			}
			if b.valkey != nil {
				b.valkey.Publish(tagName, typeName, v, writable)
			}
		}
	}
}
