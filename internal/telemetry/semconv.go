package telemetry

import (
	"go.opentelemetry.io/otel/attribute"
)

// Attribute keys shared by rtcbot instruments.
const (
	// AttrComponent identifies the kind of component (producer, consumer, events, bridge).
	AttrComponent = attribute.Key("component")
	// AttrName is the instance name given by the embedding application.
	AttrName = attribute.Key("name")
	// AttrTransition labels lifecycle transitions (ready, not_ready, error, close).
	AttrTransition = attribute.Key("transition")
	// AttrEnvironment specifies the deployment environment for every metric.
	AttrEnvironment = attribute.Key("environment")
)

// Component values
const (
	ComponentProducer = "producer"
	ComponentConsumer = "consumer"
	ComponentEvents   = "events"
	ComponentDuplex   = "duplex"
)

// ComponentAttributes builds the common attribute set for a component instance.
func ComponentAttributes(component, name string) []attribute.KeyValue {
	attrs := []attribute.KeyValue{
		AttrComponent.String(component),
		AttrEnvironment.String(Environment()),
	}
	if name != "" {
		attrs = append(attrs, AttrName.String(name))
	}
	return attrs
}
