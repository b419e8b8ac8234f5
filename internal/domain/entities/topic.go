package entities

import (
	"fmt"
	"strings"
)

// TopicKind distinguishes area subscriptions from single-incident ones.
type TopicKind string

const (
	TopicArea     TopicKind = "area"
	TopicIncident TopicKind = "incident"
)

// Topic is a realtime subscription key: "area:<geohashPrefix>" or
// "incident:<id>". It is a plain string so it can be used as a map key in the
// desired-subscription set.
type Topic string

// AreaTopic returns the subscription topic for a geohash prefix.
func AreaTopic(prefix string) Topic {
	return Topic(string(TopicArea) + ":" + prefix)
}

// IncidentTopic returns the subscription topic for one incident.
func IncidentTopic(id string) Topic {
	return Topic(string(TopicIncident) + ":" + id)
}

// ParseTopic splits a topic into its kind and value.
func ParseTopic(t Topic) (TopicKind, string, error) {
	kind, value, ok := strings.Cut(string(t), ":")
	if !ok || value == "" {
		return "", "", fmt.Errorf("malformed topic %q", t)
	}
	switch TopicKind(kind) {
	case TopicArea, TopicIncident:
		return TopicKind(kind), value, nil
	}
	return "", "", fmt.Errorf("unknown topic kind %q", kind)
}
