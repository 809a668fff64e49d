package mqtt

import "strings"

// DefaultTopicPrefix is used when the configuration leaves topic_prefix empty.
const DefaultTopicPrefix = "graylogic/history"

// Topics builds the historian's MQTT topics under a common prefix.
//
//	topics := mqtt.NewTopics("graylogic/history")
//	topics.State("knx.0.living.temperature")
//	// Returns: "graylogic/history/state/knx.0.living.temperature"
type Topics struct {
	prefix string
}

// NewTopics returns builders rooted at prefix. Trailing slashes are dropped.
func NewTopics(prefix string) Topics {
	prefix = strings.TrimRight(prefix, "/")
	if prefix == "" {
		prefix = DefaultTopicPrefix
	}
	return Topics{prefix: prefix}
}

// Prefix returns the topic root.
func (t Topics) Prefix() string {
	return t.prefix
}

// =============================================================================
// State Topics
// =============================================================================

// State returns the topic a datapoint's state changes are published on.
//
// Example: graylogic/history/state/knx.0.living.temperature
func (t Topics) State(id string) string {
	return t.prefix + "/state/" + id
}

// AllStates returns a pattern matching every state topic. Ids may contain
// slashes, hence the multi-level wildcard.
//
// Pattern: graylogic/history/state/#
func (t Topics) AllStates() string {
	return t.prefix + "/state/#"
}

// StateID extracts the datapoint id from a state topic.
func (t Topics) StateID(topic string) (string, bool) {
	id, ok := strings.CutPrefix(topic, t.prefix+"/state/")
	if !ok || id == "" {
		return "", false
	}
	return id, true
}

// =============================================================================
// Command Topics
// =============================================================================

// Request returns the topic a command request is published on.
//
// Example: graylogic/history/request/3f0c6a52-...
func (t Topics) Request(requestID string) string {
	return t.prefix + "/request/" + requestID
}

// AllRequests returns a pattern matching every command request.
//
// Pattern: graylogic/history/request/+
func (t Topics) AllRequests() string {
	return t.prefix + "/request/+"
}

// RequestID extracts the request id from a request topic.
func (t Topics) RequestID(topic string) (string, bool) {
	id, ok := strings.CutPrefix(topic, t.prefix+"/request/")
	if !ok || id == "" || strings.Contains(id, "/") {
		return "", false
	}
	return id, true
}

// Response returns the topic the answer to a request is published on.
//
// Example: graylogic/history/response/3f0c6a52-...
func (t Topics) Response(requestID string) string {
	return t.prefix + "/response/" + requestID
}

// =============================================================================
// Service Topics
// =============================================================================

// Status returns the retained pipeline status topic.
//
// Example: graylogic/history/status
func (t Topics) Status() string {
	return t.prefix + "/status"
}

// Online returns the retained liveness topic carrying the LWT.
//
// Example: graylogic/history/online
func (t Topics) Online() string {
	return t.prefix + "/online"
}
