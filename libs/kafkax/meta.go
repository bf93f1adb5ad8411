package kafkax

import (
	"strings"

	"github.com/segmentio/kafka-go"
)

// EventMeta identifies a message for inbox dedup and routing. Producers in
// this system set event_id and event_type headers; messages from other tooling
// (kcat, replays) may not, so both fields fall back to what the message itself
// carries.
type EventMeta struct {
	EventID   string
	EventType string
}

// ExtractEventMeta reads the identifying headers off a consumed message.
// Missing event_id falls back to the partition key, missing event_type to the
// topic name, so consumers always have something stable to dedup on.
func ExtractEventMeta(msg kafka.Message) EventMeta {
	meta := EventMeta{
		EventID:   HeaderValue(msg.Headers, "event_id"),
		EventType: HeaderValue(msg.Headers, "event_type"),
	}
	if meta.EventID == "" {
		meta.EventID = string(msg.Key)
	}
	if meta.EventType == "" {
		meta.EventType = msg.Topic
	}
	return meta
}

// HeaderValue returns the first header with the given key, or "".
func HeaderValue(headers []kafka.Header, key string) string {
	for i := range headers {
		if headers[i].Key == key {
			return string(headers[i].Value)
		}
	}
	return ""
}

// SplitBrokers parses a comma-separated broker list from config, dropping
// empty entries so trailing commas in env files are harmless.
func SplitBrokers(raw string) []string {
	parts := strings.Split(raw, ",")
	brokers := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			brokers = append(brokers, p)
		}
	}
	return brokers
}
