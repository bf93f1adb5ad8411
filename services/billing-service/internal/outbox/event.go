package outbox

// Event is an entitlement or subscription change staged in the outbox table
// within the transaction that produced it. EventType doubles as the Kafka
// topic, so scheduling and gateway consumers subscribe per event kind.
type Event struct {
	AggregateType string // "subscription" or "entitlement"
	AggregateID   string // clinic id; partitions all billing events per clinic
	EventType     string
	Payload       []byte
}
