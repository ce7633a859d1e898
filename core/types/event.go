package types

// Event is the structured payload the settlement engines emit on every state
// change. Attribute values stay strings so one encoding serves the gateway,
// the metrics bridge, and any downstream indexer alike.
type Event struct {
	Type       string            `json:"type"`
	Attributes map[string]string `json:"attributes"`
}
