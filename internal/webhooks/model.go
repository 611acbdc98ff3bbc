// Package webhooks notifies external systems about anchoring runs. Each
// subscription receives a JSON event signed with HMAC-SHA256 over the body.
package webhooks

import "time"

// Event types dispatched by the anchoring driver.
const (
	EventAnchorRecorded = "anchor.recorded"
	EventAnchorFailed   = "anchor.failed"
)

// SignatureHeader carries "sha256=<hex hmac>" of the request body.
const SignatureHeader = "X-LedgerAnchor-Signature"

// Subscription is one webhook target, configured under notify.webhooks.
// An empty Events list subscribes to every event.
type Subscription struct {
	URL    string   `mapstructure:"url"`
	Secret string   `mapstructure:"secret"`
	Events []string `mapstructure:"events"`
}

func (s Subscription) wants(eventType string) bool {
	if len(s.Events) == 0 {
		return true
	}
	for _, e := range s.Events {
		if e == eventType {
			return true
		}
	}
	return false
}

// Event is the JSON body delivered to subscribers.
type Event struct {
	ID        string            `json:"id"`
	Type      string            `json:"type"`
	Timestamp time.Time         `json:"timestamp"`
	Payload   map[string]string `json:"payload"`
}
