// Package message defines the broker-internal carrier for a single routed
// DiME variable: the JSON metadata the sender attached, the opaque binary
// payload, and the sender's identity.
package message

// Envelope is an immutable, shareable routed message. The broker never
// inspects Payload; Meta is the sender's JSON object with Command rewritten
// to its delivery form. Multiple recipient mailboxes hold the same
// *Envelope — the byte slice and map are never mutated after Build returns.
type Envelope struct {
	Meta       map[string]any
	Payload    []byte
	SenderID   uint64
	SenderName string
}

// Build constructs a delivery envelope from a sender's "send" or
// "broadcast" request. meta is the request's JSON object; Build rewrites
// its command to the delivery form "dimevar", and recipients key off the
// presence of "varname" as spec'd, rather than off the command name.
func Build(senderID uint64, senderName string, meta map[string]any, payload []byte) *Envelope {
	delivered := make(map[string]any, len(meta)+1)
	for k, v := range meta {
		delivered[k] = v
	}
	delivered["command"] = "dimevar"
	// meta's own "name" (e.g. a "send" request's destination group) must
	// never leak through to the recipient as if it were sender identity.
	delete(delivered, "name")
	if senderName != "" {
		delivered["name"] = senderName
	}

	return &Envelope{
		Meta:       delivered,
		Payload:    payload,
		SenderID:   senderID,
		SenderName: senderName,
	}
}

// Varname returns the envelope's "varname" field, or "" if absent. An
// empty Varname marks the sync sentinel frame.
func (e *Envelope) Varname() string {
	if e == nil {
		return ""
	}
	v, _ := e.Meta["varname"].(string)
	return v
}

// Size approximates the envelope's footprint in bytes for mailbox byte
// budgets: the payload dominates, so metadata is counted at a flat
// estimate rather than re-marshalled on every accounting pass.
func (e *Envelope) Size() int {
	return len(e.Payload) + 128
}
