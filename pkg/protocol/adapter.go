package protocol

// JSON is a decoded JSON-RPC message (request, response, or notification)
// represented the way encoding/json unmarshals an object: map[string]any.
// Adapters mutate copies of these maps field-by-field per this design.
type JSON = map[string]any

// Adapter is the per-(source,target)-version translator of this design.
// Adapters are pure functions of one message; they hold no state and are
// safe to share across every connection negotiated to the same version
// pair, selected once per backend at handshake and stored as a single
// lookup-table entry (the Design Notes: "a lookup table (src,tgt) ->
// adapter, not a chain of virtual calls").
type Adapter interface {
	// TranslateRequest rewrites a client-shaped request into the shape the
	// backend expects. All pairs are pass-through per the table
	// ("Requests: All pairs pass-through").
	TranslateRequest(req JSON) (JSON, error)

	// TranslateResponse rewrites a backend-shaped response into the shape
	// the client expects. method is the originating request's method,
	// needed because the rewrite rules are method-specific and JSON-RPC
	// responses do not themselves carry a method field.
	TranslateResponse(method string, resp JSON) (JSON, error)

	// TranslateNotification rewrites a backend-originated notification. A
	// dropped notification (this design: "2025-03-26/2025-06-18 ->
	// 2024-11-05: drop notifications/resources/updated") returns a
	// *perrors.Error of kind KindProtocolUnsupportedNotif; the transport
	// layer treats that as "skip this frame", never forwarding it.
	TranslateNotification(notif JSON) (JSON, error)
}
