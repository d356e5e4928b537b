// Package websocket implements the real-time pub/sub hub that streams log
// tails to connected GUI clients. It uses gorilla/websocket under the hood
// and exposes a topic-based broadcast API. The run writer and the viewer
// server are separate processes (spec.md §2), so nothing publishes onto a
// Hub directly; internal/api's LogTailer polls logs.txt and status.json on
// disk for every run with an active subscriber and republishes their changes
// here.
//
// Topic naming convention:
//
//	logs:<run_id>    — appended lines of a run's logs.txt, tailed live
//	run:<run_id>     — status transitions for a specific run (running, finished)
package websocket

// MessageType identifies the kind of event carried by a Message.
// The GUI uses this field to route the payload to the correct store update.
type MessageType string

const (
	// MsgLogLine is sent for each new line appended to a run's logs.txt.
	MsgLogLine MessageType = "log.line"

	// MsgRunStatus is sent when a run transitions between states
	// (running → finished | failed | killed).
	MsgRunStatus MessageType = "run.status"

	// MsgPing names a keepalive message. Nothing in this package sends it:
	// connection keepalive uses WebSocket ping control frames sent by
	// Client.writePump.
	MsgPing MessageType = "ping"
)

// Message is the envelope for every WebSocket frame sent to clients.
// The GUI deserializes this struct and dispatches on Type.
//
// JSON example:
//
//	{"type":"log.line","topic":"logs:018f...","payload":{"line":"epoch 3 done"}}
type Message struct {
	// Type identifies the kind of event so the client can route it correctly.
	Type MessageType `json:"type"`

	// Topic is the pub/sub channel this message was published on.
	// Clients use it to associate the update with the correct UI element.
	Topic string `json:"topic"`

	// Payload carries the event-specific data. The shape varies by Type:
	//   - log.line:   {"line":"..."}
	//   - run.status: {"status":"finished","ended_at":"..."}
	//   - ping:       {} (empty)
	Payload any `json:"payload"`
}
