// Package message defines the tagged envelope used for all inter-component
// traffic in the debugger multiplexer: exchange, worker and controller only
// ever talk to each other by sending and receiving Messages.
package message

// Tag enumerates the closed set of message types. No other tag is ever
// produced by this package's components. wire.ReadMessage does not check
// tags; each receiver decides how to treat one it does not recognise (the
// worker logs and ignores it).
type Tag string

const (
	TagDebugConnRequest    Tag = "debug_conn_request"
	TagDebugInitComplete   Tag = "debug_init_complete"
	TagMdbConnRequest      Tag = "mdb_conn_request"
	TagMdbConnResponse     Tag = "mdb_conn_response"
	TagMdbCommandRequest   Tag = "mdb_command_request"
	TagMdbInterruptRequest Tag = "mdb_interrupt_request"
	TagDebugCommandResp    Tag = "debug_command_response"
	TagExchangeCommandResp Tag = "exchange_command_response"
	TagExchangeInfo        Tag = "exchange_info"
	TagPing                Tag = "ping"
	TagPong                Tag = "pong"
)

// InterruptCommand is the literal command string that marks a command
// request as a cancellation of the in-flight command, per spec §4.2.
const InterruptCommand = "interrupt"

// FromDebugClient and FromMdbClient are the two legal values of a first
// Message's data.from field, used by the exchange to classify a new
// connection (spec §4.1).
const (
	FromDebugClient = "debug client"
	FromMdbClient   = "mdb client"
)

// Message is an immutable tagged record: a type tag plus an arbitrary,
// string-keyed data map. Once constructed a Message is never mutated —
// callers that need a derived Message build a new one.
type Message struct {
	Type Tag
	Data map[string]any
}

// New builds a Message. The data map is copied so that later mutation of
// the caller's map (or of the returned Message, which callers must not do)
// cannot be observed by anyone else holding a reference.
func New(tag Tag, data map[string]any) Message {
	cp := make(map[string]any, len(data))
	for k, v := range data {
		cp[k] = v
	}
	return Message{Type: tag, Data: cp}
}

// String returns the string at key, or "" if absent or not a string.
func (m Message) String(key string) string {
	v, _ := m.Data[key].(string)
	return v
}

// From returns data.from, the peer-class field sent on the first Message
// of every connection.
func (m Message) From() string {
	return m.String("from")
}
