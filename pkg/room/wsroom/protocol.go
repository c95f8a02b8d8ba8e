package wsroom

// The wire protocol is JSON text messages over a single WebSocket. Every
// message carries a "type" discriminator; unused fields are omitted. Binary
// payloads (byte-stream chunks, Opus packets) travel base64-encoded in the
// "data" field.

// Message types sent by the client.
const (
	msgJoin      = "join"
	msgAudio     = "audio"
	msgLeave     = "leave"
	msgAttrs     = "set_attributes"
	msgStreamAck = "stream_ack"
)

// Message types sent by the server.
const (
	msgJoined            = "joined"
	msgParticipantJoined = "participant_joined"
	msgParticipantLeft   = "participant_left"
	msgParticipantAttrs  = "participant_attributes"
	msgStreamOpen        = "stream_open"
	msgStreamChunk       = "stream_chunk"
	msgStreamClose       = "stream_close"
	msgError             = "error"
	// msgAudio is bidirectional.
)

// participantInfo is the wire form of a participant.
type participantInfo struct {
	Identity   string            `json:"identity"`
	Name       string            `json:"name,omitempty"`
	Attributes map[string]string `json:"attributes,omitempty"`
}

// streamHeader is the wire form of byte-stream metadata.
type streamHeader struct {
	ID         string            `json:"id"`
	Topic      string            `json:"topic"`
	Attributes map[string]string `json:"attributes,omitempty"`
}

// envelope is the single wire message shape.
type envelope struct {
	Type string `json:"type"`

	// join / joined
	Room         string            `json:"room,omitempty"`
	Identity     string            `json:"identity,omitempty"`
	Name         string            `json:"name,omitempty"`
	Token        string            `json:"token,omitempty"`
	Attributes   map[string]string `json:"attributes,omitempty"`
	Participants []participantInfo `json:"participants,omitempty"`

	// participant events
	Participant *participantInfo `json:"participant,omitempty"`

	// byte streams
	Stream   *streamHeader `json:"stream,omitempty"`
	StreamID string        `json:"stream_id,omitempty"`

	// audio / stream_chunk payload, base64-encoded
	Data string `json:"data,omitempty"`

	// error
	Message string `json:"message,omitempty"`
}
