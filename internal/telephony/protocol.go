package telephony

// Media Streams event names.
const (
	EventConnected = "connected"
	EventStart     = "start"
	EventMedia     = "media"
	EventMark      = "mark"
	EventStop      = "stop"
	EventClear     = "clear"
	EventDTMF      = "dtmf"
)

// Inbound is any message received from the carrier on the media socket.
type Inbound struct {
	Event          string     `json:"event"`
	SequenceNumber string     `json:"sequenceNumber,omitempty"`
	StreamSid      string     `json:"streamSid,omitempty"`
	Protocol       string     `json:"protocol,omitempty"`
	Version        string     `json:"version,omitempty"`
	Start          *StartInfo `json:"start,omitempty"`
	Media          *MediaInfo `json:"media,omitempty"`
	Mark           *MarkInfo  `json:"mark,omitempty"`
	Stop           *StopInfo  `json:"stop,omitempty"`
}

type StartInfo struct {
	StreamSid        string            `json:"streamSid"`
	AccountSid       string            `json:"accountSid,omitempty"`
	CallSid          string            `json:"callSid"`
	Tracks           []string          `json:"tracks,omitempty"`
	CustomParameters map[string]string `json:"customParameters,omitempty"`
	MediaFormat      MediaFormat       `json:"mediaFormat"`
}

type MediaFormat struct {
	Encoding   string `json:"encoding"`
	SampleRate int    `json:"sampleRate"`
	Channels   int    `json:"channels"`
}

type MediaInfo struct {
	Track     string `json:"track,omitempty"`
	Chunk     string `json:"chunk,omitempty"`
	Timestamp string `json:"timestamp,omitempty"`
	Payload   string `json:"payload"`
}

type MarkInfo struct {
	Name string `json:"name"`
}

type StopInfo struct {
	AccountSid string `json:"accountSid,omitempty"`
	CallSid    string `json:"callSid,omitempty"`
}

// Outbound is a message sent to the carrier: media, mark or clear.
type Outbound struct {
	Event     string         `json:"event"`
	StreamSid string         `json:"streamSid"`
	Media     *OutboundMedia `json:"media,omitempty"`
	Mark      *MarkInfo      `json:"mark,omitempty"`
}

type OutboundMedia struct {
	Payload string `json:"payload"`
}

// Custom stream parameters carried in the start message.
const (
	ParamFrom  = "from"
	ParamToken = "token"
)

// MulawContentType is the encoding string the carrier reports for 8 kHz G.711.
const MulawContentType = "audio/x-mulaw"
