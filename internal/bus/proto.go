package bus

// Wire frame. One JSON object per line in both directions.
//
// Client to server ops: "connect", "pub", "sub", "unsub", "ping".
// Server to client ops: "ok", "err", "msg", "pong".
type frame struct {
	Op      string `json:"op"`
	User    string `json:"user,omitempty"`
	Pass    string `json:"pass,omitempty"`
	SID     int    `json:"sid,omitempty"`
	Subject string `json:"subject,omitempty"`
	Reply   string `json:"reply,omitempty"`
	Data    []byte `json:"data,omitempty"`
	Error   string `json:"error,omitempty"`
}

const (
	opConnect = "connect"
	opPub     = "pub"
	opSub     = "sub"
	opUnsub   = "unsub"
	opPing    = "ping"
	opPong    = "pong"
	opOK      = "ok"
	opErr     = "err"
	opMsg     = "msg"
)
