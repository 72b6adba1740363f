// Package hub is a broadcast relay over WebSockets. Instances connect to a
// shared Server; a frame invoking Send<Name> is re-broadcast to every
// connected instance, the sender included, as On<Name>.
package hub

import (
	"encoding/json"
	"strings"

	"github.com/sensortelemetry/relay/internal/runtime/jsoncodec"
)

// TransportName is the name relay configuration uses for this transport.
const TransportName = "hub"

const (
	sendPrefix = "Send"
	onPrefix   = "On"

	// MethodPing asks the server to broadcast OnPing.
	MethodPing = "Ping"
	// MethodOnPing is broadcast in response to Ping.
	MethodOnPing = "OnPing"
)

// Frame is one hub message.
type Frame struct {
	Method string          `json:"method"`
	Args   json.RawMessage `json:"args,omitempty"`
}

func encodeFrame(method string, args any) ([]byte, error) {
	var raw json.RawMessage
	if args != nil {
		data, err := jsoncodec.Marshal(args)
		if err != nil {
			return nil, err
		}
		raw = data
	}
	return jsoncodec.Marshal(Frame{Method: method, Args: raw})
}

func decodeFrame(data []byte) (Frame, error) {
	var f Frame
	err := jsoncodec.Unmarshal(data, &f)
	return f, err
}

// broadcastMethod maps an incoming method onto the method broadcast to all
// clients. ok is false for methods the hub does not relay.
func broadcastMethod(method string) (string, bool) {
	if method == MethodPing {
		return MethodOnPing, true
	}
	name, found := strings.CutPrefix(method, sendPrefix)
	if !found || name == "" {
		return "", false
	}
	return onPrefix + name, true
}
