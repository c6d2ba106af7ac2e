package rtmp

import (
	"bytes"
	"fmt"
	"io"

	"github.com/yutopp/go-amf0"
)

// Command is a decoded AMF0 command message: name, transaction id and the
// trailing argument values (command object first, by convention).
type Command struct {
	Name          string
	TransactionID float64
	Args          []interface{}
}

// EncodeCommand serializes a command message payload in AMF0.
func EncodeCommand(cmd *Command) ([]byte, error) {
	var buf bytes.Buffer
	enc := amf0.NewEncoder(&buf)
	if err := enc.Encode(cmd.Name); err != nil {
		return nil, fmt.Errorf("encode command name: %w", err)
	}
	if err := enc.Encode(cmd.TransactionID); err != nil {
		return nil, fmt.Errorf("encode transaction id: %w", err)
	}
	for i, arg := range cmd.Args {
		if err := enc.Encode(arg); err != nil {
			return nil, fmt.Errorf("encode command arg %d: %w", i, err)
		}
	}
	return buf.Bytes(), nil
}

// DecodeCommand parses an AMF0 command message payload.
func DecodeCommand(payload []byte) (*Command, error) {
	dec := amf0.NewDecoder(bytes.NewReader(payload))

	var name string
	if err := dec.Decode(&name); err != nil {
		return nil, fmt.Errorf("decode command name: %w", err)
	}
	var txn float64
	if err := dec.Decode(&txn); err != nil {
		return nil, fmt.Errorf("decode transaction id: %w", err)
	}

	cmd := &Command{Name: name, TransactionID: txn}
	for {
		var arg interface{}
		if err := dec.Decode(&arg); err != nil {
			if err == io.EOF {
				break
			}
			return nil, fmt.Errorf("decode command arg: %w", err)
		}
		cmd.Args = append(cmd.Args, arg)
	}
	return cmd, nil
}

// EncodeData serializes an AMF0 data message payload, a bare value sequence
// with no transaction id (used for @setDataFrame/onMetaData).
func EncodeData(values ...interface{}) ([]byte, error) {
	var buf bytes.Buffer
	enc := amf0.NewEncoder(&buf)
	for i, v := range values {
		if err := enc.Encode(v); err != nil {
			return nil, fmt.Errorf("encode data value %d: %w", i, err)
		}
	}
	return buf.Bytes(), nil
}

// NewConnectCommand builds the NetConnection connect command for the given
// application and tcUrl. The transaction id is assigned on send.
func NewConnectCommand(app, tcURL string) *Command {
	return &Command{
		Name: "connect",
		Args: []interface{}{
			map[string]interface{}{
				"app":      app,
				"type":     "nonprivate",
				"flashVer": "FMLE/3.0 (compatible; rtmppush)",
				"tcUrl":    tcURL,
			},
		},
	}
}

// NewCreateStreamCommand builds the createStream command.
func NewCreateStreamCommand() *Command {
	return &Command{
		Name: "createStream",
		Args: []interface{}{nil},
	}
}

// NewPublishCommand builds the publish command for a live stream.
func NewPublishCommand(streamName string) *Command {
	return &Command{
		Name: "publish",
		Args: []interface{}{nil, streamName, "live"},
	}
}

// StatusCode digs the "code" field out of a reply's information object.
// Empty when the reply carries none.
func (c *Command) StatusCode() string {
	for _, arg := range c.Args {
		obj, ok := arg.(map[string]interface{})
		if !ok {
			continue
		}
		if code, ok := obj["code"].(string); ok {
			return code
		}
	}
	return ""
}

// ResultStreamID extracts the message stream id returned by a createStream
// result, conventionally the first numeric argument after the command object.
func (c *Command) ResultStreamID() (uint32, bool) {
	for _, arg := range c.Args {
		if id, ok := arg.(float64); ok {
			return uint32(id), true
		}
	}
	return 0, false
}
