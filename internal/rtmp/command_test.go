package rtmp

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCommandRoundTrip(t *testing.T) {
	cases := []struct {
		name string
		cmd  *Command
	}{
		{
			name: "scalars",
			cmd: &Command{
				Name:          "test",
				TransactionID: 7,
				Args:          []interface{}{float64(3.5), true, "hello", nil},
			},
		},
		{
			name: "connect",
			cmd:  NewConnectCommand("live", "rtmp://localhost:1935/live"),
		},
		{
			name: "createStream",
			cmd:  NewCreateStreamCommand(),
		},
		{
			name: "publish",
			cmd:  NewPublishCommand("stream"),
		},
		{
			name: "nested object",
			cmd: &Command{
				Name:          "onStatus",
				TransactionID: 0,
				Args: []interface{}{
					nil,
					map[string]interface{}{
						"level":       "status",
						"code":        "NetStream.Publish.Start",
						"description": "publishing",
						"details": map[string]interface{}{
							"clientid": float64(42),
						},
					},
				},
			},
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			payload, err := EncodeCommand(tc.cmd)
			require.NoError(t, err)

			got, err := DecodeCommand(payload)
			require.NoError(t, err)
			assert.Equal(t, tc.cmd.Name, got.Name)
			assert.Equal(t, tc.cmd.TransactionID, got.TransactionID)
			assert.Equal(t, tc.cmd.Args, got.Args)
		})
	}
}

func TestCommandWireTypeTags(t *testing.T) {
	payload, err := EncodeCommand(&Command{Name: "x", TransactionID: 1, Args: []interface{}{nil}})
	require.NoError(t, err)

	// string marker, 2-byte length, "x"
	assert.Equal(t, []byte{0x02, 0x00, 0x01, 'x'}, payload[0:4])
	// number marker for the transaction id
	assert.Equal(t, byte(0x00), payload[4])
	// null marker for the command object
	assert.Equal(t, byte(0x05), payload[len(payload)-1])
}

func TestDecodeCommandRejectsGarbage(t *testing.T) {
	_, err := DecodeCommand([]byte{0xFF, 0x01, 0x02})
	require.Error(t, err)

	// number where the command name should be
	bad, err := EncodeCommand(&Command{Name: "ok", TransactionID: 1})
	require.NoError(t, err)
	_, err = DecodeCommand(bad[4:])
	require.Error(t, err)
}

func TestStatusCode(t *testing.T) {
	cmd := &Command{
		Name: "onStatus",
		Args: []interface{}{
			nil,
			map[string]interface{}{"code": "NetStream.Publish.Start"},
		},
	}
	assert.Equal(t, "NetStream.Publish.Start", cmd.StatusCode())
	assert.Equal(t, "", (&Command{Name: "_result"}).StatusCode())
}

func TestResultStreamID(t *testing.T) {
	cmd := &Command{Name: "_result", Args: []interface{}{nil, float64(5)}}
	id, ok := cmd.ResultStreamID()
	require.True(t, ok)
	assert.Equal(t, uint32(5), id)

	_, ok = (&Command{Name: "_result"}).ResultStreamID()
	assert.False(t, ok)
}
