package uds

import (
	"encoding/binary"
	"encoding/json"
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Sockets live under /tmp directly: macOS caps unix socket paths at
// 104 bytes and t.TempDir() paths can blow past that.
func testSocketPath(t *testing.T) string {
	t.Helper()
	dir, err := os.MkdirTemp("/tmp", "verifyd-uds-*")
	require.NoError(t, err)
	t.Cleanup(func() { os.RemoveAll(dir) })
	return filepath.Join(dir, "d.sock")
}

func startServer(t *testing.T) (*Server, *Client, string) {
	t.Helper()
	sockPath := testSocketPath(t)

	server := NewServer(sockPath)
	server.Handle(CmdPing, func(req *Request) *Response {
		return SuccessResponse(map[string]string{"status": "ok"})
	})
	require.NoError(t, server.Start())
	t.Cleanup(func() { server.Stop() })

	client := NewClient(sockPath)
	client.SetTimeout(5 * time.Second)
	return server, client, sockPath
}

func TestPingRoundTrip(t *testing.T) {
	_, client, _ := startServer(t)

	resp, err := client.SendCommand(CmdPing, nil)
	require.NoError(t, err)
	require.True(t, resp.Success)

	var data map[string]string
	require.NoError(t, json.Unmarshal(resp.Data, &data))
	assert.Equal(t, "ok", data["status"])
}

func TestStatusCarriesStructuredData(t *testing.T) {
	server, client, _ := startServer(t)
	server.Handle(CmdStatus, func(req *Request) *Response {
		return SuccessResponse(map[string]any{
			"uptime_seconds":   342,
			"sessions_pending": 2,
			"agents_verified":  5,
		})
	})

	resp, err := client.SendCommand(CmdStatus, nil)
	require.NoError(t, err)
	require.True(t, resp.Success)

	var data map[string]int
	require.NoError(t, json.Unmarshal(resp.Data, &data))
	assert.Equal(t, 342, data["uptime_seconds"])
	assert.Equal(t, 5, data["agents_verified"])
}

func TestHandlerSeesRequestParams(t *testing.T) {
	server, client, _ := startServer(t)
	server.Handle(CmdSessionCreate, func(req *Request) *Response {
		var params map[string]string
		if err := json.Unmarshal(req.Params, &params); err != nil {
			return ErrorResponse(ErrCodeValidation, err.Error())
		}
		if params["agent_id"] == "" {
			return ErrorResponse(ErrCodeValidation, "agent_id is required")
		}
		return SuccessResponse(map[string]string{"agent_id": params["agent_id"]})
	})

	resp, err := client.SendCommand(CmdSessionCreate, map[string]string{
		"agent_id":    "agent-9",
		"webhook_url": "https://agent.example.com/hook",
	})
	require.NoError(t, err)
	require.True(t, resp.Success)

	resp, err = client.SendCommand(CmdSessionCreate, map[string]string{})
	require.NoError(t, err)
	require.False(t, resp.Success)
	assert.Equal(t, ErrCodeValidation, resp.Error.Code)
}

func TestProtocolVersionGate(t *testing.T) {
	_, client, _ := startServer(t)

	resp, err := client.Send(&Request{ProtocolVersion: 99, Command: CmdPing})
	require.NoError(t, err)
	require.False(t, resp.Success)
	require.NotNil(t, resp.Error)
	assert.Equal(t, ErrCodeProtocolMismatch, resp.Error.Code)
}

func TestCommandOutsideProtocolRejected(t *testing.T) {
	_, client, _ := startServer(t)

	// The server refuses commands outside the protocol even if a raw
	// request smuggles one past the client.
	resp, err := client.Send(&Request{ProtocolVersion: ProtocolVersion, Command: "drop_agents"})
	require.NoError(t, err)
	require.False(t, resp.Success)
	assert.Equal(t, ErrCodeUnknownCommand, resp.Error.Code)

	// The client refuses them without dialing at all.
	_, err = client.SendCommand("drop_agents", nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not a verifyd command")
}

func TestUnregisteredCommandRejected(t *testing.T) {
	_, client, _ := startServer(t)

	// shutdown is a protocol command but this server never enabled it.
	resp, err := client.SendCommand(CmdShutdown, nil)
	require.NoError(t, err)
	require.False(t, resp.Success)
	assert.Equal(t, ErrCodeUnknownCommand, resp.Error.Code)
}

func TestEmptyCommandRejected(t *testing.T) {
	_, client, _ := startServer(t)

	resp, err := client.Send(&Request{ProtocolVersion: ProtocolVersion})
	require.NoError(t, err)
	require.False(t, resp.Success)
	assert.Equal(t, ErrCodeValidation, resp.Error.Code)
}

func TestHandlerPanicAnswersInternalError(t *testing.T) {
	server, client, _ := startServer(t)
	server.Handle(CmdTick, func(req *Request) *Response {
		panic("tick exploded")
	})

	resp, err := client.SendCommand(CmdTick, nil)
	require.NoError(t, err)
	require.False(t, resp.Success)
	assert.Equal(t, ErrCodeInternal, resp.Error.Code)

	// The daemon survives the panic and keeps serving.
	resp, err = client.SendCommand(CmdPing, nil)
	require.NoError(t, err)
	assert.True(t, resp.Success)
}

func TestWriteFrameRefusesOversizePayload(t *testing.T) {
	left, right := net.Pipe()
	defer left.Close()
	defer right.Close()

	huge := map[string]string{"blob": string(make([]byte, MaxFrameBytes+1))}
	err := WriteFrame(left, huge)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "exceeds")
}

func TestReadFrameRefusesLyingLengthPrefix(t *testing.T) {
	left, right := net.Pipe()
	defer left.Close()
	defer right.Close()

	go func() {
		binary.Write(left, binary.BigEndian, uint32(MaxFrameBytes+1))
	}()

	var resp Response
	err := ReadFrame(right, &resp)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "exceeds")
}

func TestConcurrentClients(t *testing.T) {
	_, _, sockPath := startServer(t)

	errs := make(chan error, 10)
	for i := 0; i < 10; i++ {
		go func() {
			c := NewClient(sockPath)
			c.SetTimeout(5 * time.Second)
			_, err := c.SendCommand(CmdPing, nil)
			errs <- err
		}()
	}
	for i := 0; i < 10; i++ {
		assert.NoError(t, <-errs)
	}
}

func TestIdleConnectionTimedOut(t *testing.T) {
	sockPath := testSocketPath(t)
	server := NewServer(sockPath)
	server.SetConnTimeout(200 * time.Millisecond)
	server.Handle(CmdPing, func(req *Request) *Response {
		return SuccessResponse(nil)
	})
	require.NoError(t, server.Start())
	t.Cleanup(func() { server.Stop() })

	// Dial and send nothing; the server closes the connection.
	conn, err := net.Dial("unix", sockPath)
	require.NoError(t, err)
	defer conn.Close()
	time.Sleep(400 * time.Millisecond)

	conn.SetReadDeadline(time.Now().Add(500 * time.Millisecond))
	_, readErr := conn.Read(make([]byte, 1))
	assert.Error(t, readErr, "server should have closed the idle connection")

	// New requests still work.
	client := NewClient(sockPath)
	client.SetTimeout(2 * time.Second)
	resp, err := client.SendCommand(CmdPing, nil)
	require.NoError(t, err)
	assert.True(t, resp.Success)
}

func TestSocketOwnerOnly(t *testing.T) {
	_, _, sockPath := startServer(t)

	info, err := os.Stat(sockPath)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0600), info.Mode().Perm())
}

func TestStartReplacesStaleSocket(t *testing.T) {
	sockPath := testSocketPath(t)
	require.NoError(t, os.WriteFile(sockPath, []byte("stale"), 0600))

	server := NewServer(sockPath)
	server.Handle(CmdPing, func(req *Request) *Response {
		return SuccessResponse(nil)
	})
	require.NoError(t, server.Start())
	t.Cleanup(func() { server.Stop() })

	client := NewClient(sockPath)
	client.SetTimeout(2 * time.Second)
	resp, err := client.SendCommand(CmdPing, nil)
	require.NoError(t, err)
	assert.True(t, resp.Success)
}

func TestStopRemovesSocket(t *testing.T) {
	sockPath := testSocketPath(t)
	server := NewServer(sockPath)
	require.NoError(t, server.Start())

	_, err := os.Stat(sockPath)
	require.NoError(t, err)

	server.Stop()
	_, err = os.Stat(sockPath)
	assert.True(t, os.IsNotExist(err))
}

func TestClientWithoutDaemon(t *testing.T) {
	client := NewClient(filepath.Join(t.TempDir(), "nothing.sock"))
	client.SetTimeout(time.Second)

	_, err := client.SendCommand(CmdPing, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to connect to daemon")
	assert.Contains(t, err.Error(), "verifyd daemon")
}
