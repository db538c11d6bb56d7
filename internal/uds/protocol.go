// Package uds is the control channel between the verifyd CLI and the
// daemon: a unix socket inside .verifyd/ carrying length-prefixed JSON
// frames, one request and one reply per connection.
//
// The command set is small and fixed. The CLI uses it to inspect the
// daemon (ping, status), to force work that would otherwise wait for
// the ticker (tick), to enroll agents (session_create), to apply the
// one admin mutation the engine allows (force_reschedule), and to stop
// the daemon cleanly (shutdown). Anything else is rejected before a
// handler ever sees it.
package uds

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
	"net"
)

// ProtocolVersion gates every request. The daemon refuses frames from
// a CLI built against a different protocol rather than guessing.
const ProtocolVersion = 1

// DefaultSocketName is the conventional socket filename inside .verifyd/.
const DefaultSocketName = "verifyd.sock"

const (
	// CmdPing checks liveness. No params.
	CmdPing = "ping"
	// CmdStatus returns daemon uptime plus session and agent counts.
	CmdStatus = "status"
	// CmdTick runs one engine pass immediately and returns its summary.
	CmdTick = "tick"
	// CmdSessionCreate enrolls an agent and opens its verification
	// session. Params: agent_id, webhook_url, optional model_name.
	CmdSessionCreate = "session_create"
	// CmdForceReschedule moves a session's next pending burst to a new
	// random slot. Params: session_id, operator.
	CmdForceReschedule = "force_reschedule"
	// CmdShutdown asks the daemon to exit after the current tick.
	CmdShutdown = "shutdown"
)

var commands = map[string]bool{
	CmdPing:            true,
	CmdStatus:          true,
	CmdTick:            true,
	CmdSessionCreate:   true,
	CmdForceReschedule: true,
	CmdShutdown:        true,
}

// KnownCommand reports whether cmd is part of the verifyd protocol.
func KnownCommand(cmd string) bool {
	return commands[cmd]
}

// MaxFrameBytes caps a single frame. The largest payload this protocol
// ever carries is a tick summary or a session create reply, a few
// hundred bytes; a megabyte leaves room to spare, and anything past it
// is a corrupt length prefix, not a request.
const MaxFrameBytes = 1 << 20

type Request struct {
	ProtocolVersion int             `json:"protocol_version"`
	Command         string          `json:"command"`
	Params          json.RawMessage `json:"params,omitempty"`
}

type Response struct {
	Success bool            `json:"success"`
	Data    json.RawMessage `json:"data,omitempty"`
	Error   *ErrorDetail    `json:"error,omitempty"`
}

type ErrorDetail struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

const (
	ErrCodeProtocolMismatch = "PROTOCOL_MISMATCH"
	ErrCodeUnknownCommand   = "UNKNOWN_COMMAND"
	ErrCodeInternal         = "INTERNAL_ERROR"
	ErrCodeValidation       = "VALIDATION_ERROR"
	ErrCodeNotFound         = "NOT_FOUND"
	ErrCodeDuplicate        = "DUPLICATE"
	ErrCodeConflict         = "REVISION_CONFLICT"
)

func NewRequest(command string, params any) (*Request, error) {
	req := &Request{
		ProtocolVersion: ProtocolVersion,
		Command:         command,
	}
	if params != nil {
		data, err := json.Marshal(params)
		if err != nil {
			return nil, fmt.Errorf("marshal params: %w", err)
		}
		req.Params = data
	}
	return req, nil
}

func SuccessResponse(data any) *Response {
	resp := &Response{Success: true}
	if data != nil {
		raw, _ := json.Marshal(data)
		resp.Data = raw
	}
	return resp
}

func ErrorResponse(code, message string) *Response {
	return &Response{
		Success: false,
		Error: &ErrorDetail{
			Code:    code,
			Message: message,
		},
	}
}

// WriteFrame encodes v as JSON and writes it with a 4-byte big-endian
// length prefix.
func WriteFrame(conn net.Conn, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal frame: %w", err)
	}
	if len(data) > MaxFrameBytes {
		return fmt.Errorf("frame of %d bytes exceeds the %d byte limit", len(data), MaxFrameBytes)
	}

	if err := binary.Write(conn, binary.BigEndian, uint32(len(data))); err != nil {
		return fmt.Errorf("write frame length: %w", err)
	}
	// io.Copy absorbs short writes on the socket.
	if _, err := io.Copy(conn, bytes.NewReader(data)); err != nil {
		return fmt.Errorf("write frame payload: %w", err)
	}
	return nil
}

// ReadFrame reads one length-prefixed JSON frame into v, refusing
// frames past MaxFrameBytes before allocating for them.
func ReadFrame(conn net.Conn, v any) error {
	var length uint32
	if err := binary.Read(conn, binary.BigEndian, &length); err != nil {
		return fmt.Errorf("read frame length: %w", err)
	}
	if length > MaxFrameBytes {
		return fmt.Errorf("frame of %d bytes exceeds the %d byte limit", length, MaxFrameBytes)
	}

	buf := make([]byte, length)
	if _, err := io.ReadFull(conn, buf); err != nil {
		return fmt.Errorf("read frame payload: %w", err)
	}
	if err := json.Unmarshal(buf, v); err != nil {
		return fmt.Errorf("unmarshal frame: %w", err)
	}
	return nil
}
