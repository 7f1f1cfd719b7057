package replog

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"pigeon/models"
)

const (
	// MaxFrameSize is the maximum accepted frame payload size (10 MB).
	MaxFrameSize = 10 * 1024 * 1024
)

// Command types sent to the worker.
const (
	CmdInitialize         = "initialize"
	CmdCreateConversation = "create-conversation"
	CmdJoinConversation   = "join-conversation"
	CmdLeaveConversation  = "leave-conversation"
	CmdAppendEntry        = "append-entry"
	CmdGetEntries         = "get-entries"
	CmdSync               = "sync"
	CmdSyncAll            = "sync-all"
	CmdRecover            = "recover"
	CmdShutdown           = "shutdown"
)

// Response and event types received from the worker.
const (
	TypeInitialized         = "initialized"
	TypeConversationCreated = "conversation-created"
	TypeConversationJoined  = "conversation-joined"
	TypeConversationLeft    = "conversation-left"
	TypeEntryAppended       = "entry-appended"
	TypeEntries             = "entries"
	TypeRecovered           = "recovered"

	TypePeerConnected    = "peer-connected"
	TypePeerDisconnected = "peer-disconnected"
	TypeSyncStarted      = "sync-started"
	TypeSyncCompleted    = "sync-completed"
	TypeModuleError      = "module-error"
	TypeError            = "error"
)

// responseTypes maps each awaited command to its terminal response type.
// Commands missing here are fire-and-forget.
var responseTypes = map[string]string{
	CmdInitialize:         TypeInitialized,
	CmdCreateConversation: TypeConversationCreated,
	CmdJoinConversation:   TypeConversationJoined,
	CmdLeaveConversation:  TypeConversationLeft,
	CmdAppendEntry:        TypeEntryAppended,
	CmdGetEntries:         TypeEntries,
	CmdRecover:            TypeRecovered,
}

var (
	// ErrFrameTooLarge indicates payload exceeds MaxFrameSize.
	ErrFrameTooLarge = errors.New("replog: frame exceeds max size")
	// ErrInvalidMessageType indicates the envelope type is missing.
	ErrInvalidMessageType = errors.New("replog: invalid message type")
)

// Command is the envelope of every request to the worker.
type Command struct {
	Type   string          `json:"type"`
	ID     string          `json:"id,omitempty"`
	Config json.RawMessage `json:"config,omitempty"`
}

// InitializeConfig is the config of an initialize command.
type InitializeConfig struct {
	Handle string `json:"handle"`
}

// CreateConfig is the config of a create-conversation command.
type CreateConfig struct {
	ConversationID string               `json:"conversation_id"`
	Participants   []models.Participant `json:"participants"`
	IsGroup        bool                 `json:"is_group"`
	GroupName      string               `json:"group_name,omitempty"`
	Creator        string               `json:"creator"`
	Timestamp      int64                `json:"timestamp"`
}

// JoinConfig is the config of a join-conversation command. An empty Key asks
// the worker to derive the log from the conversation ID.
type JoinConfig struct {
	ConversationID string `json:"conversation_id"`
	Key            string `json:"key,omitempty"`
}

// ConversationConfig addresses one conversation log.
type ConversationConfig struct {
	ConversationID string `json:"conversation_id"`
}

// AppendConfig is the config of an append-entry command.
type AppendConfig struct {
	ConversationID string       `json:"conversation_id"`
	Entry          models.Entry `json:"entry"`
}

// RangeConfig is the config of a get-entries command. End <= 0 reads to the
// current end of the log.
type RangeConfig struct {
	ConversationID string `json:"conversation_id"`
	Start          int64  `json:"start"`
	End            int64  `json:"end,omitempty"`
}

// RecoverConfig is the config of a recover command.
type RecoverConfig struct {
	IdentityKey      string            `json:"identity_key"`
	ConversationKeys map[string]string `json:"conversation_keys"`
}

// Response is every frame received from the worker: terminal responses
// and async events share one shape.
type Response struct {
	Type string `json:"type"`
	ID   string `json:"id,omitempty"`

	ConversationID string `json:"conversation_id,omitempty"`
	Key            string `json:"key,omitempty"`
	DiscoveryKey   string `json:"discovery_key,omitempty"`
	WriteKey       string `json:"write_key,omitempty"`
	IdentityKey    string `json:"identity_key,omitempty"`

	Entries      []models.Entry `json:"entries,omitempty"`
	Start        int64          `json:"start,omitempty"`
	Length       int64          `json:"length,omitempty"`
	RemoteLength int64          `json:"remote_length,omitempty"`
	Recovered    []string       `json:"recovered,omitempty"`

	Peer  string `json:"peer,omitempty"`
	Error string `json:"error,omitempty"`
	Fatal bool   `json:"fatal,omitempty"`
}

func newCommand(cmdType, id string, config any) (Command, error) {
	cmd := Command{Type: cmdType, ID: id}
	if config == nil {
		return cmd, nil
	}
	raw, err := json.Marshal(config)
	if err != nil {
		return Command{}, fmt.Errorf("marshal %s config: %w", cmdType, err)
	}
	cmd.Config = raw
	return cmd, nil
}

// DecodeResponse parses one worker frame.
func DecodeResponse(payload []byte) (Response, error) {
	var resp Response
	if err := json.Unmarshal(payload, &resp); err != nil {
		return Response{}, fmt.Errorf("decode response: %w", err)
	}
	if resp.Type == "" {
		return Response{}, ErrInvalidMessageType
	}
	return resp, nil
}

// WriteFrame writes one length-prefixed frame.
func WriteFrame(w io.Writer, payload []byte) error {
	if len(payload) > MaxFrameSize {
		return ErrFrameTooLarge
	}

	header := make([]byte, 4)
	binary.BigEndian.PutUint32(header, uint32(len(payload)))

	if _, err := w.Write(header); err != nil {
		return fmt.Errorf("write frame length: %w", err)
	}
	if len(payload) == 0 {
		return nil
	}
	if _, err := w.Write(payload); err != nil {
		return fmt.Errorf("write frame payload: %w", err)
	}

	return nil
}

// ReadFrame reads one length-prefixed frame.
func ReadFrame(r io.Reader) ([]byte, error) {
	header := make([]byte, 4)
	if _, err := io.ReadFull(r, header); err != nil {
		return nil, fmt.Errorf("read frame length: %w", err)
	}

	length := binary.BigEndian.Uint32(header)
	if length > MaxFrameSize {
		return nil, ErrFrameTooLarge
	}
	if length == 0 {
		return []byte{}, nil
	}

	payload := make([]byte, int(length))
	if _, err := io.ReadFull(r, payload); err != nil {
		return nil, fmt.Errorf("read frame payload: %w", err)
	}

	return payload, nil
}
