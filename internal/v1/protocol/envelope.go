package protocol

import "encoding/json"

// Message is the JSON envelope carried in every control-plane frame:
// {type, payload, ...} on the way in, {ok, ...} or {type, from, payload}
// on the way out. Payload stays raw so relayed frames (chat, file chunks)
// round-trip without re-encoding their contents.
type Message struct {
	Type    string          `json:"type,omitempty"`
	ID      string          `json:"id,omitempty"`
	From    string          `json:"from,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Command types accepted by the control server.
const (
	TypeLogin        = "login"
	TypeLogout       = "logout"
	TypeListRooms    = "list_rooms"
	TypeCreateRoom   = "create_room"
	TypeJoinRoom     = "join_room"
	TypeLeaveRoom    = "leave_room"
	TypeRoomInfo     = "room_info"
	TypeKick         = "kick"
	TypeChat         = "chat"
	TypeDM           = "dm"
	TypeFileMeta     = "file_meta"
	TypeFileChunk    = "file_chunk"
	TypeFileComplete = "file_complete"
	TypeUDPRegister  = "udp_register"
)

// Notification types emitted by the server.
const (
	TypeLoginOK           = "login_ok"
	TypeParticipantJoined = "participant_joined"
	TypeParticipantLeft   = "participant_left"
	TypeKicked            = "kicked"
)

// LoginPayload carries the credentials of a login command.
type LoginPayload struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

// RoomPayload names a room for create_room / join_room.
type RoomPayload struct {
	Room string `json:"room"`
}

// ChatPayload carries a room chat line.
type ChatPayload struct {
	Text string `json:"text"`
}

// DMPayload carries a direct message.
type DMPayload struct {
	To   string `json:"to"`
	Text string `json:"text"`
}

// KickPayload names the user the room owner wants removed.
type KickPayload struct {
	Target string `json:"target"`
}

// FileMetaPayload announces a transfer. To routes the transfer to a single
// user; empty To fans out to the sender's room.
type FileMetaPayload struct {
	TransferID string `json:"transfer_id"`
	Name       string `json:"name"`
	Size       int64  `json:"size"`
	To         string `json:"to,omitempty"`
}

// FileChunkPayload carries one base64 chunk of an announced transfer.
type FileChunkPayload struct {
	TransferID string `json:"transfer_id"`
	Data       string `json:"data"`
	To         string `json:"to,omitempty"`
}

// FileCompletePayload marks the end of a transfer.
type FileCompletePayload struct {
	TransferID string `json:"transfer_id"`
	To         string `json:"to,omitempty"`
}

// UDPRegisterPayload records the client's UDP port for a media kind. The IP
// is taken from the TCP peer address, never from the payload.
type UDPRegisterPayload struct {
	Media string `json:"media"`
	Port  int    `json:"port"`
}

// Reply is a server response document. Using a plain map keeps reply shapes
// identical to the wire contract ({ok, error, type, ...}) without a struct
// per variant.
type Reply map[string]any

// OK builds a success reply with optional extra fields.
func OK(fields ...func(Reply)) Reply {
	r := Reply{"ok": true}
	for _, f := range fields {
		f(r)
	}
	return r
}

// Errorf builds a soft error reply.
func Errorf(msg string) Reply {
	return Reply{"ok": false, "error": msg}
}

// Field sets one extra key on a reply.
func Field(key string, value any) func(Reply) {
	return func(r Reply) { r[key] = value }
}
