// Copyright (c) 2023-2026 The agentwire developers.
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

// rpc contains all structures required by the agentwire protocol.
//
// An agentwire connection has two discrete phases:
//  1. pre session phase, used to obtain the server key and establish the
//     encrypted transport
//  2. session phase, used for all other RPC commands; once the key exchange
//     completes the server issues a Welcome command carrying protocol
//     properties such as the maximum frame size
package rpc

import (
	"encoding/json"
	"errors"
	"io"
	"strconv"
	"time"

	"github.com/agentwire/agentwire/identity"
	"github.com/agentwire/agentwire/ledger"
	"github.com/agentwire/agentwire/ratchet"
)

const (
	// pre session phase
	InitialCmdIdentify = "identify"
	InitialCmdSession  = "session"

	// session phase
	SessionCmdWelcome    = "welcome"
	SessionCmdLogin      = "login"
	SessionCmdLoginReply = "loginreply"

	// tagged commands
	TaggedCmdAcknowledge = "ack"
	TaggedCmdPing        = "ping"
	TaggedCmdPong        = "pong"

	TaggedCmdSessionOpen        = "sessionopen"
	TaggedCmdSessionOpenReply   = "sessionopenreply"
	TaggedCmdSessionAccept      = "sessionaccept"
	TaggedCmdSessionAcceptReply = "sessionacceptreply"
	TaggedCmdSessionRotate      = "sessionrotate"
	TaggedCmdSessionRotateReply = "sessionrotatereply"
	TaggedCmdSessionClose       = "sessionclose"
	TaggedCmdSessionCloseReply  = "sessionclosereply"
	TaggedCmdSessionGet         = "sessionget"
	TaggedCmdSessionGetReply    = "sessiongetreply"

	TaggedCmdFrameSend         = "framesend"
	TaggedCmdFrameSendReply    = "framesendreply"
	TaggedCmdFrameReceive      = "framereceive"
	TaggedCmdFrameReceiveReply = "framereceivereply"

	TaggedCmdGroupCreate            = "groupcreate"
	TaggedCmdGroupCreateReply       = "groupcreatereply"
	TaggedCmdGroupMemberAdd         = "groupmemberadd"
	TaggedCmdGroupMemberAddReply    = "groupmemberaddreply"
	TaggedCmdGroupMemberRemove      = "groupmemberremove"
	TaggedCmdGroupMemberRemoveReply = "groupmemberremovereply"
	TaggedCmdGroupClose             = "groupclose"
	TaggedCmdGroupCloseReply        = "groupclosereply"
	TaggedCmdGroupGet               = "groupget"
	TaggedCmdGroupGetReply          = "groupgetreply"

	TaggedCmdGroupFrameSend         = "groupframesend"
	TaggedCmdGroupFrameSendReply    = "groupframesendreply"
	TaggedCmdGroupFrameReceive      = "groupframereceive"
	TaggedCmdGroupFrameReceiveReply = "groupframereceivereply"

	// PingLimit is how long to wait for a ping before disconnect.
	// DefaultPingInterval is how long to wait to send the next ping.
	PingLimit           = 45 * time.Second
	DefaultPingInterval = 30 * time.Second

	// MaxFrameBytes is the maximum ciphertext size accepted by the frame
	// store. The ratchet header is not counted against it.
	MaxFrameBytes = 1024 * 1024 // 1 MiB

	// MaxMsgSize is the maximum size of a transport message. Large enough
	// to contain a base64 encoded frame of MaxFrameBytes along with the
	// overhead of headers and encodings, with some room to spare.
	MaxMsgSize = 1887437

	ProtocolVersion = 1
)

// Schema identifiers carried by every persisted record so that future
// revisions are distinguishable and validated before use.
const (
	SchemaSession      = "agentwire/session"
	SchemaFrame        = "agentwire/frame"
	SchemaSessionEvent = "agentwire/sessionevent"
	SchemaGroup        = "agentwire/group"
	SchemaGroupEvent   = "agentwire/groupevent"
	SchemaGroupFrame   = "agentwire/groupframe"

	SchemaVersion = 1
)

// Session states.
const (
	SessionStatePending = "PENDING"
	SessionStateActive  = "ACTIVE"
	SessionStateClosed  = "CLOSED"
)

// Group states.
const (
	GroupStateOpen   = "OPEN"
	GroupStateClosed = "CLOSED"
)

// Welcome properties.
const (
	PropMaxFrameBytes  = "maxframebytes"
	PropMaxFutureDelta = "maxfuturedelta"
	PropServerTime     = "servertime"
	PropSessionTTL     = "sessionttl"

	// PropLoginChallenge carries the base64 nonce the agent must sign
	// with its identity key to complete the login that follows Welcome.
	PropLoginChallenge = "loginchallenge"
)

// Message is the generic command that flows between the server and an agent
// and vice versa. Its purpose is to add a discriminator to simplify payload
// decoding. Additionally it has a tag that the recipient shall return
// unmodified when replying. The tag is originated by the sender and shall be
// unique provided an answer is expected.
type Message struct {
	Command   string // discriminator
	TimeStamp int64  // originator timestamp
	Tag       uint32 // client generated tag, shall be unique
	//followed by Payload []byte
}

// Welcome is written by the server immediately after the transport key
// exchange completes.
type Welcome struct {
	Version    int
	ServerTime int64
	Properties []ServerProperty
}

type ServerProperty struct {
	Key      string
	Value    string
	Required bool
}

// DefaultPropMaxFrameBytes formats the default frame size property.
func DefaultPropMaxFrameBytes() ServerProperty {
	return ServerProperty{
		Key:      PropMaxFrameBytes,
		Value:    strconv.Itoa(MaxFrameBytes),
		Required: true,
	}
}

// Acknowledge is sent in response to tagged commands that carry no dedicated
// reply.
type Acknowledge struct {
	Error string
}

type Ping struct{}
type Pong struct{}

// AgentLogin is sent by the agent immediately after Welcome. Signature is
// the agent identity's signature over the login challenge nonce; the server
// verifies the bundle and the signature before accepting any tagged command.
type AgentLogin struct {
	Public    identity.PublicIdentity
	Signature identity.FixedSizeSignature
}

type LoginReply struct {
	Error string
}

// SessionInfo is the externally visible view of a session. It never carries
// ratchet state, only the integrity digest of the sealed state blob.
type SessionInfo struct {
	SessionID          string
	State              string
	InitiatorID        string
	ResponderID        string
	RatchetStateDigest string
	ExpiresAt          int64
}

// GroupInfo is the externally visible view of a group. Members is the fold
// of the group's membership events at read time.
type GroupInfo struct {
	GroupID string
	OwnerID string
	State   string
	Epoch   uint32
	Members []string
}

// Frame is the wire form of one persisted encrypted frame.
type Frame struct {
	SchemaID       string
	SchemaVersion  int
	SessionID      string
	SenderID       string
	SenderSeq      uint64
	RecipientID    string
	Header         []byte
	Ciphertext     []byte
	FrameDigest    string
	CiphertextHash string
	CreatedAt      int64
}

// SessionOpen creates a PENDING session between the calling initiator and
// Responder. The key offer travels with the session so the responder can
// complete the key agreement on accept.
type SessionOpen struct {
	ResponderID string
	KeyOffer    *ratchet.KeyOffer
	TTLSeconds  int64
}

type SessionOpenReply struct {
	Session SessionInfo
	Error   string
}

// SessionAccept transitions a PENDING session to ACTIVE. Only the responder
// named at open time may accept; the reply returns the initiator's key
// offer.
type SessionAccept struct {
	SessionID string
}

type SessionAcceptReply struct {
	Session  SessionInfo
	KeyOffer *ratchet.KeyOffer
	Error    string
}

// SessionRotate forces a fresh ratchet epoch on an ACTIVE session.
type SessionRotate struct {
	SessionID string
}

type SessionRotateReply struct {
	Session SessionInfo
	Error   string
}

// SessionClose transitions a session to CLOSED. Terminal: the record is
// retained but no further frames or transitions are accepted.
type SessionClose struct {
	SessionID string
}

type SessionCloseReply struct {
	Session SessionInfo
	Error   string
}

// SessionGet returns the session view and its lifecycle event chain.
type SessionGet struct {
	SessionID string
}

type SessionGetReply struct {
	Session SessionInfo
	Events  []*ledger.Entry
	Error   string
}

// FrameSend persists one encrypted frame. The declared FrameDigest and
// CiphertextHash are recomputed server side and the frame is rejected on any
// mismatch.
type FrameSend struct {
	SessionID      string
	SenderSeq      uint64
	Header         []byte
	Ciphertext     []byte
	FrameDigest    string
	CiphertextHash string
}

type FrameSendReply struct {
	Error string
}

// FrameReceive returns frames addressed to the caller after Cursor, in
// insertion order. An empty cursor starts from the beginning.
type FrameReceive struct {
	SessionID string
	Cursor    string
	Max       int
}

type FrameReceiveReply struct {
	Frames  []Frame
	Cursor  string
	HasMore bool
	Error   string
}

// GroupCreate creates an OPEN group owned by the caller.
type GroupCreate struct {
	TTLSeconds int64
}

type GroupCreateReply struct {
	Group GroupInfo
	Error string
}

// GroupMemberAdd appends a join event for MemberID. Owner only.
type GroupMemberAdd struct {
	GroupID  string
	MemberID string
}

type GroupMemberAddReply struct {
	Group GroupInfo
	Error string
}

// GroupMemberRemove appends a leave event for MemberID and rotates the
// sender-key epoch so the removed member cannot decrypt later frames.
type GroupMemberRemove struct {
	GroupID  string
	MemberID string
}

type GroupMemberRemoveReply struct {
	Group GroupInfo
	Error string
}

// GroupClose transitions the group to CLOSED.
type GroupClose struct {
	GroupID string
}

type GroupCloseReply struct {
	Group GroupInfo
	Error string
}

// GroupGet returns the group view and its membership event chain.
type GroupGet struct {
	GroupID string
}

type GroupGetReply struct {
	Group  GroupInfo
	Events []*ledger.Entry
	Error  string
}

// GroupFrame is the wire form of one persisted group frame. Group frames
// follow the sender-keys model: Epoch names the fan-out generation the
// ciphertext was encrypted under.
type GroupFrame struct {
	SchemaID       string
	SchemaVersion  int
	GroupID        string
	SenderID       string
	SenderSeq      uint64
	Epoch          uint32
	Header         []byte
	Ciphertext     []byte
	FrameDigest    string
	CiphertextHash string
	CreatedAt      int64
}

// GroupFrameSend persists one encrypted group frame. The frame must carry
// the group's current epoch; frames sealed under a rotated-out epoch are
// rejected.
type GroupFrameSend struct {
	GroupID        string
	SenderSeq      uint64
	Epoch          uint32
	Header         []byte
	Ciphertext     []byte
	FrameDigest    string
	CiphertextHash string
}

type GroupFrameSendReply struct {
	Error string
}

// GroupFrameReceive returns group frames sent by other members after
// Cursor, in insertion order.
type GroupFrameReceive struct {
	GroupID string
	Cursor  string
	Max     int
}

type GroupFrameReceiveReply struct {
	Frames  []GroupFrame
	Cursor  string
	HasMore bool
	Error   string
}

// DecodeLimited decodes a single JSON value from r into v, reading at most
// limit bytes. It returns ErrMsgSizeExceeded when the value does not fit the
// budget.
func DecodeLimited(r io.Reader, limit uint, v any) error {
	lr := &limitedReader{R: r, N: limit}
	dec := json.NewDecoder(lr)
	err := dec.Decode(v)
	if errors.Is(err, errLimitedReaderExhausted) {
		return ErrMsgSizeExceeded
	}
	return err
}
