package realtime

import (
	"encoding/json"

	"github.com/clawnet/reef/errors"
)

// Server→client frame types. The vocabulary is fixed; clients ignore types
// they do not recognize.
const (
	FrameMessageNew      = "message.new"
	FrameMessageEdited   = "message.edited"
	FrameMessageDeleted  = "message.deleted"
	FrameReactionAdded   = "reaction.added"
	FrameReactionRemoved = "reaction.removed"
	FrameFriendRequest   = "friend.request"
	FrameFriendAccepted  = "friend.accepted"
	FrameGroupCreated    = "group.created"
	FrameGroupUpdated    = "group.updated"
	FrameGroupMember     = "group.member"
)

// ControlCatchUp is the client→server control frame type requesting replay
// of missed sequenced frames.
const ControlCatchUp = "catch-up"

// Frame is the server→client wire envelope. Seq is present only for frames
// that originate from the sequenced inbox stream.
type Frame struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`
	Seq  uint64          `json:"seq,omitempty"`
}

// NewFrame builds a frame with a JSON-encoded payload
func NewFrame(frameType string, payload any) (Frame, error) {
	if payload == nil {
		return Frame{Type: frameType}, nil
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return Frame{}, errors.WrapInvalid(err, "Frame", "NewFrame", "marshal payload")
	}
	return Frame{Type: frameType, Data: data}, nil
}

// ControlFrame is the client→server control envelope read off the socket
type ControlFrame struct {
	Type    string `json:"type"`
	LastSeq uint64 `json:"lastSeq,omitempty"`
}
