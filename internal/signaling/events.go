// Package signaling carries call-setup and chat events between booking
// participants. Wire format: one JSON object {"event": ..., "data": ...} per
// WebSocket text frame.
package signaling

import "github.com/pion/webrtc/v4"

// ── Event names ───────────────────────────────────────────────────────────────
// Shared with the web client; keep values stable.
const (
	EventOffer        = "webrtc:offer"
	EventAnswer       = "webrtc:answer"
	EventICECandidate = "webrtc:ice-candidate"
	EventHangup       = "webrtc:hangup"
	EventCallRejected = "webrtc:call-rejected"

	EventSendMessage    = "sendBookingMessage"    // client → server
	EventReceiveMessage = "receiveBookingMessage" // server → every room member

	EventJoinRoom = "joinBookingRoom" // client → server, on conversation open
	EventError    = "error"           // server → client
)

// Message types carried in MessagePayload.MessageType.
const (
	MessageTypeText  = "text"
	MessageTypeImage = "image"
	MessageTypeFile  = "file"
)

// IsCallEvent reports whether event is one of the webrtc:* signals that the
// server forwards to the other room members only.
func IsCallEvent(event string) bool {
	switch event {
	case EventOffer, EventAnswer, EventICECandidate, EventHangup, EventCallRejected:
		return true
	}
	return false
}

// ── Call signal payloads ──────────────────────────────────────────────────────
//
//   caller                              callee
//   ───────────────────────────────────────────────────────────
//   webrtc:offer  ────────────────────► (incoming call notice)
//                 ◄──────────────────── webrtc:answer (accept)
//                 ◄──────────────────── webrtc:call-rejected (decline)
//   webrtc:ice-candidate ◄────────────► webrtc:ice-candidate
//   webrtc:hangup ◄───────────────────► webrtc:hangup (either side)

// OfferPayload carries the caller's session description.
type OfferPayload struct {
	ConversationID string                    `json:"conversationId"`
	Offer          webrtc.SessionDescription `json:"offer"`
	FromUserID     string                    `json:"fromUserId"`
	FromUserName   string                    `json:"fromUserName,omitempty"`
}

// AnswerPayload carries the callee's session description.
type AnswerPayload struct {
	ConversationID string                    `json:"conversationId"`
	Answer         webrtc.SessionDescription `json:"answer"`
	FromUserID     string                    `json:"fromUserId"`
}

// ICECandidatePayload carries one trickle ICE candidate.
type ICECandidatePayload struct {
	ConversationID string                  `json:"conversationId"`
	Candidate      webrtc.ICECandidateInit `json:"candidate"`
	FromUserID     string                  `json:"fromUserId"`
}

// HangupPayload ends the call for both sides.
type HangupPayload struct {
	ConversationID string `json:"conversationId"`
	FromUserID     string `json:"fromUserId"`
}

// CallRejectedPayload is sent by the callee when declining. ToUserID names
// the original caller.
type CallRejectedPayload struct {
	ConversationID string `json:"conversationId"`
	FromUserID     string `json:"fromUserId"`
	ToUserID       string `json:"toUserId"`
}

// ── Chat payloads ─────────────────────────────────────────────────────────────

// MessagePayload is used for both sendBookingMessage and
// receiveBookingMessage. ID is assigned by the server once persisted.
type MessagePayload struct {
	ID             string `json:"id,omitempty"`
	ConversationID string `json:"conversationId"`
	SenderID       string `json:"senderId"`
	Text           string `json:"text,omitempty"`
	FileURL        string `json:"fileUrl,omitempty"`
	FileName       string `json:"fileName,omitempty"`
	MessageType    string `json:"messageType"`
	Timestamp      int64  `json:"timestamp"` // unix milliseconds
}

// JoinPayload asks the server to add the sender to a conversation room.
type JoinPayload struct {
	ConversationID string `json:"conversationId"`
	UserID         string `json:"userId"`
}

// ErrorPayload reports a server-side problem with an inbound event.
type ErrorPayload struct {
	Event   string `json:"event"`
	Message string `json:"message"`
}
