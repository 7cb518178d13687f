// Package protocol defines the wire vocabulary of the interbank transfer
// protocol: the signed envelope carried by every message and the ACK/NACK
// response both sides exchange. The transport tolerates at-least-once
// delivery; safety comes from the transfer id, the nonce and the signature,
// not from the transport.
package protocol

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strconv"
	"strings"
)

// MessageType identifies a protocol phase.
type MessageType string

const (
	TypePrepare MessageType = "PREPARE"
	TypeCommit  MessageType = "COMMIT"
	TypeAbort   MessageType = "ABORT"
	TypeQuery   MessageType = "QUERY"
)

// Result is the participant's verdict on a message.
type Result string

const (
	ResultAck  Result = "ACK"
	ResultNack Result = "NACK"
)

// DecisionState is the participant-side state recorded for a transfer id.
type DecisionState string

const (
	StateNone     DecisionState = "NONE"
	StateReserved DecisionState = "RESERVED"
	StateApplied  DecisionState = "APPLIED"
	StateReleased DecisionState = "RELEASED"
)

// Envelope is the signed wire form of a protocol message. Amount and the
// destination account id are only populated for PREPARE.
type Envelope struct {
	Type                 MessageType `json:"type"`
	TransferID           string      `json:"transfer_id"`
	Sender               string      `json:"sender"`
	Nonce                string      `json:"nonce"`
	DestinationAccountID string      `json:"destination_account_id,omitempty"`
	Amount               int64       `json:"amount,omitempty"`
	Signature            string      `json:"signature"`
}

// SigningPayload returns the canonical byte form of the fields covered by the
// signature (everything except the nonce and transfer id, which are appended
// separately, and the signature itself).
func (e Envelope) SigningPayload() []byte {
	fields := []string{
		string(e.Type),
		e.Sender,
		e.DestinationAccountID,
		strconv.FormatInt(e.Amount, 10),
	}
	return []byte(strings.Join(fields, "\n"))
}

// Digest fingerprints the full message content. The participant stores it per
// (sender, transfer id, nonce): an identical resend replays the recorded
// response, a differing digest on a seen nonce is a forged replay.
func (e Envelope) Digest() string {
	sum := sha256.Sum256(append(e.SigningPayload(), []byte("\n"+e.Nonce+"\n"+e.TransferID)...))
	return hex.EncodeToString(sum[:])
}

// Validate performs structural checks that precede any signature work.
// Payload-level problems (bad amount, unknown account) are protocol NACKs,
// not envelope errors.
func (e Envelope) Validate() error {
	switch e.Type {
	case TypePrepare, TypeCommit, TypeAbort, TypeQuery:
	default:
		return fmt.Errorf("unknown message type %q", e.Type)
	}
	if e.TransferID == "" {
		return fmt.Errorf("missing transfer id")
	}
	if e.Sender == "" {
		return fmt.Errorf("missing sender")
	}
	if e.Nonce == "" {
		return fmt.Errorf("missing nonce")
	}
	return nil
}

// Response is the participant's reply to a protocol message.
type Response struct {
	Result     Result        `json:"result"`
	TransferID string        `json:"transfer_id"`
	State      DecisionState `json:"state"`
	Reason     string        `json:"reason,omitempty"`
}
