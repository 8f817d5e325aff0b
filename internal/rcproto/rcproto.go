// Copyright 2025 Esteban Alvarez. All Rights Reserved.
//
// Created: October 2025
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package rcproto implements the remote-control wire protocol:
// length-delimited JSON over TCP, with set/get/push message
// kinds addressed at a node's named targets (bpf, udp_proxy, tcp_proxy,
// pc:<n>).
package rcproto

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
)

// Kind is the `msg` discriminant of a remote-control message.
type Kind string

const (
	KindSet       Kind = "set"
	KindSetReply  Kind = "setreply"
	KindGet       Kind = "get"
	KindGetReply  Kind = "getreply"
	KindPushReq   Kind = "pushreq"
	KindPush      Kind = "push"
	KindPushError Kind = "pusherror"
	KindPushStop  Kind = "pushstop"
	KindClose     Kind = "close"
)

// Message is the envelope for every remote-control frame. Fields are
// tagged `omitempty` so each Kind serializes only the fields it uses.
type Message struct {
	Msg     Kind              `json:"msg"`
	MsgID   int64             `json:"msgid,omitempty"`
	Tgt     string            `json:"tgt,omitempty"`
	KeyVals map[string]string `json:"keyvals,omitempty"`
	Keys    []string          `json:"keys,omitempty"`
	Success *bool             `json:"success,omitempty"`
	ErrMsg  string            `json:"errmsg,omitempty"`
	IntvMs  int64             `json:"intv,omitempty"`
	Options map[string]string `json:"options,omitempty"`
	ToStop  []int64           `json:"to_stop,omitempty"`
}

// maxFrameLen bounds a single frame's JSON body; a length prefix beyond
// this is treated as malformed input rather than trusted verbatim.
const maxFrameLen = 16 << 20

// WriteMessage frames m as a 4-byte big-endian length followed by its
// JSON body and writes it to w.
func WriteMessage(w io.Writer, m *Message) error {
	body, err := json.Marshal(m)
	if err != nil {
		return fmt.Errorf("rcproto: marshal %s: %w", m.Msg, err)
	}
	var hdr [4]byte
	binary.BigEndian.PutUint32(hdr[:], uint32(len(body)))
	if _, err := w.Write(hdr[:]); err != nil {
		return fmt.Errorf("rcproto: write length header: %w", err)
	}
	if _, err := w.Write(body); err != nil {
		return fmt.Errorf("rcproto: write body: %w", err)
	}
	return nil
}

// ReadMessage reads one length-delimited JSON frame from r. A
// malformed or oversized frame is reported as an error without
// consuming an indeterminate amount of the stream beyond the declared
// length.
func ReadMessage(r io.Reader) (*Message, error) {
	var hdr [4]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return nil, err
	}
	n := binary.BigEndian.Uint32(hdr[:])
	if n > maxFrameLen {
		return nil, fmt.Errorf("rcproto: frame length %d exceeds max %d", n, maxFrameLen)
	}
	body := make([]byte, n)
	if _, err := io.ReadFull(r, body); err != nil {
		return nil, fmt.Errorf("rcproto: read body: %w", err)
	}
	var m Message
	if err := json.Unmarshal(body, &m); err != nil {
		return nil, fmt.Errorf("rcproto: unmarshal: %w", err)
	}
	return &m, nil
}

func boolPtr(b bool) *bool { return &b }

// NewSetReply builds a setreply echoing msgid, with success:false and
// errmsg set on failure; rejected sets never mutate state before
// replying.
func NewSetReply(msgid int64, err error) *Message {
	if err != nil {
		return &Message{Msg: KindSetReply, MsgID: msgid, Success: boolPtr(false), ErrMsg: err.Error()}
	}
	return &Message{Msg: KindSetReply, MsgID: msgid, Success: boolPtr(true)}
}

// NewGetReply builds a getreply carrying either keyvals or an error.
func NewGetReply(msgid int64, kv map[string]string, err error) *Message {
	if err != nil {
		return &Message{Msg: KindGetReply, MsgID: msgid, Success: boolPtr(false), ErrMsg: err.Error()}
	}
	return &Message{Msg: KindGetReply, MsgID: msgid, Success: boolPtr(true), KeyVals: kv}
}

// NewPush builds an unsolicited push carrying the subscribed keys'
// current values for msgid's pushreq subscription.
func NewPush(msgid int64, kv map[string]string) *Message {
	return &Message{Msg: KindPush, MsgID: msgid, KeyVals: kv}
}

// NewPushError builds a pusherror for a subscription that can no
// longer be serviced.
func NewPushError(msgid int64, err error) *Message {
	return &Message{Msg: KindPushError, MsgID: msgid, ErrMsg: err.Error()}
}
