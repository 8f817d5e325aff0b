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

package rcproto

import (
	"bytes"
	"errors"
	"testing"
	"time"
)

func TestMessage_RoundTrip(t *testing.T) {
	m := &Message{Msg: KindSet, MsgID: 42, Tgt: "bpf", KeyVals: map[string]string{"k": "v"}}
	var buf bytes.Buffer
	if err := WriteMessage(&buf, m); err != nil {
		t.Fatalf("WriteMessage: %v", err)
	}
	got, err := ReadMessage(&buf)
	if err != nil {
		t.Fatalf("ReadMessage: %v", err)
	}
	if got.Msg != m.Msg || got.MsgID != m.MsgID || got.Tgt != m.Tgt || got.KeyVals["k"] != "v" {
		t.Fatalf("round-trip mismatch: got %+v, want %+v", got, m)
	}
}

func TestReadMessage_RejectsOversizedFrame(t *testing.T) {
	var buf bytes.Buffer
	var hdr [4]byte
	hdr[0] = 0xFF // absurd length
	buf.Write(hdr[:])
	if _, err := ReadMessage(&buf); err == nil {
		t.Fatal("expected an error for an oversized frame length")
	}
}

func TestNewSetReply_ErrorCaseDoesNotClaimSuccess(t *testing.T) {
	m := NewSetReply(1, errors.New("boom"))
	if m.Success == nil || *m.Success {
		t.Fatal("setreply for an error must report success:false")
	}
	if m.ErrMsg != "boom" {
		t.Fatalf("errmsg = %q, want %q", m.ErrMsg, "boom")
	}
}

func TestSubscriptionRegistry_StopAllWithEmptyList(t *testing.T) {
	r := NewSubscriptionRegistry()
	r.Add(&PushSubscription{MsgID: 1, Interval: time.Second})
	r.Add(&PushSubscription{MsgID: 2, Interval: time.Second})
	r.Stop(nil)
	if r.Len() != 0 {
		t.Fatalf("Stop(nil) must cancel all subscriptions, %d remain", r.Len())
	}
}

func TestSubscriptionRegistry_DueRespectsInterval(t *testing.T) {
	r := NewSubscriptionRegistry()
	r.Add(&PushSubscription{MsgID: 1, Interval: time.Minute, LastSent: time.Now()})
	if due := r.Due(time.Now()); len(due) != 0 {
		t.Fatalf("Due = %d, want 0 before interval elapses", len(due))
	}
	due := r.Due(time.Now().Add(2 * time.Minute))
	if len(due) != 1 {
		t.Fatalf("Due = %d, want 1 after interval elapses", len(due))
	}
}
