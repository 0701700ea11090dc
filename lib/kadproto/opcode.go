// Copyright (C) 2026 The Syncthing Authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this file,
// You can obtain one at https://mozilla.org/MPL/2.0/.

package kadproto

import "fmt"

// Protocol bytes, the first byte of every datagram.
const (
	ProtoEmule          byte = 0xC5
	ProtoKademlia       byte = 0xE4
	ProtoKademliaPacked byte = 0xE5
)

type Opcode uint8

const (
	OpBootstrapReqV0     Opcode = 0x00
	OpBootstrapReq       Opcode = 0x01
	OpBootstrapResV0     Opcode = 0x08
	OpBootstrapRes       Opcode = 0x09
	OpHelloReqV0         Opcode = 0x10
	OpHelloReq           Opcode = 0x11
	OpHelloResV0         Opcode = 0x18
	OpHelloRes           Opcode = 0x19
	OpReqV0              Opcode = 0x20
	OpReq                Opcode = 0x21
	OpHelloResAck        Opcode = 0x22
	OpResV0              Opcode = 0x28
	OpRes                Opcode = 0x29
	OpSearchReqV1        Opcode = 0x30
	OpSearchNotesReqV1   Opcode = 0x32
	OpSearchKeyReq       Opcode = 0x33
	OpSearchSourceReq    Opcode = 0x34
	OpSearchNotesReq     Opcode = 0x35
	OpSearchResV1        Opcode = 0x38
	OpSearchNotesResV1   Opcode = 0x3A
	OpSearchRes          Opcode = 0x3B
	OpPublishReqV1       Opcode = 0x40
	OpPublishNotesReqV0  Opcode = 0x42
	OpPublishKeyReq      Opcode = 0x43
	OpPublishSourceReq   Opcode = 0x44
	OpPublishNotesReq    Opcode = 0x45
	OpPublishResV1       Opcode = 0x48
	OpPublishNotesResV0  Opcode = 0x4A
	OpPublishRes         Opcode = 0x4B
	OpPublishResAck      Opcode = 0x4C
	OpFirewalledReqV1    Opcode = 0x50
	OpFindBuddyReqV1     Opcode = 0x51
	OpCallbackReqV1      Opcode = 0x52
	OpFirewalled2ReqV1   Opcode = 0x53
	OpFirewalledResV1    Opcode = 0x58
	OpFirewalledAckResV1 Opcode = 0x59
	OpFindBuddyResV1     Opcode = 0x5A
	OpPing               Opcode = 0x60
	OpPong               Opcode = 0x61
	OpFirewallUDP        Opcode = 0x62
)

var opcodeNames = map[Opcode]string{
	OpBootstrapReqV0:     "BOOTSTRAP_REQ_V0",
	OpBootstrapReq:       "BOOTSTRAP_REQ",
	OpBootstrapResV0:     "BOOTSTRAP_RES_V0",
	OpBootstrapRes:       "BOOTSTRAP_RES",
	OpHelloReqV0:         "HELLO_REQ_V0",
	OpHelloReq:           "HELLO_REQ",
	OpHelloResV0:         "HELLO_RES_V0",
	OpHelloRes:           "HELLO_RES",
	OpReqV0:              "REQ_V0",
	OpReq:                "REQ",
	OpHelloResAck:        "HELLO_RES_ACK",
	OpResV0:              "RES_V0",
	OpRes:                "RES",
	OpSearchReqV1:        "SEARCH_REQ_V1",
	OpSearchNotesReqV1:   "SEARCH_NOTES_REQ_V1",
	OpSearchKeyReq:       "SEARCH_KEY_REQ",
	OpSearchSourceReq:    "SEARCH_SOURCE_REQ",
	OpSearchNotesReq:     "SEARCH_NOTES_REQ",
	OpSearchResV1:        "SEARCH_RES_V1",
	OpSearchNotesResV1:   "SEARCH_NOTES_RES_V1",
	OpSearchRes:          "SEARCH_RES",
	OpPublishReqV1:       "PUBLISH_REQ_V1",
	OpPublishNotesReqV0:  "PUBLISH_NOTES_REQ_V0",
	OpPublishKeyReq:      "PUBLISH_KEY_REQ",
	OpPublishSourceReq:   "PUBLISH_SOURCE_REQ",
	OpPublishNotesReq:    "PUBLISH_NOTES_REQ",
	OpPublishResV1:       "PUBLISH_RES_V1",
	OpPublishNotesResV0:  "PUBLISH_NOTES_RES_V0",
	OpPublishRes:         "PUBLISH_RES",
	OpPublishResAck:      "PUBLISH_RES_ACK",
	OpFirewalledReqV1:    "FIREWALLED_REQ_V1",
	OpFindBuddyReqV1:     "FINDBUDDY_REQ_V1",
	OpCallbackReqV1:      "CALLBACK_REQ_V1",
	OpFirewalled2ReqV1:   "FIREWALLED2_REQ_V1",
	OpFirewalledResV1:    "FIREWALLED_RES_V1",
	OpFirewalledAckResV1: "FIREWALLED_ACK_RES_V1",
	OpFindBuddyResV1:     "FINDBUDDY_RES_V1",
	OpPing:               "PING",
	OpPong:               "PONG",
	OpFirewallUDP:        "FIREWALLUDP",
}

func (o Opcode) String() string {
	if s, ok := opcodeNames[o]; ok {
		return s
	}
	return fmt.Sprintf("UNKNOWN(0x%02x)", uint8(o))
}

// handled reports whether the opcode decodes to a dedicated message type
// rather than Unknown.
func (o Opcode) handled() bool {
	switch o {
	case OpBootstrapReq, OpBootstrapRes, OpHelloReq, OpHelloRes, OpReq, OpRes, OpPing, OpPong:
		return true
	}
	return false
}
