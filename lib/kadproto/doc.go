// Copyright (C) 2026 The Syncthing Authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this file,
// You can obtain one at https://mozilla.org/MPL/2.0/.

// Package kadproto implements the UDP wire format of the eMule Kad network.
//
// A datagram starts with a protocol byte, 0xE4 for a plain body or 0xE5 for
// a zlib compressed one, followed by the opcode. Both framings share one
// message grammar; the framing a datagram arrived in is reported alongside
// the decoded message. All integers are little endian.
package kadproto
