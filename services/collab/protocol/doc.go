// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package protocol defines the wire protocol shared by canvas collaborators,
// the broadcast hub, and agent-run streams.
//
// # Frames
//
// Every frame is a JSON object with a required "type" discriminator. The
// collaboration channel carries the closed set of Message variants
// (join, presence, node_move, doc_edit, ...). Agent-run streams carry the
// RunEvent variants (status, progress, thinking, node_created, ...).
//
//	{"type":"node_move","id":"n1","x":10,"y":20,"from_user":"alice","timestamp":1718000000000}
//
// # Decode Boundary
//
// Decode and DecodeRunEvent are the only way frames become typed values.
// They reject unknown types, malformed JSON, and payloads that fail
// validation, so downstream code never checks field presence at the point
// of use. Frames sent by the server to clients must carry an originating
// actor ("from_user") for every type except presence, error, and ack;
// DecodeClientFrame relaxes that rule for frames the hub receives, because
// the hub stamps the actor itself.
//
// # Keep-alive
//
// Agent-run streams exchange bare "ping"/"pong" text frames. IsKeepAlive
// lets readers filter them before JSON decoding.
package protocol
