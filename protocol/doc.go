// Package protocol implements the Tuya LAN wire protocol.
//
// It covers frame encoding and decoding for protocol versions 3.1, 3.3,
// 3.4, and 3.5 (plus the device22 dialect of 3.3), and the session key
// negotiation math used by 3.4 and 3.5.
//
// Every frame is bracketed by the 0x000055AA prefix and 0x0000AA55 suffix.
// Versions up to 3.3 protect frames with a CRC32 trailer and encrypt
// payloads with AES-128-ECB under the device local key. Versions 3.4 and
// 3.5 negotiate a session key first, sign frames with HMAC-SHA256, and
// encrypt with AES-128-ECB (3.4) or AES-128-GCM (3.5).
//
// The Codec is a pull parser: feed it a growing byte buffer and it either
// returns a complete decoded Frame, asks for more data, or reports the
// frame corrupt. Which trailer shape to expect is decided purely by the
// codec's configured version; the decoder never guesses the version from
// wire contents.
package protocol
