package protocol

import "fmt"

// Command identifies a LAN protocol message type.
type Command uint32

// Command codes used on the TCP control channel and UDP discovery ports.
const (
	CmdDpControl         Command = 0x07 // set data points
	CmdDpRefresh         Command = 0x08 // force a refresh of cached data points
	CmdHeartBeat         Command = 0x09 // keepalive, both directions
	CmdDpQuery           Command = 0x0A // query data points
	CmdDpQueryNew        Command = 0x0D // query data points, 3.4+ and device22
	CmdSessNegotiate     Command = 0x0E // session key negotiation start
	CmdSessNegotiateResp Command = 0x10 // session key negotiation response
	CmdDpPush            Command = 0x11 // device-initiated status push
	CmdSessKeyNegFinish  Command = 0x12 // session key negotiation finish
	CmdUdpNew            Command = 0x13 // encrypted discovery beacon
	CmdSubDevList        Command = 0x15 // gateway sub-device list exchange
	CmdSubDpQuery        Command = 0x22 // query sub-device data points
)

// noVersionHeaderCmds are sent without the 15-byte version header at 3.3.
// Queries, heartbeats, and the session handshake carry bare payloads.
var noVersionHeaderCmds = map[Command]bool{
	CmdDpQuery:           true,
	CmdDpQueryNew:        true,
	CmdDpRefresh:         true,
	CmdHeartBeat:         true,
	CmdSessNegotiate:     true,
	CmdSessNegotiateResp: true,
	CmdSessKeyNegFinish:  true,
	CmdSubDevList:        true,
	CmdSubDpQuery:        true,
}

// noRetCodeCmds never carry a return code on inbound frames. The session
// negotiation response is defined as raw nonce material.
var noRetCodeCmds = map[Command]bool{
	CmdSessNegotiate:     true,
	CmdSessNegotiateResp: true,
	CmdSessKeyNegFinish:  true,
}

// UsesVersionHeader reports whether cmd payloads get the 15-byte version
// header at protocol 3.3.
func (c Command) UsesVersionHeader() bool {
	return !noVersionHeaderCmds[c]
}

// String returns a human-readable name for the command
func (c Command) String() string {
	switch c {
	case CmdDpControl:
		return "DpControl"
	case CmdDpRefresh:
		return "DpRefresh"
	case CmdHeartBeat:
		return "HeartBeat"
	case CmdDpQuery:
		return "DpQuery"
	case CmdDpQueryNew:
		return "DpQueryNew"
	case CmdSessNegotiate:
		return "SessNegotiate"
	case CmdSessNegotiateResp:
		return "SessNegotiateResp"
	case CmdDpPush:
		return "DpPush"
	case CmdSessKeyNegFinish:
		return "SessKeyNegFinish"
	case CmdUdpNew:
		return "UdpNew"
	case CmdSubDevList:
		return "SubDevList"
	case CmdSubDpQuery:
		return "SubDpQuery"
	default:
		return fmt.Sprintf("Command(0x%02x)", uint32(c))
	}
}
