package tuyalan

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/muurk/tuyalan/protocol"
)

// JSON keys used in command envelopes.
const (
	keyGwID     = "gwId"
	keyDevID    = "devId"
	keyUID      = "uid"
	keyT        = "t"
	keyDPS      = "dps"
	keyCID      = "cid"
	keyCType    = "ctype"
	keyData     = "data"
	keyProtocol = "protocol"
	keyReqType  = "reqType"
)

// reqTypeSubDiscover asks a gateway for the online state of its sub-devices.
const reqTypeSubDiscover = "subdev_online_stat_query"

// nestedEnvelopeProtocol is the "protocol" discriminator devices expect in
// the 3.4+ nested envelope.
const nestedEnvelopeProtocol = 5

// buildPayload assembles the JSON envelope for an outbound command and
// applies version- and dialect-specific command substitution.
//
// data is marshalled under "dps" (or, for 3.4+ gateway list exchanges,
// merged into the nested "data" object); nil means no data. cid routes the
// command to a sub-device.
func buildPayload(cfg *DeviceConfig, cmd protocol.Command, data any, cid, reqType string, now time.Time) (protocol.Command, []byte, error) {
	version := cfg.Version
	devType := cfg.DevType
	t := now.Unix()

	// Newer stacks and device22 firmwares answer DpQueryNew only.
	if cmd == protocol.CmdDpQuery && (version.HasSession() || devType == protocol.DevTypeDevice22) {
		cmd = protocol.CmdDpQueryNew
	}
	// Device22 queries need a null data point filler to elicit a response.
	if devType == protocol.DevTypeDevice22 && cmd == protocol.CmdDpQueryNew && data == nil {
		data = map[string]any{"1": nil}
	}

	envelope := map[string]any{}

	nested := version.HasSession() &&
		(cmd == protocol.CmdDpControl || cmd == protocol.CmdSubDevList)
	if nested {
		envelope[keyProtocol] = nestedEnvelopeProtocol
		envelope[keyT] = t

		inner := map[string]any{}
		if cid != "" {
			inner[keyCID] = cid
			inner[keyCType] = 0
		}
		if data != nil {
			if cmd == protocol.CmdSubDevList {
				merged, err := asObject(data)
				if err != nil {
					return cmd, nil, err
				}
				for k, v := range merged {
					inner[k] = v
				}
			} else {
				inner[keyDPS] = data
			}
		}
		envelope[keyData] = inner
	} else {
		envelope[keyGwID] = cfg.ID
		envelope[keyDevID] = cfg.ID
		envelope[keyUID] = cfg.ID
		envelope[keyT] = fmt.Sprintf("%d", t)
		if cid != "" {
			envelope[keyCID] = cid
			envelope[keyDevID] = cid
		}
		if data != nil {
			envelope[keyDPS] = data
		}
	}

	if reqType != "" {
		envelope[keyReqType] = reqType
	}

	raw, err := json.Marshal(envelope)
	if err != nil {
		return cmd, nil, NewInvalidConfigError(fmt.Sprintf("cannot marshal command data: %v", err))
	}
	return cmd, raw, nil
}

// heartbeatPayload is the minimal envelope sent with HeartBeat frames.
func heartbeatPayload(id string) []byte {
	raw, _ := json.Marshal(map[string]string{keyGwID: id, keyDevID: id})
	return raw
}

// asObject coerces data into a JSON object map.
func asObject(data any) (map[string]any, error) {
	if m, ok := data.(map[string]any); ok {
		return m, nil
	}
	raw, err := json.Marshal(data)
	if err != nil {
		return nil, NewInvalidConfigError(fmt.Sprintf("cannot marshal command data: %v", err))
	}
	var m map[string]any
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, NewInvalidConfigError("gateway list data must be a JSON object")
	}
	return m, nil
}
