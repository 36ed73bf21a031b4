package protocol

import (
	"bytes"
	"encoding/binary"
	"errors"
	"testing"

	"github.com/muurk/tuyalan/internal/tuyacrypto"
)

var testKey = []byte("0123456789abcdef")

func u32ptr(v uint32) *uint32 { return &v }

// deviceCodec decodes frames the way a worker does: expecting return codes.
func deviceCodec(v Version, d DevType) *Codec {
	return NewCodec(v, d, testKey)
}

// clientCodec decodes frames the way a device does: no return codes.
func clientCodec(v Version, d DevType) *Codec {
	c := NewCodec(v, d, testKey)
	c.NoRetCode = true
	return c
}

func TestRoundTripDeviceFrames(t *testing.T) {
	payload := []byte(`{"dps":{"1":true,"2":"mode"}}`)

	tests := []struct {
		name    string
		version Version
		devType DevType
		frame   Frame
	}{
		{
			name:    "3.1 push",
			version: Version31,
			devType: DevTypeDefault,
			frame:   Frame{Seq: 3, Cmd: CmdDpPush, Payload: payload, RetCode: u32ptr(0)},
		},
		{
			name:    "3.3 push",
			version: Version33,
			devType: DevTypeDefault,
			frame:   Frame{Seq: 7, Cmd: CmdDpPush, Payload: payload, RetCode: u32ptr(0)},
		},
		{
			name:    "3.3 query response without version header",
			version: Version33,
			devType: DevTypeDefault,
			frame:   Frame{Seq: 8, Cmd: CmdDpQuery, Payload: payload, RetCode: u32ptr(0)},
		},
		{
			name:    "device22 push",
			version: Version33,
			devType: DevTypeDevice22,
			frame:   Frame{Seq: 9, Cmd: CmdDpPush, Payload: payload, RetCode: u32ptr(0)},
		},
		{
			name:    "3.4 push",
			version: Version34,
			devType: DevTypeDefault,
			frame:   Frame{Seq: 21, Cmd: CmdDpPush, Payload: payload, RetCode: u32ptr(0)},
		},
		{
			name:    "3.4 nonzero return code",
			version: Version34,
			devType: DevTypeDefault,
			frame:   Frame{Seq: 22, Cmd: CmdDpControl, Payload: payload, RetCode: u32ptr(1)},
		},
		{
			name:    "3.5 push",
			version: Version35,
			devType: DevTypeDefault,
			frame:   Frame{Seq: 40, Cmd: CmdDpPush, Payload: payload, RetCode: u32ptr(0)},
		},
		{
			name:    "3.3 empty heartbeat reply",
			version: Version33,
			devType: DevTypeDefault,
			frame:   Frame{Seq: 41, Cmd: CmdHeartBeat, RetCode: u32ptr(0)},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			enc := deviceCodec(tt.version, tt.devType)
			wire, err := enc.Encode(&tt.frame)
			if err != nil {
				t.Fatalf("Encode() error = %v", err)
			}

			dec := deviceCodec(tt.version, tt.devType)
			got, consumed, err := dec.Decode(wire)
			if err != nil {
				t.Fatalf("Decode() error = %v", err)
			}
			if got == nil {
				t.Fatal("Decode() returned no frame for a complete buffer")
			}
			if consumed != len(wire) {
				t.Errorf("consumed = %d, want %d", consumed, len(wire))
			}
			verifyFrame(t, got, &tt.frame)
		})
	}
}

func TestRoundTripClientFrames(t *testing.T) {
	payload := []byte(`{"gwId":"abc","devId":"abc","dps":{"1":false}}`)

	for _, version := range []Version{Version31, Version33, Version34, Version35} {
		t.Run(version.String(), func(t *testing.T) {
			frame := Frame{Seq: 1, Cmd: CmdDpControl, Payload: payload}
			wire, err := clientCodec(version, DevTypeDefault).Encode(&frame)
			if err != nil {
				t.Fatalf("Encode() error = %v", err)
			}

			got, _, err := clientCodec(version, DevTypeDefault).Decode(wire)
			if err != nil {
				t.Fatalf("Decode() error = %v", err)
			}
			if got == nil {
				t.Fatal("Decode() returned no frame")
			}
			if got.RetCode != nil {
				t.Errorf("client frame decoded with return code %d", *got.RetCode)
			}
			verifyFrame(t, got, &frame)
		})
	}
}

func verifyFrame(t *testing.T, got, want *Frame) {
	t.Helper()
	if got.Seq != want.Seq {
		t.Errorf("seq = %d, want %d", got.Seq, want.Seq)
	}
	if got.Cmd != want.Cmd {
		t.Errorf("cmd = %s, want %s", got.Cmd, want.Cmd)
	}
	if !bytes.Equal(got.Payload, want.Payload) {
		t.Errorf("payload = %q, want %q", got.Payload, want.Payload)
	}
	if (got.RetCode == nil) != (want.RetCode == nil) {
		t.Fatalf("retcode presence = %v, want %v", got.RetCode != nil, want.RetCode != nil)
	}
	if got.RetCode != nil && *got.RetCode != *want.RetCode {
		t.Errorf("retcode = %d, want %d", *got.RetCode, *want.RetCode)
	}
}

func TestDecodeDevice22NullHeader(t *testing.T) {
	// Device22 firmwares replace the "3.3" version prefix with null bytes.
	payload := []byte(`{"dps":{"1":true}}`)
	enc, err := tuyacrypto.EncryptECB(testKey, payload, true)
	if err != nil {
		t.Fatal(err)
	}

	body := make([]byte, 4+15+len(enc)) // retcode + null header + ciphertext
	copy(body[4+15:], enc)

	var wire []byte
	wire = binary.BigEndian.AppendUint32(wire, FramePrefix)
	wire = binary.BigEndian.AppendUint32(wire, 5)
	wire = binary.BigEndian.AppendUint32(wire, uint32(CmdDpPush))
	wire = binary.BigEndian.AppendUint32(wire, uint32(len(body)+8))
	wire = append(wire, body...)
	wire = binary.BigEndian.AppendUint32(wire, tuyacrypto.CRC32(wire))
	wire = binary.BigEndian.AppendUint32(wire, FrameSuffix)

	got, _, err := deviceCodec(Version33, DevTypeDevice22).Decode(wire)
	if err != nil {
		t.Fatalf("Decode() error = %v", err)
	}
	if got == nil {
		t.Fatal("Decode() returned no frame")
	}
	if !bytes.Equal(got.Payload, payload) {
		t.Errorf("payload = %q, want %q", got.Payload, payload)
	}
}

func TestDecode31SignedControlPayload(t *testing.T) {
	// 3.1 control responses carry "3.1" + digest + base64(ciphertext).
	c := deviceCodec(Version31, DevTypeDefault)
	out := deviceCodec(Version31, DevTypeDefault)
	frame := Frame{Seq: 2, Cmd: CmdDpControl, Payload: []byte(`{"dps":{"1":true}}`)}

	// Encode client-style (control payloads are signed), decode with a
	// client-aware peer.
	wire, err := c.Encode(&frame)
	if err != nil {
		t.Fatalf("Encode() error = %v", err)
	}
	out.NoRetCode = true
	got, _, err := out.Decode(wire)
	if err != nil {
		t.Fatalf("Decode() error = %v", err)
	}
	if got == nil {
		t.Fatal("Decode() returned no frame")
	}
	if !bytes.Equal(got.Payload, frame.Payload) {
		t.Errorf("payload = %q, want %q", got.Payload, frame.Payload)
	}
}

func TestDecodeIncompleteBuffers(t *testing.T) {
	frame := Frame{Seq: 1, Cmd: CmdDpPush, Payload: []byte(`{"dps":{}}`), RetCode: u32ptr(0)}
	wire, err := deviceCodec(Version33, DevTypeDefault).Encode(&frame)
	if err != nil {
		t.Fatal(err)
	}

	dec := deviceCodec(Version33, DevTypeDefault)
	for cut := 1; cut < len(wire); cut++ {
		f, consumed, err := dec.Decode(wire[:cut])
		if err != nil {
			t.Fatalf("Decode() of %d-byte prefix: unexpected error %v", cut, err)
		}
		if f != nil {
			t.Fatalf("Decode() of %d-byte prefix returned a frame", cut)
		}
		if consumed != 0 {
			t.Fatalf("Decode() of %d-byte prefix consumed %d bytes", cut, consumed)
		}
	}
}

func TestDecodeSkipsLeadingGarbage(t *testing.T) {
	frame := Frame{Seq: 6, Cmd: CmdDpPush, Payload: []byte(`{"dps":{"1":1}}`), RetCode: u32ptr(0)}
	wire, err := deviceCodec(Version33, DevTypeDefault).Encode(&frame)
	if err != nil {
		t.Fatal(err)
	}

	buf := append([]byte{0xDE, 0xAD, 0xBE, 0xEF, 0x00}, wire...)
	got, consumed, err := deviceCodec(Version33, DevTypeDefault).Decode(buf)
	if err != nil {
		t.Fatalf("Decode() error = %v", err)
	}
	if got == nil {
		t.Fatal("Decode() returned no frame")
	}
	if consumed != len(buf) {
		t.Errorf("consumed = %d, want %d", consumed, len(buf))
	}
	if got.Seq != 6 {
		t.Errorf("seq = %d, want 6", got.Seq)
	}
}

func TestDecodeLeavesTrailingBytes(t *testing.T) {
	c := deviceCodec(Version33, DevTypeDefault)
	f1 := Frame{Seq: 1, Cmd: CmdDpPush, Payload: []byte(`{"a":1}`), RetCode: u32ptr(0)}
	f2 := Frame{Seq: 2, Cmd: CmdDpPush, Payload: []byte(`{"b":2}`), RetCode: u32ptr(0)}
	w1, _ := c.Encode(&f1)
	w2, _ := c.Encode(&f2)

	buf := append(append([]byte(nil), w1...), w2...)
	dec := deviceCodec(Version33, DevTypeDefault)

	got1, consumed, err := dec.Decode(buf)
	if err != nil || got1 == nil {
		t.Fatalf("first Decode() = %v, %v", got1, err)
	}
	if consumed != len(w1) {
		t.Fatalf("first Decode() consumed %d, want %d", consumed, len(w1))
	}

	got2, consumed, err := dec.Decode(buf[consumed:])
	if err != nil || got2 == nil {
		t.Fatalf("second Decode() = %v, %v", got2, err)
	}
	if consumed != len(w2) || got2.Seq != 2 {
		t.Errorf("second frame seq=%d consumed=%d", got2.Seq, consumed)
	}
}

func TestDecodeCorruptFrames(t *testing.T) {
	mk33 := func() []byte {
		f := Frame{Seq: 1, Cmd: CmdDpPush, Payload: []byte(`{"dps":{}}`), RetCode: u32ptr(0)}
		w, _ := deviceCodec(Version33, DevTypeDefault).Encode(&f)
		return w
	}
	mk34 := func() []byte {
		f := Frame{Seq: 1, Cmd: CmdDpPush, Payload: []byte(`{"dps":{}}`), RetCode: u32ptr(0)}
		w, _ := deviceCodec(Version34, DevTypeDefault).Encode(&f)
		return w
	}

	tests := []struct {
		name    string
		version Version
		mutate  func([]byte) []byte
	}{
		{
			name:    "flipped crc",
			version: Version33,
			mutate: func(w []byte) []byte {
				w[len(w)-8] ^= 0xFF
				return w
			},
		},
		{
			name:    "flipped payload under crc",
			version: Version33,
			mutate: func(w []byte) []byte {
				w[HeaderSize+2] ^= 0xFF
				return w
			},
		},
		{
			name:    "bad suffix",
			version: Version33,
			mutate: func(w []byte) []byte {
				w[len(w)-1] = 0x00
				return w
			},
		},
		{
			name:    "oversized declared length",
			version: Version33,
			mutate: func(w []byte) []byte {
				binary.BigEndian.PutUint32(w[12:16], 0x00FFFFFF)
				return w
			},
		},
		{
			name:    "flipped hmac",
			version: Version34,
			mutate: func(w []byte) []byte {
				w[len(w)-10] ^= 0xFF
				return w
			},
		},
		{
			name:    "flipped ciphertext under hmac",
			version: Version34,
			mutate: func(w []byte) []byte {
				w[HeaderSize+1] ^= 0xFF
				return w
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var wire []byte
			if tt.version == Version34 {
				wire = mk34()
			} else {
				wire = mk33()
			}
			wire = tt.mutate(wire)

			f, _, err := deviceCodec(tt.version, DevTypeDefault).Decode(wire)
			if err == nil {
				t.Fatalf("Decode() accepted corrupt frame: %v", f)
			}
			var codecErr *CodecError
			if !errors.As(err, &codecErr) {
				t.Errorf("error type = %T, want *CodecError", err)
			}
		})
	}
}

func TestDecodeWrongKeyFails(t *testing.T) {
	frame := Frame{Seq: 1, Cmd: CmdDpPush, Payload: []byte(`{"dps":{}}`), RetCode: u32ptr(0)}
	wire, err := deviceCodec(Version34, DevTypeDefault).Encode(&frame)
	if err != nil {
		t.Fatal(err)
	}

	wrong := NewCodec(Version34, DevTypeDefault, []byte("fedcba9876543210"))
	if f, _, err := wrong.Decode(wire); err == nil {
		t.Fatalf("Decode() with wrong key succeeded: %v", f)
	}
}

func TestDecodeVersionDecidesTrailer(t *testing.T) {
	// A 3.4 frame must not decode on a 3.3 codec even though prefix,
	// suffix, and header all parse: the trailer shape is chosen by the
	// configured version, never sniffed from the wire.
	frame := Frame{Seq: 1, Cmd: CmdDpPush, Payload: []byte(`{"dps":{}}`), RetCode: u32ptr(0)}
	wire, err := deviceCodec(Version34, DevTypeDefault).Encode(&frame)
	if err != nil {
		t.Fatal(err)
	}

	if f, _, err := deviceCodec(Version33, DevTypeDefault).Decode(wire); err == nil {
		t.Fatalf("3.3 codec accepted a 3.4 frame: %v", f)
	}
}

func TestEncodeRejectsOversizedPayload(t *testing.T) {
	frame := Frame{Seq: 1, Cmd: CmdDpPush, Payload: make([]byte, MaxPayloadSize+1)}
	if _, err := clientCodec(Version33, DevTypeDefault).Encode(&frame); err == nil {
		t.Error("Encode() accepted an oversized payload")
	}
}

func TestDecodeGarbageOnlyBuffer(t *testing.T) {
	buf := bytes.Repeat([]byte{0x42}, 64)
	f, skip, err := deviceCodec(Version33, DevTypeDefault).Decode(buf)
	if err != nil || f != nil {
		t.Fatalf("Decode() = %v, %v", f, err)
	}
	if skip < len(buf)-3 {
		t.Errorf("skip = %d, want at least %d", skip, len(buf)-3)
	}
}
