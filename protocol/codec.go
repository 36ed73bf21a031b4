package protocol

import (
	"bytes"
	"crypto/rand"
	"encoding/base64"
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/muurk/tuyalan/internal/tuyacrypto"
)

// versionHeaderSize is the version prefix ("3.3" + 12 zero bytes) some
// payloads carry before the ciphertext.
const versionHeaderSize = 15

// signedPrefixSize is the "3.1" + 16 hex digest characters prefix on 3.1
// control payloads.
const signedPrefixSize = 19

// Codec encodes and decodes frames for one negotiated protocol version.
//
// A Codec is owned by a single connection and is not safe for concurrent
// use. The key starts as the device local key and is swapped for the
// session key once the 3.4/3.5 handshake completes.
type Codec struct {
	version Version
	devType DevType
	key     []byte

	// NoRetCode disables return-code extraction on decode. Frames sent by
	// devices always carry a return code (in the clear before the payload
	// up to 3.3, inside the ciphertext from 3.4); frames sent by clients
	// never do. A codec decoding client traffic (a test peer) sets this.
	NoRetCode bool

	// ivTail is the per-session counter forming the low 8 bytes of the
	// 3.5 GCM nonce; the sequence number forms the high 4.
	ivTail uint64
}

// NewCodec creates a codec for the given version, device type, and key.
func NewCodec(version Version, devType DevType, key []byte) *Codec {
	c := &Codec{
		version: version,
		devType: devType,
		key:     append([]byte(nil), key...),
	}
	var seed [8]byte
	if _, err := rand.Read(seed[:]); err == nil {
		c.ivTail = binary.BigEndian.Uint64(seed[:])
	}
	return c
}

// Version returns the codec's protocol version.
func (c *Codec) Version() Version { return c.version }

// DevType returns the codec's device dialect.
func (c *Codec) DevType() DevType { return c.devType }

// SetKey replaces the frame key (local key -> session key after handshake).
func (c *Codec) SetKey(key []byte) {
	c.key = append([]byte(nil), key...)
}

// Encode serializes a frame for the wire.
func (c *Codec) Encode(f *Frame) ([]byte, error) {
	switch c.version {
	case Version31:
		return c.encodeLegacy(f, c.payload31(f))
	case Version33:
		return c.encodeLegacy(f, c.payload33(f))
	case Version34:
		return c.encode34(f)
	case Version35:
		return c.encode35(f)
	default:
		return nil, &CodecError{Reason: "version", Err: fmt.Errorf("cannot encode with version %s", c.version)}
	}
}

// payload31 builds the 3.1 wire payload: signed base64 ciphertext for
// control frames, raw JSON otherwise.
func (c *Codec) payload31(f *Frame) func() ([]byte, error) {
	return func() ([]byte, error) {
		if f.Cmd != CmdDpControl {
			return append([]byte(nil), f.Payload...), nil
		}
		enc, err := tuyacrypto.EncryptECB(c.key, f.Payload, true)
		if err != nil {
			return nil, err
		}
		b64 := base64.StdEncoding.EncodeToString(enc)
		sig := tuyacrypto.MD5Hex([]byte("data=" + b64 + "||lpv=3.1||" + string(c.key)))
		out := make([]byte, 0, signedPrefixSize+len(b64))
		out = append(out, "3.1"...)
		out = append(out, sig[8:24]...)
		out = append(out, b64...)
		return out, nil
	}
}

// payload33 builds the 3.3 / device22 wire payload: ECB ciphertext with a
// version header on non-query commands. The device22 dialect is identical
// outbound.
func (c *Codec) payload33(f *Frame) func() ([]byte, error) {
	return func() ([]byte, error) {
		enc, err := tuyacrypto.EncryptECB(c.key, f.Payload, true)
		if err != nil {
			return nil, err
		}
		if !f.Cmd.UsesVersionHeader() {
			return enc, nil
		}
		out := make([]byte, versionHeaderSize+len(enc))
		copy(out, c.version.headerBytes())
		copy(out[versionHeaderSize:], enc)
		return out, nil
	}
}

// encodeLegacy frames a 3.1/3.3 payload with the CRC trailer. A non-nil
// RetCode is written in the clear between header and payload, as devices do.
func (c *Codec) encodeLegacy(f *Frame, build func() ([]byte, error)) ([]byte, error) {
	payload, err := build()
	if err != nil {
		return nil, &CodecError{Reason: "encrypt", Err: err}
	}
	retLen := 0
	if f.RetCode != nil {
		retLen = 4
	}
	if len(payload)+retLen > MaxPayloadSize {
		return nil, &CodecError{Reason: "length", Err: fmt.Errorf("payload %d bytes exceeds maximum", len(payload))}
	}

	bodyLen := retLen + len(payload) + crcTrailerSize
	out := make([]byte, 0, HeaderSize+bodyLen)
	out = appendHeader(out, f.Seq, uint32(f.Cmd), uint32(bodyLen))
	if f.RetCode != nil {
		out = binary.BigEndian.AppendUint32(out, *f.RetCode)
	}
	out = append(out, payload...)
	out = binary.BigEndian.AppendUint32(out, tuyacrypto.CRC32(out))
	out = binary.BigEndian.AppendUint32(out, FrameSuffix)
	return out, nil
}

// encode34 frames an ECB payload with the HMAC trailer. The return code,
// when present, is encrypted along with the payload.
func (c *Codec) encode34(f *Frame) ([]byte, error) {
	plain := f.Payload
	if f.RetCode != nil {
		plain = make([]byte, 4+len(f.Payload))
		binary.BigEndian.PutUint32(plain, *f.RetCode)
		copy(plain[4:], f.Payload)
	}
	enc, err := tuyacrypto.EncryptECB(c.key, plain, true)
	if err != nil {
		return nil, &CodecError{Reason: "encrypt", Err: err}
	}
	if len(enc) > MaxPayloadSize {
		return nil, &CodecError{Reason: "length", Err: fmt.Errorf("payload %d bytes exceeds maximum", len(enc))}
	}

	bodyLen := len(enc) + hmacTrailerSize
	out := make([]byte, 0, HeaderSize+bodyLen)
	out = appendHeader(out, f.Seq, uint32(f.Cmd), uint32(bodyLen))
	out = append(out, enc...)
	out = append(out, tuyacrypto.HMACSHA256(c.key, out)...)
	out = binary.BigEndian.AppendUint32(out, FrameSuffix)
	return out, nil
}

// encode35 frames a GCM payload (nonce || ciphertext || tag) with the HMAC
// trailer. The frame header is bound into the GCM tag as AAD.
func (c *Codec) encode35(f *Frame) ([]byte, error) {
	plain := f.Payload
	if f.RetCode != nil {
		plain = make([]byte, 4+len(f.Payload))
		binary.BigEndian.PutUint32(plain, *f.RetCode)
		copy(plain[4:], f.Payload)
	}

	encLen := tuyacrypto.GCMNonceSize + len(plain) + tuyacrypto.GCMTagSize
	if encLen > MaxPayloadSize {
		return nil, &CodecError{Reason: "length", Err: fmt.Errorf("payload %d bytes exceeds maximum", encLen)}
	}
	bodyLen := encLen + hmacTrailerSize

	out := make([]byte, 0, HeaderSize+bodyLen)
	out = appendHeader(out, f.Seq, uint32(f.Cmd), uint32(bodyLen))

	nonce := c.nextNonce(f.Seq)
	sealed, err := tuyacrypto.SealGCM(c.key, nonce, out[:HeaderSize], plain)
	if err != nil {
		return nil, &CodecError{Reason: "encrypt", Err: err}
	}
	out = append(out, nonce...)
	out = append(out, sealed...)
	out = append(out, tuyacrypto.HMACSHA256(c.key, out)...)
	out = binary.BigEndian.AppendUint32(out, FrameSuffix)
	return out, nil
}

// nextNonce derives the 12-byte GCM nonce: sequence number plus the
// monotonically increasing session counter.
func (c *Codec) nextNonce(seq uint32) []byte {
	nonce := make([]byte, tuyacrypto.GCMNonceSize)
	binary.BigEndian.PutUint32(nonce, seq)
	binary.BigEndian.PutUint64(nonce[4:], c.ivTail)
	c.ivTail++
	return nonce
}

func appendHeader(out []byte, seq, cmd, length uint32) []byte {
	out = binary.BigEndian.AppendUint32(out, FramePrefix)
	out = binary.BigEndian.AppendUint32(out, seq)
	out = binary.BigEndian.AppendUint32(out, cmd)
	out = binary.BigEndian.AppendUint32(out, length)
	return out
}

// Decode pulls the next frame out of buf.
//
// It returns the decoded frame and the number of bytes consumed. When buf
// holds no complete frame yet, it returns (nil, skip, nil) where skip
// counts leading bytes that cannot begin a frame and may be discarded; the
// caller keeps the rest and reads more. A corrupt frame yields a
// *CodecError and the caller should close the connection. Decode never
// examines bytes beyond the declared frame length.
func (c *Codec) Decode(buf []byte) (*Frame, int, error) {
	start := scanPrefix(buf)
	if start < 0 {
		// No prefix candidate; everything but a possible partial prefix
		// at the tail is garbage.
		skip := len(buf) - 3
		if skip < 0 {
			skip = 0
		}
		return nil, skip, nil
	}
	if len(buf)-start < HeaderSize {
		return nil, start, nil
	}

	hdr := buf[start : start+HeaderSize]
	seq := binary.BigEndian.Uint32(hdr[4:8])
	cmd := Command(binary.BigEndian.Uint32(hdr[8:12]))
	bodyLen := binary.BigEndian.Uint32(hdr[12:16])

	trailer := crcTrailerSize
	if c.version.hasSession() {
		trailer = hmacTrailerSize
	}
	if bodyLen < uint32(trailer) || bodyLen > MaxPayloadSize+uint32(trailer) {
		return nil, 0, &CodecError{Reason: "length", Err: fmt.Errorf("declared body length %d", bodyLen)}
	}

	total := HeaderSize + int(bodyLen)
	if len(buf)-start < total {
		return nil, start, nil
	}
	frame := buf[start : start+total]

	if suffix := binary.BigEndian.Uint32(frame[total-4:]); suffix != FrameSuffix {
		return nil, 0, &CodecError{Reason: "suffix", Err: fmt.Errorf("got 0x%08X", suffix)}
	}

	f := &Frame{Seq: seq, Cmd: cmd}
	var err error
	if c.version.hasSession() {
		err = c.decodeSealed(f, frame)
	} else {
		err = c.decodeLegacy(f, frame)
	}
	if err != nil {
		return nil, 0, err
	}
	return f, start + total, nil
}

// decodeLegacy verifies the CRC trailer and decrypts a 3.1/3.3/device22 body.
func (c *Codec) decodeLegacy(f *Frame, frame []byte) error {
	signed := frame[:len(frame)-crcTrailerSize]
	want := binary.BigEndian.Uint32(frame[len(frame)-crcTrailerSize:])
	if got := tuyacrypto.CRC32(signed); got != want {
		return &CodecError{Reason: "crc", Err: fmt.Errorf("calculated 0x%08X, frame carries 0x%08X", got, want)}
	}

	body := signed[HeaderSize:]
	if c.parseRetCode(f.Cmd) && len(body) >= 4 {
		ret := binary.BigEndian.Uint32(body)
		f.RetCode = &ret
		body = body[4:]
	}

	payload, err := c.openLegacyPayload(f.Cmd, body)
	if err != nil {
		return err
	}
	f.Payload = payload
	return nil
}

// openLegacyPayload strips version headers and decrypts a clear-framed body.
func (c *Codec) openLegacyPayload(cmd Command, body []byte) ([]byte, error) {
	if len(body) == 0 {
		return nil, nil
	}

	if c.version == Version31 {
		if bytes.HasPrefix(body, []byte("3.1")) && len(body) >= signedPrefixSize {
			encoded := body[signedPrefixSize:]
			raw := make([]byte, base64.StdEncoding.DecodedLen(len(encoded)))
			n, err := base64.StdEncoding.Decode(raw, encoded)
			if err != nil {
				return nil, &CodecError{Reason: "base64", Err: err}
			}
			raw = raw[:n]
			plain, err := tuyacrypto.DecryptECB(c.key, raw, true)
			if err != nil {
				return nil, &CodecError{Reason: "decrypt", Err: err}
			}
			return plain, nil
		}
		return append([]byte(nil), body...), nil
	}

	// 3.3 and device22. Device22 firmwares replace the "3.3" prefix with
	// null bytes, leaving the body 15 bytes longer than a block multiple.
	if len(body) >= versionHeaderSize {
		if bytes.HasPrefix(body, c.version.headerBytes()) {
			body = body[versionHeaderSize:]
		} else if c.devType == DevTypeDevice22 && len(body)%tuyacrypto.BlockSize != 0 {
			body = body[versionHeaderSize:]
		}
	}
	if len(body) == 0 {
		return nil, nil
	}

	plain, err := tuyacrypto.DecryptECB(c.key, body, true)
	if err != nil {
		// Some firmwares answer queries with unencrypted JSON.
		if body[0] == '{' {
			return append([]byte(nil), body...), nil
		}
		return nil, &CodecError{Reason: "decrypt", Err: err}
	}
	return plain, nil
}

// decodeSealed verifies the HMAC trailer and decrypts a 3.4/3.5 body. The
// return code, when present, is the first word of the plaintext.
func (c *Codec) decodeSealed(f *Frame, frame []byte) error {
	signed := frame[:len(frame)-hmacTrailerSize]
	mac := frame[len(frame)-hmacTrailerSize : len(frame)-4]
	if !tuyacrypto.VerifyHMAC(c.key, signed, mac) {
		return &CodecError{Reason: "hmac"}
	}

	body := signed[HeaderSize:]
	var plain []byte
	var err error
	switch c.version {
	case Version34:
		plain, err = tuyacrypto.DecryptECB(c.key, body, true)
		if err != nil {
			return &CodecError{Reason: "decrypt", Err: err}
		}
	case Version35:
		if len(body) < tuyacrypto.GCMNonceSize+tuyacrypto.GCMTagSize {
			return &CodecError{Reason: "length", Err: errors.New("sealed body shorter than nonce and tag")}
		}
		nonce := body[:tuyacrypto.GCMNonceSize]
		plain, err = tuyacrypto.OpenGCM(c.key, nonce, frame[:HeaderSize], body[tuyacrypto.GCMNonceSize:])
		if err != nil {
			return &CodecError{Reason: "decrypt", Err: err}
		}
	}

	if c.parseRetCode(f.Cmd) && len(plain) >= 4 {
		ret := binary.BigEndian.Uint32(plain)
		f.RetCode = &ret
		plain = plain[4:]
	}
	if len(plain) >= versionHeaderSize && bytes.HasPrefix(plain, c.version.headerBytes()) {
		plain = plain[versionHeaderSize:]
	}
	f.Payload = plain
	return nil
}

// parseRetCode reports whether decode should expect a return code for cmd.
func (c *Codec) parseRetCode(cmd Command) bool {
	return !c.NoRetCode && !noRetCodeCmds[cmd]
}

// scanPrefix returns the offset of the first frame prefix in buf, or -1.
func scanPrefix(buf []byte) int {
	var needle [4]byte
	binary.BigEndian.PutUint32(needle[:], FramePrefix)
	return bytes.Index(buf, needle[:])
}
