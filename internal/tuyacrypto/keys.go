package tuyacrypto

// Fixed keys used by the UDP discovery beacons. Devices encrypt their
// broadcast announcements with well-known keys shared by every Tuya app.

// udpKeySeed is the seed string whose MD5 digest decrypts port 6666 beacons.
const udpKeySeed = "yGAdlopoPVldABfn"

// gatewayBeaconKey decrypts the GCM beacons some gateways emit on port 7000.
var gatewayBeaconKey = []byte("yG9shRKIBrIBUjc3")

// UDPKey returns the AES key for encrypted discovery beacons (port 6666).
func UDPKey() []byte {
	return MD5Digest([]byte(udpKeySeed))
}

// GatewayBeaconKey returns the AES-GCM key for port 7000 beacons.
func GatewayBeaconKey() []byte {
	out := make([]byte, len(gatewayBeaconKey))
	copy(out, gatewayBeaconKey)
	return out
}

// XORNonce combines the handshake nonces; the result feeds session key
// derivation for protocols 3.4 and 3.5.
func XORNonce(local, remote []byte) []byte {
	out := make([]byte, len(local))
	for i := range local {
		out[i] = local[i] ^ remote[i%len(remote)]
	}
	return out
}
