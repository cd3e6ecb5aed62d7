package transit

import (
	"crypto/sha256"
	"encoding/hex"
	"io"

	"golang.org/x/crypto/hkdf"
)

// Handshake/record HKDF info strings. The exact fingerprint bytes are an
// external rendezvous-protocol detail this package treats as opaque; these
// are this implementation's choice of info labels, kept stable so both
// sides of a given transit key always produce identical bytes.
const (
	infoSenderHandshake   = "transit_sender_handshake"
	infoReceiverHandshake = "transit_receiver_handshake"
	infoRelayToken        = "transit_relay_token"
	infoSenderRecordKey   = "transit_record_sender_key"
	infoReceiverRecordKey = "transit_record_receiver_key"
)

// Control words exchanged during negotiation.
var (
	wordOK        = []byte("ok\n")
	wordGo        = []byte("go\n")
	wordNevermind = []byte("nevermind\n")
)

// deriveSubkey is the sole HKDF call site. seal/open and HKDF itself are
// treated as black boxes — both come from golang.org/x/crypto, never
// reimplemented here.
func deriveSubkey(key []byte, info string, size int) []byte {
	r := hkdf.New(sha256.New, key, nil, []byte(info))
	out := make([]byte, size)
	if _, err := io.ReadFull(r, out); err != nil {
		// Only possible if size exceeds HKDF's output limit, which never
		// happens for the fixed 32-byte subkeys this package derives.
		panic("transit: hkdf expand: " + err.Error())
	}
	return out
}

// senderHandshake builds the fixed fingerprint the sender side writes and
// the receiver side waits for.
func senderHandshake(key []byte) []byte {
	return buildHandshakeLine("transit sender ", key, infoSenderHandshake)
}

// receiverHandshake builds the fixed fingerprint the receiver side writes
// and the sender side waits for.
func receiverHandshake(key []byte) []byte {
	return buildHandshakeLine("transit receiver ", key, infoReceiverHandshake)
}

func buildHandshakeLine(prefix string, key []byte, info string) []byte {
	sub := deriveSubkey(key, info, 32)
	out := make([]byte, 0, len(prefix)+hex.EncodedLen(len(sub))+len(" ready\n\n"))
	out = append(out, prefix...)
	out = append(out, hex.EncodeToString(sub)...)
	out = append(out, " ready\n\n"...)
	return out
}

// relayHandshake builds the preamble a relay-bound outbound connection
// writes before either handshake proceeds; the relay server matches it
// against the peer's own relay preamble and then emits "ok\n" to both
// sides once paired.
func relayHandshake(key []byte) []byte {
	sub := deriveSubkey(key, infoRelayToken, 32)
	out := make([]byte, 0, len("please relay ")+hex.EncodedLen(len(sub))+1)
	out = append(out, "please relay "...)
	out = append(out, hex.EncodeToString(sub)...)
	out = append(out, '\n')
	return out
}
