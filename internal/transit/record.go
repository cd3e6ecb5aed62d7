package transit

import (
	"bytes"
	"crypto/cipher"
	"encoding/binary"

	"golang.org/x/crypto/chacha20poly1305"
)

// nonceSize is the wire size of the big-endian nonce prepended to every
// record. XChaCha20-Poly1305's 24-byte nonce is exactly this size, so the
// wire nonce doubles as the AEAD nonce with no repacking.
const (
	nonceSize     = chacha20poly1305.NonceSizeX
	lengthPrefix  = 4
	maxRecordSize = 1<<32 - 1
)

// recordBox wraps one direction's AEAD context. seal/open are treated as
// black boxes; this is the only file that touches them.
type recordBox struct {
	aead cipher.AEAD
}

func newRecordBox(key []byte) (*recordBox, error) {
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, err
	}
	return &recordBox{aead: aead}, nil
}

func encodeNonce(counter uint64) []byte {
	buf := make([]byte, nonceSize)
	binary.BigEndian.PutUint64(buf[nonceSize-8:], counter)
	return buf
}

// framer owns both directions' boxes and nonce counters for one Connection
// once it has reached the Records state.
type framer struct {
	send    *recordBox
	recv    *recordBox
	sendSeq uint64
	recvSeq uint64
	recvBuf []byte
}

func newFramer(sendBox, recvBox *recordBox) *framer {
	return &framer{send: sendBox, recv: recvBox}
}

// encode seals plaintext under the next send nonce and returns the
// complete wire frame: 4-byte length | 24-byte nonce | ciphertext+tag.
// A too-large record is rejected before a nonce is taken, so the send
// counter advances only for records that are actually sealed.
func (f *framer) encode(plaintext []byte) ([]byte, error) {
	if len(plaintext) > maxRecordSize {
		return nil, newErr(KindUsageError, "record too large")
	}
	nonce := encodeNonce(f.sendSeq)
	f.sendSeq++

	sealed := f.send.aead.Seal(nil, nonce, plaintext, nil)
	ct := make([]byte, 0, nonceSize+len(sealed))
	ct = append(ct, nonce...)
	ct = append(ct, sealed...)

	frame := make([]byte, 0, lengthPrefix+len(ct))
	var lenBuf [lengthPrefix]byte
	binary.BigEndian.PutUint32(lenBuf[:], uint32(len(ct)))
	frame = append(frame, lenBuf[:]...)
	frame = append(frame, ct...)
	return frame, nil
}

// feed appends newly read bytes and extracts as many complete, decrypted
// records as are available from a streaming receive loop. It stops and
// returns an error at the first BadNonce or authentication failure — both
// are fatal for the Connection, so nothing past that point is trustworthy.
func (f *framer) feed(chunk []byte) ([][]byte, error) {
	f.recvBuf = append(f.recvBuf, chunk...)

	var records [][]byte
	for {
		if len(f.recvBuf) < lengthPrefix {
			return records, nil
		}
		length := binary.BigEndian.Uint32(f.recvBuf[:lengthPrefix])
		total := lengthPrefix + int(length)
		if len(f.recvBuf) < total {
			return records, nil
		}

		ct := f.recvBuf[lengthPrefix:total]
		if len(ct) < nonceSize {
			return records, wrapErr(KindBadHandshake, "record shorter than nonce", nil)
		}
		nonce := ct[:nonceSize]
		sealed := ct[nonceSize:]

		// Compare the full 24-byte nonce, not just its low 8 bytes: a
		// flipped high byte must surface as BadNonce too, not fall through
		// to an AEAD authentication failure.
		if want := encodeNonce(f.recvSeq); !bytes.Equal(nonce, want) {
			got := binary.BigEndian.Uint64(nonce[nonceSize-8:])
			return records, &BadNonce{Got: got, Want: f.recvSeq}
		}

		plaintext, err := f.recv.aead.Open(nil, nonce, sealed, nil)
		if err != nil {
			return records, wrapErr(KindBadHandshake, "record authentication failed", err)
		}
		f.recvSeq++
		records = append(records, plaintext)

		f.recvBuf = f.recvBuf[total:]
	}
}
