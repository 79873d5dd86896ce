package wire

import "encoding/binary"

// Triplet is the sender/msgid/param envelope (spec §4.4, glossary "Sync
// send"): used when a client asks the broker to forward a message whose
// semantic msgid is application-level, independent of the transport
// Head's MsgID.
//
//	sender_len(1) sender_bytes msgid_len(1) msgid_bytes param_len(4,network) param_bytes
//
// The param_len field is a uint32 written with htonl-equivalent byte
// order. The original C implementation reads it through a raw uint32*
// cast before ntohl, which is technically unaligned; the copy into a
// local array below is how Go avoids ever having that problem while
// preserving the same two-step "copy, then byte-swap" shape (spec §9).
type Triplet struct {
	Sender  string
	MsgID   string
	Payload []byte
}

func (t Triplet) Marshal() []byte {
	out := make([]byte, 0, 1+len(t.Sender)+1+len(t.MsgID)+4+len(t.Payload))
	out = appendLP8(out, t.Sender)
	out = appendLP8(out, t.MsgID)
	out = binary.BigEndian.AppendUint32(out, uint32(len(t.Payload)))
	out = append(out, t.Payload...)
	return out
}

// UnmarshalTriplet validates every length against the remaining buffer;
// any shortfall fails the frame without partial commit (no partial
// Triplet is ever returned on error).
func UnmarshalTriplet(p []byte) (Triplet, error) {
	sender, rest, err := readLP8(p, "triplet.sender")
	if err != nil {
		return Triplet{}, err
	}
	msgid, rest, err := readLP8(rest, "triplet.msgid")
	if err != nil {
		return Triplet{}, err
	}
	if err := need(rest, 4, "triplet.param_len"); err != nil {
		return Triplet{}, err
	}
	var local [4]byte
	copy(local[:], rest[:4])
	n := int(binary.BigEndian.Uint32(local[:]))
	rest = rest[4:]
	if err := need(rest, n, "triplet.param"); err != nil {
		return Triplet{}, err
	}
	return Triplet{Sender: sender, MsgID: msgid, Payload: append([]byte(nil), rest[:n]...)}, nil
}
