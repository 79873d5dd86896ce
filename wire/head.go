// Package wire implements the broker's length-prefixed framing protocol
// (spec §4.4, component C4): a fixed Head followed by a body_len-byte
// Body whose layout depends on BodyType, plus the sender/msgid/param
// triplet codec used inside REQ_SENDMSG bodies.
//
// Grounded on original_source/Core/NetMsgBusUtility.hpp for field order
// and on the unaligned-read fix called out in spec §9 (copy the raw
// bytes into a local value before byte-swapping — binary.BigEndian does
// this implicitly in Go, but the explicit copy step below documents it).
package wire

import (
	"encoding/binary"
	"fmt"

	"github.com/sabouaram/msgbus/errs"
)

// HeadSize is the wire size of a Head: version(1) msg_type(1) body_type(2) msg_id(4) body_len(4).
const HeadSize = 12

// MsgType distinguishes request from response frames.
type MsgType uint8

const (
	MsgRequest  MsgType = 0
	MsgResponse MsgType = 1
)

// BodyType enumerates the Body layouts carried after a Head.
type BodyType uint16

const (
	ReqRegister BodyType = iota + 1
	ReqUnregister
	ReqSendMsg
	ReqGetClient
	ReqConfirmAlive
	BodyPBType
)

func (t BodyType) String() string {
	switch t {
	case ReqRegister:
		return "REQ_REGISTER"
	case ReqUnregister:
		return "REQ_UNREGISTER"
	case ReqSendMsg:
		return "REQ_SENDMSG"
	case ReqGetClient:
		return "REQ_GETCLIENT"
	case ReqConfirmAlive:
		return "REQ_CONFIRM_ALIVE"
	case BodyPBType:
		return "BODY_PBTYPE"
	default:
		return fmt.Sprintf("BODY_UNKNOWN(%d)", uint16(t))
	}
}

// ProtocolVersion is the current (and only) wire version; the byte is a
// future-compatibility placeholder (spec §6).
const ProtocolVersion = 1

// Head is the fixed 12-byte frame header, all integers in network order.
type Head struct {
	Version  uint8
	MsgType  MsgType
	BodyType BodyType
	MsgID    uint32
	BodyLen  uint32
}

// Marshal encodes the Head into a freshly allocated HeadSize-byte slice.
func (h Head) Marshal() []byte {
	buf := make([]byte, HeadSize)
	buf[0] = h.Version
	buf[1] = byte(h.MsgType)
	binary.BigEndian.PutUint16(buf[2:4], uint16(h.BodyType))
	binary.BigEndian.PutUint32(buf[4:8], h.MsgID)
	binary.BigEndian.PutUint32(buf[8:12], h.BodyLen)
	return buf
}

// UnmarshalHead decodes a Head from the first HeadSize bytes of p.
func UnmarshalHead(p []byte) (Head, error) {
	if len(p) < HeadSize {
		return Head{}, errs.Newf(errs.CodeDecoding, "short head: need %d bytes, have %d", HeadSize, len(p))
	}
	var local [4]byte

	copy(local[:2], p[2:4])
	bt := binary.BigEndian.Uint16(local[:2])

	copy(local[:4], p[4:8])
	id := binary.BigEndian.Uint32(local[:4])

	copy(local[:4], p[8:12])
	bl := binary.BigEndian.Uint32(local[:4])

	return Head{
		Version:  p[0],
		MsgType:  MsgType(p[1]),
		BodyType: BodyType(bt),
		MsgID:    id,
		BodyLen:  bl,
	}, nil
}
