package wire

import "github.com/sabouaram/msgbus/errs"

// Frame is a decoded Head plus its raw body bytes.
type Frame struct {
	Head Head
	Body []byte
}

// Encode packs a Head (BodyLen/BodyType filled from body, MsgType and
// MsgID from the arguments) and a Body into one contiguous wire frame.
func Encode(msgType MsgType, msgID uint32, body Body) []byte {
	raw := body.Marshal()
	h := Head{
		Version:  ProtocolVersion,
		MsgType:  msgType,
		BodyType: body.BodyType(),
		MsgID:    msgID,
		BodyLen:  uint32(len(raw)),
	}
	out := make([]byte, 0, HeadSize+len(raw))
	out = append(out, h.Marshal()...)
	out = append(out, raw...)
	return out
}

// TryDecode attempts to decode one complete frame from the front of p.
// It returns (frame, consumed, nil) on success; (zero, 0, nil) when p
// does not yet hold a complete frame (the caller should wait for more
// bytes — this is not an error). Decode errors (bad lengths) are
// returned as a non-nil error with zero consumed; per spec §4.9 the caller
// must close the connection in that case since the transport header
// itself may not be trustworthy.
func TryDecode(p []byte) (Frame, int, error) {
	if len(p) < HeadSize {
		return Frame{}, 0, nil
	}
	h, err := UnmarshalHead(p)
	if err != nil {
		return Frame{}, 0, err
	}
	const maxBody = 16 * 1024 * 1024
	if h.BodyLen > maxBody {
		return Frame{}, 0, errs.Newf(errs.CodeDecoding, "body_len %d exceeds max %d", h.BodyLen, maxBody)
	}
	total := HeadSize + int(h.BodyLen)
	if len(p) < total {
		return Frame{}, 0, nil
	}
	body := append([]byte(nil), p[HeadSize:total]...)
	return Frame{Head: h, Body: body}, total, nil
}
