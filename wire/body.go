package wire

import (
	"encoding/binary"

	"github.com/sabouaram/msgbus/errs"
)

// Body is implemented by every request/response body layout.
type Body interface {
	Marshal() []byte
	BodyType() BodyType
}

func need(p []byte, n int, what string) error {
	if len(p) < n {
		return errs.Newf(errs.CodeDecoding, "short %s: need %d bytes, have %d", what, n, len(p))
	}
	return nil
}

// --- REQ_REGISTER -----------------------------------------------------

// RegisterBody carries the service name and the endpoint the caller
// wants to register under it. IP may be empty, meaning "derive from the
// socket's peer address" (spec §4.7).
type RegisterBody struct {
	Name string
	IP   string
	Port uint16
}

func (b RegisterBody) BodyType() BodyType { return ReqRegister }

func (b RegisterBody) Marshal() []byte {
	out := make([]byte, 0, 2+len(b.Name)+1+len(b.IP)+2)
	out = appendLP16(out, b.Name)
	out = appendLP8(out, b.IP)
	out = binary.BigEndian.AppendUint16(out, b.Port)
	return out
}

func UnmarshalRegisterBody(p []byte) (RegisterBody, error) {
	name, rest, err := readLP16(p, "register.name")
	if err != nil {
		return RegisterBody{}, err
	}
	ip, rest, err := readLP8(rest, "register.ip")
	if err != nil {
		return RegisterBody{}, err
	}
	if err := need(rest, 2, "register.port"); err != nil {
		return RegisterBody{}, err
	}
	return RegisterBody{Name: name, IP: ip, Port: binary.BigEndian.Uint16(rest[:2])}, nil
}

// RegisterResponse carries the outcome of a REQ_REGISTER.
type RegisterResponse struct {
	RetCode int32
	Err     string
}

func (b RegisterResponse) BodyType() BodyType { return ReqRegister }

func (b RegisterResponse) Marshal() []byte {
	out := make([]byte, 0, 4+2+len(b.Err))
	out = binary.BigEndian.AppendUint32(out, uint32(b.RetCode))
	out = appendLP16(out, b.Err)
	return out
}

func UnmarshalRegisterResponse(p []byte) (RegisterResponse, error) {
	if err := need(p, 4, "register.response.retcode"); err != nil {
		return RegisterResponse{}, err
	}
	ret := int32(binary.BigEndian.Uint32(p[:4]))
	errStr, _, err := readLP16(p[4:], "register.response.err")
	if err != nil {
		return RegisterResponse{}, err
	}
	return RegisterResponse{RetCode: ret, Err: errStr}, nil
}

// --- REQ_UNREGISTER -----------------------------------------------------

// UnregisterBody names the (service, endpoint) pair to remove.
type UnregisterBody struct {
	Name string
	IP   string
	Port uint16
}

func (b UnregisterBody) BodyType() BodyType { return ReqUnregister }

func (b UnregisterBody) Marshal() []byte {
	out := make([]byte, 0, 2+len(b.Name)+1+len(b.IP)+2)
	out = appendLP16(out, b.Name)
	out = appendLP8(out, b.IP)
	out = binary.BigEndian.AppendUint16(out, b.Port)
	return out
}

func UnmarshalUnregisterBody(p []byte) (UnregisterBody, error) {
	r, err := UnmarshalRegisterBody(p)
	return UnregisterBody(r), err
}

// --- REQ_GETCLIENT -----------------------------------------------------

// GetClientBody requests the endpoint registered for Name.
type GetClientBody struct {
	Name string
}

func (b GetClientBody) BodyType() BodyType { return ReqGetClient }

func (b GetClientBody) Marshal() []byte { return appendLP16(nil, b.Name) }

func UnmarshalGetClientBody(p []byte) (GetClientBody, error) {
	name, _, err := readLP16(p, "getclient.name")
	if err != nil {
		return GetClientBody{}, err
	}
	return GetClientBody{Name: name}, nil
}

// GetClientResponse carries the resolved endpoint, or a non-zero RetCode/Err.
type GetClientResponse struct {
	RetCode int32
	Err     string
	IP      string
	Port    uint16
}

func (b GetClientResponse) BodyType() BodyType { return ReqGetClient }

func (b GetClientResponse) Marshal() []byte {
	out := make([]byte, 0, 4+2+len(b.Err)+1+len(b.IP)+2)
	out = binary.BigEndian.AppendUint32(out, uint32(b.RetCode))
	out = appendLP16(out, b.Err)
	out = appendLP8(out, b.IP)
	out = binary.BigEndian.AppendUint16(out, b.Port)
	return out
}

func UnmarshalGetClientResponse(p []byte) (GetClientResponse, error) {
	if err := need(p, 4, "getclient.response.retcode"); err != nil {
		return GetClientResponse{}, err
	}
	ret := int32(binary.BigEndian.Uint32(p[:4]))
	errStr, rest, err := readLP16(p[4:], "getclient.response.err")
	if err != nil {
		return GetClientResponse{}, err
	}
	ip, rest, err := readLP8(rest, "getclient.response.ip")
	if err != nil {
		return GetClientResponse{}, err
	}
	if err := need(rest, 2, "getclient.response.port"); err != nil {
		return GetClientResponse{}, err
	}
	return GetClientResponse{RetCode: ret, Err: errStr, IP: ip, Port: binary.BigEndian.Uint16(rest[:2])}, nil
}

// --- REQ_SENDMSG -----------------------------------------------------

// SendMsgBody targets a destination name (empty means broadcast) and
// carries the sender/msgid/param triplet (spec §4.4).
type SendMsgBody struct {
	Dest    string
	Triplet Triplet
}

func (b SendMsgBody) BodyType() BodyType { return ReqSendMsg }

func (b SendMsgBody) Marshal() []byte {
	out := appendLP16(nil, b.Dest)
	return append(out, b.Triplet.Marshal()...)
}

func UnmarshalSendMsgBody(p []byte) (SendMsgBody, error) {
	dest, rest, err := readLP16(p, "sendmsg.dest")
	if err != nil {
		return SendMsgBody{}, err
	}
	t, err := UnmarshalTriplet(rest)
	if err != nil {
		return SendMsgBody{}, err
	}
	return SendMsgBody{Dest: dest, Triplet: t}, nil
}

// SendMsgResponse reports whether any live connection matched Dest.
type SendMsgResponse struct {
	RetCode int32
	Err     string
}

func (b SendMsgResponse) BodyType() BodyType { return ReqSendMsg }

func (b SendMsgResponse) Marshal() []byte {
	out := binary.BigEndian.AppendUint32(nil, uint32(b.RetCode))
	return appendLP16(out, b.Err)
}

func UnmarshalSendMsgResponse(p []byte) (SendMsgResponse, error) {
	r, err := UnmarshalRegisterResponse(p)
	return SendMsgResponse(r), err
}

// --- REQ_CONFIRM_ALIVE -----------------------------------------------------

// ConfirmAliveBody is an idempotent keep-alive ping carrying an opaque flag.
type ConfirmAliveBody struct {
	Flag uint8
}

func (b ConfirmAliveBody) BodyType() BodyType { return ReqConfirmAlive }
func (b ConfirmAliveBody) Marshal() []byte    { return []byte{b.Flag} }

func UnmarshalConfirmAliveBody(p []byte) (ConfirmAliveBody, error) {
	if err := need(p, 1, "confirmalive.flag"); err != nil {
		return ConfirmAliveBody{}, err
	}
	return ConfirmAliveBody{Flag: p[0]}, nil
}

// --- BODY_PBTYPE -----------------------------------------------------

// PBTypeBody carries a schema-described payload: a type name the broker
// dispatches on, plus its opaque encoded data (spec §4.4, §4.7). The
// codec generation for pbdata's contents is an external collaborator
// (spec §1); the broker only frames it.
type PBTypeBody struct {
	TypeName string
	Data     []byte
}

func (b PBTypeBody) BodyType() BodyType { return BodyPBType }

func (b PBTypeBody) Marshal() []byte {
	out := make([]byte, 0, 2+4+len(b.TypeName)+len(b.Data))
	out = binary.BigEndian.AppendUint16(out, uint16(len(b.TypeName)))
	out = binary.BigEndian.AppendUint32(out, uint32(len(b.Data)))
	out = append(out, b.TypeName...)
	out = append(out, b.Data...)
	return out
}

func UnmarshalPBTypeBody(p []byte) (PBTypeBody, error) {
	if err := need(p, 6, "pbtype.lengths"); err != nil {
		return PBTypeBody{}, err
	}
	var local [4]byte
	copy(local[:2], p[:2])
	nameLen := int(binary.BigEndian.Uint16(local[:2]))
	copy(local[:4], p[2:6])
	dataLen := int(binary.BigEndian.Uint32(local[:4]))

	rest := p[6:]
	if err := need(rest, nameLen+dataLen, "pbtype.payload"); err != nil {
		return PBTypeBody{}, err
	}
	return PBTypeBody{
		TypeName: string(rest[:nameLen]),
		Data:     append([]byte(nil), rest[nameLen:nameLen+dataLen]...),
	}, nil
}

// --- length-prefixed string helpers -----------------------------------------------------

func appendLP8(out []byte, s string) []byte {
	out = append(out, byte(len(s)))
	return append(out, s...)
}

func appendLP16(out []byte, s string) []byte {
	out = binary.BigEndian.AppendUint16(out, uint16(len(s)))
	return append(out, s...)
}

func readLP8(p []byte, what string) (string, []byte, error) {
	if err := need(p, 1, what); err != nil {
		return "", nil, err
	}
	n := int(p[0])
	if err := need(p[1:], n, what); err != nil {
		return "", nil, err
	}
	return string(p[1 : 1+n]), p[1+n:], nil
}

func readLP16(p []byte, what string) (string, []byte, error) {
	if err := need(p, 2, what); err != nil {
		return "", nil, err
	}
	var local [2]byte
	copy(local[:], p[:2])
	n := int(binary.BigEndian.Uint16(local[:]))
	if err := need(p[2:], n, what); err != nil {
		return "", nil, err
	}
	return string(p[2 : 2+n]), p[2+n:], nil
}
