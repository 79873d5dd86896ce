// Package handlers implements the broker's per-request-kind protocol
// handlers and dispatch table (spec §4.7, component C7). Dispatch runs
// on a worker-pool thread, never on a socket's read thread, so heavy
// request handling never starves I/O.
//
// Grounded on original_source's request-switch structure (one case per
// body_type), expressed as a switch on wire.BodyType in Dispatch, in the
// style of the teacher library's protocol-parser packages
// (network/protocol) which map a wire enum to a handler func.
package handlers

import (
	"net"

	"github.com/sabouaram/msgbus/forward"
	"github.com/sabouaram/msgbus/logger"
	"github.com/sabouaram/msgbus/registry"
	"github.com/sabouaram/msgbus/wire"
)

// Conn is the per-connection surface a handler needs: identity for the
// registry, the ability to push bytes on the wire, and the peer address
// used when a register request omits its ip (spec §4.7). The handler
// gate reads registration state from the registry, not from Conn.
type Conn interface {
	registry.Conn
	PeerAddr() string
}

// PBTypeHandler answers a BODY_PBTYPE request keyed by its TypeName.
type PBTypeHandler func(reg *registry.Registry, data []byte) (resp []byte, err error)

// Dispatcher holds everything a handler needs: the registry, the
// forwarding engine, the logger, and the BODY_PBTYPE handler table.
type Dispatcher struct {
	Reg     *registry.Registry
	Forward *forward.Engine
	Log     logger.Logger
	pbtypes map[string]PBTypeHandler
}

// New returns a Dispatcher with the built-in QueryServices pbtype
// handler already registered (spec §4.7).
func New(reg *registry.Registry, fwd *forward.Engine, log logger.Logger) *Dispatcher {
	if log == nil {
		log = logger.NewNop()
	}
	d := &Dispatcher{Reg: reg, Forward: fwd, Log: log, pbtypes: make(map[string]PBTypeHandler)}
	d.RegisterPBType(wire.QueryServicesTypeName, queryServicesHandler)
	return d
}

// RegisterPBType installs a handler for a schema-described body type
// (spec §6's "schema/type registry contract").
func (d *Dispatcher) RegisterPBType(name string, h PBTypeHandler) {
	d.pbtypes[name] = h
}

// Dispatch decodes and handles one frame, returning the response body
// to write back (nil if no response is required, e.g. REQ_UNREGISTER).
// It enforces the handler gate: anything other than REGISTER and
// CONFIRM_ALIVE requires at least one existing registration (spec §4.7).
func (d *Dispatcher) Dispatch(c Conn, f wire.Frame) wire.Body {
	switch f.Head.BodyType {
	case wire.ReqRegister:
		return d.handleRegister(c, f.Body)
	case wire.ReqConfirmAlive:
		return d.handleConfirmAlive(f.Body)
	}

	if !d.Reg.HasAnyRegistration(c) {
		return errorBodyFor(f.Head.BodyType, "connection has no registration")
	}

	switch f.Head.BodyType {
	case wire.ReqUnregister:
		return d.handleUnregister(f.Body)
	case wire.ReqSendMsg:
		return d.handleSendMsg(f.Body)
	case wire.ReqGetClient:
		return d.handleGetClient(f.Body)
	case wire.BodyPBType:
		return d.handlePBType(f.Body)
	default:
		return nil
	}
}

func (d *Dispatcher) handleRegister(c Conn, raw []byte) wire.Body {
	req, err := wire.UnmarshalRegisterBody(raw)
	if err != nil {
		return wire.RegisterResponse{RetCode: 1, Err: err.Error()}
	}
	if req.Name == "" {
		return wire.RegisterResponse{RetCode: 1, Err: "service name must not be empty"}
	}
	ip := req.IP
	if ip == "" {
		ip = hostOf(c.PeerAddr())
	}
	ep := registry.Endpoint{IP: ip, Port: req.Port, State: registry.StateAlive}
	if err := d.Reg.Register(req.Name, ep, c); err != nil {
		return wire.RegisterResponse{RetCode: 1, Err: err.Error()}
	}
	return wire.RegisterResponse{RetCode: 0}
}

func (d *Dispatcher) handleUnregister(raw []byte) wire.Body {
	req, err := wire.UnmarshalUnregisterBody(raw)
	if err != nil {
		return nil
	}
	d.Reg.Unregister(req.Name, registry.Endpoint{IP: req.IP, Port: req.Port})
	return nil
}

func (d *Dispatcher) handleSendMsg(raw []byte) wire.Body {
	req, err := wire.UnmarshalSendMsgBody(raw)
	if err != nil {
		return wire.SendMsgResponse{RetCode: 1, Err: err.Error()}
	}
	conns := d.Reg.ResolveConnections(req.Dest)
	if len(conns) == 0 {
		return wire.SendMsgResponse{RetCode: 1, Err: "no matching destination"}
	}

	envelope := wire.Encode(wire.MsgRequest, 0, req)
	if req.Dest == "" {
		d.Forward.EnqueueBroadcast(forward.BroadcastTask{Payload: envelope})
	} else {
		d.Forward.EnqueueUnicast(forward.UnicastTask{Dest: req.Dest, Payload: envelope})
	}
	return wire.SendMsgResponse{RetCode: 0}
}

func (d *Dispatcher) handleGetClient(raw []byte) wire.Body {
	req, err := wire.UnmarshalGetClientBody(raw)
	if err != nil {
		return wire.GetClientResponse{RetCode: 1, Err: err.Error()}
	}
	ep, ok := d.Reg.Lookup(req.Name)
	if !ok {
		return wire.GetClientResponse{RetCode: 1, Err: "no endpoint registered for " + req.Name}
	}
	return wire.GetClientResponse{RetCode: 0, IP: ep.IP, Port: ep.Port}
}

func (d *Dispatcher) handleConfirmAlive(raw []byte) wire.Body {
	req, err := wire.UnmarshalConfirmAliveBody(raw)
	if err != nil {
		return wire.ConfirmAliveBody{Flag: 0}
	}
	return wire.ConfirmAliveBody{Flag: req.Flag}
}

func (d *Dispatcher) handlePBType(raw []byte) wire.Body {
	req, err := wire.UnmarshalPBTypeBody(raw)
	if err != nil {
		return nil
	}
	h, ok := d.pbtypes[req.TypeName]
	if !ok {
		d.Log.Printf(logger.WarnLevel, "no handler registered for pbtype %q; dropping", req.TypeName)
		return nil
	}
	resp, err := h(d.Reg, req.Data)
	if err != nil {
		d.Log.Printf(logger.WarnLevel, "pbtype %q handler failed: %v", req.TypeName, err)
		return nil
	}
	return wire.PBTypeBody{TypeName: req.TypeName, Data: resp}
}

// queryServicesHandler is the only built-in BODY_PBTYPE handler (spec
// §4.7): it returns every service name containing Prefix as a substring.
func queryServicesHandler(reg *registry.Registry, data []byte) ([]byte, error) {
	req, err := wire.UnmarshalQueryServicesRequest(data)
	if err != nil {
		return nil, err
	}
	names := reg.QueryServices(req.Prefix)
	return wire.QueryServicesResponse{Names: names}.Marshal(), nil
}

// errorBodyFor constructs the right RSP shape so the handler gate's
// rejection still round-trips through the expected response type.
func errorBodyFor(bt wire.BodyType, msg string) wire.Body {
	switch bt {
	case wire.ReqSendMsg:
		return wire.SendMsgResponse{RetCode: 1, Err: msg}
	case wire.ReqGetClient:
		return wire.GetClientResponse{RetCode: 1, Err: msg}
	default:
		return nil
	}
}

func hostOf(addr string) string {
	if host, _, err := net.SplitHostPort(addr); err == nil {
		return host
	}
	return addr
}
