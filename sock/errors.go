package sock

import "github.com/sabouaram/msgbus/errs"

func errClosed() error     { return errs.New(errs.CodeTransport, "socket is closing or closed") }
func errDisallowed() error { return errs.New(errs.CodeProtocol, "send disallowed on this connection") }
func errOverflow() error   { return errs.New(errs.CodeOverflow, "send buffer cap exceeded") }
func errSocketExc() error  { return errs.New(errs.CodeTransport, "socket exception (EPOLLERR/EPOLLHUP)") }
