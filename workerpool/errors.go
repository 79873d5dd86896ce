package workerpool

import "github.com/sabouaram/msgbus/errs"

func errNamedExists(name string) error {
	return errs.Newf(errs.CodeInternal, "named worker %q already running", name)
}
