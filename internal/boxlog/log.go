// Package boxlog adapts the runtime's log call sites onto eru core's
// structured logger, the way cocoon's components call log.WithFunc(name).
package boxlog

import (
	"github.com/projecteru2/core/log"
)

// WithFunc returns a child logger tagged with the calling function's name,
// mirroring every call site in the teacher (log.WithFunc("pkg.Func")).
func WithFunc(name string) log.Fields {
	return log.WithFunc(name)
}

// WithBox returns a child logger whose name embeds the box id, following
// the teacher's "pkg.Func" dotted-name convention (e.g. hypervisor's
// log.WithFunc("cloudhypervisor." + op)) generalized to carry the box id too.
func WithBox(name, boxID string) log.Fields {
	return log.WithFunc(name + "[" + boxID + "]")
}

// WithSnapshot is WithBox plus the snapshot name, for C11 call sites.
func WithSnapshot(name, boxID, snapshot string) log.Fields {
	return log.WithFunc(name + "[" + boxID + "/" + snapshot + "]")
}
