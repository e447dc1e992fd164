// Package libkrun registers the libkrun VMM engine kind. No cgo bindings
// to libkrun exist anywhere in the pack this runtime was grounded on, so
// this engine is a registered placeholder: it reports its platform
// availability honestly and refuses to create instances rather than
// silently no-opping, the way cocoon's cloudhypervisor.New fails loudly
// when the cloud-hypervisor binary is missing.
package libkrun

import (
	"context"

	"github.com/boxlite/boxlite/engine"
	"github.com/boxlite/boxlite/internal/boxerr"
	"github.com/boxlite/boxlite/types"
)

func init() {
	engine.Register(&Engine{})
}

// Engine is the libkrun VMM engine adapter. Real instance creation requires
// linking against libkrun, which this module does not vendor.
type Engine struct{}

// Kind implements engine.Engine.
func (*Engine) Kind() types.EngineKind { return types.EngineKrun }

// Create implements engine.Engine: always fails, since no libkrun FFI
// binding is built into this binary (spec.md §9's documented scope
// boundary — see DESIGN.md).
func (*Engine) Create(_ context.Context, spec *types.InstanceSpec) (engine.Instance, error) {
	return nil, boxerr.New(boxerr.Engine, spec.BoxID,
		"libkrun engine is registered but not linked into this build; "+
			"build with the libkrun cgo bindings or create the box with the mock engine kind")
}
