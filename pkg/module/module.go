// Package module implements the Module/SubModule/ModuleBuilder
// composition engine: a uniform builder/runtime framework
// for the pluggable units a Task is assembled from.
package module

import (
	"context"
	"fmt"

	"github.com/tunequeue/tunequeue/pkg/types"
)

// Multiplicity declares how many SubModules a slot accepts.
type Multiplicity string

const (
	OneOf  Multiplicity = "one-of"
	ManyOf Multiplicity = "many-of"
)

// SlotSpec declares one submodule slot on a ModuleBuilder. A slot name is
// structured "{submodule-type}.{variable-name}".
type SlotSpec struct {
	SubModuleType string
	VariableName  string
	Multiplicity  Multiplicity
	Description   string
	Eligible      []string // eligible SubModule names within SubModuleType
	Default       []string // builder-declared default module name(s), if any
}

// FQName computes the fully-qualified slot name for a given prefix.
// The prefix segment is omitted when empty.
func (s SlotSpec) FQName(prefix string) string {
	if prefix == "" {
		return fmt.Sprintf("%s.%s", s.SubModuleType, s.VariableName)
	}
	return fmt.Sprintf("%s.%s.%s", s.SubModuleType, prefix, s.VariableName)
}

// UIType returns the UI type a slot presents in a config/build spec:
// String for one-of (exactly one child), StringList for many-of (one or
// more children).
func (s SlotSpec) UIType() types.UIType {
	if s.Multiplicity == ManyOf {
		return types.UIStringList
	}
	return types.UIString
}

// Module is an executable unit with four lifecycle hooks.
// Manager-side and worker-side Modules both implement
// ConfigureBuild/Build/ConfigureModule; the role-specific methods live
// on ManagerModule and WorkerModule below.
type Module interface {
	// ConfigureBuild validates and applies the build-config json object
	// addressed to this module under the given dotted prefix.
	ConfigureBuild(raw map[string]any, prefix string) error
	// Build performs the (possibly slow, possibly side-effecting) build
	// step, e.g. cloning/compiling an engine binary.
	Build(ctx context.Context) error
	// ConfigureModule validates and applies the runtime-config json
	// object addressed to this module under the given dotted prefix.
	ConfigureModule(raw map[string]any, prefix string) error
}

// WorkerModule is the worker-side role: it executes a single test given
// arguments and a seed.
type WorkerModule interface {
	Module
	RunSingleTest(ctx context.Context, args map[string]any, seed int64) (result string, err error)
}

// ManagerModule is the manager-side role: it prepares arguments for a
// job and folds a worker's result back into its own state.
type ManagerModule interface {
	Module
	PrepareTestArgs(ctx context.Context) (map[string]any, error)
	SyncTestResults(ctx context.Context, result string) error
}

// Builder is the factory/spec description for a Module: it declares
// slots, config spec, build spec, and how to instantiate from a
// selection map.
type Builder interface {
	// Name is the module or submodule name this builder constructs.
	Name() string
	// Slots returns the builder's declared submodule slots, in stable
	// declared order.
	Slots() []SlotSpec
	// ConfigSpec returns this module's own (non-slot) config elements,
	// not including the recursive contribution of its submodules.
	ConfigSpec() []types.ConfigSpecElement
	// BuildSpec returns this module's own (non-slot) build-config
	// elements.
	BuildSpec() []types.ConfigSpecElement
	// Build instantiates the Module, given already-built children keyed
	// by slot variable name. A one-of slot supplies a single child
	// wrapped in a length-1 slice; many-of supplies all children in
	// declared selection order (duplicates permitted).
	Build(children map[string][]any) (any, error)
}

// Factory constructs a fresh Builder instance. Builders are stateless
// descriptions, so a factory is just a constructor function.
type Factory func() Builder
