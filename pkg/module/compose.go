package module

import (
	"fmt"

	"github.com/tunequeue/tunequeue/pkg/types"
)

// NeededSubModule is returned when a slot in the composition tree has no
// selection-map entry and no builder-declared default: the caller must
// supply one before composition can proceed.
type NeededSubModule struct {
	FQName        string
	SubModuleType string
	Multiplicity  Multiplicity
	Description   string
	Eligible      []string
}

// Composer walks a ModuleBuilder tree against a SelectionMap. It holds
// no mutable state of its own beyond the registries it was constructed
// with, so a single Composer is safe to reuse across Tasks.
type Composer struct {
	subModules *SubModuleRegistry
}

// NewComposer creates a Composer bound to a SubModuleRegistry.
func NewComposer(subModules *SubModuleRegistry) *Composer {
	return &Composer{subModules: subModules}
}

// NextNeeded performs a depth-first traversal of builder's slot tree
// against selection, returning the first unfilled slot it finds, or nil
// if every slot (recursively) either has a selection-map entry or a
// builder-declared default. Traversal order is the builder's declared
// slot order, making this deterministic for a fixed selection map.
func (c *Composer) NextNeeded(builder Builder, selection types.SelectionMap, prefix string) (*NeededSubModule, error) {
	for _, slot := range builder.Slots() {
		fq := slot.FQName(prefix)
		names, haveSelection := selectionFor(selection, fq, slot)
		if !haveSelection {
			if len(slot.Default) > 0 {
				names = slot.Default
			} else {
				return &NeededSubModule{
					FQName:        fq,
					SubModuleType: slot.SubModuleType,
					Multiplicity:  slot.Multiplicity,
					Description:   slot.Description,
					Eligible:      slot.Eligible,
				}, nil
			}
		}
		if err := validateMultiplicity(slot, names); err != nil {
			return nil, err
		}
		childPrefix := joinPrefix(prefix, slot.VariableName)
		for _, childName := range names {
			childFactory, ok := c.subModules.Lookup(slot.SubModuleType, childName)
			if !ok {
				return nil, fmt.Errorf("module: unknown submodule %q for type %q (slot %s)", childName, slot.SubModuleType, fq)
			}
			childBuilder := childFactory()
			needed, err := c.NextNeeded(childBuilder, selection, childPrefix)
			if err != nil {
				return nil, err
			}
			if needed != nil {
				return needed, nil
			}
		}
	}
	return nil, nil
}

// Build performs the same traversal as NextNeeded but constructs
// concrete module instances bottom-up, passing each slot's built
// children into the parent builder's Build call keyed by variable name.
// Build must only be called once NextNeeded has returned nil for the
// same (builder, selection) pair — it has no "needs submodule" escape
// hatch and instead treats a missing, default-less slot as an error.
func (c *Composer) Build(builder Builder, selection types.SelectionMap, prefix string) (any, error) {
	children := make(map[string][]any, len(builder.Slots()))
	for _, slot := range builder.Slots() {
		fq := slot.FQName(prefix)
		names, haveSelection := selectionFor(selection, fq, slot)
		if !haveSelection {
			if len(slot.Default) == 0 {
				return nil, fmt.Errorf("module: needs submodule %q", fq)
			}
			names = slot.Default
		}
		if err := validateMultiplicity(slot, names); err != nil {
			return nil, err
		}
		childPrefix := joinPrefix(prefix, slot.VariableName)
		built := make([]any, 0, len(names))
		for _, childName := range names {
			childFactory, ok := c.subModules.Lookup(slot.SubModuleType, childName)
			if !ok {
				return nil, fmt.Errorf("module: unknown submodule %q for type %q (slot %s)", childName, slot.SubModuleType, fq)
			}
			childInstance, err := c.Build(childFactory(), selection, childPrefix)
			if err != nil {
				return nil, err
			}
			built = append(built, childInstance)
		}
		children[slot.VariableName] = built
	}
	return builder.Build(children)
}

// ConfigSpec recursively concatenates the ConfigSpecElements of builder
// and every submodule currently resolvable from selection, prefixing
// each element's name with the caller path. Slots themselves also contribute one ConfigSpecElement
// (UI type String or StringList) describing the slot itself.
func (c *Composer) ConfigSpec(builder Builder, selection types.SelectionMap, prefix string) ([]types.ConfigSpecElement, error) {
	return c.walkSpec(builder, selection, prefix, Builder.ConfigSpec)
}

// BuildSpec is the build-config analog of ConfigSpec.
func (c *Composer) BuildSpec(builder Builder, selection types.SelectionMap, prefix string) ([]types.ConfigSpecElement, error) {
	return c.walkSpec(builder, selection, prefix, Builder.BuildSpec)
}

func (c *Composer) walkSpec(builder Builder, selection types.SelectionMap, prefix string, own func(Builder) []types.ConfigSpecElement) ([]types.ConfigSpecElement, error) {
	var out []types.ConfigSpecElement
	for _, el := range own(builder) {
		el.Name = prefixName(prefix, el.Name)
		out = append(out, el)
	}
	for _, slot := range builder.Slots() {
		fq := slot.FQName(prefix)
		out = append(out, types.ConfigSpecElement{
			Name:        fq,
			Type:        slot.UIType(),
			Description: slot.Description,
		})
		names, haveSelection := selectionFor(selection, fq, slot)
		if !haveSelection {
			if len(slot.Default) == 0 {
				continue // unresolved slot contributes no deeper elements
			}
			names = slot.Default
		}
		childPrefix := joinPrefix(prefix, slot.VariableName)
		for _, childName := range names {
			childFactory, ok := c.subModules.Lookup(slot.SubModuleType, childName)
			if !ok {
				continue
			}
			childElements, err := c.walkSpec(childFactory(), selection, childPrefix, own)
			if err != nil {
				return nil, err
			}
			out = append(out, childElements...)
		}
	}
	return out, nil
}

func selectionFor(selection types.SelectionMap, fq string, slot SlotSpec) (names []string, ok bool) {
	names, ok = selection[fq]
	return names, ok
}

func validateMultiplicity(slot SlotSpec, names []string) error {
	switch slot.Multiplicity {
	case OneOf:
		if len(names) != 1 {
			return fmt.Errorf("module: slot %s.%s is one-of, got %d entries", slot.SubModuleType, slot.VariableName, len(names))
		}
	case ManyOf:
		if len(names) < 1 {
			return fmt.Errorf("module: slot %s.%s is many-of, needs at least one entry", slot.SubModuleType, slot.VariableName)
		}
	}
	return nil
}

func joinPrefix(prefix, variableName string) string {
	if prefix == "" {
		return variableName
	}
	return prefix + "." + variableName
}

func prefixName(prefix, name string) string {
	if prefix == "" {
		return name
	}
	return prefix + "." + name
}
