package module_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tunequeue/tunequeue/pkg/module"
	"github.com/tunequeue/tunequeue/pkg/types"
)

// leafBuilder is a minimal Builder with no slots, used to test the
// composition engine without pulling in a real module family.
type leafBuilder struct{ name string }

func (l leafBuilder) Name() string                            { return l.name }
func (l leafBuilder) Slots() []module.SlotSpec                { return nil }
func (l leafBuilder) ConfigSpec() []types.ConfigSpecElement    { return nil }
func (l leafBuilder) BuildSpec() []types.ConfigSpecElement     { return nil }
func (l leafBuilder) Build(map[string][]any) (any, error)      { return l.name, nil }

type rootBuilder struct {
	slot module.SlotSpec
}

func (r rootBuilder) Name() string                         { return "root" }
func (r rootBuilder) Slots() []module.SlotSpec              { return []module.SlotSpec{r.slot} }
func (r rootBuilder) ConfigSpec() []types.ConfigSpecElement { return nil }
func (r rootBuilder) BuildSpec() []types.ConfigSpecElement  { return nil }
func (r rootBuilder) Build(children map[string][]any) (any, error) {
	return children, nil
}

func newRegistry() *module.SubModuleRegistry {
	reg := module.NewSubModuleRegistry()
	reg.Register("engine", "leafA", func() module.Builder { return leafBuilder{"leafA"} })
	reg.Register("engine", "leafB", func() module.Builder { return leafBuilder{"leafB"} })
	reg.Freeze()
	return reg
}

func TestNextNeededUnfilledSlot(t *testing.T) {
	reg := newRegistry()
	c := module.NewComposer(reg)
	root := rootBuilder{slot: module.SlotSpec{
		SubModuleType: "engine",
		VariableName:  "primary",
		Multiplicity:  module.OneOf,
		Eligible:      []string{"leafA", "leafB"},
	}}

	needed, err := c.NextNeeded(root, types.SelectionMap{}, "")
	require.NoError(t, err)
	require.NotNil(t, needed)
	assert.Equal(t, "engine.primary", needed.FQName)
}

func TestNextNeededResolvedReturnsNil(t *testing.T) {
	reg := newRegistry()
	c := module.NewComposer(reg)
	root := rootBuilder{slot: module.SlotSpec{
		SubModuleType: "engine",
		VariableName:  "primary",
		Multiplicity:  module.OneOf,
	}}
	selection := types.SelectionMap{"engine.primary": {"leafA"}}

	needed, err := c.NextNeeded(root, selection, "")
	require.NoError(t, err)
	assert.Nil(t, needed)
}

func TestBuildOneOf(t *testing.T) {
	reg := newRegistry()
	c := module.NewComposer(reg)
	root := rootBuilder{slot: module.SlotSpec{
		SubModuleType: "engine",
		VariableName:  "primary",
		Multiplicity:  module.OneOf,
	}}
	selection := types.SelectionMap{"engine.primary": {"leafA"}}

	instance, err := c.Build(root, selection, "")
	require.NoError(t, err)
	children := instance.(map[string][]any)
	require.Len(t, children["primary"], 1)
	assert.Equal(t, "leafA", children["primary"][0])
}

func TestBuildManyOfAllowsDuplicates(t *testing.T) {
	reg := newRegistry()
	c := module.NewComposer(reg)
	root := rootBuilder{slot: module.SlotSpec{
		SubModuleType: "engine",
		VariableName:  "opponents",
		Multiplicity:  module.ManyOf,
	}}
	selection := types.SelectionMap{"engine.opponents": {"leafA", "leafA", "leafB"}}

	instance, err := c.Build(root, selection, "")
	require.NoError(t, err)
	children := instance.(map[string][]any)
	assert.Len(t, children["opponents"], 3)
}

func TestBuildMissingSlotFails(t *testing.T) {
	reg := newRegistry()
	c := module.NewComposer(reg)
	root := rootBuilder{slot: module.SlotSpec{
		SubModuleType: "engine",
		VariableName:  "primary",
		Multiplicity:  module.OneOf,
	}}

	_, err := c.Build(root, types.SelectionMap{}, "")
	assert.Error(t, err)
}

func TestNextNeededIsDeterministic(t *testing.T) {
	reg := newRegistry()
	c := module.NewComposer(reg)
	root := rootBuilder{slot: module.SlotSpec{
		SubModuleType: "engine",
		VariableName:  "primary",
		Multiplicity:  module.OneOf,
	}}

	first, err := c.NextNeeded(root, types.SelectionMap{}, "")
	require.NoError(t, err)
	second, err := c.NextNeeded(root, types.SelectionMap{}, "")
	require.NoError(t, err)
	assert.Equal(t, first, second)
}
