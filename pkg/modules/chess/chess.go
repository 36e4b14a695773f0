// Package chess is the bundled example Module family: a chess-engine
// parameter-tuning task composed from an engine submodule, a tournament
// driver and a training method. It is the reference family the
// orchestrator ships with, giving the Task Engine and Module
// Composition Engine a real multi-slot tree to compose and run
// end-to-end.
package chess

import (
	"context"
	"fmt"
	"path/filepath"

	"github.com/tunequeue/tunequeue/pkg/module"
	"github.com/tunequeue/tunequeue/pkg/types"
)

const (
	ModuleName = "BaseChessModule"

	SubModuleTypeEngine     = "engine"
	SubModuleTypeTournament = "tournament"
	SubModuleTypeTraining   = "training_method"

	EngineCheckmateChariot = "checkmate-chariot"
	TournamentCuteChess    = "cutechess"
	TrainingSimple         = "simple"
)

// Register installs the BaseChessModule family and its submodules into
// the given registries. Called once at process start from
// cmd/tunequeue; registries are populated at process start and then
// frozen.
func Register(modules *module.Registry, subModules *module.SubModuleRegistry) {
	modules.RegisterManager(ModuleName, func() module.Builder { return &managerBuilder{} })
	modules.RegisterWorker(ModuleName, func() module.Builder { return &workerBuilder{} })
	subModules.Register(SubModuleTypeEngine, EngineCheckmateChariot, func() module.Builder { return &checkmateChariotBuilder{} })
	subModules.Register(SubModuleTypeTournament, TournamentCuteChess, func() module.Builder { return &cuteChessBuilder{} })
	subModules.Register(SubModuleTypeTraining, TrainingSimple, func() module.Builder { return &simpleTrainingBuilder{} })
}

func tournamentSlot() module.SlotSpec {
	return module.SlotSpec{
		SubModuleType: SubModuleTypeTournament,
		VariableName:  "tournament",
		Multiplicity:  module.OneOf,
		Description:   "tournament driver used to evaluate each candidate parameter vector",
		Eligible:      []string{TournamentCuteChess},
		Default:       []string{TournamentCuteChess},
	}
}

// managerBuilder is the manager-side BaseChessModule builder: it owns
// candidate generation (training method) and result folding.
type managerBuilder struct{}

func (managerBuilder) Name() string { return ModuleName }

func (managerBuilder) Slots() []module.SlotSpec {
	return []module.SlotSpec{
		tournamentSlot(),
		{
			SubModuleType: SubModuleTypeTraining,
			VariableName:  "training",
			Multiplicity:  module.OneOf,
			Description:   "training method producing the next candidate parameter vector",
			Eligible:      []string{TrainingSimple},
			Default:       []string{TrainingSimple},
		},
	}
}

func (managerBuilder) ConfigSpec() []types.ConfigSpecElement {
	return []types.ConfigSpecElement{
		{Name: "candidate_pool_size", Type: types.UIStringIntPairDict, Description: "number of candidate parameter vectors tracked per generation", Default: 16},
		{Name: "param_space_path", Type: types.UIString, Description: "path to the yaml file declaring the tunable parameter space", Default: ""},
	}
}

func (managerBuilder) BuildSpec() []types.ConfigSpecElement {
	return []types.ConfigSpecElement{
		{Name: "engine_repo", Type: types.UIString, Description: "git URL of the engine to clone and build", Default: ""},
	}
}

func (managerBuilder) Build(children map[string][]any) (any, error) {
	tournament, err := oneChild[TournamentDriver](children, "tournament")
	if err != nil {
		return nil, err
	}
	training, err := oneChild[TrainingMethod](children, "training")
	if err != nil {
		return nil, err
	}
	return &ManagerModule{tournament: tournament, training: training}, nil
}

func oneChild[T any](children map[string][]any, variable string) (T, error) {
	var zero T
	got := children[variable]
	if len(got) != 1 {
		return zero, fmt.Errorf("chess: slot %q needs exactly one submodule, got %d", variable, len(got))
	}
	child, ok := got[0].(T)
	if !ok {
		return zero, fmt.Errorf("chess: slot %q child has wrong type %T", variable, got[0])
	}
	return child, nil
}

// ManagerModule prepares candidate parameter vectors and folds
// tournament results back into its running best-vector state.
type ManagerModule struct {
	tournament    TournamentDriver
	training      TrainingMethod
	candidatePool int
	engineRepo    string
	space         *ParameterSpace
	generation    int
	best          map[string]float64
}

func (m *ManagerModule) ConfigureBuild(raw map[string]any, prefix string) error {
	if v, ok := raw["engine_repo"].(string); ok {
		m.engineRepo = v
	}
	return nil
}

func (m *ManagerModule) Build(ctx context.Context) error {
	// Cloning/compiling the engine binary is the module's own concern
	// and is not modeled here; a real module would shell out and is
	// responsible for idempotent retries.
	return nil
}

func (m *ManagerModule) ConfigureModule(raw map[string]any, prefix string) error {
	if v, ok := raw["candidate_pool_size"].(float64); ok {
		m.candidatePool = int(v)
	}
	if m.candidatePool <= 0 {
		m.candidatePool = 16
	}
	if path, ok := raw["param_space_path"].(string); ok && path != "" {
		space, err := LoadParameterSpace(path)
		if err != nil {
			return err
		}
		m.space = space
	}
	m.best = make(map[string]float64)
	return nil
}

func (m *ManagerModule) PrepareTestArgs(ctx context.Context) (map[string]any, error) {
	m.generation++
	args := m.tournament.NextMatchup(m.generation)
	args["params"] = m.training.NextCandidate(m.generation, m.space, m.best)
	return args, nil
}

func (m *ManagerModule) SyncTestResults(ctx context.Context, result string) error {
	return m.tournament.RecordResult(result, m.best)
}

// workerBuilder is the worker-side BaseChessModule builder: it owns
// building the engine locally and running single matches.
type workerBuilder struct{}

func (workerBuilder) Name() string { return ModuleName }

func (workerBuilder) Slots() []module.SlotSpec {
	return []module.SlotSpec{
		{
			SubModuleType: SubModuleTypeEngine,
			VariableName:  "engine",
			Multiplicity:  module.OneOf,
			Description:   "chess engine to build and tune on this worker",
			Eligible:      []string{EngineCheckmateChariot},
			Default:       []string{EngineCheckmateChariot},
		},
		tournamentSlot(),
	}
}

func (workerBuilder) ConfigSpec() []types.ConfigSpecElement { return nil }

func (workerBuilder) BuildSpec() []types.ConfigSpecElement {
	return []types.ConfigSpecElement{
		{Name: "binary_path", Type: types.UIString, Description: "explicit path to a prebuilt engine binary, overriding the engine submodule's build output", Default: ""},
	}
}

func (workerBuilder) Build(children map[string][]any) (any, error) {
	engine, err := oneChild[EngineProvider](children, "engine")
	if err != nil {
		return nil, err
	}
	tournament, err := oneChild[TournamentDriver](children, "tournament")
	if err != nil {
		return nil, err
	}
	return &WorkerModule{engine: engine, tournament: tournament}, nil
}

// WorkerModule runs one match given the arguments the manager prepared.
type WorkerModule struct {
	engine     EngineProvider
	tournament TournamentDriver
	buildDir   string
	binaryPath string
}

func (w *WorkerModule) ConfigureBuild(raw map[string]any, prefix string) error {
	if v, ok := raw["binary_path"].(string); ok {
		w.binaryPath = v
	}
	if v, ok := raw["build_dir"].(string); ok {
		w.buildDir = v
	}
	return nil
}

func (w *WorkerModule) Build(ctx context.Context) error {
	if w.binaryPath != "" {
		return nil
	}
	return w.engine.BuildEngine(ctx, w.buildDir)
}

func (w *WorkerModule) ConfigureModule(raw map[string]any, prefix string) error { return nil }

func (w *WorkerModule) RunSingleTest(ctx context.Context, args map[string]any, seed int64) (string, error) {
	binary := w.binaryPath
	if binary == "" {
		binary = w.engine.BinaryPath(w.buildDir)
	}
	return w.tournament.PlayMatch(args, seed, binary)
}

// TournamentDriver decides the next matchup to play and how to fold a
// played match's result back into the running best-parameter estimate.
type TournamentDriver interface {
	NextMatchup(generation int) map[string]any
	PlayMatch(args map[string]any, seed int64, binaryPath string) (string, error)
	RecordResult(result string, best map[string]float64) error
}

// EngineProvider builds the tuned engine on a worker and locates its
// binary.
type EngineProvider interface {
	BuildEngine(ctx context.Context, buildDir string) error
	BinaryPath(buildDir string) string
}

// TrainingMethod produces the next candidate parameter vector from the
// declared space and the running best estimate.
type TrainingMethod interface {
	NextCandidate(generation int, space *ParameterSpace, best map[string]float64) map[string]float64
}

type cuteChessBuilder struct{}

func (cuteChessBuilder) Name() string                          { return TournamentCuteChess }
func (cuteChessBuilder) Slots() []module.SlotSpec              { return nil }
func (cuteChessBuilder) ConfigSpec() []types.ConfigSpecElement { return nil }
func (cuteChessBuilder) BuildSpec() []types.ConfigSpecElement  { return nil }
func (cuteChessBuilder) Build(map[string][]any) (any, error)   { return &cuteChess{}, nil }

// cuteChess drives round-based matchups the way a cutechess-cli
// tournament would, reduced to the bookkeeping the harness needs.
type cuteChess struct{ round int }

func (c *cuteChess) NextMatchup(generation int) map[string]any {
	c.round++
	return map[string]any{"generation": generation, "round": c.round}
}

func (c *cuteChess) PlayMatch(args map[string]any, seed int64, binaryPath string) (string, error) {
	return fmt.Sprintf("round=%v seed=%d binary=%s result=draw", args["round"], seed, binaryPath), nil
}

func (c *cuteChess) RecordResult(result string, best map[string]float64) error {
	best["last_result_len"] = float64(len(result))
	return nil
}

type checkmateChariotBuilder struct{}

func (checkmateChariotBuilder) Name() string                          { return EngineCheckmateChariot }
func (checkmateChariotBuilder) Slots() []module.SlotSpec              { return nil }
func (checkmateChariotBuilder) ConfigSpec() []types.ConfigSpecElement { return nil }
func (checkmateChariotBuilder) BuildSpec() []types.ConfigSpecElement  { return nil }
func (checkmateChariotBuilder) Build(map[string][]any) (any, error)   { return &checkmateChariot{}, nil }

type checkmateChariot struct{}

func (checkmateChariot) BuildEngine(ctx context.Context, buildDir string) error {
	// The real engine clone-and-compile is out of scope; the build
	// directory is prepared by the task engine before this runs.
	return nil
}

func (checkmateChariot) BinaryPath(buildDir string) string {
	return filepath.Join(buildDir, "checkmate-chariot")
}

type simpleTrainingBuilder struct{}

func (simpleTrainingBuilder) Name() string                          { return TrainingSimple }
func (simpleTrainingBuilder) Slots() []module.SlotSpec              { return nil }
func (simpleTrainingBuilder) ConfigSpec() []types.ConfigSpecElement { return nil }
func (simpleTrainingBuilder) BuildSpec() []types.ConfigSpecElement  { return nil }
func (simpleTrainingBuilder) Build(map[string][]any) (any, error)   { return &simpleTraining{}, nil }

// simpleTraining perturbs one parameter per generation by its declared
// step, alternating direction, starting from the space's initial
// vector.
type simpleTraining struct{}

func (simpleTraining) NextCandidate(generation int, space *ParameterSpace, best map[string]float64) map[string]float64 {
	if space == nil || len(space.Parameters) == 0 {
		return map[string]float64{}
	}
	vector := space.Vector()
	p := space.Parameters[generation%len(space.Parameters)]
	delta := p.Step
	if generation%2 == 0 {
		delta = -delta
	}
	next := vector[p.Name] + delta
	if next < p.Min {
		next = p.Min
	}
	if next > p.Max {
		next = p.Max
	}
	vector[p.Name] = next
	return vector
}
