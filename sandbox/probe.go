package sandbox

import (
	"context"
	"fmt"
	"sync"
)

// moduleProbe lazily discovers which optional modules the host interpreter
// can import. The result of the first probe is cached for the lifetime of
// the executor.
type moduleProbe struct {
	pythonBin string
	modules   []string
	runner    ProcessRunner

	once   sync.Once
	result map[string]bool
}

func newModuleProbe(pythonBin string, modules []string, runner ProcessRunner) *moduleProbe {
	return &moduleProbe{
		pythonBin: pythonBin,
		modules:   modules,
		runner:    runner,
	}
}

// available returns a copy of the probe results, running the probe on first
// use.
func (p *moduleProbe) available(ctx context.Context) map[string]bool {
	p.once.Do(func() {
		p.result = make(map[string]bool, len(p.modules))
		for _, module := range p.modules {
			p.result[module] = p.importable(ctx, module)
		}
	})

	out := make(map[string]bool, len(p.result))
	for module, installed := range p.result {
		out[module] = installed
	}
	return out
}

func (p *moduleProbe) importable(ctx context.Context, module string) bool {
	probeCtx, cancel := context.WithTimeout(ctx, probeTimeout)
	defer cancel()

	_, _, exitCode, err := p.runner.RunCommand(probeCtx, CommandSpec{
		Path:           p.pythonBin,
		Args:           []string{"-I", "-B", "-c", fmt.Sprintf("import %s", module)},
		MaxOutputBytes: 4096,
	})
	return err == nil && exitCode == 0
}
