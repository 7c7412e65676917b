// adaptivec-dump compiles a built-in sample program through the full
// tiering pipeline and dumps the emitted routine traces and profile
// snapshots as JSON, the debug surface the runtime offers (it keeps no
// on-disk state otherwise).
package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/segmentio/encoding/json"
	"go.uber.org/zap"

	"github.com/vbk/adaptivec/internal/config"
	"github.com/vbk/adaptivec/internal/graph"
	"github.com/vbk/adaptivec/internal/nexus"
	"github.com/vbk/adaptivec/internal/obs"
	"github.com/vbk/adaptivec/internal/profile"
)

func main() {
	configPath := flag.String("config", "", "path to adaptivec.toml (defaults apply when empty)")
	calls := flag.Int("calls", 200, "warmup invocations before dumping")
	arg := flag.Int64("n", 10, "argument passed on each warmup call")
	flag.Parse()

	if err := run(*configPath, *calls, *arg); err != nil {
		fmt.Fprintln(os.Stderr, "adaptivec-dump:", err)
		os.Exit(1)
	}
}

func run(configPath string, calls int, arg int64) error {
	cfg := config.Default()
	if configPath != "" {
		loaded, err := config.Load(configPath)
		if err != nil {
			return err
		}
		cfg = loaded
	}
	log, err := obs.New(cfg.LogLevel)
	if err != nil {
		return err
	}
	defer log.Sync()

	reg := nexus.NewRegistry(cfg, log)
	nx := reg.DefineFunction("fib", buildFib())

	for i := 0; i < calls; i++ {
		if _, err := reg.Call(nx.Function().ID, arg); err != nil {
			return err
		}
	}
	res, err := reg.Call(nx.Function().ID, arg)
	if err != nil {
		return err
	}
	log.Info("warmup complete", zap.Int("calls", calls), zap.Any("result", res))

	dump := struct {
		Function    string                      `json:"function"`
		Invocations int64                       `json:"invocations"`
		Compiled    bool                        `json:"compiled"`
		Specialized bool                        `json:"specialized"`
		Profiles    map[string]profile.Snapshot `json:"profiles"`
		Routines    map[string][]string         `json:"routines"`
	}{
		Function:    nx.Function().Name,
		Invocations: nx.Function().Invocations(),
		Compiled:    nx.IsCompiled(),
		Specialized: nx.HasSpecialized(),
		Profiles:    nx.ProfileSnapshot(),
		Routines:    nx.RoutineTraces(),
	}
	out, err := json.MarshalIndent(dump, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(out))
	return nil
}

// buildFib constructs fib(n) = if n < 2 then 1 else fib(n-1) + fib(n-2),
// in A-normal form: the two recursive results are let-bound before the
// addition since call arguments and primitive operands must be atomic.
func buildFib() *graph.Function {
	fn := graph.NewFunction("fib", "fib")
	n := graph.NewVariableDefinition("n", fn)
	a := graph.NewVariableDefinition("a", fn)
	b := graph.NewVariableDefinition("b", fn)
	fn.Params = []*graph.VariableDefinition{n}
	fn.Locals = []*graph.VariableDefinition{a, b}

	body := graph.NewIf(
		graph.NewPrimitive2("<", graph.NewGetVar(n), graph.NewConstInt(2)),
		graph.NewConstInt(1),
		graph.NewLet(a,
			graph.NewCall1(graph.NewDirectFunction("fib"),
				graph.NewPrimitive2("-", graph.NewGetVar(n), graph.NewConstInt(1))),
			graph.NewLet(b,
				graph.NewCall1(graph.NewDirectFunction("fib"),
					graph.NewPrimitive2("-", graph.NewGetVar(n), graph.NewConstInt(2))),
				graph.NewPrimitive2("+", graph.NewGetVar(a), graph.NewGetVar(b)),
				false),
			false),
	)
	return graph.NewBuilder(fn).Finish(body)
}
