// Command beamflow is a demo host for the workflow engine: it wires an
// in-memory store, bus, metrics, DLQ sweeper, and chaos monkey to a
// supervisor, registers a linear onboarding pipeline and a branching
// refund pipeline, starts a handful of workflows against them, and
// prints the events flowing off the bus until both finish or fail.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"math/rand"
	"net/http"
	"os"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/beamflow/engine/internal/bus"
	"github.com/beamflow/engine/internal/chaos"
	"github.com/beamflow/engine/internal/config"
	"github.com/beamflow/engine/internal/dlq"
	"github.com/beamflow/engine/internal/emit"
	"github.com/beamflow/engine/internal/graph"
	"github.com/beamflow/engine/internal/metrics"
	"github.com/beamflow/engine/internal/policy"
	"github.com/beamflow/engine/internal/step"
	"github.com/beamflow/engine/internal/store"
	"github.com/beamflow/engine/internal/supervisor"
)

func main() {
	configPath := flag.String("config", "", "path to beamflow.toml (defaults applied if absent)")
	metricsAddr := flag.String("metrics-addr", ":9090", "address to serve /metrics on")
	chaosEnabled := flag.Bool("chaos", false, "enable the chaos monkey for this run")
	emitterKind := flag.String("emitter", "log", "observability backend: log, buffered, or null")
	flag.Parse()

	cfg := config.Load(*configPath)
	if *chaosEnabled {
		cfg.Chaos.Enabled = true
	}

	registry := prometheus.NewRegistry()
	m := metrics.New(registry)
	http.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
	go func() {
		log.Printf("metrics listening on %s/metrics", *metricsAddr)
		if err := http.ListenAndServe(*metricsAddr, nil); err != nil {
			log.Printf("metrics server: %v", err)
		}
	}()

	b := bus.New()
	b.Subscribe(bus.TopicAllWorkflows, func(topic string, payload interface{}) {
		log.Printf("[%s] %v", topic, payload)
	})

	st := store.NewMemStore()
	emitter, buffered := newEmitter(*emitterKind)

	sup := supervisor.New(
		supervisor.Deps{Store: st, Bus: b, Emitter: emitter, Metrics: m},
		supervisor.Config{
			MaxConcurrentWorkflows: cfg.Supervisor.MaxConcurrentWorkflows,
			RestartWindow:          cfg.Supervisor.RestartWindow(),
			MaxRestarts:            cfg.Supervisor.MaxRestarts,
			DefaultStepTimeout:     cfg.Supervisor.DefaultStepTimeout(),
			DLQBaseRetryDelay:      time.Duration(cfg.DLQ.BaseRetryMinutes) * time.Minute,
			DLQMaxRetryDelay:       time.Duration(cfg.DLQ.MaxRetryMinutes) * time.Minute,
		},
	)

	monkey := chaos.New(b)
	sup.SetInjector(monkey)
	monkey.Wire(sup.Registry(), sup)
	if cfg.Chaos.Enabled {
		profile := profileFor(cfg.Chaos.Profile)
		if err := monkey.Enable(profile, cfg.Chaos.Environment); err != nil {
			log.Printf("chaos disabled: %v", err)
		} else {
			ctx, cancel := context.WithCancel(context.Background())
			defer cancel()
			monkey.Start(ctx)
			log.Printf("chaos monkey enabled: profile=%s", profile.Name)
		}
	}

	sweeper := dlq.NewSweeper(st, sup, func(e store.DeadLetterEntry, err error) {
		if err != nil {
			log.Printf("dlq sweep: restart %s failed: %v", e.WorkflowID, err)
		}
	})
	sweepCtx, cancelSweep := context.WithCancel(context.Background())
	defer cancelSweep()
	if err := sweeper.Start(sweepCtx, cfg.DLQ.SweepInterval()); err != nil {
		log.Fatalf("dlq sweeper: %v", err)
	}

	registerOnboarding(sup)
	registerRefund(sup)

	ctx := context.Background()
	if err := sup.StartWorkflow(ctx, "onboarding", "wf-onboarding-1", step.State{"email": "ada@example.com"}); err != nil {
		log.Fatalf("start onboarding: %v", err)
	}
	if err := sup.StartWorkflow(ctx, "refund", "wf-refund-1", step.State{"amount_cents": int64(4250)}); err != nil {
		log.Fatalf("start refund: %v", err)
	}

	waitForTerminal(ctx, sup, "wf-onboarding-1")
	waitForTerminal(ctx, sup, "wf-refund-1")

	if buffered != nil {
		for _, wfID := range []string{"wf-onboarding-1", "wf-refund-1"} {
			for _, ev := range buffered.GetHistory(wfID) {
				log.Printf("history[%s] %s step=%s attempt=%d meta=%v", wfID, ev.EventType, ev.StepID, ev.Attempt, ev.Meta)
			}
		}
	}

	log.Println("demo workflows finished; serving /metrics, Ctrl-C to exit")
	select {}
}

// newEmitter resolves the -emitter flag to a concrete backend. For
// "buffered" it also returns the concrete *emit.BufferedEmitter so the
// caller can query history after the run; nil otherwise.
func newEmitter(kind string) (emit.Emitter, *emit.BufferedEmitter) {
	switch kind {
	case "buffered":
		b := emit.NewBufferedEmitter()
		return b, b
	case "null":
		return emit.NewNullEmitter(), nil
	default:
		return emit.NewLogEmitter(os.Stdout, false), nil
	}
}

func profileFor(name config.ChaosProfile) chaos.Profile {
	switch name {
	case config.ProfileModerate:
		return chaos.Moderate
	case config.ProfileAggressive:
		return chaos.Aggressive
	default:
		return chaos.Gentle
	}
}

// registerOnboarding wires a three-step linear pipeline: validate the
// email, provision an account, send a welcome email. The welcome-email
// step uses the "email" retry policy since outbound mail delivery is
// the one transient-failure-prone call in the pipeline.
func registerOnboarding(sup *supervisor.Supervisor) {
	reg := step.NewRegistry()
	must(reg.Register("validate_email", step.Func{
		Name:          "validate_email",
		ReentrantSafe: true,
		Run: func(_ context.Context, st step.State) (step.State, error) {
			email, _ := st["email"].(string)
			if email == "" {
				return nil, fmt.Errorf("missing_email")
			}
			st["validated"] = true
			return st, nil
		},
	}, "conservative"))
	must(reg.Register("provision_account", step.Func{
		Name:          "provision_account",
		ReentrantSafe: true,
		Run: func(_ context.Context, st step.State) (step.State, error) {
			st["account_id"] = "acct_" + fmt.Sprint(rand.Intn(1_000_000))
			return st, nil
		},
	}, "conservative"))
	must(reg.Register("send_welcome_email", step.Func{
		Name:          "send_welcome_email",
		ReentrantSafe: true,
		Run: func(_ context.Context, st step.State) (step.State, error) {
			st["welcome_sent"] = true
			return st, nil
		},
	}, "email"))

	b := graph.NewBuilder()
	b.AddNode(graph.Start("start"))
	b.AddNode(graph.Step("validate", "validate_email"))
	b.AddNode(graph.Step("provision", "provision_account"))
	b.AddNode(graph.Step("welcome", "send_welcome_email"))
	b.AddNode(graph.End("end"))
	b.AddEdge(graph.Plain("start", "validate"))
	b.AddEdge(graph.Plain("validate", "provision"))
	b.AddEdge(graph.Plain("provision", "welcome"))
	b.AddEdge(graph.Plain("welcome", "end"))
	g, err := b.Build(reg)
	must(err)

	sup.RegisterDefinition("onboarding", supervisor.Definition{
		Graph:    g,
		Steps:    reg,
		Policies: map[string]policy.RetryPolicy{"conservative": policy.Conservative, "email": policy.Email},
	})
}

// reverseChargeStep reverses a payment charge and declares a
// compensation so an upstream step failing later in a larger saga can
// unwind it. It is its own type rather than a step.Func since
// compensation requires the separate step.Compensator interface.
type reverseChargeStep struct{}

func (reverseChargeStep) Contract() step.IdempotencyContract {
	return step.IdempotencyContract{ReentrantSafe: true}
}

func (reverseChargeStep) Validate(context.Context, step.State) error { return nil }

func (reverseChargeStep) Execute(_ context.Context, st step.State) (step.State, error) {
	st["reversed"] = true
	return st, nil
}

func (reverseChargeStep) Compensate(_ context.Context, st step.State) error {
	st["reversed"] = false
	return nil
}

func (reverseChargeStep) Metadata() step.CompensationMetadata {
	return step.CompensationMetadata{Timeout: step.DurationMS(5_000), Retryable: true, Critical: false}
}

// registerRefund wires a branching pipeline: large refunds route
// through a manual fraud-review step before the charge-reversal step
// that both paths share, with a compensation on the charge reversal in
// case a later step in a larger saga needed to unwind it.
func registerRefund(sup *supervisor.Supervisor) {
	reg := step.NewRegistry()
	must(reg.Register("reverse_charge", reverseChargeStep{}, "conservative"))
	must(reg.Register("manual_review", step.Func{
		Name:          "manual_review",
		ReentrantSafe: true,
		Run: func(_ context.Context, st step.State) (step.State, error) {
			st["reviewed"] = true
			return st, nil
		},
	}, "aggressive"))

	b := graph.NewBuilder()
	b.AddNode(graph.Start("start"))
	b.AddNode(graph.Branch("size_check", func(st map[string]interface{}) interface{} {
		amount, _ := st["amount_cents"].(int64)
		if amount >= 10_000 {
			return "large"
		}
		return "small"
	}))
	b.AddNode(graph.Step("review", "manual_review"))
	b.AddNode(graph.Step("reverse", "reverse_charge"))
	b.AddNode(graph.End("end"))
	b.AddEdge(graph.Plain("start", "size_check"))
	b.AddEdge(graph.Case("size_check", "review", "large"))
	b.AddEdge(graph.Default("size_check", "reverse"))
	b.AddEdge(graph.Plain("review", "reverse"))
	b.AddEdge(graph.Plain("reverse", "end"))
	g, err := b.Build(reg)
	must(err)

	sup.RegisterDefinition("refund", supervisor.Definition{
		Graph:    g,
		Steps:    reg,
		Policies: map[string]policy.RetryPolicy{"conservative": policy.Conservative, "aggressive": policy.Aggressive},
	})
}

func waitForTerminal(ctx context.Context, sup *supervisor.Supervisor, workflowID string) {
	deadline := time.Now().Add(30 * time.Second)
	for time.Now().Before(deadline) {
		wf, err := sup.GetState(ctx, workflowID)
		if err == nil && (wf.Status == store.WorkflowCompleted || wf.Status == store.WorkflowFailed) {
			log.Printf("%s -> %s", workflowID, wf.Status)
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	log.Printf("%s did not reach a terminal state within the demo window", workflowID)
}

func must(err error) {
	if err != nil {
		log.Fatal(err)
	}
}
