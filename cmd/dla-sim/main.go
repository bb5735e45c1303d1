package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"runtime/pprof"
	"syscall"
	"time"

	"github.com/sugawarayuuta/sonnet"

	"github.com/ehrlich-b/go-dla"
	"github.com/ehrlich-b/go-dla/emu"
	"github.com/ehrlich-b/go-dla/internal/logging"
)

// simConfig is the workload shape, loadable from a JSON file via -config.
type simConfig struct {
	Queues     int    `json:"queues"`
	Tasks      int    `json:"tasks"`
	Pool       int    `json:"pool"`
	ExecDelay  string `json:"exec_delay"`
	Chain      bool   `json:"chain"`
	FaultEvery int    `json:"fault_every"`
	Bypass     bool   `json:"bypass"`
}

// simReport is printed to stdout as JSON when the run finishes.
type simReport struct {
	Queues        int     `json:"queues"`
	TasksPerQueue int     `json:"tasks_per_queue"`
	Submitted     uint64  `json:"submitted"`
	Completed     uint64  `json:"completed"`
	Faulted       uint64  `json:"faulted"`
	Aborted       uint64  `json:"aborted"`
	SubmitErrors  uint64  `json:"submit_errors"`
	Executed      uint64  `json:"engine_executed"`
	ElapsedMs     float64 `json:"elapsed_ms"`
	TasksPerSec   float64 `json:"tasks_per_second"`
	AvgLatencyUs  float64 `json:"avg_latency_us"`
	P50LatencyUs  float64 `json:"p50_latency_us"`
	P99LatencyUs  float64 `json:"p99_latency_us"`
	PowerUngates  int     `json:"power_ungates"`
	Interrupted   bool    `json:"interrupted"`

	Engine dla.EngineInfo `json:"engine"`
}

func main() {
	var (
		queues     = flag.Int("queues", 2, "Number of task queues")
		tasks      = flag.Int("tasks", 64, "Tasks submitted per queue")
		pool       = flag.Int("pool", 32, "Descriptor pool capacity shared by all queues")
		execDelay  = flag.Duration("exec-delay", 0, "Simulated per-task workload duration")
		chain      = flag.Bool("chain", false, "Fence each queue's tasks on the previous queue's signals")
		faultEvery = flag.Int("fault-every", 0, "Inject an engine fault on roughly every Nth task (0 disables)")
		bypass     = flag.Bool("bypass", false, "Set the bypass-execution flag on every task (dry run)")
		configPath = flag.String("config", "", "JSON workload file overriding the flags above")
		cpuprofile = flag.String("cpuprofile", "", "Write a CPU profile to this file")
		verbose    = flag.Bool("v", false, "Verbose output")
	)
	flag.Parse()

	cfg := simConfig{
		Queues:     *queues,
		Tasks:      *tasks,
		Pool:       *pool,
		Chain:      *chain,
		FaultEvery: *faultEvery,
		Bypass:     *bypass,
	}
	delay := *execDelay

	if *configPath != "" {
		data, err := os.ReadFile(*configPath)
		if err != nil {
			log.Fatalf("Cannot read config '%s': %v", *configPath, err)
		}
		if err := sonnet.Unmarshal(data, &cfg); err != nil {
			log.Fatalf("Invalid config '%s': %v", *configPath, err)
		}
		if cfg.ExecDelay != "" {
			delay, err = time.ParseDuration(cfg.ExecDelay)
			if err != nil {
				log.Fatalf("Invalid exec_delay '%s': %v", cfg.ExecDelay, err)
			}
		}
	}

	if cfg.Queues < 1 || cfg.Tasks < 1 || cfg.Pool < 1 {
		log.Fatalf("queues, tasks, and pool must all be positive")
	}

	// Set up logging
	logConfig := logging.DefaultConfig()
	if *verbose {
		logConfig.Level = logging.LevelDebug
	}
	logger := logging.NewLogger(logConfig)
	logging.SetDefault(logger)

	if *cpuprofile != "" {
		f, err := os.Create(*cpuprofile)
		if err != nil {
			log.Fatalf("Cannot create profile '%s': %v", *cpuprofile, err)
		}
		if err := pprof.StartCPUProfile(f); err != nil {
			log.Fatalf("Cannot start CPU profile: %v", err)
		}
		defer pprof.StopCPUProfile()
	}

	level := "info"
	if *verbose {
		level = "debug"
	}

	// Build the emulated engine and wire the host stack onto it.
	space := emu.NewSpace()
	counters := emu.NewCounterTable(cfg.Queues + 8)
	fences := emu.NewFenceTable()
	gate := emu.NewClockGate()

	hwCfg := emu.DefaultConfig()
	hwCfg.ExecDelay = delay
	hwCfg.Queues = cfg.Queues
	hwCfg.Logger = logger
	hw := emu.NewEngine(space, counters, hwCfg)

	eng, err := dla.Open(dla.Params{
		TaskPoolCapacity: cfg.Pool,
		MaxQueues:        cfg.Queues,
		ArenaBase:        0x8000_0000,
	}, dla.Services{
		Buffers:   space,
		Counters:  counters,
		Notifier:  counters,
		Transport: hw,
		FenceSet:  fences,
		Power:     gate,
	}, &dla.Options{LogLevel: level, LogFormat: "text"})
	if err != nil {
		logger.Error("failed to open engine", "error", err)
		os.Exit(1)
	}

	base, mem := eng.Arena()
	space.MapArena(base, mem)

	ctx := context.Background()
	closeAll := func() {
		hw.Close()
		if err := eng.Close(ctx); err != nil {
			logger.Error("engine close", "error", err)
		}
	}

	qs := make([]*dla.Queue, cfg.Queues)
	statusBufs := make([]dla.BufferHandle, cfg.Queues)
	stampBufs := make([]dla.BufferHandle, cfg.Queues)
	for i := range qs {
		q, err := eng.OpenQueue()
		if err != nil {
			logger.Error("failed to open queue", "error", err)
			closeAll()
			os.Exit(1)
		}
		qs[i] = q
		statusBufs[i] = space.NewBuffer(cfg.Tasks * 16)
		stampBufs[i] = space.NewBuffer(cfg.Tasks * 8)
	}

	fmt.Printf("Submitting %d tasks across %d queues (pool %d, exec delay %s)\n",
		cfg.Tasks*cfg.Queues, cfg.Queues, cfg.Pool, delay)
	if cfg.Chain {
		fmt.Printf("Chain mode: queue N waits on queue N-1 signals\n")
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	var (
		window      []*dla.Task
		interrupted bool
		submitted   int
	)

	// Keep one slot free so task creation never has to retry.
	windowCap := cfg.Pool - 1
	if windowCap < 1 {
		windowCap = 1
	}

	// drainOne retires the oldest in-flight task, freeing its pool slot.
	// On failure the task stays in the window so cleanup releases it.
	drainOne := func() bool {
		task := window[0]
		deadline := time.Now().Add(30 * time.Second)
		for task.State() != dla.TaskStateCompleted {
			if time.Now().After(deadline) {
				logger.Error("task stuck", "sequence", task.Sequence(), "state", task.State().String())
				return false
			}
			select {
			case <-sigCh:
				interrupted = true
				return false
			default:
			}
			time.Sleep(50 * time.Microsecond)
		}
		window = window[1:]
		task.Release()
		return true
	}

	start := time.Now()

submitLoop:
	for j := 0; j < cfg.Tasks; j++ {
		// prev carries this round's signal from queue i-1 to queue i.
		var prev dla.SignalFence
		for i, q := range qs {
			for len(window) >= windowCap {
				if !drainOne() {
					break submitLoop
				}
			}
			select {
			case <-sigCh:
				interrupted = true
				break submitLoop
			default:
			}

			spec := dla.TaskSpec{
				EndStatus:     []dla.StatusEntry{{Handle: statusBufs[i], Offset: uint32(j * 16), Status: 1}},
				EndTimestamps: []dla.TimestampEntry{{Handle: stampBufs[i], Offset: uint32(j * 8)}},
				Postfences:    []dla.Fence{{Type: dla.FenceSyncpoint, Action: dla.FenceSignal}},
				BypassExec:    cfg.Bypass,
			}
			if cfg.Chain && i > 0 {
				handle := fences.Create(dla.SyncPoint{CounterID: prev.CounterID, Threshold: prev.Value})
				spec.Prefences = []dla.Fence{{Type: dla.FenceSyncFD, Action: dla.FenceWait, Handle: handle}}
			}

			task, err := q.NewTask(ctx, spec)
			if err != nil {
				logger.Error("task create failed", "queue", q.ID(), "index", j, "error", err)
				break submitLoop
			}
			prev = task.SignalFences()[0]

			if cfg.FaultEvery > 0 && submitted%cfg.FaultEvery == cfg.FaultEvery-1 {
				hw.FailNextTask(0x46)
			}

			if err := q.Submit(task); err != nil {
				logger.Error("submit failed", "queue", q.ID(), "index", j, "error", err)
				task.Release()
				continue
			}
			submitted++
			window = append(window, task)
		}
	}

	if interrupted {
		logger.Info("interrupted, aborting outstanding work")
		if err := eng.AbortAll(ctx); err != nil {
			logger.Error("abort failed", "error", err)
		}
		for _, task := range window {
			task.Release()
		}
		window = nil
	}

	for len(window) > 0 {
		if !drainOne() {
			if err := eng.AbortAll(ctx); err != nil {
				logger.Error("abort failed", "error", err)
			}
			for _, task := range window {
				task.Release()
			}
			window = nil
		}
	}

	elapsed := time.Since(start)
	snap := eng.MetricsSnapshot()
	info := eng.Info()
	executed := hw.Executed()
	closeAll()

	report := simReport{
		Queues:        cfg.Queues,
		TasksPerQueue: cfg.Tasks,
		Submitted:     snap.SubmittedTasks,
		Completed:     snap.CompletedTasks,
		Faulted:       snap.FaultedTasks,
		Aborted:       snap.AbortedTasks,
		SubmitErrors:  snap.SubmitErrors,
		Executed:      executed,
		ElapsedMs:     float64(elapsed.Microseconds()) / 1e3,
		TasksPerSec:   snap.TasksPerSecond,
		AvgLatencyUs:  float64(snap.AvgLatencyNs) / 1e3,
		P50LatencyUs:  float64(snap.LatencyP50Ns) / 1e3,
		P99LatencyUs:  float64(snap.LatencyP99Ns) / 1e3,
		PowerUngates:  gate.Ungates(),
		Interrupted:   interrupted,
		Engine:        info,
	}

	out, err := sonnet.Marshal(report)
	if err != nil {
		logger.Error("report marshal failed", "error", err)
		os.Exit(1)
	}
	fmt.Printf("%s\n", out)
}
