package engine_test

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strconv"
	"syscall"
	"testing"
	"time"

	"github.com/divvyrun/divvy/internal/engine"
	"github.com/divvyrun/divvy/internal/workerproc"
)

// TestMain intercepts the hidden worker re-exec before the testing package
// gets anywhere near os.Args, the same trick os/exec's own tests use for a
// subprocess helper: a test binary that can also play a non-test role.
func TestMain(m *testing.M) {
	if len(os.Args) > 1 && os.Args[1] == workerproc.WorkerMarker {
		os.Exit(runHelperWorker(os.Args[2:]))
	}
	os.Exit(m.Run())
}

// runHelperWorker parses the re-exec argv by hand (no need to pull in
// go-flags just for the test binary) and runs the named stand-in task's
// worker loop.
func runHelperWorker(argv []string) int {
	var slot int
	var socket, taskName string
	var verbose bool

	for i := 0; i < len(argv); i++ {
		switch argv[i] {
		case "--slot":
			i++
			slot, _ = strconv.Atoi(argv[i])
		case "--socket":
			i++
			socket = argv[i]
		case "--task":
			i++
			taskName = argv[i]
		case "--verbose":
			verbose = true
		}
	}

	task, ok := helperTasks[taskName]
	if !ok {
		fmt.Fprintf(os.Stderr, "unknown helper task %q\n", taskName)
		return 1
	}
	return engine.WorkerMain(task, engine.WorkerOptions{Slot: slot, SocketPath: socket, Verbose: verbose})
}

// --- stand-in tasks run by the re-exec'd worker (looked up by name in
// helperTasks); the master side of each test uses masterEchoTask below ---

// echoCountTask yields n integers and never fails.
type echoCountTask struct {
	n int
}

func (t *echoCountTask) Generate(emit func(engine.Tuple) bool) {
	for i := 0; i < t.n; i++ {
		if !emit(engine.Tuple{int64(i)}) {
			return
		}
	}
}

func (t *echoCountTask) Process(tup engine.Tuple) error {
	return nil
}

// evenFailTask yields n integers and fails processing on even ones.
type evenFailTask struct {
	n int
}

func (t *evenFailTask) Generate(emit func(engine.Tuple) bool) {
	for i := 0; i < t.n; i++ {
		if !emit(engine.Tuple{int64(i)}) {
			return
		}
	}
}

func (t *evenFailTask) Process(tup engine.Tuple) error {
	v := tup[0].(int64)
	if v%2 == 0 {
		return fmt.Errorf("simulated failure on even value %d", v)
	}
	return nil
}

// flapTask's AfterFork exits the child immediately, simulating a worker
// that crashes before it ever dequeues anything.
type flapTask struct {
	infinite bool
}

func (t *flapTask) Generate(emit func(engine.Tuple) bool) {
	i := 0
	for {
		if !emit(engine.Tuple{int64(i)}) {
			return
		}
		i++
		if !t.infinite && i > 1000 {
			return
		}
	}
}

func (t *flapTask) Process(tup engine.Tuple) error { return nil }

func (t *flapTask) AfterFork(h *workerproc.Handle) {
	os.Exit(1)
}

// slowTask's processor sleeps, for forceful-shutdown escalation tests.
type slowTask struct {
	sleep time.Duration
}

func (t *slowTask) Generate(emit func(engine.Tuple) bool) {
	i := 0
	for {
		if !emit(engine.Tuple{int64(i)}) {
			return
		}
		i++
	}
}

func (t *slowTask) Process(tup engine.Tuple) error {
	time.Sleep(t.sleep)
	return nil
}

var helperTasks = map[string]engine.Task{
	"echo10":    &echoCountTask{n: 10},
	"evenfail10": &evenFailTask{n: 10},
	"flap":      &flapTask{infinite: true},
	"slow60":    &slowTask{sleep: 60 * time.Second},
}

func socketPath(t *testing.T, name string) string {
	return fmt.Sprintf("%s/divvy-test-%s-%d.sock", os.TempDir(), name, os.Getpid())
}

// --- master-side tasks used directly by Run (not looked up by name,
// since Generate/Process run in the master's own process) ---

type masterEchoTask struct {
	n int
}

func (t *masterEchoTask) Generate(emit func(engine.Tuple) bool) {
	for i := 0; i < t.n; i++ {
		if !emit(engine.Tuple{int64(i)}) {
			return
		}
	}
}
func (t *masterEchoTask) Process(tup engine.Tuple) error { return nil }

// --- scenario tests ---

// Scenario 1: one worker, one item, no failures -> tasks_distributed == 1,
// failures == 0, socket file removed, run returns normally.
func TestSingleWorkerSingleItem(t *testing.T) {
	sock := socketPath(t, "single")
	opts := engine.NewOptions()
	opts.Workers = 1
	opts.SocketPath = sock
	opts.WorkerExtraArgs = []string{"--task", "echo10"}

	task := &masterEchoTask{n: 1}
	e, err := engine.New(task, opts)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	stats, err := e.Run(ctx)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if stats.TasksDistributed != 1 {
		t.Fatalf("expected 1 task distributed, got %d", stats.TasksDistributed)
	}
	if stats.Failures != 0 {
		t.Fatalf("expected 0 failures, got %d", stats.Failures)
	}
	if _, err := os.Stat(sock); !os.IsNotExist(err) {
		t.Fatalf("expected socket %q to be gone after Run, stat err = %v", sock, err)
	}
}

// Scenario 2: N=5, 10 items, processor fails on even numbers ->
// tasks_distributed == 10, failures == 5, run returns normally.
func TestFailureCounting(t *testing.T) {
	sock := socketPath(t, "failcount")
	opts := engine.NewOptions()
	opts.Workers = 5
	opts.SocketPath = sock
	opts.WorkerExtraArgs = []string{"--task", "evenfail10"}

	task := &masterEchoTask{n: 10}
	e, err := engine.New(task, opts)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	stats, err := e.Run(ctx)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if stats.TasksDistributed != 10 {
		t.Fatalf("expected 10 tasks distributed, got %d", stats.TasksDistributed)
	}
	if stats.Failures != 5 {
		t.Fatalf("expected 5 failures, got %d", stats.Failures)
	}
}

// Scenario 3: N=1, worker's AfterFork exits immediately -> Run fails with
// a BootFailureError, and the socket is gone afterwards.
func TestFlappingWorkersBootFailure(t *testing.T) {
	sock := socketPath(t, "flap")
	opts := engine.NewOptions()
	opts.Workers = 1
	opts.SocketPath = sock
	opts.WorkerExtraArgs = []string{"--task", "flap"}

	task := &masterEchoTask{n: 1000}
	e, err := engine.New(task, opts)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	stats, err := e.Run(ctx)
	if err == nil {
		t.Fatal("expected boot failure error, got nil")
	}
	var boot *engine.BootFailureError
	if !errors.As(err, &boot) {
		t.Fatalf("expected *BootFailureError, got %T: %v", err, err)
	}
	if stats.Failures < 1 {
		t.Fatalf("expected at least 1 failure, got %d", stats.Failures)
	}
	if _, statErr := os.Stat(sock); !os.IsNotExist(statErr) {
		t.Fatalf("expected socket %q to be gone after boot failure, stat err = %v", sock, statErr)
	}
}

// Scenario 4 (abridged): N=2, infinite generator, a programmatic graceful
// shutdown request should drain in-flight items and return within a
// bounded time with no orphan socket file.
func TestGracefulShutdownDrains(t *testing.T) {
	sock := socketPath(t, "graceful")
	opts := engine.NewOptions()
	opts.Workers = 2
	opts.SocketPath = sock
	opts.GracefulTimeout = 5 * time.Second
	opts.WorkerExtraArgs = []string{"--task", "echo10"}

	task := &masterEchoTask{n: 1 << 30} // effectively infinite
	e, err := engine.New(task, opts)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var stats engine.Stats
	var runErr error
	done := make(chan struct{})
	go func() {
		stats, runErr = e.Run(ctx)
		close(done)
	}()

	time.Sleep(200 * time.Millisecond)
	cancel() // engine treats ctx cancellation as a graceful-shutdown request

	select {
	case <-done:
	case <-time.After(10 * time.Second):
		t.Fatal("Run did not return within 10s of a graceful shutdown request")
	}

	if runErr != nil {
		t.Fatalf("Run: %v", runErr)
	}
	if stats.TasksDistributed == 0 {
		t.Fatal("expected at least some tasks to have been distributed before shutdown")
	}
	if _, statErr := os.Stat(sock); !os.IsNotExist(statErr) {
		t.Fatalf("expected socket %q to be gone after graceful shutdown, stat err = %v", sock, statErr)
	}
}

// Scenario 5 (abridged): N=2, processors that sleep far longer than the
// run will wait, a forceful shutdown request must return quickly with a
// ForcefulShutdownError and no socket file left behind.
func TestForcefulShutdownEscalates(t *testing.T) {
	sock := socketPath(t, "forceful")
	opts := engine.NewOptions()
	opts.Workers = 2
	opts.SocketPath = sock
	opts.GracefulTimeout = 30 * time.Second // deliberately long; forceful should bypass it
	opts.WorkerExtraArgs = []string{"--task", "slow60"}

	task := &masterEchoTask{n: 1 << 30}
	e, err := engine.New(task, opts)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	ctx := context.Background()
	var runErr error
	done := make(chan struct{})
	go func() {
		_, runErr = e.Run(ctx)
		close(done)
	}()

	time.Sleep(300 * time.Millisecond)
	if err := syscall.Kill(os.Getpid(), syscall.SIGTERM); err != nil {
		t.Fatalf("Kill(self, SIGTERM): %v", err)
	}

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return within 5s of a forceful shutdown")
	}

	var forceful *engine.ForcefulShutdownError
	if !errors.As(runErr, &forceful) {
		t.Fatalf("expected *ForcefulShutdownError, got %T: %v", runErr, runErr)
	}
	if _, statErr := os.Stat(sock); !os.IsNotExist(statErr) {
		t.Fatalf("expected socket %q to be gone after forceful shutdown, stat err = %v", sock, statErr)
	}
}

// Scenario 6 (abridged): N=4 workers connecting concurrently are all
// served, so every one of the n*3 items is distributed.
func TestListenerServesAllWorkers(t *testing.T) {
	sock := socketPath(t, "backlog")
	const n = 4
	opts := engine.NewOptions()
	opts.Workers = n
	opts.SocketPath = sock
	opts.WorkerExtraArgs = []string{"--task", "echo10"}

	task := &masterEchoTask{n: n * 3}
	e, err := engine.New(task, opts)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	stats, err := e.Run(ctx)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if stats.TasksDistributed != n*3 {
		t.Fatalf("expected %d tasks distributed, got %d", n*3, stats.TasksDistributed)
	}
}
