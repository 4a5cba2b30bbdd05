package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"go.uber.org/goleak"

	"sfmbatch/internal/colmap"
	"sfmbatch/internal/colmapdb"
	"sfmbatch/internal/config"
	"sfmbatch/internal/merge"
	"sfmbatch/internal/postprocess"
	"sfmbatch/internal/reconstruct"
	"sfmbatch/internal/runner"
	"sfmbatch/internal/runner/runnertest"
	"sfmbatch/internal/storage"
)

func imageNames(n int) []string {
	names := make([]string, n)
	for i := range names {
		names[i] = fmt.Sprintf("img_%03d.jpg", i)
	}
	return names
}

func newSource(t *testing.T, n int) string {
	t.Helper()
	source := t.TempDir()
	input := filepath.Join(source, "input")
	if err := os.MkdirAll(input, 0o755); err != nil {
		t.Fatal(err)
	}
	for _, name := range imageNames(n) {
		if err := os.WriteFile(filepath.Join(input, name), []byte(name), 0o644); err != nil {
			t.Fatal(err)
		}
	}
	return source
}

func testConfig() *config.Config {
	cfg := config.Default()
	cfg.Runner.Timeout = config.Duration(5 * time.Second)
	cfg.Runner.Retries = 1
	return cfg
}

func mapperFor(batchDir string) func(cmd runner.Command) int {
	return func(cmd runner.Command) int {
		out, _ := runnertest.Flag(cmd, "--output_path")
		if cmd.Stage == colmap.StageMap && strings.Contains(out, batchDir+string(filepath.Separator)) {
			return 1
		}
		return 0
	}
}

// Batch 1 of 3 fails; the run still succeeds and merges batches 0 and 2.
func TestRunSkipsFailedBatch(t *testing.T) {
	source := newSource(t, 250)
	tc := &runnertest.Toolchain{Fail: mapperFor("batch_1")}
	fake := &runnertest.Executor{Handler: tc.Handler()}
	p := New(fake, nil, slog.Default())

	res, err := p.Run(context.Background(), Request{SourceDir: source, Config: testConfig()})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if res.Images != 250 || res.Batches != 3 {
		t.Fatalf("unexpected counts: %d images, %d batches", res.Images, res.Batches)
	}
	var sizes []int
	var statuses []reconstruct.Status
	for _, o := range res.Outcomes {
		sizes = append(sizes, len(o.Batch.Images))
		statuses = append(statuses, o.Status)
	}
	if diff := cmp.Diff([]int{100, 100, 50}, sizes); diff != "" {
		t.Fatalf("unexpected batch sizes (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]reconstruct.Status{reconstruct.Succeeded, reconstruct.Failed, reconstruct.Succeeded}, statuses); diff != "" {
		t.Fatalf("unexpected statuses (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]int{0, 2}, res.Merge.Merged); diff != "" {
		t.Fatalf("unexpected merged batches (-want +got):\n%s", diff)
	}

	names := imageNames(250)
	want := strings.Join(names[0:100], "\n") + "\n" + strings.Join(names[200:250], "\n") + "\n"
	got, err := os.ReadFile(merge.DatabasePath(source))
	if err != nil {
		t.Fatalf("read merged database: %v", err)
	}
	if string(got) != want {
		t.Fatalf("merged database does not contain batches 0 and 2 in order")
	}

	for i := 0; i < 3; i++ {
		if _, err := os.Stat(filepath.Join(source, fmt.Sprintf("batch_%d", i))); !os.IsNotExist(err) {
			t.Fatalf("batch_%d was not cleaned up", i)
		}
	}
	if _, err := os.Stat(filepath.Join(source, "sparse", "0", "cameras.bin")); err != nil {
		t.Fatalf("expected canonical sparse/0 model: %v", err)
	}
	if _, err := os.Stat(postprocess.ModelDir(source)); err != nil {
		t.Fatalf("expected global model: %v", err)
	}
}

// A command that times out on every attempt is tried retries+1 times and the
// run exits non-zero.
func TestRunTimeoutExhaustsRetries(t *testing.T) {
	source := newSource(t, 3)
	os.MkdirAll(postprocess.ModelDir(source), 0o755)
	var attempts atomic.Int32
	fake := &runnertest.Executor{Handler: func(ctx context.Context, cmd runner.Command) (int, error) {
		if cmd.Stage == colmap.StageUndistort {
			attempts.Add(1)
			<-ctx.Done()
			return -1, ctx.Err()
		}
		return 0, nil
	}}
	store := newStore(t)
	cfg := testConfig()
	cfg.Runner.Timeout = config.Duration(20 * time.Millisecond)

	res, err := New(fake, store, slog.Default()).Run(context.Background(), Request{SourceDir: source, Config: cfg, SkipMatching: true})
	if err == nil {
		t.Fatalf("expected fatal timeout")
	}
	if !errors.Is(err, runner.ErrTimeout) {
		t.Fatalf("expected timeout cause, got %v", err)
	}
	if attempts.Load() != 2 {
		t.Fatalf("expected 2 attempts, got %d", attempts.Load())
	}
	if runner.ExitCode(err) == 0 {
		t.Fatalf("exit code must be non-zero")
	}

	recs, err := store.Attempts(res.RunID)
	if err != nil {
		t.Fatalf("attempts: %v", err)
	}
	if len(recs) != 2 || !recs[0].TimedOut || !recs[1].TimedOut {
		t.Fatalf("expected 2 timed out attempts recorded, got %+v", recs)
	}
	run, err := store.Run(res.RunID)
	if err != nil {
		t.Fatalf("run record: %v", err)
	}
	if run.Status != storage.RunFailed || run.Error == "" {
		t.Fatalf("expected failed run record, got %+v", run)
	}
}

func TestRunNoImagesIsFatal(t *testing.T) {
	source := newSource(t, 0)
	fake := &runnertest.Executor{}
	_, err := New(fake, nil, slog.Default()).Run(context.Background(), Request{SourceDir: source, Config: testConfig()})
	if !errors.Is(err, merge.ErrNoUsableDatabases) {
		t.Fatalf("expected no usable databases, got %v", err)
	}
	if len(fake.Calls()) != 0 {
		t.Fatalf("no command should run, got %v", fake.Subcommands())
	}
	if runner.ExitCode(err) != 1 {
		t.Fatalf("expected exit code 1, got %d", runner.ExitCode(err))
	}
}

func TestRunAllBatchesFailIsFatal(t *testing.T) {
	source := newSource(t, 20)
	tc := &runnertest.Toolchain{NoModel: func(string) bool { return true }}
	cfg := testConfig()
	cfg.Reconstruction.BatchSize = 10

	_, err := New(&runnertest.Executor{Handler: tc.Handler()}, nil, slog.Default()).Run(context.Background(), Request{SourceDir: source, Config: cfg})
	if !errors.Is(err, merge.ErrNoUsableDatabases) {
		t.Fatalf("expected no usable databases, got %v", err)
	}
	for i := 0; i < 2; i++ {
		if _, err := os.Stat(filepath.Join(source, fmt.Sprintf("batch_%d", i))); !os.IsNotExist(err) {
			t.Fatalf("batch_%d must be cleaned up after a failed merge", i)
		}
	}
}

func TestParallelWorkersKeepMergeOrder(t *testing.T) {
	defer goleak.VerifyNone(t)

	source := newSource(t, 40)
	tc := &runnertest.Toolchain{}
	handler := tc.Handler()
	fake := &runnertest.Executor{Handler: func(ctx context.Context, cmd runner.Command) (int, error) {
		// earlier batches finish last
		if cmd.Stage == colmap.StageExtract {
			db, _ := runnertest.Flag(cmd, "--database_path")
			if strings.Contains(db, "batch_0") {
				time.Sleep(60 * time.Millisecond)
			} else if strings.Contains(db, "batch_1") {
				time.Sleep(30 * time.Millisecond)
			}
		}
		return handler(ctx, cmd)
	}}
	cfg := testConfig()
	cfg.Reconstruction.BatchSize = 10
	cfg.Reconstruction.Workers = 4

	res, err := New(fake, nil, slog.Default()).Run(context.Background(), Request{SourceDir: source, Config: cfg})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if diff := cmp.Diff([]int{0, 1, 2, 3}, res.Merge.Merged); diff != "" {
		t.Fatalf("merge order depends on completion order (-want +got):\n%s", diff)
	}
	got, _ := os.ReadFile(merge.DatabasePath(source))
	if string(got) != strings.Join(imageNames(40), "\n")+"\n" {
		t.Fatalf("merged database out of order")
	}
}

func TestRunRecordsHistory(t *testing.T) {
	source := newSource(t, 15)
	store := newStore(t)
	tc := &runnertest.Toolchain{Fail: mapperFor("batch_1")}
	cfg := testConfig()
	cfg.Reconstruction.BatchSize = 10

	inspect := func(path string) (colmapdb.Stats, error) {
		return colmapdb.Stats{Cameras: 1, Images: 10, Keypoints: 52000, MatchedPairs: 45}, nil
	}
	res, err := New(&runnertest.Executor{Handler: tc.Handler()}, store, slog.Default(), WithInspector(inspect)).Run(context.Background(), Request{SourceDir: source, Config: cfg})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	run, err := store.Run(res.RunID)
	if err != nil {
		t.Fatalf("run record: %v", err)
	}
	if run.Status != storage.RunCompleted || run.ImageCount != 15 || run.BatchCount != 2 {
		t.Fatalf("unexpected run record %+v", run)
	}
	batches, err := store.Batches(res.RunID)
	if err != nil {
		t.Fatalf("batches: %v", err)
	}
	if len(batches) != 2 || batches[0].Status != string(reconstruct.Succeeded) || batches[1].Status != string(reconstruct.Failed) {
		t.Fatalf("unexpected batch records %+v", batches)
	}
	if batches[0].RegisteredImages != 10 || batches[0].Keypoints != 52000 || batches[0].MatchedPairs != 45 {
		t.Fatalf("database statistics not recorded: %+v", batches[0])
	}
}

func TestSubscribeReceivesEvents(t *testing.T) {
	source := newSource(t, 5)
	tc := &runnertest.Toolchain{}
	p := New(&runnertest.Executor{Handler: tc.Handler()}, nil, slog.Default())
	events, unsub := p.Subscribe()

	if _, err := p.Run(context.Background(), Request{SourceDir: source, Config: testConfig()}); err != nil {
		t.Fatalf("run: %v", err)
	}
	unsub()

	var stages []string
	for ev := range events {
		if ev.Status == StatusSucceeded {
			stages = append(stages, ev.Stage)
		}
	}
	want := []string{StageReconstruct, StageMerge, StageGlobal, StagePostprocess, StageRun}
	if diff := cmp.Diff(want, stages); diff != "" {
		t.Fatalf("unexpected event sequence (-want +got):\n%s", diff)
	}
}

func TestRunWithResize(t *testing.T) {
	source := newSource(t, 4)
	tc := &runnertest.Toolchain{}
	fake := &runnertest.Executor{Handler: tc.Handler()}
	cfg := testConfig()
	cfg.Tools.Magick = "/opt/im/magick"

	res, err := New(fake, nil, slog.Default()).Run(context.Background(), Request{SourceDir: source, Config: cfg, Resize: true})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if len(res.Artifact.Pyramids) != 3 {
		t.Fatalf("expected 3 pyramid levels, got %v", res.Artifact.Pyramids)
	}
	resizes := 0
	for _, c := range fake.Calls() {
		if c.Stage == postprocess.StageResize {
			resizes++
			if c.Name != "/opt/im/magick" {
				t.Fatalf("unexpected resize executable %s", c.Name)
			}
		}
	}
	if resizes != 12 {
		t.Fatalf("expected 12 resize commands, got %d", resizes)
	}
}

func TestRunCancelled(t *testing.T) {
	source := newSource(t, 30)
	ctx, cancel := context.WithCancel(context.Background())
	fake := &runnertest.Executor{Handler: func(c context.Context, cmd runner.Command) (int, error) {
		cancel()
		<-c.Done()
		return -1, c.Err()
	}}
	cfg := testConfig()
	cfg.Reconstruction.BatchSize = 10

	_, err := New(fake, nil, slog.Default()).Run(ctx, Request{SourceDir: source, Config: cfg})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected cancellation, got %v", err)
	}
	if len(fake.Calls()) != 1 {
		t.Fatalf("no further commands may start after cancellation, got %d", len(fake.Calls()))
	}
	for i := 0; i < 3; i++ {
		if _, err := os.Stat(filepath.Join(source, fmt.Sprintf("batch_%d", i))); !os.IsNotExist(err) {
			t.Fatalf("batch_%d left behind after cancellation", i)
		}
	}
}

func newStore(t *testing.T) *storage.Store {
	t.Helper()
	s, err := storage.New(filepath.Join(t.TempDir(), "runs.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}
