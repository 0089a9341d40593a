// Command rhidemo drives a device through a few frames of uploads and
// acceleration structure builds and prints the queue bookkeeping.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/Carmen-Shannon/automation/tools/worker"
	"github.com/cockroachdb/errors"
	"github.com/gogpu/gputypes"

	"github.com/gogpu/rhi"
	"github.com/gogpu/rhi/backend"
	_ "github.com/gogpu/rhi/backend/software"
	_ "github.com/gogpu/rhi/backend/wgpu"
	"github.com/gogpu/rhi/gpucore"
)

type config struct {
	backend   string
	frames    int
	blas      int
	instances int
	chunk     uint64
	workers   int
	verbose   bool
}

func main() {
	var cfg config
	flag.StringVar(&cfg.backend, "backend", "", "backend name (default: best available)")
	flag.IntVar(&cfg.frames, "frames", 4, "frames to record")
	flag.IntVar(&cfg.blas, "blas", 4, "bottom-level structures")
	flag.IntVar(&cfg.instances, "instances", 1024, "top-level instances per frame")
	flag.Uint64Var(&cfg.chunk, "chunk", rhi.DefaultUploadChunkSize, "upload chunk size in bytes")
	flag.IntVar(&cfg.workers, "workers", 0, "instance conversion workers (0: built-in pool)")
	flag.BoolVar(&cfg.verbose, "verbose", false, "log at debug level")
	flag.Parse()

	level := slog.LevelInfo
	if cfg.verbose {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	rhi.SetLogger(logger)

	if err := run(cfg, logger); err != nil {
		logger.Error("rhidemo failed", "err", err)
		os.Exit(1)
	}
}

func openNative(name string) (gpucore.Device, string, error) {
	if name == "" {
		return backend.Default()
	}
	dev, err := backend.Open(name)
	return dev, name, err
}

func run(cfg config, logger *slog.Logger) error {
	native, name, err := openNative(cfg.backend)
	if err != nil {
		return errors.Wrap(err, "open backend")
	}
	logger.Info("backend selected", "name", name, "available", backend.Available())

	opts := []rhi.Option{rhi.WithUploadChunkSize(cfg.chunk)}
	if cfg.workers > 0 {
		pool := worker.NewDynamicWorkerPool(cfg.workers, cfg.workers*16, 30*time.Second)
		opts = append(opts, rhi.WithWorkerPool(rhi.FromDynamicWorkerPool(pool)))
	}
	dev, err := rhi.NewDevice(native, opts...)
	if err != nil {
		native.Destroy()
		return err
	}
	defer func() {
		if err := dev.Close(); err != nil {
			logger.Warn("close device", "err", err)
		}
	}()

	cl, err := dev.CreateCommandList(rhi.CommandListParams{Queue: rhi.QueueGraphics})
	if err != nil {
		return err
	}
	defer cl.Destroy()

	target, err := dev.CreateBuffer(rhi.BufferDesc{
		Label: "frame-constants",
		Size:  4096,
		Usage: gputypes.BufferUsageUniform | gputypes.BufferUsageCopyDst,
	})
	if err != nil {
		return err
	}
	defer target.Release()

	var scene *sceneState
	if dev.Capabilities().RayTracing && cfg.blas > 0 {
		scene, err = newScene(dev, cfg.blas, cfg.instances)
		if err != nil {
			return err
		}
		defer scene.release()
	} else {
		logger.Info("ray tracing unavailable, uploads only")
	}

	ctx := context.Background()
	payload := make([]byte, target.Size())
	for frame := range cfg.frames {
		if err := dev.BeginFrame(ctx); err != nil {
			return err
		}
		for i := range payload {
			payload[i] = byte(frame + i)
		}
		if err := recordFrame(cl, target, payload, scene, frame); err != nil {
			return errors.Wrapf(err, "frame %d", frame)
		}
		id, err := dev.ExecuteCommandLists(rhi.QueueGraphics, cl)
		if err != nil {
			return errors.Wrapf(err, "frame %d", frame)
		}
		if err := dev.EndFrame(); err != nil {
			return err
		}
		logger.Debug("frame submitted", "frame", frame, "id", id)
	}

	if err := dev.WaitForIdle(); err != nil {
		return err
	}
	dev.RunGarbageCollection()
	printStats(dev.Stats())
	return nil
}

func recordFrame(cl *rhi.CommandList, target *rhi.Buffer, payload []byte, scene *sceneState, frame int) error {
	if err := cl.Open(); err != nil {
		return err
	}
	if err := cl.WriteBuffer(target, payload, 0); err != nil {
		return err
	}
	if err := cl.SetBufferState(target, rhi.StateConstantBuffer); err != nil {
		return err
	}
	if scene != nil {
		if err := scene.record(cl, frame); err != nil {
			return err
		}
	}
	cl.CommitBarriers()
	return cl.Close()
}

func printStats(s rhi.DeviceStats) {
	for k, q := range s.Queues {
		if q.LastSubmittedID == 0 {
			continue
		}
		fmt.Printf("%-8s submitted=%d finished=%d in-flight=%d pooled=%d\n",
			gpucore.QueueKind(k), q.LastSubmittedID, q.LastFinishedID, q.InFlight, q.Pooled)
	}
	fmt.Printf("compactions pending=%d build-size cache hits=%d misses=%d\n",
		s.PendingCompactions, s.BuildSizeHits, s.BuildSizeMisses)
}
