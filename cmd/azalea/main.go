// Command azalea boots one kernel instance over a synthetic physical
// memory map and keeps it running until interrupted.
package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/martin-hughes/azalea/internal/boot"
	"github.com/martin-hughes/azalea/internal/klog"
	"github.com/martin-hughes/azalea/internal/physmem"
)

func main() {
	numCPUs := flag.Int("cpus", 4, "number of logical CPUs to bring up")
	memMB := flag.Int("mem-mb", 512, "usable physical memory, in MiB")
	flag.Parse()

	log := klog.Default()

	frames := uint64(*memMB) * 1024 * 1024 / physmem.FrameSize
	if frames == 0 {
		frames = 1
	}

	k, err := boot.Init(boot.Config{
		MaxFrames: frames,
		NumCPUs:   *numCPUs,
		MemoryMap: []physmem.MemRegion{
			{Start: 0, Length: frames * physmem.FrameSize, Type: physmem.RegionUsable},
		},
		TickInterval: time.Millisecond,
		Logger:       log,
	})
	if err != nil {
		log.Fatal().Err(err).Msg("kernel init failed")
	}
	log.Info().Uint64("pid", k.KernelProcess.PID()).Int("cpus", *numCPUs).Msg("kernel process created")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := k.Start(ctx); err != nil {
		log.Fatal().Err(err).Msg("AP bring-up failed")
	}
	log.Info().Msg("all CPUs running")

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	<-sigCh

	log.Info().Msg("shutting down")
	k.Shutdown()
}
