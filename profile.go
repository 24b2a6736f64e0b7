package main

import (
	"log"
	"os"
	"runtime"
	"runtime/pprof"
	"runtime/trace"
)

// profiling starts a CPU profile and execution trace if their paths are set.
// The returned function stops them, and writes a heap profile if mempath is set.
func profiling(cpupath, mempath, tracepath string) (stop func()) {
	var stops []func()
	closeFile := func(f *os.File, what string) {
		if err := f.Close(); err != nil {
			log.Printf("closing %s: %v", what, err)
		}
	}

	if cpupath != "" {
		f, err := os.Create(cpupath)
		xcheckf(err, "creating cpu profile")
		err = pprof.StartCPUProfile(f)
		xcheckf(err, "starting cpu profile")
		stops = append(stops, func() {
			pprof.StopCPUProfile()
			closeFile(f, "cpu profile")
		})
	}
	if tracepath != "" {
		f, err := os.Create(tracepath)
		xcheckf(err, "creating trace file")
		err = trace.Start(f)
		xcheckf(err, "starting trace")
		stops = append(stops, func() {
			trace.Stop()
			closeFile(f, "trace file")
		})
	}

	return func() {
		for _, fn := range stops {
			fn()
		}
		if mempath == "" {
			return
		}
		f, err := os.Create(mempath)
		xcheckf(err, "creating memory profile")
		defer closeFile(f, "memory profile")
		runtime.GC() // For up-to-date statistics.
		err = pprof.WriteHeapProfile(f)
		xcheckf(err, "writing memory profile")
	}
}
