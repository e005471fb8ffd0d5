// Command marrowd boots a Marrow kernel instance, spawns init, and runs
// until init exits. It is the hosted stand-in for the bootloader handing
// control to kernel_main (spec.md §9's initialization ordering), grounded
// on the flag-driven single-purpose main() biscuit's own tree uses for its
// build tools (biscuit/src/kernel/chentry.go).
package main

import (
	"flag"
	"log"
	"os"
	"time"

	"github.com/marrow-os/marrow/internal/kconfig"
	"github.com/marrow-os/marrow/internal/kernel"
	"github.com/marrow-os/marrow/internal/klog"
)

func main() {
	initPath := flag.String("init", "/bin/echo", "builtin program to exec as pid 1")
	level := flag.String("loglevel", "info", "error, warn, info, or trace")
	small := flag.Bool("small", false, "boot with kconfig.Small() limits instead of Default()")
	flag.Parse()

	klog.SetLevel(parseLevel(*level))

	limits := kconfig.Default()
	if *small {
		limits = kconfig.Small()
	}

	bi := kernel.GatherBootInfo()
	klog.Infof("marrowd: bootinfo total=%dMB free=%dMB", bi.TotalMemBytes/(1<<20), bi.FreeMemBytes/(1<<20))

	k := kernel.New(limits)
	klog.Infof("marrowd: booting, init=%s maxprocs=%d maxfds=%d", *initPath, limits.MaxProcesses, limits.MaxFds)

	init, err := k.Boot(*initPath)
	if err != 0 {
		log.Fatalf("marrowd: boot failed: %d", err)
	}
	klog.Infof("marrowd: init running as pid %d", init.Pid)

	waitExit(init)
	code := init.ExitCode()
	k.Shutdown()
	klog.Infof("marrowd: init exited, code %d", code)
	os.Exit(code)
}

// waitExit polls init's exit state. init has no parent process registered
// in the Manager_t's PID table (its ParentPid is 0, a sentinel rather than
// a real process), so Manager_t.Wait's condvar has nothing to wait on;
// polling is the hosted analogue of the idle loop a real kernel_main would
// run after spawning init.
func waitExit(p interface{ DidExit() bool }) {
	for !p.DidExit() {
		time.Sleep(time.Millisecond)
	}
}

func parseLevel(s string) klog.Level {
	switch s {
	case "error":
		return klog.LevelError
	case "warn":
		return klog.LevelWarn
	case "trace":
		return klog.LevelTrace
	default:
		return klog.LevelInfo
	}
}
