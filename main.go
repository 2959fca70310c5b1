//go:build linux

// Command uhyve boots a HermitCore unikernel under KVM.
//
//	uhyve [flags] kernel [args...]
//
// The guest is configured through HERMIT_* environment variables:
// memory size, core count, and tap networking among others. If the
// checkpoint directory holds a saved guest, uhyve restores it instead
// of booting the kernel from scratch. SIGUSR1 saves a checkpoint on
// demand; the -checkpoint flag saves one on an interval.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/uhyve-go/uhyve/checkpoint"
	"github.com/uhyve-go/uhyve/hermit"
	"github.com/uhyve-go/uhyve/hypercall"
	"github.com/uhyve-go/uhyve/tap"
	"github.com/uhyve-go/uhyve/vm"
	"golang.org/x/sys/unix"
	"golang.org/x/term"
)

func main() {
	var (
		chkDir      = flag.String("chk-dir", "checkpoint", "set the checkpoint directory")
		chkInterval = flag.Duration("checkpoint", 0, "save a checkpoint on an interval (0 disables)")
	)

	flag.Parse()

	if flag.NArg() < 1 {
		fmt.Fprintf(os.Stderr, "usage: %s [flags] kernel [args...]\n", os.Args[0])
		flag.PrintDefaults()
		os.Exit(2)
	}

	log := logrus.New()
	log.SetFormatter(&logrus.TextFormatter{
		ForceColors: term.IsTerminal(int(os.Stderr.Fd())),
	})

	cfg, err := configFromEnv()
	if err != nil {
		log.Fatal(err)
	}

	if cfg.Verbose {
		log.SetLevel(logrus.DebugLevel)
	}

	status, err := run(log, cfg, *chkDir, *chkInterval, flag.Args())
	if err != nil {
		log.Fatal(err)
	}

	os.Exit(status)
}

func run(log *logrus.Logger, cfg config, chkDir string, chkInterval time.Duration, args []string) (int, error) {
	ports := &hypercall.Handler{
		Args: args,
		Env:  os.Environ(),
	}

	if cfg.Netif != "" {
		dev, err := tap.Attach(cfg.Netif, cfg.MAC)
		if err != nil {
			return 0, err
		}

		defer dev.Close()

		log.WithFields(logrus.Fields{
			"netif": cfg.Netif,
			"mac":   dev.MACString(),
		}).Debug("network attached")

		ports.Net = dev
	}

	mcfg := vm.Config{
		MemSize: cfg.MemSize,
		NumCPU:  cfg.NumCPU,
		Ports:   ports,

		Hints: vm.MemoryHints{
			Mergeable: cfg.Mergeable,
			HugePages: cfg.HugePages,
		},
	}

	var (
		entry    uint64
		klogAddr uint64
		nextSeq  int
	)

	if checkpoint.Exists(chkDir) {
		r, err := checkpoint.Load(chkDir)
		if err != nil {
			return 0, err
		}

		man := r.Manifest()
		log.WithFields(logrus.Fields{
			"dir": chkDir,
			"seq": man.Seq,
		}).Info("restoring checkpoint")

		mcfg.MemSize = man.MemSize
		if mcfg.MemSize > vm.GapStart {
			mcfg.MemSize -= vm.GapSize
		}

		mcfg.NumCPU = man.NumCPU
		mcfg.Loader = r
		mcfg.Clock = r.Clock()

		entry = man.Entry
		nextSeq = man.Seq + 1
	} else {
		kernel, err := os.Open(args[0])
		if err != nil {
			return 0, err
		}

		defer kernel.Close()

		loader := &hermit.Loader{
			Kernel:  kernel,
			IP:      cfg.IP,
			Gateway: cfg.Gateway,
			Netmask: cfg.Netmask,
		}

		mcfg.Loader = loader
	}

	m, err := vm.New(mcfg)
	if err != nil {
		return 0, err
	}

	defer m.Close()

	if l, ok := mcfg.Loader.(*hermit.Loader); ok {
		entry = l.Entry()
		klogAddr = l.KlogAddr()
	}

	if term.IsTerminal(int(os.Stdin.Fd())) {
		old, err := term.MakeRaw(int(os.Stdin.Fd()))
		if err != nil {
			return 0, err
		}

		defer term.Restore(int(os.Stdin.Fd()), old)
	}

	ctx, stop := signal.NotifyContext(context.Background(), unix.SIGINT, unix.SIGTERM)
	defer stop()

	if ports.Net != nil {
		go pumpNet(ctx, log, m, ports.Net.(*tap.Device))
	}

	engine := checkpoint.Engine{
		Dir:     chkDir,
		Machine: m,
		Entry:   entry,
		Full:    cfg.FullCheckpoint,
		Seq:     nextSeq,
	}

	go saveLoop(ctx, log, &engine, chkInterval)

	status, err := m.Run(ctx)

	if cfg.Verbose && klogAddr != 0 {
		if klog, kerr := m.Mem().CString(klogAddr); kerr == nil && klog != "" {
			fmt.Fprintln(os.Stderr, klog)
		}
	}

	return status, err
}

// pumpNet pulses the network interrupt whenever the tap device has a
// frame pending. The guest drains the device in its interrupt handler.
func pumpNet(ctx context.Context, log *logrus.Logger, m *vm.Machine, dev *tap.Device) {
	for ctx.Err() == nil {
		ok, err := dev.WaitReadable(100)
		if err != nil {
			log.WithError(err).Warn("network poll failed")
			return
		}

		if !ok {
			continue
		}

		if err := m.InjectIRQ(hypercall.IRQ); err != nil {
			log.WithError(err).Warn("interrupt injection failed")
			return
		}

		// give the guest time to drain before the next pulse
		time.Sleep(time.Millisecond)
	}
}

// saveLoop writes a checkpoint on SIGUSR1 and, when interval is
// positive, on a timer. Both triggers run through the one loop.
func saveLoop(ctx context.Context, log *logrus.Logger, engine *checkpoint.Engine, interval time.Duration) {
	ch := make(chan os.Signal, 1)
	signal.Notify(ch, unix.SIGUSR1)
	defer signal.Stop(ch)

	var tick <-chan time.Time
	if interval > 0 {
		t := time.NewTicker(interval)
		defer t.Stop()
		tick = t.C
	}

	for {
		select {
		case <-ctx.Done():
			return
		case <-ch:
			save(log, engine)
		case <-tick:
			save(log, engine)
		}
	}
}

// save writes one checkpoint. A failed save is fatal for the run.
func save(log *logrus.Logger, engine *checkpoint.Engine) {
	start := time.Now()

	seq, err := engine.Save()
	if err != nil {
		log.WithError(err).Fatal("checkpoint failed")
	}

	log.WithFields(logrus.Fields{
		"seq":  seq,
		"took": time.Since(start),
	}).Info("checkpoint saved")
}
