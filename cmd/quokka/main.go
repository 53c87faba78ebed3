package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/mgutz/ansi"
	"github.com/pkg/errors"
	"github.com/shibukawa/configdir"

	"github.com/quokkavm/quokka/emu"
	"github.com/quokkavm/quokka/plugin"
	"github.com/quokkavm/quokka/trace"
)

var (
	blockColor = ansi.ColorFunc("cyan")
	sysColor   = ansi.ColorFunc("yellow+b")
	errColor   = ansi.ColorFunc("red+b")
)

// defaultTracePath places traces under the per-user data directory.
func defaultTracePath() (string, error) {
	dirs := configdir.New("", "quokka")
	folders := dirs.QueryFolders(configdir.Global)
	if len(folders) == 0 {
		return "", errors.New("no config folder available")
	}
	if err := folders[0].MkdirAll(); err != nil {
		return "", err
	}
	return filepath.Join(folders[0].Path, "trace.qktr"), nil
}

// echoModule prints translated blocks and syscalls as they happen.
func echoModule(m *emu.Machine) plugin.Module {
	return plugin.Module{Name: "echo", Version: plugin.Version,
		Install: func(id plugin.ID, info *plugin.Info, args []string) int {
			h := m.Host()
			h.RegisterTBTransCb(id, func(id plugin.ID, tb *plugin.TB) {
				for i := 0; i < tb.NInsns(); i++ {
					in := tb.GetInsn(i)
					fmt.Fprintf(os.Stderr, "%s\n",
						blockColor(fmt.Sprintf("%#06x: %s", in.Vaddr(), in.Disas())))
				}
			})
			h.RegisterSyscallRetCb(id, func(id plugin.ID, vcpu int, num, ret int64) {
				fmt.Fprintf(os.Stderr, "%s\n",
					sysColor(fmt.Sprintf("syscall %d = %d", num, ret)))
			})
			return 0
		}}
}

func run(argv []string) (int, error) {
	fs := flag.NewFlagSet("quokka", flag.ExitOnError)
	doTrace := fs.Bool("trace", false, "write an execution trace")
	tracefile := fs.String("tracefile", "", "trace output path (default: per-user data dir)")
	traceArgs := fs.String("traceargs", "", "comma-separated trace module arguments, e.g. mem=off,syscall=off")
	logfile := fs.String("log", "", "host log file")
	echo := fs.Bool("echo", false, "echo translated code and syscalls to stderr")
	fs.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: %s [options] prog.ndh\n", os.Args[0])
		fs.PrintDefaults()
	}
	fs.Parse(argv)
	if fs.NArg() != 1 {
		fs.Usage()
		return 1, nil
	}

	img, err := emu.LoadFile(fs.Arg(0))
	if err != nil {
		return 1, err
	}

	cfg := &emu.Config{Output: os.Stdout, Log: os.Stderr}
	if *logfile != "" {
		f, err := os.Create(*logfile)
		if err != nil {
			return 1, err
		}
		defer f.Close()
		cfg.Log = f
		cfg.LogFilename = *logfile
	}
	m := emu.NewMachine(cfg)
	if err := m.Load(img); err != nil {
		return 1, err
	}

	var tracer *trace.Tracer
	if *doTrace {
		path := *tracefile
		if path == "" {
			if path, err = defaultTracePath(); err != nil {
				return 1, err
			}
		}
		f, err := os.Create(path)
		if err != nil {
			return 1, err
		}
		defer f.Close()
		tracer = trace.NewTracer(m.Host(), f)
		var args []string
		if *traceArgs != "" {
			args = strings.Split(*traceArgs, ",")
		}
		if _, err := m.Host().Load(tracer.Module(), args); err != nil {
			return 1, err
		}
		fmt.Fprintf(os.Stderr, "writing trace to %s\n", path)
	}
	if *echo {
		if _, err := m.Host().Load(echoModule(m), nil); err != nil {
			return 1, err
		}
	}

	if _, err := m.AddVCPU(); err != nil {
		return 1, err
	}
	if err := m.Run(context.Background()); err != nil {
		return 1, err
	}
	if tracer != nil {
		if err := tracer.Err(); err != nil {
			return 1, errors.Wrap(err, "trace write failed")
		}
	}
	return m.ExitCode(), nil
}

func main() {
	code, err := run(os.Args[1:])
	if err != nil {
		fmt.Fprintf(os.Stderr, "%s\n", errColor(fmt.Sprintf("Error: %s", err)))
	}
	os.Exit(code)
}
