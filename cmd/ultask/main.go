// Command ultask is the CLI surface for the userspace live-patching
// engine: a thin flag layer matching the teacher's own hand-rolled
// flag-parsing style (main.go's flat `flag.String`/`flag.Bool` block) —
// no cobra/viper, since flag parsing itself is an external-collaborator
// concern the core doesn't own.
package main

import (
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/xyproto/ultask/internal/config"
	"github.com/xyproto/ultask/internal/controller"
	"github.com/xyproto/ultask/internal/errs"
	"github.com/xyproto/ultask/internal/logging"
	"github.com/xyproto/ultask/internal/target"
)

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	fs := flag.NewFlagSet("ultask", flag.ContinueOnError)

	pidFlag := fs.Int("pid", 0, "target process id (required)")
	vmasFlag := fs.Bool("vmas", false, "list the target's VMAs")
	threadsFlag := fs.Bool("threads", false, "list the target's threads")
	fdsFlag := fs.Bool("fds", false, "list the target's open file descriptors")
	auxvFlag := fs.Bool("auxv", false, "print the target's auxiliary vector")
	statusFlag := fs.Bool("status", false, "print a summary of the target")
	symsFlag := fs.Bool("syms", false, "list resolved symbols")
	symbolsFlag := fs.Bool("symbols", false, "alias for -syms")
	dumpFlag := fs.String("dump", "", "vma,addr=A | disasm,addr=A,size=S | addr=A,size=S")
	outFlag := fs.String("o", "", "output file for -dump")
	mapFlag := fs.String("map", "", "file=F[,ro][,noexec]")
	unmapFlag := fs.String("unmap", "", "address of a previously mapped patch")
	jmpFlag := fs.String("jmp", "", "from=A,to=B")

	if err := fs.Parse(args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return 0
		}
		return 1
	}

	if *pidFlag <= 0 {
		fmt.Fprintln(os.Stderr, "ultask: -pid is required")
		return 1
	}

	cfg := config.Load()
	logger := logging.New(cfg)

	flags := target.FlagVMAELF | target.FlagVMAELFSymbols
	ctrl, err := controller.Open(*pidFlag, flags, logger, cfg.RootDir)
	if err != nil {
		return exitCode(err)
	}
	defer ctrl.Close()

	switch {
	case *statusFlag:
		printStatus(ctrl)
	case *vmasFlag:
		printVMAs(ctrl)
	case *threadsFlag:
		printThreads(*pidFlag)
	case *fdsFlag:
		printFDs(*pidFlag)
	case *auxvFlag:
		printAuxv(*pidFlag)
	case *symsFlag || *symbolsFlag:
		printSymbols(ctrl)
	case *dumpFlag != "":
		if err := doDump(ctrl, *dumpFlag, *outFlag); err != nil {
			fmt.Fprintln(os.Stderr, "ultask:", err)
			return exitCode(err)
		}
	case *mapFlag != "":
		if err := doMap(ctrl, *mapFlag); err != nil {
			fmt.Fprintln(os.Stderr, "ultask:", err)
			return exitCode(err)
		}
	case *unmapFlag != "":
		addr, perr := strconv.ParseUint(strings.TrimPrefix(*unmapFlag, "0x"), 16, 64)
		if perr != nil {
			fmt.Fprintln(os.Stderr, "ultask: invalid -unmap address:", *unmapFlag)
			return 1
		}
		if err := ctrl.Unmap(addr); err != nil {
			fmt.Fprintln(os.Stderr, "ultask:", err)
			return exitCode(err)
		}
	case *jmpFlag != "":
		req, err := parseJumpRequest(*jmpFlag)
		if err != nil {
			fmt.Fprintln(os.Stderr, "ultask:", err)
			return 1
		}
		if err := ctrl.Jump(req); err != nil {
			fmt.Fprintln(os.Stderr, "ultask:", err)
			return exitCode(err)
		}
	default:
		fs.Usage()
		return 1
	}

	return 0
}

func printStatus(ctrl *controller.Controller) {
	t := ctrl.Task()
	fmt.Printf("pid=%d comm=%s exe=%s vmas=%d symbols=%d\n",
		t.PID, t.Comm, t.ExePath, len(t.VMAs), t.Symbols.Len())
}

func printVMAs(ctrl *controller.Controller) {
	for _, v := range ctrl.Task().VMAs {
		fmt.Println(v.String())
	}
}

func printThreads(pid int) {
	entries, err := os.ReadDir(fmt.Sprintf("/proc/%d/task", pid))
	if err != nil {
		fmt.Fprintln(os.Stderr, "ultask:", err)
		return
	}
	for _, e := range entries {
		fmt.Println(e.Name())
	}
}

func printFDs(pid int) {
	entries, err := os.ReadDir(fmt.Sprintf("/proc/%d/fd", pid))
	if err != nil {
		fmt.Fprintln(os.Stderr, "ultask:", err)
		return
	}
	for _, e := range entries {
		link, _ := os.Readlink(fmt.Sprintf("/proc/%d/fd/%s", pid, e.Name()))
		fmt.Printf("%s -> %s\n", e.Name(), link)
	}
}

func printAuxv(pid int) {
	b, err := os.ReadFile(fmt.Sprintf("/proc/%d/auxv", pid))
	if err != nil {
		fmt.Fprintln(os.Stderr, "ultask:", err)
		return
	}
	const entSize = 16 // two uint64s per entry on a 64-bit kernel
	for off := 0; off+entSize <= len(b); off += entSize {
		tag := leUint64(b[off : off+8])
		val := leUint64(b[off+8 : off+entSize])
		if tag == 0 {
			break
		}
		fmt.Printf("AT_%d = %#x\n", tag, val)
	}
}

func leUint64(b []byte) uint64 {
	var v uint64
	for i := 7; i >= 0; i-- {
		v = v<<8 | uint64(b[i])
	}
	return v
}

func printSymbols(ctrl *controller.Controller) {
	fmt.Printf("%d symbols resolved\n", ctrl.Task().Symbols.Len())
}

func doDump(ctrl *controller.Controller, spec, outPath string) error {
	fields := strings.Split(spec, ",")
	req := controller.DumpRequest{Kind: controller.DumpRaw}

	for _, f := range fields {
		switch {
		case f == "vma":
			req.Kind = controller.DumpVMA
		case f == "disasm":
			req.Kind = controller.DumpDisasm
		case strings.HasPrefix(f, "addr="):
			addr, err := strconv.ParseUint(strings.TrimPrefix(f, "addr="), 0, 64)
			if err != nil {
				return fmt.Errorf("invalid addr: %w", err)
			}
			req.Addr = addr
		case strings.HasPrefix(f, "size="):
			size, err := strconv.ParseUint(strings.TrimPrefix(f, "size="), 0, 64)
			if err != nil {
				return fmt.Errorf("invalid size: %w", err)
			}
			req.Size = size
		}
	}

	data, err := ctrl.Dump(req)
	if err != nil {
		return err
	}
	if outPath == "" {
		os.Stdout.Write(data)
		return nil
	}
	return os.WriteFile(outPath, data, 0o644)
}

func doMap(ctrl *controller.Controller, spec string) error {
	req := controller.MapRequest{}
	for _, f := range strings.Split(spec, ",") {
		switch {
		case strings.HasPrefix(f, "file="):
			req.File = strings.TrimPrefix(f, "file=")
		case f == "ro":
			req.ReadOnly = true
		case f == "noexec":
			req.NoExec = true
		}
	}
	if req.File == "" {
		return fmt.Errorf("-map requires file=")
	}
	li, err := ctrl.Map(req)
	if err != nil {
		return err
	}
	b, _ := json.Marshal(li)
	fmt.Println(string(b))
	return nil
}

func parseJumpRequest(spec string) (controller.JumpRequest, error) {
	var req controller.JumpRequest
	for _, f := range strings.Split(spec, ",") {
		switch {
		case strings.HasPrefix(f, "from="):
			v, err := strconv.ParseUint(strings.TrimPrefix(f, "from="), 0, 64)
			if err != nil {
				return req, fmt.Errorf("invalid from=: %w", err)
			}
			req.From = v
		case strings.HasPrefix(f, "to="):
			v, err := strconv.ParseUint(strings.TrimPrefix(f, "to="), 0, 64)
			if err != nil {
				return req, fmt.Errorf("invalid to=: %w", err)
			}
			req.To = v
		}
	}
	if req.From == 0 || req.To == 0 {
		return req, fmt.Errorf("-jmp requires both from= and to=")
	}
	return req, nil
}

// exitCode maps core errors to the policy in spec.md §6: 0 success
// (handled by callers before reaching here), 1 usage/validation,
// raw errno for ENOENT/EEXIST path errors, negative errno surfaced
// from remote syscalls. EINVAL has no case of its own and maps to 1
// like any other error.
func exitCode(err error) int {
	var remoteErr *errs.RemoteSyscallError
	if errors.As(err, &remoteErr) {
		return -int(remoteErr.Errno)
	}
	switch {
	case errors.Is(err, os.ErrNotExist):
		return int(syscallENOENT())
	case errors.Is(err, os.ErrExist):
		return int(syscallEEXIST())
	default:
		return 1
	}
}

// syscallENOENT/syscallEEXIST isolate the two raw errno values the exit
// code policy names, kept out of the main switch to avoid importing
// syscall solely for two constants used once each.
func syscallENOENT() int { return 2 }
func syscallEEXIST() int { return 17 }
