// The boot CLI: bring the simulated machine up, run one command, and
// power off. -mlfqs selects the advanced scheduler; -metrics serves
// the machine's prometheus counters while it runs.
package main

import (
	"fmt"
	"net/http"
	"os"
	"strconv"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	flag "github.com/spf13/pflag"

	"github.com/shijua/pintos/console"
	"github.com/shijua/pintos/defs"
	"github.com/shijua/pintos/elfimg"
	"github.com/shijua/pintos/machine"
	"github.com/shijua/pintos/user"
)

func main() {
	mlfqs := flag.Bool("mlfqs", false, "use the advanced (BSD-style) scheduler")
	upages := flag.Int("user-pages", 256, "user pool size in pages")
	swapslots := flag.Int("swap-slots", 1024, "swap device size in pages")
	metrics := flag.String("metrics", "", "serve prometheus metrics on this address")
	flag.Parse()

	if flag.NArg() != 2 || flag.Arg(0) != "run" {
		fmt.Fprintf(os.Stderr, "usage: %s [flags] run 'command'\n", os.Args[0])
		os.Exit(2)
	}

	m := machine.Boot(machine.Opts_t{
		Mlfqs:     *mlfqs,
		Upages:    *upages,
		Swapslots: *swapslots,
		Ticker:    true,
		Output:    os.Stdout,
	})
	install_bins(m)

	if *metrics != "" {
		go func() {
			http.Handle("/metrics", promhttp.Handler())
			if err := http.ListenAndServe(*metrics, nil); err != nil {
				fmt.Fprintf(os.Stderr, "metrics: %v\n", err)
			}
		}()
	}

	// pump stdin into the keyboard.
	go func() {
		buf := make([]uint8, 128)
		for {
			n, err := os.Stdin.Read(buf)
			if n > 0 {
				console.Feed(buf[:n])
			}
			if err != nil {
				return
			}
		}
	}()

	status := m.Run(flag.Arg(1))
	m.Shutdown()
	os.Exit(status & 0xff)
}

// the bundled user programs. Each pairs an ELF image in the file
// system with the text body the simulated CPU executes.
func install_bins(m *machine.Machine_t) {
	m.Install("echo", elfimg.Mktrivial(), func(e *user.Env_t) int {
		out := ""
		for i, a := range e.Args() {
			if i > 0 {
				out += a + " "
			}
		}
		write_console(e, out+"\n")
		return 0
	})
	m.Install("hello", elfimg.Mktrivial(), func(e *user.Env_t) int {
		write_console(e, "hello, world\n")
		return 0
	})
	m.Install("cat", elfimg.Mktrivial(), func(e *user.Env_t) int {
		e.Set_esp(e.Esp() - 256)
		va := e.Esp()
		for {
			n := e.Syscall(defs.SYS_READ, 0, int(va), 128)
			if n <= 0 {
				return 0
			}
			e.Syscall(defs.SYS_WRITE, 1, int(va), n)
		}
	})
	m.Install("forker", elfimg.Mktrivial(), func(e *user.Env_t) int {
		// exec every argument as a command and wait for each.
		args := e.Args()
		worst := 0
		for _, cmd := range args[1:] {
			pid := exec_str(e, cmd)
			if pid < 0 {
				return defs.STATUS_FAIL
			}
			if st := e.Syscall(defs.SYS_WAIT, pid); st != 0 {
				worst = st
			}
		}
		return worst
	})
	m.Install("status", elfimg.Mktrivial(), func(e *user.Env_t) int {
		args := e.Args()
		if len(args) < 2 {
			return 0
		}
		n, _ := strconv.Atoi(args[1])
		e.Syscall(defs.SYS_EXIT, n)
		return 0
	})
}

// write_console stages s in user stack memory and writes it to fd 1.
func write_console(e *user.Env_t, s string) {
	e.Set_esp(e.Esp() - uint32((len(s)+35)&^31))
	va := e.Esp()
	for i := 0; i < len(s); i++ {
		e.Write8(va+uint32(i), s[i])
	}
	e.Syscall(defs.SYS_WRITE, 1, int(va), len(s))
}

// exec_str stages cmd in user memory and calls exec on it.
func exec_str(e *user.Env_t, cmd string) int {
	e.Set_esp(e.Esp() - uint32((len(cmd)+33)&^31))
	va := e.Esp()
	for i := 0; i < len(cmd); i++ {
		e.Write8(va+uint32(i), cmd[i])
	}
	e.Write8(va+uint32(len(cmd)), 0)
	return e.Syscall(defs.SYS_EXEC, int(va))
}
