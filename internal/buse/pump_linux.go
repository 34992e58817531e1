// Copyright (C) 2021 Vojtech Aschenbrenner <v@asch.cz>

package buse

import (
	"errors"
	"fmt"
	"os"
	"os/exec"
	"os/signal"
	"runtime"
	"strconv"
	"syscall"

	"github.com/rs/zerolog/log"
	"golang.org/x/sys/unix"
)

const (
	// Environment variable marking the re-executed driver pump. Its value
	// are the flags advertised to the kernel.
	pumpEnv = "NBDSHIM_PUMP_CHILD"

	// Descriptors of the device node and the kernel socket in the pump
	// process. ExtraFiles start at 3.
	pumpDeviceFd = 3
	pumpSocketFd = 4
)

// Pump runs the driver pump, i.e. the kernel loop blocked in NBD_DO_IT which
// forwards block layer requests to the socket.
type Pump interface {
	// Start takes ownership of sock and starts the pump. sock must not be
	// used by the caller afterwards.
	Start(dev Device, sock *os.File, flags uint64) error

	// Wait blocks until the pump finishes. Non-zero exit is reported as
	// ChildExitError.
	Wait() error
}

// Runs the whole life of the kernel side: registers the socket, advertises
// flags and parks in DO_IT. After DO_IT returns the queue and the socket are
// cleared even if DO_IT failed. The calling goroutine must not be interrupted
// by signals, so it is locked to its thread with all signals blocked.
func drive(dev Device, sock *os.File, flags uint64) error {
	defer sock.Close()

	runtime.LockOSThread()
	// The thread is not unlocked on purpose. It exits together with the
	// goroutine and nobody else inherits the blocked signal mask.

	if err := blockSignals(); err != nil {
		return fmt.Errorf("block signals: %w", err)
	}

	if err := dev.SetSock(int(sock.Fd())); err != nil {
		return fmt.Errorf("set sock: %w", err)
	}

	// The kernel holds its own reference now.
	sock.Close()

	if err := dev.SetFlags(flags); err != nil {
		dev.ClearSock()
		return fmt.Errorf("set flags: %w", err)
	}

	log.Info().Msg("Driver pump running.")

	err := dev.DoIt()
	if err != nil {
		err = fmt.Errorf("do it: %w", err)
	}

	if cerr := dev.ClearQueue(); cerr != nil && err == nil {
		err = fmt.Errorf("clear queue: %w", cerr)
	}

	if cerr := dev.ClearSock(); cerr != nil && err == nil {
		err = fmt.Errorf("clear sock: %w", cerr)
	}

	log.Info().Err(err).Msg("Driver pump finished.")

	return err
}

func blockSignals() error {
	var set unix.Sigset_t
	for i := range set.Val {
		set.Val[i] = ^set.Val[i]
	}

	return unix.PthreadSigmask(unix.SIG_SETMASK, &set, nil)
}

// ThreadPump runs the driver pump on a dedicated OS thread of this process.
type ThreadPump struct {
	done chan error
}

func (p *ThreadPump) Start(dev Device, sock *os.File, flags uint64) error {
	p.done = make(chan error, 1)

	go func() {
		p.done <- drive(dev, sock, flags)
	}()

	return nil
}

func (p *ThreadPump) Wait() error {
	if err := <-p.done; err != nil {
		return &ChildExitError{Code: 1, Err: err}
	}

	return nil
}

// ProcessPump re-executes the running binary as a separate driver pump
// process. The device node and the kernel socket are inherited, nothing else
// is shared. The binary has to call RunPumpProcess when IsPumpProcess reports
// true, before doing anything else.
type ProcessPump struct {
	cmd *exec.Cmd
}

func (p *ProcessPump) Start(dev Device, sock *os.File, flags uint64) error {
	defer sock.Close()

	cmd := exec.Command("/proc/self/exe")
	cmd.Args = []string{os.Args[0]}
	cmd.Env = append(os.Environ(), pumpEnv+"="+strconv.FormatUint(flags, 10))
	cmd.ExtraFiles = []*os.File{dev.File(), sock}
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr

	if err := cmd.Start(); err != nil {
		return err
	}

	p.cmd = cmd
	log.Info().Int("pid", cmd.Process.Pid).Msg("Driver pump process started.")

	return nil
}

func (p *ProcessPump) Wait() error {
	err := p.cmd.Wait()
	if err == nil {
		return nil
	}

	code := 1
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) && exitErr.ExitCode() > 0 {
		code = exitErr.ExitCode()
	}

	return &ChildExitError{Code: code, Err: err}
}

// IsPumpProcess reports whether this process was started by ProcessPump.
func IsPumpProcess() bool {
	_, ok := os.LookupEnv(pumpEnv)
	return ok
}

// RunPumpProcess is the body of the driver pump process. It returns the exit
// status of the process. Termination signals are ignored, the pump finishes
// when the parent disconnects the device or closes its end of the socket.
func RunPumpProcess() int {
	signal.Ignore(os.Interrupt, syscall.SIGTERM, syscall.SIGHUP, syscall.SIGQUIT)

	flags, err := strconv.ParseUint(os.Getenv(pumpEnv), 10, 64)
	if err != nil {
		log.Error().Err(err).Msg("Invalid driver pump flags.")
		return 1
	}

	dev := NewKernelDevice(os.NewFile(pumpDeviceFd, "nbd"))
	defer dev.Close()

	sock := os.NewFile(pumpSocketFd, "nbd-socket")
	if err := drive(dev, sock, flags); err != nil {
		log.Error().Err(err).Msg("Driver pump failed.")
		return 1
	}

	return 0
}
