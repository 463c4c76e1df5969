package boot

import (
	"context"
	"fmt"
	"time"

	"santinel/internal/discovery"
)

// Prober performs one health probe.
type Prober interface {
	Probe(ctx context.Context) discovery.Result
	BaseURL() string
}

// Reporter receives the boot log.
type Reporter interface {
	Info(msg string)
	OK(msg string)
	Fail(msg string)
}

// SleepFunc waits for d or until ctx is done.
type SleepFunc func(ctx context.Context, d time.Duration) error

// Sleep is the real-time SleepFunc.
func Sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Driver runs the probe loop against a Prober.
type Driver struct {
	prober   Prober
	reporter Reporter
	sleep    SleepFunc
	backoff  time.Duration
	machine  Machine
}

// NewDriver creates a driver in INIT. A nil sleep uses real time.
func NewDriver(prober Prober, reporter Reporter, sleep SleepFunc) *Driver {
	if sleep == nil {
		sleep = Sleep
	}
	if reporter == nil {
		reporter = nopReporter{}
	}
	return &Driver{
		prober:   prober,
		reporter: reporter,
		sleep:    sleep,
		backoff:  discovery.Backoff,
		machine:  Machine{State: StateInit},
	}
}

// Machine returns the current state.
func (d *Driver) Machine() Machine { return d.machine }

// SetProber swaps the prober, typically after the user entered a new
// backend address. Only valid between runs.
func (d *Driver) SetProber(p Prober) { d.prober = p }

// Reset returns a settled SETUP_REQUIRED or INSTALLER_MODE driver to INIT.
func (d *Driver) Reset() error {
	next, ok := Next(d.machine, Reset())
	if !ok {
		return fmt.Errorf("cannot reset from %s", d.machine.State)
	}
	d.machine = next
	return nil
}

// Run drives the machine from INIT until it settles and returns the
// settled state. On context cancellation it returns the context error.
func (d *Driver) Run(ctx context.Context) (State, error) {
	if d.machine.State.Settled() {
		return d.machine.State, nil
	}

	next, ok := Next(d.machine, Start())
	if !ok {
		return d.machine.State, fmt.Errorf("cannot start from %s", d.machine.State)
	}
	d.machine = next
	d.reporter.Info("MOUNTING FILESYSTEM AT " + d.prober.BaseURL() + "...")

	for {
		if err := ctx.Err(); err != nil {
			return d.machine.State, err
		}

		res := d.prober.Probe(ctx)
		next, _ := Next(d.machine, Probed(res.Outcome))
		d.machine = next

		switch d.machine.State {
		case StateReady:
			d.reporter.OK("ALL SYSTEMS GO.")
			return d.machine.State, nil
		case StateSetupRequired:
			d.reporter.OK("CORE CONNECTED.")
			d.reporter.Fail("AI MODULE NOT CONFIGURED.")
			return d.machine.State, nil
		case StateInstallerMode:
			d.reporter.Fail("CRITICAL FAILURE: CORE NOT FOUND.")
			return d.machine.State, nil
		}

		d.reporter.Fail("CONNECTION REFUSED. RETRYING...")
		if err := d.sleep(ctx, d.backoff); err != nil {
			return d.machine.State, err
		}
	}
}

type nopReporter struct{}

func (nopReporter) Info(string) {}
func (nopReporter) OK(string)   {}
func (nopReporter) Fail(string) {}
