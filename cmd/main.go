package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jessevdk/go-flags"
	"github.com/pkg/errors"
	automationConfig "github.com/procpilot/agent/internal/config"
	"github.com/procpilot/agent/internal/control"
	lpmErrors "github.com/procpilot/agent/internal/errors"
	"github.com/procpilot/agent/internal/host"
	"github.com/procpilot/agent/internal/inventory"
	"github.com/procpilot/agent/internal/logging"
	"github.com/procpilot/agent/internal/reports"
	"github.com/procpilot/agent/internal/reports/general"
	"github.com/procpilot/agent/internal/reports/inspect"
	"github.com/procpilot/agent/internal/types"
	"go.uber.org/zap"
)

var options struct {
	Debug  bool   `short:"d" long:"debug" description:"Debug mode"`
	Config string `short:"c" long:"config" description:"Automation file (tasks and alerts)"`

	RefreshInterval   time.Duration `short:"r" long:"refresh-interval" description:"Process refresh interval (default: 2s)"`
	SchedulerInterval time.Duration `short:"s" long:"scheduler-interval" description:"Scheduled task check interval (default: 5s)"`

	Filter     string `short:"f" long:"filter" description:"Advanced filter expression, e.g. \"cpu > 10 AND user == root\""`
	Sort       string `long:"sort" description:"Sort key (pid, ppid, name, cpu, mem, user, status, nice, start)" default:"pid"`
	Descending bool   `long:"descending" description:"Sort in descending order"`

	Report  bool   `long:"report" description:"Print a host and process list report and exit"`
	Inspect uint32 `long:"inspect" description:"Print a detailed report of a single process and exit" value-name:"PID"`
}

const (
	exitCodeErr = -1

	// CPU usage is measured between two refreshes.
	reportSampleWindow = time.Second
	inspectTimeout     = 5 * time.Second
)

var (
	logger       *zap.Logger
	controlPlane *control.Plane
	signalsChan  = make(chan os.Signal, 1)
)

func main() {
	_, err := flags.Parse(&options)
	if err != nil {
		if flagsErr, ok := err.(*flags.Error); ok && flagsErr.Type == flags.ErrHelp {
			os.Exit(0)
		}
		fmt.Printf("Failed to parse arguments: %v\n", err)
		os.Exit(exitCodeErr)
	}

	logger, err = logging.NewLogger("procpilot-agent", options.Debug)
	if err != nil {
		fmt.Printf("Failed to create logger: %v\n", lpmErrors.WrappedErrNewLogger(err))
		os.Exit(exitCodeErr)
	}
	defer func() {
		_ = logger.Sync()
	}()

	switch {
	case options.Inspect != 0:
		err = printInspectReport(types.Pid(options.Inspect))
	case options.Report:
		err = printReport()
	default:
		setupSignalHandling()
		logger.Info("Start agent")
		err = startAgent()
	}
	if err != nil {
		logger.Fatal("Agent failed", zap.Error(err))
	}
}

func setupSignalHandling() {
	signal.Notify(signalsChan, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-signalsChan
		logger.Info("Stop agent")
		if err := stopAgent(); err != nil {
			logger.Fatal("Failed to stop agent", zap.Error(err))
		}
	}()
}

func newInventory() (*inventory.Inventory, error) {
	inv, err := inventory.NewLocalInventory(logger)
	if err != nil {
		return nil, errors.WithMessage(err, "new process inventory")
	}

	if err := inv.SetSort(inventory.SortKey(options.Sort), !options.Descending); err != nil {
		return nil, err
	}
	if err := inv.SetAdvancedFilterString(options.Filter); err != nil {
		return nil, err
	}
	return inv, nil
}

func startAgent() error {
	automationPath := automationConfig.ResolvePath(options.Config)
	automation, err := automationConfig.Load(automationPath)
	if automation == nil {
		return err
	} else if err != nil {
		logger.Warn("Skipped invalid automation entries", zap.Error(err))
	}

	intervals := automationConfig.Intervals{
		Refresh:   control.DefaultRefreshInterval,
		Scheduler: control.DefaultSchedulerInterval,
	}.WithEnvOverrides(logger)
	if options.RefreshInterval != 0 {
		intervals.Refresh = options.RefreshInterval
	}
	if options.SchedulerInterval != 0 {
		intervals.Scheduler = options.SchedulerInterval
	}

	inv, err := newInventory()
	if err != nil {
		return err
	}

	controlPlaneConfig := &control.PlaneConfig{
		RefreshInterval:   intervals.Refresh,
		SchedulerInterval: intervals.Scheduler,
		AutomationPath:    automationPath,
	}

	controlPlane, err = control.NewPlane(context.Background(), logger, controlPlaneConfig, inv, automation)
	if err != nil {
		return err
	}

	logger.Info("Loaded automation",
		zap.String("Path", automationPath),
		zap.Int("Tasks", len(controlPlane.Tasks())),
		zap.Int("Alerts", len(controlPlane.Alerts())))

	if err := controlPlane.Start(); err != nil {
		return errors.WithMessage(err, "start control plane")
	}
	controlPlane.WaitUntilCompletion()
	return nil
}

func stopAgent() error {
	if controlPlane == nil {
		return errors.New("uninitialized control plane")
	}

	if err := controlPlane.Stop(); err != nil {
		return errors.WithMessage(err, "stop control plane")
	}

	return nil
}

func printReport() error {
	machineId, err := host.MachineId()
	if err != nil {
		return err
	}

	hostReport, err := general.CollectHostReport(machineId)
	if err != nil {
		return err
	}

	inv, err := newInventory()
	if err != nil {
		return err
	}
	inv.Refresh()
	time.Sleep(reportSampleWindow)
	inv.Refresh()

	processListReport := general.NewProcessListReport(machineId, hostReport.Hostname, inv.AdvancedFilterString(),
		inv.Processes(), time.Now())

	merged, err := reports.MergeReports(hostReport, processListReport)
	if err != nil {
		return err
	}
	return printJSON(merged)
}

func printInspectReport(pid types.Pid) error {
	machineId, err := host.MachineId()
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(context.Background(), inspectTimeout)
	defer cancel()

	processReport, err := inspect.CollectProcessReport(ctx, machineId, pid)
	if err != nil {
		return err
	}
	return printJSON(processReport)
}

func printJSON(value interface{}) error {
	encoder := json.NewEncoder(os.Stdout)
	encoder.SetIndent("", "  ")
	return errors.WithMessage(encoder.Encode(value), "write report")
}
