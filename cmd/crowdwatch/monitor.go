package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/mattn/go-isatty"
	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/kass/go-crowd-monitor/internal/config"
	"github.com/kass/go-crowd-monitor/pkg/engine"
	"github.com/kass/go-crowd-monitor/pkg/models"
)

const dashboardLogFile = "crowdwatch.log"

var (
	monitorLat    float64
	monitorLng    float64
	monitorRadius int
	monitorPlain  bool
)

var monitorCmd = &cobra.Command{
	Use:   "monitor",
	Short: "Monitor crowd density around a position",
	Long: `Starts a monitoring session and renders every snapshot. Uses a live
dashboard on a terminal and one line per snapshot otherwise.

Keys: a raise alert, 1/2/3 switch radius (25/50/100 m), q quit.`,
	RunE: runMonitor,
}

func init() {
	monitorCmd.Flags().Float64Var(&monitorLat, "lat", 0, "Latitude of the monitored position")
	monitorCmd.Flags().Float64Var(&monitorLng, "lng", 0, "Longitude of the monitored position")
	monitorCmd.Flags().IntVarP(&monitorRadius, "radius", "r", 0, "Radius in meters: 25, 50 or 100 (default from config)")
	monitorCmd.Flags().BoolVar(&monitorPlain, "plain", false, "Print one line per snapshot instead of the dashboard")
	monitorCmd.MarkFlagsRequiredTogether("lat", "lng")

	rootCmd.AddCommand(monitorCmd)
}

func runMonitor(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	radius := cfg.Radius()
	if cmd.Flags().Changed("radius") {
		r, err := models.ParseRadius(monitorRadius)
		if err != nil {
			return err
		}
		radius = r
	}

	interactive := !monitorPlain && isTerminal(os.Stdout)
	if interactive && cfg.Log.File == "" {
		logCfg := cfg.Log
		logCfg.File = dashboardLogFile
		if err := config.InitLogger(logCfg); err != nil {
			return eris.Wrap(err, "redirect logs")
		}
	}

	svc, err := buildServices(ctx, cfg)
	if err != nil {
		return err
	}
	defer svc.Close()

	provider, live, err := buildProvider(svc, cfg, monitorLat, monitorLng, cmd.Flags().Changed("lat"))
	if err != nil {
		return err
	}

	h, err := svc.manager.Start(ctx, radius, provider)
	if err != nil {
		return err
	}
	zap.L().Info("monitoring", zap.String("handle", h.String()), zap.String("source", cfg.Source.Kind), zap.String("safezone", cfg.SafeZone.Kind))

	if !interactive {
		return runPlain(ctx, svc.manager, h, cmd.OutOrStdout())
	}

	var approximate func() bool
	if live != nil {
		approximate = live.Approximate
	}
	model := newDashboard(svc.manager, h, radius, approximate)
	program := tea.NewProgram(model, tea.WithAltScreen(), tea.WithContext(ctx))

	if err := subscribe(svc.manager, h, func(msg tea.Msg) { program.Send(msg) }); err != nil {
		return err
	}

	if _, err := program.Run(); err != nil && !errors.Is(err, tea.ErrProgramKilled) {
		return eris.Wrap(err, "dashboard")
	}
	return svc.manager.Stop(h)
}

// subscribe forwards every session event to send.
func subscribe(m *engine.Manager, h engine.Handle, send func(tea.Msg)) error {
	if err := m.OnSnapshot(h, func(s models.Snapshot) { send(snapshotMsg(s)) }); err != nil {
		return err
	}
	if err := m.OnSpike(h, func(e models.SpikeEvent) { send(spikeMsg(e)) }); err != nil {
		return err
	}
	return m.OnCooldown(h, func(c models.CooldownState) { send(cooldownMsg(c)) })
}

func runPlain(ctx context.Context, m *engine.Manager, h engine.Handle, out io.Writer) error {
	lines := make(chan string, 16)
	forward := func(line string) {
		select {
		case lines <- line:
		case <-ctx.Done():
		}
	}

	if err := m.OnSnapshot(h, func(s models.Snapshot) { forward(formatSnapshot(s)) }); err != nil {
		return err
	}
	if err := m.OnSpike(h, func(e models.SpikeEvent) { forward(formatSpike(e)) }); err != nil {
		return err
	}

	for {
		select {
		case <-ctx.Done():
			return m.Stop(h)
		case line := <-lines:
			fmt.Fprintln(out, line)
		}
	}
}

func formatSnapshot(s models.Snapshot) string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s #%d r=%dm count=%d density=%s trend=%s",
		s.TakenAt.Format(time.TimeOnly), s.Sequence, s.Radius, s.Count, s.Density, s.Trend)
	if !s.Cooldown.Ready() {
		fmt.Fprintf(&b, " cooldown=%ds", s.Cooldown.RemainingSeconds)
	}
	if s.LastSpikeAt != nil {
		fmt.Fprintf(&b, " last-spike=%s", s.LastSpikeAt.Format(time.TimeOnly))
	}
	if s.SafeZone != nil {
		fmt.Fprintf(&b, " safe-zone=%dm@%s", s.SafeZone.DistanceMeters, s.SafeZone.Location)
	}
	if s.Label != "" {
		fmt.Fprintf(&b, " at=%q", s.Label)
	}
	return b.String()
}

func formatSpike(e models.SpikeEvent) string {
	return fmt.Sprintf("%s SPIKE +%d people (now %d, %s) within %dm",
		e.Timestamp.Format(time.TimeOnly), e.Delta, e.Count, e.Density, e.Radius)
}

func isTerminal(f *os.File) bool {
	return isatty.IsTerminal(f.Fd()) || isatty.IsCygwinTerminal(f.Fd())
}
