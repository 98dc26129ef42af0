// Package diagnostics reads host health figures for status snapshots.
package diagnostics

import (
	"context"
	"net"
	"strings"
	"time"

	"github.com/shirou/gopsutil/v4/cpu"
	"github.com/shirou/gopsutil/v4/mem"
	gnet "github.com/shirou/gopsutil/v4/net"
	"github.com/shirou/gopsutil/v4/sensors"

	"github.com/kilianp07/dispenser/core/logger"
	"github.com/kilianp07/dispenser/core/model"
)

// Probes abstracts the gopsutil calls so tests can substitute them.
type Probes struct {
	AvailableMemory func(ctx context.Context) (uint64, error)
	CPUFrequency    func(ctx context.Context) (float64, error)
	Temperature     func(ctx context.Context) (float64, error)
	Interfaces      func(ctx context.Context) (gnet.InterfaceStatList, error)
}

// HostProbes returns probes backed by gopsutil.
func HostProbes() Probes {
	return Probes{
		AvailableMemory: func(ctx context.Context) (uint64, error) {
			vm, err := mem.VirtualMemoryWithContext(ctx)
			if err != nil {
				return 0, err
			}
			return vm.Available, nil
		},
		CPUFrequency: func(ctx context.Context) (float64, error) {
			infos, err := cpu.InfoWithContext(ctx)
			if err != nil || len(infos) == 0 {
				return 0, err
			}
			return infos[0].Mhz, nil
		},
		Temperature: func(ctx context.Context) (float64, error) {
			temps, err := sensors.TemperaturesWithContext(ctx)
			if len(temps) == 0 {
				return 0, err
			}
			return hottest(temps), nil
		},
		Interfaces: gnet.InterfacesWithContext,
	}
}

func hottest(temps []sensors.TemperatureStat) float64 {
	hi := temps[0].Temperature
	for _, t := range temps[1:] {
		if t.Temperature > hi {
			hi = t.Temperature
		}
	}
	return hi
}

// Host implements reporter.DiagnosticsProvider. Readings are cached for
// MaxAge so a heartbeat does not hit /proc and /sys every time.
type Host struct {
	probes Probes
	maxAge time.Duration
	log    logger.Logger
	now    func() time.Time

	last    model.Diagnostics
	lastAt  time.Time
	haveAny bool
}

// New returns a Host using probes. A zero maxAge disables caching.
func New(probes Probes, maxAge time.Duration, log logger.Logger) *Host {
	return &Host{probes: probes, maxAge: maxAge, log: logger.OrNop(log), now: time.Now}
}

// Diagnostics returns the current figures. A failing probe leaves its field
// at zero and is logged at debug level.
func (h *Host) Diagnostics(ctx context.Context) model.Diagnostics {
	now := h.now()
	if h.haveAny && h.maxAge > 0 && now.Sub(h.lastAt) < h.maxAge {
		return h.last
	}
	var d model.Diagnostics
	if h.probes.AvailableMemory != nil {
		if v, err := h.probes.AvailableMemory(ctx); err == nil {
			d.FreeHeap = v
		} else {
			h.log.Debugf("memory probe: %v", err)
		}
	}
	if h.probes.CPUFrequency != nil {
		if v, err := h.probes.CPUFrequency(ctx); err == nil {
			d.CPUFreqMHz = v
		} else {
			h.log.Debugf("cpu probe: %v", err)
		}
	}
	if h.probes.Temperature != nil {
		if v, err := h.probes.Temperature(ctx); err == nil {
			d.TempC = v
		} else {
			h.log.Debugf("temperature probe: %v", err)
		}
	}
	if h.probes.Interfaces != nil {
		if ifaces, err := h.probes.Interfaces(ctx); err == nil {
			d.IP = PrimaryIPv4(ifaces)
		} else {
			h.log.Debugf("interface probe: %v", err)
		}
	}
	h.last, h.lastAt, h.haveAny = d, now, true
	return d
}

// PrimaryIPv4 returns the first IPv4 address of an up, non-loopback
// interface, or "" when there is none.
func PrimaryIPv4(ifaces gnet.InterfaceStatList) string {
	for _, iface := range ifaces {
		if !hasFlag(iface.Flags, "up") || hasFlag(iface.Flags, "loopback") {
			continue
		}
		for _, a := range iface.Addrs {
			ip, _, err := net.ParseCIDR(a.Addr)
			if err != nil {
				ip = net.ParseIP(a.Addr)
			}
			if ip != nil && ip.To4() != nil && !ip.IsLoopback() {
				return ip.String()
			}
		}
	}
	return ""
}

func hasFlag(flags []string, want string) bool {
	for _, f := range flags {
		if strings.EqualFold(f, want) {
			return true
		}
	}
	return false
}
