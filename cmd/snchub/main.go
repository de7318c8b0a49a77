// Command snchub runs the Hub server: the endpoint/tunnel listeners,
// beacon broadcaster and tunnel maintainer for one routing node (§2,
// §4.6, §4.8).
package main

import (
	"flag"
	"fmt"
	"net"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"go.uber.org/zap"

	"snchub/internal/beacon"
	"snchub/internal/config"
	"snchub/internal/hub"
	"snchub/internal/obs"
	"snchub/internal/tunnel"
	"snchub/internal/uid"
)

func main() {
	confPath := flag.String("config", "", "path to config JSON (default: $SNCHUB_CONFIG or config/setting.json)")
	console := flag.Bool("console", false, "also mirror logs to stdout")
	adapter := flag.String("adapter", "", "network adapter to restrict beacon traffic to, overrides config")
	flag.Parse()

	if *confPath != "" {
		if err := config.Reload(*confPath); err != nil {
			fmt.Printf("failed to load config: %v\n", err)
			os.Exit(1)
		}
	}
	cfg := config.Global()
	if *adapter != "" {
		cfg.Parameters.Adapter = *adapter
	}

	obs.Init(obs.Options{Level: cfg.Log.Level, Path: cfg.Log.Path, Console: *console})
	defer obs.Sync()

	self := selfUID(cfg)
	obs.L().Info("snchub: starting", zap.String("uid", self.String()), zap.String("app", cfg.Parameters.AppName))

	h := hub.New(self, cfg)
	tm := tunnel.New(h, cfg)

	stop := make(chan struct{})
	var wg sync.WaitGroup

	wg.Add(1)
	go func() { defer wg.Done(); runAndLog("hub", func() error { return h.Run(stop) }) }()

	wg.Add(1)
	go func() { defer wg.Done(); tm.Run(stop) }()

	wg.Add(1)
	go func() {
		defer wg.Done()
		b, err := beacon.NewBroadcaster(cfg.Parameters.BeaconBasePort, func() beacon.Hello {
			hello := beacon.Hello{
				UID:           self,
				AppName:       cfg.Parameters.AppName,
				ComponentType: "hub",
				Priority:      uint8(cfg.Parameters.HubPriority),
				IntervalMs:    uint16(cfg.Parameters.HeartbeatInterval),
			}
			if ip := localIPv4(cfg.Parameters.Adapter); ip != nil {
				copy(hello.IP[:], ip)
			}
			return hello
		})
		if err != nil {
			obs.L().Warn("snchub: beacon broadcaster unavailable", zap.Error(err))
			return
		}
		defer b.Close()
		b.Run(stop)
	}()

	if cfg.Parameters.StatusAddr != "" {
		wg.Add(1)
		go func() { defer wg.Done(); runAndLog("status", func() error { return h.ServeStatus(cfg.Parameters.StatusAddr, stop) }) }()
	}

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig
	obs.L().Info("snchub: shutting down")
	close(stop)
	wg.Wait()
}

func runAndLog(name string, fn func() error) {
	if err := fn(); err != nil {
		obs.L().Error("snchub: component exited with error", zap.String("component", name), zap.Error(err))
	}
}

// localIPv4 returns the first non-loopback IPv4 address bound to
// adapter (or any interface, when adapter is empty), used to fill a
// hello beacon's advertised IP field (§6).
func localIPv4(adapter string) net.IP {
	ifaces, err := net.Interfaces()
	if err != nil {
		return nil
	}
	for _, iface := range ifaces {
		if adapter != "" && iface.Name != adapter {
			continue
		}
		addrs, err := iface.Addrs()
		if err != nil {
			continue
		}
		for _, a := range addrs {
			ipNet, ok := a.(*net.IPNet)
			if !ok {
				continue
			}
			if ip4 := ipNet.IP.To4(); ip4 != nil && !ip4.IsLoopback() {
				return ip4
			}
		}
	}
	return nil
}

// selfUID resolves the Hub's own identity: the configured override
// when present, otherwise a host-derived UID at the reserved Hub
// instance (§3).
func selfUID(cfg *config.Config) uid.UID {
	if cfg.Parameters.UID != "" {
		if u, err := uid.Parse(cfg.Parameters.UID); err == nil {
			return u
		}
		obs.L().Warn("snchub: configured uid override is invalid, deriving from host", zap.String("uid", cfg.Parameters.UID))
	}
	return uid.New(uid.HostID(), uid.InstanceHub)
}
