// Command sncprobe is a minimal Endpoint CLI: it attaches to a Hub and
// either publishes or subscribes to one service from flags, for
// smoke-testing the endpoint library against a running Hub (§4.7).
package main

import (
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"snchub/internal/config"
	"snchub/internal/endpoint"
	"snchub/internal/obs"
	"snchub/internal/uid"
	"snchub/internal/wire"
)

func main() {
	confPath := flag.String("config", "", "path to config JSON (default: $SNCHUB_CONFIG or config/setting.json)")
	console := flag.Bool("console", false, "also mirror logs to stdout")
	mode := flag.String("mode", "subscribe", "publish|subscribe")
	servicePath := flag.String("service", "probe/default", "service path (region/app/service)")
	kindFlag := flag.String("kind", "multicast", "multicast|e2e")
	appName := flag.String("app", "sncprobe", "advertised app name")
	instance := flag.Uint("instance", uint(uid.InstanceFirstDynamic), "dynamic instance number")
	interval := flag.Duration("interval", time.Second, "publish send interval")
	flag.Parse()

	if *confPath != "" {
		if err := config.Reload(*confPath); err != nil {
			fmt.Printf("failed to load config: %v\n", err)
			os.Exit(1)
		}
	}
	cfg := config.Global()

	obs.Init(obs.Options{Level: cfg.Log.Level, Path: cfg.Log.Path, Console: *console})
	defer obs.Sync()

	kind, err := parseKind(*kindFlag)
	if err != nil {
		fmt.Println(err)
		os.Exit(1)
	}

	self := uid.New(uid.HostID(), uint16(*instance))
	ep := endpoint.New(self, *appName, "app", cfg)

	stop := make(chan struct{})
	done := make(chan error, 1)
	go func() { done <- ep.Run(stop) }()

	switch *mode {
	case "publish":
		runPublisher(ep, *servicePath, kind, *interval, stop)
	case "subscribe":
		runSubscriber(ep, *servicePath, kind, stop)
	default:
		fmt.Printf("unknown -mode %q, want publish or subscribe\n", *mode)
		close(stop)
		<-done
		os.Exit(1)
	}

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig
	close(stop)
	<-done
}

func parseKind(s string) (uint8, error) {
	switch s {
	case "multicast":
		return wire.KindMulticast, nil
	case "e2e":
		return wire.KindE2E, nil
	default:
		return 0, fmt.Errorf("unknown -kind %q, want multicast or e2e", s)
	}
}

// runPublisher adds a local service and periodically sends an
// incrementing payload whenever the window allows it (multicast) or
// unconditionally (e2e).
func runPublisher(ep *endpoint.Endpoint, path string, kind uint8, interval time.Duration, stop <-chan struct{}) {
	port, err := ep.AddService(path, kind, endpoint.LocationLocal, true)
	if err != nil {
		obs.L().Error("sncprobe: add local service failed", zap.Error(err))
		return
	}
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		var seq byte
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				if kind == wire.KindMulticast {
					if ok, _ := ep.ClearToSend(port); !ok {
						continue
					}
				}
				if err := ep.SendMessage(port, []byte{seq}, wire.PriLow); err != nil {
					obs.L().Debug("sncprobe: send failed", zap.Error(err))
					continue
				}
				seq++
			}
		}
	}()
}

// runSubscriber adds a remote service, logs every delivered frame, and
// acks it immediately when it is multicast.
func runSubscriber(ep *endpoint.Endpoint, path string, kind uint8, stop <-chan struct{}) {
	port, err := ep.AddService(path, kind, endpoint.LocationRemote, true)
	if err != nil {
		obs.L().Error("sncprobe: add remote service failed", zap.Error(err))
		return
	}
	ep.OnMessage(func(p uint16, sourceUID uid.UID, seq uint8, payload []byte) {
		if p != port {
			return
		}
		obs.L().Info("sncprobe: received",
			zap.Uint16("port", p), zap.String("from", sourceUID.String()),
			zap.Uint8("seq", seq), zap.Int("len", len(payload)))
		if kind == wire.KindMulticast {
			if err := ep.SendMulticastAck(port); err != nil {
				obs.L().Debug("sncprobe: ack failed", zap.Error(err))
			}
		}
	})
}
