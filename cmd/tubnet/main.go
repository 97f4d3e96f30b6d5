// tubnet keeps one device on the network: wifi association with a
// reconnect watchdog, SNTP wall clock, and a rate-limited MQTT feed of
// sensor telemetry. It exits with code 2 when the executive asks for a
// restart; the supervisor (systemd Restart=always) does the actual
// resetting.
package main

import (
	"flag"
	"os"
	"os/signal"
	"syscall"

	"github.com/coreos/go-systemd/daemon"
	"github.com/juju/errors"
	"github.com/mattn/go-isatty"
	"github.com/tubnet/tubnet/executive"
	"github.com/tubnet/tubnet/hardware/radio"
	"github.com/tubnet/tubnet/log2"
	"github.com/tubnet/tubnet/state"
	"github.com/tubnet/tubnet/telem"
	"github.com/tubnet/tubnet/uartjson"
)

var BuildVersion string = "unknown" // -ldflags "-X main.BuildVersion=$(git describe)"

func main() {
	flagConfig := flag.String("config", "tubnet.hcl", "")
	flagIface := flag.String("iface", "wlan0", "wireless interface for wpa_cli")
	flagSensorDev := flag.String("sensor-dev", "", "serial device of the sensor board, empty disables")
	flagVersion := flag.Bool("version", false, "print build version and exit")
	flag.Parse()

	log := log2.NewStderr(log2.LInfo)
	if *flagVersion {
		log.Infof("tubnet version=%s", BuildVersion)
		return
	}
	if sdnotify(log, "READY=0\nSTATUS=init") {
		// under systemd: journal adds timestamps, we do not
		log.SetFlags(log2.LServiceFlags)
	} else if isatty.IsTerminal(os.Stderr.Fd()) {
		log.SetFlags(log2.LInteractiveFlags)
	} else {
		log.SetFlags(log2.LStdFlags)
	}
	log.Infof("tubnet version=%s", BuildVersion)

	ctx, g := state.NewContext(log)
	g.BuildVersion = BuildVersion

	cfg := state.MustReadConfig(log, state.NewOsFullReader(), *flagConfig)
	applyEnv(cfg)
	if err := g.Init(cfg); err != nil {
		log.Fatal(errors.ErrorStack(err))
	}

	wire := telem.NewMqttWire(cfg.Telem, log)

	var sensors executive.SensorSource
	if *flagSensorDev != "" {
		f, err := os.OpenFile(*flagSensorDev, os.O_RDWR, 0)
		if err != nil {
			log.Fatal(errors.Annotatef(err, "sensor-dev=%s", *flagSensorDev))
		}
		defer f.Close()
		h := uartjson.NewHandler(f, log)
		go h.Run(f)
		sensors = h
	}

	e, err := executive.New(ctx, radio.NewWPACtl(*flagIface, log), wire, sensors)
	if err != nil {
		log.Fatal(errors.ErrorStack(err))
	}

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigs
		log.Infof("signal %v, stopping", sig)
		g.Alive.Stop()
	}()

	sdnotify(log, daemon.SdNotifyReady)
	req := e.Run(ctx)
	g.Alive.Stop()
	g.Alive.Wait()
	if req != nil {
		log.Errorf("exit for restart reason=%s", req.Reason)
		os.Exit(2)
	}
	log.Infof("clean stop")
}

// Credentials come from the environment, same names the device firmware
// used, so the config file can stay free of secrets.
func applyEnv(cfg *state.Config) {
	if v := os.Getenv("WIFI_SSID"); v != "" {
		cfg.Wireless.SSID = v
	}
	if v := os.Getenv("WIFI_PASSWORD"); v != "" {
		cfg.Wireless.Password = v
	}
	if v := os.Getenv("AIO_USERNAME"); v != "" {
		cfg.Telem.Username = v
	}
	if v := os.Getenv("AIO_KEY"); v != "" {
		cfg.Telem.Password = v
	}
}

func sdnotify(log *log2.Log, s string) bool {
	ok, err := daemon.SdNotify(false, s)
	if err != nil {
		log.Fatal(errors.ErrorStack(err))
	}
	return ok
}
