package main

import (
	"flag"
	"fmt"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"

	"github.com/sci-bots/optodetect/pkg/config"
	"github.com/sci-bots/optodetect/pkg/counter"
	"github.com/sci-bots/optodetect/pkg/dispatch"
	"github.com/sci-bots/optodetect/pkg/explog"
	"github.com/sci-bots/optodetect/pkg/hwctl"
	"github.com/sci-bots/optodetect/pkg/metrics"
	"github.com/sci-bots/optodetect/pkg/protocol"
)

func main() {
	var (
		configFlag   = flag.String("config", "config.yaml", "Configuration file path")
		portFlag     = flag.String("p", "", "Serial port override (e.g., COM3 or /dev/ttyACM0)")
		mockFlag     = flag.Bool("mock", false, "Use mocked pulse counter and hardware controller")
		metricsFlag  = flag.String("metrics", ":9090", "Prometheus metrics listen address (empty = disabled)")
		actuateFlag  = flag.Duration("actuation-delay", 2*time.Second, "Simulated controller actuation time per step")
		channelsFlag = flag.Int("channels", 40, "Hardware controller channel count (mock)")
	)
	flag.Parse()

	// .env is optional; environment overrides the config file either way.
	_ = godotenv.Load()

	cfg, err := config.Load(*configFlag)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	if v := os.Getenv("OPTODETECT_PORT"); v != "" {
		cfg.Serial.Port = v
	}
	if v := os.Getenv("OPTODETECT_LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
	if *portFlag != "" {
		cfg.Serial.Port = *portFlag
	}

	log := newLogger(cfg.LogLevel)

	var client counter.Client
	if *mockFlag {
		mock := counter.NewMock(&cfg.Mock)
		if err := mock.Connect(); err != nil {
			log.WithError(err).Fatal("failed to connect mock pulse counter")
		}
		client = mock
	} else {
		proxy := counter.New(cfg.Serial.Port, cfg.Serial.Baud)
		if err := proxy.Connect(); err != nil {
			// Connection is retried before each step; until the device
			// appears, steps complete without measurements.
			log.WithError(err).Warn("pulse counter not connected")
			logAvailablePorts(log)
		}
		client = proxy
	}
	defer client.Close()

	controller := hwctl.NewMock(*channelsFlag, true)
	broadcaster := &hwctl.Broadcaster{}
	broadcaster.Register(controller)

	logbook := explog.NewMemory()
	log.WithField("run_id", logbook.RunID()).Info("experiment run started")

	met := metrics.New(nil)
	if *metricsFlag != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		go func() {
			if err := http.ListenAndServe(*metricsFlag, mux); err != nil {
				log.WithError(err).Error("metrics server stopped")
			}
		}()
	}

	dispatcher := dispatch.New(cfg.Threshold, controller, broadcaster, log)

	done := make(chan protocol.Outcome, 1)
	runner := protocol.NewRunner(cfg, client, logbook, dispatcher, met, log,
		func(source string, outcome protocol.Outcome) {
			done <- outcome
		})

	if len(cfg.Steps) == 0 {
		log.Warn("no protocol steps configured; nothing to run")
		return
	}

	for i, step := range cfg.Steps {
		log.WithField("step", i).Info("running protocol step")
		runner.RunStep(step)

		// The actuation notification normally arrives from the external
		// hardware controller; here a timer stands in for it.
		notify := time.AfterFunc(*actuateFlag, runner.NotifyStepComplete)

		outcome := <-done
		notify.Stop()
		if outcome == protocol.OutcomeFail {
			log.WithField("step", i).Error("step failed; stopping protocol")
			os.Exit(1)
		}
	}

	for _, entry := range logbook.Entries() {
		log.WithFields(logrus.Fields{
			"source": entry.Source,
			"time":   entry.Time.Format(time.RFC3339),
		}).Infof("logged record: %+v", entry.Record)
	}
}

// logAvailablePorts lists the serial ports present on the host, as a hint
// when the configured port cannot be opened.
func logAvailablePorts(log *logrus.Logger) {
	ports, err := counter.Ports()
	if err != nil {
		log.WithError(err).Debug("failed to enumerate serial ports")
		return
	}
	if len(ports) == 0 {
		log.Info("no serial ports detected")
		return
	}

	names := make([]string, len(ports))
	for i, p := range ports {
		names[i] = p.Name
	}
	log.WithField("available", strings.Join(names, ", ")).Info("serial ports detected")
}

func newLogger(level string) *logrus.Logger {
	log := logrus.New()

	if level == "off" || level == "none" {
		log.SetOutput(os.Stderr)
		log.SetLevel(logrus.PanicLevel)
		return log
	}

	parsed, err := logrus.ParseLevel(level)
	if err != nil {
		parsed = logrus.InfoLevel
	}
	log.SetLevel(parsed)
	log.SetFormatter(&logrus.TextFormatter{
		FullTimestamp:   true,
		TimestampFormat: "2006-01-02 15:04:05",
	})
	return log
}
