// Command wordcount runs the word count topology for a fixed duration, then
// kills it and prints the most frequent words.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/birdayz/kstorm"
	"github.com/birdayz/kstorm/examples/wordcount"
	"github.com/birdayz/kstorm/kremote"
	"github.com/birdayz/kstorm/pkg/log"
	"github.com/go-logr/logr"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"github.com/twmb/franz-go/pkg/kadm"
)

func main() {
	var (
		duration     = flag.Duration("duration", 60*time.Second, "how long the topology runs before it is killed")
		debug        = flag.Bool("debug", false, "log every record")
		metricsAddr  = flag.String("metrics-addr", "", "serve prometheus metrics on this address")
		mode         = flag.String("mode", "local", "local or remote")
		brokers      = flag.String("brokers", "localhost:9092", "comma separated seed brokers for remote mode")
		controlTopic = flag.String("control-topic", kremote.DefaultControlTopic, "control topic for remote mode")
		top          = flag.Int("top", 10, "number of words to print")
		logBackend   = flag.String("log-backend", "tint", "tint or zerolog")
	)
	flag.Parse()

	logger, localLog, remoteLog, err := loggers(nil, *logBackend, *debug)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	switch *mode {
	case "local":
		err = runLocal(ctx, logger, localLog, *duration, *debug, *metricsAddr, *top)
	case "remote":
		err = runRemote(ctx, remoteLog, *duration, *debug, strings.Split(*brokers, ","), *controlTopic)
	default:
		err = fmt.Errorf("unknown mode %q", *mode)
	}
	if err != nil {
		logger.Error("Word count failed", "error", err)
		os.Exit(1)
	}
}

// loggers builds the CLI logger and the matching cluster logging options. A
// nil w selects the console.
func loggers(w io.Writer, backend string, debug bool) (*slog.Logger, kstorm.Option, kremote.Option, error) {
	level, zlevel := slog.LevelInfo, zerolog.InfoLevel
	if debug {
		level, zlevel = slog.LevelDebug, zerolog.DebugLevel
	}

	switch backend {
	case "tint":
		logger := log.New(level)
		if w != nil {
			logger = log.NewConsole(w, level)
		}
		return logger, kstorm.WithLog(logger), kremote.WithLog(logger), nil
	case "zerolog":
		lr := log.NewLogr(w, zlevel)
		return slog.New(logr.ToSlogHandler(lr)), kstorm.WithLogr(lr), kremote.WithLogr(lr), nil
	}
	return nil, nil, nil, fmt.Errorf("unknown log backend %q", backend)
}

func runLocal(ctx context.Context, logger *slog.Logger, logOpt kstorm.Option, d time.Duration, debug bool, metricsAddr string, top int) error {
	reg := prometheus.NewRegistry()
	cluster, err := kstorm.NewLocalCluster(
		logOpt,
		kstorm.WithMetricsRegisterer(reg),
	)
	if err != nil {
		return err
	}

	if metricsAddr != "" {
		srv := &http.Server{Addr: metricsAddr, Handler: promhttp.HandlerFor(reg, promhttp.HandlerOpts{})}
		go func() {
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error("Metrics server failed", "error", err)
			}
		}()
		defer srv.Close()
	}

	cfg, err := kstorm.ConfigFromMap(wordcount.Conf(debug))
	if err != nil {
		return err
	}
	h := wordcount.NewHistogram()
	g, err := wordcount.Topology(wordcount.RandomJokes(wordcount.Jokes), h, wordcount.Parallelism{Split: 2, Count: 4})
	if err != nil {
		return err
	}

	run, err := cluster.Submit(ctx, "", cfg, g)
	if err != nil {
		return err
	}
	sleep(ctx, d)

	killCtx, cancel := context.WithTimeout(context.Background(), kstorm.DefaultShutdownTimeout)
	defer cancel()
	if err := cluster.Kill(killCtx, run); err != nil {
		return err
	}

	counts := h.Snapshot()
	for _, w := range h.Top(top) {
		fmt.Printf("%-12s %d\n", w, counts[w])
	}
	return nil
}

func runRemote(ctx context.Context, logOpt kremote.Option, d time.Duration, debug bool, brokers []string, topic string) error {
	cluster, err := kremote.Dial(brokers, logOpt, kremote.WithTopic(topic))
	if err != nil {
		return err
	}
	defer cluster.Close()

	if err := kremote.EnsureControlTopic(ctx, kadm.NewClient(cluster.Client()), topic, 1); err != nil {
		return err
	}

	cfg, err := kstorm.ConfigFromMap(wordcount.Conf(debug))
	if err != nil {
		return err
	}
	g, err := wordcount.Topology(wordcount.RandomJokes(wordcount.Jokes), wordcount.NewHistogram(), wordcount.Parallelism{Split: 2, Count: 4})
	if err != nil {
		return err
	}

	run, err := cluster.Submit(ctx, "", cfg, g)
	if err != nil {
		return err
	}
	sleep(ctx, d)
	return cluster.Kill(context.WithoutCancel(ctx), run)
}

func sleep(ctx context.Context, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
	case <-ctx.Done():
	}
}
