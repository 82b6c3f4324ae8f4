// Command relaypool fetches or streams Nostr events through a relay pool.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/pflag"

	"nostr-relaypool/internal/client"
	"nostr-relaypool/internal/config"
	"nostr-relaypool/internal/logging"
	"nostr-relaypool/internal/pool"
	"nostr-relaypool/internal/subscription"
	"nostr-relaypool/internal/types"
)

func main() {
	if err := run(); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return
		}
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

type flags struct {
	configPath  string
	relays      []string
	id          string
	kinds       []int
	authors     []string
	limit       int
	timeout     time.Duration
	watch       bool
	metricsAddr string
}

func parseFlags(args []string) (*flags, error) {
	var f flags
	flagSet := pflag.NewFlagSet("relaypool", pflag.ContinueOnError)
	flagSet.StringVar(&f.configPath, "config", "", "path to YAML config (default $RELAYPOOL_CONFIG or "+config.DefaultPath+")")
	flagSet.StringArrayVar(&f.relays, "relay", nil, "relay URL to use instead of the configured ones (repeatable)")
	flagSet.StringVar(&f.id, "id", "", "fetch one event by hex id, note, nevent, naddr, nprofile or kind:pubkey:d")
	flagSet.IntSliceVar(&f.kinds, "kind", nil, "event kind to match (repeatable)")
	flagSet.StringArrayVar(&f.authors, "author", nil, "author pubkey to match (repeatable)")
	flagSet.IntVar(&f.limit, "limit", 20, "maximum number of stored events per relay")
	flagSet.DurationVar(&f.timeout, "timeout", 0, "fetch ceiling (default from config)")
	flagSet.BoolVar(&f.watch, "watch", false, "keep streaming new events until interrupted")
	flagSet.StringVar(&f.metricsAddr, "metrics-addr", "", "serve /metrics and /health on this address")

	if err := flagSet.Parse(args); err != nil {
		return nil, err
	}
	if rest := flagSet.Args(); len(rest) > 0 {
		return nil, fmt.Errorf("unexpected argument: %s", rest[0])
	}
	if f.id != "" && (len(f.kinds) > 0 || len(f.authors) > 0) {
		return nil, errors.New("--id cannot be combined with --kind or --author")
	}
	if f.id != "" && f.watch {
		return nil, errors.New("--watch needs a filter, not --id")
	}
	return &f, nil
}

func (f *flags) mode() string {
	switch {
	case f.id != "":
		return "fetch-event"
	case f.watch:
		return "watch"
	}
	return "fetch-events"
}

func (f *flags) filter() types.Filter {
	return types.Filter{Kinds: f.kinds, Authors: f.authors, Limit: f.limit}
}

func run() error {
	f, err := parseFlags(os.Args[1:])
	if err != nil {
		return err
	}

	cfg, err := config.Load(f.configPath)
	if err != nil {
		return err
	}
	logging.InitLogger(cfg.LogLevel)
	log := logging.Component("cli")

	if len(f.relays) > 0 {
		cfg.Relays.Explicit = f.relays
	}
	if f.timeout > 0 {
		cfg.Fetch.Timeout = f.timeout
	}
	if f.metricsAddr != "" {
		cfg.MetricsAddr = f.metricsAddr
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	c, err := client.FromConfig(cfg, reg)
	if err != nil {
		return err
	}
	defer func() {
		if err := c.Close(); err != nil {
			log.Warn("close failed", "error", err)
		}
	}()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	ctx = logging.WithContext(ctx, log.With("mode", f.mode()))

	if cfg.MetricsAddr != "" {
		srv := serveMetrics(cfg.MetricsAddr, reg, c.Pool(), log)
		defer srv.Shutdown(context.Background())
	}

	if err := c.Connect(ctx, cfg.Pool.ConnectTimeout); err != nil {
		return err
	}
	stats := c.Pool().Stats()
	log.Info("pool connected", "connected", stats.Connected, "total", stats.Total)

	out := json.NewEncoder(os.Stdout)
	switch {
	case f.id != "":
		evt, err := c.FetchEvent(ctx, f.id, nil)
		if err != nil {
			return err
		}
		if evt == nil {
			return fmt.Errorf("event %s not found", f.id)
		}
		return out.Encode(evt)

	case f.watch:
		return watch(ctx, c, f.filter(), out)

	default:
		events, err := c.FetchEvents(ctx, []types.Filter{f.filter()}, nil)
		if err != nil {
			return err
		}
		for _, evt := range events {
			if err := out.Encode(evt); err != nil {
				return err
			}
		}
		log.Info("fetch complete", "events", len(events))
		return nil
	}
}

func watch(ctx context.Context, c *client.Client, filter types.Filter, out *json.Encoder) error {
	events := make(chan types.Event, 64)
	sub := c.Subscribe([]types.Filter{filter}, nil, &subscription.Handlers{
		OnEvent: func(evt types.Event, relayURL string) {
			select {
			case events <- evt:
			case <-ctx.Done():
			}
		},
		OnEvents: func(cached []types.Event) {
			for _, evt := range cached {
				select {
				case events <- evt:
				case <-ctx.Done():
					return
				}
			}
		},
		OnEose: func() { logging.FromContext(ctx, nil).Info("caught up, streaming new events") },
	})
	defer sub.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case evt := <-events:
			if err := out.Encode(evt); err != nil {
				return err
			}
		}
	}
}

type relayHealth struct {
	URL       string `json:"url"`
	Status    string `json:"status"`
	Temporary bool   `json:"temporary,omitempty"`
	Flapping  bool   `json:"flapping,omitempty"`
	Backoff   string `json:"backoff,omitempty"`
}

type poolHealth struct {
	Total        int           `json:"total"`
	Connected    int           `json:"connected"`
	Disconnected int           `json:"disconnected"`
	Connecting   int           `json:"connecting"`
	Recovering   bool          `json:"recovering"`
	Relays       []relayHealth `json:"relays"`
}

// healthHandler reports pool state. It answers 503 when no relay is
// connected.
func healthHandler(p *pool.Pool) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		stats := p.Stats()
		h := poolHealth{
			Total:        stats.Total,
			Connected:    stats.Connected,
			Disconnected: stats.Disconnected,
			Connecting:   stats.Connecting,
			Recovering:   p.Recovering(),
			Relays:       make([]relayHealth, 0, stats.Total),
		}
		for _, rl := range p.Relays() {
			url := rl.URL()
			rh := relayHealth{
				URL:       url,
				Status:    rl.Status().String(),
				Temporary: p.IsTemporary(url),
				Flapping:  p.IsFlapping(url),
			}
			if b := p.Backoff(url); b > 0 {
				rh.Backoff = b.String()
			}
			h.Relays = append(h.Relays, rh)
		}

		w.Header().Set("Content-Type", "application/json")
		if stats.Total > 0 && stats.Connected == 0 {
			w.WriteHeader(http.StatusServiceUnavailable)
		}
		json.NewEncoder(w).Encode(h)
	})
}

func serveMetrics(addr string, reg *prometheus.Registry, p *pool.Pool, log *slog.Logger) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	mux.Handle("/health", healthHandler(p))

	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("metrics server failed", "addr", addr, "error", err)
		}
	}()
	log.Info("serving metrics", "addr", addr)
	return srv
}
