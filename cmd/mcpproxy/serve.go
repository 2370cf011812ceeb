package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/stacklok/mcp-proxy/pkg/backend"
	"github.com/stacklok/mcp-proxy/pkg/cache"
	"github.com/stacklok/mcp-proxy/pkg/config"
	"github.com/stacklok/mcp-proxy/pkg/handler"
	"github.com/stacklok/mcp-proxy/pkg/httpapi"
	"github.com/stacklok/mcp-proxy/pkg/logger"
	"github.com/stacklok/mcp-proxy/pkg/metrics"
	"github.com/stacklok/mcp-proxy/pkg/perrors"
	"github.com/stacklok/mcp-proxy/pkg/plugin"
	"github.com/stacklok/mcp-proxy/pkg/pool"
	"github.com/stacklok/mcp-proxy/pkg/protocol"
	"github.com/stacklok/mcp-proxy/pkg/router"
)

const shutdownGraceTimeout = 15 * time.Second

// errShutdownTimeout is returned by runServe when the graceful shutdown
// sweep did not finish before shutdownGraceTimeout, per the exit
// code 1.
var errShutdownTimeout = errors.New("shutdown timed out")

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the MCP proxy server",
	RunE:  runServe,
}

func init() {
	serveCmd.Flags().String("address", ":8080", "address the HTTP/JSON-RPC endpoint listens on")
	if err := viper.BindPFlag("listen_address", serveCmd.Flags().Lookup("address")); err != nil {
		logger.Errorf("error binding address flag: %v", err)
	}
}

// exitCodeForErr maps runServe's returned error to the exit
// codes: 0 clean, 1 shutdown-timeout exceeded, 2 configuration failure.
func exitCodeForErr(err error) int {
	if err == nil {
		return 0
	}
	if perrors.IsConfig(err) {
		return 2
	}
	if errors.Is(err, errShutdownTimeout) {
		return 1
	}
	return 1
}

func runServe(cmd *cobra.Command, _ []string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	if err := metrics.Register(prometheus.DefaultRegisterer); err != nil {
		logger.Warnf("metrics already registered: %v", err)
	}

	p := pool.New(protocol.DefaultVersion, pool.ClientInfo{Name: "mcp-proxy", Version: version})
	c := cache.New()

	var mgr *backend.Manager
	r := router.New(func(ctx context.Context, backendName, method string, params json.RawMessage) (json.RawMessage, error) {
		return mgr.Call(ctx, backendName, method, params)
	})
	mgr = backend.NewManager(p, r, c)

	chain := buildPluginChain(cfg)

	h := handler.New(mgr, r, c, chain, handler.Info{Name: "mcp-proxy", Version: version})
	if ttl := cfg.CacheTTL(); ttl > 0 {
		h.CacheTTL = ttl
	}
	if timeout := cfg.RequestTimeout(); timeout > 0 {
		h.FanoutTimeout = timeout
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	mgr.StartAll(ctx, buildBackends(cfg))

	address := fmt.Sprintf("%s:%d", cfg.Proxy.Host, cfg.Proxy.Port)
	if cmd.Flags().Changed("address") {
		address = viper.GetString("listen_address")
	}

	serveErrCh := make(chan error, 1)
	go func() {
		serveErrCh <- httpapi.Serve(ctx, address, h)
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	case err := <-serveErrCh:
		if err != nil {
			return err
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGraceTimeout)
	defer cancel()
	if err := mgr.Shutdown(shutdownCtx); err != nil {
		logger.Errorf("backend manager shutdown incomplete: %v", err)
		return errShutdownTimeout
	}

	if err := <-serveErrCh; err != nil {
		return err
	}

	logger.Info("shutdown complete")
	return nil
}

// buildPluginChain constructs the Plugin Chain (C8) and its Registry from
// the configuration document's optional plugins block. A nil or empty
// block yields a Registry with zero plugin directories: every assignment
// lookup is then a no-op pass-through, matching the "no
// plugins assigned" baseline.
func buildPluginChain(cfg *config.Config) *plugin.Chain {
	pluginDir := ""
	nodeExecutable := "node"
	maxConcurrent := 10
	poolSize := 5
	defaultTimeout := 5 * time.Second

	if cfg.Plugins != nil {
		pluginDir = cfg.Plugins.PluginDir
		if cfg.Plugins.NodeExecutable != "" {
			nodeExecutable = cfg.Plugins.NodeExecutable
		}
		if cfg.Plugins.MaxConcurrentExecutions > 0 {
			maxConcurrent = cfg.Plugins.MaxConcurrentExecutions
		}
		if cfg.Plugins.PoolSizePerPlugin > 0 {
			poolSize = cfg.Plugins.PoolSizePerPlugin
		}
		if cfg.Plugins.DefaultTimeoutMS > 0 {
			defaultTimeout = time.Duration(cfg.Plugins.DefaultTimeoutMS) * time.Millisecond
		}
	}

	registry := plugin.NewRegistry(pluginDir, nodeExecutable, maxConcurrent, poolSize, defaultTimeout)
	chain := plugin.NewChain(registry)

	if cfg.Plugins == nil {
		return chain
	}
	for serverName, sp := range cfg.Plugins.Servers {
		chain.SetAssignments(serverName, plugin.PhaseRequest, toAssignments(sp.Request))
		chain.SetAssignments(serverName, plugin.PhaseResponse, toAssignments(sp.Response))
	}
	return chain
}

func toAssignments(list []config.PluginAssignmentConfig) []plugin.Assignment {
	out := make([]plugin.Assignment, 0, len(list))
	for _, a := range list {
		out = append(out, plugin.Assignment{
			PluginName: a.Name,
			Order:      a.Order,
			Enabled:    a.Enabled,
			TimeoutMS:  a.TimeoutMS,
		})
	}
	return out
}

// buildBackends converts every enabled server entry of the configuration
// document into a Backend ready for Manager.StartAll.
func buildBackends(cfg *config.Config) []*backend.Backend {
	backends := make([]*backend.Backend, 0, len(cfg.Servers))
	for name, s := range cfg.Servers {
		if !s.IsEnabled() {
			continue
		}
		b := backend.NewBackend(
			name,
			cfg.ToBackendDescriptor(s),
			cfg.ToBackendRestartPolicy(s),
			cfg.ToBackendHealthCheck(s),
		)
		backends = append(backends, b)
	}
	return backends
}
