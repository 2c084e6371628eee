// Command edgee-proxy wires the config, cookie store, routing table,
// WASM engine, dispatcher, and analytics client into a server.App and
// serves it. Flags only override the config file/env-derived engine
// document path; everything else is environment-driven, matching the
// teacher's main.go shape.
package main

import (
	"context"
	"embed"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"strings"

	"github.com/edgehop/proxy/internal/analytics"
	"github.com/edgehop/proxy/internal/compute"
	"github.com/edgehop/proxy/internal/config"
	"github.com/edgehop/proxy/internal/cookie"
	"github.com/edgehop/proxy/internal/dispatch"
	"github.com/edgehop/proxy/internal/edgeecrypto"
	"github.com/edgehop/proxy/internal/endpoints"
	"github.com/edgehop/proxy/internal/event"
	"github.com/edgehop/proxy/internal/proxyfwd"
	"github.com/edgehop/proxy/internal/routing"
	"github.com/edgehop/proxy/internal/server"
	"github.com/edgehop/proxy/internal/wasmruntime"
)

//go:embed sdk/sdk.js
var defaultSDK embed.FS

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	engineConfig := flag.String("engine-config", "", "Path to the engine config JSON document (routing + destination components)")
	flag.Parse()
	if *engineConfig != "" {
		os.Setenv("EDGEE_ENGINE_CONFIG", *engineConfig)
	}

	cfg := config.MustLoad()

	ctx := context.Background()

	cipher, err := edgeecrypto.New(cryptoKeyOrDefault(cfg), cryptoIVOrDefault(cfg))
	if err != nil {
		slog.Error("building identity cookie cipher failed", "err", err)
		os.Exit(1)
	}
	cookies := cookie.NewStore(cipher, cfg.CookieName, cfg.CookieDomain, cfg.ForceHTTPS, nil)

	routingTable, err := buildRoutingTable(cfg)
	if err != nil {
		slog.Error("building routing table failed", "err", err)
		os.Exit(1)
	}

	descriptors := buildDescriptors(cfg)

	// wrCfg.S3Client is only set when a component actually needs it: a nil
	// *s3.Client assigned into the interface field would not compare equal
	// to a bare nil, defeating loadBinary's "no client configured" check.
	wrCfg := wasmruntime.Config{CacheDir: cfg.WASMCacheDir}
	if needsS3(cfg) {
		c, err := wasmruntime.NewS3Client(ctx, cfg.S3Region, cfg.S3Endpoint, cfg.S3AccessKeyID, cfg.S3SecretAccessKey)
		if err != nil {
			slog.Error("building s3 client failed", "err", err)
			os.Exit(1)
		}
		wrCfg.S3Client = c
	}

	engine, err := wasmruntime.NewEngine(ctx, wrCfg, descriptors)
	if err != nil {
		slog.Error("building wasm engine failed", "err", err)
		os.Exit(1)
	}
	defer engine.Close(ctx)

	dispatcher := dispatch.New(engine, engine.Descriptors())

	var analyticsClient *analytics.Client
	if cfg.AnalyticsEndpoint != "" {
		analyticsClient = analytics.New(cfg.AnalyticsEndpoint, cfg.AnalyticsToken)
	}

	sdkBytes := loadSDKBytes(cfg)

	app := &server.App{
		Config:     cfg,
		Cookies:    cookies,
		Routing:    routingTable,
		Forwarder:  proxyfwd.NewForwarder(cfg.MaxDecompressedBodySize),
		Dispatcher: dispatcher,
		Analytics:  analyticsClient,
		Compute: compute.Options{
			SDKInjection: compute.SDKInjection{
				Enabled: cfg.InjectSDK,
				Tag:     sdkTag(cfg),
				Prepend: strings.EqualFold(cfg.InjectSDKPosition, "prepend"),
			},
			InlineSDK: sdkBytes,
			SDKSrc:    cfg.SDKSrc,
			Debug:     cfg.Debug,
		},
		Endpoints: &endpoints.Handlers{
			Cookies:     cookies,
			Descriptors: engine.Descriptors(),
			Dispatcher:  dispatcher,
			Analytics:   analyticsClient,
			SDKBytes:    sdkBytes,
		},
	}

	handler := app.Handler()

	slog.Info("edgee-proxy starting", "addr", cfg.HTTPAddr)
	if err := http.ListenAndServe(cfg.HTTPAddr, handler); err != nil {
		slog.Error("server error", "err", err)
		os.Exit(1)
	}
}

func cryptoKeyOrDefault(cfg *config.Config) []byte {
	if cfg.CryptoKey != "" {
		return []byte(cfg.CryptoKey)
	}
	return []byte(edgeecrypto.DefaultKey)
}

func cryptoIVOrDefault(cfg *config.Config) []byte {
	if cfg.CryptoIV != "" {
		return []byte(cfg.CryptoIV)
	}
	return []byte(edgeecrypto.DefaultIV)
}

// buildRoutingTable converts config's wire-shaped routing document into
// the routing package's runtime types.
func buildRoutingTable(cfg *config.Config) (*routing.Table, error) {
	domains := make([]*routing.Domain, 0, len(cfg.Routing))
	for _, dc := range cfg.Routing {
		backends := make(map[string]*routing.Backend, len(dc.Backends))
		var def *routing.Backend
		for _, bc := range dc.Backends {
			b := &routing.Backend{
				Name:          bc.Name,
				Address:       bc.Address,
				SSL:           bc.SSL,
				Default:       bc.Default,
				NoCompression: bc.NoCompression,
			}
			backends[b.Name] = b
			if b.Default {
				def = b
			}
		}
		rules := make([]*routing.Rule, 0, len(dc.Rules))
		for _, rc := range dc.Rules {
			rules = append(rules, &routing.Rule{
				Path:       rc.Path,
				PathPrefix: rc.PathPrefix,
				PathRegexp: rc.PathRegexp,
				Rewrite:    rc.Rewrite,
				Backend:    rc.Backend,
			})
		}
		domains = append(domains, &routing.Domain{
			Host:     dc.Host,
			Rules:    rules,
			Backends: backends,
			Default:  def,
		})
	}
	return routing.NewTable(domains)
}

// buildDescriptors converts config's wire-shaped component documents
// into the wasmruntime package's runtime Descriptor type.
func buildDescriptors(cfg *config.Config) []wasmruntime.Descriptor {
	out := make([]wasmruntime.Descriptor, 0, len(cfg.DataCollection))
	for _, cc := range cfg.DataCollection {
		enabled := make(map[event.Type]bool, len(cc.EnabledEventTypes))
		for _, t := range cc.EnabledEventTypes {
			enabled[event.Type(t)] = true
		}
		out = append(out, wasmruntime.Descriptor{
			ID:                    cc.ID,
			File:                  cc.File,
			WitVersion:            cc.WitVersion,
			Settings:              cc.Settings,
			Credentials:           cc.Credentials,
			EnabledEventTypes:     enabled,
			DefaultConsent:        event.Consent(cc.DefaultConsent),
			AnonymizationRequired: cc.AnonymizationRequired,
			ForwardClientHeaders:  cc.ForwardClientHeaders,
			TraceComponent:        cfg.TraceComponent != "" && cfg.TraceComponent == cc.ID,
		})
	}
	return out
}

func needsS3(cfg *config.Config) bool {
	for _, cc := range cfg.DataCollection {
		if strings.HasPrefix(cc.File, "s3://") {
			return true
		}
	}
	return false
}

func sdkTag(cfg *config.Config) string {
	src := cfg.SDKSrc
	if src == "" {
		src = "/_edgee/sdk.js"
	}
	return fmt.Sprintf(`<script id="__EDGEE_SDK__" src="%s" async></script>`, src)
}

// loadSDKBytes reads the configured SDK bundle from disk, falling back
// to the built-in placeholder when EDGEE_SDK_PATH is unset (building the
// real JS SDK bundle is an external collaborator's job).
func loadSDKBytes(cfg *config.Config) []byte {
	if cfg.SDKPath != "" {
		b, err := os.ReadFile(cfg.SDKPath)
		if err != nil {
			slog.Error("reading EDGEE_SDK_PATH failed, falling back to placeholder", "path", cfg.SDKPath, "err", err)
		} else {
			return b
		}
	}
	b, err := defaultSDK.ReadFile("sdk/sdk.js")
	if err != nil {
		slog.Error("reading embedded sdk placeholder failed", "err", err)
		return nil
	}
	return b
}
