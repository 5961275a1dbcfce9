package main

import (
	"flag"
	"fmt"
	"io"
	"net/http"
	"net/http/httputil"
	"net/url"
	"os"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/recache/recache"
	"github.com/recache/recache/cache"
	cachekey "github.com/recache/recache/pkg/cache-key"
	policy "github.com/recache/recache/pkg/cache-policy"
	serializer "github.com/recache/recache/pkg/response-serializer"
)

var (
	// CLI flags
	configFilenameFlag string
	portFlag           int
	originFlag         string
	backendFlag        string
	dbFilenameFlag     string
	redisAddrFlag      string
	formatFlag         string
	verbosityTraceFlag bool
	logFilenameFlag    string

	// this is set by goreleaser
	version string
)

func init() {
	flag.StringVar(&configFilenameFlag, "config", "", "Path to config file")
	flag.StringVar(&originFlag, "origin", "", "Origin URL to proxy to (overrides config)")
	flag.IntVar(&portFlag, "port", 8080, "Port to listen on")
	flag.StringVar(&backendFlag, "backend", "sqlite", "Storage backend: memory, sqlite, leveldb, filesystem or redis")
	flag.StringVar(&dbFilenameFlag, "db", "cache.db", "Database file or directory for file-backed backends")
	flag.StringVar(&redisAddrFlag, "redis", "localhost:6379", "Redis address for the redis backend")
	flag.StringVar(&formatFlag, "format", "msgpack", "Entry serialization format: msgpack, json, yaml or bson")
	flag.BoolVar(&verbosityTraceFlag, "vv", false, "Verbosity: trace logging")
	flag.StringVar(&logFilenameFlag, "log-file", "", "Log file to use (in addition to stdout)")

	if version == "" {
		version = "DEV"
	}
}

func main() {
	flag.Parse()

	logLevel := zerolog.DebugLevel
	if verbosityTraceFlag {
		logLevel = zerolog.TraceLevel
	}

	// log to stdout, and to a logfile as well if specified
	logOutputs := []io.Writer{zerolog.ConsoleWriter{Out: os.Stdout}}
	if logFilenameFlag != "" {
		logFileOutput, err := os.OpenFile(logFilenameFlag, os.O_APPEND|os.O_WRONLY|os.O_CREATE, 0644)
		if err != nil {
			log.Fatal().Err(err).Msg("Cannot open log file")
		}
		logOutputs = append(logOutputs, logFileOutput)
	}
	log.Logger = log.Level(logLevel).Output(zerolog.MultiLevelWriter(logOutputs...)).
		With().Str("version", version).Logger()

	var config Config
	if configFilenameFlag != "" {
		var err error
		config, err = getConfig(configFilenameFlag)
		if err != nil {
			log.Fatal().Err(err).Msg("Cannot read config file")
		}
	}
	if originFlag != "" {
		config.Origin = originFlag
	}
	if config.Origin == "" {
		log.Fatal().Msg("Please specify origin")
	}
	if config.Port == 0 {
		config.Port = portFlag
	}
	if config.Backend.Type == "" {
		config.Backend.Type = backendFlag
		config.Backend.Path = dbFilenameFlag
		config.Backend.Addr = redisAddrFlag
	}
	if config.Serializer.Format == "" {
		config.Serializer.Format = formatFlag
	}

	originURL, err := url.Parse(config.Origin)
	if err != nil {
		log.Fatal().Err(err).Msg("Could not parse origin url")
	}

	c, err := buildCache(config)
	if err != nil {
		log.Fatal().Err(err).Msg("Cannot initialize cache")
	}
	defer c.Close()

	proxy := &httputil.ReverseProxy{
		Rewrite: func(r *httputil.ProxyRequest) {
			r.SetURL(originURL)
			r.Out.Host = originURL.Host
		},
		Transport: c.RoundTripper(),
	}

	r := chi.NewRouter()
	r.Route("/-/cache", func(r chi.Router) {
		r.Get("/count", func(w http.ResponseWriter, req *http.Request) {
			count, err := c.Count(req.Context())
			if err != nil {
				http.Error(w, err.Error(), http.StatusInternalServerError)
				return
			}
			fmt.Fprintf(w, "%d\n", count)
		})
		r.Post("/purge", func(w http.ResponseWriter, req *http.Request) {
			if err := c.Clear(req.Context()); err != nil {
				http.Error(w, err.Error(), http.StatusInternalServerError)
				return
			}
			w.WriteHeader(http.StatusNoContent)
		})
		r.Post("/delete-expired", func(w http.ResponseWriter, req *http.Request) {
			removed, err := c.DeleteExpired(req.Context())
			if err != nil {
				http.Error(w, err.Error(), http.StatusInternalServerError)
				return
			}
			fmt.Fprintf(w, "%d\n", removed)
		})
	})
	r.Handle("/*", proxy)

	log.Info().Msgf("Proxying port %v to %s", config.Port, config.Origin)
	if err := http.ListenAndServe(fmt.Sprintf(":%d", config.Port), r); err != nil {
		log.Fatal().Err(err).Msg("Server stopped")
	}
}

func buildCache(config Config) (*recache.Cache, error) {
	backend, err := buildBackend(config.Backend)
	if err != nil {
		return nil, err
	}

	format, err := serializer.ParseFormat(config.Serializer.Format)
	if err != nil {
		return nil, err
	}
	var opts []serializer.Option
	if config.Serializer.Compress {
		opts = append(opts, serializer.WithCompression())
	}
	if config.Serializer.Secret != "" {
		opts = append(opts, serializer.WithSecret([]byte(config.Serializer.Secret)))
	}
	ser, err := serializer.New(format, opts...)
	if err != nil {
		return nil, err
	}

	rules := make([]policy.Rule, 0, len(config.Cache.Rules))
	for _, rule := range config.Cache.Rules {
		ttl := time.Duration(rule.TTL)
		if rule.NoCache {
			ttl = policy.DoNotCache
		}
		rules = append(rules, policy.Rule{Pattern: rule.Pattern, TTL: ttl})
	}

	return recache.New(recache.Config{
		Backend:    backend,
		Serializer: ser,
		Keyer: cachekey.Config{
			IgnoredParams: config.Cache.IgnoredParams,
			MatchHeaders:  config.Cache.MatchHeaders,
		},
		Policy: policy.Settings{
			DefaultTTL: time.Duration(config.Cache.DefaultTTL),
			Rules:      rules,
		},
		OnBackendError: recache.BackendErrorPassThrough,
		Logger:         &log.Logger,
	})
}

func buildBackend(config BackendConfig) (cache.Backend, error) {
	var backend cache.Backend
	var err error
	switch config.Type {
	case "memory":
		backend = cache.NewMemory()
	case "sqlite":
		backend, err = cache.NewSQLite(config.Path)
	case "leveldb":
		backend, err = cache.NewLevelDB(config.Path)
	case "filesystem":
		backend, err = cache.NewFilesystem(config.Path)
	case "redis":
		backend = cache.NewRedis(redis.NewClient(&redis.Options{Addr: config.Addr}), config.Prefix)
	default:
		return nil, fmt.Errorf("unsupported backend: %s", config.Type)
	}
	if err != nil {
		return nil, err
	}
	if config.SplitThreshold > 0 {
		backend = cache.NewSplit(backend, config.SplitThreshold)
	}
	return backend, nil
}
