package main

import (
	"context"
	"net/http"
	"net/http/pprof"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/DataDog/datadog-go/statsd"
	"github.com/berthio/berth/log"
	"github.com/berthio/berth/session"
	"github.com/berthio/berth/stats"
	"github.com/gorilla/mux"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"github.com/spf13/viper"
	"go.uber.org/dig"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

const (
	ConfigHTTPAddr     = "http.addr"
	ConfigAPIEnabled   = "api.enabled"
	ConfigPprofEnabled = "pprof.enabled"

	ConfigLogLevel   = "log.level"
	ConfigLogFormat  = "log.format"
	ConfigStatsdAddr = "statsd.addr"

	ConfigBrokerType           = "broker.type"
	ConfigBrokerAcquireCommand = "broker.acquire_command"
	ConfigBrokerReleaseCommand = "broker.release_command"
	ConfigBrokerTokenCommand   = "broker.token_command"
	ConfigBrokerTimeout        = "broker.timeout"

	ConfigSessionHostname       = "session.hostname"
	ConfigSessionWorkdir        = "session.workdir"
	ConfigSessionLockFile       = "session.lock_file"
	ConfigSessionInfoFile       = "session.info_file"
	ConfigSessionPollInterval   = "session.poll_interval"
	ConfigSessionSettleDelay    = "session.settle_delay"
	ConfigSessionLaunchAttempts = "session.launch_attempts"
	ConfigSessionRetryDelay     = "session.retry_delay"

	ConfigTunnelEdgeNodes         = "tunnel.edge_nodes"
	ConfigTunnelSSHUser           = "tunnel.ssh_user"
	ConfigTunnelSSHPort           = "tunnel.ssh_port"
	ConfigTunnelIdentityFile      = "tunnel.identity_file"
	ConfigTunnelBindHost          = "tunnel.bind_host"
	ConfigTunnelDialTimeout       = "tunnel.dial.timeout"
	ConfigTunnelKeepaliveInterval = "tunnel.keepalive_interval"

	ConfigNotebookCommand         = "notebook.command"
	ConfigNotebookArgs            = "notebook.args"
	ConfigNotebookPort            = "notebook.port"
	ConfigNotebookLogFile         = "notebook.log_file"
	ConfigNotebookConfigFile      = "notebook.config_file"
	ConfigNotebookDependencyFiles = "notebook.dependency_files"

	ConfigDesktopCommand    = "desktop.command"
	ConfigDesktopArgs       = "desktop.args"
	ConfigDesktopPort       = "desktop.port"
	ConfigDesktopLogFile    = "desktop.log_file"
	ConfigDesktopConfigFile = "desktop.config_file"
	ConfigDesktopCertFile   = "desktop.cert_file"
	ConfigDesktopKeyFile    = "desktop.key_file"

	ConfigTLSMinVersion = "tls.min_version"
)

func initDefaults(config *viper.Viper) {
	config.SetDefault(ConfigHTTPAddr, ":8080")
	config.SetDefault(ConfigAPIEnabled, false)
	config.SetDefault(ConfigPprofEnabled, false)
	config.SetDefault(ConfigLogLevel, "info")
	config.SetDefault(ConfigLogFormat, "text")

	config.SetDefault(ConfigBrokerType, "local")
	config.SetDefault(ConfigBrokerTimeout, 30*time.Second)

	config.SetDefault(ConfigSessionWorkdir, ".")
	config.SetDefault(ConfigSessionPollInterval, 1*time.Second)
	config.SetDefault(ConfigSessionSettleDelay, 2*time.Second)
	config.SetDefault(ConfigSessionLaunchAttempts, 2)
	config.SetDefault(ConfigSessionRetryDelay, 1*time.Second)

	config.SetDefault(ConfigTunnelSSHPort, 22)
	config.SetDefault(ConfigTunnelBindHost, "0.0.0.0")
	config.SetDefault(ConfigTunnelDialTimeout, 15*time.Second)
	config.SetDefault(ConfigTunnelKeepaliveInterval, 1*time.Minute)

	config.SetDefault(ConfigNotebookCommand, "jupyter")
	config.SetDefault(ConfigNotebookArgs, []string{"notebook"})
	config.SetDefault(ConfigNotebookPort, 8888)

	config.SetDefault(ConfigDesktopCommand, "dcv")
	config.SetDefault(ConfigDesktopArgs, []string{"create-session"})
	config.SetDefault(ConfigDesktopPort, 5901)

	config.SetDefault(ConfigTLSMinVersion, "1.2")
}

// sessionKind selects the service profile: "notebook" or "desktop".
type sessionKind string

// startApplication boots the application dependency injection framework and
// executes the bootFuncs. The returned error is the session's fatal error, if
// any; the caller maps it to exit status 1.
func startApplication(kind string, bootFuncs ...interface{}) error {
	result := &runResult{done: make(chan struct{})}

	app := fx.New(
		fx.Provide(
			func() sessionKind { return sessionKind(kind) },
			func() *runResult { return result },

			// Viper configuration management.
			newConfig,
			// Logger.
			newLogger,
			// Report metrics and events to a statsd collector.
			newStats,
			// Expose an HTTP server for the status API and healthchecks.
			newHTTPServer,
			// Healthcheck manager, reports status over HTTP.
			newHealthcheck,
			// Port/token broker client.
			newBroker,
			// Detached process launcher.
			newLauncher,
			// Service profile for the selected session kind.
			newProfile,
			// The session record threaded through every component.
			newSession,
			// Lock file and connection info publishing.
			newMonitor,
			// Reverse forwards to the edge nodes.
			newTunnelManager,
			// The session lifecycle supervisor.
			newSupervisor,
		),

		fx.Invoke(bootFuncs...),

		fx.NopLogger,
	)

	startCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	go func() {
		if err := app.Start(startCtx); err != nil {
			switch v := dig.RootCause(err).(type) {
			case configError:
				log.Get().Fatalf("Config error: %v", v)
			default:
				log.Get().Fatalf("Startup error: %v", v)
			}
		}

		log.Get().Named("Berth").Infow("Start", zap.String("version", version))
	}()

	<-app.Done()

	stopCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := app.Stop(stopCtx); err != nil {
		log.Get().Fatalf("Shutdown error: %v", dig.RootCause(err))
	}

	return result.err
}

type configError struct {
	msg string
}

func (e configError) Error() string {
	return e.msg
}

func newConfigError(parts ...string) error {
	return configError{strings.Join(parts, " ")}
}

func newConfig() (*viper.Viper, error) {
	config := viper.New()
	config.AutomaticEnv()
	config.SetEnvPrefix("BERTH")
	config.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	initDefaults(config)

	return config, nil
}

func newLogger(config *viper.Viper) *log.Logger {
	log.Init(config.GetString(ConfigLogLevel), config.GetString(ConfigLogFormat))
	return log.Get()
}

// newStats initializes a Stats client for session lifecycle events
func newStats(config *viper.Viper) (stats.Stats, error) {
	var statsdClient statsd.ClientInterface

	if statsdAddr := config.GetString(ConfigStatsdAddr); statsdAddr != "" {
		var err error
		statsdClient, err = statsd.New(statsdAddr, statsd.WithMaxBytesPerPayload(4096))
		if err != nil {
			return stats.Stats{}, errors.Wrap(err, "could not initialize statsd client")
		}
	} else {
		statsdClient = &statsd.NoOpClient{}
	}

	eventLogger := logrus.New()
	if level, err := logrus.ParseLevel(config.GetString(ConfigLogLevel)); err == nil {
		eventLogger.SetLevel(level)
	}

	st := stats.New(statsdClient, eventLogger).WithPrefix("berth")
	if version != "" {
		st = st.WithTags(stats.Tags{"version": version})
	}
	return st, nil
}

// newHTTPServer provides the status router. The listener only starts when the
// API is enabled; compute nodes run many jobs and must not fight over a port
// by default.
func newHTTPServer(lc fx.Lifecycle, config *viper.Viper, logger *log.Logger) *mux.Router {
	router := mux.NewRouter()

	httpLogger := logrus.New()
	if level, err := logrus.ParseLevel(config.GetString(ConfigLogLevel)); err == nil {
		httpLogger.SetLevel(level)
	}
	router.Use(LoggingMiddleware(httpLogger))

	if config.GetBool(ConfigPprofEnabled) {
		router.PathPrefix("/debug/pprof/").HandlerFunc(pprof.Index)
		router.HandleFunc("/debug/pprof/cmdline", pprof.Cmdline)
		router.HandleFunc("/debug/pprof/profile", pprof.Profile)
		router.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
		router.HandleFunc("/debug/pprof/trace", pprof.Trace)
	}

	if !config.GetBool(ConfigAPIEnabled) && !config.GetBool(ConfigPprofEnabled) {
		return router
	}

	server := &http.Server{Addr: config.GetString(ConfigHTTPAddr), Handler: router}
	serverLogger := logger.Named("HTTP")

	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			serverLogger.Infow("Start", "addr", server.Addr)
			go func() {
				if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
					serverLogger.Errorw("HTTP Listener", zap.Error(err))
				}
			}()
			return nil
		},
		OnStop: func(ctx context.Context) error {
			return server.Shutdown(ctx)
		},
	})

	return router
}

// newHealthcheck provides a healthcheck registry and attaches it to the HTTP server
func newHealthcheck(router *mux.Router) *healthcheckManager {
	mgr := newHealthcheckManager()
	router.Handle("/healthcheck", mgr)
	return mgr
}

func newBroker(config *viper.Viper, logger *log.Logger) (session.Broker, error) {
	switch brokerType := config.GetString(ConfigBrokerType); brokerType {
	case "local":
		return session.NewLocalBroker(), nil

	case "exec":
		acquire := strings.Fields(config.GetString(ConfigBrokerAcquireCommand))
		if len(acquire) == 0 {
			return nil, newConfigError(ConfigBrokerAcquireCommand, "must be set")
		}
		release := strings.Fields(config.GetString(ConfigBrokerReleaseCommand))
		if len(release) == 0 {
			return nil, newConfigError(ConfigBrokerReleaseCommand, "must be set")
		}

		return session.ExecBroker{
			AcquireCommand: acquire,
			ReleaseCommand: release,
			TokenCommand:   strings.Fields(config.GetString(ConfigBrokerTokenCommand)),
			Timeout:        config.GetDuration(ConfigBrokerTimeout),
			Logger:         logger.Named("Broker"),
		}, nil

	default:
		return nil, newConfigError("unsupported broker type:", brokerType)
	}
}

func newLauncher(logger *log.Logger) *session.Launcher {
	return session.NewLauncher(logger.Named("Launcher"))
}

func newProfile(kind sessionKind, config *viper.Viper) (session.Profile, error) {
	workdir := config.GetString(ConfigSessionWorkdir)
	pathOr := func(configured, fallback string) string {
		if configured != "" {
			return configured
		}
		return filepath.Join(workdir, fallback)
	}

	switch kind {
	case "notebook":
		return session.Profile{
			Name:            "notebook",
			Command:         config.GetString(ConfigNotebookCommand),
			Args:            config.GetStringSlice(ConfigNotebookArgs),
			LocalPort:       config.GetInt(ConfigNotebookPort),
			RequiresToken:   true,
			DependencyFiles: config.GetStringSlice(ConfigNotebookDependencyFiles),
			ConfigPath:      pathOr(config.GetString(ConfigNotebookConfigFile), "notebook.conf"),
			LogPath:         pathOr(config.GetString(ConfigNotebookLogFile), "notebook.log"),
			TLSVersion:      config.GetString(ConfigTLSMinVersion),
		}, nil

	case "desktop":
		certFile := config.GetString(ConfigDesktopCertFile)
		keyFile := config.GetString(ConfigDesktopKeyFile)

		var credentials []string
		if certFile != "" {
			credentials = append(credentials, certFile)
		}
		if keyFile != "" {
			credentials = append(credentials, keyFile)
		}

		return session.Profile{
			Name:            "desktop",
			Command:         config.GetString(ConfigDesktopCommand),
			Args:            config.GetStringSlice(ConfigDesktopArgs),
			LocalPort:       config.GetInt(ConfigDesktopPort),
			RequiresToken:   true,
			CredentialFiles: credentials,
			ConfigPath:      pathOr(config.GetString(ConfigDesktopConfigFile), "desktop.conf"),
			LogPath:         pathOr(config.GetString(ConfigDesktopLogFile), "desktop.log"),
			TLSVersion:      config.GetString(ConfigTLSMinVersion),
			CertFile:        certFile,
			KeyFile:         keyFile,
		}, nil

	default:
		return session.Profile{}, newConfigError("unknown session kind:", string(kind))
	}
}

func newSession(profile session.Profile, config *viper.Viper) (*session.Session, error) {
	hostname := config.GetString(ConfigSessionHostname)
	if hostname == "" {
		var err error
		hostname, err = os.Hostname()
		if err != nil {
			return nil, errors.Wrap(err, "determine hostname")
		}
	}

	workdir := config.GetString(ConfigSessionWorkdir)
	lockPath := config.GetString(ConfigSessionLockFile)
	if lockPath == "" {
		lockPath = filepath.Join(workdir, "berth.lock")
	}
	infoPath := config.GetString(ConfigSessionInfoFile)
	if infoPath == "" {
		infoPath = filepath.Join(workdir, "berth.url")
	}

	return session.New(profile.Name, hostname, profile.LocalPort, lockPath, infoPath), nil
}

func newMonitor(sess *session.Session, config *viper.Viper, logger *log.Logger, st stats.Stats) *session.Monitor {
	return &session.Monitor{
		LockPath:     sess.LockPath,
		InfoPath:     sess.InfoPath,
		PollInterval: config.GetDuration(ConfigSessionPollInterval),
		Logger:       logger.Named("Monitor"),
		Stats:        st,
	}
}

func newTunnelManager(config *viper.Viper, logger *log.Logger, st stats.Stats) (*session.TunnelManager, error) {
	identityFile := config.GetString(ConfigTunnelIdentityFile)
	if identityFile == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, errors.Wrap(err, "determine home directory")
		}
		identityFile = filepath.Join(home, ".ssh", "id_rsa")
	}

	forwarder := &session.SSHForwarder{
		Options: session.SSHForwarderOptions{
			User:              config.GetString(ConfigTunnelSSHUser),
			Port:              config.GetInt(ConfigTunnelSSHPort),
			IdentityFile:      identityFile,
			BindHost:          config.GetString(ConfigTunnelBindHost),
			DialTimeout:       config.GetDuration(ConfigTunnelDialTimeout),
			KeepaliveInterval: config.GetDuration(ConfigTunnelKeepaliveInterval),
		},
		Logger: logger.Named("SSH"),
		Stats:  st,
	}

	return &session.TunnelManager{
		Forwarder: forwarder,
		Stats:     st,
		Logger:    logger.Named("Tunnels"),
	}, nil
}

func newSupervisor(
	sess *session.Session,
	profile session.Profile,
	broker session.Broker,
	launcher *session.Launcher,
	tunnels *session.TunnelManager,
	monitor *session.Monitor,
	config *viper.Viper,
	logger *log.Logger,
	st stats.Stats,
) (*session.Supervisor, error) {
	edgeNodes := config.GetStringSlice(ConfigTunnelEdgeNodes)
	if len(edgeNodes) == 0 {
		return nil, newConfigError(ConfigTunnelEdgeNodes, "must list at least one edge node")
	}

	return &session.Supervisor{
		Session:        sess,
		Profile:        profile,
		Broker:         broker,
		Launcher:       launcher,
		Tunnels:        tunnels,
		Monitor:        monitor,
		EdgeNodes:      edgeNodes,
		SettleDelay:    config.GetDuration(ConfigSessionSettleDelay),
		LaunchAttempts: uint64(config.GetInt(ConfigSessionLaunchAttempts)),
		RetryDelay:     config.GetDuration(ConfigSessionRetryDelay),
		Stats:          st.WithTags(stats.Tags{"session_kind": profile.Name}),
		Logger:         logger.Named("Supervisor"),
	}, nil
}
