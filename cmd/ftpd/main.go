// Command ftpd runs a standalone FTP server, per spec.md §6.3's CLI surface.
package main

import (
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	log "github.com/fclairamb/go-log"
	gllogrus "github.com/fclairamb/go-log/logrus"
	"github.com/naoina/toml"
	"github.com/sirupsen/logrus"
	"github.com/spf13/pflag"

	"github.com/fclairamb/goftpkernel/auth"
	"github.com/fclairamb/goftpkernel/server"
)

// settingsFile mirrors spec.md §6.6's settings.toml shape.
type settingsFile struct {
	Server struct {
		IdleTimeoutSeconds        int `toml:"idle_timeout_seconds"`
		DataConnectTimeoutSeconds int `toml:"data_connect_timeout_seconds"`
		PassivePortRange          struct {
			Start int `toml:"start"`
			End   int `toml:"end"`
		} `toml:"passive_port_range"`
	} `toml:"server"`
	Anonymous struct {
		Enabled     bool   `toml:"enabled"`
		Home        string `toml:"home"`
		Permissions string `toml:"permissions"`
	} `toml:"anonymous"`
}

func loadSettingsFile(path string) (settingsFile, error) {
	var sf settingsFile

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return sf, nil
		}

		return sf, err
	}

	if err := toml.Unmarshal(data, &sf); err != nil {
		return sf, fmt.Errorf("parsing %s: %w", path, err)
	}

	return sf, nil
}

func run() int {
	var (
		port        int
		root        string
		addr        string
		level       string
		maxConn     int
		settingsPth string
		usersDBPath string
		help        bool
	)

	flags := pflag.NewFlagSet("ftpd", pflag.ContinueOnError)
	flags.IntVarP(&port, "port", "p", 21, "port to listen on")
	flags.StringVarP(&root, "root", "r", "./ftp_root", "virtual filesystem root directory")
	flags.StringVarP(&addr, "addr", "a", "unspec", "address family: ipv4, ipv6 or unspec")
	flags.StringVarP(&level, "log-level", "l", "INFO", "log level: DEBUG, INFO, WARN or ERROR")
	flags.IntVarP(&maxConn, "max-connections", "c", 100, "maximum concurrent control connections (-1 unlimited)")
	flags.StringVar(&settingsPth, "settings", "settings.toml", "optional settings file")
	flags.StringVar(&usersDBPath, "users-db", "users.db", "optional user credential database")
	flags.BoolVarP(&help, "help", "h", false, "print usage and exit")

	if err := flags.Parse(os.Args[1:]); err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}

	if help {
		flags.Usage()
		return 0
	}

	logrusLog := logrus.New()
	if lvl, err := logrus.ParseLevel(level); err == nil {
		logrusLog.SetLevel(lvl)
	}

	logger := gllogrus.New(logrusLog)

	if err := os.MkdirAll(root, 0o755); err != nil {
		logger.Error("could not create root directory", "root", root, "err", err)
		return 1
	}

	rootAbs, err := filepath.Abs(root)
	if err != nil {
		logger.Error("could not resolve root directory", "err", err)
		return 1
	}

	sf, err := loadSettingsFile(settingsPth)
	if err != nil {
		logger.Error("could not load settings file", "err", server.NewConfigError(settingsPth, err))
		return 1
	}

	policy := auth.DefaultAnonymousPolicy()
	if sf.Anonymous.Home != "" || sf.Anonymous.Permissions != "" {
		policy.Enabled = sf.Anonymous.Enabled

		if sf.Anonymous.Home != "" {
			policy.Home = sf.Anonymous.Home
		}

		if sf.Anonymous.Permissions != "" {
			if perms, perr := auth.ParsePermissions(sf.Anonymous.Permissions); perr == nil {
				policy.Permissions = perms
			}
		}
	}

	store := auth.NewStore(policy)

	if _, statErr := os.Stat(usersDBPath); statErr == nil {
		if err := store.LoadFile(usersDBPath); err != nil {
			logger.Error("could not load user database", "path", usersDBPath, "err", err)
			return 1
		}
	}

	idleTimeout := time.Duration(sf.Server.IdleTimeoutSeconds) * time.Second
	dataConnTimeout := time.Duration(sf.Server.DataConnectTimeoutSeconds) * time.Second

	passiveMin, passiveMax := sf.Server.PassivePortRange.Start, sf.Server.PassivePortRange.End

	listenAddr, err := bindAddrFor(addr)
	if err != nil {
		logger.Error("invalid --addr value", "addr", addr, "err", err)
		return 1
	}

	if maxConn < 0 {
		maxConn = 0
	}

	srv := server.New(server.ServerConfig{
		Addr:            listenAddr,
		Port:            port,
		RootAbs:         rootAbs,
		MaxConnections:  maxConn,
		IdleTimeout:     idleTimeout,
		DataConnTimeout: dataConnTimeout,
		PassivePortMin:  passiveMin,
		PassivePortMax:  passiveMax,
		Logger:          logger,
		Store:           store,
	})

	done := make(chan struct{})
	go waitForShutdownSignal(srv, logger, done)

	if err := srv.ListenAndServe(); err != nil {
		select {
		case <-done:
			// Shutdown was requested; a closed-listener error is expected.
		default:
			logger.Error("server stopped", "err", err)
			return 1
		}
	}

	return 0
}

func bindAddrFor(family string) (string, error) {
	switch family {
	case "ipv4":
		return "0.0.0.0", nil
	case "ipv6":
		return "::", nil
	case "unspec", "":
		return "", nil
	default:
		return "", fmt.Errorf("unknown address family %q", family)
	}
}

func waitForShutdownSignal(srv *server.Server, logger log.Logger, done chan struct{}) {
	ch := make(chan os.Signal, 1)
	signal.Notify(ch, syscall.SIGINT, syscall.SIGTERM)
	signal.Ignore(syscall.SIGPIPE)

	<-ch
	close(done)

	logger.Info("shutting down")

	if err := srv.Shutdown(); err != nil {
		logger.Warn("error during shutdown", "err", err)
	}
}

func main() {
	os.Exit(run())
}
