package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io/fs"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/go-sql-driver/mysql"
	"github.com/golang/glog"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/mqy/minichat/api"
	"github.com/mqy/minichat/ingest"
	"github.com/mqy/minichat/push"
	"github.com/mqy/minichat/relay"
	"github.com/mqy/minichat/server"
	"github.com/mqy/minichat/store"
	"github.com/mqy/minichat/ws"
)

const (
	envPrefix = "MINICHAT_"

	storeMemory = "memory"
	storeBolt   = "bolt"
)

var (
	flagAddr     = flag.String("addr", "127.0.0.1:8000", "server address, ip:port")
	flagPidFile  = flag.String("pid-file", "minichat.pid", "pid file")
	flagEnvFile  = flag.String("env-file", ".env", "optional file of MINICHAT_* variables, used for flags not set on the command line")
	flagMaxConns = flag.Int("max-conns", 10000, "max concurrent connections, 0 is unlimited")

	flagStore      = flag.String("store", storeMemory, "message store: memory, bolt, mysql or sqlite")
	flagBoltPath   = flag.String("bolt-path", "minichat.db", "bolt store: database file")
	flagMysqlDsn   = flag.String("mysql-dsn", "root:@tcp(127.0.0.1:3306)/minichat?charset=utf8mb4&collation=utf8mb4_unicode_ci", "mysql store: server dsn")
	flagSqlitePath = flag.String("sqlite-path", "minichat.sqlite", "sqlite store: database file")

	flagRedisUrl       = flag.String("redis-url", "", "keep push tokens in redis, e.g. redis://127.0.0.1:6379/0; empty keeps them in memory")
	flagFcmProjectId   = flag.String("fcm-project-id", "", "firebase project id; empty disables push notifications")
	flagFcmCredentials = flag.String("fcm-credentials", "", "firebase service account json file")
	flagPushTimeout    = flag.Duration("push-timeout", relay.DefaultPushTimeout, "timeout of one push notification")
	flagEmitReadCounts = flag.Bool("emit-read-counts", false, "emit recomputed unread counts to the reader after DeleteUnReadMessages")

	flagMaxMsgSize = flag.Int("max-msg-size", 4096, "max size of a websocket frame or kafka record, in bytes")
	flagSendQueue  = flag.Int("send-queue", 64, "per connection outgoing frame queue; a full queue closes the connection")

	flagEnableIngest = flag.Bool("enable-ingest", false, "route chat messages published to kafka by backend services")
	flagKafkaBrokers = flag.String("kafka-brokers", "127.0.0.1:9092", "comma separated kafka brokers")
	flagKafkaTopic   = flag.String("kafka-topic", "minichat-messages", "ingest topic")
	flagKafkaGroup   = flag.String("kafka-group", "minichat", "ingest consumer group")
	flagIngestMaxAge = flag.Duration("ingest-max-age", 24*time.Hour, "discard ingest records older than this, 0 keeps all")

	flagDisableMetrics = flag.Bool("disable-metrics", false, "disable prometheus metrics")
)

func main() {
	flag.Parse()

	// NOTE: os.Exit() does not call defers.
	os.Exit(run())
}

func run() int {
	defer glog.Flush()

	if err := applyEnv(*flagEnvFile); err != nil {
		return errorf("env: %v", err)
	}
	if v := validateFlags(); v > 0 {
		return v
	}

	pid := os.Getpid()

	if err := savePid(*flagPidFile, pid); err != nil {
		return errorf("pid file: %v", err)
	}
	defer func() {
		_ = os.Remove(*flagPidFile)
	}()

	glog.Info("minichat server is starting")

	msgStore, err := openStore()
	if err != nil {
		return errorf("store: %v", err)
	}
	defer func() {
		_ = msgStore.Close()
	}()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	tokens, err := openTokens(ctx)
	if err != nil {
		return errorf("push tokens: %v", err)
	}

	notifier, err := newNotifier(ctx)
	if err != nil {
		return errorf("push: %v", err)
	}

	core := relay.NewCore(msgStore, tokens, notifier, relay.Options{
		PushTimeout:    *flagPushTimeout,
		EmitReadCounts: *flagEmitReadCounts,
	})

	hub := ws.NewHub(core, ws.Conf{
		MaxMsgSize: int64(*flagMaxMsgSize),
		SendQueue:  *flagSendQueue,
	})

	mux := http.NewServeMux()
	if !*flagDisableMetrics {
		mux.Handle("/metrics", promhttp.HandlerFor(
			prometheus.DefaultGatherer,
			promhttp.HandlerOpts{},
		))
	}
	mux.Handle("/Chat", hub)
	mux.Handle("/", api.NewRouter(core))

	runners := []server.Runner{hub}
	if *flagEnableIngest {
		kafkaReader := ingest.NewKafkaReader(strings.Split(*flagKafkaBrokers, ","), *flagKafkaTopic, *flagKafkaGroup)
		runners = append(runners, ingest.NewConsumer(core, kafkaReader, *flagMaxMsgSize, *flagIngestMaxAge))
	}

	srv := server.New(server.Conf{
		Addr:     *flagAddr,
		MaxConns: *flagMaxConns,
		Handler:  mux,
	}, runners...)
	if err := srv.Listen(); err != nil {
		return errorf("%v", err)
	}

	stopNotifyChan := make(chan struct{})
	go srv.Run(ctx, stopNotifyChan)

	glog.Infof("minichat server is running, store: %s; `CTRL+c` or `kill %d` to graceful stop", *flagStore, pid)

	var stopping bool

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)

	for sig := range sigCh {
		if stopping {
			glog.Infof("minichat server is already in stop")
			continue
		}
		stopping = true
		glog.Infof("received signal `%s` stopping", sig.String())
		go func() {
			cancel()
			<-stopNotifyChan
			close(stopNotifyChan)
			if c, ok := tokens.(*push.RedisTokens); ok {
				_ = c.Close()
			}
			signal.Stop(sigCh)
			close(sigCh)
		}()
	}

	glog.Info("minichat server exited")
	return 0
}

func openStore() (store.IMessageStore, error) {
	switch *flagStore {
	case storeBolt:
		return store.NewBoltStore(*flagBoltPath)
	case store.DriverMySQL:
		return store.NewSQLStore(store.DriverMySQL, *flagMysqlDsn)
	case store.DriverSQLite:
		return store.NewSQLStore(store.DriverSQLite, *flagSqlitePath)
	}
	glog.Warning("memory store: messages are lost on restart")
	return store.NewMemoryStore(), nil
}

func openTokens(ctx context.Context) (push.TokenStore, error) {
	if *flagRedisUrl == "" {
		return push.NewMemoryTokens(), nil
	}
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	return push.NewRedisTokens(pingCtx, *flagRedisUrl)
}

// newNotifier returns nil if push is not configured.
func newNotifier(ctx context.Context) (push.Notifier, error) {
	if *flagFcmProjectId == "" {
		glog.Warning("--fcm-project-id is empty, push notifications are disabled")
		return nil, nil
	}
	creds, err := os.ReadFile(*flagFcmCredentials)
	if err != nil {
		return nil, fmt.Errorf("read --fcm-credentials: %w", err)
	}
	return push.NewFCM(ctx, *flagFcmProjectId, creds)
}

// applyEnv loads envFile if it exists, then sets every flag not given on the
// command line from its MINICHAT_* variable, e.g. --redis-url from MINICHAT_REDIS_URL.
func applyEnv(envFile string) error {
	if envFile != "" {
		if err := godotenv.Load(envFile); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("load %s: %w", envFile, err)
		}
	}

	explicit := make(map[string]bool)
	flag.Visit(func(f *flag.Flag) {
		explicit[f.Name] = true
	})

	var err error
	flag.VisitAll(func(f *flag.Flag) {
		if err != nil || explicit[f.Name] {
			return
		}
		if v, ok := os.LookupEnv(envName(f.Name)); ok {
			if e := flag.Set(f.Name, v); e != nil {
				err = fmt.Errorf("%s: %w", envName(f.Name), e)
			}
		}
	})
	return err
}

func envName(flagName string) string {
	return envPrefix + strings.ToUpper(strings.ReplaceAll(flagName, "-", "_"))
}

func validateFlags() int {
	if *flagAddr == "" {
		return errorf("--addr is required")
	}
	if err := validateAddr(*flagAddr); err != nil {
		return errorf("--addr: %v", err)
	}
	if *flagPidFile == "" {
		return errorf("--pid-file is required")
	}
	if *flagMaxConns < 0 {
		return errorf("--max-conns must not be negative")
	}
	if *flagMaxMsgSize < 256 {
		return errorf("--max-msg-size must be at least 256")
	}
	if *flagSendQueue < 1 {
		return errorf("--send-queue must be positive")
	}
	if *flagPushTimeout <= 0 {
		return errorf("--push-timeout must be positive")
	}

	switch *flagStore {
	case storeMemory:
	case storeBolt:
		if *flagBoltPath == "" {
			return errorf("--bolt-path is required")
		}
	case store.DriverMySQL:
		if *flagMysqlDsn == "" {
			return errorf("--mysql-dsn is required")
		}
		if _, err := mysql.ParseDSN(*flagMysqlDsn); err != nil {
			return errorf("--mysql-dsn: %v", err)
		}
	case store.DriverSQLite:
		if *flagSqlitePath == "" {
			return errorf("--sqlite-path is required")
		}
	default:
		return errorf("--store: unknown store `%s`", *flagStore)
	}

	if *flagFcmProjectId != "" && *flagFcmCredentials == "" {
		return errorf("--fcm-credentials is required with --fcm-project-id")
	}

	if *flagEnableIngest {
		if *flagKafkaBrokers == "" {
			return errorf("--kafka-brokers is required")
		}
		if *flagKafkaTopic == "" {
			return errorf("--kafka-topic is required")
		}
		if *flagKafkaGroup == "" {
			return errorf("--kafka-group is required")
		}
	}

	return 0
}

func validateAddr(s string) error {
	ips, _, err := net.SplitHostPort(s)
	if err != nil {
		return fmt.Errorf("error split host port from `%s`: %v", s, err)
	}
	ip := net.ParseIP(ips)
	if ip == nil {
		return fmt.Errorf("error parse IP from host `%s`", ips)
	}
	if !ip.IsLoopback() && !ip.IsPrivate() {
		return fmt.Errorf("`%s` is not loopback or private address", ips)
	}
	return nil
}

func errorf(fmt string, args ...interface{}) int {
	glog.Errorf(fmt, args...)
	return 1
}

func savePid(name string, pid int) error {
	if _, err := os.Stat(name); err == nil {
		// Ok, see, if we have a stale lockfile here
		content, err := os.ReadFile(name)
		if err != nil {
			return err
		}
		if len(content) > 0 {
			oldPid, err := strconv.Atoi(strings.TrimSpace(string(content)))
			if err != nil {
				return err
			}

			proc, err := os.FindProcess(oldPid)
			if err != nil {
				return err
			}
			defer proc.Release()

			if err := proc.Signal(syscall.Signal(0)); err == nil {
				return fmt.Errorf("pid file: exists with pid: %d, the process is running", oldPid)
			} else {
				glog.Infof("pid file exists with pid: %d, but is not running", oldPid)
			}
		}
	} else if !os.IsNotExist(err) {
		return fmt.Errorf("pid file: stat error: %v", err)
	}

	if err := os.WriteFile(name, []byte(strconv.Itoa(pid)), 0600); err != nil {
		return fmt.Errorf("pid file: write error: %v", err)
	}
	glog.Infof("pid file: write pid done")
	return nil
}
