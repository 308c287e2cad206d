package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"runtime"
	"syscall"
	"time"

	log "github.com/go-pkgz/lgr"
	"github.com/go-pkgz/repeater"
	"github.com/go-pkgz/repeater/strategy"
	"github.com/robfig/cron/v3"
	"github.com/umputun/go-flags"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/heimgewebe/sichter/app/enums"
	"github.com/heimgewebe/sichter/app/events"
	"github.com/heimgewebe/sichter/app/notify"
	"github.com/heimgewebe/sichter/app/store"
	"github.com/heimgewebe/sichter/app/sysinfo"
	"github.com/heimgewebe/sichter/app/web"
	"github.com/heimgewebe/sichter/app/worker"
)

var opts struct {
	DBFile string `short:"f" long:"db" env:"SICHTER_DB" default:"sichter.db" description:"path to database file"`
	Dbg    bool   `long:"dbg" env:"SICHTER_DEBUG" description:"debug mode"`

	Web struct {
		Address   string        `long:"address" env:"ADDRESS" default:":8080" description:"web server listen address"`
		Replay    int           `long:"replay" env:"REPLAY" default:"50" description:"default events replayed on stream connect"`
		Heartbeat time.Duration `long:"heartbeat" env:"HEARTBEAT" default:"15s" description:"default stream heartbeat interval"`
		MaxTail   int           `long:"max-tail" env:"MAX_TAIL" default:"1000" description:"max events per tail or replay request"`
		Buffer    int           `long:"buffer" env:"BUFFER" default:"200" description:"per-subscriber event buffer"`
	} `group:"web" namespace:"web" env-namespace:"SICHTER_WEB"`

	Worker struct {
		CheckCmd     string        `long:"check-cmd" env:"CHECK_CMD" default:"gewebe-check" description:"command running repo checks"`
		SweepCmd     string        `long:"sweep-cmd" env:"SWEEP_CMD" default:"gewebe-pr" description:"command publishing PRs"`
		ReposFile    string        `long:"repos" env:"REPOS" description:"yaml file with the repo set"`
		PollInterval time.Duration `long:"poll" env:"POLL" default:"2s" description:"queue poll interval"`
		MaxLogLines  int           `long:"max-log" env:"MAX_LOG" default:"100" description:"max number of log lines kept per job"`
		Unit         string        `long:"unit" env:"UNIT" default:"sichter.service" description:"systemd unit probed for worker status"`
	} `group:"worker" namespace:"worker" env-namespace:"SICHTER_WORKER"`

	Sweep struct {
		Schedule string `long:"schedule" env:"SCHEDULE" description:"cron spec for periodic PR sweeps, empty disables"`
	} `group:"sweep" namespace:"sweep" env-namespace:"SICHTER_SWEEP"`

	Repeater struct {
		Attempts int           `long:"attempts" env:"ATTEMPTS" default:"1" description:"how many times to repeat failed check"`
		Duration time.Duration `long:"duration" env:"DURATION" default:"1s" description:"initial repeat duration"`
		Factor   float64       `long:"factor" env:"FACTOR" default:"3" description:"backoff factor"`
		Jitter   bool          `long:"jitter" env:"JITTER" description:"jitter"`
	} `group:"repeater" namespace:"repeater" env-namespace:"SICHTER_REPEATER"`

	Notify struct {
		WebhookURLs    []string      `long:"webhook" env:"WEBHOOK" description:"webhook url(s) for failure notifications" env-delim:","`
		WebhookTimeout time.Duration `long:"timeout" env:"TIMEOUT" default:"5s" description:"webhook send timeout"`
	} `group:"notify" namespace:"notify" env-namespace:"SICHTER_NOTIFY"`

	Auth struct {
		PasswordHash string `long:"passwd-hash" env:"PASSWD_HASH" description:"bcrypt hash protecting mutating endpoints"`
	} `group:"auth" namespace:"auth" env-namespace:"SICHTER_AUTH"`

	Log struct {
		Enabled         bool   `long:"enabled" env:"ENABLED" description:"enable logging"`
		Filename        string `long:"filename" env:"FILENAME" description:"log to file instead of stdout"`
		MaxSize         int    `long:"max-size" env:"MAX_SIZE" default:"100" description:"max size of log file (in MB)"`
		MaxAge          int    `long:"max-age" env:"MAX_AGE" default:"0" description:"max age of log file (in days)"`
		MaxBackups      int    `long:"max-backups" env:"MAX_BACKUPS" default:"7" description:"max number of rotated log files"`
		EnabledCompress bool   `long:"enabled-compress" env:"ENABLED_COMPRESS" description:"enable gzip compression of rotated files"`
	} `group:"log" namespace:"log" env-namespace:"SICHTER_LOG"`
}

var revision = "unknown"

func main() {
	fmt.Printf("sichter %s\n", revision)

	if _, err := flags.Parse(&opts); err != nil {
		os.Exit(2)
	}
	setupLogs()

	defer func() {
		if x := recover(); x != nil {
			log.Printf("[WARN] run time panic:\n%v", x)
			panic(x)
		}
	}()

	ctx, cancel := context.WithCancel(context.Background())
	signals(cancel) // handle SIGQUIT and SIGTERM

	if err := run(ctx); err != nil && ctx.Err() == nil {
		log.Fatalf("[ERROR] sichter failed, %v", err)
	}
	log.Printf("[INFO] sichter terminated")
}

func run(ctx context.Context) error {
	db, err := store.New(opts.DBFile)
	if err != nil {
		return fmt.Errorf("failed to open store %s: %w", opts.DBFile, err)
	}
	defer func() {
		if cerr := db.Close(); cerr != nil {
			log.Printf("[WARN] failed to close store: %v", cerr)
		}
	}()

	eventLog := events.NewLog(db, opts.Web.Buffer)

	repos, err := worker.LoadRepoSet(opts.Worker.ReposFile)
	if err != nil {
		return fmt.Errorf("failed to load repo set %s: %w", opts.Worker.ReposFile, err)
	}

	rptr := repeater.New(&strategy.Backoff{Repeats: opts.Repeater.Attempts, Duration: opts.Repeater.Duration,
		Factor: opts.Repeater.Factor, Jitter: opts.Repeater.Jitter})

	wrk := &worker.Worker{
		Queue:        db,
		Events:       eventLog,
		Checks:       &worker.CmdCheckRunner{Command: opts.Worker.CheckCmd, MaxLines: opts.Worker.MaxLogLines},
		PRs:          &worker.CmdPRPublisher{Command: opts.Worker.SweepCmd, MaxLines: opts.Worker.MaxLogLines},
		Repeater:     rptr,
		Repos:        repos,
		PollInterval: opts.Worker.PollInterval,
	}
	if notifier := makeNotifier(); notifier != nil {
		wrk.Notifier = notifier
	}

	srv, err := web.New(web.Config{
		Queue:        db,
		Events:       eventLog,
		Prober:       &sysinfo.Probe{Unit: opts.Worker.Unit},
		Version:      revision,
		PasswordHash: opts.Auth.PasswordHash,
		Replay:       opts.Web.Replay,
		Heartbeat:    opts.Web.Heartbeat,
		MaxTail:      opts.Web.MaxTail,
	})
	if err != nil {
		return fmt.Errorf("failed to make web server: %w", err)
	}

	sweeper, err := makeSweeper(db)
	if err != nil {
		return fmt.Errorf("failed to schedule sweeps: %w", err)
	}
	if sweeper != nil {
		sweeper.Start()
		defer func() { <-sweeper.Stop().Done() }()
	}

	errCh := make(chan error, 2)
	go func() { errCh <- wrk.Run(ctx) }()
	go func() { errCh <- srv.Run(ctx, opts.Web.Address) }()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case err := <-errCh:
		return err
	}
}

// makeSweeper builds the cron scheduler enqueuing periodic PR sweeps.
// Returns nil when no schedule is configured.
func makeSweeper(q *store.Store) (*cron.Cron, error) {
	if opts.Sweep.Schedule == "" {
		return nil, nil
	}

	c := cron.New()
	_, err := c.AddFunc(opts.Sweep.Schedule, func() {
		job, err := q.Submit(store.JobSpec{Kind: enums.JobKindPRSweep.String()})
		if err != nil {
			log.Printf("[WARN] failed to submit scheduled sweep: %v", err)
			return
		}
		log.Printf("[INFO] scheduled sweep %s submitted", job.ID)
	})
	if err != nil {
		return nil, fmt.Errorf("bad sweep schedule %q: %w", opts.Sweep.Schedule, err)
	}
	log.Printf("[INFO] periodic sweeps scheduled, %q", opts.Sweep.Schedule)
	return c, nil
}

func makeNotifier() *notify.Service {
	return notify.NewService(opts.Notify.WebhookURLs, opts.Notify.WebhookTimeout)
}

func setupLogs() io.Writer {
	if !opts.Log.Enabled {
		log.Setup(log.Out(io.Discard), log.Err(io.Discard))
		return os.Stdout
	}

	if opts.Dbg {
		log.Setup(log.Debug, log.Msec, log.CallerFunc, log.CallerPkg, log.CallerFile)
	} else {
		log.Setup(log.Msec)
	}

	if opts.Log.Filename != "" {
		fileLogger := &lumberjack.Logger{
			Filename:   opts.Log.Filename,
			MaxSize:    opts.Log.MaxSize,
			MaxBackups: opts.Log.MaxBackups,
			MaxAge:     opts.Log.MaxAge,
			Compress:   opts.Log.EnabledCompress,
			LocalTime:  true,
		}
		log.Setup(log.Out(fileLogger), log.Err(fileLogger))
		return fileLogger
	}

	return os.Stdout
}

func signals(cancel context.CancelFunc) {
	sigChan := make(chan os.Signal, 1)
	go func() {
		stacktrace := make([]byte, 8192)
		for sig := range sigChan {
			if sig == syscall.SIGQUIT { // catch SIGQUIT and print stack traces
				length := runtime.Stack(stacktrace, true)
				fmt.Println(string(stacktrace[:length]))
				continue
			}
			cancel() // terminate on SIGTERM/SIGINT
		}
	}()
	signal.Notify(sigChan, syscall.SIGQUIT, syscall.SIGTERM, syscall.SIGINT)
}
