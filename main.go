package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"io/fs"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	adhoc "YoloDataAug/Adhoc"
	"YoloDataAug/config"
	"YoloDataAug/dataset"
	backend "YoloDataAug/gRPC"
	iface "YoloDataAug/interface"
	"YoloDataAug/jobs"
	"YoloDataAug/logger"
	"YoloDataAug/monitor"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

const usage = `usage: yoloaug [flags] <partition|augment|summary|rename|serve>

  partition  copy -src train pairs into -dst and carve out a val split
  augment    write -dst with every -src train image plus its augmented copies
  summary    print per-category counts of -src (and -dst when set)
  rename     give labelled pairs of -src serial names from their class id
  serve      run the HTTP, gRPC and metrics surfaces

flags:
`

type options struct {
	configPath string
	src        string
	dst        string
	val        float64
	split      string
	seed       int64
}

func GetOutboundIP() (string, error) {
	// no packet is sent; dialing UDP only picks the outbound interface
	conn, err := net.Dial("udp", "8.8.8.8:80")
	if err != nil {
		return "", err
	}
	defer conn.Close()
	return conn.LocalAddr().(*net.UDPAddr).IP.String(), nil
}

func main() {
	os.Exit(run(os.Args[1:], os.Stdout, os.Stderr))
}

func run(args []string, stdout, stderr io.Writer) int {
	fset := flag.NewFlagSet("yoloaug", flag.ContinueOnError)
	fset.SetOutput(stderr)
	fset.Usage = func() {
		fmt.Fprint(stderr, usage)
		fset.PrintDefaults()
	}
	var opts options
	fset.StringVar(&opts.configPath, "config", "config.yaml", "yaml configuration file; ignored when absent")
	fset.StringVar(&opts.src, "src", "", "source dataset root (overrides sourceRoot)")
	fset.StringVar(&opts.dst, "dst", "", "destination dataset root (overrides destRoot)")
	fset.Float64Var(&opts.val, "val", 0, "validation fraction in (0, 1] (overrides valFraction)")
	fset.StringVar(&opts.split, "split", string(iface.SplitTrain), "split renamed by the rename command")
	fset.Int64Var(&opts.seed, "seed", 0, "random seed; 0 keeps the configured one")
	if err := fset.Parse(args); err != nil {
		return 2
	}
	if fset.NArg() != 1 {
		fset.Usage()
		return 2
	}
	cmd := fset.Arg(0)

	cfg, err := loadConfig(opts.configPath)
	if err != nil {
		fmt.Fprintln(stderr, "Failed to load config:", err)
		return 1
	}
	if err := logger.Init(cfg.LogMode); err != nil {
		fmt.Fprintln(stderr, "Failed to init logger:", err)
		return 1
	}
	defer logger.Sync()
	applyFlags(cfg, opts)

	cats, err := cfg.BuildCategories()
	if err != nil {
		logger.Log().Error("invalid categories", zap.Error(err))
		return 1
	}

	switch cmd {
	case "summary":
		return runSummary(stdout, cats, cfg.SourceRoot, cfg.DestRoot)
	case "partition", "augment", "rename":
		return runOnce(stdout, cfg, cats, jobs.Request{
			Kind:        jobs.Kind(cmd),
			Source:      cfg.SourceRoot,
			Dest:        cfg.DestRoot,
			ValFraction: cfg.ValFraction,
			Split:       iface.Split(opts.split),
		})
	case "serve":
		if err := serve(cfg, cats); err != nil {
			logger.Log().Error("serve failed", zap.Error(err))
			return 1
		}
		return 0
	default:
		fmt.Fprintf(stderr, "unknown command %q\n", cmd)
		fset.Usage()
		return 2
	}
}

// loadConfig reads path when it exists and falls back to defaults otherwise.
func loadConfig(path string) (*config.Config, error) {
	if path == "" {
		return config.Default(), nil
	}
	if _, err := os.Stat(path); errors.Is(err, fs.ErrNotExist) {
		return config.Default(), nil
	}
	return config.Load(path)
}

func applyFlags(cfg *config.Config, opts options) {
	if opts.src != "" {
		cfg.SourceRoot = opts.src
	}
	if opts.dst != "" {
		cfg.DestRoot = opts.dst
	}
	if opts.val != 0 {
		cfg.ValFraction = opts.val
	}
	if opts.seed != 0 {
		cfg.Seed = opts.seed
	}
}

func newExecutor(cfg *config.Config, cats *dataset.Categories) *jobs.DatasetExecutor {
	return &jobs.DatasetExecutor{
		Categories:   cats,
		Stages:       cfg.Stages,
		StrictLabels: cfg.StrictLabels(),
		CopyValTest:  cfg.CopyValTest,
		Rand:         cfg.Rand(),
		Logger:       logger.Log(),
	}
}

func runSummary(w io.Writer, cats *dataset.Categories, roots ...string) int {
	printed := 0
	for _, root := range roots {
		if root == "" {
			continue
		}
		s, err := dataset.Summarize(root, cats)
		if err != nil {
			logger.Log().Error("summary failed", zap.String("root", root), zap.Error(err))
			return 1
		}
		fmt.Fprintln(w, s.String())
		printed++
	}
	if printed == 0 {
		fmt.Fprintln(w, "nothing to summarize: set -src or sourceRoot")
		return 2
	}
	return 0
}

// runOnce executes req in the foreground and prints the resulting summaries.
func runOnce(w io.Writer, cfg *config.Config, cats *dataset.Categories, req jobs.Request) int {
	notifier := adhoc.NewNotifier(cfg.Notify.URL, time.Duration(cfg.Notify.TimeoutSeconds)*time.Second, logger.Log())
	runner := jobs.NewRunner(newExecutor(cfg, cats), notifier, 1, logger.Log())
	defer runner.Close()

	st, err := runner.Run(context.Background(), req)
	if err != nil {
		fmt.Fprintln(w, "Failed to start run:", err)
		return 2
	}
	for _, s := range st.Summaries {
		fmt.Fprintln(w, s.String())
	}
	if st.State == jobs.StateFailed {
		fmt.Fprintln(w, "Run failed:", st.Error)
		return 1
	}
	return 0
}

func serve(cfg *config.Config, cats *dataset.Categories) error {
	fmt.Println(strings.Repeat("#", 64))
	fmt.Println(" HTTP    Port:", cfg.HTTPPort)
	fmt.Println(" gRPC    Port:", cfg.RPCPort)
	fmt.Println(" Metrics Port:", cfg.MetricsPort)
	fmt.Println(strings.Repeat("#", 64))

	notifier := adhoc.NewNotifier(cfg.Notify.URL, time.Duration(cfg.Notify.TimeoutSeconds)*time.Second, logger.Log())
	runner := jobs.NewRunner(newExecutor(cfg, cats), notifier, 16, logger.Log())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	var wg sync.WaitGroup

	if cfg.UseRegServer {
		ip, err := GetOutboundIP()
		if err != nil {
			logger.Log().Warn("outbound ip unknown, registration skipped", zap.Error(err))
		} else {
			adhoc.RegServerCfg = adhoc.RegServerConfig{}
			adhoc.RegServerCfg.SetAddress(cfg.RegServerHost, cfg.RegServerPort)
			wg.Add(1)
			go adhoc.SendAliveMessage(ip, cfg.RPCPort, adhoc.AugmentInstance, 0, ctx, &wg)
		}
	} else {
		logger.Log().Info("UseRegServer is false, skipping registration")
	}

	rpc := backend.NewServer(runner, cats)
	grpcServer, _, err := backend.StartGRPCServer(cfg.RPCPort, rpc)
	if err != nil {
		runner.Close()
		return err
	}

	wg.Add(1)
	go func() {
		defer wg.Done()
		monitor.StartMon(cfg.MetricsPort, ctx)
	}()

	if !logger.Development(cfg.LogMode) {
		gin.SetMode(gin.ReleaseMode)
	}
	httpServer := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.HTTPPort),
		Handler: newRouter(runner, cats),
	}
	httpErr := make(chan error, 1)
	go func() {
		logger.Log().Info("HTTP server listening", zap.String("addr", httpServer.Addr))
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			httpErr <- err
		}
	}()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sig)
	select {
	case s := <-sig:
		logger.Log().Warn("signal received, shutting down", zap.String("signal", s.String()))
	case <-rpc.CloseChannel:
		logger.Log().Warn("shutdown requested, stopping")
	case err = <-httpErr:
		logger.Log().Error("HTTP server failed", zap.Error(err))
	}

	shutdownCtx, stop := context.WithTimeout(context.Background(), 5*time.Second)
	defer stop()
	if e := httpServer.Shutdown(shutdownCtx); e != nil {
		logger.Log().Error("HTTP shutdown", zap.Error(e))
	}
	grpcServer.GracefulStop()
	runner.Close()
	cancel()
	wg.Wait()
	logger.Log().Info("Safely exited")
	return err
}
