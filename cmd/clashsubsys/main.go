package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/pflag"

	"github.com/guancn/clashsubsys/internal/cache"
	"github.com/guancn/clashsubsys/internal/engine"
	"github.com/guancn/clashsubsys/internal/fetch"
	"github.com/guancn/clashsubsys/internal/httpapi"
	"github.com/guancn/clashsubsys/internal/transform"
)

const envPrefix = "CLASHSUBSYS_"

type config struct {
	Listen            string
	ReadHeaderTimeout time.Duration
	ConvertTimeout    time.Duration
	FetchTimeout      time.Duration
	FetchConcurrency  int
	FetchProxy        string
	CacheTTL          time.Duration
	CacheCapacity     int
	GeoIPDB           string
	PublicBaseURL     string
	ShutdownTimeout   time.Duration
	LogLevel          string
}

func main() {
	var err error
	if len(os.Args) > 1 && os.Args[1] == "healthcheck" {
		err = healthcheckMain(os.Args[2:])
	} else {
		err = run(os.Args[1:])
	}
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func parseFlags(args []string, getenv func(string) string) (config, error) {
	var c config
	fs := pflag.NewFlagSet("clashsubsys", pflag.ContinueOnError)
	fs.StringVar(&c.Listen, "listen", "127.0.0.1:25500", "HTTP 监听地址")
	fs.DurationVar(&c.ReadHeaderTimeout, "read-header-timeout", 5*time.Second, "HTTP ReadHeaderTimeout（请求头读取超时）")
	fs.DurationVar(&c.ConvertTimeout, "convert-timeout", 60*time.Second, "单次转换的总超时（包含远程拉取）")
	fs.DurationVar(&c.FetchTimeout, "fetch-timeout", 15*time.Second, "单次远程拉取的超时（每个 URL 一次请求）")
	fs.IntVar(&c.FetchConcurrency, "fetch-concurrency", 8, "单次转换内并发拉取的上限")
	fs.StringVar(&c.FetchProxy, "fetch-proxy", "", "远程拉取使用的上游代理，例如 socks5://127.0.0.1:1080；为空则直连")
	fs.DurationVar(&c.CacheTTL, "cache-ttl", 180*time.Second, "转换结果缓存时长")
	fs.IntVar(&c.CacheCapacity, "cache-capacity", 256, "转换结果缓存条目上限（LRU）")
	fs.StringVar(&c.GeoIPDB, "geoip-db", "", "MaxMind Country 数据库路径，用于按服务器 IP 补全国旗；为空则只看节点名")
	fs.StringVar(&c.PublicBaseURL, "public-base-url", "", "对外访问地址，用于 managed-config 与下载链接，例如 https://sub.example.com")
	fs.DurationVar(&c.ShutdownTimeout, "shutdown-timeout", 10*time.Second, "收到退出信号后的优雅退出等待时间")
	fs.StringVar(&c.LogLevel, "log-level", "", "日志级别（trace/debug/info/warn/error）；为空时读取 LOG_LEVEL")
	fs.SortFlags = false

	if err := fs.Parse(args); err != nil {
		return c, err
	}

	// Flags not given on the command line fall back to CLASHSUBSYS_<FLAG>.
	var envErr error
	fs.VisitAll(func(f *pflag.Flag) {
		if f.Changed || envErr != nil {
			return
		}
		key := envPrefix + strings.ToUpper(strings.ReplaceAll(f.Name, "-", "_"))
		if v := strings.TrimSpace(getenv(key)); v != "" {
			if err := fs.Set(f.Name, v); err != nil {
				envErr = fmt.Errorf("invalid %s: %w", key, err)
			}
		}
	})
	if envErr != nil {
		return c, envErr
	}
	if c.LogLevel == "" {
		c.LogLevel = getenv("LOG_LEVEL")
	}
	return c, nil
}

func setupLogging(level string) {
	logLevel, err := logrus.ParseLevel(level)
	if err != nil {
		logLevel = logrus.InfoLevel
	}
	logrus.SetLevel(logLevel)
	logrus.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
}

func newEngine(c config) (*engine.Engine, error) {
	fetcher, err := fetch.New(fetch.Options{
		Timeout:     c.FetchTimeout,
		Concurrency: c.FetchConcurrency,
		ProxyURL:    c.FetchProxy,
	})
	if err != nil {
		return nil, fmt.Errorf("invalid --fetch-proxy: %w", err)
	}
	store, err := cache.New(cache.Options{TTL: c.CacheTTL, Capacity: c.CacheCapacity})
	if err != nil {
		return nil, err
	}

	opt := engine.Options{
		ConvertTimeout: c.ConvertTimeout,
		Fetcher:        fetcher,
		Cache:          store,
		Prober:         fetch.NewProber(fetcher, 30*time.Second),
		PublicBaseURL:  c.PublicBaseURL,
	}
	if c.GeoIPDB != "" {
		geo, err := transform.OpenMaxMind(c.GeoIPDB)
		if err != nil {
			return nil, err
		}
		opt.Geo = geo
		logrus.Infof("[Server] GeoIP 数据库已加载: %s", c.GeoIPDB)
	}
	return engine.New(opt)
}

func run(args []string) error {
	c, err := parseFlags(args, os.Getenv)
	if err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return nil
		}
		return err
	}
	setupLogging(c.LogLevel)

	eng, err := newEngine(c)
	if err != nil {
		return err
	}

	srv := &http.Server{
		Addr: c.Listen,
		Handler: httpapi.NewHandlerWithOptions(httpapi.Options{
			Engine:        eng,
			PublicBaseURL: c.PublicBaseURL,
		}),
		ReadHeaderTimeout: c.ReadHeaderTimeout,
	}

	logrus.Infof("[Server] listening on http://%s", c.Listen)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		logrus.Infof("[Server] shutdown signal received")

		shCtx, cancel := context.WithTimeout(context.Background(), c.ShutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shCtx); err != nil {
			logrus.Warnf("[Server] graceful shutdown failed: %v", err)
			_ = srv.Close()
		}

		err := <-errCh
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		logrus.Infof("[Server] stopped, %d cached entries dropped", eng.Clear())
		return nil
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	}
}

// healthcheckMain probes /healthz of a running instance, for container
// HEALTHCHECK directives where no curl is available.
func healthcheckMain(args []string) error {
	fs := pflag.NewFlagSet("healthcheck", pflag.ContinueOnError)
	listen := fs.String("listen", "127.0.0.1:25500", "被检查实例的监听地址")
	rawURL := fs.String("url", "", "完整的健康检查 URL；设置后忽略 --listen")
	timeout := fs.Duration("timeout", 3*time.Second, "健康检查超时")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if v := os.Getenv(envPrefix + "LISTEN"); v != "" && !fs.Changed("listen") {
		*listen = v
	}

	target := *rawURL
	if target == "" {
		var err error
		target, err = deriveHealthzURL(*listen)
		if err != nil {
			return err
		}
	}
	return runHealthcheck(target, *timeout)
}

// deriveHealthzURL turns a listen address into a loopback /healthz URL.
// Wildcard hosts are replaced with 127.0.0.1.
func deriveHealthzURL(listen string) (string, error) {
	s := strings.TrimSpace(listen)
	if s == "" {
		return "", errors.New("listen address is empty")
	}
	if strings.Contains(s, "://") {
		u, err := url.Parse(s)
		if err != nil || u.Host == "" {
			return "", fmt.Errorf("invalid listen url %q", listen)
		}
		u.Path = "/healthz"
		u.RawQuery = ""
		return u.String(), nil
	}
	if !strings.Contains(s, ":") {
		s = ":" + s
	}
	host, port, err := net.SplitHostPort(s)
	if err != nil {
		return "", fmt.Errorf("invalid listen address %q: %w", listen, err)
	}
	switch host {
	case "", "0.0.0.0", "::", "[::]":
		host = "127.0.0.1"
	}
	return "http://" + net.JoinHostPort(host, port) + "/healthz", nil
}

func runHealthcheck(target string, timeout time.Duration) error {
	client := &http.Client{Timeout: timeout}
	resp, err := client.Get(target)
	if err != nil {
		return fmt.Errorf("healthcheck: %w", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 1<<10))
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("healthcheck: unexpected status %d", resp.StatusCode)
	}
	return nil
}
