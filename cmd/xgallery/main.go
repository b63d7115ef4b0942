package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/jacktea/xgallery/pkg/app"
	"github.com/jacktea/xgallery/pkg/blob"
	"github.com/jacktea/xgallery/pkg/gallery"
	"github.com/jacktea/xgallery/pkg/logging"
	"github.com/jacktea/xgallery/pkg/meta"
	"github.com/jacktea/xgallery/pkg/netmon"
	"github.com/jacktea/xgallery/pkg/resolve"
	"github.com/jacktea/xgallery/pkg/session"
	"github.com/jacktea/xgallery/pkg/xerrors"
)

type application struct {
	ctx    context.Context
	stop   context.CancelFunc
	svc    *app.App
	logger zerolog.Logger
}

func (a *application) ensureApp() error {
	if a.svc != nil {
		return nil
	}
	cfg, err := loadConfig(viper.GetViper())
	if err != nil {
		return err
	}
	logger, err := logging.New(viper.GetString("log_level"), os.Stderr)
	if err != nil {
		return err
	}
	a.logger = logger
	cfg.Logger = &a.logger

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	svc, err := app.New(ctx, cfg)
	if err != nil {
		stop()
		return fmt.Errorf("init: %w", err)
	}
	a.ctx = ctx
	a.stop = stop
	a.svc = svc
	return nil
}

func (a *application) close() {
	if a.svc != nil {
		if err := a.svc.Close(); err != nil {
			fmt.Fprintf(os.Stderr, "shutdown: %v\n", err)
		}
	}
	if a.stop != nil {
		a.stop()
	}
}

// authorized gates gallery commands on a signed-in session.
func (a *application) authorized() error {
	if err := a.svc.Authorize(); err != nil {
		return errors.New("not signed in: run `xgallery login` first")
	}
	return nil
}

var (
	cfgFile string
	cli     = &application{}
	rootCmd = &cobra.Command{
		Use:           "xgallery",
		Short:         "Offline-first image gallery cache",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return cli.ensureApp()
		},
	}
)

func init() {
	cobra.OnInitialize(initConfig)
	initRootFlags()
	initCommands()
}

func main() {
	err := rootCmd.Execute()
	cli.close()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func initConfig() {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		viper.SetConfigName("xgallery")
		viper.AddConfigPath(".")
		if home, err := os.UserHomeDir(); err == nil {
			viper.AddConfigPath(filepath.Join(home, ".config", "xgallery"))
		}
	}
	viper.SetEnvPrefix("XGALLERY")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	viper.AutomaticEnv()
	if err := viper.ReadInConfig(); err != nil {
		var nf viper.ConfigFileNotFoundError
		if !errors.As(err, &nf) {
			fmt.Fprintf(os.Stderr, "read config: %v\n", err)
		}
	}
}

func bindConfig(key string, flag *pflag.Flag) {
	if err := viper.BindPFlag(key, flag); err != nil {
		panic(err)
	}
}

func initRootFlags() {
	flags := rootCmd.PersistentFlags()
	flags.StringVar(&cfgFile, "config", "", "config file (TOML or YAML)")

	flags.String("dir", ".xgallery", "base directory for cache, records and session")
	flags.String("cache-dir", "cache", "blob cache directory (relative to --dir)")
	flags.String("records-backend", meta.BackendBolt, "record store: bolt|sqlite|memory")
	flags.String("records-path", "", "record store file (relative to --dir)")
	flags.String("session", "session.toml", "session file (relative to --dir)")
	flags.String("log-level", logging.DefaultLevel, "log level: trace|debug|info|warn|error")

	flags.String("catalog", "", "YAML catalog file (built-in catalog when empty)")
	flags.Duration("latency", time.Second, "simulated catalog latency per page")
	flags.Int("page-size", 20, "records requested per page")
	flags.Bool("retry-past-end", false, "keep requesting pages after an empty one")

	flags.Int("concurrency", 4, "parallel thumbnail downloads")
	flags.Duration("http-timeout", 0, "per-request timeout (0 uses no timeout)")
	flags.String("user-agent", app.DefaultUserAgent, "User-Agent for image requests")
	flags.Int("rate-limit", 0, "image requests allowed per rate window (0 disables)")
	flags.Duration("rate-window", time.Second, "rate limit window")
	flags.String("network", app.NetworkAuto, "connectivity source: auto|online|offline")

	flags.Int64("cache-max-bytes", 0, "evict least recently used blobs above this size (0 disables)")
	flags.Duration("sweep-interval", 0, "background eviction interval (0 disables)")
	flags.Bool("cache-on-read", false, "store thumbnails fetched while rendering")

	flags.String("profile-name", "", "display name used by login")
	flags.String("profile-email", "", "email used by login")
	flags.String("profile-avatar", "", "avatar URL used by login")

	for _, name := range []string{
		"dir", "cache-dir", "records-backend", "records-path", "session", "log-level",
		"catalog", "latency", "page-size", "retry-past-end",
		"concurrency", "http-timeout", "user-agent", "rate-limit", "rate-window", "network",
		"cache-max-bytes", "sweep-interval", "cache-on-read",
		"profile-name", "profile-email", "profile-avatar",
	} {
		bindConfig(configKey(name), flags.Lookup(name))
	}
}

func configKey(flag string) string { return strings.ReplaceAll(flag, "-", "_") }

// loadConfig turns viper settings into an app.Config.
func loadConfig(v *viper.Viper) (app.Config, error) {
	cfg := app.Config{
		Dir:           v.GetString("dir"),
		CacheDir:      v.GetString("cache_dir"),
		RecordBackend: v.GetString("records_backend"),
		RecordPath:    v.GetString("records_path"),
		SessionPath:   v.GetString("session"),
		CatalogFile:   v.GetString("catalog"),
		Latency:       v.GetDuration("latency"),
		PageSize:      v.GetInt("page_size"),
		RetryPastEnd:  v.GetBool("retry_past_end"),
		Concurrency:   v.GetInt("concurrency"),
		HTTPTimeout:   v.GetDuration("http_timeout"),
		UserAgent:     v.GetString("user_agent"),
		RateLimit:     v.GetInt("rate_limit"),
		RateWindow:    v.GetDuration("rate_window"),
		Network:       v.GetString("network"),
		CacheMaxBytes: v.GetInt64("cache_max_bytes"),
		SweepInterval: v.GetDuration("sweep_interval"),
		CacheOnRead:   v.GetBool("cache_on_read"),
		Profile: session.Profile{
			Name:      v.GetString("profile_name"),
			Email:     v.GetString("profile_email"),
			AvatarURL: v.GetString("profile_avatar"),
		},
	}
	if cfg.PageSize < 0 {
		return cfg, fmt.Errorf("page-size must be positive, got %d", cfg.PageSize)
	}
	if cfg.Concurrency < 0 {
		return cfg, fmt.Errorf("concurrency must be positive, got %d", cfg.Concurrency)
	}
	if cfg.CacheMaxBytes < 0 {
		return cfg, fmt.Errorf("cache-max-bytes must not be negative")
	}
	switch strings.ToLower(cfg.Network) {
	case "", app.NetworkAuto, app.NetworkOnline, app.NetworkOffline:
	default:
		return cfg, fmt.Errorf("network must be auto, online or offline, got %q", cfg.Network)
	}
	switch strings.ToLower(cfg.RecordBackend) {
	case "", meta.BackendBolt, "boltdb", meta.BackendSQLite, meta.BackendMemory:
	default:
		return cfg, fmt.Errorf("records-backend must be bolt, sqlite or memory, got %q", cfg.RecordBackend)
	}
	return cfg, nil
}

func initCommands() {
	rootCmd.AddCommand(
		newLoginCmd(),
		newLogoutCmd(),
		newWhoamiCmd(),
		newSyncCmd(),
		newListCmd(),
		newShowCmd(),
		newCacheCmd(),
		newNetmonCmd(),
	)
}

func newLoginCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "login",
		Short: "Sign in with the configured profile",
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := cli.svc.Session.SignIn(cli.ctx); err != nil {
				if xerrors.Is(err, xerrors.KindInvalid) {
					return errors.New("login: set --profile-name or --profile-email")
				}
				return err
			}
			p, _ := cli.svc.Session.Profile()
			fmt.Fprintf(cmd.OutOrStdout(), "signed in as %s\n", describe(p))
			return nil
		},
	}
}

func newLogoutCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "logout",
		Short: "Sign out",
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := cli.svc.Session.SignOut(cli.ctx); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "signed out")
			return nil
		},
	}
}

func newWhoamiCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "whoami",
		Short: "Show the signed-in profile",
		RunE: func(cmd *cobra.Command, args []string) error {
			st := cli.svc.Session.State()
			if !st.Authenticated {
				fmt.Fprintln(cmd.OutOrStdout(), "not signed in")
				return nil
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s (since %s)\n", describe(st.Profile), st.SignedInAt.Local().Format(time.RFC1123))
			return nil
		},
	}
}

func describe(p session.Profile) string {
	switch {
	case p.Name != "" && p.Email != "":
		return fmt.Sprintf("%s <%s>", p.Name, p.Email)
	case p.Email != "":
		return p.Email
	default:
		return p.Name
	}
}

func newSyncCmd() *cobra.Command {
	var pages int
	cmd := &cobra.Command{
		Use:   "sync",
		Short: "Fetch catalog pages and download their thumbnails",
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := cli.authorized(); err != nil {
				return err
			}
			return doSync(cli.ctx, cmd.OutOrStdout(), cli.svc.Gallery, pages)
		},
	}
	cmd.Flags().IntVar(&pages, "pages", 1, "number of pages to request")
	return cmd
}

func doSync(ctx context.Context, w io.Writer, g *gallery.Synchronizer, pages int) error {
	for i := 0; i < pages; i++ {
		res, err := g.FetchPage(ctx)
		if err != nil {
			fmt.Fprintf(w, "page %d failed: %v\n", res.Page, err)
			break
		}
		if res.Skipped {
			if res.Exhausted {
				fmt.Fprintln(w, "catalog exhausted")
			}
			break
		}
		fmt.Fprintf(w, "page %d: %d fetched, %d new, %d downloads\n", res.Page, res.Fetched, res.Appended, len(res.Downloads))
		if res.Exhausted {
			fmt.Fprintln(w, "catalog exhausted")
			break
		}
	}
	if err := g.Wait(ctx); err != nil {
		return err
	}
	fmt.Fprintf(w, "%d images, cache %s\n", len(g.Snapshot().Items), g.CacheSizeString(ctx))
	return nil
}

func newListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List known images and their cache status",
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := cli.authorized(); err != nil {
				return err
			}
			return doList(cli.ctx, cmd.OutOrStdout(), cli.svc.Gallery)
		},
	}
}

func doList(ctx context.Context, w io.Writer, g *gallery.Synchronizer) error {
	items := g.Snapshot().Items
	if len(items) == 0 {
		fmt.Fprintln(w, "no images yet: run `xgallery sync`")
		return nil
	}
	for _, rec := range items {
		status := "remote"
		if g.IsCached(ctx, rec.ID) {
			status = "cached"
		}
		fmt.Fprintf(w, "%s\t%s\t%s\n", rec.ID, status, rec.Author)
	}
	return nil
}

func newShowCmd() *cobra.Command {
	var full bool
	var output string
	cmd := &cobra.Command{
		Use:   "show <id>",
		Short: "Resolve an image and write its bytes",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := cli.authorized(); err != nil {
				return err
			}
			variant := resolve.Thumbnail
			if full {
				variant = resolve.Full
			}
			return doShow(cli.ctx, cmd.ErrOrStderr(), args[0], variant, output)
		},
	}
	cmd.Flags().BoolVar(&full, "full", false, "resolve the full-size image")
	cmd.Flags().StringVarP(&output, "output", "o", "", "write the image to this file (stdout when empty)")
	return cmd
}

func doShow(ctx context.Context, status io.Writer, id string, variant resolve.Variant, output string) error {
	rec, err := cli.svc.Record(ctx, id)
	if err != nil {
		if xerrors.Is(err, xerrors.KindNotFound) {
			return fmt.Errorf("unknown image %s", id)
		}
		return err
	}
	if banner := cli.svc.Network.State().Banner(); banner != "" {
		fmt.Fprintln(status, banner)
	}
	res := cli.svc.Resolver.Resolve(ctx, rec, variant)
	if res.Placeholder() {
		return fmt.Errorf("image %s unavailable: showing placeholder", id)
	}
	fmt.Fprintf(status, "%s %s from %s (%d bytes)\n", id, variant, res.Source, len(res.Data))
	if output == "" {
		_, err := os.Stdout.Write(res.Data)
		return err
	}
	return os.WriteFile(output, res.Data, 0o644)
}

func newCacheCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "cache",
		Short: "Inspect and manage the image cache",
	}
	cmd.AddCommand(
		&cobra.Command{
			Use:   "size",
			Short: "Print the cache size",
			RunE: func(cmd *cobra.Command, args []string) error {
				st := cli.svc.Blobs.Stats(cli.ctx)
				fmt.Fprintf(cmd.OutOrStdout(), "%s (%d images)\n", gallery.FormatMB(st.Bytes), st.Count)
				return nil
			},
		},
		&cobra.Command{
			Use:   "clear",
			Short: "Delete every cached image",
			RunE: func(cmd *cobra.Command, args []string) error {
				if err := cli.svc.ClearCache(cli.ctx); err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), "cache cleared")
				return nil
			},
		},
		newCacheEvictCmd(),
	)
	return cmd
}

func newCacheEvictCmd() *cobra.Command {
	var maxBytes int64
	cmd := &cobra.Command{
		Use:   "evict",
		Short: "Evict least recently used images down to a size",
		RunE: func(cmd *cobra.Command, args []string) error {
			if maxBytes < 0 {
				return errors.New("--max-bytes must not be negative")
			}
			return doEvict(cli.ctx, cmd.OutOrStdout(), cli.svc.Blobs, maxBytes)
		},
	}
	cmd.Flags().Int64Var(&maxBytes, "max-bytes", 0, "target cache size in bytes")
	return cmd
}

func doEvict(ctx context.Context, w io.Writer, store blob.Evictor, maxBytes int64) error {
	freed, remaining, err := store.Evict(ctx, maxBytes)
	if err != nil {
		return err
	}
	fmt.Fprintf(w, "freed %s, %s remaining\n", gallery.FormatMB(freed), gallery.FormatMB(remaining))
	return nil
}

func newNetmonCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "netmon",
		Short: "Print connectivity changes until interrupted",
		RunE: func(cmd *cobra.Command, args []string) error {
			return doNetmon(cli.ctx, cmd.OutOrStdout(), cli.svc.Network)
		},
	}
}

func doNetmon(ctx context.Context, w io.Writer, mon *netmon.Monitor) error {
	changes := make(chan netmon.State, 16)
	cancel := mon.Subscribe(func(st netmon.State) {
		select {
		case changes <- st:
		default:
		}
	})
	defer cancel()
	fmt.Fprintln(w, mon.State())
	for {
		select {
		case <-ctx.Done():
			return nil
		case st := <-changes:
			line := st.String()
			if banner := st.Banner(); banner != "" {
				line += "\t" + banner
			}
			fmt.Fprintln(w, line)
		}
	}
}
