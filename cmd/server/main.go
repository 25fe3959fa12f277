// Package main provides the entry point for chatlinkd, the local companion
// server for encrypted chat share links. It serves the management API,
// persists encrypted local state, and drives OAuth connections to external
// services.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/joho/godotenv"
	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/chatlink-dev/chatlinkd/internal/api"
	"github.com/chatlink-dev/chatlinkd/internal/browser"
	"github.com/chatlink-dev/chatlinkd/internal/buildinfo"
	"github.com/chatlink-dev/chatlinkd/internal/config"
	"github.com/chatlink-dev/chatlinkd/internal/logging"
	"github.com/chatlink-dev/chatlinkd/internal/misc"
	"github.com/chatlink-dev/chatlinkd/internal/oauth"
	"github.com/chatlink-dev/chatlinkd/internal/sharelink"
	"github.com/chatlink-dev/chatlinkd/internal/state"
	"github.com/chatlink-dev/chatlinkd/internal/store"
	"github.com/chatlink-dev/chatlinkd/internal/tui"
	"github.com/chatlink-dev/chatlinkd/internal/util"
	"github.com/chatlink-dev/chatlinkd/internal/watcher"
)

var (
	Version           = "dev"
	Commit            = "none"
	BuildDate         = "unknown"
	DefaultConfigPath = "config.yaml"
)

// init initializes the shared logger setup.
func init() {
	logging.SetupBaseLogger()
	buildinfo.Version = Version
	buildinfo.Commit = Commit
	buildinfo.BuildDate = BuildDate
}

func main() {
	fmt.Printf("chatlinkd Version: %s, Commit: %s, BuiltAt: %s\n", buildinfo.Version, buildinfo.Commit, buildinfo.BuildDate)

	var (
		configPath string
		password   string
		connect    string
		replace    bool
		noBrowser  bool
		shareAll   bool
		applyLink  string
	)
	flag.StringVar(&configPath, "config", DefaultConfigPath, "Configuration file path")
	flag.StringVar(&password, "password", "", "")
	flag.StringVar(&connect, "connect", "", "Run the interactive connect screen for the named service, then exit")
	flag.BoolVar(&replace, "replace", false, "With -connect, replace an in-progress authorization")
	flag.BoolVar(&noBrowser, "no-browser", false, "Don't open the browser automatically for OAuth")
	flag.BoolVar(&shareAll, "share", false, "Print a share link carrying the full local configuration, then exit")
	flag.StringVar(&applyLink, "apply", "", "Apply a received share link to the local configuration, then exit")

	flag.CommandLine.Usage = func() {
		out := flag.CommandLine.Output()
		_, _ = fmt.Fprintf(out, "Usage of %s\n", os.Args[0])
		flag.CommandLine.VisitAll(func(f *flag.Flag) {
			// The store password never appears in help output; pass it
			// via CHATLINKD_PASSWORD instead.
			if f.Name == "password" {
				return
			}
			_, _ = fmt.Fprintf(out, "  -%s\n\t%s\n", f.Name, f.Usage)
		})
	}
	flag.Parse()

	opts := runOptions{
		configPath: configPath,
		password:   password,
		connect:    connect,
		replace:    replace,
		noBrowser:  noBrowser,
		shareAll:   shareAll,
		applyLink:  applyLink,
	}
	if err := run(opts); err != nil {
		log.Fatalf("chatlinkd failed to start: %v", err)
	}
}

type runOptions struct {
	configPath string
	password   string
	connect    string
	replace    bool
	noBrowser  bool
	shareAll   bool
	applyLink  string
}

func run(opts runOptions) error {
	configPath, password := opts.configPath, opts.password
	if wd, err := os.Getwd(); err == nil {
		if errLoad := godotenv.Load(filepath.Join(wd, ".env")); errLoad != nil && !errors.Is(errLoad, os.ErrNotExist) {
			log.WithError(errLoad).Warn("failed to load .env file")
		}
	}

	if password == "" {
		password = strings.TrimSpace(os.Getenv("CHATLINKD_PASSWORD"))
	}
	if password == "" {
		return errors.New("store password required: pass -password or set CHATLINKD_PASSWORD")
	}

	if _, errStat := os.Stat(configPath); errors.Is(errStat, os.ErrNotExist) {
		example := filepath.Join(filepath.Dir(configPath), "config.example.yaml")
		if _, errExample := os.Stat(example); errExample == nil {
			log.Infof("config %s not found, copying %s", configPath, example)
			if errCopy := misc.CopyConfigTemplate(example, configPath); errCopy != nil {
				return fmt.Errorf("copy config template: %w", errCopy)
			}
		}
	}

	cfg, err := config.LoadConfig(configPath)
	if err != nil {
		return err
	}
	util.SetLogLevel(cfg)
	if err = logging.ConfigureLogOutput(cfg); err != nil {
		return err
	}

	storePath, err := cfg.ResolveStorePath()
	if err != nil {
		return err
	}
	localStore, err := store.OpenLocalStore(storePath, password)
	if err != nil {
		return fmt.Errorf("open local store: %w", err)
	}

	sessionKeys := store.NewSessionKeyHolder()
	sessionKeys.SetSessionKey([]byte(password))

	stateSvc := state.NewService(localStore)
	stateSvc.SetFallbackTokenizerModel(cfg.TokenizerModel)

	if opts.shareAll {
		return shareOneShot(stateSvc, password, cfg.ShareBaseURL)
	}
	if opts.applyLink != "" {
		return applyOneShot(stateSvc, opts.applyLink, password)
	}

	var openBrowser func(string) error
	if !opts.noBrowser && !cfg.DisableBrowser {
		openBrowser = browser.OpenURL
	}

	manager, err := oauth.NewManager(oauth.Options{
		Persister:    localStore,
		SessionKeys:  sessionKeys,
		Namespace:    cfg.OAuthNamespace,
		CallbackPort: cfg.OAuthCallbackPort,
		ProxyURL:     cfg.ProxyURL,
		OpenBrowser:  openBrowser,
	})
	if err != nil {
		return err
	}
	for _, provider := range cfg.Providers {
		if errRegister := manager.RegisterProvider(provider); errRegister != nil {
			return errRegister
		}
	}

	if opts.connect != "" {
		connected, errConnect := tui.RunConnect(manager, opts.connect, opts.replace)
		manager.Close(context.Background())
		if errConnect != nil {
			return errConnect
		}
		if !connected {
			return fmt.Errorf("%s was not connected", opts.connect)
		}
		log.Infof("%s connected", opts.connect)
		return nil
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	manager.ResumeSuspendedFlows(ctx)

	configWatcher, err := watcher.NewWatcher(configPath, func(updated *config.Config) {
		for _, provider := range updated.Providers {
			if errRegister := manager.RegisterProvider(provider); errRegister != nil {
				log.Errorf("reloaded provider %s rejected: %v", provider.Key(), errRegister)
			}
		}
		if errLog := logging.ConfigureLogOutput(updated); errLog != nil {
			log.Errorf("failed to reconfigure logging: %v", errLog)
		}
		stateSvc.SetFallbackTokenizerModel(updated.TokenizerModel)
	})
	if err != nil {
		return err
	}
	configWatcher.SetConfig(cfg)
	if err = configWatcher.Start(ctx); err != nil {
		return err
	}

	currentConfig := func() *config.Config {
		if live := configWatcher.Config(); live != nil {
			return live
		}
		return cfg
	}
	handler := api.NewHandler(currentConfig, stateSvc, manager, sessionKeys)
	server := api.NewServer(currentConfig, handler)

	group, groupCtx := errgroup.WithContext(ctx)
	group.Go(func() error {
		return server.Run(groupCtx)
	})
	group.Go(func() error {
		<-groupCtx.Done()
		manager.Close(context.Background())
		return configWatcher.Stop()
	})

	if err = group.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	log.Info("chatlinkd stopped")
	return nil
}

// shareOneShot prints a share link carrying every populated slot of the
// local configuration.
func shareOneShot(svc *state.Service, password, baseURL string) error {
	payload, stats, err := svc.Collect(state.CollectOptions{
		APIKey:         true,
		Endpoint:       true,
		SystemPrompt:   true,
		WelcomeMessage: true,
		Messages:       true,
		Prompts:        true,
		Functions:      true,
		MCPConnections: true,
	})
	if err != nil {
		return err
	}
	link, err := sharelink.CreateLink(payload, password, baseURL)
	if err != nil {
		return err
	}
	fmt.Println(link)
	log.Infof("share link carries %s (%d payload bytes, ~%d message tokens)",
		strings.Join(payload.PresentFields(), ", "), stats.PayloadBytes, stats.MessageTokens)
	return nil
}

// applyOneShot decrypts a share link and writes its fields into the local
// configuration.
func applyOneShot(svc *state.Service, link, password string) error {
	data, found := sharelink.ExtractLink(link)
	if !found {
		data = link
	}
	payload, err := sharelink.DecryptLink(data, password)
	if err != nil {
		return err
	}
	if err = svc.Apply(payload); err != nil {
		return err
	}
	log.Infof("applied %s", strings.Join(payload.PresentFields(), ", "))
	return nil
}
