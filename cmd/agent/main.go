// Command agent runs the audial ingestion agent: it authenticates the user
// against the music provider, keeps the session alive, and drives track
// analysis runs while exposing a local status API.
package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/un1t-gg/audial-agent/internal/api"
	"github.com/un1t-gg/audial-agent/internal/auth"
	"github.com/un1t-gg/audial-agent/internal/config"
	"github.com/un1t-gg/audial-agent/internal/ingest"
	"github.com/un1t-gg/audial-agent/internal/logging"
	"github.com/un1t-gg/audial-agent/internal/spotify"
	"github.com/un1t-gg/audial-agent/internal/store"
	"github.com/un1t-gg/audial-agent/internal/watcher"

	log "github.com/sirupsen/logrus"
)

func main() {
	var login bool
	var noBrowser bool
	var configPath string

	flag.BoolVar(&login, "login", false, "Run the interactive browser login flow")
	flag.BoolVar(&noBrowser, "no-browser", false, "Print the authorization URL instead of opening a browser")
	flag.StringVar(&configPath, "config", "", "Configuration file path")

	flag.Parse()

	logging.SetupBaseLogger()

	if configPath == "" {
		wd, err := os.Getwd()
		if err != nil {
			log.Fatalf("failed to get working directory: %v", err)
		}
		configPath = filepath.Join(wd, "config.yaml")
	}

	cfg, err := config.LoadConfig(configPath)
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	if cfg.Debug {
		log.SetLevel(log.DebugLevel)
	} else {
		log.SetLevel(log.InfoLevel)
	}
	if err = logging.ConfigureLogOutput(cfg.LoggingToFile); err != nil {
		log.Fatalf("failed to configure log output: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	sessionStore, err := store.Open(cfg.SessionDB)
	if err != nil {
		log.Fatalf("failed to open session store: %v", err)
	}
	defer func() {
		_ = sessionStore.Close()
	}()

	broker, err := auth.NewCognitoBroker(ctx, cfg)
	if err != nil {
		log.Fatalf("failed to create identity broker client: %v", err)
	}

	sessions := auth.NewManager(cfg, auth.NewSpotifyAuth(cfg), auth.NewTokenValidator(cfg), broker, sessionStore)
	defer sessions.Shutdown()

	if login {
		if err = sessions.Login(ctx, noBrowser); err != nil {
			log.Error(auth.GetUserFriendlyMessage(err))
			log.Fatalf("login failed: %v", err)
		}
		log.Info("Login successful")
	} else {
		if err = sessions.Initialize(ctx); err != nil {
			log.Warnf("session restore failed: %v", err)
		}
		if snap := sessions.Snapshot(); !snap.IsAuthenticated() {
			log.Info("No valid session; run with --login to authenticate")
		}
	}

	providerToken := func() string {
		return sessions.Snapshot().ProviderAccessToken
	}
	sessionToken := func() string {
		if creds := sessions.Snapshot().Credentials; creds != nil {
			return creds.SessionToken
		}
		return ""
	}

	providerClient := spotify.NewClient(cfg, providerToken)
	discoverer := ingest.NewDiscoverer(providerClient, ingest.NewExclusionClient(cfg, sessionToken))
	submitter := ingest.NewSubmitter(cfg, sessionToken, providerToken)
	orchestrator := ingest.NewOrchestrator(discoverer, submitter)

	configWatcher, err := watcher.NewWatcher(configPath, func(newCfg *config.Config) {
		if newCfg.Debug {
			log.SetLevel(log.DebugLevel)
		} else {
			log.SetLevel(log.InfoLevel)
		}
		if errLog := logging.ConfigureLogOutput(newCfg.LoggingToFile); errLog != nil {
			log.Errorf("failed to reconfigure log output: %v", errLog)
		}
	})
	if err != nil {
		log.Fatalf("failed to create config watcher: %v", err)
	}
	if err = configWatcher.Start(ctx); err != nil {
		log.Fatalf("failed to start config watcher: %v", err)
	}
	defer func() {
		_ = configWatcher.Stop()
	}()

	// One ingestion run per authenticated session; a fresh session after
	// logout or expiry triggers a fresh run.
	go func() {
		for {
			_, sessionCtx, errWait := sessions.WaitReady(ctx)
			if errWait != nil {
				return
			}
			if errRun := orchestrator.Run(sessionCtx); errRun != nil {
				log.Errorf("Ingestion run failed: %v", errRun)
			}
			select {
			case <-ctx.Done():
				return
			case <-sessionCtx.Done():
			}
		}
	}()

	server := api.NewServer(cfg, sessions, orchestrator)
	go func() {
		<-ctx.Done()
		_ = server.Stop(context.Background())
	}()

	if err = server.Start(); err != nil {
		log.Fatalf("status API failed: %v", err)
	}
}
