package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/forgehub/hub/internal/auth"
	"github.com/forgehub/hub/internal/builds"
	"github.com/forgehub/hub/internal/config"
	"github.com/forgehub/hub/internal/database"
	"github.com/forgehub/hub/internal/events"
	"github.com/forgehub/hub/internal/logging"
	"github.com/forgehub/hub/internal/mirror"
	"github.com/forgehub/hub/internal/server"
	"github.com/forgehub/hub/internal/services"
	"github.com/forgehub/hub/internal/tickets"
	"github.com/forgehub/hub/internal/users"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

var (
	cfgFile string
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "hub",
		Short: "Project hub webhook and build pipeline service",
		PreRunE: func(cmd *cobra.Command, args []string) error {
			return initConfig()
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer(cmd.Context())
		},
	}

	setupFlags(rootCmd)

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func setupFlags(cmd *cobra.Command) {
	config.ApplyDefaults(viper.GetViper())
	defaults := config.NewViper()
	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "Path to configuration file")
	cmd.PersistentFlags().String("http-address", defaults.GetString("http.address"), "HTTP listen address")
	cmd.PersistentFlags().String("database-path", defaults.GetString("database.path"), "SQLite database path")
	cmd.PersistentFlags().String("log-level", defaults.GetString("log.level"), "Log level (debug, info, warn, error)")
	cmd.PersistentFlags().String("origin-hub", defaults.GetString("origins.hub"), "External origin of this service")
	cmd.PersistentFlags().String("origin-git", defaults.GetString("origins.git"), "External origin of the git service")
	cmd.PersistentFlags().String("origin-hg", defaults.GetString("origins.hg"), "External origin of the hg service")
	cmd.PersistentFlags().String("origin-lists", defaults.GetString("origins.lists"), "External origin of the lists service")
	cmd.PersistentFlags().String("origin-todo", defaults.GetString("origins.todo"), "External origin of the todo service")
	cmd.PersistentFlags().String("origin-builds", defaults.GetString("origins.builds"), "External origin of the builds service")
	cmd.PersistentFlags().String("lists-domain", defaults.GetString("lists.domain"), "Mail domain of the lists service")
	cmd.PersistentFlags().String("webhook-secret", "", "Shared webhook signing secret (overrides env)")
	cmd.PersistentFlags().String("signing-secret", "", "Internal auth signing secret (overrides env)")
	cmd.PersistentFlags().String("token-key", "", "Correlation token key, 64 hex characters (overrides env)")

	bindFlag(cmd, "http.address", "http-address")
	bindFlag(cmd, "database.path", "database-path")
	bindFlag(cmd, "log.level", "log-level")
	bindFlag(cmd, "origins.hub", "origin-hub")
	bindFlag(cmd, "origins.git", "origin-git")
	bindFlag(cmd, "origins.hg", "origin-hg")
	bindFlag(cmd, "origins.lists", "origin-lists")
	bindFlag(cmd, "origins.todo", "origin-todo")
	bindFlag(cmd, "origins.builds", "origin-builds")
	bindFlag(cmd, "lists.domain", "lists-domain")
	bindFlag(cmd, "webhook.secret", "webhook-secret")
	bindFlag(cmd, "auth.signing_secret", "signing-secret")
	bindFlag(cmd, "token.key", "token-key")
}

func bindFlag(cmd *cobra.Command, key, flag string) {
	if err := viper.BindPFlag(key, cmd.PersistentFlags().Lookup(flag)); err != nil {
		panic(err)
	}
}

func initConfig() error {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	}

	if err := viper.ReadInConfig(); err != nil {
		var configNotFound viper.ConfigFileNotFoundError
		if cfgFile != "" && errors.As(err, &configNotFound) {
			return err
		}
	}

	return nil
}

func runServer(ctx context.Context) error {
	appConfig, err := config.Load(viper.GetViper())
	if err != nil {
		return err
	}

	logger, err := logging.NewLogger(appConfig.LogLevel)
	if err != nil {
		return err
	}
	defer logger.Sync() //nolint:errcheck

	db, err := database.Open(appConfig.DatabasePath, logger)
	if err != nil {
		return err
	}
	sqlDB, err := db.DB()
	if err != nil {
		return err
	}
	defer sqlDB.Close()

	issuer := auth.NewInternalTokenIssuer(auth.InternalTokenIssuerConfig{
		SigningSecret: []byte(appConfig.InternalAuthSecret),
		Issuer:        appConfig.Origins.Hub,
	})

	gitClient, err := newServiceClient("git", appConfig.Origins.Git, issuer, logger)
	if err != nil {
		return err
	}
	listsClient, err := newServiceClient("lists", appConfig.Origins.Lists, issuer, logger)
	if err != nil {
		return err
	}
	todoClient, err := newServiceClient("todo", appConfig.Origins.Todo, issuer, logger)
	if err != nil {
		return err
	}
	buildsClient, err := newServiceClient("builds", appConfig.Origins.Builds, issuer, logger)
	if err != nil {
		return err
	}

	gitService := services.NewGitService(gitClient)
	listsService := services.NewListsService(listsClient)
	todoService := services.NewTodoService(todoClient)
	buildsService := services.NewBuildsService(buildsClient)

	eventStore, err := events.NewStore(events.StoreConfig{Database: db, Logger: logger})
	if err != nil {
		return err
	}
	updater, err := mirror.NewUpdater(mirror.UpdaterConfig{Database: db, Logger: logger})
	if err != nil {
		return err
	}
	userService, err := users.NewService(users.ServiceConfig{Database: db})
	if err != nil {
		return err
	}
	resolver, err := tickets.NewResolver(tickets.ResolverConfig{
		Todo:       todoService,
		TodoOrigin: appConfig.Origins.Todo,
		Logger:     logger,
	})
	if err != nil {
		return err
	}
	sealer, err := builds.NewTokenSealer(appConfig.TokenKey)
	if err != nil {
		return err
	}
	submitter, err := builds.NewSubmitter(builds.SubmitterConfig{
		Database:     db,
		Git:          gitService,
		Lists:        listsService,
		Builds:       buildsService,
		Sealer:       sealer,
		HubOrigin:    appConfig.Origins.Hub,
		ListsOrigin:  appConfig.Origins.Lists,
		BuildsOrigin: appConfig.Origins.Builds,
		ListsDomain:  appConfig.ListsDomain,
		Logger:       logger,
	})
	if err != nil {
		return err
	}

	handler, err := server.NewHTTPHandler(server.Dependencies{
		Database:  db,
		Events:    eventStore,
		Mirror:    updater,
		Users:     userService,
		Resolver:  resolver,
		Submitter: submitter,
		Git:       gitService,
		Todo:      todoService,
		Lists:     listsService,
		Sealer:    sealer,
		Origins:   appConfig.Origins,
		Secrets:   appConfig.WebhookSecrets,
		Logger:    logger,
	})
	if err != nil {
		return err
	}

	httpServer := &http.Server{
		Addr:    appConfig.HTTPAddress,
		Handler: handler,
	}

	signalCtx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() {
		logger.Info("server starting", zap.String("address", appConfig.HTTPAddress))
		err := httpServer.ListenAndServe()
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-signalCtx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}

func newServiceClient(name, origin string, issuer *auth.InternalTokenIssuer, logger *zap.Logger) (*services.Client, error) {
	return services.NewClient(services.ClientConfig{
		ServiceName: name,
		Endpoint:    origin + "/query",
		TokenIssuer: issuer,
		Logger:      logger,
	})
}
