package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"triggerd/pkg"
	"triggerd/pkg/utils"

	"github.com/davecgh/go-spew/spew"
	"github.com/gin-gonic/gin"
	"github.com/goccy/go-yaml"
	"github.com/jessevdk/go-flags"
	"github.com/joho/godotenv"
	"github.com/pkg/errors"
	"github.com/rs/cors"
	"github.com/sirupsen/logrus"
)

type options struct {
	Config string `long:"config" short:"c" description:"Configuration file name"`
}

var opts options

type serveCommand struct{}

type dryRunReminderCommand struct {
	File string `long:"file" short:"f" description:"YAML file holding the reminder event" required:"true"`
	Now  string `long:"now" description:"Evaluation time, e.g. 2024-01-01T09:00:00Z, defaults to the current time"`
}

func main() {
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		logrus.WithError(err).Warn("failed to load .env file")
	}

	if os.Getenv("TRG_DEBUG") == "true" {
		logrus.SetLevel(logrus.DebugLevel)
	}

	parser := flags.NewParser(&opts, flags.Default)
	parser.SubcommandsOptional = true
	if _, err := parser.AddCommand("serve", "Start the server", "Starts the HTTP server, the dispatch loop and the outbox relay (default)", &serveCommand{}); err != nil {
		logrus.WithError(err).Fatal("failed to add command")
	}
	if _, err := parser.AddCommand("dry-run-reminder", "Preview reminder triggers", "Prints the triggers a reminder event would produce", &dryRunReminderCommand{}); err != nil {
		logrus.WithError(err).Fatal("failed to add command")
	}

	if _, err := parser.Parse(); err != nil {
		var flagsErr *flags.Error
		if errors.As(err, &flagsErr) && flagsErr.Type == flags.ErrHelp {
			os.Exit(0)
		}
		os.Exit(1)
	}

	// No command provided
	if parser.Active == nil {
		if err := (&serveCommand{}).Execute(nil); err != nil {
			logrus.WithError(err).Fatal("failed to serve")
		}
	}
}

func (cmd *serveCommand) Execute(_ []string) error {
	config := pkg.MustLoadConfig(opts.Config)

	if config.Debug {
		logrus.SetLevel(logrus.DebugLevel)
	} else {
		gin.SetMode(gin.ReleaseMode)
	}

	if logrus.IsLevelEnabled(logrus.DebugLevel) {
		logrus.WithField("config", spew.Sdump(config)).Debug("loaded config")
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	trg, err := pkg.NewTriggerd(ctx, config)
	if err != nil {
		return err
	}

	router := gin.New()
	router.Use(utils.GetGinLoggerHandler(), gin.Recovery())
	router.Use(gin.ErrorLogger())

	router.GET("/healthz", func(c *gin.Context) {
		c.Set(utils.GinContextDoNotLogEntry, true)
		c.AbortWithStatus(http.StatusOK)
	})

	trg.MountRoutes(router)

	var handler http.Handler = router
	if len(config.Cors.AllowedOrigins) > 0 {
		handler = cors.New(cors.Options{
			AllowedOrigins:   config.Cors.AllowedOrigins,
			AllowedMethods:   []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodDelete},
			AllowedHeaders:   []string{"*"},
			AllowCredentials: true,
		}).Handler(router)
	}

	server := &http.Server{
		Addr:    fmt.Sprintf(":%d", config.Port),
		Handler: handler,
	}

	trg.OnStart(ctx)

	go func() {
		<-ctx.Done()
		logrus.Info("shutting down")

		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer shutdownCancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			logrus.WithError(err).Warn("failed to shut down server")
		}
	}()

	logrus.WithField("port", config.Port).Info("listening")
	if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return errors.WithMessage(err, "failed to start server")
	}

	trg.OnStop()
	return nil
}

func (cmd *dryRunReminderCommand) Execute(_ []string) error {
	var bindingsConfig *pkg.BindingsConfig
	if opts.Config != "" {
		config := pkg.MustLoadConfig(opts.Config)
		bindingsConfig = &config.Bindings
	}

	now := time.Now()
	if cmd.Now != "" {
		parsed, err := pkg.ParseTriggerTime(cmd.Now, now)
		if err != nil {
			return errors.WithMessage(err, "bad --now")
		}
		now = parsed
	}

	b, err := os.ReadFile(cmd.File)
	if err != nil {
		return errors.WithMessage(err, "failed to read reminder event")
	}
	event, err := utils.ExtractPayloadArgsYAML(b)
	if err != nil {
		return err
	}

	result, err := pkg.DryRunReminder(context.Background(), bindingsConfig, event, now)
	if err != nil {
		return err
	}

	out, err := yaml.Marshal(result)
	if err != nil {
		return errors.WithMessage(err, "failed to marshal dry run result")
	}
	fmt.Print(string(out))
	return nil
}
