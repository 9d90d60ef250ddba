package http

import (
	"github.com/flowcanvas/companion/internal/config"
	"github.com/flowcanvas/companion/internal/core/ports"
	"github.com/flowcanvas/companion/internal/infrastructure/logger"
	"github.com/flowcanvas/companion/internal/relay"
	"github.com/flowcanvas/companion/internal/transport/http/handlers"
	httpmw "github.com/flowcanvas/companion/internal/transport/http/middleware"
	"github.com/gofiber/contrib/websocket"
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/cors"
	"github.com/gofiber/fiber/v2/middleware/recover"
)

type RouterConfig struct {
	Config  *config.Config
	Logger  *logger.Logger
	Relay   *relay.Relay
	Tasks   ports.TaskGateway
	Jobs    ports.JobManager
	Catalog ports.CatalogService
}

// NewApp builds the fiber app with its error handler and streaming request bodies.
func NewApp(cfg *config.Config, log *logger.Logger) *fiber.App {
	return fiber.New(fiber.Config{
		ReadTimeout:           cfg.Server.ReadTimeout,
		WriteTimeout:          cfg.Server.WriteTimeout,
		IdleTimeout:           cfg.Server.IdleTimeout,
		BodyLimit:             cfg.Server.BodyLimit,
		StreamRequestBody:     true,
		ErrorHandler:          handlers.NewErrorHandler(log),
		DisableStartupMessage: true,
	})
}

func SetupRoutes(app *fiber.App, cfg RouterConfig) {
	app.Use(recover.New(recover.Config{
		EnableStackTrace: true,
	}))

	// Credentials are not allowed together with a wildcard origin.
	app.Use(cors.New(cors.Config{
		AllowOrigins: "*",
		AllowMethods: "GET,HEAD,PUT,PATCH,POST,DELETE",
		AllowHeaders: "Origin, Content-Type, Accept, " + cfg.Config.Features.RequestIDHeader,
	}))

	app.Use(httpmw.RequestID(cfg.Config.Features.RequestIDHeader))
	if cfg.Config.Features.EnableRequestLogging {
		app.Use(httpmw.AccessLog(cfg.Logger))
	}

	healthHandler := handlers.NewHealthHandler(cfg.Relay)
	taskHandler := handlers.NewTaskHandler(cfg.Tasks, cfg.Logger)
	installHandler := handlers.NewInstallHandler(cfg.Jobs, cfg.Logger)
	catalogHandler := handlers.NewCatalogHandler(cfg.Catalog, cfg.Logger)
	relayHandler := handlers.NewRelayHandler(cfg.Relay, cfg.Logger, cfg.Config.Relay.WriteTimeout, cfg.Config.Relay.PingInterval)
	proxyHandler := handlers.NewProxyHandler(handlers.ProxyConfig{
		Target:      cfg.Config.Engine.BaseURL,
		Prefix:      cfg.Config.Engine.ProxyPrefix,
		StripPrefix: cfg.Config.Engine.StripPrefix,
		Timeout:     cfg.Config.Engine.ProxyTimeout,
		DialTimeout: cfg.Config.Engine.DialTimeout,
	}, cfg.Logger)

	app.Get("/", healthHandler.Banner)
	app.Get("/health", healthHandler.Health)

	// Realtime relay
	app.Use("/ws", func(c *fiber.Ctx) error {
		if websocket.IsWebSocketUpgrade(c) {
			c.Locals("allowed", true)
			return c.Next()
		}
		return c.SendStatus(fiber.StatusUpgradeRequired)
	})
	app.Get("/ws", websocket.New(relayHandler.Handle))

	api := app.Group("/api")

	api.Post("/add_task", taskHandler.AddTask)

	api.Post("/install_extension", installHandler.InstallExtension)
	api.Post("/install_model", installHandler.InstallModel)
	api.Get("/install_jobs", installHandler.ListJobs)
	api.Get("/install_jobs/:id", installHandler.GetJob)

	api.Get("/extension_infos", catalogHandler.ExtensionInfos)
	api.Get("/model_infos", catalogHandler.ModelInfos)

	api.Get("/relay", relayHandler.Status)

	// Engine reverse proxy
	prefix := cfg.Config.Engine.ProxyPrefix
	app.All(prefix, proxyHandler.Forward)
	app.All(prefix+"/*", proxyHandler.Forward)
}
