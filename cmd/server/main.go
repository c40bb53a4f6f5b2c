// Package main is the entry point for the pycell MCP server.
//
// The pycell server executes untrusted, LLM-generated Python code inside
// isolated OS processes with hard resource limits, after static security
// screening. It exposes one-shot execution, validate-only screening, and a
// stateful notebook mode over MCP stdio or HTTP transports.
//
// The application uses Uber's fx framework for dependency injection and
// lifecycle management, with zap for structured logging and viper for
// configuration.
package main

import (
	"context"

	"go.uber.org/fx"
	"go.uber.org/fx/fxevent"
	"go.uber.org/zap"

	"github.com/quitedob/pycell/config"
	"github.com/quitedob/pycell/engine"
	"github.com/quitedob/pycell/logger"
	"github.com/quitedob/pycell/mcpserver"
	"github.com/quitedob/pycell/sandbox"
	"github.com/quitedob/pycell/security"
)

func main() {
	app := fx.New(
		// Provide dependencies
		fx.Provide(
			// Config
			config.New,

			// Logger with configuration
			logger.NewFromConfig,

			// Security checker
			security.NewFromConfig,

			// Sandbox executor, staging directory tied to the app lifecycle
			func(lc fx.Lifecycle, log *zap.Logger, cfg *config.Config) (*sandbox.Executor, error) {
				executor, err := sandbox.NewExecutor(log, cfg)
				if err != nil {
					return nil, err
				}
				lc.Append(fx.Hook{
					OnStop: func(context.Context) error {
						return executor.Close()
					},
				})
				return executor, nil
			},

			// Execution engine facade
			func(log *zap.Logger, cfg *config.Config, checker *security.Checker, executor *sandbox.Executor) *engine.Engine {
				return engine.New(log, cfg, checker, executor)
			},

			// MCP Server
			func(cfg *config.Config, log *zap.Logger, eng *engine.Engine) (*mcpserver.MCPServer, error) {
				return mcpserver.New(cfg, log, eng)
			},
		),

		// Start the appropriate transport based on config
		fx.Invoke(
			func(cfg *config.Config, server *mcpserver.MCPServer) {
				switch cfg.Server.Transport {
				case "stdio":
					go func() {
						if err := server.ServeStdio(); err != nil {
							panic(err)
						}
					}()
				case "http":
					go func() {
						if err := server.ServeHTTP(); err != nil {
							panic(err)
						}
					}()
				default:
					panic("unsupported transport: " + cfg.Server.Transport)
				}
			},
		),

		// Use the application logger for fx logs
		fx.WithLogger(func(log *zap.Logger) fxevent.Logger {
			return &fxevent.ZapLogger{Logger: log}
		}),
	)

	app.Run()
}
