// Command runbox-mcp exposes shell execution tools over MCP stdio. Commands
// run either in this process or on a remote runboxd instance, depending on
// the sandbox configuration.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/runbox-sh/runbox/internal/config"
	"github.com/runbox-sh/runbox/internal/executor"
	"github.com/runbox-sh/runbox/internal/gateway"
	"github.com/runbox-sh/runbox/internal/proc"
	"github.com/runbox-sh/runbox/internal/runner"
	"github.com/runbox-sh/runbox/internal/spawn"
	"github.com/runbox-sh/runbox/internal/terminate"
)

func main() {
	var configFile string

	root := &cobra.Command{
		Use:          "runbox-mcp",
		Short:        "MCP stdio server for shell command execution",
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configFile)
			if err != nil {
				return err
			}
			return run(cfg)
		},
	}
	root.Flags().StringVarP(&configFile, "config", "c", "", "path to config file")

	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

func run(cfg config.Config) error {
	// stdout carries the MCP transport; zap's production config already logs
	// to stderr.
	log, err := zap.NewProduction()
	if err != nil {
		return err
	}
	defer log.Sync()

	exec, cleanup := buildExecutor(cfg, log)
	defer cleanup()

	s := server.NewMCPServer("runbox", "1.0.0", server.WithToolCapabilities(false))
	registerTools(s, exec, log)

	log.Info("serving mcp over stdio", zap.Bool("sandbox", cfg.Sandbox.Enabled))
	return server.ServeStdio(s)
}

// buildExecutor picks the backend: a remote runboxd when the sandbox is
// enabled, otherwise a full local execution stack.
func buildExecutor(cfg config.Config, log *zap.Logger) (executor.Executor, func()) {
	if cfg.Sandbox.Enabled {
		log.Info("using remote execution backend", zap.String("url", cfg.Sandbox.URL))
		return executor.NewRemote(cfg.Sandbox.URL, cfg.Sandbox.Token), func() {}
	}

	reg := proc.NewRegistry(log)
	ctrl := terminate.NewController(reg, cfg.TerminationTimeout, cfg.PollInterval, cfg.KillGrace, log)
	run := runner.New(&spawn.Local{Shell: cfg.Shell}, reg, ctrl, runner.Options{
		WorkDir:       cfg.WorkDir,
		EventBuffer:   cfg.EventBuffer,
		Retention:     cfg.Retention,
		SweepInterval: cfg.SweepInterval,
	}, log)
	gw := gateway.New(reg, ctrl, log)
	return executor.NewInProcess(run, gw), run.Shutdown
}

func registerTools(s *server.MCPServer, exec executor.Executor, log *zap.Logger) {
	s.AddTool(mcp.NewTool("execute_shell_command",
		mcp.WithDescription("Execute a shell command and wait for it to finish, returning its output and exit code."),
		mcp.WithString("command", mcp.Required(), mcp.Description("Shell command to execute")),
	), func(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		command, err := request.RequireString("command")
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}

		res, err := exec.ExecSync(ctx, "", command)
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		return jsonResult(res)
	})

	s.AddTool(mcp.NewTool("execute_background_shell_command",
		mcp.WithDescription("Start a shell command in the background and return its request id and pid immediately."),
		mcp.WithString("command", mcp.Required(), mcp.Description("Shell command to execute")),
	), func(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		command, err := request.RequireString("command")
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}

		id, pid, err := exec.ExecBackground("", command)
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		return jsonResult(map[string]any{
			"request_id": id,
			"pid":        pid,
			"status":     "running",
		})
	})

	s.AddTool(mcp.NewTool("list_processes",
		mcp.WithDescription("List all tracked processes with their status."),
	), func(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		handles, err := exec.List(ctx)
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		if handles == nil {
			handles = []proc.Handle{}
		}
		return jsonResult(handles)
	})

	s.AddTool(mcp.NewTool("get_process",
		mcp.WithDescription("Get the status and accumulated output of a background process."),
		mcp.WithString("request_id", mcp.Required(), mcp.Description("Request id returned when the process started")),
	), func(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		requestID, err := request.RequireString("request_id")
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}

		res, err := exec.Get(ctx, requestID)
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		return jsonResult(res)
	})

	s.AddTool(mcp.NewTool("terminate_process",
		mcp.WithDescription("Terminate a running process by pid, escalating to SIGKILL if it ignores SIGTERM."),
		mcp.WithNumber("pid", mcp.Required(), mcp.Description("Process id to terminate")),
	), func(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		args, ok := request.Params.Arguments.(map[string]any)
		if !ok {
			return mcp.NewToolResultError("invalid arguments"), nil
		}
		pid, ok := args["pid"].(float64)
		if !ok {
			return mcp.NewToolResultError("pid is required"), nil
		}

		res, err := exec.Terminate(ctx, int(pid))
		if err != nil {
			log.Warn("terminate failed", zap.Int("pid", int(pid)), zap.Error(err))
			return mcp.NewToolResultError(fmt.Sprintf("terminate pid %d: %v", int(pid), err)), nil
		}
		return jsonResult(res)
	})
}

func jsonResult(v any) (*mcp.CallToolResult, error) {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	return mcp.NewToolResultText(string(data)), nil
}
