// Command aconfigd is the daemon-side entry point: each of the five startup
// phases spec.md §4.D names is its own subcommand, plus a serve subcommand
// that binds a unix socket and runs the request-handling loop. There is no
// flag-query/override CLI here - that surface is explicitly out of scope
// (spec.md §1, §6.4); a caller wanting that talks to the daemon directly
// over its own socket protocol.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"os"

	"github.com/alecthomas/kong"
	kongyaml "github.com/alecthomas/kong-yaml"
	completion "github.com/jotaen/kong-completion"
	"github.com/posener/complete"
	"go.opentelemetry.io/otel"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/flagstore/aconfigd/aconfigd"
	"github.com/flagstore/aconfigd/version"
)

// CLI mirrors _examples/banksean-sand/cmd/sand/main.go's shape: one struct
// field per subcommand, kong tags for flags shared across all of them.
type CLI struct {
	RootDir               string `help:"Daemon storage root directory." default:"${default_root_dir}"`
	PersistStorageRecords string `help:"Path to the persisted container record index." default:"${default_records}"`
	LogFile               string `help:"Log file path; empty logs to stderr." optional:""`

	RemoveStaleBootFiles        RemoveStaleBootFilesCmd        `cmd:"" help:"Startup phase 1: delete boot files for unregistered containers."`
	RemoveUnrecognizedBootFiles RemoveUnrecognizedBootFilesCmd `cmd:"" name:"remove-unrecognized-boot-files" help:"Startup phase 2: delete anything under boot/ that isn't a recognized storage file."`
	InitFromRecord              InitFromRecordCmd              `cmd:"" help:"Startup phase 3: replay the persisted record index and apply any staged OTA overrides."`
	InitPlatformStorage         InitPlatformStorageCmd         `cmd:"" help:"Startup phase 4: register every platform partition container."`
	InitDynamicStorage          InitDynamicStorageCmd          `cmd:"" help:"Startup phase 5: register every mainline apex module container."`
	Serve                       ServeCmd                       `cmd:"" help:"Bind a unix socket and run the request-handling loop."`
	Completion                  completion.Cmd                 `cmd:"" help:"Print a shell completion script."`
	Version                     VersionCmd                     `cmd:"" help:"Print daemon build version information."`
}

type runContext struct {
	ctx    context.Context
	daemon *aconfigd.Daemon
}

func (c *CLI) buildDaemon() *aconfigd.Daemon {
	d := aconfigd.NewDaemon(c.RootDir, c.PersistStorageRecords)
	return d
}

// RemoveStaleBootFilesCmd runs startup phase 1.
type RemoveStaleBootFilesCmd struct{}

func (cmd *RemoveStaleBootFilesCmd) Run(rc *runContext) error {
	return rc.daemon.RemoveStaleBootFiles(rc.ctx)
}

// RemoveUnrecognizedBootFilesCmd runs startup phase 2.
type RemoveUnrecognizedBootFilesCmd struct{}

func (cmd *RemoveUnrecognizedBootFilesCmd) Run(rc *runContext) error {
	return rc.daemon.RemoveUnrecognizedBootFiles(rc.ctx)
}

// InitFromRecordCmd runs startup phase 3.
type InitFromRecordCmd struct{}

func (cmd *InitFromRecordCmd) Run(rc *runContext) error {
	return rc.daemon.InitFromRecord(rc.ctx)
}

// InitPlatformStorageCmd runs startup phase 4.
type InitPlatformStorageCmd struct {
	PartitionRoot string `help:"Root directory containing system/, product/, vendor/ etc." default:"/"`
}

func (cmd *InitPlatformStorageCmd) Run(rc *runContext) error {
	rc.daemon.PlatformPartitionRoot = cmd.PartitionRoot
	return rc.daemon.InitPlatformStorage(rc.ctx)
}

// InitDynamicStorageCmd runs startup phase 5.
type InitDynamicStorageCmd struct {
	ApexRoot string `help:"Root directory containing mounted apex modules." default:"${default_apex_root}"`
}

func (cmd *InitDynamicStorageCmd) Run(rc *runContext) error {
	rc.daemon.ApexRoot = cmd.ApexRoot
	return rc.daemon.InitDynamicStorage(rc.ctx)
}

// ServeCmd binds a unix socket and serves requests until interrupted.
//
// This repository does not implement socket-activation protocol parsing
// itself (see SPEC_FULL.md's External interfaces module): production
// deployments hand the daemon a pre-bound listener via an init system; this
// subcommand binds its own listener for local development and testing.
type ServeCmd struct {
	SocketPath   string `help:"Unix socket path to bind." default:"${default_socket_path}"`
	OTLPEndpoint string `help:"OTLP/gRPC trace collector endpoint; empty disables export." optional:""`
}

func (cmd *ServeCmd) Run(rc *runContext) error {
	_ = os.Remove(cmd.SocketPath)
	listener, err := net.Listen("unix", cmd.SocketPath)
	if err != nil {
		return fmt.Errorf("aconfigd: fail to bind socket %s: %w", cmd.SocketPath, err)
	}
	slog.InfoContext(rc.ctx, "aconfigd.Serve", "socket", cmd.SocketPath)

	tp, err := aconfigd.NewTracerProvider(rc.ctx, cmd.OTLPEndpoint)
	if err != nil {
		return err
	}
	defer tp.Shutdown(rc.ctx)
	otel.SetTracerProvider(tp)

	return rc.daemon.Serve(rc.ctx, listener)
}

// VersionCmd prints the daemon binary's build version information.
type VersionCmd struct{}

func (cmd *VersionCmd) Run(rc *runContext) error {
	info := version.Get()
	fmt.Printf("aconfigd %s (commit %s, built %s)\n", info.GitBranch, info.GitCommit, info.BuildTime)
	return nil
}

func initSlog(logFile string) error {
	if logFile == "" {
		slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stderr, nil)))
		return nil
	}
	writer := &lumberjack.Logger{
		Filename:   logFile,
		MaxSize:    10,
		MaxBackups: 5,
		MaxAge:     28,
	}
	slog.SetDefault(slog.New(slog.NewJSONHandler(writer, nil)))
	return nil
}

// shellCompletion wires posener/complete's standalone predictor graph so
// `COMP_LINE`-driven shell completion works even before kong has parsed
// anything; it mirrors the subcommand tree by hand since it runs ahead of
// kong's own parsing. Installed under the "aconfigd" command name via
// `aconfigd --install-completion`.
func shellCompletion() *complete.Complete {
	sub := complete.Commands{
		"remove-stale-boot-files":        complete.Command{},
		"remove-unrecognized-boot-files": complete.Command{},
		"init-from-record":               complete.Command{},
		"init-platform-storage":          complete.Command{Flags: complete.Flags{"--partition-root": complete.PredictDirs("*")}},
		"init-dynamic-storage":           complete.Command{Flags: complete.Flags{"--apex-root": complete.PredictDirs("*")}},
		"serve":                          complete.Command{Flags: complete.Flags{"--socket-path": complete.PredictAnything}},
	}
	cmd := complete.Command{
		Sub: sub,
		Flags: complete.Flags{
			"--root-dir":                complete.PredictDirs("*"),
			"--persist-storage-records": complete.PredictFiles("*"),
			"--log-file":                complete.PredictFiles("*"),
		},
	}
	cmp := complete.New("aconfigd", cmd)
	cmp.CLI.InstallName = "install-completion"
	cmp.CLI.UninstallName = "uninstall-completion"
	return cmp
}

func main() {
	if shellCompletion().Complete() {
		return
	}

	var cli CLI
	parser, err := kong.New(&cli,
		kong.Name("aconfigd"),
		kong.Description("Privileged flag-storage daemon."),
		kong.Configuration(kongyaml.Loader, "/etc/aconfigd/config.yaml"),
		kong.Vars{
			"default_root_dir":    aconfigd.DefaultRootDir,
			"default_records":     aconfigd.DefaultPersistStorageRecords,
			"default_apex_root":   aconfigd.DefaultApexRoot,
			"default_socket_path": "/dev/socket/" + aconfigd.DefaultSocketName,
		},
	)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	completion.Register(parser)

	kctx, err := parser.Parse(os.Args[1:])
	parser.FatalIfErrorf(err)

	if err := initSlog(cli.LogFile); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	rc := &runContext{ctx: context.Background(), daemon: cli.buildDaemon()}
	err = kctx.Run(rc)
	kctx.FatalIfErrorf(err)
}
