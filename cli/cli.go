// Package cli is the command line interface for reservoir.
package cli

import (
	"context"
	"io"
	"os"
	"strings"

	"github.com/alecthomas/kong"
	"github.com/joho/godotenv"
	. "github.com/stevegt/goadapt"
	"github.com/stevegt/reservoir/client"
	"github.com/stevegt/reservoir/core"
	"github.com/stevegt/reservoir/util"
)

var cli struct {
	Start struct {
		Ollama bool `help:"Listen on port 11434 so Ollama clients can connect."`
	} `cmd:"" help:"Start the proxy daemon."`
	Config struct {
		Set string `help:"Set a config value as key=value."`
		Get string `help:"Get a config value."`
	} `cmd:"" help:"Get or set persisted configuration."`
	Export struct{} `cmd:"" help:"Export every stored message node as JSON on stdout."`
	Import struct {
		File string `arg:"" help:"JSON file holding an array of message nodes."`
	} `cmd:"" help:"Import message nodes from a JSON export."`
	View struct {
		Count     int    `arg:"" help:"How many messages to show."`
		Partition string `short:"p" help:"Partition to view (defaults to \"default\")."`
		Instance  string `short:"i" help:"Instance to view (defaults to the partition)."`
	} `cmd:"" help:"Show the last messages in a partition, oldest first."`
	Search struct {
		Term      string `arg:"" help:"The search term (keyword or semantic)."`
		Semantic  bool   `help:"Use semantic search instead of keyword search."`
		Partition string `short:"p" help:"Partition to search (defaults to \"default\")."`
		Instance  string `short:"i" help:"Instance to search (defaults to the partition)."`
	} `cmd:"" help:"Search stored messages by keyword or semantic similarity."`
	Ingest struct {
		Partition string `short:"p" help:"Partition to store into (defaults to \"default\")."`
		Instance  string `short:"i" help:"Instance to store into (defaults to the partition)."`
		Role      string `default:"user" help:"Role for the stored message."`
	} `cmd:"" help:"Store a message from stdin under a fresh trace."`
	Replay struct {
		Partition string `short:"p" default:"default" help:"Partition to re-embed."`
	} `cmd:"" help:"Recompute and store embeddings for every message in a partition."`
	Version struct{} `cmd:"" help:"Show the version of reservoir and its database."`
	Verbose bool     `short:"v" help:"Show debug information on stderr."`
}

// CliConfig contains the configuration for reservoir's cli
type CliConfig struct {
	// Name is the name of the program
	Name string
	// Description is a short description of the program
	Description string
	// Version is the version of the program
	Version string
	// Exit is the function to call to exit the program
	Exit   func(int)
	Stdin  io.Reader
	Stdout io.Writer
	Stderr io.Writer
	// Embedder and ChatClient, when set, replace the default
	// clients.  Tests use these to inject mocks.
	Embedder   client.Embedder
	ChatClient client.ChatClient
}

// NewCliConfig returns a new Config struct with default values populated
func NewCliConfig() *CliConfig {
	return &CliConfig{
		Name:        "reservoir",
		Description: "A transparent proxy for OpenAI-compatible APIs that captures every conversation in a local graph database and uses it to give models memory.",
		Version:     core.CodeVersion(),
		Exit:        func(i int) { os.Exit(i) },
		Stdin:       os.Stdin,
		Stdout:      os.Stdout,
		Stderr:      os.Stderr,
	}
}

// scope applies the partition and instance defaults: partition
// "default", instance same as partition.
func scope(partition, instance string) (string, string) {
	if partition == "" {
		partition = "default"
	}
	if instance == "" {
		instance = partition
	}
	return partition, instance
}

// Cli parses the given arguments and then executes the appropriate
// subcommand.
//
// We use this function instead of kong.Parse() so that we can pass in
// the arguments to parse.  This allows us to more easily test the
// cli subcommands.
func Cli(args []string, config *CliConfig) (rc int, err error) {
	defer Return(&err)

	// capture goadapt stdio
	SetStdio(
		config.Stdin,
		config.Stdout,
		config.Stderr,
	)
	defer SetStdio(nil, nil, nil)

	options := []kong.Option{
		kong.Name(config.Name),
		kong.Description(config.Description),
		kong.Exit(config.Exit),
		kong.Writers(config.Stdout, config.Stderr),
		kong.Vars{
			"version": config.Version,
		},
	}

	var parser *kong.Kong
	parser, err = kong.New(&cli, options...)
	Ck(err)
	ctx, err := parser.Parse(args)
	parser.FatalIfErrorf(err)

	if cli.Verbose {
		os.Setenv("DEBUG", "1")
	}

	cmd := ctx.Command()
	Debug("cmd: %s", cmd)

	// a .env file in the working directory supplies missing env vars
	_ = godotenv.Load()

	dataDir, err := core.DataDir()
	Ck(err)
	rsv, err := core.Open(dataDir)
	Ck(err)
	defer rsv.Close()
	if config.Embedder != nil {
		rsv.SetEmbedder(config.Embedder)
	}
	if config.ChatClient != nil {
		rsv.SetChatClient(config.ChatClient)
	}

	switch cmd {
	case "start":
		// refuse to start a second daemon on the same database
		err = rsv.Lock()
		Ck(err)
		var port int
		port, err = rsv.Port()
		Ck(err)
		if cli.Start.Ollama {
			port = core.OllamaPort
		}
		server := core.NewServer(rsv)
		err = server.Serve(context.Background(), port)
		Ck(err)
	case "config":
		switch {
		case cli.Config.Set != "":
			parts := strings.SplitN(cli.Config.Set, "=", 2)
			if len(parts) != 2 {
				Fpf(config.Stderr, "Error: --set requires key=value\n")
				rc = 1
				return
			}
			err = rsv.SetConfig(parts[0], parts[1])
			Ck(err)
		case cli.Config.Get != "":
			var value string
			value, err = rsv.GetConfig(cli.Config.Get)
			Ck(err)
			Pl(value)
		default:
			Fpf(config.Stderr, "Error: config requires --set or --get\n")
			rc = 1
		}
	case "export":
		err = rsv.Export(config.Stdout)
		Ck(err)
	case "import <file>":
		var fh *os.File
		fh, err = os.Open(cli.Import.File)
		Ck(err)
		defer fh.Close()
		var count int
		count, err = rsv.Import(fh)
		Ck(err)
		Pf("Imported %d message nodes from %s\n", count, cli.Import.File)
	case "view <count>":
		partition, instance := scope(cli.View.Partition, cli.View.Instance)
		var messages []client.Message
		messages, err = rsv.View(partition, instance, cli.View.Count)
		Ck(err)
		for _, message := range messages {
			Pf("%s: - %s\n", message.Role, message.Content)
		}
	case "search <term>":
		if cli.Search.Semantic {
			partition, instance := scope(cli.Search.Partition, cli.Search.Instance)
			var nodes []core.MessageNode
			nodes, err = rsv.SearchSemantic(cli.Search.Term, partition, instance)
			Ck(err)
			for i, node := range nodes {
				Pf("%d. [%s] %s: %s\n", i+1, node.TraceID, node.Role, node.Content)
			}
		} else {
			var nodes []core.MessageNode
			nodes, err = rsv.SearchKeyword(cli.Search.Term)
			Ck(err)
			for _, node := range nodes {
				Pf("[%s] %s: %s\n", node.TraceID, node.Role, node.Content)
			}
		}
	case "ingest":
		var buf []byte
		buf, err = io.ReadAll(config.Stdin)
		Ck(err)
		content := strings.TrimSpace(string(buf))
		if content == "" {
			Pl("No input provided on stdin")
			return
		}
		validRoles := []string{client.RoleUser, client.RoleAI, client.RoleSystem}
		if !util.StringInSlice(cli.Ingest.Role, validRoles) {
			Fpf(config.Stderr, "Error: role must be one of: user, assistant, system\n")
			rc = 1
			return
		}
		partition, instance := scope(cli.Ingest.Partition, cli.Ingest.Instance)
		var traceID string
		traceID, err = rsv.Ingest(content, partition, instance, cli.Ingest.Role)
		Ck(err)
		Pf("Saved message with trace_id: %s\n", traceID)
	case "replay":
		var replayed int
		var empty []string
		replayed, empty, err = rsv.Replay(cli.Replay.Partition)
		Ck(err)
		for _, traceID := range empty {
			Pf("No content found for message with trace ID: %s\n", traceID)
		}
		Pf("Recomputed embeddings for %d messages in partition %s\n", replayed, cli.Replay.Partition)
	case "version":
		Pf("reservoir version %s\n", core.CodeVersion())
		var dbver string
		dbver, err = rsv.DBVersion()
		Ck(err)
		Pf("reservoir db version %s\n", dbver)
	default:
		Fpf(config.Stderr, "Error: unknown command: %s\n", cmd)
		rc = 1
	}
	return
}
