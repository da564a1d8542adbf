package main

import (
	"bufio"
	"fmt"
	"os"
	"strings"

	zlog "github.com/semihalev/zlog/v2"
	"github.com/spf13/cobra"

	"github.com/dnschat/dnschat/chat"
	"github.com/dnschat/dnschat/config"
	"github.com/dnschat/dnschat/guard"
	"github.com/dnschat/dnschat/metrics"
	"github.com/dnschat/dnschat/store"
	"github.com/dnschat/dnschat/transport"
)

const version = "0.1.0"

var flagcfgpath string

func main() {
	root := &cobra.Command{
		Use:     "dnschat",
		Short:   "Chat with an LLM through DNS TXT queries",
		Version: version,
	}

	root.PersistentFlags().StringVar(&flagcfgpath, "config", "dnschat.toml", "location of the config file, if config file not found, a config will generate")

	root.AddCommand(askCommand(), chatCommand(), logsCommand())

	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

func setup() (*config.Config, error) {
	cfg, err := config.Load(flagcfgpath, version)
	if err != nil {
		return nil, err
	}

	if cfg.LogLevel == "" {
		cfg.LogLevel = "info"
	}

	logger := zlog.NewStructured()
	logger.SetWriter(zlog.StdoutTerminal())
	logger.SetLevel(logLevel(cfg.LogLevel))
	zlog.SetDefault(logger)

	metrics.Register()

	return cfg, nil
}

func logLevel(s string) zlog.Level {
	switch strings.ToLower(s) {
	case "debug":
		return zlog.LevelDebug
	case "warn":
		return zlog.LevelWarn
	case "error":
		return zlog.LevelError
	default:
		return zlog.LevelInfo
	}
}

type app struct {
	cfg     *config.Config
	store   *store.Store
	session *chat.Session
	watcher *config.Watcher
}

func newApp(cfg *config.Config) (*app, error) {
	g := resolverGuard(cfg)

	var passphrase []byte
	if cfg.KeyPassphraseEnv != "" {
		passphrase = []byte(os.Getenv(cfg.KeyPassphraseEnv))
	}

	st, err := store.Open(cfg.DataDir, store.Options{
		Retention:  cfg.LogRetention,
		Passphrase: passphrase,
	})
	if err != nil {
		return nil, err
	}

	tr := transport.New(transport.Options{
		Server:     cfg.Resolver,
		Guard:      g,
		UDPTimeout: cfg.UDPTimeout.Duration,
		TCPTimeout: cfg.TCPTimeout.Duration,
		DoHURL:     cfg.DoHURL,
		RateLimit:  cfg.RateLimit,
		OnLog:      st.AppendLog,
	})

	loaded, err := st.LoadChats(nil)
	if err != nil {
		st.Close()
		return nil, err
	}

	session := chat.NewSession(tr, st, loaded, chat.Options{
		Zone:      cfg.Zone,
		LabelOnly: cfg.LabelOnly,
		AllowPlus: cfg.AllowPlus,
	})

	watcher, err := config.NewWatcher(flagcfgpath, version, func(next *config.Config) {
		tr.SetResolver(next.Resolver, resolverGuard(next))
	})
	if err != nil {
		zlog.Warn("Config watcher unavailable", "error", err.Error())
	}

	return &app{cfg: cfg, store: st, session: session, watcher: watcher}, nil
}

func (a *app) close() {
	if a.watcher != nil {
		a.watcher.Stop()
	}
	if err := a.store.Close(); err != nil {
		zlog.Error("Store close failed", "error", err.Error())
	}
}

func resolverGuard(cfg *config.Config) *guard.Guard {
	if cfg.AllowlistReplace {
		return guard.Replace(cfg.Allowlist)
	}
	return guard.New(cfg.Allowlist)
}

func askCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "ask [message]",
		Short: "Send one message and print the reply",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := setup()
			if err != nil {
				return err
			}

			a, err := newApp(cfg)
			if err != nil {
				return err
			}
			defer a.close()

			id := a.session.NewChat()

			msg, err := a.session.Send(cmd.Context(), id, strings.Join(args, " "))
			if err != nil {
				if msg != nil && msg.FailReason != "" {
					return fmt.Errorf("%s", msg.FailReason)
				}
				return err
			}

			fmt.Println(msg.Text)
			return nil
		},
	}
}

func chatCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "chat",
		Short: "Interactive chat session",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := setup()
			if err != nil {
				return err
			}

			a, err := newApp(cfg)
			if err != nil {
				return err
			}
			defer a.close()

			id := a.session.NewChat()

			fmt.Println("dnschat v" + version + ", type a message, :q to quit")

			scanner := bufio.NewScanner(os.Stdin)
			for {
				fmt.Print("> ")
				if !scanner.Scan() {
					break
				}

				line := strings.TrimSpace(scanner.Text())
				if line == "" {
					continue
				}
				if line == ":q" || line == ":quit" {
					break
				}

				msg, err := a.session.Send(cmd.Context(), id, line)
				if err != nil {
					if msg != nil && msg.FailReason != "" {
						fmt.Println("! " + msg.FailReason)
					} else {
						fmt.Println("! " + err.Error())
					}
					continue
				}

				fmt.Println(msg.Text)
			}

			return scanner.Err()
		},
	}
}

func logsCommand() *cobra.Command {
	logs := &cobra.Command{
		Use:   "logs",
		Short: "Inspect the resolver log history",
	}
	logs.AddCommand(logsExportCommand())
	return logs
}

func logsExportCommand() *cobra.Command {
	var format, output string

	cmd := &cobra.Command{
		Use:   "export",
		Short: "Export the resolver log history",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := setup()
			if err != nil {
				return err
			}

			var passphrase []byte
			if cfg.KeyPassphraseEnv != "" {
				passphrase = []byte(os.Getenv(cfg.KeyPassphraseEnv))
			}

			st, err := store.Open(cfg.DataDir, store.Options{
				Retention:  cfg.LogRetention,
				Passphrase: passphrase,
			})
			if err != nil {
				return err
			}
			defer st.Close()

			w := os.Stdout
			if output != "" {
				f, err := os.Create(output)
				if err != nil {
					return err
				}
				defer f.Close()
				w = f
			}

			return st.ExportLogs(w, format)
		},
	}

	cmd.Flags().StringVar(&format, "format", store.FormatJSON, "export format, json or csv")
	cmd.Flags().StringVarP(&output, "output", "o", "", "write to file instead of stdout")

	return cmd
}
