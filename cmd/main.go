package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/victornm/wordchain/internal/config"
	"github.com/victornm/wordchain/internal/server"
)

var configPath string

func main() {
	_ = godotenv.Load()

	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:          "wordchain",
		Short:        "Word chain game server",
		SilenceUsage: true,
	}

	rootCmd.PersistentFlags().StringVar(&configPath, "config", os.Getenv("CONFIG_PATH"), "config file (default: $CONFIG_PATH)")

	rootCmd.AddCommand(newServeCmd())
	rootCmd.AddCommand(newWordsCmd())

	return rootCmd
}

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP and gRPC servers",
		RunE: func(_ *cobra.Command, _ []string) error {
			c, err := loadConfig()
			if err != nil {
				return err
			}

			shutdown := make(chan os.Signal, 1)
			signal.Notify(shutdown, syscall.SIGTERM, os.Interrupt)

			s, err := server.Init(c)
			if err != nil {
				log.Fatalf("Init server failed: %v", err)
			}

			go s.Start()

			<-shutdown
			s.Shutdown()
			return nil
		},
	}
}

func newWordsCmd() *cobra.Command {
	wordsCmd := &cobra.Command{
		Use:   "words",
		Short: "Look up the configured word list",
	}

	wordsCmd.AddCommand(&cobra.Command{
		Use:   "exists <word>...",
		Short: "Report whether each word is accepted",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			lex, err := loadLexicon(cmd.Context())
			if err != nil {
				return err
			}

			for _, w := range args {
				fmt.Fprintf(cmd.OutOrStdout(), "%s\t%t\n", w, lex.Contains(w))
			}
			return nil
		},
	})

	var limit int
	searchCmd := &cobra.Command{
		Use:   "search <prefix>",
		Short: "List words starting with prefix",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			lex, err := loadLexicon(cmd.Context())
			if err != nil {
				return err
			}

			for _, w := range lex.PrefixSearch(args[0], limit) {
				fmt.Fprintln(cmd.OutOrStdout(), w)
			}
			return nil
		},
	}
	searchCmd.Flags().IntVar(&limit, "limit", 20, "maximum number of words")
	wordsCmd.AddCommand(searchCmd)

	return wordsCmd
}

type lexicon interface {
	Contains(word string) bool
	PrefixSearch(prefix string, limit int) []string
}

func loadLexicon(ctx context.Context) (lexicon, error) {
	c, err := loadConfig()
	if err != nil {
		return nil, err
	}

	if ctx == nil {
		ctx = context.Background()
	}

	return server.LoadLexicon(ctx, c)
}

func loadConfig() (server.Config, error) {
	c := server.DefaultConfig()

	if err := config.Load(configPath, &c); err != nil {
		return c, fmt.Errorf("load config: %w", err)
	}

	return c, nil
}
