package main

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"golang.org/x/term"

	"tradegate/internal/app"
	"tradegate/internal/config"
	"tradegate/internal/consent"
	httpiface "tradegate/internal/interfaces/http"
)

var (
	flagConfig  string
	flagVerbose bool
)

var rootCmd = &cobra.Command{
	Use:   "tradegate",
	Short: "Execution governance and market data integrity gateway",
	Long: `tradegate sits between an autonomous trading agent and the venues that
move money. Every execution request passes consent, rate limit, idempotency,
and policy checks before it can reach a venue, and every ticker read is scored
for freshness and outlier risk before it is trusted.`,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		if flagVerbose {
			zerolog.SetGlobalLevel(zerolog.DebugLevel)
		} else {
			zerolog.SetGlobalLevel(zerolog.InfoLevel)
		}
	},
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the governance HTTP server",
	RunE:  runServe,
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&flagConfig, "config", "c", "", "path to config YAML")
	rootCmd.PersistentFlags().BoolVarP(&flagVerbose, "verbose", "v", false, "enable debug logging")
	serveCmd.Flags().Bool("accept-risk", false, "accept the basic risk disclosure without an interactive prompt")
	rootCmd.AddCommand(serveCmd)
}

// Execute runs the CLI.
func Execute() error {
	return rootCmd.Execute()
}

func runServe(cmd *cobra.Command, args []string) error {
	logFlags(cmd.Flags())

	cfg, err := config.Load(flagConfig)
	if err != nil {
		return err
	}

	a, err := app.New(cfg)
	if err != nil {
		return err
	}
	defer a.Close()

	acceptRisk, _ := cmd.Flags().GetBool("accept-risk")
	if acceptRisk {
		if err := a.Consent.Accept(consent.TierBasic); err != nil {
			return err
		}
	} else if term.IsTerminal(int(os.Stdin.Fd())) {
		if promptConsent(a.Consent) {
			if err := a.Consent.Accept(consent.TierBasic); err != nil {
				return err
			}
		} else {
			log.Warn().Msg("risk disclosure not accepted; execution endpoints will deny until consent is granted")
		}
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a.StartProviders(ctx)

	srv := httpiface.NewServer(a)
	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	log.Info().Msg("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

// promptConsent shows the basic disclosure on an interactive terminal and
// asks for explicit agreement.
func promptConsent(store *consent.Store) bool {
	disclosure, err := store.GetDisclosure(consent.TierBasic)
	if err != nil {
		return false
	}
	fmt.Fprintln(os.Stderr)
	fmt.Fprintln(os.Stderr, disclosure.Text)
	fmt.Fprintln(os.Stderr)
	fmt.Fprint(os.Stderr, "Type 'I AGREE' to accept, anything else to decline: ")
	reader := bufio.NewReader(os.Stdin)
	line, err := reader.ReadString('\n')
	if err != nil {
		return false
	}
	return strings.TrimSpace(line) == "I AGREE"
}

// logFlags records every explicitly set flag at startup so operator-visible
// behavior changes are traceable.
func logFlags(flags *pflag.FlagSet) {
	flags.Visit(func(f *pflag.Flag) {
		log.Info().Str("flag", f.Name).Str("value", f.Value.String()).Msg("flag set")
	})
}
