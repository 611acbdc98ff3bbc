package main

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"text/tabwriter"
	"time"

	"github.com/jmerrifield20/ledgeranchor/internal/anchor"
	"github.com/jmerrifield20/ledgeranchor/internal/anchor/timestamp"
	"github.com/jmerrifield20/ledgeranchor/internal/auth"
	"github.com/jmerrifield20/ledgeranchor/pkg/client"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

// version is overridden via -ldflags "-X main.version=...".
var version = "dev"

var (
	serverURL string
	token     string
	cfgFile   string
	outFormat string
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "anchorctl",
	Short: "LedgerAnchor CLI",
	Long: `anchorctl talks to an anchord server and to RFC3161 timestamping authorities.

It appends ledger transactions, triggers and inspects anchors, verifies
stored proofs, and computes the canonical anchor payload offline.`,
	SilenceUsage: true,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		if cfgFile != "" {
			viper.SetConfigFile(cfgFile)
		} else {
			home, _ := os.UserHomeDir()
			viper.AddConfigPath(home + "/.anchorctl")
			viper.SetConfigName("config")
			viper.SetConfigType("yaml")
		}
		viper.SetEnvPrefix("anchorctl")
		viper.AutomaticEnv()
		_ = viper.ReadInConfig()

		if serverURL == "" {
			serverURL = viper.GetString("server_url")
		}
		if serverURL == "" {
			serverURL = "http://localhost:8080"
		}
		if token == "" {
			token = viper.GetString("token")
		}
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default ~/.anchorctl/config.yaml)")
	rootCmd.PersistentFlags().StringVar(&serverURL, "server", "", "anchord base URL (default http://localhost:8080)")
	rootCmd.PersistentFlags().StringVar(&token, "token", "", "operator bearer token")
	rootCmd.PersistentFlags().StringVar(&outFormat, "format", "text", "Output format: text or json")

	rootCmd.AddCommand(payloadCmd, stampCmd, appendCmd, anchorCmd, anchorsCmd, verifyCmd, tokenCmd, versionCmd)
}

func newClient() (*client.Client, error) {
	var opts []client.Option
	if token != "" {
		opts = append(opts, client.WithBearerToken(token))
	}
	return client.New(serverURL, opts...)
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// ── anchor flags shared by payload, stamp and offline verify ────────────────

type anchorFlags struct {
	position int64
	count    uint64
	hash     string
}

func (f *anchorFlags) bind(cmd *cobra.Command) {
	cmd.Flags().Int64Var(&f.position, "position", 0, "Ledger position of the anchor")
	cmd.Flags().Uint64Var(&f.count, "count", 0, "Transaction count at the anchor")
	cmd.Flags().StringVar(&f.hash, "hash", "", "Full store hash, hex-encoded")
	_ = cmd.MarkFlagRequired("hash")
}

func (f *anchorFlags) anchor() (anchor.LedgerAnchor, error) {
	h, err := hex.DecodeString(f.hash)
	if err != nil {
		return anchor.LedgerAnchor{}, fmt.Errorf("--hash: %w", err)
	}
	return anchor.LedgerAnchor{Position: f.position, TransactionCount: f.count, FullStoreHash: h}, nil
}

// ── payload ──────────────────────────────────────────────────────────────────

var payloadFlags anchorFlags

var payloadCmd = &cobra.Command{
	Use:   "payload",
	Short: "Print the canonical payload and digest of an anchor",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := payloadFlags.anchor()
		if err != nil {
			return err
		}
		payload := hex.EncodeToString(timestamp.Payload(a))
		digest := hex.EncodeToString(timestamp.Digest(a))
		if outFormat == "json" {
			return printJSON(cmd.OutOrStdout(), map[string]string{"payload": payload, "digest": digest})
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Payload: %s\nDigest:  %s\n", payload, digest)
		return nil
	},
}

func init() { payloadFlags.bind(payloadCmd) }

// ── stamp ────────────────────────────────────────────────────────────────────

var (
	stampFlags   anchorFlags
	stampTSA     string
	stampOut     string
	stampTimeout time.Duration
	stampNoNonce bool
)

var stampCmd = &cobra.Command{
	Use:   "stamp",
	Short: "Timestamp an anchor directly against an RFC3161 TSA",
	Long: `stamp sends the anchor digest to a timestamping authority, checks the
reply, and writes the DER TimeStampToken to --out:

  anchorctl stamp --tsa https://freetsa.org/tsr --count 42 --position 41 --hash <hex> --out 41.tst`,
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := stampFlags.anchor()
		if err != nil {
			return err
		}
		opts := []timestamp.Option{}
		if stampNoNonce {
			opts = append(opts, timestamp.WithoutNonce())
		}
		rec, err := timestamp.New(stampTSA, "", "anchorctl", opts...)
		if err != nil {
			return err
		}

		ctx, cancel := context.WithTimeout(context.Background(), stampTimeout)
		defer cancel()
		proofs, err := rec.RecordAnchor(ctx, a)
		if err != nil {
			return fmt.Errorf("stamp: %w", err)
		}
		v, err := timestamp.VerifyProof(a, proofs[0])
		if err != nil {
			return err
		}

		if stampOut != "" {
			if err := os.WriteFile(stampOut, proofs[0].Payload, 0o644); err != nil {
				return fmt.Errorf("write token: %w", err)
			}
		}
		if outFormat == "json" {
			return printJSON(cmd.OutOrStdout(), v)
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Generated: %s\nSigner:    %s\nSerial:    %s\n",
			v.GeneratedAt.Format(time.RFC3339), v.Signer, v.SerialNumber)
		if stampOut != "" {
			fmt.Fprintf(cmd.OutOrStdout(), "Token:     %s (%d bytes)\n", stampOut, len(proofs[0].Payload))
		}
		return nil
	},
}

func init() {
	stampFlags.bind(stampCmd)
	stampCmd.Flags().StringVar(&stampTSA, "tsa", "http://localhost:8080/dev/tsa", "TSA URL")
	stampCmd.Flags().StringVar(&stampOut, "out", "", "Write the DER token to this file")
	stampCmd.Flags().DurationVar(&stampTimeout, "timeout", 30*time.Second, "Request timeout")
	stampCmd.Flags().BoolVar(&stampNoNonce, "no-nonce", false, "Omit the request nonce")
}

// ── append ───────────────────────────────────────────────────────────────────

var appendRecords []string

var appendCmd = &cobra.Command{
	Use:   "append <json>",
	Short: "Append a transaction to the ledger",
	Long: `append adds a transaction whose raw data is the given JSON document.
Use "-" to read it from stdin:

  anchorctl append '{"op":"credit","account":"42","amount":10}' --record acct/42`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		raw := []byte(args[0])
		if args[0] == "-" {
			var err error
			if raw, err = io.ReadAll(cmd.InOrStdin()); err != nil {
				return err
			}
		}
		if !json.Valid(raw) {
			return errors.New("transaction data must be valid JSON")
		}

		c, err := newClient()
		if err != nil {
			return err
		}
		tx, err := c.AppendTransaction(context.Background(), json.RawMessage(raw), appendRecords)
		if err != nil {
			return fmt.Errorf("append: %w", err)
		}
		if outFormat == "json" {
			return printJSON(cmd.OutOrStdout(), tx)
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Index:      %d\nStore hash: %s\n", tx.Index, tx.StoreHash)
		return nil
	},
}

func init() {
	appendCmd.Flags().StringSliceVar(&appendRecords, "record", nil, "Key of a record the transaction touches (repeatable)")
}

// ── anchor ───────────────────────────────────────────────────────────────────

var anchorCmd = &cobra.Command{
	Use:   "anchor",
	Short: "Run one anchoring pass on the server now",
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := newClient()
		if err != nil {
			return err
		}
		res, err := c.TriggerAnchor(context.Background())
		if err != nil {
			return fmt.Errorf("anchor: %w", err)
		}
		if outFormat == "json" {
			return printJSON(cmd.OutOrStdout(), res)
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Outcome:  %s\n", res.Outcome)
		if res.Anchor != nil {
			fmt.Fprintf(cmd.OutOrStdout(), "Position: %d\nHash:     %s\n", res.Anchor.Position, res.Anchor.FullStoreHash)
		}
		if res.Record != nil {
			fmt.Fprintf(cmd.OutOrStdout(), "Proofs:   %d\n", len(res.Record.Proofs))
		}
		return nil
	},
}

// ── anchors ──────────────────────────────────────────────────────────────────

var anchorsLimit int

var anchorsCmd = &cobra.Command{
	Use:   "anchors",
	Short: "List recorded anchors, newest first",
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := newClient()
		if err != nil {
			return err
		}
		recs, err := c.ListAnchors(context.Background(), anchorsLimit)
		if err != nil {
			return fmt.Errorf("list anchors: %w", err)
		}
		if outFormat == "json" {
			return printJSON(cmd.OutOrStdout(), recs)
		}
		return printAnchors(cmd.OutOrStdout(), recs)
	},
}

func init() {
	anchorsCmd.Flags().IntVar(&anchorsLimit, "limit", 0, "Maximum number of anchors (server default when 0)")
}

func printAnchors(out io.Writer, recs []client.Record) error {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "POSITION\tCOUNT\tPROOFS\tRECORDED\tSTORE HASH")
	for _, r := range recs {
		fmt.Fprintf(w, "%d\t%d\t%d\t%s\t%s\n",
			r.Anchor.Position, r.Anchor.TransactionCount, len(r.Proofs),
			r.RecordedAt.Format(time.RFC3339), r.Anchor.FullStoreHash)
	}
	return w.Flush()
}

// ── verify ───────────────────────────────────────────────────────────────────

var (
	verifyFlags     anchorFlags
	verifyTokenFile string
)

var verifyCmd = &cobra.Command{
	Use:   "verify [position]",
	Short: "Verify a stored anchor, or a token file offline",
	Long: `verify asks the server to re-check the anchor at <position> against the
ledger and every stored proof against the anchor digest.

With --token-file it instead checks a DER TimeStampToken locally:

  anchorctl verify --token-file 41.tst --position 41 --count 42 --hash <hex>`,
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if verifyTokenFile != "" {
			return verifyOffline(cmd)
		}
		if len(args) != 1 {
			return errors.New("position is required unless --token-file is set")
		}
		var pos int64
		if _, err := fmt.Sscan(args[0], &pos); err != nil {
			return fmt.Errorf("invalid position %q", args[0])
		}

		c, err := newClient()
		if err != nil {
			return err
		}
		v, err := c.VerifyAnchor(context.Background(), pos)
		if err != nil {
			return fmt.Errorf("verify: %w", err)
		}
		if outFormat == "json" {
			if err := printJSON(cmd.OutOrStdout(), v); err != nil {
				return err
			}
		} else {
			fmt.Fprintf(cmd.OutOrStdout(), "Anchor %d: ledger match %t\n", v.Anchor.Position, v.LedgerMatch)
			for _, p := range v.Proofs {
				if p.Valid {
					fmt.Fprintf(cmd.OutOrStdout(), "  %-12s ok    signer=%s serial=%s\n", p.Provider, p.Signer, p.Serial)
				} else {
					fmt.Fprintf(cmd.OutOrStdout(), "  %-12s FAIL  %s\n", p.Provider, p.Error)
				}
			}
		}
		if !v.Valid {
			return fmt.Errorf("anchor %d failed verification", pos)
		}
		return nil
	},
}

func verifyOffline(cmd *cobra.Command) error {
	a, err := verifyFlags.anchor()
	if err != nil {
		return err
	}
	tok, err := os.ReadFile(verifyTokenFile)
	if err != nil {
		return fmt.Errorf("read token: %w", err)
	}
	v, err := timestamp.VerifyProof(a, anchor.Proof{Position: a.Position, Payload: tok})
	if err != nil {
		return err
	}
	if outFormat == "json" {
		return printJSON(cmd.OutOrStdout(), v)
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Token valid for anchor %d\nGenerated: %s\nSigner:    %s\n",
		a.Position, v.GeneratedAt.Format(time.RFC3339), v.Signer)
	return nil
}

func init() {
	verifyCmd.Flags().Int64Var(&verifyFlags.position, "position", 0, "Ledger position of the anchor (offline mode)")
	verifyCmd.Flags().Uint64Var(&verifyFlags.count, "count", 0, "Transaction count at the anchor (offline mode)")
	verifyCmd.Flags().StringVar(&verifyFlags.hash, "hash", "", "Full store hash, hex-encoded (offline mode)")
	verifyCmd.Flags().StringVar(&verifyTokenFile, "token-file", "", "Verify this DER token locally instead of asking the server")
}

// ── token ────────────────────────────────────────────────────────────────────

var (
	tokenSecret  string
	tokenSubject string
	tokenTTL     time.Duration
)

var tokenCmd = &cobra.Command{
	Use:   "token",
	Short: "Issue an operator token signed with the server's operator secret",
	RunE: func(cmd *cobra.Command, args []string) error {
		if tokenSecret == "" {
			tokenSecret = viper.GetString("operator_secret")
		}
		if tokenSecret == "" {
			return errors.New("--secret (or ANCHORCTL_OPERATOR_SECRET) is required")
		}
		tok, err := auth.NewOperatorTokens(tokenSecret, tokenTTL).Issue(tokenSubject)
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), tok)
		return nil
	},
}

func init() {
	tokenCmd.Flags().StringVar(&tokenSecret, "secret", "", "Operator secret (auth.operator_secret on the server)")
	tokenCmd.Flags().StringVar(&tokenSubject, "subject", "anchorctl", "Token subject")
	tokenCmd.Flags().DurationVar(&tokenTTL, "ttl", 8*time.Hour, "Token lifetime")
}

// ── version ──────────────────────────────────────────────────────────────────

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the anchorctl version",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Fprintf(cmd.OutOrStdout(), "anchorctl %s\n", version)
	},
}
