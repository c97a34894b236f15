package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"govScope/internal/chain"
	"govScope/internal/config"
	"govScope/internal/governance"
	"govScope/internal/storage"
	"govScope/internal/storage/postgres"
)

func main() {
	root := &cobra.Command{
		Use:          "govscope",
		Short:        "Watch and act on DAO voting machine proposals",
		SilenceUsage: true,
	}

	root.PersistentFlags().String("config", "", "config file path")

	watchCmd := &cobra.Command{
		Use:   "watch",
		Short: "Observe balances, allowances and proposals on every new block",
		RunE:  runWatch,
	}
	addCommonFlags(watchCmd.Flags())
	addJournalFlags(watchCmd.Flags())
	watchCmd.Flags().String("token", "", "staking token address")
	watchCmd.Flags().String("account", "", "account to observe")
	watchCmd.Flags().String("spender", "", "allowance spender (defaults to the voting machine)")
	watchCmd.Flags().StringSlice("proposal", nil, "proposal ids to observe (comma-separated)")
	watchCmd.Flags().Duration("poll-interval", 3*time.Second, "block polling interval for http endpoints")
	watchCmd.Flags().Int("read-concurrency", 8, "maximum concurrent reads per block")
	root.AddCommand(watchCmd)

	stakeCmd := &cobra.Command{
		Use:   "stake",
		Short: "Stake tokens on a proposal",
		RunE:  runStake,
	}
	addSubmitFlags(stakeCmd.Flags())
	stakeCmd.Flags().String("token", "", "staking token address")
	stakeCmd.Flags().String("proposal", "", "proposal id")
	stakeCmd.Flags().Uint64("vote", governance.VoteFor, "1 = for, 2 = against")
	stakeCmd.Flags().String("amount", "", "stake amount in base units")
	root.AddCommand(stakeCmd)

	voteCmd := &cobra.Command{
		Use:   "vote",
		Short: "Vote on a proposal",
		RunE:  runVote,
	}
	addSubmitFlags(voteCmd.Flags())
	voteCmd.Flags().String("proposal", "", "proposal id")
	voteCmd.Flags().Uint64("vote", governance.VoteFor, "1 = for, 2 = against")
	voteCmd.Flags().String("reputation", "0", "reputation to vote with, 0 means all")
	root.AddCommand(voteCmd)

	executeCmd := &cobra.Command{
		Use:   "execute",
		Short: "Execute a decided proposal",
		RunE:  runExecute,
	}
	addSubmitFlags(executeCmd.Flags())
	executeCmd.Flags().String("proposal", "", "proposal id")
	root.AddCommand(executeCmd)

	approveCmd := &cobra.Command{
		Use:   "approve",
		Short: "Approve a spender for the staking token",
		RunE:  runApprove,
	}
	addSubmitFlags(approveCmd.Flags())
	approveCmd.Flags().String("token", "", "staking token address")
	approveCmd.Flags().String("spender", "", "spender (defaults to the voting machine)")
	approveCmd.Flags().String("amount", "", "allowance in base units")
	root.AddCommand(approveCmd)

	proposalCmd := &cobra.Command{
		Use:   "proposal",
		Short: "Print proposal status and stake deltas",
		RunE:  runProposal,
	}
	addCommonFlags(proposalCmd.Flags())
	proposalCmd.Flags().StringSlice("proposal", nil, "proposal ids to read live (comma-separated)")
	proposalCmd.Flags().String("in", "", "input JSONL of exported proposals")
	root.AddCommand(proposalCmd)

	historyCmd := &cobra.Command{
		Use:   "history",
		Short: "Backfill voting machine events into the journal",
		RunE:  runHistory,
	}
	addCommonFlags(historyCmd.Flags())
	addJournalFlags(historyCmd.Flags())
	historyCmd.Flags().Uint64("from", 0, "start block (inclusive)")
	historyCmd.Flags().Uint64("to", 0, "end block (inclusive), 0 means latest")
	historyCmd.Flags().Uint64("batch-size", 2000, "blocks per log query")
	historyCmd.Flags().String("checkpoint", "./data/history_checkpoint.json", "checkpoint file path, empty disables")
	historyCmd.Flags().StringSlice("proposal", nil, "only collect events of these proposal ids (comma-separated)")
	root.AddCommand(historyCmd)

	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

func addCommonFlags(flags *pflag.FlagSet) {
	flags.String("rpc", "", "RPC URL (ws/wss/ipc for push heads)")
	flags.String("voting-machine", "", "GenesisProtocol voting machine address")
	flags.Int("max-retries", 3, "maximum retry attempts per read")
	flags.Duration("retry-backoff", 500*time.Millisecond, "initial retry backoff")
	flags.String("log-level", "info", "log level (debug, info, warn, error)")
}

func addJournalFlags(flags *pflag.FlagSet) {
	flags.String("out", "./data/journal.jsonl", "journal JSONL path, empty disables")
	flags.String("pg-dsn", "", "Postgres DSN for the journal")
}

func addSubmitFlags(flags *pflag.FlagSet) {
	addCommonFlags(flags)
	addJournalFlags(flags)
	flags.String("private-key", "", "hex private key of the sending account")
	flags.Duration("poll-interval", 3*time.Second, "receipt polling interval")
}

// env is what every command shares once configuration is loaded.
type env struct {
	cfg     config.Config
	logger  *zap.Logger
	client  *chain.Client
	chainID uint64
	reader  *governance.Reader
	journal storage.Storage
	closers []func()
}

func (e *env) Close() {
	for i := len(e.closers) - 1; i >= 0; i-- {
		e.closers[i]()
	}
}

func setup(ctx context.Context, cmd *cobra.Command, journal bool) (*env, error) {
	cfgFile, _ := cmd.Flags().GetString("config")
	cfg, err := config.Load(cfgFile, cmd.Flags())
	if err != nil {
		return nil, err
	}

	logger, err := newLogger(cfg.LogLevel)
	if err != nil {
		return nil, err
	}
	e := &env{cfg: cfg, logger: logger}
	e.closers = append(e.closers, func() { _ = logger.Sync() })

	if cfg.RPCURL == "" {
		e.Close()
		return nil, fmt.Errorf("rpc url is required")
	}

	client, err := chain.NewClient(ctx, cfg.RPCURL)
	if err != nil {
		e.Close()
		return nil, fmt.Errorf("connect rpc: %w", err)
	}
	e.client = client
	e.closers = append(e.closers, client.Close)

	chainID, err := client.ChainID(ctx)
	if err != nil {
		e.Close()
		return nil, fmt.Errorf("get chain id: %w", err)
	}
	e.chainID = chainID.Uint64()

	var votingMachine common.Address
	if cfg.VotingMachine != "" {
		votingMachine, err = governance.ParseAddress(cfg.VotingMachine)
		if err != nil {
			e.Close()
			return nil, fmt.Errorf("voting machine: %w", err)
		}
	}
	e.reader = governance.NewReader(client, governance.ReaderConfig{
		VotingMachine: votingMachine,
		MaxRetries:    cfg.MaxRetries,
		RetryBackoff:  cfg.RetryBackoff,
	}, logger)

	if journal {
		sink, closeSink, err := openJournal(ctx, cfg, logger)
		if err != nil {
			e.Close()
			return nil, err
		}
		e.journal = sink
		e.closers = append(e.closers, closeSink)
	}

	return e, nil
}

func openJournal(ctx context.Context, cfg config.Config, logger *zap.Logger) (storage.Storage, func(), error) {
	var sinks storage.Multi
	closeAll := func() {}

	if cfg.Out != "" {
		sinks = append(sinks, storage.NewJsonlStorage(cfg.Out))
	}
	if cfg.PGDSN != "" {
		store, err := postgres.NewStore(ctx, cfg.PGDSN)
		if err != nil {
			return nil, nil, fmt.Errorf("connect postgres: %w", err)
		}
		if err := store.EnsureSchema(ctx); err != nil {
			store.Close()
			return nil, nil, err
		}
		sinks = append(sinks, store)
		closeAll = store.Close
	}

	logger.Info("journal ready", zap.String("out", cfg.Out), zap.Bool("postgres", cfg.PGDSN != ""))
	return sinks, closeAll, nil
}

func newLogger(level string) (*zap.Logger, error) {
	cfg := zap.NewProductionConfig()
	cfg.Level = zap.NewAtomicLevel()
	if err := cfg.Level.UnmarshalText([]byte(level)); err != nil {
		return nil, err
	}

	cfg.EncoderConfig.TimeKey = "ts"
	cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder

	return cfg.Build()
}
