package main

import (
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"mlxllm/internal/config"
	"mlxllm/internal/runtime"
	"mlxllm/pkg/session"
	"mlxllm/pkg/types"
)

type cliConfig struct {
	confirm    bool
	variant    string
	maxKV      int
	verbose    bool
	stream     bool
	prompt     string
	configPath string
	runtimeBin string
	host       string
	logLevel   string
}

func buildRootCmd() *cobra.Command {
	cfg := &cliConfig{}
	root := &cobra.Command{
		Use:   "mlxllm",
		Short: "Run quantized Llama 3.3 70B on Apple Silicon via the MLX runtime",
		Long: "mlxllm loads a quantized Llama 3.3 70B Instruct build through the MLX\n" +
			"runtime and runs one example chat exchange. The model needs 32GB+ of\n" +
			"unified memory even at 4-bit, so loading is gated behind --confirm.",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runExample(cmd, cfg)
		},
	}
	f := root.Flags()
	f.BoolVar(&cfg.confirm, "confirm", false, "Confirm you have enough unified memory to load the model")
	f.StringVar(&cfg.variant, "variant", session.DefaultVariant, "Quantization variant: "+strings.Join(session.VariantKeys(), "|"))
	f.IntVar(&cfg.maxKV, "max-kv-size", 2048, "Maximum context size passed to the runtime")
	f.BoolVar(&cfg.verbose, "verbose", true, "Log loading progress and capacity warnings")
	f.BoolVar(&cfg.stream, "stream", false, "Stream the example response fragment by fragment")
	f.StringVar(&cfg.prompt, "prompt", "What is Python?", "User prompt for the example exchange")
	f.StringVar(&cfg.configPath, "config", "", "Optional config file (.yaml|.json|.toml)")
	f.StringVar(&cfg.runtimeBin, "runtime-bin", runtime.DefaultBin, "MLX runtime server launcher binary")
	f.StringVar(&cfg.host, "host", "", "Host the runtime server binds to (default 127.0.0.1)")
	f.StringVar(&cfg.logLevel, "log-level", "info", "Log level: debug|info|warn|error")

	root.AddCommand(buildVariantsCmd())
	return root
}

func buildVariantsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "variants",
		Short: "List available quantization variants",
		RunE: func(cmd *cobra.Command, args []string) error {
			w := cmd.OutOrStdout()
			all := session.Variants()
			for _, k := range session.VariantKeys() {
				v := all[k]
				fmt.Fprintf(w, "%-5s %-46s ~%dGB  %s\n", k, v.Repo, v.SizeGB, v.Quality)
			}
			return nil
		},
	}
}

// applyFileConfig overlays file values onto flags the user did not set.
func applyFileConfig(cmd *cobra.Command, cfg *cliConfig) error {
	if cfg.configPath == "" {
		return nil
	}
	fc, err := config.Load(cfg.configPath)
	if err != nil {
		return err
	}
	f := cmd.Flags()
	if fc.Variant != "" && !f.Changed("variant") {
		cfg.variant = fc.Variant
	}
	if fc.RuntimeBin != "" && !f.Changed("runtime-bin") {
		cfg.runtimeBin = fc.RuntimeBin
	}
	if fc.Host != "" && !f.Changed("host") {
		cfg.host = fc.Host
	}
	if fc.MaxKVSize > 0 && !f.Changed("max-kv-size") {
		cfg.maxKV = fc.MaxKVSize
	}
	if fc.LogLevel != "" && !f.Changed("log-level") {
		cfg.logLevel = fc.LogLevel
	}
	return nil
}

func printGuidance(w io.Writer) {
	fmt.Fprintln(w, "Note: for 16GB RAM, MLX may struggle with 70B models.")
	fmt.Fprintln(w, "A GGUF build served via llama.cpp supports mmap streaming from disk instead.")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Run with --confirm if you have 32GB+ unified memory to proceed.")
}

func newLogger(level string) zerolog.Logger {
	lvl, err := zerolog.ParseLevel(level)
	if err != nil || level == "" {
		lvl = zerolog.InfoLevel
	}
	return zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).Level(lvl).With().Timestamp().Logger()
}

func runExample(cmd *cobra.Command, cfg *cliConfig) error {
	out := cmd.OutOrStdout()
	if !cfg.confirm {
		printGuidance(out)
		return nil
	}
	if err := applyFileConfig(cmd, cfg); err != nil {
		return err
	}

	logger := newLogger(cfg.logLevel)
	rt := runtime.NewServerRuntime(runtime.ServerConfig{
		Bin:       cfg.runtimeBin,
		Host:      cfg.host,
		MaxKVSize: cfg.maxKV,
	}, logger)

	sess, err := session.New(cmd.Context(), rt, session.Options{
		Variant:   cfg.variant,
		MaxKVSize: cfg.maxKV,
		Verbose:   cfg.verbose,
		Logger:    logger,
	})
	if err != nil {
		if session.IsDependencyMissing(err) {
			fmt.Fprintln(out, "Error: MLX runtime not installed.")
			fmt.Fprintln(out, session.InstallHint)
		}
		return err
	}
	defer sess.Close()

	if cfg.stream {
		st, err := sess.StreamGenerate(cmd.Context(), types.GenerateRequest{Prompt: cfg.prompt})
		if err != nil {
			return err
		}
		defer st.Close()
		for {
			frag, err := st.Recv()
			if errors.Is(err, io.EOF) {
				break
			}
			if err != nil {
				return err
			}
			fmt.Fprint(out, frag)
		}
		fmt.Fprintln(out)
		return nil
	}

	messages := []types.Message{
		{Role: types.RoleSystem, Content: "You are a helpful assistant."},
		{Role: types.RoleUser, Content: cfg.prompt},
	}
	resp, err := sess.Chat(cmd.Context(), messages, session.ChatOptions{})
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "\nResponse: %s\n", resp)
	return nil
}
