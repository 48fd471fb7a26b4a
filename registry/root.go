package registry

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/goccy/go-json"
	"github.com/spf13/cobra"

	"github.com/distribution/ingest"
	"github.com/distribution/ingest/configuration"
	"github.com/distribution/ingest/digest"
	"github.com/distribution/ingest/internal/contentcoding"
	"github.com/distribution/ingest/internal/dcontext"
	"github.com/distribution/ingest/registry/storage"
	"github.com/distribution/ingest/version"
)

var showVersion bool

// writeOptions holds the flags of the write command.
type writeOptions struct {
	algorithms    []string
	subChunkLimit int
	output        string
	encoding      []string
}

var writeOpts writeOptions

func init() {
	RootCmd.AddCommand(ServeCmd)
	RootCmd.AddCommand(WriteCmd)
	RootCmd.Flags().BoolVarP(&showVersion, "version", "v", false, "show the version and exit")

	WriteCmd.Flags().StringSliceVarP(&writeOpts.algorithms, "algorithm", "a", configuration.DefaultAlgorithms, "digest algorithm to compute, may be repeated")
	WriteCmd.Flags().IntVar(&writeOpts.subChunkLimit, "sub-chunk-limit", configuration.DefaultSubChunkLimit, "largest single read from an input")
	WriteCmd.Flags().StringVarP(&writeOpts.output, "output", "o", "", "file receiving the written bytes, discarded when empty")
	WriteCmd.Flags().StringSliceVarP(&writeOpts.encoding, "content-encoding", "e", nil, "content codings applied to every input, removed before digesting")
}

// RootCmd is the main command for the 'ingest' binary.
var RootCmd = &cobra.Command{
	Use:   "ingest",
	Short: "`ingest`",
	Long:  "`ingest` streams content to storage and computes its digests",
	Run: func(cmd *cobra.Command, args []string) {
		if showVersion {
			version.PrintVersion()
			return
		}
		// nolint:errcheck
		cmd.Usage()
	},
}

// ServeCmd is a cobra command for running the ingest service.
var ServeCmd = &cobra.Command{
	Use:   "serve <config>",
	Short: "`serve` stores and distributes blobs",
	Long:  "`serve` stores and distributes blobs.",
	Run: func(cmd *cobra.Command, args []string) {
		// setup context
		ctx := dcontext.WithVersion(dcontext.Background(), version.Version())

		config, err := resolveConfiguration(args)
		if err != nil {
			fmt.Fprintf(os.Stderr, "configuration error: %v\n", err)
			// nolint:errcheck
			cmd.Usage()
			os.Exit(1)
		}

		registry, err := NewRegistry(ctx, config)
		if err != nil {
			dcontext.GetLogger(ctx).Fatal(err)
		}

		if err = registry.ListenAndServe(); err != nil {
			dcontext.GetLogger(ctx).Fatal(err)
		}
	},
}

// WriteCmd is the cobra command that corresponds to the write subcommand.
var WriteCmd = &cobra.Command{
	Use:   "write [INPUT...]",
	Short: "`write` copies inputs to an output and prints their digests",
	Long: "`write` copies the concatenation of its inputs, or stdin when none are " +
		"given, to the output while computing every requested digest. The " +
		"result is printed as json.",
	SilenceUsage: true,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := dcontext.Background()

		if err := runWrite(ctx, cmd.InOrStdin(), cmd.OutOrStdout(), writeOpts, args); err != nil {
			return fmt.Errorf("write failed: %w", err)
		}
		return nil
	},
}

// runWrite streams the inputs, or stdin when there are none, into the output
// and encodes the result to out.
func runWrite(ctx context.Context, stdin io.Reader, out io.Writer, opts writeOptions, inputs []string) (err error) {
	algs, err := digest.ParseAlgorithms(opts.algorithms...)
	if err != nil {
		return err
	}

	var readers []io.Reader
	if len(inputs) == 0 {
		readers = append(readers, stdin)
	}
	for _, input := range inputs {
		f, err := os.Open(input)
		if err != nil {
			return err
		}
		defer f.Close()
		readers = append(readers, f)
	}

	chunks := make([]ingest.ChunkSource, 0, len(readers))
	for _, r := range readers {
		decoded, err := contentcoding.NewReader(r, opts.encoding...)
		if err != nil {
			return err
		}
		defer decoded.Close()
		chunks = append(chunks, decoded)
	}

	sink := storage.NopFlushSink(io.Discard)
	var tmp *os.File
	if opts.output != "" {
		// The output is written next to its destination and renamed into
		// place once complete, so a failed write leaves any existing file.
		tmp, err = os.CreateTemp(filepath.Dir(opts.output), "."+filepath.Base(opts.output)+".*")
		if err != nil {
			return err
		}
		defer func() {
			tmp.Close()
			if err != nil {
				os.Remove(tmp.Name())
			}
		}()
		sink = storage.NewBufferedSink(tmp)
	}

	writer := storage.NewDigestWriter(algs, storage.WithSubChunkLimit(opts.subChunkLimit))
	result, err := writer.Write(ctx, sink, chunks...)
	if err != nil {
		return err
	}

	if tmp != nil {
		if err = tmp.Close(); err != nil {
			return err
		}
		if err = os.Rename(tmp.Name(), opts.output); err != nil {
			return err
		}
	}

	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	return enc.Encode(result)
}

func resolveConfiguration(args []string) (*configuration.Configuration, error) {
	var configurationPath string

	if len(args) > 0 {
		configurationPath = args[0]
	} else if os.Getenv("INGEST_CONFIGURATION_PATH") != "" {
		configurationPath = os.Getenv("INGEST_CONFIGURATION_PATH")
	}

	if configurationPath == "" {
		return nil, fmt.Errorf("configuration path unspecified")
	}

	fp, err := os.Open(configurationPath)
	if err != nil {
		return nil, err
	}

	defer fp.Close()

	config, err := configuration.Parse(fp)
	if err != nil {
		return nil, fmt.Errorf("error parsing %s: %v", configurationPath, err)
	}

	return config, nil
}
