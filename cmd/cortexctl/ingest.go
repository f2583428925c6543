package main

import (
	"encoding/json"
	"fmt"
	"sort"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/cortexd/internal/config"
	"github.com/fyrsmithlabs/cortexd/internal/dlp"
	"github.com/fyrsmithlabs/cortexd/internal/embeddings"
	"github.com/fyrsmithlabs/cortexd/internal/ingest"
	"github.com/fyrsmithlabs/cortexd/internal/logging"
	"github.com/fyrsmithlabs/cortexd/internal/vectorstore"
)

type ingestFlags struct {
	tenant      string
	include     []string
	exclude     []string
	noIgnore    bool
	maxFileSize int64
	chunkSize   int
	overlap     int
	batchSize   int
	concurrency int
	asJSON      bool
	verbose     bool
}

func newIngestCmd(opts *options) *cobra.Command {
	f := &ingestFlags{}
	cmd := &cobra.Command{
		Use:   "ingest <dir>",
		Short: "Index a directory of documents for one tenant",
		Long: `Walk a directory, split each selected file into overlapping chunks,
classify every chunk for PII sensitivity, embed it and upsert it into the
configured vector index under --tenant.

Chunk IDs are derived from the tenant, the file path and the chunk position.
Each selected file's previous chunks are deleted before the new ones are
written, so ingesting the same directory again replaces its chunks.

.cortexignore and .gitignore in the directory root are honoured unless
--no-ignore is set.

Examples:
  # Ingest a policy folder for one tenant
  cortexctl ingest --tenant CLI-81093 ./policies

  # Only markdown, skipping drafts
  cortexctl ingest --tenant CLI-81093 --include '**/*.md' --exclude 'drafts/**' ./docs`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runIngest(cmd, opts, f, args[0])
		},
	}
	cmd.Flags().StringVar(&f.tenant, "tenant", "", "tenant the chunks belong to (required)")
	cmd.Flags().StringSliceVar(&f.include, "include", nil, "doublestar include glob (repeatable)")
	cmd.Flags().StringSliceVar(&f.exclude, "exclude", nil, "doublestar exclude glob (repeatable)")
	cmd.Flags().BoolVar(&f.noIgnore, "no-ignore", false, "do not read ignore files")
	cmd.Flags().Int64Var(&f.maxFileSize, "max-file-size", 0, "skip files larger than this many bytes (default 1MB)")
	cmd.Flags().IntVar(&f.chunkSize, "chunk-size", 0, "chunk size in characters (default 400)")
	cmd.Flags().IntVar(&f.overlap, "chunk-overlap", 0, "chunk overlap in characters (default 40)")
	cmd.Flags().IntVar(&f.batchSize, "batch-size", 0, "chunks per embedding call")
	cmd.Flags().IntVar(&f.concurrency, "concurrency", 0, "embedding batches in flight")
	cmd.Flags().BoolVar(&f.asJSON, "json", false, "print the result as JSON")
	cmd.Flags().BoolVarP(&f.verbose, "verbose", "v", false, "log progress to stderr")
	_ = cmd.MarkFlagRequired("tenant")
	return cmd
}

func runIngest(cmd *cobra.Command, opts *options, f *ingestFlags, dir string) error {
	ctx := cmd.Context()
	cfg, err := config.Load(opts.configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	logger := logging.Nop()
	if f.verbose {
		logCfg := logging.NewDefaultConfig()
		logCfg.Format = "console"
		if logger, err = logging.NewLogger(logCfg, nil); err != nil {
			return fmt.Errorf("creating logger: %w", err)
		}
		defer func() { _ = logger.Sync() }()
	}

	redactor, err := dlp.FromSettings(cfg.DLP)
	if err != nil {
		return fmt.Errorf("creating classifier: %w", err)
	}
	embedder, err := embeddings.NewProvider(cfg.Embeddings, logger)
	if err != nil {
		return fmt.Errorf("creating embedding provider: %w", err)
	}
	defer embedder.Close()

	index, err := vectorstore.NewIndex(ctx, cfg, embedder.Dimension(), logger)
	if err != nil {
		return fmt.Errorf("opening vector index: %w", err)
	}
	defer func() {
		if err := index.Close(); err != nil {
			logger.Warn(ctx, "closing vector index", zap.Error(err))
		}
	}()

	retriever, err := vectorstore.NewRetriever(index, embedder, vectorstore.RetrieverConfigFromSettings(cfg.Retrieval), logger)
	if err != nil {
		return fmt.Errorf("creating retriever: %w", err)
	}

	ingestOpts := ingest.Options{
		TenantID:        f.tenant,
		IncludePatterns: f.include,
		ExcludePatterns: f.exclude,
		MaxFileSize:     f.maxFileSize,
		ChunkSize:       f.chunkSize,
		ChunkOverlap:    f.overlap,
		BatchSize:       f.batchSize,
		Concurrency:     f.concurrency,
	}
	if f.noIgnore {
		ingestOpts.IgnoreFiles = []string{}
	}

	res, err := ingest.NewService(retriever, embedder, redactor, logger).IngestDirectory(ctx, dir, ingestOpts)
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	if f.asJSON {
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		return enc.Encode(res)
	}
	fmt.Fprintf(out, "Indexed %d chunk(s) from %d file(s) for tenant %s (%d skipped)\n",
		res.ChunksIndexed, res.FilesIndexed, res.TenantID, res.FilesSkipped)
	levels := make([]string, 0, len(res.BySensitivity))
	for level := range res.BySensitivity {
		levels = append(levels, string(level))
	}
	sort.Strings(levels)
	for _, level := range levels {
		fmt.Fprintf(out, "  %-7s %d\n", level, res.BySensitivity[dlp.Sensitivity(level)])
	}
	return nil
}
