package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"github.com/deskhand/deskhand/config"
	"github.com/deskhand/deskhand/internal/index"
	"github.com/deskhand/deskhand/internal/ingest"
	"github.com/deskhand/deskhand/internal/kb"
	"github.com/deskhand/deskhand/provider"
)

// ingestCMD loads knowledge base articles from a directory of markdown files.
// The file name (without extension) becomes the document ID; a file inside a
// subdirectory inherits that subdirectory as its category unless --category
// overrides it.
func ingestCMD() *cobra.Command {
	var cfgPath string
	var dir string
	var category string

	var cmd = &cobra.Command{
		Use:   "ingest",
		Short: "Ingest knowledge base documents from a directory",
		RunE: func(cmd *cobra.Command, args []string) error {
			if dir == "" {
				return fmt.Errorf("--dir is required")
			}
			cfg, err := config.LoadConfig(cfgPath)
			if err != nil {
				return err
			}
			dsn, err := cfg.Storage.Postgres.DSN()
			if err != nil {
				return err
			}
			ctx := context.Background()
			idx, err := index.NewPostgres(ctx, dsn)
			if err != nil {
				return fmt.Errorf("index: %w", err)
			}
			defer idx.DB.Close()
			prov, err := provider.NewProvider(cfg.Provider)
			if err != nil {
				return fmt.Errorf("provider: %w", err)
			}
			ing, err := ingest.NewIngestor(prov, idx, cfg.Chunking, cfg.Retrieval, nil)
			if err != nil {
				return err
			}

			total := 0
			err = filepath.WalkDir(dir, func(path string, d os.DirEntry, err error) error {
				if err != nil {
					return err
				}
				if d.IsDir() || !strings.HasSuffix(path, ".md") {
					return nil
				}
				raw, err := os.ReadFile(path)
				if err != nil {
					return err
				}
				rel, err := filepath.Rel(dir, path)
				if err != nil {
					return err
				}
				doc := kb.Document{
					ID:       strings.TrimSuffix(filepath.Base(path), ".md"),
					Title:    strings.TrimSuffix(filepath.Base(path), ".md"),
					Category: category,
					Text:     string(raw),
				}
				if doc.Category == "" {
					if parent := filepath.Dir(rel); parent != "." {
						doc.Category = strings.ToLower(filepath.Base(parent))
					}
				}
				n, err := ing.IngestDocument(ctx, doc)
				if err != nil {
					return fmt.Errorf("ingest %s: %w", path, err)
				}
				total += n
				return nil
			})
			if err != nil {
				return err
			}
			fmt.Printf("ingested %d chunks from %s\n", total, dir)
			return nil
		},
	}
	cmd.Flags().StringVar(&dir, "dir", "", "directory of markdown documents")
	cmd.Flags().StringVar(&category, "category", "", "category applied to every document")
	cmd.PersistentFlags().StringVarP(&cfgPath, "config", "c", "", "config file (default is .)")

	return cmd
}
