// Command hybridpdf-index drives a one-shot batch indexing run over a
// directory of PDFs: extraction, filtering, chunking, embedding and
// dual-index insertion, checkpointed against the catalogue so a crashed run
// can be resumed by simply running the command again.
package main

import (
	"fmt"
	"log"
	"os"
	"path/filepath"

	"hybridpdf/internal/catalogue"
	"hybridpdf/internal/config"
	"hybridpdf/internal/driver"
	"hybridpdf/internal/embedding"
	"hybridpdf/internal/errlog"
	"hybridpdf/internal/extractor"
	"hybridpdf/internal/lexical"
	"hybridpdf/internal/vectorindex"
)

func main() {
	if err := errlog.Init(); err != nil {
		log.Printf("error log unavailable: %v", err)
	}
	defer errlog.Close()

	if len(os.Args) < 2 {
		fmt.Println("usage: hybridpdf-index <directory> [...]")
		os.Exit(2)
	}
	dirs := os.Args[1:]

	cfg, err := loadConfig()
	if err != nil {
		fatalf("config: %v", err)
	}

	paths := storePaths(cfg.Index.DataDir)
	if err := os.MkdirAll(paths.embeddingsDir, 0o755); err != nil {
		fatalf("create embeddings directory: %v", err)
	}

	cat, err := catalogue.Open(paths.metadataDB)
	if err != nil {
		fatalf("open catalogue: %v", err)
	}
	defer cat.Close()

	lex, err := lexical.Open(paths.bm25DB)
	if err != nil {
		fatalf("open lexical index: %v", err)
	}
	defer lex.Close()

	emb := embedding.NewAPIEmbedder(cfg.Embedding.Endpoint, cfg.Embedding.APIKey, cfg.Embedding.ModelName)
	ext := extractor.NewWithChunking(cfg.Index.ChunkSize, cfg.Index.ChunkOverlap)

	vec, err := loadOrCreateVectorIndex(paths, emb)
	if err != nil {
		fatalf("load vector index: %v", err)
	}
	vec.SetNProbe(cfg.Index.NProbe)

	drvCfg := driver.Config{
		BatchSize:         cfg.Index.BatchSize,
		TrainingThreshold: cfg.Index.TrainingThreshold,
		OverflowPath:      paths.overflow,
		MaxRetries:        cfg.Index.MaxRetries,
		RetryBackoff:      cfg.Index.RetryBackoff(),
	}
	drv, err := driver.New(cat, vec, lex, ext, emb, drvCfg)
	if err != nil {
		fatalf("create driver: %v", err)
	}
	defer drv.Close()

	if n, err := drv.Recover(); err != nil {
		fatalf("recover pending files: %v", err)
	} else if n > 0 {
		log.Printf("recovered %d file(s) left pending by a prior crash", n)
	}

	allOK := true
	for _, dir := range dirs {
		results, err := drv.IndexDirectory(dir)
		if err != nil {
			fatalf("index %s: %v", dir, err)
		}
		for _, r := range results {
			switch {
			case r.Skipped:
				fmt.Printf("skipped  %s (unchanged)\n", r.SourcePath)
			case r.Failed:
				allOK = false
				errlog.Logf("index %s: %v", r.SourcePath, r.Err)
				fmt.Printf("failed   %s: %v\n", r.SourcePath, r.Err)
			default:
				fmt.Printf("indexed  %s (%d passages)\n", r.SourcePath, r.Chunks)
			}
		}
	}

	if err := vec.Save(paths.faissIndex, paths.indexState); err != nil {
		fatalf("save vector index: %v", err)
	}

	if !allOK {
		os.Exit(1)
	}
}

// fatalf records the failure to the dedicated error log before exiting, so
// a crash still leaves a trail even when standard output isn't captured.
func fatalf(format string, args ...interface{}) {
	errlog.Logf(format, args...)
	log.Fatalf(format, args...)
}

func loadConfig() (*config.Config, error) {
	configPath := "./data/config.json"
	cm, err := config.NewConfigManager(configPath)
	if err != nil {
		return nil, err
	}
	if err := cm.Load(); err != nil {
		return nil, err
	}
	return cm.Get(), nil
}

type paths struct {
	embeddingsDir string
	faissIndex    string
	indexState    string
	metadataDB    string
	bm25DB        string
	overflow      string
}

func storePaths(dataDir string) paths {
	dir := filepath.Join(dataDir, "embeddings")
	return paths{
		embeddingsDir: dir,
		faissIndex:    filepath.Join(dir, "faiss.index"),
		indexState:    filepath.Join(dir, "index_state.json"),
		metadataDB:    filepath.Join(dir, "metadata.db"),
		bm25DB:        filepath.Join(dir, "bm25.db"),
		overflow:      filepath.Join(dir, "overflow.bin"),
	}
}

// loadOrCreateVectorIndex loads the persisted index if one exists, or probes
// the embedder with a throwaway call to learn the embedding dimension for a
// fresh index. A new index has no other way to learn that dimension ahead
// of the first real embedding call.
func loadOrCreateVectorIndex(p paths, emb *embedding.APIEmbedder) (*vectorindex.Index, error) {
	if _, err := os.Stat(p.faissIndex); err == nil {
		return vectorindex.Load(p.faissIndex, p.indexState)
	}
	v, err := emb.Embed("次元数を確認するためのプローブ文です")
	if err != nil {
		return nil, fmt.Errorf("probe embedding endpoint: %w", err)
	}
	return vectorindex.New(len(v)), nil
}
