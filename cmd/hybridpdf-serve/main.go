// Command hybridpdf-serve loads the four persisted stores written by
// hybridpdf-index and serves the hybrid search API over HTTP, with graceful
// shutdown on SIGINT/SIGTERM.
package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"hybridpdf/internal/api"
	"hybridpdf/internal/catalogue"
	"hybridpdf/internal/config"
	"hybridpdf/internal/driver"
	"hybridpdf/internal/embedding"
	"hybridpdf/internal/errlog"
	"hybridpdf/internal/errs"
	"hybridpdf/internal/extractor"
	"hybridpdf/internal/lexical"
	"hybridpdf/internal/reranker"
	"hybridpdf/internal/search"
	"hybridpdf/internal/vectorindex"
)

func main() {
	if err := errlog.Init(); err != nil {
		log.Printf("error log unavailable: %v", err)
	}
	defer errlog.Close()

	cfg, err := loadConfig()
	if err != nil {
		fatalf("config: %v", err)
	}

	paths := storePaths(cfg.Index.DataDir)

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

	vec, err := vectorindex.Load(paths.faissIndex, paths.indexState)
	if err != nil {
		fatalf("load vector index: %v", err)
	}
	vec.SetNProbe(cfg.Index.NProbe)

	if err := checkCrossStoreConsistency(cat, vec); err != nil {
		fatalf("%v", err)
	}

	emb := embedding.NewAPIEmbedder(cfg.Embedding.Endpoint, cfg.Embedding.APIKey, cfg.Embedding.ModelName)

	var rrk reranker.Reranker
	if cfg.Reranker.Enabled {
		rrk = reranker.NewAPIReranker(cfg.Reranker.Endpoint, cfg.Reranker.APIKey, cfg.Reranker.ModelName)
	}

	searcher := search.New(cat, vec, lex, emb, rrk, searchConfig(cfg))

	// /upload indexes into the same data directory the server reads from;
	// indexing and serving share the overflow buffer, so the driver is
	// constructed here exactly as hybridpdf-index constructs its own.
	ext := extractor.NewWithChunking(cfg.Index.ChunkSize, cfg.Index.ChunkOverlap)
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

	srv := api.New(cat, vec, searcher, drv)

	addr := fmt.Sprintf(":%d", cfg.Server.Port)
	httpServer := &http.Server{
		Addr:         addr,
		Handler:      srv.Handler(),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
		sig := <-sigCh
		log.Printf("received signal %v, shutting down gracefully", sig)
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := httpServer.Shutdown(ctx); err != nil {
			errlog.Logf("graceful shutdown error: %v", err)
			log.Printf("graceful shutdown error: %v", err)
		}
	}()

	log.Printf("hybridpdf-serve listening on %s", addr)
	if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		fatalf("http server error: %v", err)
	}
	log.Println("server stopped")
}

// fatalf records the failure to the dedicated error log before exiting, so
// an operator checking only the error log still sees why the process died.
func fatalf(format string, args ...interface{}) {
	errlog.Logf(format, args...)
	log.Fatalf(format, args...)
}

// checkCrossStoreConsistency enforces that the vector index and catalogue
// agree on how many passages exist. All four persisted stores share one
// logical generation; a mismatch means they were taken from different runs
// (a partial Save, a restored backup out of sync with the live catalogue) and
// must never be served silently.
func checkCrossStoreConsistency(cat *catalogue.Catalogue, vec *vectorindex.Index) error {
	counts, err := cat.Counts()
	if err != nil {
		return fmt.Errorf("read catalogue counts: %w", err)
	}
	ntotal := int64(vec.TrainingState().NTotal)
	if ntotal != counts.Passages {
		return &errs.IndexCorruption{
			Path: "embeddings/",
			Err:  fmt.Errorf("vector index ntotal=%d does not match catalogue passage count=%d", ntotal, counts.Passages),
		}
	}
	return nil
}

func searchConfig(cfg *config.Config) search.Config {
	return search.Config{
		VectorDeadline: cfg.Search.VectorDeadline(),
		BM25Deadline:   cfg.Search.BM25Deadline(),
		RerankDeadline: cfg.Search.RerankDeadline(),
		KRRF:           cfg.Search.KRRF,
		VectorWeight:   cfg.Search.VectorWeight,
		BM25Weight:     cfg.Search.BM25Weight,
		NProbe:         cfg.Index.NProbe,
		RerankPoolMax:  cfg.Search.RerankPoolMax,
		MemCeilingMB:   cfg.Memory.SoftCeilingMB,
	}
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
	faissIndex string
	indexState string
	metadataDB string
	bm25DB     string
	overflow   string
}

func storePaths(dataDir string) paths {
	dir := filepath.Join(dataDir, "embeddings")
	return paths{
		faissIndex: filepath.Join(dir, "faiss.index"),
		indexState: filepath.Join(dir, "index_state.json"),
		metadataDB: filepath.Join(dir, "metadata.db"),
		bm25DB:     filepath.Join(dir, "bm25.db"),
		overflow:   filepath.Join(dir, "overflow.bin"),
	}
}
