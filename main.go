package main

import (
	"bufio"
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"go.uber.org/zap"

	"github.com/fabfab/docbase-rag/api"
	"github.com/fabfab/docbase-rag/config"
	"github.com/fabfab/docbase-rag/ingestion"
	"github.com/fabfab/docbase-rag/logging"
	"github.com/fabfab/docbase-rag/rag"
	"github.com/fabfab/docbase-rag/watcher"
)

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		os.Exit(1)
	}

	logger := logging.New(cfg.Log)
	defer func() { _ = logger.Sync() }()

	commands := map[string]func(config.Config, *zap.Logger, []string) error{
		"bases":  basesCmd,
		"ingest": ingestCmd,
		"ask":    askCmd,
		"chat":   chatCmd,
		"clear":  clearCmd,
		"serve":  serveCmd,
		"watch":  watchCmd,
	}

	cmd, ok := commands[os.Args[1]]
	if !ok {
		logger.Error("unknown command", zap.String("command", os.Args[1]))
		printUsage()
		os.Exit(1)
	}
	if err := cmd(cfg, logger, os.Args[2:]); err != nil {
		logger.Fatal(os.Args[1]+" failed", zap.Error(err))
	}
}

func withApp(cfg config.Config, logger *zap.Logger, fn func(ctx context.Context, a *app) error) error {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	a, err := newApp(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer a.close(context.Background())

	return fn(ctx, a)
}

func basesCmd(cfg config.Config, logger *zap.Logger, args []string) error {
	if len(args) == 0 {
		return errors.New("usage: bases list|create|delete|rename")
	}

	flags := flag.NewFlagSet("bases "+args[0], flag.ExitOnError)
	name := flags.String("name", "", "document base name")
	description := flags.String("description", "", "description for a new base")
	newName := flags.String("to", "", "new name when renaming")
	if err := flags.Parse(args[1:]); err != nil {
		return fmt.Errorf("parse bases flags: %w", err)
	}

	return withApp(cfg, logger, func(ctx context.Context, a *app) error {
		orch, err := a.newOrchestrator()
		if err != nil {
			return err
		}
		defer orch.Close()

		switch args[0] {
		case "list":
			bases, err := orch.ListBases()
			if err != nil {
				return err
			}
			if len(bases) == 0 {
				fmt.Println("No document bases.")
				return nil
			}
			w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "NAME\tDOCUMENTS\tCHUNKS\tUPDATED\tDESCRIPTION")
			for _, base := range bases {
				fmt.Fprintf(w, "%s\t%d\t%d\t%s\t%s\n", base.Name, base.NumDocuments, base.NumChunks,
					base.UpdatedAt.Format(time.DateTime), base.Description)
			}
			return w.Flush()
		case "create":
			location, err := orch.CreateBase(ctx, *name, *description)
			if err != nil {
				return err
			}
			logger.Info("created document base", zap.String("name", *name), zap.String("location", location))
		case "delete":
			if err := orch.DeleteBase(ctx, *name); err != nil {
				return err
			}
			logger.Info("deleted document base", zap.String("name", *name))
		case "rename":
			if err := orch.RenameBase(ctx, *name, *newName); err != nil {
				return err
			}
			logger.Info("renamed document base", zap.String("from", *name), zap.String("to", *newName))
		default:
			return fmt.Errorf("unknown bases subcommand: %s", args[0])
		}
		return nil
	})
}

func ingestCmd(cfg config.Config, logger *zap.Logger, args []string) error {
	flags := flag.NewFlagSet("ingest", flag.ExitOnError)
	base := flags.String("base", "", "target document base (created when missing)")
	dir := flags.String("dir", "", "directory to ingest recursively")
	files := flags.String("files", "", "comma separated list of files to ingest")
	if err := flags.Parse(args); err != nil {
		return fmt.Errorf("parse ingest flags: %w", err)
	}

	req := rag.LoadRequest{Directory: *dir, Base: *base}
	for _, file := range strings.Split(*files, ",") {
		if file = strings.TrimSpace(file); file != "" {
			req.Files = append(req.Files, file)
		}
	}

	return withApp(cfg, logger, func(ctx context.Context, a *app) error {
		orch, err := a.session(ctx, "")
		if err != nil {
			return err
		}
		defer orch.Close()

		logger.Info("ingesting documents",
			zap.String("embeddings", strings.ToUpper(cfg.Embeddings.Provider)+"/"+cfg.Embeddings.Model),
			zap.String("backend", cfg.VectorBackend))

		result, err := orch.LoadDocuments(ctx, req)
		if err != nil {
			return err
		}
		printLoadResult(result)
		return nil
	})
}

func printLoadResult(result rag.LoadResult) {
	fmt.Printf("Loaded %d chunks from %d documents into %q.\n", result.Chunks, result.Documents, result.Base)
	for _, failure := range result.Failures {
		fmt.Printf("  skipped %s: %v\n", failure.Path, failure.Err)
	}
}

func askCmd(cfg config.Config, logger *zap.Logger, args []string) error {
	flags := flag.NewFlagSet("ask", flag.ExitOnError)
	base := flags.String("base", "", "document base to query (defaults to the default base)")
	question := flags.String("question", "", "question to ask")
	topK := flags.Int("top-k", cfg.TopK, "number of context chunks to retrieve")
	stream := flags.Bool("stream", false, "print the answer as it is generated")
	if err := flags.Parse(args); err != nil {
		return fmt.Errorf("parse ask flags: %w", err)
	}

	if strings.TrimSpace(*question) == "" {
		fmt.Print("Enter your question: ")
		scanner := bufio.NewScanner(os.Stdin)
		if scanner.Scan() {
			*question = scanner.Text()
		}
		if err := scanner.Err(); err != nil {
			return fmt.Errorf("read question: %w", err)
		}
	}

	return withApp(cfg, logger, func(ctx context.Context, a *app) error {
		orch, err := a.session(ctx, *base)
		if err != nil {
			return err
		}
		defer orch.Close()

		if *stream {
			s := orch.AskStream(ctx, *question, rag.WithTopK(*topK))
			defer s.Close()
			for {
				fragment, ok := s.Next()
				if !ok {
					break
				}
				fmt.Print(fragment)
			}
			fmt.Println()
			<-s.Done()
			return s.Err()
		}

		answer := orch.Ask(ctx, *question, rag.WithTopK(*topK))
		fmt.Println(answer.Text)
		if len(answer.Sources) > 0 {
			fmt.Println()
			fmt.Println("Sources:")
			for idx, source := range answer.Sources {
				fmt.Printf("%d. %s\n", idx+1, source)
			}
		}
		return answer.Err
	})
}

func clearCmd(cfg config.Config, logger *zap.Logger, args []string) error {
	flags := flag.NewFlagSet("clear", flag.ExitOnError)
	base := flags.String("base", "", "document base to empty (defaults to the default base)")
	confirmed := flags.Bool("confirm", false, "skip confirmation prompt")
	if err := flags.Parse(args); err != nil {
		return fmt.Errorf("parse clear flags: %w", err)
	}

	target := *base
	if target == "" {
		target = cfg.DefaultBase
	}

	if !*confirmed {
		fmt.Printf("This will permanently delete every indexed chunk of %q. Continue? [y/N]: ", target)
		scanner := bufio.NewScanner(os.Stdin)
		if !scanner.Scan() {
			if err := scanner.Err(); err != nil {
				return fmt.Errorf("read confirmation: %w", err)
			}
			logger.Info("clear aborted")
			return nil
		}
		answer := strings.ToLower(strings.TrimSpace(scanner.Text()))
		if answer != "y" && answer != "yes" {
			logger.Info("clear aborted")
			return nil
		}
	}

	return withApp(cfg, logger, func(ctx context.Context, a *app) error {
		orch, err := a.session(ctx, target)
		if err != nil {
			return err
		}
		defer orch.Close()

		if err := orch.ClearDocuments(ctx); err != nil {
			return err
		}
		logger.Info("document base cleared", zap.String("base", target))
		return nil
	})
}

func serveCmd(cfg config.Config, logger *zap.Logger, args []string) error {
	flags := flag.NewFlagSet("serve", flag.ExitOnError)
	addr := flags.String("addr", cfg.HTTPAddr, "listen address")
	ttl := flags.Duration("session-ttl", cfg.SessionTTL, "idle time after which a session is discarded")
	if err := flags.Parse(args); err != nil {
		return fmt.Errorf("parse serve flags: %w", err)
	}

	return withApp(cfg, logger, func(ctx context.Context, a *app) error {
		bases, err := a.newOrchestrator()
		if err != nil {
			return err
		}
		defer bases.Close()

		srv, err := api.New(api.Options{
			NewSession: a.newOrchestrator,
			Bases:      bases,
			SessionTTL: *ttl,
			Logger:     logger,
		})
		if err != nil {
			return err
		}
		defer srv.Close()

		httpServer := &http.Server{
			Addr:              *addr,
			Handler:           srv.Handler(),
			ReadHeaderTimeout: 10 * time.Second,
		}

		errCh := make(chan error, 1)
		go func() {
			logger.Info("http server listening", zap.String("addr", *addr))
			errCh <- httpServer.ListenAndServe()
		}()

		select {
		case err := <-errCh:
			if errors.Is(err, http.ErrServerClosed) {
				return nil
			}
			return err
		case <-ctx.Done():
		}

		logger.Info("shutting down http server")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	})
}

func watchCmd(cfg config.Config, logger *zap.Logger, args []string) error {
	flags := flag.NewFlagSet("watch", flag.ExitOnError)
	base := flags.String("base", "", "document base receiving new files (created when missing)")
	dir := flags.String("dir", "", "directory to watch recursively")
	debounce := flags.Duration("debounce", watcher.DefaultDebounce, "quiet period before a batch is ingested")
	if err := flags.Parse(args); err != nil {
		return fmt.Errorf("parse watch flags: %w", err)
	}
	if *dir == "" {
		return errors.New("--dir is required")
	}

	return withApp(cfg, logger, func(ctx context.Context, a *app) error {
		orch, err := a.session(ctx, "")
		if err != nil {
			return err
		}
		defer orch.Close()

		w := watcher.New(ingestion.Extensions(), *debounce, logger)
		logger.Info("watching for documents", zap.String("dir", *dir), zap.String("base", *base))

		err = w.Run(ctx, *dir, func(ctx context.Context, paths []string) {
			result, err := orch.LoadDocuments(ctx, rag.LoadRequest{Files: paths, Base: *base})
			if err != nil {
				logger.Error("ingest batch failed", zap.Int("files", len(paths)), zap.Error(err))
				return
			}
			printLoadResult(result)
		})
		if errors.Is(err, context.Canceled) {
			return nil
		}
		return err
	})
}

func printUsage() {
	fmt.Println("Usage: docbase-rag <command> [options]")
	fmt.Println("Commands:")
	fmt.Println("  bases    Manage document bases (list | create --name --description | delete --name | rename --name --to)")
	fmt.Println("  ingest   Chunk and index documents (--base, --dir, --files a.pdf,b.docx)")
	fmt.Println("  ask      Ask a single question (--base, --question, --top-k, --stream)")
	fmt.Println("  chat     Start an interactive conversation (--base)")
	fmt.Println("  clear    Remove every indexed chunk of a base (--base, --confirm)")
	fmt.Println("  serve    Run the HTTP API (--addr, --session-ttl)")
	fmt.Println("  watch    Ingest files as they appear in a directory (--base, --dir)")
}
