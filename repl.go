package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"os"
	"strings"

	"github.com/fatih/color"
	"go.uber.org/zap"

	"github.com/fabfab/docbase-rag/config"
	"github.com/fabfab/docbase-rag/rag"
)

var (
	promptColor = color.New(color.FgCyan, color.Bold)
	answerColor = color.New(color.FgGreen)
	noticeColor = color.New(color.FgYellow)
	errorColor  = color.New(color.FgRed)
)

func chatCmd(cfg config.Config, logger *zap.Logger, args []string) error {
	flags := flag.NewFlagSet("chat", flag.ExitOnError)
	base := flags.String("base", "", "document base to talk to (defaults to the default base)")
	if err := flags.Parse(args); err != nil {
		return fmt.Errorf("parse chat flags: %w", err)
	}

	return withApp(cfg, logger, func(ctx context.Context, a *app) error {
		orch, err := a.session(ctx, *base)
		if err != nil {
			return err
		}
		defer orch.Close()

		noticeColor.Printf("Talking to %q. Commands: /clear, /switch <base>, /bases, /quit\n", orch.CurrentBase())

		scanner := bufio.NewScanner(os.Stdin)
		for {
			promptColor.Printf("[%s] > ", orch.CurrentBase())
			if !scanner.Scan() {
				fmt.Println()
				return scanner.Err()
			}
			line := strings.TrimSpace(scanner.Text())
			if line == "" {
				continue
			}

			if strings.HasPrefix(line, "/") {
				if quit := replCommand(ctx, orch, line); quit {
					return nil
				}
				continue
			}

			stream := orch.AskStream(ctx, line)
			for {
				fragment, ok := stream.Next()
				if !ok {
					break
				}
				answerColor.Print(fragment)
			}
			fmt.Println()
			<-stream.Done()
			if err := stream.Err(); err != nil {
				logger.Debug("answer failed", zap.Error(err))
			}
			stream.Close()

			if ctx.Err() != nil {
				return nil
			}
		}
	})
}

// replCommand handles a slash command and reports whether the session should
// end.
func replCommand(ctx context.Context, orch *rag.Orchestrator, line string) bool {
	fields := strings.Fields(line)
	switch fields[0] {
	case "/quit", "/exit":
		return true
	case "/clear":
		orch.ClearHistory()
		noticeColor.Println("Conversation cleared.")
	case "/switch":
		if len(fields) < 2 {
			errorColor.Println("usage: /switch <base>")
			return false
		}
		name := strings.Join(fields[1:], " ")
		if err := orch.SwitchBase(ctx, name); err != nil {
			errorColor.Printf("switch failed: %v\n", err)
			return false
		}
		noticeColor.Printf("Switched to %q (%s).\n", name, orch.Stage())
	case "/bases":
		bases, err := orch.ListBases()
		if err != nil {
			errorColor.Printf("list failed: %v\n", err)
			return false
		}
		for _, base := range bases {
			marker := " "
			if base.Name == orch.CurrentBase() {
				marker = "*"
			}
			fmt.Printf("%s %s (%d documents, %d chunks)\n", marker, base.Name, base.NumDocuments, base.NumChunks)
		}
	default:
		errorColor.Printf("unknown command %s\n", fields[0])
	}
	return false
}
