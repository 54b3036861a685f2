package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"strings"

	"github.com/joho/godotenv"

	"github.com/roamlabs/convoctx/internal/engine"
)

func main() {
	// Load .env file if it exists.
	_ = godotenv.Load()

	ctx := context.Background()

	fs := flag.NewFlagSet("convoctx", flag.ExitOnError)
	dataDir := fs.String("data", "", "Directory for conversation storage (default: user config dir)")
	userID := fs.String("user", "local", "User id for stored conversations")
	convID := fs.String("conversation", "default", "Conversation id to open")

	if err := fs.Parse(os.Args[1:]); err != nil {
		log.Fatalf("command failed: %v", err)
	}

	env, err := prepareRuntimeEnv(ctx, *dataDir, *userID)
	if err != nil {
		log.Fatalf("failed to prepare runtime environment: %v", err)
	}
	defer env.Close(ctx)

	if err := runChat(ctx, env, *userID, *convID); err != nil {
		log.Fatalf("command failed: %v", err)
	}
}

func runChat(ctx context.Context, env *runtimeEnv, userID, convID string) error {
	mgr, err := env.Registry.Manager(ctx, userID, convID)
	if err != nil {
		return fmt.Errorf("failed to open conversation: %w", err)
	}

	log.Printf("💬 Conversation %s/%s ready (model: %s)", userID, convID, env.Model)
	log.Println("Commands: /stats /branches /switch <id> /merge <id> <into> /optimize /title <text> /quit")

	s := bufio.NewScanner(os.Stdin)
	for {
		fmt.Print("you> ")
		if !s.Scan() {
			break
		}
		line := strings.TrimSpace(s.Text())
		if line == "" {
			continue
		}
		if strings.HasPrefix(line, "/") {
			if quit := runCommand(ctx, mgr, line); quit {
				break
			}
			continue
		}

		res, err := mgr.AddMessage(ctx, engine.NewMessage(engine.RoleUser, line))
		if err != nil {
			if engine.IsInputError(err) {
				log.Printf("⚠️  %v", err)
				continue
			}
			log.Printf("error: %v", err)
			continue
		}

		if res.Summarized > 0 || res.Truncated > 0 {
			log.Printf("Window settled: %d summarized, %d truncated", res.Summarized, res.Truncated)
		}
		if res.Overflow {
			log.Println("⚠️  Context cannot be reduced further; consider starting a new conversation")
		}
		if res.BranchedTo != "" {
			log.Printf("🌿 Topic shift detected (confidence %.2f); forked to branch %s",
				res.Shift.Confidence, res.BranchedTo)
		} else if res.Shift.Shifted {
			log.Printf("Possible topic shift (confidence %.2f)", res.Shift.Confidence)
		}
		if res.PersistDegraded {
			log.Println("⚠️  Saved to backup storage only")
		}

		if mgr.Title() == "" {
			if title, err := mgr.GenerateTitle(ctx); err == nil && title != "" {
				log.Printf("Conversation titled: %s", title)
			}
		}

		printWindow(mgr)
	}
	return nil
}

// runCommand handles slash commands; returns true on /quit.
func runCommand(ctx context.Context, mgr *engine.Manager, line string) bool {
	fields := strings.Fields(line)
	switch fields[0] {
	case "/quit", "/exit":
		return true

	case "/stats":
		st := mgr.GetContextStats()
		fmt.Printf("messages: %d  summaries: %d  tokens: %d  efficiency: %.0f%%\n",
			st.MessageCount, st.SummaryCount, st.TokenCount, st.TokenEfficiency*100)

	case "/branches":
		for _, b := range mgr.Branches() {
			marker := " "
			if b.Active {
				marker = "*"
			}
			topic := b.Topic
			if topic == "" {
				topic = "(root)"
			}
			fmt.Printf("%s %s  %s  %d entries\n", marker, b.ID, topic, len(b.Entries))
		}

	case "/switch":
		if len(fields) < 2 {
			fmt.Println("usage: /switch <branch-id>")
			return false
		}
		if err := mgr.SwitchBranch(ctx, fields[1]); err != nil {
			log.Printf("error: %v", err)
		}

	case "/merge":
		if len(fields) < 3 {
			fmt.Println("usage: /merge <branch-id> <into-id>")
			return false
		}
		if err := mgr.MergeBranch(ctx, fields[1], fields[2]); err != nil {
			if engine.IsMergeConflict(err) {
				log.Printf("⚠️  %v", err)
			} else {
				log.Printf("error: %v", err)
			}
		}

	case "/optimize":
		res, err := mgr.ForceOptimization(ctx)
		if err != nil {
			log.Printf("error: %v", err)
			return false
		}
		fmt.Printf("settled: %v  summarized: %d  truncated: %d\n", res.Settled, res.Summarized, res.Truncated)

	case "/title":
		if len(fields) < 2 {
			fmt.Println("usage: /title <text>")
			return false
		}
		mgr.SetTitle(strings.Join(fields[1:], " "))

	default:
		fmt.Printf("unknown command: %s\n", fields[0])
	}
	return false
}

func printWindow(mgr *engine.Manager) {
	entries := mgr.ContextForCompletion()
	if len(entries) == 0 {
		return
	}
	last := entries[len(entries)-1]
	fmt.Printf("[window: %d entries, last %s]\n", len(entries), last.Kind)
}
