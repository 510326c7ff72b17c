package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/statusdesk/draftsync/internal/draftengine"
)

const usage = `usage: draftctl [flags] <command> [key]

commands:
  list        print every draft in the workspace
  get <key>   print one draft, payload included
  rm <key>    delete one draft

The key argument can be omitted for get and rm when -document,
-related and -variant identify the draft instead.`

func main() {
	baseURL := flag.String("base-url", envOrDefault("DRAFTSYNC_BASE_URL", "http://127.0.0.1:8080"), "draftsyncd base URL")
	token := flag.String("token", strings.TrimSpace(os.Getenv("DRAFTSYNC_TOKEN")), "bearer token")
	workspaceID := flag.String("workspace", strings.TrimSpace(os.Getenv("DRAFTSYNC_WORKSPACE")), "workspace ID")
	documentID := flag.String("document", "", "document ID used to derive the draft key")
	relatedID := flag.String("related", "", "related entity ID used to derive the draft key")
	variant := flag.String("variant", "", "document variant used to derive the draft key")
	timeout := flag.Duration("timeout", 15*time.Second, "per-request timeout")
	flag.Parse()

	if strings.TrimSpace(*token) == "" {
		log.Fatalf("token is required (--token or DRAFTSYNC_TOKEN)")
	}
	if strings.TrimSpace(*workspaceID) == "" {
		log.Fatalf("workspace is required (--workspace or DRAFTSYNC_WORKSPACE)")
	}

	args := flag.Args()
	if len(args) == 0 {
		fmt.Fprintln(os.Stderr, usage)
		os.Exit(2)
	}
	command := args[0]

	client := draftengine.NewClient(*baseURL, *token, *workspaceID, &http.Client{Timeout: *timeout})
	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	switch command {
	case "list":
		runList(ctx, client)
	case "get":
		runGet(ctx, client, resolveKey(args, *documentID, *relatedID, *variant))
	case "rm":
		runRemove(ctx, client, resolveKey(args, *documentID, *relatedID, *variant))
	default:
		fmt.Fprintln(os.Stderr, usage)
		os.Exit(2)
	}
}

// resolveKey takes an explicit key argument when present, and otherwise
// derives one from the identity flags.
func resolveKey(args []string, documentID, relatedID, variant string) draftengine.DraftKey {
	if len(args) > 1 && strings.TrimSpace(args[1]) != "" {
		return draftengine.DraftKey(strings.TrimSpace(args[1]))
	}
	if documentID == "" && relatedID == "" && variant == "" {
		fmt.Fprintln(os.Stderr, usage)
		os.Exit(2)
	}
	return draftengine.DeriveKey(documentID, relatedID, variant)
}

func runList(ctx context.Context, client *draftengine.Client) {
	records, err := client.List(ctx)
	if err != nil {
		log.Fatalf("list failed: %v", err)
	}
	if len(records) == 0 {
		fmt.Println("no drafts")
		return
	}
	for _, rec := range records {
		fmt.Printf("%s\t%s\n", rec.UpdatedAt.Format(time.RFC3339), rec.DraftKey)
	}
}

func runGet(ctx context.Context, client *draftengine.Client, key draftengine.DraftKey) {
	rec, err := client.Fetch(ctx, key)
	if err != nil {
		log.Fatalf("get failed: %v", err)
	}
	if rec == nil {
		log.Fatalf("no draft for key %s", key)
	}
	out, err := json.MarshalIndent(rec, "", "  ")
	if err != nil {
		log.Fatalf("encode failed: %v", err)
	}
	fmt.Println(string(out))
}

func runRemove(ctx context.Context, client *draftengine.Client, key draftengine.DraftKey) {
	if err := client.Delete(ctx, key); err != nil {
		log.Fatalf("rm failed: %v", err)
	}
	fmt.Printf("deleted %s\n", key)
}

func envOrDefault(name, fallback string) string {
	value := strings.TrimSpace(os.Getenv(name))
	if value == "" {
		return fallback
	}
	return value
}
