// Command crawler is the entry point for running one crawl task against
// the framework in internal/. Flag/config-file parsing is intentionally
// out of scope here (spec.md §1 names the "command-line / configuration
// loading shell" as an external collaborator); this binary only reads
// the environment and a couple of positional arguments, wires a minimal
// link-following Capabilities record, and runs it to completion.
package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	"github.com/redis/go-redis/v9"
	"golang.org/x/net/html"

	"github.com/spider-crawler/spider/internal/config"
	"github.com/spider-crawler/spider/internal/supervisor"
	"github.com/spider-crawler/spider/internal/task"
)

func main() {
	if len(os.Args) < 3 {
		fmt.Println("usage: crawler <task_name> <base_url>")
		os.Exit(1)
	}
	taskName := os.Args[1]
	baseURL := os.Args[2]

	cfg := config.TaskConfig{
		TaskName:  taskName,
		BaseURL:   baseURL,
		ProxyPool: envOr("PROXY_POOL", "fake"),
		ThreadNum: envInt("THREAD_NUM", 10),
		QPS:       envInt("QPS", 0),
		Restart:   envOr("RESTART", "") == "true",
	}

	store := config.StoreConfigFromEnv()
	rdb := redis.NewClient(&redis.Options{Addr: store.Addr()})
	defer rdb.Close()

	sup, err := supervisor.New(cfg, linkFollowingCapabilities(), rdb)
	if err != nil {
		log.Fatalf("crawler: setup: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		fmt.Println("received interrupt, shutting down")
		cancel()
	}()

	if err := sup.Run(ctx); err != nil {
		log.Fatalf("crawler: run: %v", err)
	}
}

func envOr(name, fallback string) string {
	if v := os.Getenv(name); v != "" {
		return v
	}
	return fallback
}

func envInt(name string, fallback int) int {
	v, err := strconv.Atoi(os.Getenv(name))
	if err != nil {
		return fallback
	}
	return v
}

// linkFollowingCapabilities is the framework's minimal built-in example:
// crawl "/", follow every <a href> once, and log each visited path. Real
// tasks are expected to supply their own Capabilities.
func linkFollowingCapabilities() task.Capabilities {
	return task.Capabilities{
		Prepare: func(ctx *task.UserContext, rc *task.RuntimeContext, args map[string]string) ([]string, error) {
			return []string{"/"}, nil
		},
		Parse: func(rc *task.RuntimeContext, doc *html.Node, url string, push task.PushFunc, emit task.EmitFunc) error {
			var walk func(*html.Node)
			walk = func(n *html.Node) {
				if n.Type == html.ElementNode && n.Data == "a" {
					for _, attr := range n.Attr {
						if attr.Key == "href" {
							_ = push(attr.Val, 0, false)
						}
					}
				}
				for c := n.FirstChild; c != nil; c = c.NextSibling {
					walk(c)
				}
			}
			walk(doc)
			return emit(url)
		},
		CollectResults: func(ctx *task.UserContext, record any) error {
			fmt.Printf("visited %v\n", record)
			return nil
		},
	}
}
