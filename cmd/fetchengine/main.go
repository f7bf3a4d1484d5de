// Command fetchengine is the thin CLI binary: parse flags, build a
// queue/identity/processor set, attach them to an Engine, and run until
// graceful quit.
package main

import (
	"bufio"
	"context"
	"fmt"
	"os"

	"github.com/redis/go-redis/v9"
	"github.com/slicingmelon/go-rawurlparser"

	"github.com/slicingmelon/fetchengine/internal/config"
	"github.com/slicingmelon/fetchengine/internal/engine"
	"github.com/slicingmelon/fetchengine/internal/errorstats"
	"github.com/slicingmelon/fetchengine/internal/httpclient"
	"github.com/slicingmelon/fetchengine/internal/identity"
	"github.com/slicingmelon/fetchengine/internal/item"
	"github.com/slicingmelon/fetchengine/internal/logger"
	"github.com/slicingmelon/fetchengine/internal/queue"
)

func main() {
	if err := run(); err != nil {
		logger.Error().Msgf("%v", err)
		os.Exit(1)
	}
}

func run() error {
	opts, err := config.ParseFlags()
	if err != nil {
		return fmt.Errorf("parsing flags: %w", err)
	}

	if opts.Verbose {
		logger.DefaultLogger.EnableVerbose()
	}
	if opts.Debug {
		logger.DefaultLogger.EnableDebug()
	}

	rdb := redis.NewClient(&redis.Options{Addr: opts.RedisAddr})
	q := queue.NewRedisQueue(rdb, opts.QueueName)

	if opts.URLsFile != "" {
		if err := seedQueue(q, opts.URLsFile); err != nil {
			return fmt.Errorf("seeding queue: %w", err)
		}
	}

	clientOpts := httpclient.DefaultOptions()
	clientOpts.ProxyURL = opts.ProxyURL
	doer, err := httpclient.New(clientOpts)
	if err != nil {
		return fmt.Errorf("building HTTP client: %w", err)
	}

	e := engine.New()
	e.Configure(opts.EngineOptions())
	e.AttachQueue(q)
	e.SetHTTPClient(doer)
	e.SetUserAgent(identity.NewDefaultUserAgentProvider())
	e.SetErrorTracker(errorstats.New(32 * 1024 * 1024))
	if opts.ProxyURL != "" {
		e.SetProxy(identity.NewScoringProxyProvider([]string{opts.ProxyURL}, 128, 3))
	}

	logger.Info().Msgf("fetchengine starting: pool_size=%d queue=%s@%s", opts.PoolSize, opts.QueueName, opts.RedisAddr)
	return e.Run(context.Background(), nil)
}

// seedQueue reads one URL per line and pushes a GET item for each, using
// rawurlparser's lenient parser so malformed-but-usable URLs aren't rejected
// outright before ever reaching the engine.
func seedQueue(q queue.Queue, path string) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	var items []*item.Item
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := scanner.Text()
		if line == "" {
			continue
		}
		if _, err := rawurlparser.RawURLParse(line); err != nil {
			logger.Warning().Msgf("skipping unparsable URL %q: %v", line, err)
			continue
		}
		it, err := item.New("GET", line)
		if err != nil {
			logger.Warning().Msgf("skipping invalid item for %q: %v", line, err)
			continue
		}
		items = append(items, it)
	}
	if err := scanner.Err(); err != nil {
		return err
	}
	if len(items) == 0 {
		return nil
	}
	return q.Push(context.Background(), items...)
}
