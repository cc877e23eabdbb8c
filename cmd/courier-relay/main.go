// courier-relay runs the store-and-forward relay. Envelopes are queued in redis when --redis is given and in
// memory otherwise.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/meow-io/go-courier/clock"
	"github.com/meow-io/go-courier/config"
	"github.com/meow-io/go-courier/relay"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/pflag"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	var listen, tokenKey, redisAddr, redisPrefix, configPath string
	var debug bool

	flagSet := pflag.NewFlagSet("courier-relay", pflag.ContinueOnError)
	flagSet.StringVar(&listen, "listen", "localhost:8080", "address to serve on")
	flagSet.StringVar(&tokenKey, "token-key", os.Getenv("COURIER_TOKEN_KEY"), "HMAC key for device tokens")
	flagSet.StringVar(&redisAddr, "redis", "", "redis address for the envelope queue")
	flagSet.StringVar(&redisPrefix, "redis-prefix", "courier", "key prefix for the envelope queue")
	flagSet.StringVar(&configPath, "config", "", "YAML config file")
	flagSet.BoolVar(&debug, "debug", false, "debug logging")
	if err := flagSet.Parse(os.Args[1:]); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return nil
		}
		return err
	}
	if len(tokenKey) < 32 {
		return fmt.Errorf("token key must be at least 32 bytes")
	}

	opts := []config.Option{config.WithLoggingPrefix("courier-relay")}
	if configPath != "" {
		opts = append(opts, config.WithFile(configPath))
	}
	if flagSet.Changed("debug") {
		opts = append(opts, config.WithDebug(debug))
	}
	c := config.NewConfig(opts...)
	if err := c.Err(); err != nil {
		return err
	}
	log := c.Logger("main")

	var queue relay.Queue
	if redisAddr != "" {
		rdb := redis.NewClient(&redis.Options{Addr: redisAddr})
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		err := rdb.Ping(ctx).Err()
		cancel()
		if err != nil {
			return fmt.Errorf("error connecting to redis at %s: %w", redisAddr, err)
		}
		defer rdb.Close()
		queue = relay.NewRedisQueue(rdb, redisPrefix)
	} else {
		queue = relay.NewMemoryQueue()
	}

	s := relay.NewServer(c, []byte(tokenKey), queue, clock.NewSystemClock())
	hs := &http.Server{
		Addr:              listen,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errs := make(chan error, 1)
	go func() {
		log.Infof("listening on %s", listen)
		errs <- hs.ListenAndServe()
	}()

	done := make(chan os.Signal, 1)
	signal.Notify(done, syscall.SIGINT, syscall.SIGTERM)
	select {
	case err := <-errs:
		return err
	case <-done:
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return hs.Shutdown(ctx)
}
