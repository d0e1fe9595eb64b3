package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/haxii/log/v2"
	"golang.org/x/sync/errgroup"

	"github.com/haxii/fastduplex/client"
	"github.com/haxii/fastduplex/config"
)

func main() {
	configPath := flag.String("config", "", "TOML config file, defaults are used if empty")
	method := flag.String("method", "GET", "request method")
	repeat := flag.Int("n", 1, "times every url is fetched")
	parallel := flag.Int("parallel", 4, "requests in flight")
	flag.Parse()

	cfg := config.Default()
	if *configPath != "" {
		var err error
		if cfg, err = config.Load(*configPath); err != nil {
			log.Errorf(err, "fail to load config")
			os.Exit(1)
		}
	}
	c := cfg.Client.NewClient()
	c.Features = append(c.Features, client.TrafficRecorder(func(r client.TrafficRecord) {
		log.Debugf("%s: %d bytes in %s, connection total in %d out %d",
			r.Addr, r.Intraffic.InboundBytes, r.Intraffic.DurationFromBegin, r.Inbound, r.Outbound)
	}))
	defer c.Close()

	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(*parallel)
	for _, url := range flag.Args() {
		for i := 0; i < *repeat; i++ {
			url := url
			g.Go(func() error {
				start := time.Now()
				head, body, err := c.Fetch(gctx, *method, url, nil)
				if err != nil {
					return err
				}
				fmt.Printf("%s %d %s %d bytes in %s\n", url, head.StatusCode, head.Reason,
					len(body), time.Since(start))
				return nil
			})
		}
	}
	if err := g.Wait(); err != nil {
		log.Errorf(err, "fetch failed")
		os.Exit(1)
	}
}
