// Command demo streams a scripted response through the delivery layer and
// prints what a consumer sees. By default it runs fully in-process on the
// local transport; with -redis it publishes through Pulse instead and
// consumes via a broker subscription, which requires a reachable Redis.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/redis/go-redis/v9"
	"goa.design/clue/log"
	"golang.org/x/time/rate"

	"goa.design/lexia/config"
	"goa.design/lexia/features/stream/local"
	"goa.design/lexia/features/stream/pulse"
	clientspulse "goa.design/lexia/features/stream/pulse/clients/pulse"
	"goa.design/lexia/runtime/session"
	"goa.design/lexia/runtime/stream"
	"goa.design/lexia/runtime/stream/channel"
)

func main() {
	var (
		configPath = flag.String("config", "", "path to YAML config (defaults apply when empty)")
		useRedis   = flag.Bool("redis", false, "publish through Pulse instead of the local transport")
		channelID  = flag.String("channel", "demo", "delivery channel id")
	)
	flag.Parse()

	ctx := log.Context(context.Background(), log.WithFormat(log.FormatTerminal))

	cfg := config.Default()
	if *configPath != "" {
		var err error
		if cfg, err = config.Load(*configPath); err != nil {
			log.Error(ctx, err)
			os.Exit(1)
		}
	}

	if *useRedis {
		if err := runPulse(ctx, cfg, *channelID); err != nil {
			log.Error(ctx, err)
			os.Exit(1)
		}
		return
	}
	if err := runLocal(ctx, cfg, *channelID); err != nil {
		log.Error(ctx, err)
		os.Exit(1)
	}
}

func runLocal(ctx context.Context, cfg config.Config, channelID string) error {
	reg := channel.NewRegistry(channel.Options{
		IdleTimeout:    cfg.Registry.IdleTimeout.Duration,
		SweepInterval:  cfg.Registry.SweepInterval.Duration,
		FanoutTimeout:  cfg.Registry.FanoutTimeout.Duration,
		ReaderCapacity: cfg.Registry.ReaderCapacity,
	})
	defer reg.Close()

	transport, err := local.New(local.Options{Registry: reg})
	if err != nil {
		return err
	}
	events, stop := transport.Subscribe(ctx, channelID)
	defer stop()

	handle, err := session.RunProducer(ctx, session.Options{
		Transport: transport,
		Request:   session.RequestContext{ChannelID: channelID},
	}, produce)
	if err != nil {
		return err
	}

	render(events)
	<-handle.Done()
	return handle.Err()
}

func runPulse(ctx context.Context, cfg config.Config, channelID string) error {
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Pulse.RedisAddr,
		Password: cfg.Pulse.RedisPassword,
	})
	defer rdb.Close()

	client, err := clientspulse.New(clientspulse.Options{
		Redis:            rdb,
		StreamMaxLen:     cfg.Pulse.StreamMaxLen,
		OperationTimeout: cfg.Pulse.OperationTimeout.Duration,
	})
	if err != nil {
		return err
	}
	defer client.Close(ctx)

	transport, err := pulse.NewTransport(pulse.TransportOptions{
		Client:       client,
		PublishRate:  rate.Limit(cfg.Pulse.PublishRate),
		PublishBurst: cfg.Pulse.PublishBurst,
	})
	if err != nil {
		return err
	}
	subscriber, err := pulse.NewSubscriber(pulse.SubscriberOptions{Client: client})
	if err != nil {
		return err
	}
	events, errs, cancel, err := subscriber.Subscribe(ctx, channelID)
	if err != nil {
		return err
	}
	defer cancel()

	handle, err := session.RunProducer(ctx, session.Options{
		Transport: transport,
		Request:   session.RequestContext{ChannelID: channelID},
	}, produce)
	if err != nil {
		return err
	}

	renderDecoded(events)
	<-handle.Done()
	if err := handle.Err(); err != nil {
		return err
	}
	return <-errs
}

// produce plays a short scripted response: a loading phase, streamed
// prose, an inline image, usage, then implicit finalization on return.
func produce(ctx context.Context, s *session.Session) error {
	if err := s.StartLoading(ctx, stream.LoadingThinking); err != nil {
		return err
	}
	time.Sleep(200 * time.Millisecond)
	if err := s.EndLoading(ctx, stream.LoadingThinking); err != nil {
		return err
	}
	for _, frag := range []string{"Here is ", "the chart ", "you asked for:"} {
		if err := s.StreamText(ctx, frag); err != nil {
			return err
		}
		time.Sleep(100 * time.Millisecond)
	}
	if err := s.EmitImage(ctx, "https://example.com/chart.png"); err != nil {
		return err
	}
	return s.RecordUsage(ctx, stream.UsagePayload{Tokens: 57, Kind: stream.UsageCompletion})
}

func render(events <-chan stream.Event) {
	for ev := range events {
		switch e := ev.(type) {
		case stream.Delta:
			fmt.Print(e.Text)
		case stream.LoadingStart:
			fmt.Printf("[%s...]", e.Kind)
		case stream.LoadingEnd:
			fmt.Print("\r")
		case stream.Image:
			fmt.Printf("\n[image: %s]", e.URL)
		case stream.Complete:
			fmt.Printf("\n-- complete (%d chars) --\n", len(e.FullText))
		case stream.Error:
			fmt.Printf("\n-- failed: %s --\n", e.Data.Message)
		}
	}
}

// renderDecoded prints broker events, which arrive as generic envelopes
// rather than the concrete local event types.
func renderDecoded(events <-chan stream.Event) {
	for ev := range events {
		fmt.Printf("%s %s\n", ev.Type(), ev.Payload())
	}
}
