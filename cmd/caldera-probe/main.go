// Command caldera-probe fires timed request volleys at the real Caldera
// cloud to observe where throttling begins. The published limits are wrong
// in practice; this tool is how the client's conservative defaults were
// chosen and re-checked after firmware rollouts.
//
// It talks straight to the HTTP API with the scheduler disabled (huge
// transport ceiling, no adaptive pacing), because the point is to hit the
// server's limiter, not ours.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/rs/zerolog"

	caldera "github.com/caldera-labs/go-caldera"
	"github.com/caldera-labs/go-caldera/observability"
)

var (
	apiToken = flag.String("token", os.Getenv("CALDERA_API_TOKEN"), "Caldera API token (or use CALDERA_API_TOKEN env)")
	baseURL  = flag.String("base-url", "", "Override API base URL (default production)")
	volley   = flag.Int("volley", 10, "Requests per volley")
	volleys  = flag.Int("volleys", 6, "Number of volleys")
	pause    = flag.Duration("pause", 30*time.Second, "Pause between volleys")
	verbose  = flag.Bool("verbose", false, "Debug-level logging")
)

func main() {
	flag.Parse()

	if *apiToken == "" {
		fmt.Fprintln(os.Stderr, "API token is required. Use -token or CALDERA_API_TOKEN.")
		os.Exit(1)
	}

	level := zerolog.InfoLevel
	if *verbose {
		level = zerolog.DebugLevel
	}
	zl := zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).Level(level).With().Timestamp().Logger()

	client, err := caldera.NewWithConfig(&caldera.ClientConfig{
		APIToken: *apiToken,
		BaseURL:  *baseURL,
		// Let volleys through as fast as the loop can send them; the
		// probe wants to find the server's ceiling, not respect ours.
		RateLimitCapacity:         1000,
		RateLimitRefillInterval:   time.Millisecond,
		RateLimitSafetyMargin:     0.001,
		TransportCeilingPerMinute: -1,
		Logger:                    observability.NewZerologLogger(zl),
	})
	if err != nil {
		zl.Fatal().Err(err).Msg("failed to create client")
	}
	defer client.Close()

	ctx := context.Background()

	devices, err := client.ListDevices(ctx)
	if err != nil {
		zl.Fatal().Err(err).Msg("failed to list devices")
	}
	if len(devices) == 0 {
		zl.Fatal().Msg("account has no devices to probe with")
	}
	target := devices[0]
	zl.Info().Str("device", target.ID).Str("model", target.Model).Msg("probing with device")

	for v := 1; v <= *volleys; v++ {
		ok, failed := 0, 0
		start := time.Now()

		for i := 0; i < *volley; i++ {
			_, err := client.GetStatus(ctx, target.ID, true)
			if err != nil {
				failed++
				zl.Warn().Err(err).Int("volley", v).Int("request", i+1).Msg("request failed")
				continue
			}
			ok++
		}

		zl.Info().
			Int("volley", v).
			Int("ok", ok).
			Int("failed", failed).
			Dur("elapsed", time.Since(start)).
			Msg("volley complete")

		if failed > 0 {
			zl.Info().Msgf("throttling observed at roughly %d requests in %s", ok+failed, time.Since(start))
		}

		if v < *volleys {
			time.Sleep(*pause)
		}
	}
}
