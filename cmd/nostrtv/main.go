// Command nostrtv is a headless client for following a Nostr live stream:
// it connects to relays, watches a stream's chat and zap activity, resolves
// sender profiles, and can optionally attach a NIP-46 remote signer.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/tkhumush/nostrtv/activity"
	"github.com/tkhumush/nostrtv/cache"
	"github.com/tkhumush/nostrtv/config"
	"github.com/tkhumush/nostrtv/nostr"
	"github.com/tkhumush/nostrtv/pool"
	"github.com/tkhumush/nostrtv/profile"
	"github.com/tkhumush/nostrtv/router"
	"github.com/tkhumush/nostrtv/signer"
	"github.com/tkhumush/nostrtv/types"
)

func main() {
	var (
		coordinate = flag.String("stream", "", "stream coordinate to follow (kind:pubkey:identifier)")
		bunkerURL  = flag.String("bunker", "", "bunker:// URL for a remote signer")
		reverse    = flag.Bool("connect", false, "print a nostrconnect:// descriptor and wait for a signer")
	)
	flag.Parse()

	config.InitLogger()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	p := pool.New(pool.Config{Relays: config.DefaultRelays()})
	if err := p.Connect(ctx); err != nil {
		slog.Error("relay pool failed to start", "error", err)
		os.Exit(1)
	}
	defer p.Disconnect()

	profiles := buildProfiles(p)
	defer profiles.Cache().Close()

	act := activity.New(p, activity.Config{})
	go act.Run(ctx)

	var remoteSigner *signer.Client
	if *bunkerURL != "" || *reverse {
		remoteSigner = startSigner(ctx, *bunkerURL, *reverse)
	}

	r := router.New()
	r.RegisterDefaults(router.Callbacks{
		OnProfile: func(pubkey string, prof *types.Profile) {
			profiles.HandleProfile(pubkey, prof)
		},
		OnStreamMetadata: func(meta *types.StreamMetadata) {
			slog.Info("stream update",
				"coordinate", meta.Coordinate(),
				"title", meta.Title,
				"status", meta.Status,
				"viewers", meta.CurrentCount)
		},
		OnChatMessage: func(msg *types.ChatMessage) {
			act.HandleChat(*msg)
		},
		OnZapReceipt: func(zap *types.ZapReceipt) {
			act.HandleZap(*zap)
		},
		OnSignerMessage: func(evt nostr.Event) {
			if remoteSigner != nil {
				remoteSigner.HandleEvent(evt)
			}
		},
	}, profiles)
	go r.Run(ctx, p.Events())

	if *coordinate != "" {
		if err := watchStream(ctx, p, act, profiles, *coordinate); err != nil {
			slog.Error("cannot watch stream", "coordinate", *coordinate, "error", err)
			os.Exit(1)
		}
	}

	<-ctx.Done()
	slog.Info("shutting down")
	if remoteSigner != nil {
		remoteSigner.Disconnect()
	}
}

// buildProfiles wires the profile cache, with a Redis second tier when one
// is configured, and the lookup fetcher on top.
func buildProfiles(p *pool.Pool) *profile.Fetcher {
	pc := profile.NewCache(profile.DefaultCapacity, profile.DefaultTTL)

	if url := config.Get().RedisURL; url != "" {
		backend, err := cache.NewRedis(url, "nostrtv:profile")
		if err != nil {
			slog.Warn("redis unavailable, profiles stay in memory only", "error", err)
		} else {
			pc = pc.WithBackend(backend)
		}
	}

	return profile.NewFetcher(p, pc, profile.FetcherConfig{})
}

// startSigner attaches a NIP-46 remote signer over its own relay pool so
// signer traffic never competes with stream subscriptions.
func startSigner(ctx context.Context, bunkerURL string, reverse bool) *signer.Client {
	sp := pool.New(pool.Config{Relays: config.NostrConnectRelays()})
	if err := sp.Connect(ctx); err != nil {
		slog.Error("signer relay pool failed to start", "error", err)
		os.Exit(1)
	}

	sr := router.New()
	var client *signer.Client
	sr.Register(nostr.KindNostrConnect, func(evt nostr.Event) {
		if client != nil {
			client.HandleEvent(evt)
		}
	})

	var err error
	if reverse {
		var uri string
		client, uri, err = signer.NewReverse(sp, config.NostrConnectRelays(), "nostrtv")
		if err != nil {
			slog.Error("cannot build signer descriptor", "error", err)
			os.Exit(1)
		}
		go sr.Run(ctx, sp.Events())
		fmt.Fprintln(os.Stderr, "scan or paste this into your signer:")
		fmt.Fprintln(os.Stderr, uri)
		go func() {
			if err := client.AwaitApproval(ctx); err != nil {
				slog.Error("signer approval failed", "error", err)
				return
			}
			slog.Info("signer approved", "user", client.Session().UserPubKeyHex())
		}()
		return client
	}

	client, err = signer.New(sp, bunkerURL)
	if err != nil {
		slog.Error("bad bunker URL", "error", err)
		os.Exit(1)
	}
	go sr.Run(ctx, sp.Events())
	go func() {
		if err := client.Connect(ctx); err != nil {
			slog.Error("signer connect failed", "error", err)
			return
		}
		slog.Info("signer connected", "user", client.Session().UserPubKeyHex())
	}()
	return client
}

// watchStream subscribes for the stream's metadata and registers activity
// handlers that print chat and zaps with resolved sender names.
func watchStream(ctx context.Context, p *pool.Pool, act *activity.Router, profiles *profile.Fetcher, coordinate string) error {
	coord := nostr.NormalizeCoordinate(coordinate)
	c, err := nostr.ParseCoordinate(coord)
	if err != nil {
		return err
	}

	if _, err := p.Subscribe(nostr.Filter{
		Kinds:   []int{nostr.KindLiveEvent},
		Authors: []string{c.PubKey},
		DTags:   []string{c.Identifier},
	}, "stream-meta"); err != nil {
		return err
	}

	name := func(pubkey string) string {
		lookupCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
		defer cancel()
		if prof, ok := profiles.Lookup(lookupCtx, pubkey); ok {
			return prof.BestName(pubkey)
		}
		return nostr.ShortID(pubkey)
	}

	_, err = act.Subscribe(coord, activity.Handlers{
		OnChat: func(msg types.ChatMessage) {
			fmt.Printf("[chat] %s: %s\n", name(msg.PubKey), msg.Content)
		},
		OnZap: func(zap types.ZapReceipt) {
			fmt.Printf("[zap] %s zapped %d sats\n", name(zap.SenderPubKey), zap.AmountMsats/1000)
		},
	})
	return err
}
