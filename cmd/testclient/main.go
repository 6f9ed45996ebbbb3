package main

import (
	"context"
	"flag"
	"os"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/metadata"
	"google.golang.org/protobuf/types/known/structpb"

	grpcapi "conversation-stream-coordinator/internal/api/grpc"
	"conversation-stream-coordinator/internal/service/replay"
)

// testclient replays a scripted conversation over the ingest stream. The
// script includes a duplicated completion and a dropped one, so the
// coordinator's dedup and debounce flush are both exercised.
func main() {
	serverAddr := flag.String("server", "localhost:50051", "gRPC server address")
	sessionID := flag.String("session", "replay-"+time.Now().Format("150405"), "Session ID")
	jitter := flag.Float64("jitter", 0.2, "Probability of swapping neighbouring events")
	seed := flag.Uint64("seed", 1, "Jitter seed")
	pace := flag.Duration("pace", 20*time.Millisecond, "Delay between sent events")
	flag.Parse()

	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.Kitchen})

	conn, err := grpc.NewClient(*serverAddr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to connect")
	}
	defer conn.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
	defer cancel()
	ctx = metadata.AppendToOutgoingContext(ctx, grpcapi.SessionIDKey, *sessionID)

	stream, err := grpcapi.NewClient(conn).Stream(ctx)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to create stream")
	}

	opts := replay.DefaultOptions()
	opts.Start = time.Now()
	opts.Jitter = *jitter
	opts.Seed = *seed
	script := replay.Build(replay.DefaultUtterances, opts)

	log.Info().Str("sessionId", *sessionID).Int("events", len(script)).Msg("Replaying conversation")
	for i, ev := range script {
		msg, err := structpb.NewStruct(replay.Fields(ev))
		if err != nil {
			log.Fatal().Err(err).Int("index", i).Msg("Failed to encode event")
		}
		if err := stream.Send(msg); err != nil {
			log.Fatal().Err(err).Int("index", i).Msg("Failed to send event")
		}
		log.Debug().Str("type", ev.Type).Str("itemId", ev.ItemID).Msg("Sent event")
		time.Sleep(*pace)
	}

	ack, err := stream.CloseAndRecv()
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to receive ack")
	}
	fields := ack.AsMap()
	log.Info().
		Interface("sessionId", fields["session_id"]).
		Interface("accepted", fields["accepted"]).
		Interface("rejected", fields["rejected"]).
		Msg("Replay acknowledged")
}
