package main

import (
	"context"
	"encoding/base64"
	"encoding/binary"
	"flag"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/metadata"
	"google.golang.org/protobuf/types/known/structpb"

	grpcapi "conversation-stream-coordinator/internal/api/grpc"
)

// WAV header is 44 bytes for standard PCM files
const wavHeaderSize = 44

const chunkInterval = 100 * time.Millisecond

// audioclient streams a WAV file as an assistant reply: audio deltas
// interleaved with transcript deltas, so the service reconstructs word
// timings against real audio length.
func main() {
	audioFile := flag.String("audio", "testdata/reply-24khz.wav", "Path to WAV file (16-bit PCM)")
	text := flag.String("text", "Thanks for calling, how can I help you today?", "Transcript of the audio")
	serverAddr := flag.String("server", "localhost:50051", "gRPC server address")
	sessionID := flag.String("session", "audio-"+time.Now().Format("150405"), "Session ID")
	itemID := flag.String("item", "item_reply", "Assistant item ID")
	realtime := flag.Bool("realtime", true, "Pace chunks at playback speed")
	flag.Parse()

	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.Kitchen})

	f, err := os.Open(*audioFile)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to open audio file")
	}
	defer f.Close()

	header := make([]byte, wavHeaderSize)
	if _, err := io.ReadFull(f, header); err != nil {
		log.Fatal().Err(err).Msg("Failed to read WAV header")
	}
	if string(header[0:4]) != "RIFF" || string(header[8:12]) != "WAVE" {
		log.Fatal().Msg("Not a valid WAV file")
	}

	audioFormat := binary.LittleEndian.Uint16(header[20:22])
	numChannels := binary.LittleEndian.Uint16(header[22:24])
	sampleRate := binary.LittleEndian.Uint32(header[24:28])
	bitsPerSample := binary.LittleEndian.Uint16(header[34:36])

	log.Info().
		Uint16("format", audioFormat).
		Uint16("channels", numChannels).
		Uint32("sampleRate", sampleRate).
		Uint16("bitsPerSample", bitsPerSample).
		Msg("WAV file")

	if audioFormat != 1 || bitsPerSample != 16 {
		log.Fatal().Msg("Only 16-bit PCM supported")
	}
	if sampleRate != 24000 || numChannels != 1 {
		log.Warn().Msg("Service expects 24 kHz mono unless AUDIO_SAMPLE_RATE_HZ/AUDIO_CHANNELS say otherwise")
	}

	bytesPerSecond := int(sampleRate) * int(numChannels) * 2
	chunkSize := bytesPerSecond * int(chunkInterval) / int(time.Second)

	conn, err := grpc.NewClient(*serverAddr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to connect")
	}
	defer conn.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
	defer cancel()
	ctx = metadata.AppendToOutgoingContext(ctx, grpcapi.SessionIDKey, *sessionID)

	stream, err := grpcapi.NewClient(conn).Stream(ctx)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to create stream")
	}

	send := func(fields map[string]any) {
		msg, err := structpb.NewStruct(fields)
		if err != nil {
			log.Fatal().Err(err).Msg("Failed to encode event")
		}
		if err := stream.Send(msg); err != nil {
			log.Fatal().Err(err).Msg("Failed to send event")
		}
	}

	words := strings.SplitAfter(*text, " ")
	send(map[string]any{"type": "response.created"})

	chunk := make([]byte, chunkSize)
	var totalBytes, chunkNum int
	startTime := time.Now()
	for {
		n, err := io.ReadFull(f, chunk)
		if err == io.EOF {
			break
		}
		if err != nil && err != io.ErrUnexpectedEOF {
			log.Fatal().Err(err).Msg("Failed to read audio")
		}

		// One transcript word per chunk until the text runs out.
		if chunkNum < len(words) {
			send(map[string]any{"type": "response.audio_transcript.delta", "item_id": *itemID, "delta": words[chunkNum]})
		}
		send(map[string]any{
			"type":    "response.audio.delta",
			"item_id": *itemID,
			"delta":   base64.StdEncoding.EncodeToString(chunk[:n]),
		})
		chunkNum++
		totalBytes += n

		if chunkNum%10 == 0 {
			log.Info().Int("chunk", chunkNum).Int("bytes", totalBytes).Msg("Streaming audio")
		}
		if *realtime {
			time.Sleep(chunkInterval)
		}
	}
	for ; chunkNum < len(words); chunkNum++ {
		send(map[string]any{"type": "response.audio_transcript.delta", "item_id": *itemID, "delta": words[chunkNum]})
	}

	send(map[string]any{"type": "response.audio.done", "item_id": *itemID})
	send(map[string]any{"type": "response.audio_transcript.done", "item_id": *itemID, "transcript": *text})
	send(map[string]any{"type": "response.done"})

	ack, err := stream.CloseAndRecv()
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to receive ack")
	}
	fields := ack.AsMap()
	log.Info().
		Dur("elapsed", time.Since(startTime)).
		Int("bytes", totalBytes).
		Interface("accepted", fields["accepted"]).
		Msg("Stream completed")
	fmt.Printf("word timings: GET /v1/sessions/%s/timings/%s\n", *sessionID, *itemID)
}
