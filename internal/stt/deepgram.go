package stt

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	api "github.com/deepgram/deepgram-go-sdk/pkg/api/listen/v1/websocket/interfaces"
	"github.com/gorilla/websocket"
	"github.com/loqalabs/loqa-avatar/internal/config"
)

const deepgramChunkBytes = 3200 // 100ms at 16kHz

// DeepgramRecognizer streams a recorded phrase to Deepgram's live endpoint
// and collects the final transcript segments.
type DeepgramRecognizer struct {
	endpoint string
	apiKey   string
	model    string
	language string
	dialer   *websocket.Dialer
}

func NewDeepgramRecognizer(cfg config.STTConfig) (*DeepgramRecognizer, error) {
	if cfg.APIKey == "" {
		return nil, errors.New("deepgram api key not configured")
	}
	endpoint := cfg.Endpoint
	if endpoint == "" {
		endpoint = "wss://api.deepgram.com/v1/listen"
	}
	model := cfg.Model
	if model == "" {
		model = "nova-3"
	}
	return &DeepgramRecognizer{
		endpoint: endpoint,
		apiKey:   cfg.APIKey,
		model:    model,
		language: cfg.Language,
		dialer:   websocket.DefaultDialer,
	}, nil
}

func (d *DeepgramRecognizer) listenURL(sampleRate int) (string, error) {
	listenURL, err := url.Parse(d.endpoint)
	if err != nil {
		return "", fmt.Errorf("parse deepgram endpoint: %w", err)
	}
	q := listenURL.Query()
	q.Set("encoding", "linear16")
	q.Set("sample_rate", strconv.Itoa(sampleRate))
	q.Set("channels", "1")
	q.Set("model", d.model)
	if d.language != "" {
		q.Set("language", d.language)
	}
	q.Set("smart_format", "true")
	listenURL.RawQuery = q.Encode()
	return listenURL.String(), nil
}

func (d *DeepgramRecognizer) Transcribe(ctx context.Context, pcm []byte, sampleRate int) (Transcript, error) {
	target, err := d.listenURL(sampleRate)
	if err != nil {
		return Transcript{}, err
	}
	conn, _, err := d.dialer.DialContext(ctx, target, http.Header{"Authorization": {"Token " + d.apiKey}})
	if err != nil {
		return Transcript{}, Unavailable(fmt.Errorf("open deepgram socket: %w", err))
	}
	defer conn.Close()

	stop := context.AfterFunc(ctx, func() { conn.Close() })
	defer stop()

	for off := 0; off < len(pcm); off += deepgramChunkBytes {
		end := min(off+deepgramChunkBytes, len(pcm))
		if err := conn.WriteMessage(websocket.BinaryMessage, pcm[off:end]); err != nil {
			return Transcript{}, d.socketError(ctx, fmt.Errorf("send audio: %w", err))
		}
	}
	if err := conn.WriteJSON(struct {
		Type string `json:"type"`
	}{Type: string(api.TypeCloseStreamResponse)}); err != nil {
		return Transcript{}, d.socketError(ctx, fmt.Errorf("close stream: %w", err))
	}

	var segments []string
	var confidence float64
	for {
		msgType, msg, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure) || len(segments) > 0 {
				break
			}
			return Transcript{}, d.socketError(ctx, fmt.Errorf("read deepgram message: %w", err))
		}
		if msgType == websocket.BinaryMessage {
			continue
		}
		var head struct {
			Type string `json:"type"`
		}
		if err := json.Unmarshal(msg, &head); err != nil {
			continue
		}
		if api.TypeResponse(head.Type) != api.TypeMessageResponse {
			continue
		}
		var resp api.MessageResponse
		if err := json.Unmarshal(msg, &resp); err != nil {
			return Transcript{}, Unavailable(fmt.Errorf("decode deepgram message: %w", err))
		}
		if !resp.IsFinal || len(resp.Channel.Alternatives) == 0 {
			continue
		}
		alt := resp.Channel.Alternatives[0]
		if text := strings.TrimSpace(alt.Transcript); text != "" {
			segments = append(segments, text)
			confidence = alt.Confidence
		}
	}

	if len(segments) == 0 {
		return Transcript{}, ErrUnintelligible
	}
	return Transcript{Text: strings.Join(segments, " "), Confidence: confidence}, nil
}

func (d *DeepgramRecognizer) socketError(ctx context.Context, err error) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}
	return Unavailable(err)
}
