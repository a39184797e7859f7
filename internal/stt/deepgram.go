package stt

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/gorilla/websocket"
)

// DeepgramDialer opens Deepgram live-listen websocket connections.
type DeepgramDialer struct {
	Endpoint string
	APIKey   string
}

// Dial connects to the live-listen endpoint with the streaming parameters
// this service always uses: 16 kHz mono linear16 English with interim
// results, smart formatting, and punctuation.
func (d *DeepgramDialer) Dial(ctx context.Context) (Conn, error) {
	u, err := url.Parse(d.Endpoint)
	if err != nil {
		return nil, fmt.Errorf("parse endpoint: %w", err)
	}
	q := url.Values{}
	q.Set("model", "nova-2")
	q.Set("encoding", "linear16")
	q.Set("sample_rate", "16000")
	q.Set("channels", "1")
	q.Set("language", "en")
	q.Set("interim_results", "true")
	q.Set("smart_format", "true")
	q.Set("punctuate", "true")
	u.RawQuery = q.Encode()

	headers := http.Header{}
	headers.Set("Authorization", "Token "+d.APIKey)
	headers.Set("Accept", "application/json")

	dialer := websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	conn, resp, err := dialer.DialContext(ctx, u.String(), headers)
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	if err != nil {
		return nil, fmt.Errorf("dial deepgram: %w", err)
	}
	return conn, nil
}
