package realtime

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/feira-labs/feira-notify/internal/model"
)

// EventName is the SSE event type used for notification inserts.
const EventName = "notification"

// WriteEvent encodes record as one SSE frame.
func WriteEvent(w io.Writer, record *model.Notification) error {
	payload, err := json.Marshal(record)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(w, "event: %s\nid: %s\ndata: %s\n\n", EventName, record.ID, payload)
	return err
}

var _ Subscriber = (*SSESubscriber)(nil)

// SSESubscriber consumes the server's notification stream over HTTP and
// reconnects until the subscription context ends.
type SSESubscriber struct {
	baseURL    string
	bearer     string
	http       *http.Client
	retryDelay time.Duration
	log        *zap.Logger
}

// NewSSESubscriber builds a subscriber against baseURL.
func NewSSESubscriber(baseURL, bearer string, client *http.Client, log *zap.Logger) *SSESubscriber {
	if client == nil {
		client = &http.Client{}
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &SSESubscriber{
		baseURL:    strings.TrimRight(baseURL, "/"),
		bearer:     bearer,
		http:       client,
		retryDelay: 2 * time.Second,
		log:        log,
	}
}

// Subscribe opens the stream for userID.
func (s *SSESubscriber) Subscribe(ctx context.Context, userID string) (<-chan *model.Notification, error) {
	endpoint := s.baseURL + "/api/notifications/stream?" + url.Values{"userId": {userID}}.Encode()
	if _, err := url.Parse(endpoint); err != nil {
		return nil, err
	}
	out := make(chan *model.Notification, subscriberBuffer)
	go func() {
		defer close(out)
		for {
			err := s.stream(ctx, endpoint, out)
			if ctx.Err() != nil {
				return
			}
			s.log.Warn("notification stream interrupted", zap.Error(err), zap.Duration("retry_in", s.retryDelay))
			select {
			case <-ctx.Done():
				return
			case <-time.After(s.retryDelay):
			}
		}
	}()
	return out, nil
}

func (s *SSESubscriber) stream(ctx context.Context, endpoint string, out chan<- *model.Notification) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "text/event-stream")
	if s.bearer != "" {
		req.Header.Set("Authorization", "Bearer "+s.bearer)
	}
	resp, err := s.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("stream http status %s", resp.Status)
	}

	var (
		event string
		data  strings.Builder
	)
	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case line == "":
			if data.Len() > 0 && (event == "" || event == EventName) {
				var record model.Notification
				if err := json.Unmarshal([]byte(data.String()), &record); err != nil {
					s.log.Warn("drop malformed stream event", zap.Error(err))
				} else {
					select {
					case out <- &record:
					case <-ctx.Done():
						return ctx.Err()
					}
				}
			}
			event = ""
			data.Reset()
		case strings.HasPrefix(line, ":"):
			// comment / keep-alive
		case strings.HasPrefix(line, "event:"):
			event = strings.TrimSpace(strings.TrimPrefix(line, "event:"))
		case strings.HasPrefix(line, "data:"):
			if data.Len() > 0 {
				data.WriteByte('\n')
			}
			data.WriteString(strings.TrimPrefix(strings.TrimPrefix(line, "data:"), " "))
		}
	}
	if err := scanner.Err(); err != nil {
		return err
	}
	return io.ErrUnexpectedEOF
}
