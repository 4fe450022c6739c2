package apiserver

import (
	"context"
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/gagliardetto/solana-go"
	"github.com/gorilla/websocket"

	"github.com/coldbell/p2pswap/internal/indexer"
)

const (
	channelOrders      = "orders"
	channelOrderPrefix = "order."
	channelOrderEvents = "order-events"
	channelTreasury    = "treasury"

	wsOrdersLimit = 50
)

type websocketSubscribeRequest struct {
	Type    string `json:"type"`
	Channel string `json:"channel"`
}

type websocketEnvelope struct {
	Type    string `json:"type"`
	Channel string `json:"channel,omitempty"`
	Data    any    `json:"data,omitempty"`
	Error   string `json:"error,omitempty"`
	TS      int64  `json:"ts"`
}

var websocketUpgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
}

func validChannel(channel string) bool {
	switch channel {
	case channelOrders, channelOrderEvents, channelTreasury:
		return true
	}
	if !strings.HasPrefix(channel, channelOrderPrefix) {
		return false
	}
	_, err := solana.PublicKeyFromBase58(strings.TrimPrefix(channel, channelOrderPrefix))
	return err == nil
}

func (s *Service) handleWebsocket(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.respondMethodNotAllowed(w)
		return
	}
	upgrader := websocketUpgrader
	upgrader.CheckOrigin = func(req *http.Request) bool {
		origin := strings.TrimSpace(req.Header.Get("Origin"))
		return s.isOriginAllowed(origin)
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Error("websocket upgrade failed", "err", err)
		return
	}
	defer conn.Close()

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	subs := newSubscriptionSet()
	notices := make(chan websocketEnvelope, 16)
	readErrCh := make(chan error, 1)
	go s.websocketReadLoop(ctx, conn, subs, notices, readErrCh)

	interval := s.cfg.WSPushInterval
	if interval <= 0 {
		interval = 2 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	cursors := map[string]int64{}
	for {
		select {
		case <-ctx.Done():
			return
		case err := <-readErrCh:
			if err != nil {
				s.logger.Debug("websocket read loop ended", "err", err)
			}
			return
		case notice := <-notices:
			if err := writeWebsocketJSON(conn, notice); err != nil {
				return
			}
		case <-ticker.C:
			for _, channel := range subs.List() {
				payload, err := s.getWebsocketPayload(ctx, channel, cursors)
				if err != nil {
					s.logger.Warn("websocket channel fetch failed", "channel", channel, "err", err)
					_ = writeWebsocketJSON(conn, websocketEnvelope{Type: "error", Channel: channel, Error: "failed to fetch channel data", TS: time.Now().Unix()})
					continue
				}
				if payload == nil {
					continue
				}
				if err := writeWebsocketJSON(conn, websocketEnvelope{Type: "event", Channel: channel, Data: payload, TS: time.Now().Unix()}); err != nil {
					return
				}
			}
		}
	}
}

// websocketReadLoop applies subscription requests. Replies go through notices
// so that only the handler goroutine writes to conn.
func (s *Service) websocketReadLoop(ctx context.Context, conn *websocket.Conn, subs *subscriptionSet, notices chan<- websocketEnvelope, readErrCh chan<- error) {
	conn.SetReadLimit(64 * 1024)
	if err := conn.SetReadDeadline(time.Now().Add(90 * time.Second)); err == nil {
		conn.SetPongHandler(func(string) error {
			return conn.SetReadDeadline(time.Now().Add(90 * time.Second))
		})
	}
	for {
		select {
		case <-ctx.Done():
			readErrCh <- nil
			return
		default:
		}
		var message websocketSubscribeRequest
		if err := conn.ReadJSON(&message); err != nil {
			readErrCh <- err
			return
		}
		message.Type = strings.ToLower(strings.TrimSpace(message.Type))
		message.Channel = strings.TrimSpace(message.Channel)
		if message.Channel == "" {
			continue
		}

		var notice websocketEnvelope
		switch message.Type {
		case "subscribe":
			if !validChannel(message.Channel) {
				notice = websocketEnvelope{Type: "error", Channel: message.Channel, Error: "unknown channel"}
				break
			}
			subs.Add(message.Channel)
			notice = websocketEnvelope{Type: "subscribed", Channel: message.Channel}
		case "unsubscribe":
			subs.Remove(message.Channel)
			notice = websocketEnvelope{Type: "unsubscribed", Channel: message.Channel}
		default:
			notice = websocketEnvelope{Type: "error", Channel: message.Channel, Error: "unknown message type"}
		}
		notice.TS = time.Now().Unix()
		select {
		case notices <- notice:
		case <-ctx.Done():
			readErrCh <- nil
			return
		}
	}
}

// getWebsocketPayload returns nil when there is nothing to push. The
// order-events channel only carries events newer than the last push.
func (s *Service) getWebsocketPayload(ctx context.Context, channel string, cursors map[string]int64) (any, error) {
	switch {
	case channel == channelOrders:
		items, _, _, err := s.store.ListOrders(ctx, indexer.OrderFilter{Status: "open", Limit: wsOrdersLimit})
		if err != nil {
			return nil, err
		}
		return items, nil
	case channel == channelTreasury:
		treasury, err := s.store.GetTreasury(ctx)
		if err != nil || treasury == nil {
			return nil, err
		}
		return treasury, nil
	case channel == channelOrderEvents:
		items, _, _, err := s.store.ListOrderEvents(ctx, indexer.OrderEventFilter{AfterID: cursors[channel], Limit: 200})
		if err != nil {
			return nil, err
		}
		if len(items) == 0 {
			return nil, nil
		}
		// Oldest first on the wire.
		sort.Slice(items, func(i, j int) bool { return items[i].ID < items[j].ID })
		cursors[channel] = items[len(items)-1].ID
		return items, nil
	case strings.HasPrefix(channel, channelOrderPrefix):
		order, err := s.store.GetOrder(ctx, strings.TrimPrefix(channel, channelOrderPrefix))
		if err != nil || order == nil {
			return nil, err
		}
		return order, nil
	}
	return nil, nil
}

func writeWebsocketJSON(conn *websocket.Conn, payload websocketEnvelope) error {
	if err := conn.SetWriteDeadline(time.Now().Add(10 * time.Second)); err != nil {
		return err
	}
	return conn.WriteJSON(payload)
}

type subscriptionSet struct {
	mu    sync.RWMutex
	items map[string]struct{}
}

func newSubscriptionSet() *subscriptionSet {
	return &subscriptionSet{items: map[string]struct{}{}}
}

func (s *subscriptionSet) Add(channel string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.items[channel] = struct{}{}
}

func (s *subscriptionSet) Remove(channel string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.items, channel)
}

func (s *subscriptionSet) List() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]string, 0, len(s.items))
	for channel := range s.items {
		out = append(out, channel)
	}
	sort.Strings(out)
	return out
}
