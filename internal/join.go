package internal

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"collabsync/realtime/internal/collab"
	"collabsync/realtime/internal/protocol"
	"github.com/redis/go-redis/v9"
	"github.com/segmentio/ksuid"
	"golang.org/x/exp/slog"
	"nhooyr.io/websocket"
)

const (
	registryTTL       = 90 * time.Second
	heartbeatInterval = 45 * time.Second
)

// wsConn writes collab messages as binary frames and counts them in the
// connection registry.
type wsConn struct {
	conn   *websocket.Conn
	rdb    *redis.Client
	rid    string
	logger *slog.Logger
}

func (c *wsConn) Write(ctx context.Context, msg protocol.Message) error {
	if err := c.conn.Write(ctx, websocket.MessageBinary, protocol.Encode(msg)); err != nil {
		return err
	}

	if err := c.rdb.HIncrBy(ctx, c.rid, "sent", 1).Err(); err != nil {
		c.logger.Warn("failed to update sent messages stats", slog.Any("error", err))
	}

	return nil
}

func JoinRoute(
	state *State,
	logger *slog.Logger,
	rdb *redis.Client,
	server *collab.Server,
	verifier TokenVerifier,
	instanceID string,
	originPatterns []string,
) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithCancel(r.Context())
		defer cancel()

		now := time.Now()

		claims, err := verifier(r)
		if err != nil {
			logger.Debug("rejected connection", slog.Any("error", err))
			w.WriteHeader(http.StatusUnauthorized)
			return
		}

		deviceID := r.URL.Query().Get("device_id")
		if deviceID == "" {
			w.WriteHeader(http.StatusBadRequest)
			return
		}

		kid, err := ksuid.NewRandom()
		if err != nil {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}

		id := kid.String()
		rid := registryKey(id)
		log := logger.With(slog.String("id", id), slog.Int64("uid", claims.UID))

		user := collab.RealtimeUser{
			UID:      claims.UID,
			DeviceID: deviceID,
			ConnID:   id,
		}

		data := map[string]string{
			"inst":   instanceID,
			"join":   strconv.Itoa(int(now.Unix())),
			"uid":    strconv.FormatInt(claims.UID, 10),
			"device": deviceID,
			"recv":   "0",
			"sent":   "0",
		}

		if err := rdb.HSet(ctx, rid, data).Err(); err != nil {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}

		if err := rdb.Expire(ctx, rid, registryTTL).Err(); err != nil {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}

		if err := rdb.SAdd(ctx, userKey(claims.UID), id).Err(); err != nil {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}

		defer func() {
			if err := rdb.Del(context.Background(), rid).Err(); err != nil {
				log.Error("failed to cleanup", slog.Any("error", err))
			}
			if err := rdb.SRem(context.Background(), userKey(claims.UID), id).Err(); err != nil {
				log.Error("failed to cleanup", slog.Any("error", err))
			}
		}()

		opts := &websocket.AcceptOptions{
			OriginPatterns: originPatterns,
		}

		conn, err := websocket.Accept(w, r, opts)
		if err != nil {
			return
		}

		//goland:noinspection GoUnhandledErrorResult
		defer conn.Close(websocket.StatusNormalClosure, "bye")

		conn.SetReadLimit(protocol.MaxFrameSize)

		connection := &Connection{
			User: user,
			Drop: make(chan struct{}),
		}

		state.Lock.Lock()
		state.Connections[id] = connection
		state.Lock.Unlock()

		server.Connect(user, &wsConn{conn: conn, rdb: rdb, rid: rid, logger: log})

		defer func() {
			server.Disconnect(user)

			state.Lock.Lock()
			defer state.Lock.Unlock()
			delete(state.Connections, id)
		}()

		log.Info("joined", slog.String("device", deviceID))

		go func() {
			defer cancel()
			for {
				typ, b, err := conn.Read(ctx)
				if err != nil {
					return
				}

				if err := rdb.HIncrBy(ctx, rid, "recv", 1).Err(); err != nil {
					log.Error("failed to update received messages stats", slog.Any("error", err))
					return
				}

				if typ != websocket.MessageBinary {
					log.Warn("ignoring text frame")
					continue
				}

				msg, err := protocol.Decode(b)
				if err != nil {
					log.Error("failed to decode message", slog.Any("error", err))
					continue
				}

				if uid, ok := msg.Origin.ClientUserID(); ok && uid != user.UID {
					log.Warn("message origin does not match the connection", slog.String("message", msg.String()))
					continue
				}

				if err := server.HandleMessage(ctx, user, msg); err != nil {
					if errors.Is(err, context.Canceled) {
						return
					}
					log.Error("failed to handle message", slog.String("message", msg.String()), slog.Any("error", err))
				}
			}
		}()

		go func() {
			for {
				select {
				case <-ctx.Done():
					return
				case <-time.After(heartbeatInterval):
					if err := conn.Ping(ctx); err != nil {
						log.Error("failed to ping", slog.Any("error", err))
						_ = conn.Close(websocket.StatusAbnormalClosure, "hello?")
						return
					}

					if err := rdb.Expire(ctx, rid, registryTTL).Err(); err != nil {
						log.Error("failed extend exp", slog.Any("error", err))
						_ = conn.Close(websocket.StatusAbnormalClosure, "it broke")
						return
					}
				}
			}
		}()

		select {
		case <-ctx.Done():
			log.Info("left")
		case <-connection.Drop:
			log.Info("dropped")
		}
	}
}
