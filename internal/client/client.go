package client

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"sync"

	"collabsync/realtime/internal/crdt"
	"collabsync/realtime/internal/protocol"
	"github.com/google/uuid"
	"golang.org/x/exp/slog"
	"golang.org/x/sync/errgroup"
	"nhooyr.io/websocket"
)

var ErrUnknownObject = errors.New("client: object is not open")

type Options struct {
	URL      string
	Token    string
	UID      int64
	DeviceID string
	Sink     SinkConfig
}

// Client is one websocket connection to the collab service. Every document
// opened on it is mirrored in a local crdt.Doc.
type Client struct {
	logger *slog.Logger
	conn   *websocket.Conn
	origin protocol.Origin
	sink   *Sink

	mu   sync.Mutex
	docs map[string]*crdt.Doc
}

func Dial(ctx context.Context, logger *slog.Logger, opts Options) (*Client, error) {
	if opts.DeviceID == "" {
		opts.DeviceID = uuid.NewString()
	}

	u, err := url.Parse(opts.URL)
	if err != nil {
		return nil, fmt.Errorf("parse url: %w", err)
	}

	query := u.Query()
	query.Set("device_id", opts.DeviceID)
	u.RawQuery = query.Encode()

	header := http.Header{}
	header.Set("Authorization", "Bearer "+opts.Token)

	//goland:noinspection GoResourceLeak
	conn, _, err := websocket.Dial(ctx, u.String(), &websocket.DialOptions{HTTPHeader: header})
	if err != nil {
		return nil, fmt.Errorf("dial %v: %w", opts.URL, err)
	}
	conn.SetReadLimit(protocol.MaxFrameSize)

	c := &Client{
		logger: logger.With(slog.String("device", opts.DeviceID)),
		conn:   conn,
		origin: protocol.ClientOrigin(opts.UID, opts.DeviceID),
		docs:   map[string]*crdt.Doc{},
	}
	c.sink = NewSink(c.logger, opts.UID, c, opts.Sink)

	return c, nil
}

func (c *Client) Origin() protocol.Origin {
	return c.origin
}

func (c *Client) Write(ctx context.Context, msg protocol.Message) error {
	return c.conn.Write(ctx, websocket.MessageBinary, protocol.Encode(msg))
}

// Run sends queued messages and applies server messages until ctx is done or
// the connection fails.
func (c *Client) Run(ctx context.Context) error {
	group, ctx := errgroup.WithContext(ctx)

	group.Go(func() error {
		return c.sink.Run(ctx)
	})

	group.Go(func() error {
		return c.read(ctx)
	})

	return group.Wait()
}

func (c *Client) read(ctx context.Context) error {
	for {
		typ, data, err := c.conn.Read(ctx)
		if err != nil {
			return err
		}

		if typ != websocket.MessageBinary {
			c.logger.Warn("ignoring text frame")
			continue
		}

		msg, err := protocol.Decode(data)
		if err != nil {
			c.logger.Error("failed to decode message", slog.Any("error", err))
			continue
		}

		c.handle(msg)
	}
}

func (c *Client) handle(msg protocol.Message) {
	if msg.Type == protocol.ClientUpdateAck {
		// the reply is applied before the ack is reported
		defer c.sink.Ack(msg.MsgID)
	}

	if msg.IsEmpty() {
		return
	}

	doc, ok := c.Doc(msg.ObjectID)
	if !ok {
		c.logger.Debug("message for unknown object", slog.String("message", msg.String()))
		return
	}

	reply, err := doc.ApplySyncMessage(protocol.ServerOrigin, msg.Payload)
	if err != nil {
		c.logger.Error("failed to apply message", slog.String("message", msg.String()), slog.Any("error", err))
	}

	if len(reply) > 0 {
		c.sink.Queue(func(msgID protocol.MsgID) protocol.Message {
			return protocol.NewUpdateSync(c.origin, msg.ObjectID, reply, msgID)
		})
	}
}

// Open starts syncing objectID. The returned channel receives the msg id of
// the init message once the server acknowledged it.
func (c *Client) Open(objectID, workspaceID string, collabType protocol.CollabType) (*crdt.Doc, <-chan protocol.MsgID) {
	c.mu.Lock()
	doc, ok := c.docs[objectID]
	if !ok {
		doc = crdt.New(c.origin.String())
		c.docs[objectID] = doc
	}
	c.mu.Unlock()

	if !ok {
		doc.ObserveUpdate(func(origin protocol.Origin, update []byte) {
			if origin != c.origin {
				return
			}
			c.sink.Queue(func(msgID protocol.MsgID) protocol.Message {
				return protocol.NewUpdateSync(c.origin, objectID, crdt.EncodeUpdateMessage(update), msgID)
			})
		})
	}

	digest := crdt.EncodeSyncStep1(doc.Digest())
	done := c.sink.Queue(func(msgID protocol.MsgID) protocol.Message {
		return protocol.NewClientInit(c.origin, objectID, collabType, workspaceID, msgID, digest)
	})

	return doc, done
}

func (c *Client) Doc(objectID string) (*crdt.Doc, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	doc, ok := c.docs[objectID]
	return doc, ok
}

// Set writes key in objectID and queues the update.
func (c *Client) Set(objectID, key string, value []byte) error {
	doc, ok := c.Doc(objectID)
	if !ok {
		return ErrUnknownObject
	}

	doc.Set(c.origin, key, value)
	return nil
}

// SetAwareness publishes the presence of this client in objectID.
func (c *Client) SetAwareness(objectID string, state []byte) (<-chan protocol.MsgID, error) {
	doc, ok := c.Doc(objectID)
	if !ok {
		return nil, ErrUnknownObject
	}

	update := doc.SetAwareness(crdt.AwarenessClient(c.origin), state)
	return c.sink.Queue(func(msgID protocol.MsgID) protocol.Message {
		return protocol.NewUpdateSync(c.origin, objectID, crdt.EncodeAwarenessMessage(update), msgID)
	}), nil
}

func (c *Client) Close() error {
	return c.conn.Close(websocket.StatusNormalClosure, "")
}
