// Package matrixclient implements chat.Transport on top of mautrix for an
// application service and its virtual accounts.
package matrixclient

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"

	"github.com/rs/zerolog"
	"maunium.net/go/mautrix"
	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"

	"gmailbridge/internal/util"
	"gmailbridge/services/bridge/internal/chat"
)

// Config holds what the adapter needs to reach the homeserver.
type Config struct {
	HomeserverURL string
	ASToken       string
	BotID         id.UserID
	// LogOutput receives mautrix's own logs; stdout when nil.
	LogOutput io.Writer
}

// Client is a chat.Transport that talks to a homeserver as the appservice.
type Client struct {
	cfg Config
	log zerolog.Logger
	bot *mautrix.Client

	mu      sync.Mutex
	clients map[id.UserID]*mautrix.Client

	registered sync.Map
}

var _ chat.Transport = (*Client)(nil)

func New(cfg Config) (*Client, error) {
	if strings.TrimSpace(cfg.HomeserverURL) == "" {
		return nil, errors.New("homeserver url required")
	}
	if strings.TrimSpace(cfg.ASToken) == "" {
		return nil, errors.New("appservice token required")
	}
	if cfg.BotID == "" {
		return nil, errors.New("bot id required")
	}
	out := cfg.LogOutput
	if out == nil {
		out = os.Stdout
	}
	logger := zerolog.New(out).Level(zerolog.WarnLevel).With().
		Timestamp().
		Str("component", "matrix").
		Logger()

	bot, err := mautrix.NewClient(cfg.HomeserverURL, cfg.BotID, cfg.ASToken)
	if err != nil {
		return nil, fmt.Errorf("new matrix client: %w", err)
	}
	bot.Log = logger
	c := &Client{
		cfg:     cfg,
		log:     logger,
		bot:     bot,
		clients: make(map[id.UserID]*mautrix.Client),
	}
	c.registered.Store(cfg.BotID, struct{}{})
	return c, nil
}

func (c *Client) BotID() id.UserID { return c.cfg.BotID }

// as returns the client acting for user. Virtual accounts are impersonated
// through the appservice user_id query parameter.
func (c *Client) as(user id.UserID) (*mautrix.Client, error) {
	if user == "" || user == c.cfg.BotID {
		return c.bot, nil
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if cli, ok := c.clients[user]; ok {
		return cli, nil
	}
	cli, err := mautrix.NewClient(c.cfg.HomeserverURL, user, c.cfg.ASToken)
	if err != nil {
		return nil, fmt.Errorf("new matrix client for %s: %w", user, err)
	}
	cli.SetAppServiceUserID = true
	cli.Log = c.log.With().Str("as", user.String()).Logger()
	c.clients[user] = cli
	return cli, nil
}

func (c *Client) EnsureAccount(ctx context.Context, user id.UserID) error {
	if _, ok := c.registered.Load(user); ok {
		return nil
	}
	localpart, _, err := user.Parse()
	if err != nil {
		return fmt.Errorf("parse user id: %w", err)
	}
	body := map[string]string{
		"type":     "m.login.application_service",
		"username": localpart,
	}
	_, err = c.bot.MakeRequest(ctx, "POST", c.bot.BuildClientURL("v3", "register"), body, nil)
	if err != nil && !errors.Is(err, mautrix.MUserInUse) {
		return fmt.Errorf("register %s: %w", user, err)
	}
	c.registered.Store(user, struct{}{})
	return nil
}

func (c *Client) CreateRoom(ctx context.Context, req chat.CreateRoom) (id.RoomID, error) {
	levels := &event.PowerLevelsEventContent{
		Users: map[id.UserID]int{c.cfg.BotID: 100},
	}
	for user, level := range req.PowerLevels {
		levels.Users[user] = level
	}
	resp, err := c.bot.CreateRoom(ctx, &mautrix.ReqCreateRoom{
		Visibility:         "private",
		Preset:             "private_chat",
		RoomAliasName:      req.AliasLocalpart,
		Name:               req.Name,
		Invite:             req.Invite,
		PowerLevelOverride: levels,
	})
	if err != nil {
		return "", fmt.Errorf("create room: %w", err)
	}
	return resp.RoomID, nil
}

func (c *Client) Invite(ctx context.Context, as id.UserID, room id.RoomID, user id.UserID) error {
	cli, err := c.as(as)
	if err != nil {
		return err
	}
	_, err = cli.InviteUser(ctx, room, &mautrix.ReqInviteUser{UserID: user})
	return err
}

func (c *Client) Join(ctx context.Context, as id.UserID, room id.RoomID) error {
	cli, err := c.as(as)
	if err != nil {
		return err
	}
	_, err = cli.JoinRoomByID(ctx, room)
	return err
}

func (c *Client) ResolveAlias(ctx context.Context, alias id.RoomAlias) (id.RoomID, error) {
	resp, err := c.bot.ResolveAlias(ctx, alias)
	if chat.IsNotFound(err) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("resolve alias %s: %w", alias, err)
	}
	return resp.RoomID, nil
}

func (c *Client) PutAlias(ctx context.Context, alias id.RoomAlias, room id.RoomID) error {
	if _, err := c.bot.CreateAlias(ctx, alias, room); err != nil {
		return fmt.Errorf("put alias %s: %w", alias, err)
	}
	return nil
}

func (c *Client) Aliases(ctx context.Context, room id.RoomID) ([]id.RoomAlias, error) {
	resp, err := c.bot.GetAliases(ctx, room)
	if err != nil {
		return nil, fmt.Errorf("list aliases: %w", err)
	}
	return resp.Aliases, nil
}

func (c *Client) Members(ctx context.Context, room id.RoomID) ([]id.UserID, error) {
	resp, err := c.bot.JoinedMembers(ctx, room)
	if err != nil {
		return nil, fmt.Errorf("joined members: %w", err)
	}
	out := make([]id.UserID, 0, len(resp.Joined))
	for user := range resp.Joined {
		out = append(out, user)
	}
	return out, nil
}

func (c *Client) PowerLevels(ctx context.Context, room id.RoomID) (*event.PowerLevelsEventContent, error) {
	var levels event.PowerLevelsEventContent
	if err := c.bot.StateEvent(ctx, room, event.StatePowerLevels, "", &levels); err != nil {
		return nil, fmt.Errorf("get power levels: %w", err)
	}
	return &levels, nil
}

func (c *Client) SetPowerLevels(ctx context.Context, room id.RoomID, levels *event.PowerLevelsEventContent) error {
	if _, err := c.bot.SendStateEvent(ctx, room, event.StatePowerLevels, "", levels); err != nil {
		return fmt.Errorf("set power levels: %w", err)
	}
	return nil
}

func (c *Client) RoomName(ctx context.Context, room id.RoomID) (string, error) {
	var name event.RoomNameEventContent
	err := c.bot.StateEvent(ctx, room, event.StateRoomName, "", &name)
	if chat.IsNotFound(err) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("get room name: %w", err)
	}
	return name.Name, nil
}

func (c *Client) Send(ctx context.Context, as id.UserID, room id.RoomID, msg chat.Message) (id.EventID, error) {
	cli, err := c.as(as)
	if err != nil {
		return "", err
	}
	resp, err := cli.SendMessageEvent(ctx, room, event.EventMessage, msg.Content(), mautrix.ReqSendEvent{
		TransactionID: util.NewID(),
	})
	if err != nil {
		return "", err
	}
	return resp.EventID, nil
}

func (c *Client) Upload(ctx context.Context, as id.UserID, data []byte, contentType, name string) (id.ContentURIString, error) {
	cli, err := c.as(as)
	if err != nil {
		return "", err
	}
	resp, err := cli.UploadBytesWithName(ctx, data, contentType, name)
	if err != nil {
		return "", fmt.Errorf("upload media: %w", err)
	}
	return resp.ContentURI.CUString(), nil
}

func (c *Client) Download(ctx context.Context, uri id.ContentURIString) ([]byte, error) {
	parsed, err := uri.Parse()
	if err != nil {
		return nil, fmt.Errorf("parse media uri: %w", err)
	}
	data, err := c.bot.DownloadBytes(ctx, parsed)
	if err != nil {
		return nil, fmt.Errorf("download media: %w", err)
	}
	return data, nil
}

func (c *Client) Event(ctx context.Context, as id.UserID, room id.RoomID, eventID id.EventID) (*event.Event, error) {
	cli, err := c.as(as)
	if err != nil {
		return nil, err
	}
	evt, err := cli.GetEvent(ctx, room, eventID)
	if err != nil {
		return nil, fmt.Errorf("get event %s: %w", eventID, err)
	}
	chat.ParseContent(evt)
	return evt, nil
}

func (c *Client) Timeline(ctx context.Context, as id.UserID, room id.RoomID, limit int) ([]*event.Event, error) {
	cli, err := c.as(as)
	if err != nil {
		return nil, err
	}
	filter := &mautrix.FilterPart{
		Types: []event.Type{event.EventMessage, event.StateMember},
	}
	resp, err := cli.Messages(ctx, room, "", "", mautrix.DirectionBackward, filter, limit)
	if err != nil {
		return nil, fmt.Errorf("room messages: %w", err)
	}
	out := make([]*event.Event, 0, len(resp.Chunk))
	for i := len(resp.Chunk) - 1; i >= 0; i-- {
		evt := resp.Chunk[i]
		if evt.RoomID == "" {
			evt.RoomID = room
		}
		chat.ParseContent(evt)
		out = append(out, evt)
	}
	return out, nil
}

func (c *Client) LatestMessage(ctx context.Context, room id.RoomID, senders []id.UserID) (*event.Event, error) {
	if len(senders) == 0 {
		return nil, nil
	}
	filter := &mautrix.FilterPart{
		Senders: senders,
		Types:   []event.Type{event.EventMessage},
	}
	resp, err := c.bot.Messages(ctx, room, "", "", mautrix.DirectionBackward, filter, 1)
	if err != nil {
		return nil, fmt.Errorf("latest message: %w", err)
	}
	if len(resp.Chunk) == 0 {
		return nil, nil
	}
	evt := resp.Chunk[0]
	chat.ParseContent(evt)
	return evt, nil
}
