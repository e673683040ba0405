// internal/matrix/client.go
package matrix

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/google/uuid"

	"github.com/user/roomsync/internal/types"
)

const apiPrefix = "/_matrix/client/v3"

// Client is a minimal Matrix client-server API client. It implements
// types.RoomClient. Messages sent by the client's own user are attributed
// to the assistant role.
type Client struct {
	http   *resty.Client
	userID types.UserID
}

// NewClient creates a Matrix client against the given homeserver.
func NewClient(homeserverURL, accessToken string, userID types.UserID) *Client {
	http := resty.New().
		SetBaseURL(homeserverURL).
		SetTimeout(60 * time.Second).
		SetHeader("Content-Type", "application/json").
		SetAuthToken(accessToken)
	return &Client{http: http, userID: userID}
}

// UserID returns the user the client is authenticated as.
func (c *Client) UserID() types.UserID { return c.userID }

type apiError struct {
	Errcode string `json:"errcode"`
	Message string `json:"error"`
}

type wireEvent struct {
	EventID        string          `json:"event_id"`
	Type           string          `json:"type"`
	Sender         string          `json:"sender"`
	StateKey       *string         `json:"state_key,omitempty"`
	OriginServerTS int64           `json:"origin_server_ts"`
	Content        json.RawMessage `json:"content"`
}

type messageContent struct {
	MsgType       string `json:"msgtype"`
	Body          string `json:"body"`
	Format        string `json:"format,omitempty"`
	FormattedBody string `json:"formatted_body,omitempty"`
}

type memberContent struct {
	Membership  string `json:"membership"`
	DisplayName string `json:"displayname,omitempty"`
	AvatarURL   string `json:"avatar_url,omitempty"`
}

func checkResponse(resp *resty.Response, op string) error {
	if !resp.IsError() {
		return nil
	}
	var apiErr apiError
	if err := json.Unmarshal(resp.Body(), &apiErr); err == nil && apiErr.Errcode != "" {
		return fmt.Errorf("%s: status %d (%s: %s)", op, resp.StatusCode(), apiErr.Errcode, apiErr.Message)
	}
	return fmt.Errorf("%s: status %d", op, resp.StatusCode())
}

func roomPath(roomID types.RoomID, suffix string) string {
	return apiPrefix + "/rooms/" + url.PathEscape(string(roomID)) + suffix
}

// ListMembers returns the room's current membership from m.room.member state.
func (c *Client) ListMembers(ctx context.Context, roomID types.RoomID) ([]*types.Participant, error) {
	var body struct {
		Chunk []wireEvent `json:"chunk"`
	}
	resp, err := c.http.R().
		SetContext(ctx).
		SetResult(&body).
		Get(roomPath(roomID, "/members"))
	if err != nil {
		return nil, fmt.Errorf("list members: %w", err)
	}
	if err := checkResponse(resp, "list members"); err != nil {
		return nil, err
	}

	members := make([]*types.Participant, 0, len(body.Chunk))
	for _, ev := range body.Chunk {
		if ev.Type != "m.room.member" || ev.StateKey == nil {
			continue
		}
		var content memberContent
		if err := json.Unmarshal(ev.Content, &content); err != nil {
			continue
		}
		at := time.UnixMilli(ev.OriginServerTS)
		p := &types.Participant{
			UserID:       types.UserID(*ev.StateKey),
			DisplayName:  content.DisplayName,
			AvatarURL:    content.AvatarURL,
			Membership:   types.Membership(content.Membership),
			LastActivity: at,
		}
		if p.Membership == types.MembershipJoin {
			p.JoinedAt = at
		}
		members = append(members, p)
	}
	return members, nil
}

// ListMessages fetches up to limit recent text messages from the room.
// Non-text events are filtered out. No ordering is guaranteed.
func (c *Client) ListMessages(ctx context.Context, roomID types.RoomID, limit int) ([]*types.RemoteMessage, error) {
	var body struct {
		Chunk []wireEvent `json:"chunk"`
	}
	resp, err := c.http.R().
		SetContext(ctx).
		SetQueryParams(map[string]string{
			"dir":   "b",
			"limit": fmt.Sprintf("%d", limit),
		}).
		SetResult(&body).
		Get(roomPath(roomID, "/messages"))
	if err != nil {
		return nil, fmt.Errorf("list messages: %w", err)
	}
	if err := checkResponse(resp, "list messages"); err != nil {
		return nil, err
	}

	msgs := make([]*types.RemoteMessage, 0, len(body.Chunk))
	for _, ev := range body.Chunk {
		if ev.Type != "m.room.message" {
			continue
		}
		var content messageContent
		if err := json.Unmarshal(ev.Content, &content); err != nil {
			continue
		}
		if content.MsgType != "m.text" && content.MsgType != "m.notice" {
			continue
		}
		msg := &types.RemoteMessage{
			ID:        ev.EventID,
			Content:   content.Body,
			Timestamp: ev.OriginServerTS,
			Sender:    types.UserID(ev.Sender),
			Role:      types.RoleUser,
		}
		if content.Format == "org.matrix.custom.html" {
			msg.FormattedBody = content.FormattedBody
		}
		if msg.Sender == c.userID {
			msg.Role = types.RoleAssistant
		}
		msgs = append(msgs, msg)
	}
	return msgs, nil
}

// SendMessage posts a plain text message to the room.
func (c *Client) SendMessage(ctx context.Context, roomID types.RoomID, text string) error {
	txnID := uuid.New().String()
	resp, err := c.http.R().
		SetContext(ctx).
		SetBody(messageContent{MsgType: "m.text", Body: text}).
		Put(roomPath(roomID, "/send/m.room.message/"+txnID))
	if err != nil {
		return fmt.Errorf("send message: %w", err)
	}
	return checkResponse(resp, "send message")
}

// JoinRoom joins the room on behalf of the client's user.
func (c *Client) JoinRoom(ctx context.Context, roomID types.RoomID) error {
	resp, err := c.http.R().
		SetContext(ctx).
		SetBody(map[string]string{}).
		Post(roomPath(roomID, "/join"))
	if err != nil {
		return fmt.Errorf("join room: %w", err)
	}
	return checkResponse(resp, "join room")
}

// InviteUser invites the user to the room.
func (c *Client) InviteUser(ctx context.Context, roomID types.RoomID, userID types.UserID) error {
	resp, err := c.http.R().
		SetContext(ctx).
		SetBody(map[string]string{"user_id": string(userID)}).
		Post(roomPath(roomID, "/invite"))
	if err != nil {
		return fmt.Errorf("invite user: %w", err)
	}
	return checkResponse(resp, "invite user")
}

type syncTimeline struct {
	Events []wireEvent `json:"events"`
}

type syncJoinedRoom struct {
	Timeline syncTimeline `json:"timeline"`
	State    syncTimeline `json:"state"`
}

// SyncResponse is one batch of the incremental event stream.
type SyncResponse struct {
	NextBatch string `json:"next_batch"`
	Rooms     struct {
		Join map[string]syncJoinedRoom `json:"join"`
	} `json:"rooms"`
}

// Sync performs one long-poll against the homeserver's event stream. An
// empty since starts a fresh stream.
func (c *Client) Sync(ctx context.Context, since string, timeout time.Duration) (*SyncResponse, error) {
	params := map[string]string{
		"timeout": fmt.Sprintf("%d", timeout.Milliseconds()),
	}
	if since != "" {
		params["since"] = since
	}
	var body SyncResponse
	resp, err := c.http.R().
		SetContext(ctx).
		SetQueryParams(params).
		SetResult(&body).
		Get(apiPrefix + "/sync")
	if err != nil {
		return nil, fmt.Errorf("sync: %w", err)
	}
	if err := checkResponse(resp, "sync"); err != nil {
		return nil, err
	}
	return &body, nil
}

// Events flattens a sync batch into room events, state events first.
func (r *SyncResponse) Events() []*types.RoomEvent {
	var out []*types.RoomEvent
	for roomID, joined := range r.Rooms.Join {
		for _, ev := range joined.State.Events {
			out = append(out, toRoomEvent(types.RoomID(roomID), ev))
		}
		for _, ev := range joined.Timeline.Events {
			out = append(out, toRoomEvent(types.RoomID(roomID), ev))
		}
	}
	return out
}

func toRoomEvent(roomID types.RoomID, ev wireEvent) *types.RoomEvent {
	out := &types.RoomEvent{
		ID:        ev.EventID,
		Type:      ev.Type,
		RoomID:    roomID,
		Sender:    types.UserID(ev.Sender),
		Timestamp: ev.OriginServerTS,
		Content:   ev.Content,
	}
	if ev.StateKey != nil {
		out.StateKey = *ev.StateKey
	}
	return out
}
