package server

import (
	"context"
	"encoding/json"
	"html"
	"strings"

	"go.uber.org/zap"

	"github.com/andreyschmidt0/cbtwebsocket/game"
)

// sanitizeText escapes HTML special characters to prevent XSS
func sanitizeText(text string) string {
	const maxMessageLength = 300
	if len(text) > maxMessageLength {
		text = text[:maxMessageLength]
	}
	// html.EscapeString escapes <, >, &, ' and "
	return html.EscapeString(strings.TrimSpace(text))
}

// sanitizeName removes non-alphanumeric characters and escapes HTML
func sanitizeName(name string) string {
	const maxNameLength = 32
	if len(name) > maxNameLength {
		name = name[:maxNameLength]
	}

	cleaned := strings.Map(func(r rune) rune {
		if (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') ||
			r == '_' || r == '-' || r == ' ' {
			return r
		}
		return -1
	}, name)

	return html.EscapeString(strings.TrimSpace(cleaned))
}

func (c *Client) handleAuth(data json.RawMessage) {
	var payload struct {
		OIDUser   int64  `json:"oidUser"`
		Token     string `json:"token"`
		Name      string `json:"name"`
		DiscordID string `json:"discordId"`
	}
	if err := json.Unmarshal(data, &payload); err != nil {
		c.reply(ServerMessage{Type: MsgTypeAuthFailed, Data: map[string]interface{}{
			"reason": "malformed payload",
		}})
		return
	}

	claimed, err := c.server.auth.Validate(payload.Token)
	if err != nil || claimed != payload.OIDUser {
		c.server.log.Warn("auth rejected",
			zap.Int64("announced", payload.OIDUser),
			zap.Error(err))
		c.reply(ServerMessage{Type: MsgTypeAuthFailed, Data: map[string]interface{}{
			"reason": "invalid token",
		}})
		return
	}

	player, err := c.server.db.EnsurePlayer(context.Background(), claimed,
		sanitizeName(payload.Name), payload.DiscordID)
	if err != nil {
		c.reply(ServerMessage{Type: MsgTypeAuthFailed, Data: map[string]interface{}{
			"reason": ReasonUserNotFound,
		}})
		return
	}

	if !c.server.bindIdentity(c, claimed) {
		// An older connection already holds this identity.
		c.reply(ServerMessage{Type: MsgTypeAuthFailed, Data: map[string]interface{}{
			"reason": ReasonAlreadyConnect,
		}})
		c.conn.Close()
		return
	}

	c.reply(ServerMessage{Type: MsgTypeAuthSuccess, Data: map[string]interface{}{
		"player": player,
	}})
	c.server.log.Info("player authenticated",
		zap.Int64("player", claimed),
		zap.String("name", player.Name))
}

func (c *Client) handleQueueJoin(data json.RawMessage) {
	var payload struct {
		Classes struct {
			Primary   string `json:"primary"`
			Secondary string `json:"secondary"`
		} `json:"classes"`
	}
	if err := json.Unmarshal(data, &payload); err != nil {
		c.reply(ServerMessage{Type: MsgTypeError, Data: "malformed payload"})
		return
	}

	classes := game.ClassProfile{
		Primary:   game.ParseClass(payload.Classes.Primary),
		Secondary: game.ParseClass(payload.Classes.Secondary),
	}

	entry, err := c.server.Queue.Admit(context.Background(), c.PlayerID, classes)
	if err != nil {
		fail := map[string]interface{}{"reason": "INTERNAL"}
		if qe, ok := err.(*QueueError); ok {
			fail["reason"] = qe.Code
			if !qe.EndsAt.IsZero() {
				fail["endsAt"] = qe.EndsAt.UnixMilli()
			}
			if qe.Existing != 0 {
				fail["existingAccount"] = qe.Existing
			}
		}
		c.reply(ServerMessage{Type: MsgTypeQueueFailed, Data: fail})
		return
	}

	c.reply(ServerMessage{Type: MsgTypeQueueJoined, Data: map[string]interface{}{
		"queueSize": c.server.Queue.Size(),
		"queuedAt":  entry.QueuedAt,
	}})
}

func (c *Client) handleQueueLeave() {
	c.server.Queue.Remove(context.Background(), c.PlayerID)
	c.reply(ServerMessage{Type: MsgTypeQueueLeft, Data: map[string]interface{}{}})
}

func matchIDOf(data json.RawMessage) string {
	var payload struct {
		MatchID string `json:"matchId"`
	}
	_ = json.Unmarshal(data, &payload)
	return payload.MatchID
}

func (c *Client) handleReadyAccept(data json.RawMessage) {
	c.server.Ready.Accept(context.Background(), matchIDOf(data), c.PlayerID)
}

func (c *Client) handleReadyDecline(data json.RawMessage) {
	c.server.Ready.Decline(context.Background(), matchIDOf(data), c.PlayerID)
}

func (c *Client) handleMapVeto(data json.RawMessage) {
	var payload struct {
		MatchID string `json:"matchId"`
		MapID   string `json:"mapId"`
	}
	if err := json.Unmarshal(data, &payload); err != nil {
		c.reply(ServerMessage{Type: MsgTypeError, Data: "malformed payload"})
		return
	}
	if err := c.server.Lobbies.Veto(context.Background(), payload.MatchID, c.PlayerID, payload.MapID); err != nil {
		c.reply(ServerMessage{Type: MsgTypeError, Data: err.Error()})
	}
}

func (c *Client) handleRequestSwap(data json.RawMessage) {
	var payload struct {
		MatchID string `json:"matchId"`
		To      int64  `json:"to"`
	}
	if err := json.Unmarshal(data, &payload); err != nil {
		c.reply(ServerMessage{Type: MsgTypeError, Data: "malformed payload"})
		return
	}
	if err := c.server.Lobbies.RequestSwap(payload.MatchID, c.PlayerID, payload.To); err != nil {
		c.reply(ServerMessage{Type: MsgTypeError, Data: err.Error()})
	}
}

func (c *Client) handleAcceptSwap(data json.RawMessage) {
	if err := c.server.Lobbies.AcceptSwap(context.Background(), matchIDOf(data), c.PlayerID); err != nil {
		c.reply(ServerMessage{Type: MsgTypeError, Data: err.Error()})
	}
}

func (c *Client) handleRoomCreated(data json.RawMessage) {
	var payload struct {
		MatchID   string `json:"matchId"`
		RoomID    string `json:"roomId"`
		MapNumber int    `json:"mapNumber"`
	}
	if err := json.Unmarshal(data, &payload); err != nil {
		c.reply(ServerMessage{Type: MsgTypeError, Data: "malformed payload"})
		return
	}
	if err := c.server.Hosts.ConfirmRoom(context.Background(), payload.MatchID, c.PlayerID, payload.RoomID, payload.MapNumber); err != nil {
		c.reply(ServerMessage{Type: MsgTypeError, Data: err.Error()})
	}
}

func (c *Client) handleHostFailed(data json.RawMessage) {
	var payload struct {
		MatchID string `json:"matchId"`
		Reason  string `json:"reason"`
	}
	if err := json.Unmarshal(data, &payload); err != nil {
		c.reply(ServerMessage{Type: MsgTypeError, Data: "malformed payload"})
		return
	}
	if err := c.server.Hosts.ReportFailure(context.Background(), payload.MatchID, c.PlayerID, payload.Reason); err != nil {
		c.reply(ServerMessage{Type: MsgTypeError, Data: err.Error()})
	}
}

func (c *Client) handleLobbyAbandon(data json.RawMessage) {
	if err := c.server.Lobbies.Abandon(context.Background(), matchIDOf(data), c.PlayerID); err != nil {
		c.reply(ServerMessage{Type: MsgTypeError, Data: err.Error()})
	}
}

func (c *Client) handleChatSend(data json.RawMessage) {
	var payload struct {
		MatchID string `json:"matchId"`
		Channel string `json:"channel"`
		Message string `json:"message"`
	}
	if err := json.Unmarshal(data, &payload); err != nil {
		c.reply(ServerMessage{Type: MsgTypeError, Data: "malformed payload"})
		return
	}
	message := sanitizeText(payload.Message)
	if message == "" {
		return
	}
	if err := c.server.Lobbies.Chat(payload.MatchID, c.PlayerID, payload.Channel, message); err != nil {
		c.reply(ServerMessage{Type: MsgTypeError, Data: err.Error()})
	}
}
