// internal/handlers/lobby_ws_test.go
package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/speedtcode/server/internal/auth"
)

// dialLobby opens a websocket session against the handler under test.
// cookie may be empty, in which case the server mints a guest identity.
func dialLobby(ctx context.Context, t *testing.T, srvURL, lobbyID, username, cookie string) *websocket.Conn {
	t.Helper()
	wsURL := "ws" + strings.TrimPrefix(srvURL, "http") + "/ws/lobby/" + lobbyID + "?username=" + username

	opts := &websocket.DialOptions{Subprotocols: []string{"lobby"}}
	if cookie != "" {
		opts.HTTPHeader = http.Header{"Cookie": []string{"auth_token=" + cookie}}
	}
	c, _, err := websocket.Dial(ctx, wsURL, opts)
	require.NoError(t, err)
	return c
}

type wsMessage struct {
	Type         string `json:"type"`
	Participants []struct {
		ID string `json:"id"`
	} `json:"participants"`
}

func TestLobbyWSKickDeliversTerminalNotice(t *testing.T) {
	auth.Init()
	mgr := newTestManager()

	srv := httptest.NewServer(LobbyWSHandler(testLogger(), mgr))
	defer srv.Close()

	lobbyID, err := mgr.CreateLobby("host-1", "0001", "python")
	require.NoError(t, err)
	hostToken, err := auth.CreateJWT("host-1")
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	hostConn := dialLobby(ctx, t, srv.URL, lobbyID, "Alice", hostToken)
	defer hostConn.Close(websocket.StatusNormalClosure, "")

	guestConn := dialLobby(ctx, t, srv.URL, lobbyID, "Bob", "")
	defer guestConn.Close(websocket.StatusNormalClosure, "")

	// The guest's minted id shows up in the host's snapshots.
	var targetID string
	for targetID == "" {
		_, data, err := hostConn.Read(ctx)
		require.NoError(t, err)
		var state wsMessage
		require.NoError(t, json.Unmarshal(data, &state))
		for _, p := range state.Participants {
			if p.ID != "host-1" {
				targetID = p.ID
			}
		}
	}

	kick, err := json.Marshal(map[string]string{"type": "KICK_PARTICIPANT", "targetId": targetID})
	require.NoError(t, err)
	require.NoError(t, hostConn.Write(ctx, websocket.MessageText, kick))

	// The kicked client must see KICKED before its socket closes, and the
	// close must carry the kick code rather than a generic failure.
	sawKicked := false
	for {
		_, data, err := guestConn.Read(ctx)
		if err != nil {
			assert.Equal(t, StatusKicked, websocket.CloseStatus(err))
			break
		}
		var msg wsMessage
		require.NoError(t, json.Unmarshal(data, &msg))
		if msg.Type == "KICKED" {
			sawKicked = true
		}
	}
	assert.True(t, sawKicked, "terminal notice must precede forced closure")

	_, err = mgr.GetSummary(lobbyID)
	assert.NoError(t, err, "lobby survives a kick while the host is connected")
}
