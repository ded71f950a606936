// internal/handlers/ws_codes.go
package handlers

import "github.com/coder/websocket"

// Custom WebSocket close codes used by the lobby handlers. These give
// clients a more specific reason for closure than the standard codes.
const (
	StatusBadSubprotocol websocket.StatusCode = 3000 // Client connected with an unsupported subprotocol.
	StatusLobbyNotFound  websocket.StatusCode = 4000 // Target lobby code does not exist.
	StatusKicked         websocket.StatusCode = 4001 // Host (or the reaper) removed this participant.
	StatusLobbyClosed    websocket.StatusCode = 4002 // Lobby destroyed while the connection was live.
)
