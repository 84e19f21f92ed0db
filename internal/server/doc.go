// Package server implements the real-time room messaging endpoint of RoomChat.
//
// Each WebSocket connection on /ws/{roomID} is driven by a Session that
// authenticates the token, checks room membership, registers with the hub,
// and then admits frames through the rate limiter and content filter before
// persisting and broadcasting them. The code is split by concern: client.go
// holds the read and write pumps, session.go the per-connection state
// machine, handlers.go and routes.go the HTTP surface, and http_server.go
// the lifecycle.
package server
