package server

import "errors"

var (
	ErrSessionClosed    = errors.New("session is already closed")
	ErrServerClosed     = errors.New("server is already closed")
	ErrRoomNotRunning   = errors.New("room is not running")
	ErrRoomFull         = errors.New("room is full")
	ErrRoomNotFound     = errors.New("room not found")
	ErrUnknownRoomType  = errors.New("unknown room type")
	ErrAlreadyInRoom    = errors.New("session already joined a room")
	ErrNotInRoom        = errors.New("session is not a member of the room")
	ErrNoState          = errors.New("room has no state")
	ErrMalformedFrame   = errors.New("malformed frame")
	ErrUnexpectedFrame  = errors.New("unexpected frame kind")
	ErrUnauthorized     = errors.New("join rejected")
	ErrUnknownMessage   = errors.New("no handler for message type")
	ErrHandshakeInvalid = errors.New("invalid handshake")
)
