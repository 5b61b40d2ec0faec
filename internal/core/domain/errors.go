package domain

import "errors"

var (
	ErrRoomAlreadyExists = errors.New("room already exists")
	ErrRoomNotFound      = errors.New("room not found")
	ErrRoomFull          = errors.New("room is full")
	ErrAlreadyInRoom     = errors.New("participant already in room")
	ErrNotInRoom         = errors.New("participant not in room")
	ErrInvalidRoom       = errors.New("invalid room")
	ErrPeerAbsent        = errors.New("no peer in room")
	ErrInvalidRoomID     = errors.New("invalid room id")

	ErrPermissionDenied   = errors.New("media permission denied")
	ErrDeviceUnavailable  = errors.New("media device unavailable")
	ErrAppointmentMissing = errors.New("appointment not found")
)
