package domain

import "errors"

var (
	ErrRoomNotFound          = errors.New("room not found")
	ErrInvalidPayload        = errors.New("invalid payload")
	ErrChannelClosed         = errors.New("data channel closed")
	ErrAuthenticationFailure = errors.New("chunk authentication failed")
	ErrKeyExchangeFailure    = errors.New("key exchange failed")
	ErrTransferIncomplete    = errors.New("transfer incomplete")
	ErrSizeMismatch          = errors.New("received size does not match declared size")
)
