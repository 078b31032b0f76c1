package domain

import "errors"

var (
	ErrUnknownMessageType = errors.New("unknown message type")
	ErrSourceNotFound     = errors.New("source not found")
	ErrTrackNotFound      = errors.New("no sender for media kind")
	ErrOfferPending       = errors.New("offer already in progress")
	ErrNoTransport        = errors.New("transport not initialized")
	ErrUnexpectedAnswer   = errors.New("answer received while not awaiting one")
	ErrWrongRole          = errors.New("operation not available for this role")
)
