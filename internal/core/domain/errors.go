package domain

import apperrors "xipher/pkg/errors"

// Sentinels are matched with errors.Is by code, so any AppError carrying the
// same code matches regardless of message or cause.
var (
	ErrMalformedPayload     = apperrors.New(apperrors.ErrCodeMalformedPayload, "malformed signaling payload")
	ErrNoActiveLink         = apperrors.New(apperrors.ErrCodeNoActiveLink, "no active peer link")
	ErrInvalidNegotiation   = apperrors.New(apperrors.ErrCodeInvalidNegotiation, "invalid negotiation state")
	ErrMediaDenied          = apperrors.New(apperrors.ErrCodeMediaDenied, "media acquisition denied")
	ErrMediaUnavailable     = apperrors.New(apperrors.ErrCodeMediaUnavailable, "media device unavailable")
	ErrTransportUnavailable = apperrors.New(apperrors.ErrCodeTransportUnavailable, "signaling transport unavailable")
	ErrRecoveryExhausted    = apperrors.New(apperrors.ErrCodeRecoveryExhausted, "connection recovery exhausted")
	ErrCallInProgress       = apperrors.New(apperrors.ErrCodeConflict, "a call is already in progress")
	ErrNoCall               = apperrors.New(apperrors.ErrCodeNotFound, "no call in progress")
	ErrParticipantNotFound  = apperrors.New(apperrors.ErrCodeNotFound, "participant not found")
	ErrCallRecordNotFound   = apperrors.New(apperrors.ErrCodeNotFound, "call record not found")
	ErrRelayUnavailable     = apperrors.New(apperrors.ErrCodeTransportUnavailable, "relay unavailable")
)
