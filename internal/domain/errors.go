package domain

import "errors"

var (
	ErrInterestNotFound     = errors.New("interest not found")
	ErrDuplicateInterest    = errors.New("duplicate interest")
	ErrSubscriptionNotFound = errors.New("subscription not found")
	ErrServiceNotFound      = errors.New("service account not found")
	ErrBotNotFound          = errors.New("bot account not found")
	ErrChannelStateNotFound = errors.New("channel state not found")
)
