package constants

import "time"

// Credential store keys. Clearing every key listed in OwnedKeys is the complete
// definition of a logged-out client.
const (
	KeyAuthToken      = "authToken"
	KeySessionProfile = "sessionProfile"
)

var OwnedKeys = []string{KeyAuthToken, KeySessionProfile}

const DefaultStoreNamespace = "stockyard"

// Signal tags pushed over the notification channel.
const (
	SignalNewMessage   = "NEW_MESSAGE"
	SignalNotification = "NOTIFICATION"
)

const (
	AvatarMaxEdge     = 512
	AvatarJPEGQuality = 85
	AvatarMaxBytes    = 5 << 20
)

const (
	DefaultRequestTimeout = 15 * time.Second
	DefaultStoreTimeout   = 2 * time.Second
)
