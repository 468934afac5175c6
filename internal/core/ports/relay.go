package ports

import (
	"context"

	"xipher/internal/core/domain"
)

// RelayFeed is a remote publisher announced by the relay.
type RelayFeed struct {
	FeedID  uint64
	Display domain.UserID
}

// RelayEvents receives relay-side changes for one room membership.
type RelayEvents interface {
	FeedAttached(feed RelayFeed)
	FeedDetached(feed RelayFeed)
	// LinkStateChanged reports a connection state change of the publisher
	// link (publisher true, feed is our own) or of the subscriber link of feed.
	LinkStateChanged(feed RelayFeed, publisher bool, link PeerLink, state domain.LinkState)
	RelayLost(err error)
}

// RelayJoinOptions describes a publisher joining a relay room.
type RelayJoinOptions struct {
	CallID       domain.CallID
	GroupID      domain.GroupID
	Self         domain.UserID
	Media        LocalMedia
	ICEServers   []domain.ICEServer
	ReceiveVideo bool
}

// RelayRoom is one relay session carrying a publisher and its subscribers.
type RelayRoom interface {
	Join(ctx context.Context, opts RelayJoinOptions) error
	Feeds() []RelayFeed
	PublisherLink() PeerLink
	// RestartPublisher renegotiates the publisher link with an ICE-restart offer.
	RestartPublisher(ctx context.Context) error
	// RestartFeed asks the relay for an ICE-restart offer on one subscription
	// and answers it.
	RestartFeed(ctx context.Context, feedID uint64) error
	// DropFeed closes one subscription. FeedDetached follows for an attached feed.
	DropFeed(ctx context.Context, feedID uint64) error
	Leave(ctx context.Context) error
}

// RelayConnector opens relay sessions; a successful Open confirms the relay
// is available.
type RelayConnector interface {
	Open(ctx context.Context, events RelayEvents) (RelayRoom, error)
}
