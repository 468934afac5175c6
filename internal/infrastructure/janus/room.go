package janus

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"xipher/internal/core/domain"
	"xipher/internal/core/ports"
)

const detachTimeout = 5 * time.Second

// feedPeer is one handle with its link. Remote candidates that arrive before
// the remote description is applied are held in pending.
type feedPeer struct {
	handleID uint64
	feed     ports.RelayFeed
	link     ports.PeerLink
	pending  []domain.Candidate
	ready    bool
	attached bool
}

// Room is one relay session joined to a videoroom as publisher, with a
// subscriber per remote feed.
type Room struct {
	session *session
	client  *Client
	events  ports.RelayEvents
	logger  *zap.SugaredLogger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu          sync.Mutex
	opts        ports.RelayJoinOptions
	roomID      uint64
	publisher   *feedPeer
	subscribers map[uint64]*feedPeer
	left        bool
}

var _ ports.RelayRoom = (*Room)(nil)

func newRoom(s *session, c *Client, events ports.RelayEvents) *Room {
	ctx, cancel := context.WithCancel(context.Background())
	return &Room{
		session:     s,
		client:      c,
		events:      events,
		logger:      c.logger,
		ctx:         ctx,
		cancel:      cancel,
		subscribers: make(map[uint64]*feedPeer),
	}
}

// Join publishes local media into the group's room and subscribes to every
// feed already present.
func (r *Room) Join(ctx context.Context, opts ports.RelayJoinOptions) error {
	r.mu.Lock()
	if r.left {
		r.mu.Unlock()
		return ErrSessionClosed
	}
	if r.publisher != nil {
		r.mu.Unlock()
		return fmt.Errorf("relay room already joined: %w", domain.ErrInvalidNegotiation)
	}
	pub := &feedPeer{feed: ports.RelayFeed{Display: opts.Self}}
	r.publisher = pub
	r.opts = opts
	r.roomID = RoomID(opts.GroupID)
	roomID := r.roomID
	r.mu.Unlock()

	handleID, err := r.session.attach(ctx, func(msg *message) { r.onPublisherMessage(pub, msg) })
	if err != nil {
		return err
	}
	r.mu.Lock()
	pub.handleID = handleID
	r.mu.Unlock()

	_, _, err = r.session.pluginRequest(ctx, handleID, map[string]interface{}{
		"request":     "create",
		"room":        roomID,
		"description": string(opts.GroupID),
		"publishers":  32,
	}, nil, false, 0)
	var relayErr *Error
	if err != nil && !(errors.As(err, &relayErr) && relayErr.Code == errRoomExists) {
		return err
	}

	joined, _, err := r.session.pluginRequest(ctx, handleID, map[string]interface{}{
		"request": "join",
		"ptype":   "publisher",
		"room":    roomID,
		"display": string(opts.Self),
	}, nil, true, r.client.cfg.JoinTimeout)
	if err != nil {
		return err
	}
	if joined.Videoroom != "joined" {
		return fmt.Errorf("relay join: unexpected reply %q", joined.Videoroom)
	}

	link, err := r.client.links.NewLink(ctx, ports.LinkOptions{
		Label:      "relay-publisher",
		Peer:       opts.Self,
		ICEServers: opts.ICEServers,
		Media:      opts.Media,
	})
	if err != nil {
		return fmt.Errorf("create publisher link: %w", err)
	}
	r.mu.Lock()
	pub.link = link
	pub.feed.FeedID = joined.ID
	r.mu.Unlock()
	link.OnLocalCandidate(func(c *domain.Candidate) { r.trickle(handleID, c) })
	r.watchLink(pub, true, link)

	offer, err := link.CreateOffer(ctx, false)
	if err != nil {
		return fmt.Errorf("create publisher offer: %w", err)
	}
	if err := link.SetLocalDescription(ctx, offer); err != nil {
		return fmt.Errorf("apply publisher offer: %w", err)
	}

	video := opts.Media != nil && opts.Media.Kind() == domain.CallVideo
	_, reply, err := r.session.pluginRequest(ctx, handleID, map[string]interface{}{
		"request": "configure",
		"audio":   true,
		"video":   video,
	}, toJSEP(offer), true, 0)
	if err != nil {
		return err
	}
	if reply.JSEP == nil {
		return fmt.Errorf("relay configure: no answer in reply")
	}
	if err := link.SetRemoteDescription(ctx, fromJSEP(reply.JSEP)); err != nil {
		return fmt.Errorf("apply relay answer: %w", err)
	}
	r.markReady(pub)

	r.logger.Infow("Joined relay room",
		"call_id", opts.CallID,
		"group_id", opts.GroupID,
		"room", roomID,
		"feed_id", joined.ID,
		"publishers", len(joined.Publishers),
	)
	for _, p := range joined.Publishers {
		r.subscribe(p)
	}
	return nil
}

// Feeds lists the remote feeds with an established subscription.
func (r *Room) Feeds() []ports.RelayFeed {
	r.mu.Lock()
	defer r.mu.Unlock()
	feeds := make([]ports.RelayFeed, 0, len(r.subscribers))
	for _, sub := range r.subscribers {
		if sub.attached {
			feeds = append(feeds, sub.feed)
		}
	}
	return feeds
}

func (r *Room) PublisherLink() ports.PeerLink {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.publisher == nil {
		return nil
	}
	return r.publisher.link
}

// RestartPublisher sends an ICE-restart offer for the publisher link in a
// configure request and applies the relay's answer.
func (r *Room) RestartPublisher(ctx context.Context) error {
	r.mu.Lock()
	if r.left {
		r.mu.Unlock()
		return ErrSessionClosed
	}
	pub := r.publisher
	var (
		link     ports.PeerLink
		handleID uint64
	)
	if pub != nil && pub.ready {
		link, handleID = pub.link, pub.handleID
	}
	video := r.opts.Media != nil && r.opts.Media.Kind() == domain.CallVideo
	callID := r.opts.CallID
	r.mu.Unlock()
	if link == nil {
		return fmt.Errorf("relay publisher: %w", domain.ErrNoActiveLink)
	}

	offer, err := link.CreateOffer(ctx, true)
	if err != nil {
		return fmt.Errorf("create publisher restart offer: %w", err)
	}
	if err := link.SetLocalDescription(ctx, offer); err != nil {
		return fmt.Errorf("apply publisher restart offer: %w", err)
	}
	_, reply, err := r.session.pluginRequest(ctx, handleID, map[string]interface{}{
		"request": "configure",
		"audio":   true,
		"video":   video,
	}, toJSEP(offer), true, 0)
	if err != nil {
		return err
	}
	if reply.JSEP == nil {
		return fmt.Errorf("relay configure: no answer in reply")
	}
	if err := link.SetRemoteDescription(ctx, fromJSEP(reply.JSEP)); err != nil {
		return fmt.Errorf("apply relay restart answer: %w", err)
	}
	r.logger.Infow("Relay publisher restarted", "call_id", callID, "handle_id", handleID)
	return nil
}

// RestartFeed asks the relay to renegotiate one subscription with fresh ICE
// credentials and answers its offer.
func (r *Room) RestartFeed(ctx context.Context, feedID uint64) error {
	r.mu.Lock()
	if r.left {
		r.mu.Unlock()
		return ErrSessionClosed
	}
	sub, ok := r.subscribers[feedID]
	var (
		link     ports.PeerLink
		handleID uint64
	)
	if ok && sub.attached {
		link, handleID = sub.link, sub.handleID
	}
	roomID, callID := r.roomID, r.opts.CallID
	r.mu.Unlock()
	if link == nil {
		return fmt.Errorf("relay feed %d: %w", feedID, domain.ErrNoActiveLink)
	}

	_, reply, err := r.session.pluginRequest(ctx, handleID, map[string]interface{}{
		"request": "configure",
		"restart": true,
	}, nil, true, 0)
	if err != nil {
		return err
	}
	if reply.JSEP == nil {
		return fmt.Errorf("relay restart: no offer for feed %d", feedID)
	}
	if err := link.SetRemoteDescription(ctx, fromJSEP(reply.JSEP)); err != nil {
		return fmt.Errorf("apply relay restart offer: %w", err)
	}
	answer, err := link.CreateAnswer(ctx)
	if err != nil {
		return fmt.Errorf("create subscriber restart answer: %w", err)
	}
	if err := link.SetLocalDescription(ctx, answer); err != nil {
		return fmt.Errorf("apply subscriber restart answer: %w", err)
	}
	if _, _, err := r.session.pluginRequest(ctx, handleID, map[string]interface{}{
		"request": "start",
		"room":    roomID,
	}, toJSEP(answer), true, 0); err != nil {
		return err
	}
	r.logger.Infow("Relay feed restarted", "call_id", callID, "feed_id", feedID)
	return nil
}

// DropFeed detaches one subscription without touching the others.
func (r *Room) DropFeed(ctx context.Context, feedID uint64) error {
	r.mu.Lock()
	if r.left {
		r.mu.Unlock()
		return ErrSessionClosed
	}
	if _, ok := r.subscribers[feedID]; !ok {
		r.mu.Unlock()
		return fmt.Errorf("relay feed %d: %w", feedID, domain.ErrParticipantNotFound)
	}
	r.wg.Add(1)
	r.mu.Unlock()
	defer r.wg.Done()

	r.detach(feedID)
	return nil
}

// Leave closes every link and destroys the session. It is safe on a dead
// transport and on repeated calls.
func (r *Room) Leave(ctx context.Context) error {
	r.mu.Lock()
	if r.left {
		r.mu.Unlock()
		return nil
	}
	r.left = true
	peers := make([]*feedPeer, 0, len(r.subscribers)+1)
	if r.publisher != nil {
		peers = append(peers, r.publisher)
	}
	for _, sub := range r.subscribers {
		peers = append(peers, sub)
	}
	r.mu.Unlock()

	r.cancel()
	for _, p := range peers {
		r.mu.Lock()
		link := p.link
		r.mu.Unlock()
		if link != nil {
			_ = link.Close()
		}
	}

	r.session.close(ctx)
	r.wg.Wait()

	r.mu.Lock()
	subs := r.subscribers
	r.subscribers = make(map[uint64]*feedPeer)
	callID := r.opts.CallID
	r.mu.Unlock()
	if dir := r.client.directory; dir != nil && callID != "" {
		for _, sub := range subs {
			if err := dir.RemoveParticipant(ctx, callID, sub.feed.Display); err != nil {
				r.logger.Debugw("Directory removal failed", "call_id", callID, "user_id", sub.feed.Display, "error", err)
			}
		}
	}
	r.logger.Infow("Left relay room", "call_id", callID, "room", r.roomID)
	return nil
}

// lost is the session's failure callback.
func (r *Room) lost(err error) {
	r.mu.Lock()
	left := r.left
	r.mu.Unlock()
	if left {
		return
	}
	r.events.RelayLost(err)
}

// watchLink reports state changes of a relay link while the room is joined.
// Closing is local bookkeeping and is not reported.
func (r *Room) watchLink(p *feedPeer, publisher bool, link ports.PeerLink) {
	link.OnConnectionStateChange(func(state domain.LinkState) {
		if state == domain.LinkClosed {
			return
		}
		r.mu.Lock()
		left := r.left
		feed := p.feed
		r.mu.Unlock()
		if left {
			return
		}
		r.events.LinkStateChanged(feed, publisher, link, state)
	})
}

func (r *Room) trickle(handleID uint64, c *domain.Candidate) {
	if err := r.session.notify(&message{Janus: "trickle", HandleID: handleID, Candidate: toTrickle(c)}); err != nil {
		r.logger.Debugw("Relay trickle failed", "handle_id", handleID, "error", err)
	}
}

// addRemoteCandidate applies or buffers a candidate trickled by the relay.
func (r *Room) addRemoteCandidate(p *feedPeer, t *trickleCandidate) {
	c := fromTrickle(t)
	r.mu.Lock()
	if !p.ready {
		p.pending = append(p.pending, c)
		r.mu.Unlock()
		return
	}
	link := p.link
	r.mu.Unlock()
	if err := link.AddICECandidate(c); err != nil {
		r.logger.Debugw("Relay candidate rejected", "handle_id", p.handleID, "error", err)
	}
}

func (r *Room) markReady(p *feedPeer) {
	r.mu.Lock()
	p.ready = true
	pending := p.pending
	p.pending = nil
	link := p.link
	r.mu.Unlock()
	for _, c := range pending {
		if err := link.AddICECandidate(c); err != nil {
			r.logger.Debugw("Buffered relay candidate rejected", "handle_id", p.handleID, "error", err)
		}
	}
}

// onPublisherMessage runs on the session reader; anything issuing requests
// must leave that goroutine.
func (r *Room) onPublisherMessage(pub *feedPeer, msg *message) {
	switch msg.Janus {
	case "trickle":
		if msg.Candidate != nil {
			r.addRemoteCandidate(pub, msg.Candidate)
		}
	case "hangup":
		r.logger.Warnw("Relay hung up publisher", "reason", msg.Reason)
		go r.lost(fmt.Errorf("publisher hangup: %s", msg.Reason))
	case "event":
		if msg.PluginData == nil {
			return
		}
		var data videoroomData
		if err := json.Unmarshal(msg.PluginData.Data, &data); err != nil {
			r.logger.Warnw("Undecodable videoroom event", "error", err)
			return
		}
		for _, p := range data.Publishers {
			r.subscribe(p)
		}
		for _, raw := range []json.RawMessage{data.Unpublished, data.Leaving} {
			if id, ok := feedID(raw); ok {
				r.goDetach(id)
			}
		}
	default:
		r.logger.Debugw("Relay publisher notification", "janus", msg.Janus)
	}
}

func (r *Room) onSubscriberMessage(sub *feedPeer, msg *message) {
	switch msg.Janus {
	case "trickle":
		if msg.Candidate != nil {
			r.addRemoteCandidate(sub, msg.Candidate)
		}
	case "hangup":
		r.goDetach(sub.feed.FeedID)
	default:
		r.logger.Debugw("Relay subscriber notification", "janus", msg.Janus, "feed_id", sub.feed.FeedID)
	}
}

// subscribe starts a subscription to a remote feed unless one exists.
func (r *Room) subscribe(p publisher) {
	r.mu.Lock()
	if r.left || r.publisher == nil || p.ID == r.publisher.feed.FeedID {
		r.mu.Unlock()
		return
	}
	if _, ok := r.subscribers[p.ID]; ok {
		r.mu.Unlock()
		return
	}
	sub := &feedPeer{feed: ports.RelayFeed{FeedID: p.ID, Display: domain.UserID(p.Display)}}
	r.subscribers[p.ID] = sub
	r.wg.Add(1)
	r.mu.Unlock()

	go func() {
		defer r.wg.Done()
		if err := r.runSubscriber(sub); err != nil {
			if r.ctx.Err() == nil {
				r.logger.Warnw("Relay subscription failed", "feed_id", p.ID, "display", p.Display, "error", err)
			}
			r.detach(sub.feed.FeedID)
		}
	}()
}

func (r *Room) runSubscriber(sub *feedPeer) error {
	ctx := r.ctx
	handleID, err := r.session.attach(ctx, func(msg *message) { r.onSubscriberMessage(sub, msg) })
	if err != nil {
		return err
	}
	r.mu.Lock()
	sub.handleID = handleID
	roomID, opts := r.roomID, r.opts
	r.mu.Unlock()

	_, reply, err := r.session.pluginRequest(ctx, handleID, map[string]interface{}{
		"request": "join",
		"ptype":   "subscriber",
		"room":    roomID,
		"feed":    sub.feed.FeedID,
	}, nil, true, r.client.cfg.JoinTimeout)
	if err != nil {
		return err
	}
	if reply.JSEP == nil {
		return fmt.Errorf("relay subscribe: no offer for feed %d", sub.feed.FeedID)
	}

	link, err := r.client.links.NewLink(ctx, ports.LinkOptions{
		Label:        fmt.Sprintf("relay-feed-%d", sub.feed.FeedID),
		Peer:         sub.feed.Display,
		ICEServers:   opts.ICEServers,
		ReceiveAudio: true,
		ReceiveVideo: opts.ReceiveVideo,
	})
	if err != nil {
		return fmt.Errorf("create subscriber link: %w", err)
	}
	r.mu.Lock()
	sub.link = link
	left := r.left
	r.mu.Unlock()
	if left {
		_ = link.Close()
		return ErrSessionClosed
	}
	if link.NegotiationState() != domain.NegotiationStable || link.HasRemoteDescription() {
		return fmt.Errorf("subscriber link not fresh: %w", domain.ErrInvalidNegotiation)
	}
	link.OnLocalCandidate(func(c *domain.Candidate) { r.trickle(handleID, c) })
	r.watchLink(sub, false, link)

	if err := link.SetRemoteDescription(ctx, fromJSEP(reply.JSEP)); err != nil {
		return fmt.Errorf("apply relay offer: %w", err)
	}
	r.markReady(sub)
	answer, err := link.CreateAnswer(ctx)
	if err != nil {
		return fmt.Errorf("create subscriber answer: %w", err)
	}
	if err := link.SetLocalDescription(ctx, answer); err != nil {
		return fmt.Errorf("apply subscriber answer: %w", err)
	}
	if _, _, err := r.session.pluginRequest(ctx, handleID, map[string]interface{}{
		"request": "start",
		"room":    roomID,
	}, toJSEP(answer), true, 0); err != nil {
		return err
	}

	if dir := r.client.directory; dir != nil {
		err := dir.UpsertParticipant(ctx, &domain.Participant{
			CallID:    opts.CallID,
			UserID:    sub.feed.Display,
			FeedID:    sub.feed.FeedID,
			LinkState: link.ConnectionState(),
			JoinedAt:  time.Now(),
		})
		if err != nil {
			r.logger.Warnw("Directory upsert failed", "call_id", opts.CallID, "user_id", sub.feed.Display, "error", err)
		}
	}

	r.mu.Lock()
	if r.left || r.subscribers[sub.feed.FeedID] != sub {
		r.mu.Unlock()
		return nil
	}
	sub.attached = true
	r.mu.Unlock()

	r.logger.Infow("Subscribed to relay feed", "call_id", opts.CallID, "feed_id", sub.feed.FeedID, "display", sub.feed.Display)
	r.events.FeedAttached(sub.feed)
	return nil
}

func (r *Room) goDetach(feedID uint64) {
	r.mu.Lock()
	if r.left {
		r.mu.Unlock()
		return
	}
	r.wg.Add(1)
	r.mu.Unlock()
	go func() {
		defer r.wg.Done()
		r.detach(feedID)
	}()
}

// detach drops the subscription to a feed.
func (r *Room) detach(feedID uint64) {
	r.mu.Lock()
	sub, ok := r.subscribers[feedID]
	if !ok {
		r.mu.Unlock()
		return
	}
	delete(r.subscribers, feedID)
	link, handleID, attached := sub.link, sub.handleID, sub.attached
	callID := r.opts.CallID
	r.mu.Unlock()

	if link != nil {
		_ = link.Close()
	}
	if handleID != 0 && r.ctx.Err() == nil {
		ctx, cancel := context.WithTimeout(r.ctx, detachTimeout)
		if err := r.session.detach(ctx, handleID); err != nil {
			r.logger.Debugw("Relay detach failed", "handle_id", handleID, "error", err)
		}
		cancel()
	}
	if dir := r.client.directory; dir != nil && callID != "" {
		if err := dir.RemoveParticipant(context.Background(), callID, sub.feed.Display); err != nil {
			r.logger.Debugw("Directory removal failed", "call_id", callID, "user_id", sub.feed.Display, "error", err)
		}
	}
	if attached {
		r.logger.Infow("Relay feed detached", "call_id", callID, "feed_id", feedID, "display", sub.feed.Display)
		r.events.FeedDetached(sub.feed)
	}
}
